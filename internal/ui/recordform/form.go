// Package recordform builds interactive prompts for joining a project and
// capturing a record from its form schema.
package recordform

import (
	"errors"
	"fmt"
	"sort"

	"github.com/charmbracelet/huh"

	"github.com/nhle/fieldsync/internal/model"
)

// answer holds one field's input on the heap so huh's Value pointers stay
// valid while the form runs.
type answer struct {
	field    model.FormField
	text     string
	district string
}

// Form is a huh form for one project's visible fields.
type Form struct {
	*huh.Form
	answers []*answer
}

// New builds a form with one group per section, in section order.
func New(p model.Project) *Form {
	f := &Form{}
	sections := append([]model.FormSection(nil), p.FormSections...)
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Order < sections[j].Order
	})

	var groups []*huh.Group
	for _, s := range sections {
		fields := p.SectionFields(s.ID)
		if len(fields) == 0 {
			continue
		}
		var inputs []huh.Field
		for _, field := range fields {
			a := &answer{field: field}
			f.answers = append(f.answers, a)
			inputs = append(inputs, fieldInputs(a)...)
		}
		groups = append(groups, huh.NewGroup(inputs...).Title(s.Name))
	}
	f.Form = huh.NewForm(groups...)
	return f
}

func fieldInputs(a *answer) []huh.Field {
	title := a.field.Label
	if title == "" {
		title = a.field.Name
	}
	if a.field.Required {
		title += " *"
	}

	switch a.field.Type {
	case model.FieldTextarea:
		return []huh.Field{huh.NewText().Title(title).Placeholder(a.field.Placeholder).Value(&a.text)}
	case model.FieldDefinedList:
		opts := huh.NewOptions(a.field.Options...)
		if !a.field.Required {
			opts = append([]huh.Option[string]{huh.NewOption("(none)", "")}, opts...)
		}
		return []huh.Field{huh.NewSelect[string]().Title(title).Options(opts...).Value(&a.text)}
	case model.FieldLocation:
		return []huh.Field{
			huh.NewInput().Title(title + " (province)").Value(&a.text),
			huh.NewInput().Title(title + " (district)").Value(&a.district),
		}
	case model.FieldDate:
		return []huh.Field{huh.NewInput().Title(title).Placeholder("YYYY-MM-DD").Value(&a.text)}
	default:
		return []huh.Field{huh.NewInput().Title(title).Placeholder(a.field.Placeholder).Value(&a.text)}
	}
}

// Data returns the answers as record data keyed by field id. Unanswered
// fields are left out.
func (f *Form) Data() map[string]model.Value {
	data := make(map[string]model.Value, len(f.answers))
	for _, a := range f.answers {
		var v model.Value
		if a.field.Type == model.FieldLocation {
			v = model.PlaceValue(a.text, a.district)
		} else {
			v = model.TextValue(a.field.Type, a.text)
		}
		if !v.Empty() {
			data[a.field.ID] = v
		}
	}
	return data
}

// Set fills a field's answer by id, as if typed into the form.
func (f *Form) Set(fieldID, text string) error {
	for _, a := range f.answers {
		if a.field.ID == fieldID {
			a.text = text
			return nil
		}
	}
	return fmt.Errorf("field %q is not part of the form", fieldID)
}

// JoinPrompt asks for a project PIN.
func JoinPrompt(pin *string) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Project PIN").
			Placeholder("123456").
			CharLimit(6).
			Validate(validatePin).
			Value(pin),
	))
}

func validatePin(s string) error {
	if !model.ValidPin(s) {
		return errors.New("enter the six-character PIN shared by the project owner")
	}
	return nil
}
