package model

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PinLength is the number of characters in a project PIN.
const PinLength = 6

var (
	pinPattern            = regexp.MustCompile(`^[0-9A-Z]{6}$`)
	textAndNumbersPattern = regexp.MustCompile(`^[\p{L}\p{N} ]*$`)
)

// ValidPin reports whether pin has the PIN format.
func ValidPin(pin string) bool {
	return pinPattern.MatchString(pin)
}

// ValidateProject checks the schema invariants of p: a non-empty name,
// well-formed sections, and fields that all reference an existing
// section. The PIN is checked only when set.
func ValidateProject(p Project) error {
	var errs problems

	if strings.TrimSpace(p.Name) == "" {
		errs.addf("project name must not be empty")
	}
	if p.ProjectPin != "" && !ValidPin(p.ProjectPin) {
		errs.addf("project PIN %q must be %d characters of 0-9 or A-Z", p.ProjectPin, PinLength)
	}
	switch p.Status {
	case "", StatusActive, StatusInactive:
	default:
		errs.addf("unknown project status %q", p.Status)
	}
	if p.RecordCount < 0 {
		errs.addf("record count must not be negative")
	}

	sectionIDs := make(map[string]bool, len(p.FormSections))
	orders := make(map[int]string, len(p.FormSections))
	for _, s := range p.FormSections {
		switch {
		case s.ID == "":
			errs.addf("section %q has no id", s.Name)
		case sectionIDs[s.ID]:
			errs.addf("duplicate section id %q", s.ID)
		}
		sectionIDs[s.ID] = true
		if strings.TrimSpace(s.Name) == "" {
			errs.addf("section %q must have a name", s.ID)
		}
		if other, dup := orders[s.Order]; dup {
			errs.addf("sections %q and %q share order %d", other, s.ID, s.Order)
		}
		orders[s.Order] = s.ID
	}

	fieldIDs := make(map[string]bool, len(p.FormFields))
	for _, f := range p.FormFields {
		switch {
		case f.ID == "":
			errs.addf("field %q has no id", f.Name)
		case fieldIDs[f.ID]:
			errs.addf("duplicate field id %q", f.ID)
		}
		fieldIDs[f.ID] = true
		if strings.TrimSpace(f.Name) == "" {
			errs.addf("field %q must have a name", f.ID)
		}
		if !f.Type.Known() {
			errs.addf("field %q has unknown type %q", f.ID, f.Type)
		}
		if f.Type == FieldDefinedList && len(f.Options) == 0 {
			errs.addf("field %q is a defined list without options", f.ID)
		}
		if !sectionIDs[f.SectionID] {
			errs.addf("field %q references missing section %q", f.ID, f.SectionID)
		}
	}

	return errs.err()
}

// ValidateChange checks that moving from before to after respects the
// immutable parts of a project: creation time, creator, PIN, a status
// that never reactivates, and a record count that never decreases.
func ValidateChange(before, after Project) error {
	var errs problems

	if !before.CreatedAt.IsZero() && !after.CreatedAt.Equal(before.CreatedAt) {
		errs.addf("createdAt is immutable")
	}
	if before.CreatedBy != "" && after.CreatedBy != before.CreatedBy {
		errs.addf("createdBy is immutable")
	}
	if after.ProjectPin != before.ProjectPin {
		errs.addf("project PIN cannot be changed by an update")
	}
	if before.Status == StatusInactive && after.Status != StatusInactive {
		errs.addf("an inactive project cannot be reactivated")
	}
	if after.RecordCount < before.RecordCount {
		errs.addf("record count cannot decrease")
	}

	return errs.err()
}

// ValidateRecordData checks submitted values against the project's
// current fields. Every key must name a visible field, required fields
// must be answered, and each value must suit its field type.
func ValidateRecordData(p Project, data map[string]Value) error {
	var errs problems

	if !p.Active() {
		errs.addf("project %q is inactive and read-only", p.Name)
	}

	visible := make(map[string]FormField)
	for _, f := range p.VisibleFields() {
		visible[f.ID] = f
	}

	for id, v := range data {
		f, ok := visible[id]
		if !ok {
			errs.addf("field %q is not part of the form", id)
			continue
		}
		if v.Empty() {
			continue
		}
		if msg := checkValue(f, v); msg != "" {
			errs.addf("field %q: %s", f.Name, msg)
		}
	}

	for _, f := range p.VisibleFields() {
		if !f.Required {
			continue
		}
		if v, ok := data[f.ID]; !ok || v.Empty() {
			errs.addf("field %q is required", f.Name)
		}
	}

	return errs.err()
}

// NormalizeRecordData returns a copy of data with every untyped value
// tagged with the type of its field.
func NormalizeRecordData(p Project, data map[string]Value) map[string]Value {
	out := make(map[string]Value, len(data))
	for id, v := range data {
		if v.Type == "" {
			if f, ok := p.Field(id); ok {
				v.Type = f.Type
			} else {
				v.Type = FieldText
			}
		}
		out[id] = v
	}
	return out
}

func checkValue(f FormField, v Value) string {
	if v.Type != "" && v.Type != f.Type {
		return "value type " + string(v.Type) + " does not match field type " + string(f.Type)
	}

	switch f.Type {
	case FieldNumbers:
		if _, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64); err != nil {
			return "must be a number"
		}
	case FieldTextAndNumbers:
		if !textAndNumbersPattern.MatchString(v.Text) {
			return "may only contain letters, digits, and spaces"
		}
	case FieldDefinedList:
		for _, o := range f.Options {
			if o == v.Text {
				return ""
			}
		}
		return "must be one of the listed options"
	case FieldLocation:
		if v.Place != nil && v.Place.Province == "" {
			return "a structured location needs a province"
		}
	case FieldDate:
		if _, err := time.Parse("2006-01-02", v.Text); err != nil {
			return "must be a date in YYYY-MM-DD form"
		}
	case FieldImage:
		u, err := url.Parse(v.Text)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return "must be an absolute image URL"
		}
	}
	return ""
}
