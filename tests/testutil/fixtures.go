package testutil

import "github.com/nhle/fieldsync/internal/model"

// GeneralProject returns a project with one "General" section holding a
// required text field "Name".
func GeneralProject(name, pin string) model.Project {
	return model.Project{
		Name:       name,
		Category:   "census",
		ProjectPin: pin,
		FormSections: []model.FormSection{
			{ID: "general", Name: "General", Order: 1},
		},
		FormFields: []model.FormField{
			{
				ID:        "Name",
				Name:      "Name",
				Label:     "Name",
				Type:      model.FieldText,
				Required:  true,
				SectionID: "general",
			},
		},
	}
}

// NameRecord returns record data answering the "Name" field.
func NameRecord(name string) map[string]model.Value {
	return map[string]model.Value{"Name": model.TextValue(model.FieldText, name)}
}
