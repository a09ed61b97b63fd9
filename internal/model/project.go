package model

import (
	"sort"
	"time"
)

// ProjectStatus is the lifecycle state of a survey project.
type ProjectStatus string

// Project status constants. A project only ever moves from active to
// inactive ("end survey").
const (
	StatusActive   ProjectStatus = "active"
	StatusInactive ProjectStatus = "inactive"
)

// AnonymousCreator is recorded as the creator when no verified identity
// is available.
const AnonymousCreator = "anonymous"

// FieldType identifies how a form field is captured and validated.
type FieldType string

const (
	FieldText           FieldType = "text"
	FieldTextAndNumbers FieldType = "textAndNumbers"
	FieldNumbers        FieldType = "numbers"
	FieldTextarea       FieldType = "textarea"
	FieldDefinedList    FieldType = "definedList"
	FieldLocation       FieldType = "location"
	FieldDate           FieldType = "date"
	FieldImage          FieldType = "image"
)

// Known reports whether t is a supported field type.
func (t FieldType) Known() bool {
	switch t {
	case FieldText, FieldTextAndNumbers, FieldNumbers, FieldTextarea,
		FieldDefinedList, FieldLocation, FieldDate, FieldImage:
		return true
	}
	return false
}

// FormSection is a named, ordered grouping of fields.
type FormSection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// FormField is a single input in a project's form.
type FormField struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	SectionID   string    `json:"sectionId"`
	Options     []string  `json:"options,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`
}

// Project is a survey form definition together with its bookkeeping.
type Project struct {
	// ID is the remote document id. It is empty while the project only
	// exists in local storage.
	ID string `json:"id,omitempty"`

	// LocalID is the client-generated key assigned at creation. Synced
	// projects are inserted remotely under the same id.
	LocalID string `json:"localId,omitempty"`

	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`

	// ProjectPin is the 6-character join code collectors use.
	ProjectPin string `json:"projectPin"`

	CreatedAt   time.Time     `json:"createdAt"`
	CreatedBy   string        `json:"createdBy,omitempty"`
	RecordCount int           `json:"recordCount"`
	Status      ProjectStatus `json:"status"`

	FormSections []FormSection `json:"formSections"`
	FormFields   []FormField   `json:"formFields"`
}

// Key returns the identifier used for local storage and queue keys.
func (p Project) Key() string {
	if p.LocalID != "" {
		return p.LocalID
	}
	return p.ID
}

// Active reports whether the project still accepts records.
func (p Project) Active() bool {
	return p.Status == "" || p.Status == StatusActive
}

// Clone returns a deep copy of p.
func (p Project) Clone() Project {
	c := p
	c.FormSections = append([]FormSection(nil), p.FormSections...)
	c.FormFields = make([]FormField, len(p.FormFields))
	for i, f := range p.FormFields {
		f.Options = append([]string(nil), f.Options...)
		c.FormFields[i] = f
	}
	if p.FormFields == nil {
		c.FormFields = nil
	}
	return c
}

// SortSections orders FormSections by their Order value.
func (p *Project) SortSections() {
	sort.SliceStable(p.FormSections, func(i, j int) bool {
		return p.FormSections[i].Order < p.FormSections[j].Order
	})
}

// Section returns the section with the given id.
func (p Project) Section(id string) (FormSection, bool) {
	for _, s := range p.FormSections {
		if s.ID == id {
			return s, true
		}
	}
	return FormSection{}, false
}

// Field returns the field with the given id.
func (p Project) Field(id string) (FormField, bool) {
	for _, f := range p.FormFields {
		if f.ID == id {
			return f, true
		}
	}
	return FormField{}, false
}

// VisibleFields returns the fields that reference an existing section,
// in section order and then declaration order. Orphaned fields are
// skipped.
func (p Project) VisibleFields() []FormField {
	sections := append([]FormSection(nil), p.FormSections...)
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Order < sections[j].Order
	})

	var fields []FormField
	for _, s := range sections {
		fields = append(fields, p.SectionFields(s.ID)...)
	}
	return fields
}

// SectionFields returns the fields belonging to sectionID in declaration
// order. It returns nil when the section does not exist.
func (p Project) SectionFields(sectionID string) []FormField {
	if _, ok := p.Section(sectionID); !ok {
		return nil
	}
	var fields []FormField
	for _, f := range p.FormFields {
		if f.SectionID == sectionID {
			fields = append(fields, f)
		}
	}
	return fields
}

// OrphanFields returns fields whose SectionID matches no section.
func (p Project) OrphanFields() []FormField {
	var orphans []FormField
	for _, f := range p.FormFields {
		if _, ok := p.Section(f.SectionID); !ok {
			orphans = append(orphans, f)
		}
	}
	return orphans
}

// ProjectPatch describes a partial update. Nil fields are left unchanged.
// RecordCount, CreatedAt, CreatedBy, and the PIN are not patchable.
type ProjectPatch struct {
	Name         *string        `json:"name,omitempty"`
	Category     *string        `json:"category,omitempty"`
	Description  *string        `json:"description,omitempty"`
	Status       *ProjectStatus `json:"status,omitempty"`
	FormSections *[]FormSection `json:"formSections,omitempty"`
	FormFields   *[]FormField   `json:"formFields,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (pp ProjectPatch) Empty() bool {
	return pp.Name == nil && pp.Category == nil && pp.Description == nil &&
		pp.Status == nil && pp.FormSections == nil && pp.FormFields == nil
}

// Apply returns a copy of p with the patch merged in.
func (pp ProjectPatch) Apply(p Project) Project {
	out := p.Clone()
	if pp.Name != nil {
		out.Name = *pp.Name
	}
	if pp.Category != nil {
		out.Category = *pp.Category
	}
	if pp.Description != nil {
		out.Description = *pp.Description
	}
	if pp.Status != nil {
		out.Status = *pp.Status
	}
	if pp.FormSections != nil {
		out.FormSections = append([]FormSection(nil), (*pp.FormSections)...)
	}
	if pp.FormFields != nil {
		out.FormFields = append([]FormField(nil), (*pp.FormFields)...)
	}
	out.SortSections()
	return out
}
