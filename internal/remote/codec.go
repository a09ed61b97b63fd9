package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhle/fieldsync/internal/model"
)

// EncodeProject converts a project to its remote document form. The
// document id is carried by the store, so neither id nor localId is
// written into the body.
func EncodeProject(p model.Project) (Document, error) {
	doc, err := toDocument(p)
	if err != nil {
		return nil, fmt.Errorf("encoding project %s: %w", p.Key(), err)
	}
	delete(doc, "id")
	delete(doc, "localId")
	return doc, nil
}

// DecodeProject converts a remote document to a project whose ID is the
// document id.
func DecodeProject(doc Document) (model.Project, error) {
	var p model.Project
	if err := fromDocument(doc, &p); err != nil {
		return model.Project{}, fmt.Errorf("decoding project %s: %w", doc.ID(), err)
	}
	p.ID = doc.ID()
	p.LocalID = ""
	p.SortSections()
	return p, nil
}

// PatchDocument converts a project patch to the set of fields to write.
// RecordCount is never part of a patch.
func PatchDocument(pp model.ProjectPatch) (Document, error) {
	doc, err := toDocument(pp)
	if err != nil {
		return nil, fmt.Errorf("encoding project patch: %w", err)
	}
	return doc, nil
}

type wireRecord struct {
	ProjectID string            `json:"projectId"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
	CreatedBy string            `json:"createdBy"`
}

// EncodeRecord converts a record to its remote document form with every
// value in string wire encoding.
func EncodeRecord(rec model.ProjectRecord) (Document, error) {
	doc, err := toDocument(wireRecord{
		ProjectID: rec.ProjectID,
		Data:      model.EncodeData(rec.Data),
		CreatedAt: rec.CreatedAt.UTC(),
		CreatedBy: rec.CreatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	return doc, nil
}

// DecodeRecord converts a remote record document back to typed values
// using the owning project's fields.
func DecodeRecord(doc Document, p model.Project) (model.ProjectRecord, error) {
	var w wireRecord
	if err := fromDocument(doc, &w); err != nil {
		return model.ProjectRecord{}, fmt.Errorf("decoding record %s: %w", doc.ID(), err)
	}
	return model.ProjectRecord{
		ID:        doc.ID(),
		ProjectID: w.ProjectID,
		Data:      model.DecodeData(p, w.Data),
		CreatedAt: w.CreatedAt,
		CreatedBy: w.CreatedBy,
	}, nil
}

func toDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDocument(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
