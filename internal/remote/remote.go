// Package remote defines the networked document store that holds the
// authoritative copy of cloud-backed projects and their records.
package remote

import (
	"context"
	"errors"
)

// Collections used by the sync core.
const (
	ProjectsCollection = "projects"
	RecordsCollection  = "records"
)

// Field names the core queries by.
const (
	FieldProjectPin  = "projectPin"
	FieldCreatedBy   = "createdBy"
	FieldProjectID   = "projectId"
	FieldRecordCount = "recordCount"
)

// UniqueFields lists, per collection, the fields every backend must keep
// unique. Inserts or updates that would duplicate one fail with ErrConflict.
var UniqueFields = map[string][]string{
	ProjectsCollection: {FieldProjectPin},
}

var (
	// ErrNotFound is returned when no document has the requested id.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a write would duplicate a unique field
	// held by a different document.
	ErrConflict = errors.New("unique field already taken")
)

// Document is a schemaless remote document. Documents returned by a Store
// carry their id under the "id" key.
type Document map[string]any

// ID returns the document id, or "" when absent.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Store is the contract every remote backend implements.
type Store interface {
	// Insert stores doc under id. An empty id asks the store to assign one.
	// Inserting an id that already exists leaves the stored document
	// untouched and reports created=false, which makes record delivery
	// idempotent.
	Insert(ctx context.Context, collection, id string, doc Document) (string, bool, error)

	// GetByID returns the document, or ErrNotFound.
	GetByID(ctx context.Context, collection, id string) (Document, error)

	// QueryByField returns every document whose field equals value, in
	// insertion order.
	QueryByField(ctx context.Context, collection, field, value string) ([]Document, error)

	// Update sets the given top-level fields, or returns ErrNotFound.
	Update(ctx context.Context, collection, id string, patch Document) error

	// Delete removes a document. Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, collection, id string) error

	// IncrementField atomically adds delta to a numeric field, treating a
	// missing field as zero. It returns ErrNotFound for a missing document.
	IncrementField(ctx context.Context, collection, id, field string, delta int64) error
}
