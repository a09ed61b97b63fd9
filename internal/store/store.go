package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a key or item does not exist.
var ErrNotFound = errors.New("local entry not found")

// Item is one element of a stored list. ID identifies the item within its
// list; Payload is its JSON encoding.
type Item struct {
	ID      string
	Payload json.RawMessage
}

// KV is the on-device key/list store. Each key holds an ordered list of
// items. Shared lists are changed through Append, Merge, and Remove so
// that concurrent writers never drop each other's entries; SetAll
// replaces a whole list and is reserved for lists with a single writer.
type KV interface {
	// GetAll returns the items under key in list order. A missing key
	// yields an empty list.
	GetAll(ctx context.Context, key string) ([]Item, error)

	// SetAll replaces the list under key.
	SetAll(ctx context.Context, key string, items []Item) error

	// Append adds items to the end of the list. Items whose ID is already
	// present are left untouched.
	Append(ctx context.Context, key string, items ...Item) error

	// Merge inserts or updates items by ID. Updated items keep their
	// position; new items go to the end.
	Merge(ctx context.Context, key string, items ...Item) error

	// Remove deletes the items with the given IDs. Missing IDs are ignored.
	Remove(ctx context.Context, key string, ids ...string) error

	// DeleteKey removes the list entirely. Missing keys are ignored.
	DeleteKey(ctx context.Context, key string) error

	// Keys returns every non-empty key that starts with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Count returns the number of items under key.
	Count(ctx context.Context, key string) (int, error)
}
