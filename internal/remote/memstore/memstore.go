// Package memstore is an in-process remote.Store. It backs tests and the
// "memory" backend of the document API server.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nhle/fieldsync/internal/remote"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpInsert    Op = "insert"
	OpGet       Op = "get"
	OpQuery     Op = "query"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpIncrement Op = "increment"
)

// Hook runs before every operation. A non-nil error fails the operation
// without touching stored data.
type Hook func(ctx context.Context, op Op, collection, id string) error

type entry struct {
	seq  int64
	body []byte
}

// Store keeps documents in memory as JSON, so callers never share maps
// with the store.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]entry
	seq         int64
	hook        Hook
	calls       map[Op]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]entry),
		calls:       make(map[Op]int),
	}
}

// SetHook installs (or with nil, removes) the fault injection hook.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Calls returns how many times op was attempted, including failed calls.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Len returns the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

// before counts the call and runs the hook outside the store lock, so a
// hook may block or call back into the store.
func (s *Store) before(ctx context.Context, op Op, collection, id string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(ctx, op, collection, id)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, collection, id string, doc remote.Document) (string, bool, error) {
	if err := s.before(ctx, OpInsert, collection, id); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	docs := s.collection(collection)
	if _, exists := docs[id]; exists {
		return id, false, nil
	}

	stored := copyWithID(doc, id)
	if s.conflicts(collection, id, stored) {
		return "", false, fmt.Errorf("inserting %s/%s: %w", collection, id, remote.ErrConflict)
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return "", false, fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}
	s.seq++
	docs[id] = entry{seq: s.seq, body: body}
	return id, true, nil
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (remote.Document, error) {
	if err := s.before(ctx, OpGet, collection, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	return decode(e.body)
}

func (s *Store) QueryByField(ctx context.Context, collection, field, value string) ([]remote.Document, error) {
	if err := s.before(ctx, OpQuery, collection, ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []entry
	for _, e := range s.collections[collection] {
		doc, err := decode(e.body)
		if err != nil {
			return nil, err
		}
		if matchesField(doc, field, value) {
			matches = append(matches, e)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	docs := make([]remote.Document, 0, len(matches))
	for _, e := range matches {
		doc, err := decode(e.body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch remote.Document) error {
	if err := s.before(ctx, OpUpdate, collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	doc, err := decode(e.body)
	if err != nil {
		return err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	if s.conflicts(collection, id, doc) {
		return fmt.Errorf("updating %s/%s: %w", collection, id, remote.ErrConflict)
	}
	return s.put(collection, id, e.seq, doc)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.before(ctx, OpDelete, collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

func (s *Store) IncrementField(ctx context.Context, collection, id, field string, delta int64) error {
	if err := s.before(ctx, OpIncrement, collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	doc, err := decode(e.body)
	if err != nil {
		return err
	}
	current, _ := doc[field].(float64)
	doc[field] = current + float64(delta)
	return s.put(collection, id, e.seq, doc)
}

func (s *Store) collection(name string) map[string]entry {
	docs, ok := s.collections[name]
	if !ok {
		docs = make(map[string]entry)
		s.collections[name] = docs
	}
	return docs
}

func (s *Store) put(collection, id string, seq int64, doc remote.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}
	s.collection(collection)[id] = entry{seq: seq, body: body}
	return nil
}

// conflicts reports whether doc would share a unique field value with
// another document in the collection.
func (s *Store) conflicts(collection, id string, doc remote.Document) bool {
	for _, field := range remote.UniqueFields[collection] {
		value, ok := doc[field]
		if !ok || value == "" {
			continue
		}
		want := fmt.Sprint(value)
		for otherID, e := range s.collections[collection] {
			if otherID == id {
				continue
			}
			other, err := decode(e.body)
			if err == nil && matchesField(other, field, want) {
				return true
			}
		}
	}
	return false
}

func matchesField(doc remote.Document, field, value string) bool {
	v, ok := doc[field]
	return ok && fmt.Sprint(v) == value
}

func copyWithID(doc remote.Document, id string) remote.Document {
	out := make(remote.Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

func decode(body []byte) (remote.Document, error) {
	doc := remote.Document{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding stored document: %w", err)
	}
	return doc, nil
}
