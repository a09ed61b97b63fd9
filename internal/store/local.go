package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/nhle/fieldsync/internal/model"
)

// Key layout of the on-device store.
const (
	ProjectsKey        = "myProjects"
	PendingKeyPrefix   = "offline_records_"
	CommittedKeyPrefix = "records_"
)

// PendingKey is the queue of records awaiting delivery for a project.
func PendingKey(projectID string) string { return PendingKeyPrefix + projectID }

// CommittedKey holds the local copy of records already delivered.
func CommittedKey(projectID string) string { return CommittedKeyPrefix + projectID }

// Local owns the on-device key namespace and exposes typed access to the
// project list and per-project record queues. One Local is shared by the
// project repository and the sync engine.
type Local struct {
	kv KV

	// mu serializes read-modify-write changes to the project list.
	mu gosync.Mutex
}

// NewLocal wraps kv with the project/record key layout.
func NewLocal(kv KV) *Local {
	return &Local{kv: kv}
}

// Projects returns every project in the local mirror.
func (l *Local) Projects(ctx context.Context) ([]model.Project, error) {
	items, err := l.kv.GetAll(ctx, ProjectsKey)
	if err != nil {
		return nil, err
	}

	projects := make([]model.Project, 0, len(items))
	for _, item := range items {
		var p model.Project
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding local project %s: %w", item.ID, err)
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// Project returns the project stored under key, or model.ErrNotFound.
func (l *Local) Project(ctx context.Context, key string) (model.Project, error) {
	projects, err := l.Projects(ctx)
	if err != nil {
		return model.Project{}, err
	}
	for _, p := range projects {
		if p.Key() == key || (p.ID != "" && p.ID == key) {
			return p, nil
		}
	}
	return model.Project{}, fmt.Errorf("local project %s: %w", key, model.ErrNotFound)
}

// ProjectByPin returns the local project with the given PIN.
func (l *Local) ProjectByPin(ctx context.Context, pin string) (model.Project, error) {
	projects, err := l.Projects(ctx)
	if err != nil {
		return model.Project{}, err
	}
	for _, p := range projects {
		if p.ProjectPin == pin {
			return p, nil
		}
	}
	return model.Project{}, fmt.Errorf("local project with PIN %s: %w", pin, model.ErrNotFound)
}

// SaveProject merges p into the project list. The stored record count
// never decreases, so a stale copy cannot roll it back.
func (l *Local) SaveProject(ctx context.Context, p model.Project) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.Project(ctx, p.Key()); err == nil && existing.RecordCount > p.RecordCount {
		p.RecordCount = existing.RecordCount
	}
	return l.putProject(ctx, p)
}

// AddRecordCount raises the mirrored record count of a project by delta.
func (l *Local) AddRecordCount(ctx context.Context, key string, delta int) (model.Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.Project(ctx, key)
	if err != nil {
		return model.Project{}, err
	}
	if delta > 0 {
		p.RecordCount += delta
	}
	return p, l.putProject(ctx, p)
}

func (l *Local) putProject(ctx context.Context, p model.Project) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding project %s: %w", p.Key(), err)
	}
	return l.kv.Merge(ctx, ProjectsKey, Item{ID: p.Key(), Payload: payload})
}

// RemoveProject drops a project from the list. Missing projects are ignored.
func (l *Local) RemoveProject(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kv.Remove(ctx, ProjectsKey, key)
}

// Enqueue appends a record to its project's pending queue. Enqueuing the
// same record ID twice keeps a single entry.
func (l *Local) Enqueue(ctx context.Context, rec model.ProjectRecord) error {
	item, err := recordItem(rec)
	if err != nil {
		return err
	}
	return l.kv.Append(ctx, PendingKey(rec.ProjectID), item)
}

// Pending returns a project's queued records in submission order.
func (l *Local) Pending(ctx context.Context, projectID string) ([]model.ProjectRecord, error) {
	return l.records(ctx, PendingKey(projectID))
}

// PendingCount returns the queue length for a project.
func (l *Local) PendingCount(ctx context.Context, projectID string) (int, error) {
	return l.kv.Count(ctx, PendingKey(projectID))
}

// Dequeue removes delivered records from the pending queue.
func (l *Local) Dequeue(ctx context.Context, projectID string, recordIDs ...string) error {
	return l.kv.Remove(ctx, PendingKey(projectID), recordIDs...)
}

// Commit stores a delivered record in the project's local record list.
func (l *Local) Commit(ctx context.Context, rec model.ProjectRecord) error {
	item, err := recordItem(rec)
	if err != nil {
		return err
	}
	return l.kv.Append(ctx, CommittedKey(rec.ProjectID), item)
}

// Committed returns the delivered records kept on the device.
func (l *Local) Committed(ctx context.Context, projectID string) ([]model.ProjectRecord, error) {
	return l.records(ctx, CommittedKey(projectID))
}

// PendingProjects returns the keys of projects with a non-empty queue.
func (l *Local) PendingProjects(ctx context.Context) ([]string, error) {
	keys, err := l.kv.Keys(ctx, PendingKeyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, PendingKeyPrefix))
	}
	return ids, nil
}

// Purge removes every record list belonging to a project.
func (l *Local) Purge(ctx context.Context, projectID string) error {
	if err := l.kv.DeleteKey(ctx, PendingKey(projectID)); err != nil {
		return err
	}
	return l.kv.DeleteKey(ctx, CommittedKey(projectID))
}

func (l *Local) records(ctx context.Context, key string) ([]model.ProjectRecord, error) {
	items, err := l.kv.GetAll(ctx, key)
	if err != nil {
		return nil, err
	}

	records := make([]model.ProjectRecord, 0, len(items))
	for _, item := range items {
		var rec model.ProjectRecord
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			return nil, fmt.Errorf("decoding record %s in %s: %w", item.ID, key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func recordItem(rec model.ProjectRecord) (Item, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Item{}, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	return Item{ID: rec.ID, Payload: payload}, nil
}
