// Package project is the single entry point for project CRUD. It decides
// whether a project lives in the remote store or only on the device and
// keeps PINs and form schemas consistent across both.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/fieldsync/internal/connectivity"
	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/observability"
	"github.com/nhle/fieldsync/internal/pin"
	"github.com/nhle/fieldsync/internal/remote"
	"github.com/nhle/fieldsync/internal/store"
)

// DefaultMaxPinAttempts bounds PIN regeneration on collision.
const DefaultMaxPinAttempts = 5

// Repository unifies the local mirror and the remote store.
type Repository struct {
	local    *store.Local
	remote   remote.Store
	conn     connectivity.Monitor
	ident    identity.Provider
	pins     pin.Generator
	reserver pin.Reserver

	maxPinAttempts int
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
	metrics        *observability.Metrics

	mu        gosync.Mutex
	locations map[string]model.Location
	onDelete  []func(projectID string)
	guards    []DeleteGuard
}

// DeleteGuard runs before a project is deleted and may block until the
// project is safe to remove. release is called when the delete returns.
type DeleteGuard func(ctx context.Context, projectID string) (release func(), err error)

// Option configures a Repository.
type Option func(*Repository)

// WithPinGenerator replaces the random PIN generator.
func WithPinGenerator(g pin.Generator) Option {
	return func(r *Repository) { r.pins = g }
}

// WithReserver replaces the in-process PIN reserver, e.g. with a
// Redis-backed one shared across devices.
func WithReserver(res pin.Reserver) Option {
	return func(r *Repository) { r.reserver = res }
}

// WithMaxPinAttempts sets how many PIN candidates are tried.
func WithMaxPinAttempts(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxPinAttempts = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator replaces the UUID generator for project keys.
func WithIDGenerator(f func() string) Option {
	return func(r *Repository) { r.newID = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l.With("component", "project") }
}

// WithMetrics records spans and operation counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// New creates a repository.
func New(
	local *store.Local,
	rs remote.Store,
	conn connectivity.Monitor,
	ident identity.Provider,
	opts ...Option,
) *Repository {
	r := &Repository{
		local:          local,
		remote:         rs,
		conn:           conn,
		ident:          ident,
		pins:           pin.Digits{},
		reserver:       pin.NewMemoryReserver(),
		maxPinAttempts: DefaultMaxPinAttempts,
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         slog.Default().With("component", "project"),
		locations:      make(map[string]model.Location),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnDelete registers fn to run after a project is deleted.
func (r *Repository) OnDelete(fn func(projectID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = append(r.onDelete, fn)
}

// GuardDelete registers g to run before every delete.
func (r *Repository) GuardDelete(g DeleteGuard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards = append(r.guards, g)
}

// Get loads a project and resolves where it lives. For cloud-backed
// projects reachable online, the remote copy is returned and mirrored.
func (r *Repository) Get(ctx context.Context, projectID string) (model.Project, model.Location, error) {
	return r.resolve(ctx, projectID)
}

// RecordAdded raises the local mirror's record count after records were
// delivered.
func (r *Repository) RecordAdded(ctx context.Context, projectID string, n int) (model.Project, error) {
	return r.local.AddRecordCount(ctx, projectID, n)
}

func (r *Repository) resolve(ctx context.Context, key string) (model.Project, model.Location, error) {
	lp, err := r.local.Project(ctx, key)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return r.resolveRemoteOnly(ctx, key)
	case err != nil:
		return model.Project{}, nil, err
	}

	loc, cached := r.cached(lp.Key())
	if !r.conn.IsOnline() {
		if !cached {
			loc = locationOf(lp)
		}
		return lp, loc, nil
	}

	if !cached {
		loc, err = r.locate(ctx, lp)
		if err != nil {
			r.logger.WarnContext(ctx, "remote listing failed; using local copy",
				"project", lp.Key(), "error", err)
			return lp, locationOf(lp), nil
		}
		r.remember(lp.Key(), loc)
	}

	cloudID, ok := model.IsCloud(loc)
	if !ok {
		return lp, loc, nil
	}

	fresh, err := r.fetchRemote(ctx, cloudID, lp)
	switch {
	case errors.Is(err, model.ErrNotFound):
		r.logger.WarnContext(ctx, "cloud project was deleted remotely; dropping local copy",
			"project", lp.Key(), "remote_id", cloudID)
		if err := r.dropLocal(ctx, lp); err != nil {
			return model.Project{}, nil, err
		}
		return model.Project{}, nil, fmt.Errorf("project %s: %w", key, model.ErrNotFound)
	case err != nil:
		r.logger.WarnContext(ctx, "reading cloud project failed; using local copy",
			"project", lp.Key(), "error", err)
		return lp, loc, nil
	}
	return fresh, loc, nil
}

// locate decides the tier of a locally mirrored project: it is
// cloud-backed when the owner's remote listing contains it, or when it was
// mirrored with a remote id.
func (r *Repository) locate(ctx context.Context, lp model.Project) (model.Location, error) {
	if owner := lp.CreatedBy; owner != "" && owner != model.AnonymousCreator {
		docs, err := r.remote.QueryByField(ctx, remote.ProjectsCollection, remote.FieldCreatedBy, owner)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if d.ID() == lp.Key() || (lp.ID != "" && d.ID() == lp.ID) {
				return model.CloudBacked{ID: d.ID()}, nil
			}
		}
	}
	return locationOf(lp), nil
}

func (r *Repository) resolveRemoteOnly(ctx context.Context, key string) (model.Project, model.Location, error) {
	if !r.conn.IsOnline() {
		return model.Project{}, nil, fmt.Errorf("project %s: %w", key, model.ErrNotFound)
	}

	p, err := r.fetchRemote(ctx, key, model.Project{})
	if err != nil {
		return model.Project{}, nil, err
	}
	loc := model.CloudBacked{ID: p.ID}
	r.remember(p.Key(), loc)
	return p, loc, nil
}

// fetchRemote reads the authoritative copy of a cloud project, mirrors it
// locally under lp's key, and returns it.
func (r *Repository) fetchRemote(ctx context.Context, cloudID string, lp model.Project) (model.Project, error) {
	doc, err := r.remote.GetByID(ctx, remote.ProjectsCollection, cloudID)
	if err != nil {
		return model.Project{}, r.remoteErr("reading project", err)
	}
	p, err := remote.DecodeProject(doc)
	if err != nil {
		return model.Project{}, err
	}
	p.LocalID = lp.LocalID
	if lp.RecordCount > p.RecordCount {
		p.RecordCount = lp.RecordCount
	}
	if err := r.local.SaveProject(ctx, p); err != nil {
		return model.Project{}, fmt.Errorf("mirroring project %s: %w", p.Key(), err)
	}
	return p, nil
}

// dropLocal removes the mirror and record lists of a project.
func (r *Repository) dropLocal(ctx context.Context, p model.Project) error {
	key := p.Key()
	if err := r.local.RemoveProject(ctx, key); err != nil {
		return fmt.Errorf("removing local project %s: %w", key, err)
	}
	if err := r.local.Purge(ctx, key); err != nil {
		return fmt.Errorf("purging records of %s: %w", key, err)
	}
	if p.ProjectPin != "" {
		r.release(ctx, p.ProjectPin, key)
	}
	r.forget(key)
	return nil
}

func (r *Repository) cached(key string) (model.Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.locations[key]
	return loc, ok
}

func (r *Repository) remember(key string, loc model.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations[key] = loc
}

// forget drops the cached location and tells delete subscribers.
func (r *Repository) forget(key string) {
	r.mu.Lock()
	delete(r.locations, key)
	hooks := append([]func(string){}, r.onDelete...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(key)
	}
}

// guard runs the delete guards for key. On failure the guards already
// passed are released.
func (r *Repository) guard(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	guards := append([]DeleteGuard{}, r.guards...)
	r.mu.Unlock()

	var releases []func()
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range guards {
		rel, err := g(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return release, nil
}

func (r *Repository) currentIdentity(ctx context.Context) *identity.Identity {
	who, err := r.ident.Current(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "identity unavailable; continuing signed out", "error", err)
		return nil
	}
	return who
}

func (r *Repository) remoteErr(op string, err error) error {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return &model.TransientError{Op: op, Err: err}
	}
}

func locationOf(p model.Project) model.Location {
	if p.ID != "" {
		return model.CloudBacked{ID: p.ID}
	}
	return model.LocalOnly{}
}
