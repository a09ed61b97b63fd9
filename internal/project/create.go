package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/remote"
)

type createOptions struct {
	requireCloud bool
}

// CreateOption configures Create and Duplicate.
type CreateOption func(*createOptions)

// RequireCloud makes creation fail instead of falling back to a
// local-only project when the remote store cannot be written.
func RequireCloud() CreateOption {
	return func(o *createOptions) { o.requireCloud = true }
}

// Create validates and persists a new project. The remote store is
// written when online with a verified identity; the local mirror is
// always written.
func (r *Repository) Create(ctx context.Context, in model.Project, opts ...CreateOption) (p model.Project, err error) {
	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}
	ctx, done := r.metrics.Track(ctx, "create")
	defer func() { done(err) }()

	p = in.Clone()
	p.ID = ""
	p.LocalID = r.newID()
	p.CreatedAt = r.now().UTC()
	p.RecordCount = 0
	if p.Status == "" {
		p.Status = model.StatusActive
	}
	p.SortSections()
	if err := model.ValidateProject(p); err != nil {
		return model.Project{}, err
	}

	who := r.currentIdentity(ctx)
	p.CreatedBy = identity.Creator(who)
	online := r.conn.IsOnline()
	cloud := online && identity.CanWriteCloud(who)
	if co.requireCloud {
		if !online {
			return model.Project{}, model.ErrConnectivityRequired
		}
		if !identity.CanWriteCloud(who) {
			return model.Project{}, model.ErrIdentityRequired
		}
	}

	attempts := r.maxPinAttempts
	preferred := p.ProjectPin
	for {
		pin, err := r.assignPin(ctx, p.LocalID, preferred, online, &attempts)
		if err != nil {
			return model.Project{}, err
		}
		p.ProjectPin = pin
		preferred = ""
		if !cloud {
			break
		}

		err = r.insertProject(ctx, p)
		if err == nil {
			p.ID = p.LocalID
			break
		}
		if errors.Is(err, remote.ErrConflict) {
			r.logger.InfoContext(ctx, "PIN taken remotely; regenerating", "pin", pin)
			r.release(ctx, pin, p.LocalID)
			continue
		}
		if co.requireCloud || ctx.Err() != nil {
			r.release(ctx, pin, p.LocalID)
			return model.Project{}, r.remoteErr("creating project", err)
		}
		r.logger.WarnContext(ctx, "remote create failed; keeping project local-only",
			"project", p.LocalID, "error", err)
		break
	}

	if err := r.local.SaveProject(ctx, p); err != nil {
		r.release(ctx, p.ProjectPin, p.LocalID)
		return model.Project{}, fmt.Errorf("saving project %s locally: %w", p.LocalID, err)
	}
	r.remember(p.Key(), locationOf(p))

	r.logger.InfoContext(ctx, "project created",
		"project", p.Key(), "pin", p.ProjectPin, "location", locationOf(p).String())
	return p, nil
}

// Duplicate copies a project's schema into a new project named newName
// with a fresh PIN, creation time, and zero records.
func (r *Repository) Duplicate(ctx context.Context, projectID, newName string, opts ...CreateOption) (model.Project, error) {
	src, _, err := r.resolve(ctx, projectID)
	if err != nil {
		return model.Project{}, err
	}

	c := src.Clone()
	c.ID = ""
	c.LocalID = ""
	c.Name = newName
	c.ProjectPin = ""
	c.RecordCount = 0
	c.Status = model.StatusActive
	c.CreatedBy = ""

	p, err := r.Create(ctx, c, opts...)
	if err != nil {
		return model.Project{}, fmt.Errorf("duplicating project %s: %w", projectID, err)
	}
	return p, nil
}

// Publish pushes a local-only project to the remote store. A project
// that is already cloud-backed is returned unchanged. The PIN is
// regenerated when another remote project took it meanwhile.
func (r *Repository) Publish(ctx context.Context, projectID string) (p model.Project, err error) {
	ctx, done := r.metrics.Track(ctx, "publish")
	defer func() { done(err) }()

	current, loc, err := r.resolve(ctx, projectID)
	if err != nil {
		return model.Project{}, err
	}
	if _, ok := model.IsCloud(loc); ok {
		return current, nil
	}
	if !r.conn.IsOnline() {
		return model.Project{}, model.ErrConnectivityRequired
	}
	if !identity.CanWriteCloud(r.currentIdentity(ctx)) {
		return model.Project{}, model.ErrIdentityRequired
	}

	p = current.Clone()
	if p.LocalID == "" {
		p.LocalID = p.Key()
	}

	attempts := r.maxPinAttempts
	preferred := p.ProjectPin
	for {
		pin, err := r.assignPin(ctx, p.LocalID, preferred, true, &attempts)
		if err != nil {
			return model.Project{}, err
		}
		p.ProjectPin = pin
		preferred = ""

		err = r.insertProject(ctx, p)
		if err == nil {
			break
		}
		r.release(ctx, pin, p.LocalID)
		if !errors.Is(err, remote.ErrConflict) {
			return model.Project{}, r.remoteErr("publishing project", err)
		}
	}
	if p.ProjectPin != current.ProjectPin && current.ProjectPin != "" {
		r.logger.InfoContext(ctx, "PIN reassigned on publish",
			"project", p.LocalID, "old_pin", current.ProjectPin, "pin", p.ProjectPin)
		r.release(ctx, current.ProjectPin, p.LocalID)
	}

	p.ID = p.LocalID
	if err := r.local.SaveProject(ctx, p); err != nil {
		return model.Project{}, fmt.Errorf("saving published project %s: %w", p.LocalID, err)
	}
	r.remember(p.Key(), model.CloudBacked{ID: p.ID})
	return p, nil
}

// insertProject writes p under its local key. Replaying the insert of an
// existing document succeeds.
func (r *Repository) insertProject(ctx context.Context, p model.Project) error {
	doc, err := remote.EncodeProject(p)
	if err != nil {
		return err
	}
	_, _, err = r.remote.Insert(ctx, remote.ProjectsCollection, p.LocalID, doc)
	return err
}

// assignPin returns a reserved PIN no other project uses. preferred is
// tried first when set. Each candidate spends one attempt.
func (r *Repository) assignPin(ctx context.Context, owner, preferred string, online bool, attempts *int) (string, error) {
	for *attempts > 0 {
		*attempts--

		candidate := preferred
		preferred = ""
		if candidate == "" {
			generated, err := r.pins.Generate()
			if err != nil {
				return "", fmt.Errorf("generating PIN: %w", err)
			}
			candidate = generated
		}
		if !model.ValidPin(candidate) {
			continue
		}

		reserved, err := r.reserver.Reserve(ctx, candidate, owner)
		if err != nil {
			r.logger.WarnContext(ctx, "PIN reservation unavailable; relying on store checks",
				"pin", candidate, "error", err)
			reserved = true
		}
		if !reserved {
			continue
		}

		taken, err := r.pinTaken(ctx, candidate, owner, online)
		if err != nil {
			r.release(ctx, candidate, owner)
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		r.release(ctx, candidate, owner)
	}
	return "", model.ErrPinExhausted
}

// pinTaken reports whether a project other than owner uses pin locally or,
// when online, remotely. A failing remote lookup leaves the remote unique
// index as the backstop.
func (r *Repository) pinTaken(ctx context.Context, pin, owner string, online bool) (bool, error) {
	projects, err := r.local.Projects(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range projects {
		if p.ProjectPin == pin && p.Key() != owner {
			return true, nil
		}
	}
	if !online {
		return false, nil
	}

	docs, err := r.remote.QueryByField(ctx, remote.ProjectsCollection, remote.FieldProjectPin, pin)
	if err != nil {
		r.logger.WarnContext(ctx, "remote PIN lookup failed", "pin", pin, "error", err)
		return false, nil
	}
	for _, d := range docs {
		if d.ID() != owner {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) release(ctx context.Context, pin, owner string) {
	if err := r.reserver.Release(ctx, pin, owner); err != nil {
		r.logger.WarnContext(ctx, "releasing PIN reservation", "pin", pin, "error", err)
	}
}
