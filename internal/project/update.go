package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/remote"
)

// FindByPin looks a project up by its join PIN, remote first when online.
// A remote hit is mirrored locally.
func (r *Repository) FindByPin(ctx context.Context, pin string) (model.Project, error) {
	if r.conn.IsOnline() {
		docs, err := r.remote.QueryByField(ctx, remote.ProjectsCollection, remote.FieldProjectPin, pin)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "remote PIN lookup failed; searching local projects",
				"pin", pin, "error", err)
		case len(docs) > 0:
			p, err := r.mirror(ctx, docs[0])
			if err != nil {
				return model.Project{}, err
			}
			return p, nil
		}
	}

	p, err := r.local.ProjectByPin(ctx, pin)
	if err != nil {
		return model.Project{}, err
	}
	return p, nil
}

// mirror stores a remote project document in the local mirror, keeping
// the key and record count of an existing local copy.
func (r *Repository) mirror(ctx context.Context, doc remote.Document) (model.Project, error) {
	p, err := remote.DecodeProject(doc)
	if err != nil {
		return model.Project{}, err
	}
	if lp, err := r.local.Project(ctx, p.ID); err == nil {
		p.LocalID = lp.LocalID
		if lp.RecordCount > p.RecordCount {
			p.RecordCount = lp.RecordCount
		}
	}
	if err := r.local.SaveProject(ctx, p); err != nil {
		return model.Project{}, fmt.Errorf("mirroring project %s: %w", p.Key(), err)
	}
	r.remember(p.Key(), model.CloudBacked{ID: p.ID})
	return p, nil
}

// List returns the local projects merged with the current identity's
// remote projects.
func (r *Repository) List(ctx context.Context) ([]model.Project, error) {
	projects, err := r.local.Projects(ctx)
	if err != nil {
		return nil, err
	}
	if !r.conn.IsOnline() {
		return projects, nil
	}
	who := r.currentIdentity(ctx)
	if !identity.CanWriteCloud(who) {
		return projects, nil
	}

	docs, err := r.remote.QueryByField(ctx, remote.ProjectsCollection, remote.FieldCreatedBy, who.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "remote listing failed; returning local projects", "error", err)
		return projects, nil
	}

	index := make(map[string]int, len(projects))
	for i, p := range projects {
		index[p.Key()] = i
		if p.ID != "" {
			index[p.ID] = i
		}
	}
	for _, doc := range docs {
		p, err := r.mirror(ctx, doc)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping remote project", "id", doc.ID(), "error", err)
			continue
		}
		if i, ok := index[p.ID]; ok {
			projects[i] = p
			continue
		}
		index[p.ID] = len(projects)
		projects = append(projects, p)
	}
	return projects, nil
}

// Update merges patch into a project and persists it in the tier that
// owns it. The merged project is validated as a whole, so existing schema
// problems are reported even when the patch does not touch them.
func (r *Repository) Update(ctx context.Context, projectID string, patch model.ProjectPatch) (p model.Project, err error) {
	ctx, done := r.metrics.Track(ctx, "update")
	defer func() { done(err) }()

	current, loc, err := r.resolve(ctx, projectID)
	if err != nil {
		return model.Project{}, err
	}

	merged := patch.Apply(current)
	if err := model.ValidateProject(merged); err != nil {
		return model.Project{}, err
	}
	if err := model.ValidateChange(current, merged); err != nil {
		return model.Project{}, err
	}

	cloudID, ok := model.IsCloud(loc)
	if !ok {
		if err := r.local.SaveProject(ctx, merged); err != nil {
			return model.Project{}, fmt.Errorf("saving project %s: %w", merged.Key(), err)
		}
		return r.local.Project(ctx, merged.Key())
	}

	if !r.conn.IsOnline() {
		return model.Project{}, model.ErrConnectivityRequired
	}
	if patch.Empty() {
		return current, nil
	}

	if patch.FormSections != nil {
		sorted := merged.FormSections
		patch.FormSections = &sorted
	}
	doc, err := remote.PatchDocument(patch)
	if err != nil {
		return model.Project{}, err
	}
	if err := r.remote.Update(ctx, remote.ProjectsCollection, cloudID, doc); err != nil {
		return model.Project{}, r.remoteErr("updating project", err)
	}

	fresh, err := r.fetchRemote(ctx, cloudID, current)
	if err != nil {
		r.logger.WarnContext(ctx, "re-reading updated project failed; mirroring merged copy",
			"project", current.Key(), "error", err)
		if err := r.local.SaveProject(ctx, merged); err != nil {
			return model.Project{}, fmt.Errorf("saving project %s: %w", merged.Key(), err)
		}
		return merged, nil
	}
	return fresh, nil
}

// EndSurvey marks a project inactive. Inactive projects accept no new
// records.
func (r *Repository) EndSurvey(ctx context.Context, projectID string) (model.Project, error) {
	status := model.StatusInactive
	return r.Update(ctx, projectID, model.ProjectPatch{Status: &status})
}

// Delete removes a project from every tier that holds it, together with
// its remote records and local queues. Deleting a missing project
// succeeds.
func (r *Repository) Delete(ctx context.Context, projectID string) (err error) {
	ctx, done := r.metrics.Track(ctx, "delete")
	defer func() { done(err) }()

	lp, err := r.local.Project(ctx, projectID)
	haveLocal := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	key := projectID
	var cloudID string
	if haveLocal {
		key = lp.Key()
		if loc, ok := r.cached(key); ok {
			cloudID, _ = model.IsCloud(loc)
		} else {
			cloudID, _ = model.IsCloud(locationOf(lp))
		}
	}

	release, err := r.guard(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	online := r.conn.IsOnline()
	if !haveLocal && online {
		_, err := r.remote.GetByID(ctx, remote.ProjectsCollection, projectID)
		switch {
		case err == nil:
			cloudID = projectID
		case !errors.Is(err, remote.ErrNotFound):
			return r.remoteErr("deleting project", err)
		}
	}

	if cloudID != "" {
		if !online {
			return model.ErrConnectivityRequired
		}
		r.deleteRemoteRecords(ctx, cloudID)
		if err := r.remote.Delete(ctx, remote.ProjectsCollection, cloudID); err != nil {
			return r.remoteErr("deleting project", err)
		}
	}

	if haveLocal {
		return r.dropLocal(ctx, lp)
	}
	if err := r.local.Purge(ctx, key); err != nil {
		return fmt.Errorf("purging records of %s: %w", key, err)
	}
	r.forget(key)
	return nil
}

// deleteRemoteRecords removes a project's remote records. Failures are
// logged and left for a later cleanup.
func (r *Repository) deleteRemoteRecords(ctx context.Context, cloudID string) {
	docs, err := r.remote.QueryByField(ctx, remote.RecordsCollection, remote.FieldProjectID, cloudID)
	if err != nil {
		r.logger.WarnContext(ctx, "listing remote records for delete", "project", cloudID, "error", err)
		return
	}
	for _, d := range docs {
		if err := r.remote.Delete(ctx, remote.RecordsCollection, d.ID()); err != nil {
			r.logger.WarnContext(ctx, "deleting remote record", "project", cloudID, "record", d.ID(), "error", err)
		}
	}
}

// Reconcile raises a cloud project's record count to the number of remote
// records when it has drifted low. The count is never lowered.
func (r *Repository) Reconcile(ctx context.Context, projectID string) (model.Project, error) {
	p, loc, err := r.resolve(ctx, projectID)
	if err != nil {
		return model.Project{}, err
	}
	cloudID, ok := model.IsCloud(loc)
	if !ok || !r.conn.IsOnline() {
		return p, nil
	}

	docs, err := r.remote.QueryByField(ctx, remote.RecordsCollection, remote.FieldProjectID, cloudID)
	if err != nil {
		return model.Project{}, r.remoteErr("counting remote records", err)
	}
	doc, err := r.remote.GetByID(ctx, remote.ProjectsCollection, cloudID)
	if err != nil {
		return model.Project{}, r.remoteErr("reading project", err)
	}
	rp, err := remote.DecodeProject(doc)
	if err != nil {
		return model.Project{}, err
	}

	if drift := len(docs) - rp.RecordCount; drift > 0 {
		if err := r.remote.IncrementField(ctx, remote.ProjectsCollection, cloudID, remote.FieldRecordCount, int64(drift)); err != nil {
			return model.Project{}, r.remoteErr("reconciling record count", err)
		}
		r.logger.InfoContext(ctx, "record count reconciled",
			"project", cloudID, "from", rp.RecordCount, "to", len(docs))
		rp.RecordCount = len(docs)
	}

	rp.LocalID = p.LocalID
	if err := r.local.SaveProject(ctx, rp); err != nil {
		return model.Project{}, fmt.Errorf("saving project %s: %w", rp.Key(), err)
	}
	return r.local.Project(ctx, rp.Key())
}
