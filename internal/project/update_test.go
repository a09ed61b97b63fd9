package project_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/pin"
	"github.com/nhle/fieldsync/internal/project"
	"github.com/nhle/fieldsync/internal/remote"
	"github.com/nhle/fieldsync/internal/remote/memstore"
	"github.com/nhle/fieldsync/tests/testutil"
)

func ptr[T any](v T) *T { return &v }

func TestUpdate_CloudWritesRemoteThenMirrors(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	// Records delivered elsewhere raised the remote count meanwhile.
	require.NoError(t, d.remote.IncrementField(ctx, remote.ProjectsCollection, p.ID, remote.FieldRecordCount, 2))

	sections := []model.FormSection{
		{ID: "site", Name: "Site", Order: 5},
		{ID: "general", Name: "General", Order: 1},
	}
	got, err := d.repo.Update(ctx, p.Key(), model.ProjectPatch{
		Name:         ptr("Wells 2026"),
		FormSections: &sections,
	})
	require.NoError(t, err)

	assert.Equal(t, "Wells 2026", got.Name)
	assert.Equal(t, 2, got.RecordCount)
	assert.Equal(t, []string{"general", "site"}, sectionIDs(got))

	doc, err := d.remote.GetByID(ctx, remote.ProjectsCollection, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Wells 2026", doc["name"])
	assert.EqualValues(t, 2, doc[remote.FieldRecordCount])

	local, err := d.local.Project(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, "Wells 2026", local.Name)
	assert.Equal(t, 2, local.RecordCount)
	assert.Equal(t, []string{"general", "site"}, sectionIDs(local))
}

func TestUpdate_OfflineCloudProjectNeedsConnectivity(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	d.conn.Set(false)
	_, err = d.repo.Update(ctx, p.Key(), model.ProjectPatch{Name: ptr("Renamed")})
	assert.ErrorIs(t, err, model.ErrConnectivityRequired)

	local, err := d.local.Project(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, "Wells", local.Name)
}

func TestUpdate_LocalOnlyProject(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), false)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	got, err := d.repo.Update(ctx, p.Key(), model.ProjectPatch{Description: ptr("spring round")})
	require.NoError(t, err)
	assert.Equal(t, "spring round", got.Description)
	assert.Zero(t, d.remote.Calls(memstore.OpUpdate))
}

// A stored project with an orphaned field is rejected on its next update,
// even when the patch does not touch the schema.
func TestUpdate_RevalidatesOrphanedField(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), false)

	stored := testutil.GeneralProject("Wells", "123456")
	stored.LocalID = "legacy-1"
	stored.FormFields = append(stored.FormFields, model.FormField{
		ID: "Ghost", Name: "Ghost", Label: "Ghost", Type: model.FieldText, SectionID: "ghost",
	})
	require.NoError(t, d.local.SaveProject(ctx, stored))

	got, _, err := d.repo.Get(ctx, "legacy-1")
	require.NoError(t, err)
	for _, f := range got.VisibleFields() {
		assert.NotEqual(t, "Ghost", f.ID)
	}

	_, err = d.repo.Update(ctx, "legacy-1", model.ProjectPatch{Name: ptr("Renamed")})
	require.Error(t, err)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "ghost")

	unchanged, err := d.local.Project(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, "Wells", unchanged.Name)
}

func TestEndSurvey_CannotReactivate(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	ended, err := d.repo.EndSurvey(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, model.StatusInactive, ended.Status)
	assert.False(t, ended.Active())

	_, err = d.repo.Update(ctx, p.Key(), model.ProjectPatch{Status: ptr(model.StatusActive)})
	assert.True(t, model.IsValidation(err))
}

func TestUpdate_RemoteFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	d.remote.SetHook(func(_ context.Context, op memstore.Op, _, _ string) error {
		if op == memstore.OpUpdate {
			return errors.New("503")
		}
		return nil
	})
	_, err = d.repo.Update(ctx, p.Key(), model.ProjectPatch{Name: ptr("Renamed")})
	assert.True(t, model.IsRetryable(err))
}

func TestDuplicate(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	src, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", "123456"))
	require.NoError(t, err)
	_, err = d.repo.EndSurvey(ctx, src.Key())
	require.NoError(t, err)

	dup, err := d.repo.Duplicate(ctx, src.Key(), "Wells (copy)")
	require.NoError(t, err)

	assert.NotEqual(t, src.Key(), dup.Key())
	assert.NotEqual(t, src.ProjectPin, dup.ProjectPin)
	assert.Zero(t, dup.RecordCount)
	assert.Equal(t, "Wells (copy)", dup.Name)
	assert.Equal(t, model.StatusActive, dup.Status)
	assert.Equal(t, src.FormSections, dup.FormSections)
	assert.Equal(t, src.FormFields, dup.FormFields)
	assert.Equal(t, 2, d.remote.Len(remote.ProjectsCollection))
}

func TestDuplicate_SourcePinIsNeverReused(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), false,
		project.WithPinGenerator(pin.Sequence("123456", "123456", "777777")))

	src, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	dup, err := d.repo.Duplicate(ctx, src.Key(), "Copy")
	require.NoError(t, err)
	assert.Equal(t, "777777", dup.ProjectPin)

	_, err = d.repo.Duplicate(ctx, src.Key(), "")
	assert.True(t, model.IsValidation(err))
}

func TestDelete_CloudProjectCascades(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	var deleted []string
	d.repo.OnDelete(func(id string) { deleted = append(deleted, id) })

	rec := model.ProjectRecord{
		ID: "r-1", ProjectID: p.Key(), CreatedAt: fixedNow,
		Data: testutil.NameRecord("Alice"),
	}
	require.NoError(t, d.local.Enqueue(ctx, rec))
	require.NoError(t, d.local.Commit(ctx, model.ProjectRecord{ID: "r-0", ProjectID: p.Key(), CreatedAt: fixedNow}))
	_, _, err = d.remote.Insert(ctx, remote.RecordsCollection, "r-0", remote.Document{remote.FieldProjectID: p.ID})
	require.NoError(t, err)

	d.conn.Set(false)
	assert.ErrorIs(t, d.repo.Delete(ctx, p.Key()), model.ErrConnectivityRequired)
	_, err = d.local.Project(ctx, p.Key())
	require.NoError(t, err, "offline delete must not remove anything")
	assert.Equal(t, 1, d.remote.Len(remote.ProjectsCollection))

	d.conn.Set(true)
	require.NoError(t, d.repo.Delete(ctx, p.Key()))

	assert.Zero(t, d.remote.Len(remote.ProjectsCollection))
	assert.Zero(t, d.remote.Len(remote.RecordsCollection))
	_, err = d.local.Project(ctx, p.Key())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assertNoQueues(t, d, p.Key())
	assert.Equal(t, []string{p.Key()}, deleted)

	require.NoError(t, d.repo.Delete(ctx, p.Key()), "second delete")
	assertNoQueues(t, d, p.Key())
}

func TestDelete_RunsGuards(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	var calls []string
	d.repo.GuardDelete(func(_ context.Context, id string) (func(), error) {
		calls = append(calls, "hold "+id)
		return func() { calls = append(calls, "release "+id) }, nil
	})

	d.conn.Set(false)
	assert.ErrorIs(t, d.repo.Delete(ctx, p.Key()), model.ErrConnectivityRequired)
	assert.Equal(t, []string{"hold " + p.Key(), "release " + p.Key()}, calls)

	d.conn.Set(true)
	blocked := errors.New("queue busy")
	d.repo.GuardDelete(func(context.Context, string) (func(), error) { return nil, blocked })
	calls = nil
	assert.ErrorIs(t, d.repo.Delete(ctx, p.Key()), blocked)
	assert.Equal(t, []string{"hold " + p.Key(), "release " + p.Key()}, calls)
	assert.Equal(t, 1, d.remote.Len(remote.ProjectsCollection))
}

func TestDelete_LocalOnlyProjectIsIdempotentOffline(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), false)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", "123456"))
	require.NoError(t, err)
	require.NoError(t, d.local.Enqueue(ctx, model.ProjectRecord{ID: "r-1", ProjectID: p.Key(), CreatedAt: fixedNow}))

	require.NoError(t, d.repo.Delete(ctx, p.Key()))
	require.NoError(t, d.repo.Delete(ctx, p.Key()))
	assertNoQueues(t, d, p.Key())

	// The PIN is free again.
	again, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", "123456"))
	require.NoError(t, err)
	assert.Equal(t, "123456", again.ProjectPin)
}

func assertNoQueues(t *testing.T, d *device, key string) {
	t.Helper()
	ctx := context.Background()
	n, err := d.local.PendingCount(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
	committed, err := d.local.Committed(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, committed)
	pending, err := d.local.PendingProjects(ctx)
	require.NoError(t, err)
	assert.NotContains(t, pending, key)
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	rs := memstore.New()
	d := newDevice(t, rs, false, project.WithPinGenerator(pin.Sequence("111111", "222222")))

	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)
	require.Equal(t, "111111", p.ProjectPin)

	_, err = d.repo.Publish(ctx, p.Key())
	assert.ErrorIs(t, err, model.ErrConnectivityRequired)

	// Another device took the PIN while this one was offline.
	_, _, err = rs.Insert(ctx, remote.ProjectsCollection, "rival", remote.Document{remote.FieldProjectPin: "111111"})
	require.NoError(t, err)

	d.conn.Set(true)
	published, err := d.repo.Publish(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, p.Key(), published.ID)
	assert.Equal(t, "222222", published.ProjectPin)

	_, loc, err := d.repo.Get(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, model.CloudBacked{ID: p.Key()}, loc)

	again, err := d.repo.Publish(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, published.ProjectPin, again.ProjectPin)
	assert.Equal(t, 2, rs.Len(remote.ProjectsCollection))
}

func TestPublish_NeedsVerifiedIdentity(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), false)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	d.conn.Set(true)
	d.ident.Identity = nil
	_, err = d.repo.Publish(ctx, p.Key())
	assert.ErrorIs(t, err, model.ErrIdentityRequired)
}

func TestReconcile_OnlyRaisesRecordCount(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), true)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	for _, id := range []string{"r-1", "r-2", "r-3"} {
		_, _, err := d.remote.Insert(ctx, remote.RecordsCollection, id, remote.Document{remote.FieldProjectID: p.ID})
		require.NoError(t, err)
	}
	require.NoError(t, d.remote.IncrementField(ctx, remote.ProjectsCollection, p.ID, remote.FieldRecordCount, 1))

	got, err := d.repo.Reconcile(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 3, got.RecordCount)

	doc, err := d.remote.GetByID(ctx, remote.ProjectsCollection, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, doc[remote.FieldRecordCount])

	require.NoError(t, d.remote.IncrementField(ctx, remote.ProjectsCollection, p.ID, remote.FieldRecordCount, 4))
	got, err = d.repo.Reconcile(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 7, got.RecordCount)
}

func TestRecordAdded(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, memstore.New(), false)
	p, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
	require.NoError(t, err)

	got, err := d.repo.RecordAdded(ctx, p.Key(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RecordCount)
}

// Whatever PINs the generator draws, projects created through the
// repository never share one.
func TestProperty_PinsAreUnique(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	properties := gopter.NewProperties(params)

	properties.Property("created projects hold distinct PINs", prop.ForAll(
		func(draws []int) bool {
			candidates := make([]string, len(draws))
			for i, n := range draws {
				candidates[i] = []string{"100000", "200000", "300000", "400000"}[n]
			}
			d := newDevice(t, memstore.New(), false,
				project.WithPinGenerator(pin.Sequence(candidates...)),
				project.WithMaxPinAttempts(3),
			)

			ctx := context.Background()
			for range 4 {
				_, err := d.repo.Create(ctx, testutil.GeneralProject("Wells", ""))
				if err != nil && !errors.Is(err, model.ErrPinExhausted) {
					return false
				}
			}

			projects, err := d.local.Projects(ctx)
			if err != nil {
				return false
			}
			seen := make(map[string]bool)
			for _, p := range projects {
				if seen[p.ProjectPin] {
					return false
				}
				seen[p.ProjectPin] = true
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

func sectionIDs(p model.Project) []string {
	ids := make([]string, len(p.FormSections))
	for i, s := range p.FormSections {
		ids[i] = s.ID
	}
	return ids
}
