package sync_test

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/fieldsync/internal/connectivity"
	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/project"
	"github.com/nhle/fieldsync/internal/remote"
	"github.com/nhle/fieldsync/internal/remote/memstore"
	"github.com/nhle/fieldsync/internal/store"
	fsync "github.com/nhle/fieldsync/internal/sync"
	"github.com/nhle/fieldsync/tests/testutil"
)

type harness struct {
	local  *store.Local
	remote *memstore.Store
	conn   *connectivity.Signal
	repo   *project.Repository
	engine *fsync.Engine
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		local:  testutil.NewTestLocal(t),
		remote: memstore.New(),
		conn:   connectivity.NewSignal(online),
	}
	ident := identity.Static{Identity: &identity.Identity{ID: "collector-1", Verified: true}}

	var seq atomic.Int64
	h.repo = project.New(h.local, h.remote, h.conn, ident)
	h.engine = fsync.New(h.local, h.remote, h.repo, h.conn, ident,
		fsync.WithFlushRate(0),
		fsync.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		fsync.WithIDGenerator(func() string { return fmt.Sprintf("r-%03d", seq.Add(1)) }),
	)
	h.repo.OnDelete(h.engine.Forget)
	h.repo.GuardDelete(h.engine.Hold)
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) remoteRecordIDs(t *testing.T, projectID string) []string {
	t.Helper()
	docs, err := h.remote.QueryByField(context.Background(), remote.RecordsCollection, remote.FieldProjectID, projectID)
	require.NoError(t, err)
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	return ids
}

// waitDrained reads flush results until projectID's queue is reported
// empty.
func waitDrained(t *testing.T, e *fsync.Engine, projectID string) fsync.FlushResult {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res := <-e.Events():
			if res.ProjectID == projectID && res.Err == nil && res.Remaining == 0 {
				return res
			}
		case <-timeout:
			t.Fatalf("queue %s was not drained", projectID)
		}
	}
}

func TestScenario_OfflineRecordSyncsOnReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", "123456"))
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)

	n, err := h.local.PendingCount(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	local, err := h.local.Project(ctx, p.Key())
	require.NoError(t, err)
	assert.Zero(t, local.RecordCount)
	assert.Zero(t, h.remote.Len(remote.RecordsCollection))

	h.engine.Start(ctx)
	h.conn.Set(true)
	waitDrained(t, h.engine, p.Key())

	assert.Equal(t, 1, h.remote.Len(remote.RecordsCollection))
	doc, err := h.remote.GetByID(ctx, remote.ProjectsCollection, p.Key())
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc[remote.FieldRecordCount])
	assert.Equal(t, "123456", doc[remote.FieldProjectPin])

	local, err = h.local.Project(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, local.RecordCount)

	n, err = h.local.PendingCount(ctx, p.Key())
	require.NoError(t, err)
	assert.Zero(t, n)
	committed, err := h.engine.Committed(ctx, p.Key())
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, "Alice", committed[0].Data["Name"].Text)
	assert.Equal(t, "collector-1", committed[0].CreatedBy)
	assert.Equal(t, fsync.QueueIdle, h.engine.State(p.Key()).State)
}

func TestEnqueue_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	tests := []struct {
		name string
		data map[string]model.Value
	}{
		{"missing required field", map[string]model.Value{}},
		{"blank required field", testutil.NameRecord("")},
		{"unknown field", map[string]model.Value{
			"Name": model.TextValue(model.FieldText, "Alice"),
			"Age":  model.TextValue(model.FieldNumbers, "4"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Enqueue(ctx, p.Key(), tt.data)
			assert.True(t, model.IsValidation(err), "got %v", err)
		})
	}

	n, err := h.local.PendingCount(ctx, p.Key())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.engine.Enqueue(ctx, "missing", testutil.NameRecord("Alice"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEnqueue_EndedProjectRejectsRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)
	_, err = h.repo.EndSurvey(ctx, p.Key())
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	assert.True(t, model.IsValidation(err))
}

func TestEnqueue_OfflineNeverTouchesRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	for i := range 3 {
		_, err := h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord(fmt.Sprintf("A%d", i)))
		require.NoError(t, err)
	}
	for _, op := range []memstore.Op{memstore.OpInsert, memstore.OpGet, memstore.OpQuery, memstore.OpIncrement} {
		assert.Zero(t, h.remote.Calls(op), op)
	}
	assert.Equal(t, fsync.QueueQueued, h.engine.State(p.Key()).State)

	res, err := h.engine.Flush(ctx, p.Key())
	assert.ErrorIs(t, err, model.ErrConnectivityRequired)
	assert.Equal(t, 3, res.Remaining)
}

func TestEnqueue_OnlineFlushesInBackground(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	rec, err := h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	waitDrained(t, h.engine, p.Key())

	assert.Equal(t, []string{rec.ID}, h.remoteRecordIDs(t, p.ID))
}

func TestFlush_StopsAtFirstFailureAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	h.conn.Set(false)
	var want []string
	for i := range 5 {
		rec, err := h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord(fmt.Sprintf("A%d", i)))
		require.NoError(t, err)
		want = append(want, rec.ID)
	}
	h.conn.Set(true)

	var inserts atomic.Int32
	h.remote.SetHook(func(_ context.Context, op memstore.Op, collection, _ string) error {
		if op == memstore.OpInsert && collection == remote.RecordsCollection && inserts.Add(1) == 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	res, err := h.engine.Flush(ctx, p.Key())
	require.Error(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, want[:2], h.remoteRecordIDs(t, p.ID))

	pending, err := h.engine.Pending(ctx, p.Key())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, want[2], pending[0].ID)

	res, err = h.engine.Flush(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, want, h.remoteRecordIDs(t, p.ID))

	got, _, err := h.repo.Get(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 5, got.RecordCount)
}

// A record inserted remotely by an earlier pass that never reached the
// local dequeue is not inserted or counted twice.
func TestFlush_ReplayedInsertIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	h.conn.Set(false)
	rec, err := h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	h.conn.Set(true)

	doc, err := remote.EncodeRecord(rec)
	require.NoError(t, err)
	_, _, err = h.remote.Insert(ctx, remote.RecordsCollection, rec.ID, doc)
	require.NoError(t, err)
	require.NoError(t, h.remote.IncrementField(ctx, remote.ProjectsCollection, p.ID, remote.FieldRecordCount, 1))

	res, err := h.engine.Flush(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Created)

	assert.Equal(t, 1, h.remote.Len(remote.RecordsCollection))
	remoteDoc, err := h.remote.GetByID(ctx, remote.ProjectsCollection, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, remoteDoc[remote.FieldRecordCount])

	n, err := h.local.PendingCount(ctx, p.Key())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_FailedCountBumpIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	h.conn.Set(false)
	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	h.conn.Set(true)

	var failed atomic.Bool
	h.remote.SetHook(func(_ context.Context, op memstore.Op, _, _ string) error {
		if op == memstore.OpIncrement && failed.CompareAndSwap(false, true) {
			return errors.New("timeout")
		}
		return nil
	})

	_, err = h.engine.Flush(ctx, p.Key())
	require.NoError(t, err)

	doc, err := h.remote.GetByID(ctx, remote.ProjectsCollection, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc[remote.FieldRecordCount])
}

func TestFlush_SingleConsumerPerQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	h.conn.Set(false)
	for i := range 4 {
		_, err := h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord(fmt.Sprintf("A%d", i)))
		require.NoError(t, err)
	}
	h.conn.Set(true)

	var inFlight, maxInFlight atomic.Int32
	h.remote.SetHook(func(_ context.Context, op memstore.Op, collection, _ string) error {
		if op != memstore.OpInsert || collection != remote.RecordsCollection {
			return nil
		}
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	})

	var wg gosync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Flush(ctx, p.Key())
			assert.NoError(t, err)
			assert.Zero(t, res.Remaining)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 4, h.remote.Len(remote.RecordsCollection))
	assert.Equal(t, 4, h.remote.Calls(memstore.OpIncrement))
}

func TestFlushAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	var keys []string
	for _, name := range []string{"North", "South"} {
		p, err := h.repo.Create(ctx, testutil.GeneralProject(name, ""))
		require.NoError(t, err)
		_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
		require.NoError(t, err)
		keys = append(keys, p.Key())
	}

	h.conn.Set(true)
	results, err := h.engine.FlushAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, 1, res.Created)
		assert.Zero(t, res.Remaining)
	}
	assert.ElementsMatch(t, keys, []string{results[0].ProjectID, results[1].ProjectID})
	assert.Equal(t, 2, h.remote.Len(remote.ProjectsCollection))
	assert.Equal(t, 2, h.remote.Len(remote.RecordsCollection))
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	north, err := h.repo.Create(ctx, testutil.GeneralProject("North", ""))
	require.NoError(t, err)
	south, err := h.repo.Create(ctx, testutil.GeneralProject("South", ""))
	require.NoError(t, err)
	for range 2 {
		_, err = h.engine.Enqueue(ctx, north.Key(), testutil.NameRecord("Alice"))
		require.NoError(t, err)
	}
	_, err = h.engine.Enqueue(ctx, south.Key(), testutil.NameRecord("Bob"))
	require.NoError(t, err)

	h.conn.Set(true)
	_, err = h.engine.Flush(ctx, south.Key())
	require.NoError(t, err)

	summaries, err := h.engine.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]fsync.QueueSummary{}
	for _, s := range summaries {
		byID[s.ProjectID] = s
	}
	assert.Equal(t, 2, byID[north.Key()].Pending)
	assert.Equal(t, fsync.QueueQueued, byID[north.Key()].State)
	assert.Zero(t, byID[south.Key()].Pending)
	assert.Equal(t, fsync.QueueIdle, byID[south.Key()].State)
	assert.False(t, byID[south.Key()].LastFlush.IsZero())
}

func TestFlush_RetriesWithBackoffWhileOnline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	var attempts atomic.Int32
	h.remote.SetHook(func(_ context.Context, op memstore.Op, collection, _ string) error {
		if op == memstore.OpInsert && collection == remote.RecordsCollection && attempts.Add(1) <= 2 {
			return errors.New("503")
		}
		return nil
	})

	h.engine.Start(ctx)
	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	waitDrained(t, h.engine, p.Key())

	assert.Equal(t, int32(3), attempts.Load())
	st := h.engine.State(p.Key())
	assert.Zero(t, st.Failures)
	assert.NoError(t, st.LastError)
	assert.True(t, st.NextRetry.IsZero())
}

func TestDeleteForgetsQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	require.Len(t, h.engine.Statuses(), 1)

	require.NoError(t, h.repo.Delete(ctx, p.Key()))

	assert.Empty(t, h.engine.Statuses())
	pending, err := h.engine.Pending(ctx, p.Key())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDelete_WaitsForRunningFlush(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once gosync.Once
	h.remote.SetHook(func(ctx context.Context, op memstore.Op, collection, id string) error {
		if op == memstore.OpInsert && collection == remote.RecordsCollection {
			once.Do(func() { close(entered) })
			<-unblock
		}
		return nil
	})

	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never reached the record insert")
	}

	deleted := make(chan error, 1)
	go func() { deleted <- h.repo.Delete(ctx, p.Key()) }()
	select {
	case err := <-deleted:
		t.Fatalf("delete finished while a record was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(unblock)

	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("delete did not finish")
	}

	assert.Zero(t, h.remote.Len(remote.RecordsCollection))
	committed, err := h.engine.Committed(ctx, p.Key())
	require.NoError(t, err)
	assert.Empty(t, committed)
	pending, err := h.engine.Pending(ctx, p.Key())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, h.engine.Statuses())
}

func TestHold_BlocksFlushUntilReleased(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	h.conn.Set(true)

	release, err := h.engine.Hold(ctx, p.Key())
	require.NoError(t, err)
	_, err = h.engine.Flush(ctx, p.Key())
	assert.ErrorIs(t, err, fsync.ErrQueueHeld)
	assert.Zero(t, h.remote.Len(remote.RecordsCollection))

	release()
	release()
	res, err := h.engine.Flush(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestEnqueue_UntypedValueIsTaggedWithFieldType(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	rec, err := h.engine.Enqueue(ctx, p.Key(), map[string]model.Value{"Name": {Text: "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, model.FieldText, rec.Data["Name"].Type)

	pending, err := h.engine.Pending(ctx, p.Key())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "Bob", pending[1].Data["Name"].Text)

	h.conn.Set(true)
	res, err := h.engine.Flush(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Zero(t, res.Remaining)
}

func TestFlush_CanceledContextKeepsQueueQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord("Alice"))
	require.NoError(t, err)
	h.conn.Set(true)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	res, err := h.engine.Flush(canceled, p.Key())
	require.Error(t, err)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, fsync.QueueQueued, h.engine.State(p.Key()).State)
}

// However remote inserts fail along the way, repeated flushes deliver
// every record exactly once and in enqueue order.
func TestProperty_FlushDeliversFIFOExactlyOnce(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 25
	properties := gopter.NewProperties(params)

	properties.Property("remote order matches enqueue order", prop.ForAll(
		func(n int, failures []bool) bool {
			ctx := context.Background()
			h := newHarness(t, true)
			p, err := h.repo.Create(ctx, testutil.GeneralProject("P", ""))
			if err != nil {
				return false
			}

			h.conn.Set(false)
			want := make([]string, 0, n)
			for i := range n {
				rec, err := h.engine.Enqueue(ctx, p.Key(), testutil.NameRecord(fmt.Sprintf("A%d", i)))
				if err != nil {
					return false
				}
				want = append(want, rec.ID)
			}
			h.conn.Set(true)

			var call atomic.Int32
			h.remote.SetHook(func(_ context.Context, op memstore.Op, collection, _ string) error {
				if op != memstore.OpInsert || collection != remote.RecordsCollection {
					return nil
				}
				i := int(call.Add(1)) - 1
				if i < len(failures) && failures[i] {
					return errors.New("injected")
				}
				return nil
			})

			for range len(failures) + 1 {
				if res, err := h.engine.Flush(ctx, p.Key()); err == nil && res.Remaining == 0 {
					break
				}
			}

			docs, err := h.remote.QueryByField(ctx, remote.RecordsCollection, remote.FieldProjectID, p.ID)
			if err != nil || len(docs) != len(want) {
				return false
			}
			for i, d := range docs {
				if d.ID() != want[i] {
					return false
				}
			}
			got, _, err := h.repo.Get(ctx, p.Key())
			return err == nil && got.RecordCount == n
		},
		gen.IntRange(1, 6),
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}
