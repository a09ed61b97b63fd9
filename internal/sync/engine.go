// Package sync drains per-project record queues into the remote store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nhle/fieldsync/internal/connectivity"
	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/observability"
	"github.com/nhle/fieldsync/internal/remote"
	"github.com/nhle/fieldsync/internal/store"
)

// QueueState is the lifecycle state of one project's pending queue.
type QueueState int

const (
	QueueIdle QueueState = iota
	QueueQueued
	QueueFlushing
)

func (s QueueState) String() string {
	switch s {
	case QueueQueued:
		return "queued"
	case QueueFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// QueueStatus is a snapshot of a queue for display.
type QueueStatus struct {
	ProjectID string
	State     QueueState
	LastFlush time.Time
	LastError error
	Failures  int
	NextRetry time.Time
}

// FlushResult describes one flush of a project queue. It doubles as a
// tea.Msg for the status view.
type FlushResult struct {
	ProjectID string

	// Delivered counts records confirmed remotely and removed from the
	// queue; Created counts those the remote store did not hold yet.
	Delivered int
	Created   int
	Remaining int
	Err       error
}

// Projects is the part of the project repository the engine needs.
type Projects interface {
	Get(ctx context.Context, projectID string) (model.Project, model.Location, error)
	Publish(ctx context.Context, projectID string) (model.Project, error)
	RecordAdded(ctx context.Context, projectID string, n int) (model.Project, error)
	Reconcile(ctx context.Context, projectID string) (model.Project, error)
}

const (
	// maxConcurrentFlushes bounds FlushAll fan-out.
	maxConcurrentFlushes = 8

	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 5 * time.Minute
)

// ErrQueueHeld is returned by Flush while the project is being deleted.
var ErrQueueHeld = errors.New("project queue is held for delete")

type queue struct {
	state    QueueState
	followUp bool
	held     int
	done     chan struct{}
	last     FlushResult

	lastFlush time.Time
	failures  int
	nextRetry time.Time
	backoff   backoff.BackOff
	retry     *time.Timer
}

// Engine owns the record queues of every project on the device. Each
// queue has a single consumer; different projects flush concurrently.
type Engine struct {
	local    *store.Local
	remote   remote.Store
	projects Projects
	conn     connectivity.Monitor
	ident    identity.Provider

	logger     *slog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	newID      func() string
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	resultCh   chan FlushResult

	mu          gosync.Mutex
	queues      map[string]*queue
	running     bool
	unsubscribe func()
	bgCtx       context.Context
	cancel      context.CancelFunc
	wg          gosync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "sync") }
}

// WithMetrics records enqueue, delivery, and flush metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator for record ids.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// WithBackoff sets the retry interval bounds after a failed flush.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			return b
		}
	}
}

// WithFlushRate caps how many queues a reconnect starts per second. Zero
// or less removes the cap.
func WithFlushRate(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// New creates an engine. It does not react to connectivity until Start.
func New(
	local *store.Local,
	rs remote.Store,
	projects Projects,
	conn connectivity.Monitor,
	ident identity.Provider,
	opts ...Option,
) *Engine {
	e := &Engine{
		local:    local,
		remote:   rs,
		projects: projects,
		conn:     conn,
		ident:    ident,
		logger:   slog.Default().With("component", "sync"),
		now:      time.Now,
		newID:    uuid.NewString,
		limiter:  rate.NewLimiter(4, 1),
		resultCh: make(chan FlushResult, 64),
		queues:   make(map[string]*queue),
	}
	WithBackoff(defaultBackoffInitial, defaultBackoffMax)(e)
	for _, opt := range opts {
		opt(e)
	}
	e.bgCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start flushes every pending queue if already online and flushes again
// on each offline to online transition. Background flushes stop when ctx
// is canceled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.cancel()
	e.bgCtx, e.cancel = context.WithCancel(ctx)
	e.unsubscribe = e.conn.Subscribe(func(online bool) {
		if online {
			e.onReconnect()
		}
	})
	e.mu.Unlock()

	if e.conn.IsOnline() {
		e.onReconnect()
	}
}

// Stop unsubscribes from connectivity, cancels scheduled retries, and
// waits for background flushes to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.running = false
	e.cancel()
	for _, q := range e.queues {
		if q.retry != nil {
			q.retry.Stop()
			q.retry = nil
		}
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.bgCtx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()
}

// Enqueue validates data against the project's current form and appends
// a new record to its queue. It never waits on the network; when online
// a flush is scheduled in the background.
func (e *Engine) Enqueue(ctx context.Context, projectID string, data map[string]model.Value) (model.ProjectRecord, error) {
	p, err := e.local.Project(ctx, projectID)
	if err != nil {
		return model.ProjectRecord{}, err
	}
	if !p.Active() {
		return model.ProjectRecord{}, &model.ValidationError{
			Problems: []string{fmt.Sprintf("project %q has ended and accepts no records", p.Name)},
		}
	}
	if err := model.ValidateRecordData(p, data); err != nil {
		return model.ProjectRecord{}, err
	}
	data = model.NormalizeRecordData(p, data)

	who, err := e.ident.Current(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "identity unavailable; recording as anonymous", "error", err)
		who = nil
	}
	rec := model.ProjectRecord{
		ID:        e.newID(),
		ProjectID: p.Key(),
		Data:      data,
		CreatedAt: e.now().UTC(),
		CreatedBy: identity.Creator(who),
	}
	if err := e.local.Enqueue(ctx, rec); err != nil {
		return model.ProjectRecord{}, fmt.Errorf("queuing record for %s: %w", p.Key(), err)
	}
	e.metrics.RecordEnqueued(ctx, p.Key())

	e.mu.Lock()
	q := e.queue(p.Key())
	if q.state == QueueIdle {
		q.state = QueueQueued
	}
	e.mu.Unlock()

	if e.conn.IsOnline() {
		e.trigger(p.Key())
	}
	return rec, nil
}

// Flush drains a project's queue in submission order. If a flush of the
// same queue is running, Flush asks it for one follow-up pass and returns
// its final result.
func (e *Engine) Flush(ctx context.Context, projectID string) (FlushResult, error) {
	e.mu.Lock()
	q := e.queue(projectID)
	if q.held > 0 {
		e.mu.Unlock()
		return FlushResult{ProjectID: projectID, Err: ErrQueueHeld}, ErrQueueHeld
	}
	if q.state == QueueFlushing {
		q.followUp = true
		done := q.done
		e.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return FlushResult{ProjectID: projectID, Err: ctx.Err()}, ctx.Err()
		}
		e.mu.Lock()
		res := q.last
		e.mu.Unlock()
		return res, res.Err
	}
	q.state = QueueFlushing
	q.done = make(chan struct{})
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	e.mu.Unlock()

	var res FlushResult
	for {
		res = e.flushOnce(ctx, projectID)

		e.mu.Lock()
		if q.followUp && res.Err == nil && q.held == 0 {
			q.followUp = false
			e.mu.Unlock()
			continue
		}
		q.followUp = false
		break
	}
	e.finish(q, res)
	e.mu.Unlock()

	e.sendResult(res)
	return res, res.Err
}

// FlushAll flushes every non-empty queue concurrently and returns the
// results in project order. The error is the first failure, if any.
func (e *Engine) FlushAll(ctx context.Context) ([]FlushResult, error) {
	ids, err := e.local.PendingProjects(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	results := make([]FlushResult, len(ids))
	var g errgroup.Group
	g.SetLimit(maxConcurrentFlushes)
	for i, id := range ids {
		g.Go(func() error {
			res, err := e.Flush(ctx, id)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// State returns the status of one project's queue.
func (e *Engine) State(projectID string) QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[projectID]
	if !ok {
		return QueueStatus{ProjectID: projectID, State: QueueIdle}
	}
	return q.status(projectID)
}

// Statuses returns the status of every known queue, ordered by project.
func (e *Engine) Statuses() []QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]QueueStatus, 0, len(e.queues))
	for id, q := range e.queues {
		statuses = append(statuses, q.status(id))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ProjectID < statuses[j].ProjectID
	})
	return statuses
}

// QueueSummary pairs a queue's status with its pending record count.
type QueueSummary struct {
	QueueStatus
	Pending int
}

// Summaries reports every project that has a known queue or pending
// records, ordered by project.
func (e *Engine) Summaries(ctx context.Context) ([]QueueSummary, error) {
	ids, err := e.local.PendingProjects(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, st := range e.Statuses() {
		if !seen[st.ProjectID] {
			seen[st.ProjectID] = true
			ids = append(ids, st.ProjectID)
		}
	}
	sort.Strings(ids)

	summaries := make([]QueueSummary, 0, len(ids))
	for _, id := range ids {
		n, err := e.local.PendingCount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("counting pending records of %s: %w", id, err)
		}
		summaries = append(summaries, QueueSummary{QueueStatus: e.State(id), Pending: n})
	}
	return summaries, nil
}

// Pending returns the records still waiting for delivery.
func (e *Engine) Pending(ctx context.Context, projectID string) ([]model.ProjectRecord, error) {
	return e.local.Pending(ctx, projectID)
}

// Committed returns the delivered records kept on the device.
func (e *Engine) Committed(ctx context.Context, projectID string) ([]model.ProjectRecord, error) {
	return e.local.Committed(ctx, projectID)
}

// Hold stops new flushes of a project's queue and waits for a running
// flush to finish, so a delete cannot race a delivery. Flushes resume
// once release is called.
func (e *Engine) Hold(ctx context.Context, projectID string) (release func(), err error) {
	e.mu.Lock()
	q := e.queue(projectID)
	q.held++
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	q.nextRetry = time.Time{}
	var done chan struct{}
	if q.state == QueueFlushing {
		done = q.done
	}
	e.mu.Unlock()

	var once gosync.Once
	release = func() {
		once.Do(func() {
			e.mu.Lock()
			q.held--
			resume := q.held == 0 && e.queues[projectID] == q && q.state == QueueQueued && e.running
			e.mu.Unlock()
			if resume && e.conn.IsOnline() {
				e.trigger(projectID)
			}
		})
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// Forget drops the in-memory state of a deleted project.
func (e *Engine) Forget(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queues[projectID]; ok {
		if q.retry != nil {
			q.retry.Stop()
		}
		delete(e.queues, projectID)
	}
}

// Events delivers the result of every flush. Results are dropped when
// nobody reads them.
func (e *Engine) Events() <-chan FlushResult {
	return e.resultCh
}

// WaitForNextResult returns a tea.Cmd that waits for the next flush
// result. Call it again after handling each FlushResult.
func (e *Engine) WaitForNextResult() tea.Cmd {
	return func() tea.Msg {
		res, ok := <-e.resultCh
		if !ok {
			return nil
		}
		return res
	}
}

// flushOnce makes one pass over the queue, stopping at the first failure.
func (e *Engine) flushOnce(ctx context.Context, projectID string) (res FlushResult) {
	res.ProjectID = projectID
	start := time.Now()
	defer func() {
		e.metrics.RecordFlush(ctx, projectID, time.Since(start), res.Err)
		if n, err := e.local.PendingCount(context.WithoutCancel(ctx), projectID); err == nil {
			res.Remaining = n
		}
	}()

	pending, err := e.local.Pending(ctx, projectID)
	if err != nil {
		res.Err = err
		return res
	}
	if len(pending) == 0 {
		return res
	}
	if !e.conn.IsOnline() {
		res.Err = model.ErrConnectivityRequired
		return res
	}

	_, loc, err := e.projects.Get(ctx, projectID)
	if err != nil {
		res.Err = fmt.Errorf("resolving project %s: %w", projectID, err)
		return res
	}
	cloudID, ok := model.IsCloud(loc)
	if !ok {
		p, err := e.projects.Publish(ctx, projectID)
		if err != nil {
			res.Err = fmt.Errorf("publishing project %s: %w", projectID, err)
			return res
		}
		cloudID = p.ID
	}

	drifted := false
	for _, rec := range pending {
		if e.isHeld(projectID) {
			break
		}
		created, countErr, err := e.deliver(ctx, cloudID, rec)
		if err != nil {
			res.Err = err
			break
		}
		res.Delivered++
		if created {
			res.Created++
		}
		if countErr != nil {
			drifted = true
		}
	}

	if drifted {
		if _, err := e.projects.Reconcile(ctx, projectID); err != nil {
			e.logger.WarnContext(ctx, "record count reconcile failed", "project", projectID, "error", err)
		}
	}
	return res
}

// deliver inserts one record under its id, bumps the remote count when
// the insert created it, and moves it from the pending queue to the
// committed list. countErr reports a failed count bump; the record itself
// is delivered.
func (e *Engine) deliver(ctx context.Context, cloudID string, rec model.ProjectRecord) (created bool, countErr, err error) {
	wire := rec
	wire.ProjectID = cloudID
	doc, err := remote.EncodeRecord(wire)
	if err != nil {
		return false, nil, err
	}

	_, created, err = e.remote.Insert(ctx, remote.RecordsCollection, rec.ID, doc)
	if err != nil {
		return false, nil, fmt.Errorf("inserting record %s: %w", rec.ID, err)
	}
	if created {
		countErr = e.remote.IncrementField(ctx, remote.ProjectsCollection, cloudID, remote.FieldRecordCount, 1)
		if countErr != nil {
			e.logger.WarnContext(ctx, "record count increment failed",
				"project", rec.ProjectID, "record", rec.ID, "error", countErr)
		}
	}
	e.metrics.RecordDelivered(ctx, rec.ProjectID, created)

	if err := e.local.Commit(ctx, rec); err != nil {
		return created, countErr, fmt.Errorf("committing record %s: %w", rec.ID, err)
	}
	if err := e.local.Dequeue(ctx, rec.ProjectID, rec.ID); err != nil {
		return created, countErr, fmt.Errorf("dequeuing record %s: %w", rec.ID, err)
	}
	if created {
		if _, err := e.projects.RecordAdded(ctx, rec.ProjectID, 1); err != nil {
			e.logger.WarnContext(ctx, "local record count update failed",
				"project", rec.ProjectID, "error", err)
		}
	}
	return created, countErr, nil
}

// finish records a flush outcome. After a failure while the engine is
// started and online, a retry is scheduled. Callers hold e.mu.
func (e *Engine) finish(q *queue, res FlushResult) {
	q.last = res
	q.lastFlush = e.now()
	if res.Remaining > 0 {
		q.state = QueueQueued
	} else {
		q.state = QueueIdle
	}
	defer close(q.done)

	if res.Err == nil {
		q.failures = 0
		q.nextRetry = time.Time{}
		if q.backoff != nil {
			q.backoff.Reset()
		}
		return
	}

	q.failures++
	e.logger.Warn("flush failed; records stay queued",
		"project", res.ProjectID,
		"remaining", res.Remaining,
		"failures", q.failures,
		"error", res.Err,
	)
	if !e.running || q.held > 0 || !e.conn.IsOnline() || errors.Is(res.Err, context.Canceled) || e.bgCtx.Err() != nil {
		return
	}

	if q.backoff == nil {
		q.backoff = e.newBackOff()
	}
	delay := q.backoff.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	id := res.ProjectID
	q.nextRetry = e.now().Add(delay)
	q.retry = time.AfterFunc(delay, func() { e.trigger(id) })
}

// onReconnect resets every queue's backoff and flushes all pending
// queues, starting at most limiter's rate.
func (e *Engine) onReconnect() {
	e.mu.Lock()
	ctx := e.bgCtx
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	for _, q := range e.queues {
		if q.backoff != nil {
			q.backoff.Reset()
		}
		if q.retry != nil {
			q.retry.Stop()
			q.retry = nil
		}
		q.nextRetry = time.Time{}
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		ids, err := e.local.PendingProjects(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "listing pending queues", "error", err)
			return
		}
		e.logger.InfoContext(ctx, "online; flushing queues", "queues", len(ids))
		for _, id := range ids {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			e.trigger(id)
		}
	}()
}

// trigger flushes a queue in the background.
func (e *Engine) trigger(projectID string) {
	e.mu.Lock()
	ctx := e.bgCtx
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		_, _ = e.Flush(ctx, projectID)
	}()
}

func (e *Engine) isHeld(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[projectID]
	return ok && q.held > 0
}

// queue returns the state of a project's queue, creating it on first use.
// Callers hold e.mu.
func (e *Engine) queue(projectID string) *queue {
	q, ok := e.queues[projectID]
	if !ok {
		q = &queue{state: QueueIdle}
		e.queues[projectID] = q
	}
	return q
}

func (q *queue) status(projectID string) QueueStatus {
	return QueueStatus{
		ProjectID: projectID,
		State:     q.state,
		LastFlush: q.lastFlush,
		LastError: q.last.Err,
		Failures:  q.failures,
		NextRetry: q.nextRetry,
	}
}

// sendResult sends a FlushResult without blocking.
func (e *Engine) sendResult(res FlushResult) {
	select {
	case e.resultCh <- res:
	default:
	}
}
