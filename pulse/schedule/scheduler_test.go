package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/internal/util"
	"github.com/teranos/jobsvc/pulse/async"
	"github.com/teranos/jobsvc/pulse/dispatch"
	"github.com/teranos/jobsvc/pulse/events"
	"github.com/teranos/jobsvc/pulse/job"
	"github.com/teranos/jobsvc/pulse/leader"
	"github.com/teranos/jobsvc/pulse/retry"
	"github.com/teranos/jobsvc/pulse/store"
	"github.com/teranos/jobsvc/pulse/trigger"
)

type fakeLeadership struct {
	leader  atomic.Bool
	changes chan leader.Change
}

func newFakeLeadership(isLeader bool) *fakeLeadership {
	f := &fakeLeadership{changes: make(chan leader.Change, 8)}
	f.leader.Store(isLeader)
	return f
}

func (f *fakeLeadership) ReplicaID() string { return "replica-1" }
func (f *fakeLeadership) IsLeader() bool    { return f.leader.Load() }
func (f *fakeLeadership) Check() error {
	if !f.leader.Load() {
		return errors.Wrap(errors.ErrLeadershipLost, "replica-1 is a follower")
	}
	return nil
}
func (f *fakeLeadership) Subscribe() (<-chan leader.Change, func()) {
	return f.changes, func() {}
}

func (f *fakeLeadership) set(isLeader bool) {
	f.leader.Store(isLeader)
	f.changes <- leader.Change{Leader: isLeader}
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []job.Details
	fn    func(n int, d job.Details) (*dispatch.Response, error)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, d job.Details) (*dispatch.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(n, d)
	}
	return &dispatch.Response{JobID: d.ID, Code: "200", Timestamp: time.Now()}, nil
}

func (f *fakeDispatcher) ValidateRecipient(r job.Recipient) error {
	return r.Validate()
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDispatcher) snapshot() []job.Details {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Details(nil), f.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Lifecycle
}

func (r *recordingEmitter) Emit(_ context.Context, ev events.Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) forJob(id string) []events.Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Lifecycle
	for _, ev := range r.events {
		if ev.JobID == id {
			out = append(out, ev)
		}
	}
	return out
}

func statuses(evs []events.Lifecycle) []job.Status {
	out := make([]job.Status, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Status)
	}
	return out
}

type harness struct {
	s    *Scheduler
	repo *store.MemoryRepository
	lead *fakeLeadership
	disp *fakeDispatcher
	em   *recordingEmitter
}

var fastPolicy = retry.Policy{MaxRetries: 12, Backoff: retry.Fixed{Wait: time.Millisecond}}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		repo: store.NewMemoryRepository(),
		lead: newFakeLeadership(true),
		disp: &fakeDispatcher{},
		em:   &recordingEmitter{},
	}
	pool := async.NewPool(4, 16, zap.NewNop().Sugar())
	opts = append([]Option{
		WithPolicy(fastPolicy),
		WithEmitter(h.em),
		WithLogger(zap.NewNop().Sugar()),
	}, opts...)
	h.s = New(h.repo, h.lead, h.disp, pool, opts...)
	h.s.Start()
	t.Cleanup(func() {
		h.s.Stop()
		pool.Stop(time.Second)
	})
	return h
}

func httpJob(id string) job.Job {
	return job.Job{
		ID:        id,
		Recipient: job.NewHTTPRecipient("http://example.com/hook", []byte(`{"n":1}`)),
	}
}

func repeatingJob(id string, repeatCount int, intervalMS int64) job.Job {
	j := httpJob(id)
	j.Schedule = trigger.Schedule{RepeatCount: repeatCount, RepeatInterval: intervalMS}
	return j
}

func futureJob(id string) job.Job {
	j := httpJob(id)
	j.Schedule = trigger.Schedule{StartTime: time.Now().Add(time.Hour)}
	return j
}

func (h *harness) waitStatus(t *testing.T, id string, want job.Status) job.Details {
	t.Helper()
	var d job.Details
	require.Eventually(t, func() bool {
		var err error
		d, err = h.repo.Get(context.Background(), id)
		return err == nil && d.Status == want
	}, 5*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
	return d
}

func TestOneShotFiresExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	submitted, err := h.s.Submit(ctx, httpJob("once"))
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, submitted.Status)
	assert.Equal(t, "once", submitted.CorrelationID)
	assert.NotEmpty(t, submitted.ScheduledID)
	assert.Equal(t, int64(1), submitted.Version)

	d := h.waitStatus(t, "once", job.StatusExecuted)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, h.disp.count())
	assert.Equal(t, 1, d.ExecutionCounter)
	assert.Equal(t, 0, d.Retries)
	assert.False(t, d.Trigger.HasNextFireTime())
	assert.Empty(t, d.ScheduledID)

	evs := h.em.forJob("once")
	assert.Equal(t, []job.Status{job.StatusScheduled, job.StatusExecuted}, statuses(evs))
	assert.Equal(t, int64(2), evs[1].Version)
	require.NotNil(t, evs[1].Response)
	assert.Equal(t, "200", evs[1].Response.Code)
	assert.Equal(t, "replica-1", evs[1].ReplicaID)
	assert.Equal(t, 0, h.s.Stats().Armed)
}

func TestRepeatCountFiresCountPlusOne(t *testing.T) {
	h := newHarness(t)

	_, err := h.s.Submit(context.Background(), repeatingJob("rep", 3, 5))
	require.NoError(t, err)
	d := h.waitStatus(t, "rep", job.StatusExecuted)

	calls := h.disp.snapshot()
	require.Len(t, calls, 4)
	for k, c := range calls {
		assert.Equal(t, k, c.ExecutionCounter, "dispatch %d saw the counter before the firing", k+1)
	}
	assert.Equal(t, 4, d.ExecutionCounter)

	evs := h.em.forJob("rep")
	require.Len(t, evs, 5)
	assert.Equal(t, []job.Status{
		job.StatusScheduled, job.StatusScheduled, job.StatusScheduled, job.StatusScheduled, job.StatusExecuted,
	}, statuses(evs))
	for k := 1; k < len(evs); k++ {
		assert.Equal(t, k, evs[k].ExecutionCounter)
		assert.Equal(t, evs[k-1].Version+1, evs[k].Version)
	}
}

func TestAlwaysFailingRecipientEndsInError(t *testing.T) {
	h := newHarness(t)
	h.disp.fn = func(int, job.Details) (*dispatch.Response, error) {
		return nil, &dispatch.DispatchError{Kind: dispatch.KindNonSuccessStatus, Code: "500", Message: "recipient returned 500", Details: "trace"}
	}

	_, err := h.s.Submit(context.Background(), httpJob("fail"))
	require.NoError(t, err)
	d := h.waitStatus(t, "fail", job.StatusError)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 13, h.disp.count())
	assert.Equal(t, 13, d.Retries)
	assert.Equal(t, 0, d.ExecutionCounter)
	assert.Contains(t, d.ExceptionMessage, "500")
	assert.Equal(t, "trace", d.ExceptionDetails)
	assert.False(t, d.Trigger.HasNextFireTime())

	evs := h.em.forJob("fail")
	require.Len(t, evs, 14)
	assert.Equal(t, job.StatusScheduled, evs[0].Status)
	maxRetryBeforeError := 0
	for i, ev := range evs[1:13] {
		assert.Equal(t, job.StatusRetry, ev.Status)
		assert.Equal(t, i+1, ev.Retries)
		maxRetryBeforeError = ev.Retries
	}
	assert.Greater(t, maxRetryBeforeError, 10)
	assert.Equal(t, job.StatusError, evs[13].Status)
	assert.Nil(t, evs[13].Response)
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.disp.fn = func(n int, d job.Details) (*dispatch.Response, error) {
		if n <= 2 {
			return nil, &dispatch.DispatchError{Kind: dispatch.KindTransport, Message: "connection refused"}
		}
		return &dispatch.Response{JobID: d.ID, Code: "204"}, nil
	}

	_, err := h.s.Submit(context.Background(), httpJob("flaky"))
	require.NoError(t, err)
	d := h.waitStatus(t, "flaky", job.StatusExecuted)

	assert.Equal(t, 3, h.disp.count())
	assert.Equal(t, 2, d.Retries)
	assert.Equal(t, 1, d.ExecutionCounter)
	assert.Empty(t, d.ExceptionMessage)
	assert.Equal(t, []job.Status{job.StatusScheduled, job.StatusRetry, job.StatusRetry, job.StatusExecuted},
		statuses(h.em.forJob("flaky")))
}

func TestResetOnSuccessRestoresRetryBudget(t *testing.T) {
	p := fastPolicy
	p.ResetOnSuccess = true
	h := newHarness(t, WithPolicy(p))
	h.disp.fn = func(n int, d job.Details) (*dispatch.Response, error) {
		if n == 1 {
			return nil, &dispatch.DispatchError{Kind: dispatch.KindTimeout, Message: "deadline exceeded"}
		}
		return &dispatch.Response{JobID: d.ID, Code: "200"}, nil
	}

	_, err := h.s.Submit(context.Background(), repeatingJob("reset", 1, 5))
	require.NoError(t, err)
	d := h.waitStatus(t, "reset", job.StatusExecuted)

	assert.Equal(t, 0, d.Retries)
	assert.Equal(t, 2, d.ExecutionCounter)
	evs := h.em.forJob("reset")
	require.Len(t, evs, 4)
	assert.Equal(t, 1, evs[1].Retries)
	assert.Equal(t, 0, evs[2].Retries)
}

func TestInvalidScheduleIsNeverPersisted(t *testing.T) {
	h := newHarness(t)

	_, err := h.s.Submit(context.Background(), repeatingJob("bad", 2, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidSchedule))
	assert.True(t, errors.IsInvalidRequestError(err))

	j := httpJob("bad-unit")
	j.Schedule.DelayUnit = "FORTNIGHTS"
	_, err = h.s.Submit(context.Background(), j)
	assert.True(t, errors.Is(err, errors.ErrInvalidSchedule))

	j = httpJob("no-recipient")
	j.Recipient = job.Recipient{}
	_, err = h.s.Submit(context.Background(), j)
	assert.True(t, errors.IsInvalidRequestError(err))

	assert.Equal(t, 0, h.repo.Len())
	assert.Empty(t, h.em.forJob("bad"))
}

func TestDuplicateIDConflicts(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.Submit(context.Background(), futureJob("dup"))
	require.NoError(t, err)

	_, err = h.s.Submit(context.Background(), futureJob("dup"))
	assert.True(t, errors.IsConflictError(err))
	assert.Len(t, h.em.forJob("dup"), 1)
}

func TestGeneratedIDAndCorrelation(t *testing.T) {
	h := newHarness(t)
	j := futureJob("")
	j.CorrelationID = "order-7"
	d, err := h.s.Submit(context.Background(), j)
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "order-7", d.CorrelationID)

	list, err := h.s.List(context.Background(), store.Filter{CorrelationID: "order-7"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
}

func TestFollowerRejectsWrites(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.Submit(context.Background(), futureJob("kept"))
	require.NoError(t, err)
	h.lead.set(false)

	_, err = h.s.Submit(context.Background(), futureJob("new"))
	assert.True(t, errors.IsLeadershipLost(err))
	_, err = h.s.Cancel(context.Background(), "kept")
	assert.True(t, errors.IsLeadershipLost(err))
	_, err = h.s.Reschedule(context.Background(), "kept", job.Patch{Retries: util.Ptr(1)})
	assert.True(t, errors.IsLeadershipLost(err))

	d, err := h.s.Get(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, d.Status)
}

func TestSubmitThenCancelNeverDispatches(t *testing.T) {
	h := newHarness(t)
	j := httpJob("cancel-me")
	j.Schedule = trigger.Schedule{Delay: 100}
	_, err := h.s.Submit(context.Background(), j)
	require.NoError(t, err)

	d, err := h.s.Cancel(context.Background(), "cancel-me")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, d.Status)
	assert.False(t, d.Trigger.HasNextFireTime())
	assert.Equal(t, 0, h.s.Stats().Armed)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.disp.count())
	assert.Equal(t, []job.Status{job.StatusScheduled, job.StatusCanceled}, statuses(h.em.forJob("cancel-me")))
}

func TestCancelTerminalIsNoop(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.Submit(context.Background(), httpJob("done"))
	require.NoError(t, err)
	executed := h.waitStatus(t, "done", job.StatusExecuted)
	before := len(h.em.forJob("done"))

	got, err := h.s.Cancel(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, job.StatusExecuted, got.Status)
	assert.Equal(t, executed.Version, got.Version)
	assert.True(t, executed.LastUpdate.Equal(got.LastUpdate))
	assert.Len(t, h.em.forJob("done"), before)

	_, err = h.s.Submit(context.Background(), futureJob("twice"))
	require.NoError(t, err)
	first, err := h.s.Cancel(context.Background(), "twice")
	require.NoError(t, err)
	second, err := h.s.Cancel(context.Background(), "twice")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, h.em.forJob("twice"), 2)
}

func TestCancelMissingJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.Cancel(context.Background(), "ghost")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = h.s.Reschedule(context.Background(), "ghost", job.Patch{Retries: util.Ptr(0)})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRescheduleMovesDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orig, err := h.s.Submit(ctx, futureJob("move"))
	require.NoError(t, err)

	d, err := h.s.Reschedule(ctx, "move", job.Patch{Retries: util.Ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, d.Retries)
	assert.True(t, orig.Deadline.Equal(d.Deadline))
	assert.NotEqual(t, orig.ScheduledID, d.ScheduledID)

	// The old handle no longer fires anything.
	require.NoError(t, h.s.Fire(ctx, "move", orig.ScheduledID))
	assert.Equal(t, 0, h.disp.count())

	soon := time.Now().Add(20 * time.Millisecond)
	d, err = h.s.Reschedule(ctx, "move", job.Patch{ExpirationTime: &soon})
	require.NoError(t, err)
	assert.True(t, soon.Equal(d.Deadline))

	done := h.waitStatus(t, "move", job.StatusExecuted)
	assert.Equal(t, 1, h.disp.count())
	assert.Equal(t, 5, done.Retries)

	unchanged, err := h.s.Reschedule(ctx, "move", job.Patch{ExpirationTime: &soon})
	require.NoError(t, err)
	assert.Equal(t, done.Version, unchanged.Version)
}

func TestRescheduleRepeating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := futureJob("rep")
	j.Schedule.RepeatCount = 2
	j.Schedule.RepeatInterval = 1
	j.Schedule.RepeatUnit = "HOURS"
	_, err := h.s.Submit(ctx, j)
	require.NoError(t, err)

	d, err := h.s.Reschedule(ctx, "rep", job.Patch{RepeatInterval: util.Ptr[int64](30), RepeatUnit: "MINUTES", RepeatCount: util.Ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d.Trigger.Interval)
	assert.Equal(t, 5, d.Trigger.RepeatCount)

	_, err = h.s.Reschedule(ctx, "rep", job.Patch{RepeatCount: util.Ptr(-5)})
	assert.True(t, errors.IsInvalidRequestError(err))

	same, err := h.s.Reschedule(ctx, "rep", job.Patch{})
	require.NoError(t, err)
	assert.Equal(t, d.Version, same.Version)
}

func TestStaleHandleIsSkipped(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.Submit(context.Background(), futureJob("stale"))
	require.NoError(t, err)

	require.NoError(t, h.s.Fire(context.Background(), "stale", "not-the-handle"))
	require.NoError(t, h.s.Fire(context.Background(), "missing", "h"))
	assert.Equal(t, 0, h.disp.count())
}

func TestConflictingWriteDiscardsFireResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.s.Submit(ctx, futureJob("race"))
	require.NoError(t, err)

	h.disp.fn = func(_ int, d job.Details) (*dispatch.Response, error) {
		current, err := h.repo.Get(ctx, d.ID)
		require.NoError(t, err)
		_, err = h.repo.Put(ctx, job.Merge(current, job.WithStatus(job.StatusCanceled)))
		require.NoError(t, err)
		return &dispatch.Response{JobID: d.ID, Code: "200"}, nil
	}

	err = h.s.Fire(ctx, "race", d.ScheduledID)
	assert.True(t, errors.IsConflictError(err))

	stored, err := h.repo.Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, stored.Status)
	assert.Equal(t, 0, stored.ExecutionCounter)
	assert.Len(t, h.em.forJob("race"), 1)
}

func TestLeadershipLossDuringDispatchDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.s.Submit(ctx, futureJob("fenced"))
	require.NoError(t, err)

	h.disp.fn = func(_ int, d job.Details) (*dispatch.Response, error) {
		h.lead.leader.Store(false)
		return &dispatch.Response{JobID: d.ID, Code: "200"}, nil
	}
	err = h.s.Fire(ctx, "fenced", d.ScheduledID)
	assert.True(t, errors.IsLeadershipLost(err))

	stored, err := h.repo.Get(ctx, "fenced")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Len(t, h.em.forJob("fenced"), 1)

	assert.True(t, errors.IsLeadershipLost(h.s.Fire(ctx, "fenced", d.ScheduledID)))
	assert.Equal(t, 1, h.disp.count())
}

func TestDemotionDisarmsAndPromotionWarmStarts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.s.Submit(ctx, futureJob(id))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.s.Stats().Armed)

	h.lead.set(false)
	require.Eventually(t, func() bool { return h.s.Stats().Armed == 0 }, time.Second, time.Millisecond)

	// A job left overdue by the previous leader.
	past := time.Now().Add(-time.Minute)
	trig, err := trigger.New(trigger.Schedule{StartTime: past}, past)
	require.NoError(t, err)
	_, err = h.repo.Create(ctx, job.Details{
		ID: "overdue", CorrelationID: "overdue", Status: job.StatusScheduled,
		ScheduledID: "h-old", Deadline: past, Trigger: trig,
		Recipient: job.NewHTTPRecipient("http://example.com/hook", nil),
		Created:   past, LastUpdate: past,
	})
	require.NoError(t, err)

	h.lead.set(true)
	h.waitStatus(t, "overdue", job.StatusExecuted)
	require.Eventually(t, func() bool { return h.s.Stats().Armed == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.disp.count())
}

func TestWarmStartPages(t *testing.T) {
	repo := store.NewMemoryRepository()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	trig, err := trigger.New(trigger.Schedule{StartTime: future}, future)
	require.NoError(t, err)
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		_, err := repo.Create(ctx, job.Details{
			ID: id, CorrelationID: id, Status: job.StatusScheduled, ScheduledID: "h-" + id,
			Deadline: future, Trigger: trig, Recipient: job.NewHTTPRecipient("http://example.com", nil),
		})
		require.NoError(t, err)
	}
	_, err = repo.Create(ctx, job.Details{ID: "j6", Status: job.StatusExecuted, Trigger: trig.Cleared()})
	require.NoError(t, err)

	pool := async.NewPool(1, 1, zap.NewNop().Sugar())
	defer pool.Stop(time.Second)
	s := New(repo, newFakeLeadership(true), &fakeDispatcher{}, pool,
		WithConfig(Config{WarmStartBatch: 2}), WithLogger(zap.NewNop().Sugar()))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Stats().Armed == 5 }, time.Second, time.Millisecond)
	h, ok := s.timers.handle("j3")
	require.True(t, ok)
	assert.Equal(t, "h-j3", h)
}

func TestRetentionSweep(t *testing.T) {
	h := newHarness(t, WithConfig(Config{Retention: time.Hour}))
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()
	for id, seed := range map[string]struct {
		status job.Status
		at     time.Time
	}{
		"old-executed": {job.StatusExecuted, old},
		"old-canceled": {job.StatusCanceled, old},
		"old-error":    {job.StatusError, old},
		"new-executed": {job.StatusExecuted, recent},
	} {
		_, err := h.repo.Create(ctx, job.Details{ID: id, Status: seed.status, LastUpdate: seed.at})
		require.NoError(t, err)
	}

	n, err := h.s.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = h.repo.Get(ctx, "old-error")
	assert.NoError(t, err)
	_, err = h.repo.Get(ctx, "new-executed")
	assert.NoError(t, err)
	_, err = h.repo.Get(ctx, "old-executed")
	assert.True(t, errors.IsNotFoundError(err))

	h.lead.leader.Store(false)
	n, err = h.s.sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetRetryPolicy(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 12, h.s.RetryPolicy().MaxRetries)

	h.s.SetRetryPolicy(retry.Policy{MaxRetries: 0})
	h.disp.fn = func(int, job.Details) (*dispatch.Response, error) {
		return nil, &dispatch.DispatchError{Kind: dispatch.KindTransport, Message: "down"}
	}
	_, err := h.s.Submit(context.Background(), httpJob("no-retry"))
	require.NoError(t, err)
	d := h.waitStatus(t, "no-retry", job.StatusError)
	assert.Equal(t, 1, d.Retries)
	assert.Equal(t, 1, h.disp.count())
}

func TestWithLeaderManager(t *testing.T) {
	mgr, err := leader.New(leader.NewMemoryStore(), leader.Config{ReplicaID: "solo", Expiration: time.Minute},
		leader.WithLogger(zap.NewNop().Sugar()))
	require.NoError(t, err)

	pool := async.NewPool(2, 4, zap.NewNop().Sugar())
	defer pool.Stop(time.Second)
	em := &recordingEmitter{}
	s := New(store.NewMemoryRepository(), mgr, &fakeDispatcher{}, pool,
		WithEmitter(em), WithLogger(zap.NewNop().Sugar()))
	s.Start()
	defer s.Stop()

	_, err = s.Submit(context.Background(), httpJob("x"))
	assert.True(t, errors.IsLeadershipLost(err))

	require.NoError(t, mgr.Heartbeat(context.Background()))
	require.True(t, mgr.IsLeader())
	_, err = s.Submit(context.Background(), httpJob("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := s.Get(context.Background(), "x")
		return err == nil && d.Status == job.StatusExecuted
	}, 5*time.Second, 2*time.Millisecond)
	evs := em.forJob("x")
	require.Len(t, evs, 2)
	assert.Equal(t, "solo", evs[1].ReplicaID)
}

// pausingRepository can hold one FindActive call after it has read its page,
// and counts the calls.
type pausingRepository struct {
	*store.MemoryRepository
	calls   atomic.Int32
	hold    atomic.Bool
	paged   chan struct{}
	release chan struct{}
}

func newPausingRepository() *pausingRepository {
	return &pausingRepository{
		MemoryRepository: store.NewMemoryRepository(),
		paged:            make(chan struct{}),
		release:          make(chan struct{}),
	}
}

func (r *pausingRepository) FindActive(ctx context.Context, afterID string, limit int) ([]job.Details, error) {
	r.calls.Add(1)
	page, err := r.MemoryRepository.FindActive(ctx, afterID, limit)
	if r.hold.CompareAndSwap(true, false) {
		close(r.paged)
		<-r.release
	}
	return page, err
}

// pausingEmitter holds the first event matching pause until released.
type pausingEmitter struct {
	recordingEmitter
	pause   func(events.Lifecycle) bool
	held    atomic.Bool
	paused  chan struct{}
	release chan struct{}
}

func (e *pausingEmitter) Emit(ctx context.Context, ev events.Lifecycle) error {
	if e.pause(ev) && e.held.CompareAndSwap(false, true) {
		close(e.paused)
		<-e.release
	}
	return e.recordingEmitter.Emit(ctx, ev)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWarmStartKeepsTimerArmedByLaterWrite(t *testing.T) {
	repo := newPausingRepository()
	lead := newFakeLeadership(false)
	disp := &fakeDispatcher{}
	pool := async.NewPool(2, 4, zap.NewNop().Sugar())
	defer pool.Stop(time.Second)
	s := New(repo, lead, disp, pool, WithPolicy(fastPolicy), WithLogger(zap.NewNop().Sugar()))
	s.Start()
	defer s.Stop()

	ctx := context.Background()
	at := time.Now().Add(300 * time.Millisecond)
	trig, err := trigger.New(trigger.Schedule{StartTime: at}, at)
	require.NoError(t, err)
	_, err = repo.Create(ctx, job.Details{
		ID: "w", CorrelationID: "w", Status: job.StatusScheduled,
		ScheduledID: "h-snapshot", Deadline: at, Trigger: trig,
		Recipient: job.NewHTTPRecipient("http://example.com/hook", nil),
	})
	require.NoError(t, err)

	repo.hold.Store(true)
	lead.set(true)
	waitClosed(t, repo.paged, "warm start page")

	moved, err := s.Reschedule(ctx, "w", job.Patch{Retries: util.Ptr(0)})
	require.NoError(t, err)
	require.NotEqual(t, "h-snapshot", moved.ScheduledID)
	close(repo.release)

	require.Eventually(t, func() bool {
		d, err := repo.Get(ctx, "w")
		return err == nil && d.Status == job.StatusExecuted
	}, 5*time.Second, 2*time.Millisecond, "job armed by the reschedule never fired")
	assert.Equal(t, 1, disp.count())
}

func TestEventsFollowCommitOrderAcrossWriters(t *testing.T) {
	em := &pausingEmitter{
		pause: func(ev events.Lifecycle) bool {
			return ev.Status == job.StatusScheduled && ev.Version == 2
		},
		paused:  make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, WithEmitter(em))
	ctx := context.Background()

	j := httpJob("ord")
	j.Schedule = trigger.Schedule{StartTime: time.Now().Add(time.Hour), RepeatCount: 2, RepeatInterval: 60_000}
	d, err := h.s.Submit(ctx, j)
	require.NoError(t, err)

	fired := make(chan error, 1)
	go func() { fired <- h.s.Fire(ctx, "ord", d.ScheduledID) }()
	waitClosed(t, em.paused, "event of the firing")

	canceled := make(chan error, 1)
	go func() {
		_, err := h.s.Cancel(ctx, "ord")
		canceled <- err
	}()
	select {
	case err := <-canceled:
		t.Fatalf("cancel finished while the previous event was still pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(em.release)
	require.NoError(t, <-fired)
	require.NoError(t, <-canceled)

	evs := em.forJob("ord")
	require.Len(t, evs, 3)
	assert.Equal(t, []job.Status{job.StatusScheduled, job.StatusScheduled, job.StatusCanceled}, statuses(evs))
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Version)
	}
}

func TestStartAsLeaderWarmStartsOnce(t *testing.T) {
	repo := newPausingRepository()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	trig, err := trigger.New(trigger.Schedule{StartTime: future}, future)
	require.NoError(t, err)
	_, err = repo.Create(ctx, job.Details{
		ID: "j1", CorrelationID: "j1", Status: job.StatusScheduled, ScheduledID: "h-j1",
		Deadline: future, Trigger: trig, Recipient: job.NewHTTPRecipient("http://example.com", nil),
	})
	require.NoError(t, err)

	lead := newFakeLeadership(true)
	lead.changes <- leader.Change{Leader: true, Epoch: 1}

	pool := async.NewPool(1, 1, zap.NewNop().Sugar())
	defer pool.Stop(time.Second)
	s := New(repo, lead, &fakeDispatcher{}, pool, WithLogger(zap.NewNop().Sugar()))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Stats().Armed == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return repo.calls.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	lead.set(false)
	require.Eventually(t, func() bool { return s.Stats().Armed == 0 }, time.Second, time.Millisecond)
	lead.set(true)
	require.Eventually(t, func() bool { return repo.calls.Load() == 2 }, time.Second, time.Millisecond)
}
