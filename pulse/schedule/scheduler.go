// Package schedule is the scheduler core: it persists jobs, keeps one timer
// per active job while this replica leads, dispatches due jobs on the worker
// pool and applies the retry policy to the outcome.
//
// Every job write is guarded twice: the replica must hold leadership
// immediately before the write, and the repository rejects the write unless
// the row still carries the version that was read. Lifecycle events are
// emitted only after a write succeeds, and writes to one job are emitted in
// the order they committed.
package schedule

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
	"github.com/teranos/jobsvc/pulse/async"
	"github.com/teranos/jobsvc/pulse/dispatch"
	"github.com/teranos/jobsvc/pulse/events"
	"github.com/teranos/jobsvc/pulse/job"
	"github.com/teranos/jobsvc/pulse/leader"
	"github.com/teranos/jobsvc/pulse/retry"
	"github.com/teranos/jobsvc/pulse/store"
	"github.com/teranos/jobsvc/pulse/trigger"
)

// maxWriteAttempts bounds how often Cancel and Reschedule reload after
// losing a version check.
const maxWriteAttempts = 5

// writeFailureDelay is how long a job waits to fire again after its result
// could not be stored.
const writeFailureDelay = time.Second

// Leadership is the part of leader.Manager the scheduler needs.
type Leadership interface {
	ReplicaID() string
	IsLeader() bool
	Check() error
	Subscribe() (<-chan leader.Change, func())
}

// Dispatcher delivers a job's payload. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, d job.Details) (*dispatch.Response, error)
	ValidateRecipient(r job.Recipient) error
}

// Emitter receives lifecycle events. *events.Emitter satisfies it.
type Emitter interface {
	Emit(ctx context.Context, ev events.Lifecycle) error
}

// Config tunes warm start and retention.
type Config struct {
	WarmStartBatch int
	Retention      time.Duration // 0 keeps terminal jobs forever
	SweepInterval  time.Duration
}

// ConfigFrom extracts the scheduler settings from the [scheduler] section.
func ConfigFrom(c am.SchedulerConfig) Config {
	return Config{
		WarmStartBatch: c.WarmStartBatch,
		Retention:      c.Retention,
		SweepInterval:  c.SweepInterval,
	}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

func WithPolicy(p retry.Policy) Option {
	return func(s *Scheduler) { s.policy.Store(&p) }
}

func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithConfig(c Config) Option {
	return func(s *Scheduler) { s.cfg = c }
}

// Stats is a snapshot for health endpoints and the CLI.
type Stats struct {
	Leader bool        `json:"leader"`
	Armed  int         `json:"armed"`
	Pool   async.Stats `json:"pool"`
}

// Scheduler runs the job state machine.
type Scheduler struct {
	repo       store.JobRepository
	leadership Leadership
	dispatcher Dispatcher
	pool       *async.Pool
	emitter    Emitter
	policy     atomic.Pointer[retry.Policy]
	timers     *timerQueue
	locks      jobLocks
	cfg        Config
	now        func() time.Time
	base       *zap.SugaredLogger
	log        *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// New builds a scheduler. Nothing is armed until Start.
func New(repo store.JobRepository, l Leadership, d Dispatcher, pool *async.Pool, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		repo:       repo,
		leadership: l,
		dispatcher: d,
		pool:       pool,
		timers:     newTimerQueue(),
		now:        time.Now,
		log:        logger.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.Load() == nil {
		p := retry.DefaultPolicy()
		s.policy.Store(&p)
	}
	if s.cfg.WarmStartBatch <= 0 {
		s.cfg.WarmStartBatch = 500
	}
	if s.cfg.SweepInterval <= 0 {
		s.cfg.SweepInterval = time.Hour
	}
	s.base = s.log.Named("scheduler").With(logger.FieldReplicaID, l.ReplicaID())
	s.log = logger.AddPulseSymbol(s.base)
	return s
}

// SetRetryPolicy swaps the policy used for later dispatch outcomes.
func (s *Scheduler) SetRetryPolicy(p retry.Policy) {
	s.policy.Store(&p)
	s.log.Infow("Retry policy updated", "max_retries", p.MaxRetries, "reset_on_success", p.ResetOnSuccess)
}

// RetryPolicy returns the active policy.
func (s *Scheduler) RetryPolicy() retry.Policy {
	return *s.policy.Load()
}

// Start runs the timer loop, follows leadership changes and, when
// configured, the retention sweeper.
func (s *Scheduler) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	changes, unsubscribe := s.leadership.Subscribe()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.timers.run(s.ctx, s.submitFire)
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.followLeadership(changes)
	}()

	if s.cfg.Retention > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	s.log.Infow("Scheduler started", "retention", s.cfg.Retention)
}

// Stop ends the background goroutines and disarms every timer. Dispatches
// already handed to the pool finish there.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	n := s.timers.disarmAll()
	logger.AddPulseCloseSymbol(s.base).Infow("Scheduler stopped", "disarmed", n)
}

// Stats reports leadership, armed timers and pool usage.
func (s *Scheduler) Stats() Stats {
	st := Stats{Leader: s.leadership.IsLeader(), Armed: s.timers.len()}
	if s.pool != nil {
		st.Pool = s.pool.Stats()
	}
	return st
}

func (s *Scheduler) followLeadership(changes <-chan leader.Change) {
	// leading is the role last acted on. The promotion that made this
	// replica leader before Start may still be queued on changes.
	leading := s.leadership.IsLeader()
	if leading {
		s.warmStart(s.ctx)
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Leader == leading {
				continue
			}
			leading = c.Leader
			if c.Leader {
				s.warmStart(s.ctx)
			} else {
				n := s.timers.disarmAll()
				logger.AddPulseCloseSymbol(s.base).Infow("Leadership lost, timers disarmed",
					logger.FieldEpoch, c.Epoch,
					logger.FieldCount, n,
				)
			}
		}
	}
}

// warmStart arms every active job at its stored deadline. Overdue jobs
// fire as soon as the timer loop sees them. A page is a snapshot: a job
// written and re-armed since keeps its newer timer.
func (s *Scheduler) warmStart(ctx context.Context) {
	log := logger.AddPulseOpenSymbol(s.base)
	start := s.now()
	armed := 0
	after := ""
	for {
		if !s.leadership.IsLeader() || ctx.Err() != nil {
			log.Infow("Warm start interrupted", logger.FieldCount, armed)
			return
		}
		page, err := s.repo.FindActive(ctx, after, s.cfg.WarmStartBatch)
		if err != nil {
			log.Errorw("Warm start failed", logger.FieldError, err, logger.FieldCount, armed)
			return
		}
		for _, d := range page {
			s.arm(d)
			armed++
		}
		if len(page) < s.cfg.WarmStartBatch {
			break
		}
		after = page[len(page)-1].ID
	}
	log.Infow("Warm start complete",
		logger.FieldCount, armed,
		logger.FieldDurationMS, s.now().Sub(start).Milliseconds(),
	)
}

func (s *Scheduler) arm(d job.Details) {
	if !d.IsActive() || d.ScheduledID == "" {
		return
	}
	deadline := d.Deadline
	if deadline.IsZero() {
		next, ok := d.Trigger.NextFireTime()
		if !ok {
			return
		}
		deadline = next
	}
	if !s.leadership.IsLeader() {
		return
	}
	s.timers.arm(d.ID, d.ScheduledID, d.Version, deadline, d.Priority)
}

func (s *Scheduler) submitFire(jobID, handle string) {
	err := s.pool.Submit(s.ctx, func(ctx context.Context) {
		if err := s.Fire(ctx, jobID, handle); err != nil {
			logger.JobLogger(s.log, jobID, "").Debugw("Fire result discarded", logger.FieldError, err)
		}
	})
	if err != nil && s.ctx.Err() == nil {
		s.log.Warnw("Failed to queue due job", logger.FieldJobID, jobID, logger.FieldError, err)
	}
}

// Submit validates and persists a new job as SCHEDULED and arms its timer.
func (s *Scheduler) Submit(ctx context.Context, j job.Job) (job.Details, error) {
	if err := s.leadership.Check(); err != nil {
		return job.Details{}, err
	}
	if err := j.Validate(); err != nil {
		return job.Details{}, err
	}
	if err := s.dispatcher.ValidateRecipient(j.Recipient); err != nil {
		return job.Details{}, err
	}
	timeout, err := j.Timeout()
	if err != nil {
		return job.Details{}, err
	}
	now := s.now().UTC()
	trig, err := trigger.New(j.Schedule, now)
	if err != nil {
		return job.Details{}, err
	}
	next, ok := trig.NextFireTime()
	if !ok {
		return job.Details{}, errors.NewInvalidScheduleError("schedule never fires")
	}

	id := j.ID
	if id == "" {
		id = uuid.NewString()
	}
	correlationID := j.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	d := job.Details{
		ID:               id,
		CorrelationID:    correlationID,
		Status:           job.StatusScheduled,
		ScheduledID:      uuid.NewString(),
		Deadline:         next,
		Recipient:        j.Recipient,
		Trigger:          trig,
		Priority:         j.Priority,
		ExecutionTimeout: timeout,
		Created:          now,
		LastUpdate:       now,
	}
	unlock := s.locks.lock(id)
	defer unlock()
	saved, err := s.repo.Create(ctx, d)
	if err != nil {
		return job.Details{}, errors.Wrapf(err, "submit job %s", id)
	}

	logger.JobLogger(s.log, saved.ID, saved.CorrelationID).Infow("Job scheduled",
		logger.FieldDeadline, saved.Deadline,
		"repeat_count", saved.Trigger.RepeatCount,
		logger.FieldURL, saved.Recipient.Target(),
	)
	s.emit(ctx, saved, nil)
	s.arm(saved)
	return saved, nil
}

// Fire dispatches the job armed under handle and records the outcome.
// Stale handles and inactive jobs are skipped without error.
func (s *Scheduler) Fire(ctx context.Context, jobID, handle string) error {
	if err := s.leadership.Check(); err != nil {
		return err
	}
	d, err := s.repo.Get(ctx, jobID)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	log := logger.JobLogger(s.log, d.ID, d.CorrelationID)
	if d.ScheduledID != handle || !d.IsActive() {
		log.Debugw("Skipping stale timer", logger.FieldScheduledID, handle, logger.FieldStatus, d.Status)
		return nil
	}

	resp, dispatchErr := s.dispatcher.Dispatch(ctx, d)
	policy := s.RetryPolicy()
	decision := policy.Decide(d, dispatchErr)
	next := s.transition(d, decision, dispatchErr, policy)

	unlock := s.locks.lock(d.ID)
	defer unlock()
	saved, err := s.write(ctx, next)
	if err != nil && !errors.IsConflictError(err) && !errors.IsLeadershipLost(err) {
		// The timer was consumed; without a successful write nothing
		// would fire this job again until the next warm start.
		s.timers.arm(d.ID, d.ScheduledID, d.Version, s.now().Add(writeFailureDelay), d.Priority)
	}
	if err != nil {
		log.Warnw("Discarding fire result",
			"decision", decision.Kind,
			logger.FieldVersion, d.Version,
			logger.FieldError, err,
		)
		return err
	}

	switch decision.Kind {
	case retry.Succeed:
		log.Infow("Job fired",
			logger.FieldStatus, saved.Status,
			logger.FieldExecutionCounter, saved.ExecutionCounter,
		)
	case retry.Retry:
		log.Infow("Dispatch failed, retry scheduled",
			logger.FieldRetries, saved.Retries,
			"delay", decision.Delay,
		)
	case retry.Fail:
		log.Warnw("Dispatch failed, retries exhausted",
			logger.FieldRetries, saved.Retries,
			logger.FieldError, saved.ExceptionMessage,
		)
	}

	if decision.Kind != retry.Succeed {
		resp = nil
	}
	s.emit(ctx, saved, resp)
	s.arm(saved)
	return nil
}

// transition builds the record that follows one dispatch attempt.
func (s *Scheduler) transition(d job.Details, decision retry.Decision, dispatchErr error, policy retry.Policy) job.Details {
	now := s.now().UTC()
	switch decision.Kind {
	case retry.Succeed:
		trig := d.Trigger.Advance()
		updates := []job.Update{job.IncrementExecutions(), job.ClearException(), job.WithTrigger(trig), job.WithLastUpdate(now)}
		if policy.ResetOnSuccess && trig.IsRepeating() {
			updates = append(updates, job.WithRetries(0))
		}
		if next, ok := trig.NextFireTime(); ok {
			updates = append(updates, job.WithStatus(job.StatusScheduled), job.WithArmed(uuid.NewString(), next))
		} else {
			updates = append(updates, job.WithStatus(job.StatusExecuted))
		}
		return job.Merge(d, updates...)

	case retry.Retry:
		msg, details := exception(dispatchErr)
		return job.Merge(d,
			job.WithStatus(job.StatusRetry),
			job.IncrementRetries(),
			job.WithException(msg, details),
			job.WithArmed(uuid.NewString(), now.Add(decision.Delay)),
			job.WithLastUpdate(now),
		)

	default:
		msg, details := exception(dispatchErr)
		return job.Merge(d,
			job.WithStatus(job.StatusError),
			job.IncrementRetries(),
			job.WithException(msg, details),
			job.WithLastUpdate(now),
		)
	}
}

func exception(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if de, ok := dispatch.AsDispatchError(err); ok {
		return de.Error(), de.Details
	}
	return err.Error(), ""
}

// write persists d if this replica still leads and the row is unchanged.
func (s *Scheduler) write(ctx context.Context, d job.Details) (job.Details, error) {
	if err := s.leadership.Check(); err != nil {
		return job.Details{}, err
	}
	saved, err := s.repo.Put(ctx, d)
	if err != nil {
		return job.Details{}, errors.Wrapf(err, "write job %s", d.ID)
	}
	return saved, nil
}

// Cancel moves an active job to CANCELED and disarms it. A terminal job is
// returned unchanged; a missing one is errors.ErrNotFound.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (job.Details, error) {
	return s.update(ctx, jobID, "cancel", func(d job.Details) (job.Details, bool, error) {
		return job.Merge(d, job.WithStatus(job.StatusCanceled), job.WithLastUpdate(s.now())), true, nil
	})
}

// Reschedule applies p to an active job, re-arming it under a new handle.
// A terminal job is returned unchanged.
func (s *Scheduler) Reschedule(ctx context.Context, jobID string, p job.Patch) (job.Details, error) {
	if err := p.Validate(); err != nil {
		return job.Details{}, err
	}
	return s.update(ctx, jobID, "reschedule", func(d job.Details) (job.Details, bool, error) {
		if p.IsEmpty() {
			return d, false, nil
		}
		now := s.now().UTC()
		trig, err := p.Apply(d, now)
		if err != nil {
			return job.Details{}, false, err
		}
		next, _ := trig.NextFireTime()
		updates := []job.Update{
			job.WithStatus(job.StatusScheduled),
			job.WithTrigger(trig),
			job.WithArmed(uuid.NewString(), next),
			job.WithLastUpdate(now),
		}
		if p.Retries != nil {
			updates = append(updates, job.WithRetries(*p.Retries))
		}
		return job.Merge(d, updates...), true, nil
	})
}

// update runs a leader-side change against the latest version of an active
// job, reloading when another writer wins the version check.
func (s *Scheduler) update(ctx context.Context, jobID, op string, change func(job.Details) (job.Details, bool, error)) (job.Details, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if err := s.leadership.Check(); err != nil {
			return job.Details{}, err
		}
		d, err := s.repo.Get(ctx, jobID)
		if err != nil {
			return job.Details{}, err
		}
		if d.Status.IsTerminal() {
			return d, nil
		}
		next, changed, err := change(d)
		if err != nil {
			return job.Details{}, err
		}
		if !changed {
			return d, nil
		}

		saved, err := s.commit(ctx, next, func(saved job.Details) {
			logger.JobLogger(s.log, saved.ID, saved.CorrelationID).Infow("Job "+op+" applied",
				logger.FieldStatus, saved.Status,
				logger.FieldDeadline, saved.Deadline,
				logger.FieldVersion, saved.Version,
			)
			if saved.IsActive() {
				s.arm(saved)
			} else {
				s.timers.disarm(saved.ID)
			}
			s.emit(ctx, saved, nil)
		})
		if errors.IsConflictError(err) {
			lastErr = err
			continue
		}
		if err != nil {
			return job.Details{}, err
		}
		return saved, nil
	}
	return job.Details{}, errors.Wrapf(lastErr, "%s job %s: gave up after %d attempts", op, jobID, maxWriteAttempts)
}

// commit writes d and, only if the write succeeds, runs after while still
// holding the job's lock.
func (s *Scheduler) commit(ctx context.Context, d job.Details, after func(job.Details)) (job.Details, error) {
	unlock := s.locks.lock(d.ID)
	defer unlock()
	saved, err := s.write(ctx, d)
	if err != nil {
		return job.Details{}, err
	}
	after(saved)
	return saved, nil
}

// Get returns the stored record.
func (s *Scheduler) Get(ctx context.Context, jobID string) (job.Details, error) {
	return s.repo.Get(ctx, jobID)
}

// List returns stored records matching f.
func (s *Scheduler) List(ctx context.Context, f store.Filter) ([]job.Details, error) {
	return s.repo.List(ctx, f)
}

func (s *Scheduler) emit(ctx context.Context, d job.Details, resp *dispatch.Response) {
	if s.emitter == nil {
		return
	}
	ev := events.FromDetails(d, s.leadership.ReplicaID(), resp)
	if err := s.emitter.Emit(ctx, ev); err != nil {
		logger.JobLogger(s.log, d.ID, d.CorrelationID).Warnw("Failed to emit lifecycle event",
			logger.FieldStatus, d.Status,
			logger.FieldError, err,
		)
	}
}

// sweep removes EXECUTED and CANCELED jobs last updated before the retention
// window. ERROR jobs are kept for inspection.
func (s *Scheduler) sweep(ctx context.Context) (int64, error) {
	if !s.leadership.IsLeader() {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.repo.PurgeBefore(ctx, []job.Status{job.StatusExecuted, job.StatusCanceled}, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purge terminal jobs")
	}
	if n > 0 {
		s.log.Infow("Purged terminal jobs", logger.FieldCount, n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweep(s.ctx); err != nil {
				s.log.Warnw("Retention sweep failed", logger.FieldError, err)
			}
		}
	}
}

// jobLocks is a fixed set of mutexes striped by job id. A write and the
// event describing it happen under the job's stripe.
type jobLocks [64]sync.Mutex

func (l *jobLocks) lock(jobID string) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	m := &l[h.Sum32()%uint32(len(l))]
	m.Lock()
	return m.Unlock
}
