// Package leader elects the single replica allowed to fire timers.
//
// Replicas contend on one management row. The holder refreshes its
// heartbeat every interval; anyone may claim the row once the heartbeat is
// older than the expiration. Every claim bumps the epoch and installs a new
// token, and every write is a compare-and-swap on (token, epoch), so two
// replicas can never both win the same round.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
)

// Config controls heartbeat timing and eligibility.
type Config struct {
	ReplicaID  string
	Expiration time.Duration // lease lifetime without a refresh
	Interval   time.Duration // time between heartbeat rounds; default Expiration/3

	// Version is this replica's build version. When VersionConstraint is set,
	// replicas whose version does not satisfy it never claim leadership.
	Version           string
	VersionConstraint string
}

// Lease describes the leadership this replica currently holds.
type Lease struct {
	Token   string
	Epoch   int64
	Expires time.Time
}

// Change is delivered to subscribers on every promotion or demotion.
type Change struct {
	Leader bool
	Epoch  int64
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = logger.AddLeaderSymbol(log.Named("leader")) }
}

// Manager runs heartbeat rounds and tracks this replica's role.
type Manager struct {
	store    ManagementStore
	cfg      Config
	token    string
	eligible bool
	now      func() time.Time
	log      *zap.SugaredLogger

	mu     sync.RWMutex
	leader bool
	lease  Lease

	subMu sync.Mutex
	subs  map[int]chan Change
	subID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a follower. Each Manager gets a fresh token, so a restarted
// process never resumes a lease it held before.
func New(store ManagementStore, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Expiration <= 0 {
		return nil, errors.NewInvalidRequestError("heartbeat expiration must be positive, got %s", cfg.Expiration)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Expiration / 3
	}
	if cfg.Interval >= cfg.Expiration {
		return nil, errors.NewInvalidRequestError("heartbeat interval %s must be shorter than expiration %s", cfg.Interval, cfg.Expiration)
	}
	if cfg.ReplicaID == "" {
		cfg.ReplicaID = uuid.NewString()
	}

	eligible, err := Eligible(cfg.Version, cfg.VersionConstraint)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:    store,
		cfg:      cfg,
		token:    uuid.NewString(),
		eligible: eligible,
		now:      time.Now,
		log:      logger.AddLeaderSymbol(logger.Logger.Named("leader")),
		subs:     make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.FieldReplicaID, cfg.ReplicaID)
	if !eligible {
		m.log.Warnw("Replica not eligible for leadership",
			"version", cfg.Version,
			"constraint", cfg.VersionConstraint,
		)
	}
	return m, nil
}

// Eligible reports whether version satisfies constraint. An empty constraint
// admits every version.
func Eligible(version, constraint string) (bool, error) {
	if constraint == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, errors.Wrapf(errors.ErrInvalidRequest, "invalid leader version constraint %q: %s", constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		// Dev builds carry no semantic version and are never eligible under a constraint.
		return false, nil
	}
	return c.Check(v), nil
}

// ReplicaID returns this replica's identity.
func (m *Manager) ReplicaID() string {
	return m.cfg.ReplicaID
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// IsLeader reports the current role.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader
}

// Lease returns the held lease, if any.
func (m *Manager) Lease() (Lease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lease, m.leader
}

// Check returns errors.ErrLeadershipLost unless this replica is leader with
// an unexpired lease. Job writes call it right before persisting.
func (m *Manager) Check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.leader {
		return errors.Wrapf(errors.ErrLeadershipLost, "replica %s is follower", m.cfg.ReplicaID)
	}
	if !m.now().Before(m.lease.Expires) {
		return errors.Wrapf(errors.ErrLeadershipLost, "lease epoch %d expired at %s", m.lease.Epoch, m.lease.Expires.Format(time.RFC3339))
	}
	return nil
}

// Subscribe returns a channel of role changes and a function to stop
// receiving them. The channel holds only the latest change; a slow reader
// skips intermediate flaps but always sees the current role.
func (m *Manager) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)

	m.subMu.Lock()
	id := m.subID
	m.subID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Manager) notify(c Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c
	}
}

// Heartbeat performs one election round.
func (m *Manager) Heartbeat(ctx context.Context) error {
	if !m.eligible {
		return nil
	}
	now := m.now()

	info, present, err := m.store.Read(ctx)
	if err != nil {
		m.expireIfLapsed(now)
		return errors.Wrap(err, "heartbeat read")
	}

	switch {
	case !present:
		return m.claim(ctx, now, Info{}, false, 1)

	case info.Token == m.token:
		next := info
		next.LastHeartbeat = now
		next.HolderID = m.cfg.ReplicaID
		next.Version = m.cfg.Version
		ok, err := m.store.CompareAndSwap(ctx, info, true, next)
		if err != nil {
			m.expireIfLapsed(now)
			return errors.Wrap(err, "heartbeat refresh")
		}
		if !ok {
			m.demote("refresh lost compare-and-swap")
			return nil
		}
		m.promote(info.Epoch, now)
		return nil

	case info.Expired(now, m.cfg.Expiration):
		return m.claim(ctx, now, info, true, info.Epoch+1)

	default:
		m.demote("row held by " + info.HolderID)
		return nil
	}
}

func (m *Manager) claim(ctx context.Context, now time.Time, expected Info, present bool, epoch int64) error {
	next := Info{
		HolderID:      m.cfg.ReplicaID,
		Token:         m.token,
		Epoch:         epoch,
		LastHeartbeat: now,
		Version:       m.cfg.Version,
	}
	ok, err := m.store.CompareAndSwap(ctx, expected, present, next)
	if err != nil {
		m.expireIfLapsed(now)
		return errors.Wrap(err, "heartbeat claim")
	}
	if !ok {
		m.demote("claim lost compare-and-swap")
		return nil
	}
	if present {
		m.log.Infow("Claimed expired leadership",
			logger.FieldEpoch, epoch,
			"previous_holder", expected.HolderID,
			"previous_epoch", expected.Epoch,
		)
	}
	m.promote(epoch, now)
	return nil
}

func (m *Manager) promote(epoch int64, now time.Time) {
	m.mu.Lock()
	was := m.leader
	m.leader = true
	m.lease = Lease{Token: m.token, Epoch: epoch, Expires: now.Add(m.cfg.Expiration)}
	m.mu.Unlock()

	if !was {
		m.log.Infow("Became leader", logger.FieldEpoch, epoch)
		m.notify(Change{Leader: true, Epoch: epoch})
	}
}

func (m *Manager) demote(reason string) {
	m.mu.Lock()
	was := m.leader
	epoch := m.lease.Epoch
	m.leader = false
	m.lease = Lease{}
	m.mu.Unlock()

	if was {
		m.log.Warnw("Lost leadership", logger.FieldEpoch, epoch, "reason", reason)
		m.notify(Change{Leader: false, Epoch: epoch})
	}
}

// expireIfLapsed demotes when the store is unreachable long enough for our
// own lease to run out. Another replica may already hold the row.
func (m *Manager) expireIfLapsed(now time.Time) {
	m.mu.RLock()
	lapsed := m.leader && !now.Before(m.lease.Expires)
	m.mu.RUnlock()
	if lapsed {
		m.demote("lease expired while store unreachable")
	}
}

// Start runs an immediate heartbeat round and then one every interval.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.Heartbeat(m.ctx); err != nil {
		m.log.Warnw("Heartbeat failed", logger.FieldError, err)
	}

	m.wg.Add(1)
	go m.run()
	m.log.Infow("Leadership manager started",
		"interval", m.cfg.Interval,
		"expiration", m.cfg.Expiration,
	)
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Heartbeat(m.ctx); err != nil && m.ctx.Err() == nil {
				m.log.Warnw("Heartbeat failed", logger.FieldError, err)
			}
		}
	}
}

// Stop ends the heartbeat loop and, when leader, releases the lease so a
// follower can claim it on its next round instead of waiting for expiry.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}

	lease, ok := m.Lease()
	if !ok {
		return nil
	}
	m.demote("stopping")

	expected := Info{Token: lease.Token, Epoch: lease.Epoch}
	released := Info{
		HolderID: m.cfg.ReplicaID,
		Token:    lease.Token,
		Epoch:    lease.Epoch,
		Version:  m.cfg.Version,
	}
	swapped, err := m.store.CompareAndSwap(ctx, expected, true, released)
	if err != nil {
		return errors.Wrap(err, "release lease")
	}
	if swapped {
		m.log.Infow("Released leadership", logger.FieldEpoch, lease.Epoch)
	}
	return nil
}
