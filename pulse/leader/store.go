package leader

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/jobsvc/errors"
)

// DefaultCluster keys the management row when no cluster name is configured.
const DefaultCluster = "default"

// Info is the single contended management row.
type Info struct {
	HolderID      string    `json:"id"`
	Token         string    `json:"token"`
	Epoch         int64     `json:"epoch"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Version       string    `json:"version,omitempty"`
}

// Released reports whether the holder gave the lease up on shutdown.
func (i Info) Released() bool {
	return i.LastHeartbeat.IsZero()
}

// Expired reports whether the holder's lease has lapsed at now.
func (i Info) Expired(now time.Time, expiration time.Duration) bool {
	return i.Released() || !now.Before(i.LastHeartbeat.Add(expiration))
}

// ManagementStore reads and compare-and-swaps the management row. The row is
// never overwritten blindly.
type ManagementStore interface {
	// Read returns the row and whether it exists.
	Read(ctx context.Context) (Info, bool, error)

	// CompareAndSwap writes next only if the stored row still matches
	// expected on (token, epoch), or, when present is false, only if no row
	// exists yet. It reports whether the write happened.
	CompareAndSwap(ctx context.Context, expected Info, present bool, next Info) (bool, error)
}

// SQLiteStore keeps the management row in job_service_management.
type SQLiteStore struct {
	db      *sql.DB
	cluster string
}

// NewSQLiteStore creates a store for one cluster's row.
func NewSQLiteStore(db *sql.DB, cluster string) *SQLiteStore {
	if cluster == "" {
		cluster = DefaultCluster
	}
	return &SQLiteStore{db: db, cluster: cluster}
}

const heartbeatFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatHeartbeat(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(heartbeatFormat)
}

func parseHeartbeat(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(heartbeatFormat, s)
}

func (s *SQLiteStore) Read(ctx context.Context) (Info, bool, error) {
	var info Info
	var hb string
	err := s.db.QueryRowContext(ctx, `SELECT holder_id, token, epoch, last_heartbeat, holder_version
		FROM job_service_management WHERE cluster = ?`, s.cluster).
		Scan(&info.HolderID, &info.Token, &info.Epoch, &hb, &info.Version)
	if err == sql.ErrNoRows {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, errors.Wrap(err, "failed to read management row")
	}
	if info.LastHeartbeat, err = parseHeartbeat(hb); err != nil {
		return Info{}, false, errors.Wrap(err, "failed to parse last_heartbeat")
	}
	return info, true, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, expected Info, present bool, next Info) (bool, error) {
	var res sql.Result
	var err error
	if !present {
		res, err = s.db.ExecContext(ctx, `INSERT INTO job_service_management
			(cluster, holder_id, token, epoch, last_heartbeat, holder_version)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(cluster) DO NOTHING`,
			s.cluster, next.HolderID, next.Token, next.Epoch, formatHeartbeat(next.LastHeartbeat), next.Version)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE job_service_management
			SET holder_id = ?, token = ?, epoch = ?, last_heartbeat = ?, holder_version = ?
			WHERE cluster = ? AND token = ? AND epoch = ?`,
			next.HolderID, next.Token, next.Epoch, formatHeartbeat(next.LastHeartbeat), next.Version,
			s.cluster, expected.Token, expected.Epoch)
	}
	if err != nil {
		return false, errors.Wrap(err, "management row compare-and-swap failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "management row compare-and-swap failed")
	}
	return n == 1, nil
}

// MemoryStore is a ManagementStore shared by replicas in one process.
type MemoryStore struct {
	mu      sync.Mutex
	info    Info
	present bool
	failReads bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetUnavailable toggles a simulated store outage.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = down
}

func (m *MemoryStore) Read(ctx context.Context) (Info, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return Info{}, false, errors.Wrap(errors.ErrServiceUnavailable, "management store")
	}
	return m.info, m.present, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expected Info, present bool, next Info) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return false, errors.Wrap(errors.ErrServiceUnavailable, "management store")
	}
	if present != m.present {
		return false, nil
	}
	if present && (m.info.Token != expected.Token || m.info.Epoch != expected.Epoch) {
		return false, nil
	}
	m.info = next
	m.present = true
	return true, nil
}
