package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/pulse/job"
)

// MemoryRepository keeps jobs in process. It honours the same version
// checks as the SQLite repository and is shared between replicas in tests.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]job.Details
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]job.Details)}
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (job.Details, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.jobs[id]
	if !ok {
		return job.Details{}, errors.NewNotFoundError("job %s", id)
	}
	return d, nil
}

func (m *MemoryRepository) Create(ctx context.Context, d job.Details) (job.Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[d.ID]; ok {
		return job.Details{}, errors.NewConflictError("job %s already exists", d.ID)
	}
	d.Version = 1
	m.jobs[d.ID] = d
	return d, nil
}

func (m *MemoryRepository) Put(ctx context.Context, d job.Details) (job.Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[d.ID]
	if !ok {
		return job.Details{}, errors.NewNotFoundError("job %s", d.ID)
	}
	if current.Version != d.Version {
		return job.Details{}, errors.NewConflictError("job %s is at version %d, expected %d", d.ID, current.Version, d.Version)
	}
	d.Version++
	m.jobs[d.ID] = d
	return d, nil
}

func (m *MemoryRepository) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, id)
	return nil
}

func (m *MemoryRepository) FindActive(ctx context.Context, afterID string, limit int) ([]job.Details, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	var out []job.Details
	for id, d := range m.jobs {
		if id > afterID && d.IsActive() {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) List(ctx context.Context, f Filter) ([]job.Details, error) {
	m.mu.RLock()
	var out []job.Details
	for _, d := range m.jobs {
		if f.matches(d) {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].LastUpdate.After(out[j].LastUpdate)
		}
		return out[i].ID < out[j].ID
	})
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) PurgeBefore(ctx context.Context, statuses []job.Status, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := Filter{Statuses: statuses}
	var n int64
	for id, d := range m.jobs {
		if len(statuses) > 0 && f.matches(d) && d.LastUpdate.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored jobs.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
