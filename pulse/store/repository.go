// Package store persists job records.
//
// Every write is version-checked: Put succeeds only when the stored row still
// carries the version the caller read, and bumps it. Callers that lose the
// race get errors.ErrConflict and must reload.
package store

import (
	"context"
	"time"

	"github.com/teranos/jobsvc/pulse/job"
)

// JobRepository is the persistence contract the scheduler depends on.
type JobRepository interface {
	// Get returns errors.ErrNotFound when the job does not exist.
	Get(ctx context.Context, id string) (job.Details, error)

	// Create inserts a new job at version 1. An existing id is
	// errors.ErrConflict.
	Create(ctx context.Context, d job.Details) (job.Details, error)

	// Put replaces the job when the stored version equals d.Version and
	// returns the record at its new version.
	Put(ctx context.Context, d job.Details) (job.Details, error)

	// Remove deletes a job. Removing a missing job is not an error.
	Remove(ctx context.Context, id string) error

	// FindActive pages through SCHEDULED and RETRY jobs ordered by id,
	// starting after the given id.
	FindActive(ctx context.Context, afterID string, limit int) ([]job.Details, error)

	// List returns jobs matching the filter, most recently updated first.
	List(ctx context.Context, f Filter) ([]job.Details, error)

	// PurgeBefore removes jobs in the given statuses whose last update is
	// older than cutoff, returning how many were removed.
	PurgeBefore(ctx context.Context, statuses []job.Status, cutoff time.Time) (int64, error)
}

// Filter narrows List.
type Filter struct {
	Statuses      []job.Status
	CorrelationID string
	Limit         int
}

// DefaultListLimit applies when a Filter has no limit.
const DefaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f Filter) matches(d job.Details) bool {
	if f.CorrelationID != "" && d.CorrelationID != f.CorrelationID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}
