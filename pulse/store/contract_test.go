package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobsvc/errors"
	jobtest "github.com/teranos/jobsvc/internal/testing"
	"github.com/teranos/jobsvc/pulse/job"
	"github.com/teranos/jobsvc/pulse/trigger"
)

var now = time.Date(2026, 4, 1, 9, 30, 0, 123456789, time.UTC)

func newDetails(t *testing.T, id string) job.Details {
	t.Helper()
	tr, err := trigger.New(trigger.Schedule{StartTime: now, RepeatInterval: 5, RepeatUnit: "SECONDS", RepeatCount: 2}, now)
	require.NoError(t, err)
	return job.Details{
		ID:               id,
		CorrelationID:    "corr-" + id,
		Status:           job.StatusScheduled,
		ScheduledID:      "handle-" + id,
		Deadline:         now,
		Recipient:        job.NewHTTPRecipient("https://example.com/"+id, json.RawMessage(`{"n":1}`)),
		Trigger:          tr,
		Priority:         3,
		ExecutionTimeout: 1500 * time.Millisecond,
		Created:          now,
		LastUpdate:       now,
	}
}

// repositoryContract runs the same behaviour checks against every adapter.
func repositoryContract(t *testing.T, newRepo func(t *testing.T) JobRepository) {
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		repo := newRepo(t)
		in := newDetails(t, "a")

		created, err := repo.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, in.CorrelationID, got.CorrelationID)
		assert.Equal(t, job.StatusScheduled, got.Status)
		assert.True(t, in.Deadline.Equal(got.Deadline))
		assert.True(t, in.Created.Equal(got.Created))
		assert.Equal(t, in.ExecutionTimeout, got.ExecutionTimeout)
		assert.Equal(t, in.Trigger.Remaining(), got.Trigger.Remaining())
		assert.Equal(t, in.Trigger.Interval, got.Trigger.Interval)
		require.NotNil(t, got.Recipient.HTTP)
		assert.Equal(t, in.Recipient.HTTP.URL, got.Recipient.HTTP.URL)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Create(ctx, newDetails(t, "dup"))
		require.NoError(t, err)

		_, err = repo.Create(ctx, newDetails(t, "dup"))
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := newRepo(t).Get(ctx, "nope")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("put checks version", func(t *testing.T) {
		repo := newRepo(t)
		v1, err := repo.Create(ctx, newDetails(t, "cas"))
		require.NoError(t, err)

		v2, err := repo.Put(ctx, job.Merge(v1, job.WithStatus(job.StatusRetry), job.IncrementRetries()))
		require.NoError(t, err)
		assert.Equal(t, int64(2), v2.Version)

		// A second writer still holding v1 loses.
		_, err = repo.Put(ctx, job.Merge(v1, job.WithStatus(job.StatusCanceled)))
		assert.True(t, errors.IsConflictError(err))

		got, err := repo.Get(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, job.StatusRetry, got.Status)
		assert.Equal(t, 1, got.Retries)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("put missing", func(t *testing.T) {
		d := newDetails(t, "ghost")
		d.Version = 1
		_, err := newRepo(t).Put(ctx, d)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("terminal write clears deadline", func(t *testing.T) {
		repo := newRepo(t)
		v1, err := repo.Create(ctx, newDetails(t, "term"))
		require.NoError(t, err)
		_, err = repo.Put(ctx, job.Merge(v1, job.WithStatus(job.StatusExecuted)))
		require.NoError(t, err)

		got, err := repo.Get(ctx, "term")
		require.NoError(t, err)
		assert.True(t, got.Deadline.IsZero())
		assert.False(t, got.Trigger.HasNextFireTime())
	})

	t.Run("find active pages by id", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 7; i++ {
			d := newDetails(t, fmt.Sprintf("job-%02d", i))
			if i == 3 {
				d.Status = job.StatusCanceled
			}
			_, err := repo.Create(ctx, d)
			require.NoError(t, err)
		}

		var seen []string
		after := ""
		for {
			page, err := repo.FindActive(ctx, after, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, d := range page {
				seen = append(seen, d.ID)
			}
			after = page[len(page)-1].ID
		}
		assert.Equal(t, []string{"job-00", "job-01", "job-02", "job-04", "job-05", "job-06"}, seen)
	})

	t.Run("list filters", func(t *testing.T) {
		repo := newRepo(t)
		for i, st := range []job.Status{job.StatusScheduled, job.StatusError, job.StatusError} {
			d := newDetails(t, fmt.Sprintf("l%d", i))
			d.Status = st
			d.LastUpdate = now.Add(time.Duration(i) * time.Minute)
			_, err := repo.Create(ctx, d)
			require.NoError(t, err)
		}

		errs, err := repo.List(ctx, Filter{Statuses: []job.Status{job.StatusError}})
		require.NoError(t, err)
		require.Len(t, errs, 2)
		assert.Equal(t, "l2", errs[0].ID, "most recently updated first")

		one, err := repo.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, one, 1)

		byCorr, err := repo.List(ctx, Filter{CorrelationID: "corr-l0"})
		require.NoError(t, err)
		require.Len(t, byCorr, 1)
		assert.Equal(t, "l0", byCorr[0].ID)
	})

	t.Run("purge keeps errors and recent jobs", func(t *testing.T) {
		repo := newRepo(t)
		mk := func(id string, st job.Status, age time.Duration) {
			d := newDetails(t, id)
			d.Status = st
			d.LastUpdate = now.Add(-age)
			_, err := repo.Create(ctx, d)
			require.NoError(t, err)
		}
		mk("old-executed", job.StatusExecuted, 48*time.Hour)
		mk("old-canceled", job.StatusCanceled, 48*time.Hour)
		mk("old-error", job.StatusError, 48*time.Hour)
		mk("new-executed", job.StatusExecuted, time.Minute)

		n, err := repo.PurgeBefore(ctx, []job.Status{job.StatusExecuted, job.StatusCanceled}, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = repo.Get(ctx, "old-error")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "new-executed")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "old-executed")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Create(ctx, newDetails(t, "rm"))
		require.NoError(t, err)
		require.NoError(t, repo.Remove(ctx, "rm"))
		require.NoError(t, repo.Remove(ctx, "rm"))
		_, err = repo.Get(ctx, "rm")
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestSQLiteRepository(t *testing.T) {
	repositoryContract(t, func(t *testing.T) JobRepository {
		return NewSQLiteRepository(jobtest.CreateTestDB(t))
	})
}

func TestMemoryRepository(t *testing.T) {
	repositoryContract(t, func(t *testing.T) JobRepository {
		return NewMemoryRepository()
	})
}
