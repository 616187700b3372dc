package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/pulse/job"
)

const eventTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultHistoryLimit applies when ListByJob is called without a limit.
const DefaultHistoryLimit = 100

// LogStore keeps lifecycle history in the job_events table.
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a log over a migrated database.
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// Deliver makes LogStore an emitter sink.
func (s *LogStore) Deliver(ctx context.Context, ev Lifecycle) error {
	return s.Append(ctx, ev)
}

// Append records one event.
func (s *LogStore) Append(ctx context.Context, ev Lifecycle) error {
	var resp interface{}
	if ev.Response != nil {
		b, err := json.Marshal(ev.Response)
		if err != nil {
			return errors.Wrapf(err, "encode response for job %s", ev.JobID)
		}
		resp = string(b)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO job_events
		(job_id, correlation_id, status, retries, execution_counter, job_version,
		 replica_id, exception_message, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.CorrelationID, string(ev.Status), ev.Retries, ev.ExecutionCounter, ev.Version,
		ev.ReplicaID, ev.ExceptionMessage, resp, ts.UTC().Format(eventTimeFormat))
	if err != nil {
		return errors.Wrapf(err, "append event for job %s", ev.JobID)
	}
	return nil
}

// ListByJob returns a job's events oldest first.
func (s *LogStore) ListByJob(ctx context.Context, jobID string, limit int) ([]Lifecycle, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, correlation_id, status, retries, execution_counter,
			job_version, replica_id, exception_message, response, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY seq
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list events for job %s", jobID)
	}
	defer rows.Close()

	var out []Lifecycle
	for rows.Next() {
		var ev Lifecycle
		var status, createdAt string
		var resp sql.NullString
		if err := rows.Scan(&ev.JobID, &ev.CorrelationID, &status, &ev.Retries, &ev.ExecutionCounter,
			&ev.Version, &ev.ReplicaID, &ev.ExceptionMessage, &resp, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan job event")
		}
		ev.Status = job.Status(status)
		if ev.Timestamp, err = time.Parse(eventTimeFormat, createdAt); err != nil {
			return nil, errors.Wrapf(err, "parse created_at of event for job %s", jobID)
		}
		if resp.Valid {
			ev.Response = &Response{}
			if err := json.Unmarshal([]byte(resp.String), ev.Response); err != nil {
				return nil, errors.Wrapf(err, "decode response of event for job %s", jobID)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeJob drops the history of a removed job.
func (s *LogStore) PurgeJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ?`, jobID); err != nil {
		return errors.Wrapf(err, "purge events for job %s", jobID)
	}
	return nil
}
