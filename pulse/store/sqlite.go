package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/jobsvc/db"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/pulse/job"
	"github.com/teranos/jobsvc/pulse/trigger"
)

// timeFormat is fixed width so stored timestamps order lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

const jobColumns = `id, correlation_id, status, retries, execution_counter, scheduled_id,
	deadline, recipient, trigger_state, priority, execution_timeout_ms,
	exception_message, exception_details, created_at, updated_at, version`

// SQLiteRepository stores jobs in the jobs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get retrieves a job by ID.
func (s *SQLiteRepository) Get(ctx context.Context, id string) (job.Details, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	d, err := scanDetails(row)
	if err == sql.ErrNoRows {
		return job.Details{}, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return job.Details{}, errors.Wrapf(err, "failed to get job %s", id)
	}
	return d, nil
}

// Create inserts a new job at version 1.
func (s *SQLiteRepository) Create(ctx context.Context, d job.Details) (job.Details, error) {
	d.Version = 1
	args, err := detailsArgs(d)
	if err != nil {
		return job.Details{}, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return job.Details{}, errors.NewConflictError("job %s already exists", d.ID)
		}
		return job.Details{}, errors.Wrapf(err, "failed to create job %s", d.ID)
	}
	return d, nil
}

// Put replaces the job when the stored version still equals d.Version.
func (s *SQLiteRepository) Put(ctx context.Context, d job.Details) (job.Details, error) {
	expected := d.Version
	d.Version = expected + 1
	args, err := detailsArgs(d)
	if err != nil {
		return job.Details{}, err
	}
	// detailsArgs leads with id; the UPDATE needs it in the WHERE clause.
	args = append(args[1:], d.ID, expected)

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			correlation_id = ?, status = ?, retries = ?, execution_counter = ?, scheduled_id = ?,
			deadline = ?, recipient = ?, trigger_state = ?, priority = ?, execution_timeout_ms = ?,
			exception_message = ?, exception_details = ?, created_at = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return job.Details{}, errors.Wrapf(err, "failed to update job %s", d.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.Details{}, errors.Wrapf(err, "failed to update job %s", d.ID)
	}
	if n == 0 {
		return job.Details{}, s.missOrConflict(ctx, d.ID, expected)
	}
	return d, nil
}

func (s *SQLiteRepository) missOrConflict(ctx context.Context, id string, expected int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read version of job %s", id)
	}
	return errors.NewConflictError("job %s is at version %d, expected %d", id, current, expected)
}

// Remove deletes a job.
func (s *SQLiteRepository) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to remove job %s", id)
	}
	return nil
}

// FindActive pages through SCHEDULED and RETRY jobs by id.
func (s *SQLiteRepository) FindActive(ctx context.Context, afterID string, limit int) ([]job.Details, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND id > ?
		ORDER BY id
		LIMIT ?`, job.StatusScheduled, job.StatusRetry, afterID, limit)
}

// List returns jobs matching the filter, most recently updated first.
func (s *SQLiteRepository) List(ctx context.Context, f Filter) ([]job.Details, error) {
	var where []string
	var args []interface{}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id LIMIT ?"
	args = append(args, f.limit())

	return s.query(ctx, query, args...)
}

// PurgeBefore removes old jobs in the given statuses.
func (s *SQLiteRepository) PurgeBefore(ctx context.Context, statuses []job.Status, cutoff time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, formatTime(cutoff))

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs
		WHERE status IN (`+placeholders(len(statuses))+`) AND updated_at < ?`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge jobs")
	}
	return res.RowsAffected()
}

func (s *SQLiteRepository) query(ctx context.Context, query string, args ...interface{}) ([]job.Details, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var out []job.Details
	for rows.Next() {
		d, err := scanDetails(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func detailsArgs(d job.Details) ([]interface{}, error) {
	recipient, err := json.Marshal(d.Recipient)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode recipient of job %s", d.ID)
	}
	trig, err := json.Marshal(d.Trigger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode trigger of job %s", d.ID)
	}

	var deadline interface{}
	if !d.Deadline.IsZero() {
		deadline = formatTime(d.Deadline)
	}

	return []interface{}{
		d.ID,
		d.CorrelationID,
		string(d.Status),
		d.Retries,
		d.ExecutionCounter,
		d.ScheduledID,
		deadline,
		string(recipient),
		string(trig),
		d.Priority,
		d.ExecutionTimeout.Milliseconds(),
		d.ExceptionMessage,
		d.ExceptionDetails,
		formatTime(d.Created),
		formatTime(d.LastUpdate),
		d.Version,
	}, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDetails(row scanner) (job.Details, error) {
	var d job.Details
	var status, recipient, trig, createdAt, updatedAt string
	var deadline sql.NullString
	var timeoutMS int64

	err := row.Scan(
		&d.ID,
		&d.CorrelationID,
		&status,
		&d.Retries,
		&d.ExecutionCounter,
		&d.ScheduledID,
		&deadline,
		&recipient,
		&trig,
		&d.Priority,
		&timeoutMS,
		&d.ExceptionMessage,
		&d.ExceptionDetails,
		&createdAt,
		&updatedAt,
		&d.Version,
	)
	if err != nil {
		return job.Details{}, err
	}

	d.Status = job.Status(status)
	d.ExecutionTimeout = time.Duration(timeoutMS) * time.Millisecond

	if err := json.Unmarshal([]byte(recipient), &d.Recipient); err != nil {
		return job.Details{}, errors.Wrapf(err, "failed to decode recipient of job %s", d.ID)
	}
	var t trigger.Trigger
	if err := json.Unmarshal([]byte(trig), &t); err != nil {
		return job.Details{}, errors.Wrapf(err, "failed to decode trigger of job %s", d.ID)
	}
	d.Trigger = t

	if deadline.Valid {
		if d.Deadline, err = parseTime(deadline.String); err != nil {
			return job.Details{}, errors.Wrapf(err, "failed to parse deadline of job %s", d.ID)
		}
	}
	if d.Created, err = parseTime(createdAt); err != nil {
		return job.Details{}, errors.Wrapf(err, "failed to parse created_at of job %s", d.ID)
	}
	if d.LastUpdate, err = parseTime(updatedAt); err != nil {
		return job.Details{}, errors.Wrapf(err, "failed to parse updated_at of job %s", d.ID)
	}
	return d, nil
}
