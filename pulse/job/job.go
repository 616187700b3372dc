// Package job holds the job model shared by the scheduler, its stores and
// the management API.
//
// Job is what a caller submits and never changes. Details is the record the
// scheduler owns; it is treated as a value and every transition builds a new
// one with Merge.
package job

import (
	"strings"
	"time"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/pulse/trigger"
)

// Job is the immutable description supplied by a caller.
type Job struct {
	ID                   string           `json:"id,omitempty"`
	CorrelationID        string           `json:"correlationId,omitempty"`
	Schedule             trigger.Schedule `json:"schedule"`
	Recipient            Recipient        `json:"recipient"`
	Priority             int              `json:"priority,omitempty"`
	ExecutionTimeout     int64            `json:"executionTimeout,omitempty"`
	ExecutionTimeoutUnit string           `json:"executionTimeoutUnit,omitempty"`
}

// Timeout converts the declared execution timeout. Zero means the dispatcher
// default applies.
func (j Job) Timeout() (time.Duration, error) {
	if j.ExecutionTimeout < 0 {
		return 0, errors.NewInvalidRequestError("execution timeout must not be negative, got %d", j.ExecutionTimeout)
	}
	unit, err := trigger.ParseUnit(j.ExecutionTimeoutUnit)
	if err != nil {
		return 0, errors.NewInvalidRequestError("execution timeout: %s", err.Error())
	}
	timeout, err := unit.Duration(j.ExecutionTimeout)
	if err != nil {
		return 0, errors.NewInvalidRequestError("execution timeout: %s", err.Error())
	}
	return timeout, nil
}

// Validate checks everything about a job that does not need a clock.
func (j Job) Validate() error {
	if strings.ContainsAny(j.ID, "/ ") {
		return errors.NewInvalidRequestError("job id %q must not contain '/' or spaces", j.ID)
	}
	if _, err := j.Timeout(); err != nil {
		return err
	}
	return j.Recipient.Validate()
}

// Details is the scheduler-owned record of a job.
type Details struct {
	ID               string          `json:"id"`
	CorrelationID    string          `json:"correlationId"`
	Status           Status          `json:"status"`
	Retries          int             `json:"retries"`
	ExecutionCounter int             `json:"executionCounter"`
	ScheduledID      string          `json:"scheduledId,omitempty"`
	Deadline         time.Time       `json:"deadline,omitempty"`
	Recipient        Recipient       `json:"recipient"`
	Trigger          trigger.Trigger `json:"trigger"`
	Priority         int             `json:"priority"`
	ExecutionTimeout time.Duration   `json:"executionTimeout,omitempty"`
	ExceptionMessage string          `json:"exceptionMessage,omitempty"`
	ExceptionDetails string          `json:"exceptionDetails,omitempty"`
	Created          time.Time       `json:"created"`
	LastUpdate       time.Time       `json:"lastUpdate"`
	Version          int64           `json:"version"`
}

// IsActive reports whether the job still owns a timer.
func (d Details) IsActive() bool {
	return d.Status.IsActive()
}

// Update modifies a copy of Details inside Merge.
type Update func(*Details)

// Merge builds a new Details from prev with the updates applied in order.
// prev is never modified. Terminal statuses always carry a cleared trigger
// and no armed deadline.
func Merge(prev Details, updates ...Update) Details {
	next := prev
	for _, u := range updates {
		u(&next)
	}
	if next.Status.IsTerminal() {
		next.Trigger = next.Trigger.Cleared()
		next.ScheduledID = ""
		next.Deadline = time.Time{}
	}
	return next
}

func WithStatus(s Status) Update {
	return func(d *Details) { d.Status = s }
}

func WithTrigger(t trigger.Trigger) Update {
	return func(d *Details) { d.Trigger = t }
}

// WithArmed records a fresh timer handle and the instant it fires.
func WithArmed(scheduledID string, deadline time.Time) Update {
	return func(d *Details) {
		d.ScheduledID = scheduledID
		d.Deadline = deadline.UTC()
	}
}

func WithRetries(n int) Update {
	return func(d *Details) { d.Retries = n }
}

// IncrementRetries adds one failed attempt.
func IncrementRetries() Update {
	return func(d *Details) { d.Retries++ }
}

// IncrementExecutions adds one successful firing.
func IncrementExecutions() Update {
	return func(d *Details) { d.ExecutionCounter++ }
}

// WithException records the last dispatch failure.
func WithException(message, details string) Update {
	return func(d *Details) {
		d.ExceptionMessage = message
		d.ExceptionDetails = details
	}
}

// ClearException drops the last failure after a successful firing.
func ClearException() Update {
	return WithException("", "")
}

func WithLastUpdate(t time.Time) Update {
	return func(d *Details) { d.LastUpdate = t.UTC() }
}

// Patch is a reschedule request. Nil fields keep their current value.
type Patch struct {
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	RepeatInterval *int64     `json:"repeatInterval,omitempty"`
	RepeatUnit     string     `json:"repeatUnit,omitempty"`
	RepeatCount    *int       `json:"repeatCount,omitempty"`
	Retries        *int       `json:"retries,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.ExpirationTime == nil && p.RepeatInterval == nil && p.RepeatUnit == "" &&
		p.RepeatCount == nil && p.Retries == nil
}

// Validate rejects patch values that can never apply.
func (p Patch) Validate() error {
	if p.Retries != nil && *p.Retries < 0 {
		return errors.NewInvalidRequestError("retries must not be negative, got %d", *p.Retries)
	}
	if p.RepeatInterval != nil && *p.RepeatInterval < 0 {
		return errors.NewInvalidScheduleError("repeat interval must not be negative, got %d", *p.RepeatInterval)
	}
	if p.RepeatCount != nil && *p.RepeatCount < trigger.RepeatForever {
		return errors.NewInvalidScheduleError("repeat count must be >= -1, got %d", *p.RepeatCount)
	}
	if _, err := trigger.ParseUnit(p.RepeatUnit); err != nil {
		return err
	}
	if p.RepeatUnit != "" && p.RepeatInterval == nil {
		return errors.NewInvalidScheduleError("repeatUnit %q needs a repeatInterval", p.RepeatUnit)
	}
	return nil
}

// Apply computes the rescheduled trigger for d. The remaining repeat budget
// carries over unless RepeatCount is given; the interval carries over unless
// RepeatInterval is given; the start defaults to the current deadline.
func (p Patch) Apply(d Details, now time.Time) (trigger.Trigger, error) {
	if err := p.Validate(); err != nil {
		return trigger.Trigger{}, err
	}

	start := d.Deadline
	if next, ok := d.Trigger.NextFireTime(); ok && start.IsZero() {
		start = next
	}
	if p.ExpirationTime != nil {
		start = *p.ExpirationTime
	}
	if start.IsZero() {
		start = now
	}

	interval := d.Trigger.Interval
	if p.RepeatInterval != nil {
		unit, _ := trigger.ParseUnit(p.RepeatUnit)
		var err error
		if interval, err = unit.Duration(*p.RepeatInterval); err != nil {
			return trigger.Trigger{}, err
		}
	}

	repeat := d.Trigger.RemainingRepeats()
	if p.RepeatCount != nil {
		repeat = *p.RepeatCount
	}

	return d.Trigger.Reschedule(start, interval, repeat)
}
