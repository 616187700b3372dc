// Package trigger computes when a job fires.
//
// A Trigger is a value: NextFireTime is a pure function of its fields and
// Advance returns a new Trigger with one firing consumed. The scheduler owns
// persistence; nothing here reads a clock.
package trigger

import (
	"time"

	"github.com/teranos/jobsvc/errors"
)

// RepeatForever as RepeatCount keeps a repeating trigger firing indefinitely.
const RepeatForever = -1

// Schedule is the caller-facing description of when a job fires.
type Schedule struct {
	StartTime      time.Time `json:"startTime"`
	Delay          int64     `json:"delay,omitempty"`
	DelayUnit      string    `json:"delayUnit,omitempty"`
	RepeatInterval int64     `json:"repeatInterval,omitempty"`
	RepeatUnit     string    `json:"repeatUnit,omitempty"`
	RepeatCount    int       `json:"repeatCount,omitempty"` // 0 = one-shot, -1 = forever
}

// Trigger holds the state needed to compute fire times.
type Trigger struct {
	StartTime   time.Time     `json:"startTime"`
	Interval    time.Duration `json:"interval"`
	RepeatCount int           `json:"repeatCount"`
	Fired       int           `json:"fired"`
	Exhausted   bool          `json:"exhausted,omitempty"`
}

// New validates a schedule and returns its initial trigger.
// A zero StartTime means now.
func New(s Schedule, now time.Time) (Trigger, error) {
	if s.Delay < 0 {
		return Trigger{}, errors.NewInvalidScheduleError("delay must not be negative, got %d", s.Delay)
	}
	if s.RepeatCount < RepeatForever {
		return Trigger{}, errors.NewInvalidScheduleError("repeat count must be >= -1, got %d", s.RepeatCount)
	}

	delayUnit, err := ParseUnit(s.DelayUnit)
	if err != nil {
		return Trigger{}, err
	}
	repeatUnit, err := ParseUnit(s.RepeatUnit)
	if err != nil {
		return Trigger{}, err
	}

	start := s.StartTime
	if start.IsZero() {
		start = now
	}
	delay, err := delayUnit.Duration(s.Delay)
	if err != nil {
		return Trigger{}, errors.Wrap(err, "delay")
	}
	start = start.Add(delay).UTC()

	interval, err := repeatUnit.Duration(s.RepeatInterval)
	if err != nil {
		return Trigger{}, errors.Wrap(err, "repeat interval")
	}
	if s.RepeatCount != 0 && interval <= 0 {
		return Trigger{}, errors.NewInvalidScheduleError("repeat interval must be positive for repeating jobs, got %s", interval)
	}
	if s.RepeatCount == 0 && s.RepeatInterval < 0 {
		return Trigger{}, errors.NewInvalidScheduleError("repeat interval must not be negative, got %d", s.RepeatInterval)
	}
	if s.RepeatCount == 0 {
		interval = 0
	}

	return Trigger{
		StartTime:   start,
		Interval:    interval,
		RepeatCount: s.RepeatCount,
	}, nil
}

// IsRepeating reports whether the trigger fires more than once.
func (t Trigger) IsRepeating() bool {
	return t.RepeatCount != 0
}

// NextFireTime returns the next instant this trigger fires, or false once the
// trigger is exhausted.
func (t Trigger) NextFireTime() (time.Time, bool) {
	if !t.HasNextFireTime() {
		return time.Time{}, false
	}
	return t.StartTime.Add(time.Duration(t.Fired) * t.Interval), true
}

// HasNextFireTime is false after the one-shot firing, after 1+RepeatCount
// repeating firings, or once the trigger has been cleared.
func (t Trigger) HasNextFireTime() bool {
	if t.Exhausted {
		return false
	}
	if t.RepeatCount == RepeatForever {
		return true
	}
	return t.Fired <= t.RepeatCount
}

// Advance consumes one firing.
func (t Trigger) Advance() Trigger {
	next := t
	next.Fired++
	return next
}

// Remaining returns how many firings are left, or -1 when unbounded.
func (t Trigger) Remaining() int {
	if t.Exhausted {
		return 0
	}
	if t.RepeatCount == RepeatForever {
		return RepeatForever
	}
	if r := t.RepeatCount + 1 - t.Fired; r > 0 {
		return r
	}
	return 0
}

// Cleared returns a trigger with no further fire times. Terminal jobs carry
// cleared triggers.
func (t Trigger) Cleared() Trigger {
	next := t
	next.Exhausted = true
	return next
}

// Reschedule returns a fresh trigger for a new schedule. Nothing but the
// arguments carries over; callers that want to keep the remaining repeat
// budget pass RemainingRepeats as repeatCount.
func (t Trigger) Reschedule(start time.Time, interval time.Duration, repeatCount int) (Trigger, error) {
	if start.IsZero() {
		return Trigger{}, errors.NewInvalidScheduleError("reschedule requires a start time")
	}
	if repeatCount < RepeatForever {
		return Trigger{}, errors.NewInvalidScheduleError("repeat count must be >= -1, got %d", repeatCount)
	}
	if repeatCount != 0 && interval <= 0 {
		return Trigger{}, errors.NewInvalidScheduleError("repeat interval must be positive for repeating jobs, got %s", interval)
	}
	if repeatCount == 0 {
		interval = 0
	}
	return Trigger{
		StartTime:   start.UTC(),
		Interval:    interval,
		RepeatCount: repeatCount,
	}, nil
}

// RemainingRepeats is the repeat count a rescheduled trigger needs to fire as
// many more times as this one would have.
func (t Trigger) RemainingRepeats() int {
	r := t.Remaining()
	if r == RepeatForever {
		return RepeatForever
	}
	if r <= 1 {
		return 0
	}
	return r - 1
}
