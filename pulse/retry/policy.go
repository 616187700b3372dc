// Package retry decides what happens to a job after a dispatch attempt.
package retry

import (
	"strings"
	"time"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/pulse/job"
)

// Kind is the outcome of a dispatch attempt.
type Kind int

const (
	Succeed Kind = iota
	Retry
	Fail
)

func (k Kind) String() string {
	switch k {
	case Succeed:
		return "succeed"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is what the scheduler does next. Delay is set only for Retry.
type Decision struct {
	Kind  Kind
	Delay time.Duration
}

// Defaults match the [retry] defaults in am.
const (
	DefaultMaxRetries = 20
	DefaultBaseDelay  = time.Second
	DefaultMultiplier = 1.5
	DefaultMaxDelay   = 30 * time.Second
)

// Policy bounds retries of failed dispatches.
type Policy struct {
	MaxRetries int
	Backoff    Backoff
	// ResetOnSuccess zeroes retries after a successful firing of a
	// repeating job, giving every occurrence a full retry budget.
	ResetOnSuccess bool
}

// DefaultPolicy is 20 retries with exponential backoff from 1s by 1.5x up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		Backoff:    Exponential{Base: DefaultBaseDelay, Multiplier: DefaultMultiplier, Max: DefaultMaxDelay},
	}
}

// Decide maps a dispatch outcome to the next transition. A failure is
// retried while d.Retries < MaxRetries; the delay is the backoff for the
// attempt about to be made.
func (p Policy) Decide(d job.Details, dispatchErr error) Decision {
	if dispatchErr == nil {
		return Decision{Kind: Succeed}
	}
	if d.Retries >= p.MaxRetries {
		return Decision{Kind: Fail}
	}
	var delay time.Duration
	if p.Backoff != nil {
		delay = p.Backoff.Delay(d.Retries + 1)
	}
	return Decision{Kind: Retry, Delay: delay}
}

// FromConfig builds a policy from the [retry] config section.
func FromConfig(cfg am.RetryConfig) (Policy, error) {
	if cfg.MaxRetries < 0 {
		return Policy{}, errors.NewInvalidRequestError("retry.max_retries must not be negative, got %d", cfg.MaxRetries)
	}

	base, err := orDefault("retry.base_delay", cfg.BaseDelay, DefaultBaseDelay)
	if err != nil {
		return Policy{}, err
	}
	maxDelay, err := orDefault("retry.max_delay", cfg.MaxDelay, DefaultMaxDelay)
	if err != nil {
		return Policy{}, err
	}

	p := Policy{MaxRetries: cfg.MaxRetries, ResetOnSuccess: cfg.ResetOnSuccess}
	switch strings.ToLower(cfg.Backoff) {
	case "", "exponential":
		mult := cfg.Multiplier
		if mult == 0 {
			mult = DefaultMultiplier
		}
		if mult < 1 {
			return Policy{}, errors.NewInvalidRequestError("retry.multiplier must be >= 1, got %g", mult)
		}
		p.Backoff = Exponential{Base: base, Multiplier: mult, Max: maxDelay}
	case "fixed":
		p.Backoff = Fixed{Wait: base}
	default:
		return Policy{}, errors.NewInvalidRequestError("unknown retry.backoff %q (want exponential or fixed)", cfg.Backoff)
	}
	return p, nil
}

func orDefault(key string, d, fallback time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, errors.NewInvalidRequestError("%s must not be negative, got %s", key, d)
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}
