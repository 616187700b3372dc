package retry

import (
	"math"
	"time"
)

// Backoff computes the delay before retry attempt n (n >= 1). Implementations
// are monotonic non-decreasing in n.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same delay before every retry.
type Fixed struct {
	Wait time.Duration
}

func (f Fixed) Delay(attempt int) time.Duration {
	return f.Wait
}

// Exponential waits Base * Multiplier^(attempt-1), capped at Max.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 1 || e.Multiplier <= 1 {
		return e.clamp(e.Base)
	}
	f := float64(e.Base) * math.Pow(e.Multiplier, float64(attempt-1))
	// Beyond int64 the conversion is undefined; treat as overflow.
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= math.MaxInt64 {
		if e.Max > 0 {
			return e.Max
		}
		return time.Duration(math.MaxInt64)
	}
	return e.clamp(time.Duration(f))
}

func (e Exponential) clamp(d time.Duration) time.Duration {
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
