package trigger

import (
	"math"
	"strings"
	"time"

	"github.com/teranos/jobsvc/errors"
)

// Unit is the temporal unit a caller expresses delays and intervals in.
type Unit string

const (
	Millis  Unit = "MILLIS"
	Seconds Unit = "SECONDS"
	Minutes Unit = "MINUTES"
	Hours   Unit = "HOURS"
	Days    Unit = "DAYS"
)

// DefaultUnit applies when a schedule omits its unit.
const DefaultUnit = Millis

// ParseUnit accepts unit names case-insensitively. Empty selects DefaultUnit.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToUpper(strings.TrimSpace(s))); u {
	case "":
		return DefaultUnit, nil
	case Millis, Seconds, Minutes, Hours, Days:
		return u, nil
	case "MILLISECONDS":
		return Millis, nil
	default:
		return "", errors.NewInvalidScheduleError("unknown temporal unit %q", s)
	}
}

// Size is the length of one unit.
func (u Unit) Size() time.Duration {
	switch u {
	case Seconds:
		return time.Second
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	case Days:
		return 24 * time.Hour
	default:
		return time.Millisecond
	}
}

// Duration converts an amount of this unit into a time.Duration. Amounts
// that do not fit are errors.ErrInvalidSchedule.
func (u Unit) Duration(amount int64) (time.Duration, error) {
	size := u.Size()
	if amount > math.MaxInt64/int64(size) || amount < math.MinInt64/int64(size) {
		return 0, errors.NewInvalidScheduleError("%d %s exceeds the longest supported duration", amount, u.name())
	}
	return time.Duration(amount) * size, nil
}

func (u Unit) name() string {
	if u == "" {
		return string(DefaultUnit)
	}
	return string(u)
}
