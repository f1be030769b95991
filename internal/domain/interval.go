package domain

import (
	"errors"
	"time"
)

var ErrEmptyInterval = errors.New("end_time must be after start_time")

// Interval is a half-open time span [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start, end time.Time) (Interval, error) {
	iv := Interval{Start: start.UTC(), End: end.UTC()}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

func (iv Interval) Validate() error {
	if !iv.Start.Before(iv.End) {
		return ErrEmptyInterval
	}
	return nil
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether a and b share any instant. Back-to-back intervals
// (a.End == b.Start) do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Scope is the set of appointments a booking competes with. A nil ResourceID
// means the whole tenant.
type Scope struct {
	TenantID   string
	ResourceID *string
}

func (s Scope) ClinicWide() bool {
	return s.ResourceID == nil
}

// Covers reports whether an appointment booked in other falls inside the
// conflict scope s.
func (s Scope) Covers(other Scope) bool {
	if s.TenantID != other.TenantID {
		return false
	}
	if s.ResourceID == nil {
		return true
	}
	return other.ResourceID != nil && *other.ResourceID == *s.ResourceID
}

// DayBounds returns the calendar day in loc that contains t, as a UTC interval.
func DayBounds(t time.Time, loc *time.Location) Interval {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return Interval{Start: start.UTC(), End: end.UTC()}
}
