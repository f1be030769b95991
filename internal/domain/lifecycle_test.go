package domain

import (
	"errors"
	"testing"
	"time"
)

var allStatuses = []Status{
	StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusNoShow,
}

func TestCanTransition_ForwardPath(t *testing.T) {
	path := []Status{StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			t.Fatalf("%s -> %s should be allowed", path[i-1], path[i])
		}
	}
	if CanTransition(StatusPending, StatusInProgress) {
		t.Fatalf("skipping forward states should not be allowed")
	}
	if CanTransition(StatusInProgress, StatusConfirmed) {
		t.Fatalf("backwards transitions other than reschedule should not be allowed")
	}
}

func TestCanTransition_TerminalImmutability(t *testing.T) {
	for _, from := range allStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				t.Fatalf("%s -> %s must be rejected", from, to)
			}
		}
	}
}

func TestCanTransition_TerminalReachableFromActive(t *testing.T) {
	for _, from := range ActiveStatuses {
		for _, to := range []Status{StatusCancelled, StatusNoShow, StatusPending} {
			if !CanTransition(from, to) {
				t.Fatalf("%s -> %s should be allowed", from, to)
			}
		}
	}
}

func TestAppointmentReschedule(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	a := Appointment{Status: StatusConfirmed, StartTime: start, EndTime: start.Add(30 * time.Minute)}

	next := Interval{Start: start.Add(time.Hour), End: start.Add(90 * time.Minute)}
	if err := a.Reschedule(next); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if a.Status != StatusPending || !a.StartTime.Equal(next.Start) || !a.EndTime.Equal(next.End) {
		t.Fatalf("unexpected appointment after reschedule: %+v", a)
	}

	done := Appointment{Status: StatusCancelled, StartTime: start, EndTime: start.Add(30 * time.Minute)}
	err := done.Reschedule(next)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidTransition)
	}
	if !done.StartTime.Equal(start) || done.Status != StatusCancelled {
		t.Fatalf("rejected reschedule must not mutate the appointment: %+v", done)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range allStatuses {
		got, ok := ParseStatus(string(s))
		if !ok || got != s {
			t.Fatalf("ParseStatus(%q) = %q, %v", s, got, ok)
		}
	}
	if _, ok := ParseStatus("scheduled"); ok {
		t.Fatalf("unknown status accepted")
	}
}
