package domain

import (
	"errors"
	"fmt"
)

// State transitions:
//
//	pending → confirmed → checked_in → in_progress → completed
//	any non-terminal → cancelled | no_show
//	any non-terminal → pending (reschedule)
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusCheckedIn  Status = "checked_in"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

var ErrInvalidTransition = errors.New("invalid appointment status transition")

// ActiveStatuses occupy a time slot.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress}

var forward = map[Status]Status{
	StatusPending:    StatusConfirmed,
	StatusConfirmed:  StatusCheckedIn,
	StatusCheckedIn:  StatusInProgress,
	StatusInProgress: StatusCompleted,
}

func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	switch st {
	case StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return st, true
	}
	return "", false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusCancelled, StatusNoShow, StatusPending:
		return true
	}
	return forward[from] == to
}

// Transition moves the appointment to the given status or returns
// ErrInvalidTransition.
func (a *Appointment) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	return nil
}

// Reschedule moves a non-terminal appointment to iv and resets it to pending.
// Interval and status change together or not at all.
func (a *Appointment) Reschedule(iv Interval) error {
	if err := iv.Validate(); err != nil {
		return err
	}
	if !CanTransition(a.Status, StatusPending) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusPending)
	}
	a.StartTime = iv.Start
	a.EndTime = iv.End
	a.Status = StatusPending
	return nil
}
