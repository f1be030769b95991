package appointments

import (
	"context"
	"errors"
	"fmt"

	"clinicbook/backend/internal/store"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

type Code string

const (
	CodeInvalidInput        Code = "invalid_input"
	CodeInvalidInterval     Code = "invalid_interval"
	CodeTooSoon             Code = "too_soon"
	CodeInPast              Code = "in_past"
	CodeSubjectNotFound     Code = "subject_not_found"
	CodeAppointmentNotFound Code = "appointment_not_found"
	CodeForbidden           Code = "forbidden"
	CodeSlotTaken           Code = "slot_taken"
	CodeSameDayConflict     Code = "same_day_conflict"
	CodeAlreadyTerminal     Code = "already_terminal"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeUnavailable         Code = "unavailable"
	CodeInternal            Code = "internal"
)

// Error is the only error type the service returns. Message is safe to show
// to the caller; Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func validationError(code Code, msg string) error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func forbidden() error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: "You are not allowed to manage appointments for this patient."}
}

func subjectNotFound() error {
	return &Error{Kind: KindNotFound, Code: CodeSubjectNotFound, Message: "Patient not found."}
}

func appointmentNotFound() error {
	return &Error{Kind: KindNotFound, Code: CodeAppointmentNotFound, Message: "Appointment not found."}
}

func slotTaken() error {
	return &Error{Kind: KindConflict, Code: CodeSlotTaken, Message: "That time slot is no longer available. Pick a different slot."}
}

func sameDayConflict() error {
	return &Error{Kind: KindConflict, Code: CodeSameDayConflict, Message: "This patient already has an appointment on that day."}
}

func alreadyTerminal(status string) error {
	return &Error{Kind: KindConflict, Code: CodeAlreadyTerminal, Message: "Appointment is already " + status + "."}
}

func invalidTransition(err error) error {
	return &Error{Kind: KindConflict, Code: CodeInvalidTransition, Message: "Appointment can no longer be changed that way.", Err: err}
}

// translate maps store and context failures onto the service taxonomy.
// Errors that are already *Error pass through untouched.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrConflict):
		return &Error{Kind: KindConflict, Code: CodeSlotTaken, Message: "That time slot is no longer available. Pick a different slot.", Err: err}
	case errors.Is(err, store.ErrIdempotencyConflict):
		return &Error{Kind: KindConflict, Code: CodeIdempotencyConflict, Message: "Idempotency key was already used with a different request.", Err: err}
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return &Error{Kind: KindUnavailable, Code: CodeUnavailable, Message: "Scheduling is temporarily unavailable. Try again.", Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Code: CodeAppointmentNotFound, Message: "Appointment not found.", Err: err}
	default:
		return &Error{Kind: KindInternal, Code: CodeInternal, Message: "Something went wrong.", Err: err}
	}
}
