// Package notify delivers appointment events to people and systems outside
// the scheduling core. Delivery is best effort: callers enqueue and move on.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBooked        EventType = "appointment.booked"
	EventRescheduled   EventType = "appointment.rescheduled"
	EventCancelled     EventType = "appointment.cancelled"
	EventStatusChanged EventType = "appointment.status_changed"
)

type Event struct {
	Type          EventType `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	TenantID      string    `json:"tenant_id"`
	SubjectID     string    `json:"subject_id"`
	ActorID       string    `json:"actor_id"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier accepts events for delivery. Implementations must not block on the
// actual delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

type SenderFunc func(ctx context.Context, ev Event) error

func (f SenderFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi sends to every sender and joins their errors.
type Multi []Sender

func (m Multi) Send(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) error { return nil }
