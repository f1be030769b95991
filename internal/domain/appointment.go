package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	TenantID   string    `bun:"tenant_id,notnull"`
	ResourceID *string   `bun:"resource_id"`
	SubjectID  string    `bun:"subject_id,notnull"`
	StartTime  time.Time `bun:"start_time,notnull"`
	EndTime    time.Time `bun:"end_time,notnull"`
	Status     Status    `bun:"status,notnull"`
	Reason     string    `bun:"reason,notnull"`
	Notes      string    `bun:"notes,notnull"`
	CreatedBy  string    `bun:"created_by,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Interval returns the half-open span the appointment occupies.
func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

// Scope returns the conflict scope the appointment was booked in.
func (a Appointment) Scope() Scope {
	return Scope{TenantID: a.TenantID, ResourceID: a.ResourceID}
}

// SameBooking reports whether b carries the same booking payload as a. Used to
// decide whether an idempotent replay matches the stored appointment.
func (a Appointment) SameBooking(b Appointment) bool {
	return a.TenantID == b.TenantID &&
		a.SubjectID == b.SubjectID &&
		a.CreatedBy == b.CreatedBy &&
		sameResource(a.ResourceID, b.ResourceID) &&
		a.StartTime.Equal(b.StartTime) &&
		a.EndTime.Equal(b.EndTime) &&
		a.Reason == b.Reason &&
		a.Notes == b.Notes
}

func sameResource(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type NoteKind string

const (
	NoteKindBooked       NoteKind = "booked"
	NoteKindRescheduled  NoteKind = "rescheduled"
	NoteKindCancelled    NoteKind = "cancelled"
	NoteKindStatusChange NoteKind = "status_change"
)

// AppointmentNote is an append-only audit entry attached to an appointment.
type AppointmentNote struct {
	bun.BaseModel `bun:"table:appointment_notes"`

	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	AppointmentID uuid.UUID `bun:"appointment_id,notnull,type:uuid"`
	ActorID       string    `bun:"actor_id,notnull"`
	Kind          NoteKind  `bun:"kind,notnull"`
	Body          string    `bun:"body,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

func (n *AppointmentNote) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if n.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		n.ID = id
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return nil
}
