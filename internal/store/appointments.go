package store

import (
	"context"

	"github.com/google/uuid"

	"clinicbook/backend/internal/domain"
)

// ConflictQuery selects active appointments inside Scope that overlap
// Interval, ignoring ExcludeID.
type ConflictQuery struct {
	Scope     domain.Scope
	Interval  domain.Interval
	ExcludeID *uuid.UUID
}

// LockSpec names what a transaction serializes on. Clinic-wide scopes take the
// tenant exclusively; resource scopes share the tenant and take the resource
// exclusively. A non-empty SubjectID also serializes same-day checks.
type LockSpec struct {
	Scope     domain.Scope
	SubjectID string
}

type ListFilter struct {
	TenantID   string
	ResourceID *string
	SubjectIDs []string
	Status     *domain.Status
	Window     *domain.Interval
	Limit      int
}

// SchedulingTx is the unit of work for conflict-check-then-write. Everything
// done through it commits together or not at all.
type SchedulingTx interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	FindConflicts(ctx context.Context, q ConflictQuery) ([]uuid.UUID, error)
	ListActiveForSubject(ctx context.Context, tenantID, subjectID string, window domain.Interval) ([]domain.Appointment, error)
	InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	AppendNote(ctx context.Context, note domain.AppointmentNote) error
}

type AppointmentRepository interface {
	InScope(ctx context.Context, lock LockSpec, fn func(ctx context.Context, tx SchedulingTx) error) error

	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	List(ctx context.Context, f ListFilter) ([]domain.Appointment, error)
	ListNotes(ctx context.Context, appointmentID uuid.UUID) ([]domain.AppointmentNote, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type SubjectRegistry interface {
	GetSubject(ctx context.Context, subjectID string) (domain.Subject, error)
	ListSubjectsByOwner(ctx context.Context, tenantID, ownerID string) ([]domain.Subject, error)
}

type MemberDirectory interface {
	Authorize(ctx context.Context, requesterID, tenantID string) (domain.Access, error)
}

type ServiceCatalog interface {
	GetServiceType(ctx context.Context, tenantID, serviceID string) (domain.ServiceType, error)
}
