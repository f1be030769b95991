package appointments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"clinicbook/backend/internal/authz"
	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, validationError(CodeInvalidInput, "invalid appointment id")
	}
	return id, nil
}

// Get returns one appointment to its subject's owner or to tenant staff.
func (s *Service) Get(ctx context.Context, requesterID, appointmentID string) (appt domain.Appointment, err error) {
	ctx, wf := s.start(ctx, "get", attribute.String("appointment_id", appointmentID))
	defer func() { wf.end(err, "appointment_id", appointmentID, "requester_id", requesterID) }()

	if requesterID == "" {
		return domain.Appointment{}, validationError(CodeInvalidInput, "requester is required")
	}
	appt, err = s.loadAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if _, err := s.authorizeAppointment(ctx, requesterID, appt, authz.ActionView); err != nil {
		return domain.Appointment{}, err
	}
	return appt, nil
}

// History returns the audit notes of an appointment, oldest first.
func (s *Service) History(ctx context.Context, requesterID, appointmentID string) (notes []domain.AppointmentNote, err error) {
	appt, err := s.Get(ctx, requesterID, appointmentID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	notes, err = s.repo.ListNotes(callCtx, appt.ID)
	if err != nil {
		return nil, translate(err)
	}
	return notes, nil
}

type ListInput struct {
	RequesterID string
	TenantID    string
	Status      *domain.Status
	// Date selects one calendar day in the configured booking timezone.
	Date       *time.Time
	ResourceID *string
	SubjectID  string
	Limit      int
}

// List returns the tenant's appointments to staff and the requester's own
// subjects' appointments to everyone else.
func (s *Service) List(ctx context.Context, in ListInput) (out []domain.Appointment, err error) {
	ctx, wf := s.start(ctx, "list", attribute.String("tenant_id", in.TenantID))
	defer func() { wf.end(err, "tenant_id", in.TenantID, "requester_id", in.RequesterID) }()

	if in.RequesterID == "" {
		return nil, validationError(CodeInvalidInput, "requester is required")
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, validationError(CodeInvalidInput, "tenant is required")
	}

	f := store.ListFilter{
		TenantID:   in.TenantID,
		ResourceID: in.ResourceID,
		Status:     in.Status,
		Limit:      in.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if in.Date != nil {
		day := domain.DayBounds(*in.Date, s.cfg.Location)
		f.Window = &day
	}

	callCtx, cancel := s.bounded(ctx)
	defer cancel()

	acc, err := s.members.Authorize(callCtx, in.RequesterID, in.TenantID)
	if err != nil {
		return nil, translate(err)
	}
	staff := acc.IsStaff && s.allowed(acc, authz.ActionListTenant) == nil

	switch {
	case staff && in.SubjectID != "":
		f.SubjectIDs = []string{in.SubjectID}
	case staff:
	default:
		owned, err := s.subjects.ListSubjectsByOwner(callCtx, in.TenantID, in.RequesterID)
		if err != nil {
			return nil, translate(err)
		}
		ids := make([]string, 0, len(owned))
		for _, sub := range owned {
			if in.SubjectID == "" || sub.ID == in.SubjectID {
				ids = append(ids, sub.ID)
			}
		}
		if in.SubjectID != "" && len(ids) == 0 {
			return nil, forbidden()
		}
		if len(ids) == 0 {
			return []domain.Appointment{}, nil
		}
		f.SubjectIDs = ids
	}

	out, err = s.repo.List(callCtx, f)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// Delete removes an appointment and its history. Admins only; normal
// workflows keep terminal appointments.
func (s *Service) Delete(ctx context.Context, requesterID, appointmentID string) (err error) {
	ctx, wf := s.start(ctx, "delete", attribute.String("appointment_id", appointmentID))
	defer func() { wf.end(err, "appointment_id", appointmentID, "requester_id", requesterID) }()

	if requesterID == "" {
		return validationError(CodeInvalidInput, "requester is required")
	}
	appt, err := s.loadAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}

	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	acc, err := s.members.Authorize(callCtx, requesterID, appt.TenantID)
	if err != nil {
		return translate(err)
	}
	if !acc.IsStaff {
		return forbidden()
	}
	if err := s.allowed(acc, authz.ActionDelete); err != nil {
		return err
	}
	if s.policy == nil && acc.Role != domain.RoleAdmin {
		return forbidden()
	}

	if err := s.repo.Delete(callCtx, appt.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return appointmentNotFound()
		}
		return translate(err)
	}
	s.logger.Warn("appointment deleted", "appointment_id", appt.ID.String(), "actor_id", requesterID)
	return nil
}
