package appointments

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"clinicbook/backend/internal/authz"
	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/notify"
	"clinicbook/backend/internal/store"
)

type UpdateStatusInput struct {
	AppointmentID string
	RequesterID   string
	Status        domain.Status
	Note          string
}

// UpdateStatus moves an appointment along the forward path or marks it as a
// no-show. Cancellation and rescheduling have their own workflows.
func (s *Service) UpdateStatus(ctx context.Context, in UpdateStatusInput) (appt domain.Appointment, err error) {
	ctx, wf := s.start(ctx, "update_status",
		attribute.String("appointment_id", in.AppointmentID),
		attribute.String("status", string(in.Status)),
	)
	defer func() { wf.end(err, "appointment_id", in.AppointmentID, "requester_id", in.RequesterID, "status", in.Status) }()

	if in.RequesterID == "" {
		return domain.Appointment{}, validationError(CodeInvalidInput, "requester is required")
	}
	switch in.Status {
	case domain.StatusConfirmed, domain.StatusCheckedIn, domain.StatusInProgress, domain.StatusCompleted, domain.StatusNoShow:
	case domain.StatusCancelled:
		return domain.Appointment{}, validationError(CodeInvalidInput, "use cancel to cancel an appointment")
	case domain.StatusPending:
		return domain.Appointment{}, validationError(CodeInvalidInput, "use reschedule to reset an appointment to pending")
	default:
		return domain.Appointment{}, validationError(CodeInvalidInput, "unknown status")
	}
	note, err := s.sanitize("note", in.Note, maxNotesLen)
	if err != nil {
		return domain.Appointment{}, err
	}

	current, err := s.loadAppointment(ctx, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	acc, err := s.authorizeAppointment(ctx, in.RequesterID, current, authz.ActionUpdateStatus)
	if err != nil {
		return domain.Appointment{}, err
	}
	if !acc.IsStaff {
		return domain.Appointment{}, forbidden()
	}

	var from domain.Status
	txCtx, cancel := s.bounded(ctx)
	defer cancel()
	err = s.repo.InScope(txCtx, store.LockSpec{Scope: current.Scope()}, func(ctx context.Context, tx store.SchedulingTx) error {
		locked, err := tx.GetAppointment(ctx, current.ID)
		if err != nil {
			return err
		}
		from = locked.Status
		if err := locked.Transition(in.Status); err != nil {
			return invalidTransition(err)
		}
		updated, err := tx.UpdateAppointment(ctx, locked)
		if err != nil {
			return err
		}
		body := string(from) + " -> " + string(in.Status)
		if note != "" {
			body += ": " + note
		}
		if err := tx.AppendNote(ctx, domain.AppointmentNote{
			AppointmentID: updated.ID,
			ActorID:       in.RequesterID,
			Kind:          domain.NoteKindStatusChange,
			Body:          body,
		}); err != nil {
			return err
		}
		appt = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Appointment{}, appointmentNotFound()
		}
		return domain.Appointment{}, translate(err)
	}

	s.logger.Info("appointment status changed", "appointment_id", appt.ID.String(), "from", from, "to", appt.Status)
	s.publish(ctx, eventFor(notify.EventStatusChanged, appt, in.RequesterID, note))
	return appt, nil
}
