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

type CancelInput struct {
	AppointmentID string
	RequesterID   string
	Reason        string
}

// Cancel moves an upcoming appointment to cancelled. Appointments that have
// already started can not be cancelled, only marked by staff.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (appt domain.Appointment, err error) {
	ctx, wf := s.start(ctx, "cancel", attribute.String("appointment_id", in.AppointmentID))
	defer func() { wf.end(err, "appointment_id", in.AppointmentID, "requester_id", in.RequesterID) }()

	if in.RequesterID == "" {
		return domain.Appointment{}, validationError(CodeInvalidInput, "requester is required")
	}
	reason, err := s.sanitize("reason", in.Reason, maxReasonLen)
	if err != nil {
		return domain.Appointment{}, err
	}

	current, err := s.loadAppointment(ctx, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if _, err := s.authorizeAppointment(ctx, in.RequesterID, current, authz.ActionCancel); err != nil {
		return domain.Appointment{}, err
	}
	if err := s.cancellable(current); err != nil {
		return domain.Appointment{}, err
	}

	txCtx, cancel := s.bounded(ctx)
	defer cancel()
	err = s.repo.InScope(txCtx, store.LockSpec{Scope: current.Scope()}, func(ctx context.Context, tx store.SchedulingTx) error {
		locked, err := tx.GetAppointment(ctx, current.ID)
		if err != nil {
			return err
		}
		if err := s.cancellable(locked); err != nil {
			return err
		}
		if err := locked.Transition(domain.StatusCancelled); err != nil {
			return invalidTransition(err)
		}
		updated, err := tx.UpdateAppointment(ctx, locked)
		if err != nil {
			return err
		}
		body := reason
		if body == "" {
			body = "cancelled"
		}
		if err := tx.AppendNote(ctx, domain.AppointmentNote{
			AppointmentID: updated.ID,
			ActorID:       in.RequesterID,
			Kind:          domain.NoteKindCancelled,
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

	s.logger.Info("appointment cancelled", "appointment_id", appt.ID.String(), "actor_id", in.RequesterID)
	s.publish(ctx, eventFor(notify.EventCancelled, appt, in.RequesterID, reason))
	return appt, nil
}

func (s *Service) cancellable(a domain.Appointment) error {
	if !a.StartTime.After(s.now()) {
		return validationError(CodeInPast, "Past appointments can not be cancelled.")
	}
	if a.Status.IsTerminal() {
		return alreadyTerminal(string(a.Status))
	}
	return nil
}
