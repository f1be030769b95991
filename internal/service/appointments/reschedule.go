package appointments

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"clinicbook/backend/internal/authz"
	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/notify"
	"clinicbook/backend/internal/store"
)

type RescheduleInput struct {
	AppointmentID string
	RequesterID   string
	NewStart      time.Time
	// NewEnd is optional. When nil the original duration is kept.
	NewEnd *time.Time
	// OverrideSameDay skips the one-appointment-per-day rule. Staff only.
	OverrideSameDay bool
}

func (s *Service) Reschedule(ctx context.Context, in RescheduleInput) (appt domain.Appointment, err error) {
	ctx, wf := s.start(ctx, "reschedule", attribute.String("appointment_id", in.AppointmentID))
	defer func() { wf.end(err, "appointment_id", in.AppointmentID, "requester_id", in.RequesterID) }()

	if in.RequesterID == "" {
		return domain.Appointment{}, validationError(CodeInvalidInput, "requester is required")
	}
	if in.NewStart.IsZero() {
		return domain.Appointment{}, validationError(CodeInvalidInput, "new_start is required")
	}

	current, err := s.loadAppointment(ctx, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	acc, err := s.authorizeAppointment(ctx, in.RequesterID, current, authz.ActionReschedule)
	if err != nil {
		return domain.Appointment{}, err
	}
	if in.OverrideSameDay {
		if !acc.IsStaff {
			return domain.Appointment{}, forbidden()
		}
		if err := s.allowed(acc, authz.ActionOverrideSameDay); err != nil {
			return domain.Appointment{}, err
		}
	}
	if current.Status.IsTerminal() {
		return domain.Appointment{}, invalidTransition(domain.ErrInvalidTransition)
	}

	start := in.NewStart.UTC()
	if !start.After(s.now()) {
		return domain.Appointment{}, validationError(CodeInPast, "New start time must be in the future.")
	}
	end := start.Add(current.Interval().Duration())
	if in.NewEnd != nil {
		end = in.NewEnd.UTC()
	}
	iv, err := s.checkInterval(start, end)
	if err != nil {
		return domain.Appointment{}, err
	}

	lock := store.LockSpec{Scope: current.Scope()}
	if !in.OverrideSameDay {
		lock.SubjectID = current.SubjectID
	}

	previous := current.Interval()
	txCtx, cancel := s.bounded(ctx)
	defer cancel()
	err = s.repo.InScope(txCtx, lock, func(ctx context.Context, tx store.SchedulingTx) error {
		locked, err := tx.GetAppointment(ctx, current.ID)
		if err != nil {
			return err
		}
		previous = locked.Interval()
		if locked.Status.IsTerminal() {
			return invalidTransition(domain.ErrInvalidTransition)
		}

		if !in.OverrideSameDay {
			same, err := tx.ListActiveForSubject(ctx, locked.TenantID, locked.SubjectID, domain.DayBounds(iv.Start, s.cfg.Location))
			if err != nil {
				return err
			}
			for _, other := range same {
				if other.ID != locked.ID {
					return sameDayConflict()
				}
			}
		}

		conflicts, err := tx.FindConflicts(ctx, store.ConflictQuery{
			Scope:     locked.Scope(),
			Interval:  iv,
			ExcludeID: &locked.ID,
		})
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return slotTaken()
		}

		if err := locked.Reschedule(iv); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return invalidTransition(err)
			}
			return validationError(CodeInvalidInterval, err.Error())
		}
		updated, err := tx.UpdateAppointment(ctx, locked)
		if err != nil {
			return err
		}
		if err := tx.AppendNote(ctx, domain.AppointmentNote{
			AppointmentID: updated.ID,
			ActorID:       in.RequesterID,
			Kind:          domain.NoteKindRescheduled,
			Body:          "moved from " + previous.Start.Format(time.RFC3339) + " to " + iv.Start.Format(time.RFC3339),
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

	s.logger.Info("appointment rescheduled",
		"appointment_id", appt.ID.String(),
		"from", previous.Start,
		"to", appt.StartTime,
	)
	s.publish(ctx, eventFor(notify.EventRescheduled, appt, in.RequesterID, ""))
	return appt, nil
}
