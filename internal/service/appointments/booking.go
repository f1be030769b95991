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
	"clinicbook/backend/internal/notify"
	"clinicbook/backend/internal/store"
)

type BookInput struct {
	TenantID    string
	SubjectID   string
	RequesterID string
	// ResourceID pins the booking to one provider. Nil books clinic-wide.
	ResourceID *string
	StartTime  time.Time
	// EndTime is optional; without it the duration comes from the service
	// type or the configured default.
	EndTime       *time.Time
	ServiceTypeID string
	Reason        string
	Notes         string
	// OverrideSameDay skips the one-appointment-per-day rule. Staff only.
	OverrideSameDay bool
	IdempotencyKey  string
}

func (s *Service) Book(ctx context.Context, in BookInput) (appt domain.Appointment, err error) {
	ctx, wf := s.start(ctx, "book",
		attribute.String("tenant_id", in.TenantID),
		attribute.String("subject_id", in.SubjectID),
	)
	defer func() { wf.end(err, "tenant_id", in.TenantID, "subject_id", in.SubjectID, "requester_id", in.RequesterID) }()

	if strings.TrimSpace(in.TenantID) == "" || strings.TrimSpace(in.SubjectID) == "" {
		return domain.Appointment{}, validationError(CodeInvalidInput, "tenant_id and subject_id are required")
	}
	if in.RequesterID == "" {
		return domain.Appointment{}, validationError(CodeInvalidInput, "requester is required")
	}
	if in.StartTime.IsZero() {
		return domain.Appointment{}, validationError(CodeInvalidInput, "start_time is required")
	}
	if in.ResourceID != nil && strings.TrimSpace(*in.ResourceID) == "" {
		in.ResourceID = nil
	}
	reason, err := s.sanitize("reason", in.Reason, maxReasonLen)
	if err != nil {
		return domain.Appointment{}, err
	}
	notes, err := s.sanitize("notes", in.Notes, maxNotesLen)
	if err != nil {
		return domain.Appointment{}, err
	}

	sub, err := s.loadSubject(ctx, in.SubjectID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if sub.TenantID != in.TenantID {
		return domain.Appointment{}, subjectNotFound()
	}

	acc, err := s.access(ctx, in.RequesterID, in.TenantID, sub.OwnerID, authz.ActionBook)
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

	start := in.StartTime.UTC()
	if start.Before(s.now().Add(s.cfg.MinLeadTime)) {
		return domain.Appointment{}, validationError(CodeTooSoon, "Appointments must be booked at least "+s.cfg.MinLeadTime.String()+" in advance.")
	}

	iv, err := s.bookingInterval(ctx, in, start)
	if err != nil {
		return domain.Appointment{}, err
	}

	candidate := domain.Appointment{
		TenantID:   in.TenantID,
		ResourceID: in.ResourceID,
		SubjectID:  in.SubjectID,
		StartTime:  iv.Start,
		EndTime:    iv.End,
		Status:     domain.StatusPending,
		Reason:     reason,
		Notes:      notes,
		CreatedBy:  in.RequesterID,
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > maxKeyLen {
			return domain.Appointment{}, validationError(CodeInvalidInput, "idempotency_key too long")
		}
		candidate.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("clinicbook:book_appointment:"+in.RequesterID+":"+key))
	}

	lock := store.LockSpec{Scope: candidate.Scope()}
	if !in.OverrideSameDay {
		lock.SubjectID = in.SubjectID
	}

	replayed := false
	txCtx, cancel := s.bounded(ctx)
	defer cancel()
	err = s.repo.InScope(txCtx, lock, func(ctx context.Context, tx store.SchedulingTx) error {
		if candidate.ID != uuid.Nil {
			existing, err := tx.GetAppointment(ctx, candidate.ID)
			switch {
			case err == nil:
				if !existing.SameBooking(candidate) {
					return store.ErrIdempotencyConflict
				}
				appt, replayed = existing, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		if !in.OverrideSameDay {
			day := domain.DayBounds(candidate.StartTime, s.cfg.Location)
			same, err := tx.ListActiveForSubject(ctx, candidate.TenantID, candidate.SubjectID, day)
			if err != nil {
				return err
			}
			if len(same) > 0 {
				return sameDayConflict()
			}
		}

		conflicts, err := tx.FindConflicts(ctx, store.ConflictQuery{Scope: candidate.Scope(), Interval: iv})
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return slotTaken()
		}

		created, err := tx.InsertAppointment(ctx, candidate)
		if err != nil {
			return err
		}
		if err := tx.AppendNote(ctx, domain.AppointmentNote{
			AppointmentID: created.ID,
			ActorID:       in.RequesterID,
			Kind:          domain.NoteKindBooked,
			Body:          reason,
		}); err != nil {
			return err
		}
		appt = created
		return nil
	})
	if err != nil {
		return domain.Appointment{}, translate(err)
	}

	if !replayed {
		s.logger.Info("appointment booked",
			"appointment_id", appt.ID.String(),
			"tenant_id", appt.TenantID,
			"start_time", appt.StartTime,
		)
		s.publish(ctx, eventFor(notify.EventBooked, appt, in.RequesterID, reason))
	}
	return appt, nil
}

// bookingInterval derives the booked span from an explicit end, the service
// type's duration or the default duration, in that order.
func (s *Service) bookingInterval(ctx context.Context, in BookInput, start time.Time) (domain.Interval, error) {
	var end time.Time
	switch {
	case in.EndTime != nil:
		end = in.EndTime.UTC()
	case in.ServiceTypeID != "" && s.catalog != nil:
		callCtx, cancel := s.bounded(ctx)
		st, err := s.catalog.GetServiceType(callCtx, in.TenantID, in.ServiceTypeID)
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			return domain.Interval{}, validationError(CodeInvalidInput, "unknown service type")
		}
		if err != nil {
			return domain.Interval{}, translate(err)
		}
		end = start.Add(time.Duration(st.DurationMinutes) * time.Minute)
	default:
		end = start.Add(s.cfg.DefaultDuration)
	}
	return s.checkInterval(start, end)
}

func (s *Service) checkInterval(start, end time.Time) (domain.Interval, error) {
	// Stored timestamps keep microseconds, so replays compare equal.
	iv, err := domain.NewInterval(start.Truncate(time.Microsecond), end.Truncate(time.Microsecond))
	if err != nil {
		return domain.Interval{}, validationError(CodeInvalidInterval, "end_time must be after start_time")
	}
	if iv.Duration() > s.cfg.MaxDuration {
		return domain.Interval{}, validationError(CodeInvalidInterval, "appointment is too long")
	}
	return iv, nil
}
