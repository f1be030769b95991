package appointments

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clinicbook/backend/internal/authz"
	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/metrics"
	"clinicbook/backend/internal/notify"
	"clinicbook/backend/internal/store"
)

const (
	maxReasonLen = 500
	maxNotesLen  = 2000
	maxKeyLen    = 256
)

// Policy answers whether a tenant role may perform an action.
type Policy interface {
	Allowed(role domain.Role, action authz.Action) (bool, error)
}

type Config struct {
	MinLeadTime     time.Duration
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	// CallTimeout bounds every collaborator call and every scheduling
	// transaction.
	CallTimeout time.Duration
	// Location decides calendar days for the same-day rule.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		MinLeadTime:     15 * time.Minute,
		DefaultDuration: 30 * time.Minute,
		MaxDuration:     24 * time.Hour,
		CallTimeout:     5 * time.Second,
		Location:        time.UTC,
	}
}

type Deps struct {
	Repo     store.AppointmentRepository
	Subjects store.SubjectRegistry
	Members  store.MemberDirectory
	// Catalog is optional. Without it every booking uses the default duration.
	Catalog  store.ServiceCatalog
	Policy   Policy
	Notifier notify.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

type Service struct {
	repo     store.AppointmentRepository
	subjects store.SubjectRegistry
	members  store.MemberDirectory
	catalog  store.ServiceCatalog
	policy   Policy
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
	cfg      Config

	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 30 * time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{
		repo:      deps.Repo,
		subjects:  deps.Subjects,
		members:   deps.Members,
		catalog:   deps.Catalog,
		policy:    deps.Policy,
		notifier:  notifier,
		logger:    logger.With("component", "appointments"),
		metrics:   deps.Metrics,
		now:       now,
		cfg:       cfg,
		tracer:    otel.Tracer("clinicbook/backend/internal/service/appointments"),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, *workflow) {
	ctx, span := s.tracer.Start(ctx, "appointments."+op, trace.WithAttributes(attrs...))
	return ctx, &workflow{s: s, op: op, span: span, started: time.Now()}
}

type workflow struct {
	s       *Service
	op      string
	span    trace.Span
	started time.Time
}

// end records the outcome of a workflow on its span, metrics and log.
func (w *workflow) end(err error, args ...any) {
	defer w.span.End()

	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
		w.span.RecordError(err)
		w.span.SetStatus(codes.Error, outcome)
	}
	w.s.metrics.ObserveWorkflow(w.op, outcome, time.Since(w.started))

	if err == nil {
		return
	}
	args = append(args, "op", w.op, "code", outcome, "error", err)
	switch KindOf(err) {
	case KindUnavailable, KindInternal:
		w.s.logger.Error("appointment workflow failed", args...)
	default:
		w.s.logger.Info("appointment request rejected", args...)
	}
}

// access resolves the requester's role in the tenant and checks that they
// own the subject or are staff. ownerID may be empty when the subject is
// unknown, in which case only staff pass.
func (s *Service) access(ctx context.Context, requesterID, tenantID, ownerID string, action authz.Action) (domain.Access, error) {
	callCtx, cancel := s.bounded(ctx)
	defer cancel()

	acc, err := s.members.Authorize(callCtx, requesterID, tenantID)
	if err != nil {
		return domain.Access{}, translate(err)
	}
	if !acc.IsStaff && (ownerID == "" || ownerID != requesterID) {
		return domain.Access{}, forbidden()
	}
	if err := s.allowed(acc, action); err != nil {
		return domain.Access{}, err
	}
	return acc, nil
}

func (s *Service) allowed(acc domain.Access, action authz.Action) error {
	if s.policy == nil {
		return nil
	}
	role := acc.Role
	if role == "" {
		role = domain.RoleClient
	}
	ok, err := s.policy.Allowed(role, action)
	if err != nil {
		return translate(err)
	}
	if !ok {
		return forbidden()
	}
	return nil
}

func (s *Service) loadSubject(ctx context.Context, subjectID string) (domain.Subject, error) {
	callCtx, cancel := s.bounded(ctx)
	defer cancel()

	sub, err := s.subjects.GetSubject(callCtx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Subject{}, subjectNotFound()
	}
	if err != nil {
		return domain.Subject{}, translate(err)
	}
	return sub, nil
}

func (s *Service) loadAppointment(ctx context.Context, id string) (domain.Appointment, error) {
	appointmentID, err := parseID(id)
	if err != nil {
		return domain.Appointment{}, err
	}
	callCtx, cancel := s.bounded(ctx)
	defer cancel()

	appt, err := s.repo.Get(callCtx, appointmentID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Appointment{}, appointmentNotFound()
	}
	if err != nil {
		return domain.Appointment{}, translate(err)
	}
	return appt, nil
}

// authorizeAppointment loads the subject behind appt and checks the
// requester may act on it. A subject missing from the registry only blocks
// owners; staff can still manage the appointment.
func (s *Service) authorizeAppointment(ctx context.Context, requesterID string, appt domain.Appointment, action authz.Action) (domain.Access, error) {
	ownerID := ""
	sub, err := s.loadSubject(ctx, appt.SubjectID)
	switch {
	case err == nil:
		if sub.TenantID == appt.TenantID {
			ownerID = sub.OwnerID
		}
	case CodeOf(err) != CodeSubjectNotFound:
		return domain.Access{}, err
	}
	return s.access(ctx, requesterID, appt.TenantID, ownerID, action)
}

func (s *Service) sanitize(field, raw string, limit int) (string, error) {
	text := strings.TrimSpace(raw)
	// Free text is stored as is. Anything the strict policy would rewrite is
	// markup and gets rejected.
	if html.UnescapeString(s.sanitizer.Sanitize(text)) != text {
		return "", validationError(CodeInvalidInput, field+" must not contain markup")
	}
	if len(text) > limit {
		return "", validationError(CodeInvalidInput, field+" is too long")
	}
	return text, nil
}

func (s *Service) publish(ctx context.Context, ev notify.Event) {
	ev.OccurredAt = s.now().UTC()
	if err := s.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("appointment notification not queued",
			"event", ev.Type,
			"appointment_id", ev.AppointmentID.String(),
			"error", err,
		)
	}
}

func eventFor(t notify.EventType, appt domain.Appointment, actorID, reason string) notify.Event {
	return notify.Event{
		Type:          t,
		AppointmentID: appt.ID,
		TenantID:      appt.TenantID,
		SubjectID:     appt.SubjectID,
		ActorID:       actorID,
		Status:        string(appt.Status),
		StartTime:     appt.StartTime,
		EndTime:       appt.EndTime,
		Reason:        reason,
	}
}
