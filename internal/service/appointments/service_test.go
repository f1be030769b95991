package appointments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"clinicbook/backend/internal/authz"
	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/notify"
	"clinicbook/backend/internal/store"
	"clinicbook/backend/internal/store/memory"
)

const tenant = "clinic-1"

var morning = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2025, 3, 1, hour, minute, 0, 0, time.UTC)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (r *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeSubjects struct {
	getFn  func(ctx context.Context, subjectID string) (domain.Subject, error)
	listFn func(ctx context.Context, tenantID, ownerID string) ([]domain.Subject, error)
}

func (f *fakeSubjects) GetSubject(ctx context.Context, subjectID string) (domain.Subject, error) {
	if f.getFn == nil {
		panic("GetSubject not configured")
	}
	return f.getFn(ctx, subjectID)
}

func (f *fakeSubjects) ListSubjectsByOwner(ctx context.Context, tenantID, ownerID string) ([]domain.Subject, error) {
	if f.listFn == nil {
		panic("ListSubjectsByOwner not configured")
	}
	return f.listFn(ctx, tenantID, ownerID)
}

type fakeRepo struct {
	store.AppointmentRepository
	inScopeFn func(ctx context.Context, lock store.LockSpec, fn func(ctx context.Context, tx store.SchedulingTx) error) error
}

func (f *fakeRepo) InScope(ctx context.Context, lock store.LockSpec, fn func(ctx context.Context, tx store.SchedulingTx) error) error {
	if f.inScopeFn == nil {
		panic("InScope not configured")
	}
	return f.inScopeFn(ctx, lock, fn)
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := memory.New()
	st.Apply(store.Seed{
		Subjects: []domain.Subject{
			{ID: "pet-1", TenantID: tenant, OwnerID: "owner-1", Name: "Rex"},
			{ID: "pet-2", TenantID: tenant, OwnerID: "owner-2", Name: "Milo"},
			{ID: "pet-3", TenantID: tenant, OwnerID: "owner-1", Name: "Luna"},
			{ID: "pet-x", TenantID: "clinic-2", OwnerID: "owner-1", Name: "Ghost"},
		},
		Members: []domain.Member{
			{TenantID: tenant, UserID: "staff-1", Role: domain.RoleStaff},
			{TenantID: tenant, UserID: "admin-1", Role: domain.RoleAdmin},
		},
		Services: []domain.ServiceType{
			{TenantID: tenant, ID: "vaccination", Name: "Vaccination", DurationMinutes: 15},
		},
	})

	policy, err := authz.New()
	if err != nil {
		t.Fatalf("authz.New error: %v", err)
	}

	clock := &fakeClock{t: morning}
	notifier := &recordingNotifier{}
	svc := NewService(Deps{
		Repo:     st,
		Subjects: st,
		Members:  st,
		Catalog:  st,
		Policy:   policy,
		Notifier: notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clock.Now,
	}, DefaultConfig())

	return &fixture{svc: svc, store: st, clock: clock, notifier: notifier}
}

func (f *fixture) book(t *testing.T, in BookInput) domain.Appointment {
	t.Helper()
	if in.TenantID == "" {
		in.TenantID = tenant
	}
	appt, err := f.svc.Book(context.Background(), in)
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	return appt
}

func wantCode(t *testing.T, err error, kind Kind, code Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s error, got nil", kind, code)
	}
	if KindOf(err) != kind || CodeOf(err) != code {
		t.Fatalf("error = %v (kind %s, code %s), want %s/%s", err, KindOf(err), CodeOf(err), kind, code)
	}
}

func TestScenario_BookRescheduleCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	if !first.EndTime.Equal(at(10, 30)) || first.Status != domain.StatusPending {
		t.Fatalf("unexpected first appointment: %+v", first)
	}

	_, err := f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "pet-2", RequesterID: "owner-2", StartTime: at(10, 15)})
	wantCode(t, err, KindConflict, CodeSlotTaken)

	second := f.book(t, BookInput{SubjectID: "pet-2", RequesterID: "owner-2", StartTime: at(10, 30)})

	moved, err := f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: first.ID.String(), RequesterID: "owner-1", NewStart: at(11, 0)})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if !moved.StartTime.Equal(at(11, 0)) || !moved.EndTime.Equal(at(11, 30)) || moved.Status != domain.StatusPending {
		t.Fatalf("unexpected rescheduled appointment: %+v", moved)
	}

	_, err = f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: first.ID.String(), RequesterID: "owner-1", NewStart: at(10, 40)})
	wantCode(t, err, KindConflict, CodeSlotTaken)

	f.clock.Set(second.StartTime.Add(5 * time.Minute))
	_, err = f.svc.Cancel(ctx, CancelInput{AppointmentID: second.ID.String(), RequesterID: "owner-2"})
	wantCode(t, err, KindValidation, CodeInPast)
}

func TestBook_SubjectAndAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "missing", RequesterID: "owner-1", StartTime: at(10, 0)})
	wantCode(t, err, KindNotFound, CodeSubjectNotFound)

	_, err = f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "pet-x", RequesterID: "owner-1", StartTime: at(10, 0)})
	wantCode(t, err, KindNotFound, CodeSubjectNotFound)

	_, err = f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-2", StartTime: at(10, 0)})
	wantCode(t, err, KindForbidden, CodeForbidden)

	appt := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "staff-1", StartTime: at(10, 0)})
	if appt.CreatedBy != "staff-1" {
		t.Fatalf("created_by = %q, want staff-1", appt.CreatedBy)
	}
}

func TestBook_LeadTime(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-1", StartTime: morning.Add(10 * time.Minute)})
	wantCode(t, err, KindValidation, CodeTooSoon)

	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: morning.Add(15 * time.Minute)})
}

func TestBook_Durations(t *testing.T) {
	f := newFixture(t)

	vacc := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(9, 0), ServiceTypeID: "vaccination"})
	if got := vacc.Interval().Duration(); got != 15*time.Minute {
		t.Fatalf("duration = %v, want 15m", got)
	}

	end := at(12, 45)
	explicit := f.book(t, BookInput{SubjectID: "pet-2", RequesterID: "owner-2", StartTime: at(12, 0), EndTime: &end})
	if !explicit.EndTime.Equal(end) {
		t.Fatalf("end = %v, want %v", explicit.EndTime, end)
	}

	bad := at(13, 0)
	_, err := f.svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-3", RequesterID: "owner-1", StartTime: at(13, 0), EndTime: &bad})
	wantCode(t, err, KindValidation, CodeInvalidInterval)

	_, err = f.svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-3", RequesterID: "owner-1", StartTime: at(13, 0), ServiceTypeID: "grooming"})
	wantCode(t, err, KindValidation, CodeInvalidInput)
}

func TestBook_SameDayRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})

	_, err := f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(15, 0)})
	wantCode(t, err, KindConflict, CodeSameDayConflict)

	_, err = f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(15, 0), OverrideSameDay: true})
	wantCode(t, err, KindForbidden, CodeForbidden)

	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "staff-1", StartTime: at(15, 0), OverrideSameDay: true})
	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0).AddDate(0, 0, 1)})
}

func TestBook_SameDayIgnoresCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	if _, err := f.svc.Cancel(ctx, CancelInput{AppointmentID: first.ID.String(), RequesterID: "owner-1"}); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
}

func TestBook_ResourceScopes(t *testing.T) {
	f := newFixture(t)
	vetA, vetB := "vet-a", "vet-b"

	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "staff-1", ResourceID: &vetA, StartTime: at(10, 0)})
	f.book(t, BookInput{SubjectID: "pet-2", RequesterID: "staff-1", ResourceID: &vetB, StartTime: at(10, 0)})

	_, err := f.svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-3", RequesterID: "staff-1", ResourceID: &vetA, StartTime: at(10, 15)})
	wantCode(t, err, KindConflict, CodeSlotTaken)

	_, err = f.svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-3", RequesterID: "staff-1", StartTime: at(10, 15)})
	wantCode(t, err, KindConflict, CodeSlotTaken)
}

func TestBook_ConflictMessageHidesOtherBooking(t *testing.T) {
	f := newFixture(t)
	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0), Notes: "allergic to penicillin"})

	_, err := f.svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-2", RequesterID: "owner-2", StartTime: at(10, 0)})
	wantCode(t, err, KindConflict, CodeSlotTaken)

	var svcErr *Error
	if !errors.As(err, &svcErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	for _, leak := range []string{"pet-1", "penicillin", "owner-1"} {
		if strings.Contains(svcErr.Message, leak) || strings.Contains(err.Error(), leak) {
			t.Fatalf("conflict error leaks %q: %v", leak, err)
		}
	}
}

func TestBook_FreeTextIsStoredVerbatim(t *testing.T) {
	f := newFixture(t)
	reason := `Rex's walk & "limp", worse when a < b`
	appt := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0), Reason: "  " + reason + " "})
	if appt.Reason != reason {
		t.Fatalf("reason = %q, want %q", appt.Reason, reason)
	}
}

func TestBook_RejectsMarkupInFreeText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, in := range []BookInput{
		{Reason: "ate <chocolate> bar"},
		{Reason: "<b>Limping</b>"},
		{Notes: "walk<script>alert(1)</script>"},
	} {
		in.TenantID = tenant
		in.SubjectID = "pet-1"
		in.RequesterID = "owner-1"
		in.StartTime = at(10, 0)
		_, err := f.svc.Book(ctx, in)
		wantCode(t, err, KindValidation, CodeInvalidInput)
	}

	appts, err := f.store.List(ctx, store.ListFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(appts) != 0 {
		t.Fatalf("rejected bookings were stored: %+v", appts)
	}
}

func TestBook_Idempotency(t *testing.T) {
	f := newFixture(t)
	in := BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0), IdempotencyKey: "req-1"}

	first := f.book(t, in)
	replay := f.book(t, in)
	if first.ID != replay.ID {
		t.Fatalf("replay id = %s, want %s", replay.ID, first.ID)
	}
	if n := f.notifier.count(); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}

	in.TenantID = tenant
	in.StartTime = at(11, 0)
	_, err := f.svc.Book(context.Background(), in)
	wantCode(t, err, KindConflict, CodeIdempotencyConflict)
}

func TestBook_IdempotentReplayIgnoresSubMicrosecondPrecision(t *testing.T) {
	f := newFixture(t)
	in := BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0).Add(1500 * time.Nanosecond), IdempotencyKey: "req-ns"}

	first := f.book(t, in)
	if !first.StartTime.Equal(at(10, 0).Add(time.Microsecond)) {
		t.Fatalf("start = %v, want microsecond precision", first.StartTime)
	}
	if first.EndTime.Nanosecond()%1000 != 0 {
		t.Fatalf("end = %v, want microsecond precision", first.EndTime)
	}

	replay := f.book(t, in)
	if replay.ID != first.ID {
		t.Fatalf("replay id = %s, want %s", replay.ID, first.ID)
	}
}

func TestBook_NotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("queue full")

	appt := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	stored, err := f.store.Get(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("stored appointment missing: %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", stored.Status)
	}
}

func TestBook_ConcurrentRequestsNeverDoubleBook(t *testing.T) {
	f := newFixture(t)

	const n = 24
	for i := 0; i < n; i++ {
		f.store.AddSubject(domain.Subject{ID: fmt.Sprintf("c-%d", i), TenantID: tenant, OwnerID: fmt.Sprintf("o-%d", i)})
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Book(context.Background(), BookInput{
				TenantID:    tenant,
				SubjectID:   fmt.Sprintf("c-%d", i),
				RequesterID: fmt.Sprintf("o-%d", i),
				StartTime:   at(10, 0).Add(time.Duration(i) * time.Minute),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case CodeOf(err) != CodeSlotTaken:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful bookings = %d, want exactly 1", ok)
	}
}

func TestReschedule_SelfExclusion(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	f.book(t, BookInput{SubjectID: "pet-2", RequesterID: "owner-2", StartTime: at(14, 0)})

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		// Any start between 08:30 and 13:30 leaves the 14:00 booking alone.
		start := at(8, 30).Add(time.Duration(rng.Intn(300)) * time.Minute)
		moved, err := f.svc.Reschedule(context.Background(), RescheduleInput{AppointmentID: appt.ID.String(), RequesterID: "owner-1", NewStart: start})
		if err != nil {
			t.Fatalf("Reschedule to %v error: %v", start, err)
		}
		if moved.Interval().Duration() != 30*time.Minute {
			t.Fatalf("duration not preserved: %v", moved.Interval().Duration())
		}
	}
}

func TestReschedule_SameDayRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nextDay := func(hour int) time.Time { return at(hour, 0).Add(24 * time.Hour) }

	today := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	tomorrow := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: nextDay(10)})

	_, err := f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: tomorrow.ID.String(), RequesterID: "owner-1", NewStart: at(14, 0)})
	wantCode(t, err, KindConflict, CodeSameDayConflict)

	_, err = f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: tomorrow.ID.String(), RequesterID: "owner-1", NewStart: at(14, 0), OverrideSameDay: true})
	wantCode(t, err, KindForbidden, CodeForbidden)

	stored, err := f.store.Get(ctx, tomorrow.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !stored.StartTime.Equal(nextDay(10)) {
		t.Fatalf("rejected reschedule moved the appointment to %v", stored.StartTime)
	}

	if _, err := f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: tomorrow.ID.String(), RequesterID: "owner-1", NewStart: nextDay(15)}); err != nil {
		t.Fatalf("Reschedule within its own day error: %v", err)
	}
	if _, err := f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: today.ID.String(), RequesterID: "owner-1", NewStart: at(9, 0)}); err != nil {
		t.Fatalf("Reschedule within its own day error: %v", err)
	}

	moved, err := f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: tomorrow.ID.String(), RequesterID: "staff-1", NewStart: at(14, 0), OverrideSameDay: true})
	if err != nil {
		t.Fatalf("staff override Reschedule error: %v", err)
	}
	if !moved.StartTime.Equal(at(14, 0)) {
		t.Fatalf("start = %v, want %v", moved.StartTime, at(14, 0))
	}
}

func TestReschedule_ConcurrentMovesNeverDoubleBook(t *testing.T) {
	f := newFixture(t)

	const n = 12
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		sub := fmt.Sprintf("r-%d", i)
		owner := fmt.Sprintf("o-%d", i)
		f.store.AddSubject(domain.Subject{ID: sub, TenantID: tenant, OwnerID: owner})
		appt := f.book(t, BookInput{SubjectID: sub, RequesterID: owner, StartTime: at(9, 0).Add(time.Duration(i) * 30 * time.Minute)})
		ids[i] = appt.ID.String()
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Reschedule(context.Background(), RescheduleInput{
				AppointmentID: ids[i],
				RequesterID:   fmt.Sprintf("o-%d", i),
				NewStart:      at(18, 0).Add(time.Duration(i) * time.Minute),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case CodeOf(err) != CodeSlotTaken:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful reschedules = %d, want exactly 1", ok)
	}

	evening := domain.Interval{Start: at(18, 0), End: at(19, 0)}
	appts, err := f.store.List(context.Background(), store.ListFilter{TenantID: tenant, Window: &evening})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(appts) != 1 {
		t.Fatalf("appointments in the evening = %d, want 1", len(appts))
	}
}

func TestReschedule_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})

	_, err := f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: appt.ID.String(), RequesterID: "owner-1", NewStart: morning.Add(-time.Hour)})
	wantCode(t, err, KindValidation, CodeInPast)

	_, err = f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: appt.ID.String(), RequesterID: "owner-2", NewStart: at(12, 0)})
	wantCode(t, err, KindForbidden, CodeForbidden)

	_, err = f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: uuid.NewString(), RequesterID: "owner-1", NewStart: at(12, 0)})
	wantCode(t, err, KindNotFound, CodeAppointmentNotFound)

	end := at(13, 0)
	moved, err := f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: appt.ID.String(), RequesterID: "owner-1", NewStart: at(12, 0), NewEnd: &end})
	if err != nil {
		t.Fatalf("Reschedule with explicit end error: %v", err)
	}
	if moved.Interval().Duration() != time.Hour {
		t.Fatalf("duration = %v, want 1h", moved.Interval().Duration())
	}

	notes, err := f.svc.History(ctx, "owner-1", appt.ID.String())
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(notes) != 2 || notes[0].Kind != domain.NoteKindBooked || notes[1].Kind != domain.NoteKindRescheduled {
		t.Fatalf("unexpected history: %+v", notes)
	}
}

func TestTerminalImmutability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cancelled := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	if _, err := f.svc.Cancel(ctx, CancelInput{AppointmentID: cancelled.ID.String(), RequesterID: "owner-1", Reason: "feeling better"}); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	_, err := f.svc.Cancel(ctx, CancelInput{AppointmentID: cancelled.ID.String(), RequesterID: "owner-1"})
	wantCode(t, err, KindConflict, CodeAlreadyTerminal)

	_, err = f.svc.Reschedule(ctx, RescheduleInput{AppointmentID: cancelled.ID.String(), RequesterID: "owner-1", NewStart: at(12, 0)})
	wantCode(t, err, KindConflict, CodeInvalidTransition)

	_, err = f.svc.UpdateStatus(ctx, UpdateStatusInput{AppointmentID: cancelled.ID.String(), RequesterID: "staff-1", Status: domain.StatusConfirmed})
	wantCode(t, err, KindConflict, CodeInvalidTransition)

	noShow := f.book(t, BookInput{SubjectID: "pet-2", RequesterID: "owner-2", StartTime: at(11, 0)})
	if _, err := f.svc.UpdateStatus(ctx, UpdateStatusInput{AppointmentID: noShow.ID.String(), RequesterID: "staff-1", Status: domain.StatusNoShow}); err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}
	_, err = f.svc.Cancel(ctx, CancelInput{AppointmentID: noShow.ID.String(), RequesterID: "owner-2"})
	wantCode(t, err, KindConflict, CodeAlreadyTerminal)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	id := appt.ID.String()

	_, err := f.svc.UpdateStatus(ctx, UpdateStatusInput{AppointmentID: id, RequesterID: "owner-1", Status: domain.StatusConfirmed})
	wantCode(t, err, KindForbidden, CodeForbidden)

	_, err = f.svc.UpdateStatus(ctx, UpdateStatusInput{AppointmentID: id, RequesterID: "staff-1", Status: domain.StatusCheckedIn})
	wantCode(t, err, KindConflict, CodeInvalidTransition)

	_, err = f.svc.UpdateStatus(ctx, UpdateStatusInput{AppointmentID: id, RequesterID: "staff-1", Status: domain.StatusCancelled})
	wantCode(t, err, KindValidation, CodeInvalidInput)

	for _, next := range []domain.Status{domain.StatusConfirmed, domain.StatusCheckedIn, domain.StatusInProgress, domain.StatusCompleted} {
		got, err := f.svc.UpdateStatus(ctx, UpdateStatusInput{AppointmentID: id, RequesterID: "staff-1", Status: next})
		if err != nil {
			t.Fatalf("UpdateStatus(%s) error: %v", next, err)
		}
		if got.Status != next {
			t.Fatalf("status = %s, want %s", got.Status, next)
		}
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	f.book(t, BookInput{SubjectID: "pet-2", RequesterID: "owner-2", StartTime: at(11, 0)})
	f.book(t, BookInput{SubjectID: "pet-3", RequesterID: "owner-1", StartTime: at(12, 0).AddDate(0, 0, 1)})

	own, err := f.svc.List(ctx, ListInput{RequesterID: "owner-1", TenantID: tenant})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(own) != 2 {
		t.Fatalf("owner sees %d appointments, want 2", len(own))
	}

	day := at(0, 0)
	all, err := f.svc.List(ctx, ListInput{RequesterID: "staff-1", TenantID: tenant, Date: &day})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 2 || all[0].SubjectID != "pet-1" || all[1].SubjectID != "pet-2" {
		t.Fatalf("unexpected staff day listing: %+v", all)
	}

	_, err = f.svc.List(ctx, ListInput{RequesterID: "owner-1", TenantID: tenant, SubjectID: "pet-2"})
	wantCode(t, err, KindForbidden, CodeForbidden)

	none, err := f.svc.List(ctx, ListInput{RequesterID: "stranger", TenantID: tenant})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("stranger sees %d appointments", len(none))
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, BookInput{SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})

	wantCode(t, f.svc.Delete(ctx, "owner-1", appt.ID.String()), KindForbidden, CodeForbidden)
	wantCode(t, f.svc.Delete(ctx, "staff-1", appt.ID.String()), KindForbidden, CodeForbidden)

	if err := f.svc.Delete(ctx, "admin-1", appt.ID.String()); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	_, err := f.svc.Get(ctx, "admin-1", appt.ID.String())
	wantCode(t, err, KindNotFound, CodeAppointmentNotFound)
}

func TestBook_CollaboratorTimeoutIsUnavailable(t *testing.T) {
	st := memory.New()
	cfg := DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	svc := NewService(Deps{
		Repo: st,
		Subjects: &fakeSubjects{getFn: func(ctx context.Context, subjectID string) (domain.Subject, error) {
			<-ctx.Done()
			return domain.Subject{}, ctx.Err()
		}},
		Members: st,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return morning },
	}, cfg)

	_, err := svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
	wantCode(t, err, KindUnavailable, CodeUnavailable)
}

func TestBook_StoreFailures(t *testing.T) {
	st := memory.New()
	st.AddSubject(domain.Subject{ID: "pet-1", TenantID: tenant, OwnerID: "owner-1"})

	cases := []struct {
		name string
		err  error
		kind Kind
		code Code
	}{
		{"unavailable", fmt.Errorf("begin: %w", store.ErrUnavailable), KindUnavailable, CodeUnavailable},
		{"exclusion constraint", store.ErrConflict, KindConflict, CodeSlotTaken},
		{"unexpected", errors.New("disk on fire"), KindInternal, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(Deps{
				Repo: &fakeRepo{inScopeFn: func(ctx context.Context, lock store.LockSpec, fn func(ctx context.Context, tx store.SchedulingTx) error) error {
					return tc.err
				}},
				Subjects: st,
				Members:  st,
				Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
				Now:      func() time.Time { return morning },
			}, DefaultConfig())

			_, err := svc.Book(context.Background(), BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0)})
			wantCode(t, err, tc.kind, tc.code)
		})
	}
}

func TestBook_InputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Book(ctx, BookInput{TenantID: tenant, RequesterID: "owner-1", StartTime: at(10, 0)})
	wantCode(t, err, KindValidation, CodeInvalidInput)

	_, err = f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-1"})
	wantCode(t, err, KindValidation, CodeInvalidInput)

	_, err = f.svc.Book(ctx, BookInput{TenantID: tenant, SubjectID: "pet-1", RequesterID: "owner-1", StartTime: at(10, 0), IdempotencyKey: strings.Repeat("k", maxKeyLen+1)})
	wantCode(t, err, KindValidation, CodeInvalidInput)

	_, err = f.svc.Get(ctx, "owner-1", "not-a-uuid")
	wantCode(t, err, KindValidation, CodeInvalidInput)
}
