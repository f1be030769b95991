// Package memory is a single-process implementation of the store contracts.
// Scope locks serialize conflict-check-then-write and transactional writes
// are buffered until the callback returns.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/store"
)

type Store struct {
	locks *scopeLocks

	mu           sync.RWMutex
	appointments map[uuid.UUID]domain.Appointment
	notes        map[uuid.UUID][]domain.AppointmentNote
	subjects     map[string]domain.Subject
	members      map[string]domain.Member
	services     map[string]domain.ServiceType
}

var (
	_ store.AppointmentRepository = (*Store)(nil)
	_ store.SubjectRegistry       = (*Store)(nil)
	_ store.MemberDirectory       = (*Store)(nil)
	_ store.ServiceCatalog        = (*Store)(nil)
)

func New() *Store {
	return &Store{
		locks:        newScopeLocks(),
		appointments: make(map[uuid.UUID]domain.Appointment),
		notes:        make(map[uuid.UUID][]domain.AppointmentNote),
		subjects:     make(map[string]domain.Subject),
		members:      make(map[string]domain.Member),
		services:     make(map[string]domain.ServiceType),
	}
}

func (s *Store) InScope(ctx context.Context, lock store.LockSpec, fn func(ctx context.Context, tx store.SchedulingTx) error) error {
	release, err := s.locks.acquire(ctx, lock)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return err
	}
	defer release()

	tx := &memTx{s: s, pending: make(map[uuid.UUID]domain.Appointment)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range tx.pending {
		if err := s.checkExclusionLocked(a, tx.pending); err != nil {
			return err
		}
	}
	for id, a := range tx.pending {
		s.appointments[id] = a
	}
	for _, n := range tx.notes {
		s.notes[n.AppointmentID] = append(s.notes[n.AppointmentID], n)
	}
	return nil
}

// checkExclusionLocked mirrors the appointments_no_overlap constraint: active
// appointments with the same tenant and resource key must not overlap.
func (s *Store) checkExclusionLocked(a domain.Appointment, pending map[uuid.UUID]domain.Appointment) error {
	if !a.Status.IsActive() {
		return nil
	}
	check := func(other domain.Appointment) error {
		if other.ID == a.ID || !other.Status.IsActive() {
			return nil
		}
		if other.TenantID != a.TenantID || resourceKey(other.ResourceID) != resourceKey(a.ResourceID) {
			return nil
		}
		if domain.Overlaps(a.Interval(), other.Interval()) {
			return store.ErrConflict
		}
		return nil
	}
	for id, other := range s.appointments {
		if p, ok := pending[id]; ok {
			other = p
		}
		if err := check(other); err != nil {
			return err
		}
	}
	for id, other := range pending {
		if _, ok := s.appointments[id]; ok {
			continue
		}
		if err := check(other); err != nil {
			return err
		}
	}
	return nil
}

func resourceKey(r *string) string {
	if r == nil {
		return ""
	}
	return *r
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) List(ctx context.Context, f store.ListFilter) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subjects map[string]struct{}
	if f.SubjectIDs != nil {
		subjects = make(map[string]struct{}, len(f.SubjectIDs))
		for _, id := range f.SubjectIDs {
			subjects[id] = struct{}{}
		}
	}

	out := make([]domain.Appointment, 0)
	for _, a := range s.appointments {
		if a.TenantID != f.TenantID {
			continue
		}
		if f.ResourceID != nil && resourceKey(a.ResourceID) != *f.ResourceID {
			continue
		}
		if subjects != nil {
			if _, ok := subjects[a.SubjectID]; !ok {
				continue
			}
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Window != nil && !domain.Overlaps(*f.Window, a.Interval()) {
			continue
		}
		out = append(out, a)
	}
	sortByStart(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListNotes(ctx context.Context, appointmentID uuid.UUID) ([]domain.AppointmentNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	notes := s.notes[appointmentID]
	out := make([]domain.AppointmentNote, len(notes))
	copy(out, notes)
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appointments[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.appointments, id)
	delete(s.notes, id)
	return nil
}

func (s *Store) GetSubject(ctx context.Context, subjectID string) (domain.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[subjectID]
	if !ok {
		return domain.Subject{}, store.ErrNotFound
	}
	return sub, nil
}

func (s *Store) ListSubjectsByOwner(ctx context.Context, tenantID, ownerID string) ([]domain.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Subject, 0)
	for _, sub := range s.subjects {
		if sub.TenantID == tenantID && sub.OwnerID == ownerID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Authorize(ctx context.Context, requesterID, tenantID string) (domain.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[tenantID+"/"+requesterID]
	if !ok {
		return domain.Access{Role: domain.RoleClient}, nil
	}
	return domain.Access{Role: m.Role, IsStaff: m.Role == domain.RoleStaff || m.Role == domain.RoleAdmin}, nil
}

func (s *Store) GetServiceType(ctx context.Context, tenantID, serviceID string) (domain.ServiceType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.services[tenantID+"/"+serviceID]
	if !ok {
		return domain.ServiceType{}, store.ErrNotFound
	}
	return st, nil
}

func (s *Store) AddSubject(sub domain.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.ID] = sub
}

func (s *Store) AddMember(m domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.TenantID+"/"+m.UserID] = m
}

func (s *Store) AddServiceType(st domain.ServiceType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[st.TenantID+"/"+st.ID] = st
}

type memTx struct {
	s       *Store
	pending map[uuid.UUID]domain.Appointment
	notes   []domain.AppointmentNote
}

func (t *memTx) lookup(id uuid.UUID) (domain.Appointment, bool) {
	if a, ok := t.pending[id]; ok {
		return a, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.appointments[id]
	return a, ok
}

func (t *memTx) snapshot() []domain.Appointment {
	t.s.mu.RLock()
	out := make([]domain.Appointment, 0, len(t.s.appointments)+len(t.pending))
	for id, a := range t.s.appointments {
		if _, ok := t.pending[id]; ok {
			continue
		}
		out = append(out, a)
	}
	t.s.mu.RUnlock()
	for _, a := range t.pending {
		out = append(out, a)
	}
	return out
}

func (t *memTx) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	a, ok := t.lookup(id)
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (t *memTx) FindConflicts(ctx context.Context, q store.ConflictQuery) ([]uuid.UUID, error) {
	all := t.snapshot()
	sortByStart(all)
	out := make([]uuid.UUID, 0)
	for _, a := range all {
		if q.ExcludeID != nil && a.ID == *q.ExcludeID {
			continue
		}
		if !a.Status.IsActive() || !q.Scope.Covers(a.Scope()) {
			continue
		}
		if domain.Overlaps(q.Interval, a.Interval()) {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

func (t *memTx) ListActiveForSubject(ctx context.Context, tenantID, subjectID string, window domain.Interval) ([]domain.Appointment, error) {
	out := make([]domain.Appointment, 0)
	for _, a := range t.snapshot() {
		if a.TenantID != tenantID || a.SubjectID != subjectID || !a.Status.IsActive() {
			continue
		}
		if !a.StartTime.Before(window.Start) && a.StartTime.Before(window.End) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	} else if existing, ok := t.lookup(appt.ID); ok {
		if !existing.SameBooking(appt) {
			return domain.Appointment{}, store.ErrIdempotencyConflict
		}
		return existing, nil
	}

	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	appt.UpdatedAt = now
	if err := t.checkExclusion(appt); err != nil {
		return domain.Appointment{}, err
	}
	t.pending[appt.ID] = appt
	return appt, nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if _, ok := t.lookup(appt.ID); !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	appt.UpdatedAt = time.Now().UTC()
	if err := t.checkExclusion(appt); err != nil {
		return domain.Appointment{}, err
	}
	t.pending[appt.ID] = appt
	return appt, nil
}

func (t *memTx) checkExclusion(appt domain.Appointment) error {
	if !appt.Status.IsActive() {
		return nil
	}
	for _, other := range t.snapshot() {
		if other.ID == appt.ID || !other.Status.IsActive() {
			continue
		}
		if other.TenantID != appt.TenantID || resourceKey(other.ResourceID) != resourceKey(appt.ResourceID) {
			continue
		}
		if domain.Overlaps(appt.Interval(), other.Interval()) {
			return store.ErrConflict
		}
	}
	return nil
}

func (t *memTx) AppendNote(ctx context.Context, note domain.AppointmentNote) error {
	if note.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		note.ID = id
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	t.notes = append(t.notes, note)
	return nil
}

func sortByStart(appts []domain.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].StartTime.Equal(appts[j].StartTime) {
			return appts[i].ID.String() < appts[j].ID.String()
		}
		return appts[i].StartTime.Before(appts[j].StartTime)
	})
}
