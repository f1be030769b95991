package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/store"
)

const overlapConstraint = "appointments_no_overlap"

type AppointmentRepo struct {
	db *bun.DB
}

var _ store.AppointmentRepository = (*AppointmentRepo)(nil)

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

type schedulingTx struct {
	tx bun.Tx
}

// InScope runs fn in one transaction holding the advisory locks for lock. The
// locks are released on commit or rollback.
func (r *AppointmentRepo) InScope(ctx context.Context, lock store.LockSpec, fn func(ctx context.Context, tx store.SchedulingTx) error) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, k := range lockKeys(lock) {
			if err := acquire(ctx, tx, k); err != nil {
				return err
			}
		}
		return fn(ctx, schedulingTx{tx: tx})
	})
	return mapError(err)
}

type advisoryKey struct {
	key    string
	shared bool
}

// lockKeys lists the advisory locks for spec in acquisition order: tenant,
// resource, subject.
func lockKeys(spec store.LockSpec) []advisoryKey {
	keys := []advisoryKey{{key: "tenant:" + spec.Scope.TenantID, shared: !spec.Scope.ClinicWide()}}
	if spec.Scope.ResourceID != nil {
		keys = append(keys, advisoryKey{key: "resource:" + spec.Scope.TenantID + ":" + *spec.Scope.ResourceID})
	}
	if spec.SubjectID != "" {
		keys = append(keys, advisoryKey{key: "subject:" + spec.SubjectID})
	}
	return keys
}

func acquire(ctx context.Context, tx bun.Tx, k advisoryKey) error {
	query := "SELECT pg_advisory_xact_lock(hashtext(?))"
	if k.shared {
		query = "SELECT pg_advisory_xact_lock_shared(hashtext(?))"
	}
	_, err := tx.NewRaw(query, k.key).Exec(ctx)
	return err
}

// mapError turns driver errors into store sentinels. Errors it does not
// recognise, including ones returned by InScope callbacks, pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01":
			if pgErr.ConstraintName == overlapConstraint {
				return store.ErrConflict
			}
		case "40001", "40P01", "55P03", "57014":
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}
	return err
}

func (r *AppointmentRepo) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().Model(&a).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return domain.Appointment{}, mapError(err)
	}
	return a, nil
}

func (r *AppointmentRepo) List(ctx context.Context, f store.ListFilter) ([]domain.Appointment, error) {
	rows := make([]domain.Appointment, 0)
	if f.SubjectIDs != nil && len(f.SubjectIDs) == 0 {
		return rows, nil
	}

	q := r.db.NewSelect().
		Model(&rows).
		Where("tenant_id = ?", f.TenantID)
	if f.ResourceID != nil {
		q = q.Where("coalesce(resource_id, '') = ?", *f.ResourceID)
	}
	if len(f.SubjectIDs) > 0 {
		q = q.Where("subject_id IN (?)", bun.In(f.SubjectIDs))
	}
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.Window != nil {
		q = q.Where("start_time < ?", f.Window.End).Where("end_time > ?", f.Window.Start)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.OrderExpr("start_time ASC").Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

func (r *AppointmentRepo) ListNotes(ctx context.Context, appointmentID uuid.UUID) ([]domain.AppointmentNote, error) {
	rows := make([]domain.AppointmentNote, 0)
	err := r.db.NewSelect().
		Model(&rows).
		Where("appointment_id = ?", appointmentID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// Delete removes the appointment; its notes go with it through the foreign key.
func (r *AppointmentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t schedulingTx) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := t.tx.NewSelect().Model(&a).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return domain.Appointment{}, mapError(err)
	}
	return a, nil
}

func (t schedulingTx) FindConflicts(ctx context.Context, q store.ConflictQuery) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)
	sel := t.tx.NewSelect().
		Model((*domain.Appointment)(nil)).
		Column("id").
		Where("tenant_id = ?", q.Scope.TenantID).
		Where("status IN (?)", bun.In(domain.ActiveStatuses)).
		Where("start_time < ?", q.Interval.End).
		Where("end_time > ?", q.Interval.Start)
	if q.Scope.ResourceID != nil {
		sel = sel.Where("resource_id = ?", *q.Scope.ResourceID)
	}
	if q.ExcludeID != nil {
		sel = sel.Where("id <> ?", *q.ExcludeID)
	}
	if err := sel.OrderExpr("start_time ASC").Scan(ctx, &ids); err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}

func (t schedulingTx) ListActiveForSubject(ctx context.Context, tenantID, subjectID string, window domain.Interval) ([]domain.Appointment, error) {
	rows := make([]domain.Appointment, 0)
	err := t.tx.NewSelect().
		Model(&rows).
		Where("tenant_id = ?", tenantID).
		Where("subject_id = ?", subjectID).
		Where("status IN (?)", bun.In(domain.ActiveStatuses)).
		Where("start_time >= ?", window.Start).
		Where("start_time < ?", window.End).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// InsertAppointment stores appt. An existing row with the same id is an
// idempotent replay: it is returned when the payload matches and rejected
// with store.ErrIdempotencyConflict otherwise.
func (t schedulingTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	m.StartTime = appt.StartTime.UTC().Truncate(time.Microsecond)
	m.EndTime = appt.EndTime.UTC().Truncate(time.Microsecond)

	res, err := t.tx.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 1 {
		return m, nil
	}

	existing, err := t.GetAppointment(ctx, m.ID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if !existing.SameBooking(m) {
		return domain.Appointment{}, store.ErrIdempotencyConflict
	}
	return existing, nil
}

func (t schedulingTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	m.StartTime = appt.StartTime.UTC().Truncate(time.Microsecond)
	m.EndTime = appt.EndTime.UTC().Truncate(time.Microsecond)

	res, err := t.tx.NewUpdate().
		Model(&m).
		Column("start_time", "end_time", "status", "reason", "notes", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		return domain.Appointment{}, store.ErrNotFound
	}
	return m, nil
}

func (t schedulingTx) AppendNote(ctx context.Context, note domain.AppointmentNote) error {
	_, err := t.tx.NewInsert().Model(&note).Exec(ctx)
	return mapError(err)
}
