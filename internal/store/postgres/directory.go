package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"

	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/store"
)

// Directory serves the collaborator read tables: subjects, tenant members and
// service types.
type Directory struct {
	db *bun.DB
}

var (
	_ store.SubjectRegistry = (*Directory)(nil)
	_ store.MemberDirectory = (*Directory)(nil)
	_ store.ServiceCatalog  = (*Directory)(nil)
)

func NewDirectory(db *bun.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) GetSubject(ctx context.Context, subjectID string) (domain.Subject, error) {
	var s domain.Subject
	err := d.db.NewSelect().Model(&s).Where("id = ?", subjectID).Limit(1).Scan(ctx)
	if err != nil {
		return domain.Subject{}, mapError(err)
	}
	return s, nil
}

func (d *Directory) ListSubjectsByOwner(ctx context.Context, tenantID, ownerID string) ([]domain.Subject, error) {
	rows := make([]domain.Subject, 0)
	err := d.db.NewSelect().
		Model(&rows).
		Where("tenant_id = ?", tenantID).
		Where("owner_id = ?", ownerID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// Authorize reports the requester's role in the tenant. Users without a
// membership row are clients.
func (d *Directory) Authorize(ctx context.Context, requesterID, tenantID string) (domain.Access, error) {
	var m domain.Member
	err := d.db.NewSelect().
		Model(&m).
		Where("tenant_id = ?", tenantID).
		Where("user_id = ?", requesterID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Access{Role: domain.RoleClient}, nil
	}
	if err != nil {
		return domain.Access{}, mapError(err)
	}
	return domain.Access{Role: m.Role, IsStaff: m.Role == domain.RoleStaff || m.Role == domain.RoleAdmin}, nil
}

func (d *Directory) GetServiceType(ctx context.Context, tenantID, serviceID string) (domain.ServiceType, error) {
	var st domain.ServiceType
	err := d.db.NewSelect().
		Model(&st).
		Where("tenant_id = ?", tenantID).
		Where("id = ?", serviceID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.ServiceType{}, mapError(err)
	}
	return st, nil
}

// Apply upserts seed rows in one transaction.
func (d *Directory) Apply(ctx context.Context, seed store.Seed) error {
	return mapError(d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(seed.Subjects) > 0 {
			_, err := tx.NewInsert().
				Model(&seed.Subjects).
				On("CONFLICT (id) DO UPDATE").
				Set("tenant_id = EXCLUDED.tenant_id").
				Set("owner_id = EXCLUDED.owner_id").
				Set("name = EXCLUDED.name").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		if len(seed.Members) > 0 {
			_, err := tx.NewInsert().
				Model(&seed.Members).
				On("CONFLICT (tenant_id, user_id) DO UPDATE").
				Set("role = EXCLUDED.role").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		if len(seed.Services) > 0 {
			_, err := tx.NewInsert().
				Model(&seed.Services).
				On("CONFLICT (tenant_id, id) DO UPDATE").
				Set("name = EXCLUDED.name").
				Set("duration_minutes = EXCLUDED.duration_minutes").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	}))
}
