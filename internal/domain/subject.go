package domain

import "github.com/uptrace/bun"

// Subject is the patient an appointment is for. It is owned by the subject
// registry; appointments only reference it.
type Subject struct {
	bun.BaseModel `bun:"table:subjects"`

	ID       string `bun:"id,pk" yaml:"id"`
	TenantID string `bun:"tenant_id,notnull" yaml:"tenant_id"`
	OwnerID  string `bun:"owner_id,notnull" yaml:"owner_id"`
	Name     string `bun:"name,notnull" yaml:"name"`
}

type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Access is what the member directory knows about a requester within a tenant.
type Access struct {
	Role    Role
	IsStaff bool
}

type Member struct {
	bun.BaseModel `bun:"table:tenant_members"`

	TenantID string `bun:"tenant_id,pk" yaml:"tenant_id"`
	UserID   string `bun:"user_id,pk" yaml:"user_id"`
	Role     Role   `bun:"role,notnull" yaml:"role"`
}

// ServiceType is a bookable service with its own default duration.
type ServiceType struct {
	bun.BaseModel `bun:"table:service_types"`

	TenantID        string `bun:"tenant_id,pk" yaml:"tenant_id"`
	ID              string `bun:"id,pk" yaml:"id"`
	Name            string `bun:"name,notnull" yaml:"name"`
	DurationMinutes int    `bun:"duration_minutes,notnull" yaml:"duration_minutes"`
}
