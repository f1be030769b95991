package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"clinicbook/backend/internal/domain"
)

// Seed is the fixture format accepted by storage.seed_file. It fills the
// collaborator tables (subjects, members, service types) for local setups.
type Seed struct {
	Subjects []domain.Subject     `yaml:"subjects"`
	Members  []domain.Member      `yaml:"members"`
	Services []domain.ServiceType `yaml:"services"`
}

func ParseSeed(b []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	for _, s := range seed.Subjects {
		if s.ID == "" || s.TenantID == "" || s.OwnerID == "" {
			return Seed{}, fmt.Errorf("parse seed: subject %q needs id, tenant_id and owner_id", s.ID)
		}
	}
	for _, m := range seed.Members {
		switch m.Role {
		case domain.RoleClient, domain.RoleStaff, domain.RoleAdmin:
		default:
			return Seed{}, fmt.Errorf("parse seed: member %q has unknown role %q", m.UserID, m.Role)
		}
	}
	for _, st := range seed.Services {
		if st.DurationMinutes <= 0 {
			return Seed{}, fmt.Errorf("parse seed: service %q needs a positive duration", st.ID)
		}
	}
	return seed, nil
}

func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	return ParseSeed(b)
}
