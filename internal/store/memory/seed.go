package memory

import "clinicbook/backend/internal/store"

func (s *Store) Apply(seed store.Seed) {
	for _, sub := range seed.Subjects {
		s.AddSubject(sub)
	}
	for _, m := range seed.Members {
		s.AddMember(m)
	}
	for _, st := range seed.Services {
		s.AddServiceType(st)
	}
}
