package memory

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"clinicbook/backend/internal/store"
)

const exclusiveWeight = 1 << 20

// scopeLocks hands out context-aware locks keyed by tenant, resource and
// subject. Acquisition order is always tenant, resource, subject.
type scopeLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{sems: make(map[string]*semaphore.Weighted)}
}

func (l *scopeLocks) sem(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = semaphore.NewWeighted(exclusiveWeight)
		l.sems[key] = s
	}
	return s
}

type held struct {
	sem    *semaphore.Weighted
	weight int64
}

func (l *scopeLocks) acquire(ctx context.Context, spec store.LockSpec) (func(), error) {
	plan := make([]held, 0, 3)

	tenantWeight := int64(1)
	if spec.Scope.ClinicWide() {
		tenantWeight = exclusiveWeight
	}
	plan = append(plan, held{sem: l.sem("tenant:" + spec.Scope.TenantID), weight: tenantWeight})
	if spec.Scope.ResourceID != nil {
		plan = append(plan, held{
			sem:    l.sem("resource:" + spec.Scope.TenantID + ":" + *spec.Scope.ResourceID),
			weight: exclusiveWeight,
		})
	}
	if spec.SubjectID != "" {
		plan = append(plan, held{sem: l.sem("subject:" + spec.SubjectID), weight: exclusiveWeight})
	}

	acquired := make([]held, 0, len(plan))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].sem.Release(acquired[i].weight)
		}
	}
	for _, h := range plan {
		if err := h.sem.Acquire(ctx, h.weight); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, h)
	}
	return release, nil
}
