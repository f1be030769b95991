// Package authz decides which tenant roles may perform which appointment
// actions. Ownership of a subject is checked by the caller; this package only
// answers role questions.
package authz

import (
	"fmt"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"clinicbook/backend/internal/domain"
)

type Action string

const (
	ActionView            Action = "view"
	ActionBook            Action = "book"
	ActionReschedule      Action = "reschedule"
	ActionCancel          Action = "cancel"
	ActionOverrideSameDay Action = "override_same_day"
	ActionUpdateStatus    Action = "update_status"
	ActionListTenant      Action = "list_tenant"
	ActionDelete          Action = "delete"
)

var knownActions = map[Action]bool{
	ActionView:            true,
	ActionBook:            true,
	ActionReschedule:      true,
	ActionCancel:          true,
	ActionOverrideSameDay: true,
	ActionUpdateStatus:    true,
	ActionListTenant:      true,
	ActionDelete:          true,
}

const resource = "appointment"

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

var defaultPolicies = [][]string{
	{string(domain.RoleClient), resource, string(ActionView)},
	{string(domain.RoleClient), resource, string(ActionBook)},
	{string(domain.RoleClient), resource, string(ActionReschedule)},
	{string(domain.RoleClient), resource, string(ActionCancel)},
	{string(domain.RoleStaff), resource, string(ActionOverrideSameDay)},
	{string(domain.RoleStaff), resource, string(ActionUpdateStatus)},
	{string(domain.RoleStaff), resource, string(ActionListTenant)},
	{string(domain.RoleAdmin), resource, string(ActionDelete)},
}

// Staff inherit client permissions, admins inherit staff permissions.
var defaultGroups = [][]string{
	{string(domain.RoleStaff), string(domain.RoleClient)},
	{string(domain.RoleAdmin), string(domain.RoleStaff)},
}

type Enforcer struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
}

func New() (*Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse casbin model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}
	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, fmt.Errorf("failed to add policies: %w", err)
	}
	if _, err := e.AddGroupingPolicies(defaultGroups); err != nil {
		return nil, fmt.Errorf("failed to add role inheritance: %w", err)
	}
	return &Enforcer{enforcer: e}, nil
}

func (e *Enforcer) Allowed(role domain.Role, action Action) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ok, err := e.enforcer.Enforce(string(role), resource, string(action))
	if err != nil {
		return false, fmt.Errorf("permission check failed: %w", err)
	}
	return ok, nil
}

// ParseGrant reads a "role:action" pair such as "client:list_tenant".
func ParseGrant(raw string) (domain.Role, Action, error) {
	role, action, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return "", "", fmt.Errorf("grant %q: want role:action", raw)
	}
	r := domain.Role(strings.TrimSpace(role))
	switch r {
	case domain.RoleClient, domain.RoleStaff, domain.RoleAdmin:
	default:
		return "", "", fmt.Errorf("grant %q: unknown role %q", raw, role)
	}
	a := Action(strings.TrimSpace(action))
	if !knownActions[a] {
		return "", "", fmt.Errorf("grant %q: unknown action %q", raw, action)
	}
	return r, a, nil
}

// GrantAll parses and adds every "role:action" pair on top of the defaults.
func (e *Enforcer) GrantAll(grants []string) error {
	for _, raw := range grants {
		role, action, err := ParseGrant(raw)
		if err != nil {
			return err
		}
		if err := e.Grant(role, action); err != nil {
			return err
		}
	}
	return nil
}

// Grant adds a role permission at runtime.
func (e *Enforcer) Grant(role domain.Role, action Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.enforcer.AddPolicy(string(role), resource, string(action)); err != nil {
		return fmt.Errorf("failed to add policy: %w", err)
	}
	return nil
}
