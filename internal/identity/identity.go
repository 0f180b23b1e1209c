package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// Principal is one concrete recipient of an approval, form, or notification.
type Principal struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Profile is the directory record of one user, as far as the engine needs it.
type Profile struct {
	Principal
	ManagerID  string `json:"manager_id,omitempty"`
	Department string `json:"department,omitempty"`
}

// Directory is the injected organizational backend. Implementations wrap
// whatever HR system or IdP the deployment uses; the engine only depends on
// this interface.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
	DepartmentHead(ctx context.Context, department string) (*Profile, error)
	RoleMembers(ctx context.Context, role string) ([]Profile, error)
	GroupMembers(ctx context.Context, group string) ([]Profile, error)
}

// Resolver turns an AssigneeSpec into concrete principals. Resolution is
// eager: it runs before any suspension so persisted requests always name
// real users, and a resolution failure surfaces immediately as an
// authorization error rather than a stuck execution.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the recipient set for a spec, evaluated relative to the
// initiator. An empty result is always an error: a request with nobody to
// decide it would suspend forever.
func (r *Resolver) Resolve(ctx context.Context, spec *schema.AssigneeSpec, initiatorID string, scope *expressions.Scope) ([]Principal, error) {
	if r.dir == nil {
		return nil, schema.NewError(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"no directory configured for assignee resolution")
	}

	var (
		principals []Principal
		err        error
	)

	switch spec.Kind {
	case schema.AssigneeManager:
		principals, err = r.managerChain(ctx, initiatorID, 1)
	case schema.AssigneeManagerLevel:
		level := spec.Level
		if level <= 0 {
			level = 1
		}
		principals, err = r.managerChain(ctx, initiatorID, level)
	case schema.AssigneeDepartmentHead:
		principals, err = r.departmentHead(ctx, initiatorID)
	case schema.AssigneeRole:
		principals, err = r.members(ctx, spec.Role, r.dir.RoleMembers)
	case schema.AssigneeGroup:
		principals, err = r.members(ctx, spec.Group, r.dir.GroupMembers)
	case schema.AssigneeStatic:
		principals, err = r.static(ctx, spec.Users)
	case schema.AssigneeExpression:
		principals, err = r.expression(ctx, spec.Expression, scope)
	default:
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"unknown assignee kind %q", spec.Kind)
	}

	if err != nil {
		return nil, err
	}
	if len(principals) == 0 {
		return nil, schema.NewErrorf(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"assignee spec %q resolved to no users", spec.Kind).
			WithUserMessage("No one could be found to handle this request.")
	}
	return principals, nil
}

// Escalate returns the recipients one management level above the given
// principals, used by the deadline sweeper's escalate fallback. Principals
// with no manager drop out; an empty result is an error.
func (r *Resolver) Escalate(ctx context.Context, current []Principal) ([]Principal, error) {
	seen := make(map[string]bool, len(current))
	var out []Principal
	for _, p := range current {
		profile, err := r.dir.Lookup(ctx, p.ID)
		if err != nil || profile == nil || profile.ManagerID == "" {
			continue
		}
		mgr, err := r.dir.Lookup(ctx, profile.ManagerID)
		if err != nil || mgr == nil {
			continue
		}
		if !seen[mgr.ID] {
			seen[mgr.ID] = true
			out = append(out, mgr.Principal)
		}
	}
	if len(out) == 0 {
		return nil, schema.NewError(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"escalation found no manager above the current assignees")
	}
	return out, nil
}

// managerChain walks up the reporting line N levels from the initiator.
// A chain shorter than N is an authorization error, not a silent fallback
// to the highest available manager.
func (r *Resolver) managerChain(ctx context.Context, initiatorID string, level int) ([]Principal, error) {
	currentID := initiatorID
	var profile *Profile
	for i := 0; i < level; i++ {
		p, err := r.dir.Lookup(ctx, currentID)
		if err != nil {
			return nil, r.lookupErr(currentID, err)
		}
		if p == nil || p.ManagerID == "" {
			return nil, schema.NewErrorf(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
				"management chain of %s ends at level %d, need level %d", initiatorID, i, level)
		}
		currentID = p.ManagerID
		profile = nil
		profile, err = r.dir.Lookup(ctx, currentID)
		if err != nil {
			return nil, r.lookupErr(currentID, err)
		}
		if profile == nil {
			return nil, schema.NewErrorf(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
				"manager %s not found in directory", currentID)
		}
	}
	return []Principal{profile.Principal}, nil
}

func (r *Resolver) departmentHead(ctx context.Context, initiatorID string) ([]Principal, error) {
	profile, err := r.dir.Lookup(ctx, initiatorID)
	if err != nil {
		return nil, r.lookupErr(initiatorID, err)
	}
	if profile == nil || profile.Department == "" {
		return nil, schema.NewErrorf(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"initiator %s has no department", initiatorID)
	}
	head, err := r.dir.DepartmentHead(ctx, profile.Department)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"department head lookup failed for %q: %s", profile.Department, err.Error()).WithCause(err)
	}
	if head == nil {
		return nil, schema.NewErrorf(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"department %q has no head", profile.Department)
	}
	return []Principal{head.Principal}, nil
}

func (r *Resolver) members(ctx context.Context, name string, fetch func(context.Context, string) ([]Profile, error)) ([]Principal, error) {
	profiles, err := fetch(ctx, name)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"membership lookup failed for %q: %s", name, err.Error()).WithCause(err)
	}
	out := make([]Principal, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.Principal)
	}
	return out, nil
}

func (r *Resolver) static(ctx context.Context, userIDs []string) ([]Principal, error) {
	out := make([]Principal, 0, len(userIDs))
	for _, id := range userIDs {
		profile, err := r.dir.Lookup(ctx, id)
		if err != nil {
			return nil, r.lookupErr(id, err)
		}
		if profile == nil {
			return nil, schema.NewErrorf(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
				"user %s not found in directory", id)
		}
		out = append(out, profile.Principal)
	}
	return out, nil
}

// expression resolves a template to one user id or a list of ids, then
// verifies each against the directory.
func (r *Resolver) expression(ctx context.Context, tmpl string, scope *expressions.Scope) ([]Principal, error) {
	if scope == nil {
		scope = &expressions.Scope{}
	}
	val, err := expressions.NewResolver().Resolve(tmpl, scope)
	if err != nil {
		return nil, err
	}

	var ids []string
	switch v := val.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if id := strings.TrimSpace(part); id != "" {
				ids = append(ids, id)
			}
		}
	case []any:
		for _, item := range v {
			ids = append(ids, fmt.Sprintf("%v", item))
		}
	default:
		if expressions.IsNull(val) {
			return nil, schema.NewErrorf(schema.CategoryData, schema.ErrCodeUnresolvedRef,
				"assignee expression %q resolved to null", tmpl)
		}
		return nil, schema.NewErrorf(schema.CategoryData, schema.ErrCodeTypeMismatch,
			"assignee expression %q resolved to %T, want string or list", tmpl, val)
	}

	return r.static(ctx, ids)
}

func (r *Resolver) lookupErr(userID string, err error) error {
	return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
		"directory lookup failed for %s: %s", userID, err.Error()).WithCause(err)
}
