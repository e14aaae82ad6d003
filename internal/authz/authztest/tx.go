package authztest

import (
	"context"
	"slices"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

type tx struct {
	*state
	now func() time.Time
}

func (t *tx) SubjectsForPermission(_ context.Context, id int64) ([]int64, error) {
	return t.subjectsForPermission(id), nil
}

func (t *tx) SubjectsForRole(_ context.Context, id int64) ([]int64, error) {
	return t.subjectsForRole(id), nil
}

func (t *tx) SubjectsForPolicy(_ context.Context, id int64) ([]int64, error) {
	return t.subjectsForPolicy(id), nil
}

func (t *tx) SubjectsForAssignee(_ context.Context, at authz.AssigneeType, id int64) ([]int64, error) {
	return t.subjectsForAssignee(at, id), nil
}

func (t *tx) GetPermission(_ context.Context, id int64) (authz.Permission, error) {
	return t.getPermission(id)
}

func (t *tx) FindPermissionByCode(_ context.Context, code string) (authz.Permission, error) {
	return t.findPermissionByCode(code)
}

func (t *tx) FindPermissionByTuple(_ context.Context, resource string, action authz.Action, scope authz.Scope) (authz.Permission, error) {
	return t.findPermissionByTuple(resource, action, scope)
}

func (t *tx) ListPermissions(_ context.Context, filter authz.PermissionFilter) ([]authz.Permission, error) {
	return t.listPermissions(filter), nil
}

func (t *tx) GetRole(_ context.Context, id int64) (authz.Role, error) {
	return t.getRole(id)
}

func (t *tx) ListRoles(_ context.Context) ([]authz.Role, error) {
	return t.listRoles(), nil
}

func (t *tx) GetPolicy(_ context.Context, id int64) (authz.Policy, error) {
	return t.getPolicy(id)
}

func (t *tx) FindPolicyByCode(_ context.Context, code string) (authz.Policy, error) {
	return t.findPolicyByCode(code)
}

func (t *tx) ListPolicies(_ context.Context) ([]authz.Policy, error) {
	return t.listPolicies(), nil
}

func (t *tx) ListAssignments(_ context.Context, policyID int64) ([]authz.PolicyAssignment, error) {
	return t.listAssignments(policyID), nil
}

func (t *tx) WarmupSubjects(_ context.Context, limit int) ([]int64, error) {
	return t.warmupSubjects(limit), nil
}

func (t *tx) CreatePermission(_ context.Context, p authz.Permission) (authz.Permission, error) {
	if _, err := t.findPermissionByCode(p.Code); err == nil {
		return authz.Permission{}, authz.ErrConflict
	}
	p.ID = t.id()
	p.CreatedAt, p.UpdatedAt = t.now(), t.now()
	t.permissions[p.ID] = p
	return p, nil
}

func (t *tx) UpdatePermission(_ context.Context, p authz.Permission) (authz.Permission, error) {
	if _, ok := t.permissions[p.ID]; !ok {
		return authz.Permission{}, authz.ErrNotFound
	}
	p.UpdatedAt = t.now()
	t.permissions[p.ID] = p
	return p, nil
}

func (t *tx) DeletePermission(_ context.Context, id int64) error {
	if _, ok := t.permissions[id]; !ok {
		return authz.ErrNotFound
	}
	delete(t.permissions, id)
	for k, up := range t.userPerms {
		if up.PermissionID == id {
			delete(t.userPerms, k)
		}
	}
	for k, rp := range t.rolePerms {
		if rp.PermissionID == id {
			delete(t.rolePerms, k)
		}
	}
	for k, rp := range t.resourcePerms {
		if rp.PermissionID == id {
			delete(t.resourcePerms, k)
		}
	}
	for k, p := range t.permissions {
		if slices.Contains(p.Dependencies, id) {
			p.Dependencies = slices.DeleteFunc(slices.Clone(p.Dependencies), func(d int64) bool { return d == id })
			t.permissions[k] = p
		}
	}
	return nil
}

func (t *tx) CreateRole(_ context.Context, r authz.Role) (authz.Role, error) {
	for _, existing := range t.roles {
		if existing.Name == r.Name {
			return authz.Role{}, authz.ErrConflict
		}
	}
	r.ID = t.id()
	r.CreatedAt = t.now()
	t.roles[r.ID] = r
	return r, nil
}

func (t *tx) UpdateRole(_ context.Context, r authz.Role) (authz.Role, error) {
	if _, ok := t.roles[r.ID]; !ok {
		return authz.Role{}, authz.ErrNotFound
	}
	t.roles[r.ID] = r
	return r, nil
}

func (t *tx) DeleteRole(_ context.Context, id int64) error {
	if _, ok := t.roles[id]; !ok {
		return authz.ErrNotFound
	}
	delete(t.roles, id)
	for k, rp := range t.rolePerms {
		if rp.RoleID == id {
			delete(t.rolePerms, k)
		}
	}
	for k, ur := range t.userRoles {
		if ur.RoleID == id {
			delete(t.userRoles, k)
		}
	}
	for k, a := range t.assignments {
		if a.AssigneeType == authz.AssigneeRole && a.AssigneeID == id {
			delete(t.assignments, k)
		}
	}
	return nil
}

func (t *tx) UpsertUserPermission(_ context.Context, up authz.UserPermission) (authz.UserPermission, error) {
	up.ID, up.CreatedAt = t.id(), t.now()
	for k, existing := range t.userPerms {
		if existing.UserID == up.UserID && existing.PermissionID == up.PermissionID {
			up.ID = existing.ID
			delete(t.userPerms, k)
		}
	}
	t.userPerms[up.ID] = up
	return up, nil
}

func (t *tx) DeleteUserPermission(_ context.Context, userID, permissionID int64) error {
	for k, up := range t.userPerms {
		if up.UserID == userID && up.PermissionID == permissionID {
			delete(t.userPerms, k)
			return nil
		}
	}
	return authz.ErrNotFound
}

func (t *tx) UpsertRolePermission(_ context.Context, rp authz.RolePermission) (authz.RolePermission, error) {
	rp.ID, rp.CreatedAt = t.id(), t.now()
	for k, existing := range t.rolePerms {
		if existing.RoleID == rp.RoleID && existing.PermissionID == rp.PermissionID {
			rp.ID = existing.ID
			delete(t.rolePerms, k)
		}
	}
	t.rolePerms[rp.ID] = rp
	return rp, nil
}

func (t *tx) DeleteRolePermission(_ context.Context, roleID, permissionID int64) error {
	for k, rp := range t.rolePerms {
		if rp.RoleID == roleID && rp.PermissionID == permissionID {
			delete(t.rolePerms, k)
			return nil
		}
	}
	return authz.ErrNotFound
}

func (t *tx) CreateResourcePermission(_ context.Context, rp authz.ResourcePermission) (authz.ResourcePermission, error) {
	for _, existing := range t.resourcePerms {
		if existing.UserID == rp.UserID && existing.PermissionID == rp.PermissionID &&
			existing.ResourceType == rp.ResourceType && existing.ResourceID == rp.ResourceID {
			return authz.ResourcePermission{}, authz.ErrConflict
		}
	}
	rp.ID, rp.CreatedAt = t.id(), t.now()
	t.resourcePerms[rp.ID] = rp
	return rp, nil
}

func (t *tx) DeleteResourcePermission(_ context.Context, id int64) (authz.ResourcePermission, error) {
	rp, ok := t.resourcePerms[id]
	if !ok {
		return authz.ResourcePermission{}, authz.ErrNotFound
	}
	delete(t.resourcePerms, id)
	return rp, nil
}

func (t *tx) UpsertUserRole(_ context.Context, ur authz.UserRole) (authz.UserRole, error) {
	ur.ID, ur.CreatedAt = t.id(), t.now()
	for k, existing := range t.userRoles {
		if existing.UserID == ur.UserID && existing.RoleID == ur.RoleID {
			ur.ID = existing.ID
			delete(t.userRoles, k)
		}
	}
	t.userRoles[ur.ID] = ur
	return ur, nil
}

func (t *tx) DeleteUserRole(_ context.Context, userID, roleID int64) error {
	for k, ur := range t.userRoles {
		if ur.UserID == userID && ur.RoleID == roleID {
			delete(t.userRoles, k)
			return nil
		}
	}
	return authz.ErrNotFound
}

func (t *tx) UpsertSubject(_ context.Context, s authz.Subject) error {
	t.subjects[s.ID] = s
	return nil
}

func (t *tx) CreatePolicy(_ context.Context, p authz.Policy) (authz.Policy, error) {
	if _, err := t.findPolicyByCode(p.Code); err == nil {
		return authz.Policy{}, authz.ErrConflict
	}
	p.ID = t.id()
	p.CreatedAt, p.UpdatedAt = t.now(), t.now()
	t.policies[p.ID] = p
	return p, nil
}

func (t *tx) UpdatePolicy(_ context.Context, p authz.Policy) (authz.Policy, error) {
	if _, ok := t.policies[p.ID]; !ok {
		return authz.Policy{}, authz.ErrNotFound
	}
	p.UpdatedAt = t.now()
	t.policies[p.ID] = p
	return p, nil
}

func (t *tx) DeletePolicy(_ context.Context, id int64) error {
	if _, ok := t.policies[id]; !ok {
		return authz.ErrNotFound
	}
	delete(t.policies, id)
	for k, a := range t.assignments {
		if a.PolicyID == id {
			delete(t.assignments, k)
		}
	}
	return nil
}

func (t *tx) CreateAssignment(_ context.Context, a authz.PolicyAssignment) (authz.PolicyAssignment, error) {
	if _, ok := t.policies[a.PolicyID]; !ok {
		return authz.PolicyAssignment{}, authz.ErrNotFound
	}
	a.ID, a.CreatedAt = t.id(), t.now()
	t.assignments[a.ID] = a
	return a, nil
}

func (t *tx) DeleteAssignment(_ context.Context, id int64) (authz.PolicyAssignment, error) {
	a, ok := t.assignments[id]
	if !ok {
		return authz.PolicyAssignment{}, authz.ErrNotFound
	}
	delete(t.assignments, id)
	return a, nil
}

var _ authz.RuleStore = (*Store)(nil)
