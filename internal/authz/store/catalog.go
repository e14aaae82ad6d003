package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

const permissionColumns = `p.id, p.code, p.resource, p.action, p.scope, p.description, p.conditions,
       p.is_system, p.is_active,
       COALESCE((SELECT array_agg(d.depends_on ORDER BY d.depends_on)
                 FROM authz_permission_dependencies d WHERE d.permission_id = p.id), '{}'::bigint[]),
       p.created_at, p.updated_at`

const policyColumns = `pol.id, pol.code, pol.name, pol.policy_type, pol.rules, pol.priority,
       pol.is_active, pol.grants, pol.description, pol.created_at, pol.updated_at`

const assignmentColumns = `a.id, a.policy_id, a.assignee_type, a.assignee_id, a.conditions,
       a.valid_from, a.valid_until, a.created_at`

func scanPermission(row pgx.Row) (authz.Permission, error) {
	var p authz.Permission
	err := row.Scan(&p.ID, &p.Code, &p.Resource, &p.Action, &p.Scope, &p.Description, &p.Conditions,
		&p.IsSystem, &p.IsActive, &p.Dependencies, &p.CreatedAt, &p.UpdatedAt)
	if len(p.Dependencies) == 0 {
		p.Dependencies = nil
	}
	return p, mapError(err)
}

func policyDest(p *authz.Policy) []any {
	return []any{&p.ID, &p.Code, &p.Name, &p.Type, &p.Rules, &p.Priority,
		&p.IsActive, &p.Grants, &p.Description, &p.CreatedAt, &p.UpdatedAt}
}

func assignmentDest(a *authz.PolicyAssignment) []any {
	return []any{&a.ID, &a.PolicyID, &a.AssigneeType, &a.AssigneeID, &a.Conditions,
		&a.ValidFrom, &a.ValidUntil, &a.CreatedAt}
}

func scanRole(row pgx.Row) (authz.Role, error) {
	var r authz.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsActive, &r.CreatedAt)
	return r, mapError(err)
}

func collectPermissions(rows pgx.Rows, err error) ([]authz.Permission, error) {
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (authz.Permission, error) {
		return scanPermission(row)
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// GetPermission implements authz.CatalogReader.
func (s *Store) GetPermission(ctx context.Context, id int64) (authz.Permission, error) {
	return scanPermission(s.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM authz_permissions p WHERE p.id = $1`, id))
}

// FindPermissionByCode implements authz.CatalogReader.
func (s *Store) FindPermissionByCode(ctx context.Context, code string) (authz.Permission, error) {
	return scanPermission(s.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM authz_permissions p WHERE p.code = $1`, code))
}

// FindPermissionByTuple implements authz.CatalogReader.
func (s *Store) FindPermissionByTuple(ctx context.Context, resource string, action authz.Action, scope authz.Scope) (authz.Permission, error) {
	return scanPermission(s.db.QueryRow(ctx, `SELECT `+permissionColumns+`
FROM authz_permissions p WHERE p.resource = $1 AND p.action = $2 AND p.scope = $3
ORDER BY p.id LIMIT 1`, resource, string(action), string(scope)))
}

// ListPermissions implements authz.CatalogReader.
func (s *Store) ListPermissions(ctx context.Context, filter authz.PermissionFilter) ([]authz.Permission, error) {
	return collectPermissions(s.db.Query(ctx, `SELECT `+permissionColumns+`
FROM authz_permissions p
WHERE ($1::text = '' OR p.resource = $1) AND (NOT $2::boolean OR p.is_active)
ORDER BY p.id
LIMIT $3 OFFSET $4`, filter.Resource, filter.ActiveOnly, limitArg(filter.Limit), max(filter.Offset, 0)))
}

// GetRole implements authz.CatalogReader.
func (s *Store) GetRole(ctx context.Context, id int64) (authz.Role, error) {
	return scanRole(s.db.QueryRow(ctx, `SELECT id, name, description, is_active, created_at FROM authz_roles WHERE id = $1`, id))
}

// ListRoles implements authz.CatalogReader.
func (s *Store) ListRoles(ctx context.Context) ([]authz.Role, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, description, is_active, created_at FROM authz_roles ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (authz.Role, error) {
		return scanRole(row)
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// GetPolicy implements authz.CatalogReader.
func (s *Store) GetPolicy(ctx context.Context, id int64) (authz.Policy, error) {
	var p authz.Policy
	err := s.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM authz_policies pol WHERE pol.id = $1`, id).Scan(policyDest(&p)...)
	return p, mapError(err)
}

// FindPolicyByCode implements authz.CatalogReader.
func (s *Store) FindPolicyByCode(ctx context.Context, code string) (authz.Policy, error) {
	var p authz.Policy
	err := s.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM authz_policies pol WHERE pol.code = $1`, code).Scan(policyDest(&p)...)
	return p, mapError(err)
}

// ListPolicies implements authz.CatalogReader.
func (s *Store) ListPolicies(ctx context.Context) ([]authz.Policy, error) {
	rows, err := s.db.Query(ctx, `SELECT `+policyColumns+` FROM authz_policies pol ORDER BY pol.priority, pol.id`)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (authz.Policy, error) {
		var p authz.Policy
		err := row.Scan(policyDest(&p)...)
		return p, err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ListAssignments implements authz.CatalogReader.
func (s *Store) ListAssignments(ctx context.Context, policyID int64) ([]authz.PolicyAssignment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+assignmentColumns+` FROM authz_policy_assignments a WHERE a.policy_id = $1 ORDER BY a.id`, policyID)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (authz.PolicyAssignment, error) {
		var a authz.PolicyAssignment
		err := row.Scan(assignmentDest(&a)...)
		return a, err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}
