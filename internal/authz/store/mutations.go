package store

import (
	"context"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

// CreatePermission implements authz.Tx.
func (s *Store) CreatePermission(ctx context.Context, p authz.Permission) (authz.Permission, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_permissions (code, resource, action, scope, description, conditions, is_system, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at, updated_at`,
		p.Code, p.Resource, string(p.Action), string(p.Scope), p.Description, p.Conditions, p.IsSystem, p.IsActive,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return authz.Permission{}, mapError(err)
	}
	if err := s.replaceDependencies(ctx, p.ID, p.Dependencies); err != nil {
		return authz.Permission{}, err
	}
	return p, nil
}

// UpdatePermission implements authz.Tx.
func (s *Store) UpdatePermission(ctx context.Context, p authz.Permission) (authz.Permission, error) {
	err := s.db.QueryRow(ctx, `
UPDATE authz_permissions
SET code = $2, resource = $3, action = $4, scope = $5, description = $6, conditions = $7,
    is_active = $8, updated_at = now()
WHERE id = $1
RETURNING created_at, updated_at`,
		p.ID, p.Code, p.Resource, string(p.Action), string(p.Scope), p.Description, p.Conditions, p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return authz.Permission{}, mapError(err)
	}
	if err := s.replaceDependencies(ctx, p.ID, p.Dependencies); err != nil {
		return authz.Permission{}, err
	}
	return p, nil
}

func (s *Store) replaceDependencies(ctx context.Context, id int64, deps []int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM authz_permission_dependencies WHERE permission_id = $1`, id); err != nil {
		return mapError(err)
	}
	if len(deps) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO authz_permission_dependencies (permission_id, depends_on)
SELECT $1, unnest($2::bigint[])
ON CONFLICT DO NOTHING`, id, deps)
	return mapError(err)
}

// DeletePermission implements authz.Tx. Grants and dependencies cascade.
func (s *Store) DeletePermission(ctx context.Context, id int64) error {
	return affected(s.db.Exec(ctx, `DELETE FROM authz_permissions WHERE id = $1`, id))
}

// CreateRole implements authz.Tx.
func (s *Store) CreateRole(ctx context.Context, r authz.Role) (authz.Role, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_roles (name, description, is_active) VALUES ($1, $2, $3)
RETURNING id, created_at`, r.Name, r.Description, r.IsActive).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return authz.Role{}, mapError(err)
	}
	return r, nil
}

// UpdateRole implements authz.Tx.
func (s *Store) UpdateRole(ctx context.Context, r authz.Role) (authz.Role, error) {
	err := s.db.QueryRow(ctx, `
UPDATE authz_roles SET name = $2, description = $3, is_active = $4 WHERE id = $1
RETURNING created_at`, r.ID, r.Name, r.Description, r.IsActive).Scan(&r.CreatedAt)
	if err != nil {
		return authz.Role{}, mapError(err)
	}
	return r, nil
}

// DeleteRole implements authz.Tx. Role assignments of policies carry no
// foreign key and are removed explicitly.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM authz_policy_assignments WHERE assignee_type = 'ROLE' AND assignee_id = $1`, id); err != nil {
		return mapError(err)
	}
	return affected(s.db.Exec(ctx, `DELETE FROM authz_roles WHERE id = $1`, id))
}

// UpsertUserPermission implements authz.Tx.
func (s *Store) UpsertUserPermission(ctx context.Context, up authz.UserPermission) (authz.UserPermission, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_user_permissions (user_id, permission_id, is_granted, priority, is_temporary, valid_from, valid_until)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, permission_id) DO UPDATE
SET is_granted = EXCLUDED.is_granted, priority = EXCLUDED.priority, is_temporary = EXCLUDED.is_temporary,
    valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until
RETURNING id, created_at`,
		up.UserID, up.PermissionID, up.IsGranted, up.Priority, up.IsTemporary, up.ValidFrom, up.ValidUntil,
	).Scan(&up.ID, &up.CreatedAt)
	if err != nil {
		return authz.UserPermission{}, mapError(err)
	}
	return up, nil
}

// DeleteUserPermission implements authz.Tx.
func (s *Store) DeleteUserPermission(ctx context.Context, userID, permissionID int64) error {
	return affected(s.db.Exec(ctx, `DELETE FROM authz_user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID))
}

// UpsertRolePermission implements authz.Tx.
func (s *Store) UpsertRolePermission(ctx context.Context, rp authz.RolePermission) (authz.RolePermission, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_role_permissions (role_id, permission_id, is_granted, priority, valid_from, valid_until)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (role_id, permission_id) DO UPDATE
SET is_granted = EXCLUDED.is_granted, priority = EXCLUDED.priority,
    valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until
RETURNING id, created_at`,
		rp.RoleID, rp.PermissionID, rp.IsGranted, rp.Priority, rp.ValidFrom, rp.ValidUntil,
	).Scan(&rp.ID, &rp.CreatedAt)
	if err != nil {
		return authz.RolePermission{}, mapError(err)
	}
	return rp, nil
}

// DeleteRolePermission implements authz.Tx.
func (s *Store) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error {
	return affected(s.db.Exec(ctx, `DELETE FROM authz_role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID))
}

// CreateResourcePermission implements authz.Tx.
func (s *Store) CreateResourcePermission(ctx context.Context, rp authz.ResourcePermission) (authz.ResourcePermission, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_resource_permissions (user_id, permission_id, resource_type, resource_id, is_granted, valid_from, valid_until)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`,
		rp.UserID, rp.PermissionID, rp.ResourceType, rp.ResourceID, rp.IsGranted, rp.ValidFrom, rp.ValidUntil,
	).Scan(&rp.ID, &rp.CreatedAt)
	if err != nil {
		return authz.ResourcePermission{}, mapError(err)
	}
	return rp, nil
}

// DeleteResourcePermission implements authz.Tx and returns the removed row.
func (s *Store) DeleteResourcePermission(ctx context.Context, id int64) (authz.ResourcePermission, error) {
	var rp authz.ResourcePermission
	err := s.db.QueryRow(ctx, `
DELETE FROM authz_resource_permissions WHERE id = $1
RETURNING id, user_id, permission_id, resource_type, resource_id, is_granted, valid_from, valid_until, created_at`, id,
	).Scan(&rp.ID, &rp.UserID, &rp.PermissionID, &rp.ResourceType, &rp.ResourceID, &rp.IsGranted, &rp.ValidFrom, &rp.ValidUntil, &rp.CreatedAt)
	if err != nil {
		return authz.ResourcePermission{}, mapError(err)
	}
	return rp, nil
}

// UpsertUserRole implements authz.Tx.
func (s *Store) UpsertUserRole(ctx context.Context, ur authz.UserRole) (authz.UserRole, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_user_roles (user_id, role_id, is_active, valid_from, valid_until)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, role_id) DO UPDATE
SET is_active = EXCLUDED.is_active, valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until
RETURNING id, created_at`,
		ur.UserID, ur.RoleID, ur.IsActive, ur.ValidFrom, ur.ValidUntil,
	).Scan(&ur.ID, &ur.CreatedAt)
	if err != nil {
		return authz.UserRole{}, mapError(err)
	}
	return ur, nil
}

// DeleteUserRole implements authz.Tx.
func (s *Store) DeleteUserRole(ctx context.Context, userID, roleID int64) error {
	return affected(s.db.Exec(ctx, `DELETE FROM authz_user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID))
}

// UpsertSubject implements authz.Tx.
func (s *Store) UpsertSubject(ctx context.Context, sub authz.Subject) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO authz_subjects (id, department_id, position_id) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET department_id = EXCLUDED.department_id, position_id = EXCLUDED.position_id`,
		sub.ID, sub.DepartmentID, sub.PositionID)
	return mapError(err)
}

// CreatePolicy implements authz.Tx.
func (s *Store) CreatePolicy(ctx context.Context, p authz.Policy) (authz.Policy, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_policies (code, name, policy_type, rules, priority, is_active, grants, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at, updated_at`,
		p.Code, p.Name, string(p.Type), p.Rules, p.Priority, p.IsActive, p.Grants, p.Description,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return authz.Policy{}, mapError(err)
	}
	return p, nil
}

// UpdatePolicy implements authz.Tx.
func (s *Store) UpdatePolicy(ctx context.Context, p authz.Policy) (authz.Policy, error) {
	err := s.db.QueryRow(ctx, `
UPDATE authz_policies
SET code = $2, name = $3, policy_type = $4, rules = $5, priority = $6, is_active = $7, grants = $8,
    description = $9, updated_at = now()
WHERE id = $1
RETURNING created_at, updated_at`,
		p.ID, p.Code, p.Name, string(p.Type), p.Rules, p.Priority, p.IsActive, p.Grants, p.Description,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return authz.Policy{}, mapError(err)
	}
	return p, nil
}

// DeletePolicy implements authz.Tx. Assignments cascade.
func (s *Store) DeletePolicy(ctx context.Context, id int64) error {
	return affected(s.db.Exec(ctx, `DELETE FROM authz_policies WHERE id = $1`, id))
}

// CreateAssignment implements authz.Tx.
func (s *Store) CreateAssignment(ctx context.Context, a authz.PolicyAssignment) (authz.PolicyAssignment, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO authz_policy_assignments (policy_id, assignee_type, assignee_id, conditions, valid_from, valid_until)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at`,
		a.PolicyID, string(a.AssigneeType), a.AssigneeID, a.Conditions, a.ValidFrom, a.ValidUntil,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return authz.PolicyAssignment{}, mapError(err)
	}
	return a, nil
}

// DeleteAssignment implements authz.Tx and returns the removed row.
func (s *Store) DeleteAssignment(ctx context.Context, id int64) (authz.PolicyAssignment, error) {
	var a authz.PolicyAssignment
	err := s.db.QueryRow(ctx, `
DELETE FROM authz_policy_assignments a WHERE a.id = $1
RETURNING `+assignmentColumns, id).Scan(assignmentDest(&a)...)
	if err != nil {
		return authz.PolicyAssignment{}, mapError(err)
	}
	return a, nil
}
