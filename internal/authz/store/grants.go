package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

const subjectGrantsSQL = `
WITH wanted AS (
    SELECT p.id, p.code, p.resource, p.action, p.scope, p.conditions
    FROM authz_permissions p
    WHERE p.is_active
      AND (cardinality($2::text[]) = 0
           OR (p.resource, p.action) IN (SELECT r, a FROM unnest($2::text[], $3::text[]) AS t(r, a)))
)
SELECT 'user', w.id, w.code, w.resource, w.action, w.scope, w.conditions,
       up.is_granted, up.priority, 0::bigint, '', '', '',
       up.valid_from, up.valid_until, NULL::timestamptz, NULL::timestamptz
FROM authz_user_permissions up
JOIN wanted w ON w.id = up.permission_id
WHERE up.user_id = $1
UNION ALL
SELECT 'role', w.id, w.code, w.resource, w.action, w.scope, w.conditions,
       rp.is_granted, rp.priority, r.id, r.name, '', '',
       rp.valid_from, rp.valid_until, ur.valid_from, ur.valid_until
FROM authz_user_roles ur
JOIN authz_roles r ON r.id = ur.role_id AND r.is_active
JOIN authz_role_permissions rp ON rp.role_id = r.id
JOIN wanted w ON w.id = rp.permission_id
WHERE ur.user_id = $1 AND ur.is_active
UNION ALL
SELECT 'resource', w.id, w.code, w.resource, w.action, w.scope, w.conditions,
       rsp.is_granted, 0, 0::bigint, '', rsp.resource_type, rsp.resource_id,
       rsp.valid_from, rsp.valid_until, NULL::timestamptz, NULL::timestamptz
FROM authz_resource_permissions rsp
JOIN wanted w ON w.id = rsp.permission_id
WHERE rsp.user_id = $1 AND rsp.resource_id = ANY($4::text[])
ORDER BY 1, 2`

// SubjectGrants implements authz.GrantReader with a single round trip.
func (s *Store) SubjectGrants(ctx context.Context, subjectID int64, filter authz.GrantFilter) ([]authz.GrantRow, error) {
	resources := make([]string, len(filter.Pairs))
	actions := make([]string, len(filter.Pairs))
	for i, pair := range filter.Pairs {
		resources[i] = pair.Resource
		actions[i] = string(pair.Action)
	}
	resourceIDs := filter.ResourceIDs
	if resourceIDs == nil {
		resourceIDs = []string{}
	}
	rows, err := s.db.Query(ctx, subjectGrantsSQL, subjectID, resources, actions, resourceIDs)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (authz.GrantRow, error) {
		var g authz.GrantRow
		err := row.Scan(
			&g.Source, &g.PermissionID, &g.Code, &g.Resource, &g.Action, &g.Scope, &g.Conditions,
			&g.IsGranted, &g.Priority, &g.RoleID, &g.RoleName, &g.ResourceType, &g.ResourceID,
			&g.Validity.ValidFrom, &g.Validity.ValidUntil, &g.Membership.ValidFrom, &g.Membership.ValidUntil,
		)
		return g, err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

const subjectPoliciesSQL = `
SELECT ` + policyColumns + `, ` + assignmentColumns + `
FROM authz_policy_assignments a
JOIN authz_policies pol ON pol.id = a.policy_id AND pol.is_active
LEFT JOIN authz_subjects s ON s.id = $1
WHERE (a.assignee_type = 'USER' AND a.assignee_id = $1)
   OR (a.assignee_type = 'ROLE' AND a.assignee_id IN (
        SELECT ur.role_id FROM authz_user_roles ur
        JOIN authz_roles r ON r.id = ur.role_id
        WHERE ur.user_id = $1 AND ur.is_active AND r.is_active))
   OR (a.assignee_type = 'DEPARTMENT' AND a.assignee_id = s.department_id)
   OR (a.assignee_type = 'POSITION' AND a.assignee_id = s.position_id)
ORDER BY a.id`

// SubjectPolicies implements authz.GrantReader.
func (s *Store) SubjectPolicies(ctx context.Context, subjectID int64) ([]authz.PolicyBinding, error) {
	rows, err := s.db.Query(ctx, subjectPoliciesSQL, subjectID)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (authz.PolicyBinding, error) {
		var b authz.PolicyBinding
		err := row.Scan(append(policyDest(&b.Policy), assignmentDest(&b.Assignment)...)...)
		return b, err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// SubjectsForPermission implements authz.SubjectResolver.
func (s *Store) SubjectsForPermission(ctx context.Context, permissionID int64) ([]int64, error) {
	return collectIDs(s.db.Query(ctx, `
SELECT user_id FROM authz_user_permissions WHERE permission_id = $1
UNION
SELECT ur.user_id FROM authz_user_roles ur
JOIN authz_role_permissions rp ON rp.role_id = ur.role_id
WHERE rp.permission_id = $1
UNION
SELECT user_id FROM authz_resource_permissions WHERE permission_id = $1
ORDER BY 1`, permissionID))
}

// SubjectsForRole implements authz.SubjectResolver.
func (s *Store) SubjectsForRole(ctx context.Context, roleID int64) ([]int64, error) {
	return collectIDs(s.db.Query(ctx, `SELECT DISTINCT user_id FROM authz_user_roles WHERE role_id = $1 ORDER BY 1`, roleID))
}

// SubjectsForPolicy implements authz.SubjectResolver.
func (s *Store) SubjectsForPolicy(ctx context.Context, policyID int64) ([]int64, error) {
	return collectIDs(s.db.Query(ctx, `
SELECT a.assignee_id FROM authz_policy_assignments a
WHERE a.policy_id = $1 AND a.assignee_type = 'USER'
UNION
SELECT ur.user_id FROM authz_policy_assignments a
JOIN authz_user_roles ur ON ur.role_id = a.assignee_id
WHERE a.policy_id = $1 AND a.assignee_type = 'ROLE'
UNION
SELECT sub.id FROM authz_policy_assignments a
JOIN authz_subjects sub ON sub.department_id = a.assignee_id
WHERE a.policy_id = $1 AND a.assignee_type = 'DEPARTMENT'
UNION
SELECT sub.id FROM authz_policy_assignments a
JOIN authz_subjects sub ON sub.position_id = a.assignee_id
WHERE a.policy_id = $1 AND a.assignee_type = 'POSITION'
ORDER BY 1`, policyID))
}

// SubjectsForAssignee implements authz.SubjectResolver.
func (s *Store) SubjectsForAssignee(ctx context.Context, assigneeType authz.AssigneeType, assigneeID int64) ([]int64, error) {
	switch assigneeType {
	case authz.AssigneeUser:
		return []int64{assigneeID}, nil
	case authz.AssigneeRole:
		return s.SubjectsForRole(ctx, assigneeID)
	case authz.AssigneeDepartment:
		return collectIDs(s.db.Query(ctx, `SELECT id FROM authz_subjects WHERE department_id = $1 ORDER BY id`, assigneeID))
	case authz.AssigneePosition:
		return collectIDs(s.db.Query(ctx, `SELECT id FROM authz_subjects WHERE position_id = $1 ORDER BY id`, assigneeID))
	}
	return nil, nil
}

// WarmupSubjects implements authz.CatalogReader.
func (s *Store) WarmupSubjects(ctx context.Context, limit int) ([]int64, error) {
	return collectIDs(s.db.Query(ctx, `
SELECT user_id FROM (
    SELECT user_id, created_at FROM authz_user_roles WHERE is_active
    UNION ALL
    SELECT user_id, created_at FROM authz_user_permissions
) g
GROUP BY user_id
ORDER BY max(created_at) DESC, user_id
LIMIT $1`, limitArg(limit)))
}
