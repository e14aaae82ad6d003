package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
)

// GrantReader serves the decision path.
type GrantReader interface {
	SubjectGrants(ctx context.Context, subjectID int64, filter GrantFilter) ([]GrantRow, error)
	// SubjectPolicies returns active policies bound to the subject directly,
	// through its active roles, its department or its position.
	SubjectPolicies(ctx context.Context, subjectID int64) ([]PolicyBinding, error)
}

// SubjectResolver finds the subjects whose decisions depend on an entity.
type SubjectResolver interface {
	SubjectsForPermission(ctx context.Context, permissionID int64) ([]int64, error)
	SubjectsForRole(ctx context.Context, roleID int64) ([]int64, error)
	SubjectsForPolicy(ctx context.Context, policyID int64) ([]int64, error)
	SubjectsForAssignee(ctx context.Context, assigneeType AssigneeType, assigneeID int64) ([]int64, error)
}

// PermissionFilter narrows ListPermissions.
type PermissionFilter struct {
	Resource   string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// CatalogReader exposes read access to the permission catalogue.
type CatalogReader interface {
	GetPermission(ctx context.Context, id int64) (Permission, error)
	FindPermissionByCode(ctx context.Context, code string) (Permission, error)
	FindPermissionByTuple(ctx context.Context, resource string, action Action, scope Scope) (Permission, error)
	ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetPolicy(ctx context.Context, id int64) (Policy, error)
	FindPolicyByCode(ctx context.Context, code string) (Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	ListAssignments(ctx context.Context, policyID int64) ([]PolicyAssignment, error)
	// WarmupSubjects lists subjects holding active memberships or direct
	// grants, most recently granted first.
	WarmupSubjects(ctx context.Context, limit int) ([]int64, error)
}

// Tx is the transactional view used by administrative mutations.
type Tx interface {
	CatalogReader
	SubjectResolver

	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	UpdatePermission(ctx context.Context, p Permission) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error

	CreateRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, r Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error

	UpsertUserPermission(ctx context.Context, up UserPermission) (UserPermission, error)
	DeleteUserPermission(ctx context.Context, userID, permissionID int64) error
	UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error)
	DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error
	CreateResourcePermission(ctx context.Context, rp ResourcePermission) (ResourcePermission, error)
	DeleteResourcePermission(ctx context.Context, id int64) (ResourcePermission, error)

	UpsertUserRole(ctx context.Context, ur UserRole) (UserRole, error)
	DeleteUserRole(ctx context.Context, userID, roleID int64) error
	UpsertSubject(ctx context.Context, s Subject) error

	CreatePolicy(ctx context.Context, p Policy) (Policy, error)
	UpdatePolicy(ctx context.Context, p Policy) (Policy, error)
	DeletePolicy(ctx context.Context, id int64) error
	CreateAssignment(ctx context.Context, a PolicyAssignment) (PolicyAssignment, error)
	DeleteAssignment(ctx context.Context, id int64) (PolicyAssignment, error)
}

// RuleStore is the durable source of truth.
type RuleStore interface {
	GrantReader
	SubjectResolver
	CatalogReader
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// DecisionKey addresses one cached decision.
type DecisionKey struct {
	SubjectID  int64
	Resource   string
	Action     Action
	Scope      Scope
	ResourceID string
}

// String renders the key without the cache namespace.
func (k DecisionKey) String() string {
	return strings.Join([]string{formatID(k.SubjectID), k.Resource, string(k.Action), string(k.Scope), k.ResourceID}, ":")
}

func keyOf(req CheckRequest) DecisionKey {
	return DecisionKey{SubjectID: req.SubjectID, Resource: req.Resource, Action: req.Action, Scope: req.Scope, ResourceID: req.ResourceID}
}

// DecisionCache stores boolean outcomes of previous checks.
type DecisionCache interface {
	Get(ctx context.Context, key DecisionKey) (allowed bool, found bool, err error)
	Set(ctx context.Context, key DecisionKey, allowed bool) error
	InvalidateSubject(ctx context.Context, subjectID int64) (int, error)
}

// AuditSink receives decision and mutation records.
type AuditSink interface {
	Record(ctx context.Context, entry audit.Entry) error
}

func storeError(op string, err error) error {
	return &DependencyError{Dependency: "database", Err: fmt.Errorf("%s: %w", op, err)}
}

func clock(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return func() time.Time { return time.Now().UTC() }
}
