package authz

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PermissionInput is the payload for creating or updating a permission.
type PermissionInput struct {
	Code         string            `json:"code" validate:"required,max=100"`
	Resource     string            `json:"resource" validate:"required,max=100"`
	Action       Action            `json:"action" validate:"required"`
	Scope        Scope             `json:"scope"`
	Description  string            `json:"description" validate:"max=500"`
	Conditions   *policy.Condition `json:"conditions"`
	IsSystem     bool              `json:"isSystemPermission"`
	IsActive     *bool             `json:"isActive"`
	Dependencies []int64           `json:"dependencies" validate:"dive,gt=0"`
}

// RoleInput is the payload for creating or updating a role.
type RoleInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	IsActive    *bool  `json:"isActive"`
}

// UserPermissionInput grants or denies a permission directly.
type UserPermissionInput struct {
	UserID       int64 `json:"userId" validate:"gt=0"`
	PermissionID int64 `json:"permissionId" validate:"gt=0"`
	IsGranted    bool  `json:"isGranted"`
	Priority     int   `json:"priority"`
	IsTemporary  bool  `json:"isTemporary"`
	Validity
}

// RolePermissionInput grants or denies a permission through a role.
type RolePermissionInput struct {
	RoleID       int64 `json:"roleId" validate:"gt=0"`
	PermissionID int64 `json:"permissionId" validate:"gt=0"`
	IsGranted    bool  `json:"isGranted"`
	Priority     int   `json:"priority"`
	Validity
}

// ResourcePermissionInput grants a permission on one resource instance.
type ResourcePermissionInput struct {
	UserID       int64  `json:"userId" validate:"gt=0"`
	PermissionID int64  `json:"permissionId" validate:"gt=0"`
	ResourceType string `json:"resourceType" validate:"required,max=100"`
	ResourceID   string `json:"resourceId" validate:"required,max=100"`
	Validity
}

// UserRoleInput assigns a role to a user.
type UserRoleInput struct {
	UserID int64 `json:"userId" validate:"gt=0"`
	RoleID int64 `json:"roleId" validate:"gt=0"`
	Validity
}

// PolicyInput is the payload for creating or updating a policy.
type PolicyInput struct {
	Code        string          `json:"code" validate:"required,max=100"`
	Name        string          `json:"name" validate:"required,max=200"`
	Type        policy.Type     `json:"policyType" validate:"required"`
	Rules       json.RawMessage `json:"rules" validate:"required"`
	Priority    int             `json:"priority" validate:"gte=0"`
	IsActive    *bool           `json:"isActive"`
	Grants      []string        `json:"grants" validate:"required,min=1,dive,required"`
	Description string          `json:"description" validate:"max=500"`
}

// AssignmentInput binds a policy to an assignee.
type AssignmentInput struct {
	PolicyID     int64             `json:"policyId" validate:"gt=0"`
	AssigneeType AssigneeType      `json:"assigneeType" validate:"required"`
	AssigneeID   int64             `json:"assigneeId" validate:"gt=0"`
	Conditions   *policy.Condition `json:"conditions"`
	Validity
}

// AdminConfig wires the administration service.
type AdminConfig struct {
	Store      RuleStore
	Policies   *policy.Registry
	Dispatcher Dispatcher
	Audit      AuditSink
	Logger     *slog.Logger
	Now        func() time.Time
}

// AdminService mutates the rule store. Each mutation commits in one
// transaction, is audited and then dispatches invalidation for every subject
// whose decisions it may change.
type AdminService struct {
	store      RuleStore
	policies   *policy.Registry
	dispatcher Dispatcher
	audit      AuditSink
	logger     *slog.Logger
	now        func() time.Time
}

// NewAdminService constructs the service.
func NewAdminService(cfg AdminConfig) (*AdminService, error) {
	if cfg.Store == nil {
		return nil, errors.New("authz: rule store required")
	}
	if cfg.Policies == nil {
		return nil, errors.New("authz: policy registry required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		store:      cfg.Store,
		policies:   cfg.Policies,
		dispatcher: cfg.Dispatcher,
		audit:      cfg.Audit,
		logger:     logger,
		now:        clock(cfg.Now),
	}, nil
}

// change describes a committed mutation.
type change struct {
	action     string
	entityType string
	entityID   int64
	subjects   []int64
	metadata   map[string]any
}

func (s *AdminService) apply(ctx context.Context, actorID int64, fn func(Tx) (change, error)) error {
	var c change
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		c, err = fn(tx)
		return err
	})
	if err != nil {
		return txError(err)
	}

	if s.audit != nil {
		entry := audit.Entry{
			ActorID:    actorID,
			Action:     c.action,
			EntityType: c.entityType,
			EntityID:   formatID(c.entityID),
			Metadata:   c.metadata,
			Timestamp:  s.now(),
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit mutation", slog.String("action", c.action), slog.Any("error", err))
		}
	}
	if s.dispatcher != nil && len(c.subjects) > 0 {
		ev := InvalidationEvent{Reason: c.entityType + "." + c.action, Subjects: uniqueIDs(c.subjects)}
		if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
			s.logger.Error("dispatch invalidation", slog.String("reason", ev.Reason), slog.Int("subjects", len(ev.Subjects)), slog.Any("error", err))
		}
	}
	return nil
}

func txError(err error) error {
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrImmutable, ErrValidation, ErrDependencyUnavailable} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storeError("transaction", err)
}

// CreatePermission adds a permission to the catalogue.
func (s *AdminService) CreatePermission(ctx context.Context, actorID int64, in PermissionInput) (Permission, error) {
	p, err := s.permissionFromInput(in)
	if err != nil {
		return Permission{}, err
	}
	err = s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if err := ensureUniquePermission(ctx, tx, p); err != nil {
			return change{}, err
		}
		if err := checkDependencies(ctx, tx, 0, p.Dependencies); err != nil {
			return change{}, err
		}
		created, err := tx.CreatePermission(ctx, p)
		if err != nil {
			return change{}, err
		}
		p = created
		return change{action: "create", entityType: "permission", entityID: p.ID, metadata: map[string]any{"code": p.Code}}, nil
	})
	return p, err
}

// UpdatePermission replaces a non-system permission.
func (s *AdminService) UpdatePermission(ctx context.Context, actorID, id int64, in PermissionInput) (Permission, error) {
	p, err := s.permissionFromInput(in)
	if err != nil {
		return Permission{}, err
	}
	p.ID = id
	err = s.apply(ctx, actorID, func(tx Tx) (change, error) {
		current, err := tx.GetPermission(ctx, id)
		if err != nil {
			return change{}, err
		}
		if current.IsSystem {
			return change{}, ErrImmutable
		}
		if err := ensureUniquePermission(ctx, tx, p); err != nil {
			return change{}, err
		}
		if err := checkDependencies(ctx, tx, id, p.Dependencies); err != nil {
			return change{}, err
		}
		p.IsSystem = false
		p.CreatedAt = current.CreatedAt
		updated, err := tx.UpdatePermission(ctx, p)
		if err != nil {
			return change{}, err
		}
		p = updated
		subjects, err := tx.SubjectsForPermission(ctx, id)
		if err != nil {
			return change{}, err
		}
		return change{action: "update", entityType: "permission", entityID: id, subjects: subjects, metadata: map[string]any{"code": p.Code}}, nil
	})
	return p, err
}

// DeletePermission removes a non-system permission and every grant of it.
func (s *AdminService) DeletePermission(ctx context.Context, actorID, id int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		current, err := tx.GetPermission(ctx, id)
		if err != nil {
			return change{}, err
		}
		if current.IsSystem {
			return change{}, ErrImmutable
		}
		subjects, err := tx.SubjectsForPermission(ctx, id)
		if err != nil {
			return change{}, err
		}
		if err := tx.DeletePermission(ctx, id); err != nil {
			return change{}, err
		}
		return change{action: "delete", entityType: "permission", entityID: id, subjects: subjects, metadata: map[string]any{"code": current.Code}}, nil
	})
}

// GetPermission returns one permission.
func (s *AdminService) GetPermission(ctx context.Context, id int64) (Permission, error) {
	p, err := s.store.GetPermission(ctx, id)
	return p, readError(err)
}

// ListPermissions lists the catalogue.
func (s *AdminService) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	filter.Resource = normaliseName(filter.Resource)
	out, err := s.store.ListPermissions(ctx, filter)
	return out, readError(err)
}

// CreateRole adds a role.
func (s *AdminService) CreateRole(ctx context.Context, actorID int64, in RoleInput) (Role, error) {
	if err := validate.Struct(in); err != nil {
		return Role{}, validationError("%v", err)
	}
	r := Role{Name: strings.TrimSpace(in.Name), Description: strings.TrimSpace(in.Description), IsActive: boolOr(in.IsActive, true)}
	err := s.apply(ctx, actorID, func(tx Tx) (change, error) {
		created, err := tx.CreateRole(ctx, r)
		if err != nil {
			return change{}, err
		}
		r = created
		return change{action: "create", entityType: "role", entityID: r.ID, metadata: map[string]any{"name": r.Name}}, nil
	})
	return r, err
}

// UpdateRole replaces a role. Deactivating a role invalidates its members.
func (s *AdminService) UpdateRole(ctx context.Context, actorID, id int64, in RoleInput) (Role, error) {
	if err := validate.Struct(in); err != nil {
		return Role{}, validationError("%v", err)
	}
	r := Role{ID: id, Name: strings.TrimSpace(in.Name), Description: strings.TrimSpace(in.Description), IsActive: boolOr(in.IsActive, true)}
	err := s.apply(ctx, actorID, func(tx Tx) (change, error) {
		current, err := tx.GetRole(ctx, id)
		if err != nil {
			return change{}, err
		}
		r.CreatedAt = current.CreatedAt
		updated, err := tx.UpdateRole(ctx, r)
		if err != nil {
			return change{}, err
		}
		r = updated
		subjects, err := tx.SubjectsForRole(ctx, id)
		if err != nil {
			return change{}, err
		}
		return change{action: "update", entityType: "role", entityID: id, subjects: subjects, metadata: map[string]any{"name": r.Name, "isActive": r.IsActive}}, nil
	})
	return r, err
}

// DeleteRole removes a role with its grants and memberships.
func (s *AdminService) DeleteRole(ctx context.Context, actorID, id int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if _, err := tx.GetRole(ctx, id); err != nil {
			return change{}, err
		}
		subjects, err := tx.SubjectsForRole(ctx, id)
		if err != nil {
			return change{}, err
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return change{}, err
		}
		return change{action: "delete", entityType: "role", entityID: id, subjects: subjects}, nil
	})
}

// ListRoles lists every role.
func (s *AdminService) ListRoles(ctx context.Context) ([]Role, error) {
	out, err := s.store.ListRoles(ctx)
	return out, readError(err)
}

// SetUserPermission creates or replaces a direct grant or deny.
func (s *AdminService) SetUserPermission(ctx context.Context, actorID int64, in UserPermissionInput) (UserPermission, error) {
	if err := validate.Struct(in); err != nil {
		return UserPermission{}, validationError("%v", err)
	}
	if err := in.Validity.check(); err != nil {
		return UserPermission{}, err
	}
	if in.IsTemporary && in.ValidUntil == nil {
		return UserPermission{}, validationError("temporary grants require validUntil")
	}
	up := UserPermission{
		UserID:       in.UserID,
		PermissionID: in.PermissionID,
		IsGranted:    in.IsGranted,
		Priority:     in.Priority,
		IsTemporary:  in.IsTemporary,
		Validity:     in.Validity,
	}
	err := s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if _, err := tx.GetPermission(ctx, in.PermissionID); err != nil {
			return change{}, err
		}
		saved, err := tx.UpsertUserPermission(ctx, up)
		if err != nil {
			return change{}, err
		}
		up = saved
		return change{
			action:     "set",
			entityType: "user_permission",
			entityID:   up.ID,
			subjects:   []int64{up.UserID},
			metadata:   map[string]any{"userId": up.UserID, "permissionId": up.PermissionID, "isGranted": up.IsGranted, "priority": up.Priority},
		}, nil
	})
	return up, err
}

// RevokeUserPermission removes a direct grant or deny.
func (s *AdminService) RevokeUserPermission(ctx context.Context, actorID, userID, permissionID int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if err := tx.DeleteUserPermission(ctx, userID, permissionID); err != nil {
			return change{}, err
		}
		return change{
			action:     "revoke",
			entityType: "user_permission",
			entityID:   permissionID,
			subjects:   []int64{userID},
			metadata:   map[string]any{"userId": userID},
		}, nil
	})
}

// SetRolePermission creates or replaces a role grant or deny.
func (s *AdminService) SetRolePermission(ctx context.Context, actorID int64, in RolePermissionInput) (RolePermission, error) {
	if err := validate.Struct(in); err != nil {
		return RolePermission{}, validationError("%v", err)
	}
	if err := in.Validity.check(); err != nil {
		return RolePermission{}, err
	}
	rp := RolePermission{RoleID: in.RoleID, PermissionID: in.PermissionID, IsGranted: in.IsGranted, Priority: in.Priority, Validity: in.Validity}
	err := s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if _, err := tx.GetRole(ctx, in.RoleID); err != nil {
			return change{}, err
		}
		if _, err := tx.GetPermission(ctx, in.PermissionID); err != nil {
			return change{}, err
		}
		saved, err := tx.UpsertRolePermission(ctx, rp)
		if err != nil {
			return change{}, err
		}
		rp = saved
		subjects, err := tx.SubjectsForRole(ctx, rp.RoleID)
		if err != nil {
			return change{}, err
		}
		return change{
			action:     "set",
			entityType: "role_permission",
			entityID:   rp.ID,
			subjects:   subjects,
			metadata:   map[string]any{"roleId": rp.RoleID, "permissionId": rp.PermissionID, "isGranted": rp.IsGranted, "priority": rp.Priority},
		}, nil
	})
	return rp, err
}

// RevokeRolePermission removes a role grant or deny.
func (s *AdminService) RevokeRolePermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		subjects, err := tx.SubjectsForRole(ctx, roleID)
		if err != nil {
			return change{}, err
		}
		if err := tx.DeleteRolePermission(ctx, roleID, permissionID); err != nil {
			return change{}, err
		}
		return change{
			action:     "revoke",
			entityType: "role_permission",
			entityID:   permissionID,
			subjects:   subjects,
			metadata:   map[string]any{"roleId": roleID},
		}, nil
	})
}

// GrantResourcePermission grants a permission on one resource instance.
func (s *AdminService) GrantResourcePermission(ctx context.Context, actorID int64, in ResourcePermissionInput) (ResourcePermission, error) {
	if err := validate.Struct(in); err != nil {
		return ResourcePermission{}, validationError("%v", err)
	}
	if err := in.Validity.check(); err != nil {
		return ResourcePermission{}, err
	}
	rp := ResourcePermission{
		UserID:       in.UserID,
		PermissionID: in.PermissionID,
		ResourceType: normaliseName(in.ResourceType),
		ResourceID:   strings.TrimSpace(in.ResourceID),
		IsGranted:    true,
		Validity:     in.Validity,
	}
	err := s.apply(ctx, actorID, func(tx Tx) (change, error) {
		perm, err := tx.GetPermission(ctx, in.PermissionID)
		if err != nil {
			return change{}, err
		}
		if perm.Resource != rp.ResourceType {
			return change{}, validationError("permission %s does not apply to resource type %s", perm.Code, rp.ResourceType)
		}
		created, err := tx.CreateResourcePermission(ctx, rp)
		if err != nil {
			return change{}, err
		}
		rp = created
		return change{
			action:     "grant",
			entityType: "resource_permission",
			entityID:   rp.ID,
			subjects:   []int64{rp.UserID},
			metadata:   map[string]any{"userId": rp.UserID, "permissionId": rp.PermissionID, "resourceType": rp.ResourceType, "resourceId": rp.ResourceID},
		}, nil
	})
	return rp, err
}

// RevokeResourcePermission removes a resource-instance grant.
func (s *AdminService) RevokeResourcePermission(ctx context.Context, actorID, id int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		removed, err := tx.DeleteResourcePermission(ctx, id)
		if err != nil {
			return change{}, err
		}
		return change{
			action:     "revoke",
			entityType: "resource_permission",
			entityID:   id,
			subjects:   []int64{removed.UserID},
			metadata:   map[string]any{"userId": removed.UserID, "resourceType": removed.ResourceType, "resourceId": removed.ResourceID},
		}, nil
	})
}

// AssignRole adds or refreshes a role membership.
func (s *AdminService) AssignRole(ctx context.Context, actorID int64, in UserRoleInput) (UserRole, error) {
	if err := validate.Struct(in); err != nil {
		return UserRole{}, validationError("%v", err)
	}
	if err := in.Validity.check(); err != nil {
		return UserRole{}, err
	}
	ur := UserRole{UserID: in.UserID, RoleID: in.RoleID, IsActive: true, Validity: in.Validity}
	err := s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if _, err := tx.GetRole(ctx, in.RoleID); err != nil {
			return change{}, err
		}
		saved, err := tx.UpsertUserRole(ctx, ur)
		if err != nil {
			return change{}, err
		}
		ur = saved
		return change{
			action:     "assign",
			entityType: "user_role",
			entityID:   ur.ID,
			subjects:   []int64{ur.UserID},
			metadata:   map[string]any{"userId": ur.UserID, "roleId": ur.RoleID},
		}, nil
	})
	return ur, err
}

// UnassignRole removes a role membership.
func (s *AdminService) UnassignRole(ctx context.Context, actorID, userID, roleID int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if err := tx.DeleteUserRole(ctx, userID, roleID); err != nil {
			return change{}, err
		}
		return change{
			action:     "unassign",
			entityType: "user_role",
			entityID:   roleID,
			subjects:   []int64{userID},
			metadata:   map[string]any{"userId": userID},
		}, nil
	})
}

// UpsertSubject records the subject's department and position, which decide
// the policies bound to it.
func (s *AdminService) UpsertSubject(ctx context.Context, actorID int64, subject Subject) error {
	if subject.ID <= 0 {
		return validationError("subject id must be positive")
	}
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if err := tx.UpsertSubject(ctx, subject); err != nil {
			return change{}, err
		}
		return change{
			action:     "upsert",
			entityType: "subject",
			entityID:   subject.ID,
			subjects:   []int64{subject.ID},
			metadata:   map[string]any{"departmentId": subject.DepartmentID, "positionId": subject.PositionID},
		}, nil
	})
}

// CreatePolicy validates the rules against the registry before storing.
func (s *AdminService) CreatePolicy(ctx context.Context, actorID int64, in PolicyInput) (Policy, error) {
	p, err := s.policyFromInput(in)
	if err != nil {
		return Policy{}, err
	}
	err = s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if err := ensureUniquePolicy(ctx, tx, p); err != nil {
			return change{}, err
		}
		if err := checkGrantCodes(ctx, tx, p.Grants); err != nil {
			return change{}, err
		}
		created, err := tx.CreatePolicy(ctx, p)
		if err != nil {
			return change{}, err
		}
		p = created
		return change{action: "create", entityType: "policy", entityID: p.ID, metadata: map[string]any{"code": p.Code, "type": string(p.Type)}}, nil
	})
	return p, err
}

// UpdatePolicy replaces a policy.
func (s *AdminService) UpdatePolicy(ctx context.Context, actorID, id int64, in PolicyInput) (Policy, error) {
	p, err := s.policyFromInput(in)
	if err != nil {
		return Policy{}, err
	}
	p.ID = id
	err = s.apply(ctx, actorID, func(tx Tx) (change, error) {
		current, err := tx.GetPolicy(ctx, id)
		if err != nil {
			return change{}, err
		}
		if err := ensureUniquePolicy(ctx, tx, p); err != nil {
			return change{}, err
		}
		if err := checkGrantCodes(ctx, tx, p.Grants); err != nil {
			return change{}, err
		}
		p.CreatedAt = current.CreatedAt
		updated, err := tx.UpdatePolicy(ctx, p)
		if err != nil {
			return change{}, err
		}
		p = updated
		subjects, err := tx.SubjectsForPolicy(ctx, id)
		if err != nil {
			return change{}, err
		}
		return change{action: "update", entityType: "policy", entityID: id, subjects: subjects, metadata: map[string]any{"code": p.Code, "isActive": p.IsActive}}, nil
	})
	return p, err
}

// DeletePolicy removes a policy with its assignments.
func (s *AdminService) DeletePolicy(ctx context.Context, actorID, id int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		current, err := tx.GetPolicy(ctx, id)
		if err != nil {
			return change{}, err
		}
		subjects, err := tx.SubjectsForPolicy(ctx, id)
		if err != nil {
			return change{}, err
		}
		if err := tx.DeletePolicy(ctx, id); err != nil {
			return change{}, err
		}
		return change{action: "delete", entityType: "policy", entityID: id, subjects: subjects, metadata: map[string]any{"code": current.Code}}, nil
	})
}

// GetPolicy returns one policy.
func (s *AdminService) GetPolicy(ctx context.Context, id int64) (Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	return p, readError(err)
}

// ListPolicies lists every policy ordered by priority.
func (s *AdminService) ListPolicies(ctx context.Context) ([]Policy, error) {
	out, err := s.store.ListPolicies(ctx)
	return out, readError(err)
}

// ListAssignments lists the assignments of a policy.
func (s *AdminService) ListAssignments(ctx context.Context, policyID int64) ([]PolicyAssignment, error) {
	if _, err := s.store.GetPolicy(ctx, policyID); err != nil {
		return nil, readError(err)
	}
	out, err := s.store.ListAssignments(ctx, policyID)
	return out, readError(err)
}

// AssignPolicy binds a policy to a user, role, department or position.
func (s *AdminService) AssignPolicy(ctx context.Context, actorID int64, in AssignmentInput) (PolicyAssignment, error) {
	if err := validate.Struct(in); err != nil {
		return PolicyAssignment{}, validationError("%v", err)
	}
	in.AssigneeType = AssigneeType(cases.Upper(language.Und).String(strings.TrimSpace(string(in.AssigneeType))))
	if !in.AssigneeType.Valid() {
		return PolicyAssignment{}, validationError("unknown assignee type %q", in.AssigneeType)
	}
	if err := in.Validity.check(); err != nil {
		return PolicyAssignment{}, err
	}
	if in.Conditions != nil {
		if err := in.Conditions.Validate(); err != nil {
			return PolicyAssignment{}, validationError("conditions: %v", err)
		}
	}
	a := PolicyAssignment{
		PolicyID:     in.PolicyID,
		AssigneeType: in.AssigneeType,
		AssigneeID:   in.AssigneeID,
		Conditions:   in.Conditions,
		Validity:     in.Validity,
	}
	err := s.apply(ctx, actorID, func(tx Tx) (change, error) {
		if _, err := tx.GetPolicy(ctx, a.PolicyID); err != nil {
			return change{}, err
		}
		if a.AssigneeType == AssigneeRole {
			if _, err := tx.GetRole(ctx, a.AssigneeID); err != nil {
				return change{}, err
			}
		}
		created, err := tx.CreateAssignment(ctx, a)
		if err != nil {
			return change{}, err
		}
		a = created
		subjects, err := tx.SubjectsForAssignee(ctx, a.AssigneeType, a.AssigneeID)
		if err != nil {
			return change{}, err
		}
		return change{
			action:     "assign",
			entityType: "policy_assignment",
			entityID:   a.ID,
			subjects:   subjects,
			metadata:   map[string]any{"policyId": a.PolicyID, "assigneeType": string(a.AssigneeType), "assigneeId": a.AssigneeID},
		}, nil
	})
	return a, err
}

// UnassignPolicy removes an assignment.
func (s *AdminService) UnassignPolicy(ctx context.Context, actorID, id int64) error {
	return s.apply(ctx, actorID, func(tx Tx) (change, error) {
		removed, err := tx.DeleteAssignment(ctx, id)
		if err != nil {
			return change{}, err
		}
		subjects, err := tx.SubjectsForAssignee(ctx, removed.AssigneeType, removed.AssigneeID)
		if err != nil {
			return change{}, err
		}
		return change{
			action:     "unassign",
			entityType: "policy_assignment",
			entityID:   id,
			subjects:   subjects,
			metadata:   map[string]any{"policyId": removed.PolicyID, "assigneeType": string(removed.AssigneeType), "assigneeId": removed.AssigneeID},
		}, nil
	})
}

// Plugins lists the registered policy plugins.
func (s *AdminService) Plugins() []policy.PluginInfo {
	return s.policies.Plugins()
}

func (s *AdminService) permissionFromInput(in PermissionInput) (Permission, error) {
	in.Action = Action(cases.Upper(language.Und).String(strings.TrimSpace(string(in.Action))))
	in.Scope = Scope(cases.Upper(language.Und).String(strings.TrimSpace(string(in.Scope))))
	if err := validate.Struct(in); err != nil {
		return Permission{}, validationError("%v", err)
	}
	if !in.Action.Valid() {
		return Permission{}, validationError("unknown action %q", in.Action)
	}
	if !in.Scope.Valid() {
		return Permission{}, validationError("unknown scope %q", in.Scope)
	}
	if in.Conditions != nil {
		if err := in.Conditions.Validate(); err != nil {
			return Permission{}, validationError("conditions: %v", err)
		}
	}
	return Permission{
		Code:         normaliseName(in.Code),
		Resource:     normaliseName(in.Resource),
		Action:       in.Action,
		Scope:        in.Scope,
		Description:  strings.TrimSpace(in.Description),
		Conditions:   in.Conditions,
		IsSystem:     in.IsSystem,
		IsActive:     boolOr(in.IsActive, true),
		Dependencies: uniqueIDs(in.Dependencies),
	}, nil
}

func (s *AdminService) policyFromInput(in PolicyInput) (Policy, error) {
	in.Type = policy.Type(cases.Upper(language.Und).String(strings.TrimSpace(string(in.Type))))
	if err := validate.Struct(in); err != nil {
		return Policy{}, validationError("%v", err)
	}
	if !s.policies.Supports(in.Type) {
		return Policy{}, validationError("unsupported policy type %q", in.Type)
	}
	if err := s.policies.Validate(in.Type, in.Rules); err != nil {
		return Policy{}, validationError("rules: %v", err)
	}
	grants := make([]string, 0, len(in.Grants))
	seen := make(map[string]struct{}, len(in.Grants))
	for _, g := range in.Grants {
		code := normaliseName(g)
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		grants = append(grants, code)
	}
	return Policy{
		Code:        normaliseName(in.Code),
		Name:        strings.TrimSpace(in.Name),
		Type:        in.Type,
		Rules:       in.Rules,
		Priority:    in.Priority,
		IsActive:    boolOr(in.IsActive, true),
		Grants:      grants,
		Description: strings.TrimSpace(in.Description),
	}, nil
}

func ensureUniquePermission(ctx context.Context, tx Tx, p Permission) error {
	if existing, err := tx.FindPermissionByCode(ctx, p.Code); err == nil && existing.ID != p.ID {
		return conflictError("permission code %s already exists", p.Code)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if p.Scope == ScopeNone {
		return nil
	}
	if existing, err := tx.FindPermissionByTuple(ctx, p.Resource, p.Action, p.Scope); err == nil && existing.ID != p.ID {
		return conflictError("permission %s:%s:%s already exists as %s", p.Resource, p.Action, p.Scope, existing.Code)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func ensureUniquePolicy(ctx context.Context, tx Tx, p Policy) error {
	existing, err := tx.FindPolicyByCode(ctx, p.Code)
	switch {
	case err == nil && existing.ID != p.ID:
		return conflictError("policy code %s already exists", p.Code)
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	return nil
}

// checkDependencies verifies every dependency exists and that self is not
// reachable from them.
func checkDependencies(ctx context.Context, tx Tx, self int64, deps []int64) error {
	visited := make(map[int64]struct{})
	stack := append([]int64(nil), deps...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if self != 0 && id == self {
			return validationError("dependency cycle through permission %d", self)
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		p, err := tx.GetPermission(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return validationError("dependency %d not found", id)
		}
		if err != nil {
			return err
		}
		stack = append(stack, p.Dependencies...)
	}
	return nil
}

func checkGrantCodes(ctx context.Context, tx Tx, codes []string) error {
	for _, code := range codes {
		_, err := tx.FindPermissionByCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return validationError("unknown permission code %s", code)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func readError(err error) error {
	if err == nil {
		return nil
	}
	return txError(err)
}

// normaliseName folds codes and resource names to lower case.
func normaliseName(s string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(s))
}

// upperName folds actions, scopes and type tags to upper case.
func upperName(s string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(s))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
