// Package authz evaluates whether a subject may perform an action on a
// resource. Decisions are served from a per-subject permission matrix, a
// short-lived decision cache or the rule store, in that order.
package authz

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// MaxBatchItems caps the number of tuples accepted by BatchCheck.
const MaxBatchItems = 100

// Action is the verb part of a permission.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionApprove Action = "APPROVE"
	ActionExport  Action = "EXPORT"
	ActionImport  Action = "IMPORT"
	ActionManage  Action = "MANAGE"
)

var knownActions = map[Action]struct{}{
	ActionCreate: {}, ActionRead: {}, ActionUpdate: {}, ActionDelete: {},
	ActionApprove: {}, ActionExport: {}, ActionImport: {}, ActionManage: {},
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Scope qualifies how broadly a permission applies. The empty scope is a
// permission without scope.
type Scope string

const (
	ScopeNone       Scope = ""
	ScopeOwn        Scope = "OWN"
	ScopeDepartment Scope = "DEPARTMENT"
	ScopeAll        Scope = "ALL"
)

// Valid reports whether s is a known scope or empty.
func (s Scope) Valid() bool {
	switch s {
	case ScopeNone, ScopeOwn, ScopeDepartment, ScopeAll:
		return true
	}
	return false
}

// Covers reports whether a row scoped s satisfies a request for requested.
func (s Scope) Covers(requested Scope) bool {
	return s == requested || s == ScopeAll
}

// Validity bounds a grant in time. Nil bounds are open.
type Validity struct {
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

// ActiveAt reports whether t lies in [ValidFrom, ValidUntil].
func (v Validity) ActiveAt(t time.Time) bool {
	if v.ValidFrom != nil && t.Before(*v.ValidFrom) {
		return false
	}
	if v.ValidUntil != nil && t.After(*v.ValidUntil) {
		return false
	}
	return true
}

// nextBoundary returns the first validity bound strictly after t.
func (v Validity) nextBoundary(t time.Time) (time.Time, bool) {
	switch {
	case v.ValidFrom != nil && v.ValidFrom.After(t):
		return *v.ValidFrom, true
	case v.ValidUntil != nil && v.ValidUntil.After(t):
		return *v.ValidUntil, true
	}
	return time.Time{}, false
}

func (v Validity) check() error {
	if v.ValidFrom != nil && v.ValidUntil != nil && v.ValidUntil.Before(*v.ValidFrom) {
		return validationError("validUntil before validFrom")
	}
	return nil
}

// Permission is an addressable capability.
type Permission struct {
	ID           int64             `json:"id"`
	Code         string            `json:"code"`
	Resource     string            `json:"resource"`
	Action       Action            `json:"action"`
	Scope        Scope             `json:"scope,omitempty"`
	Description  string            `json:"description,omitempty"`
	Conditions   *policy.Condition `json:"conditions,omitempty"`
	IsSystem     bool              `json:"isSystemPermission"`
	IsActive     bool              `json:"isActive"`
	Dependencies []int64           `json:"dependencies,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// UserPermission is a direct grant or deny for a subject.
type UserPermission struct {
	ID           int64 `json:"id"`
	UserID       int64 `json:"userId"`
	PermissionID int64 `json:"permissionId"`
	IsGranted    bool  `json:"isGranted"`
	Priority     int   `json:"priority"`
	IsTemporary  bool  `json:"isTemporary"`
	Validity
	CreatedAt time.Time `json:"createdAt"`
}

// RolePermission is a grant or deny attached to a role.
type RolePermission struct {
	ID           int64 `json:"id"`
	RoleID       int64 `json:"roleId"`
	PermissionID int64 `json:"permissionId"`
	IsGranted    bool  `json:"isGranted"`
	Priority     int   `json:"priority"`
	Validity
	CreatedAt time.Time `json:"createdAt"`
}

// ResourcePermission grants a permission on a single resource instance.
type ResourcePermission struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"userId"`
	PermissionID int64  `json:"permissionId"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	IsGranted    bool   `json:"isGranted"`
	Validity
	CreatedAt time.Time `json:"createdAt"`
}

// Role groups permissions.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UserRole is a role membership.
type UserRole struct {
	ID       int64 `json:"id"`
	UserID   int64 `json:"userId"`
	RoleID   int64 `json:"roleId"`
	IsActive bool  `json:"isActive"`
	Validity
	CreatedAt time.Time `json:"createdAt"`
}

// Subject carries the organisational placement used to resolve policy
// assignments.
type Subject struct {
	ID           int64  `json:"id"`
	DepartmentID *int64 `json:"departmentId,omitempty"`
	PositionID   *int64 `json:"positionId,omitempty"`
}

// Policy is a contextual rule that can annotate grants the subject already
// holds. Grants lists the permission codes the policy speaks for.
type Policy struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Type        policy.Type     `json:"policyType"`
	Rules       json.RawMessage `json:"rules"`
	Priority    int             `json:"priority"`
	IsActive    bool            `json:"isActive"`
	Grants      []string        `json:"grants"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// AssigneeType names what a policy is bound to.
type AssigneeType string

const (
	AssigneeUser       AssigneeType = "USER"
	AssigneeRole       AssigneeType = "ROLE"
	AssigneeDepartment AssigneeType = "DEPARTMENT"
	AssigneePosition   AssigneeType = "POSITION"
)

// Valid reports whether t is a known assignee type.
func (t AssigneeType) Valid() bool {
	switch t {
	case AssigneeUser, AssigneeRole, AssigneeDepartment, AssigneePosition:
		return true
	}
	return false
}

// PolicyAssignment binds a policy to an assignee.
type PolicyAssignment struct {
	ID           int64             `json:"id"`
	PolicyID     int64             `json:"policyId"`
	AssigneeType AssigneeType      `json:"assigneeType"`
	AssigneeID   int64             `json:"assigneeId"`
	Conditions   *policy.Condition `json:"conditions,omitempty"`
	Validity
	CreatedAt time.Time `json:"createdAt"`
}

// PolicyBinding is a policy together with the assignment that made it
// applicable to a subject.
type PolicyBinding struct {
	Policy     Policy
	Assignment PolicyAssignment
}

// Tier names the layer that answered a check.
type Tier string

const (
	TierMatrix   Tier = "matrix"
	TierCache    Tier = "cache"
	TierDatabase Tier = "database"
	TierBypass   Tier = "bypass"
)

// Decision is the outcome of a single check.
type Decision struct {
	ID         uuid.UUID `json:"id"`
	Allowed    bool      `json:"isAllowed"`
	Reason     string    `json:"reason"`
	GrantedBy  []string  `json:"grantedBy"`
	Source     Tier      `json:"source"`
	DurationMs float64   `json:"checkDurationMs"`
}

// CheckRequest asks whether SubjectID may perform Action on Resource.
type CheckRequest struct {
	SubjectID  int64                   `json:"subjectId"`
	Resource   string                  `json:"resource"`
	Action     Action                  `json:"action"`
	Scope      Scope                   `json:"scope,omitempty"`
	ResourceID string                  `json:"resourceId,omitempty"`
	Context    policy.Context          `json:"context"`
	Security   *shared.SecurityContext `json:"-"`
}

func (r CheckRequest) normalised() CheckRequest {
	r.Resource = normaliseName(r.Resource)
	r.Action = Action(upperName(string(r.Action)))
	r.Scope = Scope(upperName(string(r.Scope)))
	return r
}

func (r CheckRequest) validate() error {
	if r.SubjectID <= 0 {
		return validationError("subjectId must be positive")
	}
	if strings.TrimSpace(r.Resource) == "" {
		return validationError("resource required")
	}
	if !r.Action.Valid() {
		return validationError("unknown action %q", r.Action)
	}
	if !r.Scope.Valid() {
		return validationError("unknown scope %q", r.Scope)
	}
	return nil
}

// CheckItem is one tuple of a batch check.
type CheckItem struct {
	Resource   string         `json:"resource"`
	Action     Action         `json:"action"`
	Scope      Scope          `json:"scope,omitempty"`
	ResourceID string         `json:"resourceId,omitempty"`
	Context    policy.Context `json:"context"`
}

// Key identifies the item in a BatchResult.
func (i CheckItem) Key() string {
	key := i.Resource + ":" + string(i.Action) + ":" + string(i.Scope)
	if i.ResourceID != "" {
		key += ":" + i.ResourceID
	}
	return key
}

func (i CheckItem) normalised() CheckItem {
	i.Resource = normaliseName(i.Resource)
	i.Action = Action(upperName(string(i.Action)))
	i.Scope = Scope(upperName(string(i.Scope)))
	return i
}

func (i CheckItem) request(subjectID int64) CheckRequest {
	return CheckRequest{
		SubjectID:  subjectID,
		Resource:   i.Resource,
		Action:     i.Action,
		Scope:      i.Scope,
		ResourceID: i.ResourceID,
		Context:    i.Context,
	}
}

// BatchResult holds per-item decisions keyed by CheckItem.Key.
type BatchResult struct {
	Results    map[string]Decision `json:"results"`
	CacheHits  int                 `json:"cacheHits"`
	MatrixHits int                 `json:"matrixHits"`
	DurationMs float64             `json:"checkDurationMs"`
}

// EffectivePermission is one allowed (resource, action, scope) for a subject.
type EffectivePermission struct {
	Resource  string   `json:"resource"`
	Action    Action   `json:"action"`
	Scope     Scope    `json:"scope,omitempty"`
	Codes     []string `json:"codes"`
	GrantedBy []string `json:"grantedBy"`
}

func pairKey(resource string, action Action) string {
	return resource + ":" + string(action)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
