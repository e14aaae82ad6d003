// Package authztest provides an in-memory rule store for tests.
package authztest

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

// Store is an in-memory authz.RuleStore. Transactions run against a copy of
// the state which replaces the live state only on success.
type Store struct {
	mu   sync.RWMutex
	data *state

	// Now stamps created rows. Defaults to time.Now.
	Now func() time.Time

	failMu sync.Mutex
	fail   error
	delay  time.Duration

	grantQueries  atomic.Int64
	policyQueries atomic.Int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: newState()}
}

// FailReads makes every decision-path read return err until cleared with nil.
func (s *Store) FailReads(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.fail = err
}

// Delay makes decision-path reads sleep before answering.
func (s *Store) Delay(d time.Duration) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.delay = d
}

// GrantQueries reports how many SubjectGrants calls were served.
func (s *Store) GrantQueries() int64 { return s.grantQueries.Load() }

// PolicyQueries reports how many SubjectPolicies calls were served.
func (s *Store) PolicyQueries() int64 { return s.policyQueries.Load() }

// Seed runs fn in a transaction with a background context.
func (s *Store) Seed(fn func(tx authz.Tx) error) error {
	return s.WithTx(context.Background(), fn)
}

// WithTx implements authz.RuleStore.
func (s *Store) WithTx(ctx context.Context, fn func(authz.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.data.clone()
	if err := fn(&tx{state: working, now: s.clock()}); err != nil {
		return err
	}
	s.data = working
	return nil
}

func (s *Store) clock() func() time.Time {
	if s.Now != nil {
		return s.Now
	}
	return time.Now
}

func (s *Store) gate(ctx context.Context) error {
	s.failMu.Lock()
	err, delay := s.fail, s.delay
	s.failMu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Store) read() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// SubjectGrants implements authz.GrantReader.
func (s *Store) SubjectGrants(ctx context.Context, subjectID int64, filter authz.GrantFilter) ([]authz.GrantRow, error) {
	s.grantQueries.Add(1)
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	return s.read().subjectGrants(subjectID, filter), nil
}

// SubjectPolicies implements authz.GrantReader.
func (s *Store) SubjectPolicies(ctx context.Context, subjectID int64) ([]authz.PolicyBinding, error) {
	s.policyQueries.Add(1)
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	return s.read().subjectPolicies(subjectID), nil
}

func (s *Store) SubjectsForPermission(_ context.Context, id int64) ([]int64, error) {
	return s.read().subjectsForPermission(id), nil
}

func (s *Store) SubjectsForRole(_ context.Context, id int64) ([]int64, error) {
	return s.read().subjectsForRole(id), nil
}

func (s *Store) SubjectsForPolicy(_ context.Context, id int64) ([]int64, error) {
	return s.read().subjectsForPolicy(id), nil
}

func (s *Store) SubjectsForAssignee(_ context.Context, t authz.AssigneeType, id int64) ([]int64, error) {
	return s.read().subjectsForAssignee(t, id), nil
}

func (s *Store) GetPermission(_ context.Context, id int64) (authz.Permission, error) {
	return s.read().getPermission(id)
}

func (s *Store) FindPermissionByCode(_ context.Context, code string) (authz.Permission, error) {
	return s.read().findPermissionByCode(code)
}

func (s *Store) FindPermissionByTuple(_ context.Context, resource string, action authz.Action, scope authz.Scope) (authz.Permission, error) {
	return s.read().findPermissionByTuple(resource, action, scope)
}

func (s *Store) ListPermissions(_ context.Context, filter authz.PermissionFilter) ([]authz.Permission, error) {
	return s.read().listPermissions(filter), nil
}

func (s *Store) GetRole(_ context.Context, id int64) (authz.Role, error) {
	return s.read().getRole(id)
}

func (s *Store) ListRoles(_ context.Context) ([]authz.Role, error) {
	return s.read().listRoles(), nil
}

func (s *Store) GetPolicy(_ context.Context, id int64) (authz.Policy, error) {
	return s.read().getPolicy(id)
}

func (s *Store) FindPolicyByCode(_ context.Context, code string) (authz.Policy, error) {
	return s.read().findPolicyByCode(code)
}

func (s *Store) ListPolicies(_ context.Context) ([]authz.Policy, error) {
	return s.read().listPolicies(), nil
}

func (s *Store) ListAssignments(_ context.Context, policyID int64) ([]authz.PolicyAssignment, error) {
	return s.read().listAssignments(policyID), nil
}

func (s *Store) WarmupSubjects(_ context.Context, limit int) ([]int64, error) {
	return s.read().warmupSubjects(limit), nil
}

type state struct {
	nextID        int64
	permissions   map[int64]authz.Permission
	roles         map[int64]authz.Role
	userPerms     map[int64]authz.UserPermission
	rolePerms     map[int64]authz.RolePermission
	resourcePerms map[int64]authz.ResourcePermission
	userRoles     map[int64]authz.UserRole
	subjects      map[int64]authz.Subject
	policies      map[int64]authz.Policy
	assignments   map[int64]authz.PolicyAssignment
}

func newState() *state {
	return &state{
		permissions:   make(map[int64]authz.Permission),
		roles:         make(map[int64]authz.Role),
		userPerms:     make(map[int64]authz.UserPermission),
		rolePerms:     make(map[int64]authz.RolePermission),
		resourcePerms: make(map[int64]authz.ResourcePermission),
		userRoles:     make(map[int64]authz.UserRole),
		subjects:      make(map[int64]authz.Subject),
		policies:      make(map[int64]authz.Policy),
		assignments:   make(map[int64]authz.PolicyAssignment),
	}
}

func (st *state) clone() *state {
	return &state{
		nextID:        st.nextID,
		permissions:   maps.Clone(st.permissions),
		roles:         maps.Clone(st.roles),
		userPerms:     maps.Clone(st.userPerms),
		rolePerms:     maps.Clone(st.rolePerms),
		resourcePerms: maps.Clone(st.resourcePerms),
		userRoles:     maps.Clone(st.userRoles),
		subjects:      maps.Clone(st.subjects),
		policies:      maps.Clone(st.policies),
		assignments:   maps.Clone(st.assignments),
	}
}

func (st *state) id() int64 {
	st.nextID++
	return st.nextID
}

func (st *state) subjectGrants(subjectID int64, filter authz.GrantFilter) []authz.GrantRow {
	wanted := func(p authz.Permission) bool {
		if !p.IsActive {
			return false
		}
		if len(filter.Pairs) == 0 {
			return true
		}
		for _, pair := range filter.Pairs {
			if pair.Resource == p.Resource && pair.Action == p.Action {
				return true
			}
		}
		return false
	}
	var rows []authz.GrantRow
	for _, up := range sortedValues(st.userPerms) {
		p, ok := st.permissions[up.PermissionID]
		if up.UserID != subjectID || !ok || !wanted(p) {
			continue
		}
		row := rowOf(authz.SourceUser, p)
		row.IsGranted, row.Priority, row.Validity = up.IsGranted, up.Priority, up.Validity
		rows = append(rows, row)
	}
	for _, ur := range sortedValues(st.userRoles) {
		role, ok := st.roles[ur.RoleID]
		if ur.UserID != subjectID || !ur.IsActive || !ok || !role.IsActive {
			continue
		}
		for _, rp := range sortedValues(st.rolePerms) {
			p, ok := st.permissions[rp.PermissionID]
			if rp.RoleID != role.ID || !ok || !wanted(p) {
				continue
			}
			row := rowOf(authz.SourceRole, p)
			row.IsGranted, row.Priority, row.Validity = rp.IsGranted, rp.Priority, rp.Validity
			row.RoleID, row.RoleName, row.Membership = role.ID, role.Name, ur.Validity
			rows = append(rows, row)
		}
	}
	if len(filter.ResourceIDs) > 0 {
		ids := make(map[string]struct{}, len(filter.ResourceIDs))
		for _, id := range filter.ResourceIDs {
			ids[id] = struct{}{}
		}
		for _, rp := range sortedValues(st.resourcePerms) {
			p, ok := st.permissions[rp.PermissionID]
			if _, hit := ids[rp.ResourceID]; rp.UserID != subjectID || !hit || !ok || !wanted(p) {
				continue
			}
			row := rowOf(authz.SourceResource, p)
			row.IsGranted, row.Validity = rp.IsGranted, rp.Validity
			row.ResourceType, row.ResourceID = rp.ResourceType, rp.ResourceID
			rows = append(rows, row)
		}
	}
	return rows
}

func rowOf(source authz.GrantSource, p authz.Permission) authz.GrantRow {
	return authz.GrantRow{
		Source:       source,
		PermissionID: p.ID,
		Code:         p.Code,
		Resource:     p.Resource,
		Action:       p.Action,
		Scope:        p.Scope,
		Conditions:   p.Conditions,
	}
}

func (st *state) subjectPolicies(subjectID int64) []authz.PolicyBinding {
	subject := st.subjects[subjectID]
	roleIDs := make(map[int64]struct{})
	for _, ur := range st.userRoles {
		if role, ok := st.roles[ur.RoleID]; ur.UserID == subjectID && ur.IsActive && ok && role.IsActive {
			roleIDs[ur.RoleID] = struct{}{}
		}
	}
	var out []authz.PolicyBinding
	for _, a := range sortedValues(st.assignments) {
		p, ok := st.policies[a.PolicyID]
		if !ok || !p.IsActive {
			continue
		}
		match := false
		switch a.AssigneeType {
		case authz.AssigneeUser:
			match = a.AssigneeID == subjectID
		case authz.AssigneeRole:
			_, match = roleIDs[a.AssigneeID]
		case authz.AssigneeDepartment:
			match = subject.DepartmentID != nil && *subject.DepartmentID == a.AssigneeID
		case authz.AssigneePosition:
			match = subject.PositionID != nil && *subject.PositionID == a.AssigneeID
		}
		if match {
			out = append(out, authz.PolicyBinding{Policy: p, Assignment: a})
		}
	}
	return out
}

func (st *state) subjectsForPermission(permissionID int64) []int64 {
	var ids []int64
	for _, up := range st.userPerms {
		if up.PermissionID == permissionID {
			ids = append(ids, up.UserID)
		}
	}
	for _, rp := range st.rolePerms {
		if rp.PermissionID == permissionID {
			ids = append(ids, st.subjectsForRole(rp.RoleID)...)
		}
	}
	for _, rp := range st.resourcePerms {
		if rp.PermissionID == permissionID {
			ids = append(ids, rp.UserID)
		}
	}
	return sortedIDs(ids)
}

func (st *state) subjectsForRole(roleID int64) []int64 {
	var ids []int64
	for _, ur := range st.userRoles {
		if ur.RoleID == roleID {
			ids = append(ids, ur.UserID)
		}
	}
	return sortedIDs(ids)
}

func (st *state) subjectsForPolicy(policyID int64) []int64 {
	var ids []int64
	for _, a := range st.assignments {
		if a.PolicyID == policyID {
			ids = append(ids, st.subjectsForAssignee(a.AssigneeType, a.AssigneeID)...)
		}
	}
	return sortedIDs(ids)
}

func (st *state) subjectsForAssignee(t authz.AssigneeType, id int64) []int64 {
	switch t {
	case authz.AssigneeUser:
		return []int64{id}
	case authz.AssigneeRole:
		return st.subjectsForRole(id)
	}
	var ids []int64
	for _, s := range st.subjects {
		ref := s.DepartmentID
		if t == authz.AssigneePosition {
			ref = s.PositionID
		}
		if ref != nil && *ref == id {
			ids = append(ids, s.ID)
		}
	}
	return sortedIDs(ids)
}

func (st *state) getPermission(id int64) (authz.Permission, error) {
	p, ok := st.permissions[id]
	if !ok {
		return authz.Permission{}, authz.ErrNotFound
	}
	return p, nil
}

func (st *state) findPermissionByCode(code string) (authz.Permission, error) {
	for _, p := range st.permissions {
		if p.Code == code {
			return p, nil
		}
	}
	return authz.Permission{}, authz.ErrNotFound
}

func (st *state) findPermissionByTuple(resource string, action authz.Action, scope authz.Scope) (authz.Permission, error) {
	for _, p := range st.permissions {
		if p.Resource == resource && p.Action == action && p.Scope == scope {
			return p, nil
		}
	}
	return authz.Permission{}, authz.ErrNotFound
}

func (st *state) listPermissions(filter authz.PermissionFilter) []authz.Permission {
	var out []authz.Permission
	for _, p := range sortedValues(st.permissions) {
		if filter.Resource != "" && p.Resource != filter.Resource {
			continue
		}
		if filter.ActiveOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

func (st *state) getRole(id int64) (authz.Role, error) {
	r, ok := st.roles[id]
	if !ok {
		return authz.Role{}, authz.ErrNotFound
	}
	return r, nil
}

func (st *state) listRoles() []authz.Role {
	return sortedValues(st.roles)
}

func (st *state) getPolicy(id int64) (authz.Policy, error) {
	p, ok := st.policies[id]
	if !ok {
		return authz.Policy{}, authz.ErrNotFound
	}
	return p, nil
}

func (st *state) findPolicyByCode(code string) (authz.Policy, error) {
	for _, p := range st.policies {
		if p.Code == code {
			return p, nil
		}
	}
	return authz.Policy{}, authz.ErrNotFound
}

func (st *state) listPolicies() []authz.Policy {
	out := sortedValues(st.policies)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (st *state) listAssignments(policyID int64) []authz.PolicyAssignment {
	var out []authz.PolicyAssignment
	for _, a := range sortedValues(st.assignments) {
		if a.PolicyID == policyID {
			out = append(out, a)
		}
	}
	return out
}

func (st *state) warmupSubjects(limit int) []int64 {
	latest := make(map[int64]time.Time)
	touch := func(id int64, at time.Time) {
		if at.After(latest[id]) || latest[id].IsZero() {
			latest[id] = at
		}
	}
	for _, ur := range st.userRoles {
		if ur.IsActive {
			touch(ur.UserID, ur.CreatedAt)
		}
	}
	for _, up := range st.userPerms {
		touch(up.UserID, up.CreatedAt)
	}
	ids := make([]int64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := latest[ids[i]], latest[ids[j]]
		if !a.Equal(b) {
			return a.After(b)
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

type identified interface {
	authz.Permission | authz.Role | authz.UserPermission | authz.RolePermission |
		authz.ResourcePermission | authz.UserRole | authz.Policy | authz.PolicyAssignment
}

// sortedValues returns map values ordered by key, which is the row id.
func sortedValues[T identified](m map[int64]T) []T {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func sortedIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
