package authz_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/authztest"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
)

func newAdmin(t *testing.T) (*authz.AdminService, *authztest.Store, *authztest.Dispatcher, *fixture) {
	t.Helper()
	f := newFixture(t)
	dispatcher := &authztest.Dispatcher{}
	admin, err := authz.NewAdminService(authz.AdminConfig{
		Store:      f.store,
		Policies:   f.registry,
		Dispatcher: dispatcher,
		Audit:      f.audit,
		Logger:     f.logger,
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return admin, f.store, dispatcher, f
}

func TestCreatePermissionNormalisesAndAudits(t *testing.T) {
	admin, _, _, f := newAdmin(t)
	ctx := context.Background()

	p, err := admin.CreatePermission(ctx, 9, authz.PermissionInput{Code: " WorkOrder.Read ", Resource: "WorkOrder", Action: "read", Scope: "own"})
	require.NoError(t, err)
	assert.Equal(t, "workorder.read", p.Code)
	assert.Equal(t, "workorder", p.Resource)
	assert.Equal(t, authz.ActionRead, p.Action)
	assert.Equal(t, authz.ScopeOwn, p.Scope)
	assert.True(t, p.IsActive)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(9), entries[0].ActorID)
	assert.Equal(t, "permission", entries[0].EntityType)
	assert.Equal(t, "create", entries[0].Action)
}

func TestCreatePermissionConflicts(t *testing.T) {
	admin, _, _, _ := newAdmin(t)
	ctx := context.Background()
	_, err := admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "invoice.export", Resource: "invoice", Action: authz.ActionExport})
	require.NoError(t, err)

	_, err = admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "INVOICE.EXPORT", Resource: "invoice", Action: authz.ActionRead})
	assert.ErrorIs(t, err, authz.ErrConflict)

	_, err = admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "invoice.export2", Resource: "invoice", Action: authz.ActionExport})
	assert.NoError(t, err, "scope-less tuples may repeat")

	_, err = admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "invoice.export.all", Resource: "invoice", Action: authz.ActionExport, Scope: authz.ScopeAll})
	require.NoError(t, err)

	_, err = admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "invoice.export.every", Resource: "invoice", Action: authz.ActionExport, Scope: "all"})
	assert.ErrorIs(t, err, authz.ErrConflict)
}

func TestPermissionInputValidation(t *testing.T) {
	admin, _, _, _ := newAdmin(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   authz.PermissionInput
	}{
		{name: "missing code", in: authz.PermissionInput{Resource: "invoice", Action: authz.ActionRead}},
		{name: "unknown action", in: authz.PermissionInput{Code: "x", Resource: "invoice", Action: "PEEK"}},
		{name: "unknown scope", in: authz.PermissionInput{Code: "x", Resource: "invoice", Action: authz.ActionRead, Scope: "TEAM"}},
		{name: "bad condition", in: authz.PermissionInput{Code: "x", Resource: "invoice", Action: authz.ActionRead, Conditions: &policy.Condition{Field: "amount", Operator: "~"}}},
		{name: "missing dependency", in: authz.PermissionInput{Code: "x", Resource: "invoice", Action: authz.ActionRead, Dependencies: []int64{404}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := admin.CreatePermission(ctx, 1, tt.in)
			assert.ErrorIs(t, err, authz.ErrValidation)
		})
	}
}

func TestSystemPermissionIsImmutable(t *testing.T) {
	admin, _, _, _ := newAdmin(t)
	ctx := context.Background()
	p, err := admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "iam.manage", Resource: "iam", Action: authz.ActionManage, IsSystem: true})
	require.NoError(t, err)

	_, err = admin.UpdatePermission(ctx, 1, p.ID, authz.PermissionInput{Code: "iam.manage", Resource: "iam", Action: authz.ActionManage, Description: "changed"})
	assert.ErrorIs(t, err, authz.ErrImmutable)
	assert.ErrorIs(t, admin.DeletePermission(ctx, 1, p.ID), authz.ErrImmutable)

	got, err := admin.GetPermission(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Description)
}

func TestPermissionDependencyCycleRejected(t *testing.T) {
	admin, _, _, _ := newAdmin(t)
	ctx := context.Background()
	a, err := admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "a", Resource: "doc", Action: authz.ActionRead})
	require.NoError(t, err)
	b, err := admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "b", Resource: "doc", Action: authz.ActionUpdate, Dependencies: []int64{a.ID}})
	require.NoError(t, err)
	c, err := admin.CreatePermission(ctx, 1, authz.PermissionInput{Code: "c", Resource: "doc", Action: authz.ActionDelete, Dependencies: []int64{b.ID}})
	require.NoError(t, err)

	_, err = admin.UpdatePermission(ctx, 1, a.ID, authz.PermissionInput{Code: "a", Resource: "doc", Action: authz.ActionRead, Dependencies: []int64{c.ID}})
	assert.ErrorIs(t, err, authz.ErrValidation)

	got, err := admin.GetPermission(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies, "rejected update leaves the row unchanged")
}

func TestRolePermissionMutationInvalidatesMembers(t *testing.T) {
	admin, store, dispatcher, f := newAdmin(t)
	perm, staff := f.workorderScenario(t)
	require.NoError(t, store.Seed(func(tx authz.Tx) error {
		_, err := tx.UpsertUserRole(context.Background(), authz.UserRole{UserID: 6, RoleID: staff.ID, IsActive: true})
		return err
	}))
	ctx := context.Background()

	_, err := admin.SetRolePermission(ctx, 1, authz.RolePermissionInput{RoleID: staff.ID, PermissionID: perm.ID, IsGranted: false, Priority: 3})
	require.NoError(t, err)
	require.NoError(t, admin.RevokeRolePermission(ctx, 1, staff.ID, perm.ID))

	events := dispatcher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "role_permission.set", events[0].Reason)
	assert.Equal(t, []int64{1, 6}, events[0].Subjects)
	assert.Equal(t, []int64{1, 6}, events[1].Subjects)
}

func TestDeleteRoleInvalidatesFormerMembers(t *testing.T) {
	admin, _, dispatcher, f := newAdmin(t)
	_, staff := f.workorderScenario(t)

	require.NoError(t, admin.DeleteRole(context.Background(), 1, staff.ID))
	events := dispatcher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, []int64{1}, events[0].Subjects)

	_, err := admin.UpdateRole(context.Background(), 1, staff.ID, authz.RoleInput{Name: "staff"})
	assert.ErrorIs(t, err, authz.ErrNotFound)
}

func TestTemporaryGrantNeedsExpiry(t *testing.T) {
	admin, _, _, f := newAdmin(t)
	perm, _ := f.workorderScenario(t)
	ctx := context.Background()

	_, err := admin.SetUserPermission(ctx, 1, authz.UserPermissionInput{UserID: 3, PermissionID: perm.ID, IsGranted: true, IsTemporary: true})
	assert.ErrorIs(t, err, authz.ErrValidation)

	from := fixedNow.Add(time.Hour)
	until := fixedNow
	_, err = admin.SetUserPermission(ctx, 1, authz.UserPermissionInput{UserID: 3, PermissionID: perm.ID, IsGranted: true, Validity: authz.Validity{ValidFrom: &from, ValidUntil: &until}})
	assert.ErrorIs(t, err, authz.ErrValidation)

	_, err = admin.SetUserPermission(ctx, 1, authz.UserPermissionInput{UserID: 3, PermissionID: 404, IsGranted: true})
	assert.ErrorIs(t, err, authz.ErrNotFound)
}

func TestResourcePermissionTypeMustMatch(t *testing.T) {
	admin, _, dispatcher, f := newAdmin(t)
	perm, _ := f.workorderScenario(t)
	ctx := context.Background()

	_, err := admin.GrantResourcePermission(ctx, 1, authz.ResourcePermissionInput{UserID: 3, PermissionID: perm.ID, ResourceType: "invoice", ResourceID: "1"})
	assert.ErrorIs(t, err, authz.ErrValidation)

	rp, err := admin.GrantResourcePermission(ctx, 1, authz.ResourcePermissionInput{UserID: 3, PermissionID: perm.ID, ResourceType: "workorder", ResourceID: "1"})
	require.NoError(t, err)
	require.NoError(t, admin.RevokeResourcePermission(ctx, 1, rp.ID))
	assert.ErrorIs(t, admin.RevokeResourcePermission(ctx, 1, rp.ID), authz.ErrNotFound)

	events := dispatcher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, []int64{3}, events[1].Subjects)
}

func TestPolicyRulesValidatedBeforeStore(t *testing.T) {
	admin, store, _, f := newAdmin(t)
	f.workorderScenario(t)
	ctx := context.Background()

	valid := authz.PolicyInput{
		Code:   "office-hours",
		Name:   "Office hours",
		Type:   "time_based",
		Rules:  json.RawMessage(`{"timezone":"Asia/Jakarta","windows":[{"days":["MON","TUE"],"start":"08:00","end":"17:00"}]}`),
		Grants: []string{"WorkOrder.Read", "workorder.read"},
	}
	p, err := admin.CreatePolicy(ctx, 1, valid)
	require.NoError(t, err)
	assert.Equal(t, policy.TypeTime, p.Type)
	assert.Equal(t, []string{"workorder.read"}, p.Grants)

	tests := []struct {
		name   string
		mutate func(*authz.PolicyInput)
		want   error
	}{
		{name: "bad timezone", mutate: func(in *authz.PolicyInput) {
			in.Code = "x1"
			in.Rules = json.RawMessage(`{"timezone":"Mars/Olympus","windows":[{"days":["MON"],"start":"08:00","end":"17:00"}]}`)
		}, want: authz.ErrValidation},
		{name: "unknown type", mutate: func(in *authz.PolicyInput) {
			in.Code = "x2"
			in.Type = "WEATHER_BASED"
		}, want: authz.ErrValidation},
		{name: "unknown grant", mutate: func(in *authz.PolicyInput) {
			in.Code = "x3"
			in.Grants = []string{"payroll.read"}
		}, want: authz.ErrValidation},
		{name: "no grants", mutate: func(in *authz.PolicyInput) {
			in.Code = "x4"
			in.Grants = nil
		}, want: authz.ErrValidation},
		{name: "duplicate code", mutate: func(in *authz.PolicyInput) {}, want: authz.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := admin.CreatePolicy(ctx, 1, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := store.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPolicyAssignmentLifecycle(t *testing.T) {
	admin, _, dispatcher, f := newAdmin(t)
	_, staff := f.workorderScenario(t)
	ctx := context.Background()

	p, err := admin.CreatePolicy(ctx, 1, authz.PolicyInput{
		Code:   "vpn-only",
		Name:   "VPN only",
		Type:   policy.TypeLocation,
		Rules:  json.RawMessage(`{"allowedCidrs":["10.0.0.0/8"]}`),
		Grants: []string{"workorder.read"},
	})
	require.NoError(t, err)

	_, err = admin.AssignPolicy(ctx, 1, authz.AssignmentInput{PolicyID: p.ID, AssigneeType: "team", AssigneeID: 1})
	assert.ErrorIs(t, err, authz.ErrValidation)
	_, err = admin.AssignPolicy(ctx, 1, authz.AssignmentInput{PolicyID: p.ID, AssigneeType: authz.AssigneeRole, AssigneeID: 404})
	assert.ErrorIs(t, err, authz.ErrNotFound)

	a, err := admin.AssignPolicy(ctx, 1, authz.AssignmentInput{PolicyID: p.ID, AssigneeType: "role", AssigneeID: staff.ID})
	require.NoError(t, err)
	assert.Equal(t, authz.AssigneeRole, a.AssigneeType)

	listed, err := admin.ListAssignments(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, admin.UnassignPolicy(ctx, 1, a.ID))
	require.NoError(t, admin.DeletePolicy(ctx, 1, p.ID))

	events := dispatcher.Events()
	require.Len(t, events, 2, "create and delete of an unassigned policy reach nobody")
	assert.Equal(t, "policy_assignment.assign", events[0].Reason)
	assert.Equal(t, []int64{1}, events[0].Subjects)
	assert.Equal(t, "policy_assignment.unassign", events[1].Reason)

	_, err = admin.ListAssignments(ctx, p.ID)
	assert.ErrorIs(t, err, authz.ErrNotFound)
}

func TestFailedTransactionLeavesStoreUntouched(t *testing.T) {
	store := authztest.NewStore()
	boom := errors.New("boom")
	err := store.Seed(func(tx authz.Tx) error {
		if _, err := tx.CreateRole(context.Background(), authz.Role{Name: "ghost", IsActive: true}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	roles, err := store.ListRoles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, roles)
}
