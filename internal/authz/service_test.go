package authz_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

func TestCheckServesFromMatrixAfterRebuild(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)
	ctx := context.Background()

	first, err := f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, authz.TierDatabase, first.Source)
	assert.Equal(t, []string{"staff"}, first.GrantedBy)
	assert.NotEqual(t, first.ID.String(), "00000000-0000-0000-0000-000000000000")

	f.svc.Drain()
	require.True(t, f.matrices.Has(1))

	second, err := f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, authz.TierMatrix, second.Source)
	assert.Equal(t, []string{"staff"}, second.GrantedBy)

	denied, err := f.svc.Check(ctx, readWorkorder(2))
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, "no matching permission", denied.Reason)
}

func TestCheckServesFromCacheForResourceInstances(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)
	ctx := context.Background()

	req := readWorkorder(1)
	req.ResourceID = "wo-7"
	first, err := f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, authz.TierDatabase, first.Source)

	second, err := f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, authz.TierCache, second.Source)
	assert.True(t, second.Allowed)
	assert.Equal(t, "cached decision", second.Reason)
	assert.False(t, f.matrices.Has(1), "instance checks never trigger a matrix build")
}

func TestDirectDenyOverridesRoleAfterInvalidation(t *testing.T) {
	f := newFixture(t)
	perm, _ := f.workorderScenario(t)
	ctx := context.Background()

	_, err := f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	f.svc.Drain()
	require.True(t, f.matrices.Has(1))

	_, err = f.admin.SetUserPermission(ctx, 99, authz.UserPermissionInput{UserID: 1, PermissionID: perm.ID, IsGranted: false})
	require.NoError(t, err)
	assert.False(t, f.matrices.Has(1), "matrix dropped by invalidation")

	d, err := f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "explicitly denied", d.Reason)
	assert.Equal(t, authz.TierDatabase, d.Source)

	f.svc.Drain()
	d, err = f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	assert.Equal(t, authz.TierMatrix, d.Source)
	assert.False(t, d.Allowed)
}

func TestResourceInstanceGrantIsAdditive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var perm authz.Permission
	f.seed(t, func(ctx context.Context, tx authz.Tx) error {
		var err error
		perm, err = tx.CreatePermission(ctx, authz.Permission{Code: "workorder.update", Resource: "workorder", Action: authz.ActionUpdate, IsActive: true})
		return err
	})
	_, err := f.admin.GrantResourcePermission(ctx, 99, authz.ResourcePermissionInput{UserID: 5, PermissionID: perm.ID, ResourceType: "workorder", ResourceID: "wo-1"})
	require.NoError(t, err)

	d, err := f.svc.Check(ctx, authz.CheckRequest{SubjectID: 5, Resource: "workorder", Action: authz.ActionUpdate, ResourceID: "wo-1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"resource:workorder:wo-1"}, d.GrantedBy)

	d, err = f.svc.Check(ctx, authz.CheckRequest{SubjectID: 5, Resource: "workorder", Action: authz.ActionUpdate, ResourceID: "wo-2"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = f.svc.Check(ctx, authz.CheckRequest{SubjectID: 5, Resource: "workorder", Action: authz.ActionUpdate})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "instance grants do not leak to type-level checks")
}

func TestTiersAgree(t *testing.T) {
	f := newFixture(t)
	perm, _ := f.workorderScenario(t)
	f.seed(t, func(ctx context.Context, tx authz.Tx) error {
		_, err := tx.UpsertUserPermission(ctx, authz.UserPermission{UserID: 2, PermissionID: perm.ID, IsGranted: false})
		return err
	})
	ctx := context.Background()

	for _, subject := range []int64{1, 2, 3} {
		req := readWorkorder(subject)
		db, err := f.svc.Check(ctx, req)
		require.NoError(t, err)
		require.Equal(t, authz.TierDatabase, db.Source)
		f.svc.Drain()

		fromMatrix, err := f.svc.Check(ctx, req)
		require.NoError(t, err)
		require.Equal(t, authz.TierMatrix, fromMatrix.Source)
		assert.Equal(t, db.Allowed, fromMatrix.Allowed, "subject %d", subject)
		assert.Equal(t, db.Reason, fromMatrix.Reason, "subject %d", subject)

		allowed, found, err := f.cache.Get(ctx, authz.DecisionKey{SubjectID: subject, Resource: "workorder", Action: authz.ActionRead})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, db.Allowed, allowed, "subject %d", subject)
	}
}

func TestBatchCheckMatchesSequential(t *testing.T) {
	f := newFixture(t, withoutMatrix())
	perm, _ := f.workorderScenario(t)
	f.seed(t, func(ctx context.Context, tx authz.Tx) error {
		export, err := tx.CreatePermission(ctx, authz.Permission{Code: "workorder.export.own", Resource: "workorder", Action: authz.ActionExport, Scope: authz.ScopeOwn, IsActive: true})
		if err != nil {
			return err
		}
		if _, err := tx.UpsertUserPermission(ctx, authz.UserPermission{UserID: 1, PermissionID: export.ID, IsGranted: true, Priority: 1}); err != nil {
			return err
		}
		_, err = tx.CreateResourcePermission(ctx, authz.ResourcePermission{UserID: 1, PermissionID: perm.ID, ResourceType: "workorder", ResourceID: "wo-9", IsGranted: true})
		return err
	})
	sequential, err := authz.NewService(authz.ServiceConfig{Store: f.store, Logger: f.logger, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)

	items := []authz.CheckItem{
		{Resource: "workorder", Action: authz.ActionRead},
		{Resource: "workorder", Action: authz.ActionRead, ResourceID: "wo-9"},
		{Resource: "workorder", Action: authz.ActionExport, Scope: authz.ScopeOwn},
		{Resource: "workorder", Action: authz.ActionExport, Scope: authz.ScopeAll},
		{Resource: "invoice", Action: authz.ActionDelete},
	}
	ctx := context.Background()
	before := f.store.GrantQueries()
	res, err := f.svc.BatchCheck(ctx, 1, items)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.store.GrantQueries()-before, "one rule store round trip per batch")
	require.Len(t, res.Results, len(items))

	for _, item := range items {
		want, err := sequential.Check(ctx, authz.CheckRequest{SubjectID: 1, Resource: item.Resource, Action: item.Action, Scope: item.Scope, ResourceID: item.ResourceID})
		require.NoError(t, err)
		got := res.Results[item.Key()]
		assert.Equal(t, want.Allowed, got.Allowed, item.Key())
		assert.Equal(t, want.Reason, got.Reason, item.Key())
		assert.Equal(t, want.GrantedBy, got.GrantedBy, item.Key())
	}

	again, err := f.svc.BatchCheck(ctx, 1, items)
	require.NoError(t, err)
	assert.Equal(t, len(items), again.CacheHits)
}

func TestBatchCheckValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.BatchCheck(ctx, 1, nil)
	assert.ErrorIs(t, err, authz.ErrValidation)

	items := make([]authz.CheckItem, authz.MaxBatchItems+1)
	for i := range items {
		items[i] = authz.CheckItem{Resource: fmt.Sprintf("r%d", i), Action: authz.ActionRead}
	}
	_, err = f.svc.BatchCheck(ctx, 1, items)
	assert.ErrorIs(t, err, authz.ErrBatchTooLarge)
	assert.ErrorIs(t, err, authz.ErrValidation)

	_, err = f.svc.BatchCheck(ctx, 1, []authz.CheckItem{{Resource: "workorder", Action: "PEEK"}})
	assert.ErrorIs(t, err, authz.ErrValidation)
}

func TestBatchCheckCollapsesDuplicates(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)
	item := authz.CheckItem{Resource: "workorder", Action: authz.ActionRead}

	res, err := f.svc.BatchCheck(context.Background(), 1, []authz.CheckItem{item, item, item})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results["workorder:READ:"].Allowed)
}

func TestPolicyPriorityOrdering(t *testing.T) {
	tests := []struct {
		name      string
		firstHits bool
		wantCalls []string
		wantBy    string
	}{
		{name: "first applicable wins", firstHits: true, wantCalls: []string{"p10"}, wantBy: "policy:p10"},
		{name: "falls through to next", firstHits: false, wantCalls: []string{"p10", "p20"}, wantBy: "policy:p20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			plugin := &recordingPlugin{typ: "RECORDING"}
			require.NoError(t, f.registry.Register(context.Background(), plugin))
			f.workorderScenario(t)
			f.seed(t, func(ctx context.Context, tx authz.Tx) error {
				for _, p := range []struct {
					code       string
					priority   int
					applicable bool
				}{{"p20", 20, true}, {"p10", 10, tt.firstHits}} {
					rules, _ := json.Marshal(recordingRules{Name: p.code, Applicable: p.applicable})
					created, err := tx.CreatePolicy(ctx, authz.Policy{Code: p.code, Type: "RECORDING", Rules: rules, Priority: p.priority, IsActive: true, Grants: []string{"workorder.read"}})
					if err != nil {
						return err
					}
					if _, err := tx.CreateAssignment(ctx, authz.PolicyAssignment{PolicyID: created.ID, AssigneeType: authz.AssigneeUser, AssigneeID: 1}); err != nil {
						return err
					}
				}
				return nil
			})

			d, err := f.svc.Check(context.Background(), readWorkorder(1))
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, []string{"staff", tt.wantBy}, d.GrantedBy)
			assert.Equal(t, tt.wantCalls, plugin.Calls())
		})
	}
}

func TestPolicyNeverGrantsMissingPermission(t *testing.T) {
	f := newFixture(t)
	plugin := &recordingPlugin{typ: "RECORDING"}
	require.NoError(t, f.registry.Register(context.Background(), plugin))
	f.workorderScenario(t)
	f.seed(t, func(ctx context.Context, tx authz.Tx) error {
		rules, _ := json.Marshal(recordingRules{Name: "always", Applicable: true})
		p, err := tx.CreatePolicy(ctx, authz.Policy{Code: "always", Type: "RECORDING", Rules: rules, IsActive: true, Grants: []string{"workorder.read"}})
		if err != nil {
			return err
		}
		_, err = tx.CreateAssignment(ctx, authz.PolicyAssignment{PolicyID: p.ID, AssigneeType: authz.AssigneeUser, AssigneeID: 2})
		return err
	})

	d, err := f.svc.Check(context.Background(), readWorkorder(2))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Empty(t, plugin.Calls(), "policies are not evaluated for denied checks")
}

func TestPolicyBoundThroughDepartment(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)
	ctx := context.Background()
	dept := int64(40)
	require.NoError(t, f.admin.UpsertSubject(ctx, 99, authz.Subject{ID: 1, DepartmentID: &dept}))

	// 2026-03-02 10:00 UTC is a Monday, 17:00 in Jakarta.
	rules := json.RawMessage(`{"timezone":"Asia/Jakarta","windows":[{"days":["MON"],"start":"08:00","end":"18:00"}]}`)
	p, err := f.admin.CreatePolicy(ctx, 99, authz.PolicyInput{Code: "Office-Hours", Name: "Office hours", Type: policy.TypeTime, Rules: rules, Priority: 5, Grants: []string{"workorder.read"}})
	require.NoError(t, err)
	assert.Equal(t, "office-hours", p.Code)
	_, err = f.admin.AssignPolicy(ctx, 99, authz.AssignmentInput{PolicyID: p.ID, AssigneeType: authz.AssigneeDepartment, AssigneeID: dept})
	require.NoError(t, err)

	d, err := f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"staff", "policy:office-hours"}, d.GrantedBy)
}

func TestConditionalPermissionIsNeverCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, func(ctx context.Context, tx authz.Tx) error {
		perm, err := tx.CreatePermission(ctx, authz.Permission{
			Code: "workorder.approve", Resource: "workorder", Action: authz.ActionApprove, IsActive: true,
			Conditions: &policy.Condition{Field: "resource.amount", Operator: policy.OpLte, Value: 1000.0},
		})
		if err != nil {
			return err
		}
		_, err = tx.UpsertUserPermission(ctx, authz.UserPermission{UserID: 3, PermissionID: perm.ID, IsGranted: true})
		return err
	})
	req := authz.CheckRequest{SubjectID: 3, Resource: "workorder", Action: authz.ActionApprove, Context: policy.Context{Resource: map[string]any{"amount": 500.0}}}

	d, err := f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	f.svc.Drain()
	assert.Equal(t, 0, f.cache.Len())

	req.Context.Resource["amount"] = 5000.0
	d, err = f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "permission conditions not met", d.Reason)
	assert.Equal(t, authz.TierDatabase, d.Source, "conditional pairs skip the matrix")
}

func TestCheckTimeout(t *testing.T) {
	f := newFixture(t, withTimeout(20*time.Millisecond))
	f.workorderScenario(t)
	f.store.Delay(300 * time.Millisecond)

	start := time.Now()
	_, err := f.svc.Check(context.Background(), readWorkorder(1))
	require.ErrorIs(t, err, authz.ErrTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestCheckHonoursCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)
	f.store.Delay(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Check(ctx, readWorkorder(1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDatabaseOutageIsAnErrorNotADeny(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)
	f.store.FailReads(errors.New("connection refused"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Check(ctx, readWorkorder(1))
		require.ErrorIs(t, err, authz.ErrDependencyUnavailable)
	}
	assert.Equal(t, "open", f.breakers.State("database"))

	before := f.store.GrantQueries()
	_, err := f.svc.Check(ctx, readWorkorder(1))
	require.ErrorIs(t, err, authz.ErrDependencyUnavailable)
	var depErr *authz.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "database", depErr.Dependency)
	assert.Equal(t, before, f.store.GrantQueries(), "open breaker skips the rule store")
}

func TestCacheAndMatrixOutagesFallThrough(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)
	f.cache.Fail(errors.New("redis down"))
	f.matrices.Fail(errors.New("redis down"))

	for i := 0; i < 4; i++ {
		d, err := f.svc.Check(context.Background(), readWorkorder(1))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, authz.TierDatabase, d.Source)
	}
	assert.Equal(t, "open", f.breakers.State("cache"))
	assert.Equal(t, "open", f.breakers.State("matrix"))
}

func TestBypassRequiresSystemCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := readWorkorder(2)
	req.Security = &shared.SecurityContext{SubjectID: 2, System: true, Bypass: true}
	d, err := f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, authz.TierBypass, d.Source)

	req.Security = &shared.SecurityContext{SubjectID: 2, Bypass: true}
	d, err = f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckIsAudited(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)

	req := readWorkorder(1)
	req.Security = &shared.SecurityContext{SubjectID: 1, ImpersonatorID: 77}
	d, err := f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	f.svc.Drain()

	var found bool
	for _, e := range f.audit.Entries() {
		if e.EntityType != "permission_check" || e.EntityID != d.ID.String() {
			continue
		}
		found = true
		assert.Equal(t, int64(77), e.ActorID)
		assert.Equal(t, "workorder", e.Metadata["resource"])
		assert.Equal(t, true, e.Metadata["allowed"])
		assert.Equal(t, int64(77), e.Metadata["impersonatorId"])
	}
	assert.True(t, found)
}

func TestCheckRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Check(context.Background(), authz.CheckRequest{SubjectID: 1, Resource: "workorder", Action: "PEEK"})
	assert.ErrorIs(t, err, authz.ErrValidation)
	_, err = f.svc.Check(context.Background(), authz.CheckRequest{Resource: "workorder", Action: authz.ActionRead})
	assert.ErrorIs(t, err, authz.ErrValidation)
}

func TestEffectivePermissions(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)

	got, err := f.svc.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "workorder", got[0].Resource)
	assert.Equal(t, []string{"workorder.read"}, got[0].Codes)
	assert.Equal(t, []string{"staff"}, got[0].GrantedBy)
}

func TestCheckFoldsNamesLikeAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	perm, err := f.admin.CreatePermission(ctx, 9, authz.PermissionInput{Code: "WorkOrder.Create", Resource: "WorkOrder", Action: "create"})
	require.NoError(t, err)
	require.Equal(t, "workorder", perm.Resource)
	_, err = f.admin.SetUserPermission(ctx, 9, authz.UserPermissionInput{UserID: 5, PermissionID: perm.ID, IsGranted: true})
	require.NoError(t, err)

	d, err := f.svc.Check(ctx, authz.CheckRequest{SubjectID: 5, Resource: "WorkOrder", Action: "create"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"direct"}, d.GrantedBy)

	items := []authz.CheckItem{
		{Resource: "WorkOrder", Action: authz.ActionCreate},
		{Resource: " workorder ", Action: "Create"},
	}
	res, err := f.svc.BatchCheck(ctx, 5, items)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	for _, item := range items {
		assert.True(t, res.Results[item.Key()].Allowed, item.Key())
	}
}

func TestRoleScenarioRevokedByUnassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	perm, err := f.admin.CreatePermission(ctx, 9, authz.PermissionInput{Code: "workorder.create", Resource: "workorder", Action: authz.ActionCreate, Scope: authz.ScopeDepartment})
	require.NoError(t, err)
	staff, err := f.admin.CreateRole(ctx, 9, authz.RoleInput{Name: "staff"})
	require.NoError(t, err)
	_, err = f.admin.SetRolePermission(ctx, 9, authz.RolePermissionInput{RoleID: staff.ID, PermissionID: perm.ID, IsGranted: true})
	require.NoError(t, err)
	_, err = f.admin.AssignRole(ctx, 9, authz.UserRoleInput{UserID: 3, RoleID: staff.ID})
	require.NoError(t, err)

	req := authz.CheckRequest{SubjectID: 3, Resource: "workorder", Action: authz.ActionCreate, Scope: authz.ScopeDepartment}
	first, err := f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, []string{"staff"}, first.GrantedBy)
	f.svc.Drain()

	warm, err := f.svc.Check(ctx, req)
	require.NoError(t, err)
	require.Equal(t, authz.TierMatrix, warm.Source)
	assert.True(t, warm.Allowed)
	assert.Equal(t, []string{"staff"}, warm.GrantedBy)

	require.NoError(t, f.admin.UnassignRole(ctx, 9, 3, staff.ID))
	assert.False(t, f.matrices.Has(3))

	after, err := f.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, after.Allowed)
	assert.Equal(t, authz.TierDatabase, after.Source)
}

func TestDeactivatedPermissionMissesWarmTiers(t *testing.T) {
	f := newFixture(t)
	perm, _ := f.workorderScenario(t)
	ctx := context.Background()

	instance := readWorkorder(1)
	instance.ResourceID = "wo-7"
	_, err := f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	_, err = f.svc.Check(ctx, instance)
	require.NoError(t, err)
	f.svc.Drain()

	fromMatrix, err := f.svc.Check(ctx, readWorkorder(1))
	require.NoError(t, err)
	require.Equal(t, authz.TierMatrix, fromMatrix.Source)
	require.True(t, fromMatrix.Allowed)
	fromCache, err := f.svc.Check(ctx, instance)
	require.NoError(t, err)
	require.Equal(t, authz.TierCache, fromCache.Source)
	require.True(t, fromCache.Allowed)

	inactive := false
	_, err = f.admin.UpdatePermission(ctx, 9, perm.ID, authz.PermissionInput{
		Code:     perm.Code,
		Resource: perm.Resource,
		Action:   perm.Action,
		IsActive: &inactive,
	})
	require.NoError(t, err)
	assert.False(t, f.matrices.Has(1))
	assert.Zero(t, f.cache.Len())

	for _, req := range []authz.CheckRequest{readWorkorder(1), instance} {
		d, err := f.svc.Check(ctx, req)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, authz.TierDatabase, d.Source)
	}
}

func TestBatchCheckRejectsDuplicatesWithDifferentContext(t *testing.T) {
	f := newFixture(t)
	f.workorderScenario(t)

	items := []authz.CheckItem{
		{Resource: "workorder", Action: authz.ActionRead, Context: policy.Context{IP: "10.0.0.1"}},
		{Resource: "workorder", Action: authz.ActionRead, Context: policy.Context{IP: "192.168.1.9"}},
	}
	_, err := f.svc.BatchCheck(context.Background(), 1, items)
	assert.ErrorIs(t, err, authz.ErrValidation)
}
