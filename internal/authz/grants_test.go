package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func userRow(code string, scope Scope, granted bool, priority int) GrantRow {
	return GrantRow{Source: SourceUser, Code: code, Resource: "workorder", Action: ActionRead, Scope: scope, IsGranted: granted, Priority: priority}
}

func roleRow(roleID int64, name string, scope Scope, granted bool, priority int) GrantRow {
	return GrantRow{Source: SourceRole, Code: "workorder.read", Resource: "workorder", Action: ActionRead, Scope: scope, IsGranted: granted, Priority: priority, RoleID: roleID, RoleName: name}
}

func read(scope Scope) tuple {
	return tuple{Resource: "workorder", Action: ActionRead, Scope: scope}
}

func TestEvaluateGrantsDirectDenyWins(t *testing.T) {
	rows := []GrantRow{
		userRow("workorder.read", ScopeNone, false, 0),
		roleRow(1, "staff", ScopeNone, true, 0),
	}
	v := evaluateGrants(rows, read(ScopeNone), testNow, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, reasonDenied, v.Reason)
	assert.Empty(t, v.GrantedBy)
}

func TestEvaluateGrantsPriorityAndTie(t *testing.T) {
	higherGrant := []GrantRow{
		userRow("workorder.read", ScopeNone, false, 1),
		userRow("workorder.read", ScopeNone, true, 5),
	}
	v := evaluateGrants(higherGrant, read(ScopeNone), testNow, nil)
	assert.True(t, v.Allowed)
	assert.Equal(t, []string{"direct"}, v.GrantedBy)

	tie := []GrantRow{
		userRow("workorder.read", ScopeNone, true, 3),
		userRow("workorder.read", ScopeNone, false, 3),
	}
	v = evaluateGrants(tie, read(ScopeNone), testNow, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, reasonDenied, v.Reason)
}

func TestEvaluateGrantsRolesAreAdditive(t *testing.T) {
	rows := []GrantRow{
		roleRow(2, "viewer", ScopeNone, true, 0),
		roleRow(1, "staff", ScopeNone, true, 0),
		roleRow(1, "staff", ScopeNone, true, 1),
		roleRow(3, "contractor", ScopeNone, false, 0),
	}
	v := evaluateGrants(rows, read(ScopeNone), testNow, nil)
	require.True(t, v.Allowed)
	assert.Equal(t, []string{"staff", "viewer"}, v.GrantedBy)
	assert.Equal(t, []string{"workorder.read"}, v.Codes)

	onlyDeny := []GrantRow{roleRow(3, "contractor", ScopeNone, false, 0)}
	v = evaluateGrants(onlyDeny, read(ScopeNone), testNow, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, reasonRoleDenied, v.Reason)
}

func TestEvaluateGrantsScopeMatching(t *testing.T) {
	rows := []GrantRow{roleRow(1, "manager", ScopeAll, true, 0)}
	for _, scope := range []Scope{ScopeNone, ScopeOwn, ScopeDepartment, ScopeAll} {
		assert.True(t, evaluateGrants(rows, read(scope), testNow, nil).Allowed, "scope %q", scope)
	}

	own := []GrantRow{roleRow(1, "staff", ScopeOwn, true, 0)}
	assert.True(t, evaluateGrants(own, read(ScopeOwn), testNow, nil).Allowed)
	assert.False(t, evaluateGrants(own, read(ScopeDepartment), testNow, nil).Allowed)
	assert.False(t, evaluateGrants(own, read(ScopeNone), testNow, nil).Allowed)
}

func TestEvaluateGrantsResourceInstance(t *testing.T) {
	rows := []GrantRow{
		{Source: SourceResource, Code: "workorder.read", Resource: "workorder", Action: ActionRead, IsGranted: true, ResourceType: "workorder", ResourceID: "42"},
	}
	q := read(ScopeNone)
	q.ResourceID = "42"
	v := evaluateGrants(rows, q, testNow, nil)
	require.True(t, v.Allowed)
	assert.Equal(t, []string{"resource:workorder:42"}, v.GrantedBy)

	q.ResourceID = "43"
	assert.False(t, evaluateGrants(rows, q, testNow, nil).Allowed)

	withDeny := append(rows, userRow("workorder.read", ScopeNone, false, 0))
	q.ResourceID = "42"
	v = evaluateGrants(withDeny, q, testNow, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, reasonDenied, v.Reason)
}

func TestEvaluateGrantsValidityWindows(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	expired := userRow("workorder.read", ScopeNone, true, 0)
	expired.Validity = Validity{ValidUntil: &past}
	assert.False(t, evaluateGrants([]GrantRow{expired}, read(ScopeNone), testNow, nil).Allowed)

	pending := roleRow(1, "staff", ScopeNone, true, 0)
	pending.Membership = Validity{ValidFrom: &future}
	assert.False(t, evaluateGrants([]GrantRow{pending}, read(ScopeNone), testNow, nil).Allowed)
}

func TestEvaluateGrantsConditions(t *testing.T) {
	row := roleRow(1, "staff", ScopeNone, true, 0)
	row.Conditions = &policy.Condition{Field: "resource.status", Operator: policy.OpEq, Value: "open"}

	v := evaluateGrants([]GrantRow{row}, read(ScopeNone), testNow, &policy.Context{Resource: map[string]any{"status": "open"}})
	assert.True(t, v.Allowed)
	assert.True(t, v.Conditional)

	v = evaluateGrants([]GrantRow{row}, read(ScopeNone), testNow, &policy.Context{Resource: map[string]any{"status": "closed"}})
	assert.False(t, v.Allowed)
	assert.Equal(t, reasonConditionUnmet, v.Reason)
	assert.True(t, v.Conditional)
}

func TestEvaluateGrantsNoRows(t *testing.T) {
	v := evaluateGrants(nil, read(ScopeNone), testNow, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, reasonNoPermission, v.Reason)
}
