package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
)

func TestCompileMatrixAgreesWithEvaluateGrants(t *testing.T) {
	rows := []GrantRow{
		roleRow(1, "staff", ScopeOwn, true, 0),
		roleRow(2, "manager", ScopeAll, true, 0),
		userRow("workorder.read", ScopeDepartment, false, 0),
		{Source: SourceUser, Code: "invoice.export", Resource: "invoice", Action: ActionExport, IsGranted: true},
	}
	m := compileMatrix(7, rows, testNow, time.Hour)

	cases := []tuple{
		read(ScopeNone), read(ScopeOwn), read(ScopeDepartment), read(ScopeAll),
		{Resource: "invoice", Action: ActionExport},
		{Resource: "invoice", Action: ActionExport, Scope: ScopeOwn},
		{Resource: "invoice", Action: ActionDelete},
	}
	for _, q := range cases {
		want := evaluateGrants(rows, q, testNow, nil)
		entry, ok := m.Lookup(q.Resource, q.Action, q.Scope, testNow)
		if !ok {
			continue
		}
		assert.Equal(t, want.Allowed, entry.Allowed, "%+v", q)
		assert.Equal(t, want.Reason, entry.Reason, "%+v", q)
	}

	entry, ok := m.Lookup("workorder", ActionRead, ScopeDepartment, testNow)
	require.True(t, ok)
	assert.False(t, entry.Allowed)
	assert.Equal(t, reasonDenied, entry.Reason)

	entry, ok = m.Lookup("invoice", ActionDelete, ScopeNone, testNow)
	require.True(t, ok)
	assert.False(t, entry.Allowed)
	assert.Equal(t, reasonNoPermission, entry.Reason)
}

func TestMatrixLookupFallsBackToAllEntry(t *testing.T) {
	rows := []GrantRow{{Source: SourceUser, Code: "invoice.export", Resource: "invoice", Action: ActionExport, IsGranted: true}}
	m := compileMatrix(7, rows, testNow, time.Hour)

	_, ok := m.Lookup("invoice", ActionExport, ScopeOwn, testNow)
	assert.True(t, ok, "ALL entry answers scopes absent from the rows")

	entry, _ := m.Lookup("invoice", ActionExport, ScopeOwn, testNow)
	assert.False(t, entry.Allowed)
}

func TestMatrixExpiryClippedToValidityBoundary(t *testing.T) {
	until := testNow.Add(10 * time.Minute)
	from := testNow.Add(20 * time.Minute)
	expiring := roleRow(1, "staff", ScopeNone, true, 0)
	expiring.Validity = Validity{ValidUntil: &until}
	starting := userRow("workorder.read", ScopeNone, false, 9)
	starting.Membership = Validity{ValidFrom: &from}

	m := compileMatrix(7, []GrantRow{expiring, starting}, testNow, 30*time.Minute)
	assert.Equal(t, until, m.ExpiresAt)

	_, ok := m.Lookup("workorder", ActionRead, ScopeNone, until)
	assert.False(t, ok, "expired matrix must not answer")
}

func TestMatrixSkipsConditionalPairs(t *testing.T) {
	row := roleRow(1, "staff", ScopeNone, true, 0)
	row.Conditions = &policy.Condition{Field: "resource.status", Operator: policy.OpEq, Value: "open"}
	m := compileMatrix(7, []GrantRow{row}, testNow, time.Hour)

	assert.Equal(t, []string{"workorder:READ"}, m.Conditional)
	_, ok := m.Lookup("workorder", ActionRead, ScopeNone, testNow)
	assert.False(t, ok)
	assert.Empty(t, m.Allowed())
}

func TestMatrixIgnoresResourceRows(t *testing.T) {
	rows := []GrantRow{{Source: SourceResource, Code: "workorder.read", Resource: "workorder", Action: ActionRead, IsGranted: true, ResourceType: "workorder", ResourceID: "1"}}
	m := compileMatrix(7, rows, testNow, time.Hour)
	assert.Empty(t, m.Entries)
}

func TestMatrixAllowedIsSorted(t *testing.T) {
	rows := []GrantRow{
		roleRow(1, "staff", ScopeOwn, true, 0),
		{Source: SourceUser, Code: "invoice.export", Resource: "invoice", Action: ActionExport, IsGranted: true},
	}
	got := compileMatrix(7, rows, testNow, time.Hour).Allowed()
	require.Len(t, got, 2)
	assert.Equal(t, "invoice", got[0].Resource)
	assert.Equal(t, ScopeNone, got[0].Scope)
	assert.Equal(t, []string{"direct"}, got[0].GrantedBy)
	assert.Equal(t, "workorder", got[1].Resource)
	assert.Equal(t, ScopeOwn, got[1].Scope)
	assert.Equal(t, []string{"staff"}, got[1].GrantedBy)
}

func TestNilMatrixLookupMisses(t *testing.T) {
	var m *Matrix
	_, ok := m.Lookup("workorder", ActionRead, ScopeNone, testNow)
	assert.False(t, ok)
	assert.Nil(t, m.Allowed())
}
