package authz_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/authztest"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/breaker"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *authztest.Store
	cache    *authztest.Cache
	matrices *authztest.Matrices
	audit    *audit.MemorySink
	registry *policy.Registry
	breakers *breaker.Registry
	logger   *slog.Logger

	svc   *authz.Service
	admin *authz.AdminService
}

type fixtureOption func(*authz.ServiceConfig)

func withoutMatrix() fixtureOption {
	return func(cfg *authz.ServiceConfig) { cfg.Matrix = nil }
}

func withoutCache() fixtureOption {
	return func(cfg *authz.ServiceConfig) { cfg.Cache = nil }
}

func withTimeout(d time.Duration) fixtureOption {
	return func(cfg *authz.ServiceConfig) { cfg.Timeout = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := policy.NewDefaultRegistry(context.Background(), logger)
	require.NoError(t, err)

	f := &fixture{
		store:    authztest.NewStore(),
		cache:    authztest.NewCache(),
		matrices: authztest.NewMatrices(),
		audit:    audit.NewMemorySink(),
		registry: registry,
		breakers: breaker.NewRegistry(breaker.Settings{FailureThreshold: 2, ResetTimeout: time.Minute}, logger, nil),
		logger:   logger,
	}
	f.store.Now = func() time.Time { return fixedNow }

	cfg := authz.ServiceConfig{
		Store:    f.store,
		Cache:    f.cache,
		Matrix:   f.matrices,
		Policies: registry,
		Breakers: f.breakers,
		Audit:    f.audit,
		Logger:   logger,
		Now:      func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.svc, err = authz.NewService(cfg)
	require.NoError(t, err)

	propagator := authz.NewPropagator(authz.PropagatorConfig{
		Resolver: f.store,
		Cache:    f.cache,
		Matrix:   f.matrices,
		Logger:   logger,
	})
	f.admin, err = authz.NewAdminService(authz.AdminConfig{
		Store:      f.store,
		Policies:   registry,
		Dispatcher: propagator,
		Audit:      f.audit,
		Logger:     logger,
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	t.Cleanup(f.svc.Drain)
	return f
}

func (f *fixture) seed(t *testing.T, fn func(ctx context.Context, tx authz.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.Seed(func(tx authz.Tx) error {
		return fn(context.Background(), tx)
	}))
}

// workorderScenario seeds the permission workorder.read granted to role staff,
// with subject 1 a member of staff and subject 2 without roles.
func (f *fixture) workorderScenario(t *testing.T) (perm authz.Permission, staff authz.Role) {
	t.Helper()
	f.seed(t, func(ctx context.Context, tx authz.Tx) error {
		var err error
		perm, err = tx.CreatePermission(ctx, authz.Permission{Code: "workorder.read", Resource: "workorder", Action: authz.ActionRead, IsActive: true})
		if err != nil {
			return err
		}
		staff, err = tx.CreateRole(ctx, authz.Role{Name: "staff", IsActive: true})
		if err != nil {
			return err
		}
		if _, err = tx.UpsertRolePermission(ctx, authz.RolePermission{RoleID: staff.ID, PermissionID: perm.ID, IsGranted: true}); err != nil {
			return err
		}
		_, err = tx.UpsertUserRole(ctx, authz.UserRole{UserID: 1, RoleID: staff.ID, IsActive: true})
		return err
	})
	return perm, staff
}

func readWorkorder(subjectID int64) authz.CheckRequest {
	return authz.CheckRequest{SubjectID: subjectID, Resource: "workorder", Action: authz.ActionRead}
}

// recordingPlugin contributes one evaluator for a custom type. Rules carry a
// name and whether the policy applies; evaluation order is recorded.
type recordingPlugin struct {
	typ policy.Type

	mu    sync.Mutex
	calls []string
}

type recordingRules struct {
	Name       string `json:"name"`
	Applicable bool   `json:"applicable"`
}

func (p *recordingPlugin) Name() string                         { return "recording" }
func (p *recordingPlugin) Version() string                      { return "0.0.1" }
func (p *recordingPlugin) SupportedTypes() []policy.Type        { return []policy.Type{p.typ} }
func (p *recordingPlugin) Evaluators() []policy.Evaluator       { return []policy.Evaluator{p} }
func (p *recordingPlugin) Initialize(context.Context) error     { return nil }
func (p *recordingPlugin) Destroy(context.Context) error        { return nil }
func (p *recordingPlugin) Type() policy.Type                    { return p.typ }
func (p *recordingPlugin) Validate(rules json.RawMessage) error { return json.Unmarshal(rules, &recordingRules{}) }

func (p *recordingPlugin) Evaluate(_ context.Context, rules json.RawMessage, _ policy.Context) (policy.Outcome, error) {
	var r recordingRules
	if err := json.Unmarshal(rules, &r); err != nil {
		return policy.Outcome{}, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, r.Name)
	p.mu.Unlock()
	return policy.Outcome{Applicable: r.Applicable, Reason: r.Name}, nil
}

func (p *recordingPlugin) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}
