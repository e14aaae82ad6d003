package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/breaker"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
)

const (
	defaultCheckTimeout = 5 * time.Second
	defaultMatrixTTL    = 30 * time.Minute
	cacheLookupLimit    = 16

	reasonCached   = "cached decision"
	reasonBypassed = "authorization bypassed"
)

// ServiceConfig wires the decision path. Cache, Matrix and Audit are optional.
type ServiceConfig struct {
	Store     GrantReader
	Cache     DecisionCache
	Matrix    MatrixStore
	Policies  *policy.Registry
	Breakers  *breaker.Registry
	Audit     AuditSink
	Logger    *slog.Logger
	Metrics   *observability.AuthzMetrics
	Timeout   time.Duration
	MatrixTTL time.Duration
	Now       func() time.Time
}

// Service answers permission checks from the matrix, the decision cache or
// the rule store.
type Service struct {
	store     GrantReader
	cache     DecisionCache
	matrix    MatrixStore
	policies  *policy.Registry
	breakers  *breaker.Registry
	audit     AuditSink
	logger    *slog.Logger
	metrics   *observability.AuthzMetrics
	timeout   time.Duration
	matrixTTL time.Duration
	now       func() time.Time

	rebuilds   singleflight.Group
	background sync.WaitGroup
}

// NewService constructs the decision service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("authz: rule store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ttl := cfg.MatrixTTL
	if ttl <= 0 {
		ttl = defaultMatrixTTL
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultSettings(), logger, cfg.Metrics)
	}
	return &Service{
		store:     cfg.Store,
		cache:     cfg.Cache,
		matrix:    cfg.Matrix,
		policies:  cfg.Policies,
		breakers:  breakers,
		audit:     cfg.Audit,
		logger:    logger,
		metrics:   cfg.Metrics,
		timeout:   timeout,
		matrixTTL: ttl,
		now:       clock(cfg.Now),
	}, nil
}

// Check evaluates a single request. A timeout yields ErrTimeout, never a deny.
// Resource, action and scope are folded the way AdminService stores them.
func (s *Service) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	req = req.normalised()
	if err := req.validate(); err != nil {
		s.metrics.CheckError("validation")
		return Decision{}, err
	}
	defer s.metrics.CheckStarted()()
	start := time.Now()

	if req.Security.BypassAllowed() {
		d := Decision{
			ID:        uuid.New(),
			Allowed:   true,
			Reason:    reasonBypassed,
			GrantedBy: []string{"bypass"},
			Source:    TierBypass,
		}
		return s.finish(ctx, req, d, start), nil
	}

	d, err := race(ctx, s.timeout, func(ctx context.Context) (Decision, error) {
		return s.evaluate(ctx, req)
	})
	if err != nil {
		s.metrics.CheckError(errorKind(err))
		return Decision{}, err
	}
	return s.finish(ctx, req, d, start), nil
}

// BatchCheck evaluates up to MaxBatchItems tuples for one subject with a
// single rule-store round trip for the cache misses. Results are keyed by the
// caller's CheckItem.Key. Duplicate items share one result; duplicates with
// different contexts are rejected since one key cannot carry two decisions.
func (s *Service) BatchCheck(ctx context.Context, subjectID int64, items []CheckItem) (BatchResult, error) {
	if len(items) == 0 {
		return BatchResult{}, validationError("items required")
	}
	if len(items) > MaxBatchItems {
		s.metrics.CheckError("validation")
		return BatchResult{}, ErrBatchTooLarge
	}
	folded := make([]CheckItem, len(items))
	for i, item := range items {
		folded[i] = item.normalised()
		if err := folded[i].request(subjectID).validate(); err != nil {
			return BatchResult{}, fmt.Errorf("item %d: %w", i, err)
		}
	}
	unique, err := uniqueItems(folded)
	if err != nil {
		s.metrics.CheckError("validation")
		return BatchResult{}, err
	}
	defer s.metrics.CheckStarted()()
	s.metrics.BatchSize(len(items))
	start := time.Now()

	res, err := race(ctx, s.timeout, func(ctx context.Context) (BatchResult, error) {
		return s.evaluateBatch(ctx, subjectID, unique)
	})
	if err != nil {
		s.metrics.CheckError(errorKind(err))
		return BatchResult{}, err
	}
	elapsed := time.Since(start)
	res.DurationMs = millis(elapsed)
	for _, d := range res.Results {
		s.metrics.ObserveCheck(string(d.Source), d.Allowed, elapsed)
	}
	s.recordBatch(ctx, subjectID, res)

	results := make(map[string]Decision, len(res.Results))
	for i, item := range items {
		results[item.Key()] = res.Results[folded[i].Key()]
	}
	res.Results = results
	return res, nil
}

// RebuildMatrix compiles and stores the subject's matrix. Concurrent calls
// for the same subject share one build.
func (s *Service) RebuildMatrix(ctx context.Context, subjectID int64) (*Matrix, error) {
	v, err, _ := s.rebuilds.Do(formatID(subjectID), func() (any, error) {
		builtAt := s.now()
		rows, err := s.grants(ctx, subjectID, GrantFilter{})
		if err != nil {
			return nil, err
		}
		m := compileMatrix(subjectID, rows, builtAt, s.matrixTTL)
		if s.matrix == nil {
			return m, nil
		}
		_, err = breaker.Execute(ctx, s.breakers, breaker.Matrix, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.matrix.Set(ctx, m)
		}, nil)
		if err != nil {
			return m, &DependencyError{Dependency: breaker.Matrix, Err: err}
		}
		return m, nil
	})
	m, _ := v.(*Matrix)
	return m, err
}

// EffectivePermissions lists every unconditional allowed tuple of the subject.
func (s *Service) EffectivePermissions(ctx context.Context, subjectID int64) ([]EffectivePermission, error) {
	if subjectID <= 0 {
		return nil, validationError("subjectId must be positive")
	}
	rows, err := s.grants(ctx, subjectID, GrantFilter{})
	if err != nil {
		return nil, err
	}
	return compileMatrix(subjectID, rows, s.now(), s.matrixTTL).Allowed(), nil
}

// Drain waits for background matrix rebuilds and audit writes.
func (s *Service) Drain() {
	s.background.Wait()
}

func (s *Service) evaluate(ctx context.Context, req CheckRequest) (Decision, error) {
	now := s.now()
	missing := false
	if req.ResourceID == "" {
		var m *Matrix
		m, missing = s.loadMatrix(ctx, req.SubjectID, now)
		if entry, ok := m.Lookup(req.Resource, req.Action, req.Scope, now); ok {
			s.metrics.Lookup(breaker.Matrix, true)
			return Decision{ID: uuid.New(), Allowed: entry.Allowed, Reason: entry.Reason, GrantedBy: entry.GrantedBy, Source: TierMatrix}, nil
		}
		s.metrics.Lookup(breaker.Matrix, false)
	}

	key := keyOf(req)
	if allowed, found := s.cacheGet(ctx, key); found {
		return Decision{ID: uuid.New(), Allowed: allowed, Reason: reasonCached, Source: TierCache}, nil
	}

	filter := GrantFilter{Pairs: []ResourceAction{{Resource: req.Resource, Action: req.Action}}}
	if req.ResourceID != "" {
		filter.ResourceIDs = []string{req.ResourceID}
	}
	rows, err := s.grants(ctx, req.SubjectID, filter)
	if err != nil {
		return Decision{}, err
	}
	pc := s.policyContext(req.SubjectID, req.Context, now)
	v := evaluateGrants(rows, tupleOf(req), now, &pc)
	if v.Allowed {
		if policies, ok := s.subjectPolicies(ctx, req.SubjectID, now, pc); ok {
			if by, ok := policyProvenance(ctx, s.policies, policies, v.Codes, pc, s.logger); ok {
				v.GrantedBy = append(v.GrantedBy, by)
			}
		}
	}
	if !v.Conditional {
		s.cacheSet(ctx, key, v.Allowed)
	}
	if missing {
		s.scheduleRebuild(req.SubjectID)
	}
	return Decision{ID: uuid.New(), Allowed: v.Allowed, Reason: v.Reason, GrantedBy: v.GrantedBy, Source: TierDatabase}, nil
}

func (s *Service) evaluateBatch(ctx context.Context, subjectID int64, items []CheckItem) (BatchResult, error) {
	now := s.now()
	res := BatchResult{Results: make(map[string]Decision, len(items))}

	var (
		m       *Matrix
		missing bool
	)
	for _, item := range items {
		if item.ResourceID == "" {
			m, missing = s.loadMatrix(ctx, subjectID, now)
			break
		}
	}

	pending := make([]CheckItem, 0, len(items))
	for _, item := range items {
		if item.ResourceID == "" {
			if entry, ok := m.Lookup(item.Resource, item.Action, item.Scope, now); ok {
				s.metrics.Lookup(breaker.Matrix, true)
				res.MatrixHits++
				res.Results[item.Key()] = Decision{ID: uuid.New(), Allowed: entry.Allowed, Reason: entry.Reason, GrantedBy: entry.GrantedBy, Source: TierMatrix}
				continue
			}
			s.metrics.Lookup(breaker.Matrix, false)
		}
		pending = append(pending, item)
	}

	type lookup struct {
		allowed bool
		found   bool
	}
	lookups := make([]lookup, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cacheLookupLimit)
	for i, item := range pending {
		g.Go(func() error {
			allowed, found := s.cacheGet(gctx, keyOf(item.request(subjectID)))
			lookups[i] = lookup{allowed: allowed, found: found}
			return nil
		})
	}
	_ = g.Wait()

	misses := make([]CheckItem, 0, len(pending))
	for i, item := range pending {
		if lookups[i].found {
			res.CacheHits++
			res.Results[item.Key()] = Decision{ID: uuid.New(), Allowed: lookups[i].allowed, Reason: reasonCached, Source: TierCache}
			continue
		}
		misses = append(misses, item)
	}
	if len(misses) == 0 {
		return res, nil
	}

	filter := GrantFilter{}
	seen := make(map[string]struct{})
	for _, item := range misses {
		if _, ok := seen[pairKey(item.Resource, item.Action)]; !ok {
			seen[pairKey(item.Resource, item.Action)] = struct{}{}
			filter.Pairs = append(filter.Pairs, ResourceAction{Resource: item.Resource, Action: item.Action})
		}
		if item.ResourceID != "" {
			filter.ResourceIDs = append(filter.ResourceIDs, item.ResourceID)
		}
	}
	rows, err := s.grants(ctx, subjectID, filter)
	if err != nil {
		return BatchResult{}, err
	}

	var (
		bindings []PolicyBinding
		loaded   bool
		usable   bool
	)
	for _, item := range misses {
		req := item.request(subjectID)
		pc := s.policyContext(subjectID, item.Context, now)
		v := evaluateGrants(rows, tupleOf(req), now, &pc)
		if v.Allowed {
			if !loaded {
				bindings, usable = s.policyBindings(ctx, subjectID)
				loaded = true
			}
			if usable {
				policies := resolvePolicies(bindings, now, pc)
				if by, ok := policyProvenance(ctx, s.policies, policies, v.Codes, pc, s.logger); ok {
					v.GrantedBy = append(v.GrantedBy, by)
				}
			}
		}
		if !v.Conditional {
			s.cacheSet(ctx, keyOf(req), v.Allowed)
		}
		res.Results[item.Key()] = Decision{ID: uuid.New(), Allowed: v.Allowed, Reason: v.Reason, GrantedBy: v.GrantedBy, Source: TierDatabase}
	}
	if missing {
		s.scheduleRebuild(subjectID)
	}
	return res, nil
}

// loadMatrix returns the stored matrix and whether it should be rebuilt.
// A breaker fallback is not treated as missing.
func (s *Service) loadMatrix(ctx context.Context, subjectID int64, now time.Time) (*Matrix, bool) {
	if s.matrix == nil {
		return nil, false
	}
	fellBack := false
	m, _ := breaker.Execute(ctx, s.breakers, breaker.Matrix, func(ctx context.Context) (*Matrix, error) {
		return s.matrix.Get(ctx, subjectID)
	}, func(ctx context.Context, err error) (*Matrix, error) {
		fellBack = true
		s.logger.Warn("matrix unavailable, falling through", slog.Int64("subject_id", subjectID), slog.Any("error", err))
		return nil, nil
	})
	if fellBack {
		return nil, false
	}
	return m, m == nil || !now.Before(m.ExpiresAt)
}

func (s *Service) cacheGet(ctx context.Context, key DecisionKey) (allowed, found bool) {
	if s.cache == nil {
		return false, false
	}
	type hit struct {
		allowed bool
		found   bool
	}
	h, _ := breaker.Execute(ctx, s.breakers, breaker.Cache, func(ctx context.Context) (hit, error) {
		allowed, found, err := s.cache.Get(ctx, key)
		return hit{allowed: allowed, found: found}, err
	}, func(ctx context.Context, err error) (hit, error) {
		s.logger.Debug("decision cache unavailable", slog.String("key", key.String()), slog.Any("error", err))
		return hit{}, nil
	})
	s.metrics.Lookup(breaker.Cache, h.found)
	return h.allowed, h.found
}

func (s *Service) cacheSet(ctx context.Context, key DecisionKey, allowed bool) {
	if s.cache == nil {
		return
	}
	_, err := breaker.Execute(ctx, s.breakers, breaker.Cache, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.cache.Set(ctx, key, allowed)
	}, nil)
	if err != nil {
		s.logger.Debug("decision cache write skipped", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (s *Service) grants(ctx context.Context, subjectID int64, filter GrantFilter) ([]GrantRow, error) {
	rows, err := breaker.Execute(ctx, s.breakers, breaker.Database, func(ctx context.Context) ([]GrantRow, error) {
		return s.store.SubjectGrants(ctx, subjectID, filter)
	}, nil)
	if err != nil {
		return nil, storeError("load grants", err)
	}
	return rows, nil
}

func (s *Service) policyBindings(ctx context.Context, subjectID int64) ([]PolicyBinding, bool) {
	if s.policies == nil {
		return nil, false
	}
	bindings, err := breaker.Execute(ctx, s.breakers, breaker.Database, func(ctx context.Context) ([]PolicyBinding, error) {
		return s.store.SubjectPolicies(ctx, subjectID)
	}, nil)
	if err != nil {
		s.logger.Warn("load subject policies", slog.Int64("subject_id", subjectID), slog.Any("error", err))
		return nil, false
	}
	return bindings, true
}

func (s *Service) subjectPolicies(ctx context.Context, subjectID int64, now time.Time, pc policy.Context) ([]Policy, bool) {
	bindings, ok := s.policyBindings(ctx, subjectID)
	if !ok {
		return nil, false
	}
	return resolvePolicies(bindings, now, pc), true
}

func (s *Service) policyContext(subjectID int64, pc policy.Context, now time.Time) policy.Context {
	if pc.SubjectID == 0 {
		pc.SubjectID = subjectID
	}
	if pc.Time.IsZero() {
		pc.Time = now
	}
	return pc
}

func (s *Service) scheduleRebuild(subjectID int64) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RebuildMatrix(ctx, subjectID); err != nil {
			s.logger.Warn("matrix rebuild failed", slog.Int64("subject_id", subjectID), slog.Any("error", err))
		}
	}()
}

func (s *Service) finish(ctx context.Context, req CheckRequest, d Decision, start time.Time) Decision {
	elapsed := time.Since(start)
	d.DurationMs = millis(elapsed)
	s.metrics.ObserveCheck(string(d.Source), d.Allowed, elapsed)

	metadata := map[string]any{
		"subjectId":  req.SubjectID,
		"resource":   req.Resource,
		"action":     string(req.Action),
		"scope":      string(req.Scope),
		"allowed":    d.Allowed,
		"reason":     d.Reason,
		"source":     string(d.Source),
		"durationMs": d.DurationMs,
	}
	if req.ResourceID != "" {
		metadata["resourceId"] = req.ResourceID
	}
	if req.Security.Impersonating() {
		metadata["impersonatorId"] = req.Security.ImpersonatorID
	}
	actor := req.Security.ActorID()
	if actor == 0 {
		actor = req.SubjectID
	}
	s.record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     "check",
		EntityType: "permission_check",
		EntityID:   d.ID.String(),
		Metadata:   metadata,
	})
	return d
}

func (s *Service) recordBatch(ctx context.Context, subjectID int64, res BatchResult) {
	allowed := 0
	for _, d := range res.Results {
		if d.Allowed {
			allowed++
		}
	}
	s.record(ctx, audit.Entry{
		ActorID:    subjectID,
		Action:     "batch_check",
		EntityType: "permission_check",
		EntityID:   uuid.NewString(),
		Metadata: map[string]any{
			"subjectId":  subjectID,
			"items":      len(res.Results),
			"allowed":    allowed,
			"cacheHits":  res.CacheHits,
			"matrixHits": res.MatrixHits,
			"durationMs": res.DurationMs,
		},
	})
}

// record writes the audit entry in the background; failures are logged only.
func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	entry.Timestamp = s.now()
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit decision", slog.String("entity_id", entry.EntityID), slog.Any("error", err))
		}
	}()
}

// race runs fn detached from ctx cancellation and returns whichever comes
// first: its result, the timeout or ctx being done. The abandoned call keeps
// running and may still write to the cache.
func race[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func uniqueItems(items []CheckItem) ([]CheckItem, error) {
	seen := make(map[string]int, len(items))
	out := make([]CheckItem, 0, len(items))
	for i, item := range items {
		if j, ok := seen[item.Key()]; ok {
			if !reflect.DeepEqual(items[j].Context, item.Context) {
				return nil, fmt.Errorf("item %d: %w", i, validationError("repeats item %d with a different context", j))
			}
			continue
		}
		seen[item.Key()] = i
		out = append(out, item)
	}
	return out, nil
}

func tupleOf(req CheckRequest) tuple {
	return tuple{Resource: req.Resource, Action: req.Action, Scope: req.Scope, ResourceID: req.ResourceID}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
