package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-iam/internal/observability"
)

const defaultInvalidationConcurrency = 16

// InvalidationReport summarises one fan-out.
type InvalidationReport struct {
	Subjects    int     `json:"subjects"`
	Invalidated int     `json:"invalidatedKeys"`
	Failed      []int64 `json:"failed,omitempty"`
}

// InvalidationEvent names the subjects whose cached decisions must be dropped.
type InvalidationEvent struct {
	Reason   string  `json:"reason"`
	Subjects []int64 `json:"subjects"`
}

// Dispatcher hands an invalidation event to whatever performs the fan-out.
// Dispatch is called after the mutation has committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev InvalidationEvent) error
}

// PropagatorConfig wires a Propagator.
type PropagatorConfig struct {
	Resolver    SubjectResolver
	Cache       DecisionCache
	Matrix      MatrixStore
	Concurrency int
	Logger      *slog.Logger
	Metrics     *observability.AuthzMetrics
}

// Propagator evicts decision cache entries and matrices of affected subjects.
// It is the only component that removes entries from the read tiers.
type Propagator struct {
	resolver    SubjectResolver
	cache       DecisionCache
	matrix      MatrixStore
	concurrency int
	logger      *slog.Logger
	metrics     *observability.AuthzMetrics
}

// NewPropagator constructs a Propagator.
func NewPropagator(cfg PropagatorConfig) *Propagator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultInvalidationConcurrency
	}
	return &Propagator{
		resolver:    cfg.Resolver,
		cache:       cfg.Cache,
		matrix:      cfg.Matrix,
		concurrency: concurrency,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// PermissionChanged invalidates every subject holding the permission
// directly, through a role or on a resource instance.
func (p *Propagator) PermissionChanged(ctx context.Context, permissionID int64) (InvalidationReport, error) {
	return p.resolve(ctx, "permission", func(r SubjectResolver) ([]int64, error) {
		return r.SubjectsForPermission(ctx, permissionID)
	})
}

// RoleChanged invalidates the members of the role.
func (p *Propagator) RoleChanged(ctx context.Context, roleID int64) (InvalidationReport, error) {
	return p.resolve(ctx, "role", func(r SubjectResolver) ([]int64, error) {
		return r.SubjectsForRole(ctx, roleID)
	})
}

// PolicyChanged invalidates the subjects reachable through the policy's assignments.
func (p *Propagator) PolicyChanged(ctx context.Context, policyID int64) (InvalidationReport, error) {
	return p.resolve(ctx, "policy", func(r SubjectResolver) ([]int64, error) {
		return r.SubjectsForPolicy(ctx, policyID)
	})
}

// AssigneeChanged invalidates the subjects covered by a user, role,
// department or position.
func (p *Propagator) AssigneeChanged(ctx context.Context, assigneeType AssigneeType, assigneeID int64) (InvalidationReport, error) {
	return p.resolve(ctx, "assignee", func(r SubjectResolver) ([]int64, error) {
		return r.SubjectsForAssignee(ctx, assigneeType, assigneeID)
	})
}

// UserGrantsChanged invalidates one subject.
func (p *Propagator) UserGrantsChanged(ctx context.Context, userID int64) InvalidationReport {
	return p.SubjectsChanged(ctx, []int64{userID})
}

// Dispatch runs the fan-out synchronously.
func (p *Propagator) Dispatch(ctx context.Context, ev InvalidationEvent) error {
	report := p.SubjectsChanged(ctx, ev.Subjects)
	if len(report.Failed) > 0 {
		return fmt.Errorf("authz: invalidation failed for %d of %d subjects", len(report.Failed), report.Subjects)
	}
	return nil
}

func (p *Propagator) resolve(ctx context.Context, kind string, fn func(SubjectResolver) ([]int64, error)) (InvalidationReport, error) {
	if p.resolver == nil {
		return InvalidationReport{}, errors.New("authz: subject resolver not configured")
	}
	subjects, err := fn(p.resolver)
	if err != nil {
		return InvalidationReport{}, storeError("resolve "+kind+" subjects", err)
	}
	return p.SubjectsChanged(ctx, subjects), nil
}

// SubjectsChanged drops the decision cache entries and the matrix of each
// subject. Failures are logged and reported, never returned.
func (p *Propagator) SubjectsChanged(ctx context.Context, subjects []int64) InvalidationReport {
	subjects = uniqueIDs(subjects)
	report := InvalidationReport{Subjects: len(subjects)}
	if len(subjects) == 0 {
		return report
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, id := range subjects {
		g.Go(func() error {
			keys, err := p.invalidateSubject(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Invalidated += keys
			if err != nil {
				report.Failed = append(report.Failed, id)
				p.logger.Error("invalidate subject", slog.Int64("subject_id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i] < report.Failed[j] })
	p.metrics.Invalidation(report.Subjects-len(report.Failed), len(report.Failed), report.Invalidated)
	p.logger.Debug("subjects invalidated",
		slog.Int("subjects", report.Subjects),
		slog.Int("keys", report.Invalidated),
		slog.Int("failed", len(report.Failed)))
	return report
}

func (p *Propagator) invalidateSubject(ctx context.Context, subjectID int64) (int, error) {
	var (
		keys int
		g    errgroup.Group
	)
	if p.cache != nil {
		g.Go(func() error {
			n, err := p.cache.InvalidateSubject(ctx, subjectID)
			if err != nil {
				return fmt.Errorf("decision cache: %w", err)
			}
			keys = n
			return nil
		})
	}
	if p.matrix != nil {
		g.Go(func() error {
			if err := p.matrix.Delete(ctx, subjectID); err != nil {
				return fmt.Errorf("matrix: %w", err)
			}
			return nil
		})
	}
	err := g.Wait()
	return keys, err
}

// AsyncDispatcher performs the fan-out on a goroutine detached from the
// caller's cancellation, bounded by Timeout.
type AsyncDispatcher struct {
	propagator *Propagator
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewAsyncDispatcher wraps the propagator. A zero timeout defaults to 30s.
func NewAsyncDispatcher(p *Propagator, timeout time.Duration, logger *slog.Logger) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncDispatcher{propagator: p, timeout: timeout, logger: logger}
}

// Dispatch returns immediately.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, ev InvalidationEvent) error {
	if len(ev.Subjects) == 0 {
		return nil
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		report := d.propagator.SubjectsChanged(ctx, ev.Subjects)
		if len(report.Failed) > 0 {
			d.logger.Warn("invalidation incomplete",
				slog.String("reason", ev.Reason),
				slog.Int("subjects", report.Subjects),
				slog.Any("failed", report.Failed))
		}
	}()
	return nil
}

// Wait blocks until every dispatched fan-out has finished.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
