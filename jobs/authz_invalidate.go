package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
)

// defaultJobMetrics is used by jobs built without explicit metrics.
func defaultJobMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(nil)
}

// QueueDispatcher hands invalidation events to the worker through the authz
// queue instead of fanning out in-process.
type QueueDispatcher struct {
	Client   Enqueuer
	MaxRetry int
	Logger   *slog.Logger
}

// Dispatch implements authz.Dispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, ev authz.InvalidationEvent) error {
	if d == nil || d.Client == nil {
		return errors.New("authz invalidate: queue client not configured")
	}
	if len(ev.Subjects) == 0 {
		return nil
	}
	task, err := NewInvalidateTask(ev)
	if err != nil {
		return err
	}
	retries := d.MaxRetry
	if retries <= 0 {
		retries = 5
	}
	info, err := d.Client.EnqueueContext(ctx, task, asynq.Queue(QueueAuthz), asynq.MaxRetry(retries))
	if err != nil {
		return fmt.Errorf("enqueue invalidation: %w", err)
	}
	if d.Logger != nil && info != nil {
		d.Logger.Debug("invalidation enqueued",
			slog.String("task_id", info.ID),
			slog.String("reason", ev.Reason),
			slog.Int("subjects", len(ev.Subjects)))
	}
	return nil
}

var _ authz.Dispatcher = (*QueueDispatcher)(nil)

// SubjectInvalidator performs the fan-out for a set of subjects.
type SubjectInvalidator interface {
	SubjectsChanged(ctx context.Context, subjects []int64) authz.InvalidationReport
}

// InvalidateJob consumes TaskAuthzInvalidate tasks.
type InvalidateJob struct {
	Propagator SubjectInvalidator
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewInvalidateJob wires dependencies for the invalidation handler.
func NewInvalidateJob(p SubjectInvalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvalidateJob {
	return &InvalidateJob{Propagator: p, Logger: logger, Metrics: metrics}
}

// Handle evicts the subjects named by the task. Eviction is idempotent, so a
// partial failure fails the task and asynq retries the whole event.
func (j *InvalidateJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Propagator == nil {
		return errors.New("authz invalidate: handler not configured")
	}
	var ev authz.InvalidationEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("authz invalidate: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskAuthzInvalidate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("reason", ev.Reason))
	report := j.Propagator.SubjectsChanged(ctx, ev.Subjects)
	j.metrics().AddSubjects(TaskAuthzInvalidate, "success", report.Subjects-len(report.Failed))
	j.metrics().AddSubjects(TaskAuthzInvalidate, "failure", len(report.Failed))

	if len(report.Failed) > 0 {
		logger.Warn("invalidation incomplete", slog.Int("subjects", report.Subjects), slog.Any("failed", report.Failed))
		resultErr = fmt.Errorf("authz invalidate: %d of %d subjects failed", len(report.Failed), report.Subjects)
		return resultErr
	}
	logger.Info("invalidation complete", slog.Int("subjects", report.Subjects), slog.Int("keys", report.Invalidated))
	return resultErr
}

func (j *InvalidateJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuthzInvalidate))
	}
	return slog.Default().With(slog.String("job", TaskAuthzInvalidate))
}

func (j *InvalidateJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics()
}
