package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
)

// WarmupSource lists the subjects worth warming.
type WarmupSource interface {
	WarmupSubjects(ctx context.Context, limit int) ([]int64, error)
}

// MatrixBuilder compiles and stores a subject's matrix.
type MatrixBuilder interface {
	RebuildMatrix(ctx context.Context, subjectID int64) (*authz.Matrix, error)
}

// MatrixWarmupJob rebuilds matrices so the first check after a deploy or
// flush is answered from the matrix tier.
type MatrixWarmupJob struct {
	Source      WarmupSource
	Builder     MatrixBuilder
	Concurrency int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewMatrixWarmupJob wires dependencies for the warmup handler.
func NewMatrixWarmupJob(source WarmupSource, builder MatrixBuilder, logger *slog.Logger, metrics *jobmetrics.Metrics) *MatrixWarmupJob {
	return &MatrixWarmupJob{
		Source:      source,
		Builder:     builder,
		Concurrency: 8,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes matrix warmup tasks. Individual rebuild failures are
// logged and counted; the task fails only when no subject could be warmed.
func (j *MatrixWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil || j.Builder == nil {
		return errors.New("matrix warmup: handler not configured")
	}
	var payload MatrixWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("matrix warmup: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskAuthzMatrixWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("limit", payload.Limit))
	start := j.now()

	subjects, err := j.Source.WarmupSubjects(ctx, payload.Limit)
	if err != nil {
		resultErr = err
		logger.Error("load warmup subjects", slog.Any("error", err))
		return resultErr
	}
	if len(subjects) == 0 {
		logger.Info("no subjects to warm")
		return resultErr
	}

	var warmed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(j.Concurrency, 1))
	for _, id := range subjects {
		g.Go(func() error {
			if _, err := j.Builder.RebuildMatrix(gctx, id); err != nil {
				failed.Add(1)
				logger.Warn("rebuild matrix", slog.Int64("subject_id", id), slog.Any("error", err))
				if errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		resultErr = err
		return resultErr
	}

	j.metrics().AddSubjects(TaskAuthzMatrixWarmup, "success", int(warmed.Load()))
	j.metrics().AddSubjects(TaskAuthzMatrixWarmup, "failure", int(failed.Load()))
	logger.Info("completed matrix warmup",
		slog.Int64("warmed", warmed.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Duration("duration", j.now().Sub(start)))
	if warmed.Load() == 0 {
		resultErr = fmt.Errorf("matrix warmup: all %d rebuilds failed", len(subjects))
	}
	return resultErr
}

func (j *MatrixWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuthzMatrixWarmup))
	}
	return slog.Default().With(slog.String("job", TaskAuthzMatrixWarmup))
}

func (j *MatrixWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics()
}

func (j *MatrixWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
