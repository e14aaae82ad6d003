package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

// QueueInspector is the subset of *asynq.Inspector used by the CLI.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for the authorization jobs.
type JobsCLI struct {
	client    jobs.Enqueuer
	inspector QueueInspector
	closer    func() error
}

// NewJobsCLI initialises the CLI helpers against the given Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts), closer: client.Close}, nil
}

// NewJobsCLIWith builds the helpers around existing clients.
func NewJobsCLIWith(client jobs.Enqueuer, inspector QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		err = errors.Join(err, c.inspector.Close())
	}
	if c.closer != nil {
		err = errors.Join(err, c.closer())
	}
	return err
}

// TriggerWarmup enqueues a matrix warmup for up to limit subjects.
func (c *JobsCLI) TriggerWarmup(ctx context.Context, limit int) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := jobs.NewMatrixWarmupTask(limit)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

// Invalidate queues eviction of the subjects' cached decisions and matrices.
func (c *JobsCLI) Invalidate(ctx context.Context, reason string, subjects []int64) error {
	if c == nil || c.client == nil {
		return errors.New("jobs cli: client not configured")
	}
	if len(subjects) == 0 {
		return errors.New("jobs cli: no subjects given")
	}
	if reason == "" {
		reason = "manual"
	}
	d := &jobs.QueueDispatcher{Client: c.client}
	return d.Dispatch(ctx, authz.InvalidationEvent{Reason: reason, Subjects: subjects})
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Failed    int
}

func (s QueueStats) String() string {
	return fmt.Sprintf("%s: pending=%d active=%d scheduled=%d retry=%d failed=%d",
		s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Failed)
}

// InspectQueue reports the metrics of queue. An unknown queue is empty.
func (c *JobsCLI) InspectQueue(_ context.Context, queue string) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	stats := QueueStats{Queue: queue}
	info, err := c.inspector.GetQueueInfo(queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return stats, nil
	}
	if err != nil {
		return QueueStats{}, err
	}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Failed = info.Failed
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(_ context.Context, queue string, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(queue, asynq.PageSize(size), asynq.Page(1))
}
