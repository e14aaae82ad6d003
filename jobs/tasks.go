package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAuthz carries invalidation fan-out; it is weighted above default.
	QueueAuthz = "authz"

	// TaskAuthzInvalidate drops cached decisions and matrices for subjects.
	TaskAuthzInvalidate = "authz:invalidate"
	// TaskAuthzMatrixWarmup rebuilds matrices for recently active subjects.
	TaskAuthzMatrixWarmup = "authz:matrix_warmup"
)

// MatrixWarmupPayload bounds a warmup run. Zero Limit warms every subject.
type MatrixWarmupPayload struct {
	Limit int `json:"limit"`
}

// NewInvalidateTask wraps an invalidation event.
func NewInvalidateTask(ev authz.InvalidationEvent) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzInvalidate, data), nil
}

// NewMatrixWarmupTask constructs the warmup task.
func NewMatrixWarmupTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(MatrixWarmupPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzMatrixWarmup, data), nil
}
