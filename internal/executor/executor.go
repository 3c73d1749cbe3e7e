package executor

import (
	"context"
	"encoding/json"
	"errors"

	"vedfolnir-queue/internal/models"
)

// ErrCancelled is returned when an execution stops at a checkpoint because
// cancellation was requested.
var ErrCancelled = errors.New("execution cancelled at checkpoint")

// ProgressFunc reports a worker checkpoint. The returned stop flag is the
// cooperative cancellation signal; the executor must abandon the task when
// it is true.
type ProgressFunc func(ctx context.Context, percent int, step string) (stop bool, err error)

// CaptionExecutor generates captions for the media referenced by a task.
// The real implementation (image fetch + model inference) lives outside
// this module; the queue only needs the contract and a mock for testing.
type CaptionExecutor interface {
	Execute(ctx context.Context, task *models.Task, progress ProgressFunc) (json.RawMessage, error)
}
