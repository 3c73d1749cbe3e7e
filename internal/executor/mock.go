package executor

import (
	"context"
	"encoding/json"
	"time"

	"vedfolnir-queue/internal/models"
)

// Mock simulates a caption run with fixed checkpoints. Used for load tests
// and local development (EXEC_MODE=mock).
type Mock struct {
	// StepDelay is slept between checkpoints.
	StepDelay time.Duration
	// Err, when set, makes every execution fail after the first checkpoint.
	Err error
}

func NewMock(stepDelay time.Duration) *Mock {
	return &Mock{StepDelay: stepDelay}
}

var mockSteps = []struct {
	percent int
	step    string
}{
	{10, "fetching media"},
	{40, "running caption model"},
	{75, "formatting caption"},
	{95, "storing results"},
}

func (m *Mock) Execute(ctx context.Context, task *models.Task, progress ProgressFunc) (json.RawMessage, error) {
	for i, s := range mockSteps {
		if m.Err != nil && i > 0 {
			return nil, m.Err
		}
		stop, err := progress(ctx, s.percent, s.step)
		if err != nil {
			return nil, err
		}
		if stop {
			return nil, ErrCancelled
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.StepDelay):
		}
	}
	results, _ := json.Marshal(map[string]string{
		"caption": "mock caption for task " + task.ID,
	})
	return results, nil
}
