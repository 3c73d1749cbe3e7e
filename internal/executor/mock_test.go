package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vedfolnir-queue/internal/models"
)

func TestMockExecuteReportsCheckpoints(t *testing.T) {
	exec := NewMock(0)
	task := &models.Task{ID: "t1"}

	var percents []int
	progress := func(_ context.Context, percent int, step string) (bool, error) {
		if step == "" {
			t.Fatal("checkpoint missing step name")
		}
		percents = append(percents, percent)
		return false, nil
	}

	results, err := exec.Execute(context.Background(), task, progress)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(percents) != len(mockSteps) {
		t.Fatalf("%d checkpoints, want %d", len(percents), len(mockSteps))
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] <= percents[i-1] {
			t.Fatalf("checkpoints not increasing: %v", percents)
		}
	}
	if !strings.Contains(string(results), "t1") {
		t.Fatalf("results = %s", results)
	}
}

func TestMockExecuteStopsAtCheckpoint(t *testing.T) {
	exec := NewMock(0)
	calls := 0
	progress := func(context.Context, int, string) (bool, error) {
		calls++
		return calls >= 2, nil
	}

	_, err := exec.Execute(context.Background(), &models.Task{ID: "t1"}, progress)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	if calls != 2 {
		t.Fatalf("%d checkpoints before stop, want 2", calls)
	}
}

func TestMockExecuteInjectedError(t *testing.T) {
	boom := errors.New("inference backend down")
	exec := &Mock{Err: boom}
	_, err := exec.Execute(context.Background(), &models.Task{ID: "t1"}, func(context.Context, int, string) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want injected error", err)
	}
}

func TestMockExecuteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := NewMock(time.Second)
	_, err := exec.Execute(ctx, &models.Task{ID: "t1"}, func(context.Context, int, string) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
