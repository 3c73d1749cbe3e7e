package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vedfolnir-queue/internal/events"
)

func newTestRelay(t *testing.T) (*Relay, *events.Broker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := events.NewBroker(10)
	return NewRelay(client, "", broker, nil), broker, client
}

func TestRelayForwardsEvents(t *testing.T) {
	relay, broker, client := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := client.Subscribe(ctx, DefaultChannel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	go relay.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	broker.Publish(events.Event{
		Type:    events.TypeTaskCompleted,
		Message: "task completed",
		TaskID:  "t1",
		UserID:  7,
	})

	select {
	case msg := <-sub.Channel():
		var got events.Event
		require.NoError(t, sonic.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, events.TypeTaskCompleted, got.Type)
		assert.Equal(t, "t1", got.TaskID)
		assert.Equal(t, int64(7), got.UserID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestRelaySkipsReplaySnapshot(t *testing.T) {
	relay, broker, client := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Events published before the relay starts must not be re-notified.
	broker.Publish(events.Event{Type: events.TypeTaskEnqueued, TaskID: "old"})

	sub := client.Subscribe(ctx, DefaultChannel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	go relay.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	broker.Publish(events.Event{Type: events.TypeTaskClaimed, TaskID: "new"})

	select {
	case msg := <-sub.Channel():
		var got events.Event
		require.NoError(t, sonic.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "new", got.TaskID, "snapshot events must be skipped")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}
