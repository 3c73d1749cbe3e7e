package notify

import (
	"context"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"vedfolnir-queue/internal/events"
)

const DefaultChannel = "vedfolnir:queue:events"

// Relay forwards broker events to a Redis channel for the external
// notification dispatcher. Delivery is best effort: a failed publish is
// logged and dropped, never allowed to stall a state transition.
type Relay struct {
	client  *redis.Client
	channel string
	broker  *events.Broker
	logger  *slog.Logger
}

func NewRelay(client *redis.Client, channel string, broker *events.Broker, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, channel: channel, broker: broker, logger: logger}
}

// Run forwards live events until ctx is cancelled. The replay snapshot is
// intentionally skipped so restarts do not re-notify old events.
func (r *Relay) Run(ctx context.Context) error {
	ch, unsubscribe, _ := r.broker.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-ch:
			payload, err := sonic.Marshal(event)
			if err != nil {
				r.logger.Error("Failed to encode event", "type", event.Type, "error", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
			}
		}
	}
}
