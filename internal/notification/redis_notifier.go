package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisNotifier publishes events on a per-tenant pub/sub channel. The
// API layer subscribes and relays them to connected clients.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// ChannelFor returns the pub/sub channel carrying a tenant's updates.
func ChannelFor(tenantID string) string {
	return fmt.Sprintf("etl:notify:%s", tenantID)
}

func (n *RedisNotifier) Notify(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "encode notification event")
	}
	if err := n.client.Publish(ctx, ChannelFor(evt.TenantID), payload).Err(); err != nil {
		return errors.Wrap(err, "publish notification")
	}
	return nil
}

func (n *RedisNotifier) String() string { return "redis" }

// LogNotifier writes events to the process log. It backs development
// setups with no redis attached.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, evt Event) error {
	n.logger.Info().
		Str("kind", string(evt.Kind)).
		Str("tenant_id", evt.TenantID).
		Str("job_id", evt.JobID).
		Str("step_type", evt.StepType).
		Msg("status update")
	return nil
}

func (n *LogNotifier) String() string { return "log" }
