package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/models"
)

const channelPrefix = "fieldsync:group:"

// GroupChannel returns the pub/sub channel name for a record group.
func GroupChannel(groupID string) string { return channelPrefix + groupID }

// RedisBroadcaster fans changes out across devices through Redis pub/sub.
// Redis PUBLISH is fire-and-forget to currently connected subscribers,
// matching the best-effort at-most-once contract.
type RedisBroadcaster struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRedisBroadcaster wraps an existing Redis client.
func NewRedisBroadcaster(rdb *redis.Client, logger zerolog.Logger) (*RedisBroadcaster, error) {
	if rdb == nil {
		return nil, fmt.Errorf("broadcast: redis client is required")
	}
	return &RedisBroadcaster{
		rdb:    rdb,
		logger: logger.With().Str("component", "redis_broadcast").Logger(),
	}, nil
}

// Publish implements Publisher.
func (r *RedisBroadcaster) Publish(ctx context.Context, event models.FieldChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("broadcast: encode event: %w", err)
	}
	if err := r.rdb.Publish(ctx, GroupChannel(event.GroupID), payload).Err(); err != nil {
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	return nil
}

// Subscribe streams changes for one group until ctx is cancelled. Decode
// failures are logged and skipped; the stream keeps going.
func (r *RedisBroadcaster) Subscribe(ctx context.Context, groupID string) (<-chan models.FieldChangeEvent, error) {
	sub := r.rdb.Subscribe(ctx, GroupChannel(groupID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("broadcast: subscribe: %w", err)
	}

	out := make(chan models.FieldChangeEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event models.FieldChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.logger.Warn().Err(err).
						Str("group_id", groupID).
						Msg("broadcast: dropping undecodable message")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
