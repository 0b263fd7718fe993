// Package broadcast fans accepted changes out to other live sessions
// editing the same record group. Delivery here is best-effort and
// at-most-once, deliberately independent of the durable queue's
// at-least-once guarantee to external systems: a missed broadcast costs a
// session a prompt refresh, never data.
package broadcast

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/models"
)

// Publisher publishes an accepted change on the topic scoped to its owning
// group. Implementations must not block the capture path on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, event models.FieldChangeEvent) error
}

// NopPublisher discards everything. Used when no broadcast backend is
// configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, models.FieldChangeEvent) error { return nil }

// Bus is the in-process fan-out: one buffered channel per subscriber,
// non-blocking sends. A subscriber that falls behind loses messages rather
// than stalling publishers, which is exactly the at-most-once contract.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[string][]chan models.FieldChangeEvent
}

// NewBus constructs an in-process broadcast bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "broadcast_bus").Logger(),
		subs:   make(map[string][]chan models.FieldChangeEvent),
	}
}

// Subscribe returns a channel receiving changes for one group. The channel
// is closed when the bus shuts down. buffer <= 0 defaults to 16.
func (b *Bus) Subscribe(groupID string, buffer int) <-chan models.FieldChangeEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.FieldChangeEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[groupID] = append(b.subs[groupID], ch)
	return ch
}

// Publish delivers the event to every subscriber of its group without
// blocking. Full subscriber buffers drop the message.
func (b *Bus) Publish(_ context.Context, event models.FieldChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs[event.GroupID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug().
				Str("group_id", event.GroupID).
				Str("event_id", event.ID).
				Msg("broadcast: subscriber buffer full, message dropped")
		}
	}
	return nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
