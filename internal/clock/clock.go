// Package clock implements the Lamport logical clock used to order field
// changes across sessions without trusting device wall clocks.
//
// Two rules govern the clock: before a local change the clock increments;
// when a remote timestamp is observed (a broadcast from another session, or
// a remote state reported during delivery) the clock advances to
// max(own, observed) + 1. Ties between sessions are broken deterministically
// by session id, giving every participant the same total order with no
// coordination.
package clock

import "sync"

// Clock is a goroutine-safe Lamport clock. The capture path ticks it on
// every recorded change while broadcast subscribers merge remote timestamps
// concurrently.
type Clock struct {
	mu sync.Mutex
	ts int64
}

// New returns a clock seeded at v, typically the highest timestamp persisted
// in the local queue at startup.
func New(v int64) *Clock {
	return &Clock{ts: v}
}

// Tick increments the clock before a local change and returns the new
// timestamp.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Observe merges a remote timestamp: the clock becomes max(own, observed)+1.
// Returns the new timestamp.
func (c *Clock) Observe(observed int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if observed > c.ts {
		c.ts = observed
	}
	c.ts++
	return c.ts
}

// Value returns the current timestamp without advancing the clock.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// TotalOrderLess defines the deterministic total order over change events:
// lower timestamp first, ties broken lexicographically by session id.
func TotalOrderLess(tsA int64, sessionA string, tsB int64, sessionB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return sessionA < sessionB
}
