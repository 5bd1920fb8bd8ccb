// Package state holds the ephemeral unit-of-work → message-handle mapping
// the dispatch engine works against.
//
// Entries are time-bounded: the TTL is leak prevention for units that never
// reach a terminal status, not a correctness requirement. Expiry is passive
// (checked on access) plus an explicit PruneExpired hook for the sweeper.
package state

import (
	"context"
	"time"

	"gitrelay/internal/event"
	"gitrelay/internal/transport"
)

const (
	// DefaultHandleTTL bounds how long an un-finalized unit keeps its
	// message handle around.
	DefaultHandleTTL = 24 * time.Hour

	// DefaultBufferTTL bounds the pipeline pending-coalescing window.
	DefaultBufferTTL = 60 * time.Second
)

// Store associates a UnitKey with the live outbound message handle and,
// for pipelines, a buffered pending event awaiting coalescing.
//
// All operations must be atomic with respect to each other for the same
// key: two concurrent deliveries must never interleave a Get+Put pair so
// that one handle is silently lost.
type Store interface {
	// Get returns the live handle for key; ok=false means no live message
	// (never created, already finalized, or expired).
	Get(ctx context.Context, key event.UnitKey) (transport.MessageRef, bool, error)

	// Put associates ref with key and resets its TTL. Any prior handle for
	// the key is superseded, not tracked.
	Put(ctx context.Context, key event.UnitKey, ref transport.MessageRef, ttl time.Duration) error

	// Delete removes the association. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key event.UnitKey) error

	// Buffer stores a provisionally suppressed event under key.
	// A later Buffer for the same key overwrites (last-write-wins).
	Buffer(ctx context.Context, key event.UnitKey, ev event.Event, ttl time.Duration) error

	// TakeBuffer atomically reads and clears the buffered event, if any.
	TakeBuffer(ctx context.Context, key event.UnitKey) (*event.Event, error)
}
