package dispatch

import (
	"errors"
	"fmt"
)

// ErrUnsupportedKind marks a recognized-but-not-dispatched event kind.
// The delivery is acknowledged as ignored, not failed.
var ErrUnsupportedKind = errors.New("dispatch: unsupported event kind")

// GatewayError wraps a failed send/edit against the outbound gateway.
// The engine never retries; state-store entries are left as they were so
// a redelivery can attempt the same transition again.
type GatewayError struct {
	Op  string // "send" or "edit"
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }
func (e *GatewayError) Unwrap() error { return e.Err }

// StoreError wraps an unavailable or failing state store. It is fatal for
// the current delivery: failing beats guessing a routing decision.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("state store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
