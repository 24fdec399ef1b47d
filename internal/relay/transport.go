package relay

import (
	"context"

	"sealchat/internal/protocol"
)

// Incoming is one item of a relay subscription stream. Exactly one of
// Event, EOSE or Closed is set.
type Incoming struct {
	Relay  string
	Event  *protocol.Event
	EOSE   bool
	Closed string
}

// Transport moves NIP-01 frames to and from a single relay.
type Transport interface {
	// Publish sends an EVENT and waits for the relay's OK.
	Publish(ctx context.Context, url string, e *protocol.Event) error
	// Subscribe sends a REQ. The channel is closed when ctx is done, the
	// relay sends CLOSED, or the connection drops.
	Subscribe(ctx context.Context, url, id string, filters []protocol.Filter) (<-chan Incoming, error)
	Close() error
}
