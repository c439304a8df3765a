// ABOUTME: Transport abstraction for one agent channel
// ABOUTME: Dialer opens channels; AckChannel marks transports that acknowledge delivery

package agent

import (
	"context"

	"github.com/2389/coven-chat/internal/chat"
)

// Channel is one open, message-oriented, bidirectional link to an agent.
// Send may be called concurrently with Receive; Close unblocks Receive.
type Channel interface {
	Send(ctx context.Context, msg *chat.OutboundMessage) error
	Receive() ([]byte, error)
	Close() error
}

// AckChannel is implemented by channels whose agents acknowledge every
// outbound message with an {"ack": "<id>"} packet. Channels that do not
// implement it, or return false, get no delivery timeout.
type AckChannel interface {
	AcksDelivery() bool
}

// Dialer opens a channel bound to (sessionID, agent). The handshake is
// complete when Dial returns without error.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, agent chat.Agent) (Channel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, sessionID string, agent chat.Agent) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, sessionID string, agent chat.Agent) (Channel, error) {
	return f(ctx, sessionID, agent)
}

func channelAcks(ch Channel) bool {
	a, ok := ch.(AckChannel)
	return ok && a.AcksDelivery()
}
