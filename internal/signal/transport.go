package signal

import "context"

// Transport is the broadcast channel a call session signals over. Delivery is
// at-least-once and unordered across senders; the transport may echo the
// sender's own messages. Implementations: GossipSub (pubsub.go), a websocket
// relay client (ws.go), and an in-process hub (memory.go).
type Transport interface {
	// Subscribe attaches the transport to a room. Messages received after
	// Subscribe returns are delivered on Messages. A transport serves one
	// room at a time.
	Subscribe(ctx context.Context, roomID string) error

	// Send publishes a message to the room. Returns an error on transport
	// failure; the caller logs and moves on (each signaling message's effect
	// is re-derivable from connection state).
	Send(msg *Message) error

	// Messages returns the inbound message stream. The channel closes once
	// the transport has detached and its reader drained.
	Messages() <-chan *Message

	// Unsubscribe detaches from the room; the message channel closes shortly
	// after as the reader shuts down. Idempotent.
	Unsubscribe() error
}
