package signal

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process broadcast fabric. Every attached transport receives
// every published message, including the sender's own — the same echo
// behavior real pubsub fabrics exhibit, so consumers exercise their
// self-filtering. Used by tests and single-process demos.
type Hub struct {
	mu      sync.RWMutex
	members map[*MemoryTransport]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*MemoryTransport]struct{})}
}

// Attach creates a new transport bound to this hub.
func (h *Hub) Attach() *MemoryTransport {
	return &MemoryTransport{hub: h}
}

func (h *Hub) publish(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for t := range h.members {
		t.deliver(msg)
	}
}

// MemoryTransport is one participant's endpoint on a Hub.
type MemoryTransport struct {
	hub *Hub

	mu     sync.Mutex
	roomID string
	ch     chan *Message
}

func (t *MemoryTransport) Subscribe(_ context.Context, roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return fmt.Errorf("already subscribed to room %s", t.roomID)
	}
	t.roomID = roomID
	t.ch = make(chan *Message, 64)

	t.hub.mu.Lock()
	t.hub.members[t] = struct{}{}
	t.hub.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Send(msg *Message) error {
	t.mu.Lock()
	subscribed := t.ch != nil
	t.mu.Unlock()
	if !subscribed {
		return fmt.Errorf("send on unsubscribed transport")
	}
	t.hub.publish(msg)
	return nil
}

func (t *MemoryTransport) Messages() <-chan *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

func (t *MemoryTransport) Unsubscribe() error {
	t.hub.mu.Lock()
	delete(t.hub.members, t)
	t.hub.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		close(t.ch)
		t.ch = nil
	}
	return nil
}

// deliver enqueues without blocking; a consumer that stops draining loses
// messages rather than wedging the hub.
func (t *MemoryTransport) deliver(msg *Message) {
	t.mu.Lock()
	ch := t.ch
	room := t.roomID
	t.mu.Unlock()
	if ch == nil || msg.RoomID != room {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
