package signal

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// WSTransport carries room signaling through an external websocket relay
// that fans every frame out to all other members of the room. Deployments
// without a libp2p mesh (e.g. behind networks that block peer dialing) point
// this at a relay instead of using PubSubTransport.
type WSTransport struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	ch     chan *Message
	closed bool
}

// subscribeFrame is the single control frame the relay understands; every
// other frame on the socket is a Message.
type subscribeFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

func NewWSTransport(relayURL string) *WSTransport {
	return &WSTransport{url: relayURL}
}

func (t *WSTransport) Subscribe(ctx context.Context, roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return fmt.Errorf("already subscribed")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling relay: %w", err)
	}
	if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", RoomID: roomID}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to room: %w", err)
	}

	t.conn = conn
	t.closed = false
	t.ch = make(chan *Message, 64)
	go t.readLoop(conn, t.ch)

	log.Printf("SIGNAL: relay subscription live for room %s", roomID)
	return nil
}

// readLoop is the only goroutine that sends on ch, so it is also the only
// closer: Unsubscribe tears down the socket and the loop closes ch on its
// way out, never racing a close against an in-flight send.
func (t *WSTransport) readLoop(conn *websocket.Conn, ch chan *Message) {
	defer close(ch)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.Printf("SIGNAL: relay read failed: %v", err)
			}
			return
		}
		select {
		case ch <- &msg:
		default:
			log.Printf("SIGNAL: inbound queue full, dropping %s from %s", msg.Type, msg.From)
		}
	}
}

func (t *WSTransport) Send(msg *Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send on unsubscribed transport")
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

func (t *WSTransport) Messages() <-chan *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

func (t *WSTransport) Unsubscribe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	t.closed = true
	err := t.conn.Close()
	t.conn = nil
	return err
}
