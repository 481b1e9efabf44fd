package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/huddlekit/huddle/internal/proto"
)

// PubSubTransport carries room signaling over a GossipSub topic, one topic
// per room. GossipSub redelivers and does not order across publishers, which
// is exactly the contract Transport promises (and nothing more).
type PubSubTransport struct {
	ps   *pubsub.PubSub
	self peer.ID

	mu     sync.Mutex
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	ch     chan *Message
	cancel context.CancelFunc
}

// NewPubSubTransport wraps an already-running GossipSub router. self is the
// local libp2p peer; its own publishes are dropped at the transport edge to
// spare the session one layer of echo (the session still filters by From).
func NewPubSubTransport(ps *pubsub.PubSub, self peer.ID) *PubSubTransport {
	return &PubSubTransport{ps: ps, self: self}
}

func (t *PubSubTransport) Subscribe(ctx context.Context, roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.topic != nil {
		return fmt.Errorf("already subscribed")
	}

	topic, err := t.ps.Join(proto.RoomTopic(roomID))
	if err != nil {
		return fmt.Errorf("join room topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("subscribe room topic: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.topic = topic
	t.sub = sub
	t.cancel = cancel
	t.ch = make(chan *Message, 64)
	go t.readLoop(loopCtx, sub, t.ch)

	log.Printf("SIGNAL: subscribed to room %s", roomID)
	return nil
}

// readLoop is the sole sender on ch and therefore its sole closer; the
// channel closes when the cancelled subscription unblocks Next.
func (t *PubSubTransport) readLoop(ctx context.Context, sub *pubsub.Subscription, ch chan *Message) {
	defer close(ch)
	for {
		pmsg, err := sub.Next(ctx)
		if err != nil {
			return // subscription cancelled
		}
		if pmsg.ReceivedFrom == t.self {
			continue
		}
		var msg Message
		if err := json.Unmarshal(pmsg.Data, &msg); err != nil {
			log.Printf("SIGNAL: dropping undecodable message from %s: %v", pmsg.ReceivedFrom, err)
			continue
		}
		select {
		case ch <- &msg:
		default:
			log.Printf("SIGNAL: inbound queue full, dropping %s from %s", msg.Type, msg.From)
		}
	}
}

func (t *PubSubTransport) Send(msg *Message) error {
	t.mu.Lock()
	topic := t.topic
	t.mu.Unlock()
	if topic == nil {
		return fmt.Errorf("send on unsubscribed transport")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signal message: %w", err)
	}
	if err := topic.Publish(context.Background(), data); err != nil {
		return fmt.Errorf("publish signal message: %w", err)
	}
	return nil
}

func (t *PubSubTransport) Messages() <-chan *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

func (t *PubSubTransport) Unsubscribe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.topic == nil {
		return nil
	}
	t.cancel()
	t.sub.Cancel()
	err := t.topic.Close()
	t.topic, t.sub, t.cancel = nil, nil, nil
	return err
}
