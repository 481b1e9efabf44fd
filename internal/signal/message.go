// Package signal defines the room signaling protocol and its transports.
// A transport is an at-least-once broadcast channel scoped to a room; it may
// deliver a sender's own messages back to it, and gives no ordering guarantee
// across different senders. Consumers filter defensively.
package signal

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MsgType enumerates every message the protocol carries. The set is closed:
// dispatch switches over these constants exhaustively and drops anything else.
type MsgType string

const (
	TypeJoin         MsgType = "join"
	TypeOffer        MsgType = "offer"
	TypeAnswer       MsgType = "answer"
	TypeIceCandidate MsgType = "ice-candidate"
	TypeLeave        MsgType = "leave"
)

// Message is one signaling protocol unit. It exists only on the wire and is
// never persisted. To is empty for broadcasts (join, leave) and set for
// unicast negotiation messages carried over the broadcast transport.
type Message struct {
	Type     MsgType `json:"type"`
	RoomID   string  `json:"room_id"`
	From     string  `json:"from"`
	FromName string  `json:"from_name,omitempty"`
	To       string  `json:"to,omitempty"`

	// Exactly one of these is set, depending on Type.
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Validate checks the structural invariants of a received message before it
// is dispatched. Malformed messages are dropped, never fatal.
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("signal message without sender")
	}
	if m.RoomID == "" {
		return fmt.Errorf("signal message without room id")
	}
	switch m.Type {
	case TypeJoin, TypeLeave:
		return nil
	case TypeOffer, TypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s from %s without sdp", m.Type, m.From)
		}
		return nil
	case TypeIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate from %s without candidate", m.From)
		}
		return nil
	default:
		return fmt.Errorf("unknown signal message type %q", m.Type)
	}
}

// ForMe reports whether a message addresses the local participant: broadcasts
// (empty To) and unicasts targeted at selfID. Self-originated messages are
// never for the local participant, no matter the addressing.
func (m *Message) ForMe(selfID string) bool {
	if m.From == selfID {
		return false
	}
	return m.To == "" || m.To == selfID
}
