// Package call implements the mesh calling core: one Session per joined room,
// holding one peer connection per remote participant. Coupling to the
// signaling layer is via the signal.Transport interface only; coupling to
// WebRTC is via the Link interface so tests can run a full mesh without
// network or media hardware.
package call

import (
	"errors"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrNoMedia is returned when no capture device could be opened at all.
// Capability error: callers surface a notice, they do not crash.
var ErrNoMedia = errors.New("no camera or microphone available")

// State is the session's primary lifecycle state.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateInCall
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateInCall:
		return "in-call"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// ConnState mirrors the driver's connection state for one remote participant.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// RemoteParticipant is the session's view of another participant. The
// connection itself stays inside the peer manager; this is a snapshot.
type RemoteParticipant struct {
	ID    string
	Name  string
	State ConnState
}

// String renders "name (id)", or just the ID when no display name was
// announced.
func (p RemoteParticipant) String() string {
	if p.Name == "" || p.Name == p.ID {
		return p.ID
	}
	return p.Name + " (" + p.ID + ")"
}

// Link is one WebRTC connection to a remote participant. The production
// implementation wraps a Pion PeerConnection (media_common.go); tests
// substitute fakes. All methods are called from the session run loop only.
type Link interface {
	// Offer creates and applies a local offer. iceRestart requests new ICE
	// credentials on an existing connection.
	Offer(iceRestart bool) (webrtc.SessionDescription, error)

	// Answer creates and applies a local answer to a previously set remote
	// offer.
	Answer() (webrtc.SessionDescription, error)

	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescriptionSet() bool
	AddICECandidate(cand webrtc.ICECandidateInit) error

	// SetAudioTrack replaces the outgoing audio track; nil silences the
	// sender without renegotiation.
	SetAudioTrack(track webrtc.TrackLocal) error

	// SetVideoTrack replaces the outgoing video track, or adds a sender when
	// none exists yet. added=true means the peer needs a renegotiation offer.
	SetVideoTrack(track webrtc.TrackLocal) (added bool, err error)

	Close() error
}

// LinkFactory builds a Link for a remote participant and wires its callbacks
// to emit peerEvents into the given channel.
type LinkFactory func(participantID string, events chan<- peerEvent) (Link, error)

// TrackFeed is a live inbound media track from a remote participant,
// surfaced to the recording pipeline.
type TrackFeed struct {
	Participant string
	Kind        webrtc.RTPCodecType

	// ReadRTP blocks for the next packet of the track.
	ReadRTP func() (*rtp.Packet, error)

	// RequestKeyframe asks the sender for a fresh keyframe (video only, may
	// be nil). The recorder calls it when it needs a clean decode point.
	RequestKeyframe func()
}

// peerEvent is the single currency between link callbacks and the session
// run loop. Driver callbacks never touch session state directly; they emit
// one of these and the loop applies it in arrival order.
type peerEvent struct {
	participant string
	candidate   *webrtc.ICECandidateInit // local candidate gathered
	state       ConnState                // connection state transition ("" if none)
	track       *TrackFeed               // remote track arrival
}

// EventKind tags session notifications delivered to the embedding app.
type EventKind string

const (
	EventParticipantJoined EventKind = "participant-joined"
	EventParticipantLeft   EventKind = "participant-left"
	EventParticipantLost   EventKind = "participant-lost"
	EventStateChanged      EventKind = "state-changed"
)

// Event is a session notification.
type Event struct {
	Kind        EventKind
	Participant RemoteParticipant
	Session     State
}
