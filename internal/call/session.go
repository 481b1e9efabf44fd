package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/signal"
)

// ErrNotInCall is returned by operations that require an active session.
var ErrNotInCall = errors.New("not in a call")

// LocalMedia owns the locally captured tracks. Exactly one LocalMedia exists
// per session; it is released on leave and never cloned.
type LocalMedia interface {
	AudioTrack() webrtc.TrackLocal // nil when the microphone was unavailable
	VideoTrack() webrtc.TrackLocal // nil when video was not captured

	// AcquireVideo opens the camera after a video-off join and returns the
	// new track. Must not disturb the audio capture.
	AcquireVideo() (webrtc.TrackLocal, error)

	Close()
}

// MediaStack builds local media and peer links. The Pion implementation
// lives in the media files; tests plug in doubles.
type MediaStack interface {
	Acquire(withVideo bool) (LocalMedia, error)
	LinkFactory(media LocalMedia) LinkFactory
}

// Roster is the durable participant store that mirrors real-time join/leave
// (the persistence complement to signaling). Optional; failures are logged,
// never fatal to the call.
type Roster interface {
	Upsert(roomID, participantID, name string) error
	Remove(roomID, participantID string) error
}

// Options configures a Session.
type Options struct {
	SelfID    string
	Transport signal.Transport
	Stack     MediaStack
	Roster    Roster // may be nil
}

// Session is the call session controller: it owns local media, the peer
// manager, and the signaling dispatch for one room. At most one session is
// active per process; create one per joined room and Close it on leave.
//
// All state mutations funnel through a single run loop consuming transport
// messages, peer events, and commands, so signaling for a given participant
// is processed strictly in arrival order.
type Session struct {
	selfID    string
	transport signal.Transport
	stack     MediaStack
	roster    Roster

	peerEvents chan peerEvent
	cmds       chan func()
	out        chan Event
	done       chan struct{}

	mu           sync.RWMutex
	state        State
	roomID       string
	selfName     string
	muted        bool
	videoEnabled bool
	media        LocalMedia
	mgr          *peerManager
}

// NewSession creates an idle session. Join brings it into a room.
func NewSession(opts Options) *Session {
	return &Session{
		selfID:     opts.SelfID,
		transport:  opts.Transport,
		stack:      opts.Stack,
		roster:     opts.Roster,
		peerEvents: make(chan peerEvent, 128),
		cmds:       make(chan func(), 16),
		out:        make(chan Event, 32),
		state:      StateIdle,
	}
}

// Events returns session notifications for the embedding app. Slow consumers
// lose events rather than stalling the call.
func (s *Session) Events() <-chan Event { return s.out }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

func (s *Session) VideoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoEnabled
}

// Participants returns a snapshot of the remote side of the mesh.
func (s *Session) Participants() []RemoteParticipant {
	s.mu.RLock()
	mgr := s.mgr
	s.mu.RUnlock()
	if mgr == nil {
		return nil
	}
	return mgr.participants()
}

// Join acquires local media, subscribes to the room's signaling channel, and
// announces presence. Audio is always requested; video only when withVideo.
// A media acquisition failure aborts the join and the session stays Idle.
func (s *Session) Join(ctx context.Context, roomID, displayName string, withVideo bool) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("join: session is %s, not idle", s.state)
	}
	s.state = StateJoining
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return err
	}

	media, err := s.stack.Acquire(withVideo)
	if err != nil {
		return fail(fmt.Errorf("acquire local media: %w", err))
	}

	if err := s.transport.Subscribe(ctx, roomID); err != nil {
		media.Close()
		return fail(fmt.Errorf("subscribe signaling: %w", err))
	}

	s.mu.Lock()
	s.roomID = roomID
	s.selfName = displayName
	s.media = media
	s.muted = false
	s.videoEnabled = withVideo && media.VideoTrack() != nil
	s.mgr = newPeerManager(s.stack.LinkFactory(media), s.peerEvents)
	s.done = make(chan struct{})
	s.state = StateInCall
	s.mu.Unlock()

	if err := s.transport.Send(&signal.Message{
		Type: signal.TypeJoin, RoomID: roomID, From: s.selfID, FromName: displayName,
	}); err != nil {
		// Not fatal: peers that miss the announcement will still reach us
		// when their own join arrives and we offer to them.
		log.Printf("CALL: join announce failed: %v", err)
	}

	go s.run()

	log.Printf("CALL: joined room %s as %s (%s), video=%v", roomID, displayName, s.selfID, s.videoEnabled)
	s.emit(Event{Kind: EventStateChanged, Session: StateInCall})
	return nil
}

// Leave broadcasts departure, closes every peer connection, releases local
// media, and unsubscribes. Idempotent; Close is an alias so teardown paths
// and explicit leaves behave identically.
func (s *Session) Leave() error {
	errc := make(chan error, 1)
	if err := s.do(func() { errc <- s.leaveLocked() }); err != nil {
		return nil // already idle
	}
	return <-errc
}

// Close tears the session down. Same path as Leave.
func (s *Session) Close() error { return s.Leave() }

// SetMuted flips the local audio on every link via sender track replacement —
// silent to the mesh, no renegotiation.
func (s *Session) SetMuted(muted bool) error {
	return s.do(func() {
		if s.muted == muted {
			return
		}
		s.muted = muted
		var track webrtc.TrackLocal
		if !muted {
			track = s.media.AudioTrack()
		}
		s.mgr.forEach(func(pl *peerLink) {
			if err := pl.link.SetAudioTrack(track); err != nil {
				log.Printf("CALL: set audio for %s: %v", pl.id, err)
			}
		})
		log.Printf("CALL: muted=%v", muted)
	})
}

// EnableVideo acquires a camera track after a video-off join and attaches it
// to every link, renegotiating only with peers that had no video sender.
// Audio and other participants' connections are untouched.
func (s *Session) EnableVideo() error {
	var outer error
	err := s.do(func() {
		if s.videoEnabled {
			return
		}
		track, err := s.media.AcquireVideo()
		if err != nil {
			outer = fmt.Errorf("acquire video: %w", err)
			return
		}
		s.videoEnabled = true
		s.mgr.forEach(func(pl *peerLink) {
			added, err := pl.link.SetVideoTrack(track)
			if err != nil {
				log.Printf("CALL: set video for %s: %v", pl.id, err)
				return
			}
			if added {
				s.sendOffer(pl, false)
			}
		})
		log.Printf("CALL: video enabled")
	})
	if err != nil {
		return err
	}
	return outer
}

// do runs fn on the session loop and waits for it. Returns ErrNotInCall when
// no loop is running.
func (s *Session) do(fn func()) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return ErrNotInCall
	}

	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-done:
		return ErrNotInCall
	}
	select {
	case <-ran:
		return nil
	case <-done:
		// The loop may have executed fn and then shut down (leave does
		// exactly that); prefer reporting the run.
		select {
		case <-ran:
			return nil
		default:
			return ErrNotInCall
		}
	}
}

// run is the session's single event loop. Every signaling message, driver
// callback, and command is applied here, one at a time.
func (s *Session) run() {
	msgs := s.transport.Messages()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		case ev := <-s.peerEvents:
			s.handlePeerEvent(ev)
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.dispatch(msg)
		}
	}
}

// dispatch routes one inbound signaling message. The message type set is
// closed; anything else is dropped with a log line.
func (s *Session) dispatch(msg *signal.Message) {
	if err := msg.Validate(); err != nil {
		log.Printf("CALL: dropping message: %v", err)
		return
	}
	// Defensive filters: wrong room, self-echo, unicast for someone else.
	if msg.RoomID != s.roomID || !msg.ForMe(s.selfID) {
		return
	}

	switch msg.Type {
	case signal.TypeJoin:
		s.handleJoin(msg)
	case signal.TypeOffer:
		s.handleOffer(msg)
	case signal.TypeAnswer:
		s.handleAnswer(msg)
	case signal.TypeIceCandidate:
		s.handleCandidate(msg)
	case signal.TypeLeave:
		s.handleLeave(msg)
	}
}

// handleJoin reacts to a newcomer's announcement: the existing side creates
// the connection and sends the offer. A duplicate join from a participant we
// already hold a link for is ignored — no renegotiation storm.
func (s *Session) handleJoin(msg *signal.Message) {
	if s.mgr.has(msg.From) {
		log.Printf("CALL: duplicate join from %s ignored", msg.From)
		return
	}
	pl, err := s.mgr.create(msg.From, msg.FromName)
	if err != nil {
		log.Printf("CALL: %v", err)
		return
	}
	s.rosterUpsert(msg.From, msg.FromName)
	s.emit(Event{Kind: EventParticipantJoined, Participant: RemoteParticipant{ID: pl.id, Name: pl.name, State: pl.state}})
	s.sendOffer(pl, false)
}

// handleOffer answers an incoming offer, creating the connection if this is
// the first contact with the participant.
func (s *Session) handleOffer(msg *signal.Message) {
	pl, ok := s.mgr.get(msg.From)
	if !ok {
		var err error
		pl, err = s.mgr.create(msg.From, msg.FromName)
		if err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		s.rosterUpsert(msg.From, msg.FromName)
		s.emit(Event{Kind: EventParticipantJoined, Participant: RemoteParticipant{ID: pl.id, Name: pl.name, State: pl.state}})
	}

	if err := pl.link.SetRemoteDescription(*msg.SDP); err != nil {
		log.Printf("CALL: set remote offer from %s: %v", msg.From, err)
		return
	}
	s.mgr.drainCandidates(msg.From)

	answer, err := pl.link.Answer()
	if err != nil {
		log.Printf("CALL: create answer for %s: %v", msg.From, err)
		return
	}
	s.send(&signal.Message{
		Type: signal.TypeAnswer, RoomID: s.roomID, From: s.selfID, FromName: s.selfName,
		To: msg.From, SDP: &answer,
	})
}

// handleAnswer completes a negotiation we initiated.
func (s *Session) handleAnswer(msg *signal.Message) {
	pl, ok := s.mgr.get(msg.From)
	if !ok {
		log.Printf("CALL: answer from unknown participant %s dropped", msg.From)
		return
	}
	if err := pl.link.SetRemoteDescription(*msg.SDP); err != nil {
		log.Printf("CALL: set remote answer from %s: %v", msg.From, err)
		return
	}
	s.mgr.drainCandidates(msg.From)
}

// handleCandidate applies a remote candidate immediately when the remote
// description is already set, otherwise queues it for the drain that follows
// the description.
func (s *Session) handleCandidate(msg *signal.Message) {
	pl, ok := s.mgr.get(msg.From)
	if ok && pl.link.RemoteDescriptionSet() {
		if err := pl.link.AddICECandidate(*msg.Candidate); err != nil {
			log.Printf("CALL: add candidate from %s: %v", msg.From, err)
		}
		return
	}
	s.mgr.enqueueCandidate(msg.From, *msg.Candidate)
}

// handleLeave tears down the departing participant's connection. The rest of
// the mesh is untouched.
func (s *Session) handleLeave(msg *signal.Message) {
	pl, ok := s.mgr.get(msg.From)
	if !ok {
		return
	}
	left := RemoteParticipant{ID: pl.id, Name: pl.name, State: ConnClosed}
	s.mgr.close(msg.From)
	s.rosterRemove(msg.From)
	s.emit(Event{Kind: EventParticipantLeft, Participant: left})
	log.Printf("CALL: %s left", msg.From)
}

// handlePeerEvent applies one driver callback: local candidate gathered,
// connection state transition, or remote track arrival.
func (s *Session) handlePeerEvent(ev peerEvent) {
	switch {
	case ev.candidate != nil:
		// Send each candidate as it is gathered; no batching.
		s.send(&signal.Message{
			Type: signal.TypeIceCandidate, RoomID: s.roomID, From: s.selfID,
			To: ev.participant, Candidate: ev.candidate,
		})

	case ev.track != nil:
		s.mgr.attachTrack(ev.track)
		log.Printf("CALL: %s track from %s", ev.track.Kind, ev.participant)

	case ev.state != "":
		s.superviseState(ev.participant, ev.state)
	}
}

// superviseState handles connection state transitions: transient failures
// get an ICE restart on that link only; once the restart budget is spent the
// participant is reported lost and the handle closed. The rest of the mesh
// keeps running.
func (s *Session) superviseState(id string, state ConnState) {
	pl, ok := s.mgr.setState(id, state)
	if !ok {
		return
	}
	log.Printf("CALL: %s is %s", id, state)

	if state != ConnFailed && state != ConnDisconnected {
		return
	}
	if pl.restarts >= maxICERestarts {
		lost := RemoteParticipant{ID: pl.id, Name: pl.name, State: state}
		s.mgr.close(id)
		s.rosterRemove(id)
		s.emit(Event{Kind: EventParticipantLost, Participant: lost})
		log.Printf("CALL: %s lost after %d ICE restarts", id, maxICERestarts)
		return
	}
	pl.restarts++
	log.Printf("CALL: ICE restart %d/%d for %s", pl.restarts, maxICERestarts, id)
	s.sendOffer(pl, true)
}

// sendOffer creates, applies, and sends an offer on one link.
func (s *Session) sendOffer(pl *peerLink, iceRestart bool) {
	offer, err := pl.link.Offer(iceRestart)
	if err != nil {
		log.Printf("CALL: create offer for %s: %v", pl.id, err)
		return
	}
	s.send(&signal.Message{
		Type: signal.TypeOffer, RoomID: s.roomID, From: s.selfID, FromName: s.selfName,
		To: pl.id, SDP: &offer,
	})
}

// send publishes a signaling message; failures are logged and the message is
// not retried — its effect is re-derivable from connection state at the next
// state change.
func (s *Session) send(msg *signal.Message) {
	if err := s.transport.Send(msg); err != nil {
		log.Printf("CALL: send %s to %q failed: %v", msg.Type, msg.To, err)
	}
}

// leaveLocked runs on the session loop: broadcast leave, close all links,
// release media, unsubscribe, return to Idle.
func (s *Session) leaveLocked() error {
	s.mu.Lock()
	if s.state != StateInCall {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLeaving
	roomID := s.roomID
	media := s.media
	done := s.done
	s.mu.Unlock()

	s.send(&signal.Message{Type: signal.TypeLeave, RoomID: roomID, From: s.selfID})
	s.mgr.closeAll()
	if media != nil {
		media.Close()
	}
	if err := s.transport.Unsubscribe(); err != nil {
		log.Printf("CALL: unsubscribe: %v", err)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.media = nil
	s.roomID = ""
	s.done = nil
	s.mu.Unlock()

	close(done) // stops the run loop
	log.Printf("CALL: left room %s", roomID)
	return nil
}

// AudioFeeds returns the current remote audio tracks for the recorder.
func (s *Session) AudioFeeds() []*TrackFeed {
	s.mu.RLock()
	mgr := s.mgr
	s.mu.RUnlock()
	if mgr == nil {
		return nil
	}
	return mgr.audioFeeds()
}

// VideoFeeds returns the current remote video tracks for the recorder.
func (s *Session) VideoFeeds() []*TrackFeed {
	s.mu.RLock()
	mgr := s.mgr
	s.mu.RUnlock()
	if mgr == nil {
		return nil
	}
	return mgr.videoFeeds()
}

// Media returns the session's local media, or nil when idle.
func (s *Session) Media() LocalMedia {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

func (s *Session) rosterUpsert(id, name string) {
	if s.roster == nil {
		return
	}
	if err := s.roster.Upsert(s.roomID, id, name); err != nil {
		log.Printf("CALL: roster upsert %s: %v", id, err)
	}
}

func (s *Session) rosterRemove(id string) {
	if s.roster == nil {
		return
	}
	if err := s.roster.Remove(s.roomID, id); err != nil {
		log.Printf("CALL: roster remove %s: %v", id, err)
	}
}

// emit delivers an event without blocking; a full consumer loses it.
func (s *Session) emit(ev Event) {
	select {
	case s.out <- ev:
	default:
	}
}
