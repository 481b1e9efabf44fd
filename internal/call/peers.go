package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// maxICERestarts bounds reconnection attempts per link. After the budget is
// spent, the next failure is terminal and the participant is reported lost.
const maxICERestarts = 3

// peerManager owns one Link per remote participant and the per-participant
// queues of ICE candidates that arrived before a remote description. All
// mutations happen on the session run loop; the mutex covers the snapshot
// readers (recorder, UI) that run elsewhere.
type peerManager struct {
	factory LinkFactory
	events  chan<- peerEvent

	mu    sync.RWMutex
	links map[string]*peerLink

	// Candidates received before the participant's remote description (or
	// the participant itself) exists. Drained exactly once.
	pending map[string][]webrtc.ICECandidateInit
}

// peerLink pairs a Link with the session-side bookkeeping for it.
type peerLink struct {
	id       string
	name     string
	link     Link
	state    ConnState
	restarts int

	// Live inbound tracks, at most one per kind. Replaced on re-arrival,
	// never accumulated.
	audio *TrackFeed
	video *TrackFeed
}

func newPeerManager(factory LinkFactory, events chan<- peerEvent) *peerManager {
	return &peerManager{
		factory: factory,
		events:  events,
		links:   make(map[string]*peerLink),
		pending: make(map[string][]webrtc.ICECandidateInit),
	}
}

// has reports whether a link for the participant already exists.
func (m *peerManager) has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[id]
	return ok
}

// create builds a new link for a participant. The caller (session loop)
// enforces single-creation; calling create for an existing id is a bug.
func (m *peerManager) create(id, name string) (*peerLink, error) {
	m.mu.RLock()
	_, exists := m.links[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("link for %s already exists", id)
	}

	l, err := m.factory(id, m.events)
	if err != nil {
		return nil, fmt.Errorf("create connection for %s: %w", id, err)
	}
	pl := &peerLink{id: id, name: name, link: l, state: ConnNew}

	m.mu.Lock()
	m.links[id] = pl
	m.mu.Unlock()

	log.Printf("CALL: connection created for %s (%s)", id, name)
	return pl, nil
}

// get returns the link for a participant.
func (m *peerManager) get(id string) (*peerLink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pl, ok := m.links[id]
	return pl, ok
}

// enqueueCandidate stores a candidate that cannot be applied yet.
func (m *peerManager) enqueueCandidate(id string, cand webrtc.ICECandidateInit) {
	m.mu.Lock()
	m.pending[id] = append(m.pending[id], cand)
	n := len(m.pending[id])
	m.mu.Unlock()
	log.Printf("CALL: queued candidate for %s (pending=%d)", id, n)
}

// drainCandidates applies every queued candidate for a participant and
// clears the queue. Called once, immediately after the remote description is
// applied; a failed candidate is logged and skipped, never retried.
func (m *peerManager) drainCandidates(id string) {
	m.mu.Lock()
	queued := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	pl, ok := m.get(id)
	if !ok {
		return
	}
	for _, cand := range queued {
		if err := pl.link.AddICECandidate(cand); err != nil {
			log.Printf("CALL: apply queued candidate for %s: %v", id, err)
		}
	}
	log.Printf("CALL: drained %d candidates for %s", len(queued), id)
}

// setState records a connection state transition and returns the link.
func (m *peerManager) setState(id string, state ConnState) (*peerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[id]
	if !ok {
		return nil, false
	}
	pl.state = state
	if state == ConnConnected {
		// A settled connection refills the restart budget.
		pl.restarts = 0
	}
	return pl, true
}

// attachTrack associates an inbound track with its participant, replacing
// any previous track of the same kind.
func (m *peerManager) attachTrack(feed *TrackFeed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[feed.Participant]
	if !ok {
		return
	}
	switch feed.Kind {
	case webrtc.RTPCodecTypeAudio:
		pl.audio = feed
	case webrtc.RTPCodecTypeVideo:
		pl.video = feed
	}
}

// close stops a single connection and removes its handle and pending queue.
func (m *peerManager) close(id string) {
	m.mu.Lock()
	pl, ok := m.links[id]
	delete(m.links, id)
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := pl.link.Close(); err != nil {
		log.Printf("CALL: close connection for %s: %v", id, err)
	}
}

// closeAll tears down every connection. Used on room leave.
func (m *peerManager) closeAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*peerLink)
	m.pending = make(map[string][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for id, pl := range links {
		if err := pl.link.Close(); err != nil {
			log.Printf("CALL: close connection for %s: %v", id, err)
		}
	}
	if len(links) > 0 {
		log.Printf("CALL: closed %d connections", len(links))
	}
}

// participants returns a snapshot of every remote participant.
func (m *peerManager) participants() []RemoteParticipant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RemoteParticipant, 0, len(m.links))
	for _, pl := range m.links {
		out = append(out, RemoteParticipant{ID: pl.id, Name: pl.name, State: pl.state})
	}
	return out
}

// audioFeeds returns the current remote audio tracks.
func (m *peerManager) audioFeeds() []*TrackFeed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackFeed, 0, len(m.links))
	for _, pl := range m.links {
		if pl.audio != nil {
			out = append(out, pl.audio)
		}
	}
	return out
}

// videoFeeds returns the current remote video tracks.
func (m *peerManager) videoFeeds() []*TrackFeed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackFeed, 0, len(m.links))
	for _, pl := range m.links {
		if pl.video != nil {
			out = append(out, pl.video)
		}
	}
	return out
}

// forEach runs fn over every live link.
func (m *peerManager) forEach(fn func(*peerLink)) {
	m.mu.RLock()
	links := make([]*peerLink, 0, len(m.links))
	for _, pl := range m.links {
		links = append(links, pl)
	}
	m.mu.RUnlock()
	for _, pl := range links {
		fn(pl)
	}
}
