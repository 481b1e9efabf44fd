package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/signal"
)

// fakeLink records every driver interaction so tests can assert on the
// negotiation flow without opening real peer connections.
type fakeLink struct {
	mu sync.Mutex

	id        string
	remoteSet bool
	closed    bool

	offers        int
	restartOffers int
	answers       int
	candidates    []webrtc.ICECandidateInit
	audioSets     []webrtc.TrackLocal
	videoSet      bool
}

func (l *fakeLink) Offer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	if iceRestart {
		l.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + l.id}, nil
}

func (l *fakeLink) Answer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + l.id}, nil
}

func (l *fakeLink) SetRemoteDescription(webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSet = true
	return nil
}

func (l *fakeLink) RemoteDescriptionSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) SetAudioTrack(t webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioSets = append(l.audioSets, t)
	return nil
}

func (l *fakeLink) SetVideoTrack(t webrtc.TrackLocal) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.videoSet {
		return false, nil
	}
	l.videoSet = true
	return true, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) snapshot() fakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := fakeLink{
		id: l.id, remoteSet: l.remoteSet, closed: l.closed,
		offers: l.offers, restartOffers: l.restartOffers, answers: l.answers,
		videoSet: l.videoSet,
	}
	cp.candidates = append(cp.candidates, l.candidates...)
	cp.audioSets = append(cp.audioSets, l.audioSets...)
	return cp
}

// fakeMedia hands out real static-sample tracks; no device is touched.
type fakeMedia struct {
	mu     sync.Mutex
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	closed bool
}

func newFakeMedia(t *testing.T, withVideo bool) *fakeMedia {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	if err != nil {
		t.Fatal(err)
	}
	m := &fakeMedia{audio: audio}
	if withVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam")
		if err != nil {
			t.Fatal(err)
		}
		m.video = video
	}
	return m
}

func (m *fakeMedia) AudioTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *fakeMedia) VideoTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

func (m *fakeMedia) AcquireVideo() (webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam")
		if err != nil {
			return nil, err
		}
		m.video = video
	}
	return m.video, nil
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fakeStack builds fakeLinks and remembers them by participant.
type fakeStack struct {
	t *testing.T

	mu     sync.Mutex
	media  *fakeMedia
	links  map[string]*fakeLink
	events chan<- peerEvent
}

func newFakeStack(t *testing.T) *fakeStack {
	return &fakeStack{t: t, links: make(map[string]*fakeLink)}
}

func (f *fakeStack) Acquire(withVideo bool) (LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = newFakeMedia(f.t, withVideo)
	return f.media, nil
}

func (f *fakeStack) LinkFactory(LocalMedia) LinkFactory {
	return func(participantID string, events chan<- peerEvent) (Link, error) {
		l := &fakeLink{id: participantID}
		f.mu.Lock()
		f.links[participantID] = l
		f.events = events
		f.mu.Unlock()
		return l, nil
	}
}

func (f *fakeStack) link(id string) (*fakeLink, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[id]
	return l, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testNode bundles one participant's session with its doubles.
type testNode struct {
	id      string
	stack   *fakeStack
	session *Session
}

func newTestNode(t *testing.T, hub *signal.Hub, id string) *testNode {
	stack := newFakeStack(t)
	return &testNode{
		id:    id,
		stack: stack,
		session: NewSession(Options{
			SelfID:    id,
			Transport: hub.Attach(),
			Stack:     stack,
		}),
	}
}

func (n *testNode) join(t *testing.T, room string, withVideo bool) {
	t.Helper()
	if err := n.session.Join(context.Background(), room, "name-"+n.id, withVideo); err != nil {
		t.Fatalf("%s join: %v", n.id, err)
	}
}

func TestSessionMesh(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	c := newTestNode(t, hub, "c")

	a.join(t, "room", true)
	b.join(t, "room", true)

	// The existing side offers; negotiation completes on both ends.
	waitFor(t, "a and b linked", func() bool {
		la, okA := a.stack.link("b")
		lb, okB := b.stack.link("a")
		return okA && okB && la.snapshot().remoteSet && lb.snapshot().remoteSet
	})

	la, _ := a.stack.link("b")
	if la.snapshot().offers != 1 {
		t.Fatalf("a should have offered exactly once to b, got %d", la.snapshot().offers)
	}
	lb, _ := b.stack.link("a")
	if lb.snapshot().answers != 1 {
		t.Fatalf("b should have answered exactly once, got %d", lb.snapshot().answers)
	}

	// A third participant joins: each existing member offers to it; the
	// a-b link is not renegotiated.
	c.join(t, "room", true)
	waitFor(t, "c linked to both", func() bool {
		lc1, ok1 := c.stack.link("a")
		lc2, ok2 := c.stack.link("b")
		return ok1 && ok2 && lc1.snapshot().remoteSet && lc2.snapshot().remoteSet
	})
	if got := la.snapshot().offers; got != 1 {
		t.Fatalf("a-b link renegotiated on c's join: offers=%d", got)
	}
	waitFor(t, "everyone sees two participants", func() bool {
		return len(a.session.Participants()) == 2 &&
			len(b.session.Participants()) == 2 &&
			len(c.session.Participants()) == 2
	})

	for _, n := range []*testNode{a, b, c} {
		if n.session.State() != StateInCall {
			t.Fatalf("%s state = %s, want in-call", n.id, n.session.State())
		}
	}
}

func TestSessionDuplicateJoinIgnored(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	a.join(t, "room", false)
	b.join(t, "room", false)

	waitFor(t, "link established", func() bool {
		l, ok := a.stack.link("b")
		return ok && l.snapshot().remoteSet
	})
	la, _ := a.stack.link("b")
	before := la.snapshot().offers

	// Replay b's announcement. No new link, no renegotiation.
	inject := hub.Attach()
	if err := inject.Subscribe(context.Background(), "room"); err != nil {
		t.Fatal(err)
	}
	defer inject.Unsubscribe()
	inject.Send(&signal.Message{Type: signal.TypeJoin, RoomID: "room", From: "b", FromName: "name-b"})

	time.Sleep(100 * time.Millisecond)
	if got := la.snapshot().offers; got != before {
		t.Fatalf("duplicate join triggered renegotiation: offers %d -> %d", before, got)
	}
	if got := len(a.session.Participants()); got != 1 {
		t.Fatalf("participant duplicated: %d", got)
	}
}

func TestSessionLeave(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	a.join(t, "room", false)
	b.join(t, "room", false)
	waitFor(t, "mesh up", func() bool {
		return len(a.session.Participants()) == 1 && len(b.session.Participants()) == 1
	})

	if err := b.session.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if b.session.State() != StateIdle {
		t.Fatalf("b state = %s, want idle", b.session.State())
	}
	if !b.stack.media.isClosed() {
		t.Fatal("local media must be released on leave")
	}

	// The remaining participant tears down only the departed link.
	waitFor(t, "a drops b", func() bool {
		return len(a.session.Participants()) == 0
	})
	la, _ := a.stack.link("b")
	if !la.snapshot().closed {
		t.Fatal("a's link to b should be closed")
	}
	if a.session.State() != StateInCall {
		t.Fatal("a should remain in call")
	}

	// Leave is idempotent.
	if err := b.session.Leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

func TestSessionJoinTwiceFails(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	a.join(t, "room", false)
	if err := a.session.Join(context.Background(), "other", "x", false); err == nil {
		t.Fatal("expected error joining while in call")
	}
	if err := a.session.Leave(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionMute(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")

	if err := a.session.SetMuted(true); err != ErrNotInCall {
		t.Fatalf("mute while idle = %v, want ErrNotInCall", err)
	}

	a.join(t, "room", false)
	b.join(t, "room", false)
	waitFor(t, "mesh up", func() bool {
		l, ok := a.stack.link("b")
		return ok && l.snapshot().remoteSet
	})

	if err := a.session.SetMuted(true); err != nil {
		t.Fatal(err)
	}
	if !a.session.Muted() {
		t.Fatal("session should report muted")
	}
	la, _ := a.stack.link("b")
	snap := la.snapshot()
	if len(snap.audioSets) != 1 || snap.audioSets[0] != nil {
		t.Fatalf("mute must replace the sender track with nil, got %v", snap.audioSets)
	}
	offersAtMute := snap.offers

	if err := a.session.SetMuted(false); err != nil {
		t.Fatal(err)
	}
	snap = la.snapshot()
	if len(snap.audioSets) != 2 || snap.audioSets[1] == nil {
		t.Fatal("unmute must restore the audio track")
	}
	if snap.offers != offersAtMute {
		t.Fatal("mute/unmute must not renegotiate")
	}

	// Redundant mute is a no-op.
	if err := a.session.SetMuted(false); err != nil {
		t.Fatal(err)
	}
	if got := len(la.snapshot().audioSets); got != 2 {
		t.Fatalf("redundant unmute touched the link: %d track sets", got)
	}
}

func TestSessionEnableVideoMidCall(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	a.join(t, "room", false)
	b.join(t, "room", false)
	waitFor(t, "mesh up", func() bool {
		l, ok := a.stack.link("b")
		return ok && l.snapshot().remoteSet
	})
	if a.session.VideoEnabled() {
		t.Fatal("video should start disabled")
	}

	la, _ := a.stack.link("b")
	offersBefore := la.snapshot().offers

	if err := a.session.EnableVideo(); err != nil {
		t.Fatal(err)
	}
	if !a.session.VideoEnabled() {
		t.Fatal("video should be enabled")
	}
	snap := la.snapshot()
	if !snap.videoSet {
		t.Fatal("video track not attached to the link")
	}
	// A newly added sender needs one targeted re-offer.
	if snap.offers != offersBefore+1 {
		t.Fatalf("expected one re-offer, offers %d -> %d", offersBefore, snap.offers)
	}

	// Enabling again is a no-op.
	if err := a.session.EnableVideo(); err != nil {
		t.Fatal(err)
	}
	if got := la.snapshot().offers; got != offersBefore+1 {
		t.Fatalf("redundant enable renegotiated: offers=%d", got)
	}
}

func TestSessionEarlyCandidateQueued(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	a.join(t, "room", false)

	inject := hub.Attach()
	if err := inject.Subscribe(context.Background(), "room"); err != nil {
		t.Fatal(err)
	}
	defer inject.Unsubscribe()

	// Candidate arrives before any offer from x: held, not dropped.
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.9 4242 typ host"}
	inject.Send(&signal.Message{
		Type: signal.TypeIceCandidate, RoomID: "room", From: "x", To: "a", Candidate: &cand,
	})
	time.Sleep(50 * time.Millisecond)

	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-x"}
	inject.Send(&signal.Message{
		Type: signal.TypeOffer, RoomID: "room", From: "x", FromName: "x", To: "a", SDP: &sdp,
	})

	waitFor(t, "queued candidate applied after offer", func() bool {
		l, ok := a.stack.link("x")
		if !ok {
			return false
		}
		snap := l.snapshot()
		return snap.remoteSet && len(snap.candidates) == 1
	})

	a.session.Leave()
}

func TestSessionICERestartBudget(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	a.join(t, "room", false)
	b.join(t, "room", false)
	waitFor(t, "mesh up", func() bool {
		l, ok := a.stack.link("b")
		return ok && l.snapshot().remoteSet
	})

	a.stack.mu.Lock()
	events := a.stack.events
	a.stack.mu.Unlock()
	la, _ := a.stack.link("b")

	// Each failure within the budget triggers exactly one ICE-restart offer.
	for i := 1; i <= maxICERestarts; i++ {
		events <- peerEvent{participant: "b", state: ConnFailed}
		want := i
		waitFor(t, fmt.Sprintf("restart offer %d", i), func() bool {
			return la.snapshot().restartOffers == want
		})
	}
	if got := len(a.session.Participants()); got != 1 {
		t.Fatalf("participant dropped too early: %d", got)
	}

	// The next failure exhausts the budget: the link closes, the
	// participant is reported lost, the session itself stays up.
	events <- peerEvent{participant: "b", state: ConnFailed}
	waitFor(t, "participant lost", func() bool {
		return len(a.session.Participants()) == 0
	})
	if !la.snapshot().closed {
		t.Fatal("exhausted link should be closed")
	}
	if got := la.snapshot().restartOffers; got != maxICERestarts {
		t.Fatalf("restart offers after loss = %d, want %d", got, maxICERestarts)
	}
	if a.session.State() != StateInCall {
		t.Fatal("losing one participant must not end the session")
	}
}

func TestSessionRecoveryResetsRestartBudget(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	a.join(t, "room", false)
	b.join(t, "room", false)
	waitFor(t, "mesh up", func() bool {
		l, ok := a.stack.link("b")
		return ok && l.snapshot().remoteSet
	})

	a.stack.mu.Lock()
	events := a.stack.events
	a.stack.mu.Unlock()
	la, _ := a.stack.link("b")

	events <- peerEvent{participant: "b", state: ConnFailed}
	waitFor(t, "first restart", func() bool { return la.snapshot().restartOffers == 1 })

	// A successful reconnect refills the budget.
	events <- peerEvent{participant: "b", state: ConnConnected}
	for i := 0; i < maxICERestarts; i++ {
		events <- peerEvent{participant: "b", state: ConnFailed}
	}
	waitFor(t, "budget worth of restarts", func() bool {
		return la.snapshot().restartOffers == 1+maxICERestarts
	})
	if got := len(a.session.Participants()); got != 1 {
		t.Fatal("participant should survive a refreshed budget")
	}
}
