package call

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/signal"
)

func TestKeyframeRequestsPumpRemoteVideo(t *testing.T) {
	hub := signal.NewHub()
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	c := newTestNode(t, hub, "c")
	a.join(t, "room", false)
	b.join(t, "room", false)
	c.join(t, "room", false)
	waitFor(t, "mesh up", func() bool {
		lb, okB := a.stack.link("b")
		lc, okC := a.stack.link("c")
		return okB && okC && lb.snapshot().remoteSet && lc.snapshot().remoteSet
	})

	a.stack.mu.Lock()
	events := a.stack.events
	a.stack.mu.Unlock()

	// b publishes video with a working keyframe hook; c's feed arrives
	// without one, as audio-only relays do.
	var hits atomic.Int32
	events <- peerEvent{participant: "b", track: &TrackFeed{
		Participant:     "b",
		Kind:            webrtc.RTPCodecTypeVideo,
		RequestKeyframe: func() { hits.Add(1) },
	}}
	events <- peerEvent{participant: "c", track: &TrackFeed{
		Participant: "c",
		Kind:        webrtc.RTPCodecTypeVideo,
	}}
	waitFor(t, "video feeds attached", func() bool {
		return len(a.session.VideoFeeds()) == 2
	})

	stop := KeyframeRequests(a.session, 10*time.Millisecond)
	waitFor(t, "keyframe requests flowing", func() bool {
		return hits.Load() >= 3
	})

	stop()
	settled := hits.Load()
	time.Sleep(50 * time.Millisecond)
	// One tick may have been in flight when stop landed, no more.
	if after := hits.Load(); after > settled+1 {
		t.Fatalf("pump still running after stop: %d -> %d", settled, after)
	}
	stop() // idempotent

	a.session.Leave()
	b.session.Leave()
	c.session.Leave()
}

func TestRemoteParticipantString(t *testing.T) {
	cases := []struct {
		p    RemoteParticipant
		want string
	}{
		{RemoteParticipant{ID: "peer-1", Name: "Alice"}, "Alice (peer-1)"},
		{RemoteParticipant{ID: "peer-2"}, "peer-2"},
		{RemoteParticipant{ID: "peer-3", Name: "peer-3"}, "peer-3"},
	}
	for _, tc := range cases {
		if got := tc.p.String(); got != tc.want {
			t.Errorf("String(%+v) = %q, want %q", tc.p, got, tc.want)
		}
	}
}
