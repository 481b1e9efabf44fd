package call

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/composite"
	"github.com/huddlekit/huddle/internal/mix"
)

// MixerSourcer is implemented by LocalMedia that can feed the recording
// mixer with microphone PCM.
type MixerSourcer interface {
	MixerSource() (mix.Source, error)
}

// CameraSourcer is implemented by LocalMedia that can feed the compositor
// with raw camera frames.
type CameraSourcer interface {
	CameraSource() (composite.Source, error)
}

// LocalAudioSource returns the session's microphone as a mixer source,
// zeroed while the session is muted so recordings match what peers hear.
// Returns nil when the platform captures no audio.
func LocalAudioSource(s *Session) mix.Source {
	ms, ok := s.Media().(MixerSourcer)
	if !ok {
		return nil
	}
	src, err := ms.MixerSource()
	if err != nil {
		log.Printf("CALL: local mixer source: %v", err)
		return nil
	}
	return &muteGate{src: src, session: s}
}

type muteGate struct {
	src     mix.Source
	session *Session
}

func (g *muteGate) ID() string { return g.src.ID() }

// Close forwards to the wrapped source so the mixer's teardown still reaches
// the microphone's encoded reader through the gate.
func (g *muteGate) Close() error {
	if c, ok := g.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (g *muteGate) ReadPCM() ([]int16, error) {
	pcm, err := g.src.ReadPCM()
	if err != nil {
		return nil, err
	}
	if g.session.Muted() {
		for i := range pcm {
			pcm[i] = 0
		}
	}
	return pcm, nil
}

// LocalCameraSource returns the session's camera as a compositor tile, or
// nil when no camera is captured.
func LocalCameraSource(s *Session) composite.Source {
	cs, ok := s.Media().(CameraSourcer)
	if !ok {
		return nil
	}
	src, err := cs.CameraSource()
	if err != nil {
		if err != ErrNoMedia {
			log.Printf("CALL: local camera source: %v", err)
		}
		return nil
	}
	return src
}

// KeyframeRequests asks every remote video sender for fresh keyframes on a
// fixed cadence while a recording runs, so inbound video always has a recent
// clean decode point. Feeds are re-read each tick, picking up participants
// who enable video mid-recording. The returned func stops the pump.
func KeyframeRequests(s *Session, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, f := range s.VideoFeeds() {
					if f.RequestKeyframe != nil {
						f.RequestKeyframe()
					}
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// RemoteAudioSources wraps each remote audio feed as a decoded mixer source.
// Feeds whose decoder cannot be created are skipped.
func RemoteAudioSources(feeds []*TrackFeed) []mix.Source {
	out := make([]mix.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.Kind != webrtc.RTPCodecTypeAudio {
			continue
		}
		readRTP := f.ReadRTP
		src, err := mix.NewOpusSource(f.Participant, func() ([]byte, error) {
			pkt, err := readRTP()
			if err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		}, nil) // remote tracks end with the peer connection, nothing to free
		if err != nil {
			log.Printf("CALL: opus decoder for %s: %v", f.Participant, err)
			continue
		}
		out = append(out, src)
	}
	return out
}
