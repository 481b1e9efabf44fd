//go:build !linux

package call

import (
	"errors"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// pionStack on non-Linux platforms builds receive-only links. Camera/mic
// capture via pion/mediadevices requires platform-specific drivers
// (V4L2/malgo on Linux); elsewhere calls join without local capture.
type pionStack struct {
	cfg StackConfig
	api *webrtc.API
}

func NewPionStack(cfg StackConfig) (MediaStack, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine()),
	)

	return &pionStack{cfg: cfg, api: api}, nil
}

func (s *pionStack) Acquire(withVideo bool) (LocalMedia, error) {
	log.Printf("CALL: no local media capture on this platform — receive-only")
	return nullMedia{}, nil
}

func (s *pionStack) LinkFactory(media LocalMedia) LinkFactory {
	return func(participantID string, events chan<- peerEvent) (Link, error) {
		return newPionLink(s.api, s.cfg, participantID, media, events)
	}
}

// nullMedia is the LocalMedia of a receive-only session.
type nullMedia struct{}

func (nullMedia) AudioTrack() webrtc.TrackLocal { return nil }
func (nullMedia) VideoTrack() webrtc.TrackLocal { return nil }
func (nullMedia) AcquireVideo() (webrtc.TrackLocal, error) {
	return nil, errors.New("no camera capture on this platform")
}
func (nullMedia) Close() {}
