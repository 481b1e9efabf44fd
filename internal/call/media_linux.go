//go:build linux

package call

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/composite"
	"github.com/huddlekit/huddle/internal/mix"
)

// pionStack is the production MediaStack: V4L2 camera and malgo microphone
// capture via pion/mediadevices, with VP8+Opus encoders shared between the
// RTP sender path and the recording pipeline.
type pionStack struct {
	cfg      StackConfig
	api      *webrtc.API
	selector *mediadevices.CodecSelector
}

// NewPionStack builds the codec selector and the WebRTC API every peer link
// is created from.
func NewPionStack(cfg StackConfig) (MediaStack, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine()),
	)

	return &pionStack{cfg: cfg, api: api, selector: selector}, nil
}

func (s *pionStack) LinkFactory(media LocalMedia) LinkFactory {
	return func(participantID string, events chan<- peerEvent) (Link, error) {
		return newPionLink(s.api, s.cfg, participantID, media, events)
	}
}

// videoConstraints excludes MJPEG — some cameras expose an MJPEG V4L2 node
// that produces malformed JPEG frames, which poisons the VP8 encoder.
// Resolution is capped at 640×480 to keep encoding latency low.
func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

// Acquire captures local media with graceful fallback.
//
// GetUserMedia fails as a unit if either requested track can't be opened, so
// try video+audio first and then audio-only: a missing or busy camera must
// not take the microphone down with it. When every attempt fails the session
// still joins, receive-only.
func (s *pionStack) Acquire(withVideo bool) (LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found by pion/mediadevices")
	} else {
		for _, d := range devices {
			log.Printf("CALL: media device — kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if withVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	media := &deviceMedia{selector: s.selector}
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
			Codec: s.selector,
		}
		if a.video {
			constraints.Video = videoConstraints
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				media.audio = track
			case webrtc.RTPCodecTypeVideo:
				media.video = track
			}
		}
		log.Printf("CALL: local media captured (%s) — %d tracks", a.label, len(tracks))
		return media, nil
	}

	log.Printf("CALL: all media capture attempts failed — proceeding receive-only")
	return media, nil
}

// deviceMedia owns the mediadevices tracks for one session.
type deviceMedia struct {
	selector *mediadevices.CodecSelector

	mu    sync.Mutex
	audio mediadevices.Track
	video mediadevices.Track
}

func (m *deviceMedia) AudioTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio == nil {
		return nil
	}
	return m.audio
}

func (m *deviceMedia) VideoTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return nil
	}
	return m.video
}

func (m *deviceMedia) AcquireVideo() (webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video != nil {
		return m.video, nil
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: videoConstraints,
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}
	for _, track := range stream.GetTracks() {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			m.video = track
			return track, nil
		}
	}
	return nil, errors.New("open camera: stream has no video track")
}

func (m *deviceMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio != nil {
		m.audio.Close()
		m.audio = nil
	}
	if m.video != nil {
		m.video.Close()
		m.video = nil
	}
}

// MixerSource exposes the microphone to the recording mixer as decoded PCM.
// mediadevices broadcasts captured audio to multiple consumers, so this
// Opus reader runs in parallel with the one Pion uses for RTP.
func (m *deviceMedia) MixerSource() (mix.Source, error) {
	m.mu.Lock()
	track := m.audio
	m.mu.Unlock()
	if track == nil {
		return nil, ErrNoMedia
	}
	r, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		return nil, fmt.Errorf("mic opus reader: %w", err)
	}
	read := func() ([]byte, error) {
		buf, release, err := r.Read()
		if err != nil {
			return nil, err
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		if release != nil {
			release()
		}
		return data, nil
	}
	// The mixer closes the source on Stop; closing the encoded reader also
	// unblocks a read in flight.
	return mix.NewOpusSource("local-mic", read, func() { r.Close() })
}

// CameraSource exposes the camera to the compositor. Raw frames are pulled on
// the camera's own clock into a latest-frame slot the render loop samples.
func (m *deviceMedia) CameraSource() (composite.Source, error) {
	m.mu.Lock()
	track := m.video
	m.mu.Unlock()
	if track == nil {
		return nil, ErrNoMedia
	}
	vt, ok := track.(*mediadevices.VideoTrack)
	if !ok {
		return nil, errors.New("video track does not expose raw frames")
	}

	src := &cameraSource{id: "local-camera"}
	reader := vt.NewReader(false)
	go func() {
		for {
			img, release, err := reader.Read()
			if err != nil {
				log.Printf("CALL: camera reader stopped: %v", err)
				return
			}
			src.set(img)
			if release != nil {
				release()
			}
		}
	}()
	return src, nil
}

// cameraSource holds the most recent camera frame, copied out of the
// capture buffer so the driver can recycle it. Each frame is a fresh
// allocation; the pointer handed out by Frame is never written again.
type cameraSource struct {
	id string

	mu    sync.Mutex
	frame *image.RGBA
}

func (c *cameraSource) ID() string { return c.id }

func (c *cameraSource) set(img image.Image) {
	b := img.Bounds()
	cp := image.NewRGBA(b)
	draw.Draw(cp, b, img, b.Min, draw.Src)
	c.mu.Lock()
	c.frame = cp
	c.mu.Unlock()
}

func (c *cameraSource) Frame() (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil {
		return nil, false
	}
	return c.frame, true
}
