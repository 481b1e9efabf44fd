//go:build linux

package record

import (
	"image"
	"io"
	"sync"

	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/huddlekit/huddle/internal/composite"
)

func probeVP8() error {
	_, err := vpx.NewVP8Params()
	return err
}

// frameFeed adapts the push-style render loop to the pull-style video.Reader
// the encoder consumes. The channel holds one frame; when the encoder falls
// behind, newer frames replace delivery rather than queueing.
type frameFeed struct {
	ch     chan image.Image
	closed chan struct{}
	once   sync.Once
}

func (f *frameFeed) Read() (image.Image, func(), error) {
	select {
	case img := <-f.ch:
		return img, func() {}, nil
	case <-f.closed:
		return nil, nil, io.EOF
	}
}

func (f *frameFeed) push(img image.Image) {
	select {
	case f.ch <- img:
	case <-f.closed:
	default:
	}
}

func (f *frameFeed) close() {
	f.once.Do(func() { close(f.closed) })
}

// vp8Encoder encodes composited frames via the same libvpx wrapper the
// sender path uses.
type vp8Encoder struct {
	feed *frameFeed
	rc   io.Closer
	read func() ([]byte, func(), error)
}

func newVP8Encoder(width, height int) (*vp8Encoder, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	params.BitRate = 1_000_000
	params.KeyFrameInterval = composite.FrameRate // one keyframe per second

	feed := &frameFeed{
		ch:     make(chan image.Image, 1),
		closed: make(chan struct{}),
	}
	rc, err := params.BuildVideoEncoder(feed, prop.Media{
		Video: prop.Video{
			Width:       width,
			Height:      height,
			FrameRate:   composite.FrameRate,
			FrameFormat: frame.FormatI420,
		},
	})
	if err != nil {
		return nil, err
	}
	return &vp8Encoder{feed: feed, rc: rc, read: rc.Read}, nil
}

// Push offers the next composited frame to the encoder.
func (e *vp8Encoder) Push(img image.Image) { e.feed.push(img) }

// ReadFrame blocks for the next encoded VP8 frame. A VP8 frame is a keyframe
// when the lowest bit of the first header byte is clear.
func (e *vp8Encoder) ReadFrame() ([]byte, bool, error) {
	buf, release, err := e.read()
	if err != nil {
		return nil, false, err
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	if release != nil {
		release()
	}
	keyframe := len(data) > 0 && data[0]&0x01 == 0
	return data, keyframe, nil
}

// Close stops the frame feed; ReadFrame then drains to EOF.
func (e *vp8Encoder) Close() { e.feed.close() }

// release frees the codec. Called by the read loop after it has drained,
// so Close never races an in-flight ReadFrame.
func (e *vp8Encoder) release() { e.rc.Close() }
