//go:build !linux

package record

import (
	"errors"
	"image"
)

var errNoVP8 = errors.New("vp8 encoder not available on this platform")

func probeVP8() error { return errNoVP8 }

// vp8Encoder is never constructed on platforms without libvpx; format
// negotiation downgrades to audio first.
type vp8Encoder struct{}

func newVP8Encoder(width, height int) (*vp8Encoder, error) { return nil, errNoVP8 }

func (e *vp8Encoder) Push(img image.Image)             {}
func (e *vp8Encoder) ReadFrame() ([]byte, bool, error) { return nil, false, errNoVP8 }
func (e *vp8Encoder) Close()                           {}
func (e *vp8Encoder) release()                         {}
