package mix

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxFrameSamples covers the largest legal opus frame (120 ms at 48 kHz).
const maxFrameSamples = SampleRate * 120 / 1000

// opusSource adapts a stream of raw opus frames (RTP payloads, encoded
// capture readers) into a PCM Source with its own decoder instance.
type opusSource struct {
	id    string
	read  func() ([]byte, error)
	close func()
	dec   *opus.Decoder
	buf   []int16
}

// NewOpusSource wraps read, which must return one opus frame per call and an
// error at end of stream. close releases whatever backs read when the mixer
// stops; nil when the stream holds nothing to free.
func NewOpusSource(id string, read func() ([]byte, error), close func()) (Source, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder for %s: %w", id, err)
	}
	return &opusSource{
		id:    id,
		read:  read,
		close: close,
		dec:   dec,
		buf:   make([]int16, maxFrameSamples),
	}, nil
}

// Close releases the backing stream; the mixer calls it on Stop.
func (s *opusSource) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *opusSource) ID() string { return s.id }

func (s *opusSource) ReadPCM() ([]int16, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}
	n, err := s.dec.Decode(data, s.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode for %s: %w", s.id, err)
	}
	out := make([]int16, n)
	copy(out, s.buf[:n])
	return out, nil
}
