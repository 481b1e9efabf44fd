// Package mix merges N audio sources into one 48 kHz mono stream: the fan-in
// audio graph behind the recording pipeline. A mixer is built from the set of
// sources present when recording starts; it is cheap to rebuild, so sessions
// recreate it per recording instead of re-patching live.
package mix

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
)

const (
	SampleRate = 48000
	Channels   = 1

	// FrameDuration is the mix pump cadence; 20 ms is the native opus frame.
	FrameDuration = 20 * time.Millisecond
	frameSamples  = SampleRate / 50
)

// Source delivers successive frames of 48 kHz mono PCM. ReadPCM blocks until
// the next frame and returns an error when the source has ended; the mixer
// then drops it for the remainder of the session.
type Source interface {
	ID() string
	ReadPCM() ([]int16, error)
}

// Sink receives mixed frames. pcm is always set; opusFrame is nil when no
// opus encoder is available (the recorder then falls back to a PCM
// container).
type Sink func(tsMs int64, pcm []int16, opusFrame []byte)

// ProbeEncoder reports whether an opus encoder can be constructed on this
// build. Used by recording format negotiation.
func ProbeEncoder() error {
	_, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	return err
}

// Mixer fans sources into a single stream with saturating addition.
type Mixer struct {
	sources []Source

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	pumpWG  sync.WaitGroup
}

// New builds a mixer over the given sources. The slice is the complete input
// set for this mixer's lifetime.
func New(sources []Source) *Mixer {
	return &Mixer{sources: sources}
}

// Start spawns one reader per source and the 20 ms mix pump. The sink is
// called on the pump goroutine with monotonically increasing timestamps
// starting at 0.
func (m *Mixer) Start(sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("mixer already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		// Capability degradation, not failure: the sink still gets PCM.
		log.Printf("REC: opus encoder unavailable, PCM only: %v", err)
		enc = nil
	}

	// One frame queue per source; readers block on their source and drop
	// when the pump falls behind, so a stalled track never wedges the mix.
	queues := make([]chan []int16, len(m.sources))
	for i, src := range m.sources {
		q := make(chan []int16, 8)
		queues[i] = q
		go func(src Source, q chan []int16) {
			for {
				pcm, err := src.ReadPCM()
				if err != nil {
					log.Printf("REC: mix source %s ended: %v", src.ID(), err)
					close(q)
					return
				}
				select {
				case q <- pcm:
				default:
				}
				select {
				case <-m.stopCh:
					return
				default:
				}
			}
		}(src, q)
	}

	m.pumpWG.Add(1)
	go m.pump(queues, enc, sink)
	return nil
}

// pump emits one mixed frame per tick. Sources with nothing buffered this
// tick contribute silence.
func (m *Mixer) pump(queues []chan []int16, enc *opus.Encoder, sink Sink) {
	defer m.pumpWG.Done()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	var tsMs int64
	acc := make([]int32, frameSamples)
	encoded := make([]byte, 4000)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		for i := range acc {
			acc[i] = 0
		}
		for _, q := range queues {
			select {
			case pcm, ok := <-q:
				if !ok {
					continue
				}
				n := len(pcm)
				if n > frameSamples {
					n = frameSamples
				}
				for i := 0; i < n; i++ {
					acc[i] += int32(pcm[i])
				}
			default:
			}
		}

		mixed := make([]int16, frameSamples)
		for i, v := range acc {
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			mixed[i] = int16(v)
		}

		var frame []byte
		if enc != nil {
			n, err := enc.Encode(mixed, encoded)
			if err != nil {
				log.Printf("REC: opus encode: %v", err)
			} else {
				frame = make([]byte, n)
				copy(frame, encoded[:n])
			}
		}

		sink(tsMs, mixed, frame)
		tsMs += int64(FrameDuration / time.Millisecond)
	}
}

// Stop halts the pump and closes every source that holds resources. Closing
// is what unblocks reader goroutines parked in ReadPCM, so sources backed by
// encoder readers or tracks must implement io.Closer to be released.
func (m *Mixer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	for _, src := range m.sources {
		if c, ok := src.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("REC: closing mix source %s: %v", src.ID(), err)
			}
		}
	}
	m.pumpWG.Wait()
}
