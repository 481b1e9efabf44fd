package mix

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// constSource emits frames filled with a fixed sample value.
type constSource struct {
	id    string
	value int16
}

func (s *constSource) ID() string { return s.id }

func (s *constSource) ReadPCM() ([]int16, error) {
	pcm := make([]int16, frameSamples)
	for i := range pcm {
		pcm[i] = s.value
	}
	// Pace roughly like a live 20 ms track so queues do not overflow.
	time.Sleep(FrameDuration / 2)
	return pcm, nil
}

// failingSource ends immediately.
type failingSource struct{}

func (failingSource) ID() string              { return "broken" }
func (failingSource) ReadPCM() ([]int16, error) { return nil, errors.New("device gone") }

// frameCollector is a Sink that records every mixed frame.
type frameCollector struct {
	mu     sync.Mutex
	ts     []int64
	frames [][]int16
}

func (c *frameCollector) sink(tsMs int64, pcm []int16, _ []byte) {
	c.mu.Lock()
	c.ts = append(c.ts, tsMs)
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	c.frames = append(c.frames, cp)
	c.mu.Unlock()
}

func (c *frameCollector) anyFrame(pred func([]int16) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if pred(f) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMixerSaturatingSum(t *testing.T) {
	col := &frameCollector{}
	m := New([]Source{
		&constSource{id: "s1", value: 20000},
		&constSource{id: "s2", value: 20000},
	})
	if err := m.Start(col.sink); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	// 20000 + 20000 overflows int16; the sum must clamp, not wrap.
	waitFor(t, "clamped frame", func() bool {
		return col.anyFrame(func(f []int16) bool { return f[0] == 32767 })
	})
	if col.anyFrame(func(f []int16) bool { return f[0] < 0 }) {
		t.Fatal("mixed frame wrapped negative")
	}
}

func TestMixerNegativeClamp(t *testing.T) {
	col := &frameCollector{}
	m := New([]Source{
		&constSource{id: "s1", value: -20000},
		&constSource{id: "s2", value: -20000},
	})
	if err := m.Start(col.sink); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "clamped frame", func() bool {
		return col.anyFrame(func(f []int16) bool { return f[0] == -32768 })
	})
}

func TestMixerTimestampsMonotonic(t *testing.T) {
	col := &frameCollector{}
	m := New([]Source{&constSource{id: "s", value: 100}})
	if err := m.Start(col.sink); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a few frames", func() bool {
		col.mu.Lock()
		defer col.mu.Unlock()
		return len(col.ts) >= 5
	})
	m.Stop()

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.ts[0] != 0 {
		t.Fatalf("first timestamp = %d, want 0", col.ts[0])
	}
	for i := 1; i < len(col.ts); i++ {
		if col.ts[i] != col.ts[i-1]+20 {
			t.Fatalf("timestamps not on the 20 ms grid: %v", col.ts[:i+1])
		}
	}
}

func TestMixerSurvivesDeadSource(t *testing.T) {
	col := &frameCollector{}
	m := New([]Source{
		failingSource{},
		&constSource{id: "alive", value: 1000},
	})
	if err := m.Start(col.sink); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	// The dead source contributes silence; the live one keeps flowing.
	waitFor(t, "live source audible", func() bool {
		return col.anyFrame(func(f []int16) bool { return f[0] == 1000 })
	})
}

// closableSource blocks in ReadPCM until Close ends the stream, like a
// microphone's encoded reader.
type closableSource struct {
	id string

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newClosableSource(id string) *closableSource {
	return &closableSource{id: id, done: make(chan struct{})}
}

func (s *closableSource) ID() string { return s.id }

func (s *closableSource) ReadPCM() ([]int16, error) {
	select {
	case <-s.done:
		return nil, errors.New("source closed")
	case <-time.After(FrameDuration):
		return make([]int16, frameSamples), nil
	}
}

func (s *closableSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *closableSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestMixerStopClosesSources(t *testing.T) {
	src := newClosableSource("mic")
	col := &frameCollector{}
	m := New([]Source{src, &constSource{id: "plain", value: 1}})
	if err := m.Start(col.sink); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a frame", func() bool {
		col.mu.Lock()
		defer col.mu.Unlock()
		return len(col.frames) > 0
	})

	// Stop must release the reader backing the source on the normal exit
	// path, not only when a read fails.
	m.Stop()
	if !src.isClosed() {
		t.Fatal("closable source not released by Stop")
	}
}

func TestMixerLifecycle(t *testing.T) {
	m := New(nil)
	if err := m.Start(func(int64, []int16, []byte) {}); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(func(int64, []int16, []byte) {}); err == nil {
		t.Fatal("second Start must fail while running")
	}
	m.Stop()
	m.Stop() // idempotent

	// A stopped mixer can be rebuilt; sessions recreate per recording.
	m2 := New(nil)
	if err := m2.Start(func(int64, []int16, []byte) {}); err != nil {
		t.Fatal(err)
	}
	m2.Stop()
}
