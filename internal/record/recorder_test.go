package record

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/huddlekit/huddle/internal/mix"
	"github.com/huddlekit/huddle/internal/postprocess"
)

// tonePCM is a mix.Source producing a constant non-zero signal.
type tonePCM struct{ id string }

func (s tonePCM) ID() string { return s.id }

func (s tonePCM) ReadPCM() ([]int16, error) {
	pcm := make([]int16, mix.SampleRate/50)
	for i := range pcm {
		pcm[i] = 512
	}
	time.Sleep(10 * time.Millisecond)
	return pcm, nil
}

// fakeProc records what it was handed and returns canned results.
type fakeProc struct {
	mu   sync.Mutex
	blob []byte
	mime string
	fail bool
}

func (p *fakeProc) ProcessRecording(_ context.Context, blob []byte, mime string) (string, []postprocess.Item, error) {
	p.mu.Lock()
	p.blob = append([]byte(nil), blob...)
	p.mime = mime
	p.mu.Unlock()
	if p.fail {
		return "", nil, errors.New("service unreachable")
	}
	return "we agreed to ship the beta on Friday", []postprocess.Item{
		{Type: postprocess.ItemTask, Title: "Ship the beta", Priority: "high"},
	}, nil
}

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder(Options{})

	if _, err := r.Stop(); err != ErrNotRecording {
		t.Fatalf("Stop while idle = %v, want ErrNotRecording", err)
	}

	if err := r.Start(Inputs{Audio: []mix.Source{tonePCM{id: "mic"}}}); err != nil {
		t.Fatal(err)
	}
	if r.State() != RecRecording {
		t.Fatalf("state = %s, want recording", r.State())
	}
	if err := r.Start(Inputs{}); err != ErrAlreadyRecording {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}

	time.Sleep(150 * time.Millisecond)
	art, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if r.State() != RecIdle {
		t.Fatalf("state after stop = %s, want idle", r.State())
	}
	if art.HasVideo {
		t.Fatal("audio-only inputs must not produce video")
	}
	// The container depends on which encoders this build carries, but it
	// is always one of the negotiated ladder.
	if art.MimeType != MimeWebMOpus && art.MimeType != MimeWAV {
		t.Fatalf("unexpected mime %q", art.MimeType)
	}
	if len(art.Blob) == 0 {
		t.Fatal("artifact blob must never be empty")
	}

	// The recorder is reusable after a stop.
	if err := r.Start(Inputs{Audio: []mix.Source{tonePCM{id: "mic"}}}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := r.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestRecorderZeroData(t *testing.T) {
	r := NewRecorder(Options{})
	if err := r.Start(Inputs{}); err != nil {
		t.Fatal(err)
	}
	// Stop before the first mix tick: still a valid, headers-only artifact.
	art, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if len(art.Blob) == 0 {
		t.Fatal("zero-data stop must still yield container headers")
	}
	if art.DurationSeconds > 1 {
		t.Fatalf("duration = %ds for an immediate stop", art.DurationSeconds)
	}
}

func TestRecorderChunkCadence(t *testing.T) {
	var (
		mu     sync.Mutex
		chunks int
	)
	r := NewRecorder(Options{OnChunk: func([]byte) {
		mu.Lock()
		chunks++
		mu.Unlock()
	}})
	if err := r.Start(Inputs{Audio: []mix.Source{tonePCM{id: "mic"}}}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	// WAV fallback bypasses the chunked container entirely.
	if chunks == 0 {
		t.Skip("no opus encoder on this build; chunking needs the WebM path")
	}
	// Init segment plus the finalize flush, at minimum.
	if chunks < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", chunks)
	}
}

func TestStopAndProcess(t *testing.T) {
	t.Run("results attached to artifact", func(t *testing.T) {
		r := NewRecorder(Options{})
		if err := r.Start(Inputs{Audio: []mix.Source{tonePCM{id: "mic"}}}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(60 * time.Millisecond)

		proc := &fakeProc{}
		out, err := r.StopAndProcess(context.Background(), proc)
		if err != nil {
			t.Fatal(err)
		}
		if out.Transcript == "" {
			t.Fatal("expected transcript")
		}
		if len(out.Items) != 1 || out.Items[0].Title != "Ship the beta" {
			t.Fatalf("items = %+v", out.Items)
		}
		proc.mu.Lock()
		defer proc.mu.Unlock()
		if string(proc.blob) != string(out.Artifact.Blob) {
			t.Fatal("processor must receive the final blob")
		}
		if proc.mime != out.Artifact.MimeType {
			t.Fatalf("processor mime %q != artifact mime %q", proc.mime, out.Artifact.MimeType)
		}
	})

	t.Run("processing failure keeps the artifact", func(t *testing.T) {
		r := NewRecorder(Options{})
		if err := r.Start(Inputs{Audio: []mix.Source{tonePCM{id: "mic"}}}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(60 * time.Millisecond)

		out, err := r.StopAndProcess(context.Background(), &fakeProc{fail: true})
		if err != nil {
			t.Fatalf("a processing failure must not fail the stop: %v", err)
		}
		if len(out.Artifact.Blob) == 0 {
			t.Fatal("artifact lost on processing failure")
		}
		if out.Transcript != "" || len(out.Items) != 0 {
			t.Fatal("failed processing must not leave partial results")
		}
	})

	t.Run("nil processor", func(t *testing.T) {
		r := NewRecorder(Options{})
		if err := r.Start(Inputs{}); err != nil {
			t.Fatal(err)
		}
		out, err := r.StopAndProcess(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(out.Artifact.Blob) == 0 {
			t.Fatal("expected artifact")
		}
	})

	t.Run("idle recorder errors", func(t *testing.T) {
		r := NewRecorder(Options{})
		if _, err := r.StopAndProcess(context.Background(), nil); err != ErrNotRecording {
			t.Fatalf("got %v, want ErrNotRecording", err)
		}
	})
}
