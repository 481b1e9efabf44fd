package record

import (
	"bytes"
	"testing"
)

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

func TestMuxerAudioOnly(t *testing.T) {
	var chunks [][]byte
	m := newMuxer(1280, 720, false, func(c []byte) {
		chunks = append(chunks, append([]byte(nil), c...))
	})

	// First chunk is the init segment, delivered before any media.
	if len(chunks) != 1 {
		t.Fatalf("expected init chunk, got %d chunks", len(chunks))
	}
	if !bytes.HasPrefix(chunks[0], ebmlMagic) {
		t.Fatal("init segment must start with the EBML header")
	}
	// Audio-only recordings must not declare a video track.
	if bytes.Contains(chunks[0], []byte("V_VP8")) {
		t.Fatal("audio-only init segment declares a video track")
	}
	if !bytes.Contains(chunks[0], []byte("A_OPUS")) {
		t.Fatal("init segment missing the Opus track")
	}
	if !bytes.Contains(chunks[0], []byte("OpusHead")) {
		t.Fatal("init segment missing Opus codec private data")
	}

	// 2.5 s of 20 ms frames: clusters flush on the 1 s chunk cadence.
	frame := []byte{0xf8, 0xff, 0xfe}
	for ts := int64(0); ts <= 2500; ts += 20 {
		m.WriteAudio(ts, frame)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected init + at least 2 flushed clusters, got %d chunks", len(chunks))
	}

	blob, durMs := m.Finalize()
	if durMs != 2500 {
		t.Fatalf("duration = %dms, want 2500", durMs)
	}
	if !bytes.HasPrefix(blob, ebmlMagic) {
		t.Fatal("blob must start with the EBML header")
	}
	// Finalize flushes the trailing partial cluster through the chunk
	// callback too, so the blob is exactly the chunk concatenation.
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if len(blob) != total {
		t.Fatalf("blob (%d bytes) != emitted chunks (%d bytes)", len(blob), total)
	}
}

func TestMuxerKeyframeStartsCluster(t *testing.T) {
	var chunks int
	m := newMuxer(640, 480, true, func([]byte) { chunks++ })
	if chunks != 1 {
		t.Fatalf("expected init chunk, got %d", chunks)
	}

	payload := []byte{0x00, 0x01, 0x02}
	m.WriteVideo(0, true, payload)
	m.WriteVideo(40, false, payload)
	m.WriteVideo(80, false, payload)
	// A keyframe before the 1 s span must still open a fresh cluster.
	m.WriteVideo(500, true, payload)
	if chunks != 2 {
		t.Fatalf("keyframe should have flushed one cluster, got %d chunks", chunks)
	}

	blob, durMs := m.Finalize()
	if durMs != 500 {
		t.Fatalf("duration = %dms, want 500", durMs)
	}
	if !bytes.Contains(blob, []byte("V_VP8")) {
		t.Fatal("video init segment missing VP8 track")
	}
}

func TestMuxerInterleavesTracks(t *testing.T) {
	m := newMuxer(640, 480, true, nil)
	m.WriteVideo(0, true, []byte{0x00})
	m.WriteAudio(10, []byte{0xf8})
	m.WriteAudio(30, []byte{0xf8})
	m.WriteVideo(42, false, []byte{0x01})

	blob, durMs := m.Finalize()
	if durMs != 42 {
		t.Fatalf("duration = %dms, want 42", durMs)
	}
	if len(blob) == 0 {
		t.Fatal("empty blob")
	}
}

func TestWAVWriter(t *testing.T) {
	w := &wavWriter{}
	// One second of silence at 48 kHz mono.
	w.WritePCM(make([]int16, 48000))

	blob, durMs := w.Finalize()
	if durMs != 1000 {
		t.Fatalf("duration = %dms, want 1000", durMs)
	}
	if len(blob) != 44+96000 {
		t.Fatalf("blob length = %d, want %d", len(blob), 44+96000)
	}
	if !bytes.HasPrefix(blob, []byte("RIFF")) || string(blob[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE header")
	}
	if string(blob[36:40]) != "data" {
		t.Fatalf("data chunk marker missing, got %q", blob[36:40])
	}
}

func TestWAVWriterEmpty(t *testing.T) {
	w := &wavWriter{}
	blob, durMs := w.Finalize()
	if durMs != 0 {
		t.Fatalf("duration = %dms, want 0", durMs)
	}
	if len(blob) != 44 {
		t.Fatalf("headers-only blob should be 44 bytes, got %d", len(blob))
	}
}
