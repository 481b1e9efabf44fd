package record

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/huddlekit/huddle/internal/mix"
)

// wavWriter accumulates 48 kHz mono PCM and finalizes into a RIFF/WAVE blob.
// The fallback container when no Opus encoder is built in.
type wavWriter struct {
	mu   sync.Mutex
	data bytes.Buffer
}

func (w *wavWriter) WritePCM(pcm []int16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range pcm {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(s))
		w.data.Write(b[:])
	}
}

// Finalize returns the WAV blob and the recorded span in milliseconds.
func (w *wavWriter) Finalize() ([]byte, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dataLen := w.data.Len()
	const (
		sampleRate    = mix.SampleRate
		channels      = mix.Channels
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(w.data.Bytes())

	samples := dataLen / 2 / channels
	durMs := int64(samples) * 1000 / sampleRate
	return buf.Bytes(), durMs
}
