// Package record implements the client-side recording pipeline: mixed call
// audio (plus an optional composited video track) muxed into a WebM blob,
// with a WAV fallback when no Opus encoder is available.
package record

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// EBML encoding helpers. Pure Go, no external muxer dependency.

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
// Valid range: 0..268435454 (4-byte max, enough for any cluster we emit).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize is the 8-byte unknown-size marker used for the Segment element,
// whose final length is not known while the recording runs.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the codec private data (OpusHead) for mono 48 kHz Opus.
// Required by WebM for Opus audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version = 1
	0x01,       // channels = 1 (mono)
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain = 0 (LE)
	0x00, // channel mapping family = 0
}

// clusterSpanMs is the target cluster length. One cluster per second mirrors
// a MediaRecorder timeslice of 1000 ms: each flushed cluster is one chunk.
const clusterSpanMs = 1000

// muxer assembles a WebM blob from timestamped Opus frames and, when
// hasVideo is set, VP8 frames. Track numbering follows the stream layout:
// with video the video track is 1 and audio is 2; audio-only recordings
// carry Opus as track 1.
type muxer struct {
	mu sync.Mutex

	hasVideo   bool
	videoTrack int
	audioTrack int

	buf bytes.Buffer

	clusterOpen    bool
	clusterStartMs int64
	clusterBlocks  bytes.Buffer

	lastMs int64

	onChunk func([]byte) // called per flushed cluster; may be nil
}

func newMuxer(width, height int, hasVideo bool, onChunk func([]byte)) *muxer {
	m := &muxer{hasVideo: hasVideo, onChunk: onChunk}
	if hasVideo {
		m.videoTrack, m.audioTrack = 1, 2
	} else {
		m.audioTrack = 1
	}
	init := m.initSegment(width, height)
	m.buf.Write(init)
	if onChunk != nil {
		onChunk(init)
	}
	return m
}

// initSegment returns EBML header + Segment start + Info + Tracks.
func (m *muxer) initSegment(width, height int) []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("huddle")),
		ebmlElem(idWrtApp, []byte("huddle")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	var tracksBody []byte
	if m.hasVideo {
		videoBody := ebmlConcat(
			ebmlElem(idPixelW, ebmlUint(uint64(width))),
			ebmlElem(idPixelH, ebmlUint(uint64(height))),
		)
		videoEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(uint64(m.videoTrack))),
			ebmlElem(idTrackUID, ebmlUint(uint64(m.videoTrack))),
			ebmlElem(idTrackType, ebmlUint(1)), // 1 = video
			ebmlElem(idCodecID, []byte("V_VP8")),
			ebmlElem(idVideo, videoBody),
		)
		tracksBody = ebmlElem(idTrackEntry, videoEntry)
	}

	freqBytes := make([]byte, 4) // SamplingFrequency: 4-byte IEEE 754 float
	binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
	audioBody := ebmlConcat(
		ebmlElem(idSampFreq, freqBytes),
		ebmlElem(idChannels, ebmlUint(1)),
	)
	audioEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(uint64(m.audioTrack))),
		ebmlElem(idTrackUID, ebmlUint(uint64(m.audioTrack))),
		ebmlElem(idTrackType, ebmlUint(2)), // 2 = audio
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio, audioBody),
	)
	tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))

	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

func simpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// WriteAudio appends one Opus frame. tsMs is milliseconds since recording
// start; the mixer emits frames on a monotonic 20 ms clock.
func (m *muxer) WriteAudio(tsMs int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCluster(tsMs, false)
	m.clusterBlocks.Write(simpleBlock(m.audioTrack, int16(tsMs-m.clusterStartMs), false, data))
	if tsMs > m.lastMs {
		m.lastMs = tsMs
	}
}

// WriteVideo appends one VP8 frame. Keyframes force a cluster boundary so
// every cluster is independently decodable.
func (m *muxer) WriteVideo(tsMs int64, keyframe bool, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCluster(tsMs, keyframe)
	m.clusterBlocks.Write(simpleBlock(m.videoTrack, int16(tsMs-m.clusterStartMs), keyframe, data))
	if tsMs > m.lastMs {
		m.lastMs = tsMs
	}
}

// ensureCluster opens a cluster for tsMs, flushing the current one when it
// has reached the chunk span or a keyframe starts. Must hold m.mu.
func (m *muxer) ensureCluster(tsMs int64, boundary bool) {
	if m.clusterOpen && (boundary || tsMs-m.clusterStartMs >= clusterSpanMs) {
		m.flushLocked()
	}
	if !m.clusterOpen {
		m.clusterOpen = true
		m.clusterStartMs = tsMs
		m.clusterBlocks.Reset()
	}
}

func (m *muxer) flushLocked() {
	if !m.clusterOpen || m.clusterBlocks.Len() == 0 {
		m.clusterOpen = false
		return
	}
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(m.clusterStartMs)))
	cluster := ebmlElem(idCluster, ebmlConcat(tcElem, m.clusterBlocks.Bytes()))
	m.buf.Write(cluster)
	if m.onChunk != nil {
		m.onChunk(cluster)
	}
	m.clusterOpen = false
	m.clusterBlocks.Reset()
}

// Finalize flushes the open cluster and returns the complete blob and the
// recorded span in milliseconds.
func (m *muxer) Finalize() ([]byte, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
	return m.buf.Bytes(), m.lastMs
}
