package record

import (
	"log"

	"github.com/huddlekit/huddle/internal/mix"
)

// MIME types in ladder order. Negotiation walks down until a format the
// current build can actually encode is found; audio/wav needs no codec at
// all, so the ladder never comes up empty.
const (
	MimeWebMVP8Opus = `video/webm;codecs="vp8,opus"`
	MimeWebMOpus    = "audio/webm;codecs=opus"
	MimeWAV         = "audio/wav"
)

// Format is the negotiated recording container.
type Format struct {
	Mime  string
	Video bool
	Opus  bool
}

// NegotiateFormat probes the codec ladder. wantVideo is only honored when a
// VP8 encoder is available; losing the camera downgrades the recording to
// audio rather than failing the start.
func NegotiateFormat(wantVideo bool) Format {
	opusErr := mix.ProbeEncoder()
	if opusErr != nil {
		log.Printf("RECORD: opus encoder unavailable (%v) — falling back to WAV", opusErr)
		return Format{Mime: MimeWAV}
	}
	if wantVideo {
		if err := probeVP8(); err != nil {
			log.Printf("RECORD: vp8 encoder unavailable (%v) — recording audio only", err)
		} else {
			return Format{Mime: MimeWebMVP8Opus, Video: true, Opus: true}
		}
	}
	return Format{Mime: MimeWebMOpus, Opus: true}
}
