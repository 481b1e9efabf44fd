package postprocess

import (
	"context"
	"log"
	"strings"
)

// minTranscriptChars gates extraction: transcripts shorter than this are
// noise (silence, a cough) and not worth an extraction round-trip.
const minTranscriptChars = 20

// Gateway chains transcription and item extraction for one recording.
type Gateway struct {
	Transcriber *Transcriber
	Extractor   *Extractor
}

// ProcessRecording transcribes the blob and, when the transcript is long
// enough to mean anything, extracts items from it. A transcription failure
// is returned to the caller; an extraction failure only costs the items.
func (g *Gateway) ProcessRecording(ctx context.Context, blob []byte, mime string) (string, []Item, error) {
	if g.Transcriber == nil || len(blob) == 0 {
		return "", nil, nil
	}

	transcript, err := g.Transcriber.Transcribe(ctx, blob, mime)
	if err != nil {
		return "", nil, err
	}

	if len(strings.TrimSpace(transcript)) < minTranscriptChars {
		log.Printf("POSTPROC: transcript too short (%d chars) — skipping extraction", len(transcript))
		return transcript, nil, nil
	}
	if g.Extractor == nil {
		return transcript, nil, nil
	}

	items, err := g.Extractor.Extract(ctx, transcript)
	if err != nil {
		log.Printf("POSTPROC: extraction failed: %v", err)
		return transcript, nil, nil
	}
	log.Printf("POSTPROC: extracted %d items from %d-char transcript", len(items), len(transcript))
	return transcript, items, nil
}
