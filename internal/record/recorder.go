package record

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"log"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/composite"
	"github.com/huddlekit/huddle/internal/mix"
	"github.com/huddlekit/huddle/internal/postprocess"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// RecState is the recorder lifecycle state.
type RecState int

const (
	RecIdle RecState = iota
	RecRecording
	RecStopping
)

func (s RecState) String() string {
	switch s {
	case RecIdle:
		return "idle"
	case RecRecording:
		return "recording"
	case RecStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Artifact is a finished recording. Blob is never nil after a successful
// Stop, though it may hold only container headers when the recording
// captured no media before stopping.
type Artifact struct {
	Blob            []byte
	MimeType        string
	DurationSeconds int
	HasVideo        bool
}

// Inputs is the media graph captured by one recording: the audio sources to
// mix and the video sources to composite. Video may be empty for audio-only
// recordings.
type Inputs struct {
	Audio []mix.Source
	Video []composite.Source
}

// Processor turns a finished recording into a transcript and extracted
// items. The postprocess gateway implements it; tests plug in doubles.
type Processor interface {
	ProcessRecording(ctx context.Context, blob []byte, mime string) (string, []postprocess.Item, error)
}

// Processed is the result of StopAndProcess. Transcript and Items stay
// empty when post-processing was unavailable; the artifact is always kept.
type Processed struct {
	Artifact   Artifact
	Transcript string
	Items      []postprocess.Item
}

// Options configures a Recorder.
type Options struct {
	Width, Height int // composite canvas; zero means 1280×720

	OnDuration func(seconds int) // once per second while recording; may be nil
	OnChunk    func(chunk []byte) // per ~1 s container chunk; may be nil
}

// Recorder drives one recording at a time: format negotiation, the 20 ms
// audio mix pump, the 24 fps composite/encode loop, and muxing. Start and
// Stop are safe from any goroutine.
type Recorder struct {
	opts Options

	mu     sync.Mutex
	state  RecState
	format Format

	mixer *mix.Mixer
	mux   *muxer
	wav   *wavWriter
	enc   *vp8Encoder
	comp  *composite.Compositor

	startAt time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRecorder(opts Options) *Recorder {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = composite.DefaultWidth, composite.DefaultHeight
	}
	return &Recorder{opts: opts}
}

func (r *Recorder) State() RecState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start negotiates a format for the given inputs and begins capturing.
// Video is recorded only when sources are present and a VP8 encoder is
// available; otherwise the recording silently downgrades to audio.
func (r *Recorder) Start(inputs Inputs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecIdle {
		return ErrAlreadyRecording
	}

	format := NegotiateFormat(len(inputs.Video) > 0)

	var enc *vp8Encoder
	if format.Video {
		var err error
		enc, err = newVP8Encoder(r.opts.Width, r.opts.Height)
		if err != nil {
			log.Printf("RECORD: vp8 encoder init failed (%v) — recording audio only", err)
			format = Format{Mime: MimeWebMOpus, Opus: true}
		}
	}

	var (
		mux *muxer
		wav *wavWriter
	)
	if format.Mime == MimeWAV {
		wav = &wavWriter{}
	} else {
		mux = newMuxer(r.opts.Width, r.opts.Height, format.Video, r.opts.OnChunk)
	}

	sink := func(tsMs int64, pcm []int16, opusFrame []byte) {
		if wav != nil {
			wav.WritePCM(pcm)
			return
		}
		if opusFrame != nil {
			mux.WriteAudio(tsMs, opusFrame)
		}
	}

	mixer := mix.New(inputs.Audio)
	if err := mixer.Start(sink); err != nil {
		if enc != nil {
			enc.Close()
			enc.release()
		}
		return err
	}

	r.state = RecRecording
	r.format = format
	r.mixer = mixer
	r.mux = mux
	r.wav = wav
	r.enc = enc
	r.startAt = time.Now()
	r.stopCh = make(chan struct{})

	if format.Video {
		r.comp = composite.NewCompositor(r.opts.Width, r.opts.Height)
		r.comp.SetSources(inputs.Video)
		r.wg.Add(2)
		go r.renderLoop(r.comp, enc, r.stopCh)
		go r.encodeLoop(enc, mux, r.startAt)
	}
	if r.opts.OnDuration != nil {
		r.wg.Add(1)
		go r.durationLoop(r.stopCh)
	}

	log.Printf("RECORD: started — mime=%s video=%v audio_sources=%d", format.Mime, format.Video, len(inputs.Audio))
	return nil
}

// SetVideoSources retiles the composite mid-recording, for participants
// joining or leaving while the recording runs.
func (r *Recorder) SetVideoSources(sources []composite.Source) {
	r.mu.Lock()
	comp := r.comp
	r.mu.Unlock()
	if comp != nil {
		comp.SetSources(sources)
	}
}

// renderLoop samples the compositor on the frame clock and hands copies to
// the encoder. The compositor reuses its canvas, so each pushed frame is
// cloned first.
func (r *Recorder) renderLoop(comp *composite.Compositor, enc *vp8Encoder, stop <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second / composite.FrameRate)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			canvas := comp.Compose()
			frame := image.NewRGBA(canvas.Bounds())
			draw.Draw(frame, canvas.Bounds(), canvas, canvas.Bounds().Min, draw.Src)
			enc.Push(frame)
		}
	}
}

// encodeLoop drains the encoder into the muxer until the feed closes.
func (r *Recorder) encodeLoop(enc *vp8Encoder, mux *muxer, start time.Time) {
	defer r.wg.Done()
	defer enc.release()
	for {
		data, keyframe, err := enc.ReadFrame()
		if err != nil {
			return
		}
		mux.WriteVideo(time.Since(start).Milliseconds(), keyframe, data)
	}
}

func (r *Recorder) durationLoop(stop <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	seconds := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seconds++
			r.opts.OnDuration(seconds)
		}
	}
}

// Stop tears the pipeline down in order (mixer, render, encoder) and
// finalizes the container. Teardown always completes; a recording that
// captured nothing still yields a valid, headers-only artifact.
func (r *Recorder) Stop() (Artifact, error) {
	r.mu.Lock()
	if r.state != RecRecording {
		r.mu.Unlock()
		return Artifact{}, ErrNotRecording
	}
	r.state = RecStopping
	mixer, mux, wav, enc := r.mixer, r.mux, r.wav, r.enc
	stopCh := r.stopCh
	format := r.format
	r.mu.Unlock()

	mixer.Stop()
	close(stopCh)
	if enc != nil {
		enc.Close()
	}
	r.wg.Wait()

	var (
		blob  []byte
		durMs int64
	)
	if wav != nil {
		blob, durMs = wav.Finalize()
	} else {
		blob, durMs = mux.Finalize()
	}

	r.mu.Lock()
	r.state = RecIdle
	r.mixer, r.mux, r.wav, r.enc, r.comp = nil, nil, nil, nil, nil
	r.stopCh = nil
	r.mu.Unlock()

	art := Artifact{
		Blob:            blob,
		MimeType:        format.Mime,
		DurationSeconds: int((durMs + 500) / 1000),
		HasVideo:        format.Video,
	}
	log.Printf("RECORD: stopped — mime=%s duration=%ds bytes=%d", art.MimeType, art.DurationSeconds, len(art.Blob))
	return art, nil
}

// StopAndProcess stops the recording and runs it through the processor.
// Processing is best-effort: a failed or absent processor still returns the
// artifact, with empty transcript and items.
func (r *Recorder) StopAndProcess(ctx context.Context, proc Processor) (Processed, error) {
	art, err := r.Stop()
	if err != nil {
		return Processed{}, err
	}
	out := Processed{Artifact: art}
	if proc == nil {
		return out, nil
	}
	transcript, items, err := proc.ProcessRecording(ctx, art.Blob, art.MimeType)
	if err != nil {
		log.Printf("RECORD: post-processing failed: %v", err)
		return out, nil
	}
	out.Transcript = transcript
	out.Items = items
	return out, nil
}
