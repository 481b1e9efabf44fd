package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/postprocess"
	"github.com/huddlekit/huddle/internal/record"
	sig "github.com/huddlekit/huddle/internal/signal"
	"github.com/huddlekit/huddle/internal/storage"
)

// callApp wires one joined room: session, recorder, storage, and the
// post-processing gateway.
type callApp struct {
	session  *call.Session
	recorder *record.Recorder
	db       *storage.DB

	mu      sync.Mutex
	gateway *postprocess.Gateway
	roomID  string
	stopPLI func()
}

func newCallApp(cfg config.Config, configPath, selfID, roomID string, transport sig.Transport, stack call.MediaStack) (*callApp, error) {
	db, err := storage.Open(config.ResolvePath(configPath, cfg.Recording.DataDir))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	app := &callApp{db: db, roomID: roomID}
	app.session = call.NewSession(call.Options{
		SelfID:    selfID,
		Transport: transport,
		Stack:     stack,
		Roster:    db,
	})
	app.recorder = record.NewRecorder(record.Options{
		Width:  cfg.Recording.Width,
		Height: cfg.Recording.Height,
		OnDuration: func(seconds int) {
			fmt.Printf("\rRecording... %ds ", seconds)
		},
	})
	app.gateway = buildGateway(cfg)
	return app, nil
}

func buildGateway(cfg config.Config) *postprocess.Gateway {
	if !cfg.Postprocess.Enabled {
		return nil
	}
	g := &postprocess.Gateway{
		Transcriber: &postprocess.Transcriber{
			URL:    cfg.Postprocess.TranscribeURL,
			APIKey: cfg.Postprocess.TranscribeKey,
			Model:  cfg.Postprocess.TranscribeModel,
		},
	}
	if cfg.Postprocess.ExtractURL != "" {
		g.Extractor = &postprocess.Extractor{
			URL:    cfg.Postprocess.ExtractURL,
			APIKey: cfg.Postprocess.ExtractKey,
			Model:  cfg.Postprocess.ExtractModel,
		}
	}
	return g
}

// applyConfig picks up the reloadable subset of a changed config file.
// Transport and identity changes need a restart.
func (a *callApp) applyConfig(cfg config.Config) {
	a.mu.Lock()
	a.gateway = buildGateway(cfg)
	a.mu.Unlock()
	log.Printf("CONFIG: post-processing settings applied (enabled=%v)", cfg.Postprocess.Enabled)
}

func (a *callApp) printEvents() {
	for ev := range a.session.Events() {
		switch ev.Kind {
		case call.EventParticipantJoined:
			fmt.Printf("* %s joined\n", ev.Participant)
		case call.EventParticipantLeft:
			fmt.Printf("* %s left\n", ev.Participant)
		case call.EventParticipantLost:
			fmt.Printf("* %s lost (connection failed)\n", ev.Participant)
		}
	}
}

// handleCommand runs one in-call command. Returns true when the app should
// exit.
func (a *callApp) handleCommand(ctx context.Context, line string) bool {
	switch line {
	case "":
	case "mute":
		if err := a.session.SetMuted(true); err != nil {
			fmt.Println("mute:", err)
		} else {
			fmt.Println("Muted")
		}
	case "unmute":
		if err := a.session.SetMuted(false); err != nil {
			fmt.Println("unmute:", err)
		} else {
			fmt.Println("Unmuted")
		}
	case "video":
		if err := a.session.EnableVideo(); err != nil {
			fmt.Println("video:", err)
		} else {
			fmt.Println("Camera enabled")
		}
	case "rec":
		a.startRecording()
	case "stop":
		a.stopRecording(ctx)
	case "who":
		for _, p := range a.session.Participants() {
			fmt.Printf("  %s (%s) — %s\n", p.ID, p.Name, p.State)
		}
	case "leave", "quit", "exit":
		a.leave(ctx)
		return true
	case "help":
		showUsage()
	default:
		fmt.Printf("unknown command %q (try 'help')\n", line)
	}
	return false
}

func (a *callApp) startRecording() {
	inputs := record.Inputs{}
	if src := call.LocalAudioSource(a.session); src != nil {
		inputs.Audio = append(inputs.Audio, src)
	}
	inputs.Audio = append(inputs.Audio, call.RemoteAudioSources(a.session.AudioFeeds())...)

	if a.session.VideoEnabled() {
		if src := call.LocalCameraSource(a.session); src != nil {
			inputs.Video = append(inputs.Video, src)
		}
	}
	if len(inputs.Audio) == 0 && len(inputs.Video) == 0 {
		fmt.Println("Nothing to record: no local or remote media")
		return
	}

	if err := a.recorder.Start(inputs); err != nil {
		fmt.Println("rec:", err)
		return
	}

	// Keep remote video decodable for the whole take: ask every video sender
	// for periodic keyframes while the recording runs.
	a.mu.Lock()
	a.stopPLI = call.KeyframeRequests(a.session, 2*time.Second)
	a.mu.Unlock()

	fmt.Printf("Recording started (%d audio, %d video sources)\n", len(inputs.Audio), len(inputs.Video))
}

func (a *callApp) stopRecording(ctx context.Context) {
	a.mu.Lock()
	gateway := a.gateway
	stopPLI := a.stopPLI
	a.stopPLI = nil
	a.mu.Unlock()
	if stopPLI != nil {
		stopPLI()
	}

	var proc record.Processor
	if gateway != nil {
		proc = gateway
	}
	result, err := a.recorder.StopAndProcess(ctx, proc)
	if err != nil {
		fmt.Println("stop:", err)
		return
	}
	fmt.Printf("\nRecording stopped: %ds, %s, %d bytes\n",
		result.Artifact.DurationSeconds, result.Artifact.MimeType, len(result.Artifact.Blob))

	rec, err := a.db.SaveRecording(a.roomID, result.Artifact.MimeType,
		result.Artifact.DurationSeconds, result.Artifact.HasVideo,
		result.Artifact.Blob, result.Transcript, result.Items)
	if err != nil {
		fmt.Println("save:", err)
		return
	}
	fmt.Printf("Saved %s (%s)\n", rec.ID, rec.BlobPath)
	if result.Transcript != "" {
		fmt.Printf("Transcript: %d chars, %d items extracted\n", len(result.Transcript), len(result.Items))
	}
}

func (a *callApp) leave(ctx context.Context) {
	if a.recorder.State() == record.RecRecording {
		a.stopRecording(ctx)
	}
	if err := a.session.Leave(); err != nil && err != call.ErrNotInCall {
		log.Printf("leave: %v", err)
	}
}

func (a *callApp) Close() {
	a.db.Close()
}

func runRecordings(roomID string) {
	cfg, _, err := config.Ensure(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	db, err := storage.Open(config.ResolvePath(*configPath, cfg.Recording.DataDir))
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	recs, err := db.ListRecordings(roomID)
	if err != nil {
		log.Fatalf("list recordings: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("No recordings.")
		return
	}
	for _, r := range recs {
		fmt.Printf("%s  room=%s  %s  %ds  %d bytes  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.RoomID, r.MimeType,
			r.DurationSeconds, r.SizeBytes, r.BlobPath)
		for _, it := range r.Items {
			fmt.Printf("    [%s] %s\n", it.Type, it.Title)
		}
	}
}
