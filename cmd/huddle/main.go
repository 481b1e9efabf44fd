// Command huddle joins mesh calls from the terminal: libp2p signaling,
// direct WebRTC links to every participant, and local recording.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/p2p"
	sig "github.com/huddlekit/huddle/internal/signal"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	showVersion = flag.Bool("version", false, "Show version")
	configPath  = flag.String("config", "huddle.json", "Path to config file")
	displayName = flag.String("name", "", "Display name (overrides profile.name)")
	noVideo     = flag.Bool("no-video", false, "Join without camera")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: join requires a room ID")
			fmt.Fprintln(os.Stderr, "Usage: huddle join <room-id>")
			os.Exit(1)
		}
		runJoin(args[1])

	case "recordings":
		roomID := ""
		if len(args) > 1 {
			roomID = args[1]
		}
		runRecordings(roomID)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`huddle — mesh conference calls over libp2p

Usage:
  huddle [flags] join <room-id>     Join a room
  huddle [flags] recordings [room]  List saved recordings
  huddle -version                   Show version

Flags:
  -config <path>   Config file (default huddle.json)
  -name <name>     Display name
  -no-video        Join without camera

In-call commands:
  mute | unmute    Toggle microphone for all peers
  video            Enable camera mid-call
  rec | stop       Start / stop-and-process recording
  who              List participants
  leave            Leave the room and exit`)
}

func runJoin(roomID string) {
	cfg, created, err := config.Ensure(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("CONFIG: created default config at %s", *configPath)
	}

	name := cfg.Profile.Name
	if *displayName != "" {
		name = *displayName
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		transport sig.Transport
		selfID    string
		node      *p2p.Node
	)
	switch cfg.Signaling.Mode {
	case "", "pubsub":
		node, err = p2p.New(ctx, cfg.P2P.ListenPort, config.ResolvePath(*configPath, cfg.Identity.KeyFile))
		if err != nil {
			log.Fatalf("p2p: %v", err)
		}
		defer node.Close()
		selfID = node.ID()
		transport = sig.NewPubSubTransport(node.PS, node.Host.ID())
		log.Printf("P2P: node %s listening on %v", selfID, node.Addrs())
	case "ws":
		selfID = uuid.NewString()
		transport = sig.NewWSTransport(cfg.Signaling.WSURL)
	default:
		log.Fatalf("config: unknown signaling mode %q", cfg.Signaling.Mode)
	}

	stack, err := call.NewPionStack(call.StackConfig{ICEServers: cfg.Call.ICEServers})
	if err != nil {
		log.Fatalf("media stack: %v", err)
	}

	app, err := newCallApp(cfg, *configPath, selfID, roomID, transport, stack)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer app.Close()

	stopWatch, err := config.Watch(*configPath, app.applyConfig)
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	withVideo := cfg.Call.VideoOnJoin && !*noVideo
	if err := app.session.Join(ctx, roomID, name, withVideo); err != nil {
		log.Fatalf("join: %v", err)
	}
	fmt.Printf("Joined room %s as %s\n", roomID, selfID)

	go app.printEvents()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	lines := readLines(os.Stdin)

	for {
		select {
		case <-sigCh:
			fmt.Println("\nLeaving...")
			app.leave(ctx)
			return
		case line, ok := <-lines:
			if !ok {
				app.leave(ctx)
				return
			}
			if app.handleCommand(ctx, line) {
				return
			}
		}
	}
}

// readLines pumps stdin lines into a channel so the main loop can also
// select on signals.
func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			ch <- strings.TrimSpace(scanner.Text())
		}
	}()
	return ch
}
