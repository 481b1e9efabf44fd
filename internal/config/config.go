package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

type Config struct {
	Identity    Identity    `json:"identity"`
	Profile     Profile     `json:"profile"`
	P2P         P2P         `json:"p2p"`
	Signaling   Signaling   `json:"signaling"`
	Call        Call        `json:"call"`
	Recording   Recording   `json:"recording"`
	Postprocess Postprocess `json:"postprocess"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Profile struct {
	// Name is the display name announced on join. Empty means the
	// participant ID is shown.
	Name string `json:"name"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`
}

type Signaling struct {
	// Mode selects the transport: "pubsub" (libp2p mesh, default) or "ws"
	// (a central relay at WSURL).
	Mode  string `json:"mode"`
	WSURL string `json:"ws_url"`
}

type Call struct {
	ICEServers []string `json:"ice_servers"`

	// VideoOnJoin requests the camera at join time. Video can still be
	// enabled mid-call when this is false.
	VideoOnJoin bool `json:"video_on_join"`
}

type Recording struct {
	// DataDir holds the SQLite database and recording blobs.
	// Relative paths resolve against the config file's directory.
	DataDir string `json:"data_dir"`

	Width  int `json:"width"`
	Height int `json:"height"`
}

type Postprocess struct {
	// When false, recordings are saved without transcription even if URLs
	// are set. Useful offline.
	Enabled bool `json:"enabled"`

	TranscribeURL   string `json:"transcribe_url"`
	TranscribeModel string `json:"transcribe_model"`
	TranscribeKey   string `json:"transcribe_key"`

	ExtractURL   string `json:"extract_url"`
	ExtractModel string `json:"extract_model"`
	ExtractKey   string `json:"extract_key"`
}

func Default() Config {
	return Config{
		Identity:  Identity{KeyFile: "identity.key"},
		P2P:       P2P{ListenPort: 0}, // 0 = random port
		Signaling: Signaling{Mode: "pubsub"},
		Call: Call{
			ICEServers:  []string{"stun:stun.l.google.com:19302"},
			VideoOnJoin: true,
		},
		Recording: Recording{
			DataDir: "data",
			Width:   1280,
			Height:  720,
		},
		Postprocess: Postprocess{
			TranscribeModel: "whisper-1",
		},
	}
}

func (c *Config) Validate() error {
	if c.Identity.KeyFile == "" {
		return errors.New("identity.key_file must not be empty")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return fmt.Errorf("p2p.listen_port out of range: %d", c.P2P.ListenPort)
	}
	switch c.Signaling.Mode {
	case "", "pubsub":
	case "ws":
		if err := validateWSURL(c.Signaling.WSURL); err != nil {
			return fmt.Errorf("signaling.ws_url: %w", err)
		}
	default:
		return fmt.Errorf("signaling.mode must be \"pubsub\" or \"ws\", got %q", c.Signaling.Mode)
	}
	if c.Recording.Width <= 0 || c.Recording.Height <= 0 {
		return errors.New("recording.width and recording.height must be positive")
	}
	if c.Postprocess.Enabled && c.Postprocess.TranscribeURL == "" {
		return errors.New("postprocess.enabled requires postprocess.transcribe_url")
	}
	return nil
}

func validateWSURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ResolvePath resolves a possibly-relative config value against the config
// file's directory.
func ResolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
