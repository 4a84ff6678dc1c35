package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/duetp2p/duet/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	Call     Call     `json:"call"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Optional bootstrap multiaddrs dialed at startup, for peers that
	// cannot see each other over mDNS.
	Bootstrap []string `json:"bootstrap"`
}

type ICE struct {
	// STUN/TURN server URLs handed to the peer connection. TURN entries
	// use the turn:user:pass@host:port form.
	Servers []string `json:"servers"`
}

type Media struct {
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	VideoBitRate int `json:"video_bitrate"`
}

type Call struct {
	// RingTimeoutSec bounds how long an outgoing call rings unanswered
	// before it is logged as missed. 0 disables the timeout.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// HistoryDir holds the call history database. Relative to the peer
	// directory.
	HistoryDir string `json:"history_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			DisplayName: "duet",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "duet-mdns",
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Call: Call{
			RingTimeoutSec: 45,
			HistoryDir:     "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Profile
	if _, err := util.ValidateDisplayName(c.Profile.DisplayName); err != nil {
		return fmt.Errorf("profile.display_name: %w", err)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// ICE
	for _, s := range c.ICE.Servers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("ice.servers: %w", err)
		}
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return errors.New("media.max_width and media.max_height must be >= 0")
	}
	if c.Media.VideoBitRate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}

	// Call
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if strings.TrimSpace(c.Call.HistoryDir) == "" {
		return errors.New("call.history_dir is required")
	}

	return nil
}

func validateICEServer(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty server url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("scheme of %q must be stun, stuns, turn or turns", raw)
	}
	if u.Opaque == "" && u.Host == "" {
		return fmt.Errorf("%q is missing a host", raw)
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

// stripBOM removes a UTF-8 byte order mark if present.
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

	return util.WriteJSONFile(path, cfg)
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
