package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"empty display name", func(c *Config) { c.Profile.DisplayName = "" }},
		{"port out of range", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"empty mdns tag", func(c *Config) { c.P2P.MdnsTag = "" }},
		{"bad ice scheme", func(c *Config) { c.ICE.Servers = []string{"http://stun.example.org"} }},
		{"empty ice entry", func(c *Config) { c.ICE.Servers = []string{""} }},
		{"negative bitrate", func(c *Config) { c.Media.VideoBitRate = -1 }},
		{"negative ring timeout", func(c *Config) { c.Call.RingTimeoutSec = -1 }},
		{"empty history dir", func(c *Config) { c.Call.HistoryDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestICEServerForms(t *testing.T) {
	cfg := Default()
	cfg.ICE.Servers = []string{
		"stun:stun.l.google.com:19302",
		"turn:user:secret@turn.example.org:3478",
		"turns:user:secret@turn.example.org:5349",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid servers rejected: %v", err)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected config to be created")
	}
	if cfg.P2P.MdnsTag != "duet-mdns" {
		t.Fatalf("unexpected default: %s", cfg.P2P.MdnsTag)
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second ensure recreated the file")
	}
	if again.P2P.MdnsTag != cfg.P2P.MdnsTag {
		t.Fatal("reload drifted from saved config")
	}
}

func TestLoadFillsMissingFieldsFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	partial := []byte(`{"profile":{"display_name":"Ada"}}`)
	if err := os.WriteFile(path, partial, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.DisplayName != "Ada" {
		t.Fatalf("display name = %s", cfg.Profile.DisplayName)
	}
	if cfg.Call.RingTimeoutSec != 45 {
		t.Fatalf("defaults not applied: ring timeout = %d", cfg.Call.RingTimeoutSec)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"display_name":"Ada"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.DisplayName != "Ada" {
		t.Fatalf("display name = %s", cfg.Profile.DisplayName)
	}
}

func TestWatchPicksUpRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if _, _, err := Ensure(path); err != nil {
		t.Fatal(err)
	}

	changes := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { changes <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	cfg := Default()
	cfg.Profile.DisplayName = "Rewritten"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-changes:
			if got.Profile.DisplayName == "Rewritten" {
				return
			}
		case <-deadline:
			t.Fatal("watcher never delivered the rewrite")
		}
	}
}

func TestWatchSkipsInvalidRevision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if _, _, err := Ensure(path); err != nil {
		t.Fatal(err)
	}

	changes := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { changes <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"p2p":{"listen_port":-5}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		t.Fatalf("invalid revision delivered: %+v", got)
	case <-time.After(500 * time.Millisecond):
	}
}
