package spotd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mikey-austin/spotd/internal/adapters/mixer"
)

func TestLoadConfig(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "spotd.toml")
	data := []byte("" +
		"[server]\n" +
		"device_name = \"Kitchen\"\n" +
		"backend = \"loopback\"\n" +
		"\n" +
		"[server.backend_params]\n" +
		"repeat = \"true\"\n" +
		"\n" +
		"[hook]\n" +
		"on_event = \"notify-send $PLAYER_EVENT\"\n" +
		"\n" +
		"[mixer]\n" +
		"kind = \"snapcast\"\n" +
		"snapcast_url = \"ws://snap:1780/jsonrpc\"\n" +
		"snapcast_timeout_ms = 2500\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.DeviceName != "Kitchen" || cfg.Server.BackendParams["repeat"] != "true" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Hook.OnEvent == "" {
		t.Fatalf("expected hook command")
	}
	if !cfg.MPRIS.Enabled || cfg.MPRIS.ClientID != DefaultClientID {
		t.Fatalf("expected mpris defaults, got %+v", cfg.MPRIS)
	}
	if cfg.Server.LogLevel != "info" || cfg.Session.VolumeSteps != 64 {
		t.Fatalf("expected defaults applied")
	}
	mx := cfg.MixerSettings()
	if mx.Kind != mixer.KindSnapcast || mx.Snapcast.Timeout.Milliseconds() != 2500 {
		t.Fatalf("unexpected mixer settings %+v", mx)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "spotd.yaml")
	data := []byte("" +
		"server:\n" +
		"  device_name: Office\n" +
		"  log_format: json\n" +
		"mpris:\n" +
		"  enabled: false\n" +
		"discovery:\n" +
		"  username: alice\n" +
		"  auth_data: c2VjcmV0\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.DeviceName != "Office" || cfg.Server.LogFormat != "json" || cfg.MPRIS.Enabled {
		t.Fatalf("unexpected config %+v", cfg)
	}
	creds, ok := cfg.StaticCredentials()
	if !ok || creds.Username != "alice" || string(creds.AuthData) != "secret" || creds.AuthType != "stored" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "spotd.toml")
	if err := os.WriteFile(path, []byte("[server]\ndevice = \"x\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default config path: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("missing default config should load defaults: %v", err)
	}
	if cfg.Server.DeviceName != "spotd" {
		t.Fatalf("expected default device name")
	}

	if _, err := LoadConfig(filepath.Join(tmp, "other.toml")); err == nil {
		t.Fatalf("expected error for a missing explicit path")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":     func(c *Config) { c.Server.LogLevel = "loud" },
		"mixer":         func(c *Config) { c.Mixer.Kind = "alsa" },
		"snapcast url":  func(c *Config) { c.Mixer.Kind = mixer.KindSnapcast },
		"pipeline":      func(c *Config) { c.Mixer.Kind = mixer.KindGStreamer },
		"bus":           func(c *Config) { c.MPRIS.Bus = "user" },
		"auth data":     func(c *Config) { c.Discovery.Username = "a"; c.Discovery.AuthData = "%%%" },
		"mqtt broker":   func(c *Config) { c.MQTT.PublishState = true },
		"embedded auth": func(c *Config) { c.MQTT.Embedded.Enabled = true },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		cfg.ApplyDefaults()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := DefaultConfig()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default config path: %v", err)
	}
	if path != "/tmp/xdg/spotd/spotd.toml" {
		t.Fatalf("unexpected path %s", path)
	}
}
