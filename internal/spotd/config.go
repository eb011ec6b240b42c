package spotd

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mikey-austin/spotd/internal/adapters/mixer"
	"github.com/mikey-austin/spotd/pkg/spot"
)

// DefaultClientID is the Web API client the control surface requests tokens
// for when none is configured.
const DefaultClientID = "65b708073fc0480ea92a077233ca87bd"

// Config is the top-level configuration for spotd.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Session   SessionConfig   `toml:"session" yaml:"session"`
	Mixer     MixerConfig     `toml:"mixer" yaml:"mixer"`
	Hook      HookConfig      `toml:"hook" yaml:"hook"`
	MPRIS     MPRISConfig     `toml:"mpris" yaml:"mpris"`
	Discovery DiscoveryConfig `toml:"discovery" yaml:"discovery"`
	Cache     CacheConfig     `toml:"cache" yaml:"cache"`
	MQTT      MQTTConfig      `toml:"mqtt" yaml:"mqtt"`
}

// ServerConfig holds daemon-wide settings.
type ServerConfig struct {
	DeviceName    string            `toml:"device_name" yaml:"device_name"`
	DeviceType    string            `toml:"device_type" yaml:"device_type"`
	Backend       string            `toml:"backend" yaml:"backend"`
	BackendParams map[string]string `toml:"backend_params" yaml:"backend_params"`
	LogLevel      string            `toml:"log_level" yaml:"log_level"`
	LogFormat     string            `toml:"log_format" yaml:"log_format"`
	LogOutput     string            `toml:"log_output" yaml:"log_output"`
	LogUTC        bool              `toml:"log_utc" yaml:"log_utc"`
	LogColor      bool              `toml:"log_color" yaml:"log_color"`
}

// SessionConfig is passed through to the backend.
type SessionConfig struct {
	Proxy         string `toml:"proxy" yaml:"proxy"`
	APPort        int    `toml:"ap_port" yaml:"ap_port"`
	Bitrate       int    `toml:"bitrate" yaml:"bitrate"`
	Normalisation bool   `toml:"normalisation" yaml:"normalisation"`
	Gapless       bool   `toml:"gapless" yaml:"gapless"`
	AudioBackend  string `toml:"audio_backend" yaml:"audio_backend"`
	AudioDevice   string `toml:"audio_device" yaml:"audio_device"`
	VolumeSteps   int    `toml:"volume_steps" yaml:"volume_steps"`
}

// MixerConfig selects the volume control.
type MixerConfig struct {
	Kind              string  `toml:"kind" yaml:"kind"`
	Mapping           string  `toml:"mapping" yaml:"mapping"`
	DBRange           float64 `toml:"db_range" yaml:"db_range"`
	SnapcastURL       string  `toml:"snapcast_url" yaml:"snapcast_url"`
	SnapcastClient    string  `toml:"snapcast_client" yaml:"snapcast_client"`
	SnapcastTimeoutMS int64   `toml:"snapcast_timeout_ms" yaml:"snapcast_timeout_ms"`
	GStreamerPipeline string  `toml:"gstreamer_pipeline" yaml:"gstreamer_pipeline"`
	GStreamerElement  string  `toml:"gstreamer_element" yaml:"gstreamer_element"`
}

// HookConfig configures the event hook.
type HookConfig struct {
	OnEvent string `toml:"on_event" yaml:"on_event"`
	Shell   string `toml:"shell" yaml:"shell"`
}

// MPRISConfig configures the desktop control surface.
type MPRISConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	Bus           string `toml:"bus" yaml:"bus"`
	BusName       string `toml:"bus_name" yaml:"bus_name"`
	Identity      string `toml:"identity" yaml:"identity"`
	DesktopEntry  string `toml:"desktop_entry" yaml:"desktop_entry"`
	ClientID      string `toml:"client_id" yaml:"client_id"`
	CallTimeoutMS int64  `toml:"call_timeout_ms" yaml:"call_timeout_ms"`
	APIBaseURL    string `toml:"api_base_url" yaml:"api_base_url"`
}

// DiscoveryConfig selects where credential sets come from.
type DiscoveryConfig struct {
	Username string `toml:"username" yaml:"username"`
	AuthType string `toml:"auth_type" yaml:"auth_type"`
	// AuthData is base64 encoded.
	AuthData string `toml:"auth_data" yaml:"auth_data"`
	UseCache bool   `toml:"use_cache" yaml:"use_cache"`
	MQTT     bool   `toml:"mqtt" yaml:"mqtt"`
}

// CacheConfig configures the credential and volume cache.
type CacheConfig struct {
	Disabled bool   `toml:"disabled" yaml:"disabled"`
	Dir      string `toml:"dir" yaml:"dir"`
	Keyring  bool   `toml:"keyring" yaml:"keyring"`
}

// MQTTConfig configures the broker connection shared by the state publisher
// and the mqtt discovery source.
type MQTTConfig struct {
	Broker       string             `toml:"broker" yaml:"broker"`
	TopicBase    string             `toml:"topic_base" yaml:"topic_base"`
	Username     string             `toml:"username" yaml:"username"`
	Password     string             `toml:"password" yaml:"password"`
	TLSCA        string             `toml:"tls_ca" yaml:"tls_ca"`
	TLSCert      string             `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey       string             `toml:"tls_key" yaml:"tls_key"`
	PublishState bool               `toml:"publish_state" yaml:"publish_state"`
	HeartbeatMS  int64              `toml:"heartbeat_ms" yaml:"heartbeat_ms"`
	Embedded     EmbeddedMQTTConfig `toml:"embedded" yaml:"embedded"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Listen         string `toml:"listen" yaml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous" yaml:"allow_anonymous"`
	Username       string `toml:"username" yaml:"username"`
	Password       string `toml:"password" yaml:"password"`
	TLSCA          string `toml:"tls_ca" yaml:"tls_ca"`
	TLSCert        string `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey         string `toml:"tls_key" yaml:"tls_key"`
}

// Enabled reports whether anything needs a broker connection.
func (c MQTTConfig) Enabled() bool {
	return c.PublishState || c.Embedded.Enabled
}

// DefaultConfig returns the configuration used for keys a file leaves unset.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DeviceName: "spotd",
			DeviceType: "computer",
			Backend:    "loopback",
			LogLevel:   "info",
			LogFormat:  "console",
			LogOutput:  "stderr",
		},
		Session: SessionConfig{Bitrate: 160, VolumeSteps: 64},
		Mixer:   MixerConfig{Kind: mixer.KindSoftVol, Mapping: string(mixer.MappingLog)},
		MPRIS:   MPRISConfig{Enabled: true, Bus: "session"},
		Discovery: DiscoveryConfig{
			AuthType: "stored",
			UseCache: true,
		},
		MQTT: MQTTConfig{TopicBase: spot.BaseTopic},
	}
}

// LoadConfig loads a config file from path. Files ending in .yaml or .yml are
// decoded as YAML, anything else as TOML. A missing file at the default path
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && isDefaultPath(path) {
			return cfg, nil
		}
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills empty values after decoding and flag overrides.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if strings.TrimSpace(c.Server.DeviceName) == "" {
		c.Server.DeviceName = def.Server.DeviceName
	}
	if c.Server.DeviceType == "" {
		c.Server.DeviceType = def.Server.DeviceType
	}
	if c.Server.Backend == "" {
		c.Server.Backend = def.Server.Backend
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = def.Server.LogLevel
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = def.Server.LogFormat
	}
	if c.Server.LogOutput == "" {
		c.Server.LogOutput = def.Server.LogOutput
	}
	if c.Session.VolumeSteps == 0 {
		c.Session.VolumeSteps = def.Session.VolumeSteps
	}
	if c.Mixer.Kind == "" {
		c.Mixer.Kind = def.Mixer.Kind
	}
	if c.Mixer.Mapping == "" {
		c.Mixer.Mapping = def.Mixer.Mapping
	}
	if c.MPRIS.Bus == "" {
		c.MPRIS.Bus = def.MPRIS.Bus
	}
	if c.MPRIS.ClientID == "" {
		c.MPRIS.ClientID = DefaultClientID
	}
	if c.Discovery.AuthType == "" {
		c.Discovery.AuthType = def.Discovery.AuthType
	}
	if c.MQTT.TopicBase == "" {
		c.MQTT.TopicBase = def.MQTT.TopicBase
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	switch strings.ToLower(c.Server.LogFormat) {
	case "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("server.log_format: unknown format %q", c.Server.LogFormat))
	}
	switch strings.ToLower(c.Server.LogOutput) {
	case "stdout", "stderr":
	default:
		errs = append(errs, fmt.Errorf("server.log_output: unknown output %q", c.Server.LogOutput))
	}
	if c.Session.VolumeSteps < 0 || c.Session.VolumeSteps > 65535 {
		errs = append(errs, fmt.Errorf("session.volume_steps: out of range"))
	}
	switch c.Mixer.Kind {
	case mixer.KindSoftVol:
		if m := mixer.Mapping(c.Mixer.Mapping); m != mixer.MappingLinear && m != mixer.MappingLog {
			errs = append(errs, fmt.Errorf("mixer.mapping: unknown mapping %q", c.Mixer.Mapping))
		}
	case mixer.KindSnapcast:
		if c.Mixer.SnapcastURL == "" {
			errs = append(errs, errors.New("mixer.snapcast_url: required for the snapcast mixer"))
		}
	case mixer.KindGStreamer:
		if c.Mixer.GStreamerPipeline == "" {
			errs = append(errs, errors.New("mixer.gstreamer_pipeline: required for the gstreamer mixer"))
		}
	default:
		errs = append(errs, fmt.Errorf("mixer.kind: unknown mixer %q", c.Mixer.Kind))
	}
	switch c.MPRIS.Bus {
	case "session", "system":
	default:
		errs = append(errs, fmt.Errorf("mpris.bus: must be session or system, got %q", c.MPRIS.Bus))
	}
	if c.Discovery.AuthData != "" {
		if _, err := base64.StdEncoding.DecodeString(c.Discovery.AuthData); err != nil {
			errs = append(errs, fmt.Errorf("discovery.auth_data: %w", err))
		}
		if c.Discovery.Username == "" {
			errs = append(errs, errors.New("discovery.username: required with auth_data"))
		}
	}
	if c.Discovery.MQTT && c.MQTT.Broker == "" && !c.MQTT.Embedded.Enabled {
		errs = append(errs, errors.New("discovery.mqtt: requires mqtt.broker or the embedded broker"))
	}
	if c.MQTT.PublishState && c.MQTT.Broker == "" && !c.MQTT.Embedded.Enabled {
		errs = append(errs, errors.New("mqtt.publish_state: requires mqtt.broker or the embedded broker"))
	}
	if c.MQTT.Embedded.Enabled && !c.MQTT.Embedded.AllowAnonymous && c.MQTT.Embedded.Username == "" {
		errs = append(errs, errors.New("mqtt.embedded: username required unless allow_anonymous"))
	}
	return errors.Join(errs...)
}

// StaticCredentials returns the credential set configured inline, if any.
func (c Config) StaticCredentials() (spot.Credentials, bool) {
	if c.Discovery.Username == "" || c.Discovery.AuthData == "" {
		return spot.Credentials{}, false
	}
	data, err := base64.StdEncoding.DecodeString(c.Discovery.AuthData)
	if err != nil {
		return spot.Credentials{}, false
	}
	return spot.Credentials{Username: c.Discovery.Username, AuthType: c.Discovery.AuthType, AuthData: data}, true
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "spotd", "spotd.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "spotd", "spotd.toml"), nil
}

func isDefaultPath(path string) bool {
	def, err := DefaultConfigPath()
	return err == nil && filepath.Clean(def) == filepath.Clean(path)
}

// MixerSettings converts the mixer section for mixer.New.
func (c Config) MixerSettings() mixer.Config {
	return mixer.Config{
		Kind:    c.Mixer.Kind,
		Mapping: mixer.Mapping(c.Mixer.Mapping),
		DBRange: c.Mixer.DBRange,
		Snapcast: mixer.SnapcastConfig{
			URL:      c.Mixer.SnapcastURL,
			ClientID: c.Mixer.SnapcastClient,
			Timeout:  time.Duration(c.Mixer.SnapcastTimeoutMS) * time.Millisecond,
		},
		GStreamer: mixer.GStreamerConfig{
			Pipeline: c.Mixer.GStreamerPipeline,
			Element:  c.Mixer.GStreamerElement,
		},
	}
}
