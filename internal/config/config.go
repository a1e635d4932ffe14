package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultControllerListen = ":8080"
	DefaultAPIListen        = "127.0.0.1:8090"
	DefaultControllerID     = "controller"
	DefaultControllerPort   = 8080
	DefaultDataDir          = "/var/lib/capsync"
	DefaultSnapshotSec      = 10
	DefaultTransport        = "tcp"
	DefaultCodec            = "json"
	DefaultMetricsWindow    = "5m"
	DefaultReconnectMS      = 5000
	DefaultDialTimeoutMS    = 5000
	DefaultSTUNTimeoutMS    = 3000
	EnvPrefix               = "CAPSYNC"
)

// Config holds the shared protocol timing and the controller or endpoint
// settings of one process.
type Config struct {
	Log        LogConfig         `yaml:"log" mapstructure:"log"`
	Protocol   ProtocolConfig    `yaml:"protocol" mapstructure:"protocol"`
	Controller *ControllerConfig `yaml:"controller,omitempty" mapstructure:"controller"`
	Endpoint   *EndpointConfig   `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level       string         `yaml:"level" mapstructure:"level"`
	Format      string         `yaml:"format" mapstructure:"format"`
	Outputs     []string       `yaml:"outputs" mapstructure:"outputs"`
	Development bool           `yaml:"development" mapstructure:"development"`
	Rotation    RotationConfig `yaml:"rotation" mapstructure:"rotation"`
}

// RotationConfig enables lumberjack rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Filename   string `yaml:"filename,omitempty" mapstructure:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// ProtocolConfig is the timing both sides agree on. Durations are in ms.
type ProtocolConfig struct {
	HeartbeatIntervalMS int64 `yaml:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int64 `yaml:"heartbeat_timeout_ms" mapstructure:"heartbeat_timeout_ms"`
	MaxRetryCount       int   `yaml:"max_retry_count" mapstructure:"max_retry_count"`
	SyncIntervalMS      int64 `yaml:"sync_interval_ms" mapstructure:"sync_interval_ms"`
	MaxSyncErrorMS      int64 `yaml:"max_sync_error_ms" mapstructure:"max_sync_error_ms"`
	SyncTimeoutMS       int64 `yaml:"sync_timeout_ms" mapstructure:"sync_timeout_ms"`
	CommandTimeoutMS    int64 `yaml:"command_timeout_ms" mapstructure:"command_timeout_ms"`
	SendTimeoutMS       int64 `yaml:"send_timeout_ms" mapstructure:"send_timeout_ms"`
	MaxSyncAttempts     int   `yaml:"max_sync_attempts" mapstructure:"max_sync_attempts"`
	InitialSyncDelayMS  int64 `yaml:"initial_sync_delay_ms" mapstructure:"initial_sync_delay_ms"`
	// TrafficIsLiveness lets any inbound message refresh an endpoint's
	// liveness; when false only heartbeats and their ACKs do.
	TrafficIsLiveness *bool  `yaml:"traffic_is_liveness,omitempty" mapstructure:"traffic_is_liveness"`
	Codec             string `yaml:"codec" mapstructure:"codec"`
}

// ControllerConfig is used by the controller process.
type ControllerConfig struct {
	ID           string `yaml:"id" mapstructure:"id"`
	Listen       string `yaml:"listen" mapstructure:"listen"`
	WSListen     string `yaml:"ws_listen,omitempty" mapstructure:"ws_listen"`
	APIListen    string `yaml:"api_listen" mapstructure:"api_listen"`
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	MetricsPath  string `yaml:"metrics_path" mapstructure:"metrics_path"`
	ArchivePath  string `yaml:"archive_path" mapstructure:"archive_path"`
	SnapshotPath string `yaml:"snapshot_path" mapstructure:"snapshot_path"`
	SnapshotSec  int    `yaml:"snapshot_interval_sec" mapstructure:"snapshot_interval_sec"`
}

// EndpointConfig is used by the agent running on a capture device.
type EndpointConfig struct {
	ID               string   `yaml:"id" mapstructure:"id"`
	Controller       string   `yaml:"controller" mapstructure:"controller"`
	Transport        string   `yaml:"transport" mapstructure:"transport"`
	Advertise        string   `yaml:"advertise,omitempty" mapstructure:"advertise"`
	ReconnectDelayMS int64    `yaml:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms"`
	DialTimeoutMS    int64    `yaml:"dial_timeout_ms" mapstructure:"dial_timeout_ms"`
	STUNServers      []string `yaml:"stun_servers,omitempty" mapstructure:"stun_servers"`
	STUNTimeoutMS    int64    `yaml:"stun_timeout_ms" mapstructure:"stun_timeout_ms"`
	// ClockSkewMS shifts the endpoint's clock, for exercising sync on one host.
	ClockSkewMS int64         `yaml:"clock_skew_ms,omitempty" mapstructure:"clock_skew_ms"`
	Capture     CaptureConfig `yaml:"capture,omitempty" mapstructure:"capture"`
}

// CaptureConfig lists hook commands (argv) run for START, STOP and STATUS.
type CaptureConfig struct {
	OnStart   []string `yaml:"on_start,omitempty" mapstructure:"on_start"`
	OnStop    []string `yaml:"on_stop,omitempty" mapstructure:"on_stop"`
	Status    []string `yaml:"status,omitempty" mapstructure:"status"`
	TimeoutMS int64    `yaml:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
}

// DefaultProtocol returns the documented protocol timing.
func DefaultProtocol() ProtocolConfig {
	live := true
	return ProtocolConfig{
		HeartbeatIntervalMS: 5000,
		HeartbeatTimeoutMS:  15000,
		MaxRetryCount:       3,
		SyncIntervalMS:      30000,
		MaxSyncErrorMS:      50,
		SyncTimeoutMS:       2000,
		CommandTimeoutMS:    3000,
		SendTimeoutMS:       2000,
		MaxSyncAttempts:     3,
		InitialSyncDelayMS:  1000,
		TrafficIsLiveness:   &live,
		Codec:               DefaultCodec,
	}
}

// Load reads a YAML config file. Values can be overridden from the
// environment with the CAPSYNC_ prefix, e.g. CAPSYNC_PROTOCOL_CODEC=cbor or
// CAPSYNC_ENDPOINT_ID=phone-a.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config %s: %w", path, os.ErrNotExist)
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if v.IsSet("controller.listen") && cfg.Controller == nil {
		cfg.Controller = &ControllerConfig{}
	}
	if cfg.Controller != nil {
		overrideString(v, "controller.id", &cfg.Controller.ID)
		overrideString(v, "controller.listen", &cfg.Controller.Listen)
		overrideString(v, "controller.api_listen", &cfg.Controller.APIListen)
		overrideString(v, "controller.data_dir", &cfg.Controller.DataDir)
	}
	if v.GetString("endpoint.id") != "" && cfg.Endpoint == nil {
		cfg.Endpoint = &EndpointConfig{}
	}
	if cfg.Endpoint != nil {
		overrideString(v, "endpoint.id", &cfg.Endpoint.ID)
		overrideString(v, "endpoint.controller", &cfg.Endpoint.Controller)
		overrideString(v, "endpoint.transport", &cfg.Endpoint.Transport)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// seedDefaults registers keys with viper so environment-only values reach
// Unmarshal. Section keys are left unset so an absent section stays nil.
func seedDefaults(v *viper.Viper) {
	p := DefaultProtocol()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.outputs", []string{"stderr"})
	v.SetDefault("log.development", false)
	v.SetDefault("protocol.heartbeat_interval_ms", p.HeartbeatIntervalMS)
	v.SetDefault("protocol.heartbeat_timeout_ms", p.HeartbeatTimeoutMS)
	v.SetDefault("protocol.max_retry_count", p.MaxRetryCount)
	v.SetDefault("protocol.sync_interval_ms", p.SyncIntervalMS)
	v.SetDefault("protocol.max_sync_error_ms", p.MaxSyncErrorMS)
	v.SetDefault("protocol.sync_timeout_ms", p.SyncTimeoutMS)
	v.SetDefault("protocol.command_timeout_ms", p.CommandTimeoutMS)
	v.SetDefault("protocol.send_timeout_ms", p.SendTimeoutMS)
	v.SetDefault("protocol.max_sync_attempts", p.MaxSyncAttempts)
	v.SetDefault("protocol.initial_sync_delay_ms", p.InitialSyncDelayMS)
	v.SetDefault("protocol.traffic_is_liveness", *p.TrafficIsLiveness)
	v.SetDefault("protocol.codec", p.Codec)
}

// overrideString applies an environment value for key, which Unmarshal
// misses for keys that have no default.
func overrideString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ValidateController checks the settings the controller needs.
func ValidateController(cfg Config) error {
	if cfg.Controller == nil {
		return fmt.Errorf("config must contain a controller section")
	}
	if cfg.Controller.Listen == "" {
		return fmt.Errorf("controller.listen is required")
	}
	if cfg.Controller.APIListen == "" {
		return fmt.Errorf("controller.api_listen is required")
	}
	return validateProtocol(cfg.Protocol)
}

// ValidateEndpoint checks the settings an endpoint needs.
func ValidateEndpoint(cfg Config) error {
	if cfg.Endpoint == nil {
		return fmt.Errorf("config must contain an endpoint section")
	}
	if cfg.Endpoint.ID == "" {
		return fmt.Errorf("endpoint.id is required")
	}
	if cfg.Endpoint.Controller == "" {
		return fmt.Errorf("endpoint.controller is required")
	}
	switch cfg.Endpoint.Transport {
	case "tcp", "ws":
	default:
		return fmt.Errorf("endpoint.transport must be tcp or ws, got %q", cfg.Endpoint.Transport)
	}
	return validateProtocol(cfg.Protocol)
}

func validateProtocol(p ProtocolConfig) error {
	if p.HeartbeatTimeoutMS < p.HeartbeatIntervalMS {
		return fmt.Errorf("protocol.heartbeat_timeout_ms (%d) must be at least heartbeat_interval_ms (%d)",
			p.HeartbeatTimeoutMS, p.HeartbeatIntervalMS)
	}
	switch p.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("protocol.codec must be json or cbor, got %q", p.Codec)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = []string{"stderr"}
	}

	applyProtocolDefaults(&cfg.Protocol)

	if c := cfg.Controller; c != nil {
		if c.ID == "" {
			c.ID = DefaultControllerID
		}
		if c.Listen == "" {
			c.Listen = DefaultControllerListen
		}
		if c.APIListen == "" {
			c.APIListen = DefaultAPIListen
		}
		if c.DataDir == "" {
			c.DataDir = DefaultDataDir
		}
		if c.MetricsPath == "" {
			c.MetricsPath = filepath.Join(c.DataDir, "sync.csv")
		}
		if c.ArchivePath == "" {
			c.ArchivePath = filepath.Join(c.DataDir, "sessions.db")
		}
		if c.SnapshotPath == "" {
			c.SnapshotPath = filepath.Join(c.DataDir, "endpoints.yaml")
		}
		if c.SnapshotSec == 0 {
			c.SnapshotSec = DefaultSnapshotSec
		}
	}

	if e := cfg.Endpoint; e != nil {
		if e.Transport == "" {
			e.Transport = DefaultTransport
		}
		e.Transport = strings.ToLower(strings.TrimSpace(e.Transport))
		if e.ReconnectDelayMS == 0 {
			e.ReconnectDelayMS = DefaultReconnectMS
		}
		if e.DialTimeoutMS == 0 {
			e.DialTimeoutMS = DefaultDialTimeoutMS
		}
		if e.STUNTimeoutMS == 0 {
			e.STUNTimeoutMS = DefaultSTUNTimeoutMS
		}
	}
}

func applyProtocolDefaults(p *ProtocolConfig) {
	d := DefaultProtocol()
	if p.HeartbeatIntervalMS == 0 {
		p.HeartbeatIntervalMS = d.HeartbeatIntervalMS
	}
	if p.HeartbeatTimeoutMS == 0 {
		p.HeartbeatTimeoutMS = d.HeartbeatTimeoutMS
	}
	if p.MaxRetryCount == 0 {
		p.MaxRetryCount = d.MaxRetryCount
	}
	if p.SyncIntervalMS == 0 {
		p.SyncIntervalMS = d.SyncIntervalMS
	}
	if p.MaxSyncErrorMS == 0 {
		p.MaxSyncErrorMS = d.MaxSyncErrorMS
	}
	if p.SyncTimeoutMS == 0 {
		p.SyncTimeoutMS = d.SyncTimeoutMS
	}
	if p.CommandTimeoutMS == 0 {
		p.CommandTimeoutMS = d.CommandTimeoutMS
	}
	if p.SendTimeoutMS == 0 {
		p.SendTimeoutMS = d.SendTimeoutMS
	}
	if p.MaxSyncAttempts == 0 {
		p.MaxSyncAttempts = d.MaxSyncAttempts
	}
	if p.TrafficIsLiveness == nil {
		p.TrafficIsLiveness = d.TrafficIsLiveness
	}
	p.Codec = strings.ToLower(strings.TrimSpace(p.Codec))
	if p.Codec == "" {
		p.Codec = d.Codec
	}
}

// Millis converts a millisecond setting to a Duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
