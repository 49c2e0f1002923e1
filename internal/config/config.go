// Package config loads possync settings.
//
// Settings are layered: built-in defaults, then a YAML file, then a .env
// file, then POSSYNC_* environment variables. The result is validated
// before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("5s", "2m") in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", node.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full possync configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DeviceConfig identifies the till and where it keeps its data.
type DeviceConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// DBPath is the device store file.
func (d DeviceConfig) DBPath() string {
	return filepath.Join(d.DataDir, "possync.db")
}

// RemoteConfig points a device at the remote store server.
type RemoteConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig tunes the sync engine and connectivity monitor.
type SyncConfig struct {
	DrainInterval Duration `yaml:"drain_interval"`
	EchoWindow    Duration `yaml:"echo_window"`
	ProbeInterval Duration `yaml:"probe_interval"`
	Debounce      Duration `yaml:"debounce"`
	MinInterval   Duration `yaml:"min_interval"`
	RetryBase     Duration `yaml:"retry_base"`
	RetryMax      Duration `yaml:"retry_max"`
	MaxRejections int      `yaml:"max_rejections"`
	SalesDays     int      `yaml:"sales_days"`
	MovementDays  int      `yaml:"movement_days"`
}

// ServerConfig configures the remote store server.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Driver         string   `yaml:"driver"`
	DSN            string   `yaml:"dsn"`
	JWTSecret      string   `yaml:"jwt_secret"`
	EnrollHash     string   `yaml:"enroll_hash"`
	TokenTTL       Duration `yaml:"token_ttl"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps Level onto slog. Unknown levels mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// MetricsConfig exposes Prometheus metrics on a device. Empty Addr disables
// the endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{DataDir: "."},
		Remote: RemoteConfig{Timeout: Duration(10 * time.Second)},
		Sync: SyncConfig{
			DrainInterval: Duration(5 * time.Second),
			EchoWindow:    Duration(2 * time.Minute),
			ProbeInterval: Duration(30 * time.Second),
			Debounce:      Duration(500 * time.Millisecond),
			MinInterval:   Duration(10 * time.Second),
			RetryBase:     Duration(time.Second),
			RetryMax:      Duration(5 * time.Minute),
			MaxRejections: 5,
			SalesDays:     1,
			MovementDays:  30,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			Driver:       "sqlite",
			DSN:          "remote.db",
			TokenTTL:     Duration(24 * time.Hour),
			PollInterval: Duration(500 * time.Millisecond),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies POSSYNC_*
// environment overrides and validates the result. A missing device id is
// derived from the hardware.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = DefaultDeviceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are errors.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envBindings maps POSSYNC_* variables onto config fields.
func envBindings(cfg *Config) map[string]func(string) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	dur := func(dst *Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = Duration(d)
			return nil
		}
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	return map[string]func(string) error{
		"POSSYNC_DEVICE_ID":       str(&cfg.Device.ID),
		"POSSYNC_DATA_DIR":        str(&cfg.Device.DataDir),
		"POSSYNC_REMOTE_URL":      str(&cfg.Remote.URL),
		"POSSYNC_REMOTE_SECRET":   str(&cfg.Remote.Secret),
		"POSSYNC_REMOTE_TIMEOUT":  dur(&cfg.Remote.Timeout),
		"POSSYNC_DRAIN_INTERVAL":  dur(&cfg.Sync.DrainInterval),
		"POSSYNC_PROBE_INTERVAL":  dur(&cfg.Sync.ProbeInterval),
		"POSSYNC_MAX_REJECTIONS":  num(&cfg.Sync.MaxRejections),
		"POSSYNC_SERVER_ADDR":     str(&cfg.Server.Addr),
		"POSSYNC_SERVER_DRIVER":   str(&cfg.Server.Driver),
		"POSSYNC_SERVER_DSN":      str(&cfg.Server.DSN),
		"POSSYNC_JWT_SECRET":      str(&cfg.Server.JWTSecret),
		"POSSYNC_ENROLL_HASH":     str(&cfg.Server.EnrollHash),
		"POSSYNC_TOKEN_TTL":       dur(&cfg.Server.TokenTTL),
		"POSSYNC_ALLOWED_ORIGINS": func(v string) error { cfg.Server.AllowedOrigins = splitList(v); return nil },
		"POSSYNC_LOG_LEVEL":       str(&cfg.Log.Level),
		"POSSYNC_LOG_FORMAT":      str(&cfg.Log.Format),
		"POSSYNC_METRICS_ADDR":    str(&cfg.Metrics.Addr),
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for key, set := range envBindings(cfg) {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Server.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("server.driver %q: must be mysql or sqlite", c.Server.Driver)
	}
	positive := map[string]Duration{
		"remote.timeout":      c.Remote.Timeout,
		"sync.drain_interval": c.Sync.DrainInterval,
		"sync.echo_window":    c.Sync.EchoWindow,
		"sync.retry_base":     c.Sync.RetryBase,
		"sync.retry_max":      c.Sync.RetryMax,
		"server.token_ttl":    c.Server.TokenTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sync.RetryMax < c.Sync.RetryBase {
		return errors.New("sync.retry_max must not be below sync.retry_base")
	}
	if c.Sync.MaxRejections < 0 {
		return errors.New("sync.max_rejections must not be negative")
	}
	if c.Sync.SalesDays < 1 || c.Sync.MovementDays < 1 {
		return errors.New("sync.sales_days and sync.movement_days must be at least 1")
	}
	if c.Device.ID == "" {
		return errors.New("device.id is required")
	}
	return nil
}
