package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Provider is the read-only view of the configuration used by the rest of the
// client.
type Provider interface {
	GetAPIBaseURL() string
	GetRealtimeURL() string
	GetStateDir() string
	GetStorageKey() string
	GetTypingTimeout() time.Duration
	GetDedupWindow() time.Duration
	GetHandshakeTimeout() time.Duration
	GetMaxReconnectAttempts() int
	GetReconnectInterval() time.Duration
	GetLogFormat() string
	GetLogLevel() string
	GetTracingEnabled() bool
	GetZipkinURL() string
}

// Duration is a time.Duration that decodes from strings such as "2s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds all configuration for the client.
type Config struct {
	APIBaseURL           string   `toml:"api_url"`
	RealtimeURL          string   `toml:"realtime_url"`
	StateDir             string   `toml:"state_dir"`
	StorageKey           string   `toml:"storage_key"`
	TypingTimeout        Duration `toml:"typing_timeout"`
	DedupWindow          Duration `toml:"dedup_window"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectInterval    Duration `toml:"reconnect_interval"`
	LogFormat            string   `toml:"log_format"`
	LogLevel             string   `toml:"log_level"`
	TracingEnabled       bool     `toml:"tracing_enabled"`
	ZipkinURL            string   `toml:"zipkin_url"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	stateDir := ".chatsync"
	if dir, err := os.UserConfigDir(); err == nil {
		stateDir = filepath.Join(dir, "chatsync")
	}
	return &Config{
		StateDir:             stateDir,
		StorageKey:           "chat-app-storage",
		TypingTimeout:        Duration{2 * time.Second},
		DedupWindow:          Duration{5 * time.Second},
		HandshakeTimeout:     Duration{10 * time.Second},
		MaxReconnectAttempts: 3,
		ReconnectInterval:    Duration{500 * time.Millisecond},
		LogFormat:            "text",
		LogLevel:             "info",
		ZipkinURL:            "http://localhost:9411/api/v2/spans",
	}
}

// New loads configuration from a .env file (if any), the TOML file named by
// CHATSYNC_CONFIG (if any) and environment variables, in increasing order of
// precedence.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// slog is not configured yet; the standard logger is fine here.
		log.Println("No .env file found, relying on environment variables")
	}
	return Load(os.Getenv("CHATSYNC_CONFIG"))
}

// Load builds the configuration from an optional TOML file and the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.RealtimeURL == "" && cfg.APIBaseURL != "" {
		cfg.RealtimeURL = DeriveRealtimeURL(cfg.APIBaseURL)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("CHATSYNC_API_URL", &c.APIBaseURL)
	setString("CHATSYNC_REALTIME_URL", &c.RealtimeURL)
	setString("CHATSYNC_STATE_DIR", &c.StateDir)
	setString("CHATSYNC_STORAGE_KEY", &c.StorageKey)
	setString("LOG_FORMAT", &c.LogFormat)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("PUBSUB_TRACING_ZIPKIN_URL", &c.ZipkinURL)

	durations := map[string]*Duration{
		"CHATSYNC_TYPING_TIMEOUT":     &c.TypingTimeout,
		"CHATSYNC_DEDUP_WINDOW":       &c.DedupWindow,
		"CHATSYNC_HANDSHAKE_TIMEOUT":  &c.HandshakeTimeout,
		"CHATSYNC_RECONNECT_INTERVAL": &c.ReconnectInterval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	if v := os.Getenv("CHATSYNC_MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		c.MaxReconnectAttempts = n
	}
	if v := os.Getenv("PUBSUB_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PUBSUB_TRACING_ENABLED: %w", err)
		}
		c.TracingEnabled = enabled
	}
	return nil
}

// Validate reports configuration that would prevent the client from working.
func (c *Config) Validate() error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("CHATSYNC_API_URL is not set"))
	} else if _, err := url.ParseRequestURI(c.APIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("CHATSYNC_API_URL: %w", err))
	}
	if c.RealtimeURL != "" {
		if _, err := url.ParseRequestURI(c.RealtimeURL); err != nil {
			errs = append(errs, fmt.Errorf("CHATSYNC_REALTIME_URL: %w", err))
		}
	}
	if c.StorageKey == "" {
		errs = append(errs, errors.New("storage key must not be empty"))
	}
	if c.TypingTimeout.Duration <= 0 {
		errs = append(errs, errors.New("typing timeout must be positive"))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("max reconnect attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// DeriveRealtimeURL maps the REST base URL to the WebSocket endpoint served
// by the same host.
func DeriveRealtimeURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

func (c *Config) GetAPIBaseURL() string               { return c.APIBaseURL }
func (c *Config) GetRealtimeURL() string              { return c.RealtimeURL }
func (c *Config) GetStateDir() string                 { return c.StateDir }
func (c *Config) GetStorageKey() string               { return c.StorageKey }
func (c *Config) GetTypingTimeout() time.Duration     { return c.TypingTimeout.Duration }
func (c *Config) GetDedupWindow() time.Duration       { return c.DedupWindow.Duration }
func (c *Config) GetHandshakeTimeout() time.Duration  { return c.HandshakeTimeout.Duration }
func (c *Config) GetMaxReconnectAttempts() int        { return c.MaxReconnectAttempts }
func (c *Config) GetReconnectInterval() time.Duration { return c.ReconnectInterval.Duration }
func (c *Config) GetLogFormat() string                { return c.LogFormat }
func (c *Config) GetLogLevel() string                 { return c.LogLevel }
func (c *Config) GetTracingEnabled() bool             { return c.TracingEnabled }
func (c *Config) GetZipkinURL() string                { return c.ZipkinURL }
