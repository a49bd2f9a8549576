package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/devsync/internal/otel"
)

// ReconnectConfig controls the WebSocket retry policy.
type ReconnectConfig struct {
	// MaxAttempts is the number of consecutive failed reconnects before the
	// connection is marked unconnectable. 0 retries forever.
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMS    int     `yaml:"initial_delay_ms"`
	MaxDelayMS        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            float64 `yaml:"jitter"`
}

// InitialDelay returns InitialDelayMS as a duration.
func (r ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns MaxDelayMS as a duration.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// EarlyEventsConfig bounds the buffer for task frames that arrive before
// the assign response.
type EarlyEventsConfig struct {
	MaxPerTask int `yaml:"max_per_task"`
	TTLMS      int `yaml:"ttl_ms"`
}

// TTL returns TTLMS as a duration.
func (e EarlyEventsConfig) TTL() time.Duration {
	return time.Duration(e.TTLMS) * time.Millisecond
}

type Config struct {
	APIEndpoint string `yaml:"api_endpoint"`
	// WSEndpoint overrides the socket URL derived from APIEndpoint.
	WSEndpoint string `yaml:"ws_endpoint"`
	InstanceID string `yaml:"instance_id"`

	PingIntervalMS     int             `yaml:"ping_interval_ms"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
	HTTPTimeoutSeconds int             `yaml:"http_timeout_seconds"`
	LogLevel           string          `yaml:"log_level"`

	DefinitionsPath string `yaml:"definitions_path"`
	JournalPath     string `yaml:"journal_path"`

	EarlyEvents EarlyEventsConfig `yaml:"early_events"`
	Telemetry   otelPkg.Config    `yaml:"telemetry"`

	// RefetchOnReconnect re-reads every mounted state after the socket
	// comes back.
	RefetchOnReconnect bool `yaml:"refetch_on_reconnect"`

	// Set by Load, not read from YAML.
	Path                string `yaml:"-"`
	GeneratedInstanceID bool   `yaml:"-"`
}

// PingInterval returns PingIntervalMS as a duration.
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// HTTPTimeout returns HTTPTimeoutSeconds as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// WebSocketURL returns WSEndpoint when set, otherwise APIEndpoint with the
// scheme switched to ws/wss and "/ws" appended to the path.
func (c Config) WebSocketURL() (string, error) {
	if c.WSEndpoint != "" {
		return c.WSEndpoint, nil
	}
	u, err := url.Parse(c.APIEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse api_endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("api_endpoint scheme %q: want http or https", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawPath = ""
	return u.String(), nil
}

// Fingerprint returns a stable hash of the settings that shape the
// connection.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "api=%s|ws=%s|instance=%s|ping=%d|attempts=%d|delay=%d-%d",
		c.APIEndpoint, c.WSEndpoint, c.InstanceID, c.PingIntervalMS,
		c.Reconnect.MaxAttempts, c.Reconnect.InitialDelayMS, c.Reconnect.MaxDelayMS)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		PingIntervalMS: 30000,
		Reconnect: ReconnectConfig{
			InitialDelayMS:    1000,
			MaxDelayMS:        30000,
			BackoffMultiplier: 2,
			Jitter:            0.2,
		},
		HTTPTimeoutSeconds: 30,
		LogLevel:           "info",
		EarlyEvents: EarlyEventsConfig{
			MaxPerTask: 32,
			TTLMS:      10000,
		},
		Telemetry: otelPkg.Config{
			ServiceName: "devsync",
			SampleRate:  1,
		},
	}
}

// HomeDir is where the CLI keeps its config file and journal.
func HomeDir() string {
	if override := os.Getenv("DEVSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".devsync")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads path on top of the defaults, applies DEVSYNC_* env overrides,
// normalizes and validates. A missing file is not an error; an empty path
// skips the file entirely.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.Path = path

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DEVSYNC_API_ENDPOINT"); raw != "" {
		cfg.APIEndpoint = raw
	}
	if raw := os.Getenv("DEVSYNC_WS_ENDPOINT"); raw != "" {
		cfg.WSEndpoint = raw
	}
	if raw := os.Getenv("DEVSYNC_INSTANCE_ID"); raw != "" {
		cfg.InstanceID = raw
	}
	if raw := os.Getenv("DEVSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DEVSYNC_PING_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PingIntervalMS = v
		}
	}
	if raw := os.Getenv("DEVSYNC_DEFINITIONS"); raw != "" {
		cfg.DefinitionsPath = raw
	}
	if raw := os.Getenv("DEVSYNC_JOURNAL"); raw != "" {
		cfg.JournalPath = raw
	}
}

func normalize(cfg *Config) {
	cfg.APIEndpoint = strings.TrimSpace(cfg.APIEndpoint)
	cfg.WSEndpoint = strings.TrimSpace(cfg.WSEndpoint)
	cfg.InstanceID = strings.TrimSpace(cfg.InstanceID)
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		cfg.GeneratedInstanceID = true
	}
	if cfg.PingIntervalMS <= 0 {
		cfg.PingIntervalMS = 30000
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		cfg.Reconnect.MaxAttempts = 0
	}
	if cfg.Reconnect.InitialDelayMS <= 0 {
		cfg.Reconnect.InitialDelayMS = 1000
	}
	if cfg.Reconnect.MaxDelayMS <= 0 {
		cfg.Reconnect.MaxDelayMS = 30000
	}
	if cfg.Reconnect.BackoffMultiplier < 1 {
		cfg.Reconnect.BackoffMultiplier = 2
	}
	if cfg.HTTPTimeoutSeconds <= 0 {
		cfg.HTTPTimeoutSeconds = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EarlyEvents.MaxPerTask <= 0 {
		cfg.EarlyEvents.MaxPerTask = 32
	}
	if cfg.EarlyEvents.TTLMS <= 0 {
		cfg.EarlyEvents.TTLMS = 10000
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "devsync"
	}
}

func validate(cfg Config) error {
	if cfg.APIEndpoint == "" {
		return errors.New("api_endpoint is required")
	}
	u, err := url.Parse(cfg.APIEndpoint)
	if err != nil {
		return fmt.Errorf("parse api_endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_endpoint %q: want an absolute http(s) URL", cfg.APIEndpoint)
	}
	if cfg.WSEndpoint != "" {
		w, err := url.Parse(cfg.WSEndpoint)
		if err != nil {
			return fmt.Errorf("parse ws_endpoint: %w", err)
		}
		if w.Scheme != "ws" && w.Scheme != "wss" {
			return fmt.Errorf("ws_endpoint %q: want a ws(s) URL", cfg.WSEndpoint)
		}
	}
	if cfg.Reconnect.MaxDelayMS < cfg.Reconnect.InitialDelayMS {
		return fmt.Errorf("reconnect.max_delay_ms (%d) must be >= reconnect.initial_delay_ms (%d)",
			cfg.Reconnect.MaxDelayMS, cfg.Reconnect.InitialDelayMS)
	}
	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter (%v) must be within [0, 1]", cfg.Reconnect.Jitter)
	}
	return nil
}
