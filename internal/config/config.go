// Package config provides configuration loading for statekeeper.
//
// Configuration is layered: built-in defaults, then the YAML file, then
// STATEKEEPER_ environment variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/secrets"
)

// Config holds the complete statekeeper configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	ChangeLog ChangeLogConfig `koanf:"changelog"`
	Learning  LearningConfig  `koanf:"learning"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Secrets   secrets.Config  `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// RateLimit is the sustained rate of mutating requests per second.
	// Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// StoreConfig holds state file and save scheduling configuration.
type StoreConfig struct {
	Path           string   `koanf:"path"`
	GuardedPaths   []string `koanf:"guarded_paths"`
	ChangeLogTail  int      `koanf:"changelog_tail"`
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	SaveInterval   Duration `koanf:"save_interval"`
	Debounce       Duration `koanf:"debounce"`
	MaxDelay       Duration `koanf:"max_delay"`
	SaveTimeout    Duration `koanf:"save_timeout"`
}

// ChangeLogConfig holds change log configuration.
type ChangeLogConfig struct {
	MaxEntries   int              `koanf:"max_entries"`
	PreviewBytes int              `koanf:"preview_bytes"`
	Policy       changelog.Policy `koanf:"policy"`
	Archive      ArchiveConfig    `koanf:"archive"`
}

// ArchiveConfig holds the eviction archive configuration.
type ArchiveConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Path     string   `koanf:"path"`
	InMemory bool     `koanf:"in_memory"`
	TTL      Duration `koanf:"ttl"`
}

// LearningConfig holds pattern learner configuration.
type LearningConfig struct {
	MaxSymptoms       int    `koanf:"max_symptoms"`
	UnassignedIssueID string `koanf:"unassigned_issue_id"`
}

// NATSConfig holds change publishing configuration.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Token         Secret `koanf:"token"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Stream        string `koanf:"stream"`
	QueueSize     int    `koanf:"queue_size"`
}

// LoggingConfig selects the daemon log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the built-in configuration. File and environment values
// are layered on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       50,
			RateBurst:       100,
		},
		Store: StoreConfig{
			Path:           "~/.local/share/statekeeper/state.json",
			ChangeLogTail:  1000,
			MaxAttempts:    3,
			InitialBackoff: Duration(50 * time.Millisecond),
			SaveInterval:   Duration(30 * time.Second),
			Debounce:       Duration(2 * time.Second),
			MaxDelay:       Duration(30 * time.Second),
			SaveTimeout:    Duration(30 * time.Second),
		},
		ChangeLog: ChangeLogConfig{
			MaxEntries:   10000,
			PreviewBytes: 256,
			Policy:       changelog.DefaultPolicy(),
			Archive: ArchiveConfig{
				Enabled: true,
				Path:    "~/.local/share/statekeeper/archive",
				TTL:     Duration(30 * 24 * time.Hour),
			},
		},
		Learning: LearningConfig{
			MaxSymptoms:       10,
			UnassignedIssueID: "unassigned",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "statekeeper.state",
			QueueSize:     1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "statekeeper",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Secrets: *secrets.DefaultConfig(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %v", c.Server.RateLimit)
	}

	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	if c.Store.SaveInterval.Duration() <= 0 {
		return errors.New("save interval must be positive")
	}
	if c.Store.MaxDelay.Duration() < 0 {
		return errors.New("max save delay cannot be negative")
	}
	if c.Store.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.Store.MaxAttempts)
	}

	if c.ChangeLog.MaxEntries < 1 {
		return fmt.Errorf("changelog max entries must be at least 1, got %d", c.ChangeLog.MaxEntries)
	}
	if err := c.ChangeLog.Policy.Validate(); err != nil {
		return fmt.Errorf("changelog policy: %w", err)
	}
	if c.ChangeLog.Archive.Enabled && !c.ChangeLog.Archive.InMemory && c.ChangeLog.Archive.Path == "" {
		return errors.New("changelog archive path is required unless in_memory is set")
	}

	if c.Learning.MaxSymptoms < 1 {
		return fmt.Errorf("learning max symptoms must be at least 1, got %d", c.Learning.MaxSymptoms)
	}

	if c.NATS.Enabled {
		u, err := url.Parse(c.NATS.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid nats url %q", c.NATS.URL)
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry sample rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
		}
	}

	if err := c.Secrets.Validate(); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ExpandPaths resolves a leading "~" in store and archive paths against home.
func (c *Config) ExpandPaths(home string) {
	c.Store.Path = expandHome(c.Store.Path, home)
	c.ChangeLog.Archive.Path = expandHome(c.ChangeLog.Archive.Path, home)
	c.Secrets.AllowListFile = expandHome(c.Secrets.AllowListFile, home)
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if len(p) > 1 && p[0] == '~' && p[1] == '/' {
		return filepath.Join(home, p[2:])
	}
	return p
}
