package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v, want nil", err)
	}
	if cfg.ChangeLog.MaxEntries != 10000 {
		t.Errorf("ChangeLog.MaxEntries = %d, want 10000", cfg.ChangeLog.MaxEntries)
	}
	if cfg.Learning.UnassignedIssueID != "unassigned" {
		t.Errorf("Learning.UnassignedIssueID = %q, want %q", cfg.Learning.UnassignedIssueID, "unassigned")
	}
	if cfg.Addr() != "127.0.0.1:8787" {
		t.Errorf("Addr() = %q, want 127.0.0.1:8787", cfg.Addr())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "port too low", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "invalid server port"},
		{name: "port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Server.ShutdownTimeout = 0 }, wantErr: "shutdown timeout"},
		{name: "negative rate limit", mutate: func(c *Config) { c.Server.RateLimit = -1 }, wantErr: "rate limit"},
		{name: "empty store path", mutate: func(c *Config) { c.Store.Path = "" }, wantErr: "store path"},
		{name: "zero save interval", mutate: func(c *Config) { c.Store.SaveInterval = 0 }, wantErr: "save interval"},
		{name: "negative max delay", mutate: func(c *Config) { c.Store.MaxDelay = Duration(-time.Second) }, wantErr: "max save delay"},
		{name: "zero attempts", mutate: func(c *Config) { c.Store.MaxAttempts = 0 }, wantErr: "max attempts"},
		{name: "zero changelog bound", mutate: func(c *Config) { c.ChangeLog.MaxEntries = 0 }, wantErr: "max entries"},
		{
			name: "bad policy action",
			mutate: func(c *Config) {
				c.ChangeLog.Policy.Rules = []changelog.Rule{{Pattern: "game.**", Action: "keep"}}
			},
			wantErr: "changelog policy",
		},
		{
			name: "archive without path",
			mutate: func(c *Config) {
				c.ChangeLog.Archive.Enabled = true
				c.ChangeLog.Archive.Path = ""
			},
			wantErr: "archive path",
		},
		{
			name: "in-memory archive needs no path",
			mutate: func(c *Config) {
				c.ChangeLog.Archive.InMemory = true
				c.ChangeLog.Archive.Path = ""
			},
		},
		{name: "zero symptoms", mutate: func(c *Config) { c.Learning.MaxSymptoms = 0 }, wantErr: "max symptoms"},
		{
			name: "nats enabled with bad url",
			mutate: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = "not a url"
			},
			wantErr: "invalid nats url",
		},
		{name: "nats disabled ignores url", mutate: func(c *Config) { c.NATS.URL = "" }},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging format"},
		{
			name: "telemetry sample rate",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SampleRate = 2
			},
			wantErr: "sample rate",
		},
		{
			name: "bad secret rule",
			mutate: func(c *Config) {
				c.Secrets.Rules[0].Pattern = "("
			},
			wantErr: "secrets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ExpandPaths(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = "~/state/state.json"
	cfg.ChangeLog.Archive.Path = "/var/lib/statekeeper/archive"
	cfg.ExpandPaths("/home/op")

	if cfg.Store.Path != "/home/op/state/state.json" {
		t.Errorf("Store.Path = %q, want /home/op/state/state.json", cfg.Store.Path)
	}
	if cfg.ChangeLog.Archive.Path != "/var/lib/statekeeper/archive" {
		t.Errorf("absolute archive path changed to %q", cfg.ChangeLog.Archive.Path)
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 1m30s", d.Duration())
	}
	if err := d.UnmarshalText([]byte("-1s")); err == nil {
		t.Error("UnmarshalText(-1s) error = nil, want error")
	}
	b, _ := json.Marshal(d)
	if string(b) != `"1m30s"` {
		t.Errorf("MarshalJSON() = %s, want \"1m30s\"", b)
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("s3cr3t-token")
	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", s.String())
	}
	if got := fmt.Sprintf("%v %#v", s, s); strings.Contains(got, "s3cr3t") {
		t.Errorf("formatted secret leaked: %q", got)
	}
	b, _ := json.Marshal(struct{ Token Secret }{s})
	if strings.Contains(string(b), "s3cr3t") {
		t.Errorf("MarshalJSON leaked: %s", b)
	}
	if s.Value() != "s3cr3t-token" || !s.IsSet() {
		t.Error("Value() must return the raw secret")
	}
	if Secret("").IsSet() {
		t.Error("empty secret reports IsSet")
	}
}
