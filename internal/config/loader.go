package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "STATEKEEPER_"
)

// LoadWithFile loads configuration from YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STATEKEEPER_SERVER_HTTP_PORT, STATEKEEPER_STORE_PATH, etc.)
//  2. YAML config file (~/.config/statekeeper/config.yaml)
//  3. Built-in defaults (see Default)
//
// # Security Considerations
//
// The configuration file must be owner-only (0600 or 0400) and no larger
// than 1MB. Only files under ~/.config/statekeeper/ or /etc/statekeeper/
// are accepted.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates the section
// from the field. A double underscore descends one more level:
//
//	STATEKEEPER_SERVER_HTTP_PORT          -> server.http_port
//	STATEKEEPER_STORE_SAVE_INTERVAL       -> store.save_interval
//	STATEKEEPER_CHANGELOG_ARCHIVE__PATH   -> changelog.archive.path
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	if configPath == "" {
		configPath = DefaultPath(home)
	}

	if err := validateConfigPath(configPath, home); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	resetListed(k, cfg)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)
	cfg.ExpandPaths(home)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultPath is the config file used when none is given.
func DefaultPath(home string) string {
	return filepath.Join(home, ".config", "statekeeper", "config.yaml")
}

// EnsureConfigDir creates the statekeeper config directory with 0700
// permissions if it does not exist.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "statekeeper")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// resetListed clears default lists the loaded sources replace, so a
// configured list is never merged element-wise into the defaults.
func resetListed(k *koanf.Koanf, cfg *Config) {
	lists := map[string]func(){
		"store.guarded_paths":    func() { cfg.Store.GuardedPaths = nil },
		"changelog.policy.rules": func() { cfg.ChangeLog.Policy.Rules = nil },
		"secrets.rules":          func() { cfg.Secrets.Rules = nil },
		"secrets.allow_list":     func() { cfg.Secrets.AllowList = nil },
	}
	for key, reset := range lists {
		if k.Exists(key) {
			reset()
		}
	}
}

// envKey maps STATEKEEPER_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + strings.ReplaceAll(parts[1], "__", ".")
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(configPath string) ([]byte, error) {
	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate the opened descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path, home string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "statekeeper"),
		"/etc/statekeeper",
	}
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/statekeeper/ or /etc/statekeeper/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values a file may have zeroed explicitly.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = int(cfg.Server.RateLimit) + 1
	}

	if cfg.Store.ChangeLogTail == 0 {
		cfg.Store.ChangeLogTail = def.Store.ChangeLogTail
	}
	if cfg.Store.SaveTimeout == 0 {
		cfg.Store.SaveTimeout = def.Store.SaveTimeout
	}

	if cfg.ChangeLog.PreviewBytes == 0 {
		cfg.ChangeLog.PreviewBytes = def.ChangeLog.PreviewBytes
	}
	if cfg.ChangeLog.Policy.Default == "" {
		cfg.ChangeLog.Policy.Default = def.ChangeLog.Policy.Default
	}

	if cfg.Learning.UnassignedIssueID == "" {
		cfg.Learning.UnassignedIssueID = def.Learning.UnassignedIssueID
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = def.NATS.SubjectPrefix
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}

	if cfg.Secrets.Enabled && len(cfg.Secrets.Rules) == 0 {
		cfg.Secrets.Rules = def.Secrets.Rules
	}
}
