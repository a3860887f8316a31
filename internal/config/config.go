// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/sessioncore/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete engine configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Validation bounds the input boundary.
	Validation ValidationConfig `toml:"validation" json:"validation"`

	// Store configures the durable session record.
	Store StoreConfig `toml:"store" json:"store"`

	// Transport configures the assistant endpoint client.
	Transport TransportConfig `toml:"transport" json:"transport"`

	// Session configures the controller's activity tracking.
	Session SessionConfig `toml:"session" json:"session"`
}

// ValidationConfig contains input validation limits.
type ValidationConfig struct {
	// MaxLength is the maximum input length in runes.
	MaxLength int `toml:"max_length" json:"max_length"`
	// WarnRatio is the fill fraction that triggers an approaching-limit warning.
	WarnRatio float64 `toml:"warn_ratio" json:"warn_ratio"`
	// CriticalRatio is the fill fraction that triggers the critical warning.
	CriticalRatio float64 `toml:"critical_ratio" json:"critical_ratio"`
	// MaxWhitespaceRatio flags inputs that are mostly whitespace.
	MaxWhitespaceRatio float64 `toml:"max_whitespace_ratio" json:"max_whitespace_ratio"`
	// MaxLineLength flags hard-to-read long lines.
	MaxLineLength int `toml:"max_line_length" json:"max_line_length"`
}

// StoreConfig contains durable record settings.
type StoreConfig struct {
	// BaseDir is the state directory (empty = ~/.sessioncore).
	BaseDir string `toml:"base_dir" json:"base_dir"`
	// MaxRecordBytes caps the serialized record size.
	MaxRecordBytes int `toml:"max_record_bytes" json:"max_record_bytes"`
	// KeepRecent is the eviction window when the cap is exceeded.
	KeepRecent int `toml:"keep_recent" json:"keep_recent"`
}

// TransportConfig contains assistant endpoint settings.
type TransportConfig struct {
	// Endpoint is the assistant endpoint URL.
	Endpoint string `toml:"endpoint" json:"endpoint"`
	// TimeoutMs bounds a whole send, retries included.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms"`
	// MaxAttempts is the total tries per send.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`
	// Jitter is the backoff jitter fraction (0 disables).
	Jitter float64 `toml:"jitter" json:"jitter"`
	// RatePerSec and Burst shape the submission limiter.
	RatePerSec float64 `toml:"rate_per_sec" json:"rate_per_sec"`
	Burst      int     `toml:"burst" json:"burst"`
}

// SessionConfig contains controller settings.
type SessionConfig struct {
	// UserType is reported in the request context.
	UserType string `toml:"user_type" json:"user_type"`
	// IdleTimeoutSecs expires the session after inactivity (0 disables).
	IdleTimeoutSecs int `toml:"idle_timeout_secs" json:"idle_timeout_secs"`
	// WarningSecs is how long before expiry to warn.
	WarningSecs int `toml:"warning_secs" json:"warning_secs"`
	// AutoSave enables periodic persistence of dirty state.
	AutoSave bool `toml:"auto_save" json:"auto_save"`
	// AutoSaveIntervalSecs is how often auto-save may trigger.
	AutoSaveIntervalSecs int `toml:"auto_save_interval_secs" json:"auto_save_interval_secs"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "2.0",

		Validation: ValidationConfig{
			MaxLength:          4000,
			WarnRatio:          0.875,
			CriticalRatio:      0.95,
			MaxWhitespaceRatio: 0.30,
			MaxLineLength:      200,
		},

		Store: StoreConfig{
			MaxRecordBytes: 5 * 1024 * 1024,
			KeepRecent:     50,
		},

		Transport: TransportConfig{
			Endpoint:    "http://127.0.0.1:8420/chat",
			TimeoutMs:   30000,
			MaxAttempts: 3,
			Jitter:      0.2,
			RatePerSec:  4,
			Burst:       4,
		},

		Session: SessionConfig{
			UserType:             "resident",
			IdleTimeoutSecs:      1800,
			WarningSecs:          120,
			AutoSave:             true,
			AutoSaveIntervalSecs: 30,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the engine configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".sessioncore"), nil
}

// PathTOML returns the path to the TOML config file.
func PathTOML() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// PathJSON returns the path to the JSON config file.
func PathJSON() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s). Tries TOML first,
// then JSON, and falls back to defaults. Environment overrides are
// applied last, then validation with clamping.
func Load() (*Config, error) {
	for _, pathFn := range []func() (string, error){PathTOML, PathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return LoadFromPath(path)
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file. The format is
// chosen by extension (.json decodes JSON, everything else TOML).
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config: %w", err)
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func applyEnvString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// ApplyEnvOverrides applies SESSIONCORE_* environment variables over
// the loaded values.
func (c *Config) ApplyEnvOverrides() {
	applyEnvString("SESSIONCORE_ENDPOINT", &c.Transport.Endpoint)
	applyEnvString("SESSIONCORE_STORE_DIR", &c.Store.BaseDir)
	applyEnvString("SESSIONCORE_USER_TYPE", &c.Session.UserType)
	applyEnvInt("SESSIONCORE_MAX_LENGTH", &c.Validation.MaxLength)
	applyEnvInt("SESSIONCORE_TIMEOUT_MS", &c.Transport.TimeoutMs)
	applyEnvInt("SESSIONCORE_MAX_ATTEMPTS", &c.Transport.MaxAttempts)
	applyEnvInt("SESSIONCORE_IDLE_TIMEOUT_SECS", &c.Session.IdleTimeoutSecs)
	applyEnvBool("SESSIONCORE_AUTO_SAVE", &c.Session.AutoSave)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration. Out-of-range numeric values are
// clamped to their documented bounds rather than rejected; only values
// with no safe interpretation (a malformed endpoint URL) error out.
func (c *Config) Validate() error {
	def := Default()

	// Validation limits: clamp into workable bounds.
	c.Validation.MaxLength = clampInt(c.Validation.MaxLength, 1, 100000, def.Validation.MaxLength)
	c.Validation.WarnRatio = clampRatio(c.Validation.WarnRatio, def.Validation.WarnRatio)
	c.Validation.CriticalRatio = clampRatio(c.Validation.CriticalRatio, def.Validation.CriticalRatio)
	if c.Validation.CriticalRatio < c.Validation.WarnRatio {
		c.Validation.CriticalRatio = c.Validation.WarnRatio
	}
	c.Validation.MaxWhitespaceRatio = clampRatio(c.Validation.MaxWhitespaceRatio, def.Validation.MaxWhitespaceRatio)
	c.Validation.MaxLineLength = clampInt(c.Validation.MaxLineLength, 20, 10000, def.Validation.MaxLineLength)

	// Store bounds.
	c.Store.MaxRecordBytes = clampInt(c.Store.MaxRecordBytes, 4096, 100*1024*1024, def.Store.MaxRecordBytes)
	c.Store.KeepRecent = clampInt(c.Store.KeepRecent, 1, 10000, def.Store.KeepRecent)

	// Transport bounds.
	c.Transport.TimeoutMs = clampInt(c.Transport.TimeoutMs, 1000, 120000, def.Transport.TimeoutMs)
	c.Transport.MaxAttempts = clampInt(c.Transport.MaxAttempts, 1, 5, def.Transport.MaxAttempts)
	if c.Transport.Jitter < 0 || c.Transport.Jitter > 1 {
		c.Transport.Jitter = def.Transport.Jitter
	}
	if c.Transport.RatePerSec <= 0 {
		c.Transport.RatePerSec = def.Transport.RatePerSec
	}
	c.Transport.Burst = clampInt(c.Transport.Burst, 1, 100, def.Transport.Burst)

	if c.Transport.Endpoint == "" {
		return ValidationError{Field: "transport.endpoint", Message: "endpoint is required"}
	}
	u, err := url.Parse(c.Transport.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ValidationError{
			Field:   "transport.endpoint",
			Message: fmt.Sprintf("invalid URL %q, must be http(s)", c.Transport.Endpoint),
		}
	}

	// Session bounds. Zero idle timeout is a deliberate "never expire".
	if c.Session.IdleTimeoutSecs < 0 {
		c.Session.IdleTimeoutSecs = def.Session.IdleTimeoutSecs
	}
	if c.Session.IdleTimeoutSecs > 0 {
		c.Session.IdleTimeoutSecs = clampInt(c.Session.IdleTimeoutSecs, 60, 86400, def.Session.IdleTimeoutSecs)
	}
	c.Session.WarningSecs = clampInt(c.Session.WarningSecs, 10, 3600, def.Session.WarningSecs)
	c.Session.AutoSaveIntervalSecs = clampInt(c.Session.AutoSaveIntervalSecs, 1, 3600, def.Session.AutoSaveIntervalSecs)
	if c.Session.UserType == "" {
		c.Session.UserType = def.Session.UserType
	}

	if c.Version == "" {
		c.Version = def.Version
	}
	return nil
}

// clampInt confines v to [lo, hi], substituting def when v is zero.
func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampRatio confines v to (0, 1], substituting def when out of range.
func clampRatio(v, def float64) float64 {
	if v <= 0 || v > 1 {
		return def
	}
	return v
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML path.
func Save(cfg *Config) error {
	path, err := PathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration as TOML.
// SECURITY: Config files are created 0600.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("# sessioncore configuration file\n")
	buf.WriteString("# Edit with care; invalid values are clamped on load.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash.
	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration as JSON.
func SaveJSON(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
