// Package config provides configuration loading for leanserve.
//
// Configuration is read from a TOML file and then overridden by LEANSERVE_*
// environment variables. The REPL executable path, working directory, and
// toolchain version are provisioning outputs: leanserve consumes them as
// opaque values and never computes them itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by New and Load.
const (
	DefaultStartupTimeout     = 30 * time.Second
	DefaultSendTimeout        = 5 * time.Minute
	DefaultMaxTotalMemory     = 0.8
	DefaultMaxProcessMemory   = 0.8
	DefaultMaxRestartAttempts = 5
	DefaultCacheStrategy      = "pickle"
)

// Duration is a time.Duration that also decodes from TOML strings such as
// "90s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds everything the supervisor and workspace layers need.
type Config struct {
	// ReplPath is the ready-to-run REPL executable.
	ReplPath string `toml:"repl_path"`

	// ReplArgs are extra arguments passed to the REPL executable.
	ReplArgs []string `toml:"repl_args"`

	// WorkDir is the workspace root: the directory holding the Lean
	// project the REPL operates on.
	WorkDir string `toml:"work_dir"`

	// ToolchainVersion is the resolved Lean toolchain, informational only.
	ToolchainVersion string `toml:"toolchain_version"`

	// StartupTimeout bounds subprocess startup.
	StartupTimeout Duration `toml:"startup_timeout"`

	// SendTimeout is the default per-request budget. Zero means no limit.
	SendTimeout Duration `toml:"send_timeout"`

	// MemoryHardLimitMB clamps the subprocess address space. Zero disables.
	MemoryHardLimitMB int `toml:"memory_hard_limit_mb"`

	// MaxTotalMemory is the machine-wide memory fraction above which the
	// automatic supervisor restarts its subprocess.
	MaxTotalMemory float64 `toml:"max_total_memory"`

	// MaxProcessMemory is the fraction of MemoryHardLimitMB the subprocess
	// tree may use before a restart. Ignored without a hard limit.
	MaxProcessMemory float64 `toml:"max_process_memory"`

	// MaxRestartAttempts bounds consecutive memory-triggered restarts.
	MaxRestartAttempts int `toml:"max_restart_attempts"`

	// CacheStrategy selects session reconstruction: "replay" or "pickle".
	CacheStrategy string `toml:"cache_strategy"`

	// EagerRematerialize re-creates every cached session immediately after
	// a restart instead of on first use.
	EagerRematerialize bool `toml:"eager_rematerialize"`

	// TrackDependencies enables dependency-aware selective restarts. When
	// off (or when no graph artifact exists) any change restarts all units.
	TrackDependencies bool `toml:"track_dependencies"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// New returns a Config with defaults filled in.
func New() *Config {
	return &Config{
		StartupTimeout:     Duration{DefaultStartupTimeout},
		SendTimeout:        Duration{DefaultSendTimeout},
		MaxTotalMemory:     DefaultMaxTotalMemory,
		MaxProcessMemory:   DefaultMaxProcessMemory,
		MaxRestartAttempts: DefaultMaxRestartAttempts,
		CacheStrategy:      DefaultCacheStrategy,
		TrackDependencies:  true,
		LogLevel:           "info",
	}
}

// Load reads the TOML file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LEANSERVE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LEANSERVE_REPL_PATH"); v != "" {
		c.ReplPath = v
	}
	if v := os.Getenv("LEANSERVE_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("LEANSERVE_CACHE_STRATEGY"); v != "" {
		c.CacheStrategy = v
	}
	if v := os.Getenv("LEANSERVE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LEANSERVE_SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SendTimeout = Duration{d}
		}
	}
	if v := os.Getenv("LEANSERVE_MAX_RESTART_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRestartAttempts = n
		}
	}
	if v := os.Getenv("LEANSERVE_MAX_TOTAL_MEMORY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MaxTotalMemory = f
		}
	}
}

// Validate checks the fields that have constrained domains.
func (c *Config) Validate() error {
	if c.CacheStrategy != "replay" && c.CacheStrategy != "pickle" {
		return fmt.Errorf("config: unknown cache strategy %q (want replay or pickle)", c.CacheStrategy)
	}
	if c.MaxTotalMemory < 0 || c.MaxTotalMemory > 1 {
		return fmt.Errorf("config: max_total_memory %v outside [0,1]", c.MaxTotalMemory)
	}
	if c.MaxProcessMemory < 0 || c.MaxProcessMemory > 1 {
		return fmt.Errorf("config: max_process_memory %v outside [0,1]", c.MaxProcessMemory)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("config: max_restart_attempts must be non-negative")
	}
	return nil
}

// ResolveToolchain fills ToolchainVersion from the project's lean-toolchain
// file when unset. Missing files are not an error: the field stays empty.
func (c *Config) ResolveToolchain() {
	if c.ToolchainVersion != "" || c.WorkDir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(c.WorkDir, "lean-toolchain"))
	if err != nil {
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}
	// Format is "origin:version"; keep the version part.
	if i := strings.LastIndex(content, ":"); i >= 0 {
		content = content[i+1:]
	}
	c.ToolchainVersion = content
}
