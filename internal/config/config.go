// Package config provides configuration management for bankd.
package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a setting is absent or zero.
const (
	DefaultServerPort       = 37700
	DefaultTimeoutMs        = 30000
	DefaultForceKillGraceMs = 5000
	DefaultMaxConcurrent    = 5
	DefaultMaxAttempts      = 3
	DefaultBaseDelayMs      = 1000
	DefaultMaxCheckpoints   = 100
	DefaultMaxSizeBytes     = 10 * 1024 * 1024
	DefaultMaxRewindHistory = 50
	DefaultMaxSessions      = 100
)

// DefaultArtifacts is the memory-bank file set tracked when no manifest
// overrides it.
var DefaultArtifacts = []string{
	"tasks.md",
	"progress.md",
	"activeContext.md",
	"projectbrief.md",
}

// ExecutorConfig configures foreground command execution.
type ExecutorConfig struct {
	DefaultTimeoutMs int  `json:"defaultTimeoutMs"`
	ForceKillGraceMs int  `json:"forceKillGraceMs"`
	VerboseLogging   bool `json:"verboseLogging"`
}

// DefaultTimeout returns the configured default command timeout.
func (e *ExecutorConfig) DefaultTimeout() time.Duration {
	return time.Duration(e.DefaultTimeoutMs) * time.Millisecond
}

// ForceKillGrace returns the grace window between SIGTERM and SIGKILL.
func (e *ExecutorConfig) ForceKillGrace() time.Duration {
	return time.Duration(e.ForceKillGraceMs) * time.Millisecond
}

// BackgroundConfig configures background execution and auto-recovery.
type BackgroundConfig struct {
	MaxConcurrent int  `json:"maxConcurrent"`
	AutoRecovery  bool `json:"autoRecovery"`
	MaxAttempts   int  `json:"maxAttempts"`
	BaseDelayMs   int  `json:"baseDelayMs"`
}

// TriggerConfig selects which events create automatic checkpoints.
type TriggerConfig struct {
	OnCommand    bool `json:"onCommand"`
	OnModeSwitch bool `json:"onModeSwitch"`
	OnFileChange bool `json:"onFileChange"`
	IntervalSec  int  `json:"intervalSec"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	Enabled        bool          `json:"enabled"`
	Dir            string        `json:"dir"`
	MaxCheckpoints int           `json:"maxCheckpoints"`
	MaxSizeBytes   int64         `json:"maxSizeBytes"`
	AutoTriggers   TriggerConfig `json:"autoTriggers"`
	Compression    bool          `json:"compression"`
	EncryptionKey  string        `json:"encryptionKey"` // hex, optional
}

// RewindConfig configures the rewind engine.
type RewindConfig struct {
	Enabled    bool `json:"enabled"`
	Backups    bool `json:"backups"`
	MaxHistory int  `json:"maxHistory"`
}

// SessionConfig configures session tracking.
type SessionConfig struct {
	Dir         string `json:"dir"`
	AutoPersist bool   `json:"autoPersist"`
	MaxHistory  int    `json:"maxHistory"`
}

// ServerConfig configures the localhost HTTP surface.
type ServerConfig struct {
	Port int `json:"port"`
}

// Config is the full bankd configuration. Unknown keys in the settings file
// are ignored rather than rejected.
type Config struct {
	Executor    ExecutorConfig   `json:"executor"`
	Background  BackgroundConfig `json:"background"`
	Checkpoints CheckpointConfig `json:"checkpoints"`
	Rewind      RewindConfig     `json:"rewind"`
	Sessions    SessionConfig    `json:"sessions"`
	Server      ServerConfig     `json:"server"`
}

// ArtifactManifest is the externally supplied list of monitored artifacts.
type ArtifactManifest struct {
	Root      string   `yaml:"root"`
	Artifacts []string `yaml:"artifacts"`
}

var (
	loaded   *Config
	loadOnce sync.Once
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			DefaultTimeoutMs: DefaultTimeoutMs,
			ForceKillGraceMs: DefaultForceKillGraceMs,
		},
		Background: BackgroundConfig{
			MaxConcurrent: DefaultMaxConcurrent,
			AutoRecovery:  true,
			MaxAttempts:   DefaultMaxAttempts,
			BaseDelayMs:   DefaultBaseDelayMs,
		},
		Checkpoints: CheckpointConfig{
			Enabled:        true,
			Dir:            filepath.Join(DataDir(), "checkpoints"),
			MaxCheckpoints: DefaultMaxCheckpoints,
			MaxSizeBytes:   DefaultMaxSizeBytes,
			AutoTriggers: TriggerConfig{
				OnCommand:    true,
				OnModeSwitch: true,
			},
		},
		Rewind: RewindConfig{
			Enabled:    true,
			Backups:    true,
			MaxHistory: DefaultMaxRewindHistory,
		},
		Sessions: SessionConfig{
			Dir:         filepath.Join(DataDir(), "sessions"),
			AutoPersist: true,
			MaxHistory:  DefaultMaxSessions,
		},
		Server: ServerConfig{
			Port: DefaultServerPort,
		},
	}
}

// DataDir returns the bankd data directory (~/.bankd).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".bankd")
}

// SettingsPath returns the path to the settings file.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// ManifestPath returns the path to the artifact manifest.
func ManifestPath() string {
	return filepath.Join(DataDir(), "artifacts.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureAll initializes the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file, overlaying it on the defaults. A missing or
// malformed file yields the defaults without error.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return Default(), nil
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	loadOnce.Do(func() {
		loaded, _ = Load()
	})
	return loaded
}

// applyDefaults backfills zero values left by a partial settings file.
func (c *Config) applyDefaults() {
	if c.Executor.DefaultTimeoutMs <= 0 {
		c.Executor.DefaultTimeoutMs = DefaultTimeoutMs
	}
	if c.Executor.ForceKillGraceMs <= 0 {
		c.Executor.ForceKillGraceMs = DefaultForceKillGraceMs
	}
	if c.Background.MaxConcurrent <= 0 {
		c.Background.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Background.MaxAttempts <= 0 {
		c.Background.MaxAttempts = DefaultMaxAttempts
	}
	if c.Background.BaseDelayMs <= 0 {
		c.Background.BaseDelayMs = DefaultBaseDelayMs
	}
	if c.Checkpoints.Dir == "" {
		c.Checkpoints.Dir = filepath.Join(DataDir(), "checkpoints")
	}
	if c.Checkpoints.MaxCheckpoints <= 0 {
		c.Checkpoints.MaxCheckpoints = DefaultMaxCheckpoints
	}
	if c.Checkpoints.MaxSizeBytes <= 0 {
		c.Checkpoints.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if c.Rewind.MaxHistory <= 0 {
		c.Rewind.MaxHistory = DefaultMaxRewindHistory
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(DataDir(), "sessions")
	}
	if c.Sessions.MaxHistory <= 0 {
		c.Sessions.MaxHistory = DefaultMaxSessions
	}
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
}

// DefaultTimeout returns the configured default command timeout.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Executor.DefaultTimeoutMs) * time.Millisecond
}

// ForceKillGrace returns the grace window between SIGTERM and SIGKILL.
func (c *Config) ForceKillGrace() time.Duration {
	return time.Duration(c.Executor.ForceKillGraceMs) * time.Millisecond
}

// LoadManifest reads the artifact manifest. A missing file yields the
// default memory-bank artifact set rooted at root.
func LoadManifest(root string) (*ArtifactManifest, error) {
	m := &ArtifactManifest{Root: root, Artifacts: DefaultArtifacts}

	data, err := os.ReadFile(ManifestPath())
	if err != nil {
		return m, nil
	}
	var parsed ArtifactManifest
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if parsed.Root != "" {
		m.Root = parsed.Root
	}
	if len(parsed.Artifacts) > 0 {
		m.Artifacts = parsed.Artifacts
	}
	return m, nil
}

// Paths returns the absolute paths of all monitored artifacts.
func (m *ArtifactManifest) Paths() []string {
	paths := make([]string, len(m.Artifacts))
	for i, a := range m.Artifacts {
		if filepath.IsAbs(a) {
			paths[i] = a
			continue
		}
		paths[i] = filepath.Join(m.Root, a)
	}
	return paths
}
