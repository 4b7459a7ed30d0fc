// Package config provides configuration management for the Ralph runner.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runner.
type Config struct {
	Runner  RunnerConfig  `mapstructure:"runner"`
	Store   StoreConfig   `mapstructure:"store"`
	Health  HealthConfig  `mapstructure:"health"`
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RunnerConfig holds scheduler configuration.
type RunnerConfig struct {
	PollIntervalMs   int `mapstructure:"pollIntervalMs"`   // poll tick interval
	MaxConcurrency   int `mapstructure:"maxConcurrency"`   // 0 or negative: auto from stored RunnerConfig
	MaxRetries       int `mapstructure:"maxRetries"`       // launch attempts before terminal failure
	LaunchTimeoutMs  int `mapstructure:"launchTimeoutMs"`  // starting -> ready sweep age
	StartupTimeoutMs int `mapstructure:"startupTimeoutMs"` // running with no confirmed activity
	StartupWindowMs  int `mapstructure:"startupWindowMs"`  // launcher-side PID settle window
	DrainGraceMs     int `mapstructure:"drainGraceMs"`     // shutdown wait for in-flight launches

	MaxRecoveryAttempts int  `mapstructure:"maxRecoveryAttempts"`
	AutoRecovery        bool `mapstructure:"autoRecovery"`

	// Memory-derived concurrency: floor(max(0, freeGB - reservedGB) / perAgentGB).
	MemoryReservedGB float64 `mapstructure:"memoryReservedGB"`
	MemoryPerAgentGB float64 `mapstructure:"memoryPerAgentGB"`

	AgentCommand string   `mapstructure:"agentCommand"` // executable launched per execution
	AgentArgs    []string `mapstructure:"agentArgs"`
}

// StoreConfig holds state-store configuration.
type StoreConfig struct {
	DataDir         string `mapstructure:"dataDir"`         // overridden by RALPH_DATA_DIR
	LockStaleMs     int    `mapstructure:"lockStaleMs"`     // lock older than this is reclaimable
	LockRefreshMs   int    `mapstructure:"lockRefreshMs"`   // held-lock refresh cadence
	BackupRetention int    `mapstructure:"backupRetention"` // newest N backups kept
}

// HealthConfig holds health-monitor thresholds.
type HealthConfig struct {
	ActiveThresholdMs int `mapstructure:"activeThresholdMs"` // below: active
	AtRiskThresholdMs int `mapstructure:"atRiskThresholdMs"` // below: idle
	StaleThresholdMs  int `mapstructure:"staleThresholdMs"`  // below: at_risk

	// Adaptive stale timeouts per task type, in minutes.
	ImplementingTimeoutMin int `mapstructure:"implementingTimeoutMin"`
	BuildingTimeoutMin     int `mapstructure:"buildingTimeoutMin"`
	TestingTimeoutMin      int `mapstructure:"testingTimeoutMin"`
	VerifyingTimeoutMin    int `mapstructure:"verifyingTimeoutMin"`
	UnknownTimeoutMin      int `mapstructure:"unknownTimeoutMin"`

	WorktreeScanLimit int `mapstructure:"worktreeScanLimit"` // bounded mtime sample
	LogTailBytes      int `mapstructure:"logTailBytes"`      // bounded transcript read
}

// ServerConfig holds the operator status API configuration.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds event-bus configuration. Empty URL means in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollInterval returns the poll tick interval as a time.Duration.
func (r *RunnerConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// LaunchTimeout returns the launch timeout as a time.Duration.
func (r *RunnerConfig) LaunchTimeout() time.Duration {
	return time.Duration(r.LaunchTimeoutMs) * time.Millisecond
}

// StartupTimeout returns the startup-confirmation timeout as a time.Duration.
func (r *RunnerConfig) StartupTimeout() time.Duration {
	return time.Duration(r.StartupTimeoutMs) * time.Millisecond
}

// StartupWindow returns the launcher PID settle window as a time.Duration.
func (r *RunnerConfig) StartupWindow() time.Duration {
	return time.Duration(r.StartupWindowMs) * time.Millisecond
}

// DrainGrace returns the shutdown drain grace as a time.Duration.
func (r *RunnerConfig) DrainGrace() time.Duration {
	return time.Duration(r.DrainGraceMs) * time.Millisecond
}

// LockStale returns the lock staleness threshold as a time.Duration.
func (s *StoreConfig) LockStale() time.Duration {
	return time.Duration(s.LockStaleMs) * time.Millisecond
}

// LockRefresh returns the lock refresh cadence as a time.Duration.
func (s *StoreConfig) LockRefresh() time.Duration {
	return time.Duration(s.LockRefreshMs) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Runner defaults
	v.SetDefault("runner.pollIntervalMs", 5000)
	v.SetDefault("runner.maxConcurrency", 0) // auto from stored RunnerConfig
	v.SetDefault("runner.maxRetries", 3)
	v.SetDefault("runner.launchTimeoutMs", 60000)
	v.SetDefault("runner.startupTimeoutMs", 120000)
	v.SetDefault("runner.startupWindowMs", 30000)
	v.SetDefault("runner.drainGraceMs", 10000)
	v.SetDefault("runner.maxRecoveryAttempts", 3)
	v.SetDefault("runner.autoRecovery", true)
	v.SetDefault("runner.memoryReservedGB", 2.0)
	v.SetDefault("runner.memoryPerAgentGB", 0.8)
	v.SetDefault("runner.agentCommand", "ralph-agent")
	v.SetDefault("runner.agentArgs", []string{})

	// Store defaults
	v.SetDefault("store.dataDir", defaultDataDir())
	v.SetDefault("store.lockStaleMs", 30000)
	v.SetDefault("store.lockRefreshMs", 5000)
	v.SetDefault("store.backupRetention", 10)

	// Health defaults
	v.SetDefault("health.activeThresholdMs", 30000)
	v.SetDefault("health.atRiskThresholdMs", 300000)
	v.SetDefault("health.staleThresholdMs", 900000)
	v.SetDefault("health.implementingTimeoutMin", 30)
	v.SetDefault("health.buildingTimeoutMin", 60)
	v.SetDefault("health.testingTimeoutMin", 60)
	v.SetDefault("health.verifyingTimeoutMin", 60)
	v.SetDefault("health.unknownTimeoutMin", 20)
	v.SetDefault("health.worktreeScanLimit", 200)
	v.SetDefault("health.logTailBytes", 64*1024)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7180)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ralph-runner")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RALPH_ with snake_case naming.
// Config file should be named ralph.yaml and placed in the current directory
// or /etc/ralph/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("store.dataDir", "RALPH_DATA_DIR")
	_ = v.BindEnv("runner.maxConcurrency", "RALPH_RUNNER_MAX_CONCURRENCY")
	_ = v.BindEnv("runner.agentCommand", "RALPH_RUNNER_AGENT_COMMAND")
	_ = v.BindEnv("nats.url", "RALPH_NATS_URL")

	v.SetConfigName("ralph")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ralph/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Runner.PollIntervalMs <= 0 {
		errs = append(errs, "runner.pollIntervalMs must be positive")
	}
	if cfg.Runner.MaxRetries < 0 {
		errs = append(errs, "runner.maxRetries must not be negative")
	}
	if cfg.Runner.LaunchTimeoutMs <= 0 {
		errs = append(errs, "runner.launchTimeoutMs must be positive")
	}
	if cfg.Runner.MemoryPerAgentGB <= 0 {
		errs = append(errs, "runner.memoryPerAgentGB must be positive")
	}

	if cfg.Store.DataDir == "" {
		errs = append(errs, "store.dataDir is required")
	}
	if cfg.Store.LockStaleMs <= cfg.Store.LockRefreshMs {
		errs = append(errs, "store.lockStaleMs must exceed store.lockRefreshMs")
	}

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// defaultDataDir returns the default location of the state store.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ralph"
	}
	return filepath.Join(home, ".ralph")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("RALPH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
