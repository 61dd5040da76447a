// Package config provides configuration management for codex-acp.
// Bridge settings come from CODEX_ACP_* environment variables, an optional
// codex-acp.yaml and defaults; engine settings come from the engine's own
// config.toml (see codex.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge process.
type Config struct {
	CodexHome string         `mapstructure:"codex_home"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Engine    EngineConfig   `mapstructure:"engine"`
	FSBridge  FSBridgeConfig `mapstructure:"fs_bridge"`
	Tracing   TracingConfig  `mapstructure:"tracing"`
	Notify    NotifyConfig   `mapstructure:"notify"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// EngineConfig describes how conversation engine processes are spawned.
type EngineConfig struct {
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	EventBuffer int      `mapstructure:"event_buffer"`
	// StopTimeoutSeconds bounds the wait for a shut down engine to exit.
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds"`
}

// FSBridgeConfig configures the filesystem bridge MCP server.
type FSBridgeConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addr      string   `mapstructure:"addr"`
	DenyWrite []string `mapstructure:"deny_write"`
}

// TracingConfig configures OpenTelemetry. The exporter endpoint itself is
// read from OTEL_EXPORTER_OTLP_ENDPOINT.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// NotifyConfig configures the notification delivery path.
type NotifyConfig struct {
	Buffer int `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("codex_home", DefaultCodexHome())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("engine.command", "codex")
	v.SetDefault("engine.args", []string{"proto"})
	v.SetDefault("engine.event_buffer", 256)
	v.SetDefault("engine.stop_timeout_seconds", 5)

	v.SetDefault("fs_bridge.enabled", true)
	v.SetDefault("fs_bridge.addr", "127.0.0.1:0")
	v.SetDefault("fs_bridge.deny_write", []string{"**/.git/**"})

	v.SetDefault("tracing.service_name", "codex-acp")

	v.SetDefault("notify.buffer", 64)
}

// DefaultCodexHome returns $CODEX_HOME, falling back to ~/.codex.
func DefaultCodexHome() string {
	if home := os.Getenv("CODEX_HOME"); home != "" {
		return home
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".codex")
	}
	return ".codex"
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath first for
// codex-acp.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEX_ACP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("codex_home", "CODEX_HOME")

	v.SetConfigName("codex-acp")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(v.GetString("codex_home"))
	v.AddConfigPath(".")

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

func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if cfg.Logging.OutputPath == "stdout" {
		errs = append(errs, "logging.output_path cannot be stdout; it carries the ACP connection")
	}

	if strings.TrimSpace(cfg.Engine.Command) == "" {
		errs = append(errs, "engine.command is required")
	}
	if cfg.Engine.EventBuffer <= 0 {
		errs = append(errs, "engine.event_buffer must be positive")
	}
	if cfg.Engine.StopTimeoutSeconds <= 0 {
		errs = append(errs, "engine.stop_timeout_seconds must be positive")
	}

	if cfg.FSBridge.Enabled && cfg.FSBridge.Addr == "" {
		errs = append(errs, "fs_bridge.addr is required when fs_bridge.enabled is set")
	}
	for _, pattern := range cfg.FSBridge.DenyWrite {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Sprintf("fs_bridge.deny_write: invalid pattern %q", pattern))
		}
	}

	if cfg.Notify.Buffer < 0 {
		errs = append(errs, "notify.buffer must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
