package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cola-io/codex-acp/internal/common/logger"
)

// DefaultProviderID is the engine's built-in provider. Any other provider
// id is a custom provider.
const DefaultProviderID = "openai"

// CodexConfig is the subset of the engine's config.toml the bridge reads.
type CodexConfig struct {
	Model                string                   `mapstructure:"model"`
	ModelProvider        string                   `mapstructure:"model_provider"`
	ModelProviders       map[string]ModelProvider `mapstructure:"model_providers"`
	Profiles             map[string]Profile       `mapstructure:"profiles"`
	ApprovalPolicy       string                   `mapstructure:"approval_policy"`
	SandboxMode          string                   `mapstructure:"sandbox_mode"`
	ModelReasoningEffort string                   `mapstructure:"model_reasoning_effort"`
}

// ModelProvider describes one entry under [model_providers].
type ModelProvider struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	EnvKey  string `mapstructure:"env_key"`
	WireAPI string `mapstructure:"wire_api"`
}

// Profile describes one entry under [profiles].
type Profile struct {
	Model                string `mapstructure:"model"`
	ModelProvider        string `mapstructure:"model_provider"`
	ModelReasoningEffort string `mapstructure:"model_reasoning_effort"`
}

// IsCustomProvider reports whether the active provider is not the default.
func (c *CodexConfig) IsCustomProvider() bool {
	return c.ModelProvider != DefaultProviderID
}

// Provider returns the active provider entry.
func (c *CodexConfig) Provider() (ModelProvider, bool) {
	p, ok := c.ModelProviders[c.ModelProvider]
	return p, ok
}

// ProviderDisplayName returns the provider's configured name, or its id.
func (c *CodexConfig) ProviderDisplayName(id string) string {
	if p, ok := c.ModelProviders[id]; ok && p.Name != "" {
		return p.Name
	}
	return id
}

// ProfileNames returns profile names in a stable order.
func (c *CodexConfig) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func setCodexDefaults(v *viper.Viper) {
	v.SetDefault("model", "gpt-5-codex")
	v.SetDefault("model_provider", DefaultProviderID)
	v.SetDefault("approval_policy", "on-request")
	v.SetDefault("sandbox_mode", "workspace-write")
	v.SetDefault("model_reasoning_effort", "medium")
}

func withBuiltinProviders(cfg *CodexConfig) {
	if cfg.ModelProviders == nil {
		cfg.ModelProviders = map[string]ModelProvider{}
	}
	if _, ok := cfg.ModelProviders[DefaultProviderID]; !ok {
		cfg.ModelProviders[DefaultProviderID] = ModelProvider{Name: "OpenAI", EnvKey: "OPENAI_API_KEY"}
	}
	if _, ok := cfg.ModelProviders["oss"]; !ok {
		cfg.ModelProviders["oss"] = ModelProvider{Name: "gpt-oss", BaseURL: "http://localhost:11434/v1"}
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
}

func validateCodex(cfg *CodexConfig) error {
	var errs []error
	if _, ok := cfg.ModelProviders[cfg.ModelProvider]; !ok {
		errs = append(errs, fmt.Errorf("model_provider %q is not defined in model_providers", cfg.ModelProvider))
	}
	switch cfg.SandboxMode {
	case "read-only", "workspace-write", "danger-full-access":
	default:
		errs = append(errs, fmt.Errorf("sandbox_mode %q is not supported", cfg.SandboxMode))
	}
	switch cfg.ApprovalPolicy {
	case "untrusted", "on-failure", "on-request", "never":
	default:
		errs = append(errs, fmt.Errorf("approval_policy %q is not supported", cfg.ApprovalPolicy))
	}
	return errors.Join(errs...)
}

func newCodexViper(codexHome string) *viper.Viper {
	v := viper.New()
	setCodexDefaults(v)
	v.SetConfigFile(filepath.Join(codexHome, "config.toml"))
	v.SetConfigType("toml")
	return v
}

func readCodex(v *viper.Viper) (*CodexConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) || !os.IsNotExist(pathErr) {
			return nil, fmt.Errorf("error reading engine config: %w", err)
		}
	}

	var cfg CodexConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling engine config: %w", err)
	}
	withBuiltinProviders(&cfg)

	if err := validateCodex(&cfg); err != nil {
		return nil, fmt.Errorf("engine config validation failed: %w", err)
	}
	return &cfg, nil
}

// CodexSource serves the latest engine config and reloads it when the file
// changes. Sessions snapshot Current() when they are created.
type CodexSource struct {
	v      *viper.Viper
	logger *logger.Logger

	mu      sync.RWMutex
	current *CodexConfig
}

// NewCodexSource loads $CODEX_HOME/config.toml once. A missing file yields
// defaults.
func NewCodexSource(codexHome string, log *logger.Logger) (*CodexSource, error) {
	v := newCodexViper(codexHome)
	cfg, err := readCodex(v)
	if err != nil {
		return nil, err
	}
	return &CodexSource{
		v:       v,
		logger:  log.WithFields(zap.String("component", "codex-config")),
		current: cfg,
	}, nil
}

// StaticCodexSource wraps a fixed config. Used by tests and when watching is off.
func StaticCodexSource(cfg *CodexConfig) *CodexSource {
	withBuiltinProviders(cfg)
	return &CodexSource{current: cfg, logger: logger.Nop()}
}

// Current returns the active config. Callers must not modify it.
func (s *CodexSource) Current() *CodexConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch starts reloading the config file on change. Invalid edits are
// logged and the previous config stays active.
func (s *CodexSource) Watch() {
	if s.v == nil {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.reload(e.Name)
	})
	s.v.WatchConfig()
}

func (s *CodexSource) reload(name string) {
	var cfg CodexConfig
	if err := s.v.Unmarshal(&cfg); err != nil {
		s.logger.Warn("ignoring engine config change", zap.String("file", name), zap.Error(err))
		return
	}
	withBuiltinProviders(&cfg)
	if err := validateCodex(&cfg); err != nil {
		s.logger.Warn("ignoring invalid engine config", zap.String("file", name), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.current = &cfg
	s.mu.Unlock()

	s.logger.Info("engine config reloaded",
		zap.String("file", name),
		zap.String("model", cfg.Model),
		zap.String("model_provider", cfg.ModelProvider))
}
