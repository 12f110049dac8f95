// Package config loads Subspace's configuration from
// ~/.subspace/config.yaml (or an explicit path), with SUBSPACE_-prefixed
// environment overrides, following the teacher's section-struct +
// viper + yaml.v3 pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HostConfig configures the Subspace Coordinator / Sandbox Host.
type HostConfig struct {
	WorkspaceRoot string `mapstructure:"workspace_root" yaml:"workspace_root"`
	TemplateDir   string `mapstructure:"template_dir" yaml:"template_dir"`
	MaxCybers     int    `mapstructure:"max_cybers" yaml:"max_cybers"`
}

// SandboxConfig configures per-cyber resource caps.
type SandboxConfig struct {
	CPUQuotaPercent int           `mapstructure:"cpu_quota_percent" yaml:"cpu_quota_percent"`
	MemoryLimitMB   int           `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
	GracePeriod     time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// MemoryConfig configures the default Memory System behavior.
type MemoryConfig struct {
	DefaultTokenBudget int    `mapstructure:"default_token_budget" yaml:"default_token_budget"`
	SelectionStrategy  string `mapstructure:"selection_strategy" yaml:"selection_strategy"`
	ContentCacheTTL    time.Duration `mapstructure:"content_cache_ttl" yaml:"content_cache_ttl"`
}

// BrainConfig configures the Brain Protocol server.
type BrainConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	SignatureCacheSize int       `mapstructure:"signature_cache_size" yaml:"signature_cache_size"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// LoggingConfig configures the logging facade.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// Config is the root configuration tree.
type Config struct {
	Host    HostConfig    `mapstructure:"host" yaml:"host"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	Memory  MemoryConfig  `mapstructure:"memory" yaml:"memory"`
	Brain   BrainConfig   `mapstructure:"brain" yaml:"brain"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

const envPrefix = "SUBSPACE"

// DefaultPath returns ~/.subspace/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".subspace", "config.yaml")
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Host: HostConfig{
			WorkspaceRoot: filepath.Join(home, ".subspace", "workspace"),
			TemplateDir:   filepath.Join(home, ".subspace", "templates"),
			MaxCybers:     32,
		},
		Sandbox: SandboxConfig{
			CPUQuotaPercent: 50,
			MemoryLimitMB:   512,
			GracePeriod:     10 * time.Second,
			PollInterval:    1 * time.Second,
		},
		Memory: MemoryConfig{
			DefaultTokenBudget: 8000,
			SelectionStrategy:  "balanced",
			ContentCacheTTL:    5 * time.Minute,
		},
		Brain: BrainConfig{
			RequestTimeout:     60 * time.Second,
			SignatureCacheSize: 256,
			MaxRetries:         3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load reads the configuration from DefaultPath(), falling back to
// Default() when the file does not exist.
func Load() (*Config, error) {
	path := DefaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from an explicit file path, merging
// over Default() and applying SUBSPACE_-prefixed environment overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("host.workspace_root", cfg.Host.WorkspaceRoot)
	v.SetDefault("host.template_dir", cfg.Host.TemplateDir)
	v.SetDefault("host.max_cybers", cfg.Host.MaxCybers)
	v.SetDefault("sandbox.cpu_quota_percent", cfg.Sandbox.CPUQuotaPercent)
	v.SetDefault("sandbox.memory_limit_mb", cfg.Sandbox.MemoryLimitMB)
	v.SetDefault("sandbox.grace_period", cfg.Sandbox.GracePeriod)
	v.SetDefault("sandbox.poll_interval", cfg.Sandbox.PollInterval)
	v.SetDefault("memory.default_token_budget", cfg.Memory.DefaultTokenBudget)
	v.SetDefault("memory.selection_strategy", cfg.Memory.SelectionStrategy)
	v.SetDefault("memory.content_cache_ttl", cfg.Memory.ContentCacheTTL)
	v.SetDefault("brain.request_timeout", cfg.Brain.RequestTimeout)
	v.SetDefault("brain.signature_cache_size", cfg.Brain.SignatureCacheSize)
	v.SetDefault("brain.max_retries", cfg.Brain.MaxRetries)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.Host.WorkspaceRoot == "" {
		return fmt.Errorf("config: host.workspace_root must not be empty")
	}
	if c.Host.MaxCybers <= 0 {
		return fmt.Errorf("config: host.max_cybers must be positive")
	}
	switch c.Memory.SelectionStrategy {
	case "balanced", "recent", "relevant":
	default:
		return fmt.Errorf("config: memory.selection_strategy %q is not one of balanced|recent|relevant", c.Memory.SelectionStrategy)
	}
	if c.Memory.DefaultTokenBudget <= 0 {
		return fmt.Errorf("config: memory.default_token_budget must be positive")
	}
	if c.Sandbox.CPUQuotaPercent <= 0 || c.Sandbox.CPUQuotaPercent > 100 {
		return fmt.Errorf("config: sandbox.cpu_quota_percent must be in (0,100]")
	}
	return nil
}

// EnsureDirectories creates the workspace root and template dir if
// missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Host.WorkspaceRoot, c.Host.TemplateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure dir %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes the configuration back to path as YAML via viper.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("host", c.Host)
	v.Set("sandbox", c.Sandbox)
	v.Set("memory", c.Memory)
	v.Set("brain", c.Brain)
	v.Set("logging", c.Logging)
	return v.WriteConfigAs(path)
}
