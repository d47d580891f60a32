package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: CONVOY_AGENT_MODEL sets
// agent.model.
const EnvPrefix = "CONVOY"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultPath is ~/.convoy/convoy.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".convoy", "convoy.json")
	}
	return filepath.Join(home, ".convoy", "convoy.json")
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultPath()
}

// Load layers defaults, the config file (when present) and CONVOY_
// environment variables, then fills derived paths.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	// Seeding viper with the defaults makes every key known, so nested
	// environment overrides apply even when the file omits them.
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := l.GetConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyProviderEnv(cfg)
	if err := fillPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProviderEnv adds profiles from the providers' conventional
// variables when the file configures none.
func applyProviderEnv(cfg *Config) {
	if len(cfg.Providers) > 0 {
		return
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderProfile{ID: "anthropic", Provider: "anthropic", APIKey: key})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderProfile{ID: "openai", Provider: "openai", APIKey: key, Priority: 1})
	}
}

func fillPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".convoy")
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "convoy.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.jsonl")
	}
	return nil
}

// Save writes cfg to the loader's path, creating the directory.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("agent", cfg.Agent)
	v.Set("providers", cfg.Providers)
	v.Set("sessions", cfg.Sessions)
	v.Set("confirmation", cfg.Confirmation)
	v.Set("channels", cfg.Channels)
	v.Set("tools", cfg.Tools)
	v.Set("metrics", cfg.Metrics)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// The file holds API keys.
	if err := os.Chmod(configPath, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
