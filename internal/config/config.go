// SPDX-License-Identifier: MPL-2.0

// Package config loads the user-level quarry configuration: registry
// endpoint, auth token, cache location, and transfer tuning. Project
// state (manifest, lockfile) is handled elsewhere; this is only the
// per-user environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quarry-pm/quarry/pkg/contentcache"
)

const (
	// AppName is the application name, used for directory conventions.
	AppName = "quarry"
	// ConfigFileName is the config file name without extension.
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "toml"
	// EnvPrefix namespaces the environment variable overrides, e.g.
	// QUARRY_REGISTRY_URL and QUARRY_AUTH_TOKEN.
	EnvPrefix = "QUARRY"
)

// DefaultRegistryURL is used when no registry is configured anywhere.
const DefaultRegistryURL = "https://registry.quarry.dev"

// configDirOverride lets tests redirect the config directory.
var configDirOverride string

type Config struct {
	// RegistryURL is the default registry; a manifest's own registry
	// field takes precedence per project.
	RegistryURL string `mapstructure:"registry_url"`
	// AuthToken authenticates registry requests when set.
	AuthToken string `mapstructure:"auth_token"`
	// CachePath overrides the content cache location.
	CachePath string `mapstructure:"cache_path"`
	// Workers bounds the install pool.
	Workers int `mapstructure:"workers"`
	// RetryAttempts bounds transfer attempts per request.
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryBackoff is the base delay between attempts.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// Verbose enables debug logging.
	Verbose bool `mapstructure:"verbose"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		RegistryURL:   DefaultRegistryURL,
		Workers:       4,
		RetryAttempts: 3,
		RetryBackoff:  time.Second,
	}
}

// ConfigDir returns the quarry configuration directory using
// platform-specific conventions: Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, Linux and others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// SetConfigDirOverride redirects the config directory, for tests.
// Returns a restore function.
func SetConfigDirOverride(dir string) func() {
	prev := configDirOverride
	configDirOverride = dir
	return func() { configDirOverride = prev }
}

// Load reads the configuration: defaults, then the config file (if
// present), then QUARRY_* environment overrides, highest last.
func Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("registry_url", defaults.RegistryURL)
	v.SetDefault("auth_token", defaults.AuthToken)
	v.SetDefault("cache_path", defaults.CachePath)
	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("retry_attempts", defaults.RetryAttempts)
	v.SetDefault("retry_backoff", defaults.RetryBackoff)
	v.SetDefault("verbose", defaults.Verbose)

	cfgDir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	v.SetConfigName(ConfigFileName)
	v.SetConfigType(ConfigFileExt)
	v.AddConfigPath(cfgDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing config file is fine; defaults and env apply.
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// CacheDir resolves the content cache directory: explicit config value
// first, then the cache package's own environment/default logic.
func (c *Config) CacheDir() (string, error) {
	if c.CachePath != "" {
		return c.CachePath, nil
	}
	return contentcache.DefaultDir()
}

// EnsureConfigDir creates the config directory if it does not exist.
func EnsureConfigDir() error {
	cfgDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(cfgDir, 0o755)
}
