// Package config handles configuration loading for adev. It supports XDG
// config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for adev.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Git       GitConfig       `mapstructure:"git"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	TUI       TUIConfig       `mapstructure:"tui"`
	Debug     bool            `mapstructure:"debug"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// GitConfig holds repository settings.
type GitConfig struct {
	// BaseBranch is the branch final pull requests target.
	BaseBranch string `mapstructure:"base_branch"`
	// RepoPath is the local checkout adev operates on. Defaults to the
	// current directory.
	RepoPath string `mapstructure:"repo_path"`
}

// WorkerConfig holds execution worker settings.
type WorkerConfig struct {
	// Command is the agent command invoked per task.
	Command string `mapstructure:"command"`
	// CallbackDir is where workers drop result files.
	CallbackDir string `mapstructure:"callback_dir"`
	// Timeout bounds a single task execution.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Path is the SQLite database file. Empty means the default under
	// the user data directory.
	Path string `mapstructure:"path"`
}

// TUIConfig holds watch-view display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.adev.yaml in current directory or a parent)
// 3. User config (~/.config/adev/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.aws_region", "AWS_REGION")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// DatabasePath returns the SQLite file to open, resolving the default
// location when none is configured.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "adev", "adev.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".adev", "adev.db")
	}
	return filepath.Join(home, ".local", "share", "adev", "adev.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_aws_bedrock", false)

	v.SetDefault("git.base_branch", "main")
	v.SetDefault("git.repo_path", ".")

	v.SetDefault("worker.command", "claude")
	v.SetDefault("worker.callback_dir", ".adev/callbacks")
	v.SetDefault("worker.timeout", "30m")

	v.SetDefault("server.addr", "127.0.0.1:7420")

	v.SetDefault("tui.refresh_rate", "500ms")
	v.SetDefault("debug", false)
}

// getUserConfigDir returns the XDG config directory for adev.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "adev")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "adev")
	}
	return filepath.Join(home, ".config", "adev")
}

// findProjectConfig searches for .adev.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".adev.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Git: GitConfig{
			BaseBranch: "main",
			RepoPath:   ".",
		},
		Worker: WorkerConfig{
			Command:     "claude",
			CallbackDir: ".adev/callbacks",
			Timeout:     30 * time.Minute,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		TUI: TUIConfig{
			RefreshRate: 500 * time.Millisecond,
		},
	}
}
