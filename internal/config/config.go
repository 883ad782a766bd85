// Package config handles configuration loading and management for pushpals.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pushpals daemons.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Merge  MergeConfig  `mapstructure:"merge"`
	Worker WorkerConfig `mapstructure:"worker"`
}

// ServerConfig holds hub server settings.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen"`
	// DataDir overrides the default state directory.
	DataDir string `mapstructure:"data_dir"`
	// AuthToken enables bearer auth when set.
	AuthToken string `mapstructure:"auth_token"`
	// RecoverInterval is the gap between stale-claim sweeps.
	RecoverInterval time.Duration `mapstructure:"recover_interval"`
	// WorkerTTL is the heartbeat window before a worker counts offline.
	WorkerTTL time.Duration `mapstructure:"worker_ttl"`
}

// ClientConfig holds settings for daemons that talk to the hub server.
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	AuthToken string `mapstructure:"auth_token"`
	// PollMs is the claim-poll interval in milliseconds.
	PollMs int `mapstructure:"poll_ms"`
}

// MergeConfig holds merge daemon settings.
type MergeConfig struct {
	Repo                 string        `mapstructure:"repo"`
	Remote               string        `mapstructure:"remote"`
	Branch               string        `mapstructure:"branch"`
	Prefix               string        `mapstructure:"prefix"`
	Strategy             string        `mapstructure:"strategy"`
	Checks               []string      `mapstructure:"checks"`
	CheckTimeout         time.Duration `mapstructure:"check_timeout"`
	Interval             time.Duration `mapstructure:"interval"`
	StateDir             string        `mapstructure:"state_dir"`
	DeleteAfterMerge     bool          `mapstructure:"delete_after_merge"`
	PushMain             bool          `mapstructure:"push_main"`
	SkipCleanCheck       bool          `mapstructure:"skip_clean_check"`
	AutoCreateMainBranch bool          `mapstructure:"auto_create_main_branch"`
}

// WorkerConfig holds worker daemon settings.
type WorkerConfig struct {
	// ID identifies this worker; defaults to hostname.
	ID string `mapstructure:"id"`
	// PublishRemote is where finished commits are pushed.
	PublishRemote string `mapstructure:"publish_remote"`
	// ExecutionBudget bounds one job run.
	ExecutionBudget time.Duration `mapstructure:"execution_budget"`
	// FinalizationBudget is the single extension granted while output is
	// still flowing at the execution deadline.
	FinalizationBudget time.Duration `mapstructure:"finalization_budget"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (PUSHPALS_*)
// 2. Project config (.pushpals.yaml in current directory or parent)
// 3. User config (~/.config/pushpals/config.yaml)
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

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Server.AuthToken = expandEnv(cfg.Server.AuthToken)
	cfg.Client.AuthToken = expandEnv(cfg.Client.AuthToken)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Server.AuthToken = expandEnv(cfg.Server.AuthToken)
	cfg.Client.AuthToken = expandEnv(cfg.Client.AuthToken)

	return cfg, nil
}

// bindEnv maps environment variables onto config keys.
func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.BindEnv("client.server_url", "PUSHPALS_SERVER_URL")
	v.BindEnv("client.auth_token", "PUSHPALS_AUTH_TOKEN")
	v.BindEnv("server.auth_token", "PUSHPALS_AUTH_TOKEN")
	v.BindEnv("server.data_dir", "PUSHPALS_DATA_DIR")
	v.BindEnv("client.poll_ms", "PUSHPALS_POLL_MS")
	v.BindEnv("merge.skip_clean_check", "SERIAL_PUSHER_SKIP_CLEAN_CHECK")
	v.BindEnv("merge.auto_create_main_branch", "SERIAL_PUSHER_AUTO_CREATE_MAIN_BRANCH")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8333")
	v.SetDefault("server.data_dir", "")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.recover_interval", "30s")
	v.SetDefault("server.worker_ttl", "15s")

	v.SetDefault("client.server_url", "http://127.0.0.1:8333")
	v.SetDefault("client.auth_token", "")
	v.SetDefault("client.poll_ms", 2000)

	v.SetDefault("merge.remote", "origin")
	v.SetDefault("merge.branch", "main")
	v.SetDefault("merge.prefix", "refs/heads/agent/")
	v.SetDefault("merge.strategy", "no-ff")
	v.SetDefault("merge.check_timeout", "5m")
	v.SetDefault("merge.interval", "30s")
	v.SetDefault("merge.delete_after_merge", false)
	v.SetDefault("merge.push_main", true)
	v.SetDefault("merge.skip_clean_check", false)
	v.SetDefault("merge.auto_create_main_branch", false)

	v.SetDefault("worker.publish_remote", "origin")
	v.SetDefault("worker.execution_budget", "15m")
	v.SetDefault("worker.finalization_budget", "2m")
}

// getUserConfigDir returns the XDG config directory for pushpals.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pushpals")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "pushpals")
	}
	return filepath.Join(home, ".config", "pushpals")
}

// findProjectConfig searches for .pushpals.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	dir := cwd
	for {
		candidate := filepath.Join(dir, ".pushpals.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// expandEnv resolves ${VAR} references in config values.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}
