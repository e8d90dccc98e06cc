// Package config loads service settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultDataFile is the state document used when none is configured.
const DefaultDataFile = "bot_data.json"

// Config is the complete service configuration.
type Config struct {
	DiscordToken          string        `mapstructure:"discord_token"`
	DiscordAPIBase        string        `mapstructure:"discord_api_base"`
	GitHubToken           string        `mapstructure:"github_token"`
	GitHubBaseURL         string        `mapstructure:"github_base_url"`
	DataFilePath          string        `mapstructure:"data_file_path"`
	StorageBucket         string        `mapstructure:"storage_bucket"`
	GoogleCredentialsJSON string        `mapstructure:"google_credentials_json"`
	Port                  string        `mapstructure:"port"`
	APIToken              string        `mapstructure:"api_token"`
	LogLevel              string        `mapstructure:"log_level"`
	LogFormat             string        `mapstructure:"log_format"`
	CheckInterval         time.Duration `mapstructure:"check_interval"`
	RepoPacing            time.Duration `mapstructure:"repo_pacing"`
	FetchTimeout          time.Duration `mapstructure:"fetch_timeout"`
	RateWindow            time.Duration `mapstructure:"rate_window"`
	MaxPages              int           `mapstructure:"max_pages"`
	RateLimit             int           `mapstructure:"rate_limit"`
	MockNotify            bool          `mapstructure:"mock_notify"`
}

// Load reads settings from configPath (if non-empty) and the environment.
// Environment variables win over the file; defaults fill the rest.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Keys whose env names differ from the upper-cased key.
	if err := v.BindEnv("discord_token", "DISCORD_BOT_TOKEN", "DISCORD_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.DiscordToken == "" && !c.MockNotify {
		errs = append(errs, errors.New("discord token is required (set DISCORD_BOT_TOKEN)"))
	}
	if c.DataFilePath == "" {
		errs = append(errs, errors.New("data_file_path must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"check_interval": c.CheckInterval,
		"fetch_timeout":  c.FetchTimeout,
		"rate_window":    c.RateWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RepoPacing < 0 {
		errs = append(errs, fmt.Errorf("repo_pacing must not be negative, got %s", c.RepoPacing))
	}
	if c.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("max_pages must be at least 1, got %d", c.MaxPages))
	}
	if c.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("rate_limit must be at least 1, got %d", c.RateLimit))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discord_token", "")
	v.SetDefault("discord_api_base", "")
	v.SetDefault("github_token", "")
	v.SetDefault("github_base_url", "")
	v.SetDefault("data_file_path", DefaultDataFile)
	v.SetDefault("storage_bucket", "")
	v.SetDefault("google_credentials_json", "")
	v.SetDefault("port", "8080")
	v.SetDefault("api_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("check_interval", 15*time.Minute)
	v.SetDefault("repo_pacing", 2*time.Second)
	v.SetDefault("fetch_timeout", 30*time.Second)
	v.SetDefault("rate_window", time.Minute)
	v.SetDefault("max_pages", 3)
	v.SetDefault("rate_limit", 30)
	v.SetDefault("mock_notify", false)
}
