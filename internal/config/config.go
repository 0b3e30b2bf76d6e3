// Package config loads optional routedeck settings from config.yaml.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds tunables for sync scheduling and statistics.
type Config struct {
	DefaultForward     string        `mapstructure:"default_forward"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	ForegroundCooldown time.Duration `mapstructure:"foreground_cooldown"`
	StatsWindow        time.Duration `mapstructure:"stats_window"`
	UserIdentifier     string        `mapstructure:"user_identifier"`
}

// Load reads config.yaml from dir, falling back to working defaults when no
// file exists. Environment variables with the RD_ prefix override file
// values (e.g. RD_SYNC_INTERVAL=5m).
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("RD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default_forward", "")
	v.SetDefault("sync_interval", 2*time.Minute)
	v.SetDefault("foreground_cooldown", 30*time.Second)
	v.SetDefault("stats_window", 7*24*time.Hour)
	v.SetDefault("user_identifier", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
