// This file defines the configuration structure for the application.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Progress struct {
		// ReconnectDelay is the fixed delay observers wait between
		// reconnection attempts. Constant backoff, no jitter.
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
		// SendBuffer is the per-subscriber snapshot buffer size.
		SendBuffer int `mapstructure:"send_buffer"`
	} `mapstructure:"progress"`
	Retention struct {
		SweepIntervalMinutes int           `mapstructure:"sweep_interval_minutes"`
		MaxAge               time.Duration `mapstructure:"max_age"`
	} `mapstructure:"retention"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AddConfigPath(".")

	// Environment variable overrides, e.g. RIVALSCOPE_DATABASE_PATH
	// overrides the `database.path` key.
	viper.SetEnvPrefix("RIVALSCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("port", 8080)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("database.path", "./rivalscope.db")
	viper.SetDefault("progress.reconnect_delay", "3s")
	viper.SetDefault("progress.send_buffer", 16)
	viper.SetDefault("retention.sweep_interval_minutes", 15)
	viper.SetDefault("retention.max_age", "24h")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error and use defaults
		} else {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
