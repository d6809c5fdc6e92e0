package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Scheduler struct {
		// PollInterval is how often the scheduler loop wakes to dispatch
		// due occurrences.
		PollInterval time.Duration `mapstructure:"poll_interval"`
		// Lookahead is how far past "now" each dispatch window extends.
		Lookahead time.Duration `mapstructure:"lookahead"`
	} `mapstructure:"scheduler"`
	Worker struct {
		// HeartbeatTimeout is how long a Running run may go without a
		// heartbeat before it is declared Crashed.
		HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
		// SweepInterval is how often crashed-run detection executes.
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"worker"`
	Queue struct {
		// DefaultCapacity bounds queues created without an explicit
		// capacity; 0 means unbounded.
		DefaultCapacity int `mapstructure:"default_capacity"`
	} `mapstructure:"queue"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path falls back to config.yaml in the working directory or ./config.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.AutomaticEnv()

	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("scheduler.poll_interval", "10s")
	viper.SetDefault("scheduler.lookahead", "1m")
	viper.SetDefault("worker.heartbeat_timeout", "90s")
	viper.SetDefault("worker.sweep_interval", "15s")

	if err := viper.ReadInConfig(); err != nil {
		// Defaults and environment variables are enough to run with the
		// in-memory store, so a missing file is not fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
