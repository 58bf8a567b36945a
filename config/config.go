// Package config loads runtime configuration for the beam binaries,
// environment-first with optional file overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config carries every external input the system reads.
type Config struct {
	// RedisAddr is the session store address, host:port.
	RedisAddr string `mapstructure:"redis_addr"`

	// RedisPassword authenticates against the session store; empty for
	// unauthenticated instances.
	RedisPassword string `mapstructure:"redis_password"`

	// RedisDB selects the logical database.
	RedisDB int `mapstructure:"redis_db"`

	// ListenAddr is the signaling server bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// SignalingURL is the endpoint CLI clients dial, e.g.
	// ws://localhost:8080/ws.
	SignalingURL string `mapstructure:"signaling_url"`

	// DownloadDir is where the receive command writes artifacts.
	DownloadDir string `mapstructure:"download_dir"`
}

// Load reads configuration from the environment, falling back to an
// optional beam.yaml in the working directory, then to defaults. The
// REDIS_HOST variable may carry host or host:port, matching the session
// store's deployment convention.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("signaling_url", "ws://localhost:8080/ws")
	v.SetDefault("download_dir", ".")

	v.SetConfigName("beam")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	bindings := map[string]string{
		"redis_addr":     "REDIS_HOST",
		"redis_password": "REDIS_PASSWORD",
		"redis_db":       "REDIS_DB",
		"listen_addr":    "BEAM_LISTEN_ADDR",
		"signaling_url":  "BEAM_SIGNALING_URL",
		"download_dir":   "BEAM_DOWNLOAD_DIR",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// REDIS_HOST without a port gets the conventional one.
	if cfg.RedisAddr != "" && !strings.Contains(cfg.RedisAddr, ":") {
		cfg.RedisAddr += ":6379"
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"redis_addr":  cfg.RedisAddr,
		"listen_addr": cfg.ListenAddr,
	}).Debug("Configuration loaded")

	return &cfg, nil
}
