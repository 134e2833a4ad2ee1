package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Load reads the configuration from musicroom.toml and returns a Config struct.
// A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	// Set config file properties
	viper.SetConfigName("musicroom")
	viper.SetConfigType("toml")
	viper.AddConfigPath("/etc/musicroom/")
	viper.AddConfigPath(".")

	// Set defaults from DefaultConfig
	defaults := DefaultConfig()
	viper.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	viper.SetDefault("server.max_session_listeners", defaults.Server.MaxSessionListeners)
	viper.SetDefault("storage.path", defaults.Storage.Path)
	viper.SetDefault("engine.tick_interval_ms", defaults.Engine.TickIntervalMs)
	viper.SetDefault("engine.broadcast_every_ticks", defaults.Engine.BroadcastEveryTicks)
	viper.SetDefault("engine.grace_period_ms", defaults.Engine.GracePeriodMs)
	viper.SetDefault("engine.default_preview_seconds", defaults.Engine.DefaultPreviewSeconds)
	viper.SetDefault("catalog.mpd.port", defaults.Catalog.MPD.Port)

	// Read config file; the daemon runs fine on defaults alone
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
