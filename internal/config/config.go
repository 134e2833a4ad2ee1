// Package config holds the typed application configuration.
package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

// ServerConfig contains HTTP/Socket.io listener settings
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// MaxSessionListeners caps concurrent listeners per session room;
	// zero or less means unlimited.
	MaxSessionListeners int `mapstructure:"max_session_listeners"`
}

// StorageConfig contains the SQLite store settings
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig contains the playback engine tuning knobs
type EngineConfig struct {
	TickIntervalMs        int `mapstructure:"tick_interval_ms"`
	BroadcastEveryTicks   int `mapstructure:"broadcast_every_ticks"`
	GracePeriodMs         int `mapstructure:"grace_period_ms"`
	DefaultPreviewSeconds int `mapstructure:"default_preview_seconds"`
}

// TickInterval returns the tick interval as a time.Duration
func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalMs) * time.Millisecond
}

// GracePeriod returns the track-loading grace period as a time.Duration
func (e EngineConfig) GracePeriod() time.Duration {
	return time.Duration(e.GracePeriodMs) * time.Millisecond
}

// CatalogConfig contains the track metadata provider settings
type CatalogConfig struct {
	Deezer DeezerConfig `mapstructure:"deezer"`
	Qobuz  QobuzConfig  `mapstructure:"qobuz"`
	MPD    MPDConfig    `mapstructure:"mpd"`
}

// DeezerConfig contains Deezer API settings. The public track endpoint
// needs no credentials, so Deezer is always available.
type DeezerConfig struct {
	BaseURL string `mapstructure:"base_url"` // empty = api.deezer.com
}

// QobuzConfig contains Qobuz API credentials. The provider is only
// registered when credentials are present.
type QobuzConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
	AuthToken string `mapstructure:"auth_token"`
}

// Enabled reports whether Qobuz credentials are configured.
func (q QobuzConfig) Enabled() bool {
	return q.AppID != "" && q.AppSecret != ""
}

// MPDConfig contains the optional local-library MPD connection.
type MPDConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

// Enabled reports whether a local MPD library is configured.
func (m MPDConfig) Enabled() bool {
	return m.Host != ""
}

// Addr returns the MPD dial address.
func (m MPDConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Validate checks configuration values the engine cannot run without.
func (c *Config) Validate() error {
	if c.Engine.TickIntervalMs <= 0 {
		return fmt.Errorf("engine.tick_interval_ms must be positive, got %d", c.Engine.TickIntervalMs)
	}
	if c.Engine.BroadcastEveryTicks <= 0 {
		return fmt.Errorf("engine.broadcast_every_ticks must be positive, got %d", c.Engine.BroadcastEveryTicks)
	}
	if c.Engine.GracePeriodMs < 0 {
		return fmt.Errorf("engine.grace_period_ms must not be negative, got %d", c.Engine.GracePeriodMs)
	}
	return nil
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":3001",
		},
		Storage: StorageConfig{
			Path: "data/musicroom.db",
		},
		Engine: EngineConfig{
			TickIntervalMs:        250,
			BroadcastEveryTicks:   4,
			GracePeriodMs:         3000,
			DefaultPreviewSeconds: 30,
		},
		Catalog: CatalogConfig{
			MPD: MPDConfig{
				Port: 6600,
			},
		},
	}
}
