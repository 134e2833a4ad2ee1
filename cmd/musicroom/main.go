// Package main is the entry point for the Music Room playback backend.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/smiley16479/music-room-sub006/internal/config"
	"github.com/smiley16479/music-room-sub006/internal/domain/playback"
	"github.com/smiley16479/music-room-sub006/internal/infra/catalog"
	"github.com/smiley16479/music-room-sub006/internal/infra/store"
	"github.com/smiley16479/music-room-sub006/internal/transport/httpapi"
	"github.com/smiley16479/music-room-sub006/internal/transport/socketio"
	"github.com/smiley16479/music-room-sub006/internal/version"
)

func main() {
	// Command line flags override the config file
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	// Print startup banner
	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  Synchronized Group Playback Backend")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	// Open the track/queue store
	db := store.NewDB(cfg.Storage.Path)
	if err := db.Open(); err != nil {
		log.Fatal().Err(err).Msg("Failed to open store database")
	}
	defer db.Close()

	// Register track metadata providers
	providers := catalog.NewRegistry()

	var deezerOpts []catalog.DeezerOption
	if cfg.Catalog.Deezer.BaseURL != "" {
		deezerOpts = append(deezerOpts, catalog.WithDeezerBaseURL(cfg.Catalog.Deezer.BaseURL))
	}
	providers.Register(catalog.ProviderDeezer, catalog.NewDeezerClient(deezerOpts...))

	if cfg.Catalog.Qobuz.Enabled() {
		providers.Register(catalog.ProviderQobuz, catalog.NewQobuzResolver(
			cfg.Catalog.Qobuz.AppID,
			cfg.Catalog.Qobuz.AppSecret,
			cfg.Catalog.Qobuz.AuthToken,
		))
	}

	if cfg.Catalog.MPD.Enabled() {
		library := catalog.NewMPDLibrary(cfg.Catalog.MPD.Addr(), cfg.Catalog.MPD.Password)
		defer library.Close()
		providers.Register(catalog.ProviderLocal, library)
	}

	log.Info().
		Str("listen", cfg.Server.ListenAddr).
		Str("db", cfg.Storage.Path).
		Strs("providers", providers.Providers()).
		Bool("debug", *debug).
		Msg("Configuration")

	trackStore := store.New(db, providers, cfg.Engine.DefaultPreviewSeconds)

	// The engine broadcasts through a relay so the Socket.io server can be
	// built around the engine and bound afterwards.
	relay := playback.NewBroadcastRelay()
	engine := playback.NewEngine(playback.Config{
		TickInterval:        cfg.Engine.TickInterval(),
		BroadcastEveryTicks: cfg.Engine.BroadcastEveryTicks,
		GracePeriod:         cfg.Engine.GracePeriod(),
	}, trackStore, relay)

	socketServer, err := socketio.NewServer(engine, cfg.Server.MaxSessionListeners)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Socket.io server")
	}
	defer socketServer.Close()
	relay.Bind(socketServer)

	// Bring persisted sessions back, paused at their stored positions
	if err := engine.RestoreSessions(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to restore playback sessions")
	}

	api := httpapi.New(engine, func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      corsMiddleware(api.Router(socketServer)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.Server.ListenAddr).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("HTTP server error")
	}

	// Flush every session's position to the store before exiting
	engine.Shutdown(context.Background())

	log.Info().Msg("Server stopped")
}
