// Package main provides the bankd daemon entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/engine"
	"github.com/membank/bankd/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := flag.String("root", ".", "Memory-bank root directory holding the monitored artifacts")
	port := flag.Int("port", 0, "HTTP port (default: from settings)")
	noWatch := flag.Bool("no-watch", false, "Disable the artifact watcher")
	noTimeline := flag.Bool("no-timeline", false, "Disable the sqlite execution history")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	manifest, err := config.LoadManifest(*root)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load artifact manifest")
	}

	eng, err := engine.New(cfg, manifest, engine.Options{
		Timeline: !*noTimeline,
		Watch:    !*noWatch,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}

	svc := server.NewService(Version, cfg, eng)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown failed")
		}
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Msg("Engine shutdown failed")
		}
	}()

	log.Info().
		Str("version", Version).
		Str("root", manifest.Root).
		Int("artifacts", len(manifest.Artifacts)).
		Msg("Starting bankd")

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}
}
