// Cortex control-plane server: loads configuration, wires every subsystem
// through pkg/server, and serves the client and admin HTTP surfaces until
// a termination signal triggers a coordinated drain and shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/internal/config"
	"github.com/aulendur/cortex/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Str("version", cfg.Version).Msg("cortex control plane starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	pollerCtx, cancelPoller := context.WithCancel(context.Background())
	go srv.RunBackground(pollerCtx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeoutStream + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErrors := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("cortex is serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrors <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErrors:
		log.Error().Err(err).Msg("http server failed")
	}

	srv.Shutdown.BeginDrain()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	srv.Shutdown.Shutdown(shutdownCtx)
	cancelPoller()

	if err := srv.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}

	log.Info().Msg("cortex stopped")
}
