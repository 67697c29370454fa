// Package server provides the public entry point for initializing Cortex:
// construct every subsystem from configuration, wire their collaborators,
// and hand back a ready-to-serve http.Handler plus a shutdown func.
//
// This package exists in pkg/ (not internal/) so a deployment-specific
// main package can compose Cortex with additional middleware or a
// different entry point without reaching into internal/.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/internal/api"
	"github.com/aulendur/cortex/internal/api/handlers"
	"github.com/aulendur/cortex/internal/auth"
	"github.com/aulendur/cortex/internal/balancer"
	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/cache"
	"github.com/aulendur/cortex/internal/config"
	"github.com/aulendur/cortex/internal/container"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/lifecycle"
	"github.com/aulendur/cortex/internal/proxy"
	"github.com/aulendur/cortex/internal/ratelimit"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/shutdown"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/internal/telemetry"
)

// Server bundles the built HTTP handler with the components a caller needs
// to run the background loops and perform a graceful shutdown.
type Server struct {
	Handler http.Handler

	Poller      *health.Poller
	Lifecycle   *lifecycle.Manager
	Registry    *registry.Registry
	Shutdown    *shutdown.Coordinator
	telemetryFn func(context.Context) error
}

// New constructs every Cortex subsystem from cfg and wires them together.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("server: init telemetry: %w", err)
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("server: build store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("server: migrate store: %w", err)
	}

	cacheClient, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("server: build cache: %w", err)
	}

	driver, err := container.New()
	if err != nil {
		return nil, fmt.Errorf("server: build container driver: %w", err)
	}
	if err := driver.EnsureNetwork(ctx, "cortex-net"); err != nil {
		log.Warn().Err(err).Msg("server: ensure docker network failed, continuing")
	}

	breakers := breaker.New(cfg.BreakerEnabled, cfg.BreakerOpenThresh, cfg.BreakerCooldown)

	poller := health.New(health.Config{
		ProbeInterval:     cfg.ProbeInterval,
		ProbeIntervalLoad: cfg.ProbeIntervalLoad,
		HealthTTL:         cfg.HealthTTL,
	}, breakers)

	reg := registry.New(st)
	if err := reg.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("server: registry restore failed, starting empty")
	}

	bal := balancer.New(reg, poller)

	logs := lifecycle.NewLogRegistry()
	lm := lifecycle.New(st, driver, reg, poller, breakers, logs, lifecycle.Config{
		ModelsRoot:             cfg.ModelsRoot,
		EngineImageTransformer: cfg.EngineImageTransformer,
		EngineImageQuantized:   cfg.EngineImageQuantized,
		OfflineMode:            cfg.OfflineMode,
		UpstreamInternalAPIKey: cfg.UpstreamInternalAPIKey,
		StopTimeoutTransformer: cfg.ContainerStopTimeoutTransformer,
		StopTimeoutQuantized:   cfg.ContainerStopTimeoutQuantized,
	})

	if err := lm.SweepOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("server: orphan sweep failed, continuing")
	}

	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider(st))
	chain.RegisterProvider(auth.NewDevBypassProvider(cfg.Auth.DevBypassEnabled))

	streamGate := ratelimit.NewStreamGate(cfg.StreamingConcurrency)

	var tokenBucket *ratelimit.TokenBucket
	if cfg.RateLimitEnabled {
		tokenBucket, err = ratelimit.NewTokenBucket(cacheClient.Raw(), cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, fmt.Errorf("server: build token bucket: %w", err)
		}
	}

	coordinator := shutdown.New(lm, cacheClient, st, cfg.DrainTimeout)

	px := proxy.New(bal, breakers, st, streamGate, proxy.Config{
		UnaryTimeout:  cfg.RequestTimeoutUnary,
		StreamTimeout: cfg.RequestTimeoutStream,
		Tracker:       coordinator,
	})

	clientHandlers := handlers.NewClient(px, reg)
	adminHandlers := handlers.NewAdmin(st, lm, poller, breakers, reg, driver, cfg.HealthTTL)

	handler := api.New(api.Deps{
		Client:      clientHandlers,
		Admin:       adminHandlers,
		AuthChain:   chain,
		Shutdown:    coordinator,
		TokenBucket: tokenBucket,
	})

	return &Server{
		Handler:     handler,
		Poller:      poller,
		Lifecycle:   lm,
		Registry:    reg,
		Shutdown:    coordinator,
		telemetryFn: telemetryShutdown,
	}, nil
}

// RunBackground starts the health poller's scheduler loop; call it once,
// typically in a goroutine from main, before serving traffic.
func (s *Server) RunBackground(ctx context.Context) {
	s.Poller.Run(ctx)
}

// Close shuts down telemetry export after the HTTP server and the shutdown
// coordinator have already finished.
func (s *Server) Close(ctx context.Context) error {
	if s.telemetryFn == nil {
		return nil
	}
	return s.telemetryFn(ctx)
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.UseMemory {
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.Database.DSN)
}
