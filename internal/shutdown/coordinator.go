// Package shutdown implements the Shutdown Coordinator (§4.9): it flips a
// draining flag so new requests are refused, waits for in-flight requests
// to finish (bounded by a drain timeout), then stops every running model
// container and closes the cache and store.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/internal/cache"
	"github.com/aulendur/cortex/internal/lifecycle"
	"github.com/aulendur/cortex/internal/store"
)

// Coordinator sequences a graceful process shutdown.
type Coordinator struct {
	draining atomic.Bool
	inflight sync.WaitGroup

	drainTimeout time.Duration

	lifecycle *lifecycle.Manager
	cache     *cache.Client
	store     store.Store
}

// New builds a Coordinator. drainTimeout <= 0 falls back to 30s.
func New(lm *lifecycle.Manager, c *cache.Client, st store.Store, drainTimeout time.Duration) *Coordinator {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	return &Coordinator{
		drainTimeout: drainTimeout,
		lifecycle:    lm,
		cache:        c,
		store:        st,
	}
}

// Draining reports whether the process has started shutting down. Handlers
// check this before admitting a new request.
func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// Track registers one in-flight request and returns a func to call when it
// completes, win or lose. Callers must defer the returned func immediately.
func (c *Coordinator) Track() func() {
	c.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(c.inflight.Done)
	}
}

// BeginDrain flips the draining flag so handlers start refusing new
// requests with 503. Callers should invoke this before stopping the HTTP
// listener, so requests already queued there see a structured refusal
// instead of a bare connection reset.
func (c *Coordinator) BeginDrain() {
	c.draining.Store(true)
}

// Shutdown drains in-flight requests, stops every model container, and
// releases the cache and store. It never returns an error: every step is
// best-effort, logged, and followed by the next step regardless.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.BeginDrain()
	log.Info().Msg("shutdown: draining in-flight requests")

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Msg("shutdown: all in-flight requests completed")
	case <-time.After(c.drainTimeout):
		log.Warn().Dur("timeout", c.drainTimeout).Msg("shutdown: drain timeout exceeded, proceeding anyway")
	case <-ctx.Done():
		log.Warn().Msg("shutdown: context cancelled during drain, proceeding anyway")
	}

	if c.lifecycle != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
		c.lifecycle.StopAll(stopCtx)
		cancel()
	}

	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown: cache close failed")
		}
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown: store close failed")
		}
	}

	log.Info().Msg("shutdown: complete")
}
