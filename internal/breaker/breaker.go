// Package breaker implements a per-upstream circuit breaker, wrapping
// github.com/sony/gobreaker/v2 the way
// r3e-network-service_layer/infrastructure/resilience adapts gobreaker
// behind a narrower API: one breaker per url, consulted by the balancer
// and fed outcomes by the health poller and the request proxy.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/aulendur/cortex/pkg/models"
)

// Registry holds one breaker per url. Disabled by default — when disabled
// every url reports closed regardless of outcomes recorded.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]

	enabled        bool
	openThreshold  uint32
	cooldown       time.Duration
}

// New builds a breaker registry. openThreshold is the count of consecutive
// failures that trips a url open (default 5), cooldown is how long it stays
// open before the next probe gets a trial request (default 30s). When
// enabled is false, Status always reports closed and RecordOutcome is a
// no-op.
func New(enabled bool, openThreshold int, cooldown time.Duration) *Registry {
	if openThreshold <= 0 {
		openThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Registry{
		breakers:      make(map[string]*gobreaker.CircuitBreaker[any]),
		enabled:       enabled,
		openThreshold: uint32(openThreshold),
		cooldown:      cooldown,
	}
}

func (r *Registry) get(url string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[url]
	if !ok {
		threshold := r.openThreshold
		cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        url,
			MaxRequests: 1, // one trial request while half-open; the next probe provides it
			Timeout:     r.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		r.breakers[url] = cb
	}
	return cb
}

// RecordOutcome feeds a success/failure observation for url into its
// breaker. Called by the health poller after every probe and by the
// request proxy on upstream 5xx/network errors.
func (r *Registry) RecordOutcome(url string, success bool) {
	if !r.enabled {
		return
	}
	cb := r.get(url)
	_, _ = cb.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, errOutcomeFailure
	})
}

var errOutcomeFailure = breakerFailure{}

type breakerFailure struct{}

func (breakerFailure) Error() string { return "recorded failure" }

// Status reports the breaker state the balancer must honour: open(until)
// or closed. gobreaker's half-open is folded into "open" here — only a
// successful trial, driven by the health poller rather than by routing,
// closes the breaker.
func (r *Registry) Status(url string) (models.BreakerStatus, time.Time) {
	if !r.enabled {
		return models.BreakerClosed, time.Time{}
	}
	cb := r.get(url)
	switch cb.State() {
	case gobreaker.StateClosed:
		return models.BreakerClosed, time.Time{}
	default: // StateOpen or StateHalfOpen
		return models.BreakerOpen, time.Now().Add(r.cooldown)
	}
}

// Enabled reports whether breaker enforcement is active for this deployment.
func (r *Registry) Enabled() bool { return r.enabled }

// Forget removes a url's breaker, e.g. when its Model is stopped and the
// registry entry is removed — a later re-registration starts clean.
func (r *Registry) Forget(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, url)
}
