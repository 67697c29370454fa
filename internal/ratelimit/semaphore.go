package ratelimit

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// StreamGate bounds concurrent streamed responses process-wide — the
// global cap the deployment falls back to. Non-streaming requests never
// touch it. Reuses the same golang.org/x/sync/semaphore primitive the
// health poller (§4.3) uses to bound its probe worker pool.
type StreamGate struct {
	sem *semaphore.Weighted
}

const defaultStreamingCap = 16

// NewStreamGate builds a gate with the given capacity (default 16 when
// capacity <= 0).
func NewStreamGate(capacity int) *StreamGate {
	if capacity <= 0 {
		capacity = defaultStreamingCap
	}
	return &StreamGate{sem: semaphore.NewWeighted(int64(capacity))}
}

// Acquire blocks until a permit is available or ctx is done (the request
// deadline firing counts as "done").
func (g *StreamGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns the permit. Callers must release on every exit path,
// including deadline expiry and client disconnect.
func (g *StreamGate) Release() {
	g.sem.Release(1)
}
