package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/health"
)

func TestPollerRecordsSuccessfulProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	host := srv.Listener.Addr().String()

	b := breaker.New(false, 5, 30*time.Second)
	p := health.New(health.Config{ProbeInterval: 50 * time.Millisecond, HealthTTL: time.Second}, b)
	p.Register(host, health.ProbeHealthEndpoint, false)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return p.Verdict(host, time.Now())
	}, time.Second, 10*time.Millisecond)
}

func TestPollerRecordsFailedProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	host := srv.Listener.Addr().String()

	b := breaker.New(false, 5, 30*time.Second)
	p := health.New(health.Config{ProbeInterval: 50 * time.Millisecond, HealthTTL: time.Second}, b)
	p.Register(host, health.ProbeHealthEndpoint, false)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		rec, ok := p.Record(host)
		return ok && len(rec.History) > 0 && !rec.Verdict.OK
	}, time.Second, 10*time.Millisecond)
}

func TestUnregisterStopsScheduling(t *testing.T) {
	b := breaker.New(false, 5, 30*time.Second)
	p := health.New(health.Config{ProbeInterval: 10 * time.Millisecond}, b)
	p.Register("127.0.0.1:1", health.ProbeHealthEndpoint, false)
	p.Unregister("127.0.0.1:1")

	_, ok := p.Record("127.0.0.1:1")
	require.False(t, ok)
}

func TestVerdictFalseWhenNeverProbed(t *testing.T) {
	b := breaker.New(false, 5, 30*time.Second)
	p := health.New(health.Config{}, b)
	p.Register("127.0.0.1:1", health.ProbeHealthEndpoint, false)

	require.False(t, p.Verdict("127.0.0.1:1", time.Now()))
}
