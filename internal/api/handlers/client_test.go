package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/api/handlers"
	"github.com/aulendur/cortex/internal/balancer"
	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/proxy"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/models"
)

// S1: the client handler delegates a chat completion straight through the
// proxy to a registered upstream and returns its response unchanged.
func TestChatCompletionsDelegatesToProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	s := store.NewMemoryStore()
	reg := registry.New(s)
	require.NoError(t, reg.Register(context.Background(), "llama", upstream.Listener.Addr().String(), models.TaskGenerate))

	breakers := breaker.New(false, 5, 30*time.Second)
	poller := health.New(health.Config{HealthTTL: time.Minute}, breakers)
	bal := balancer.New(reg, poller)
	px := proxy.New(bal, breakers, s, nil, proxy.Config{})

	client := handlers.NewClient(px, reg)

	body := `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	client.ChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"content":"hi"`)
}

// ListModels reports exactly the served names currently registered, not
// the admin-side Model declarations.
func TestListModelsReportsRegisteredServedNames(t *testing.T) {
	s := store.NewMemoryStore()
	reg := registry.New(s)
	require.NoError(t, reg.Register(context.Background(), "llama", "10.0.0.1:8000", models.TaskGenerate))
	require.NoError(t, reg.Register(context.Background(), "embedder", "10.0.0.2:8000", models.TaskEmbed))

	client := handlers.NewClient(nil, reg)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	client.ListModels(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"llama"`)
	require.Contains(t, rec.Body.String(), `"embedder"`)
}
