package proxy_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/balancer"
	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/proxy"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/models"
)

func newHarness(t *testing.T) (*proxy.Proxy, *registry.Registry, *breaker.Registry, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	breakers := breaker.New(true, 2, 30*time.Second)
	poller := health.New(health.Config{HealthTTL: time.Minute}, breakers)
	bal := balancer.New(reg, poller)
	px := proxy.New(bal, breakers, s, nil, proxy.Config{})
	return px, reg, breakers, s
}

func hostPort(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}

// S1: a happy chat completion call is forwarded, the response is returned
// verbatim, and a usage row is recorded.
func TestHandleChatCompletionsHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer upstream.Close()

	px, reg, _, s := newHarness(t)
	require.NoError(t, reg.Register(context.Background(), "llama", hostPort(upstream), models.TaskGenerate))

	body := `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	px.Handle(rec, req, "/v1/chat/completions", models.TaskGenerate)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"content":"hi"`)

	// recordUsage persists off the request goroutine; poll briefly rather
	// than assume it has landed the instant Handle returns.
	var rows []models.UsageRow
	require.Eventually(t, func() bool {
		var err error
		rows, err = s.ListUsage(context.Background(), store.ListFilter{})
		return err == nil && len(rows) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(3), rows[0].PromptTokens)
	require.Equal(t, int64(2), rows[0].CompletionTokens)
}

// A chat request against an engine that reports CHAT_TEMPLATE_MISSING as a
// non-2xx error envelope (the realistic shape) falls back transparently to
// a plain completion instead of surfacing the error to the client.
func TestHandleChatCompletionsFallsBackOnChatTemplateMissing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"CHAT_TEMPLATE_MISSING","message":"no chat template"}}`))
		case "/v1/completions":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"cmpl-2","choices":[{"text":"hi there","index":0,"finish_reason":"stop"}]}`))
		default:
			t.Fatalf("unexpected upstream path %q", r.URL.Path)
		}
	}))
	defer upstream.Close()

	px, reg, _, _ := newHarness(t)
	require.NoError(t, reg.Register(context.Background(), "llama", hostPort(upstream), models.TaskGenerate))

	body := `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	px.Handle(rec, req, "/v1/chat/completions", models.TaskGenerate)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "chat.completion", out["object"])
	choices, ok := out["choices"].([]any)
	require.True(t, ok)
	require.Len(t, choices, 1)
}

// S2: no upstream registered for the served name yields a structured
// NO_UPSTREAM error, not a panic or a bare 500.
func TestHandleNoUpstreamRegistered(t *testing.T) {
	px, _, _, _ := newHarness(t)

	body := `{"model":"ghost","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	px.Handle(rec, req, "/v1/chat/completions", models.TaskGenerate)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "NO_UPSTREAM", out["error"]["code"])
}

// S5: repeated failed attempts against the same upstream trip its breaker
// open; the transition is driven entirely by outcomes the proxy records.
func TestRepeatedFailuresOpenBreaker(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadAddr := hostPort(dead)
	dead.Close() // connections to deadAddr now refuse

	px, reg, breakers, _ := newHarness(t)
	require.NoError(t, reg.Register(context.Background(), "llama", deadAddr, models.TaskGenerate))

	status, _ := breakers.Status(deadAddr)
	require.Equal(t, models.BreakerClosed, status)

	for i := 0; i < 2; i++ {
		body := `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		px.Handle(rec, req, "/v1/chat/completions", models.TaskGenerate)
		require.NotEqual(t, http.StatusOK, rec.Code)
	}

	status, until := breakers.Status(deadAddr)
	require.Equal(t, models.BreakerOpen, status)
	require.True(t, until.After(time.Now()))
}
