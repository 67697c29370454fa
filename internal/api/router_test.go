package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/api"
	"github.com/aulendur/cortex/internal/api/handlers"
	"github.com/aulendur/cortex/internal/balancer"
	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/proxy"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/contracts"
	"github.com/aulendur/cortex/pkg/models"
)

// fixedChain always resolves every request to the same identity, or refuses
// authentication entirely when identity is nil.
type fixedChain struct {
	identity *contracts.Identity
}

func (c *fixedChain) Authenticate(context.Context, *http.Request) (*contracts.Identity, error) {
	return c.identity, nil
}
func (c *fixedChain) RegisterProvider(contracts.AuthProvider) {}

type fixedDraining struct{ draining bool }

func (d *fixedDraining) Draining() bool { return d.draining }

func buildRouter(t *testing.T, identity *contracts.Identity, draining bool) (http.Handler, *registry.Registry) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	breakers := breaker.New(false, 5, 30*time.Second)
	poller := health.New(health.Config{HealthTTL: time.Minute}, breakers)
	bal := balancer.New(reg, poller)
	px := proxy.New(bal, breakers, s, nil, proxy.Config{})
	client := handlers.NewClient(px, reg)

	handler := api.New(api.Deps{
		Client:    client,
		Admin:     nil,
		AuthChain: &fixedChain{identity: identity},
		Shutdown:  &fixedDraining{draining: draining},
	})
	return handler, reg
}

// S3: an identity lacking the chat scope is refused with FORBIDDEN_SCOPE,
// never reaching the proxy.
func TestChatCompletionsRejectsMissingScope(t *testing.T) {
	identity := &contracts.Identity{ID: "caller", Scopes: []models.Scope{models.ScopeEmbeddings}}
	handler, _ := buildRouter(t, identity, false)

	body := `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "FORBIDDEN_SCOPE")
}

// An identity holding the required scope reaches the proxy and gets a
// normal upstream response.
func TestChatCompletionsAllowsMatchingScope(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	identity := &contracts.Identity{ID: "caller", Scopes: []models.Scope{models.ScopeChat}}
	handler, reg := buildRouter(t, identity, false)
	require.NoError(t, reg.Register(context.Background(), "llama", upstream.Listener.Addr().String(), models.TaskGenerate))

	body := `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

// S6: once the shutdown coordinator starts draining, the gateway refuses
// new requests with 503 instead of forwarding them, so a load balancer can
// stop routing here while in-flight requests finish.
func TestDrainingRejectsNewRequests(t *testing.T) {
	identity := &contracts.Identity{ID: "caller", Scopes: []models.Scope{models.ScopeChat}}
	handler, _ := buildRouter(t, identity, true)

	body := `{"model":"llama","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "DRAINING")
}

// /healthz always answers even while draining, so an orchestrator's own
// liveness probe doesn't start failing before the drain completes.
func TestHealthzBypassesDrainGate(t *testing.T) {
	handler, _ := buildRouter(t, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
