// Package api builds Cortex's HTTP surface: the client-facing inference
// routes and the operator-facing admin routes, behind chi's router and
// the auth/logging/telemetry middleware stack.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aulendur/cortex/internal/api/handlers"
	apimw "github.com/aulendur/cortex/internal/api/middleware"
	"github.com/aulendur/cortex/internal/ratelimit"
	"github.com/aulendur/cortex/pkg/contracts"
)

// Draining is satisfied by the shutdown coordinator; named here so the
// router doesn't import internal/shutdown just for one method.
type Draining interface {
	Draining() bool
}

// Deps is everything the router needs to wire client and admin routes.
type Deps struct {
	Client      *handlers.Client
	Admin       *handlers.Admin
	AuthChain   contracts.AuthProviderChain
	Shutdown    Draining
	TokenBucket *ratelimit.TokenBucket
}

// New builds the chi router: request ID, logging, tracing, panic recovery,
// CORS and the drain gate, then the auth-gated client surface and admin
// surface.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(apimw.Logger)
	r.Use(apimw.Telemetry)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(drainGate(deps.Shutdown))

	r.Get("/healthz", healthz)

	authGate := apimw.NewAuthGate(deps.AuthChain)
	r.Route("/v1", func(r chi.Router) {
		r.Use(authGate.Handler)
		r.Use(apimw.RateLimit(deps.TokenBucket))
		r.Post("/chat/completions", deps.Client.ChatCompletions)
		r.Post("/completions", deps.Client.Completions)
		r.Post("/embeddings", deps.Client.Embeddings)
		r.Get("/models", deps.Client.ListModels)
	})

	adminGate := apimw.NewAdminAuthGate(deps.AuthChain)
	r.Route("/admin", func(r chi.Router) {
		r.Use(adminGate.Handler)

		r.Get("/models", deps.Admin.ListModels)
		r.Post("/models", deps.Admin.CreateModel)
		r.Get("/models/{id}", deps.Admin.GetModel)
		r.Patch("/models/{id}", deps.Admin.UpdateModel)
		r.Delete("/models/{id}", deps.Admin.DeleteModel)
		r.Post("/models/{id}/{action}", deps.Admin.Action)
		r.Get("/models/{id}/logs", deps.Admin.Logs)

		r.Get("/upstreams", deps.Admin.Upstreams)
		r.Post("/upstreams/refresh-health", deps.Admin.RefreshHealth)

		r.Get("/system/docker-images", deps.Admin.DockerImages)
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// drainGate refuses new requests with 503 once the shutdown coordinator has
// started draining, so a load balancer stops sending traffic here instead
// of racing the in-flight drain.
func drainGate(sh Draining) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sh != nil && sh.Draining() && r.URL.Path != "/healthz" {
				w.Header().Set("Retry-After", "5")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":{"code":"DRAINING","message":"server is shutting down"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
