package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/internal/cortexerr"
	pkgmw "github.com/aulendur/cortex/pkg/middleware"

	"github.com/aulendur/cortex/pkg/contracts"
	"github.com/aulendur/cortex/pkg/models"
)

// routeScopes maps a client-surface path prefix to the scope it requires.
// "/v1/models" requires only an authenticated identity.
var routeScopes = []struct {
	prefix string
	scope  models.Scope
}{
	{"/v1/chat/completions", models.ScopeChat},
	{"/v1/completions", models.ScopeCompletions},
	{"/v1/embeddings", models.ScopeEmbeddings},
}

func scopeForPath(path string) (models.Scope, bool) {
	for _, rs := range routeScopes {
		if strings.HasPrefix(path, rs.prefix) {
			return rs.scope, true
		}
	}
	return "", false
}

// AuthGate is the HTTP middleware that authenticates client-surface requests
// via the provider chain and enforces the path→scope mapping. Unlike the
// admin surface (which only requires any authenticated identity), every
// client route except /v1/models requires a specific scope.
type AuthGate struct {
	chain contracts.AuthProviderChain
}

// NewAuthGate builds the scope gate around a provider chain.
func NewAuthGate(chain contracts.AuthProviderChain) *AuthGate {
	return &AuthGate{chain: chain}
}

// Handler authenticates the request, enforces scope, and stores the
// resolved Identity in context for downstream handlers and the rate
// limiter.
func (g *AuthGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			writeAuthError(w, err)
			return
		}
		if identity == nil {
			writeAuthError(w, nil)
			return
		}

		if scope, required := scopeForPath(r.URL.Path); required && !identity.HasScope(scope) {
			cortexerr.WriteJSON(w, cortexerr.New(cortexerr.KindForbiddenScope,
				"identity lacks required scope: "+string(scope)))
			return
		}

		ctx := pkgmw.SetIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="cortex"`)
	msg := "missing or invalid credential"
	if err != nil {
		msg = err.Error()
	}
	cortexerr.WriteJSON(w, cortexerr.New(cortexerr.KindUnauthenticated, msg))
}

// AdminAuthGate requires any authenticated identity but does not enforce
// per-scope checks — the admin surface is operator-facing, not
// client-scope-gated.
type AdminAuthGate struct {
	chain contracts.AuthProviderChain
}

// NewAdminAuthGate builds the admin-surface gate.
func NewAdminAuthGate(chain contracts.AuthProviderChain) *AdminAuthGate {
	return &AdminAuthGate{chain: chain}
}

func (g *AdminAuthGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.chain.Authenticate(r.Context(), r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if identity == nil {
			writeAuthError(w, nil)
			return
		}
		ctx := pkgmw.SetIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
