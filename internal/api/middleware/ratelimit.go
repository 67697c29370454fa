package middleware

import (
	"net/http"
	"strconv"

	"github.com/aulendur/cortex/internal/cortexerr"
	"github.com/aulendur/cortex/internal/ratelimit"
	pkgmw "github.com/aulendur/cortex/pkg/middleware"
	"github.com/aulendur/cortex/pkg/models"
)

// RateLimit admits or refuses a request per its resolved identity's token
// bucket (§4.7). Must run after AuthGate so an Identity is already in
// context; an anonymous request (no identity resolved) shares the
// "anonymous" bucket.
func RateLimit(tb *ratelimit.TokenBucket) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tb == nil {
				next.ServeHTTP(w, r)
				return
			}

			identityID := "anonymous"
			var override *models.RateOverride
			if ident := pkgmw.GetIdentity(r.Context()); ident != nil {
				identityID = ident.ID
				override = ident.RateOverride
			}

			ok, retryAfter, err := tb.Allow(r.Context(), identityID, override)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				seconds := int(retryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				cortexerr.WriteJSON(w, cortexerr.New(cortexerr.KindRateLimited, "rate limit exceeded").
					WithRetryAfter(seconds))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
