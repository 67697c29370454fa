// Package contracts defines the boundary types shared between the store
// driver, the authentication chain, and the HTTP layer.
package contracts

import (
	"context"
	"net/http"
	"time"

	"github.com/aulendur/cortex/pkg/models"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated API credential's resolved target.
// Produced by an AuthProvider, consumed by the scope gate and handlers.
//
// No handler ever knows whether the caller came from a static API key or a
// development bypass — they only see the resolved scopes.
type Identity struct {
	ID           string              `json:"id"`
	DisplayName  string              `json:"display_name,omitempty"`
	Provider     string              `json:"provider"`
	Scopes       []models.Scope      `json:"scopes"`
	RateOverride *models.RateOverride `json:"rate_override,omitempty"`
	ExpiresAt    time.Time           `json:"expires_at,omitempty"`
}

// HasScope reports whether the identity is permitted the given scope.
func (i *Identity) HasScope(s models.Scope) bool {
	for _, have := range i.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in priority order until one returns an
// Identity.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	RegisterProvider(provider AuthProvider)
}
