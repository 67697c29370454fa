package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/aulendur/cortex/pkg/contracts"
	"github.com/aulendur/cortex/pkg/models"
)

// DevBypassProvider accepts any non-empty bearer token and resolves it to a
// fixed identity holding every scope. It must default off and is rejected
// outright by the production self-check when enabled there.
//
// It must never be registered ahead of APIKeyProvider in the chain, or every
// credential would match here first.
type DevBypassProvider struct {
	enabled bool
}

// NewDevBypassProvider constructs the provider. enabled should come from a
// config flag that defaults to false and is refused outright when a
// production flag is also set (see config.Validate).
func NewDevBypassProvider(enabled bool) *DevBypassProvider {
	return &DevBypassProvider{enabled: enabled}
}

func (p *DevBypassProvider) Name() string  { return "dev_bypass" }
func (p *DevBypassProvider) Enabled() bool { return p.enabled }

func (p *DevBypassProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") == "" {
		return nil, nil
	}
	return &contracts.Identity{
		ID:          "dev-bypass",
		DisplayName: "development bypass",
		Provider:    p.Name(),
		Scopes:      []models.Scope{models.ScopeChat, models.ScopeCompletions, models.ScopeEmbeddings},
	}, nil
}
