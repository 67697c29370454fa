package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/contracts"
)

const hashPrefixLen = 16

// APIKeyProvider authenticates bearer tokens against the persisted API key
// and identity tables: look up the token's hash prefix in the store, verify
// the full hash, then load the owning identity and its scopes.
type APIKeyProvider struct {
	store store.Store
}

// NewAPIKeyProvider creates a store-backed API key provider. Always enabled;
// a deployment with no registered keys simply authenticates nothing.
func NewAPIKeyProvider(s store.Store) *APIKeyProvider {
	return &APIKeyProvider{store: s}
}

func (p *APIKeyProvider) Name() string  { return "apikey" }
func (p *APIKeyProvider) Enabled() bool { return p.store != nil }

// Authenticate validates the bearer token and resolves its identity.
// Returns (nil, nil) if no credential is present (let the next provider try).
// Returns (nil, error) if a credential is present but invalid.
func (p *APIKeyProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	token := extractBearerToken(r)
	if token == "" {
		return nil, nil
	}

	fullHash := hashToken(token)
	prefix := fullHash[:hashPrefixLen]

	key, err := p.store.GetAPIKeyByHashPrefix(ctx, prefix)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, errors.New("invalid api key")
		}
		return nil, err
	}
	if key.Revoked {
		return nil, errors.New("api key revoked")
	}
	if subtle.ConstantTimeCompare([]byte(fullHash), []byte(key.FullHash)) != 1 {
		return nil, errors.New("invalid api key")
	}

	ident, err := p.store.GetIdentity(ctx, key.IdentityID)
	if err != nil {
		return nil, err
	}

	return &contracts.Identity{
		ID:           ident.ID,
		DisplayName:  ident.DisplayName,
		Provider:     p.Name(),
		Scopes:       ident.Scopes,
		RateOverride: ident.RateOverride,
	}, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func extractBearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
