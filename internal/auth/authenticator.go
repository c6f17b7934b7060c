package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/promptcraft/chat-gateway/internal/types"
)

// ErrUnauthorized is returned for missing, malformed, unknown or expired credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves a bearer token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// APIKeyAuthenticator authenticates hashed API keys against a KeyStore.
type APIKeyAuthenticator struct {
	store       KeyStore
	defaultTier string
	now         func() time.Time
}

func NewAPIKeyAuthenticator(store KeyStore, defaultTier string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{store: store, defaultTier: defaultTier, now: time.Now}
}

func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	meta, err := a.store.Lookup(ctx, HashKey(token))
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	if meta.Expired(a.now()) {
		return nil, fmt.Errorf("%w: api key expired", ErrUnauthorized)
	}
	return &Identity{
		UserID:    meta.UserID,
		QuotaTier: tierOrDefault(meta.QuotaTier, a.defaultTier),
		KeyID:     meta.ID,
		Method:    MethodAPIKey,
	}, nil
}

// Dispatcher routes JWT-shaped tokens to the JWT authenticator and everything
// else to the API key authenticator. Either may be nil.
type Dispatcher struct {
	JWT     Authenticator
	APIKeys Authenticator
}

func (d *Dispatcher) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if looksLikeJWT(token) && d.JWT != nil {
		return d.JWT.Authenticate(ctx, token)
	}
	if d.APIKeys != nil {
		return d.APIKeys.Authenticate(ctx, token)
	}
	return nil, fmt.Errorf("%w: unsupported credential", ErrUnauthorized)
}

func looksLikeJWT(token string) bool {
	return strings.HasPrefix(token, "eyJ") && strings.Count(token, ".") == 2
}

func tierOrDefault(tier, def string) string {
	if t, ok := types.ParseTier(tier); ok {
		return string(t)
	}
	return def
}
