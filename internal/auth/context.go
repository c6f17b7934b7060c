package auth

import "context"

type contextKey string

const identityContextKey contextKey = "promptcraft_identity"

// Authentication methods recorded on an Identity.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
)

// Identity is the caller resolved from a bearer credential.
type Identity struct {
	UserID    string
	QuotaTier string
	// KeyID is the API key id or the JWT id, when present.
	KeyID  string
	Method string
}

func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}
