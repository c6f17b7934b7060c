package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/promptcraft/chat-gateway/internal/httputil"
)

// Middleware returns a chi middleware that authenticates requests via Bearer token.
func Middleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteAuthError(w, reqID, "Missing Authorization header. Use: Authorization: Bearer <token>")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				httputil.WriteAuthError(w, reqID, "Invalid Authorization format. Use: Authorization: Bearer <token>")
				return
			}
			token = strings.TrimSpace(token)
			if token == "" {
				httputil.WriteAuthError(w, reqID, "Empty bearer token")
				return
			}

			id, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					slog.Warn("auth failed", "request_id", reqID, "error", err, "token_prefix", safePrefix(token))
					httputil.WriteAuthError(w, reqID, "Invalid or expired credential")
					return
				}
				slog.Error("authentication error", "request_id", reqID, "error", err, "token_prefix", safePrefix(token))
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// safePrefix returns a safe-to-log prefix of a credential (never the full value).
func safePrefix(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return "***"
}
