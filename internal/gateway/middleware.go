package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/promptcraft/chat-gateway/internal/telemetry"
)

// RequestID tags each request with an ID, reusing a caller-supplied
// X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := telemetry.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
