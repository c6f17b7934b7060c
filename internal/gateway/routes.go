package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/promptcraft/chat-gateway/internal/auth"
)

// RouterOptions collects what NewRouter mounts besides the chat handlers.
type RouterOptions struct {
	Authn       auth.Authenticator
	Metrics     http.Handler
	MetricsPath string
}

// NewRouter wires the public HTTP surface.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestID)

	// Unauthenticated routes
	r.Get("/healthz", h.liveness)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, opts.Metrics)
	}

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(opts.Authn))
		r.Post("/api/v2/chat/completions", h.ChatCompletions)
		r.Post("/api/v2/chat/completions/", h.ChatCompletions)
		r.Get("/api/v2/chat/health", h.Health)
		r.Get("/api/v2/chat/health/", h.Health)
	})

	return r
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Version: h.version})
}
