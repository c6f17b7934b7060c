package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/promptcraft/chat-gateway/internal/auth"
	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/httputil"
	"github.com/promptcraft/chat-gateway/internal/proxy"
	"github.com/promptcraft/chat-gateway/internal/ratelimit"
	"github.com/promptcraft/chat-gateway/internal/router"
	"github.com/promptcraft/chat-gateway/internal/types"
)

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	proxy   *proxy.Service
	routes  *router.Active
	health  *router.HealthTracker
	cfg     func() *config.Config
	version string
}

func NewHandler(svc *proxy.Service, routes *router.Active, health *router.HealthTracker, cfg func() *config.Config, version string) *Handler {
	return &Handler{
		proxy:   svc,
		routes:  routes,
		health:  health,
		cfg:     cfg,
		version: version,
	}
}

// chatBody lets an omitted "stream" default to true.
type chatBody struct {
	types.ChatRequest
	Stream *bool `json:"stream"`
}

// ChatCompletions handles POST /api/v2/chat/completions/
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	serverCfg := h.cfg().Server

	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	if serverCfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, serverCfg.MaxBodyBytes)
	}
	defer r.Body.Close()

	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteBadRequestError(w, reqID, "Request body too large")
			return
		}
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	req := body.ChatRequest
	req.Stream = body.Stream == nil || *body.Stream

	if req.Stream && !acceptsEventStream(r.Header.Get("Accept")) {
		httputil.WriteNotAcceptableError(w, reqID, "Streaming responses require Accept: text/event-stream")
		return
	}

	st, err := h.proxy.Submit(r.Context(), &req, id)
	if err != nil {
		h.writeSubmitError(w, reqID, err)
		return
	}
	defer st.Close()

	if req.Stream {
		streamSSE(w, reqID, st, serverCfg.SSEKeepAlive)
		return
	}
	h.writeCompletion(w, reqID, st)
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, reqID string, err error) {
	var limited *proxy.RateLimitedError
	switch {
	case errors.As(err, &limited):
		ratelimit.SetHeaders(w.Header(), limited.Decision)
		httputil.WriteRateLimitError(w, reqID, "Rate limit exceeded, retry later")
	case errors.Is(err, auth.ErrUnauthorized):
		httputil.WriteAuthError(w, reqID, "Not authenticated")
	case errors.Is(err, proxy.ErrInvalidRequest):
		httputil.WriteBadRequestError(w, reqID, strings.TrimPrefix(err.Error(), proxy.ErrInvalidRequest.Error()+": "))
	case errors.Is(err, proxy.ErrPolicyDenied):
		httputil.WriteForbiddenError(w, reqID, err.Error())
	default:
		slog.Error("chat request rejected", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Internal error")
	}
}

// writeCompletion aggregates the stream into a single JSON body.
func (h *Handler) writeCompletion(w http.ResponseWriter, reqID string, st *proxy.Stream) {
	resp := types.Completion{
		ID:      st.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
	}
	var content strings.Builder
	var last types.StreamChunk
	for chunk := range st.Chunks() {
		content.WriteString(chunk.Delta)
		last = chunk
	}
	if !last.FinishReason.Terminal() {
		// Client went away before the stream finished.
		return
	}

	ratelimit.SetHeaders(w.Header(), st.RateLimit)
	if last.Error != nil {
		httputil.WriteUpstreamError(w, reqID, last.Error.Message)
		return
	}

	resp.Model = last.Model
	resp.Provider = last.Provider
	resp.Content = content.String()
	resp.FinishReason = last.FinishReason
	resp.Chunks = st.Outcome().Chunks

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Health handles GET /api/v2/chat/health/
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]string)
	for _, name := range h.routes.Registry().Names() {
		providers[name] = h.health.State(name).String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:    "healthy",
		Version:   h.version,
		Providers: providers,
	})
}

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Providers map[string]string `json:"providers,omitempty"`
}

// acceptsEventStream reports whether an Accept header admits text/event-stream.
// A missing header accepts anything.
func acceptsEventStream(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		switch strings.ToLower(strings.TrimSpace(mediaType)) {
		case "text/event-stream", "text/*", "*/*":
			return true
		}
	}
	return false
}
