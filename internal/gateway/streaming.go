package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptcraft/chat-gateway/internal/proxy"
	"github.com/promptcraft/chat-gateway/internal/ratelimit"
)

// sseWriteTimeout bounds a single event write to a slow client.
const sseWriteTimeout = 30 * time.Second

// streamSSE forwards each chunk of st to the client as one SSE data event,
// flushing after every event. Keep-alive comments are sent while waiting.
func streamSSE(w http.ResponseWriter, reqID string, st *proxy.Stream, keepAlive time.Duration) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Request-ID", reqID)
	ratelimit.SetHeaders(h, st.RateLimit)
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming not supported", "request_id", reqID, "error", err)
		st.Close()
		return
	}

	var tick <-chan time.Time
	if keepAlive > 0 {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case chunk, ok := <-st.Chunks():
			if !ok {
				return
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				slog.Error("failed to encode chunk", "request_id", reqID, "error", err)
				st.Close()
				return
			}
			if err := writeEvent(rc, w, "data: %s\n\n", data); err != nil {
				slog.Info("client stopped reading stream", "request_id", reqID, "error", err)
				st.Close()
				return
			}
		case <-tick:
			if err := writeEvent(rc, w, ": keep-alive\n\n"); err != nil {
				st.Close()
				return
			}
		}
	}
}

func writeEvent(rc *http.ResponseController, w http.ResponseWriter, format string, args ...any) error {
	if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(w, format, args...); err != nil {
		return err
	}
	return rc.Flush()
}
