// Package provider adapts upstream chat completion APIs to a common chunk stream.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/types"
)

// Provider opens streaming completions against one upstream.
type Provider interface {
	Name() string
	StreamCompletion(ctx context.Context, req *types.ChatRequest) (ChunkStream, error)
}

// ChunkStream yields decoded chunks in upstream order. Only Delta and
// FinishReason are populated. Recv returns io.EOF once the upstream closes.
type ChunkStream interface {
	Recv() (types.StreamChunk, error)
	Close() error
}

// ErrMalformedPayload is returned when an upstream event cannot be decoded.
var ErrMalformedPayload = errors.New("malformed upstream payload")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// maxErrorBody caps how much of an upstream error body is kept.
const maxErrorBody = 4096

// New builds the provider described by cfg. HTTP-backed providers get their own
// client from NewHTTPClient.
func New(name string, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case config.ProviderMock:
		return NewMock(name, cfg), nil
	case config.ProviderOpenAICompat, config.ProviderOpenAI, config.ProviderAnthropic:
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", name, cfg.Type)
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", name)
	}
	client := NewHTTPClient(context.Background(), cfg)

	switch cfg.Type {
	case config.ProviderOpenAI:
		return NewOpenAI(name, cfg, client), nil
	case config.ProviderAnthropic:
		return NewAnthropic(name, cfg, client), nil
	default:
		return NewOpenAICompat(name, cfg, client), nil
	}
}

func readErrorBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return body
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
