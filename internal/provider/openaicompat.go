package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/types"
)

// OpenAICompat speaks the OpenAI chat completions wire format over SSE. It
// covers GLM and any other endpoint that mirrors /chat/completions.
type OpenAICompat struct {
	name   string
	client *resty.Client
}

func NewOpenAICompat(name string, cfg config.ProviderConfig, hc *http.Client) *OpenAICompat {
	client := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		if v != "" {
			client.SetHeader(k, v)
		}
	}
	if cfg.OAuth2 == nil && cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &OpenAICompat{name: name, client: client}
}

func (p *OpenAICompat) Name() string { return p.name }

func (p *OpenAICompat) StreamCompletion(ctx context.Context, req *types.ChatRequest) (ChunkStream, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", p.name, err)
	}

	raw := resp.RawBody()
	if !isSuccess(resp.StatusCode()) {
		defer raw.Close()
		b, _ := io.ReadAll(io.LimitReader(raw, maxErrorBody))
		return nil, &StatusError{Provider: p.name, StatusCode: resp.StatusCode(), Body: readErrorBody(string(b))}
	}

	return &openAICompatStream{provider: p.name, body: raw, events: newSSEReader(raw)}, nil
}

type openAICompatStream struct {
	provider string
	body     io.ReadCloser
	events   *sseReader
}

func (s *openAICompatStream) Recv() (types.StreamChunk, error) {
	for {
		ev, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return types.StreamChunk{}, io.EOF
			}
			return types.StreamChunk{}, fmt.Errorf("%s: read stream: %w", s.provider, err)
		}
		if ev.Data == "[DONE]" {
			return types.StreamChunk{}, io.EOF
		}

		var payload chatCompletionChunk
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return types.StreamChunk{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, s.provider, err)
		}
		if payload.Error != nil {
			return types.StreamChunk{}, fmt.Errorf("%s: stream error: %s", s.provider, payload.Error.Message)
		}
		if len(payload.Choices) == 0 {
			// Usage-only or keep-alive payloads.
			continue
		}

		choice := payload.Choices[0]
		var reason string
		if choice.FinishReason != nil {
			reason = *choice.FinishReason
		}
		finish := types.NormalizeFinishReason(reason)
		if choice.Delta.Content == "" && !finish.Terminal() {
			continue
		}
		return types.StreamChunk{Delta: choice.Delta.Content, FinishReason: finish}, nil
	}
}

func (s *openAICompatStream) Close() error {
	return s.body.Close()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatCompletionChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}
