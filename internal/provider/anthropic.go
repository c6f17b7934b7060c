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

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// Anthropic handles communication with the Anthropic Messages API.
type Anthropic struct {
	name   string
	client *resty.Client
}

func NewAnthropic(name string, cfg config.ProviderConfig, hc *http.Client) *Anthropic {
	version := cfg.APIVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	client := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("anthropic-version", version)
	if cfg.APIKey != "" {
		client.SetHeader("x-api-key", cfg.APIKey)
	}
	for k, v := range cfg.Headers {
		if v != "" {
			client.SetHeader(k, v)
		}
	}
	return &Anthropic{name: name, client: client}
}

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) StreamCompletion(ctx context.Context, req *types.ChatRequest) (ChunkStream, error) {
	// System messages move to the top-level system field.
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	// Anthropic requires max_tokens
	maxTokens := defaultAnthropicMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := anthropicRequestBody{
		Model:       req.Model,
		Messages:    messages,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		Post("/messages")
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", a.name, err)
	}

	raw := resp.RawBody()
	if !isSuccess(resp.StatusCode()) {
		defer raw.Close()
		b, _ := io.ReadAll(io.LimitReader(raw, maxErrorBody))
		return nil, &StatusError{Provider: a.name, StatusCode: resp.StatusCode(), Body: readErrorBody(string(b))}
	}

	return &anthropicStream{provider: a.name, body: raw, events: newSSEReader(raw)}, nil
}

// anthropicStream converts Messages API events into chunks:
// content_block_delta (text) becomes a delta, message_delta carries the stop
// reason, message_stop ends the stream. Other events are skipped.
type anthropicStream struct {
	provider string
	body     io.ReadCloser
	events   *sseReader
}

func (s *anthropicStream) Recv() (types.StreamChunk, error) {
	for {
		ev, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return types.StreamChunk{}, io.EOF
			}
			return types.StreamChunk{}, fmt.Errorf("%s: read stream: %w", s.provider, err)
		}

		var event anthropicEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			return types.StreamChunk{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, s.provider, err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return types.StreamChunk{Delta: event.Delta.Text}, nil
			}
		case "message_delta":
			if finish := types.NormalizeFinishReason(event.Delta.StopReason); finish.Terminal() {
				return types.StreamChunk{FinishReason: finish}, nil
			}
		case "message_stop":
			return types.StreamChunk{}, io.EOF
		case "error":
			return types.StreamChunk{}, fmt.Errorf("%s: stream error: %s", s.provider, event.Error.Message)
		}
	}
}

func (s *anthropicStream) Close() error {
	return s.body.Close()
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
