package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/types"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams completions through the official OpenAI API using go-openai.
type OpenAI struct {
	name   string
	client *openai.Client
}

func NewOpenAI(name string, cfg config.ProviderConfig, hc *http.Client) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = hc
	return &OpenAI{name: name, client: openai.NewClientWithConfig(oc)}
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) StreamCompletion(ctx context.Context, req *types.ChatRequest) (ChunkStream, error) {
	r := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		Stream:   true,
	}
	for _, m := range req.Messages {
		r.Messages = append(r.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != nil {
		r.Temperature = float32(*req.Temperature)
		// go-openai omits a zero temperature from the body.
		if r.Temperature == 0 {
			r.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.MaxTokens != nil {
		r.MaxTokens = *req.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return nil, p.wrapError(err)
	}
	return &openAIStream{provider: p, stream: stream}, nil
}

func (p *OpenAI) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Body: readErrorBody(apiErr.Message)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{Provider: p.name, StatusCode: reqErr.HTTPStatusCode, Body: readErrorBody(reqErr.Error())}
	}
	return fmt.Errorf("%s: %w", p.name, err)
}

type openAIStream struct {
	provider *OpenAI
	stream   *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (types.StreamChunk, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return types.StreamChunk{}, io.EOF
			}
			return types.StreamChunk{}, s.provider.wrapError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		finish := types.NormalizeFinishReason(string(choice.FinishReason))
		if choice.Delta.Content == "" && !finish.Terminal() {
			continue
		}
		return types.StreamChunk{Delta: choice.Delta.Content, FinishReason: finish}, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
