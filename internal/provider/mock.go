package provider

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/types"
)

const defaultMockMessage = "The assistant is temporarily unavailable. Please try again in a moment."

// Mock streams a fixed message word by word. It never fails and is used as the
// last resort in every chain.
type Mock struct {
	name  string
	words []string
	delay time.Duration
}

func NewMock(name string, cfg config.ProviderConfig) *Mock {
	msg := cfg.Message
	if strings.TrimSpace(msg) == "" {
		msg = defaultMockMessage
	}
	return &Mock{name: name, words: strings.Fields(msg), delay: cfg.ChunkDelay}
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) StreamCompletion(ctx context.Context, _ *types.ChatRequest) (ChunkStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockStream{ctx: ctx, words: m.words, delay: m.delay}, nil
}

type mockStream struct {
	ctx   context.Context
	words []string
	delay time.Duration

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *mockStream) Recv() (types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.pos > len(s.words) {
		return types.StreamChunk{}, io.EOF
	}

	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return types.StreamChunk{}, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return types.StreamChunk{}, err
	}

	i := s.pos
	s.pos++
	if i == len(s.words) {
		return types.StreamChunk{FinishReason: types.FinishStop}, nil
	}
	delta := s.words[i]
	if i > 0 {
		delta = " " + delta
	}
	return types.StreamChunk{Delta: delta}, nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
