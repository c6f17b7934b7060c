package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/promptcraft/chat-gateway/internal/types"
)

func testRequest() *types.ChatRequest {
	temp := 0.7
	maxTokens := 64
	return &types.ChatRequest{
		Model: "glm-4-32b-0414-128k",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "Be terse."},
			{Role: types.RoleUser, Content: "Hello"},
		},
		Stream:      true,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}

// writeSSE writes each payload as one data event and flushes.
func writeSSE(t *testing.T, w http.ResponseWriter, payloads ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
		w.(http.Flusher).Flush()
	}
}

// drain reads a stream until io.EOF or an error.
func drain(t *testing.T, s ChunkStream) ([]types.StreamChunk, error) {
	t.Helper()
	defer s.Close()
	var chunks []types.StreamChunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func joinDeltas(chunks []types.StreamChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Delta)
	}
	return b.String()
}
