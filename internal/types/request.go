package types

import (
	"errors"
	"fmt"
)

// Message roles accepted on the inbound API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is the inbound chat-completion request. It is validated once and
// treated as immutable afterwards.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks the request invariants. The returned error describes the
// first violation found.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if last := r.Messages[len(r.Messages)-1]; last.Role != RoleUser {
		return fmt.Errorf("last message must have role %q, got %q", RoleUser, last.Role)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", *r.Temperature)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be a positive integer, got %d", *r.MaxTokens)
	}
	return nil
}

// WithModel returns a shallow copy of the request addressed to another model.
// Messages are shared, not copied.
func (r *ChatRequest) WithModel(model string) *ChatRequest {
	cp := *r
	cp.Model = model
	return &cp
}
