package types

// FinishReason marks the terminal chunk of a stream. The zero value means the
// chunk is not terminal.
type FinishReason string

const (
	FinishNone   FinishReason = ""
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// Terminal reports whether r ends a stream.
func (r FinishReason) Terminal() bool { return r != FinishNone }

// NormalizeFinishReason maps provider-specific stop reasons onto the three
// terminal reasons exposed to callers.
func NormalizeFinishReason(reason string) FinishReason {
	switch reason {
	case "":
		return FinishNone
	case "stop", "end_turn", "stop_sequence", "tool_calls", "function_call", "tool_use":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	default:
		// content_filter, sensitive, network_error and anything unknown
		return FinishError
	}
}

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Index        int          `json:"index"`
	Delta        string       `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Error        *ChunkError  `json:"error,omitempty"`
}

// ChunkError is attached to a terminal chunk with FinishError.
type ChunkError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const ErrorTypeUpstream = "upstream_error"

// Completion is the aggregated, non-streaming response body.
type Completion struct {
	ID           string       `json:"id"`
	Object       string       `json:"object"`
	Created      int64        `json:"created"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Chunks       int          `json:"chunks"`
}
