// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes the two request shapes the chat session
// needs: a lazy stream of text deltas, or a single awaited reply.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/voxgpt/pkg/types"
)

// FinishReasonError is the FinishReason carried by a chunk that reports a
// failure after the stream was opened. The chunk's Text holds the error message.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// normally the user turn that drives the reply.
	Messages []types.Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// [FinishReasonError]. Empty on non-final chunks.
	FinishReason string
}

// Failed reports whether c carries a mid-stream error.
func (c Chunk) Failed() bool { return c.FinishReason == FinishReasonError }

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled.
	//
	// Errors after the channel is opened are surfaced as a Chunk whose
	// FinishReason is [FinishReasonError]; the error return is non-nil only for
	// failures that prevent the stream from starting. The returned channel is
	// never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() types.ModelCapabilities
}
