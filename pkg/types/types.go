// Package types defines the shared types used across voxgpt packages.
//
// Chat history lives in internal/chat and provider payloads live in the
// provider packages; the data structures both sides need are kept here to
// avoid import cycles.
package types

// ChatRole identifies who authored a [ChatMessage].
type ChatRole int

const (
	// RoleUser marks an utterance captured from the speaker.
	RoleUser ChatRole = iota

	// RoleAssistant marks a reply produced by the completion backend.
	RoleAssistant

	// RoleInternal marks bookkeeping messages. They stay in the local history
	// but are never sent to a completion backend.
	RoleInternal
)

// String returns the lower-case role name.
func (r ChatRole) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ChatMessage is one entry in a chat history.
type ChatMessage struct {
	Role ChatRole
	Text string
}

// Message is a single message in the shape a completion backend expects.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
