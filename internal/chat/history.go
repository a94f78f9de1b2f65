package chat

import (
	"errors"
	"sync"

	"github.com/MrWong99/voxgpt/pkg/types"
)

// ErrNoAssistantMessage is returned by [History.AppendToLast] when the most
// recent message is not an assistant reply.
var ErrNoAssistantMessage = errors.New("chat: last message is not an assistant reply")

// History is the ordered chat message list of one session. It is append-only
// except for the text of the most recent assistant message, which grows
// through [History.AppendToLast] while a reply streams in. Every mutation
// bumps the version returned by [History.Version].
//
// All methods are safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []types.ChatMessage
	version  uint64
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{}
}

// Append adds msg to the end of the history and returns the new version.
func (h *History) Append(msg types.ChatMessage) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	h.version++
	return h.version
}

// AppendToLast appends delta to the text of the most recent message, which
// must be an assistant reply.
func (h *History) AppendToLast(delta string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.messages)
	if n == 0 || h.messages[n-1].Role != types.RoleAssistant {
		return h.version, ErrNoAssistantMessage
	}
	h.messages[n-1].Text += delta
	h.version++
	return h.version, nil
}

// Messages returns a copy of the history.
func (h *History) Messages() []types.ChatMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ChatMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// Last returns the most recent message. ok is false when the history is empty.
func (h *History) Last() (msg types.ChatMessage, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) == 0 {
		return types.ChatMessage{}, false
	}
	return h.messages[len(h.messages)-1], true
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Version returns the mutation counter. It starts at zero and increases by
// one on every Append and AppendToLast.
func (h *History) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// Payload converts the history into the message list sent to a completion
// backend. Internal messages are left out.
func (h *History) Payload() []types.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.Message, 0, len(h.messages))
	for _, m := range h.messages {
		switch m.Role {
		case types.RoleUser, types.RoleAssistant:
			out = append(out, types.Message{Role: m.Role.String(), Content: m.Text})
		}
	}
	return out
}
