package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/voxgpt/internal/chat"
	"github.com/MrWong99/voxgpt/internal/recognition"
	"github.com/MrWong99/voxgpt/pkg/types"
)

// presenter renders the session on a terminal: status changes, user turns
// and the reply text as it streams in. It implements [chat.Listener].
type presenter struct {
	mu       sync.Mutex
	w        io.Writer
	last     recognition.Status
	midReply bool
}

var _ chat.Listener = (*presenter)(nil)

func newPresenter(w io.Writer) *presenter {
	return &presenter{w: w, last: recognition.Uninitialized}
}

// Status is the orchestrator status hook. Repeated statuses without text are
// collapsed.
func (p *presenter) Status(s recognition.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch s.Status {
	case recognition.Recognized, recognition.Command:
		p.breakReply()
		fmt.Fprintf(p.w, "[%s] %s\n", s.Status, s.RecognizedText)
	case recognition.Error:
		p.breakReply()
		fmt.Fprintf(p.w, "[%s] %v\n", s.Status, s.Err)
	default:
		if s.Status == p.last {
			return
		}
		p.breakReply()
		fmt.Fprintf(p.w, "[%s]\n", s.Status)
	}
	p.last = s.Status
}

func (p *presenter) MessageAppended(msg types.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Role {
	case types.RoleUser:
		p.breakReply()
		fmt.Fprintf(p.w, "you> %s\n", msg.Text)
	case types.RoleAssistant:
		p.breakReply()
		fmt.Fprintf(p.w, "gpt> %s", msg.Text)
		p.midReply = true
	}
}

func (p *presenter) DeltaAppended(delta string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, delta)
}

func (p *presenter) TurnEnded(_ string, outcome chat.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if outcome != chat.OutcomeComplete {
		if !p.midReply {
			fmt.Fprint(p.w, "gpt>")
		}
		fmt.Fprintf(p.w, " [%s]", outcome)
		p.midReply = true
	}
	p.breakReply()
}

// breakReply ends a partially printed reply line. Must be called with p.mu held.
func (p *presenter) breakReply() {
	if p.midReply {
		fmt.Fprintln(p.w)
		p.midReply = false
	}
}
