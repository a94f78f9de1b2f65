package chat

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxgpt/pkg/types"
)

func TestHistory_AppendToLastGrowsAssistantMessage(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	h.Append(types.ChatMessage{Role: types.RoleUser, Text: "hola"})
	h.Append(types.ChatMessage{Role: types.RoleAssistant, Text: "Ho"})
	v, err := h.AppendToLast("la")
	if err != nil {
		t.Fatalf("AppendToLast: %v", err)
	}
	if v != 3 || h.Version() != 3 {
		t.Errorf("version = %d/%d, want 3", v, h.Version())
	}
	last, ok := h.Last()
	if !ok || last.Text != "Hola" || last.Role != types.RoleAssistant {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
}

func TestHistory_AppendToLastRequiresAssistant(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	if _, err := h.AppendToLast("x"); !errors.Is(err, ErrNoAssistantMessage) {
		t.Errorf("empty history: err = %v, want ErrNoAssistantMessage", err)
	}
	h.Append(types.ChatMessage{Role: types.RoleUser, Text: "hola"})
	if _, err := h.AppendToLast("x"); !errors.Is(err, ErrNoAssistantMessage) {
		t.Errorf("user last: err = %v, want ErrNoAssistantMessage", err)
	}
	if h.Version() != 1 {
		t.Errorf("failed append changed version to %d", h.Version())
	}
}

func TestHistory_PayloadSkipsInternal(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	h.Append(types.ChatMessage{Role: types.RoleInternal, Text: "session started"})
	h.Append(types.ChatMessage{Role: types.RoleUser, Text: "hola"})
	h.Append(types.ChatMessage{Role: types.RoleAssistant, Text: "buenas"})
	h.Append(types.ChatMessage{Role: types.RoleInternal, Text: "note"})

	got := h.Payload()
	want := []types.Message{
		{Role: "user", Content: "hola"},
		{Role: "assistant", Content: "buenas"},
	}
	if len(got) != len(want) {
		t.Fatalf("payload = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("payload[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if h.Len() != 4 {
		t.Errorf("Len() = %d, want 4", h.Len())
	}
}

func TestHistory_MessagesIsCopy(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	h.Append(types.ChatMessage{Role: types.RoleUser, Text: "hola"})
	msgs := h.Messages()
	msgs[0].Text = "changed"
	if last, _ := h.Last(); last.Text != "hola" {
		t.Errorf("history mutated through Messages(): %q", last.Text)
	}
}
