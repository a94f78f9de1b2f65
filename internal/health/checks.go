package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxgpt/internal/resilience"
)

// Recognizer returns a checker that fails while no compatible speech
// recognizer is available.
func Recognizer(compatible func() bool) Checker {
	return Checker{
		Name: "recognizer",
		Check: func(context.Context) error {
			if !compatible() {
				return errors.New("no compatible speech recognizer")
			}
			return nil
		},
	}
}

// LLMBreakers returns a checker that fails when every completion backend has
// an open circuit breaker. A half-open backend counts as usable.
func LLMBreakers(states func() []resilience.EntryState) Checker {
	return Checker{
		Name: "llm",
		Check: func(context.Context) error {
			entries := states()
			open := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.State != resilience.StateOpen {
					return nil
				}
				open = append(open, e.Name)
			}
			if len(open) == 0 {
				return nil
			}
			return fmt.Errorf("all circuit breakers open: %s", strings.Join(open, ", "))
		},
	}
}
