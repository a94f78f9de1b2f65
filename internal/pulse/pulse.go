// Package pulse provides a momentary boolean signal.
//
// A [Signal] reads as raised for a fixed decay window after [Signal.Raise] and
// then clears itself. Readers poll it; there is exactly one writer (the
// orchestrator), and raising again while already raised restarts the window.
package pulse

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDecay is the window after which a raised signal clears itself.
const DefaultDecay = 250 * time.Millisecond

// Signal is a self-clearing boolean. The zero value is not usable; create one
// with [New]. All methods are safe for concurrent use.
type Signal struct {
	raised atomic.Bool
	decay  time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

// New returns a Signal that clears itself decay after each Raise. A
// non-positive decay selects [DefaultDecay].
func New(decay time.Duration) *Signal {
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &Signal{decay: decay}
}

// Raise sets the signal and (re)starts its decay window.
func (s *Signal) Raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.raised.Store(true)
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.decay, func() { s.clear(gen) })
}

// Raised reports whether the signal is currently set.
func (s *Signal) Raised() bool {
	return s.raised.Load()
}

// Generation returns the number of accepted Raise calls. It never decreases,
// so a reader that saw a generation can tell whether the signal was raised
// since, even after the decay window has cleared it.
func (s *Signal) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Decay returns the configured decay window.
func (s *Signal) Decay() time.Duration { return s.decay }

// clear resets the flag unless a newer Raise superseded the timer that fired.
func (s *Signal) clear(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.raised.Store(false)
	s.timer = nil
}

// Close stops any pending decay timer and clears the signal. Later calls to
// Raise are ignored.
func (s *Signal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.raised.Store(false)
}
