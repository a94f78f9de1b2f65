package pulse

import (
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestSignal_RaiseThenDecay(t *testing.T) {
	t.Parallel()

	s := New(30 * time.Millisecond)
	defer s.Close()

	if s.Raised() {
		t.Fatal("new signal must start cleared")
	}
	s.Raise()
	if !s.Raised() {
		t.Fatal("expected signal to read raised right after Raise")
	}
	if !waitFor(t, time.Second, func() bool { return !s.Raised() }) {
		t.Fatal("signal did not clear after its decay window")
	}
}

func TestSignal_ReRaiseRestartsWindow(t *testing.T) {
	t.Parallel()

	s := New(150 * time.Millisecond)
	defer s.Close()

	s.Raise()
	time.Sleep(100 * time.Millisecond)
	s.Raise()
	// The first timer would have fired by now; the second keeps it raised.
	time.Sleep(90 * time.Millisecond)
	if !s.Raised() {
		t.Fatal("re-raise must restart the decay window")
	}
	if !waitFor(t, time.Second, func() bool { return !s.Raised() }) {
		t.Fatal("signal did not clear after the restarted window")
	}

	// A cleared signal can be raised again.
	s.Raise()
	if !s.Raised() {
		t.Fatal("expected signal to be raisable after clearing")
	}
}

func TestSignal_DefaultDecay(t *testing.T) {
	t.Parallel()

	if got := New(0).Decay(); got != DefaultDecay {
		t.Errorf("Decay() = %v, want %v", got, DefaultDecay)
	}
}

func TestSignal_Close(t *testing.T) {
	t.Parallel()

	s := New(time.Hour)
	s.Raise()
	s.Close()
	if s.Raised() {
		t.Error("Close must clear the signal")
	}
	s.Raise()
	if s.Raised() {
		t.Error("Raise after Close must be ignored")
	}
}

func TestSignal_GenerationSurvivesDecay(t *testing.T) {
	t.Parallel()

	s := New(20 * time.Millisecond)
	defer s.Close()

	if got := s.Generation(); got != 0 {
		t.Fatalf("Generation() = %d on a new signal, want 0", got)
	}
	s.Raise()
	s.Raise()
	if !waitFor(t, time.Second, func() bool { return !s.Raised() }) {
		t.Fatal("signal did not clear")
	}
	if got := s.Generation(); got != 2 {
		t.Errorf("Generation() = %d after decay, want 2", got)
	}

	s.Close()
	s.Raise()
	if got := s.Generation(); got != 2 {
		t.Errorf("Generation() = %d after Raise on a closed signal, want 2", got)
	}
}
