// Package recognizer defines the Device interface for continuous speech
// recognizers.
//
// A Device wraps a platform or network recognizer and reports its lifecycle as
// a serial stream of typed [Event] values: start, result, error, speech-end,
// no-match and end. The recognition state machine in internal/recognition is
// the only consumer; it never looks at audio, only at these events.
//
// Implementations must be safe for concurrent use. Events must be delivered in
// the order the underlying recognizer produced them.
package recognizer

import (
	"context"
	"errors"
)

// ErrIncompatible is returned by a device factory when no compatible
// recognizer is available on this host. Callers treat it as permanent.
var ErrIncompatible = errors.New("recognizer: no compatible speech recognizer available")

// ErrExhausted is wrapped by Start errors of a device whose input is gone for
// good, such as a console that reached EOF. Callers stop retrying.
var ErrExhausted = errors.New("recognizer: input exhausted")

// EventKind enumerates device lifecycle events.
type EventKind int

const (
	// EventStart is emitted once the device has begun capturing.
	EventStart EventKind = iota

	// EventResult carries one or more recognition results.
	EventResult

	// EventError reports a device failure. Err holds the cause.
	EventError

	// EventSpeechEnd is emitted when the device detects the end of speech.
	EventSpeechEnd

	// EventNoMatch is emitted when speech was heard but nothing was recognized.
	EventNoMatch

	// EventEnd is emitted when a capture has fully ended.
	EventEnd
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventSpeechEnd:
		return "speechend"
	case EventNoMatch:
		return "nomatch"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Alternative is one transcription hypothesis.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Result is the ordered hypotheses for one utterance segment, best first.
type Result struct {
	Alternatives []Alternative
	IsFinal      bool
}

// Event is a single device lifecycle event.
type Event struct {
	Kind EventKind

	// Results is set for EventResult. The most recent result is last.
	Results []Result

	// Err is set for EventError.
	Err error

	// Raw is the device-specific payload that produced this event, if any.
	Raw any
}

// Transcript returns the first alternative of the most recent result, or ""
// when the event carries none.
func (e Event) Transcript() string {
	if len(e.Results) == 0 {
		return ""
	}
	last := e.Results[len(e.Results)-1]
	if len(last.Alternatives) == 0 {
		return ""
	}
	return last.Alternatives[0].Transcript
}

// DefaultGrammar is the single-rule JSGF grammar used when none is configured.
const DefaultGrammar = "#JSGF V1.0; grammar names; public <name> = Gloria ;"

// Settings configures one capture.
type Settings struct {
	// Lang is the BCP-47 tag used for recognition, e.g. "en-US".
	Lang string

	// Continuous keeps the capture open across utterances.
	Continuous bool

	// InterimResults asks for non-final hypotheses as well.
	InterimResults bool

	// MaxAlternatives caps the hypotheses per result.
	MaxAlternatives int

	// Grammar is a JSGF grammar string. Devices that cannot use grammars ignore it.
	Grammar string

	// Keywords are vocabulary hints, typically the configured command words.
	Keywords []string
}

// Device is the abstraction over a continuous speech recognizer.
type Device interface {
	// Start begins a capture with the given settings. The device confirms
	// with an EventStart. Calling Start while a capture is active returns an
	// error.
	Start(ctx context.Context, s Settings) error

	// Stop requests a graceful end of the current capture. Results already in
	// flight may still be delivered. A no-op when idle.
	Stop() error

	// Abort ends the current capture immediately and drops results for the
	// in-progress utterance. A no-op when idle.
	Abort() error

	// Events returns the device's event stream. The channel lives for the
	// device's lifetime and is closed by Close.
	Events() <-chan Event

	// Close releases all resources. Calling Close more than once is safe.
	Close() error
}
