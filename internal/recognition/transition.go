// Package recognition turns the raw lifecycle events of a continuous speech
// recognizer into a normalized, restartable status stream.
//
// The rules live in [Transition], a pure function from the current
// [Snapshot] and one device event to the next snapshot plus the side effects
// the caller must perform. [Machine] wraps a [recognizer.Device], feeds its
// events through Transition, carries out the effects and publishes every
// resulting snapshot in order.
package recognition

import (
	"github.com/MrWong99/voxgpt/internal/voicecmd"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
)

// Status is the externally visible state of the recognizer.
type Status int

const (
	Uninitialized Status = iota
	Incompatible
	Listening
	Recognized
	Command
	NoMatch
	Error
	SpeechEnd
	Stopped
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Incompatible:
		return "Incompatible"
	case Listening:
		return "Listening"
	case Recognized:
		return "Recognized"
	case Command:
		return "Command"
	case NoMatch:
		return "NoMatch"
	case Error:
		return "Error"
	case SpeechEnd:
		return "SpeechEnd"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Snapshot is one immutable view of the recognizer state. A new snapshot is
// published for every state-changing event and supersedes the previous one.
type Snapshot struct {
	Status Status

	// RecognizedText is the full transcript of the most recent result. It is
	// carried forward by later snapshots until the next result replaces it.
	RecognizedText string

	// DetectedCommand is the configured command word matched by the most
	// recent result, or "".
	DetectedCommand string

	// Interim is set when the result behind a Recognized or Command snapshot
	// is a hypothesis the device may still revise.
	Interim bool

	// Err is set when Status is Error.
	Err error

	// Raw is the device payload that produced this snapshot, if any.
	Raw any

	// Seq increases by one with every published snapshot.
	Seq uint64
}

// Effects lists the side effects a transition asks the caller to perform.
type Effects struct {
	// StopDevice asks for a graceful device stop.
	StopDevice bool

	// ScheduleRelisten asks for a Listening snapshot after the re-listen delay.
	ScheduleRelisten bool
}

// Transition computes the snapshot that follows cur when ev arrives.
// commands may be nil. changed is false when the event does not alter the
// visible state (Incompatible is terminal, and end events are ignored).
//
// Interim and final results are both checked for commands; Interim tells
// them apart. A result without any alternative is treated as a no-match.
func Transition(cur Snapshot, ev recognizer.Event, commands *voicecmd.Matcher, continuous bool) (next Snapshot, fx Effects, changed bool) {
	if cur.Status == Incompatible {
		return cur, Effects{}, false
	}

	next = cur
	next.Err = nil
	next.Interim = false
	next.Raw = ev.Raw

	switch ev.Kind {
	case recognizer.EventStart:
		next.Status = Listening

	case recognizer.EventResult:
		if !hasAlternative(ev) {
			next.Status = NoMatch
			break
		}
		text := ev.Transcript()
		next.RecognizedText = text
		next.DetectedCommand = ""
		next.Status = Recognized
		next.Interim = !isFinal(ev)
		if commands != nil && !commands.Empty() {
			if cmd, ok := commands.Detect(text); ok {
				next.Status = Command
				next.DetectedCommand = cmd
			}
		}
		fx.ScheduleRelisten = continuous

	case recognizer.EventSpeechEnd:
		next.Status = SpeechEnd
		fx.StopDevice = true

	case recognizer.EventNoMatch:
		next.Status = NoMatch

	case recognizer.EventError:
		next.Status = Error
		next.Err = ev.Err

	default:
		return cur, Effects{}, false
	}

	return next, fx, true
}

// Relisten returns the snapshot published when a scheduled re-listen fires.
func Relisten(cur Snapshot) Snapshot {
	next := cur
	next.Status = Listening
	next.Err = nil
	next.Interim = false
	next.Raw = nil
	return next
}

func hasAlternative(ev recognizer.Event) bool {
	if len(ev.Results) == 0 {
		return false
	}
	return len(ev.Results[len(ev.Results)-1].Alternatives) > 0
}

// isFinal reports whether the most recent result is final. Devices that do
// not distinguish interim results mark every result final.
func isFinal(ev recognizer.Event) bool {
	return ev.Results[len(ev.Results)-1].IsFinal
}
