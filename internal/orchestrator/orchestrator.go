// Package orchestrator binds the recognition status stream to chat turns.
//
// The [Orchestrator] reads every [recognition.Snapshot] in order and reacts:
// the capture command sends the recognized text to the chat session, any
// other command raises the interrupt pulse that stops an in-flight reply,
// and the recoverable statuses (SpeechEnd, NoMatch, Error) restart listening
// so capture continues after each utterance. It also owns the language
// rotator and the capturing flag behind the listen toggle.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgpt/internal/chat"
	"github.com/MrWong99/voxgpt/internal/locale"
	"github.com/MrWong99/voxgpt/internal/observe"
	"github.com/MrWong99/voxgpt/internal/pulse"
	"github.com/MrWong99/voxgpt/internal/recognition"
	"github.com/MrWong99/voxgpt/internal/voicecmd"
	"github.com/MrWong99/voxgpt/pkg/provider/llm"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
)

const (
	// DefaultCaptureCommand is the command word that starts a chat turn.
	DefaultCaptureCommand = "Gloria"

	// DefaultSpeechEndRestart is the delay between SpeechEnd and the next start.
	DefaultSpeechEndRestart = time.Second

	// DefaultRestartRetry is the delay before retrying a failed start.
	DefaultRestartRetry = time.Second
)

// Recognizer is the recognition side the orchestrator drives.
// *recognition.Machine satisfies it.
type Recognizer interface {
	Snapshots() <-chan recognition.Snapshot
	Start(ctx context.Context) error
	Abort() error
	Silence() error
	SetLanguage(lang string)
	SetCommands(commands []string)
	Compatible() bool
}

// Conversation is the chat side the orchestrator feeds. *chat.Session
// satisfies it.
type Conversation interface {
	Chat(ctx context.Context, text string) error
	Busy() bool
	CurrentTurn() string
	RegisterStreamObserver(fn chat.StreamObserver)
}

// Timings holds the orchestrator delays. Zero values select the defaults.
type Timings struct {
	SpeechEndRestart time.Duration
	RestartRetry     time.Duration
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithCaptureCommand sets the command word that starts a chat turn.
// Default: [DefaultCaptureCommand].
func WithCaptureCommand(word string) Option {
	return func(o *Orchestrator) { o.captureCmd = word }
}

// WithTimings overrides the restart delays.
func WithTimings(t Timings) Option {
	return func(o *Orchestrator) {
		if t.SpeechEndRestart > 0 {
			o.timings.SpeechEndRestart = t.SpeechEndRestart
		}
		if t.RestartRetry > 0 {
			o.timings.RestartRetry = t.RestartRetry
		}
	}
}

// WithPulse sets the interrupt signal. Default: a new [pulse.Signal] with
// [pulse.DefaultDecay].
func WithPulse(p *pulse.Signal) Option {
	return func(o *Orchestrator) { o.pulse = p }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStatusHook registers fn to be called with every snapshot after the
// orchestrator has acted on it.
func WithStatusHook(fn func(recognition.Snapshot)) Option {
	return func(o *Orchestrator) { o.hook = fn }
}

// Orchestrator coordinates one voice session. All exported methods are safe
// for concurrent use.
type Orchestrator struct {
	rec     Recognizer
	conv    Conversation
	langs   *locale.Rotator
	pulse   *pulse.Signal
	metrics *observe.Metrics
	timings Timings
	hook    func(recognition.Snapshot)

	mu         sync.Mutex
	captureCmd string
	capturing  bool
	silenced   bool
	runCtx     context.Context
	restart    *time.Timer
	restartGen uint64

	// Interrupt command already acted on from an interim result of the
	// current utterance.
	earlyCmd string

	// Pulse generation seen at the first chunk of latchTurn.
	latched   bool
	latchTurn string
	latchGen  uint64
}

// New creates an Orchestrator. The recognizer language is set to the
// rotator's current tag and an interrupt-aware stream observer is registered
// on conv.
func New(rec Recognizer, conv Conversation, langs *locale.Rotator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rec:        rec,
		conv:       conv,
		langs:      langs,
		captureCmd: DefaultCaptureCommand,
		timings: Timings{
			SpeechEndRestart: DefaultSpeechEndRestart,
			RestartRetry:     DefaultRestartRetry,
		},
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pulse == nil {
		o.pulse = pulse.New(pulse.DefaultDecay)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	rec.SetLanguage(langs.Current())
	conv.RegisterStreamObserver(o.keepStreaming)
	return o
}

// keepStreaming is the stream observer. A turn stops once the pulse is
// raised, or has been raised at any point since the turn's first chunk, so an
// interrupt is not lost when the next delta arrives after the decay window.
func (o *Orchestrator) keepStreaming(llm.Chunk) bool {
	turn := o.conv.CurrentTurn()
	gen := o.pulse.Generation()
	raised := o.pulse.Raised()

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.latched || turn != o.latchTurn {
		o.latched = true
		o.latchTurn = turn
		o.latchGen = gen
	}
	return !raised && gen == o.latchGen
}

// Run consumes recognition snapshots until ctx is cancelled or the snapshot
// stream closes. Pending restarts are cancelled on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelRestart()
		o.mu.Unlock()
		o.pulse.Close()
	}()

	snaps := o.rec.Snapshots()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			o.handle(ctx, s)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, s recognition.Snapshot) {
	switch s.Status {
	case recognition.Listening:
		o.setCapturing(true)

	case recognition.Command:
		o.onCommand(ctx, s)

	case recognition.Recognized:
		if !s.Interim {
			o.forgetEarlyCommand()
		}
		slog.Debug("orchestrator: speech without command", "text", s.RecognizedText, "interim", s.Interim)

	case recognition.SpeechEnd:
		o.forgetEarlyCommand()
		o.mu.Lock()
		if !o.silenced {
			o.scheduleRestart(o.timings.SpeechEndRestart, "speech_end")
		}
		o.mu.Unlock()

	case recognition.NoMatch:
		o.forgetEarlyCommand()
		o.restartNow(ctx, "no_match")

	case recognition.Error:
		o.forgetEarlyCommand()
		slog.Warn("orchestrator: recognition error, restarting", "err", s.Err)
		o.restartNow(ctx, "error")

	case recognition.Stopped:
		o.mu.Lock()
		o.capturing = false
		o.earlyCmd = ""
		o.cancelRestart()
		o.mu.Unlock()

	case recognition.Incompatible:
		o.setCapturing(false)
		slog.Warn("orchestrator: no compatible speech recognizer, voice input disabled")
	}

	if o.hook != nil {
		o.hook(s)
	}
}

// onCommand acts on a detected command. An interrupt command acts on the
// first result that carries it, interim or final, and only once per
// utterance. The capture command waits for the final result so the whole
// utterance reaches the chat.
func (o *Orchestrator) onCommand(ctx context.Context, s recognition.Snapshot) {
	o.mu.Lock()
	capture := o.captureCmd
	early := o.earlyCmd
	if s.Interim {
		o.earlyCmd = s.DetectedCommand
	} else {
		o.earlyCmd = ""
	}
	o.mu.Unlock()

	if !voicecmd.Matches(s.DetectedCommand, capture) {
		if early != "" && voicecmd.Matches(s.DetectedCommand, early) {
			slog.Debug("orchestrator: interrupt already raised for this utterance", "command", s.DetectedCommand)
			return
		}
		slog.Info("orchestrator: interrupt command", "command", s.DetectedCommand, "interim", s.Interim)
		o.Interrupt()
		return
	}
	if s.Interim {
		slog.Debug("orchestrator: capture command heard, awaiting final result", "text", s.RecognizedText)
		return
	}
	if o.conv.Busy() {
		slog.Warn("orchestrator: capture ignored, reply still in flight", "text", s.RecognizedText)
		return
	}
	if err := o.conv.Chat(ctx, s.RecognizedText); err != nil {
		slog.Warn("orchestrator: chat turn not started", "err", err)
	}
}

func (o *Orchestrator) forgetEarlyCommand() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.earlyCmd = ""
}

// Interrupt raises the interrupt pulse. Any streaming reply stops after at
// most one more delta, however late that delta arrives.
func (o *Orchestrator) Interrupt() {
	o.pulse.Raise()
	o.metrics.RecordInterrupt(context.Background())
}

// Interrupted reports whether the interrupt pulse is currently raised.
func (o *Orchestrator) Interrupted() bool { return o.pulse.Raised() }

// Listen starts listening and re-enables automatic restarts.
func (o *Orchestrator) Listen(ctx context.Context) error {
	o.mu.Lock()
	o.silenced = false
	o.mu.Unlock()
	return o.rec.Start(ctx)
}

// Silence stops listening. Automatic restarts stay off until the next
// [Orchestrator.Listen].
func (o *Orchestrator) Silence() error {
	o.mu.Lock()
	o.silenced = true
	o.cancelRestart()
	o.mu.Unlock()
	return o.rec.Silence()
}

// Toggle silences the session while capturing, and starts listening otherwise.
func (o *Orchestrator) Toggle(ctx context.Context) error {
	if o.Capturing() {
		return o.Silence()
	}
	return o.Listen(ctx)
}

// Abort cancels a pending restart and aborts the current capture.
func (o *Orchestrator) Abort() error {
	o.mu.Lock()
	o.cancelRestart()
	o.mu.Unlock()
	return o.rec.Abort()
}

// Capturing reports whether the session is actively listening.
func (o *Orchestrator) Capturing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.capturing
}

// CurrentLanguage returns the active recognition language.
func (o *Orchestrator) CurrentLanguage() string { return o.rotator().Current() }

// Rotate advances to the next language. The recognizer uses it from its next
// start.
func (o *Orchestrator) Rotate() string {
	lang := o.rotator().Rotate()
	o.rec.SetLanguage(lang)
	slog.Info("orchestrator: language rotated", "lang", lang)
	return lang
}

// SetLanguages replaces the rotation list. The recognizer switches to the
// first tag of langs from its next start.
func (o *Orchestrator) SetLanguages(langs *locale.Rotator) {
	o.mu.Lock()
	o.langs = langs
	o.mu.Unlock()
	o.rec.SetLanguage(langs.Current())
}

func (o *Orchestrator) rotator() *locale.Rotator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.langs
}

// SetCaptureCommand changes the command word that starts a chat turn.
func (o *Orchestrator) SetCaptureCommand(word string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.captureCmd = word
}

// CaptureCommand returns the command word that starts a chat turn.
func (o *Orchestrator) CaptureCommand() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.captureCmd
}

// SetCommands replaces the recognizer's command list.
func (o *Orchestrator) SetCommands(commands []string) {
	o.rec.SetCommands(commands)
}

func (o *Orchestrator) setCapturing(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.capturing = v
}

func (o *Orchestrator) restartNow(ctx context.Context, reason string) {
	o.mu.Lock()
	silenced := o.silenced
	o.cancelRestart()
	o.mu.Unlock()
	if silenced {
		return
	}
	o.startRecognizer(ctx, reason)
}

func (o *Orchestrator) startRecognizer(ctx context.Context, reason string) {
	o.metrics.RecordListenRestart(ctx, reason)
	if err := o.rec.Start(ctx); err != nil {
		if errors.Is(err, recognizer.ErrExhausted) {
			o.mu.Lock()
			o.silenced = true
			o.cancelRestart()
			o.mu.Unlock()
			slog.Warn("orchestrator: recognizer input exhausted, restarts disabled", "reason", reason, "err", err)
			return
		}
		slog.Warn("orchestrator: restart failed, retrying", "reason", reason, "err", err, "retry_in", o.timings.RestartRetry)
		o.mu.Lock()
		if !o.silenced {
			o.scheduleRestart(o.timings.RestartRetry, "retry")
		}
		o.mu.Unlock()
	}
}

// scheduleRestart replaces any pending restart. Must be called with o.mu held.
func (o *Orchestrator) scheduleRestart(d time.Duration, reason string) {
	o.cancelRestart()
	gen := o.restartGen
	ctx := o.runCtx
	o.restart = time.AfterFunc(d, func() {
		o.mu.Lock()
		if gen != o.restartGen || o.silenced || ctx.Err() != nil {
			o.mu.Unlock()
			return
		}
		o.restart = nil
		o.mu.Unlock()
		o.startRecognizer(ctx, reason)
	})
}

// cancelRestart must be called with o.mu held.
func (o *Orchestrator) cancelRestart() {
	o.restartGen++
	if o.restart != nil {
		o.restart.Stop()
		o.restart = nil
	}
}
