package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgpt/internal/observe"
	"github.com/MrWong99/voxgpt/internal/voicecmd"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
)

const (
	// DefaultLanguage is used when Config.Language is empty.
	DefaultLanguage = "en-US"

	// DefaultMaxAlternatives is used when Config.MaxAlternatives is zero.
	DefaultMaxAlternatives = 1

	// DefaultRelistenDelay is the delay before a continuous-mode result is
	// followed by a Listening snapshot.
	DefaultRelistenDelay = 50 * time.Millisecond
)

// Config holds the recognizer settings. Zero values select the defaults.
type Config struct {
	Language        string
	InterimResults  bool
	MaxAlternatives int
	Continuous      bool

	// Grammar defaults to [recognizer.DefaultGrammar].
	Grammar string

	// Commands is the list of command words checked against every result.
	Commands []string

	// RelistenDelay defaults to [DefaultRelistenDelay].
	RelistenDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = DefaultMaxAlternatives
	}
	if c.Grammar == "" {
		c.Grammar = recognizer.DefaultGrammar
	}
	if c.RelistenDelay <= 0 {
		c.RelistenDelay = DefaultRelistenDelay
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Machine)

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mc *Machine) {
		mc.metrics = m
	}
}

// Machine wraps a [recognizer.Device] and publishes a [Snapshot] for every
// state change. Create one with [New], then call [Machine.Run] to process
// device events. All methods are safe for concurrent use.
type Machine struct {
	dev     recognizer.Device
	metrics *observe.Metrics

	mu          sync.Mutex
	cfg         Config
	matcher     *voicecmd.Matcher
	snap        Snapshot
	seq         uint64
	capturing   bool // a device capture is active or being opened
	starting    bool
	pending     bool   // a Start arrived while the device was opening
	epoch       uint64 // bumped whenever a capture is ended on purpose
	ends        uint64 // bumped whenever the device ends or fails a capture
	relisten    *time.Timer
	relistenGen uint64
	queue       []Snapshot

	wake chan struct{}
	out  chan Snapshot
}

// New creates a Machine for dev. A nil dev means no compatible recognizer
// exists: the machine publishes a single Incompatible snapshot and every
// operation becomes a no-op.
func New(dev recognizer.Device, cfg Config, opts ...Option) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		dev:     dev,
		cfg:     cfg,
		matcher: voicecmd.New(cfg.Commands),
		wake:    make(chan struct{}, 1),
		out:     make(chan Snapshot, 16),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if dev == nil {
		m.mu.Lock()
		m.publish(Snapshot{Status: Incompatible})
		m.mu.Unlock()
	}
	return m
}

// Snapshots returns the ordered snapshot stream. It is closed when Run returns.
func (m *Machine) Snapshots() <-chan Snapshot { return m.out }

// Current returns the most recent snapshot.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Compatible reports whether a recognizer is available.
func (m *Machine) Compatible() bool { return m.dev != nil }

// Start begins listening. It is a no-op when the machine is Incompatible or a
// capture is already active while the status is Listening. When the device
// is still capturing under another status (for example after a no-match in
// continuous mode), Start publishes Listening without touching the device.
// Otherwise the device is started; the Listening snapshot follows once the
// device confirms. A device start failure is returned and publishes nothing.
//
// A Start that arrives while the device is still opening is remembered. If
// that capture ends before the device call returns, the device is started
// again for it.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.dev == nil || m.snap.Status == Incompatible {
		m.mu.Unlock()
		return nil
	}
	if m.starting {
		m.pending = true
		m.mu.Unlock()
		return nil
	}
	if m.capturing {
		if m.snap.Status != Listening {
			m.cancelRelisten()
			m.publish(Relisten(m.snap))
		}
		m.mu.Unlock()
		return nil
	}

	for {
		m.starting = true
		m.pending = false
		epoch, ends := m.epoch, m.ends
		settings := m.settings()
		m.mu.Unlock()

		err := m.dev.Start(ctx, settings)

		m.mu.Lock()
		m.starting = false
		if err != nil {
			m.capturing = false
			m.mu.Unlock()
			return fmt.Errorf("recognition: start device: %w", err)
		}
		superseded := epoch != m.epoch
		ended := m.ends != ends
		if !superseded && !ended {
			m.capturing = true
			m.mu.Unlock()
			slog.Debug("recognition: device started", "lang", settings.Lang, "continuous", settings.Continuous)
			return nil
		}

		// Stopped on purpose or failed by the device while it was opening.
		m.capturing = false
		again := m.pending && ctx.Err() == nil
		m.mu.Unlock()

		if superseded {
			if err := m.dev.Abort(); err != nil {
				return fmt.Errorf("recognition: abort device: %w", err)
			}
		}
		if !again {
			return nil
		}
		slog.Debug("recognition: capture ended while opening, starting again", "lang", settings.Lang)

		m.mu.Lock()
		if m.starting || m.capturing || m.snap.Status == Incompatible {
			m.mu.Unlock()
			return nil
		}
	}
}

// Stop requests a graceful device stop. It is a no-op unless the status is
// Listening with an active capture.
func (m *Machine) Stop() error {
	return m.halt("stop", m.devStop)
}

// Abort ends the capture immediately, dropping the in-progress utterance. It
// is a no-op unless the status is Listening with an active capture.
func (m *Machine) Abort() error {
	return m.halt("abort", m.devAbort)
}

func (m *Machine) devStop() error  { return m.dev.Stop() }
func (m *Machine) devAbort() error { return m.dev.Abort() }

func (m *Machine) halt(op string, fn func() error) error {
	m.mu.Lock()
	if m.dev == nil || m.snap.Status != Listening || !m.capturing {
		m.mu.Unlock()
		return nil
	}
	m.capturing = false
	m.pending = false
	m.epoch++
	m.cancelRelisten()
	m.mu.Unlock()

	if err := fn(); err != nil {
		return fmt.Errorf("recognition: %s device: %w", op, err)
	}
	return nil
}

// Silence deliberately ends listening: an active capture is aborted, any
// pending re-listen is cancelled and a Stopped snapshot is published.
func (m *Machine) Silence() error {
	m.mu.Lock()
	if m.dev == nil || m.snap.Status == Incompatible {
		m.mu.Unlock()
		return nil
	}
	wasCapturing := m.capturing
	m.capturing = false
	m.pending = false
	m.epoch++
	m.cancelRelisten()
	if m.snap.Status != Stopped {
		next := m.snap
		next.Status = Stopped
		next.Err = nil
		next.Raw = nil
		m.publish(next)
	}
	m.mu.Unlock()

	if wasCapturing {
		if err := m.dev.Abort(); err != nil {
			return fmt.Errorf("recognition: abort device: %w", err)
		}
	}
	return nil
}

// SetLanguage changes the recognition language. It applies from the next
// device start.
func (m *Machine) SetLanguage(lang string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lang == "" {
		lang = DefaultLanguage
	}
	m.cfg.Language = lang
}

// Language returns the configured recognition language.
func (m *Machine) Language() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Language
}

// SetCommands replaces the command list. It applies to the next result.
func (m *Machine) SetCommands(commands []string) {
	matcher := voicecmd.New(commands)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Commands = matcher.Commands()
	m.matcher = matcher
}

// Commands returns the configured command list.
func (m *Machine) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matcher.Commands()
}

// Run processes device events until ctx is cancelled or the device event
// stream closes, then flushes pending snapshots and closes the snapshot
// stream. Run must be called exactly once.
func (m *Machine) Run(ctx context.Context) error {
	stop := make(chan struct{})
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		m.dispatch(ctx, stop)
	}()
	defer func() {
		m.mu.Lock()
		m.cancelRelisten()
		m.mu.Unlock()
		close(stop)
		<-dispatched
	}()

	if m.dev == nil {
		<-ctx.Done()
		return nil
	}

	events := m.dev.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev recognizer.Event) {
	m.mu.Lock()

	// A newer device event always supersedes a pending re-listen.
	m.cancelRelisten()

	switch ev.Kind {
	case recognizer.EventStart:
		m.capturing = true
	case recognizer.EventError, recognizer.EventEnd:
		m.capturing = false
		m.ends++
	}

	next, fx, changed := Transition(m.snap, ev, m.matcher, m.cfg.Continuous)
	if !changed {
		m.mu.Unlock()
		slog.Debug("recognition: device event ignored", "event", ev.Kind)
		return
	}
	m.publish(next)

	if next.Status == Recognized && ev.Results[len(ev.Results)-1].IsFinal {
		if cmd, score, ok := m.matcher.NearMiss(next.RecognizedText); ok {
			slog.Debug("recognition: command near miss",
				"text", next.RecognizedText,
				"command", cmd,
				"score", score,
			)
		}
	}
	if fx.ScheduleRelisten {
		m.scheduleRelisten()
	}
	if fx.StopDevice {
		m.capturing = false
		m.ends++
	}
	m.mu.Unlock()

	if next.Status == Error {
		slog.Warn("recognition: device error", "err", ev.Err)
	}
	if fx.StopDevice {
		if err := m.dev.Stop(); err != nil {
			slog.Warn("recognition: stop after speech end failed", "err", err)
		}
	}
}

// settings must be called with m.mu held.
func (m *Machine) settings() recognizer.Settings {
	return recognizer.Settings{
		Lang:            m.cfg.Language,
		Continuous:      m.cfg.Continuous,
		InterimResults:  m.cfg.InterimResults,
		MaxAlternatives: m.cfg.MaxAlternatives,
		Grammar:         m.cfg.Grammar,
		Keywords:        m.matcher.Commands(),
	}
}

// scheduleRelisten must be called with m.mu held.
func (m *Machine) scheduleRelisten() {
	m.relistenGen++
	gen := m.relistenGen
	m.relisten = time.AfterFunc(m.cfg.RelistenDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.relistenGen || m.snap.Status == Incompatible {
			return
		}
		m.relisten = nil
		m.publish(Relisten(m.snap))
	})
}

// cancelRelisten must be called with m.mu held.
func (m *Machine) cancelRelisten() {
	m.relistenGen++
	if m.relisten != nil {
		m.relisten.Stop()
		m.relisten = nil
	}
}

// publish records s as the current snapshot and queues it for delivery.
// Must be called with m.mu held.
func (m *Machine) publish(s Snapshot) {
	m.seq++
	s.Seq = m.seq
	m.snap = s
	m.queue = append(m.queue, s)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.metrics.RecordRecognitionEvent(context.Background(), s.Status.String())
	slog.Debug("recognition: status",
		"status", s.Status,
		"text", s.RecognizedText,
		"command", s.DetectedCommand,
		"seq", s.Seq,
	)
}

// dispatch delivers queued snapshots in order without holding m.mu while
// blocked on a slow consumer. After stop is closed it flushes what is left
// and closes the output channel.
func (m *Machine) dispatch(ctx context.Context, stop <-chan struct{}) {
	defer close(m.out)
	for {
		stopping := false
		select {
		case <-m.wake:
		case <-stop:
			stopping = true
		}

		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, s := range batch {
			select {
			case m.out <- s:
			case <-ctx.Done():
				return
			}
		}
		if stopping {
			return
		}
	}
}
