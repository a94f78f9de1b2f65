// Package app wires the voxgpt subsystems into one running voice session.
//
// The App struct owns the full lifecycle: New creates and connects the
// recognition machine, the chat session and the orchestrator, Run drives the
// listen loop, and Shutdown tears everything down in order.
//
// Providers are built by main.go through the config registry. Tests pass
// mock providers and an output buffer via [WithOutput].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgpt/internal/chat"
	"github.com/MrWong99/voxgpt/internal/config"
	"github.com/MrWong99/voxgpt/internal/locale"
	"github.com/MrWong99/voxgpt/internal/observe"
	"github.com/MrWong99/voxgpt/internal/orchestrator"
	"github.com/MrWong99/voxgpt/internal/pulse"
	"github.com/MrWong99/voxgpt/internal/recognition"
	"github.com/MrWong99/voxgpt/pkg/provider/llm"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
	"github.com/MrWong99/voxgpt/pkg/types"
)

// ErrNoLLM is returned by [New] when no completion provider is configured.
var ErrNoLLM = errors.New("app: an llm provider is required")

// Providers holds the provider instances built from config. A nil Recognizer
// means no compatible speech recognizer exists on this host; the session
// then reports Incompatible and never listens.
type Providers struct {
	LLM llm.Provider

	// LLMName labels completion metrics. Default: "llm".
	LLMName string

	Recognizer recognizer.Device
}

// App owns all subsystem lifetimes of one voice session.
type App struct {
	id        string
	cfg       *config.Config
	providers *Providers
	out       io.Writer
	metrics   *observe.Metrics

	machine   *recognition.Machine
	session   *chat.Session
	orch      *orchestrator.Orchestrator
	presenter *presenter

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithOutput sets where the console presentation is written. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics sets the metrics recorder shared by all subsystems.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have passed
// [config.Validate]; New only fails on provider or language problems.
func New(_ context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, ErrNoLLM
	}
	a := &App{
		id:        uuid.NewString(),
		cfg:       cfg,
		providers: providers,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	langs, err := locale.New(cfg.Recognition.Languages...)
	if err != nil {
		return nil, fmt.Errorf("app: languages: %w", err)
	}

	a.presenter = newPresenter(a.out)

	// ── 1. Recognition ───────────────────────────────────────────────────
	rc := cfg.Recognition
	a.machine = recognition.New(providers.Recognizer, recognition.Config{
		Language:        langs.Current(),
		InterimResults:  rc.InterimResults,
		MaxAlternatives: rc.MaxAlternatives,
		Continuous:      rc.Continuous,
		Grammar:         rc.Grammar,
		Commands:        rc.Commands,
		RelistenDelay:   cfg.Timing.RelistenDelay,
	}, recognition.WithMetrics(a.metrics))

	// ── 2. Chat ──────────────────────────────────────────────────────────
	name := providers.LLMName
	if name == "" {
		name = "llm"
	}
	chatCfg := fitToModel(chat.Config{
		Stream:       cfg.Chat.Stream,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Temperature:  cfg.Chat.Temperature,
		MaxTokens:    cfg.Chat.MaxTokens,
	}, name, providers.LLM.Capabilities())
	a.session = chat.New(providers.LLM, chatCfg,
		chat.WithMetrics(a.metrics),
		chat.WithProviderName(name),
		chat.WithListener(a.presenter),
	)
	a.closers = append(a.closers, a.session.Close)

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(a.machine, a.session, langs,
		orchestrator.WithCaptureCommand(rc.CaptureCommand),
		orchestrator.WithTimings(orchestrator.Timings{
			SpeechEndRestart: cfg.Timing.SpeechEndRestart,
			RestartRetry:     cfg.Timing.RestartRetry,
		}),
		orchestrator.WithPulse(pulse.New(cfg.Timing.InterruptDecay)),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithStatusHook(a.presenter.Status),
	)

	if providers.Recognizer != nil {
		a.closers = append(a.closers, providers.Recognizer.Close)
	}
	return a, nil
}

// fitToModel adjusts the chat settings to what the model reports it can do.
// A zero capability set means the provider does not know, and changes nothing.
func fitToModel(c chat.Config, provider string, caps types.ModelCapabilities) chat.Config {
	if caps == (types.ModelCapabilities{}) {
		return c
	}
	if c.Stream && !caps.SupportsStreaming {
		slog.Warn("model does not stream, replies arrive in one piece", "provider", provider)
		c.Stream = false
	}
	if caps.MaxOutputTokens > 0 && c.MaxTokens > caps.MaxOutputTokens {
		slog.Warn("max_tokens above the model limit, clamping",
			"provider", provider,
			"max_tokens", c.MaxTokens,
			"limit", caps.MaxOutputTokens,
		)
		c.MaxTokens = caps.MaxOutputTokens
	}
	return c
}

// ID returns the voice-session id used for log correlation.
func (a *App) ID() string { return a.id }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Session returns the chat session.
func (a *App) Session() *chat.Session { return a.session }

// Compatible reports whether a speech recognizer is available.
func (a *App) Compatible() bool { return a.machine.Compatible() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts listening and blocks until ctx is cancelled or the recognizer
// event stream closes. Run must be called at most once.
func (a *App) Run(ctx context.Context) error {
	ctx, span := observe.StartSession(ctx, a.id)
	defer span.End()
	log := observe.Logger(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.machine.Run(gctx) })
	g.Go(func() error { return a.orch.Run(gctx) })

	if a.machine.Compatible() {
		if err := a.orch.Listen(gctx); err != nil {
			log.Warn("initial listen failed, toggle to retry", "err", err)
		}
	}
	log.Info("voice session running",
		"language", a.orch.CurrentLanguage(),
		"capture_command", a.orch.CaptureCommand(),
		"recognizer", a.machine.Compatible(),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: run: %w", err)
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable part of a config change. The log
// level is owned by the caller. Changes that need a restart are only logged.
func (a *App) ApplyConfig(d config.ConfigDiff) error {
	var errs []error
	if d.CommandsChanged {
		a.orch.SetCommands(d.NewCommands)
		slog.Info("commands updated", "commands", d.NewCommands)
	}
	if d.CaptureCommandChanged {
		a.orch.SetCaptureCommand(d.NewCaptureCommand)
		slog.Info("capture command updated", "command", d.NewCaptureCommand)
	}
	if d.LanguagesChanged {
		langs, err := locale.New(d.NewLanguages...)
		if err != nil {
			errs = append(errs, fmt.Errorf("app: languages: %w", err))
		} else {
			a.orch.SetLanguages(langs)
			slog.Info("languages updated", "languages", d.NewLanguages, "current", langs.Current())
		}
	}
	if d.RestartRequired {
		slog.Warn("config changed in fields that only apply after a restart")
	}
	return errors.Join(errs...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels any in-flight turn and closes the recognizer. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "session_id", a.id, "closers", len(a.closers))

		if a.orch.Capturing() {
			if err := a.orch.Silence(); err != nil {
				slog.Warn("silence on shutdown", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
