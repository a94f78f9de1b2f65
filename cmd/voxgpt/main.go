// Command voxgpt is a voice-driven chat client: it listens for a spoken
// command word, sends the utterance to a chat-completion backend and prints
// the reply as it streams in.
//
// Signals: SIGINT/SIGTERM shut down, SIGUSR1 toggles listening, SIGUSR2
// rotates the recognition language.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgpt/internal/app"
	"github.com/MrWong99/voxgpt/internal/config"
	"github.com/MrWong99/voxgpt/internal/health"
	"github.com/MrWong99/voxgpt/internal/observe"
	"github.com/MrWong99/voxgpt/internal/resilience"
	"github.com/MrWong99/voxgpt/pkg/provider/llm"
	"github.com/MrWong99/voxgpt/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxgpt/pkg/provider/llm/openai"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
	"github.com/MrWong99/voxgpt/pkg/recognizer/console"
	"github.com/MrWong99/voxgpt/pkg/recognizer/deepgram"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config (missing file is fine)")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxgpt: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgpt: config file %q not found, pass -config to point at one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgpt: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxgpt starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.Setup(ctx, observe.Telemetry{Version: version})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, llmStates, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := application.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if addr := cfg.Diagnostics.ListenAddr; addr != "" {
		checks := health.New(
			health.Recognizer(application.Compatible),
			health.LLMBreakers(llmStates),
		)
		g.Go(func() error { return serveDiagnostics(gctx, addr, application.ID(), checks) })
	}

	g.Go(func() error {
		return watchConfig(gctx, *configPath, &level, application)
	})

	g.Go(func() error {
		handleUserSignals(gctx, application)
		return nil
	})

	slog.Info("ready, press Ctrl+C to shut down", "session_id", application.ID())

	runErr := g.Wait()
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Background loops ──────────────────────────────────────────────────────────

// serveDiagnostics serves /healthz, /readyz and /metrics on addr until ctx is
// done.
func serveDiagnostics(ctx context.Context, addr, sessionID string, checks *health.Handler) error {
	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Diagnostics(observe.DefaultMetrics(), sessionID)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("diagnostics listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("diagnostics: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("diagnostics shutdown error", "err", err)
	}
	return nil
}

// watchConfig hot-applies config file changes until ctx is done. A watcher
// that cannot start only disables hot reload.
func watchConfig(ctx context.Context, path string, level *slog.LevelVar, application *app.App) error {
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if err := application.ApplyConfig(d); err != nil {
			slog.Warn("config change not applied", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
		return nil
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// handleUserSignals maps SIGUSR1 to toggling the listen state and SIGUSR2 to
// rotating the recognition language.
func handleUserSignals(ctx context.Context, application *app.App) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	orch := application.Orchestrator()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				if err := orch.Toggle(ctx); err != nil {
					slog.Warn("toggle failed", "err", err)
				}
			case syscall.SIGUSR2:
				slog.Info("language rotated", "language", orch.Rotate())
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are served through any-llm-go. "openai" uses the native
// client instead.
var anyllmBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Recognizer ────────────────────────────────────────────────────────────
	reg.RegisterRecognizer("deepgram", func(entry config.ProviderEntry) (recognizer.Device, error) {
		if entry.APIKey == "" {
			return nil, fmt.Errorf("%w: deepgram needs an api_key", recognizer.ErrIncompatible)
		}
		src, err := audioSource(entry.Options)
		if err != nil {
			return nil, err
		}
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if enc := optString(entry.Options, "encoding"); enc != "" {
			opts = append(opts, deepgram.WithEncoding(enc))
		}
		return deepgram.New(entry.APIKey, src, opts...)
	})

	reg.RegisterRecognizer("console", func(entry config.ProviderEntry) (recognizer.Device, error) {
		prompt := optString(entry.Options, "prompt")
		if prompt == "" {
			prompt = "say something"
		}
		return console.New(os.Stdin, console.WithPrompt(os.Stdout, prompt)), nil
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "recognizer", []string{"deepgram", "console"})
}

// audioSource opens the PCM input named by the "audio_file" option, typically
// a FIFO fed by arecord. Without the option audio is read from stdin. The
// file stays open for the life of the process.
func audioSource(opts map[string]any) (io.Reader, error) {
	path := optString(opts, "audio_file")
	if path == "" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}
	return f, nil
}

// buildProviders instantiates the providers named in cfg. The LLM is wrapped
// in a [resilience.LLMFallback] so every backend gets a circuit breaker; the
// returned func reports their states for readiness checks.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, func() []resilience.EntryState, error) {
	ps := &app.Providers{}
	states := func() []resilience.EntryState { return nil }

	if name := cfg.Providers.LLM.Name; name != "" {
		primary, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		fb := resilience.NewLLMFallback(primary, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("llm circuit breaker changed state", "provider", name, "from", from, "to", to)
				},
			},
		})
		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name)
		}
		ps.LLM = fb
		ps.LLMName = name
		states = fb.States
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.Recognizer.Name; name != "" {
		dev, err := reg.CreateRecognizer(cfg.Providers.Recognizer)
		switch {
		case errors.Is(err, recognizer.ErrIncompatible):
			slog.Warn("speech recognizer unavailable, voice input disabled", "name", name, "err", err)
		case err != nil:
			return nil, nil, fmt.Errorf("create recognizer %q: %w", name, err)
		default:
			ps.Recognizer = dev
			slog.Info("provider created", "kind", "recognizer", "name", name)
		}
	}

	return ps, states, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgpt — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.LLMFallbacks))
	printProvider("Recognizer", cfg.Providers.Recognizer.Name, cfg.Providers.Recognizer.Model)
	printRow("Languages", fmt.Sprint(cfg.Recognition.Languages))
	printRow("Capture", cfg.Recognition.CaptureCommand)
	if cfg.Chat.Stream {
		printRow("Replies", "streamed")
	} else {
		printRow("Replies", "whole")
	}
	if cfg.Diagnostics.ListenAddr != "" {
		printRow("Diagnostics", cfg.Diagnostics.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML numbers decode as int, but values
// written as floats are accepted when they are whole.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return 0
}
