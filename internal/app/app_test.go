package app_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgpt/internal/app"
	"github.com/MrWong99/voxgpt/internal/config"
	"github.com/MrWong99/voxgpt/internal/locale"
	"github.com/MrWong99/voxgpt/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgpt/pkg/provider/llm/mock"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
	recmock "github.com/MrWong99/voxgpt/pkg/recognizer/mock"
	"github.com/MrWong99/voxgpt/pkg/types"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of the presenter.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testConfig returns a validated config with short timings.
func testConfig() *config.Config {
	cfg := &config.Config{
		Chat: config.ChatConfig{Stream: true},
		Recognition: config.RecognitionConfig{
			Continuous: true,
		},
		Timing: config.TimingConfig{
			RelistenDelay:    10 * time.Millisecond,
			SpeechEndRestart: 20 * time.Millisecond,
			RestartRetry:     20 * time.Millisecond,
			InterruptDecay:   20 * time.Millisecond,
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func result(text string) recognizer.Event {
	return recognizer.Event{
		Kind: recognizer.EventResult,
		Results: []recognizer.Result{{
			Alternatives: []recognizer.Alternative{{Transcript: text, Confidence: 0.9}},
			IsFinal:      true,
		}},
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{Recognizer: recmock.New()})
	if !errors.Is(err, app.ErrNoLLM) {
		t.Fatalf("err = %v, want ErrNoLLM", err)
	}
}

func TestNew_RejectsSingleLanguage(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Recognition.Languages = []string{"es-ES"}

	_, err := app.New(context.Background(), cfg, &app.Providers{LLM: &llmmock.Provider{}})
	if !errors.Is(err, locale.ErrTooFewLanguages) {
		t.Fatalf("err = %v, want ErrTooFewLanguages", err)
	}
}

func TestNew_WithoutRecognizer(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if a.Compatible() {
		t.Error("Compatible() = true without a recognizer")
	}
	if a.ID() == "" {
		t.Error("session id is empty")
	}
	if got := a.Orchestrator().CurrentLanguage(); got != "es-ES" {
		t.Errorf("CurrentLanguage() = %q, want es-ES", got)
	}
}

func TestNew_FitsChatToModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		caps       types.ModelCapabilities
		wantTokens int
		wantStream bool
	}{
		{"unknown model keeps settings", types.ModelCapabilities{}, 8000, true},
		{"max tokens clamped", types.ModelCapabilities{MaxOutputTokens: 4096, SupportsStreaming: true}, 4096, true},
		{"non-streaming model", types.ModelCapabilities{MaxOutputTokens: 16384}, 8000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Chat.MaxTokens = 8000
			provider := &llmmock.Provider{
				ModelCapabilities: tt.caps,
				CompleteResponse:  &llm.CompletionResponse{Content: "Vale"},
				StreamChunks:      []llm.Chunk{{Text: "Vale"}},
			}
			a, err := app.New(context.Background(), cfg, &app.Providers{LLM: provider}, app.WithOutput(&syncBuffer{}))
			if err != nil {
				t.Fatalf("New() returned error: %v", err)
			}
			if provider.CapabilitiesCallCount != 1 {
				t.Errorf("Capabilities calls = %d, want 1", provider.CapabilitiesCallCount)
			}

			if err := a.Session().Chat(context.Background(), "hola"); err != nil {
				t.Fatalf("Chat: %v", err)
			}
			a.Session().Wait()

			var req llm.CompletionRequest
			streams, completes := provider.Streams(), provider.Completes()
			switch {
			case tt.wantStream && len(streams) == 1 && len(completes) == 0:
				req = streams[0].Req
			case !tt.wantStream && len(completes) == 1 && len(streams) == 0:
				req = completes[0].Req
			default:
				t.Fatalf("streams = %d, completes = %d, want stream=%v", len(streams), len(completes), tt.wantStream)
			}
			if req.MaxTokens != tt.wantTokens {
				t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, tt.wantTokens)
			}
		})
	}
}

// ── Run ───────────────────────────────────────────────────────────────────────

func TestRun_CaptureCommandStreamsReply(t *testing.T) {
	t.Parallel()

	dev := recmock.New()
	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "¿Por qué "}, {Text: "no?"}, {FinishReason: "stop"}}}
	out := &syncBuffer{}

	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: provider, LLMName: "mock", Recognizer: dev},
		app.WithOutput(out),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return len(dev.Starts()) >= 1 }) {
		t.Fatal("device was never started")
	}
	if got := dev.Starts()[0].Settings.Lang; got != "es-ES" {
		t.Errorf("start language = %q, want es-ES", got)
	}

	dev.Emit(recognizer.Event{Kind: recognizer.EventStart})
	dev.Emit(result("Gloria cuéntame un chiste"))

	if !waitFor(t, 2*time.Second, func() bool { return strings.Contains(out.String(), "¿Por qué no?") }) {
		t.Fatalf("reply never rendered, output:\n%s", out.String())
	}
	a.Session().Wait()

	calls := provider.Streams()
	if len(calls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(calls))
	}
	msgs := calls[0].Req.Messages
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "Gloria cuéntame un chiste" {
		t.Errorf("request messages = %+v", msgs)
	}
	if !strings.Contains(out.String(), "you> Gloria cuéntame un chiste") {
		t.Errorf("user turn missing from output:\n%s", out.String())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}

// ── ApplyConfig ───────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	err = a.ApplyConfig(config.ConfigDiff{
		CaptureCommandChanged: true,
		NewCaptureCommand:     "Oye",
		CommandsChanged:       true,
		NewCommands:           []string{"Oye", "Basta"},
		LanguagesChanged:      true,
		NewLanguages:          []string{"de-DE", "fr-FR"},
		RestartRequired:       true,
	})
	if err != nil {
		t.Fatalf("ApplyConfig() = %v", err)
	}
	if got := a.Orchestrator().CaptureCommand(); got != "Oye" {
		t.Errorf("CaptureCommand() = %q, want Oye", got)
	}
	if got := a.Orchestrator().CurrentLanguage(); got != "de-DE" {
		t.Errorf("CurrentLanguage() = %q, want de-DE", got)
	}
}

func TestApplyConfig_BadLanguagesKeepsRotation(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	err = a.ApplyConfig(config.ConfigDiff{LanguagesChanged: true, NewLanguages: []string{"de-DE"}})
	if !errors.Is(err, locale.ErrTooFewLanguages) {
		t.Fatalf("err = %v, want ErrTooFewLanguages", err)
	}
	if got := a.Orchestrator().CurrentLanguage(); got != "es-ES" {
		t.Errorf("CurrentLanguage() = %q, want es-ES", got)
	}
}

// ── Shutdown ──────────────────────────────────────────────────────────────────

func TestShutdown_ClosesRecognizerOnce(t *testing.T) {
	t.Parallel()

	dev := recmock.New()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}, Recognizer: dev})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() = %v", err)
		}
	}
	if dev.CloseCount != 1 {
		t.Errorf("CloseCount = %d, want 1", dev.CloseCount)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()

	dev := recmock.New()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}, Recognizer: dev})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
	select {
	case _, ok := <-dev.Events():
		if !ok {
			t.Error("recognizer closed despite expired deadline")
		}
	default:
	}
}
