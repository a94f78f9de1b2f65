package main

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/MrWong99/voxgpt/internal/config"
	"github.com/MrWong99/voxgpt/internal/resilience"
	"github.com/MrWong99/voxgpt/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgpt/pkg/provider/llm/mock"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
	recmock "github.com/MrWong99/voxgpt/pkg/recognizer/mock"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func TestOptString(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"prompt": "hola", "sample_rate": 16000}
	if got := optString(opts, "prompt"); got != "hola" {
		t.Errorf("optString(prompt) = %q", got)
	}
	if got := optString(opts, "sample_rate"); got != "" {
		t.Errorf("optString(sample_rate) = %q, want empty for non-string", got)
	}
	if got := optString(nil, "prompt"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
}

func TestOptInt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		val  any
		want int
	}{
		{"int", 16000, 16000},
		{"int64", int64(48000), 48000},
		{"whole float", 8000.0, 8000},
		{"fractional float", 8000.5, 0},
		{"string", "16000", 0},
		{"absent", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := map[string]any{}
			if tt.val != nil {
				opts["sample_rate"] = tt.val
			}
			if got := optInt(opts, "sample_rate"); got != tt.want {
				t.Errorf("optInt = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// ── buildProviders ────────────────────────────────────────────────────────────

func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"primary", "backup"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) {
			return &llmmock.Provider{}, nil
		})
	}
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("bad credentials")
	})
	reg.RegisterRecognizer("mic", func(config.ProviderEntry) (recognizer.Device, error) {
		return recmock.New(), nil
	})
	reg.RegisterRecognizer("headless", func(config.ProviderEntry) (recognizer.Device, error) {
		return nil, fmt.Errorf("%w: no input device", recognizer.ErrIncompatible)
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM:          config.ProviderEntry{Name: "primary"},
		LLMFallbacks: []config.ProviderEntry{{Name: "backup"}},
		Recognizer:   config.ProviderEntry{Name: "mic"},
	}}

	ps, states, err := buildProviders(cfg, testRegistry())
	if err != nil {
		t.Fatalf("buildProviders() = %v", err)
	}
	if _, ok := ps.LLM.(*resilience.LLMFallback); !ok {
		t.Errorf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
	}
	if ps.LLMName != "primary" {
		t.Errorf("LLMName = %q", ps.LLMName)
	}
	if ps.Recognizer == nil {
		t.Error("Recognizer is nil")
	}
	got := states()
	if len(got) != 2 || got[0].Name != "primary" || got[1].Name != "backup" {
		t.Errorf("states = %+v", got)
	}
}

func TestBuildProviders_IncompatibleRecognizer(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM:        config.ProviderEntry{Name: "primary"},
		Recognizer: config.ProviderEntry{Name: "headless"},
	}}

	ps, _, err := buildProviders(cfg, testRegistry())
	if err != nil {
		t.Fatalf("buildProviders() = %v", err)
	}
	if ps.Recognizer != nil {
		t.Errorf("Recognizer = %v, want nil", ps.Recognizer)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     config.ProvidersConfig
		wantErr error
	}{
		{"unknown llm", config.ProvidersConfig{LLM: config.ProviderEntry{Name: "nope"}}, config.ErrProviderNotRegistered},
		{"failing fallback", config.ProvidersConfig{
			LLM:          config.ProviderEntry{Name: "primary"},
			LLMFallbacks: []config.ProviderEntry{{Name: "broken"}},
		}, nil},
		{"unknown recognizer", config.ProvidersConfig{
			LLM:        config.ProviderEntry{Name: "primary"},
			Recognizer: config.ProviderEntry{Name: "nope"},
		}, config.ErrProviderNotRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := buildProviders(&config.Config{Providers: tt.cfg}, testRegistry())
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	for _, name := range append([]string{"openai", "ollama"}, anyllmBackends...) {
		if _, err := reg.CreateLLM(config.ProviderEntry{Name: name}); errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("llm %q not registered", name)
		}
	}
	if _, err := reg.CreateRecognizer(config.ProviderEntry{Name: "deepgram"}); !errors.Is(err, recognizer.ErrIncompatible) {
		t.Errorf("deepgram without api key: err = %v, want ErrIncompatible", err)
	}
}
