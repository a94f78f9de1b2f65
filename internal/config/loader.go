package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxgpt/internal/voicecmd"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"recognizer": {"deepgram", "console"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// ${VAR} references are expanded from the environment before decoding, so
// credentials can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("recognizer", cfg.Providers.Recognizer.Name)
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; captured utterances will not be answered")
	}

	rc := cfg.Recognition
	if len(rc.Languages) < 2 {
		errs = append(errs, fmt.Errorf("recognition.languages needs at least 2 entries, got %d", len(rc.Languages)))
	}
	for i, l := range rc.Languages {
		if l == "" {
			errs = append(errs, fmt.Errorf("recognition.languages[%d] is empty", i))
		}
	}
	if rc.MaxAlternatives < 0 {
		errs = append(errs, fmt.Errorf("recognition.max_alternatives %d must not be negative", rc.MaxAlternatives))
	}
	for i, c := range rc.Commands {
		if voicecmd.Key(c) == "" {
			errs = append(errs, fmt.Errorf("recognition.commands[%d] %q has no letters or digits", i, c))
		}
	}
	if rc.CaptureCommand != "" && len(rc.Commands) > 0 {
		found := slices.ContainsFunc(rc.Commands, func(c string) bool {
			return voicecmd.Matches(c, rc.CaptureCommand)
		})
		if !found {
			errs = append(errs, fmt.Errorf("recognition.capture_command %q is not in recognition.commands", rc.CaptureCommand))
		}
	}
	if len(rc.Commands) == 0 {
		slog.Warn("recognition.commands is empty; no utterance will reach the chat")
	}

	t := cfg.Timing
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"timing.relisten_delay", t.RelistenDelay},
		{"timing.speech_end_restart", t.SpeechEndRestart},
		{"timing.interrupt_decay", t.InterruptDecay},
		{"timing.restart_retry", t.RestartRetry},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", d.name, d.val))
		}
	}

	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must not be negative", cfg.Chat.MaxTokens))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
