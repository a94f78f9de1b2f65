// Package config provides the configuration schema, loader, and provider registry
// for the voxgpt voice chat controller.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultRelistenDelay    = 50 * time.Millisecond
	DefaultSpeechEndRestart = time.Second
	DefaultInterruptDecay   = 250 * time.Millisecond
	DefaultRestartRetry     = time.Second
	DefaultCaptureCommand   = "Gloria"
	DefaultGrammar          = "#JSGF V1.0; grammar names; public <name> = Gloria ;"
)

// DefaultLanguages is the language rotation used when none is configured.
var DefaultLanguages = []string{"es-ES", "en-US"}

// DefaultCommands is the command list used when none is configured.
var DefaultCommands = []string{"Gloria", "Basta", "Silencio"}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Empty means info.
	LogLevel LogLevel `yaml:"log_level"`

	Providers   ProvidersConfig   `yaml:"providers"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Chat        ChatConfig        `yaml:"chat"`
	Timing      TimingConfig      `yaml:"timing"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// ProvidersConfig selects the completion backend and the speech device. Each
// entry names a factory registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary LLM fails or its
	// circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	Recognizer ProviderEntry `yaml:"recognizer"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-3.5-turbo", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// RecognitionConfig holds the speech recognizer settings.
type RecognitionConfig struct {
	// Languages is the rotation of recognition locale tags. At least two.
	Languages []string `yaml:"languages"`

	InterimResults  bool `yaml:"interim_results"`
	MaxAlternatives int  `yaml:"max_alternatives"`
	Continuous      bool `yaml:"continuous"`

	// Grammar is passed to devices that accept a grammar.
	Grammar string `yaml:"grammar"`

	// Commands are the words recognized as the first token of an utterance.
	Commands []string `yaml:"commands"`

	// CaptureCommand is the command that sends the utterance to the chat.
	// Every other command interrupts an in-flight reply.
	CaptureCommand string `yaml:"capture_command"`
}

// ChatConfig holds the completion settings.
type ChatConfig struct {
	// Stream selects delta-by-delta replies.
	Stream bool `yaml:"stream"`

	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// TimingConfig holds the fixed delays of the listen loop.
type TimingConfig struct {
	RelistenDelay    time.Duration `yaml:"relisten_delay"`
	SpeechEndRestart time.Duration `yaml:"speech_end_restart"`
	InterruptDecay   time.Duration `yaml:"interrupt_decay"`
	RestartRetry     time.Duration `yaml:"restart_retry"`
}

// DiagnosticsConfig configures the local health and metrics listener.
type DiagnosticsConfig struct {
	// ListenAddr is the TCP address (e.g. "127.0.0.1:9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	r := &cfg.Recognition
	if len(r.Languages) == 0 {
		r.Languages = append([]string(nil), DefaultLanguages...)
	}
	if r.MaxAlternatives == 0 {
		r.MaxAlternatives = 1
	}
	if r.Grammar == "" {
		r.Grammar = DefaultGrammar
	}
	if r.Commands == nil {
		r.Commands = append([]string(nil), DefaultCommands...)
	}
	if r.CaptureCommand == "" {
		r.CaptureCommand = DefaultCaptureCommand
	}
	t := &cfg.Timing
	if t.RelistenDelay == 0 {
		t.RelistenDelay = DefaultRelistenDelay
	}
	if t.SpeechEndRestart == 0 {
		t.SpeechEndRestart = DefaultSpeechEndRestart
	}
	if t.InterruptDecay == 0 {
		t.InterruptDecay = DefaultInterruptDecay
	}
	if t.RestartRetry == 0 {
		t.RestartRetry = DefaultRestartRetry
	}
}
