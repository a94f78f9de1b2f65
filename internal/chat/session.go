// Package chat drives a chat-completion conversation one turn at a time.
//
// A [Session] owns the [History] of one voice session. Appending a user
// message starts a turn: the history (without internal messages) is sent to
// an [llm.Provider] and the reply is accumulated into a single assistant
// message, either delta by delta (streaming) or all at once. A registered
// [StreamObserver] sees every streamed chunk and can end the turn early by
// returning false.
//
// Completion failures never escape a Session. They are logged, counted and
// the turn ends with whatever text had arrived.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxgpt/internal/observe"
	"github.com/MrWong99/voxgpt/pkg/provider/llm"
	"github.com/MrWong99/voxgpt/pkg/types"
)

var (
	// ErrEmptyMessage is returned by [Session.AppendMessage] for empty text.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrTurnInFlight is returned when a message is appended while a turn is
	// still producing its reply.
	ErrTurnInFlight = errors.New("chat: a turn is already in flight")

	// ErrClosed is returned after [Session.Close].
	ErrClosed = errors.New("chat: session closed")
)

// Outcome describes how a turn ended.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeError       Outcome = "error"
)

// StreamObserver is called once per streamed chunk, after the chunk's text
// has been appended to the history. Returning false ends the turn.
type StreamObserver func(chunk llm.Chunk) bool

// Listener receives history updates, typically for presentation. Methods are
// called from the turn goroutine and must not block for long.
type Listener interface {
	// MessageAppended is called for every message added to the history,
	// including the first delta of a streamed reply.
	MessageAppended(msg types.ChatMessage)

	// DeltaAppended is called for every streamed delta after the first.
	DeltaAppended(delta string)

	// TurnEnded is called once per turn.
	TurnEnded(turnID string, outcome Outcome)
}

// Config holds the completion settings of a Session.
type Config struct {
	// Stream selects delta-by-delta replies. When false every turn awaits a
	// single full reply.
	Stream bool

	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Option is a functional option for [New].
type Option func(*Session)

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Default: "llm".
func WithProviderName(name string) Option {
	return func(s *Session) { s.providerName = name }
}

// WithListener registers l for history updates.
func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

// WithHistory makes the Session use h instead of a fresh history.
func WithHistory(h *History) Option {
	return func(s *Session) { s.history = h }
}

// Session is a chat conversation bound to one completion provider. At most
// one turn runs at a time. All methods are safe for concurrent use.
type Session struct {
	provider     llm.Provider
	cfg          Config
	history      *History
	metrics      *observe.Metrics
	providerName string
	listener     Listener

	mu       sync.Mutex
	observer StreamObserver
	latest   string
	busy     bool
	turn     string
	cancel   context.CancelFunc
	closed   bool

	wg sync.WaitGroup
}

// New creates a Session that sends completion requests to p.
func New(p llm.Provider, cfg Config, opts ...Option) *Session {
	s := &Session{
		provider:     p,
		cfg:          cfg,
		providerName: "llm",
	}
	for _, o := range opts {
		o(s)
	}
	if s.history == nil {
		s.history = NewHistory()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Chat appends text as a user message and starts a completion turn. Empty
// text is ignored. The turn runs in the background; use [Session.Wait] to
// block until it ends. ctx bounds the turn.
func (s *Session) Chat(ctx context.Context, text string) error {
	err := s.AppendMessage(ctx, types.RoleUser, text)
	if errors.Is(err, ErrEmptyMessage) {
		return nil
	}
	return err
}

// AppendMessage appends a message with any role. A user message starts a
// completion turn; assistant and internal messages are only recorded.
func (s *Session) AppendMessage(ctx context.Context, role types.ChatRole, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.busy {
		s.mu.Unlock()
		return ErrTurnInFlight
	}
	msg := types.ChatMessage{Role: role, Text: text}
	s.history.Append(msg)
	if role != types.RoleUser {
		s.mu.Unlock()
		s.notifyMessage(msg)
		return nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turnID := uuid.NewString()
	s.busy = true
	s.turn = turnID
	s.cancel = cancel
	payload := s.history.Payload()
	s.wg.Add(1)
	s.mu.Unlock()

	s.notifyMessage(msg)
	go func() {
		defer s.wg.Done()
		defer cancel()
		outcome := s.runTurn(turnCtx, turnID, payload)

		s.mu.Lock()
		s.busy = false
		s.turn = ""
		s.cancel = nil
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.TurnEnded(turnID, outcome)
		}
	}()
	return nil
}

// RegisterStreamObserver installs fn as the stream observer, replacing any
// previous one. A nil fn removes the observer.
func (s *Session) RegisterStreamObserver(fn StreamObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// LatestResponse returns the text of the most recent reply produced by a
// non-streaming turn.
func (s *Session) LatestResponse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// CurrentTurn returns the id of the in-flight turn, or "" when idle.
func (s *Session) CurrentTurn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Messages returns a copy of the chat history.
func (s *Session) Messages() []types.ChatMessage {
	return s.history.Messages()
}

// History returns the underlying history.
func (s *Session) History() *History {
	return s.history
}

// Wait blocks until the in-flight turn, if any, has ended.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels any in-flight turn and waits for it to end. Later appends
// return [ErrClosed]. Close is safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Session) currentObserver() StreamObserver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

func (s *Session) notifyMessage(msg types.ChatMessage) {
	if s.listener != nil {
		s.listener.MessageAppended(msg)
	}
}

func (s *Session) request(payload []types.Message) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:     payload,
		SystemPrompt: s.cfg.SystemPrompt,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	}
}

func (s *Session) runTurn(ctx context.Context, turnID string, payload []types.Message) Outcome {
	mode := "complete"
	if s.cfg.Stream {
		mode = "stream"
	}
	ctx, span := observe.StartTurn(ctx, turnID, mode, len(payload))

	log := observe.Logger(ctx).With("turn_id", turnID)
	log.Debug("chat: turn started", "mode", mode, "messages", len(payload))

	s.metrics.ActiveTurns.Add(ctx, 1)
	defer s.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)

	start := time.Now()
	var (
		outcome Outcome
		err     error
	)
	if s.cfg.Stream {
		outcome, err = s.stream(ctx, log, start, s.request(payload))
	} else {
		outcome, err = s.complete(ctx, s.request(payload))
	}

	// Record after cancellation with a context that is still live.
	mctx := context.WithoutCancel(ctx)
	s.metrics.RecordChatTurn(mctx, mode, string(outcome), time.Since(start))
	observe.EndTurn(span, string(outcome), err)
	if err != nil {
		s.metrics.RecordProviderError(mctx, s.providerName, mode)
		log.Error("chat: completion failed", "err", err)
	} else {
		log.Debug("chat: turn ended", "outcome", outcome, "duration", time.Since(start))
	}
	return outcome
}

// stream consumes a streamed reply. The first text-carrying chunk creates the
// assistant message; later ones grow it in place.
func (s *Session) stream(ctx context.Context, log *slog.Logger, start time.Time, req llm.CompletionRequest) (Outcome, error) {
	ch, err := s.provider.StreamCompletion(ctx, req)
	if err != nil {
		s.metrics.RecordProviderRequest(context.WithoutCancel(ctx), s.providerName, "stream", "error")
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return OutcomeError, fmt.Errorf("chat: start stream: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "stream", "ok")

	started := false
	for {
		select {
		case <-ctx.Done():
			return OutcomeCancelled, nil
		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return OutcomeCancelled, nil
				}
				return OutcomeComplete, nil
			}
			if chunk.Failed() {
				return OutcomeError, fmt.Errorf("chat: stream: %s", chunk.Text)
			}
			if chunk.Text != "" {
				if !started {
					started = true
					msg := types.ChatMessage{Role: types.RoleAssistant, Text: chunk.Text}
					s.history.Append(msg)
					s.metrics.RecordFirstDelta(ctx, time.Since(start))
					s.notifyMessage(msg)
				} else {
					if _, err := s.history.AppendToLast(chunk.Text); err != nil {
						return OutcomeError, fmt.Errorf("chat: append delta: %w", err)
					}
					if s.listener != nil {
						s.listener.DeltaAppended(chunk.Text)
					}
				}
				s.metrics.ChatDeltas.Add(ctx, 1)
			}
			if obs := s.currentObserver(); obs != nil && !obs(chunk) {
				log.Debug("chat: stream stopped by observer")
				return OutcomeInterrupted, nil
			}
		}
	}
}

// complete awaits a single full reply.
func (s *Session) complete(ctx context.Context, req llm.CompletionRequest) (Outcome, error) {
	resp, err := s.provider.Complete(ctx, req)
	if err != nil {
		s.metrics.RecordProviderRequest(context.WithoutCancel(ctx), s.providerName, "complete", "error")
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return OutcomeError, fmt.Errorf("chat: complete: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "complete", "ok")
	if ctx.Err() != nil {
		return OutcomeCancelled, nil
	}
	if resp == nil || resp.Content == "" {
		return OutcomeComplete, nil
	}

	msg := types.ChatMessage{Role: types.RoleAssistant, Text: resp.Content}
	s.history.Append(msg)
	s.mu.Lock()
	s.latest = resp.Content
	s.mu.Unlock()
	s.notifyMessage(msg)
	return OutcomeComplete, nil
}
