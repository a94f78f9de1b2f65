// Package deepgram provides a recognizer.Device backed by the Deepgram live
// transcription WebSocket API.
//
// Each Start opens one WebSocket capture. Raw PCM audio is read from an
// io.Reader (typically a pipe from arecord or sox) by a single goroutine that
// lives as long as the device; chunks read while no capture is active are
// discarded.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgpt/pkg/recognizer"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
	defaultEncoding   = "linear16"
	defaultChunkSize  = 3200 // 100 ms of 16 kHz mono PCM16
	defaultBoost      = 2.0
	utteranceEndMs    = 1000
)

// ErrCaptureActive is returned by Start while a capture is running.
var ErrCaptureActive = errors.New("deepgram: capture already active")

// Option is a functional option for configuring the Device.
type Option func(*Device)

// WithModel sets the Deepgram model (e.g., "nova-3", "nova-2").
func WithModel(model string) Option {
	return func(d *Device) { d.model = model }
}

// WithSampleRate sets the sample rate of the audio source in Hz.
func WithSampleRate(rate int) Option {
	return func(d *Device) { d.sampleRate = rate }
}

// WithEncoding sets the Deepgram encoding name of the audio source.
func WithEncoding(enc string) Option {
	return func(d *Device) { d.encoding = enc }
}

// WithChunkSize sets how many bytes are read from the audio source at a time.
func WithChunkSize(n int) Option {
	return func(d *Device) { d.chunkSize = n }
}

// WithKeywordBoost sets the boost applied to every keyword hint.
func WithKeywordBoost(boost float64) Option {
	return func(d *Device) { d.boost = boost }
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(d *Device) { d.endpoint = endpoint }
}

// Device implements recognizer.Device on top of the Deepgram streaming API.
type Device struct {
	apiKey     string
	endpoint   string
	model      string
	sampleRate int
	encoding   string
	chunkSize  int
	boost      float64

	events chan recognizer.Event
	quit   chan struct{}

	mu     sync.Mutex
	cur    *capture
	closed bool

	wg        sync.WaitGroup // capture goroutines
	closeOnce sync.Once
}

// New creates a Device that streams audio from src. apiKey must be non-empty.
func New(apiKey string, src io.Reader, opts ...Option) (*Device, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if src == nil {
		return nil, errors.New("deepgram: audio source must not be nil")
	}
	d := &Device{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		encoding:   defaultEncoding,
		chunkSize:  defaultChunkSize,
		boost:      defaultBoost,
		events:     make(chan recognizer.Event, 64),
		quit:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.pump(src)
	return d, nil
}

// Start opens a capture. When a previous capture is still shutting down,
// Start waits for it to finish first so events stay ordered.
func (d *Device) Start(ctx context.Context, s recognizer.Settings) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("deepgram: device is closed")
	}
	if prev := d.cur; prev != nil {
		if !prev.closing() {
			d.mu.Unlock()
			return ErrCaptureActive
		}
		d.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		d.mu.Lock()
		if d.cur != nil || d.closed {
			d.mu.Unlock()
			return ErrCaptureActive
		}
	}
	d.mu.Unlock()

	wsURL, err := d.buildURL(s)
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &capture{
		dev:      d,
		conn:     conn,
		settings: s,
		audio:    make(chan []byte, 64),
		stopReq:  make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	d.mu.Lock()
	if d.closed || d.cur != nil {
		d.mu.Unlock()
		cancel()
		conn.CloseNow()
		return ErrCaptureActive
	}
	d.cur = c
	d.wg.Add(2)
	d.mu.Unlock()

	go c.readLoop(cctx)
	go c.writeLoop(cctx)
	return nil
}

// Stop asks Deepgram to flush and finish the current capture. Final results
// for audio already sent are still delivered.
func (d *Device) Stop() error {
	if c := d.current(); c != nil {
		c.requestStop()
	}
	return nil
}

// Abort closes the current capture immediately. Results that arrive
// afterwards are dropped.
func (d *Device) Abort() error {
	if c := d.current(); c != nil {
		c.abort()
	}
	return nil
}

// Events implements recognizer.Device.
func (d *Device) Events() <-chan recognizer.Event { return d.events }

// Close aborts any capture and closes the event stream. The audio source is
// not closed; its reader goroutine exits on the next read error.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		c := d.cur
		d.mu.Unlock()
		if c != nil {
			c.abort()
		}
		close(d.quit)
		d.wg.Wait()
		close(d.events)
	})
	return nil
}

func (d *Device) current() *capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur
}

// emit delivers ev unless the device is shutting down.
func (d *Device) emit(ev recognizer.Event) {
	select {
	case d.events <- ev:
	case <-d.quit:
	}
}

// pump reads the audio source for the device lifetime and forwards chunks to
// the active capture.
func (d *Device) pump(src io.Reader) {
	buf := make([]byte, d.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if c := d.current(); c != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				c.send(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("deepgram: audio source failed", "err", err)
			} else {
				slog.Debug("deepgram: audio source exhausted")
			}
			return
		}
		select {
		case <-d.quit:
			return
		default:
		}
	}
}

// buildURL constructs the streaming endpoint URL for one capture.
func (d *Device) buildURL(s recognizer.Settings) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", d.model)
	if s.Lang != "" {
		q.Set("language", s.Lang)
	}
	q.Set("encoding", d.encoding)
	q.Set("sample_rate", strconv.Itoa(d.sampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	// UtteranceEnd messages require interim results on the wire. Interim
	// hypotheses are filtered locally when the caller did not ask for them.
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMs))
	q.Set("vad_events", "true")
	if s.MaxAlternatives > 1 {
		q.Set("alternatives", strconv.Itoa(s.MaxAlternatives))
	}
	for _, kw := range s.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw, d.boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- capture ----

// capture is one live WebSocket session.
type capture struct {
	dev      *Device
	conn     *websocket.Conn
	settings recognizer.Settings
	audio    chan []byte

	stopReq  chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool
	aborted  atomic.Bool

	done   chan struct{}
	cancel context.CancelFunc
}

func (c *capture) closing() bool { return c.stopping.Load() || c.aborted.Load() }

func (c *capture) requestStop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		close(c.stopReq)
	})
}

func (c *capture) abort() {
	c.aborted.Store(true)
	c.cancel()
	c.conn.CloseNow()
}

// send queues an audio chunk. Chunks are dropped when the writer falls behind.
func (c *capture) send(chunk []byte) {
	if c.closing() {
		return
	}
	select {
	case c.audio <- chunk:
	default:
		slog.Debug("deepgram: audio chunk dropped", "bytes", len(chunk))
	}
}

// writeLoop forwards audio until a stop is requested, then sends CloseStream
// so Deepgram flushes its final results.
func (c *capture) writeLoop(ctx context.Context) {
	defer c.dev.wg.Done()
	for {
		select {
		case chunk := <-c.audio:
			if err := c.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-c.stopReq:
			c.drain(ctx)
			if err := c.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
				slog.Debug("deepgram: close stream failed", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain sends audio that was queued before the stop request.
func (c *capture) drain(ctx context.Context) {
	for {
		select {
		case chunk := <-c.audio:
			if err := c.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop is the only emitter of events for this capture. It always ends the
// capture with an EventEnd, preceded by an EventError when the connection
// failed unexpectedly.
func (c *capture) readLoop(ctx context.Context) {
	defer c.dev.wg.Done()
	defer close(c.done)
	defer c.cancel()

	c.dev.emit(recognizer.Event{Kind: recognizer.EventStart})

	var readErr error
	for {
		_, msg, err := c.conn.Read(ctx)
		if err != nil {
			readErr = err
			break
		}
		if c.aborted.Load() {
			continue
		}
		ev, final, ok := parseMessage(msg, c.settings)
		if !ok {
			continue
		}
		c.dev.emit(ev)
		if final && !c.settings.Continuous {
			c.requestStop()
		}
	}

	if !c.closing() && websocket.CloseStatus(readErr) != websocket.StatusNormalClosure {
		c.dev.emit(recognizer.Event{Kind: recognizer.EventError, Err: fmt.Errorf("deepgram: read: %w", readErr)})
	}
	c.conn.CloseNow()
	c.dev.emit(recognizer.Event{Kind: recognizer.EventEnd})

	c.dev.mu.Lock()
	if c.dev.cur == c {
		c.dev.cur = nil
	}
	c.dev.mu.Unlock()
}

// ---- wire format ----

// deepgramResponse is the JSON structure of a live transcription message.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseMessage maps a Deepgram message to a device event. final reports
// whether the message concluded an utterance segment. ok is false for
// messages that produce no event.
func parseMessage(data []byte, s recognizer.Settings) (ev recognizer.Event, final, ok bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return recognizer.Event{}, false, false
	}

	switch resp.Type {
	case "UtteranceEnd":
		return recognizer.Event{Kind: recognizer.EventSpeechEnd, Raw: json.RawMessage(data)}, false, true

	case "Results":
		limit := s.MaxAlternatives
		if limit <= 0 {
			limit = 1
		}
		var alts []recognizer.Alternative
		for _, a := range resp.Channel.Alternatives {
			if a.Transcript == "" || len(alts) == limit {
				continue
			}
			alts = append(alts, recognizer.Alternative{Transcript: a.Transcript, Confidence: a.Confidence})
		}

		if !resp.IsFinal {
			if !s.InterimResults || len(alts) == 0 {
				return recognizer.Event{}, false, false
			}
			return recognizer.Event{
				Kind:    recognizer.EventResult,
				Results: []recognizer.Result{{Alternatives: alts}},
				Raw:     json.RawMessage(data),
			}, false, true
		}

		if len(alts) == 0 {
			return recognizer.Event{Kind: recognizer.EventNoMatch, Raw: json.RawMessage(data)}, true, true
		}
		return recognizer.Event{
			Kind:    recognizer.EventResult,
			Results: []recognizer.Result{{Alternatives: alts, IsFinal: true}},
			Raw:     json.RawMessage(data),
		}, true, true
	}

	return recognizer.Event{}, false, false
}

var _ recognizer.Device = (*Device)(nil)
