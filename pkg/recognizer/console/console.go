// Package console provides a text-driven recognizer.Device for terminals and
// demos. Each line typed while a capture is active is reported as a final
// recognition result.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/voxgpt/pkg/recognizer"
)

var (
	// ErrCaptureActive is returned by Start while a capture is running.
	ErrCaptureActive = errors.New("console: capture already active")

	// ErrInputClosed is returned by Start once the input reached EOF. The
	// error also matches [recognizer.ErrExhausted].
	ErrInputClosed = errors.New("console: input closed")

	errClosed = errors.New("console: device is closed")
)

// Option is a functional option for configuring the Device.
type Option func(*Device)

// WithPrompt prints prompt, prefixed with the capture language, to w every
// time the device starts listening for a line.
func WithPrompt(w io.Writer, prompt string) Option {
	return func(d *Device) {
		d.promptOut = w
		d.prompt = prompt
	}
}

type op int

const (
	opStart op = iota
	opStop
	opAbort
)

type request struct {
	op       op
	settings recognizer.Settings
	reply    chan error
}

// Device implements recognizer.Device over line-oriented text input.
type Device struct {
	promptOut io.Writer
	prompt    string

	events chan recognizer.Event
	reqs   chan request
	lines  chan string
	inErr  chan error
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

// New creates a Device reading lines from in.
func New(in io.Reader, opts ...Option) *Device {
	d := &Device{
		events: make(chan recognizer.Event, 64),
		reqs:   make(chan request),
		lines:  make(chan string),
		inErr:  make(chan error, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.scan(in)
	go d.loop()
	return d
}

// Start begins a capture.
func (d *Device) Start(_ context.Context, s recognizer.Settings) error {
	return d.do(request{op: opStart, settings: s})
}

// Stop ends the capture. A no-op when idle.
func (d *Device) Stop() error { return d.do(request{op: opStop}) }

// Abort ends the capture. The console has no in-flight utterance, so it
// behaves like Stop.
func (d *Device) Abort() error { return d.do(request{op: opAbort}) }

// Events implements recognizer.Device.
func (d *Device) Events() <-chan recognizer.Event { return d.events }

// Close stops the device and closes the event stream. The input reader is not
// closed.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.quit)
		<-d.done
		close(d.events)
	})
	return nil
}

func (d *Device) do(r request) error {
	r.reply = make(chan error, 1)
	select {
	case d.reqs <- r:
	case <-d.quit:
		return errClosed
	}
	return <-r.reply
}

// scan forwards input lines until the reader fails.
func (d *Device) scan(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case d.lines <- sc.Text():
		case <-d.quit:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	d.inErr <- err
}

// loop owns the capture state and is the only emitter of events.
func (d *Device) loop() {
	defer close(d.done)

	var (
		capturing bool
		settings  recognizer.Settings
		inputErr  error
	)
	end := func() {
		capturing = false
		d.emit(recognizer.Event{Kind: recognizer.EventEnd})
	}

	for {
		select {
		case <-d.quit:
			return

		case r := <-d.reqs:
			switch r.op {
			case opStart:
				switch {
				case inputErr != nil:
					r.reply <- fmt.Errorf("%w (%w): %v", ErrInputClosed, recognizer.ErrExhausted, inputErr)
				case capturing:
					r.reply <- ErrCaptureActive
				default:
					capturing = true
					settings = r.settings
					r.reply <- nil
					d.emit(recognizer.Event{Kind: recognizer.EventStart})
					d.showPrompt(settings.Lang)
				}
			case opStop, opAbort:
				r.reply <- nil
				if capturing {
					end()
				}
			}

		case line := <-d.lines:
			if !capturing {
				slog.Debug("console: input discarded while idle", "line", line)
				continue
			}
			text := strings.TrimSpace(line)
			if text == "" {
				d.emit(recognizer.Event{Kind: recognizer.EventNoMatch, Raw: line})
			} else {
				d.emit(recognizer.Event{
					Kind: recognizer.EventResult,
					Results: []recognizer.Result{{
						Alternatives: []recognizer.Alternative{{Transcript: text, Confidence: 1}},
						IsFinal:      true,
					}},
					Raw: line,
				})
			}
			if !settings.Continuous {
				end()
			} else {
				d.showPrompt(settings.Lang)
			}

		case err := <-d.inErr:
			inputErr = err
			if capturing {
				d.emit(recognizer.Event{Kind: recognizer.EventError, Err: fmt.Errorf("console: read input: %w", err)})
				end()
			}
		}
	}
}

func (d *Device) emit(ev recognizer.Event) {
	select {
	case d.events <- ev:
	case <-d.quit:
	}
}

func (d *Device) showPrompt(lang string) {
	if d.promptOut == nil {
		return
	}
	fmt.Fprintf(d.promptOut, "[%s] %s", lang, d.prompt)
}

var _ recognizer.Device = (*Device)(nil)
