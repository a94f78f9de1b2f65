// Package mock provides a test double for the recognizer.Device interface.
//
// Device records every call and never emits events on its own; tests drive
// the event stream with Emit.
//
// Example:
//
//	d := mock.New()
//	d.Emit(recognizer.Event{Kind: recognizer.EventStart})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgpt/pkg/recognizer"
)

// StartCall records a single invocation of Start.
type StartCall struct {
	Ctx      context.Context
	Settings recognizer.Settings
}

// Device is a mock implementation of recognizer.Device.
type Device struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// StartCalls records every invocation of Start.
	StartCalls []StartCall

	// StopCount and AbortCount count Stop and Abort invocations.
	StopCount  int
	AbortCount int

	// CloseCount counts Close invocations.
	CloseCount int

	// emitMu guards events and closed. It is never held together with mu.
	emitMu sync.Mutex
	events chan recognizer.Event
	closed bool
}

// New returns a Device with a buffered event channel.
func New() *Device {
	return &Device{events: make(chan recognizer.Event, 64)}
}

// Start records the call and returns StartErr.
func (d *Device) Start(ctx context.Context, s recognizer.Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.Keywords = append([]string(nil), s.Keywords...)
	d.StartCalls = append(d.StartCalls, StartCall{Ctx: ctx, Settings: s})
	return d.StartErr
}

// Stop records the call.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCount++
	return nil
}

// Abort records the call.
func (d *Device) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AbortCount++
	return nil
}

// Events implements recognizer.Device.
func (d *Device) Events() <-chan recognizer.Event { return d.events }

// Emit delivers ev on the event stream. It is a no-op after Close.
func (d *Device) Emit(ev recognizer.Event) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	if d.closed {
		return
	}
	d.events <- ev
}

// Close closes the event stream.
func (d *Device) Close() error {
	d.mu.Lock()
	d.CloseCount++
	d.mu.Unlock()

	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

// Starts returns a copy of the recorded Start calls. Thread-safe.
func (d *Device) Starts() []StartCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]StartCall(nil), d.StartCalls...)
}

// Counts returns the Stop and Abort call counts. Thread-safe.
func (d *Device) Counts() (stops, aborts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.StopCount, d.AbortCount
}

// SetStartErr replaces StartErr. Thread-safe.
func (d *Device) SetStartErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartErr = err
}

// Reset clears all recorded calls. Thread-safe.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls = nil
	d.StopCount = 0
	d.AbortCount = 0
}

var _ recognizer.Device = (*Device)(nil)
