package recognition

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxgpt/internal/observe"
	"github.com/MrWong99/voxgpt/pkg/recognizer"
	"github.com/MrWong99/voxgpt/pkg/recognizer/mock"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// startMachine builds a Machine over dev and runs it until the test ends.
func startMachine(t *testing.T, dev recognizer.Device, cfg Config) *Machine {
	t.Helper()
	m := New(dev, cfg, WithMetrics(testMetrics(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func nextSnapshot(t *testing.T, m *Machine) Snapshot {
	t.Helper()
	select {
	case s, ok := <-m.Snapshots():
		if !ok {
			t.Fatal("snapshot stream closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func expectStatus(t *testing.T, m *Machine, want Status) Snapshot {
	t.Helper()
	s := nextSnapshot(t, m)
	if s.Status != want {
		t.Fatalf("status = %v, want %v (snapshot %+v)", s.Status, want, s)
	}
	return s
}

func expectQuiet(t *testing.T, m *Machine, d time.Duration) {
	t.Helper()
	select {
	case s := <-m.Snapshots():
		t.Fatalf("unexpected snapshot %+v", s)
	case <-time.After(d):
	}
}

// listen starts the machine and confirms the device start.
func listen(t *testing.T, m *Machine, dev *mock.Device) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.Emit(recognizer.Event{Kind: recognizer.EventStart})
	expectStatus(t, m, Listening)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestMachine_Incompatible(t *testing.T) {
	t.Parallel()

	m := startMachine(t, nil, Config{})
	expectStatus(t, m, Incompatible)

	if m.Compatible() {
		t.Error("Compatible() = true for nil device")
	}
	for _, op := range []func() error{
		func() error { return m.Start(context.Background()) },
		m.Stop, m.Abort, m.Silence,
	} {
		if err := op(); err != nil {
			t.Errorf("operation on incompatible machine returned %v", err)
		}
	}
	expectQuiet(t, m, 50*time.Millisecond)
	if m.Current().Status != Incompatible {
		t.Errorf("status = %v, want Incompatible", m.Current().Status)
	}
}

func TestMachine_StartPassesSettings(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{Commands: []string{"Gloria", "Basta"}})
	m.SetLanguage("es-ES")

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starts := dev.Starts()
	if len(starts) != 1 {
		t.Fatalf("device Start calls = %d, want 1", len(starts))
	}
	s := starts[0].Settings
	if s.Lang != "es-ES" || s.MaxAlternatives != DefaultMaxAlternatives || s.Grammar != recognizer.DefaultGrammar {
		t.Errorf("unexpected settings %+v", s)
	}
	if len(s.Keywords) != 2 {
		t.Errorf("keywords = %v, want the command list", s.Keywords)
	}
}

func TestMachine_StartIdempotentWhileListening(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{})
	listen(t, m, dev)

	for range 3 {
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if n := len(dev.Starts()); n != 1 {
		t.Errorf("device Start calls = %d, want 1", n)
	}
	expectQuiet(t, m, 30*time.Millisecond)
}

func TestMachine_StartErrorPublishesNothing(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	dev.SetStartErr(errors.New("mic busy"))
	m := startMachine(t, dev, Config{})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	expectQuiet(t, m, 30*time.Millisecond)

	// A later start retries the device.
	dev.SetStartErr(nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(dev.Starts()); n != 2 {
		t.Errorf("device Start calls = %d, want 2", n)
	}
}

// failingOpenDevice fails its first capture before Start returns, the way a
// websocket closed by the server right after the upgrade does. duringFirst,
// if set, runs once the machine has seen the failure.
type failingOpenDevice struct {
	*mock.Device
	m           *Machine
	duringFirst func()
}

func (d *failingOpenDevice) Start(ctx context.Context, s recognizer.Settings) error {
	if err := d.Device.Start(ctx, s); err != nil {
		return err
	}
	if len(d.Starts()) > 1 {
		return nil
	}
	d.Emit(recognizer.Event{Kind: recognizer.EventStart})
	d.Emit(recognizer.Event{Kind: recognizer.EventError, Err: errors.New("closed by server")})
	d.Emit(recognizer.Event{Kind: recognizer.EventEnd})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.m.mu.Lock()
		ends := d.m.ends
		d.m.mu.Unlock()
		if ends >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if d.duringFirst != nil {
		d.duringFirst()
	}
	return nil
}

func TestMachine_CaptureFailedWhileOpeningCanRestart(t *testing.T) {
	t.Parallel()

	dev := &failingOpenDevice{Device: mock.New()}
	m := startMachine(t, dev, Config{})
	dev.m = m

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	expectStatus(t, m, Listening)
	expectStatus(t, m, Error)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if n := len(dev.Starts()); n != 2 {
		t.Fatalf("device Start calls = %d, want 2", n)
	}
	dev.Emit(recognizer.Event{Kind: recognizer.EventStart})
	expectStatus(t, m, Listening)
}

func TestMachine_StartWhileOpeningIsNotDropped(t *testing.T) {
	t.Parallel()

	dev := &failingOpenDevice{Device: mock.New()}
	m := startMachine(t, dev, Config{})
	dev.m = m
	dev.duringFirst = func() {
		// The restart requested on the Error status lands while the first
		// device call is still in flight.
		if err := m.Start(context.Background()); err != nil {
			t.Errorf("nested Start: %v", err)
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(dev.Starts()); n != 2 {
		t.Fatalf("device Start calls = %d, want 2", n)
	}
	expectStatus(t, m, Listening)
	expectStatus(t, m, Error)
	dev.Emit(recognizer.Event{Kind: recognizer.EventStart})
	expectStatus(t, m, Listening)
}

func TestMachine_SilenceDiscardsStartWhileOpening(t *testing.T) {
	t.Parallel()

	dev := &failingOpenDevice{Device: mock.New()}
	m := startMachine(t, dev, Config{})
	dev.m = m
	dev.duringFirst = func() {
		_ = m.Start(context.Background())
		_ = m.Silence()
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(dev.Starts()); n != 1 {
		t.Errorf("device Start calls = %d, want 1 after Silence", n)
	}
}

func TestMachine_InterimCommand(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{Commands: []string{"Gloria", "Basta"}, InterimResults: true})
	listen(t, m, dev)

	dev.Emit(recognizer.Event{Kind: recognizer.EventResult, Results: []recognizer.Result{{
		Alternatives: []recognizer.Alternative{{Transcript: "basta"}},
	}}})
	s := expectStatus(t, m, Command)
	if !s.Interim || s.DetectedCommand != "Basta" {
		t.Errorf("snapshot = %+v, want interim Basta", s)
	}
}

func TestMachine_CommandScenario(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{Commands: []string{"Gloria", "Basta"}})
	listen(t, m, dev)

	dev.Emit(result("¡Gloria! dime algo", true))
	s := expectStatus(t, m, Command)
	if s.DetectedCommand != "Gloria" || s.RecognizedText != "¡Gloria! dime algo" {
		t.Errorf("unexpected snapshot %+v", s)
	}

	dev.Emit(result("nada que ver", true))
	s = expectStatus(t, m, Recognized)
	if s.DetectedCommand != "" {
		t.Errorf("DetectedCommand = %q, want empty", s.DetectedCommand)
	}
}

func TestMachine_ContinuousRelisten(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{
		Continuous:    true,
		Commands:      []string{"Gloria"},
		RelistenDelay: 20 * time.Millisecond,
	})
	listen(t, m, dev)

	dev.Emit(result("Gloria hola", true))
	expectStatus(t, m, Command)
	s := expectStatus(t, m, Listening)
	if s.RecognizedText != "Gloria hola" {
		t.Errorf("re-listen snapshot lost text: %+v", s)
	}
}

func TestMachine_RelistenSupersededByNewerEvent(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{
		Continuous:    true,
		RelistenDelay: 80 * time.Millisecond,
	})
	listen(t, m, dev)

	dev.Emit(result("hola", true))
	expectStatus(t, m, Recognized)
	dev.Emit(recognizer.Event{Kind: recognizer.EventSpeechEnd})
	expectStatus(t, m, SpeechEnd)

	expectQuiet(t, m, 150*time.Millisecond)
	if m.Current().Status != SpeechEnd {
		t.Errorf("status = %v, want SpeechEnd", m.Current().Status)
	}
}

func TestMachine_NonContinuousNoRelisten(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{RelistenDelay: 10 * time.Millisecond})
	listen(t, m, dev)

	dev.Emit(result("hola", true))
	expectStatus(t, m, Recognized)
	expectQuiet(t, m, 60*time.Millisecond)
}

func TestMachine_SpeechEndStopsDevice(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{})
	listen(t, m, dev)

	dev.Emit(recognizer.Event{Kind: recognizer.EventSpeechEnd})
	expectStatus(t, m, SpeechEnd)

	stops, _ := dev.Counts()
	if stops != 1 {
		t.Errorf("device Stop calls = %d, want 1", stops)
	}

	// The capture ended, so the next Start opens a new one.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(dev.Starts()); n != 2 {
		t.Errorf("device Start calls = %d, want 2", n)
	}
}

func TestMachine_NoMatchAndErrorStatuses(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{})
	listen(t, m, dev)

	dev.Emit(recognizer.Event{Kind: recognizer.EventNoMatch})
	expectStatus(t, m, NoMatch)

	// Device still capturing after a no-match: Start resumes Listening only.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	expectStatus(t, m, Listening)
	if n := len(dev.Starts()); n != 1 {
		t.Errorf("device Start calls = %d, want 1", n)
	}

	boom := errors.New("socket closed")
	dev.Emit(recognizer.Event{Kind: recognizer.EventError, Err: boom})
	s := expectStatus(t, m, Error)
	if !errors.Is(s.Err, boom) {
		t.Errorf("Err = %v, want %v", s.Err, boom)
	}

	// An error ends the capture; Start reopens the device.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(dev.Starts()); n != 2 {
		t.Errorf("device Start calls = %d, want 2", n)
	}
}

func TestMachine_StopAbortOnlyWhenListening(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{})

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if stops, aborts := dev.Counts(); stops != 0 || aborts != 0 {
		t.Fatalf("idle Stop/Abort reached the device: stops=%d aborts=%d", stops, aborts)
	}

	listen(t, m, dev)
	if err := m.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := m.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, aborts := dev.Counts(); aborts != 1 {
		t.Errorf("device Abort calls = %d, want 1", aborts)
	}
}

func TestMachine_Silence(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{Continuous: true, RelistenDelay: 100 * time.Millisecond})
	listen(t, m, dev)

	dev.Emit(result("hola", true))
	expectStatus(t, m, Recognized)

	if err := m.Silence(); err != nil {
		t.Fatalf("Silence: %v", err)
	}
	expectStatus(t, m, Stopped)
	expectQuiet(t, m, 200*time.Millisecond)

	if _, aborts := dev.Counts(); aborts != 1 {
		t.Errorf("device Abort calls = %d, want 1", aborts)
	}

	// Silencing twice publishes nothing new.
	if err := m.Silence(); err != nil {
		t.Fatalf("Silence: %v", err)
	}
	expectQuiet(t, m, 30*time.Millisecond)
}

func TestMachine_SetCommands(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{Commands: []string{"Gloria"}})
	listen(t, m, dev)

	m.SetCommands([]string{"Oye"})
	if got := m.Commands(); len(got) != 1 || got[0] != "Oye" {
		t.Fatalf("Commands() = %v", got)
	}
	dev.Emit(result("Gloria hola", true))
	expectStatus(t, m, Recognized)
	dev.Emit(result("oye hola", true))
	expectStatus(t, m, Command)
}

func TestMachine_SnapshotSeqIncreases(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := startMachine(t, dev, Config{})
	listen(t, m, dev)

	var last uint64
	for _, ev := range []recognizer.Event{
		{Kind: recognizer.EventNoMatch},
		result("uno", true),
		{Kind: recognizer.EventNoMatch},
	} {
		dev.Emit(ev)
		s := nextSnapshot(t, m)
		if s.Seq <= last {
			t.Fatalf("seq %d not greater than %d", s.Seq, last)
		}
		last = s.Seq
	}
}

func TestMachine_RunClosesSnapshotsWhenDeviceCloses(t *testing.T) {
	t.Parallel()

	dev := mock.New()
	m := New(dev, Config{}, WithMetrics(testMetrics(t)))
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	dev.Emit(recognizer.Event{Kind: recognizer.EventStart})
	_ = dev.Close()

	var got []Status
	for s := range m.Snapshots() {
		got = append(got, s.Status)
	}
	if len(got) != 1 || got[0] != Listening {
		t.Errorf("flushed statuses = %v, want [Listening]", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after device close")
	}
}
