package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emsdesk/livecall/internal/audio"
	"github.com/emsdesk/livecall/internal/bus"
	"github.com/emsdesk/livecall/internal/storage/sqlite"
	"github.com/emsdesk/livecall/internal/transport"
	"github.com/emsdesk/livecall/pkg/logger"
)

// fakeTransport records outbound commands and lets tests feed inbound
// events.
type fakeTransport struct {
	mu        sync.Mutex
	languages []string
	audio     [][]byte
	ends      int
	closes    int
	sendErr   error
	endErr    error

	events    chan transport.Event
	closeOnce sync.Once
	lastErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) StartSession(language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.languages = append(f.languages, language)
	return nil
}

func (f *fakeTransport) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.audio = append(f.audio, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) EndSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return f.endErr
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

// failWith simulates a broken connection: the event stream ends and Err
// reports the cause.
func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

func (f *fakeTransport) sentAudio() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type fakeCapture struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
}

func (f *fakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeCapture) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type capturePublisher struct {
	mu        sync.Mutex
	envelopes []bus.Envelope
}

func (p *capturePublisher) Publish(env bus.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
}

func (p *capturePublisher) withStatus(status string) []bus.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Envelope
	for _, env := range p.envelopes {
		if env.Status == status {
			out = append(out, env)
		}
	}
	return out
}

type fakeRecords struct {
	mu      sync.Mutex
	saved   []*sqlite.CallRecord
	saveErr error
}

func (f *fakeRecords) SaveCall(record *sqlite.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeRecords) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// harness wires a session to fakes and keeps hold of the capture emit
// callback so tests can inject audio segments.
type harness struct {
	tc   *fakeTransport
	cap  *fakeCapture
	pub  *capturePublisher
	recs *fakeRecords

	mu        sync.Mutex
	emit      audio.EmitFunc
	completed []Snapshot
}

func newHarness() *harness {
	return &harness{
		tc:   newFakeTransport(),
		cap:  &fakeCapture{},
		pub:  &capturePublisher{},
		recs: &fakeRecords{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		DialTransport: func(ctx context.Context) (Transport, error) { return h.tc, nil },
		NewCapture: func(emit audio.EmitFunc) (Capture, error) {
			h.mu.Lock()
			h.emit = emit
			h.mu.Unlock()
			return h.cap, nil
		},
		Publisher: h.pub,
		Records:   h.recs,
		OnComplete: func(snap Snapshot) {
			h.mu.Lock()
			h.completed = append(h.completed, snap)
			h.mu.Unlock()
		},
		FinalizeTimeout: 2 * time.Second,
		Source:          "test",
	}
}

func (h *harness) session() *Session {
	return NewSession("en", h.deps(), logger.NewNop())
}

func (h *harness) injectSegment(index int, payload []byte) {
	h.mu.Lock()
	emit := h.emit
	h.mu.Unlock()
	emit(audio.Segment{Index: index, Payload: payload})
}

func (h *harness) completedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, func() bool { return s.State() == want },
		"session never reached state "+want.String())
}

func TestStartTransitionsToRecording(t *testing.T) {
	h := newHarness()
	s := h.session()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := s.State(); got != StateRecording {
		t.Fatalf("expected recording, got %s", got)
	}
	if len(h.tc.languages) != 1 || h.tc.languages[0] != "en" {
		t.Fatalf("expected one start command with language en, got %v", h.tc.languages)
	}
	if h.cap.starts != 1 {
		t.Fatalf("expected capture started once, got %d", h.cap.starts)
	}
	if s.SurfaceID() == "" {
		t.Fatal("expected a non-empty surface ID")
	}
}

func TestStartAgainFails(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestDialFailureIsTerminal(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	deps.DialTransport = func(ctx context.Context) (Transport, error) {
		return nil, errors.New("connection refused")
	}
	s := NewSession("en", deps, logger.NewNop())

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if got := s.State(); got != StateError {
		t.Fatalf("expected error state, got %s", got)
	}
	if h.cap.starts != 0 {
		t.Fatal("capture must not start when the dial fails")
	}
}

func TestCaptureFailureClosesTransport(t *testing.T) {
	h := newHarness()
	h.cap.startErr = errors.New("no input device")
	s := h.session()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if got := s.State(); got != StateError {
		t.Fatalf("expected error state, got %s", got)
	}
	if h.tc.closeCount() == 0 {
		t.Fatal("transport must be closed when capture fails")
	}
}

func TestStartedEventAssignsCallID(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.tc.events <- transport.Event{Status: transport.StatusStarted, CallID: "call-42"}
	waitFor(t, func() bool { return s.Snapshot().CallID == "call-42" },
		"call ID never assigned")

	// A later started event must not reassign the ID.
	h.tc.events <- transport.Event{Status: transport.StatusStarted, CallID: "call-99"}
	waitFor(t, func() bool { return len(h.pub.withStatus("started")) == 2 },
		"second started update never published")
	if got := s.Snapshot().CallID; got != "call-42" {
		t.Fatalf("call ID reassigned to %s", got)
	}
}

func TestProcessingUpdatesTranscript(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	wc := 2
	h.tc.events <- transport.Event{Status: transport.StatusProcessing, Transcript: "hello ", TranscriptSet: true, Delta: true}
	h.tc.events <- transport.Event{Status: transport.StatusProcessing, Transcript: "world", TranscriptSet: true, Delta: true}
	waitFor(t, func() bool { return s.Snapshot().Transcript == "hello world" },
		"deltas never accumulated")

	h.tc.events <- transport.Event{
		Status:        transport.StatusProcessing,
		Transcript:    "hello world, corrected",
		TranscriptSet: true,
		WordCount:     &wc,
	}
	waitFor(t, func() bool { return s.Snapshot().Transcript == "hello world, corrected" },
		"full transcript never replaced the accumulation")
	if got := s.Snapshot().WordCount; got != 2 {
		t.Fatalf("expected word count 2, got %d", got)
	}
	if len(h.pub.withStatus("processing")) != 3 {
		t.Fatalf("expected 3 processing updates, got %d", len(h.pub.withStatus("processing")))
	}
}

func TestSegmentSendFailureDoesNotFailSession(t *testing.T) {
	h := newHarness()
	h.tc.sendErr = errors.New("write: broken pipe")
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.injectSegment(0, []byte("pcm"))
	if got := s.State(); got != StateRecording {
		t.Fatalf("session must keep recording after a dropped segment, got %s", got)
	}
}

func TestSegmentsForwardedWhileRecordingAndFinalizing(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.injectSegment(0, []byte("one"))
	if err := s.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	// Trailing segment flushed by capture stop still goes out.
	h.injectSegment(1, []byte("two"))

	if got := h.tc.sentAudio(); got != 2 {
		t.Fatalf("expected 2 audio payloads, got %d", got)
	}
}

func TestEndThenCompleted(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.tc.events <- transport.Event{Status: transport.StatusStarted, CallID: "call-7"}

	if err := s.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if got := s.State(); got != StateFinalizing {
		t.Fatalf("expected finalizing, got %s", got)
	}
	if h.cap.stopCount() == 0 {
		t.Fatal("capture must stop when the call ends")
	}
	if h.tc.endCount() != 1 {
		t.Fatalf("expected one end command, got %d", h.tc.endCount())
	}

	soap := &transport.SOAPNote{Subjective: "chest pain", Plan: "dispatch ALS"}
	h.tc.events <- transport.Event{
		Status:        transport.StatusCompleted,
		Transcript:    "final transcript",
		TranscriptSet: true,
		SOAP:          soap,
		Urgency:       &transport.Urgency{Level: "high", Score: 9},
		Duration:      12.5,
	}
	waitForState(t, s, StateCompleted)

	snap := s.Snapshot()
	if snap.Transcript != "final transcript" {
		t.Fatalf("unexpected final transcript %q", snap.Transcript)
	}
	if snap.SOAP == nil || snap.SOAP.Plan != "dispatch ALS" {
		t.Fatal("SOAP note missing from final snapshot")
	}
	if snap.Urgency == nil || snap.Urgency.Level != "high" {
		t.Fatal("urgency missing from final snapshot")
	}

	waitFor(t, func() bool { return h.recs.savedCount() == 1 }, "record never saved")
	waitFor(t, func() bool { return h.completedCount() == 1 }, "completion hook never fired")
	waitFor(t, func() bool { return len(h.pub.withStatus("completed")) == 1 },
		"completed update never published")

	rec := h.recs.saved[0]
	if rec.CallID != "call-7" || rec.DurationSecs != 12.5 || rec.UrgencyScore != 9 {
		t.Fatalf("record fields wrong: %+v", rec)
	}
}

func TestCompletedWhileRecording(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The backend may close a call on its own after a silence cutoff.
	h.tc.events <- transport.Event{
		Status:        transport.StatusCompleted,
		Transcript:    "caller hung up",
		TranscriptSet: true,
	}
	waitForState(t, s, StateCompleted)
	waitFor(t, func() bool { return h.cap.stopCount() > 0 }, "capture never stopped")
	if len(h.pub.withStatus("completed")) != 1 {
		t.Fatalf("expected exactly one completed update, got %d",
			len(h.pub.withStatus("completed")))
	}
}

func TestBackendErrorIsTerminal(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.tc.events <- transport.Event{Status: transport.StatusError, Err: "recognizer crashed"}
	waitForState(t, s, StateError)

	snap := s.Snapshot()
	if !strings.Contains(snap.Error, "recognizer crashed") {
		t.Fatalf("expected error message preserved, got %q", snap.Error)
	}
	waitFor(t, func() bool { return h.cap.stopCount() > 0 }, "capture never stopped")
	waitFor(t, func() bool { return h.tc.closeCount() > 0 }, "transport never closed")
	if h.recs.savedCount() != 0 {
		t.Fatal("failed calls must not be persisted")
	}
}

func TestConnectionLossIsTerminal(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.tc.failWith(errors.New("unexpected EOF"))
	waitForState(t, s, StateError)
	if snap := s.Snapshot(); !strings.Contains(snap.Error, "connection lost") {
		t.Fatalf("expected connection-loss message, got %q", snap.Error)
	}
}

func TestFinalizeTimeout(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	deps.FinalizeTimeout = 30 * time.Millisecond
	s := NewSession("en", deps, logger.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	waitForState(t, s, StateError)
	if snap := s.Snapshot(); !strings.Contains(snap.Error, "timed out") {
		t.Fatalf("expected timeout message, got %q", snap.Error)
	}
}

func TestCompletedBeatsFinalizeTimeout(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	deps.FinalizeTimeout = 500 * time.Millisecond
	s := NewSession("en", deps, logger.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	h.tc.events <- transport.Event{Status: transport.StatusCompleted, Transcript: "done", TranscriptSet: true}
	waitForState(t, s, StateCompleted)

	// The stale timer must not flip a completed session to error.
	time.Sleep(600 * time.Millisecond)
	if got := s.State(); got != StateCompleted {
		t.Fatalf("timer overrode terminal state: %s", got)
	}
}

func TestNoStaleStatusAfterCompletion(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.tc.events <- transport.Event{Status: transport.StatusCompleted, Transcript: "done", TranscriptSet: true}
	waitForState(t, s, StateCompleted)
	waitFor(t, func() bool { return len(h.pub.withStatus("completed")) == 1 },
		"completed update never published")

	// A pre-terminal status that races past the end of the call must not
	// reach displays, or last-write-wins rendering would stick on it.
	s.publishLive("finalizing")
	if got := len(h.pub.withStatus("finalizing")); got != 0 {
		t.Fatalf("stale finalizing update published after completion: %d", got)
	}
}

func TestEndWithoutRecordingFails(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.End(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestAbortTearsDown(t *testing.T) {
	h := newHarness()
	s := h.session()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.Abort()
	if got := s.State(); got != StateError {
		t.Fatalf("expected error state after abort, got %s", got)
	}
	if h.cap.stopCount() == 0 {
		t.Fatal("abort must stop capture")
	}
	if h.tc.closeCount() == 0 {
		t.Fatal("abort must close the transport")
	}

	// Abort on a terminal session is a no-op.
	s.Abort()
}
