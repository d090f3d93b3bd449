package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emsdesk/livecall/internal/audio"
	"github.com/emsdesk/livecall/internal/bus"
	"github.com/emsdesk/livecall/internal/storage/sqlite"
	"github.com/emsdesk/livecall/internal/transport"
	"github.com/emsdesk/livecall/pkg/logger"
)

var (
	// String creates a string field for structured logging
	String = logger.String
	// Int creates an int field for structured logging
	Int = logger.Int
	// Error creates an error field for structured logging
	Error = logger.Error
)

// Transport is the duplex backend channel a session drives. Satisfied by
// *transport.Channel.
type Transport interface {
	StartSession(language string) error
	SendAudio(payload []byte) error
	EndSession() error
	Events() <-chan transport.Event
	Err() error
	Close() error
}

// Capture produces audio segments until stopped. Satisfied by
// *audio.Chunker.
type Capture interface {
	Start() error
	Stop() error
}

// Publisher fans envelopes out to connected displays. Satisfied by
// *bus.Hub.
type Publisher interface {
	Publish(env bus.Envelope)
}

// RecordWriter persists completed call records. Satisfied by
// *sqlite.CallStorage.
type RecordWriter interface {
	SaveCall(record *sqlite.CallRecord) error
}

// Deps wires a session to its collaborators. DialTransport and NewCapture
// are factories so each session owns fresh instances; Records and
// OnComplete are optional.
type Deps struct {
	DialTransport   func(ctx context.Context) (Transport, error)
	NewCapture      func(emit audio.EmitFunc) (Capture, error)
	Publisher       Publisher
	Records         RecordWriter
	OnComplete      func(snap Snapshot)
	FinalizeTimeout time.Duration
	Source          string
}

// Session runs one call through its lifecycle. All state transitions are
// serialized under a single mutex; teardown of collaborators always
// happens outside the lock.
type Session struct {
	surfaceID string
	language  string
	deps      Deps
	logger    *logger.Logger

	mu            sync.Mutex
	state         State
	callID        string
	transcript    string
	wordCount     int
	soap          *transport.SOAPNote
	urgency       *transport.Urgency
	errMsg        string
	startedAt     time.Time
	endedAt       time.Time
	duration      float64
	transport     Transport
	capture       Capture
	finalizeTimer *time.Timer

	// Serializes Publish calls so a stale pre-terminal status can never be
	// broadcast after the terminal one on a last-write-wins display.
	publishMu sync.Mutex

	eventsDone chan struct{}
}

// NewSession creates a session in the Idle state.
func NewSession(language string, deps Deps, log *logger.Logger) *Session {
	return &Session{
		surfaceID:  uuid.NewString(),
		language:   language,
		deps:       deps,
		state:      StateIdle,
		eventsDone: make(chan struct{}),
		logger:     log.Named("call-session"),
	}
}

// SurfaceID returns the local identifier for this capture surface. The
// backend-issued call ID is separate and only known after the started
// acknowledgement.
func (s *Session) SurfaceID() string { return s.surfaceID }

// Start dials the backend, sends the start command and begins capture.
// Any failure along the way leaves the session in the terminal Error
// state with nothing running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.logger.Info("Starting call session",
		String("surface_id", s.surfaceID),
		String("language", s.language))

	tc, err := s.deps.DialTransport(ctx)
	if err != nil {
		s.fail(fmt.Sprintf("backend connection failed: %v", err))
		return fmt.Errorf("dialing backend: %w", err)
	}

	if err := tc.StartSession(s.language); err != nil {
		tc.Close()
		s.fail(fmt.Sprintf("start command failed: %v", err))
		return fmt.Errorf("sending start command: %w", err)
	}

	cap, err := s.deps.NewCapture(s.handleSegment)
	if err != nil {
		tc.Close()
		s.fail(fmt.Sprintf("audio capture unavailable: %v", err))
		return fmt.Errorf("creating capture: %w", err)
	}
	if err := cap.Start(); err != nil {
		tc.Close()
		s.fail(fmt.Sprintf("audio capture failed to start: %v", err))
		return fmt.Errorf("starting capture: %w", err)
	}

	s.mu.Lock()
	s.transport = tc
	s.capture = cap
	s.state = StateRecording
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.consumeEvents(tc)

	s.logger.Info("Call session recording", String("surface_id", s.surfaceID))
	return nil
}

// End signals the backend that no further audio is coming and starts the
// bounded wait for the terminal event. The final partial segment is
// flushed before the end command goes out.
func (s *Session) End() error {
	s.mu.Lock()
	if s.state != StateRecording {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRecording, st)
	}
	s.state = StateFinalizing
	cap := s.capture
	tc := s.transport
	s.mu.Unlock()

	s.logger.Info("Ending call session", String("surface_id", s.surfaceID))

	// Stopping capture emits the trailing segment through handleSegment,
	// which still forwards audio while finalizing.
	if cap != nil {
		if err := cap.Stop(); err != nil {
			s.logger.Warn("Capture stop failed", Error(err))
		}
	}
	if err := tc.EndSession(); err != nil {
		s.fail(fmt.Sprintf("end command failed: %v", err))
		return fmt.Errorf("sending end command: %w", err)
	}

	s.mu.Lock()
	if s.state == StateFinalizing && s.deps.FinalizeTimeout > 0 {
		s.finalizeTimer = time.AfterFunc(s.deps.FinalizeTimeout, s.finalizeTimedOut)
	}
	s.mu.Unlock()

	s.publishLive("finalizing")
	return nil
}

// Abort tears the session down immediately without waiting for the
// backend. Used when a new call displaces a live one.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.logger.Warn("Aborting call session", String("surface_id", s.surfaceID))
	s.fail("call aborted")
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's current externally visible
// state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SurfaceID:  s.surfaceID,
		CallID:     s.callID,
		State:      s.state.String(),
		Transcript: s.transcript,
		WordCount:  s.wordCount,
		Language:   s.language,
		Error:      s.errMsg,
		Duration:   s.duration,
	}
	if s.soap != nil {
		soap := *s.soap
		snap.SOAP = &soap
	}
	if s.urgency != nil {
		urg := *s.urgency
		snap.Urgency = &urg
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	return snap
}

// handleSegment forwards a captured audio segment to the backend. Delivery
// failures are logged and dropped; the session carries on and the backend
// reconciles on the final transcript.
func (s *Session) handleSegment(seg audio.Segment) {
	s.mu.Lock()
	st := s.state
	tc := s.transport
	s.mu.Unlock()

	if st != StateRecording && st != StateFinalizing {
		return
	}
	if tc == nil {
		return
	}
	if err := tc.SendAudio(seg.Payload); err != nil {
		s.logger.Warn("Dropping audio segment after send failure",
			Int("segment", seg.Index),
			Error(err))
	}
}

// consumeEvents drains the transport's event stream. When the stream
// closes without the session having reached a terminal state, the
// transport failure itself is terminal.
func (s *Session) consumeEvents(tc Transport) {
	defer close(s.eventsDone)
	for ev := range tc.Events() {
		s.handleEvent(ev)
	}

	s.mu.Lock()
	terminal := s.state.IsTerminal()
	s.mu.Unlock()
	if !terminal {
		err := tc.Err()
		if err == nil {
			err = transport.ErrChannelClosed
		}
		s.fail(fmt.Sprintf("backend connection lost: %v", err))
	}
}

// handleEvent applies one backend event. Undefined state/event pairs are
// ignored with a log line rather than treated as failures.
func (s *Session) handleEvent(ev transport.Event) {
	s.mu.Lock()

	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}

	switch ev.Status {
	case transport.StatusStarted:
		if s.callID == "" {
			s.callID = ev.CallID
			s.logger.Info("Backend acknowledged call",
				String("call_id", ev.CallID),
				String("surface_id", s.surfaceID))
		}
		s.mu.Unlock()
		s.publishLive("started")

	case transport.StatusBuffering:
		s.mu.Unlock()

	case transport.StatusProcessing:
		if s.state != StateRecording {
			st := s.state
			s.mu.Unlock()
			s.logger.Debug("Ignoring progress event",
				String("state", st.String()))
			return
		}
		if ev.TranscriptSet {
			if ev.Delta {
				s.transcript += ev.Transcript
			} else {
				s.transcript = ev.Transcript
			}
		}
		if ev.WordCount != nil {
			s.wordCount = *ev.WordCount
		}
		if ev.SOAP != nil {
			s.soap = ev.SOAP
		}
		s.mu.Unlock()
		s.publishLive("processing")

	case transport.StatusCompleted:
		// Accepted while finalizing and also mid-recording: the backend
		// may close a call on its own (silence cutoff).
		s.stopFinalizeTimerLocked()
		if ev.TranscriptSet {
			s.transcript = ev.Transcript
		}
		if ev.WordCount != nil {
			s.wordCount = *ev.WordCount
		}
		if ev.SOAP != nil {
			s.soap = ev.SOAP
		}
		if ev.Urgency != nil {
			s.urgency = ev.Urgency
		}
		s.duration = ev.Duration
		s.endedAt = time.Now()
		s.state = StateCompleted
		cap := s.capture
		tc := s.transport
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.logger.Info("Call completed",
			String("call_id", snap.CallID),
			Int("word_count", snap.WordCount))
		if cap != nil {
			cap.Stop()
		}
		s.publishLive("completed")
		s.persist(snap)
		if s.deps.OnComplete != nil {
			s.deps.OnComplete(snap)
		}
		if tc != nil {
			tc.Close()
		}

	case transport.StatusError:
		s.mu.Unlock()
		msg := ev.Err
		if msg == "" {
			msg = "backend reported an error"
		}
		s.fail(msg)

	default:
		st := s.state
		s.mu.Unlock()
		s.logger.Debug("Ignoring event",
			String("status", string(ev.Status)),
			String("state", st.String()))
	}
}

// fail moves a non-terminal session to Error and tears everything down.
func (s *Session) fail(msg string) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.stopFinalizeTimerLocked()
	s.state = StateError
	s.errMsg = msg
	s.endedAt = time.Now()
	cap := s.capture
	tc := s.transport
	s.mu.Unlock()

	s.logger.Error("Call session failed",
		String("surface_id", s.surfaceID),
		String("reason", msg))
	if cap != nil {
		cap.Stop()
	}
	if tc != nil {
		tc.Close()
	}
}

func (s *Session) finalizeTimedOut() {
	s.mu.Lock()
	if s.state != StateFinalizing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(ErrFinalizeTimeout.Error())
}

func (s *Session) stopFinalizeTimerLocked() {
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}
}

// publishLive broadcasts the session's current state to displays. Once the
// session is terminal, only the "completed" status may still go out; a late
// "finalizing" or "processing" would otherwise overwrite the terminal state
// on displays that keep the last envelope per category.
func (s *Session) publishLive(status string) {
	if s.deps.Publisher == nil {
		return
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if s.state.IsTerminal() && status != "completed" {
		s.mu.Unlock()
		return
	}
	callID := s.callID
	transcript := s.transcript
	var soap *transport.SOAPNote
	if s.soap != nil {
		cp := *s.soap
		soap = &cp
	}
	s.mu.Unlock()

	s.deps.Publisher.Publish(bus.NewLiveUpdate(callID, transcript, status, soap, s.language))
}

// persist writes the completed call to storage. Persistence failure does
// not change the session outcome.
func (s *Session) persist(snap Snapshot) {
	if s.deps.Records == nil {
		return
	}
	rec := &sqlite.CallRecord{
		CallID:       snap.CallID,
		Source:       s.deps.Source,
		Transcript:   snap.Transcript,
		DurationSecs: snap.Duration,
		Language:     snap.Language,
		WordCount:    snap.WordCount,
		CreatedAt:    time.Now().UTC(),
	}
	if rec.CallID == "" {
		rec.CallID = snap.SurfaceID
	}
	if snap.SOAP != nil {
		rec.SOAPSubjective = snap.SOAP.Subjective
		rec.SOAPObjective = snap.SOAP.Objective
		rec.SOAPAssessment = snap.SOAP.Assessment
		rec.SOAPPlan = snap.SOAP.Plan
	}
	if snap.Urgency != nil {
		rec.UrgencyLevel = snap.Urgency.Level
		rec.UrgencyScore = snap.Urgency.Score
		rec.UrgencyReasoning = snap.Urgency.Reasoning
	}
	if err := s.deps.Records.SaveCall(rec); err != nil {
		s.logger.Error("Failed to persist completed call",
			String("call_id", rec.CallID),
			Error(err))
	}
}
