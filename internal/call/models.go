// Package call holds the live-call session state machine. One session
// represents one call from the operator pressing start to a terminal
// completed or error state; at most one non-terminal session exists per
// capture surface at a time.
package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/emsdesk/livecall/internal/transport"
)

// State is the session's single authoritative lifecycle state.
type State int

const (
	// StateIdle - no call in progress.
	StateIdle State = iota
	// StateConnecting - transport handshake and capture startup underway.
	StateConnecting
	// StateRecording - audio flowing, progress events applied in place.
	StateRecording
	// StateFinalizing - operator ended the call; awaiting the terminal
	// backend event.
	StateFinalizing
	// StateCompleted - terminal success; final transcript captured.
	StateCompleted
	// StateError - terminal failure.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the state is terminal. A session never leaves
// a terminal state; starting a new call constructs a new session.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

var (
	// ErrAlreadyStarted indicates Start was called on a session that has
	// left Idle.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotRecording indicates End was called outside Recording.
	ErrNotRecording = errors.New("no recording in progress")
	// ErrFinalizeTimeout indicates no terminal event arrived within the
	// bounded wait after the end signal.
	ErrFinalizeTimeout = errors.New("timed out waiting for final result")
	// ErrNoActiveSession indicates a manager operation found no live call.
	ErrNoActiveSession = errors.New("no active call session")
)

// Snapshot is a copy of the session's externally visible state.
type Snapshot struct {
	SurfaceID  string              `json:"surface_id"`
	CallID     string              `json:"call_id,omitempty"`
	State      string              `json:"state"`
	Transcript string              `json:"transcript"`
	WordCount  int                 `json:"word_count"`
	SOAP       *transport.SOAPNote `json:"soap,omitempty"`
	Urgency    *transport.Urgency  `json:"urgency,omitempty"`
	Language   string              `json:"language"`
	Error      string              `json:"error,omitempty"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
	Duration   float64             `json:"duration_seconds,omitempty"`
}
