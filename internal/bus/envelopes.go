package bus

import (
	"encoding/json"
	"fmt"

	"github.com/emsdesk/livecall/internal/transport"
)

// Envelope types carried on the display channel. Secondary displays treat
// each envelope as the latest known value for its category (last-write-wins
// per category), never as an ordered event log.
const (
	TypeReady         = "DNP_READY"
	TypeCallsSnapshot = "UPDATE_CALLS"
	TypeSelectCall    = "SELECT_CALL"
	TypeLiveUpdate    = "LIVE_UPDATE"
)

// Envelope is one broadcast message. Payload fields are populated per
// type; Language carries the publisher's UI locale so displays render
// matching text.
type Envelope struct {
	Type       string              `json:"type"`
	Calls      json.RawMessage     `json:"calls,omitempty"`
	Call       json.RawMessage     `json:"call,omitempty"`
	CallID     string              `json:"call_id,omitempty"`
	Transcript string              `json:"transcript,omitempty"`
	Status     string              `json:"status,omitempty"`
	SOAP       *transport.SOAPNote `json:"soap,omitempty"`
	Language   string              `json:"language,omitempty"`
}

// NewCallsSnapshot builds an UPDATE_CALLS envelope holding the full current
// call list (always a full snapshot, never a diff).
func NewCallsSnapshot(calls any, language string) (Envelope, error) {
	raw, err := json.Marshal(calls)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal call list: %w", err)
	}
	return Envelope{Type: TypeCallsSnapshot, Calls: raw, Language: language}, nil
}

// NewSelectCall builds a SELECT_CALL envelope with one call's detail.
func NewSelectCall(call any, language string) (Envelope, error) {
	raw, err := json.Marshal(call)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal call detail: %w", err)
	}
	return Envelope{Type: TypeSelectCall, Call: raw, Language: language}, nil
}

// NewLiveUpdate builds a LIVE_UPDATE envelope carrying live-session state.
func NewLiveUpdate(callID, transcript, status string, soap *transport.SOAPNote, language string) Envelope {
	return Envelope{
		Type:       TypeLiveUpdate,
		CallID:     callID,
		Transcript: transcript,
		Status:     status,
		SOAP:       soap,
		Language:   language,
	}
}
