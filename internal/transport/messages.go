package transport

import "encoding/json"

// Outbound actions understood by the backend.
const (
	actionStart = "start"
	actionAudio = "audio"
	actionEnd   = "end"
	actionPing  = "ping"
)

// Inbound event statuses. Unknown statuses are logged and dropped so newer
// backends can add event kinds without breaking older gateways.
const (
	StatusStarted    = "started"
	StatusBuffering  = "buffering"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"

	statusPong = "pong"
)

// command is the outbound JSON envelope.
type command struct {
	Action   string `json:"action"`
	Language string `json:"language,omitempty"`
	Data     string `json:"data,omitempty"`
}

// SOAPNote is the backend's clinical note snapshot. Fields may carry an
// embedded secondary-language summary suffix; the gateway passes them
// through verbatim.
type SOAPNote struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// Urgency is the backend's triage classification, present on completed
// events when the classifier ran.
type Urgency struct {
	Level     string `json:"level"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// wireEvent is the raw inbound shape. The backend sometimes sends the full
// transcript under "full_transcript" and sometimes a delta under
// "transcript"; normalization into Event happens once, here at the
// boundary.
type wireEvent struct {
	Status         string          `json:"status"`
	CallID         string          `json:"call_id"`
	Message        string          `json:"message"`
	FullTranscript string          `json:"full_transcript"`
	Transcript     string          `json:"transcript"`
	WordCount      *int            `json:"word_count"`
	SOAP           *SOAPNote       `json:"soap"`
	Urgency        *Urgency        `json:"urgency"`
	Duration       float64         `json:"duration"`
	Language       string          `json:"language"`
	Error          string          `json:"error"`
	Raw            json.RawMessage `json:"-"`
}

// Event is the canonical, normalized inbound event delivered to the
// session.
type Event struct {
	Status        string
	CallID        string
	Transcript    string // meaningful only when TranscriptSet
	TranscriptSet bool   // an authoritative transcript value was present
	Delta         bool   // Transcript is an incremental delta, not a replacement
	WordCount     *int   // nil when the backend omitted the count
	SOAP          *SOAPNote
	Urgency       *Urgency
	Duration      float64
	Language      string
	Err           string // set only for StatusError
}

// normalize resolves the shape-shifting transcript fields into one
// canonical form.
func normalize(w wireEvent) Event {
	ev := Event{
		Status:    w.Status,
		CallID:    w.CallID,
		WordCount: w.WordCount,
		SOAP:      w.SOAP,
		Urgency:   w.Urgency,
		Duration:  w.Duration,
		Language:  w.Language,
		Err:       w.Error,
	}

	switch w.Status {
	case StatusProcessing:
		if w.FullTranscript != "" {
			ev.Transcript = w.FullTranscript
			ev.TranscriptSet = true
		} else if w.Transcript != "" {
			ev.Transcript = w.Transcript
			ev.TranscriptSet = true
			ev.Delta = true
		}
	case StatusCompleted:
		// The terminal event's transcript is authoritative and replaces
		// all partial state.
		ev.Transcript = w.Transcript
		if ev.Transcript == "" {
			ev.Transcript = w.FullTranscript
		}
		ev.TranscriptSet = true
	}

	return ev
}
