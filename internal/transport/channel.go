// Package transport wraps one duplex WebSocket connection to the
// transcription backend, translating between the session's typed intents
// and the wire's tagged JSON events.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emsdesk/livecall/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

var (
	// ErrHandshakeFailed indicates the duplex connection could not open.
	ErrHandshakeFailed = errors.New("transport handshake failed")
	// ErrClosedUnexpectedly indicates the channel closed without a
	// terminal event having been received.
	ErrClosedUnexpectedly = errors.New("transport closed unexpectedly")
	// ErrChannelClosed is returned by send operations after Close.
	ErrChannelClosed = errors.New("transport channel is closed")
)

// Config controls channel behavior.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // 0 disables keepalive pings
}

// Channel is one live duplex connection. Inbound events arrive on Events()
// in wire order; after the events channel closes, Err reports whether the
// close was clean (nil) or a transport failure. No event is ever delivered
// after an error or a clean close.
type Channel struct {
	conn   *websocket.Conn
	logger *logger.Logger

	events chan Event
	done   chan struct{}

	writeMu sync.Mutex
	closed  bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	audioSent int
}

// Dial opens a channel to the backend. A dial failure is reported as
// ErrHandshakeFailed; nothing is left running.
func Dial(ctx context.Context, cfg Config, log *logger.Logger) (*Channel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c := &Channel{
		conn:   conn,
		logger: log.Named("transport"),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	go c.readLoop()
	if cfg.PingInterval > 0 {
		go c.pingLoop(cfg.PingInterval)
	}

	c.logger.Info("Connected to transcription backend", String("url", cfg.URL))
	return c, nil
}

// Events returns the inbound event stream. The channel is closed after a
// terminal error or Close; consult Err afterwards.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Err returns the terminal transport error, or nil if the channel closed
// cleanly (or is still open).
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// StartSession asks the backend to open a transcription session.
func (c *Channel) StartSession(language string) error {
	return c.send(command{Action: actionStart, Language: language})
}

// SendAudio ships one encoded audio segment. The payload is serialized as
// base64 for the text channel. Fire-and-forget: a failed send is the
// caller's signal, there is no retry or queue.
func (c *Channel) SendAudio(payload []byte) error {
	encoded := base64.StdEncoding.EncodeToString(payload)
	if err := c.send(command{Action: actionAudio, Data: encoded}); err != nil {
		return err
	}

	c.audioSent++
	if c.audioSent%50 == 0 {
		c.logger.Debug("Audio segments sent", Int("count", c.audioSent))
	}
	return nil
}

// EndSession signals the operator's end-of-call. The backend answers with
// a terminal completed or error event on the events stream.
func (c *Channel) EndSession() error {
	return c.send(command{Action: actionEnd})
}

// Close tears the connection down. Idempotent; audio in flight at close
// time may be lost, which is accepted for a live-call channel.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		close(c.done)

		// Best-effort close frame, then drop the connection.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.logger.Debug("Transport channel closed")
	})
	return nil
}

func (c *Channel) send(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal %s command: %w", cmd.Action, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Action, err)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Deliberate close; not a transport failure.
			default:
				c.errMu.Lock()
				c.err = fmt.Errorf("%w: %v", ErrClosedUnexpectedly, err)
				c.errMu.Unlock()
				c.logger.Warn("Backend connection lost", Error(err))
			}
			return
		}

		var w wireEvent
		if err := json.Unmarshal(data, &w); err != nil {
			c.logger.Error("Failed to parse backend event", Error(err))
			continue
		}

		switch w.Status {
		case statusPong:
			continue
		case StatusStarted, StatusBuffering, StatusProcessing, StatusCompleted, StatusError:
		default:
			c.logger.Warn("Dropping event with unknown status", String("status", w.Status))
			continue
		}

		select {
		case c.events <- normalize(w):
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(command{Action: actionPing}); err != nil {
				return
			}
		}
	}
}
