// Package audio captures microphone input and delivers it to the transport
// as a sequence of bounded-duration segments with no gap between them.
package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emsdesk/livecall/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// ErrCaptureUnavailable indicates the capture device could not be opened or
// a recorder could not start. The chunker fails fast and performs no
// partial start.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// Segment is one bounded interval of captured audio, produced every
// interval tick. Indices are strictly increasing with no gaps for the
// lifetime of one chunker.
type Segment struct {
	Index   int
	Payload []byte
}

// Recorder is one capture unit. Start begins accumulating audio from the
// device's live stream; Stop ends accumulation and yields the captured
// bytes. A recorder may be restarted after Stop.
type Recorder interface {
	Start() error
	Stop() ([]byte, error)
}

// Device owns the underlying live capture stream and mints recorders bound
// to it. Closing the device releases the stream.
type Device interface {
	NewRecorder() (Recorder, error)
	Close() error
}

// EmitFunc receives each finished segment. Calls are serialized: the
// chunker never invokes it concurrently, so segment order is delivery
// order.
type EmitFunc func(Segment)

// Chunker drives two recorders bound to one device in alternation
// (ping-pong). On each interval tick the idle recorder is started before
// the active one is stopped, so the stream is covered with a small overlap
// at each boundary instead of a gap. The backend tolerates the overlap.
type Chunker struct {
	device   Device
	interval time.Duration
	emit     EmitFunc
	logger   *logger.Logger

	mu        sync.Mutex
	recorders [2]Recorder
	active    int
	seq       int
	started   bool
	stopped   bool

	ticker *time.Ticker
	done   chan struct{}
	loopWG sync.WaitGroup
}

// NewChunker creates a chunker over the given device. emit receives every
// finished segment in order.
func NewChunker(device Device, segmentInterval time.Duration, emit EmitFunc, log *logger.Logger) *Chunker {
	if segmentInterval <= 0 {
		segmentInterval = 5 * time.Second
	}
	return &Chunker{
		device:   device,
		interval: segmentInterval,
		emit:     emit,
		logger:   log.Named("chunker"),
		done:     make(chan struct{}),
	}
}

// Start acquires both recorders and begins capturing with the first. If
// either recorder cannot be created or the first fails to start, Start
// returns ErrCaptureUnavailable and leaves nothing running.
func (c *Chunker) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("chunker already started")
	}
	if c.emit == nil {
		return fmt.Errorf("chunker requires an emit callback")
	}

	for i := range c.recorders {
		rec, err := c.device.NewRecorder()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		}
		c.recorders[i] = rec
	}

	if err := c.recorders[0].Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	c.active = 0
	c.started = true

	c.ticker = time.NewTicker(c.interval)
	c.loopWG.Add(1)
	go c.run()

	c.logger.Info("Audio chunker started",
		Int("interval_ms", int(c.interval.Milliseconds())))
	return nil
}

func (c *Chunker) run() {
	defer c.loopWG.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			if err := c.rotate(); err != nil {
				c.logger.Error("Segment rotation failed", Error(err))
			}
		}
	}
}

// rotate starts the idle recorder, then stops the active one and emits its
// segment. Start-before-stop is deliberate: a stop-then-start ordering
// would leave the stream uncovered between segments.
func (c *Chunker) rotate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return nil
	}

	next := c.recorders[1-c.active]
	if err := next.Start(); err != nil {
		return fmt.Errorf("failed to start next recorder: %w", err)
	}

	payload, err := c.recorders[c.active].Stop()
	c.active = 1 - c.active
	if err != nil {
		return fmt.Errorf("failed to stop active recorder: %w", err)
	}

	c.emitLocked(payload)
	return nil
}

// emitLocked assigns the next sequence index and delivers the segment.
// Caller holds c.mu, which serializes emission across tick and Stop paths.
func (c *Chunker) emitLocked(payload []byte) {
	seg := Segment{Index: c.seq, Payload: payload}
	c.seq++
	c.emit(seg)
}

// Stop halts capture, emits the final partial segment, and releases the
// device. Safe to call more than once.
func (c *Chunker) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.ticker.Stop()
	close(c.done)
	c.mu.Unlock()

	// Wait for an in-flight rotation to finish before the final stop.
	c.loopWG.Wait()

	c.mu.Lock()
	payload, err := c.recorders[c.active].Stop()
	if err != nil {
		c.logger.Error("Failed to stop active recorder", Error(err))
	} else if len(payload) > 0 {
		c.emitLocked(payload)
	}
	c.mu.Unlock()

	if err := c.device.Close(); err != nil {
		c.logger.Error("Failed to close capture device", Error(err))
		return err
	}

	c.logger.Info("Audio chunker stopped", Int("segments_emitted", c.seq))
	return nil
}
