package audio

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/emsdesk/livecall/pkg/logger"
)

// DeviceConfig describes how the microphone should be captured.
type DeviceConfig struct {
	FFmpegPath  string
	InputFormat string // ffmpeg input format, e.g. "pulse", "alsa", "avfoundation"
	InputDevice string
	SampleRate  int
	Channels    int
}

// FFmpegDevice captures the microphone through a single ffmpeg process
// emitting raw PCM on stdout. All recorders minted from the device share
// this one live stream: a read loop fans incoming bytes to every recorder
// currently started, which is what allows two recorders to overlap at a
// segment boundary without either missing audio.
// lockedBuffer guards ffmpeg's stderr: exec copies into it from its own
// goroutine while the read loop may be formatting it into an error log.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type FFmpegDevice struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr lockedBuffer
	logger *logger.Logger

	mu        sync.Mutex
	recorders []*pcmRecorder
	closed    bool
	readErr   error
}

// OpenFFmpegDevice starts the capture process. It fails fast if ffmpeg
// cannot be spawned; permission or device errors surface on the first read
// and mark the device unusable.
func OpenFFmpegDevice(cfg DeviceConfig, log *logger.Logger) (*FFmpegDevice, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		// Echo cancellation and noise suppression are requested from the
		// capture stack where the input format supports them; best-effort.
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(cfg.FFmpegPath, args...)
	d := &FFmpegDevice{
		cmd:    cmd,
		logger: log.Named("ffmpeg-device"),
	}
	cmd.Stderr = &d.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	d.stdout = stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	d.logger.Info("Capture device opened",
		String("input_format", cfg.InputFormat),
		String("input_device", cfg.InputDevice),
		Int("sample_rate", cfg.SampleRate),
		Int("channels", cfg.Channels))

	go d.readLoop()
	return d, nil
}

// NewRecorder mints a recorder bound to the device stream.
func (d *FFmpegDevice) NewRecorder() (Recorder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("capture device is closed")
	}
	if d.readErr != nil {
		return nil, fmt.Errorf("capture device failed: %w", d.readErr)
	}

	rec := &pcmRecorder{device: d}
	d.recorders = append(d.recorders, rec)
	return rec, nil
}

// Close terminates the ffmpeg process and releases the stream. Idempotent.
func (d *FFmpegDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stdout.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()

	d.logger.Debug("Capture device closed")
	return nil
}

func (d *FFmpegDevice) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := d.stdout.Read(buf)
		if n > 0 {
			d.mu.Lock()
			for _, rec := range d.recorders {
				rec.append(buf[:n])
			}
			d.mu.Unlock()
		}
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.readErr = err
			d.mu.Unlock()
			if !closed && err != io.EOF {
				d.logger.Error("Capture stream read error",
					Error(err),
					String("ffmpeg_stderr", d.stderr.String()))
			}
			return
		}
	}
}

// pcmRecorder accumulates device bytes while started.
type pcmRecorder struct {
	mu        sync.Mutex
	device    *FFmpegDevice
	recording bool
	buf       bytes.Buffer
}

func (r *pcmRecorder) Start() error {
	r.device.mu.Lock()
	deviceErr := r.device.readErr
	deviceClosed := r.device.closed
	r.device.mu.Unlock()
	if deviceClosed {
		return fmt.Errorf("capture device is closed")
	}
	if deviceErr != nil && deviceErr != io.EOF {
		return fmt.Errorf("capture device failed: %w", deviceErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset()
	r.recording = true
	return nil
}

func (r *pcmRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	r.buf.Reset()
	return out, nil
}

func (r *pcmRecorder) append(b []byte) {
	r.mu.Lock()
	if r.recording {
		r.buf.Write(b)
	}
	r.mu.Unlock()
}
