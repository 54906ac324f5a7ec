// Package capture bridges the continuous microphone stream into discrete
// fixed-size sample frames.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/fakeacall/fakeacall/pkg/core"
)

// Device is a running platform capture device. The device pushes raw
// samples on its own clock; the pipe never polls it.
type Device interface {
	Start() error
	Stop() error
	Uninit()
}

// DeviceOpener initializes a capture device that delivers raw float
// samples to onSamples. The default opener is backed by the system
// microphone.
type DeviceOpener func(cfg Config, onSamples func([]float32)) (Device, error)

// Config specifies the capture format.
type Config struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int
	// Channels. Default 1 (mono).
	Channels int
	// FrameSize is the number of samples per delivered frame. Default 4096.
	FrameSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FrameSize == 0 {
		c.FrameSize = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Pipe owns the microphone device for the duration of a call and
// delivers fixed-size frames to the registered consumer.
//
// Mute drops frames before they reach the consumer; the device keeps
// running so un-muting needs no re-open and the level meter stays live.
type Pipe struct {
	cfg  Config
	open DeviceOpener

	mu      sync.Mutex
	device  Device
	onFrame func([]float32)
	pending []float32
	muted   bool
	closed  bool
	level   float64
}

// NewPipe creates a capture pipe. A nil opener uses the system microphone.
func NewPipe(cfg Config, open DeviceOpener) *Pipe {
	if open == nil {
		open = openMicrophone
	}
	return &Pipe{cfg: cfg.withDefaults(), open: open}
}

// Open acquires and starts the microphone device. Failures carry one of
// the device error kinds so the caller can present the right remedy.
func (p *Pipe) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.KindDeviceBusy, "capture open canceled", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.NewInvalidStateError("capture pipe is closed")
	}
	if p.device != nil {
		p.mu.Unlock()
		return core.NewInvalidStateError("capture device already open")
	}
	p.mu.Unlock()

	device, err := p.open(p.cfg, p.ingest)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return classifyDeviceError(err)
	}

	p.mu.Lock()
	if p.closed {
		// Closed while opening; release immediately.
		p.mu.Unlock()
		_ = device.Stop()
		device.Uninit()
		return core.NewInvalidStateError("capture pipe is closed")
	}
	p.device = device
	p.pending = p.pending[:0]
	p.mu.Unlock()
	return nil
}

// OnFrame registers the frame consumer. The consumer is invoked once per
// FrameSize samples, on the device's cadence. It must not block.
func (p *Pipe) OnFrame(fn func(samples []float32)) {
	p.mu.Lock()
	p.onFrame = fn
	p.mu.Unlock()
}

// SetMuted suppresses (or restores) frame delivery without stopping the
// device.
func (p *Pipe) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Muted reports the current mute flag.
func (p *Pipe) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Level returns the RMS energy of the most recent frame, in [0, 1].
// It keeps updating while muted.
func (p *Pipe) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Close releases the device and halts frame delivery. Idempotent.
func (p *Pipe) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	device := p.device
	p.device = nil
	p.onFrame = nil
	p.pending = nil
	p.mu.Unlock()

	if device != nil {
		if err := device.Stop(); err != nil {
			p.cfg.Logger.Warn("capture device stop failed", "error", err)
		}
		device.Uninit()
	}
}

// ingest accumulates raw device samples into fixed-size frames.
func (p *Pipe) ingest(samples []float32) {
	p.mu.Lock()
	if p.closed || p.device == nil {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, samples...)

	var frames [][]float32
	for len(p.pending) >= p.cfg.FrameSize {
		frame := make([]float32, p.cfg.FrameSize)
		copy(frame, p.pending[:p.cfg.FrameSize])
		p.pending = p.pending[p.cfg.FrameSize:]
		frames = append(frames, frame)
	}
	if len(frames) > 0 {
		p.level = rmsLevel(frames[len(frames)-1])
	}
	muted := p.muted
	fn := p.onFrame
	p.mu.Unlock()

	if muted || fn == nil {
		return
	}
	for _, frame := range frames {
		fn(frame)
	}
}

func rmsLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
