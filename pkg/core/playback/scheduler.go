// Package playback serializes decoded audio buffers into gapless,
// non-overlapping speaker output.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fakeacall/fakeacall/pkg/core"
	"github.com/fakeacall/fakeacall/pkg/core/pcm"
)

// Clock abstracts wall time so scheduling is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sink consumes scheduled PCM in real time. Write must not block.
type Sink interface {
	Write(pcm []byte)
	// Reset discards any audio the sink has buffered but not played.
	Reset()
	// Close releases the output device.
	Close()
}

// Gain selects the output gain mode.
type Gain int

const (
	GainNormal Gain = iota
	// GainBoosted doubles the output amplitude (speaker mode).
	GainBoosted
)

const boostFactor = 2

// Span records the realized schedule of one buffer.
type Span struct {
	Start time.Time
	End   time.Time
}

// Scheduler accepts decoded buffers in arrival order and schedules each
// to start at max(now, end of the previous buffer), so playback is
// gapless and never overlapping regardless of arrival jitter.
type Scheduler struct {
	format pcm.Format
	logger *slog.Logger

	mu        sync.Mutex
	sink      Sink
	clock     Clock
	gain      Gain
	nextStart time.Time
	released  bool
}

// NewScheduler creates a scheduler writing to sink. A nil clock uses
// wall time; a nil logger uses slog.Default().
func NewScheduler(format pcm.Format, sink Sink, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{format: format, sink: sink, clock: clock, logger: logger}
}

// Enqueue schedules one decoded buffer for playback and returns its
// realized span. A malformed buffer is rejected with a framing error and
// does not disturb the schedule of later buffers.
func (s *Scheduler) Enqueue(buf []byte) (Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return Span{}, core.NewInvalidStateError("playback scheduler was reset")
	}
	if len(buf)%2 != 0 {
		return Span{}, core.NewFramingError("playback buffer has odd byte count")
	}
	if len(buf) == 0 {
		return Span{}, nil
	}

	if s.gain == GainBoosted {
		buf = scaleS16(buf, boostFactor)
	}

	start := s.clock.Now()
	if s.nextStart.After(start) {
		start = s.nextStart
	}
	end := start.Add(s.format.Duration(len(buf)))
	s.nextStart = end

	s.sink.Write(buf)
	return Span{Start: start, End: end}, nil
}

// SetGain switches the gain mode for subsequently scheduled buffers.
// Buffers already scheduled are not altered.
func (s *Scheduler) SetGain(g Gain) {
	s.mu.Lock()
	s.gain = g
	s.mu.Unlock()
}

// Gain returns the current gain mode.
func (s *Scheduler) Gain() Gain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

// Flush drops all pending scheduled audio but keeps the output graph,
// so the next Enqueue starts immediately.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.nextStart = time.Time{}
	s.sink.Reset()
}

// Reset clears all pending buffers and releases the output graph.
// Called on call end; idempotent. Enqueue afterwards is refused.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.nextStart = time.Time{}
	s.sink.Reset()
	s.sink.Close()
}

// scaleS16 multiplies each 16-bit sample, clamping at the rails.
func scaleS16(buf []byte, factor int) []byte {
	out := make([]byte, len(buf))
	for i := 0; i < len(buf)-1; i += 2 {
		s := int(int16(buf[i]) | int16(buf[i+1])<<8)
		s *= factor
		if s > 32767 {
			s = 32767
		}
		if s < -32768 {
			s = -32768
		}
		out[i] = byte(s)
		out[i+1] = byte(s >> 8)
	}
	return out
}
