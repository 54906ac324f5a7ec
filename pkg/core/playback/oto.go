package playback

import (
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/fakeacall/fakeacall/pkg/core"
	"github.com/fakeacall/fakeacall/pkg/core/pcm"
)

// Speaker is the system audio output. It implements Sink with a
// pull-based player: the device drains an internal buffer through Read
// on its own clock.
type Speaker struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool
}

// NewSpeaker opens the system output device for the given format.
func NewSpeaker(format pcm.Format) (*Speaker, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms device buffer keeps latency low without glitching.
		BufferSize: 100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, core.WrapError(core.KindDeviceNotFound, "audio output unavailable", err)
	}
	<-ready

	return &Speaker{otoCtx: otoCtx}, nil
}

// Write appends PCM for playback. The player is started lazily on the
// first write.
func (s *Speaker) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
}

// Read implements io.Reader for the oto player pull loop. It never
// blocks: on underrun the device gets silence, so a stalled stream can
// not wedge the player goroutine.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Reset discards buffered audio and stops the current player so the
// next Write starts clean.
func (s *Speaker) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player == nil || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	player := s.player
	s.player = nil
	s.mu.Unlock()

	// Pause before Reset so stale device-buffered audio never overlaps
	// whatever is written next.
	player.Pause()
	player.Reset()
	player.Close()
}

// Close releases the output device. Idempotent.
func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		player.Close()
	}
}
