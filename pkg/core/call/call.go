package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fakeacall/fakeacall/pkg/core"
	"github.com/fakeacall/fakeacall/pkg/core/pcm"
	"github.com/fakeacall/fakeacall/pkg/core/playback"
	"github.com/fakeacall/fakeacall/pkg/core/stream"
)

// CapturePipe is the microphone frame source, owned by the call for its
// whole lifetime.
type CapturePipe interface {
	Open(ctx context.Context) error
	OnFrame(fn func(samples []float32))
	SetMuted(muted bool)
	Level() float64
	Close()
}

// Conn is one live duplex session to the remote agent,
// implemented by *stream.Session.
type Conn interface {
	SendFrame(frame pcm.Frame) error
	Messages() <-chan stream.Message
	Err() error
	Close() error
}

// Connector dials the remote agent. Only invoked once the microphone
// has been acquired.
type Connector func(ctx context.Context) (Conn, error)

// Player schedules decoded audio for gapless output,
// implemented by *playback.Scheduler.
type Player interface {
	Enqueue(buf []byte) (playback.Span, error)
	SetGain(g playback.Gain)
	Flush()
	Reset()
}

type command int

const (
	cmdAnswer command = iota
	cmdDecline
	cmdEnd
	cmdToggleMute
	cmdToggleSpeaker
)

type connectResult struct {
	conn       Conn
	err        error
	deviceOpen bool
}

// Call is the orchestrator for one simulated incoming call. It owns the
// capture pipe, the playback scheduler, and the streaming session, and
// sequences them through Idle → Ringing → Connecting → Active → Ended.
//
// All three external event sources (capture frames, inbound messages,
// UI commands) are serialized onto one run loop; handlers never block.
type Call struct {
	cfg     Config
	pipe    CapturePipe
	connect Connector
	player  Player
	logger  *slog.Logger

	cmds      chan command
	frames    chan []float32
	connectCh chan connectResult
	events    chan Event
	done      chan struct{}

	mu        sync.Mutex
	state     State
	muted     bool
	boosted   bool
	started   bool
	sessionID string
}

// New creates a call in the Idle state. Zero config fields fall back to
// the defaults.
func New(cfg Config, pipe CapturePipe, connect Connector, player Player, logger *slog.Logger) *Call {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = def.SystemInstruction
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.RingTimeoutMs == 0 {
		cfg.RingTimeoutMs = def.RingTimeoutMs
	}
	if cfg.CaptureSampleRate == 0 {
		cfg.CaptureSampleRate = def.CaptureSampleRate
	}
	if cfg.PlaybackSampleRate == 0 {
		cfg.PlaybackSampleRate = def.PlaybackSampleRate
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = def.FrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Call{
		cfg:       cfg,
		pipe:      pipe,
		connect:   connect,
		player:    player,
		logger:    logger,
		cmds:      make(chan command, 8),
		frames:    make(chan []float32, 8),
		connectCh: make(chan connectResult),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		state:     StateIdle,
		sessionID: fmt.Sprintf("call_%d", time.Now().UnixNano()),
	}
}

// SessionID returns the call session identifier.
func (c *Call) SessionID() string { return c.sessionID }

// Config returns the call configuration with defaults applied.
func (c *Call) Config() Config { return c.cfg }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Muted reports the mute flag.
func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Speaker reports whether speaker mode is on.
func (c *Call) Speaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boosted
}

// Events yields observation events for the view layer.
func (c *Call) Events() <-chan Event { return c.events }

// Done is closed once the call has reached Ended and torn down.
func (c *Call) Done() <-chan struct{} { return c.done }

// Start begins ringing. A call value runs at most once; starting a
// second time (or after Ended) is refused.
func (c *Call) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return core.NewInvalidStateError("call already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Answer accepts the ringing call. Ignored outside Ringing.
func (c *Call) Answer() { c.push(cmdAnswer) }

// Decline rejects the ringing call without acquiring any resources.
// Ignored outside Ringing.
func (c *Call) Decline() { c.push(cmdDecline) }

// End hangs up. Safe from any state; repeated calls are no-ops.
func (c *Call) End() { c.push(cmdEnd) }

// ToggleMute flips the mute flag. Ignored unless the call is active.
func (c *Call) ToggleMute() { c.push(cmdToggleMute) }

// ToggleSpeaker flips speaker mode. Ignored unless the call is active.
func (c *Call) ToggleSpeaker() { c.push(cmdToggleSpeaker) }

func (c *Call) push(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Call) run(ctx context.Context) {
	ringStart := time.Now()
	var callStart time.Time
	var conn Conn
	var msgs <-chan stream.Message

	ringTimer := time.NewTimer(c.cfg.RingTimeout())
	defer ringTimer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.setState(StateRinging)
	c.playRingBurst()

	answer := func() {
		ringTimer.Stop()
		c.player.Flush()
		c.setState(StateConnecting)
		go c.establish(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown(ringTimer, ticker, conn)
			return

		case cmd := <-c.cmds:
			switch cmd {
			case cmdAnswer:
				if c.State() != StateRinging {
					continue
				}
				answer()
			case cmdDecline:
				if c.State() != StateRinging {
					continue
				}
				c.teardown(ringTimer, ticker, conn)
				return
			case cmdEnd:
				c.teardown(ringTimer, ticker, conn)
				return
			case cmdToggleMute:
				if c.State() != StateActive {
					continue
				}
				c.mu.Lock()
				c.muted = !c.muted
				muted := c.muted
				c.mu.Unlock()
				c.pipe.SetMuted(muted)
				c.emit(&MuteChangedEvent{Muted: muted})
			case cmdToggleSpeaker:
				if c.State() != StateActive {
					continue
				}
				c.mu.Lock()
				c.boosted = !c.boosted
				boosted := c.boosted
				c.mu.Unlock()
				gain := playback.GainNormal
				if boosted {
					gain = playback.GainBoosted
				}
				c.player.SetGain(gain)
				c.emit(&SpeakerChangedEvent{Boosted: boosted})
			}

		case <-ringTimer.C:
			// Auto-answer after the ring timeout.
			if c.State() == StateRinging {
				answer()
			}

		case <-ticker.C:
			switch c.State() {
			case StateRinging:
				elapsed := time.Since(ringStart).Round(time.Second)
				c.emit(&RingTickEvent{Elapsed: elapsed})
				// Back-to-back bursts with a one second pause between.
				if int(elapsed/time.Second)%3 == 0 {
					c.playRingBurst()
				}
			case StateActive:
				c.emit(&CallTickEvent{Elapsed: time.Since(callStart).Round(time.Second)})
				c.emit(&MicLevelEvent{RMS: c.pipe.Level()})
			}

		case res := <-c.connectCh:
			if c.State() != StateConnecting {
				// Ended while connecting; release the late session.
				if res.conn != nil {
					_ = res.conn.Close()
				}
				continue
			}
			if res.err != nil {
				if res.deviceOpen {
					// The device came up before the session failed;
					// release it so nothing leaks.
					c.pipe.Close()
				}
				c.notify(res.err)
				c.teardown(ringTimer, ticker, nil)
				return
			}
			conn = res.conn
			msgs = conn.Messages()
			c.wireCapture()
			callStart = time.Now()
			c.setState(StateActive)

		case samples := <-c.frames:
			if c.State() != StateActive || conn == nil {
				continue
			}
			if err := conn.SendFrame(pcm.EncodeFrame(samples)); err != nil {
				// Transport death surfaces through the message channel;
				// here we only drop the frame.
				c.logger.Warn("send frame failed", "error", err)
			}

		case msg, ok := <-msgs:
			if !ok {
				// Session terminated, by the remote side or underneath us.
				if err := conn.Err(); err != nil {
					c.notify(err)
				}
				c.teardown(ringTimer, ticker, conn)
				return
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Call) handleMessage(msg stream.Message) {
	switch m := msg.(type) {
	case stream.AudioChunk:
		frame, err := pcm.FromTransportEncoding(m.Data)
		if err != nil {
			// One bad chunk never stalls the stream.
			c.logger.Warn("dropping undecodable audio chunk", "error", err)
			return
		}
		if _, err := c.player.Enqueue(frame); err != nil {
			c.logger.Warn("dropping unplayable audio chunk", "error", err)
		}
	case stream.RemoteError:
		// Surfaced to the user; the call continues unless the remote
		// side also closes the transport.
		c.emit(&NotificationEvent{Category: core.KindRemote, Message: m.Message})
	case stream.ControlAck, stream.Unrecognized:
		// No-op.
	}
}

// establish acquires the microphone, then dials the agent. Runs off the
// loop so commands stay responsive while connecting.
func (c *Call) establish(ctx context.Context) {
	if err := c.pipe.Open(ctx); err != nil {
		c.deliverConnect(connectResult{err: err})
		return
	}
	conn, err := c.connect(ctx)
	if err != nil {
		c.deliverConnect(connectResult{err: err, deviceOpen: true})
		return
	}
	c.deliverConnect(connectResult{conn: conn, deviceOpen: true})
}

// deliverConnect hands the establishment result to the run loop. The
// channel is unbuffered on purpose: if the loop has already torn down,
// the send can never win over the done case, so a session that came up
// after the call ended is always closed here instead of leaking.
func (c *Call) deliverConnect(res connectResult) {
	select {
	case c.connectCh <- res:
	case <-c.done:
		if res.conn != nil {
			_ = res.conn.Close()
		}
	}
}

// wireCapture routes capture frames into the run loop. The device
// callback never blocks; a full queue drops the frame.
func (c *Call) wireCapture() {
	c.pipe.OnFrame(func(samples []float32) {
		select {
		case c.frames <- samples:
		default:
			c.logger.Warn("dropping capture frame, send queue full")
		}
	})
}

func (c *Call) playRingBurst() {
	format := pcm.Format{SampleRate: c.cfg.PlaybackSampleRate, Channels: 1, BitsPerSample: 16}
	if _, err := c.player.Enqueue(ringTonePCM(format)); err != nil {
		c.logger.Warn("ring tone enqueue failed", "error", err)
	}
}

// teardown ends the call exactly once, in the fixed release order:
// timers, streaming session, capture device, playback graph. The
// network goes down before local devices so no late inbound frame can
// hit an already-reset scheduler.
func (c *Call) teardown(ringTimer *time.Timer, ticker *time.Ticker, conn Conn) {
	ringTimer.Stop()
	ticker.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	c.pipe.Close()
	c.player.Reset()
	c.setState(StateEnded)
	close(c.events)
	close(c.done)
}

func (c *Call) notify(err error) {
	kind := core.ErrKind(err)
	message := kind.Remedy()
	if message == "" {
		message = err.Error()
	}
	c.emit(&NotificationEvent{Category: kind, Message: message})
}

func (c *Call) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		c.logger.Info("call state changed", "from", from.String(), "to", to.String())
		c.emit(&StateChangedEvent{From: from, To: to})
	}
}

func (c *Call) emit(event Event) {
	select {
	case c.events <- event:
	default:
		// Never let a slow observer stall the call.
		c.logger.Warn("dropping event, observer not keeping up", "type", event.EventType())
	}
}
