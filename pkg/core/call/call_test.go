package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fakeacall/fakeacall/pkg/core"
	"github.com/fakeacall/fakeacall/pkg/core/pcm"
	"github.com/fakeacall/fakeacall/pkg/core/playback"
	"github.com/fakeacall/fakeacall/pkg/core/stream"
)

type fakePipe struct {
	mu      sync.Mutex
	openErr error
	opened  bool
	closed  bool
	muted   bool
	onFrame func(samples []float32)
}

func (p *fakePipe) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.opened = true
	return nil
}

func (p *fakePipe) OnFrame(fn func(samples []float32)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = fn
}

func (p *fakePipe) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

func (p *fakePipe) Level() float64 { return 0.25 }

func (p *fakePipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePipe) feed(samples []float32) {
	p.mu.Lock()
	fn := p.onFrame
	p.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (p *fakePipe) state() (opened, closed, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened, p.closed, p.muted
}

type fakeConn struct {
	mu        sync.Mutex
	frames    []pcm.Frame
	msgs      chan stream.Message
	closeOnce sync.Once
	closed    bool
	err       error
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan stream.Message, 16)}
}

func (c *fakeConn) SendFrame(frame pcm.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Messages() <-chan stream.Message { return c.msgs }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.msgs) })
	return nil
}

func (c *fakeConn) sentFrames() []pcm.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pcm.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

type fakePlayer struct {
	mu       sync.Mutex
	enqueued [][]byte
	gain     playback.Gain
	flushes  int
	resets   int
}

func (p *fakePlayer) Enqueue(buf []byte) (playback.Span, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.enqueued = append(p.enqueued, cp)
	return playback.Span{}, nil
}

func (p *fakePlayer) SetGain(g playback.Gain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = g
}

func (p *fakePlayer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
}

func (p *fakePlayer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func (p *fakePlayer) counts() (enqueued, flushes, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued), p.flushes, p.resets
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type callCounter struct {
	mu sync.Mutex
	n  int
}

func (cc *callCounter) inc() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.n++
}

func (cc *callCounter) count() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.n
}

func newTestCall(pipe *fakePipe, conn *fakeConn, player *fakePlayer, dials *callCounter) *Call {
	cfg := Config{RingTimeoutMs: 60_000, FrameSize: 4096}
	connect := func(ctx context.Context) (Conn, error) {
		if dials != nil {
			dials.inc()
		}
		return conn, nil
	}
	return New(cfg, pipe, connect, player, testLogger())
}

func waitState(t *testing.T, c *Call, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func waitDone(t *testing.T, c *Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}
}

// drainEvents collects everything the call emitted. Only valid once the
// call has ended and the events channel is closed.
func drainEvents(c *Call) []Event {
	var out []Event
	for ev := range c.Events() {
		out = append(out, ev)
	}
	return out
}

func TestCallHappyPath(t *testing.T) {
	pipe := &fakePipe{}
	conn := newFakeConn()
	player := &fakePlayer{}
	dials := &callCounter{}
	c := newTestCall(pipe, conn, player, dials)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitState(t, c, StateActive)

	opened, _, _ := pipe.state()
	if !opened {
		t.Fatal("microphone not acquired on answer")
	}
	if dials.count() != 1 {
		t.Fatalf("connector invoked %d times, want 1", dials.count())
	}

	// One capture buffer becomes exactly one outbound frame.
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = 0.5
	}
	pipe.feed(samples)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(conn.sentFrames()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	frames := conn.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if got := frames[0].Samples(); got != 4096 {
		t.Fatalf("frame carries %d samples, want 4096", got)
	}

	c.End()
	waitDone(t, c)

	if c.State() != StateEnded {
		t.Fatalf("state = %v, want %v", c.State(), StateEnded)
	}
	_, closed, _ := pipe.state()
	if !closed {
		t.Fatal("microphone not released at end")
	}
	conn.mu.Lock()
	connClosed := conn.closed
	conn.mu.Unlock()
	if !connClosed {
		t.Fatal("session not closed at end")
	}
	if _, _, resets := player.counts(); resets != 1 {
		t.Fatalf("playback reset %d times, want 1", resets)
	}

	for _, ev := range drainEvents(c) {
		if n, ok := ev.(*NotificationEvent); ok {
			t.Fatalf("unexpected notification on clean call: %v", n.Message)
		}
	}
}

func TestCallDeclineAcquiresNothing(t *testing.T) {
	pipe := &fakePipe{}
	player := &fakePlayer{}
	dials := &callCounter{}
	c := newTestCall(pipe, newFakeConn(), player, dials)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Decline()
	waitDone(t, c)

	opened, _, _ := pipe.state()
	if opened {
		t.Fatal("decline must never touch the microphone")
	}
	if dials.count() != 0 {
		t.Fatal("decline must never dial")
	}
	if c.State() != StateEnded {
		t.Fatalf("state = %v, want %v", c.State(), StateEnded)
	}
}

func TestCallAutoAnswer(t *testing.T) {
	pipe := &fakePipe{}
	conn := newFakeConn()
	dials := &callCounter{}
	cfg := Config{RingTimeoutMs: 100, FrameSize: 4096}
	connect := func(ctx context.Context) (Conn, error) {
		dials.inc()
		return conn, nil
	}
	c := New(cfg, pipe, connect, &fakePlayer{}, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateActive)
	if dials.count() != 1 {
		t.Fatalf("connector invoked %d times, want 1", dials.count())
	}
	c.End()
	waitDone(t, c)
}

func TestCallMicrophoneDenied(t *testing.T) {
	pipe := &fakePipe{openErr: core.NewError(core.KindPermissionDenied, "microphone access denied")}
	dials := &callCounter{}
	c := newTestCall(pipe, newFakeConn(), &fakePlayer{}, dials)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitDone(t, c)

	if dials.count() != 0 {
		t.Fatal("connector must not run when the microphone is unavailable")
	}

	var notifications []*NotificationEvent
	for _, ev := range drainEvents(c) {
		if n, ok := ev.(*NotificationEvent); ok {
			notifications = append(notifications, n)
		}
	}
	if len(notifications) != 1 {
		t.Fatalf("got %d notifications, want exactly 1", len(notifications))
	}
	if notifications[0].Category != core.KindPermissionDenied {
		t.Fatalf("notification category = %v, want %v", notifications[0].Category, core.KindPermissionDenied)
	}
}

func TestCallConnectFailureReleasesDevice(t *testing.T) {
	pipe := &fakePipe{}
	connect := func(ctx context.Context) (Conn, error) {
		return nil, core.NewConnectError("dial agent", io.ErrUnexpectedEOF)
	}
	cfg := Config{RingTimeoutMs: 60_000, FrameSize: 4096}
	c := New(cfg, pipe, connect, &fakePlayer{}, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitDone(t, c)

	opened, closed, _ := pipe.state()
	if !opened || !closed {
		t.Fatalf("pipe opened=%v closed=%v, want both true", opened, closed)
	}

	var notifications []*NotificationEvent
	for _, ev := range drainEvents(c) {
		if n, ok := ev.(*NotificationEvent); ok {
			notifications = append(notifications, n)
		}
	}
	if len(notifications) != 1 || notifications[0].Category != core.KindConnect {
		t.Fatalf("notifications = %v, want one connect failure", notifications)
	}
}

func TestCallEndWhileConnectingClosesLateSession(t *testing.T) {
	pipe := &fakePipe{}
	conn := newFakeConn()
	release := make(chan struct{})
	connect := func(ctx context.Context) (Conn, error) {
		<-release
		return conn, nil
	}
	cfg := Config{RingTimeoutMs: 60_000, FrameSize: 4096}
	c := New(cfg, pipe, connect, &fakePlayer{}, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitState(t, c, StateConnecting)

	// Hang up while the dial is still in flight, then let it succeed.
	c.End()
	waitDone(t, c)
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()
		if closed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn.mu.Lock()
	connClosed := conn.closed
	conn.mu.Unlock()
	if !connClosed {
		t.Fatal("session established after end was never closed")
	}
	_, pipeClosed, _ := pipe.state()
	if !pipeClosed {
		t.Fatal("microphone not released at end")
	}
}

func TestCallEndIdempotent(t *testing.T) {
	pipe := &fakePipe{}
	c := newTestCall(pipe, newFakeConn(), &fakePlayer{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.End()
	waitDone(t, c)
	c.End()
	c.End()
	if c.State() != StateEnded {
		t.Fatalf("state = %v, want %v", c.State(), StateEnded)
	}
}

func TestCallStartTwiceRefused(t *testing.T) {
	c := newTestCall(&fakePipe{}, newFakeConn(), &fakePlayer{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !core.IsKind(err, core.KindInvalidState) {
		t.Fatalf("second Start: %v, want invalid state", err)
	}
	c.End()
	waitDone(t, c)
}

func TestCallToggleMute(t *testing.T) {
	pipe := &fakePipe{}
	c := newTestCall(pipe, newFakeConn(), &fakePlayer{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)

	// Ignored before the call is up.
	c.ToggleMute()
	time.Sleep(20 * time.Millisecond)
	if c.Muted() {
		t.Fatal("mute must be ignored while ringing")
	}

	c.Answer()
	waitState(t, c, StateActive)
	c.ToggleMute()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !c.Muted() {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Muted() {
		t.Fatal("mute not applied")
	}
	if _, _, muted := pipe.state(); !muted {
		t.Fatal("mute not propagated to the capture pipe")
	}

	c.End()
	waitDone(t, c)

	var mutes []*MuteChangedEvent
	for _, ev := range drainEvents(c) {
		if m, ok := ev.(*MuteChangedEvent); ok {
			mutes = append(mutes, m)
		}
	}
	if len(mutes) != 1 || !mutes[0].Muted {
		t.Fatalf("mute events = %v, want one muted=true", mutes)
	}
}

func TestCallToggleSpeaker(t *testing.T) {
	player := &fakePlayer{}
	c := newTestCall(&fakePipe{}, newFakeConn(), player, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitState(t, c, StateActive)
	c.ToggleSpeaker()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !c.Speaker() {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Speaker() {
		t.Fatal("speaker mode not applied")
	}
	player.mu.Lock()
	gain := player.gain
	player.mu.Unlock()
	if gain != playback.GainBoosted {
		t.Fatalf("player gain = %v, want boosted", gain)
	}

	c.End()
	waitDone(t, c)
}

func TestCallInboundAudioEnqueued(t *testing.T) {
	pipe := &fakePipe{}
	conn := newFakeConn()
	player := &fakePlayer{}
	c := newTestCall(pipe, conn, player, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitState(t, c, StateActive)

	before, _, _ := player.counts()

	payload := pcm.EncodeFrame([]float32{0.1, -0.1, 0.2, -0.2})
	conn.msgs <- stream.AudioChunk{Data: pcm.ToTransportEncoding(payload)}
	conn.msgs <- stream.AudioChunk{Data: "%%% not base64 %%%"}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _, _ := player.counts(); n > before {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	after, _, _ := player.counts()
	if after != before+1 {
		t.Fatalf("enqueued %d chunks, want 1 (malformed chunk must be dropped)", after-before)
	}

	c.End()
	waitDone(t, c)
}

func TestCallRemoteErrorKeepsCallUp(t *testing.T) {
	conn := newFakeConn()
	c := newTestCall(&fakePipe{}, conn, &fakePlayer{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitState(t, c, StateActive)

	conn.msgs <- stream.RemoteError{Message: "model overloaded"}
	time.Sleep(50 * time.Millisecond)
	if c.State() != StateActive {
		t.Fatalf("state = %v, remote error must not end the call", c.State())
	}

	c.End()
	waitDone(t, c)

	found := false
	for _, ev := range drainEvents(c) {
		if n, ok := ev.(*NotificationEvent); ok && n.Category == core.KindRemote {
			found = true
		}
	}
	if !found {
		t.Fatal("remote error was not surfaced")
	}
}

func TestCallRemoteCloseEndsCall(t *testing.T) {
	conn := newFakeConn()
	c := newTestCall(&fakePipe{}, conn, &fakePlayer{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	c.Answer()
	waitState(t, c, StateActive)

	conn.closeOnce.Do(func() { close(conn.msgs) })
	waitDone(t, c)
	if c.State() != StateEnded {
		t.Fatalf("state = %v, want %v", c.State(), StateEnded)
	}
}

func TestCallRingtonePlaysWhileRinging(t *testing.T) {
	player := &fakePlayer{}
	c := newTestCall(&fakePipe{}, newFakeConn(), player, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	if n, _, _ := player.counts(); n == 0 {
		t.Fatal("ring tone not enqueued on ring start")
	}

	c.Answer()
	waitState(t, c, StateActive)
	if _, flushes, _ := player.counts(); flushes == 0 {
		t.Fatal("answering must cut the ring tone")
	}

	c.End()
	waitDone(t, c)
}

func TestCallContextCancelEnds(t *testing.T) {
	pipe := &fakePipe{}
	c := newTestCall(pipe, newFakeConn(), &fakePlayer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, StateRinging)
	cancel()
	waitDone(t, c)
	if c.State() != StateEnded {
		t.Fatalf("state = %v, want %v", c.State(), StateEnded)
	}
}
