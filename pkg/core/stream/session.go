package stream

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fakeacall/fakeacall/pkg/core"
	"github.com/fakeacall/fakeacall/pkg/core/pcm"
)

const defaultConnectTimeout = 15 * time.Second

// Config specifies one streaming session.
type Config struct {
	// URL is the websocket endpoint of the live agent.
	URL string
	// APIKey is the credential appended to the endpoint query.
	APIKey string
	// Model is the remote model identifier sent in the setup message.
	Model string
	// SystemInstruction primes the agent for the conversation.
	SystemInstruction string
	// ConnectTimeout bounds dial plus setup handshake. Default 15s.
	ConnectTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is one live duplex audio channel. It is created open: Connect
// only returns once the remote agent has acknowledged the setup message,
// so frames may be sent immediately.
//
// The session is mute-agnostic; suppressing frames while muted is the
// capture side's job.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	msgs chan Message
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	dead      atomic.Bool

	errMu sync.Mutex
	err   error
}

// Connect dials the agent, sends the setup control message, and waits
// for the acknowledgment. A missing or rejected credential yields an
// auth error; everything else on the way up yields a connect error.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewAuthError("missing API key")
	}
	if cfg.Model == "" {
		return nil, core.NewConnectError("model must not be empty", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, core.WrapError(core.KindConnect, "invalid endpoint", err)
	}
	query := endpoint.Query()
	query.Set("key", cfg.APIKey)
	endpoint.RawQuery = query.Encode()

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, resp, err := dialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, core.WrapError(core.KindAuth, "credential rejected", err)
		}
		return nil, core.NewConnectError("websocket dial failed", err)
	}

	setup := clientSetup{
		Model: cfg.Model,
		Config: setupConfig{
			ResponseModalities: []string{"AUDIO"},
			SystemInstruction:  cfg.SystemInstruction,
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, core.NewConnectError("send setup message", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, core.NewConnectError("read setup acknowledgment", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch first := decodeServerMessage(payload).(type) {
	case ControlAck:
		s := &Session{
			conn:   conn,
			logger: cfg.Logger,
			msgs:   make(chan Message, 64),
			done:   make(chan struct{}),
		}
		go s.readLoop()
		return s, nil
	case RemoteError:
		_ = conn.Close()
		// A structured rejection of the setup message means the
		// credential was not accepted.
		return nil, core.NewAuthError(first.Message)
	default:
		_ = conn.Close()
		return nil, core.NewConnectError("unexpected frame before setup acknowledgment", nil)
	}
}

// Messages yields inbound messages in receive order. The channel is
// closed exactly once when the session terminates, whether by Close or
// by the remote side; Err distinguishes the two.
func (s *Session) Messages() <-chan Message {
	return s.msgs
}

// SendFrame sends one outbound audio frame. Frames go out in call
// order; sending on a dead session is an invalid-state error.
func (s *Session) SendFrame(frame pcm.Frame) error {
	if s.dead.Load() {
		return core.NewInvalidStateError("send on closed session")
	}
	msg := clientAudio{
		Audio: audioPayload{
			Data:     pcm.ToTransportEncoding(frame),
			MimeType: MimePCM16k,
		},
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return core.NewConnectError("send audio frame", err)
	}
	return nil
}

// Close terminates the session. Idempotent; a manual close racing a
// remote close still closes Messages exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		s.writeMu.Lock()
		deadline := time.Now().Add(2 * time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal transport error, nil for a clean close.
// It blocks until the session has terminated.
func (s *Session) Err() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.msgs)
	defer s.dead.Store(true)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.dead.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(core.NewConnectError("transport failed", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.emit(decodeServerMessage(data))
	}
}

// emit queues an inbound message without ever blocking the read loop.
// Audio overflow is shed, but a RemoteError displaces the oldest queued
// message instead, so a stall can not swallow an error notification.
func (s *Session) emit(msg Message) {
	select {
	case s.msgs <- msg:
		return
	default:
	}

	if _, isErr := msg.(RemoteError); !isErr {
		s.logger.Warn("dropping inbound message, consumer not keeping up", "type", msg.messageType())
		return
	}
	select {
	case dropped := <-s.msgs:
		s.logger.Warn("dropping inbound message to queue remote error", "type", dropped.messageType())
	default:
	}
	select {
	case s.msgs <- msg:
	default:
		s.logger.Warn("dropping remote error, consumer not keeping up")
	}
}
