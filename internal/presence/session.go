package presence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/presencectl/internal/identity"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/protocol"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrOpenerRequired = errors.New("presence: transport opener required")
)

// WaitFunc pauses a session for d. It must return promptly with ctx.Err() once ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// SessionParams configures one Session.
type SessionParams struct {
	ID       string
	Identity identity.SessionIdentity
	Endpoint string
	Proxy    *transport.Proxy
	Config   session.Config
	Opener   transport.Opener
	Registry *Registry
	Wait     WaitFunc
	Rand     *rand.Rand
}

// Outcome is what the orchestrator observes once a session is closed.
type Outcome struct {
	SessionID  string
	DeviceID   string
	Proxy      string
	Endpoint   string
	Reason     EndReason
	Err        error
	LastActive State
	Heartbeats uint64
	StartedAt  time.Time
	EndedAt    time.Time
}

// Session owns one channel for one identity. Run is called once; Close may be
// called from any goroutine, any number of times.
type Session struct {
	id       string
	ident    identity.SessionIdentity
	endpoint string
	proxy    *transport.Proxy
	cfg      session.Config
	opener   transport.Opener
	registry *Registry
	wait     WaitFunc
	rng      *rand.Rand
	logger   zerolog.Logger

	started    atomic.Bool
	heartbeats atomic.Uint64

	mu             sync.RWMutex
	state          State
	lastActive     State
	since          time.Time
	channel        transport.Channel
	channelClosed  bool
	cancel         context.CancelFunc
	closeRequested bool
}

var _ Handle = (*Session)(nil)

func NewSession(p SessionParams) (*Session, error) {
	if err := p.Identity.Validate(); err != nil {
		return nil, err
	}
	if p.Opener == nil {
		return nil, ErrOpenerRequired
	}
	endpoint := strings.TrimSpace(p.Endpoint)
	if err := session.ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	}
	wait := p.Wait
	if wait == nil {
		wait = session.Sleep
	}
	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Session{
		id:         id,
		ident:      p.Identity,
		endpoint:   endpoint,
		proxy:      p.Proxy,
		cfg:        p.Config.WithDefaults(),
		opener:     p.Opener,
		registry:   p.Registry,
		wait:       wait,
		rng:        rng,
		logger:     observability.SessionLogger(id, p.Identity.DeviceID.String(), p.Proxy.String()),
		state:      StateConnecting,
		lastActive: StateConnecting,
		since:      time.Now(),
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:       s.id,
		DeviceID: s.ident.DeviceID.String(),
		Proxy:    s.proxy.String(),
		Endpoint: s.endpoint,
		State:    s.state,
		Since:    s.since,
	}
}

// Close cancels the session and closes its channel. Later calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeRequested = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.closeChannel()
}

// Run drives the session until it is closed and reports why it ended.
func (s *Session) Run(ctx context.Context) Outcome {
	out := Outcome{
		SessionID: s.id,
		DeviceID:  s.ident.DeviceID.String(),
		Proxy:     s.proxy.String(),
		Endpoint:  s.endpoint,
		StartedAt: time.Now(),
	}
	if !s.started.CompareAndSwap(false, true) {
		out.Reason = ReasonProtocolError
		out.Err = ErrSessionReused
		out.EndedAt = time.Now()
		return out
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	preCancelled := s.closeRequested
	s.mu.Unlock()
	if preCancelled {
		cancel()
	}

	observability.RecordSessionState(string(StateConnecting))
	s.logger.Info().Str("endpoint", s.endpoint).Msg("session connecting")

	ch, err := s.connect(ctx)
	if err != nil {
		reason := ReasonConnectFailed
		if ctx.Err() != nil {
			reason = ReasonCancelled
			err = ctx.Err()
		}
		s.mustTransition(StateClosed)
		return s.finish(out, reason, err)
	}
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	s.mustTransition(StateAwaitingChallenge)
	registered := s.register()

	reason, err := s.drive(ctx, ch)

	s.mustTransition(StateClosing)
	if cerr := s.closeChannel(); cerr != nil {
		s.logger.Debug().Err(cerr).Msg("session channel close")
	}
	s.mustTransition(StateClosed)
	if registered {
		s.registry.Remove(s.id)
	}
	return s.finish(out, reason, err)
}

func (s *Session) connect(ctx context.Context) (transport.Channel, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, &transport.ConnectError{Endpoint: s.endpoint, Via: s.proxy.String(), Err: err}
	}
	tlsCfg, err := s.cfg.ClientTLSConfig(u.Hostname())
	if err != nil {
		return nil, &transport.ConnectError{Endpoint: s.endpoint, Via: s.proxy.String(), Err: err}
	}
	headers := http.Header{}
	if sig := strings.TrimSpace(s.ident.ClientSignature); sig != "" {
		headers.Set("User-Agent", sig)
	}
	return s.opener.Open(ctx, transport.Target{
		Endpoint: s.endpoint,
		TLS:      tlsCfg,
		Headers:  headers,
		Proxy:    s.proxy,
	})
}

// drive runs awaiting_challenge through heartbeating. It only returns when the
// session has to close.
func (s *Session) drive(ctx context.Context, ch transport.Channel) (EndReason, error) {
	challenge, reason, err := s.receive(ctx, ch)
	if err != nil {
		return reason, err
	}
	if !isChallenge(challenge) {
		return ReasonProtocolError, fmt.Errorf(
			"%w: awaiting challenge got kind=%s action=%q",
			ErrUnexpectedMessage,
			challenge.Kind,
			challenge.Action,
		)
	}

	s.mustTransition(StateAuthenticating)
	if err := s.pause(ctx, s.cfg.AuthDelay.Pick(s.rng)); err != nil {
		return ReasonCancelled, err
	}
	if reason, err := s.send(ctx, ch, protocol.NewAuthResponse(challenge.ID, s.authResult())); err != nil {
		return reason, err
	}
	if err := s.pause(ctx, s.cfg.SettleDelay); err != nil {
		return ReasonCancelled, err
	}

	s.mustTransition(StateHeartbeating)
	if reason, err := s.send(ctx, ch, protocol.NewPing(s.cfg.PingVersion)); err != nil {
		return reason, err
	}
	for {
		// Whatever arrives is answered with a PONG carrying its id.
		msg, reason, err := s.receive(ctx, ch)
		if err != nil {
			return reason, err
		}
		if err := s.pause(ctx, s.cfg.PongDelay.Pick(s.rng)); err != nil {
			return ReasonCancelled, err
		}
		if reason, err := s.send(ctx, ch, protocol.NewPong(msg.ID)); err != nil {
			return reason, err
		}
		s.heartbeats.Add(1)

		if err := s.pause(ctx, s.cfg.IdleDelay.Pick(s.rng)); err != nil {
			return ReasonCancelled, err
		}
		if reason, err := s.send(ctx, ch, protocol.NewPing(s.cfg.PingVersion)); err != nil {
			return reason, err
		}
		if err := s.pause(ctx, s.cfg.PingDelay.Pick(s.rng)); err != nil {
			return ReasonCancelled, err
		}
	}
}

func (s *Session) receive(ctx context.Context, ch transport.Channel) (protocol.Message, EndReason, error) {
	frame := ch.Receive(ctx)
	if frame.Status != transport.ReceiveOK {
		if ctx.Err() != nil || frame.Status == transport.ReceiveCancelled {
			return protocol.Message{}, ReasonCancelled, context.Canceled
		}
		if frame.Status == transport.ReceiveClosed {
			return protocol.Message{}, ReasonConnectionClosed, frame.Err
		}
		return protocol.Message{}, ReasonConnectionClosed, fmt.Errorf("presence: receive failed: %w", frame.Err)
	}

	msg, err := protocol.Decode(frame.Payload)
	if err != nil {
		observability.RecordMessage("in", string(protocol.KindUnknown))
		return protocol.Message{}, ReasonProtocolError, err
	}
	observability.RecordMessage("in", string(msg.Kind))
	s.logger.Debug().
		Str("state", string(s.State())).
		Str("kind", string(msg.Kind)).
		Str("id", msg.ID).
		Msg("frame received")
	return msg, "", nil
}

func (s *Session) send(ctx context.Context, ch transport.Channel, msg protocol.Message) (EndReason, error) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return ReasonProtocolError, err
	}
	if err := ch.Send(ctx, raw); err != nil {
		if ctx.Err() != nil {
			return ReasonCancelled, context.Canceled
		}
		return ReasonConnectionClosed, err
	}
	observability.RecordMessage("out", string(msg.Kind))
	s.logger.Debug().
		Str("state", string(s.State())).
		Str("kind", string(msg.Kind)).
		Str("id", msg.ID).
		Msg("frame sent")
	return "", nil
}

func (s *Session) pause(ctx context.Context, d time.Duration) error {
	if err := s.wait(ctx, d); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return ctx.Err()
}

func (s *Session) authResult() protocol.AuthResult {
	return protocol.AuthResult{
		BrowserID:  s.ident.DeviceID.String(),
		UserID:     s.ident.UserID,
		UserAgent:  s.ident.ClientSignature,
		Timestamp:  time.Now().Unix(),
		DeviceType: s.cfg.ClientType,
		Version:    s.cfg.ClientVersion,
	}
}

func (s *Session) register() bool {
	if s.registry == nil {
		return false
	}
	if err := s.registry.Add(s); err != nil {
		s.logger.Warn().Err(err).Msg("session not registered")
		return false
	}
	return true
}

func (s *Session) closeChannel() error {
	s.mu.Lock()
	ch := s.channel
	if ch == nil || s.channelClosed {
		s.mu.Unlock()
		return nil
	}
	s.channelClosed = true
	s.mu.Unlock()
	return ch.Close()
}

// mustTransition moves the session forward. Only Run calls it, so an illegal step
// is a programming error.
func (s *Session) mustTransition(to State) {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		panic(transitionError(from, to))
	}
	s.state = to
	s.since = time.Now()
	if to != StateClosing && to != StateClosed {
		s.lastActive = to
	}
	s.mu.Unlock()

	observability.RecordSessionState(string(to))
	s.logger.Debug().Str("from", string(from)).Str("state", string(to)).Msg("session transition")
}

func (s *Session) finish(out Outcome, reason EndReason, err error) Outcome {
	s.mu.RLock()
	out.LastActive = s.lastActive
	s.mu.RUnlock()
	out.Reason = reason
	out.Err = err
	out.Heartbeats = s.heartbeats.Load()
	out.EndedAt = time.Now()
	observability.RecordSessionEnd(string(reason))

	event := s.logger.Info()
	if reason == ReasonConnectFailed || reason == ReasonProtocolError {
		event = s.logger.Warn()
	}
	event.
		Str("reason", string(reason)).
		Str("last_active", string(out.LastActive)).
		Uint64("heartbeats", out.Heartbeats).
		Err(err).
		Msg("session closed")
	return out
}

// isChallenge accepts an AUTH prompt or a bare message with no action.
func isChallenge(msg protocol.Message) bool {
	if msg.Kind == protocol.KindAuthChallenge {
		return true
	}
	return msg.Kind == protocol.KindUnknown && strings.TrimSpace(msg.Action) == ""
}
