package presence

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/identity"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/google/uuid"
)

type event struct {
	op    string
	kind  string
	id    string
	delay time.Duration
	raw   string
}

// eventLog records waits and sends in call order.
type eventLog struct {
	mu     sync.Mutex
	items  []event
	onWait func(d time.Duration)
}

func (l *eventLog) add(e event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, e)
}

func (l *eventLog) snapshot() []event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event(nil), l.items...)
}

func (l *eventLog) sends() []event {
	out := make([]event, 0)
	for _, e := range l.snapshot() {
		if e.op == "send" {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) wait(ctx context.Context, d time.Duration) error {
	l.add(event{op: "wait", delay: d})
	if l.onWait != nil {
		l.onWait(d)
	}
	return ctx.Err()
}

// fakeChannel replays queued inbound frames and records outbound payloads.
type fakeChannel struct {
	events  *eventLog
	inbound chan transport.Frame
	sent    chan []byte

	ignoreCtx  bool
	closed     chan struct{}
	closeOnce  sync.Once
	closeCount atomic.Int32
}

func newFakeChannel(events *eventLog, hangUp bool, frames ...string) *fakeChannel {
	ch := &fakeChannel{
		events:  events,
		inbound: make(chan transport.Frame, len(frames)+1),
		sent:    make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
	for _, f := range frames {
		ch.inbound <- transport.Frame{Payload: []byte(f), Status: transport.ReceiveOK}
	}
	if hangUp {
		close(ch.inbound)
	}
	return ch
}

func (c *fakeChannel) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var head struct {
		ID           string `json:"id"`
		Action       string `json:"action"`
		OriginAction string `json:"origin_action"`
	}
	_ = json.Unmarshal(payload, &head)
	kind := head.Action
	if kind == "" {
		kind = head.OriginAction
	}
	if c.events != nil {
		c.events.add(event{op: "send", kind: kind, id: head.ID, raw: string(payload)})
	}
	c.sent <- append([]byte(nil), payload...)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) transport.Frame {
	done := ctx.Done()
	if c.ignoreCtx {
		done = nil
	}
	select {
	case f, ok := <-c.inbound:
		if !ok {
			return transport.Frame{Status: transport.ReceiveClosed, Err: transport.ErrClosed}
		}
		return f
	case <-c.closed:
		return transport.Frame{Status: transport.ReceiveClosed, Err: transport.ErrClosed}
	case <-done:
		return transport.Frame{Status: transport.ReceiveCancelled, Err: ctx.Err()}
	}
}

func (c *fakeChannel) Close() error {
	c.closeCount.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeOpener hands out channels from a factory and records every target.
type fakeOpener struct {
	mu      sync.Mutex
	targets []transport.Target
	open    func(target transport.Target) (transport.Channel, error)
}

func (o *fakeOpener) Open(ctx context.Context, target transport.Target) (transport.Channel, error) {
	o.mu.Lock()
	o.targets = append(o.targets, target)
	o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, &transport.ConnectError{Endpoint: target.Endpoint, Err: err}
	}
	return o.open(target)
}

func (o *fakeOpener) Targets() []transport.Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]transport.Target(nil), o.targets...)
}

// staleHandle stands in for a session left over from an earlier run.
type staleHandle struct {
	id       string
	registry *Registry
	closes   atomic.Int32
}

func (h *staleHandle) ID() string { return h.id }

func (h *staleHandle) Info() SessionInfo {
	return SessionInfo{ID: h.id, State: StateHeartbeating}
}

func (h *staleHandle) Close() error {
	h.closes.Add(1)
	h.registry.Remove(h.id)
	return nil
}

const testEndpoint = "wss://presence.test:4650/"

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Endpoints = []string{testEndpoint}
	cfg.AuthDelay = session.Fixed(1500 * time.Millisecond)
	cfg.SettleDelay = 20 * time.Second
	cfg.PongDelay = session.Fixed(500 * time.Millisecond)
	cfg.IdleDelay = session.Fixed(20 * time.Second)
	cfg.PingDelay = session.Fixed(300 * time.Millisecond)
	cfg.ShutdownGrace = 100 * time.Millisecond
	return cfg
}

func testIdentity(t *testing.T) identity.SessionIdentity {
	t.Helper()
	return identity.SessionIdentity{
		DeviceID:        uuid.MustParse("0b6c3c1e-5d1f-4a8e-9f69-1c1f7c5a0d11"),
		UserID:          "user-1",
		ClientSignature: "Mozilla/5.0 (test)",
	}
}

func newTestSession(t *testing.T, opener transport.Opener, reg *Registry, events *eventLog) *Session {
	t.Helper()
	sess, err := NewSession(SessionParams{
		ID:       "s-1",
		Identity: testIdentity(t),
		Endpoint: testEndpoint,
		Config:   testSessionConfig(),
		Opener:   opener,
		Registry: reg,
		Wait:     events.wait,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return sess
}

func channelOpener(ch transport.Channel) *fakeOpener {
	return &fakeOpener{open: func(transport.Target) (transport.Channel, error) { return ch, nil }}
}

func waitForSend(t *testing.T, ch *fakeChannel) []byte {
	t.Helper()
	select {
	case raw := <-ch.sent:
		return raw
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
		return nil
	}
}
