package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/danmuck/presencectl/internal/identity"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// presenceServer plays the remote side: challenge, read auth and ping, prompt once,
// read the pong, then hang up.
type presenceServer struct {
	mu         sync.Mutex
	userAgents []string
	authIDs    []string
	pongIDs    []string
	failures   []string
}

func (p *presenceServer) fail(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, msg)
}

func (p *presenceServer) handle(conn *websocket.Conn, r *http.Request) {
	p.mu.Lock()
	p.userAgents = append(p.userAgents, r.Header.Get("User-Agent"))
	p.mu.Unlock()

	if err := conn.WriteJSON(map[string]any{"id": "c1", "action": "AUTH", "data": map[string]any{}}); err != nil {
		p.fail("write challenge: " + err.Error())
		return
	}
	var auth struct {
		ID           string         `json:"id"`
		OriginAction string         `json:"origin_action"`
		Result       map[string]any `json:"result"`
	}
	if err := conn.ReadJSON(&auth); err != nil || auth.OriginAction != "AUTH" {
		p.fail("bad auth response")
		return
	}
	var ping struct {
		ID     string `json:"id"`
		Action string `json:"action"`
	}
	if err := conn.ReadJSON(&ping); err != nil || ping.Action != "PING" {
		p.fail("bad ping")
		return
	}
	if err := conn.WriteJSON(map[string]any{"id": "h1", "action": "PONG"}); err != nil {
		p.fail("write heartbeat prompt: " + err.Error())
		return
	}
	var pong struct {
		ID           string `json:"id"`
		OriginAction string `json:"origin_action"`
	}
	if err := conn.ReadJSON(&pong); err != nil || pong.OriginAction != "PONG" {
		p.fail("bad pong")
		return
	}

	p.mu.Lock()
	p.authIDs = append(p.authIDs, auth.ID)
	p.pongIDs = append(p.pongIDs, pong.ID)
	p.mu.Unlock()

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second),
	)
}

func startPresenceServer(t *testing.T) (*presenceServer, string) {
	t.Helper()
	ps := &presenceServer{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ps.handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return ps, "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func startSOCKS5(t *testing.T) string {
	t.Helper()
	server, err := socks5.New(&socks5.Config{})
	if err != nil {
		t.Fatalf("socks5 server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = server.Serve(ln) }()
	return ln.Addr().String()
}

func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func noWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func networkConfig(endpoint string) session.Config {
	cfg := session.DefaultConfig()
	cfg.Endpoints = []string{endpoint}
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.ShutdownGrace = 200 * time.Millisecond
	return cfg
}

func TestOrchestratorIsolatesProxyConnectFailure(t *testing.T) {
	testlog.Start(t)
	server, endpoint := startPresenceServer(t)
	badProxy, err := transport.ParseProxy("socks5://user:secret@" + unusedAddr(t))
	if err != nil {
		t.Fatalf("parse proxy: %v", err)
	}

	orch := NewOrchestrator(OrchestratorConfig{
		Session: networkConfig(endpoint),
		Wait:    noWait,
		Seed:    11,
	})
	outcomes, err := orch.Run(context.Background(), "user-1", []SessionSpec{
		{},
		{},
		{Proxy: badProxy},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i := 0; i < 2; i++ {
		out := outcomes[i]
		if out.LastActive != StateHeartbeating || out.Heartbeats < 1 {
			t.Fatalf("direct session %d did not heartbeat: %+v", i, out)
		}
		if out.Reason != ReasonConnectionClosed {
			t.Fatalf("direct session %d unexpected reason: %s err=%v", i, out.Reason, out.Err)
		}
	}
	proxied := outcomes[2]
	if proxied.Reason != ReasonConnectFailed || !errors.Is(proxied.Err, transport.ErrConnect) {
		t.Fatalf("proxied session unexpected outcome: reason=%s err=%v", proxied.Reason, proxied.Err)
	}
	if strings.Contains(proxied.Proxy, "secret") || strings.Contains(proxied.Err.Error(), "secret") {
		t.Fatalf("proxy password leaked: proxy=%q err=%v", proxied.Proxy, proxied.Err)
	}
	if orch.Registry().Len() != 0 {
		t.Fatalf("registry not drained: %+v", orch.Registry().List())
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.failures) != 0 {
		t.Fatalf("server saw protocol failures: %v", server.failures)
	}
	if len(server.pongIDs) != 2 || server.pongIDs[0] != "h1" || server.pongIDs[1] != "h1" {
		t.Fatalf("unexpected pong ids: %v", server.pongIDs)
	}
	for _, id := range server.authIDs {
		if id != "c1" {
			t.Fatalf("auth response must copy the challenge id, got %q", id)
		}
	}
	for _, ua := range server.userAgents {
		if !strings.HasPrefix(ua, "Mozilla/5.0") {
			t.Fatalf("unexpected user agent: %q", ua)
		}
	}
}

func TestOrchestratorSessionThroughSOCKS5(t *testing.T) {
	testlog.Start(t)
	server, endpoint := startPresenceServer(t)
	px, err := transport.ParseProxy("socks5://" + startSOCKS5(t))
	if err != nil {
		t.Fatalf("parse proxy: %v", err)
	}
	device := uuid.New()
	orch := NewOrchestrator(OrchestratorConfig{Session: networkConfig(endpoint), Wait: noWait})
	outcomes, err := orch.Run(context.Background(), "user-1", []SessionSpec{{DeviceID: device, Proxy: px}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := outcomes[0]
	if out.LastActive != StateHeartbeating || out.DeviceID != device.String() {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.pongIDs) != 1 {
		t.Fatalf("expected one proxied heartbeat, got %v (failures=%v)", server.pongIDs, server.failures)
	}
}

func TestOrchestratorForceClosesPreviousSessions(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	stale := &staleHandle{id: "stale", registry: reg}
	if err := reg.Add(stale); err != nil {
		t.Fatalf("add stale: %v", err)
	}

	var openedWithStale atomic.Bool
	opener := &fakeOpener{open: func(transport.Target) (transport.Channel, error) {
		if _, ok := reg.Get("stale"); ok {
			openedWithStale.Store(true)
		}
		return newFakeChannel(nil, true), nil
	}}
	orch := NewOrchestrator(OrchestratorConfig{
		Session:  testSessionConfig(),
		Opener:   opener,
		Registry: reg,
		Wait:     noWait,
	})

	start := time.Now()
	if _, err := orch.Run(context.Background(), "user-1", []SessionSpec{{}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if stale.closes.Load() != 1 {
		t.Fatalf("stale session closed %d times", stale.closes.Load())
	}
	if openedWithStale.Load() {
		t.Fatalf("new sessions launched before stale ones were closed")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("force close must wait for the grace period, elapsed=%v", elapsed)
	}
}

func TestOrchestratorWaitsForDrainingSessions(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	stale := &staleHandle{id: "draining", registry: reg}
	if err := reg.Add(stale); err != nil {
		t.Fatalf("add: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Remove("draining")
	}()

	cfg := testSessionConfig()
	cfg.ShutdownGrace = 5 * time.Second
	orch := NewOrchestrator(OrchestratorConfig{
		Session:  cfg,
		Opener:   channelOpener(newFakeChannel(nil, true)),
		Registry: reg,
		Wait:     noWait,
	})
	if _, err := orch.Run(context.Background(), "user-1", []SessionSpec{{}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if stale.closes.Load() != 0 {
		t.Fatalf("a session that drained in time must not be force-closed")
	}
}

func TestOrchestratorRerunStartsWithEmptyRegistry(t *testing.T) {
	testlog.Start(t)
	cfg := testSessionConfig()
	cfg.ShutdownGrace = 5 * time.Second
	opener := &fakeOpener{open: func(transport.Target) (transport.Channel, error) {
		return newFakeChannel(nil, false, challengeC1), nil
	}}
	orch := NewOrchestrator(OrchestratorConfig{
		Session: cfg,
		Opener:  opener,
		Wait:    noWait,
	})

	for run := 1; run <= 2; run++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			for orch.Registry().Len() < 2 {
				time.Sleep(time.Millisecond)
			}
			cancel()
		}()
		start := time.Now()
		outcomes, err := orch.Run(ctx, "user-1", []SessionSpec{{}, {}})
		cancel()
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if len(outcomes) != 2 || orch.Registry().Len() != 0 {
			t.Fatalf("run %d left sessions registered: outcomes=%d registered=%d", run, len(outcomes), orch.Registry().Len())
		}
		if elapsed := time.Since(start); elapsed >= cfg.ShutdownGrace {
			t.Fatalf("run %d waited out the grace period: %v", run, elapsed)
		}
	}
	if got := len(opener.Targets()); got != 4 {
		t.Fatalf("expected 4 opens across two runs, got %d", got)
	}
}

func TestOrchestratorGraceBoundsStuckSessions(t *testing.T) {
	testlog.Start(t)
	stuck := newFakeChannel(nil, false, challengeC1)
	stuck.ignoreCtx = true
	orch := NewOrchestrator(OrchestratorConfig{
		Session: testSessionConfig(),
		Opener:  channelOpener(stuck),
		Wait:    noWait,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []Outcome, 1)
	go func() {
		outcomes, _ := orch.Run(ctx, "user-1", []SessionSpec{{}})
		done <- outcomes
	}()

	waitForSend(t, stuck) // auth
	waitForSend(t, stuck) // ping; session now blocked in receive
	cancelledAt := time.Now()
	cancel()

	select {
	case outcomes := <-done:
		if outcomes[0].Reason != ReasonCancelled {
			t.Fatalf("unexpected reason: %s", outcomes[0].Reason)
		}
		if elapsed := time.Since(cancelledAt); elapsed < 100*time.Millisecond {
			t.Fatalf("stuck session closed before grace elapsed: %v", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("grace period did not bound shutdown")
	}
	if stuck.closeCount.Load() != 1 {
		t.Fatalf("stuck channel closed %d times", stuck.closeCount.Load())
	}
}

func TestOrchestratorShutdownIsIdempotent(t *testing.T) {
	testlog.Start(t)
	ch := newFakeChannel(nil, false, challengeC1)
	orch := NewOrchestrator(OrchestratorConfig{
		Session: testSessionConfig(),
		Opener:  channelOpener(ch),
		Wait:    noWait,
	})
	orch.Shutdown()

	done := make(chan []Outcome, 1)
	go func() {
		outcomes, _ := orch.Run(context.Background(), "user-1", []SessionSpec{{}})
		done <- outcomes
	}()
	waitForSend(t, ch)
	waitForSend(t, ch)

	if _, err := orch.Run(context.Background(), "user-1", []SessionSpec{{}}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	orch.Shutdown()
	orch.Shutdown()
	select {
	case outcomes := <-done:
		if outcomes[0].Reason != ReasonCancelled {
			t.Fatalf("unexpected reason: %s", outcomes[0].Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not stop the run")
	}
	if ch.closeCount.Load() != 1 {
		t.Fatalf("channel closed %d times", ch.closeCount.Load())
	}
	orch.Shutdown()
}

func TestOrchestratorPicksEndpointsFromPool(t *testing.T) {
	testlog.Start(t)
	pool := []string{"wss://a.presence.test/", "wss://b.presence.test/"}
	cfg := testSessionConfig()
	cfg.Endpoints = pool
	opener := &fakeOpener{open: func(transport.Target) (transport.Channel, error) {
		return newFakeChannel(nil, true), nil
	}}
	orch := NewOrchestrator(OrchestratorConfig{Session: cfg, Opener: opener, Wait: noWait, Seed: 3})

	specs := make([]SessionSpec, 20)
	specs[0].Endpoint = "wss://pinned.presence.test/"
	if _, err := orch.Run(context.Background(), "user-1", specs); err != nil {
		t.Fatalf("run: %v", err)
	}
	used := make(map[string]int)
	for _, target := range opener.Targets() {
		used[target.Endpoint]++
	}
	if used["wss://pinned.presence.test/"] != 1 {
		t.Fatalf("explicit endpoint not honored: %v", used)
	}
	if used[pool[0]] == 0 || used[pool[1]] == 0 || used[pool[0]]+used[pool[1]] != 19 {
		t.Fatalf("unexpected endpoint spread: %v", used)
	}
}

func TestOrchestratorRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	orch := NewOrchestrator(OrchestratorConfig{
		Session: testSessionConfig(),
		Opener:  channelOpener(newFakeChannel(nil, true)),
		Wait:    noWait,
	})
	if _, err := orch.Run(context.Background(), "user-1", nil); !errors.Is(err, ErrNoSessions) {
		t.Fatalf("expected ErrNoSessions, got %v", err)
	}
	if _, err := orch.Run(context.Background(), " ", []SessionSpec{{}}); !errors.Is(err, identity.ErrUserIDRequired) {
		t.Fatalf("expected ErrUserIDRequired, got %v", err)
	}
}

func TestRegistryListAndWaitDrained(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	for _, id := range []string{"b", "a", "c"} {
		if err := reg.Add(&staleHandle{id: id, registry: reg}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if err := reg.Add(&staleHandle{id: "a", registry: reg}); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	list := reg.List()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("unexpected list: %+v", list)
	}
	raw, err := json.Marshal(list[0])
	if err != nil || !strings.Contains(string(raw), `"state":"heartbeating"`) {
		t.Fatalf("unexpected info json: %s err=%v", raw, err)
	}

	if reg.WaitDrained(context.Background(), 20*time.Millisecond) {
		t.Fatalf("registry is not drained")
	}
	if n := reg.CloseAll(); n != 3 {
		t.Fatalf("expected 3 closes, got %d", n)
	}
	if !reg.WaitDrained(context.Background(), time.Second) {
		t.Fatalf("registry should be drained after close")
	}
	if reg.Removed() != 3 {
		t.Fatalf("unexpected removed count: %d", reg.Removed())
	}
}
