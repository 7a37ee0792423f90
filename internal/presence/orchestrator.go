package presence

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/presencectl/internal/identity"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/protocol"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SessionSpec describes one session to launch. A zero DeviceID mints a fresh one,
// a nil Proxy connects directly, and an empty Endpoint picks one from the pool.
type SessionSpec struct {
	DeviceID uuid.UUID
	Proxy    *transport.Proxy
	Endpoint string
}

// OrchestratorConfig wires an Orchestrator. Nil collaborators get network defaults.
type OrchestratorConfig struct {
	Session    session.Config
	Opener     transport.Opener
	Identities identity.Provider
	Registry   *Registry
	Wait       WaitFunc
	Seed       int64
}

// Orchestrator runs one batch of sessions at a time and bounds their shutdown.
type Orchestrator struct {
	cfg        session.Config
	opener     transport.Opener
	identities identity.Provider
	registry   *Registry
	wait       WaitFunc
	logger     zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	running bool
	cancel  context.CancelFunc
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	sessCfg := cfg.Session.WithDefaults()
	opener := cfg.Opener
	if opener == nil {
		opener = &transport.Dialer{
			ConnectTimeout:   sessCfg.ConnectTimeout,
			HandshakeTimeout: sessCfg.HandshakeTimeout,
			WriteTimeout:     sessCfg.WriteTimeout,
			ReadLimit:        protocol.MaxMessageSize,
		}
	}
	identities := cfg.Identities
	if identities == nil {
		identities = identity.NewDefaultProvider()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	wait := cfg.Wait
	if wait == nil {
		wait = session.Sleep
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Orchestrator{
		cfg:        sessCfg,
		opener:     opener,
		identities: identities,
		registry:   registry,
		wait:       wait,
		logger:     observability.ComponentLogger("orchestrator"),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Run launches one session per spec and returns once every session is closed.
// Handles still in the registry (one shared with another runner, or a session
// whose close is in flight) get the grace period to finish and are force-closed
// after it. Outcomes are returned in spec order.
func (o *Orchestrator) Run(ctx context.Context, userID string, specs []SessionSpec) ([]Outcome, error) {
	if len(specs) == 0 {
		return nil, ErrNoSessions
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	o.drainPrevious(runCtx)

	sessions, err := o.build(userID, specs)
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Int("sessions", len(sessions)).
		Dur("grace", o.cfg.ShutdownGrace).
		Msg("launching sessions")

	done := make(chan struct{})
	go o.enforceGrace(runCtx, done)

	outcomes := make([]Outcome, len(sessions))
	var g errgroup.Group
	for i, sess := range sessions {
		g.Go(func() error {
			outcomes[i] = sess.Run(runCtx)
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	return outcomes, nil
}

// Shutdown cancels the current run, if any. Safe to call repeatedly.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) build(userID string, specs []SessionSpec) ([]*Session, error) {
	out := make([]*Session, 0, len(specs))
	for i, spec := range specs {
		ident, err := o.identities.NewIdentity(userID, spec.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("presence: session %d identity: %w", i, err)
		}
		endpoint := strings.TrimSpace(spec.Endpoint)
		if endpoint == "" {
			endpoint = o.pickEndpoint()
		}
		sess, err := NewSession(SessionParams{
			Identity: ident,
			Endpoint: endpoint,
			Proxy:    spec.Proxy,
			Config:   o.cfg,
			Opener:   o.opener,
			Registry: o.registry,
			Wait:     o.wait,
			Rand:     rand.New(rand.NewSource(o.nextSeed())),
		})
		if err != nil {
			return nil, fmt.Errorf("presence: session %d: %w", i, err)
		}
		out = append(out, sess)
	}
	return out, nil
}

func (o *Orchestrator) drainPrevious(ctx context.Context) {
	if o.registry.Len() == 0 {
		return
	}
	if o.registry.WaitDrained(ctx, o.cfg.ShutdownGrace) {
		return
	}
	n := o.registry.CloseAll()
	o.logger.Warn().Int("sessions", n).Msg("force-closed sessions from previous run")
}

// enforceGrace force-closes registered sessions when they outlive cancellation by
// more than the grace period.
func (o *Orchestrator) enforceGrace(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		n := o.registry.CloseAll()
		o.logger.Warn().Int("sessions", n).Msg("grace elapsed, force-closed sessions")
	}
}

func (o *Orchestrator) pickEndpoint() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Endpoints[o.rng.Intn(len(o.cfg.Endpoints))]
}

func (o *Orchestrator) nextSeed() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rng.Int63()
}
