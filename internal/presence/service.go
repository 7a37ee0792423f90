package presence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/presencectl/internal/identity"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/protocol/session"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/rs/zerolog"
)

// DefaultUserID is the documented fallback identity when none is configured.
const DefaultUserID = "2595e120-4687-4286-aaaa-de52ea13a274"

var (
	ErrInvalidRestartPolicy = errors.New("presence: invalid restart policy")
)

// RestartPolicy decides whether the service runs the orchestrator again once every
// session has ended.
type RestartPolicy string

const (
	RestartNever  RestartPolicy = "never"
	RestartAlways RestartPolicy = "always"
)

// ServiceConfig configures the standalone presence runtime.
type ServiceConfig struct {
	UserID          string
	Sessions        []SessionSpec
	Session         session.Config
	Restart         RestartPolicy
	AdminListenAddr string
	AdminToken      string

	// Opener and Wait replace the network dialer and real sleeps when set.
	Opener transport.Opener
	Wait   WaitFunc
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		UserID:   DefaultUserID,
		Sessions: []SessionSpec{{}},
		Session:  session.DefaultConfig(),
		Restart:  RestartNever,
	}
}

// Service runs the orchestrator as a process, with optional restarts and admin HTTP.
type Service struct {
	cfg          ServiceConfig
	orchestrator *Orchestrator
	wait         WaitFunc
	started      time.Time
	logger       zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	runs int
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg.Session = cfg.Session.WithDefaults()
	if strings.TrimSpace(string(cfg.Restart)) == "" {
		cfg.Restart = RestartNever
	}
	wait := cfg.Wait
	if wait == nil {
		wait = session.Sleep
	}
	return &Service{
		cfg: cfg,
		orchestrator: NewOrchestrator(OrchestratorConfig{
			Session:    cfg.Session,
			Opener:     cfg.Opener,
			Identities: identity.NewDefaultProvider(),
			Wait:       cfg.Wait,
		}),
		wait:    wait,
		started: time.Now(),
		logger:  observability.ComponentLogger("service"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until SIGINT/SIGTERM or until every session ended under RestartNever.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

func (s *Service) Registry() *Registry {
	return s.orchestrator.Registry()
}

// Runs reports how many orchestrator runs have completed.
func (s *Service) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Service) Serve(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		router := NewAdminRouter(s.Registry(), "presencectl", s.cfg.AdminToken, s.started)
		go func() {
			if err := serveAdmin(ctx, addr, router); err != nil {
				s.logger.Error().Err(err).Str("addr", addr).Msg("admin server failed")
				adminErr <- err
				cancel()
			}
		}()
	}

	attempt := 0
	for {
		outcomes, err := s.orchestrator.Run(ctx, s.cfg.UserID, s.cfg.Sessions)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.runs++
		run := s.runs
		s.mu.Unlock()
		s.logRunSummary(run, outcomes)

		select {
		case err := <-adminErr:
			return err
		default:
		}
		if ctx.Err() != nil {
			s.logger.Info().Msg("shutdown")
			return nil
		}
		if s.cfg.Restart == RestartNever {
			return nil
		}

		if anyReached(outcomes, StateHeartbeating) {
			attempt = 0
		}
		attempt++
		delay := s.nextDelay(attempt)
		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("restarting sessions")
		if err := s.wait(ctx, delay); err != nil {
			select {
			case err := <-adminErr:
				return err
			default:
			}
			return nil
		}
	}
}

// Shutdown cancels the running sessions.
func (s *Service) Shutdown() {
	s.orchestrator.Shutdown()
}

func (s *Service) validate() error {
	switch s.cfg.Restart {
	case RestartNever, RestartAlways:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRestartPolicy, s.cfg.Restart)
	}
	if strings.TrimSpace(s.cfg.UserID) == "" {
		return identity.ErrUserIDRequired
	}
	if len(s.cfg.Sessions) == 0 {
		return ErrNoSessions
	}
	return s.cfg.Session.Validate()
}

func (s *Service) nextDelay(attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.NextBackoffDelay(s.cfg.Session.Backoff, attempt, s.rng)
}

func anyReached(outcomes []Outcome, state State) bool {
	for _, out := range outcomes {
		if out.LastActive == state {
			return true
		}
	}
	return false
}

func (s *Service) logRunSummary(run int, outcomes []Outcome) {
	reasons := make(map[EndReason]int)
	for _, out := range outcomes {
		reasons[out.Reason]++
	}
	s.logger.Info().
		Int("run", run).
		Int("sessions", len(outcomes)).
		Int(string(ReasonConnectFailed), reasons[ReasonConnectFailed]).
		Int(string(ReasonConnectionClosed), reasons[ReasonConnectionClosed]).
		Int(string(ReasonProtocolError), reasons[ReasonProtocolError]).
		Int(string(ReasonCancelled), reasons[ReasonCancelled]).
		Msg("run finished")
}
