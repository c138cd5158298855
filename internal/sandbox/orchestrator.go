package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/aegis/api"
	"github.com/tkingovr/aegis/internal/audit"
)

// Service is one governance component under orchestrator control. Ready
// may be nil for components that are usable the moment Start returns.
type Service struct {
	Name  string
	Start func(ctx context.Context) error
	Ready func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

const (
	readinessTimeout = 15 * time.Second
	readinessPoll    = 100 * time.Millisecond
)

// Session is one sandbox environment. Startup and teardown are
// deliberately sequential: ordering correctness beats parallel speed here.
type Session struct {
	ID       string
	topology *Topology
	runtime  Runtime
	services []Service
	ledger   *audit.Ledger
	logger   *slog.Logger

	mu       sync.Mutex
	phase    api.Phase
	workload Handle
	networks []string  // created networks, creation order
	started  []Service // started services, start order
}

// NewSession prepares a session in phase CREATED. services must be given
// in startup order: egress proxy, DNS filter, approval queue.
func NewSession(t *Topology, rt Runtime, services []Service, ledger *audit.Ledger, logger *slog.Logger) (*Session, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		ID:       uuid.New().String()[:8],
		topology: t,
		runtime:  rt,
		services: services,
		ledger:   ledger,
		logger:   logger,
		phase:    api.PhaseCreated,
	}, nil
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() api.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Workload returns the workload container handle ("" before RUNNING).
func (s *Session) Workload() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workload
}

func (s *Session) setPhase(p api.Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()

	s.logger.Info("sandbox phase", "session", s.ID, "phase", string(p))
	if err := s.ledger.Append(api.EventSandboxTransition, map[string]string{
		"session": s.ID,
		"phase":   string(p),
	}); err != nil {
		s.logger.Error("audit append failed", "error", err)
	}
}

// Start brings the environment up: networks, then each governance service
// gated on its readiness check, then the workload container. Any failure
// rolls back everything already started, in reverse order, before the
// session reports ERROR.
func (s *Session) Start(ctx context.Context) error {
	if p := s.Phase(); p != api.PhaseCreated {
		return fmt.Errorf("cannot start session in phase %s", p)
	}
	s.setPhase(api.PhaseStarting)

	fail := func(err error) error {
		s.rollback(ctx)
		s.setPhase(api.PhaseError)
		return err
	}

	for _, spec := range []NetworkSpec{s.topology.InternalNetwork, s.topology.EgressNetwork} {
		if err := s.runtime.CreateNetwork(ctx, spec); err != nil {
			return fail(err)
		}
		s.networks = append(s.networks, spec.Name)
	}

	for _, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			return fail(fmt.Errorf("starting %s: %w", svc.Name, err))
		}
		s.started = append(s.started, svc)
		if err := s.awaitReady(ctx, svc); err != nil {
			return fail(fmt.Errorf("waiting for %s: %w", svc.Name, err))
		}
		s.logger.Info("component ready", "session", s.ID, "component", svc.Name)
	}

	h, err := s.runtime.StartContainer(ctx, s.topology.workloadSpec(s.ID))
	if err != nil {
		return fail(fmt.Errorf("starting workload: %w", err))
	}
	s.mu.Lock()
	s.workload = h
	s.mu.Unlock()

	s.setPhase(api.PhaseRunning)
	return nil
}

// Stop tears the environment down in strict reverse order: workload
// first, then services newest-first, then networks. It always runs every
// step; the first error is reported after cleanup completes.
func (s *Session) Stop(ctx context.Context) error {
	switch p := s.Phase(); p {
	case api.PhaseRunning, api.PhaseError:
	default:
		return fmt.Errorf("cannot stop session in phase %s", p)
	}
	s.setPhase(api.PhaseStopping)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	workload := s.workload
	s.workload = ""
	s.mu.Unlock()
	if workload != "" {
		keep(s.runtime.StopContainer(ctx, workload))
		if st, err := s.runtime.ContainerStatus(ctx, workload); err == nil && st == StatusRunning {
			keep(fmt.Errorf("workload %s still running after stop", workload))
		}
	}

	for i := len(s.started) - 1; i >= 0; i-- {
		keep(s.started[i].Stop(ctx))
	}
	s.started = nil

	for i := len(s.networks) - 1; i >= 0; i-- {
		keep(s.runtime.RemoveNetwork(ctx, s.networks[i]))
	}
	s.networks = nil

	if firstErr != nil {
		s.setPhase(api.PhaseError)
		return firstErr
	}
	s.setPhase(api.PhaseStopped)
	return nil
}

// rollback undoes a partial start in reverse order. Errors are logged,
// not returned: the caller already has the original failure.
func (s *Session) rollback(ctx context.Context) {
	s.mu.Lock()
	workload := s.workload
	s.workload = ""
	s.mu.Unlock()
	if workload != "" {
		if err := s.runtime.StopContainer(ctx, workload); err != nil {
			s.logger.Error("rollback: stopping workload", "error", err)
		}
	}
	for i := len(s.started) - 1; i >= 0; i-- {
		if err := s.started[i].Stop(ctx); err != nil {
			s.logger.Error("rollback: stopping component", "component", s.started[i].Name, "error", err)
		}
	}
	s.started = nil
	for i := len(s.networks) - 1; i >= 0; i-- {
		if err := s.runtime.RemoveNetwork(ctx, s.networks[i]); err != nil {
			s.logger.Error("rollback: removing network", "network", s.networks[i], "error", err)
		}
	}
	s.networks = nil
}

func (s *Session) awaitReady(ctx context.Context, svc Service) error {
	if svc.Ready == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	var lastErr error
	for {
		if lastErr = svc.Ready(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness timeout: %w", lastErr)
		case <-time.After(readinessPoll):
		}
	}
}
