package updates

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/storage"
)

// ConfigSource resolves an agent's effective learning configuration.
type ConfigSource interface {
	Configuration(ctx context.Context, agentID string) (model.LearningConfiguration, error)
}

// Scheduler periodically applies approved updates for agents that enabled
// AutoUpdateEnabled. Each agent is applied at most once per its
// UpdateFrequency and at most BatchSize updates per run.
type Scheduler struct {
	svc      *Service
	agents   storage.ConfigStore
	configs  ConfigSource
	interval time.Duration
	workers  int
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	lastRun    map[string]time.Time
	cancelLoop context.CancelFunc

	started atomic.Bool
	done    chan struct{}
}

// NewScheduler creates a Scheduler that wakes every interval and applies
// up to workers agents in parallel.
func NewScheduler(svc *Service, agents storage.ConfigStore, configs ConfigSource, interval time.Duration, workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		svc:      svc,
		agents:   agents,
		configs:  configs,
		interval: interval,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
		lastRun:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Start begins the background loop. Call Stop to end it. Later calls are
// ignored.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: already started")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelLoop = cancel
	s.mu.Unlock()
	go s.loop(loopCtx)
}

// Stop ends the loop and waits for an in-flight run to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancelLoop
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out waiting for run")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler: run failed", "error", err)
			}
		}
	}
}

// RunOnce applies every due agent once. A failing agent is logged and does
// not stop the others; only listing the agents can fail the run.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	agents, err := s.agents.ListAutoUpdateAgents(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, agentID := range agents {
		g.Go(func() error {
			s.runAgent(gctx, agentID)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runAgent(ctx context.Context, agentID string) {
	cfg, err := s.configs.Configuration(ctx, agentID)
	if err != nil {
		s.logger.Warn("scheduler: configuration unavailable, skipping agent",
			"agent_id", agentID,
			"error", err,
		)
		return
	}
	if !cfg.AutoUpdateEnabled {
		return
	}

	now := s.now()
	s.mu.Lock()
	last, seen := s.lastRun[agentID]
	due := !seen || now.Sub(last) >= cfg.UpdateFrequency
	if due {
		s.lastRun[agentID] = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	res, err := s.svc.applyBatch(ctx, agentID, storage.UpdateFilter{Limit: cfg.BatchSize})
	if err != nil {
		s.logger.Error("scheduler: apply failed",
			"agent_id", agentID,
			"error", err,
		)
		return
	}
	if res.Applied > 0 || res.Failed > 0 {
		s.logger.Info("scheduler: applied",
			"agent_id", agentID,
			"applied", res.Applied,
			"failed", res.Failed,
		)
	}
}
