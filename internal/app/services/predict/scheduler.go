package predict

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/internal/app/system"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Scheduler is the top-level predict worker: it polls active
// ScheduledPredictionConfigs on a fixed tick and fires RunCycle for every
// config whose Schedule is due, guaranteeing at most one fire per config per
// tick boundary.
type Scheduler struct {
	orchestrator *Orchestrator
	configStore  storage.PredictStore
	log          *logger.Logger
	tickInterval time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	lastFire map[string]time.Time
	cronSpec *cron.Parser
}

// NewScheduler builds a Scheduler polling configStore every tickInterval
// (default 1s) for due configs.
func NewScheduler(orchestrator *Orchestrator, configStore storage.PredictStore, log *logger.Logger, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	spec := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		orchestrator: orchestrator,
		configStore:  configStore,
		log:          log,
		tickInterval: tickInterval,
		lastFire:     make(map[string]time.Time),
		cronSpec:     &spec,
	}
}

func (s *Scheduler) Name() string { return "predict-scheduler" }

func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.Name(), Domain: "predict", Layer: core.LayerEngine}.
		WithCapabilities("schedule")
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				s.tick(runCtx, now.UTC())
			}
		}
	}()

	s.log.Info("predict scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("predict scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	configs, err := s.configStore.ListActiveConfigs(ctx)
	if err != nil {
		s.log.WithField("err", err).Error("predict scheduler: list active configs failed")
		return
	}

	for _, cfg := range configs {
		if !s.due(cfg, now) {
			continue
		}
		s.markFired(cfg.ID, now)
		go func(cfg predict.ScheduledPredictionConfig) {
			if _, err := s.orchestrator.RunCycle(ctx, cfg, now); err != nil {
				s.log.WithField("config_id", cfg.ID).WithField("err", err).Error("predict cycle failed")
			}
		}(cfg)
	}
}

// due reports whether cfg's Schedule fires at now, given the last fire time
// recorded for it.
func (s *Scheduler) due(cfg predict.ScheduledPredictionConfig, now time.Time) bool {
	s.mu.Lock()
	last, seen := s.lastFire[cfg.ID]
	s.mu.Unlock()

	switch cfg.Schedule.Kind {
	case predict.ScheduleEverySeconds:
		if cfg.Schedule.EverySeconds <= 0 {
			return false
		}
		if !seen {
			return true
		}
		return now.Sub(last) >= time.Duration(cfg.Schedule.EverySeconds)*time.Second
	case predict.ScheduleCron:
		schedule, err := s.cronSpec.Parse(cfg.Schedule.CronExpr)
		if err != nil {
			s.log.WithField("config_id", cfg.ID).WithField("err", err).Warn("predict scheduler: invalid cron expression")
			return false
		}
		if !seen {
			// First observation: fire only if this minute is itself due, so a
			// config registered mid-tick doesn't fire retroactively.
			last = now.Add(-time.Minute)
		}
		return !schedule.Next(last).After(now)
	default:
		return false
	}
}

func (s *Scheduler) markFired(configID string, now time.Time) {
	s.mu.Lock()
	s.lastFire[configID] = now
	s.mu.Unlock()
}
