package score

import (
	"context"
	"sync"
	"time"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	"github.com/crunchdao/coordinator-node-starter/internal/app/system"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Scheduler fires the Score Engine's RunTick on a fixed interval, holding
// TickLock for the duration so only one tick runs system-wide even when
// multiple coordinator processes share the same lock backend.
type Scheduler struct {
	engine       *Engine
	lock         TickLock
	log          *logger.Logger
	tickInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler builds a Scheduler firing engine.RunTick every tickInterval
// (default 60s).
func NewScheduler(engine *Engine, lock TickLock, log *logger.Logger, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	if lock == nil {
		lock = NewLocalLock()
	}
	return &Scheduler{engine: engine, lock: lock, log: log, tickInterval: tickInterval}
}

func (s *Scheduler) Name() string { return "score-scheduler" }

func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.Name(), Domain: "score", Layer: core.LayerEngine}.
		WithCapabilities("tick-lock", "merkle-chain")
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

	s.log.Info("score scheduler started")
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
	s.log.Info("score scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	release, ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		s.log.WithField("err", err).Error("score scheduler: acquire tick lock failed")
		return
	}
	if !ok {
		s.log.Debug("score scheduler: tick lock held elsewhere, skipping")
		return
	}
	defer release(ctx)

	report, err := s.engine.RunTick(ctx, now)
	if err != nil {
		s.log.WithField("err", err).Error("score tick failed")
		return
	}
	s.log.WithField("resolved", report.ResolvedCount).
		WithField("scored", report.ScoredCount).
		WithField("failed", report.FailedCount).
		WithField("snapshots", report.SnapshotCount).
		WithField("ensembles", report.EnsembleCount).
		WithField("cycle_id", report.CycleID).
		Info("score tick complete")
}
