package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	"github.com/crunchdao/coordinator-node-starter/internal/app/system"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Scheduler fires BuildCheckpoint on a single cron expression, coarser than
// the score tick cadence, holding a PeriodLock keyed by the firing time so
// only one coordinator process builds each period's checkpoint.
type Scheduler struct {
	builder  *Builder
	lock     PeriodLock
	log      *logger.Logger
	cronExpr string
	schedule cron.Schedule

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	nextFire time.Time
}

// NewScheduler parses cronExpr (5-field, minute-precision) and builds a
// Scheduler. An empty expression defaults to hourly; an invalid one returns
// the parse error.
func NewScheduler(builder *Builder, lock PeriodLock, log *logger.Logger, cronExpr string) (*Scheduler, error) {
	if lock == nil {
		lock = NewLocalLock()
	}
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Scheduler{builder: builder, lock: lock, log: log, cronExpr: cronExpr, schedule: schedule}, nil
}

func (s *Scheduler) Name() string { return "checkpoint-scheduler" }

func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.Name(), Domain: "checkpoint", Layer: core.LayerEngine}.
		WithCapabilities("cron", "period-lock")
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
	s.nextFire = s.schedule.Next(time.Now().UTC())
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				s.maybeFire(runCtx, now.UTC())
			}
		}
	}()

	s.log.WithField("cron", s.cronExpr).Info("checkpoint scheduler started")
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
	s.log.Info("checkpoint scheduler stopped")
	return nil
}

func (s *Scheduler) maybeFire(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextFire)
	if due {
		s.nextFire = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.fire(ctx, now)
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	release, ok, err := s.lock.TryAcquire(ctx, now)
	if err != nil {
		s.log.WithField("err", err).Error("checkpoint scheduler: acquire period lock failed")
		return
	}
	if !ok {
		s.log.Debug("checkpoint scheduler: period lock held elsewhere, skipping")
		return
	}
	defer release()

	chk, err := s.builder.BuildCheckpoint(ctx, now)
	if err != nil {
		s.log.WithField("err", err).Error("checkpoint build failed")
		return
	}
	s.log.WithField("checkpoint_id", chk.ID).
		WithField("merkle_root", chk.MerkleRoot).
		Info("checkpoint built")
}
