package predict

import (
	"context"
	"sync"
	"time"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/internal/app/system"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

var _ system.Service = (*Syncer)(nil)

// ModelClientFactory builds the RPC client for a registered Model row (its
// deployment endpoint, auth, and protocol are opaque to the orchestrator).
type ModelClientFactory func(m score.Model) (ModelClient, error)

// Syncer is the Runner's single writer: it periodically reconciles the live
// model set against ModelStore.ListLiveModels so the orchestrator's reads
// never need to touch the store mid-cycle.
type Syncer struct {
	runner   *Runner
	models   storage.ModelStore
	factory  ModelClientFactory
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSyncer builds a Syncer polling every interval (default 15s).
func NewSyncer(runner *Runner, models storage.ModelStore, factory ModelClientFactory, log *logger.Logger, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Syncer{runner: runner, models: models, factory: factory, log: log, interval: interval}
}

func (s *Syncer) Name() string { return "predict-model-syncer" }

func (s *Syncer) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.Name(), Domain: "predict", Layer: core.LayerEngine}.
		WithCapabilities("model-sync")
}

func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.reconcile(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.reconcile(runCtx)
			}
		}
	}()
	return nil
}

func (s *Syncer) Stop(ctx context.Context) error {
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
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconcile registers newly-live models and unregisters ones the store no
// longer reports as live. A model the Runner already quarantined this tick
// is not re-registered until the store confirms it live again on a later
// poll, giving the operator a window to fix or redeploy it.
func (s *Syncer) reconcile(ctx context.Context) {
	live, err := s.models.ListLiveModels(ctx)
	if err != nil {
		s.log.WithField("err", err).Error("predict syncer: list live models failed")
		return
	}

	want := make(map[string]score.Model, len(live))
	for _, m := range live {
		want[m.ID] = m
	}

	for _, id := range s.runner.Live() {
		if _, ok := want[id]; !ok {
			s.runner.Unregister(id)
		}
	}

	for id, m := range want {
		if _, ok := s.runner.Client(id); ok {
			continue
		}
		client, err := s.factory(m)
		if err != nil {
			s.log.WithField("model_id", id).WithField("err", err).Warn("predict syncer: build model client failed")
			continue
		}
		s.runner.Register(id, client)
	}
}
