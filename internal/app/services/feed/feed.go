// Package feed implements the Feed Worker: a live-poll loop per scope that
// tapes external observations into the Feed Store with strict monotonicity,
// plus an admission-controlled backfill runner that paginates historical
// data into Hive-partitioned files.
package feed

import (
	"context"
	"errors"
	"time"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/pkg/apierr"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

// Page is one batch of records returned by a SourceAdapter call.
type Page struct {
	Records []domainfeed.Record
	Cursor  *time.Time
	HasMore bool
}

// SourceAdapter is the pluggable transport to an external data source
// (Pyth, Binance, or any other feed). FetchSince powers the live-poll loop;
// FetchPage powers backfill pagination.
type SourceAdapter interface {
	// FetchSince returns records strictly newer than watermark for scope.
	FetchSince(ctx context.Context, scope domainfeed.Scope, watermark time.Time) ([]domainfeed.Record, error)
	// FetchPage returns one page of historical records for scope within
	// [start, end), resuming from cursor when non-nil.
	FetchPage(ctx context.Context, scope domainfeed.Scope, start, end time.Time, cursor *time.Time) (Page, error)
}

// Config controls poll cadence and retry behavior.
type Config struct {
	Scopes            []domainfeed.Scope
	PollInterval      time.Duration
	SourceCallTimeout time.Duration
	Retry             core.RetryPolicy
	BackfillRoot      string
}

// Worker runs the live-poll loop and exposes a manual backfill trigger.
type Worker struct {
	name    string
	cfg     Config
	adapter SourceAdapter
	store   storage.FeedStore
	bus     *eventbus.Bus
	log     *logger.Logger
	hooks   core.ObservationHooks

	backfill *backfillRunner

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a feed Worker.
func New(cfg Config, adapter SourceAdapter, store storage.FeedStore, bus *eventbus.Bus, log *logger.Logger, hooks core.ObservationHooks) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.SourceCallTimeout <= 0 {
		cfg.SourceCallTimeout = 10 * time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = core.RetryPolicy{Attempts: 5, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2}
	}
	runner := newBackfillRunner(adapter, store, bus, log)
	if cfg.BackfillRoot != "" {
		runner.root = cfg.BackfillRoot
	}
	return &Worker{
		name:     "feed-worker",
		cfg:      cfg,
		adapter:  adapter,
		store:    store,
		bus:      bus,
		log:      log,
		hooks:    hooks,
		backfill: runner,
	}
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) Descriptor() core.Descriptor {
	return core.Descriptor{Name: w.name, Domain: "feed", Layer: core.LayerIngress}.
		WithCapabilities("live-poll", "backfill")
}

// Start returns immediately; a background goroutine polls each configured
// scope once and then runs one poll loop per scope. Stop blocks until the
// poll loops and that goroutine have exited.
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		tickers := make([]*time.Ticker, len(w.cfg.Scopes))
		for i := range w.cfg.Scopes {
			tickers[i] = time.NewTicker(w.cfg.PollInterval)
		}
		defer func() {
			for _, t := range tickers {
				t.Stop()
			}
		}()

		loopDone := make(chan struct{}, len(w.cfg.Scopes))
		for i, scope := range w.cfg.Scopes {
			w.pollOnce(runCtx, scope)
			go func(scope domainfeed.Scope, ticker *time.Ticker) {
				defer func() { loopDone <- struct{}{} }()
				w.pollLoop(runCtx, scope, ticker)
			}(scope, tickers[i])
		}
		<-runCtx.Done()
		for range w.cfg.Scopes {
			<-loopDone
		}
	}()
	return nil
}

func (w *Worker) pollLoop(ctx context.Context, scope domainfeed.Scope, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx, scope)
		}
	}
}

// pollOnce implements the live-poll algorithm: read watermark, fetch newer
// records, upsert them and advance the watermark on success. A failed fetch
// is retried here with exponential backoff per cfg.Retry, bounded by
// SourceCallTimeout; if it still fails, the watermark is left untouched, a
// FeedStalled alert is published, and the next tick polls again.
func (w *Worker) pollOnce(ctx context.Context, scope domainfeed.Scope) {
	meta := map[string]string{"scope": scope.Subject}
	complete := core.StartObservation(ctx, w.hooks, meta)
	var pollErr error
	defer func() { complete(pollErr) }()

	watermark, err := w.store.Watermark(ctx, scope)
	if err != nil {
		pollErr = err
		w.log.WithField("scope", scope).WithField("err", err).Error("feed: read watermark failed")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.SourceCallTimeout)
	var records []domainfeed.Record
	pollErr = core.Retry(callCtx, w.cfg.Retry, func() error {
		var fetchErr error
		records, fetchErr = w.adapter.FetchSince(callCtx, scope, watermark)
		return fetchErr
	})
	cancel()
	if pollErr != nil {
		w.log.WithField("scope", scope).WithField("err", pollErr).Warn("feed: source fetch failed, watermark unchanged")
		if w.bus != nil {
			_ = w.bus.Publish(ctx, eventbus.EventFeedStalled, eventbus.Alert{
				Event: eventbus.EventFeedStalled, Subject: scope.Subject, Message: pollErr.Error(),
			})
		}
		return
	}
	if len(records) == 0 {
		return
	}

	newWatermark := watermark
	for _, r := range records {
		if r.TsEvent.After(newWatermark) {
			newWatermark = r.TsEvent
		}
	}

	if pollErr = w.store.UpsertRecords(ctx, records); pollErr != nil {
		w.log.WithField("scope", scope).WithField("err", pollErr).Error("feed: upsert records failed")
		return
	}
	if pollErr = w.store.AdvanceWatermark(ctx, scope, newWatermark); pollErr != nil {
		w.log.WithField("scope", scope).WithField("err", pollErr).Error("feed: advance watermark failed")
	}
}

// Stop cancels every poll loop and waits for them to exit.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerBackfill starts a new backfill job for scope, failing fast if one
// is already running anywhere in the system.
func (w *Worker) TriggerBackfill(ctx context.Context, scope domainfeed.Scope, start, end time.Time) (domainfeed.BackfillJob, error) {
	return w.backfill.start(ctx, scope, start, end)
}

var errAlreadyRunning = errors.New("feed: a backfill job is already running")

func mapBackfillError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errAlreadyRunning) {
		return apierr.Conflict(err.Error())
	}
	return apierr.Internal("feed backfill failed", err)
}
