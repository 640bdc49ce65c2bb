// Package app is the coordinator's composition root: it wires storage,
// the contract registry, and every background service (feed worker,
// predict orchestrator/scheduler/syncer, score engine/scheduler,
// checkpoint builder/scheduler, reporting HTTP service) into one
// lifecycle-managed Application.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	"github.com/crunchdao/coordinator-node-starter/internal/app/contract/builtin"
	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/httpapi"
	"github.com/crunchdao/coordinator-node-starter/internal/app/metrics"
	"github.com/crunchdao/coordinator-node-starter/internal/app/services/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/services/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/services/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/services/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/memory"
	"github.com/crunchdao/coordinator-node-starter/internal/app/system"
	"github.com/crunchdao/coordinator-node-starter/internal/config"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation, so a caller can supply a Postgres-backed
// FeedStore while leaving everything else on memory for a quick trial.
type Stores struct {
	Feed       storage.FeedStore
	Predict    storage.PredictStore
	Model      storage.ModelStore
	Score      storage.ScoreStore
	Checkpoint storage.CheckpointStore
}

func (s *Stores) applyDefaults(mem *memory.Store) {
	if s == nil || mem == nil {
		return
	}
	if s.Feed == nil {
		s.Feed = mem
	}
	if s.Predict == nil {
		s.Predict = mem
	}
	if s.Model == nil {
		s.Model = mem
	}
	if s.Score == nil {
		s.Score = mem
	}
	if s.Checkpoint == nil {
		s.Checkpoint = mem
	}
}

// Option customises the application runtime.
type Option func(*builderConfig)

type builderConfig struct {
	httpClient       *http.Client
	sourceAdapter    feed.SourceAdapter
	modelFactory     predict.ModelClientFactory
	redisClient      *redis.Client
	contractOverride func(*contract.Registry)
}

// WithHTTPClient injects a shared HTTP client used to build the default
// feed source adapter. A nil client falls back to a 10-second timeout
// client.
func WithHTTPClient(client *http.Client) Option {
	return func(b *builderConfig) { b.httpClient = client }
}

// WithSourceAdapter overrides the feed worker's SourceAdapter. Without one,
// New builds an HTTPSourceAdapter pointed at an empty base URL, which is
// only useful for tests that never trigger a poll.
func WithSourceAdapter(adapter feed.SourceAdapter) Option {
	return func(b *builderConfig) { b.sourceAdapter = adapter }
}

// WithModelClientFactory overrides how the predict Syncer builds an RPC
// client for each live Model row.
func WithModelClientFactory(factory predict.ModelClientFactory) Option {
	return func(b *builderConfig) { b.modelFactory = factory }
}

// WithRedisClient enables Redis-backed cross-process locks for the score
// tick and checkpoint period, instead of the single-process default locks.
func WithRedisClient(client *redis.Client) Option {
	return func(b *builderConfig) { b.redisClient = client }
}

// WithContractOverride runs fn against the registry after the numeric-scalar
// builtins and default metrics/ensembles are registered, but before it is
// frozen — the only point at which a competition can swap in, say,
// builtin.ConfiguredInferenceInputBuilder for a non-numeric-scalar feed
// shape. Registering after New returns panics, since the registry is
// already frozen by then.
func WithContractOverride(fn func(*contract.Registry)) Option {
	return func(b *builderConfig) { b.contractOverride = fn }
}

func resolveBuilderOptions(opts ...Option) builderConfig {
	var b builderConfig
	for _, opt := range opts {
		opt(&b)
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return b
}

// Application ties the coordinator's services together and manages their
// lifecycle through a single system.Manager.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Registry *contract.Registry
	Stores   Stores

	Feed            *feed.Worker
	PredictRunner   *predict.Runner
	Orchestrator    *predict.Orchestrator
	PredictSched    *predict.Scheduler
	Syncer          *predict.Syncer
	ScoreEngine     *score.Engine
	ScoreSched      *score.Scheduler
	Checkpoint      *checkpoint.Builder
	CheckpointSched *checkpoint.Scheduler

	descriptors []core.Descriptor
}

// New builds a fully wired Application from cfg. The contract registry is
// populated with the numeric-scalar builtins plus every Tier1/2/3 metric
// and ensemble strategy before being frozen; competitions with a richer
// contract shape pass WithContractOverride to swap callables in before the
// freeze happens.
func New(stores Stores, cfg *config.Config, log *logger.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	options := resolveBuilderOptions(opts...)
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	stores.applyDefaults(mem)

	registry := contract.NewRegistry()
	registerContract(registry, cfg.Contract)
	builtin.RegisterDefaultMetrics(registry)
	builtin.RegisterDefaultEnsembleStrategies(registry)
	if options.contractOverride != nil {
		options.contractOverride(registry)
	}
	if err := registry.Freeze(cfg.Contract.Metrics); err != nil {
		return nil, fmt.Errorf("app: freeze contract registry: %w", err)
	}

	bus := eventbus.New()

	manager := system.NewManager()

	adapter := options.sourceAdapter
	if adapter == nil {
		adapter = feed.NewHTTPSourceAdapter(feed.HTTPSourceAdapterConfig{}, options.httpClient)
	}
	scopes := feedScopes(cfg.Feed)
	feedWorker := feed.New(feed.Config{
		Scopes:            scopes,
		PollInterval:      cfg.Feed.PollInterval,
		SourceCallTimeout: cfg.Feed.SourceCallTimeout,
		BackfillRoot:      cfg.Feed.BackfillRoot,
	}, adapter, stores.Feed, bus, log, metrics.ObservationHooks("coordinator", "feed", "poll"))

	runner := predict.NewRunner(cfg.Predict.MaxConcurrentModels, cfg.Predict.ConsecutiveFailureLimit, cfg.Predict.ConsecutiveTimeoutLimit, bus, log)
	orchestrator := predict.New(predict.Config{
		DefaultPredictTimeout: cfg.Predict.PredictTimeout,
		DefaultTickTimeout:    cfg.Predict.TickTimeout,
	}, registry, stores.Feed, stores.Predict, runner, bus, log, metrics.ObservationHooks("coordinator", "predict", "cycle"))
	predictSched := predict.NewScheduler(orchestrator, stores.Predict, log, time.Second)

	factory := options.modelFactory
	if factory == nil {
		factory = defaultModelClientFactory(cfg.Predict, options.httpClient)
	}
	syncer := predict.NewSyncer(runner, stores.Model, factory, log, 15*time.Second)

	scoreEngine := score.New(score.Config{
		ResolutionGraceWindow: cfg.Score.ResolutionGraceWindow,
		InputResolutionTTL:    cfg.Score.InputResolutionTTL,
		MetricsWindow:         time.Duration(cfg.Contract.Aggregation.WindowSeconds) * time.Second,
		Metrics:               cfg.Contract.Metrics,
		RankingKey:            cfg.Contract.Aggregation.RankingKey,
		RankingDirection:      cfg.Contract.Aggregation.RankingDirection,
		Ensembles:             toEngineEnsembles(cfg.Contract.Ensembles),
	}, registry, stores.Feed, stores.Predict, stores.Score, stores.Model, bus, log, metrics.ObservationHooks("coordinator", "score", "tick"))

	var scoreLock score.TickLock
	var checkpointLock checkpoint.PeriodLock
	if options.redisClient != nil {
		scoreLock = score.NewRedisLock(options.redisClient, 30*time.Second)
		checkpointLock = checkpoint.NewRedisLock(options.redisClient, 5*time.Minute)
	}
	scoreSched := score.NewScheduler(scoreEngine, scoreLock, log, time.Duration(cfg.Score.IntervalSeconds)*time.Second)

	builder := checkpoint.New(checkpoint.Config{
		RankingKey:             cfg.Contract.Aggregation.RankingKey,
		ComputeProviderRewards: cfg.Checkpoint.ComputeProviderRewards,
		DataProviderRewards:    cfg.Checkpoint.DataProviderRewards,
		CrunchPubKey:           cfg.Checkpoint.CrunchPubKey,
	}, registry, stores.Score, stores.Model, stores.Checkpoint, bus, log, metrics.ObservationHooks("coordinator", "checkpoint", "build"))
	checkpointSched, err := checkpoint.NewScheduler(builder, checkpointLock, log, cfg.Checkpoint.Cron)
	if err != nil {
		return nil, fmt.Errorf("app: build checkpoint scheduler: %w", err)
	}

	for _, svc := range []system.Service{feedWorker, syncer, predictSched, scoreSched, checkpointSched} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("app: register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:         manager,
		log:             log,
		Registry:        registry,
		Stores:          stores,
		Feed:            feedWorker,
		PredictRunner:   runner,
		Orchestrator:    orchestrator,
		PredictSched:    predictSched,
		Syncer:          syncer,
		ScoreEngine:     scoreEngine,
		ScoreSched:      scoreSched,
		Checkpoint:      builder,
		CheckpointSched: checkpointSched,
		descriptors:     manager.Descriptors(),
	}, nil
}

// NewHTTPService builds the reporting HTTP service from cfg, wired against
// the same stores the application's background services use. Call
// Attach(httpService) before Start so it shares the manager's lifecycle.
func NewHTTPService(cfg *config.Config, models storage.ModelStore, scores storage.ScoreStore, checkpoints storage.CheckpointStore, feedWorker *feed.Worker, log *logger.Logger) *httpapi.Service {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return httpapi.NewService(httpapi.Config{
		Addr: addr,
		Auth: httpapi.AuthConfig{
			Key:             cfg.API.Key,
			ReadAuthEnabled: cfg.API.ReadAuthEnabled,
			PublicPrefixes:  cfg.API.PublicPrefixes,
		},
		RateLimitPerSec: cfg.API.RateLimitPerSec,
		BackfillRoot:    cfg.Feed.BackfillRoot,
		AuditLogPath:    cfg.API.AuditLogPath,
	}, models, scores, checkpoints, feedWorker, log)
}

// Attach registers an additional lifecycle-managed service, such as the
// reporting HTTP service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all registered services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for introspection.
func (a *Application) Descriptors() []core.Descriptor {
	return a.descriptors
}

func feedScopes(cfg config.FeedConfig) []domainfeed.Scope {
	scopes := make([]domainfeed.Scope, 0, len(cfg.Subjects))
	for _, subject := range cfg.Subjects {
		scopes = append(scopes, domainfeed.Scope{
			Source:      cfg.Source,
			Subject:     subject,
			Kind:        cfg.Kind,
			Granularity: cfg.Granularity,
		})
	}
	return scopes
}

// toEngineEnsembles converts the config-layer (JSON-tagged, string Kind)
// ensemble declarations into the score engine's typed equivalent. The two
// types exist separately because config.EnsembleConfig is shaped for
// CONTRACT_ENSEMBLES_JSON unmarshalling while score.EnsembleConfig is
// shaped for the engine's internal filter dispatch.
func toEngineEnsembles(in []config.EnsembleConfig) []score.EnsembleConfig {
	out := make([]score.EnsembleConfig, 0, len(in))
	for _, ec := range in {
		out = append(out, score.EnsembleConfig{
			Name:     ec.Name,
			Strategy: ec.Strategy,
			Filter:   toEngineFilter(ec.Filter),
		})
	}
	return out
}

func toEngineFilter(in *config.ModelFilter) *score.ModelFilter {
	if in == nil {
		return nil
	}
	return &score.ModelFilter{
		Kind:      score.ModelFilterKind(in.Kind),
		N:         in.N,
		Metric:    in.Metric,
		Threshold: in.Threshold,
	}
}

// registerContract registers the numeric-scalar builtins for all four
// callable slots. The callable names carried in cfg (SCORING_FUNCTION and
// the related settings) are not consulted: whatever they name, the
// numeric-scalar callables are the ones registered.
func registerContract(registry *contract.Registry, cfg config.ContractConfig) {
	registry.RegisterInferenceInputBuilder(builtin.NumericScalarInferenceInputBuilder)
	registry.RegisterInferenceOutputValidator(builtin.NumericScalarOutputValidator)
	registry.RegisterScoringFunction(builtin.NumericScalarScoringFunction)
	registry.RegisterResolveGroundTruth(builtin.NumericScalarResolveGroundTruth)
}

// defaultModelClientFactory builds an HTTP RPC client for a live model: every
// model is reached through the shared model runner at
// ModelRunnerHost:ModelRunnerPort and addressed by its model ID.
func defaultModelClientFactory(cfg config.PredictConfig, client *http.Client) predict.ModelClientFactory {
	return func(m domainscore.Model) (predict.ModelClient, error) {
		baseURL := fmt.Sprintf("http://%s:%d", cfg.ModelRunnerHost, cfg.ModelRunnerPort)
		return predict.NewHTTPModelClient(baseURL, m.ID, client), nil
	}
}
