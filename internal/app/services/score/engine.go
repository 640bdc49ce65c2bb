// Package score implements the Score Engine: it resolves elapsed Inputs
// against ground truth, scores pending Predictions, rolls newly-scored
// predictions into per-model Snapshots enriched with the metrics registry,
// optionally synthesizes ensemble virtual models, commits a two-level
// Merkle-chained Cycle over the tick's snapshots, and rebuilds the
// leaderboard — closing the loop the Predict Orchestrator opened.
package score

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
	"github.com/crunchdao/coordinator-node-starter/pkg/merkle"
)

// ModelFilterKind names the Phase E constituent filter a configured
// ensemble applies before weighting.
type ModelFilterKind string

const (
	FilterNone      ModelFilterKind = ""
	FilterTopN      ModelFilterKind = "top_n"
	FilterMinMetric ModelFilterKind = "min_metric"
)

// ModelFilter restricts an ensemble's real-model constituents.
type ModelFilter struct {
	Kind      ModelFilterKind
	N         int
	Metric    string
	Threshold float64
}

// EnsembleConfig declares one virtual ensemble model `{name, strategy,
// model_filter?}`.
type EnsembleConfig struct {
	Name     string
	Strategy string
	Filter   *ModelFilter
}

// Config controls the engine's window sizing, TTLs, and contract shape
// declaration (metrics/aggregation/ensembles).
type Config struct {
	ResolutionGraceWindow time.Duration
	InputResolutionTTL    time.Duration
	MetricsWindow         time.Duration
	Metrics               []string
	RankingKey            string
	RankingDirection      string // "asc" or "desc"
	Ensembles             []EnsembleConfig
	ResolveBatch          int
	ScoreBatch            int
}

// Engine runs one RunTick per score-cadence firing.
type Engine struct {
	cfg      Config
	registry *contract.Registry
	feed     storage.FeedStore
	predicts storage.PredictStore
	scores   storage.ScoreStore
	models   storage.ModelStore
	bus      *eventbus.Bus
	log      *logger.Logger
	hooks    core.ObservationHooks
}

// New builds an Engine.
func New(cfg Config, registry *contract.Registry, feed storage.FeedStore, predicts storage.PredictStore, scores storage.ScoreStore, models storage.ModelStore, bus *eventbus.Bus, log *logger.Logger, hooks core.ObservationHooks) *Engine {
	if cfg.ResolutionGraceWindow <= 0 {
		cfg.ResolutionGraceWindow = 5 * time.Minute
	}
	if cfg.InputResolutionTTL <= 0 {
		cfg.InputResolutionTTL = 24 * time.Hour
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = time.Hour
	}
	if cfg.RankingDirection == "" {
		cfg.RankingDirection = "desc"
	}
	if cfg.ResolveBatch <= 0 {
		cfg.ResolveBatch = 500
	}
	if cfg.ScoreBatch <= 0 {
		cfg.ScoreBatch = 1000
	}
	return &Engine{cfg: cfg, registry: registry, feed: feed, predicts: predicts, scores: scores, models: models, bus: bus, log: log, hooks: hooks}
}

func (e *Engine) Name() string { return "score-engine" }

func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{Name: e.Name(), Domain: "score", Layer: core.LayerEngine}.
		WithCapabilities("merkle-chain", "ensembles", "leaderboard")
}

// TickReport summarizes one RunTick invocation.
type TickReport struct {
	ResolvedCount  int
	ScoredCount    int
	FailedCount    int
	SnapshotCount  int
	EnsembleCount  int
	CycleID        string
	LeaderboardID  string
}

// RunTick executes Phases A through G in order. An error in Phases A-F
// aborts the tick without persisting a MerkleCycle; a Phase G error is
// returned after the cycle has been committed. The caller retries on the next
// firing, and every write so far is keyed so re-running is safe (Snapshots
// upsert-on-not-exists, Predictions transition PENDING->SCORED only once).
func (e *Engine) RunTick(ctx context.Context, now time.Time) (TickReport, error) {
	var report TickReport
	meta := map[string]string{"scope": "tick"}
	complete := core.StartObservation(ctx, e.hooks, meta)
	var tickErr error
	defer func() { complete(tickErr) }()

	resolved, tickErr := e.phaseResolveInputs(ctx, now)
	if tickErr != nil {
		e.fail(ctx, "resolve_inputs", tickErr)
		return report, tickErr
	}
	report.ResolvedCount = resolved

	scoredByModel, scoredByInput, inputsByID, failedCount, tickErr := e.phaseScorePredictions(ctx)
	if tickErr != nil {
		e.fail(ctx, "score_predictions", tickErr)
		return report, tickErr
	}
	report.FailedCount = failedCount
	for _, preds := range scoredByModel {
		report.ScoredCount += len(preds)
	}

	windowStart := now.Add(-e.cfg.MetricsWindow)

	ensembleByModel, ensembleCount, tickErr := e.phaseEnsembles(ctx, scoredByInput, inputsByID)
	if tickErr != nil {
		e.fail(ctx, "ensembles", tickErr)
		return report, tickErr
	}
	report.EnsembleCount = ensembleCount
	for modelID, preds := range ensembleByModel {
		scoredByModel[modelID] = append(scoredByModel[modelID], preds...)
	}

	ensembleViews, tickErr := e.ensembleWindowViews(ctx, ensembleByModel, windowStart, now)
	if tickErr != nil {
		e.fail(ctx, "ensembles", tickErr)
		return report, tickErr
	}

	leaves, leafMeta, snapshotCount, tickErr := e.phaseSnapshotsAndMetrics(ctx, scoredByModel, windowStart, now, ensembleViews)
	if tickErr != nil {
		e.fail(ctx, "snapshot_and_metrics", tickErr)
		return report, tickErr
	}
	report.SnapshotCount = snapshotCount

	if len(leaves) > 0 {
		cycleID, tickErr2 := e.phaseMerkleCommit(ctx, leaves, leafMeta, now)
		if tickErr2 != nil {
			tickErr = tickErr2
			e.fail(ctx, "merkle_commit", tickErr)
			return report, tickErr
		}
		report.CycleID = cycleID
	}

	lbID, tickErr := e.phaseLeaderboard(ctx, now)
	if tickErr != nil {
		e.fail(ctx, "leaderboard", tickErr)
		return report, tickErr
	}
	report.LeaderboardID = lbID

	return report, nil
}

func (e *Engine) fail(ctx context.Context, phase string, err error) {
	e.log.WithField("phase", phase).WithField("err", err).Error("score tick phase failed")
	_ = e.bus.Publish(ctx, eventbus.EventScoreTickFailed, eventbus.Alert{
		Event: eventbus.EventScoreTickFailed, Subject: phase, Message: err.Error(), At: time.Now().UTC(),
	})
}

// phaseResolveInputs implements Phase A: resolve every currently-resolvable
// Input, then force-resolve anything that has sat RECEIVED past the TTL with
// a null-actuals sentinel so its predictions can still flip to FAILED.
func (e *Engine) phaseResolveInputs(ctx context.Context, now time.Time) (int, error) {
	ready, err := e.predicts.ListResolvableInputs(ctx, now, e.cfg.ResolveBatch)
	if err != nil {
		return 0, fmt.Errorf("score: list resolvable inputs: %w", err)
	}

	resolved := 0
	for _, in := range ready {
		actuals, err := e.tryResolve(ctx, in)
		if err != nil {
			e.log.WithField("input_id", in.ID).WithField("err", err).Warn("score: resolve ground truth failed")
			continue
		}
		if actuals == nil {
			continue // stays RECEIVED, retried next tick
		}
		in.Actuals = actuals
		in.Status = predict.InputResolved
		if _, err := e.predicts.UpdateInput(ctx, in); err != nil {
			return resolved, fmt.Errorf("score: persist resolved input %s: %w", in.ID, err)
		}
		resolved++
	}

	stale, err := e.predicts.ListStaleReceivedInputs(ctx, now.Add(-e.cfg.InputResolutionTTL), e.cfg.ResolveBatch)
	if err != nil {
		return resolved, fmt.Errorf("score: list stale inputs: %w", err)
	}
	for _, in := range stale {
		in.Actuals = nil
		in.Status = predict.InputResolved
		if _, err := e.predicts.UpdateInput(ctx, in); err != nil {
			return resolved, fmt.Errorf("score: persist TTL-expired input %s: %w", in.ID, err)
		}
		resolved++
	}
	return resolved, nil
}

func (e *Engine) tryResolve(ctx context.Context, in predict.Input) (map[string]interface{}, error) {
	cfg, err := e.predicts.GetConfig(ctx, in.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("fetch config %s: %w", in.ConfigID, err)
	}
	scope := feedScopeForConfig(cfg)
	window, err := e.feed.ListRecords(ctx, scope, in.ResolvableAt, in.ResolvableAt.Add(e.cfg.ResolutionGraceWindow), 0)
	if err != nil {
		return nil, fmt.Errorf("fetch resolution window: %w", err)
	}
	return e.registry.ResolveGroundTruth()(in.Scope, toRawWindow(window))
}

// phaseScorePredictions implements Phase B. Returns newly-scored predictions
// grouped by model_id and by input_id (for ensemble constituent lookup in
// Phase E), plus the Inputs touched (cached to avoid refetching per model).
func (e *Engine) phaseScorePredictions(ctx context.Context) (byModel map[string][]predict.Prediction, byInput map[string][]predict.Prediction, inputsByID map[string]predict.Input, failedCount int, err error) {
	byModel = make(map[string][]predict.Prediction)
	byInput = make(map[string][]predict.Prediction)
	inputsByID = make(map[string]predict.Input)

	pending, err := e.predicts.ListPendingScorablePredictions(ctx, e.cfg.ScoreBatch)
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("score: list pending predictions: %w", err)
	}

	for _, p := range pending {
		in, ok := inputsByID[p.InputID]
		if !ok {
			fetched, err := e.predicts.GetInput(ctx, p.InputID)
			if err != nil {
				e.log.WithField("input_id", p.InputID).WithField("err", err).Warn("score: fetch input for pending prediction failed")
				continue
			}
			in = fetched
			inputsByID[in.ID] = in
		}

		scored := e.scoreOne(&p, in)
		if _, err := e.predicts.UpdatePrediction(ctx, p); err != nil {
			return byModel, byInput, inputsByID, failedCount, fmt.Errorf("score: persist prediction %s: %w", p.ID, err)
		}
		if scored {
			byModel[p.ModelID] = append(byModel[p.ModelID], p)
			byInput[p.InputID] = append(byInput[p.InputID], p)
		} else {
			failedCount++
		}
	}
	return byModel, byInput, inputsByID, failedCount, nil
}

// scoreOne scores p in place against in's ground truth, returning true iff
// it transitioned to SCORED.
func (e *Engine) scoreOne(p *predict.Prediction, in predict.Input) bool {
	if in.Actuals == nil {
		p.Status = predict.PredictionFailed
		p.Score = &predict.Score{Success: false, FailedReason: "no ground truth"}
		return false
	}

	result, err := e.safeScore(contract.InferenceOutput(p.InferenceOutput), in.Actuals)
	if err != nil {
		p.Status = predict.PredictionFailed
		p.Score = &predict.Score{Success: false, FailedReason: err.Error()}
		return false
	}
	if !result.Success {
		p.Status = predict.PredictionFailed
		p.Score = &predict.Score{Success: false, FailedReason: result.FailedReason}
		return false
	}
	p.Status = predict.PredictionScored
	p.Score = &predict.Score{Value: result.Value, Success: true, Extra: result.Extra}
	return true
}

// safeScore invokes the registered ScoringFunction, converting a panic into
// an error so one competition's buggy callable never takes down a tick.
func (e *Engine) safeScore(output contract.InferenceOutput, actuals map[string]interface{}) (result contract.ScoreResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scoring function panicked: %v", r)
		}
	}()
	return e.registry.ScoringFunction()(output, actuals)
}

// leafSnapshot is the per-leaf bookkeeping phaseMerkleCommit needs to stamp
// SnapshotID/SnapshotContentHash onto the tree's leaf-level nodes, so a
// later inclusion proof lookup can find the cycle a given snapshot landed
// in without re-deriving content hashes.
type leafSnapshot struct {
	snapshotID  string
	contentHash string
}

// phaseSnapshotsAndMetrics implements Phases C and D combined: the
// persisted content_hash must match the persisted result_summary exactly, so
// the engine builds the full summary (aggregate + every configured metric)
// before hashing and upserting once, rather than hashing an aggregate-only
// summary and mutating it afterward.
func (e *Engine) phaseSnapshotsAndMetrics(ctx context.Context, byModel map[string][]predict.Prediction, windowStart, windowEnd time.Time, ensembleViews map[string][]contract.PredictionView) ([][]byte, []leafSnapshot, int, error) {
	modelIDs := make([]string, 0, len(byModel))
	for modelID := range byModel {
		modelIDs = append(modelIDs, modelID)
	}
	sort.Strings(modelIDs)

	leaves := make([][]byte, 0, len(modelIDs))
	leafMeta := make([]leafSnapshot, 0, len(modelIDs))
	for _, modelID := range modelIDs {
		preds := byModel[modelID]
		scores := make([]contract.ScoreResult, 0, len(preds))
		for _, p := range preds {
			if p.Score == nil {
				continue
			}
			scores = append(scores, contract.ScoreResult{Value: p.Score.Value, Success: p.Score.Success, FailedReason: p.Score.FailedReason, Extra: p.Score.Extra})
		}

		summary, err := e.registry.AggregateSnapshot()(scores)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("score: aggregate snapshot for model %s: %w", modelID, err)
		}
		if summary == nil {
			summary = map[string]interface{}{}
		}

		views, err := e.modelWindowViews(ctx, modelID, windowStart, windowEnd)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("score: window predictions for model %s: %w", modelID, err)
		}
		mctx := contract.MetricsContext{
			ModelID: modelID, WindowStart: windowStart, WindowEnd: windowEnd,
			AllModelPredictions: views, EnsemblePredictions: ensembleViews,
		}
		for _, name := range e.cfg.Metrics {
			fn, ok := e.registry.Metric(name)
			if !ok {
				continue
			}
			value, err := fn(ctx, mctx)
			if err != nil {
				e.log.WithField("model_id", modelID).WithField("metric", name).WithField("err", err).Debug("score: metric undefined for window")
				continue
			}
			summary[name] = value
		}

		hash, err := contentHash(modelID, windowStart, windowEnd, len(preds), summary)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("score: hash snapshot for model %s: %w", modelID, err)
		}

		snap, err := e.scores.UpsertSnapshot(ctx, domainscore.Snapshot{
			ModelID: modelID, PeriodStart: windowStart, PeriodEnd: windowEnd,
			PredictionCount: len(preds), ResultSummary: summary, ContentHash: hash,
		})
		if err != nil {
			return nil, nil, 0, fmt.Errorf("score: upsert snapshot for model %s: %w", modelID, err)
		}
		leaves = append(leaves, merkle.LeafHash([]byte(snap.ContentHash)))
		leafMeta = append(leafMeta, leafSnapshot{snapshotID: snap.ID, contentHash: snap.ContentHash})
	}
	return leaves, leafMeta, len(modelIDs), nil
}

func (e *Engine) modelWindowViews(ctx context.Context, modelID string, from, to time.Time) ([]contract.PredictionView, error) {
	preds, err := e.predicts.ListPredictionsByModel(ctx, modelID, from, to)
	if err != nil {
		return nil, err
	}
	views := make([]contract.PredictionView, 0, len(preds))
	for _, p := range preds {
		if p.Status != predict.PredictionScored {
			continue
		}
		in, err := e.predicts.GetInput(ctx, p.InputID)
		if err != nil {
			continue
		}
		views = append(views, predictionView(p, in))
	}
	return views, nil
}

func (e *Engine) ensembleWindowViews(ctx context.Context, ensembleByModel map[string][]predict.Prediction, from, to time.Time) (map[string][]contract.PredictionView, error) {
	out := make(map[string][]contract.PredictionView, len(ensembleByModel))
	for modelID := range ensembleByModel {
		views, err := e.modelWindowViews(ctx, modelID, from, to)
		if err != nil {
			return nil, err
		}
		out[modelID] = views
	}
	return out, nil
}

// contentHash hashes the snapshot's identity plus its result_summary as
// canonical JSON. encoding/json already sorts map[string]interface{} keys
// and emits no extraneous whitespace, which is exactly the "sorted keys,
// minimal separators" canonical form this needs — no separate canonical-JSON
// library exists in the dependency set this coordinator draws from.
func contentHash(modelID string, periodStart, periodEnd time.Time, count int, summary map[string]interface{}) (string, error) {
	blob, err := json.Marshal(map[string]interface{}{
		"model_id":         modelID,
		"period_start":     periodStart.UTC().Format(time.RFC3339Nano),
		"period_end":       periodEnd.UTC().Format(time.RFC3339Nano),
		"prediction_count": count,
		"result_summary":   summary,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return fmt.Sprintf("%x", sum), nil
}

// phaseMerkleCommit implements Phase F: build this tick's snapshot tree,
// chain its root against the previous cycle, and persist the cycle plus its
// nodes.
func (e *Engine) phaseMerkleCommit(ctx context.Context, leaves [][]byte, leafMeta []leafSnapshot, now time.Time) (string, error) {
	tree, err := merkle.Build(leaves)
	if err != nil {
		return "", fmt.Errorf("build snapshot tree: %w", err)
	}
	snapshotsRoot := tree.RootHash()

	previous, err := e.scores.LatestCycle(ctx)
	var previousRoot []byte
	var previousCycleID string
	if err == nil {
		previousCycleID = previous.ID
		previousRoot, _ = decodeHex(previous.ChainedRoot)
	} else if err != storage.ErrNotFound {
		return "", fmt.Errorf("fetch latest cycle: %w", err)
	}

	chainedRoot := merkle.ChainRoot(previousRoot, snapshotsRoot)

	var cycleID string
	err = e.scores.WithTx(ctx, func(ctx context.Context) error {
		cycle, err := e.scores.CreateCycle(ctx, domainscore.Cycle{
			PreviousCycleID:   previousCycleID,
			PreviousCycleRoot: encodeHex(previousRoot),
			SnapshotsRoot:     encodeHex(snapshotsRoot),
			ChainedRoot:       encodeHex(chainedRoot),
			SnapshotCount:     len(leaves),
		})
		if err != nil {
			return fmt.Errorf("create cycle: %w", err)
		}
		cycleID = cycle.ID

		nodes := make([]domainscore.Node, 0)
		for _, level := range tree.Levels {
			for _, n := range level {
				node := domainscore.Node{
					CycleID:  cycle.ID,
					Level:    n.Level,
					Position: n.Position,
					Hash:     encodeHex(n.Hash),
				}
				if n.Left != nil {
					node.LeftChild = encodeHex(n.Left.Hash)
				}
				if n.Right != nil {
					node.RightChild = encodeHex(n.Right.Hash)
				}
				if n.Level == 0 && n.Position < len(leafMeta) {
					node.SnapshotID = leafMeta[n.Position].snapshotID
					node.SnapshotContentHash = leafMeta[n.Position].contentHash
				}
				nodes = append(nodes, node)
			}
		}
		return e.scores.CreateNodes(ctx, nodes)
	})
	if err != nil {
		return "", err
	}
	return cycleID, nil
}

// phaseLeaderboard implements Phase G: rank each model's most recent
// snapshot by the configured ranking key/direction, tie-breaking by
// model_id for determinism, and persist an immutable Leaderboard row.
func (e *Engine) phaseLeaderboard(ctx context.Context, now time.Time) (string, error) {
	models, err := e.models.ListModels(ctx, true)
	if err != nil {
		return "", fmt.Errorf("list models: %w", err)
	}

	entries := make([]domainscore.LeaderboardEntry, 0, len(models))
	for _, m := range models {
		snap, err := e.scores.LatestSnapshotByModel(ctx, m.ID)
		if err != nil {
			continue
		}
		metrics := make(map[string]float64, len(snap.ResultSummary))
		for k, v := range snap.ResultSummary {
			if f, ok := v.(float64); ok {
				metrics[k] = f
			}
		}
		entries = append(entries, domainscore.LeaderboardEntry{
			ModelID: m.ID, Score: metrics[e.cfg.RankingKey], Metrics: metrics,
		})
	}

	ascending := e.cfg.RankingDirection == "asc"
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			if ascending {
				return entries[i].Score < entries[j].Score
			}
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ModelID < entries[j].ModelID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	lb, err := e.scores.CreateLeaderboard(ctx, domainscore.Leaderboard{Entries: entries})
	if err != nil {
		return "", fmt.Errorf("create leaderboard: %w", err)
	}
	return lb.ID, nil
}

// phaseEnsembles implements Phase E. It runs before per-model tier-3
// enrichment in phaseSnapshotsAndMetrics: fnc/contribution/ensemble_correlation
// need this tick's EnsemblePredictions, so ensembles must be built first even
// though the spec lists Phase D (metrics) before Phase E (ensembles). Each
// ensemble's model_filter is evaluated against constituents'
// LatestSnapshotByModel rather than this tick's not-yet-computed snapshot,
// since that snapshot does not exist until phaseSnapshotsAndMetrics runs.
func (e *Engine) phaseEnsembles(ctx context.Context, scoredByInput map[string][]predict.Prediction, inputsByID map[string]predict.Input) (map[string][]predict.Prediction, int, error) {
	if len(e.cfg.Ensembles) == 0 {
		return nil, 0, nil
	}

	realModels, err := e.models.ListModels(ctx, false)
	if err != nil {
		return nil, 0, fmt.Errorf("list real models: %w", err)
	}

	byModel := make(map[string][]predict.Prediction)
	count := 0
	for _, ec := range e.cfg.Ensembles {
		strategy, ok := e.registry.EnsembleStrategy(ec.Strategy)
		if !ok {
			e.log.WithField("ensemble", ec.Name).WithField("strategy", ec.Strategy).Warn("score: ensemble strategy not registered, skipping")
			continue
		}

		constituents := e.filterConstituents(ctx, realModels, ec.Filter)
		if len(constituents) < 2 {
			continue // nothing to blend
		}
		constituentSet := make(map[string]bool, len(constituents))
		for _, m := range constituents {
			constituentSet[m.ID] = true
		}

		ensembleModelID := fmt.Sprintf("__ensemble_%s__", ec.Name)
		if _, err := e.models.UpsertModel(ctx, domainscore.Model{ID: ensembleModelID, Name: ec.Name, IsEnsemble: true}); err != nil {
			return byModel, count, fmt.Errorf("upsert ensemble model %s: %w", ensembleModelID, err)
		}

		for inputID, preds := range scoredByInput {
			views := make(map[string]contract.PredictionView, len(preds))
			var anyConstituent bool
			for _, p := range preds {
				if !constituentSet[p.ModelID] {
					continue
				}
				in, ok := inputsByID[inputID]
				if !ok {
					continue
				}
				views[p.ModelID] = predictionView(p, in)
				anyConstituent = true
			}
			if !anyConstituent || len(views) < 2 {
				continue
			}

			blended, err := strategy(views)
			if err != nil {
				e.log.WithField("ensemble", ec.Name).WithField("input_id", inputID).WithField("err", err).Warn("score: ensemble strategy failed")
				continue
			}

			in := inputsByID[inputID]
			output := syntheticOutput(blended, in)
			result, err := e.safeScore(output, in.Actuals)
			status := predict.PredictionScored
			var scoreField *predict.Score
			if err != nil || !result.Success {
				status = predict.PredictionFailed
				reason := ""
				if err != nil {
					reason = err.Error()
				} else {
					reason = result.FailedReason
				}
				scoreField = &predict.Score{Success: false, FailedReason: reason}
			} else {
				scoreField = &predict.Score{Value: result.Value, Success: true, Extra: result.Extra}
			}

			names := make([]string, 0, len(views))
			for modelID := range views {
				names = append(names, modelID)
			}
			sort.Strings(names)

			ensemblePred, err := e.predicts.CreatePrediction(ctx, predict.Prediction{
				ModelID: ensembleModelID, InputID: inputID, ConfigID: in.ConfigID,
				Scope: in.Scope, InferenceOutput: output, Status: status, Score: scoreField,
				Meta: map[string]interface{}{"constituents": names, "strategy": ec.Strategy},
			})
			if err != nil {
				return byModel, count, fmt.Errorf("persist ensemble prediction for %s: %w", ensembleModelID, err)
			}
			if status == predict.PredictionScored {
				byModel[ensembleModelID] = append(byModel[ensembleModelID], ensemblePred)
				count++
			}
		}
	}
	return byModel, count, nil
}

// filterConstituents applies a ModelFilter to the current real-model roster
// using each model's most recent standing, since this tick's own snapshot
// has not been computed yet.
func (e *Engine) filterConstituents(ctx context.Context, models []domainscore.Model, filter *ModelFilter) []domainscore.Model {
	if filter == nil || filter.Kind == FilterNone {
		return models
	}

	type scored struct {
		model domainscore.Model
		value float64
		ok    bool
	}
	ranked := make([]scored, 0, len(models))
	for _, m := range models {
		snap, err := e.scores.LatestSnapshotByModel(ctx, m.ID)
		if err != nil {
			ranked = append(ranked, scored{model: m})
			continue
		}
		v, ok := numericField(snap.ResultSummary, filter.Metric)
		ranked = append(ranked, scored{model: m, value: v, ok: ok})
	}

	switch filter.Kind {
	case FilterMinMetric:
		out := make([]domainscore.Model, 0, len(ranked))
		for _, r := range ranked {
			if r.ok && r.value >= filter.Threshold {
				out = append(out, r.model)
			}
		}
		return out
	case FilterTopN:
		sort.Slice(ranked, func(i, j int) bool {
			if !ranked[i].ok {
				return false
			}
			if !ranked[j].ok {
				return true
			}
			return ranked[i].value > ranked[j].value
		})
		n := filter.N
		if n <= 0 || n > len(ranked) {
			n = len(ranked)
		}
		out := make([]domainscore.Model, 0, n)
		for _, r := range ranked[:n] {
			if r.ok {
				out = append(out, r.model)
			}
		}
		return out
	default:
		return models
	}
}

// syntheticOutput reconstructs a numeric InferenceOutput from a blended
// PredictionView by inverting predictionView's forward (price, signal) ->
// return transform, so an ensemble's virtual prediction can be scored by the
// same ScoringFunction as a real model's. Contract shapes without a "closes"
// reference series fall back to publishing the blended signal directly as
// the prediction value, mirroring predictionView's own fallback.
func syntheticOutput(blended contract.PredictionView, in predict.Input) contract.InferenceOutput {
	if lastClose, ok := referenceClose(in); ok && lastClose != 0 {
		return contract.InferenceOutput{"prediction": lastClose * (1 + blended.Signal)}
	}
	return contract.InferenceOutput{"prediction": blended.Signal}
}

func feedScopeForConfig(cfg predict.ScheduledPredictionConfig) domainfeed.Scope {
	return domainfeed.Scope{
		Source:      cfg.ScopeTemplate.Source,
		Subject:     cfg.ScopeTemplate.Subject,
		Kind:        cfg.ScopeTemplate.Kind,
		Granularity: cfg.ScopeTemplate.Granularity,
	}
}

// toRawWindow mirrors the orchestrator's feed-record shaping so
// ResolveGroundTruth addresses the same payload.* paths regardless of which
// service called it.
func toRawWindow(records []domainfeed.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		blob, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(blob, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func encodeHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
