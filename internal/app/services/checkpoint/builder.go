// Package checkpoint implements the Checkpoint Builder: on a coarser,
// cron-driven cadence it aggregates every MerkleCycle since the previous
// checkpoint into a second-level Merkle tree, ranks participant models over
// the period, computes the frac64 reward emission via the contract's
// BuildEmission slot, and persists a PENDING checkpoint for external
// settlement to advance through SUBMITTED -> CLAIMABLE -> PAID.
package checkpoint

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domaincheckpoint "github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
	"github.com/crunchdao/coordinator-node-starter/pkg/merkle"
)

// Config controls the checkpoint aggregation period's ranking metric and the
// reward pubkeys passed through opaquely to compute/data provider buckets.
type Config struct {
	RankingKey             string
	ComputeProviderRewards map[string]int64
	DataProviderRewards    map[string]int64
	CrunchPubKey           string
}

// Builder runs one BuildCheckpoint per cron firing.
type Builder struct {
	cfg         Config
	registry    *contract.Registry
	scores      storage.ScoreStore
	models      storage.ModelStore
	checkpoints storage.CheckpointStore
	bus         *eventbus.Bus
	log         *logger.Logger
	hooks       core.ObservationHooks
}

// New builds a Builder.
func New(cfg Config, registry *contract.Registry, scores storage.ScoreStore, models storage.ModelStore, checkpoints storage.CheckpointStore, bus *eventbus.Bus, log *logger.Logger, hooks core.ObservationHooks) *Builder {
	return &Builder{cfg: cfg, registry: registry, scores: scores, models: models, checkpoints: checkpoints, bus: bus, log: log, hooks: hooks}
}

func (b *Builder) Name() string { return "checkpoint-builder" }

func (b *Builder) Descriptor() core.Descriptor {
	return core.Descriptor{Name: b.Name(), Domain: "checkpoint", Layer: core.LayerEngine}.
		WithCapabilities("merkle-chain", "emission")
}

// BuildCheckpoint implements spec.md's Checkpoint Builder steps 1-6.
// Every cycle created after the previous checkpoint's PeriodEnd (every
// cycle when there is none) is folded into this checkpoint; periodEnd does
// not bound that set, and the emission period ends at the newest folded
// cycle's CreatedAt.
func (b *Builder) BuildCheckpoint(ctx context.Context, periodEnd time.Time) (domaincheckpoint.Checkpoint, error) {
	meta := map[string]string{"scope": "checkpoint"}
	complete := core.StartObservation(ctx, b.hooks, meta)
	var err error
	defer func() { complete(err) }()

	previous, prevErr := b.checkpoints.LatestCheckpoint(ctx)
	var periodStart time.Time
	if prevErr == nil {
		periodStart = previous.PeriodEnd
	} else if prevErr != storage.ErrNotFound {
		err = fmt.Errorf("checkpoint: fetch latest checkpoint: %w", prevErr)
		return domaincheckpoint.Checkpoint{}, err
	}

	cycles, listErr := b.scores.ListCyclesSince(ctx, periodStart)
	if listErr != nil {
		err = fmt.Errorf("checkpoint: list cycles since %s: %w", periodStart, listErr)
		return domaincheckpoint.Checkpoint{}, err
	}
	if len(cycles) == 0 {
		err = fmt.Errorf("checkpoint: no new cycles since %s", periodStart)
		return domaincheckpoint.Checkpoint{}, err
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i].CreatedAt.Before(cycles[j].CreatedAt) })

	leaves := make([][]byte, 0, len(cycles))
	for _, c := range cycles {
		root, decErr := hex.DecodeString(c.ChainedRoot)
		if decErr != nil {
			err = fmt.Errorf("checkpoint: decode cycle %s chained_root: %w", c.ID, decErr)
			return domaincheckpoint.Checkpoint{}, err
		}
		leaves = append(leaves, merkle.LeafHash(root))
	}

	tree, buildErr := merkle.Build(leaves)
	if buildErr != nil {
		err = fmt.Errorf("checkpoint: build cycle tree: %w", buildErr)
		return domaincheckpoint.Checkpoint{}, err
	}

	ranked, rankErr := b.rankModels(ctx, periodStart, cycles[len(cycles)-1].CreatedAt)
	if rankErr != nil {
		err = fmt.Errorf("checkpoint: rank models: %w", rankErr)
		return domaincheckpoint.Checkpoint{}, err
	}
	if len(ranked) == 0 {
		err = fmt.Errorf("checkpoint: no ranked models since %s, refusing to emit a zero-sum checkpoint", periodStart)
		b.fail(ctx, err)
		return domaincheckpoint.Checkpoint{}, err
	}

	result, emitErr := b.registry.BuildEmission()(ctx, ranked, contract.TimePeriod{Start: periodStart, End: cycles[len(cycles)-1].CreatedAt})
	if emitErr != nil {
		err = fmt.Errorf("checkpoint: build emission: %w", emitErr)
		b.fail(ctx, err)
		return domaincheckpoint.Checkpoint{}, err
	}
	if verifyErr := verifySum(result.CruncherRewards); verifyErr != nil {
		err = fmt.Errorf("checkpoint: invariant violated: %w", verifyErr)
		b.fail(ctx, err)
		return domaincheckpoint.Checkpoint{}, err
	}

	payload := domaincheckpoint.EmissionPayload{
		Crunch:                 b.cfg.CrunchPubKey,
		CruncherRewards:        toModelRewardEntries(result.CruncherRewards),
		ComputeProviderRewards: toPubKeyRewardEntries(b.cfg.ComputeProviderRewards),
		DataProviderRewards:    toPubKeyRewardEntries(b.cfg.DataProviderRewards),
	}

	chk, createErr := b.checkpoints.CreateCheckpoint(ctx, domaincheckpoint.Checkpoint{
		PeriodStart:     periodStart,
		PeriodEnd:       cycles[len(cycles)-1].CreatedAt,
		MerkleRoot:      hex.EncodeToString(tree.RootHash()),
		EmissionPayload: payload,
		Status:          domaincheckpoint.StatusPending,
	})
	if createErr != nil {
		err = fmt.Errorf("checkpoint: persist checkpoint: %w", createErr)
		return domaincheckpoint.Checkpoint{}, err
	}

	nodes := make([]domainscore.Node, 0)
	for _, level := range tree.Levels {
		for _, n := range level {
			node := domainscore.Node{
				CheckpointID: chk.ID,
				Level:        n.Level,
				Position:     n.Position,
				Hash:         hex.EncodeToString(n.Hash),
			}
			if n.Left != nil {
				node.LeftChild = hex.EncodeToString(n.Left.Hash)
			}
			if n.Right != nil {
				node.RightChild = hex.EncodeToString(n.Right.Hash)
			}
			nodes = append(nodes, node)
		}
	}
	if nodeErr := b.scores.CreateNodes(ctx, nodes); nodeErr != nil {
		err = fmt.Errorf("checkpoint: persist checkpoint tree nodes: %w", nodeErr)
		return domaincheckpoint.Checkpoint{}, err
	}

	_ = b.bus.Publish(ctx, eventbus.EventCheckpointEmitted, eventbus.Alert{
		Event: eventbus.EventCheckpointEmitted, Subject: chk.ID, Message: "checkpoint built", At: periodEnd,
	})
	return chk, nil
}

func (b *Builder) fail(ctx context.Context, buildErr error) {
	b.log.WithField("err", buildErr).Error("checkpoint build failed")
	_ = b.bus.Publish(ctx, eventbus.EventCheckpointFailed, eventbus.Alert{
		Event: eventbus.EventCheckpointFailed, Subject: "checkpoint-builder", Message: buildErr.Error(),
	})
}

// rankModels aggregates every non-virtual model's snapshots over [from, to]
// into a count-weighted average of Aggregation.ranking_key, then ranks
// descending by that average.
func (b *Builder) rankModels(ctx context.Context, from, to time.Time) ([]contract.RankedModel, error) {
	models, err := b.models.ListModels(ctx, false)
	if err != nil {
		return nil, err
	}
	snaps, err := b.scores.ListSnapshotsByPeriod(ctx, from, to)
	if err != nil {
		return nil, err
	}

	type agg struct {
		weightedSum float64
		count       int
	}
	byModel := make(map[string]*agg, len(models))
	for _, m := range models {
		byModel[m.ID] = &agg{}
	}
	for _, snap := range snaps {
		a, tracked := byModel[snap.ModelID]
		if !tracked {
			continue
		}
		value, present := snap.ResultSummary[b.cfg.RankingKey]
		f, isFloat := value.(float64)
		if !present || !isFloat {
			continue
		}
		a.weightedSum += f * float64(snap.PredictionCount)
		a.count += snap.PredictionCount
	}

	ranked := make([]contract.RankedModel, 0, len(models))
	for modelID, a := range byModel {
		if a.count == 0 {
			continue
		}
		ranked = append(ranked, contract.RankedModel{ModelID: modelID, Score: a.weightedSum / float64(a.count)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ModelID < ranked[j].ModelID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// verifySum enforces spec.md's invariant: the checkpoint transaction must
// abort rather than persist a payload whose reward fractions don't sum to
// exactly 1e9.
func verifySum(rewards map[string]int64) error {
	var sum int64
	for _, v := range rewards {
		sum += v
	}
	if sum != 1_000_000_000 {
		return fmt.Errorf("cruncher_rewards sum to %d, want 1_000_000_000", sum)
	}
	return nil
}

// toModelRewardEntries converts the cruncher reward map (keyed by model ID,
// produced by BuildEmission) into the external reward-entry shape.
func toModelRewardEntries(rewards map[string]int64) []domaincheckpoint.RewardEntry {
	ids := sortedKeys(rewards)
	out := make([]domaincheckpoint.RewardEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, domaincheckpoint.RewardEntry{ModelID: id, Frac64: rewards[id]})
	}
	return out
}

// toPubKeyRewardEntries converts the configured compute/data provider reward
// maps (keyed by pubkey, opaque to the core) into reward entries.
func toPubKeyRewardEntries(rewards map[string]int64) []domaincheckpoint.RewardEntry {
	keys := sortedKeys(rewards)
	out := make([]domaincheckpoint.RewardEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, domaincheckpoint.RewardEntry{PubKey: k, Frac64: rewards[k]})
	}
	return out
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
