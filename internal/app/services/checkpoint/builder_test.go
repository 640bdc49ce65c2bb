package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/memory"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

func newTestBuilder(t *testing.T, store *memory.Store, cfg Config) *Builder {
	t.Helper()
	registry := contract.NewRegistry()
	bus := eventbus.New()
	log := logger.NewDefault("checkpoint-test")
	return New(cfg, registry, store, store, store, bus, log, core.NoopObservationHooks)
}

func seedSnapshot(t *testing.T, store *memory.Store, modelID string, periodEnd time.Time, score float64, count int) {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpsertModel(ctx, domainscore.Model{ID: modelID, Name: modelID})
	require.NoError(t, err)
	_, err = store.UpsertSnapshot(ctx, domainscore.Snapshot{
		ModelID:         modelID,
		PeriodStart:     periodEnd.Add(-time.Hour),
		PeriodEnd:       periodEnd,
		PredictionCount: count,
		ResultSummary:   map[string]interface{}{"ic": score},
		ContentHash:     "deadbeef",
	})
	require.NoError(t, err)
}

// seedCycle creates a Cycle. The store stamps CreatedAt with the real
// current time, so cycles created in sequence are naturally ordered;
// ListCyclesSince/LatestCycle rely only on that relative ordering.
func seedCycle(t *testing.T, store *memory.Store, previous domainscore.Cycle, chainedRoot string) domainscore.Cycle {
	t.Helper()
	cycle, err := store.CreateCycle(context.Background(), domainscore.Cycle{
		PreviousCycleID:   previous.ID,
		PreviousCycleRoot: previous.ChainedRoot,
		SnapshotsRoot:     chainedRoot,
		ChainedRoot:       chainedRoot,
		SnapshotCount:     1,
	})
	require.NoError(t, err)
	return cycle
}

func TestBuildCheckpointAggregatesAndRanks(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()

	seedSnapshot(t, store, "model-a", now, 0.8, 10)
	seedSnapshot(t, store, "model-b", now, 0.5, 10)

	seedCycle(t, store, domainscore.Cycle{}, "aaaa")

	builder := newTestBuilder(t, store, Config{RankingKey: "ic"})
	chk, err := builder.BuildCheckpoint(context.Background(), now)
	require.NoError(t, err)
	require.NotEmpty(t, chk.ID)
	require.NotEmpty(t, chk.MerkleRoot)
	require.Equal(t, "PENDING", string(chk.Status))
}

func TestBuildCheckpointNoNewCyclesErrors(t *testing.T) {
	store := memory.New()
	builder := newTestBuilder(t, store, Config{RankingKey: "ic"})
	_, err := builder.BuildCheckpoint(context.Background(), time.Now().UTC())
	require.Error(t, err)
}

func TestBuildCheckpointOnlyFoldsCyclesSincePrevious(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	firstPeriodEnd := time.Now().UTC()
	seedSnapshot(t, store, "model-a", firstPeriodEnd, 0.8, 10)
	seedCycle(t, store, domainscore.Cycle{}, "aaaa")

	builder := newTestBuilder(t, store, Config{RankingKey: "ic"})
	first, err := builder.BuildCheckpoint(ctx, firstPeriodEnd)
	require.NoError(t, err)

	secondPeriodEnd := time.Now().UTC()
	seedSnapshot(t, store, "model-a", secondPeriodEnd, 0.9, 10)
	seedCycle(t, store, domainscore.Cycle{}, "bbbb")

	second, err := builder.BuildCheckpoint(ctx, secondPeriodEnd)
	require.NoError(t, err)
	require.True(t, second.PeriodStart.Equal(first.PeriodEnd))
	require.NotEqual(t, first.MerkleRoot, second.MerkleRoot)
}

func TestBuildCheckpointRewardsSumToFrac64Denominator(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()

	seedSnapshot(t, store, "model-a", now, 0.9, 10)
	seedSnapshot(t, store, "model-b", now, 0.5, 10)
	seedSnapshot(t, store, "model-c", now, 0.1, 10)
	seedCycle(t, store, domainscore.Cycle{}, "aaaa")

	builder := newTestBuilder(t, store, Config{
		RankingKey:             "ic",
		ComputeProviderRewards: map[string]int64{"pubkey-1": 1_000_000_000},
		CrunchPubKey:           "crunch-main",
	})
	chk, err := builder.BuildCheckpoint(context.Background(), now)
	require.NoError(t, err)

	var sum int64
	for _, r := range chk.EmissionPayload.CruncherRewards {
		sum += r.Frac64
	}
	require.Equal(t, int64(1_000_000_000), sum)
	require.Len(t, chk.EmissionPayload.ComputeProviderRewards, 1)
	require.Equal(t, "pubkey-1", chk.EmissionPayload.ComputeProviderRewards[0].PubKey)
}
