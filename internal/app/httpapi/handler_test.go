package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domaincheckpoint "github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/memory"
	"github.com/crunchdao/coordinator-node-starter/pkg/auditlog"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
	"github.com/crunchdao/coordinator-node-starter/pkg/merkle"
)

func newTestHandler(t *testing.T, store *memory.Store) http.Handler {
	t.Helper()
	return NewHandler(store, store, store, nil, "", logger.NewDefault("httpapi-test"))
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, memory.New())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaderboardReturnsLatest(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.CreateLeaderboard(ctx, domainscore.Leaderboard{
		Entries: []domainscore.LeaderboardEntry{{Rank: 1, ModelID: "model-a", Score: 0.9}},
	})
	require.NoError(t, err)

	h := newTestHandler(t, store)
	req := httptest.NewRequest(http.MethodGet, "/reports/leaderboard", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var lb domainscore.Leaderboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lb))
	require.Len(t, lb.Entries, 1)
	require.Equal(t, "model-a", lb.Entries[0].ModelID)
}

func TestCheckpointEmissionTranslatesToExternalShape(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	chk, err := store.CreateCheckpoint(ctx, domaincheckpoint.Checkpoint{
		PeriodStart: time.Now().Add(-time.Hour).UTC(),
		PeriodEnd:   time.Now().UTC(),
		MerkleRoot:  "deadbeef",
		Status:      domaincheckpoint.StatusPending,
		EmissionPayload: domaincheckpoint.EmissionPayload{
			Crunch: "crunch-main",
			CruncherRewards: []domaincheckpoint.RewardEntry{
				{ModelID: "model-a", Frac64: 600_000_000},
				{ModelID: "model-b", Frac64: 400_000_000},
			},
		},
	})
	require.NoError(t, err)

	h := newTestHandler(t, store)
	req := httptest.NewRequest(http.MethodGet, "/reports/checkpoints/"+chk.ID+"/emission", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload externalEmissionPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.CruncherRewards, 2)
	require.Equal(t, 0, payload.CruncherRewards[0].CruncherIndex)
	require.Equal(t, int64(600_000_000), payload.CruncherRewards[0].RewardPct)
	require.Equal(t, 1, payload.CruncherRewards[1].CruncherIndex)
}

func TestConfirmCheckpointAdvancesStatus(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	chk, err := store.CreateCheckpoint(ctx, domaincheckpoint.Checkpoint{Status: domaincheckpoint.StatusPending})
	require.NoError(t, err)

	h := newTestHandler(t, store)
	body, err := json.Marshal(map[string]string{"tx_hash": "0xabc"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/reports/checkpoints/"+chk.ID+"/confirm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated domaincheckpoint.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, domaincheckpoint.StatusSubmitted, updated.Status)
	require.Equal(t, "0xabc", updated.TxHash)
}

func TestConfirmCheckpointRecordsAuditEntry(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	chk, err := store.CreateCheckpoint(ctx, domaincheckpoint.Checkpoint{Status: domaincheckpoint.StatusPending})
	require.NoError(t, err)

	h := newTestHandler(t, store)
	body, err := json.Marshal(map[string]string{"tx_hash": "0xabc"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/reports/checkpoints/"+chk.ID+"/confirm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	auditReq := httptest.NewRequest(http.MethodGet, "/reports/audit", nil)
	auditRec := httptest.NewRecorder()
	h.ServeHTTP(auditRec, auditReq)
	require.Equal(t, http.StatusOK, auditRec.Code)

	var entries []auditlog.Entry
	require.NoError(t, json.Unmarshal(auditRec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "checkpoint.confirm", entries[0].Action)
	require.Equal(t, chk.ID, entries[0].Subject)
	require.Equal(t, "anonymous", entries[0].Actor)
}

func TestMerkleProofRoundTripsThroughBuiltTree(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	leafContents := []string{"hash-a", "hash-b", "hash-c"}
	leaves := make([][]byte, len(leafContents))
	for i, c := range leafContents {
		leaves[i] = merkle.LeafHash([]byte(c))
	}
	tree, err := merkle.Build(leaves)
	require.NoError(t, err)

	snap, err := store.UpsertSnapshot(ctx, domainscore.Snapshot{
		ModelID: "model-a", PeriodEnd: time.Now().UTC(), ContentHash: leafContents[1],
	})
	require.NoError(t, err)

	cycle, err := store.CreateCycle(ctx, domainscore.Cycle{ChainedRoot: "feed-root"})
	require.NoError(t, err)

	nodes := make([]domainscore.Node, 0)
	for _, level := range tree.Levels {
		for _, n := range level {
			node := domainscore.Node{CycleID: cycle.ID, Level: n.Level, Position: n.Position, Hash: hex.EncodeToString(n.Hash)}
			if n.Level == 0 && n.Position == 1 {
				node.SnapshotID = snap.ID
				node.SnapshotContentHash = snap.ContentHash
			}
			nodes = append(nodes, node)
		}
	}
	require.NoError(t, store.CreateNodes(ctx, nodes))

	h := newTestHandler(t, store)
	req := httptest.NewRequest(http.MethodGet, "/reports/merkle/proof?snapshot_id="+snap.ID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var proof domainscore.Proof
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proof))
	require.Equal(t, cycle.ID, proof.CycleID)
	require.NotEmpty(t, proof.Path)
}
