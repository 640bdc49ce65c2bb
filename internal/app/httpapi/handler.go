// Package httpapi implements the coordinator's Reporting Surface: the
// read-mostly REST API external settlement, dashboards, and operators poll
// for leaderboards, snapshots, checkpoints, and Merkle inclusion proofs, plus
// the handful of auth-gated write endpoints that drive checkpoint
// settlement and backfill jobs.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/metrics"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/pkg/apierr"
	"github.com/crunchdao/coordinator-node-starter/pkg/auditlog"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
	"github.com/crunchdao/coordinator-node-starter/pkg/merkle"
)

// BackfillTrigger starts a backfill job for one feed scope; satisfied by
// *feed.Worker without importing it directly here.
type BackfillTrigger interface {
	TriggerBackfill(ctx context.Context, scope feed.Scope, start, end time.Time) (feed.BackfillJob, error)
}

// handler bundles the reporting endpoints over the storage boundary. It
// never depends on the service layer's scheduling internals, only the
// stores those services write to and the one backfill-trigger seam.
type handler struct {
	models       storage.ModelStore
	scores       storage.ScoreStore
	checkpoints  storage.CheckpointStore
	backfill     BackfillTrigger
	backfillRoot string
	log          *logger.Logger
	audit        *auditlog.Log
}

// NewHandler builds the reporting mux with an in-memory-only audit tail.
// backfillRoot mirrors the feed worker's configured BackfillRoot so
// /data/backfill can serve the same partitioned files the backfill runner
// wrote.
func NewHandler(models storage.ModelStore, scores storage.ScoreStore, checkpoints storage.CheckpointStore, backfill BackfillTrigger, backfillRoot string, log *logger.Logger) http.Handler {
	return NewHandlerWithAuditSink(models, scores, checkpoints, backfill, backfillRoot, "", log)
}

// NewHandlerWithAuditSink is NewHandler plus a durable JSONL mirror of the
// audit tail at auditLogPath (disabled when empty). Settlement-affecting
// writes (checkpoint confirm/status, backfill triggers) are recorded there
// and exposed in-memory at /reports/audit.
func NewHandlerWithAuditSink(models storage.ModelStore, scores storage.ScoreStore, checkpoints storage.CheckpointStore, backfill BackfillTrigger, backfillRoot string, auditLogPath string, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := auditlog.NewFileSink(auditLogPath)
	if err != nil {
		log.WithField("err", err).Warn("httpapi: audit log sink unavailable, continuing with in-memory tail only")
		sink = nil
	}
	h := &handler{
		models:       models,
		scores:       scores,
		checkpoints:  checkpoints,
		backfill:     backfill,
		backfillRoot: backfillRoot,
		log:          log,
		audit:        auditlog.New(500, sink),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/reports/leaderboard", h.leaderboard)
	mux.HandleFunc("/reports/models", h.models_)
	mux.HandleFunc("/reports/snapshots", h.snapshots)
	mux.HandleFunc("/reports/checkpoints", h.checkpointsList)
	mux.HandleFunc("/reports/checkpoints/", h.checkpointByID)
	mux.HandleFunc("/reports/merkle/cycles", h.merkleCycles)
	mux.HandleFunc("/reports/merkle/proof", h.merkleProof)
	mux.HandleFunc("/reports/backfill", h.triggerBackfill)
	mux.HandleFunc("/reports/audit", h.auditTail)
	mux.HandleFunc("/data/backfill/index", h.backfillIndex)
	mux.HandleFunc("/data/backfill/", h.backfillFile)
	mux.HandleFunc("/ws/leaderboard", h.leaderboardStream)
	return mux
}

// auditTail returns the most recent audit entries, newest last, bounded by
// ?limit= (default core.DefaultListLimit).
func (h *handler) auditTail(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeServiceError(w, apierr.InvalidInput("limit", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, h.audit.List(limit))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := h.scores.LatestLeaderboard(r.Context())
	if err != nil {
		writeStorageError(w, "leaderboard", err)
		return
	}
	if !getBoolQuery(r, "include_ensembles", true) {
		models, modelErr := h.models.ListModels(r.Context(), false)
		if modelErr != nil {
			writeStorageError(w, "models", modelErr)
			return
		}
		participants := make(map[string]struct{}, len(models))
		for _, m := range models {
			participants[m.ID] = struct{}{}
		}
		filtered := lb.Entries[:0:0]
		for _, e := range lb.Entries {
			if _, ok := participants[e.ModelID]; ok {
				filtered = append(filtered, e)
			}
		}
		lb.Entries = filtered
	}
	writeJSON(w, http.StatusOK, lb)
}

func (h *handler) models_(w http.ResponseWriter, r *http.Request) {
	includeEnsembles := getBoolQuery(r, "include_ensembles", true)
	models, err := h.models.ListModels(r.Context(), includeEnsembles)
	if err != nil {
		writeStorageError(w, "models", err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *handler) snapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	modelID := strings.TrimSpace(q.Get("model_id"))
	since, err := parseTimeQuery(q.Get("since"), time.Time{})
	if err != nil {
		writeServiceError(w, apierr.InvalidInput("since", err.Error()))
		return
	}
	until, err := parseTimeQuery(q.Get("until"), time.Now().UTC())
	if err != nil {
		writeServiceError(w, apierr.InvalidInput("until", err.Error()))
		return
	}
	limit, err := parseLimitParam(q.Get("limit"))
	if err != nil {
		writeServiceError(w, apierr.InvalidInput("limit", err.Error()))
		return
	}

	snaps, err := h.scores.ListSnapshotsByPeriod(r.Context(), since, until)
	if err != nil {
		writeStorageError(w, "snapshots", err)
		return
	}
	if modelID != "" {
		filtered := snaps[:0:0]
		for _, s := range snaps {
			if s.ModelID == modelID {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].PeriodEnd.After(snaps[j].PeriodEnd) })
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *handler) checkpointsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeServiceError(w, apierr.New(apierr.CodeInvalidInput, "method not allowed", http.StatusMethodNotAllowed))
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeServiceError(w, apierr.InvalidInput("limit", err.Error()))
		return
	}
	chks, err := h.checkpoints.ListCheckpoints(r.Context(), limit)
	if err != nil {
		writeStorageError(w, "checkpoints", err)
		return
	}
	writeJSON(w, http.StatusOK, chks)
}

// checkpointByID dispatches /reports/checkpoints/{id}, /{id}/emission,
// /{id}/confirm, and /{id}/status from a single prefix pattern; routes are
// registered as plain paths, without Go 1.22 method or wildcard patterns.
func (h *handler) checkpointByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/reports/checkpoints/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeServiceError(w, apierr.MissingParameter("id"))
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getCheckpoint(w, r, id)
	case action == "emission" && r.Method == http.MethodGet:
		h.checkpointEmission(w, r, id)
	case action == "confirm" && r.Method == http.MethodPost:
		h.confirmCheckpoint(w, r, id)
	case action == "status" && r.Method == http.MethodPatch:
		h.updateCheckpointStatus(w, r, id)
	default:
		writeServiceError(w, apierr.New(apierr.CodeInvalidInput, "unsupported checkpoint route", http.StatusNotFound))
	}
}

func (h *handler) getCheckpoint(w http.ResponseWriter, r *http.Request, id string) {
	chk, err := h.checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeStorageError(w, "checkpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, chk)
}

// externalRewardEntry translates the internal RewardEntry (keyed by model_id
// for audit legibility) into the external wire shape keyed by a stable
// cruncher_index, matching the settlement contract's integer-indexed
// payee list.
type externalRewardEntry struct {
	CruncherIndex int    `json:"cruncher_index,omitempty"`
	PubKey        string `json:"pub_key,omitempty"`
	RewardPct     int64  `json:"reward_pct"`
}

type externalEmissionPayload struct {
	Crunch                 string                `json:"crunch"`
	CruncherRewards        []externalRewardEntry `json:"cruncher_rewards"`
	ComputeProviderRewards []externalRewardEntry `json:"compute_provider_rewards"`
	DataProviderRewards    []externalRewardEntry `json:"data_provider_rewards"`
}

func toExternalPayload(p checkpoint.EmissionPayload) externalEmissionPayload {
	cruncher := make([]externalRewardEntry, len(p.CruncherRewards))
	for i, e := range p.CruncherRewards {
		cruncher[i] = externalRewardEntry{CruncherIndex: i, RewardPct: e.Frac64}
	}
	return externalEmissionPayload{
		Crunch:                 p.Crunch,
		CruncherRewards:        cruncher,
		ComputeProviderRewards: toExternalPubKeyEntries(p.ComputeProviderRewards),
		DataProviderRewards:    toExternalPubKeyEntries(p.DataProviderRewards),
	}
}

func toExternalPubKeyEntries(entries []checkpoint.RewardEntry) []externalRewardEntry {
	out := make([]externalRewardEntry, len(entries))
	for i, e := range entries {
		out[i] = externalRewardEntry{PubKey: e.PubKey, RewardPct: e.Frac64}
	}
	return out
}

func (h *handler) checkpointEmission(w http.ResponseWriter, r *http.Request, id string) {
	chk, err := h.checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeStorageError(w, "checkpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, toExternalPayload(chk.EmissionPayload))
}

func (h *handler) confirmCheckpoint(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.TxHash) == "" {
		writeServiceError(w, apierr.InvalidInput("tx_hash", "required"))
		return
	}

	chk, err := h.checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeStorageError(w, "checkpoint", err)
		return
	}
	if !checkpoint.CanTransition(chk.Status, checkpoint.StatusSubmitted) {
		writeServiceError(w, apierr.Conflict(fmt.Sprintf("cannot confirm checkpoint in status %s", chk.Status)))
		return
	}
	chk.Status = checkpoint.StatusSubmitted
	chk.TxHash = body.TxHash
	now := time.Now().UTC()
	chk.EmittedAt = &now

	updated, err := h.checkpoints.UpdateCheckpoint(r.Context(), chk)
	if err != nil {
		writeStorageError(w, "checkpoint", err)
		return
	}
	metrics.RecordCheckpointBuilt(string(updated.Status))
	h.audit.Record(auditlog.Entry{
		Actor:   actorFromContext(r.Context()),
		Action:  "checkpoint.confirm",
		Subject: id,
		Detail:  map[string]interface{}{"status": string(updated.Status), "tx_hash": updated.TxHash},
	})
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) updateCheckpointStatus(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeServiceError(w, apierr.InvalidInput("status", "invalid json body"))
		return
	}
	next := checkpoint.Status(strings.ToUpper(strings.TrimSpace(body.Status)))

	chk, err := h.checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeStorageError(w, "checkpoint", err)
		return
	}
	if !checkpoint.CanTransition(chk.Status, next) {
		writeServiceError(w, apierr.Conflict(fmt.Sprintf("cannot move checkpoint from %s to %s", chk.Status, next)))
		return
	}
	chk.Status = next

	updated, err := h.checkpoints.UpdateCheckpoint(r.Context(), chk)
	if err != nil {
		writeStorageError(w, "checkpoint", err)
		return
	}
	metrics.RecordCheckpointBuilt(string(updated.Status))
	h.audit.Record(auditlog.Entry{
		Actor:   actorFromContext(r.Context()),
		Action:  "checkpoint.status",
		Subject: id,
		Detail:  map[string]interface{}{"status": string(updated.Status)},
	})
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) merkleCycles(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimeQuery(r.URL.Query().Get("since"), time.Time{})
	if err != nil {
		writeServiceError(w, apierr.InvalidInput("since", err.Error()))
		return
	}
	cycles, err := h.scores.ListCyclesSince(r.Context(), since)
	if err != nil {
		writeStorageError(w, "cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

// merkleProof walks a snapshot's leaf hash through its cycle tree and
// returns that inclusion proof path. The path ends at the cycle root; it is
// not extended through the checkpoint tree, even when the cycle has been
// folded into a checkpoint.
func (h *handler) merkleProof(w http.ResponseWriter, r *http.Request) {
	snapshotID := strings.TrimSpace(r.URL.Query().Get("snapshot_id"))
	if snapshotID == "" {
		writeServiceError(w, apierr.MissingParameter("snapshot_id"))
		return
	}
	snap, err := h.scores.GetSnapshot(r.Context(), snapshotID)
	if err != nil {
		writeStorageError(w, "snapshot", err)
		return
	}

	cycles, err := h.scores.ListCyclesSince(r.Context(), time.Time{})
	if err != nil {
		writeStorageError(w, "cycles", err)
		return
	}

	var (
		cycleID, cycleRoot string
		nodes              []domainscore.Node
		found              bool
	)
	for i := range cycles {
		candidates, nodeErr := h.scores.ListNodesByCycle(r.Context(), cycles[i].ID)
		if nodeErr != nil {
			continue
		}
		for _, n := range candidates {
			if n.SnapshotID == snap.ID {
				cycleID, cycleRoot, nodes, found = cycles[i].ID, cycles[i].ChainedRoot, candidates, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		writeServiceError(w, apierr.NotFound("merkle-proof", snapshotID))
		return
	}

	leaves, index, err := leafHashesFromNodes(nodes, snap.ID)
	if err != nil {
		writeServiceError(w, apierr.Internal("rebuild cycle tree", err))
		return
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		writeServiceError(w, apierr.Internal("rebuild cycle tree", err))
		return
	}
	steps, err := tree.Proof(index)
	if err != nil {
		writeServiceError(w, apierr.Internal("build proof", err))
		return
	}

	proof := domainscore.Proof{
		SnapshotContentHash: snap.ContentHash,
		CycleID:             cycleID,
		CycleRoot:           cycleRoot,
		Path:                toProofSteps(steps),
	}
	writeJSON(w, http.StatusOK, proof)
}

func (h *handler) triggerBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeServiceError(w, apierr.New(apierr.CodeInvalidInput, "method not allowed", http.StatusMethodNotAllowed))
		return
	}
	var body struct {
		Scope feed.Scope `json:"scope"`
		Start time.Time  `json:"start"`
		End   time.Time  `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeServiceError(w, apierr.InvalidInput("body", "invalid json"))
		return
	}
	if h.backfill == nil {
		writeServiceError(w, apierr.New(apierr.CodeInvalidInput, "backfill not configured", http.StatusServiceUnavailable))
		return
	}
	job, err := h.backfill.TriggerBackfill(r.Context(), body.Scope, body.Start, body.End)
	if err != nil {
		writeServiceError(w, apierr.Conflict(err.Error()))
		return
	}
	h.audit.Record(auditlog.Entry{
		Actor:   actorFromContext(r.Context()),
		Action:  "backfill.trigger",
		Subject: job.ID,
		Detail:  map[string]interface{}{"source": body.Scope.Source, "subject": body.Scope.Subject},
	})
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handler) backfillIndex(w http.ResponseWriter, r *http.Request) {
	root := h.backfillRoot
	if root == "" {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	var files []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	writeJSON(w, http.StatusOK, files)
}

// backfillFile serves one partition file. The scope+file path segment is
// cleaned and re-joined under the configured root so a crafted "../" cannot
// escape the backfill directory.
func (h *handler) backfillFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/data/backfill/")
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(h.backfillRoot, clean)
	if !strings.HasPrefix(full, filepath.Clean(h.backfillRoot)+string(os.PathSeparator)) {
		writeServiceError(w, apierr.New(apierr.CodeInvalidInput, "invalid path", http.StatusBadRequest))
		return
	}
	http.ServeFile(w, r, full)
}

func getBoolQuery(r *http.Request, key string, fallback bool) bool {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseTimeQuery(v string, fallback time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or unix seconds, got %q", v)
}

func parseLimitParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return core.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return core.ClampLimit(n, core.DefaultListLimit, core.MaxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeServiceError(w http.ResponseWriter, err *apierr.ServiceError) {
	writeJSON(w, err.HTTPStatus, map[string]interface{}{"error": map[string]interface{}{
		"code": err.Code, "message": err.Message, "details": err.Details,
	}})
}

func writeStorageError(w http.ResponseWriter, resource string, err error) {
	if err == storage.ErrNotFound {
		writeServiceError(w, apierr.NotFound(resource, ""))
		return
	}
	writeServiceError(w, apierr.Database(resource, err))
}
