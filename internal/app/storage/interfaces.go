// Package storage defines the persistence boundary for every domain
// entity. Each store interface groups the CRUD operations one component
// needs; concrete implementations live in storage/memory (tests, local
// defaults) and storage/postgres (production).
package storage

import (
	"context"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
)

// Transactor acquires a scoped transaction for multi-entity commits (e.g.
// Phase F's Snapshot + MerkleCycle + MerkleNode commit). fn's error aborts
// the transaction; a nil return commits it.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// FeedStore persists the observation tape and ingestion watermarks.
type FeedStore interface {
	// UpsertRecords inserts records, preferring the existing row on conflict
	// (idempotent replay per the unique scope+ts_event key).
	UpsertRecords(ctx context.Context, records []feed.Record) error
	ListRecords(ctx context.Context, scope feed.Scope, from, to time.Time, limit int) ([]feed.Record, error)

	Watermark(ctx context.Context, scope feed.Scope) (time.Time, error)
	AdvanceWatermark(ctx context.Context, scope feed.Scope, watermark time.Time) error

	CreateBackfillJob(ctx context.Context, job feed.BackfillJob) (feed.BackfillJob, error)
	UpdateBackfillJob(ctx context.Context, job feed.BackfillJob) (feed.BackfillJob, error)
	GetBackfillJob(ctx context.Context, id string) (feed.BackfillJob, error)
	ListBackfillJobs(ctx context.Context, limit int) ([]feed.BackfillJob, error)
	// CountRunningBackfillJobs backs admission control: at most one job may
	// be BackfillRunning system-wide.
	CountRunningBackfillJobs(ctx context.Context) (int, error)
}

// PredictStore persists schedules, inputs, and predictions.
type PredictStore interface {
	Transactor

	ListActiveConfigs(ctx context.Context) ([]predict.ScheduledPredictionConfig, error)
	GetConfig(ctx context.Context, id string) (predict.ScheduledPredictionConfig, error)
	UpsertConfig(ctx context.Context, cfg predict.ScheduledPredictionConfig) (predict.ScheduledPredictionConfig, error)

	CreateInput(ctx context.Context, in predict.Input) (predict.Input, error)
	GetInput(ctx context.Context, id string) (predict.Input, error)
	UpdateInput(ctx context.Context, in predict.Input) (predict.Input, error)
	ListResolvableInputs(ctx context.Context, now time.Time, limit int) ([]predict.Input, error)
	ListStaleReceivedInputs(ctx context.Context, olderThan time.Time, limit int) ([]predict.Input, error)

	// CreatePrediction upserts keyed by (model_id, input_id) so a retried
	// tick after partial commit never double-inserts.
	CreatePrediction(ctx context.Context, p predict.Prediction) (predict.Prediction, error)
	UpdatePrediction(ctx context.Context, p predict.Prediction) (predict.Prediction, error)
	ListPendingScorablePredictions(ctx context.Context, limit int) ([]predict.Prediction, error)
	ListPredictionsByInput(ctx context.Context, inputID string) ([]predict.Prediction, error)
	ListPredictionsByModel(ctx context.Context, modelID string, from, to time.Time) ([]predict.Prediction, error)
}

// ModelStore persists participant and ensemble model records.
type ModelStore interface {
	UpsertModel(ctx context.Context, m score.Model) (score.Model, error)
	GetModel(ctx context.Context, id string) (score.Model, error)
	ListModels(ctx context.Context, includeEnsembles bool) ([]score.Model, error)
	ListLiveModels(ctx context.Context) ([]score.Model, error)
}

// ScoreStore persists snapshots, the Merkle cycle chain, and leaderboards.
type ScoreStore interface {
	Transactor

	// UpsertSnapshot is keyed by (model_id, period_end); a retried tick after
	// partial commit is a no-op on the already-written snapshot.
	UpsertSnapshot(ctx context.Context, snap score.Snapshot) (score.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (score.Snapshot, error)
	ListSnapshotsByPeriod(ctx context.Context, from, to time.Time) ([]score.Snapshot, error)
	LatestSnapshotByModel(ctx context.Context, modelID string) (score.Snapshot, error)

	CreateCycle(ctx context.Context, cycle score.Cycle) (score.Cycle, error)
	LatestCycle(ctx context.Context) (score.Cycle, error)
	ListCyclesSince(ctx context.Context, since time.Time) ([]score.Cycle, error)
	GetCycle(ctx context.Context, id string) (score.Cycle, error)

	CreateNodes(ctx context.Context, nodes []score.Node) error
	ListNodesByCycle(ctx context.Context, cycleID string) ([]score.Node, error)
	ListNodesByCheckpoint(ctx context.Context, checkpointID string) ([]score.Node, error)

	CreateLeaderboard(ctx context.Context, lb score.Leaderboard) (score.Leaderboard, error)
	LatestLeaderboard(ctx context.Context) (score.Leaderboard, error)
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, chk checkpoint.Checkpoint) (checkpoint.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, chk checkpoint.Checkpoint) (checkpoint.Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error)
	LatestCheckpoint(ctx context.Context) (checkpoint.Checkpoint, error)
	ListCheckpoints(ctx context.Context, limit int) ([]checkpoint.Checkpoint, error)
}

// ErrNotFound is returned by Get*/Latest* methods when no matching row exists.
var ErrNotFound = errSentinel("storage: not found")

// ErrInvalidTransition is returned when an update would violate a status
// machine's monotonic, one-way transition rules (e.g. Checkpoint.Status).
var ErrInvalidTransition = errSentinel("storage: invalid status transition")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
