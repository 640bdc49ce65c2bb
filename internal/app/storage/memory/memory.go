// Package memory is a thread-safe in-memory implementation of the storage
// interfaces, used for tests and as the coordinator's default store when no
// Postgres DSN is configured.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
)

// Store is a single in-memory backing for every storage interface the
// application wires. Each domain's state lives in its own map guarded by one
// RWMutex; the store is small enough that finer-grained locking isn't worth
// the complexity.
type Store struct {
	mu sync.RWMutex

	feedRecords     map[string]feed.Record
	watermarks      map[string]feed.IngestionState
	backfillJobs    map[string]feed.BackfillJob

	configs     map[string]predict.ScheduledPredictionConfig
	inputs      map[string]predict.Input
	predictions map[string]predict.Prediction

	models map[string]score.Model

	snapshots map[string]score.Snapshot
	cycles    map[string]score.Cycle
	nodes     map[string][]score.Node // keyed by cycleID or checkpointID
	leaderboards []score.Leaderboard

	checkpoints map[string]checkpoint.Checkpoint
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		feedRecords:  make(map[string]feed.Record),
		watermarks:   make(map[string]feed.IngestionState),
		backfillJobs: make(map[string]feed.BackfillJob),
		configs:      make(map[string]predict.ScheduledPredictionConfig),
		inputs:       make(map[string]predict.Input),
		predictions:  make(map[string]predict.Prediction),
		models:       make(map[string]score.Model),
		snapshots:    make(map[string]score.Snapshot),
		cycles:       make(map[string]score.Cycle),
		nodes:        make(map[string][]score.Node),
		checkpoints:  make(map[string]checkpoint.Checkpoint),
	}
}

// WithTx invokes fn directly. The in-memory store has no partial-write state
// to roll back — each entity method is already atomic under its own lock —
// so this exists only to satisfy storage.Transactor for callers that compose
// several store calls into one logical unit (e.g. Phase F's cycle commit).
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newID() string {
	return uuid.NewString()
}
