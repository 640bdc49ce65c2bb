package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) UpsertSnapshot(ctx context.Context, snap score.Snapshot) (score.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	resultSummary, err := json.Marshal(snap.ResultSummary)
	if err != nil {
		return score.Snapshot{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO snapshots (id, model_id, period_start, period_end, prediction_count, result_summary, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (model_id, period_end) DO NOTHING
	`, snap.ID, snap.ModelID, snap.PeriodStart, snap.PeriodEnd, snap.PredictionCount, resultSummary, snap.ContentHash)
	if err != nil {
		return score.Snapshot{}, err
	}
	row := s.exec(ctx).QueryRowContext(ctx, snapshotSelect+" WHERE model_id = $1 AND period_end = $2", snap.ModelID, snap.PeriodEnd)
	return scanSnapshot(row)
}

func scanSnapshot(r rowScanner) (score.Snapshot, error) {
	var snap score.Snapshot
	var resultSummary []byte
	if err := r.Scan(&snap.ID, &snap.ModelID, &snap.PeriodStart, &snap.PeriodEnd, &snap.PredictionCount, &resultSummary, &snap.ContentHash, &snap.CreatedAt); err != nil {
		return score.Snapshot{}, err
	}
	_ = json.Unmarshal(resultSummary, &snap.ResultSummary)
	return snap, nil
}

const snapshotSelect = `SELECT id, model_id, period_start, period_end, prediction_count, result_summary, content_hash, created_at FROM snapshots`

func (s *Store) GetSnapshot(ctx context.Context, id string) (score.Snapshot, error) {
	snap, err := scanSnapshot(s.exec(ctx).QueryRowContext(ctx, snapshotSelect+" WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return score.Snapshot{}, storage.ErrNotFound
	}
	return snap, err
}

func (s *Store) ListSnapshotsByPeriod(ctx context.Context, from, to time.Time) ([]score.Snapshot, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, snapshotSelect+` WHERE period_end BETWEEN $1 AND $2 ORDER BY model_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []score.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) LatestSnapshotByModel(ctx context.Context, modelID string) (score.Snapshot, error) {
	snap, err := scanSnapshot(s.exec(ctx).QueryRowContext(ctx,
		snapshotSelect+` WHERE model_id = $1 ORDER BY period_end DESC LIMIT 1`, modelID))
	if err == sql.ErrNoRows {
		return score.Snapshot{}, storage.ErrNotFound
	}
	return snap, err
}

func (s *Store) CreateCycle(ctx context.Context, cycle score.Cycle) (score.Cycle, error) {
	if cycle.ID == "" {
		cycle.ID = uuid.NewString()
	}
	var prevID, prevRoot interface{}
	if cycle.PreviousCycleID != "" {
		prevID, prevRoot = cycle.PreviousCycleID, cycle.PreviousCycleRoot
	}
	_, err := s.exec(ctx).ExecContext(ctx, `
		INSERT INTO merkle_cycles (id, previous_cycle_id, previous_cycle_root, snapshots_root, chained_root, snapshot_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cycle.ID, prevID, prevRoot, cycle.SnapshotsRoot, cycle.ChainedRoot, cycle.SnapshotCount)
	if err != nil {
		return score.Cycle{}, err
	}
	return s.GetCycle(ctx, cycle.ID)
}

func scanCycle(r rowScanner) (score.Cycle, error) {
	var c score.Cycle
	var prevID, prevRoot sql.NullString
	if err := r.Scan(&c.ID, &prevID, &prevRoot, &c.SnapshotsRoot, &c.ChainedRoot, &c.SnapshotCount, &c.CreatedAt); err != nil {
		return score.Cycle{}, err
	}
	c.PreviousCycleID = prevID.String
	c.PreviousCycleRoot = prevRoot.String
	return c, nil
}

const cycleSelect = `SELECT id, previous_cycle_id, previous_cycle_root, snapshots_root, chained_root, snapshot_count, created_at FROM merkle_cycles`

func (s *Store) LatestCycle(ctx context.Context) (score.Cycle, error) {
	c, err := scanCycle(s.exec(ctx).QueryRowContext(ctx, cycleSelect+` ORDER BY created_at DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return score.Cycle{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) ListCyclesSince(ctx context.Context, since time.Time) ([]score.Cycle, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, cycleSelect+` WHERE created_at > $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []score.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCycle(ctx context.Context, id string) (score.Cycle, error) {
	c, err := scanCycle(s.exec(ctx).QueryRowContext(ctx, cycleSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return score.Cycle{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) CreateNodes(ctx context.Context, nodes []score.Node) error {
	exec := s.exec(ctx)
	for _, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		var cycleID, checkpointID, leftChild, rightChild, snapshotID, snapshotHash interface{}
		if n.CycleID != "" {
			cycleID = n.CycleID
		}
		if n.CheckpointID != "" {
			checkpointID = n.CheckpointID
		}
		if n.LeftChild != "" {
			leftChild = n.LeftChild
		}
		if n.RightChild != "" {
			rightChild = n.RightChild
		}
		if n.SnapshotID != "" {
			snapshotID = n.SnapshotID
			snapshotHash = n.SnapshotContentHash
		}
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO merkle_nodes (id, cycle_id, checkpoint_id, level, position, hash, left_child, right_child, snapshot_id, snapshot_content_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, n.ID, cycleID, checkpointID, n.Level, n.Position, n.Hash, leftChild, rightChild, snapshotID, snapshotHash); err != nil {
			return err
		}
	}
	return nil
}

func scanNode(r rowScanner) (score.Node, error) {
	var n score.Node
	var cycleID, checkpointID, leftChild, rightChild, snapshotID, snapshotHash sql.NullString
	if err := r.Scan(&n.ID, &cycleID, &checkpointID, &n.Level, &n.Position, &n.Hash, &leftChild, &rightChild, &snapshotID, &snapshotHash); err != nil {
		return score.Node{}, err
	}
	n.CycleID, n.CheckpointID = cycleID.String, checkpointID.String
	n.LeftChild, n.RightChild = leftChild.String, rightChild.String
	n.SnapshotID, n.SnapshotContentHash = snapshotID.String, snapshotHash.String
	return n, nil
}

const nodeSelect = `SELECT id, cycle_id, checkpoint_id, level, position, hash, left_child, right_child, snapshot_id, snapshot_content_hash FROM merkle_nodes`

func (s *Store) listNodes(ctx context.Context, column, id string) ([]score.Node, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, nodeSelect+` WHERE `+column+` = $1 ORDER BY level, position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []score.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListNodesByCycle(ctx context.Context, cycleID string) ([]score.Node, error) {
	return s.listNodes(ctx, "cycle_id", cycleID)
}

func (s *Store) ListNodesByCheckpoint(ctx context.Context, checkpointID string) ([]score.Node, error) {
	return s.listNodes(ctx, "checkpoint_id", checkpointID)
}

func (s *Store) CreateLeaderboard(ctx context.Context, lb score.Leaderboard) (score.Leaderboard, error) {
	if lb.ID == "" {
		lb.ID = uuid.NewString()
	}
	entries, err := json.Marshal(lb.Entries)
	if err != nil {
		return score.Leaderboard{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO leaderboards (id, entries) VALUES ($1, $2)
	`, lb.ID, entries)
	if err != nil {
		return score.Leaderboard{}, err
	}
	return s.LatestLeaderboard(ctx)
}

func (s *Store) LatestLeaderboard(ctx context.Context) (score.Leaderboard, error) {
	var lb score.Leaderboard
	var entries []byte
	err := s.exec(ctx).QueryRowContext(ctx, `
		SELECT id, created_at, entries FROM leaderboards ORDER BY created_at DESC LIMIT 1
	`).Scan(&lb.ID, &lb.CreatedAt, &entries)
	if err == sql.ErrNoRows {
		return score.Leaderboard{}, storage.ErrNotFound
	}
	if err != nil {
		return score.Leaderboard{}, err
	}
	_ = json.Unmarshal(entries, &lb.Entries)
	return lb, nil
}
