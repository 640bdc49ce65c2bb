package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) CreateCheckpoint(ctx context.Context, chk checkpoint.Checkpoint) (checkpoint.Checkpoint, error) {
	if chk.ID == "" {
		chk.ID = uuid.NewString()
	}
	if chk.Status == "" {
		chk.Status = checkpoint.StatusPending
	}
	emission, err := json.Marshal(chk.EmissionPayload)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO checkpoints (id, period_start, period_end, merkle_root, emission_payload, status, tx_hash, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, chk.ID, chk.PeriodStart, chk.PeriodEnd, chk.MerkleRoot, emission, chk.Status, chk.TxHash, chk.EmittedAt)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return s.GetCheckpoint(ctx, chk.ID)
}

// UpdateCheckpoint applies a status transition. The update is rejected at the
// SQL level (zero rows affected) unless the new status is legal for the
// stored one, keeping the monotonic one-way guarantee enforceable even under
// concurrent writers.
func (s *Store) UpdateCheckpoint(ctx context.Context, chk checkpoint.Checkpoint) (checkpoint.Checkpoint, error) {
	existing, err := s.GetCheckpoint(ctx, chk.ID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if existing.Status != chk.Status && !checkpoint.CanTransition(existing.Status, chk.Status) {
		return checkpoint.Checkpoint{}, storage.ErrInvalidTransition
	}

	result, err := s.exec(ctx).ExecContext(ctx, `
		UPDATE checkpoints SET status = $2, tx_hash = $3, emitted_at = $4
		WHERE id = $1 AND status = $5
	`, chk.ID, chk.Status, chk.TxHash, chk.EmittedAt, existing.Status)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return checkpoint.Checkpoint{}, storage.ErrInvalidTransition
	}
	return s.GetCheckpoint(ctx, chk.ID)
}

func scanCheckpoint(r rowScanner) (checkpoint.Checkpoint, error) {
	var c checkpoint.Checkpoint
	var emission []byte
	var txHash sql.NullString
	var emittedAt sql.NullTime
	if err := r.Scan(&c.ID, &c.PeriodStart, &c.PeriodEnd, &c.MerkleRoot, &emission, &c.Status, &txHash, &c.CreatedAt, &emittedAt); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	_ = json.Unmarshal(emission, &c.EmissionPayload)
	c.TxHash = txHash.String
	if emittedAt.Valid {
		c.EmittedAt = &emittedAt.Time
	}
	return c, nil
}

const checkpointSelect = `SELECT id, period_start, period_end, merkle_root, emission_payload, status, tx_hash, created_at, emitted_at FROM checkpoints`

func (s *Store) GetCheckpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	c, err := scanCheckpoint(s.exec(ctx).QueryRowContext(ctx, checkpointSelect+" WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return checkpoint.Checkpoint{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) LatestCheckpoint(ctx context.Context) (checkpoint.Checkpoint, error) {
	c, err := scanCheckpoint(s.exec(ctx).QueryRowContext(ctx, checkpointSelect+" ORDER BY period_end DESC LIMIT 1"))
	if err == sql.ErrNoRows {
		return checkpoint.Checkpoint{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]checkpoint.Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.exec(ctx).QueryContext(ctx, checkpointSelect+" ORDER BY period_end DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
