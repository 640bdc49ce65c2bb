package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) UpsertModel(ctx context.Context, m score.Model) (score.Model, error) {
	scoresByScope, err := json.Marshal(m.ScoresByScope)
	if err != nil {
		return score.Model{}, err
	}
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return score.Model{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO models (id, name, deployment_id, owner_id, overall_score, scores_by_scope, meta, is_ensemble)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, deployment_id = EXCLUDED.deployment_id, owner_id = EXCLUDED.owner_id,
			overall_score = EXCLUDED.overall_score, scores_by_scope = EXCLUDED.scores_by_scope,
			meta = EXCLUDED.meta, is_ensemble = EXCLUDED.is_ensemble, updated_at = now()
	`, m.ID, m.Name, m.DeploymentID, m.OwnerID, m.OverallScore, scoresByScope, meta, m.IsEnsemble)
	if err != nil {
		return score.Model{}, err
	}
	return s.GetModel(ctx, m.ID)
}

func scanModel(r rowScanner) (score.Model, error) {
	var m score.Model
	var scoresByScope, meta []byte
	var overallScore sql.NullFloat64
	if err := r.Scan(&m.ID, &m.Name, &m.DeploymentID, &m.OwnerID, &overallScore, &scoresByScope, &meta, &m.IsEnsemble); err != nil {
		return score.Model{}, err
	}
	if overallScore.Valid {
		m.OverallScore = &overallScore.Float64
	}
	_ = json.Unmarshal(scoresByScope, &m.ScoresByScope)
	_ = json.Unmarshal(meta, &m.Meta)
	return m, nil
}

const modelSelect = `SELECT id, name, deployment_id, owner_id, overall_score, scores_by_scope, meta, is_ensemble FROM models`

func (s *Store) GetModel(ctx context.Context, id string) (score.Model, error) {
	m, err := scanModel(s.exec(ctx).QueryRowContext(ctx, modelSelect+" WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return score.Model{}, storage.ErrNotFound
	}
	return m, err
}

func (s *Store) ListModels(ctx context.Context, includeEnsembles bool) ([]score.Model, error) {
	query := modelSelect
	if !includeEnsembles {
		query += " WHERE is_ensemble = false"
	}
	rows, err := s.exec(ctx).QueryContext(ctx, query+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []score.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListLiveModels returns every registered non-ensemble model. Liveness itself is tracked
// by the predict runner's in-process registry, not persisted state.
func (s *Store) ListLiveModels(ctx context.Context) ([]score.Model, error) {
	return s.ListModels(ctx, false)
}
