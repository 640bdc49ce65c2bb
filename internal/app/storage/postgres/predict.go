package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) ListActiveConfigs(ctx context.Context) ([]predict.ScheduledPredictionConfig, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `
		SELECT id, scope_key, scope_template, schedule, active, ordering, resolve_after_seconds, created_at, updated_at
		FROM scheduled_prediction_configs
		WHERE active = true
		ORDER BY ordering
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []predict.ScheduledPredictionConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(r rowScanner) (predict.ScheduledPredictionConfig, error) {
	var cfg predict.ScheduledPredictionConfig
	var scopeTemplate, schedule []byte
	if err := r.Scan(&cfg.ID, &cfg.ScopeKey, &scopeTemplate, &schedule, &cfg.Active, &cfg.Order, &cfg.ResolveAfterSeconds, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return predict.ScheduledPredictionConfig{}, err
	}
	_ = json.Unmarshal(scopeTemplate, &cfg.ScopeTemplate)
	_ = json.Unmarshal(schedule, &cfg.Schedule)
	return cfg, nil
}

func (s *Store) GetConfig(ctx context.Context, id string) (predict.ScheduledPredictionConfig, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `
		SELECT id, scope_key, scope_template, schedule, active, ordering, resolve_after_seconds, created_at, updated_at
		FROM scheduled_prediction_configs WHERE id = $1
	`, id)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return predict.ScheduledPredictionConfig{}, storage.ErrNotFound
	}
	return cfg, err
}

func (s *Store) UpsertConfig(ctx context.Context, cfg predict.ScheduledPredictionConfig) (predict.ScheduledPredictionConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	scopeTemplate, err := json.Marshal(cfg.ScopeTemplate)
	if err != nil {
		return predict.ScheduledPredictionConfig{}, err
	}
	schedule, err := json.Marshal(cfg.Schedule)
	if err != nil {
		return predict.ScheduledPredictionConfig{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO scheduled_prediction_configs
			(id, scope_key, scope_template, schedule, active, ordering, resolve_after_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			scope_key = EXCLUDED.scope_key, scope_template = EXCLUDED.scope_template,
			schedule = EXCLUDED.schedule, active = EXCLUDED.active,
			ordering = EXCLUDED.ordering, resolve_after_seconds = EXCLUDED.resolve_after_seconds,
			updated_at = now()
	`, cfg.ID, cfg.ScopeKey, scopeTemplate, schedule, cfg.Active, cfg.Order, cfg.ResolveAfterSeconds)
	if err != nil {
		return predict.ScheduledPredictionConfig{}, err
	}
	return s.GetConfig(ctx, cfg.ID)
}

func (s *Store) CreateInput(ctx context.Context, in predict.Input) (predict.Input, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = predict.InputReceived
	}
	scope, err := json.Marshal(in.Scope)
	if err != nil {
		return predict.Input{}, err
	}
	raw, err := json.Marshal(in.RawInputPayload)
	if err != nil {
		return predict.Input{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO inputs (id, config_id, scope, raw_input_payload, performed_at, resolvable_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, in.ID, in.ConfigID, scope, raw, in.PerformedAt, in.ResolvableAt, in.Status)
	if err != nil {
		return predict.Input{}, err
	}
	return s.GetInput(ctx, in.ID)
}

func scanInput(r rowScanner) (predict.Input, error) {
	var in predict.Input
	var scope, raw, actuals []byte
	if err := r.Scan(&in.ID, &in.ConfigID, &scope, &raw, &in.PerformedAt, &in.ResolvableAt, &actuals, &in.Status, &in.CreatedAt); err != nil {
		return predict.Input{}, err
	}
	_ = json.Unmarshal(scope, &in.Scope)
	_ = json.Unmarshal(raw, &in.RawInputPayload)
	if len(actuals) > 0 {
		_ = json.Unmarshal(actuals, &in.Actuals)
	}
	return in, nil
}

const inputSelect = `SELECT id, config_id, scope, raw_input_payload, performed_at, resolvable_at, actuals, status, created_at FROM inputs`

func (s *Store) GetInput(ctx context.Context, id string) (predict.Input, error) {
	in, err := scanInput(s.exec(ctx).QueryRowContext(ctx, inputSelect+" WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return predict.Input{}, storage.ErrNotFound
	}
	return in, err
}

func (s *Store) UpdateInput(ctx context.Context, in predict.Input) (predict.Input, error) {
	actuals, err := json.Marshal(in.Actuals)
	if err != nil {
		return predict.Input{}, err
	}
	result, err := s.exec(ctx).ExecContext(ctx, `
		UPDATE inputs SET actuals = $2, status = $3 WHERE id = $1
	`, in.ID, actuals, in.Status)
	if err != nil {
		return predict.Input{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return predict.Input{}, storage.ErrNotFound
	}
	return s.GetInput(ctx, in.ID)
}

func (s *Store) queryInputs(ctx context.Context, query string, args ...interface{}) ([]predict.Input, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []predict.Input
	for rows.Next() {
		in, err := scanInput(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) ListResolvableInputs(ctx context.Context, now time.Time, limit int) ([]predict.Input, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryInputs(ctx, inputSelect+`
		WHERE status = $1 AND resolvable_at <= $2 ORDER BY resolvable_at LIMIT $3
	`, predict.InputReceived, now, limit)
}

func (s *Store) ListStaleReceivedInputs(ctx context.Context, olderThan time.Time, limit int) ([]predict.Input, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryInputs(ctx, inputSelect+`
		WHERE status = $1 AND resolvable_at < $2 ORDER BY resolvable_at LIMIT $3
	`, predict.InputReceived, olderThan, limit)
}

func scanPrediction(r rowScanner) (predict.Prediction, error) {
	var p predict.Prediction
	var scope, output, extra, meta []byte
	var scoreValue sql.NullFloat64
	var scoreSuccess sql.NullBool
	var scoreReason sql.NullString
	if err := r.Scan(&p.ID, &p.ModelID, &p.InputID, &p.ConfigID, &scope, &output, &p.ExecTimeUS, &p.Status,
		&scoreValue, &scoreSuccess, &scoreReason, &extra, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return predict.Prediction{}, err
	}
	_ = json.Unmarshal(scope, &p.Scope)
	if len(output) > 0 {
		_ = json.Unmarshal(output, &p.InferenceOutput)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &p.Meta)
	}
	if scoreValue.Valid {
		p.Score = &predict.Score{Value: scoreValue.Float64, Success: scoreSuccess.Bool, FailedReason: scoreReason.String}
		if len(extra) > 0 {
			_ = json.Unmarshal(extra, &p.Score.Extra)
		}
	}
	return p, nil
}

const predictionSelect = `
	SELECT id, model_id, input_id, config_id, scope, inference_output, exec_time_us, status,
	       score_value, score_success, score_failed_reason, score_extra, meta, created_at, updated_at
	FROM predictions`

func (s *Store) CreatePrediction(ctx context.Context, p predict.Prediction) (predict.Prediction, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	scope, err := json.Marshal(p.Scope)
	if err != nil {
		return predict.Prediction{}, err
	}
	output, err := json.Marshal(p.InferenceOutput)
	if err != nil {
		return predict.Prediction{}, err
	}
	meta, err := json.Marshal(p.Meta)
	if err != nil {
		return predict.Prediction{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO predictions (id, model_id, input_id, config_id, scope, inference_output, exec_time_us, status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (model_id, input_id) DO NOTHING
	`, p.ID, p.ModelID, p.InputID, p.ConfigID, scope, output, p.ExecTimeUS, p.Status, meta)
	if err != nil {
		return predict.Prediction{}, err
	}
	row := s.exec(ctx).QueryRowContext(ctx, predictionSelect+" WHERE model_id = $1 AND input_id = $2", p.ModelID, p.InputID)
	return scanPrediction(row)
}

func (s *Store) UpdatePrediction(ctx context.Context, p predict.Prediction) (predict.Prediction, error) {
	var scoreValue sql.NullFloat64
	var scoreSuccess sql.NullBool
	var scoreReason sql.NullString
	var extra []byte
	if p.Score != nil {
		scoreValue = sql.NullFloat64{Float64: p.Score.Value, Valid: true}
		scoreSuccess = sql.NullBool{Bool: p.Score.Success, Valid: true}
		scoreReason = sql.NullString{String: p.Score.FailedReason, Valid: p.Score.FailedReason != ""}
		extra, _ = json.Marshal(p.Score.Extra)
	}
	output, err := json.Marshal(p.InferenceOutput)
	if err != nil {
		return predict.Prediction{}, err
	}
	result, err := s.exec(ctx).ExecContext(ctx, `
		UPDATE predictions
		SET inference_output = $2, exec_time_us = $3, status = $4,
		    score_value = $5, score_success = $6, score_failed_reason = $7, score_extra = $8,
		    updated_at = now()
		WHERE id = $1
	`, p.ID, output, p.ExecTimeUS, p.Status, scoreValue, scoreSuccess, scoreReason, extra)
	if err != nil {
		return predict.Prediction{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return predict.Prediction{}, storage.ErrNotFound
	}
	row := s.exec(ctx).QueryRowContext(ctx, predictionSelect+" WHERE id = $1", p.ID)
	return scanPrediction(row)
}

func (s *Store) queryPredictions(ctx context.Context, query string, args ...interface{}) ([]predict.Prediction, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []predict.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingScorablePredictions(ctx context.Context, limit int) ([]predict.Prediction, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryPredictions(ctx, predictionSelect+`
		WHERE status = $1 AND input_id IN (SELECT id FROM inputs WHERE status = $2)
		ORDER BY created_at LIMIT $3
	`, predict.PredictionPending, predict.InputResolved, limit)
}

func (s *Store) ListPredictionsByInput(ctx context.Context, inputID string) ([]predict.Prediction, error) {
	return s.queryPredictions(ctx, predictionSelect+` WHERE input_id = $1 ORDER BY model_id`, inputID)
}

func (s *Store) ListPredictionsByModel(ctx context.Context, modelID string, from, to time.Time) ([]predict.Prediction, error) {
	return s.queryPredictions(ctx, predictionSelect+`
		WHERE model_id = $1 AND created_at BETWEEN $2 AND $3 ORDER BY created_at
	`, modelID, from, to)
}
