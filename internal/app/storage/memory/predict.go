package memory

import (
	"context"
	"sort"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) ListActiveConfigs(_ context.Context) ([]predict.ScheduledPredictionConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []predict.ScheduledPredictionConfig
	for _, c := range s.configs {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) GetConfig(_ context.Context, id string) (predict.ScheduledPredictionConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.configs[id]
	if !ok {
		return predict.ScheduledPredictionConfig{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpsertConfig(_ context.Context, cfg predict.ScheduledPredictionConfig) (predict.ScheduledPredictionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = newID()
		cfg.CreatedAt = now
	} else if existing, ok := s.configs[cfg.ID]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	s.configs[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) CreateInput(_ context.Context, in predict.Input) (predict.Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		in.ID = newID()
	}
	in.CreatedAt = time.Now().UTC()
	if in.Status == "" {
		in.Status = predict.InputReceived
	}
	s.inputs[in.ID] = in
	return in, nil
}

func (s *Store) GetInput(_ context.Context, id string) (predict.Input, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.inputs[id]
	if !ok {
		return predict.Input{}, storage.ErrNotFound
	}
	return in, nil
}

func (s *Store) UpdateInput(_ context.Context, in predict.Input) (predict.Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.inputs[in.ID]
	if !ok {
		return predict.Input{}, storage.ErrNotFound
	}
	in.CreatedAt = existing.CreatedAt
	s.inputs[in.ID] = in
	return in, nil
}

func (s *Store) ListResolvableInputs(_ context.Context, now time.Time, limit int) ([]predict.Input, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []predict.Input
	for _, in := range s.inputs {
		if in.Status == predict.InputReceived && !in.ResolvableAt.After(now) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvableAt.Before(out[j].ResolvableAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStaleReceivedInputs(_ context.Context, olderThan time.Time, limit int) ([]predict.Input, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []predict.Input
	for _, in := range s.inputs {
		if in.Status == predict.InputReceived && in.ResolvableAt.Before(olderThan) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvableAt.Before(out[j].ResolvableAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func predictionKey(modelID, inputID string) string { return modelID + "|" + inputID }

func (s *Store) CreatePrediction(_ context.Context, p predict.Prediction) (predict.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := predictionKey(p.ModelID, p.InputID)
	for _, existing := range s.predictions {
		if predictionKey(existing.ModelID, existing.InputID) == key {
			return existing, nil // upsert-on-not-exists
		}
	}
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.predictions[p.ID] = p
	return p, nil
}

func (s *Store) UpdatePrediction(_ context.Context, p predict.Prediction) (predict.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.predictions[p.ID]
	if !ok {
		return predict.Prediction{}, storage.ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.predictions[p.ID] = p
	return p, nil
}

func (s *Store) ListPendingScorablePredictions(_ context.Context, limit int) ([]predict.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []predict.Prediction
	for _, p := range s.predictions {
		if p.Status != predict.PredictionPending {
			continue
		}
		in, ok := s.inputs[p.InputID]
		if !ok || in.Status != predict.InputResolved {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPredictionsByInput(_ context.Context, inputID string) ([]predict.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []predict.Prediction
	for _, p := range s.predictions {
		if p.InputID == inputID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *Store) ListPredictionsByModel(_ context.Context, modelID string, from, to time.Time) ([]predict.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []predict.Prediction
	for _, p := range s.predictions {
		if p.ModelID != modelID {
			continue
		}
		if p.CreatedAt.Before(from) || p.CreatedAt.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
