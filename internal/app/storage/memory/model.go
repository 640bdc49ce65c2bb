package memory

import (
	"context"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) UpsertModel(_ context.Context, m score.Model) (score.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		return score.Model{}, storage.ErrNotFound
	}
	s.models[m.ID] = m
	return m, nil
}

func (s *Store) GetModel(_ context.Context, id string) (score.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return score.Model{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListModels(_ context.Context, includeEnsembles bool) ([]score.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []score.Model
	for _, m := range s.models {
		if m.IsEnsemble && !includeEnsembles {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListLiveModels returns every registered model; liveness in this store is
// tracked by the predict runner's in-process registry, not persisted state.
func (s *Store) ListLiveModels(ctx context.Context) ([]score.Model, error) {
	return s.ListModels(ctx, false)
}
