package memory

import (
	"context"
	"sort"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) CreateCheckpoint(_ context.Context, chk checkpoint.Checkpoint) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chk.ID == "" {
		chk.ID = newID()
	}
	chk.CreatedAt = time.Now().UTC()
	s.checkpoints[chk.ID] = chk
	return chk, nil
}

func (s *Store) UpdateCheckpoint(_ context.Context, chk checkpoint.Checkpoint) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.checkpoints[chk.ID]
	if !ok {
		return checkpoint.Checkpoint{}, storage.ErrNotFound
	}
	if existing.Status != chk.Status && !checkpoint.CanTransition(existing.Status, chk.Status) {
		return checkpoint.Checkpoint{}, storage.ErrInvalidTransition
	}
	chk.CreatedAt = existing.CreatedAt
	s.checkpoints[chk.ID] = chk
	return chk, nil
}

func (s *Store) GetCheckpoint(_ context.Context, id string) (checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chk, ok := s.checkpoints[id]
	if !ok {
		return checkpoint.Checkpoint{}, storage.ErrNotFound
	}
	return chk, nil
}

func (s *Store) LatestCheckpoint(_ context.Context) (checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest checkpoint.Checkpoint
	found := false
	for _, c := range s.checkpoints {
		if !found || c.PeriodEnd.After(latest.PeriodEnd) {
			latest = c
			found = true
		}
	}
	if !found {
		return checkpoint.Checkpoint{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ListCheckpoints(_ context.Context, limit int) ([]checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]checkpoint.Checkpoint, 0, len(s.checkpoints))
	for _, c := range s.checkpoints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.After(out[j].PeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
