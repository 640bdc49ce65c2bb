package memory

import (
	"context"
	"sort"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func (s *Store) UpsertSnapshot(_ context.Context, snap score.Snapshot) (score.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.snapshots {
		if existing.ModelID == snap.ModelID && existing.PeriodEnd.Equal(snap.PeriodEnd) {
			return existing, nil
		}
	}
	if snap.ID == "" {
		snap.ID = newID()
	}
	snap.CreatedAt = time.Now().UTC()
	s.snapshots[snap.ID] = snap
	return snap, nil
}

func (s *Store) GetSnapshot(_ context.Context, id string) (score.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return score.Snapshot{}, storage.ErrNotFound
	}
	return snap, nil
}

func (s *Store) ListSnapshotsByPeriod(_ context.Context, from, to time.Time) ([]score.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []score.Snapshot
	for _, snap := range s.snapshots {
		if snap.PeriodEnd.Before(from) || snap.PeriodEnd.After(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *Store) LatestSnapshotByModel(_ context.Context, modelID string) (score.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest score.Snapshot
	found := false
	for _, snap := range s.snapshots {
		if snap.ModelID != modelID {
			continue
		}
		if !found || snap.PeriodEnd.After(latest.PeriodEnd) {
			latest = snap
			found = true
		}
	}
	if !found {
		return score.Snapshot{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) CreateCycle(_ context.Context, cycle score.Cycle) (score.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cycle.ID == "" {
		cycle.ID = newID()
	}
	cycle.CreatedAt = time.Now().UTC()
	s.cycles[cycle.ID] = cycle
	return cycle, nil
}

func (s *Store) LatestCycle(_ context.Context) (score.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest score.Cycle
	found := false
	for _, c := range s.cycles {
		if !found || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
			found = true
		}
	}
	if !found {
		return score.Cycle{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ListCyclesSince(_ context.Context, since time.Time) ([]score.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []score.Cycle
	for _, c := range s.cycles {
		if c.CreatedAt.After(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetCycle(_ context.Context, id string) (score.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cycles[id]
	if !ok {
		return score.Cycle{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) CreateNodes(_ context.Context, newNodes []score.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range newNodes {
		key := n.CycleID
		if key == "" {
			key = n.CheckpointID
		}
		if n.ID == "" {
			n.ID = newID()
		}
		s.nodes[key] = append(s.nodes[key], n)
	}
	return nil
}

func (s *Store) ListNodesByCycle(_ context.Context, cycleID string) ([]score.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]score.Node(nil), s.nodes[cycleID]...), nil
}

func (s *Store) ListNodesByCheckpoint(_ context.Context, checkpointID string) ([]score.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]score.Node(nil), s.nodes[checkpointID]...), nil
}

func (s *Store) CreateLeaderboard(_ context.Context, lb score.Leaderboard) (score.Leaderboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lb.ID == "" {
		lb.ID = newID()
	}
	lb.CreatedAt = time.Now().UTC()
	s.leaderboards = append(s.leaderboards, lb)
	return lb, nil
}

func (s *Store) LatestLeaderboard(_ context.Context) (score.Leaderboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.leaderboards) == 0 {
		return score.Leaderboard{}, storage.ErrNotFound
	}
	return s.leaderboards[len(s.leaderboards)-1], nil
}
