package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

func scopeKey(s feed.Scope) string {
	return fmt.Sprintf("%s|%s|%s|%s", s.Source, s.Subject, s.Kind, s.Granularity)
}

func recordKey(r feed.Record) string {
	return fmt.Sprintf("%s|%s", scopeKey(r.Scope), r.TsEvent.UTC().Format(time.RFC3339Nano))
}

// UpsertRecords inserts records, keeping the existing row on conflict so a
// replayed poll is a no-op.
func (s *Store) UpsertRecords(_ context.Context, records []feed.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		key := recordKey(r)
		if _, exists := s.feedRecords[key]; exists {
			continue
		}
		if r.ID == "" {
			r.ID = newID()
		}
		r.CreatedAt = time.Now().UTC()
		s.feedRecords[key] = r
	}
	return nil
}

// ListRecords returns records in [from, to] for scope, ordered by ts_event.
func (s *Store) ListRecords(_ context.Context, scope feed.Scope, from, to time.Time, limit int) ([]feed.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []feed.Record
	for _, r := range s.feedRecords {
		if r.Scope != scope {
			continue
		}
		if r.TsEvent.Before(from) || r.TsEvent.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsEvent.Before(out[j].TsEvent) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Watermark returns the scope's last-ingested ts_event, or the zero time if
// nothing has been ingested yet.
func (s *Store) Watermark(_ context.Context, scope feed.Scope) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.watermarks[scopeKey(scope)]
	if !ok {
		return time.Time{}, nil
	}
	return state.Watermark, nil
}

// AdvanceWatermark sets the scope's watermark. Callers must ensure
// monotonicity; the store does not reject a regression so tests can exercise
// edge cases, but production call sites only ever pass max(ts_event).
func (s *Store) AdvanceWatermark(_ context.Context, scope feed.Scope, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermarks[scopeKey(scope)] = feed.IngestionState{
		Scope:     scope,
		Watermark: watermark,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *Store) CreateBackfillJob(_ context.Context, job feed.BackfillJob) (feed.BackfillJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = newID()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.backfillJobs[job.ID] = job
	return job, nil
}

func (s *Store) UpdateBackfillJob(_ context.Context, job feed.BackfillJob) (feed.BackfillJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.backfillJobs[job.ID]
	if !ok {
		return feed.BackfillJob{}, storage.ErrNotFound
	}
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	s.backfillJobs[job.ID] = job
	return job, nil
}

func (s *Store) GetBackfillJob(_ context.Context, id string) (feed.BackfillJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.backfillJobs[id]
	if !ok {
		return feed.BackfillJob{}, storage.ErrNotFound
	}
	return job, nil
}

func (s *Store) ListBackfillJobs(_ context.Context, limit int) ([]feed.BackfillJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]feed.BackfillJob, 0, len(s.backfillJobs))
	for _, j := range s.backfillJobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountRunningBackfillJobs(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, j := range s.backfillJobs {
		if j.Status == feed.BackfillRunning {
			count++
		}
	}
	return count, nil
}
