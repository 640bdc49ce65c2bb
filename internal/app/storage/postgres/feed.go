package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
)

type feedRecordRow struct {
	ID          string    `db:"id"`
	Source      string    `db:"source"`
	Subject     string    `db:"subject"`
	Kind        string    `db:"kind"`
	Granularity string    `db:"granularity"`
	TsEvent     time.Time `db:"ts_event"`
	Payload     []byte    `db:"payload"`
	Meta        []byte    `db:"meta"`
}

// UpsertRecords inserts records with one named-parameter statement per
// record, preferring the existing row on conflict (idempotent replay).
func (s *Store) UpsertRecords(ctx context.Context, records []feed.Record) error {
	rows := make([]feedRecordRow, 0, len(records))
	for _, r := range records {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(r.Meta)
		if err != nil {
			return err
		}
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		rows = append(rows, feedRecordRow{
			ID: id, Source: r.Scope.Source, Subject: r.Scope.Subject,
			Kind: r.Scope.Kind, Granularity: r.Scope.Granularity,
			TsEvent: r.TsEvent.UTC(), Payload: payload, Meta: meta,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	exec := s.exec(ctx)
	const query = `
		INSERT INTO feed_records (id, source, subject, kind, granularity, ts_event, payload, meta)
		VALUES (:id, :source, :subject, :kind, :granularity, :ts_event, :payload, :meta)
		ON CONFLICT (source, subject, kind, granularity, ts_event) DO NOTHING
	`
	for _, row := range rows {
		if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, scope feed.Scope, from, to time.Time, limit int) ([]feed.Record, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.exec(ctx).QueryContext(ctx, `
		SELECT id, source, subject, kind, granularity, ts_event, payload, meta
		FROM feed_records
		WHERE source = $1 AND subject = $2 AND kind = $3 AND granularity = $4
		  AND ts_event BETWEEN $5 AND $6
		ORDER BY ts_event
		LIMIT $7
	`, scope.Source, scope.Subject, scope.Kind, scope.Granularity, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feed.Record
	for rows.Next() {
		var row feedRecordRow
		var payload, meta []byte
		if err := rows.Scan(&row.ID, &row.Source, &row.Subject, &row.Kind, &row.Granularity, &row.TsEvent, &payload, &meta); err != nil {
			return nil, err
		}
		rec := feed.Record{
			ID:      row.ID,
			Scope:   feed.Scope{Source: row.Source, Subject: row.Subject, Kind: row.Kind, Granularity: row.Granularity},
			TsEvent: row.TsEvent,
		}
		_ = json.Unmarshal(payload, &rec.Payload)
		_ = json.Unmarshal(meta, &rec.Meta)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Watermark(ctx context.Context, scope feed.Scope) (time.Time, error) {
	var ts time.Time
	err := s.exec(ctx).QueryRowContext(ctx, `
		SELECT watermark FROM feed_ingestion_state
		WHERE source = $1 AND subject = $2 AND kind = $3 AND granularity = $4
	`, scope.Source, scope.Subject, scope.Kind, scope.Granularity).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return ts, err
}

func (s *Store) AdvanceWatermark(ctx context.Context, scope feed.Scope, watermark time.Time) error {
	_, err := s.exec(ctx).ExecContext(ctx, `
		INSERT INTO feed_ingestion_state (source, subject, kind, granularity, watermark, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (source, subject, kind, granularity)
		DO UPDATE SET watermark = GREATEST(feed_ingestion_state.watermark, EXCLUDED.watermark), updated_at = now()
	`, scope.Source, scope.Subject, scope.Kind, scope.Granularity, watermark.UTC())
	return err
}

func (s *Store) CreateBackfillJob(ctx context.Context, job feed.BackfillJob) (feed.BackfillJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	scope, err := json.Marshal(job.Scope)
	if err != nil {
		return feed.BackfillJob{}, err
	}
	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO backfill_jobs (id, scope, start_ts, end_ts, cursor_ts, records_written, pages_fetched, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, scope, job.StartTS, job.EndTS, job.CursorTS, job.RecordsWritten, job.PagesFetched, job.Status, job.Error)
	if err != nil {
		return feed.BackfillJob{}, err
	}
	return s.GetBackfillJob(ctx, job.ID)
}

func (s *Store) UpdateBackfillJob(ctx context.Context, job feed.BackfillJob) (feed.BackfillJob, error) {
	result, err := s.exec(ctx).ExecContext(ctx, `
		UPDATE backfill_jobs
		SET cursor_ts = $2, records_written = $3, pages_fetched = $4, status = $5, error = $6, updated_at = now()
		WHERE id = $1
	`, job.ID, job.CursorTS, job.RecordsWritten, job.PagesFetched, job.Status, job.Error)
	if err != nil {
		return feed.BackfillJob{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return feed.BackfillJob{}, storage.ErrNotFound
	}
	return s.GetBackfillJob(ctx, job.ID)
}

func (s *Store) GetBackfillJob(ctx context.Context, id string) (feed.BackfillJob, error) {
	var job feed.BackfillJob
	var scope []byte
	var cursor sql.NullTime
	var errMsg sql.NullString
	err := s.exec(ctx).QueryRowContext(ctx, `
		SELECT id, scope, start_ts, end_ts, cursor_ts, records_written, pages_fetched, status, error, created_at, updated_at
		FROM backfill_jobs WHERE id = $1
	`, id).Scan(&job.ID, &scope, &job.StartTS, &job.EndTS, &cursor, &job.RecordsWritten, &job.PagesFetched, &job.Status, &errMsg, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return feed.BackfillJob{}, storage.ErrNotFound
	}
	if err != nil {
		return feed.BackfillJob{}, err
	}
	_ = json.Unmarshal(scope, &job.Scope)
	if cursor.Valid {
		job.CursorTS = &cursor.Time
	}
	job.Error = errMsg.String
	return job, nil
}

func (s *Store) ListBackfillJobs(ctx context.Context, limit int) ([]feed.BackfillJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.exec(ctx).QueryContext(ctx, `
		SELECT id FROM backfill_jobs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]feed.BackfillJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetBackfillJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store) CountRunningBackfillJobs(ctx context.Context) (int, error) {
	var count int
	err := s.exec(ctx).QueryRowContext(ctx, `
		SELECT count(*) FROM backfill_jobs WHERE status = $1
	`, feed.BackfillRunning).Scan(&count)
	return count, err
}
