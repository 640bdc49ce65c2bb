// Package feed defines the entities owned by the feed store and feed worker:
// the append-only observation tape, per-scope ingestion watermarks, and
// backfill jobs.
package feed

import "time"

// Scope identifies a feed partition: one polling/backfill unit.
type Scope struct {
	Source      string `json:"source"`
	Subject     string `json:"subject"`
	Kind        string `json:"kind"`
	Granularity string `json:"granularity"`
}

// Record is one observation. (Source, Subject, Kind, Granularity, TsEvent)
// is unique; created by the feed worker, never mutated, destroyed only by
// retention policy.
type Record struct {
	ID          string                 `json:"id"`
	Scope       Scope                  `json:"scope"`
	TsEvent     time.Time              `json:"ts_event"`
	Payload     map[string]interface{} `json:"payload"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// IngestionState is one row per scope: the last ingested ts_event, updated
// monotonically by the feed worker.
type IngestionState struct {
	Scope     Scope     `json:"scope"`
	Watermark time.Time `json:"watermark"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackfillStatus is the backfill job's lifecycle state.
type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "pending"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillJob paginates historical data for a scope into Hive-partitioned
// files. At most one job may be in BackfillRunning system-wide.
type BackfillJob struct {
	ID              string         `json:"id"`
	Scope           Scope          `json:"scope"`
	StartTS         time.Time      `json:"start_ts"`
	EndTS           time.Time      `json:"end_ts"`
	CursorTS        *time.Time     `json:"cursor_ts,omitempty"`
	RecordsWritten  int64          `json:"records_written"`
	PagesFetched    int64          `json:"pages_fetched"`
	Status          BackfillStatus `json:"status"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the job has reached a final state.
func (j BackfillJob) IsTerminal() bool {
	return j.Status == BackfillCompleted || j.Status == BackfillFailed
}
