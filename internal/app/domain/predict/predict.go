// Package predict defines the entities owned by the predict orchestrator:
// scheduled prediction configs, the inputs they fire, and per-model
// prediction rows.
package predict

import "time"

// ScheduleKind distinguishes fixed-interval from cron-style schedules.
type ScheduleKind string

const (
	ScheduleEverySeconds ScheduleKind = "every_seconds"
	ScheduleCron         ScheduleKind = "cron"
)

// Schedule is a declarative firing rule for a ScheduledPredictionConfig.
type Schedule struct {
	Kind          ScheduleKind `json:"kind"`
	EverySeconds  int          `json:"every_seconds,omitempty"`
	CronExpr      string       `json:"cron_expr,omitempty"`
}

// ScopeTemplate parameterizes the inference scope a config fires against.
// Source/Subject/Kind/Granularity together identify the Feed Store scope
// this config reads its window from.
type ScopeTemplate struct {
	Source          string `json:"source"`
	Subject         string `json:"subject"`
	Kind            string `json:"kind"`
	Granularity     string `json:"granularity"`
	HorizonSeconds  int    `json:"horizon_seconds"`
	StepSeconds     int    `json:"step_seconds"`
	LookbackSeconds int    `json:"lookback_seconds"`
}

// ScheduledPredictionConfig is a declarative schedule for firing prediction
// cycles. Invariant: ResolveAfterSeconds must exceed the effective feed
// interval, or predictions for this config will never resolve.
type ScheduledPredictionConfig struct {
	ID                  string        `json:"id"`
	ScopeKey            string        `json:"scope_key"`
	ScopeTemplate       ScopeTemplate `json:"scope_template"`
	Schedule            Schedule      `json:"schedule"`
	Active              bool          `json:"active"`
	Order               int           `json:"order"`
	ResolveAfterSeconds int           `json:"resolve_after_seconds"`
	// PredictTimeoutMS overrides the orchestrator's default per-model Predict
	// deadline when positive.
	PredictTimeoutMS int `json:"predict_timeout_ms,omitempty"`
	// TickTimeoutMS overrides the default Tick deadline when positive. A zero
	// value means this config does not require priming: Tick is skipped.
	TickTimeoutMS int       `json:"tick_timeout_ms,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InputStatus tracks ground-truth resolution.
type InputStatus string

const (
	InputReceived InputStatus = "RECEIVED"
	InputResolved InputStatus = "RESOLVED"
)

// Input is a single firing of a config. The RECEIVED -> RESOLVED transition
// is one-way and requires non-nil Actuals (or the TTL sentinel).
type Input struct {
	ID              string                 `json:"id"`
	ConfigID        string                 `json:"config_id"`
	Scope           map[string]interface{} `json:"scope"`
	RawInputPayload map[string]interface{} `json:"raw_input_payload"`
	PerformedAt     time.Time              `json:"performed_at"`
	ResolvableAt    time.Time              `json:"resolvable_at"`
	Actuals         map[string]interface{} `json:"actuals,omitempty"`
	Status          InputStatus            `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
}

// PredictionStatus tracks a prediction row's lifecycle.
type PredictionStatus string

const (
	PredictionPending PredictionStatus = "PENDING"
	PredictionScored  PredictionStatus = "SCORED"
	PredictionFailed  PredictionStatus = "FAILED"
	PredictionAbsent  PredictionStatus = "ABSENT"
)

// Score is the nested scoring outcome of a Prediction.
type Score struct {
	Value        float64                `json:"value"`
	Success      bool                   `json:"success"`
	FailedReason string                 `json:"failed_reason,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// Prediction is one row per (model, Input). ABSENT means the model never
// responded; FAILED means invalid output or explicit failure; SCORED
// requires Score.Success == true.
type Prediction struct {
	ID              string                 `json:"id"`
	ModelID         string                 `json:"model_id"`
	InputID         string                 `json:"input_id"`
	ConfigID        string                 `json:"config_id"`
	Scope           map[string]interface{} `json:"scope"`
	InferenceOutput map[string]interface{} `json:"inference_output,omitempty"`
	ExecTimeUS      int64                  `json:"exec_time_us"`
	Status          PredictionStatus       `json:"status"`
	Score           *Score                 `json:"score,omitempty"`
	// Meta carries ensemble lineage (constituent model IDs, strategy name)
	// for synthetic __ensemble_{name}__ predictions; empty for real models.
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// CycleReport summarizes one RunCycle invocation of the orchestrator.
type CycleReport struct {
	ConfigID        string    `json:"config_id"`
	FiredAt         time.Time `json:"fired_at"`
	Skipped         bool      `json:"skipped"`
	SkipReason      string    `json:"skip_reason,omitempty"`
	InputID         string    `json:"input_id,omitempty"`
	PredictionCount int       `json:"prediction_count"`
	AbsentCount     int       `json:"absent_count"`
	FailedCount     int       `json:"failed_count"`
}
