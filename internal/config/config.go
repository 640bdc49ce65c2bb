// Package config loads coordinator configuration from environment variables
// (optionally backed by a .env file), following the same getEnv/getIntEnv
// helper style as the rest of the coordinator stack.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved coordinator configuration.
type Config struct {
	CrunchID string

	Server     ServerConfig
	Database   DatabaseConfig
	Feed       FeedConfig
	Contract   ContractConfig
	Predict    PredictConfig
	Score      ScoreConfig
	Checkpoint CheckpointConfig
	API        APIConfig
	Logging    LoggingConfig
}

// ServerConfig controls the reporting HTTP surface.
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig is the Postgres connection.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

// FeedConfig describes the live-poll scope and cadence.
type FeedConfig struct {
	Source           string
	Subjects         []string
	Kind             string
	Granularity      string
	PollInterval     time.Duration
	SourceCallTimeout time.Duration
	BackfillRoot     string
}

// ContractConfig names the pluggable callables (see internal/app/contract)
// and the contract shape declaration workers read at startup.
type ContractConfig struct {
	ScoringFunction          string
	InferenceInputBuilder    string
	InferenceOutputValidator string
	ResolveGroundTruth       string
	AggregateSnapshot        string
	Metrics                  []string
	Aggregation              AggregationConfig
	Ensembles                []EnsembleConfig
}

// AggregationConfig is the `aggregation {windows, ranking_key,
// ranking_direction}` clause of the contract shape declaration.
type AggregationConfig struct {
	WindowSeconds    int    `json:"window_seconds"`
	RankingKey       string `json:"ranking_key"`
	RankingDirection string `json:"ranking_direction"` // "asc" or "desc"
}

// EnsembleConfig declares one virtual ensemble model: `{name, strategy,
// model_filter?}`.
type EnsembleConfig struct {
	Name     string         `json:"name"`
	Strategy string         `json:"strategy"`
	Filter   *ModelFilter   `json:"model_filter,omitempty"`
}

// ModelFilter restricts an ensemble's constituents: either the top N models
// by a ranking metric, or every model clearing a minimum threshold on one.
type ModelFilter struct {
	Kind      string  `json:"kind"` // "top_n" or "min_metric"
	N         int     `json:"n,omitempty"`
	Metric    string  `json:"metric,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// PredictConfig controls the orchestrator's fan-out behavior.
type PredictConfig struct {
	ModelRunnerHost               string
	ModelRunnerPort               int
	PredictTimeout                time.Duration
	TickTimeout                   time.Duration
	ConsecutiveFailureLimit       int
	ConsecutiveTimeoutLimit       int
	MaxConcurrentModels           int
}

// ScoreConfig controls the score engine's tick cadence and resolution TTL.
type ScoreConfig struct {
	IntervalSeconds       int
	ResolutionGraceWindow time.Duration
	InputResolutionTTL    time.Duration
}

// CheckpointConfig controls the checkpoint builder's cadence and the
// reward-pubkey buckets passed through opaquely into the emission payload.
type CheckpointConfig struct {
	Cron                   string
	CrunchPubKey           string
	ComputeProviderRewards map[string]int64
	DataProviderRewards    map[string]int64
}

// APIConfig controls the reporting API's auth and rate limiting.
type APIConfig struct {
	Key             string
	ReadAuthEnabled bool
	PublicPrefixes  []string
	RateLimitPerSec int
	AuditLogPath    string
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load reads configuration from the environment, optionally loading a .env
// file first (ignored if absent). Returns an error if a required variable
// is missing or malformed.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CrunchID: getEnv("CRUNCH_ID", ""),
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getIntEnv("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			DSN:             getEnv("DATABASE_DSN", "postgres://localhost:5432/coordinator?sslmode=disable"),
			MaxOpenConns:    getIntEnv("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			MigrationsPath:  getEnv("DATABASE_MIGRATIONS_PATH", "internal/platform/migrations"),
		},
		Feed: FeedConfig{
			Source:            getEnv("FEED_SOURCE", ""),
			Subjects:          getListEnv("FEED_SUBJECTS", nil),
			Kind:              getEnv("FEED_KIND", ""),
			Granularity:       getEnv("FEED_GRANULARITY", ""),
			PollInterval:      getDurationEnv("FEED_POLL_INTERVAL", 10*time.Second),
			SourceCallTimeout: getDurationEnv("FEED_SOURCE_CALL_TIMEOUT", 10*time.Second),
			BackfillRoot:      getEnv("FEED_BACKFILL_ROOT", "data/backfill"),
		},
		Contract: ContractConfig{
			ScoringFunction:          getEnv("SCORING_FUNCTION", ""),
			InferenceInputBuilder:    getEnv("INFERENCE_INPUT_BUILDER", ""),
			InferenceOutputValidator: getEnv("INFERENCE_OUTPUT_VALIDATOR", ""),
			ResolveGroundTruth:       getEnv("RESOLVE_GROUND_TRUTH", ""),
			AggregateSnapshot:        getEnv("AGGREGATE_SNAPSHOT", "mean"),
			Metrics:                  getListEnv("CONTRACT_METRICS", []string{"ic", "hit_rate", "mean_return"}),
			Aggregation: AggregationConfig{
				WindowSeconds:    getIntEnv("AGGREGATION_WINDOW_SECONDS", 3600),
				RankingKey:       getEnv("AGGREGATION_RANKING_KEY", "ic"),
				RankingDirection: getEnv("AGGREGATION_RANKING_DIRECTION", "desc"),
			},
			Ensembles: getEnsemblesEnv("CONTRACT_ENSEMBLES_JSON"),
		},
		Predict: PredictConfig{
			ModelRunnerHost:         getEnv("MODEL_RUNNER_HOST", "localhost"),
			ModelRunnerPort:         getIntEnv("MODEL_RUNNER_PORT", 9090),
			PredictTimeout:          getDurationEnv("MODEL_PREDICT_TIMEOUT", 1*time.Second),
			TickTimeout:             getDurationEnv("MODEL_TICK_TIMEOUT", 50*time.Second),
			ConsecutiveFailureLimit: getIntEnv("MODEL_CONSECUTIVE_FAILURE_LIMIT", 5),
			ConsecutiveTimeoutLimit: getIntEnv("MODEL_CONSECUTIVE_TIMEOUT_LIMIT", 3),
			MaxConcurrentModels:     getIntEnv("MODEL_MAX_CONCURRENT", 64),
		},
		Score: ScoreConfig{
			IntervalSeconds:       getIntEnv("SCORE_INTERVAL_SECONDS", 60),
			ResolutionGraceWindow: getDurationEnv("SCORE_RESOLUTION_GRACE_WINDOW", 5*time.Minute),
			InputResolutionTTL:    getDurationEnv("SCORE_INPUT_RESOLUTION_TTL", 24*time.Hour),
		},
		Checkpoint: CheckpointConfig{
			Cron:                   getEnv("CHECKPOINT_CRON", "0 0 * * 0"),
			CrunchPubKey:           getEnv("CHECKPOINT_CRUNCH_PUBKEY", ""),
			ComputeProviderRewards: getRewardMapEnv("CHECKPOINT_COMPUTE_PROVIDER_REWARDS_JSON"),
			DataProviderRewards:    getRewardMapEnv("CHECKPOINT_DATA_PROVIDER_REWARDS_JSON"),
		},
		API: APIConfig{
			Key:             getEnv("API_KEY", ""),
			ReadAuthEnabled: getBoolEnv("API_READ_AUTH", false),
			PublicPrefixes:  getListEnv("API_PUBLIC_PREFIXES", []string{"/healthz"}),
			RateLimitPerSec: getIntEnv("API_RATE_LIMIT_PER_SEC", 20),
			AuditLogPath:    getEnv("API_AUDIT_LOG_PATH", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CrunchID == "" {
		return fmt.Errorf("config: CRUNCH_ID is required")
	}
	if c.Feed.Source == "" {
		return fmt.Errorf("config: FEED_SOURCE is required")
	}
	if c.Contract.ScoringFunction == "" {
		return fmt.Errorf("config: SCORING_FUNCTION is required")
	}
	if c.Score.IntervalSeconds <= 0 {
		return fmt.Errorf("config: SCORE_INTERVAL_SECONDS must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBoolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// getEnsemblesEnv parses a JSON array of EnsembleConfig from the named
// variable. Ensembles are structured and optional, unlike the rest of this
// config surface's flat scalars, so they're the one setting expressed as
// JSON rather than a comma-list; an absent or malformed variable yields no
// ensembles rather than failing startup.
func getEnsemblesEnv(key string) []EnsembleConfig {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []EnsembleConfig
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

// getRewardMapEnv parses a JSON object of pubkey -> frac64 from the named
// variable, mirroring getEnsemblesEnv: absent or malformed input yields an
// empty map rather than failing startup, since provider reward buckets are
// optional (most deployments route 100% to cruncher rewards).
func getRewardMapEnv(key string) map[string]int64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out map[string]int64
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func getListEnv(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
