// Package score defines the entities owned by the score engine: per-model
// snapshots, the two-level Merkle chain of tamper-evident cycles, and the
// leaderboard.
package score

import "time"

// Snapshot is a per-model period summary. ContentHash is the Merkle leaf.
type Snapshot struct {
	ID              string                 `json:"id"`
	ModelID         string                 `json:"model_id"`
	PeriodStart     time.Time              `json:"period_start"`
	PeriodEnd       time.Time              `json:"period_end"`
	PredictionCount int                    `json:"prediction_count"`
	ResultSummary   map[string]interface{} `json:"result_summary"`
	ContentHash     string                 `json:"content_hash"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Cycle is one score-tick's Merkle commitment, chained to the previous one.
type Cycle struct {
	ID                string    `json:"id"`
	PreviousCycleID   string    `json:"previous_cycle_id,omitempty"`
	PreviousCycleRoot string    `json:"previous_cycle_root,omitempty"`
	SnapshotsRoot     string    `json:"snapshots_root"`
	ChainedRoot       string    `json:"chained_root"`
	SnapshotCount     int       `json:"snapshot_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// NodeSide identifies which operand of a pairing a node occupied.
type NodeSide string

const (
	NodeLeft  NodeSide = "left"
	NodeRight NodeSide = "right"
)

// Node is one node of a built Merkle tree, scoped to either a Cycle or a
// Checkpoint. Leaves copy the originating snapshot's content hash so later
// snapshot deletion cannot invalidate a proof.
type Node struct {
	ID                  string  `json:"id"`
	CycleID             string  `json:"cycle_id,omitempty"`
	CheckpointID         string  `json:"checkpoint_id,omitempty"`
	Level               int     `json:"level"`
	Position            int     `json:"position"`
	Hash                string  `json:"hash"`
	LeftChild           string  `json:"left_child,omitempty"`
	RightChild          string  `json:"right_child,omitempty"`
	SnapshotID          string  `json:"snapshot_id,omitempty"`
	SnapshotContentHash string  `json:"snapshot_content_hash,omitempty"`
}

// ProofStep is one hop of an inclusion proof response.
type ProofStep struct {
	Hash     string   `json:"hash"`
	Position NodeSide `json:"position"`
}

// Proof is the full inclusion-proof response for a snapshot, traversing the
// cycle tree then (if anchored) the checkpoint tree.
type Proof struct {
	SnapshotContentHash string      `json:"snapshot_content_hash"`
	CycleID             string      `json:"cycle_id"`
	CycleRoot           string      `json:"cycle_root"`
	CheckpointID        string      `json:"checkpoint_id,omitempty"`
	MerkleRoot          string      `json:"merkle_root,omitempty"`
	Path                []ProofStep `json:"path"`
}

// Model is a participant entry, or a virtual ensemble with
// id = "__ensemble_{name}__".
type Model struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	DeploymentID  string                 `json:"deployment_id,omitempty"`
	OwnerID       string                 `json:"owner_id,omitempty"`
	OverallScore  *float64               `json:"overall_score,omitempty"`
	ScoresByScope map[string]float64     `json:"scores_by_scope,omitempty"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
	IsEnsemble    bool                   `json:"is_ensemble"`
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank    int                `json:"rank"`
	ModelID string             `json:"model_id"`
	Score   float64            `json:"score"`
	Metrics map[string]float64 `json:"metrics"`
}

// Leaderboard is an immutable snapshot of the ranked list at a point in time.
type Leaderboard struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	Entries   []LeaderboardEntry  `json:"entries"`
}
