// Package checkpoint defines the entities owned by the checkpoint builder:
// the second-level Merkle anchor and its reward emission payload.
package checkpoint

import "time"

// Status is the checkpoint's lifecycle state. Transitions are monotonic and
// one-way: PENDING -> SUBMITTED -> CLAIMABLE -> PAID.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusClaimable Status = "CLAIMABLE"
	StatusPaid      Status = "PAID"
)

// transitions maps each status to the set of statuses it may legally move to.
var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusSubmitted: true},
	StatusSubmitted: {StatusClaimable: true},
	StatusClaimable: {StatusPaid: true},
	StatusPaid:      {},
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	return ok && next[to]
}

// RewardEntry is one payee's frac64 share of an emission bucket.
// frac64 denominator is 1_000_000_000 (1e9 = 100%).
type RewardEntry struct {
	ModelID string `json:"model_id,omitempty"`
	PubKey  string `json:"pub_key,omitempty"`
	Frac64  int64  `json:"frac64"`
}

// EmissionPayload is the external-format reward distribution for one
// checkpoint period.
type EmissionPayload struct {
	Crunch                 string        `json:"crunch"`
	CruncherRewards        []RewardEntry `json:"cruncher_rewards"`
	ComputeProviderRewards []RewardEntry `json:"compute_provider_rewards"`
	DataProviderRewards    []RewardEntry `json:"data_provider_rewards"`
}

// Checkpoint is the cryptographically-anchored reward payload for external
// settlement.
type Checkpoint struct {
	ID              string          `json:"id"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
	MerkleRoot      string          `json:"merkle_root"`
	EmissionPayload EmissionPayload `json:"emission_payload"`
	Status          Status          `json:"status"`
	TxHash          string          `json:"tx_hash,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	EmittedAt       *time.Time      `json:"emitted_at,omitempty"`
}
