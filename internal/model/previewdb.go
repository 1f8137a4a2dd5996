package model

import "time"

// ResetStrategy selects how a preview database is brought to a deterministic
// state.
type ResetStrategy string

const (
	ResetStrategySeed     ResetStrategy = "seed"
	ResetStrategySnapshot ResetStrategy = "snapshot"
)

// ResetStatus is the terminal (or in-flight) outcome of one reset attempt.
type ResetStatus string

const (
	ResetStatusRunning  ResetStatus = "running"
	ResetStatusApplied  ResetStatus = "applied"
	ResetStatusRejected ResetStatus = "rejected"
	ResetStatusFailed   ResetStatus = "failed"
	ResetStatusDryRun   ResetStatus = "dry_run"
)

// PreviewDbReset is one append-only attempt to reset and seed a slot's
// preview database. A run may have more than one row if earlier attempts
// failed and were retried.
type PreviewDbReset struct {
	ID              int64          `json:"id"`
	RunID           string         `json:"run_id"`
	SlotID          string         `json:"slot_id"`
	DBName          string         `json:"db_name"`
	Strategy        ResetStrategy  `json:"strategy"`
	SeedVersion     string         `json:"seed_version,omitempty"`
	SnapshotVersion string         `json:"snapshot_version,omitempty"`
	ResetStatus     ResetStatus    `json:"reset_status"`
	Details         map[string]any `json:"details,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
}
