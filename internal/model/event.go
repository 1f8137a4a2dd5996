package model

import "time"

// RunEvent is one append-only entry in the run's history. Consumers sort by
// (CreatedAt, ID) to get a total order within a single run; there is no
// ordering guarantee across runs.
type RunEvent struct {
	ID         int64          `json:"id"`
	RunID      string         `json:"run_id"`
	EventType  string         `json:"event_type"`
	StatusFrom string         `json:"status_from,omitempty"`
	StatusTo   string         `json:"status_to,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ValidationCheck records one attempt of one named check (merge-gate check,
// worker-side lint/test run, etc.) against a run.
type ValidationCheck struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	CheckName   string     `json:"check_name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ArtifactURI string     `json:"artifact_uri,omitempty"`
}

// RunArtifact is an append-only pointer to a byproduct of a run (logs,
// diagnostics, reload output) produced by the worker or the merge gate.
type RunArtifact struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"run_id"`
	ArtifactType string         `json:"artifact_type"`
	URI          string         `json:"uri"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditLog is an append-only, immutable record of every mutating action
// taken by any writer in the system, correlated by run/slot/commit.
type AuditLog struct {
	ID          int64     `json:"id"`
	Actor       string    `json:"actor,omitempty"`
	Action      string    `json:"action"`
	PayloadHash string    `json:"payload_hash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	TraceID     string    `json:"trace_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	SlotID      string    `json:"slot_id,omitempty"`
	CommitSHA   string    `json:"commit_sha,omitempty"`
}
