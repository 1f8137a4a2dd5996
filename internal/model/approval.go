package model

import "time"

// ApprovalDecision is the reviewer's verdict on a run awaiting approval.
type ApprovalDecision string

const (
	ApprovalDecisionApproved ApprovalDecision = "approved"
	ApprovalDecisionRejected ApprovalDecision = "rejected"
)

// Approval is an append-only record of a reviewer decision on a run.
type Approval struct {
	ID                int64              `json:"id"`
	RunID             string             `json:"run_id"`
	ReviewerID        string             `json:"reviewer_id,omitempty"`
	Decision          ApprovalDecision   `json:"decision"`
	Reason            string             `json:"reason,omitempty"`
	FailureReasonCode *FailureReasonCode `json:"failure_reason_code,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ReleaseStatus is the lifecycle state of a deployed (or attempted) release.
type ReleaseStatus string

const (
	ReleaseStatusDeployed     ReleaseStatus = "deployed"
	ReleaseStatusReplaced     ReleaseStatus = "replaced"
	ReleaseStatusDeployFailed ReleaseStatus = "deploy_failed"
	ReleaseStatusRolledBack   ReleaseStatus = "rolled_back"
)

// Release is upserted by the deploy gate and rollback path, keyed by the
// commit SHA that was merged to main.
type Release struct {
	ReleaseID       string        `json:"release_id"`
	CommitSHA       string        `json:"commit_sha"`
	Status          ReleaseStatus `json:"status"`
	MigrationMarker string        `json:"migration_marker,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
