// Package model holds the control-plane's persisted entities: the types
// shared by the store, the domain packages that enforce invariants over
// them, and the Control API that serializes them to JSON.
package model

import "time"

// RunStatus is one of the thirteen canonical lifecycle states a Run can
// occupy. The Run State Machine is the sole writer of this field.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusPlanning       RunStatus = "planning"
	RunStatusEditing        RunStatus = "editing"
	RunStatusTesting        RunStatus = "testing"
	RunStatusPreviewReady   RunStatus = "preview_ready"
	RunStatusNeedsApproval  RunStatus = "needs_approval"
	RunStatusApproved       RunStatus = "approved"
	RunStatusMerging        RunStatus = "merging"
	RunStatusDeploying      RunStatus = "deploying"
	RunStatusMerged         RunStatus = "merged"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCanceled       RunStatus = "canceled"
	RunStatusExpired        RunStatus = "expired"
)

// Terminal reports whether a run in this status can ever transition again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusMerged, RunStatusFailed, RunStatusCanceled, RunStatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the thirteen canonical states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusPlanning, RunStatusEditing, RunStatusTesting,
		RunStatusPreviewReady, RunStatusNeedsApproval, RunStatusApproved,
		RunStatusMerging, RunStatusDeploying, RunStatusMerged, RunStatusFailed,
		RunStatusCanceled, RunStatusExpired:
		return true
	default:
		return false
	}
}

// FailureReasonCode enumerates the standard set of machine-readable labels
// required on every transition into RunStatusFailed.
type FailureReasonCode string

const (
	FailureWaitingForSlot          FailureReasonCode = "WAITING_FOR_SLOT"
	FailureValidationFailed        FailureReasonCode = "VALIDATION_FAILED"
	FailureChecksFailed            FailureReasonCode = "CHECKS_FAILED"
	FailureMergeConflict           FailureReasonCode = "MERGE_CONFLICT"
	FailureMigrationFailed         FailureReasonCode = "MIGRATION_FAILED"
	FailureDeployHealthcheckFailed FailureReasonCode = "DEPLOY_HEALTHCHECK_FAILED"
	FailureDeployPushFailed        FailureReasonCode = "DEPLOY_PUSH_FAILED"
	FailurePreviewPublishFailed    FailureReasonCode = "PREVIEW_PUBLISH_FAILED"
	FailureAgentTimeout            FailureReasonCode = "AGENT_TIMEOUT"
	FailureAgentCanceled           FailureReasonCode = "AGENT_CANCELED"
	FailurePreviewExpired          FailureReasonCode = "PREVIEW_EXPIRED"
	FailurePolicyRejected          FailureReasonCode = "POLICY_REJECTED"
	FailureUnknownError            FailureReasonCode = "UNKNOWN_ERROR"
)

// Valid reports whether c is one of the standard failure reason codes.
func (c FailureReasonCode) Valid() bool {
	switch c {
	case FailureWaitingForSlot, FailureValidationFailed, FailureChecksFailed,
		FailureMergeConflict, FailureMigrationFailed, FailureDeployHealthcheckFailed,
		FailureDeployPushFailed, FailurePreviewPublishFailed, FailureAgentTimeout,
		FailureAgentCanceled, FailurePreviewExpired, FailurePolicyRejected,
		FailureUnknownError:
		return true
	default:
		return false
	}
}

// Run is one change request flowing from RunStatusQueued to a terminal
// status. Only the Run State Machine mutates Status; every other component
// reads it.
type Run struct {
	RunID         string     `json:"run_id"`
	Title         string     `json:"title"`
	Prompt        string     `json:"prompt"`
	Status        RunStatus  `json:"status"`
	Route         string     `json:"route"`
	SlotID        string     `json:"slot_id,omitempty"`
	BranchName    string     `json:"branch_name,omitempty"`
	WorktreePath  string     `json:"worktree_path,omitempty"`
	CommitSHA     string     `json:"commit_sha,omitempty"`
	ParentRunID   string     `json:"parent_run_id,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RunContext carries request-scoped detail submitted alongside a Run. It is
// immutable once created except for trace propagation into Metadata.
type RunContext struct {
	RunID       string         `json:"run_id"`
	Route       string         `json:"route"`
	PageTitle   string         `json:"page_title,omitempty"`
	ElementHint string         `json:"element_hint,omitempty"`
	Note        string         `json:"note,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TraceID returns the trace_id carried in Metadata, if any.
func (c RunContext) TraceID() string {
	if c.Metadata == nil {
		return ""
	}
	if v, ok := c.Metadata["trace_id"].(string); ok {
		return v
	}
	return ""
}
