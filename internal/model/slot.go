package model

import "time"

// LeaseState is the state of one preview slot's exclusive hold.
type LeaseState string

const (
	LeaseStateLeased   LeaseState = "leased"
	LeaseStateReleased LeaseState = "released"
	LeaseStateExpired  LeaseState = "expired"
)

// SlotLease is the single row tracking exclusive use of one configured
// preview slot. There is exactly one row per configured slot id; it is
// cycled in place rather than appended.
type SlotLease struct {
	SlotID      string     `json:"slot_id"`
	RunID       string     `json:"run_id,omitempty"`
	LeaseState  LeaseState `json:"lease_state"`
	LeasedAt    *time.Time `json:"leased_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// BindingState is the lifecycle state of a slot's worktree binding.
type BindingState string

const (
	BindingStateActive   BindingState = "active"
	BindingStateReleased BindingState = "released"
)

// BindingAction records which operation last touched a binding row, for
// auditability (was this slot's worktree newly created, reused, or torn
// down on its last transition).
type BindingAction string

const (
	BindingActionAssigned  BindingAction = "assigned"
	BindingActionReused    BindingAction = "reused"
	BindingActionCleanedUp BindingAction = "cleaned_up"
)

// SlotWorktreeBinding is the single row mapping one configured slot to the
// branch and on-disk worktree currently (or most recently) bound to it.
type SlotWorktreeBinding struct {
	SlotID       string        `json:"slot_id"`
	RunID        string        `json:"run_id,omitempty"`
	BranchName   string        `json:"branch_name,omitempty"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	BindingState BindingState  `json:"binding_state"`
	LastAction   BindingAction `json:"last_action"`
	AssignedAt   *time.Time    `json:"assigned_at,omitempty"`
	ReleasedAt   *time.Time    `json:"released_at,omitempty"`
}

// SlotView is the externally-reported state of one slot, folding the lease
// and binding rows together for the Control API and CLI.
type SlotView struct {
	SlotID  string     `json:"slot_id"`
	State   string     `json:"state"`
	Lease   *SlotLease `json:"lease,omitempty"`
	Binding *SlotWorktreeBinding `json:"binding,omitempty"`
}
