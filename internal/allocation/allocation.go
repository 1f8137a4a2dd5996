// Package allocation is the Allocation Orchestrator: the single entry
// point the worker uses to put a newly-claimed run into a ready-to-edit
// state by composing the Slot Lease Manager, Worktree Binding Manager, and
// Preview DB Reset/Seed Coordinator.
package allocation

import (
	"context"

	"metawsm/internal/apierr"
	"metawsm/internal/leases"
	"metawsm/internal/model"
	"metawsm/internal/previewdb"
	"metawsm/internal/worktrees"
)

// Status is the outcome reported by Allocate.
type Status string

const (
	StatusAllocated Status = "allocated"
	StatusWaiting   Status = "waiting"
	StatusFailed    Status = "failed"
)

// Result mirrors the allocation algorithm's four possible shapes.
type Result struct {
	Status        Status
	Reason        string
	OccupiedSlots []string
	SlotID        string
	BranchName    string
	WorktreePath  string
	DBName        string
}

// Orchestrator composes the three allocation collaborators.
type Orchestrator struct {
	leases     *leases.Manager
	worktrees  *worktrees.Manager
	previewdb  *previewdb.Coordinator
	strategy   model.ResetStrategy
	seedVer    string
	snapshotVer string
}

// New builds an Orchestrator. seedVersion/snapshotVersion select the
// default reset parameters used for every allocation; strategy picks which
// one applies.
func New(l *leases.Manager, w *worktrees.Manager, p *previewdb.Coordinator, strategy model.ResetStrategy, seedVersion, snapshotVersion string) *Orchestrator {
	return &Orchestrator{leases: l, worktrees: w, previewdb: p, strategy: strategy, seedVer: seedVersion, snapshotVer: snapshotVersion}
}

// Allocate runs the full acquire → assign → reset_and_seed pipeline for
// runID. Each step is individually retryable: a caller that gets
// StatusFailed may call Allocate again once the underlying problem (e.g. a
// misconfigured seed file) is fixed, since the slot lease was released
// before returning.
func (o *Orchestrator) Allocate(ctx context.Context, runID string) (Result, error) {
	acquireResult, err := o.leases.Acquire(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if !acquireResult.Acquired {
		return Result{Status: StatusWaiting, Reason: string(model.FailureWaitingForSlot), OccupiedSlots: acquireResult.OccupiedSlots}, nil
	}
	slotID := acquireResult.SlotID

	binding, err := o.worktrees.Assign(ctx, runID, slotID)
	if err != nil {
		_ = o.leases.Release(ctx, slotID, runID)
		if _, ok := apierr.As(err); ok {
			return Result{Status: StatusFailed, Reason: "WORKTREE_ASSIGN_FAILED", SlotID: slotID}, nil
		}
		return Result{}, err
	}

	reset, err := o.previewdb.ResetAndSeed(ctx, previewdb.ResetInput{
		RunID:           runID,
		SlotID:          slotID,
		Strategy:        o.strategy,
		SeedVersion:     o.seedVer,
		SnapshotVersion: o.snapshotVer,
	})
	if err != nil {
		_ = o.worktrees.Cleanup(ctx, slotID, runID)
		_ = o.leases.Release(ctx, slotID, runID)
		return Result{Status: StatusFailed, Reason: "PREVIEW_DB_RESET_FAILED", SlotID: slotID}, nil
	}

	return Result{
		Status:       StatusAllocated,
		SlotID:       slotID,
		BranchName:   binding.BranchName,
		WorktreePath: binding.WorktreePath,
		DBName:       reset.DBName,
	}, nil
}
