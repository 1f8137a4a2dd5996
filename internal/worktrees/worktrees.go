// Package worktrees is the Worktree Binding Manager: it owns the mapping
// between an active slot lease and the git branch + on-disk worktree used
// by the coding agent for that run.
package worktrees

import (
	"context"
	"path/filepath"
	"time"

	"metawsm/internal/apierr"
	"metawsm/internal/capability"
	"metawsm/internal/model"
	"metawsm/internal/store"
)

// BranchName returns the canonical branch name for a run. assign rejects
// any run whose existing branch_name does not match this form.
func BranchName(runID string) string {
	return "codex/run-" + runID
}

// Manager binds slots to git branches/worktrees via a capability.GitDriver.
type Manager struct {
	store        *store.Store
	git          capability.GitDriver
	repoRoot     string
	worktreeRoot string
	mainBranch   string
	now          func() time.Time
}

// New builds a Manager. repoRoot is the canonical clone worktree commands
// run against; worktreeRoot is the parent directory under which per-slot
// worktrees are created.
func New(s *store.Store, git capability.GitDriver, repoRoot, worktreeRoot, mainBranch string) *Manager {
	return &Manager{
		store:        s,
		git:          git,
		repoRoot:     repoRoot,
		worktreeRoot: worktreeRoot,
		mainBranch:   mainBranch,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Assign binds slotID's worktree to runID's branch, creating or reusing the
// git worktree as needed. Precondition: the caller has already confirmed
// the slot's lease is held by runID (the allocation orchestrator enforces
// ordering between leases.Acquire and this call).
func (m *Manager) Assign(ctx context.Context, runID, slotID string) (model.SlotWorktreeBinding, error) {
	branch := BranchName(runID)
	worktreePath := filepath.Join(m.worktreeRoot, slotID)

	var run model.Run
	var reused bool
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		run, err = tx.GetRun(runID)
		if err != nil {
			if err == store.ErrNotFound {
				return apierr.Newf(apierr.KindNotFound, "run %s not found", runID)
			}
			return apierr.Wrap(apierr.KindInternal, "load run", err)
		}
		if run.BranchName != "" && run.BranchName != branch {
			return apierr.Newf(apierr.KindConflict, "run %s already has branch %s, expected %s", runID, run.BranchName, branch).WithDetail(map[string]any{"code": "branch_conflict"})
		}

		existing, err := tx.GetSlotBinding(slotID)
		if err != nil && err != store.ErrNotFound {
			return apierr.Wrap(apierr.KindInternal, "load slot binding", err)
		}
		reused = err == nil && existing.BindingState == model.BindingStateActive && existing.BranchName == branch && existing.WorktreePath == worktreePath
		return nil
	})
	if err != nil {
		return model.SlotWorktreeBinding{}, err
	}

	if !reused {
		if err := m.git.EnsureBranch(ctx, m.repoRoot, branch); err != nil {
			return model.SlotWorktreeBinding{}, apierr.Wrap(apierr.KindDriverFailed, "ensure branch", err)
		}
		if err := m.git.CreateWorktree(ctx, m.repoRoot, worktreePath, branch); err != nil {
			return model.SlotWorktreeBinding{}, apierr.Wrap(apierr.KindDriverFailed, "create worktree", err)
		}
	}

	action := model.BindingActionAssigned
	eventType := "worktree_assigned"
	auditAction := "worktree.assign"
	if reused {
		action = model.BindingActionReused
		eventType = "worktree_reused"
		auditAction = "worktree.reuse"
	}

	var binding model.SlotWorktreeBinding
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		now := m.now()
		binding = model.SlotWorktreeBinding{
			SlotID:       slotID,
			RunID:        runID,
			BranchName:   branch,
			WorktreePath: worktreePath,
			BindingState: model.BindingStateActive,
			LastAction:   action,
			AssignedAt:   &now,
		}
		if err := tx.UpsertSlotBinding(binding); err != nil {
			return apierr.Wrap(apierr.KindInternal, "upsert slot binding", err)
		}
		if err := tx.UpdateRunAllocation(runID, slotID, branch, worktreePath); err != nil {
			return apierr.Wrap(apierr.KindInternal, "update run allocation", err)
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     runID,
			EventType: eventType,
			Payload:   map[string]any{"slot_id": slotID, "branch_name": branch, "worktree_path": worktreePath},
		}, "worktree."+string(action)); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert worktree event", err)
		}
		if err := tx.InsertAuditLog(model.AuditLog{
			Action: auditAction,
			RunID:  runID,
			SlotID: slotID,
		}); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert audit log", err)
		}
		return nil
	})
	if err != nil {
		return model.SlotWorktreeBinding{}, err
	}
	return binding, nil
}

// Cleanup removes the worktree bound to slotID and marks the binding
// released. If runID is supplied it is only applied when the binding
// currently belongs to that run. Removing an already-absent worktree is
// treated as idempotent success, matching the safety rule that cleanup must
// never force through uncommitted changes.
func (m *Manager) Cleanup(ctx context.Context, slotID, runID string) error {
	var binding model.SlotWorktreeBinding
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		binding, err = tx.GetSlotBinding(slotID)
		if err != nil {
			if err == store.ErrNotFound {
				return apierr.Newf(apierr.KindNotFound, "slot %s not found", slotID)
			}
			return apierr.Wrap(apierr.KindInternal, "load slot binding", err)
		}
		if runID != "" && binding.RunID != runID {
			return apierr.Newf(apierr.KindLeaseMismatch, "slot %s worktree is not bound to run %s", slotID, runID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if binding.BindingState == model.BindingStateActive && binding.WorktreePath != "" {
		if err := m.git.RemoveWorktree(ctx, m.repoRoot, binding.WorktreePath); err != nil {
			return apierr.Wrap(apierr.KindDriverFailed, "remove worktree", err)
		}
	}

	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		now := m.now()
		releasedRunID := binding.RunID
		binding.RunID = ""
		binding.BindingState = model.BindingStateReleased
		binding.LastAction = model.BindingActionCleanedUp
		binding.ReleasedAt = &now
		if err := tx.UpsertSlotBinding(binding); err != nil {
			return apierr.Wrap(apierr.KindInternal, "upsert slot binding", err)
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     releasedRunID,
			EventType: "worktree_cleaned",
			Payload:   map[string]any{"slot_id": slotID},
		}, "worktree.cleaned"); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert worktree_cleaned event", err)
		}
		if err := tx.InsertAuditLog(model.AuditLog{
			Action: "worktree.cleanup",
			RunID:  releasedRunID,
			SlotID: slotID,
		}); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert audit log", err)
		}
		return nil
	})
}
