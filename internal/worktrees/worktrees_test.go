package worktrees

import (
	"context"
	"path/filepath"
	"testing"

	"metawsm/internal/apierr"
	"metawsm/internal/capability"
	"metawsm/internal/model"
	"metawsm/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "controlplane.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *store.Store, runID string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertRun(model.Run{RunID: runID, Title: "t", Prompt: "p", Status: model.RunStatusEditing})
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestAssignCreatesBranchAndWorktree(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	git := capability.NewFakeGitDriver()
	mgr := New(s, git, "/repo", "/worktrees", "main")

	binding, err := mgr.Assign(context.Background(), "run-1", "preview-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if binding.BranchName != BranchName("run-1") {
		t.Fatalf("expected branch %s, got %s", BranchName("run-1"), binding.BranchName)
	}
	if binding.BindingState != model.BindingStateActive {
		t.Fatalf("expected active binding, got %s", binding.BindingState)
	}
	if binding.LastAction != model.BindingActionAssigned {
		t.Fatalf("expected assigned action, got %s", binding.LastAction)
	}
}

func TestAssignReusesExistingBinding(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	git := capability.NewFakeGitDriver()
	mgr := New(s, git, "/repo", "/worktrees", "main")

	if _, err := mgr.Assign(context.Background(), "run-1", "preview-1"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	binding, err := mgr.Assign(context.Background(), "run-1", "preview-1")
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if binding.LastAction != model.BindingActionReused {
		t.Fatalf("expected reused action on second assign, got %s", binding.LastAction)
	}
}

func TestAssignRejectsBranchConflict(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.UpdateRunAllocation("run-1", "", "some-other-branch", "")
	})
	if err != nil {
		t.Fatalf("seed conflicting branch: %v", err)
	}
	git := capability.NewFakeGitDriver()
	mgr := New(s, git, "/repo", "/worktrees", "main")

	_, err = mgr.Assign(context.Background(), "run-1", "preview-1")
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestCleanupRemovesWorktreeAndReleasesBinding(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	git := capability.NewFakeGitDriver()
	mgr := New(s, git, "/repo", "/worktrees", "main")
	if _, err := mgr.Assign(context.Background(), "run-1", "preview-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := mgr.Cleanup(context.Background(), "preview-1", "run-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	var binding model.SlotWorktreeBinding
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		binding, err = tx.GetSlotBinding("preview-1")
		return err
	})
	if err != nil {
		t.Fatalf("get slot binding: %v", err)
	}
	if binding.BindingState != model.BindingStateReleased {
		t.Fatalf("expected released binding, got %s", binding.BindingState)
	}
}

func TestCleanupRejectsMismatchedRun(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	git := capability.NewFakeGitDriver()
	mgr := New(s, git, "/repo", "/worktrees", "main")
	if _, err := mgr.Assign(context.Background(), "run-1", "preview-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	err := mgr.Cleanup(context.Background(), "preview-1", "run-2")
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindLeaseMismatch {
		t.Fatalf("expected lease mismatch error, got %v", err)
	}
}
