package allocation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"metawsm/internal/capability"
	"metawsm/internal/leases"
	"metawsm/internal/model"
	"metawsm/internal/previewdb"
	"metawsm/internal/store"
	"metawsm/internal/worktrees"
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

func newOrchestrator(t *testing.T, s *store.Store, git capability.GitDriver, db capability.DBResetDriver) *Orchestrator {
	t.Helper()
	leaseMgr := leases.New(s, []string{"preview-1"}, time.Hour)
	if err := leaseMgr.EnsureSlots(context.Background()); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}
	worktreeMgr := worktrees.New(s, git, "/repo", "/worktrees", "main")
	previewCoord := previewdb.New(s, db, "app_preview_{n}", "/seeds/seed_{version}.sql", "/snapshots/snapshot_{version}.sql")
	return New(leaseMgr, worktreeMgr, previewCoord, model.ResetStrategySeed, "v1", "")
}

func TestAllocateSucceedsEndToEnd(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	orch := newOrchestrator(t, s, capability.NewFakeGitDriver(), capability.NewFakeDBResetDriver())

	result, err := orch.Allocate(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if result.Status != StatusAllocated {
		t.Fatalf("expected allocated, got %+v", result)
	}
	if result.SlotID != "preview-1" || result.DBName != "app_preview_1" {
		t.Fatalf("unexpected allocation result: %+v", result)
	}
}

func TestAllocateReportsWaitingWhenSlotsSaturated(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	seedRun(t, s, "run-2")
	orch := newOrchestrator(t, s, capability.NewFakeGitDriver(), capability.NewFakeDBResetDriver())

	if _, err := orch.Allocate(context.Background(), "run-1"); err != nil {
		t.Fatalf("allocate run-1: %v", err)
	}
	result, err := orch.Allocate(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("allocate run-2: %v", err)
	}
	if result.Status != StatusWaiting {
		t.Fatalf("expected waiting, got %+v", result)
	}
	if len(result.OccupiedSlots) != 1 || result.OccupiedSlots[0] != "preview-1" {
		t.Fatalf("expected occupied slots [preview-1], got %v", result.OccupiedSlots)
	}
}

func TestAllocateReleasesSlotWhenPreviewDBResetFails(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	db := capability.NewFakeDBResetDriver()
	db.DropErr = context.DeadlineExceeded
	orch := newOrchestrator(t, s, capability.NewFakeGitDriver(), db)

	result, err := orch.Allocate(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if result.Status != StatusFailed || result.Reason != "PREVIEW_DB_RESET_FAILED" {
		t.Fatalf("expected preview db reset failure, got %+v", result)
	}

	retry, err := orch.Allocate(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("retry allocate: %v", err)
	}
	if retry.Status != StatusFailed || retry.SlotID != "preview-1" {
		t.Fatalf("expected slot preview-1 to be released and retried, got %+v", retry)
	}
}
