package mergegate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"metawsm/internal/apierr"
	"metawsm/internal/capability"
	"metawsm/internal/leases"
	"metawsm/internal/model"
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

func seedApprovedRun(t *testing.T, s *store.Store, runID, commitSHA string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertRun(model.Run{
			RunID: runID, Title: "t", Prompt: "p", Status: model.RunStatusApproved,
			BranchName: "codex/run-" + runID, CommitSHA: commitSHA,
		})
	})
	if err != nil {
		t.Fatalf("seed approved run: %v", err)
	}
}

func newGate(t *testing.T, s *store.Store, git *capability.FakeGitDriver, deploy *capability.FakeDeployDriver, health *capability.FakeHealthProbe) *Gate {
	t.Helper()
	leaseMgr := leases.New(s, []string{"preview-1"}, time.Hour)
	worktreeMgr := worktrees.New(s, git, "/repo", "/worktrees", "main")
	registry := NewRegistry(nil, nil, git, []string{"head_unchanged"})
	return New(Config{
		Store: s, Git: git, Deploy: deploy, Health: health,
		Leases: leaseMgr, Worktrees: worktreeMgr, Registry: registry,
		RepoRoot: "/repo", MainBranch: "main", StepTimeout: 2 * time.Second,
	})
}

func TestFinalizeSucceedsAndMarksMerged(t *testing.T) {
	s := openTestStore(t)
	seedApprovedRun(t, s, "run-1", "headsha1")
	git := capability.NewFakeGitDriver()
	git.SetHeadCommit("/repo", "headsha1")
	health := &capability.FakeHealthProbe{}
	deploy := &capability.FakeDeployDriver{}
	gate := newGate(t, s, git, deploy, health)

	run, err := gate.Finalize(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if run.Status != model.RunStatusMerged {
		t.Fatalf("expected merged, got %s", run.Status)
	}
	if deploy.Calls != 1 || health.Calls != 1 {
		t.Fatalf("expected exactly one deploy+health call, got deploy=%d health=%d", deploy.Calls, health.Calls)
	}
}

func TestFinalizeRejectsRunNotApproved(t *testing.T) {
	s := openTestStore(t)
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertRun(model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusEditing})
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	gate := newGate(t, s, capability.NewFakeGitDriver(), &capability.FakeDeployDriver{}, &capability.FakeHealthProbe{})

	_, err = gate.Finalize(context.Background(), "run-1")
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestFinalizeFailsOnHeadDrift(t *testing.T) {
	s := openTestStore(t)
	seedApprovedRun(t, s, "run-1", "stale-sha")
	git := capability.NewFakeGitDriver()
	git.SetHeadCommit("/repo", "fresh-sha")
	gate := newGate(t, s, git, &capability.FakeDeployDriver{}, &capability.FakeHealthProbe{})

	_, err := gate.Finalize(context.Background(), "run-1")
	if err == nil {
		t.Fatalf("expected finalize to fail on head drift")
	}

	var run model.Run
	loadErr := s.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		run, err = tx.GetRun("run-1")
		return err
	})
	if loadErr != nil {
		t.Fatalf("load run: %v", loadErr)
	}
	if run.Status != model.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.FailureReasonCode == nil || *run.FailureReasonCode != model.FailureMergeConflict {
		t.Fatalf("expected merge_conflict failure reason, got %v", run.FailureReasonCode)
	}
}

func TestFinalizeRollsBackReleaseOnDeployFailure(t *testing.T) {
	s := openTestStore(t)
	seedApprovedRun(t, s, "run-1", "headsha1")
	git := capability.NewFakeGitDriver()
	git.SetHeadCommit("/repo", "headsha1")
	deploy := &capability.FakeDeployDriver{ReloadErr: context.DeadlineExceeded}
	health := &capability.FakeHealthProbe{}
	gate := newGate(t, s, git, deploy, health)

	_, err := gate.Finalize(context.Background(), "run-1")
	if err == nil {
		t.Fatalf("expected finalize to fail on deploy reload error")
	}

	var run model.Run
	loadErr := s.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		run, err = tx.GetRun("run-1")
		return err
	})
	if loadErr != nil {
		t.Fatalf("load run: %v", loadErr)
	}
	if run.Status != model.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.FailureReasonCode == nil || *run.FailureReasonCode != model.FailureDeployHealthcheckFailed {
		t.Fatalf("expected deploy_healthcheck_failed reason, got %v", run.FailureReasonCode)
	}
}
