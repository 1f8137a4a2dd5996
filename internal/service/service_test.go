package service

import (
	"context"
	"path/filepath"
	"testing"

	"metawsm/internal/apierr"
	"metawsm/internal/capability"
	"metawsm/internal/config"
	"metawsm/internal/eventbus"
	"metawsm/internal/model"
	"metawsm/internal/runstate"
	"metawsm/internal/store"
)

func newTestService(t *testing.T) (*Service, *capability.FakeGitDriver) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "controlplane.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.Default()
	cfg.Slots.IDs = []string{"preview-1"}
	cfg.MergeGate.RequiredChecks = []string{"head_unchanged"}
	cfg.Workspace.RepoRoot = "/repo"

	git := capability.NewFakeGitDriver()
	drivers := Drivers{
		Git:     git,
		DBReset: capability.NewFakeDBResetDriver(),
		Deploy:  &capability.FakeDeployDriver{},
		Health:  &capability.FakeHealthProbe{},
	}
	svc, err := New(s, cfg, drivers, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, git
}

func TestSubmitRunRequiresTitleAndPrompt(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.SubmitRun(context.Background(), SubmitRunInput{})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitAllocateTransitionLifecycle(t *testing.T) {
	svc, _ := newTestService(t)

	run, err := svc.SubmitRun(context.Background(), SubmitRunInput{Title: "fix header", Prompt: "fix the header spacing", Route: "/home"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	if run.Status != model.RunStatusQueued {
		t.Fatalf("expected queued, got %s", run.Status)
	}

	run, err = svc.Transition(context.Background(), runstate.TransitionInput{RunID: run.RunID, ToStatus: model.RunStatusPlanning})
	if err != nil {
		t.Fatalf("transition to planning: %v", err)
	}
	run, err = svc.Transition(context.Background(), runstate.TransitionInput{RunID: run.RunID, ToStatus: model.RunStatusEditing})
	if err != nil {
		t.Fatalf("transition to editing: %v", err)
	}

	result, err := svc.Allocate(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if result.SlotID != "preview-1" {
		t.Fatalf("expected preview-1, got %+v", result)
	}
}

func TestRecordApprovalRejectionFailsRun(t *testing.T) {
	svc, _ := newTestService(t)
	run, err := svc.SubmitRun(context.Background(), SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	for _, status := range []model.RunStatus{model.RunStatusPlanning, model.RunStatusEditing, model.RunStatusTesting, model.RunStatusPreviewReady, model.RunStatusNeedsApproval} {
		run, err = svc.Transition(context.Background(), runstate.TransitionInput{RunID: run.RunID, ToStatus: status})
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	run, err = svc.RecordApproval(context.Background(), run.RunID, "reviewer-1", model.ApprovalDecisionRejected, "needs more work")
	if err != nil {
		t.Fatalf("record rejection: %v", err)
	}
	if run.Status != model.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.FailureReasonCode == nil || *run.FailureReasonCode != model.FailurePolicyRejected {
		t.Fatalf("expected policy_rejected reason, got %v", run.FailureReasonCode)
	}
}

func TestFinalizeMergeEndToEnd(t *testing.T) {
	svc, git := newTestService(t)
	run, err := svc.SubmitRun(context.Background(), SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	for _, status := range []model.RunStatus{model.RunStatusPlanning, model.RunStatusEditing, model.RunStatusTesting, model.RunStatusPreviewReady, model.RunStatusNeedsApproval} {
		run, err = svc.Transition(context.Background(), runstate.TransitionInput{RunID: run.RunID, ToStatus: status})
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	run, err = svc.RecordApproval(context.Background(), run.RunID, "reviewer-1", model.ApprovalDecisionApproved, "")
	if err != nil {
		t.Fatalf("record approval: %v", err)
	}
	if run.Status != model.RunStatusApproved {
		t.Fatalf("expected approved, got %s", run.Status)
	}

	git.SetHeadCommit("/repo", run.CommitSHA)
	merged, err := svc.FinalizeMerge(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("finalize merge: %v", err)
	}
	if merged.Status != model.RunStatusMerged {
		t.Fatalf("expected merged, got %s", merged.Status)
	}
}

func TestListRunsFiltersByStatusAndRoute(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.SubmitRun(ctx, SubmitRunInput{Title: "a", Prompt: "p", Route: "/home"}); err != nil {
		t.Fatalf("submit run a: %v", err)
	}
	if _, err := svc.SubmitRun(ctx, SubmitRunInput{Title: "b", Prompt: "p", Route: "/pricing"}); err != nil {
		t.Fatalf("submit run b: %v", err)
	}

	runs, err := svc.ListRuns(ctx, ListRunsInput{Status: model.RunStatusQueued, Route: "/home"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Title != "a" {
		t.Fatalf("expected only run a, got %+v", runs)
	}
}

func TestGetRunNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetRun(context.Background(), "missing")
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestListSlotsAndWorktreesReflectAllocation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	run, err := svc.SubmitRun(ctx, SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	run, err = svc.Transition(ctx, runstate.TransitionInput{RunID: run.RunID, ToStatus: model.RunStatusPlanning})
	if err != nil {
		t.Fatalf("transition to planning: %v", err)
	}
	if _, err = svc.Transition(ctx, runstate.TransitionInput{RunID: run.RunID, ToStatus: model.RunStatusEditing}); err != nil {
		t.Fatalf("transition to editing: %v", err)
	}
	if _, err := svc.Allocate(ctx, run.RunID); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	slots, err := svc.ListSlots(ctx)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	if len(slots) != 1 || slots[0].RunID != run.RunID {
		t.Fatalf("expected one leased slot for run, got %+v", slots)
	}

	bindings, err := svc.ListWorktrees(ctx)
	if err != nil {
		t.Fatalf("list worktrees: %v", err)
	}
	if len(bindings) != 1 || bindings[0].RunID != run.RunID {
		t.Fatalf("expected one worktree binding for run, got %+v", bindings)
	}
}

func TestListEventsChecksApprovalsAfterFullLifecycle(t *testing.T) {
	svc, git := newTestService(t)
	ctx := context.Background()
	run, err := svc.SubmitRun(ctx, SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	for _, status := range []model.RunStatus{model.RunStatusPlanning, model.RunStatusEditing, model.RunStatusTesting, model.RunStatusPreviewReady, model.RunStatusNeedsApproval} {
		run, err = svc.Transition(ctx, runstate.TransitionInput{RunID: run.RunID, ToStatus: status})
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	run, err = svc.RecordApproval(ctx, run.RunID, "reviewer-1", model.ApprovalDecisionApproved, "")
	if err != nil {
		t.Fatalf("record approval: %v", err)
	}
	git.SetHeadCommit("/repo", run.CommitSHA)
	if _, err := svc.FinalizeMerge(ctx, run.RunID); err != nil {
		t.Fatalf("finalize merge: %v", err)
	}

	events, err := svc.ListEvents(ctx, run.RunID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected a non-empty event log")
	}

	checks, err := svc.ListChecks(ctx, run.RunID)
	if err != nil {
		t.Fatalf("list checks: %v", err)
	}
	if len(checks) == 0 {
		t.Fatalf("expected at least one recorded check")
	}

	approvals, err := svc.ListApprovals(ctx, run.RunID)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(approvals) != 1 || approvals[0].Decision != model.ApprovalDecisionApproved {
		t.Fatalf("expected one approved approval, got %+v", approvals)
	}

	releases, err := svc.ListReleases(ctx, 10)
	if err != nil {
		t.Fatalf("list releases: %v", err)
	}
	if len(releases) != 1 {
		t.Fatalf("expected one release, got %+v", releases)
	}
	got, err := svc.GetRelease(ctx, releases[0].ReleaseID)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	if got.ReleaseID != releases[0].ReleaseID {
		t.Fatalf("get release mismatch: %+v vs %+v", got, releases[0])
	}
}

func TestExpireThenResumeClonesIntoFreshQueuedRun(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	run, err := svc.SubmitRun(ctx, SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}

	run, err = svc.Expire(ctx, run.RunID, "operator reclaim")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if run.Status != model.RunStatusExpired {
		t.Fatalf("expected expired, got %s", run.Status)
	}

	resumed, err := svc.Resume(ctx, run.RunID, "operator-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != model.RunStatusQueued {
		t.Fatalf("expected queued, got %s", resumed.Status)
	}
	if resumed.ParentRunID != run.RunID {
		t.Fatalf("expected resumed run to reference parent %s, got %s", run.RunID, resumed.ParentRunID)
	}
}

func TestResumeRejectsNonExpiredRun(t *testing.T) {
	svc, _ := newTestService(t)
	run, err := svc.SubmitRun(context.Background(), SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	_, err = svc.Resume(context.Background(), run.RunID, "operator-1")
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestListEventsSinceOnlyReturnsNewerRows(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	run, err := svc.SubmitRun(ctx, SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	first, err := svc.ListEventsSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list events since 0: %v", err)
	}
	if len(first) == 0 {
		t.Fatalf("expected at least one event after submit")
	}
	lastID := first[len(first)-1].ID

	if _, err := svc.Cancel(ctx, run.RunID, "no longer needed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	next, err := svc.ListEventsSince(ctx, lastID, 10)
	if err != nil {
		t.Fatalf("list events since %d: %v", lastID, err)
	}
	if len(next) == 0 {
		t.Fatalf("expected new events after cancel")
	}
	for _, e := range next {
		if e.ID <= lastID {
			t.Fatalf("expected only events newer than %d, got id=%d", lastID, e.ID)
		}
	}
}

func TestDrainEventsNoopWithoutPublisher(t *testing.T) {
	svc, _ := newTestService(t)
	n, err := svc.DrainEvents(context.Background())
	if err != nil {
		t.Fatalf("drain events: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 drained with no publisher, got %d", n)
	}
}

func TestDrainEventsPublishesViaFakePublisher(t *testing.T) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "controlplane.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.Default()
	cfg.Slots.IDs = []string{"preview-1"}
	publisher := eventbus.NewFakePublisher()
	drivers := Drivers{
		Git: capability.NewFakeGitDriver(), DBReset: capability.NewFakeDBResetDriver(),
		Deploy: &capability.FakeDeployDriver{}, Health: &capability.FakeHealthProbe{},
	}
	svc, err := New(s, cfg, drivers, publisher)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.SubmitRun(context.Background(), SubmitRunInput{Title: "t", Prompt: "p"}); err != nil {
		t.Fatalf("submit run: %v", err)
	}
	n, err := svc.DrainEvents(context.Background())
	if err != nil {
		t.Fatalf("drain events: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one event drained")
	}
}
