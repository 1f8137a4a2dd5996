// Package mergegate is the Merge/Deploy Gate: it finalizes an approved run
// by re-checking it on its exact commit, merging and pushing to main,
// invoking the deploy hook and health probe, and performing the terminal
// state transition — with rollback to the previous release on any
// deploy-side failure.
package mergegate

import (
	"context"
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"

	"metawsm/internal/apierr"
	"metawsm/internal/capability"
	"metawsm/internal/leases"
	"metawsm/internal/model"
	"metawsm/internal/runstate"
	"metawsm/internal/store"
	"metawsm/internal/worktrees"
)

// Gate composes the collaborators the merge/deploy algorithm needs.
type Gate struct {
	store       *store.Store
	git         capability.GitDriver
	deploy      capability.DeployDriver
	health      capability.HealthProbe
	leases      *leases.Manager
	worktrees   *worktrees.Manager
	registry    *Registry
	repoRoot    string
	mainBranch  string
	stepTimeout time.Duration
}

// Config bundles Gate's constructor arguments.
type Config struct {
	Store       *store.Store
	Git         capability.GitDriver
	Deploy      capability.DeployDriver
	Health      capability.HealthProbe
	Leases      *leases.Manager
	Worktrees   *worktrees.Manager
	Registry    *Registry
	RepoRoot    string
	MainBranch  string
	StepTimeout time.Duration
}

// New builds a Gate.
func New(cfg Config) *Gate {
	return &Gate{
		store: cfg.Store, git: cfg.Git, deploy: cfg.Deploy, health: cfg.Health,
		leases: cfg.Leases, worktrees: cfg.Worktrees, registry: cfg.Registry,
		repoRoot: cfg.RepoRoot, mainBranch: cfg.MainBranch, stepTimeout: cfg.StepTimeout,
	}
}

// Finalize runs the entire merge/deploy algorithm for runID. Only callable
// when the run is in RunStatusApproved; every other precondition failure
// surfaces as an *apierr.Error, and every sub-step failure ends in a
// transition to failed with the matching reason code rather than a bare
// error return, since the state machine must record why.
func (g *Gate) Finalize(ctx context.Context, runID string) (model.Run, error) {
	run, err := g.loadRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status != model.RunStatusApproved {
		return model.Run{}, apierr.Newf(apierr.KindConflict, "run %s is not approved (status=%s)", runID, run.Status)
	}

	run, err = runstate.Transition(ctx, g.store, runstate.TransitionInput{RunID: runID, ToStatus: model.RunStatusMerging, EventType: "merge_started"})
	if err != nil {
		return model.Run{}, err
	}

	report, err := g.registry.Run(ctx, CheckInput{RunID: runID, RepoRoot: g.worktreePathFor(run), BranchName: run.BranchName, CommitSHA: run.CommitSHA})
	if err != nil {
		return g.fail(ctx, runID, model.FailureChecksFailed, fmt.Sprintf("required check execution error: %v", err))
	}
	g.recordChecks(ctx, runID, report)
	if !report.Passed {
		code := model.FailureChecksFailed
		for _, r := range report.Results {
			if r.Name == "head_unchanged" && r.Status == checkStatusFailed {
				code = model.FailureMergeConflict
			}
		}
		return g.fail(ctx, runID, code, summarizeFailedChecks(report))
	}

	mergedSHA, err := g.git.Merge(ctx, g.repoRoot, g.mainBranch, run.BranchName)
	if err != nil {
		return g.fail(ctx, runID, model.FailureMergeConflict, fmt.Sprintf("merge failed: %v", err))
	}
	if err := g.withRetry(ctx, func() error { return g.git.Push(ctx, g.repoRoot, g.mainBranch) }); err != nil {
		g.attachArtifact(ctx, runID, "push_diagnostics", err.Error())
		_ = g.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.InsertAuditLog(model.AuditLog{Action: "deploy_push_failed", RunID: runID, CommitSHA: mergedSHA})
		})
		return g.fail(ctx, runID, model.FailureDeployPushFailed, fmt.Sprintf("push failed: %v", err))
	}
	_ = g.store.WithTx(ctx, func(tx *store.Tx) error { return tx.UpdateRunCommitSHA(runID, mergedSHA) })

	run, err = runstate.Transition(ctx, g.store, runstate.TransitionInput{RunID: runID, ToStatus: model.RunStatusDeploying, EventType: "deploy_started"})
	if err != nil {
		return model.Run{}, err
	}

	previous, prevErr := g.currentDeployedRelease(ctx)

	reloadCtx, cancel := context.WithTimeout(ctx, g.stepTimeout)
	reloadOutput, err := g.withRetryOutput(reloadCtx, func() (string, error) { return g.deploy.Reload(reloadCtx) })
	cancel()
	if err != nil {
		g.attachArtifact(ctx, runID, "deploy_reload_log", reloadOutput+"\n"+err.Error())
		g.rollback(ctx, mergedSHA, previous, prevErr)
		return g.fail(ctx, runID, model.FailureDeployHealthcheckFailed, fmt.Sprintf("deploy reload failed: %v", err))
	}

	healthCtx, cancel := context.WithTimeout(ctx, g.stepTimeout)
	healthOutput, err := g.withRetryOutput(healthCtx, func() (string, error) { return g.health.Check(healthCtx) })
	cancel()
	if err != nil {
		g.attachArtifact(ctx, runID, "health_probe_log", healthOutput+"\n"+err.Error())
		g.rollback(ctx, mergedSHA, previous, prevErr)
		return g.fail(ctx, runID, model.FailureDeployHealthcheckFailed, fmt.Sprintf("health probe failed: %v", err))
	}

	run, err = runstate.Transition(ctx, g.store, runstate.TransitionInput{RunID: runID, ToStatus: model.RunStatusMerged, EventType: "merged"})
	if err != nil {
		return model.Run{}, err
	}

	_ = g.store.WithTx(ctx, func(tx *store.Tx) error {
		if prevErr == nil && previous.ReleaseID != "" {
			previous.Status = model.ReleaseStatusReplaced
			if err := tx.UpsertRelease(previous); err != nil {
				return err
			}
		}
		return tx.UpsertRelease(model.Release{ReleaseID: mergedSHA, CommitSHA: mergedSHA, Status: model.ReleaseStatusDeployed})
	})

	if run.SlotID != "" {
		slotID := run.SlotID
		_ = g.worktrees.Cleanup(ctx, slotID, runID)
		_ = g.leases.Release(ctx, slotID, runID)
	}

	return run, nil
}

func (g *Gate) loadRun(ctx context.Context, runID string) (model.Run, error) {
	var run model.Run
	err := g.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		run, err = tx.GetRun(runID)
		if err == store.ErrNotFound {
			return apierr.Newf(apierr.KindNotFound, "run %s not found", runID)
		}
		return err
	})
	return run, err
}

func (g *Gate) worktreePathFor(run model.Run) string {
	if run.WorktreePath != "" {
		return run.WorktreePath
	}
	return g.repoRoot
}

func (g *Gate) fail(ctx context.Context, runID string, code model.FailureReasonCode, detail string) (model.Run, error) {
	run, err := runstate.Transition(ctx, g.store, runstate.TransitionInput{
		RunID: runID, ToStatus: model.RunStatusFailed, FailureReasonCode: &code,
		Payload: map[string]any{"detail": detail}, EventType: "merge_gate_failed",
	})
	if err != nil {
		return model.Run{}, err
	}
	if run.SlotID != "" {
		_ = g.worktrees.Cleanup(ctx, run.SlotID, runID)
		_ = g.leases.Release(ctx, run.SlotID, runID)
	}
	return run, apierr.Newf(apierr.KindConflict, "merge gate failed for run %s: %s (%s)", runID, detail, code)
}

// currentDeployedRelease returns the release row the deploy driver
// currently considers live, or a zero value if none has deployed yet (the
// very first merge in a fresh instance).
func (g *Gate) currentDeployedRelease(ctx context.Context) (model.Release, error) {
	var rel model.Release
	err := g.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rel, err = tx.CurrentRelease()
		if err == store.ErrNotFound {
			err = nil
		}
		return err
	})
	return rel, err
}

// rollback records that the previous release remains the live one. This
// does not attempt to auto-revert a merge already pushed to main; rollback here only
// covers the deploy hook/health-probe failure case, where no new commit was
// introduced beyond the merge that already happened, by leaving the
// deploy-driver-managed "current release" pointer untouched at whatever the
// driver itself considers the rollback target. The control plane's
// responsibility is recording that outcome, not performing the symlink
// switch — that remains the deploy driver's job via its own restore path.
func (g *Gate) rollback(ctx context.Context, failedSHA string, previous model.Release, prevErr error) {
	_ = g.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertRelease(model.Release{ReleaseID: failedSHA, CommitSHA: failedSHA, Status: model.ReleaseStatusDeployFailed}); err != nil {
			return err
		}
		if prevErr == nil && previous.ReleaseID != "" {
			previous.Status = model.ReleaseStatusDeployed
			return tx.UpsertRelease(previous)
		}
		return nil
	})
}

// recordChecks persists one ValidationCheck row per required-check result so
// the Control API's checks route has something to list; a store failure here
// never blocks the merge/deploy algorithm itself.
func (g *Gate) recordChecks(ctx context.Context, runID string, report Report) {
	now := time.Now().UTC()
	_ = g.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, r := range report.Results {
			if _, err := tx.InsertValidationCheck(model.ValidationCheck{
				RunID: runID, CheckName: r.Name, Status: r.Status,
				StartedAt: &now, EndedAt: &now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *Gate) attachArtifact(ctx context.Context, runID, artifactType, payload string) {
	_ = g.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertRunArtifact(model.RunArtifact{
			RunID: runID, ArtifactType: artifactType, URI: "inline:" + uuid.NewString(),
			Payload: map[string]any{"content": payload},
		})
		return err
	})
}

// withRetry retries a transient deploy-side operation with a bounded
// exponential backoff via Rican7/retry.
func (g *Gate) withRetry(ctx context.Context, fn func() error) error {
	return retry.Retry(func(attempt uint) error {
		return fn()
	}, strategy.Limit(3), strategy.Backoff(backoff.BinaryExponential(200*time.Millisecond)))
}

func (g *Gate) withRetryOutput(ctx context.Context, fn func() (string, error)) (string, error) {
	var out string
	err := retry.Retry(func(attempt uint) error {
		var err error
		out, err = fn()
		return err
	}, strategy.Limit(3), strategy.Backoff(backoff.BinaryExponential(200*time.Millisecond)))
	return out, err
}

func summarizeFailedChecks(report Report) string {
	msg := ""
	for _, r := range report.Results {
		if r.Status == checkStatusFailed {
			if msg != "" {
				msg += "; "
			}
			msg += r.Name
			if r.Detail != "" {
				msg += " (" + r.Detail + ")"
			}
		}
	}
	if msg == "" {
		return "required checks failed"
	}
	return msg
}
