// Package service composes every domain package into the single entry
// point the Control API and CLI call through: one struct wiring the store,
// the event bus, and every operation a caller can invoke.
package service

import (
	"context"
	"fmt"
	"time"

	"metawsm/internal/allocation"
	"metawsm/internal/apierr"
	"metawsm/internal/capability"
	"metawsm/internal/config"
	"metawsm/internal/eventbus"
	"metawsm/internal/leases"
	"metawsm/internal/mergegate"
	"metawsm/internal/model"
	"metawsm/internal/previewdb"
	"metawsm/internal/runstate"
	"metawsm/internal/store"
	"metawsm/internal/worktrees"

	"github.com/google/uuid"
)

// Service is the control plane's single composition root.
type Service struct {
	store      *store.Store
	cfg        config.Config
	leases     *leases.Manager
	worktrees  *worktrees.Manager
	previewdb  *previewdb.Coordinator
	allocation *allocation.Orchestrator
	mergegate  *mergegate.Gate
	bus        *eventbus.Runtime
}

// Drivers bundles the external-system capabilities a New caller must
// supply; tests substitute the in-memory fakes from internal/capability.
type Drivers struct {
	Git     capability.GitDriver
	DBReset capability.DBResetDriver
	Deploy  capability.DeployDriver
	Health  capability.HealthProbe
}

// New wires every domain package against cfg and the given store,
// returning a ready-to-use Service. publisher may be nil, in which case the
// outbox is left to accumulate until a caller later attaches a Runtime
// (e.g. in a test that only checks event rows, never drains them).
func New(s *store.Store, cfg config.Config, drivers Drivers, publisher eventbus.Publisher) (*Service, error) {
	ttl := time.Duration(cfg.Slots.LeaseTTLSeconds) * time.Second
	leaseMgr := leases.New(s, cfg.Slots.IDs, ttl)
	if err := leaseMgr.EnsureSlots(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure slots: %w", err)
	}

	worktreeMgr := worktrees.New(s, drivers.Git, cfg.Workspace.RepoRoot, cfg.Workspace.WorktreeRoot, cfg.Workspace.MainBranch)
	previewCoord := previewdb.New(s, drivers.DBReset, cfg.PreviewDB.NameTemplate, cfg.PreviewDB.SeedFileTemplate, cfg.PreviewDB.SnapshotTemplate)
	allocOrch := allocation.New(leaseMgr, worktreeMgr, previewCoord, config.ResetStrategyDefault(), "latest", "latest")

	registry := mergegate.NewRegistry(cfg.MergeGate.TestCommands, cfg.MergeGate.ForbiddenFilePatterns, drivers.Git, cfg.MergeGate.RequiredChecks)
	gate := mergegate.New(mergegate.Config{
		Store: s, Git: drivers.Git, Deploy: drivers.Deploy, Health: drivers.Health,
		Leases: leaseMgr, Worktrees: worktreeMgr, Registry: registry,
		RepoRoot: cfg.Workspace.RepoRoot, MainBranch: cfg.Workspace.MainBranch,
		StepTimeout: time.Duration(cfg.Deploy.StepTimeoutSeconds) * time.Second,
	})

	var bus *eventbus.Runtime
	if publisher != nil {
		bus = eventbus.NewRuntime(s, publisher, 100)
	}

	return &Service{
		store: s, cfg: cfg,
		leases: leaseMgr, worktrees: worktreeMgr, previewdb: previewCoord,
		allocation: allocOrch, mergegate: gate, bus: bus,
	}, nil
}

// Store exposes the underlying store for read-only query handlers (list
// runs, list slots, get run history) that don't warrant their own
// domain-package method.
func (s *Service) Store() *store.Store { return s.store }

// SubmitRunInput is the Control API's run-creation contract.
type SubmitRunInput struct {
	Title       string
	Prompt      string
	Route       string
	PageTitle   string
	ElementHint string
	Note        string
	Metadata    map[string]any
	CreatedBy   string
}

// SubmitRun creates a new queued run, its immutable context row, and a
// "submitted" run event.
func (s *Service) SubmitRun(ctx context.Context, in SubmitRunInput) (model.Run, error) {
	if in.Title == "" || in.Prompt == "" {
		return model.Run{}, apierr.New(apierr.KindValidation, "title and prompt are required")
	}
	run := model.Run{
		RunID: uuid.NewString(), Title: in.Title, Prompt: in.Prompt,
		Status: model.RunStatusQueued, Route: in.Route, CreatedBy: in.CreatedBy,
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertRun(run); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert run", err)
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     run.RunID,
			EventType: "submitted",
			StatusTo:  string(model.RunStatusQueued),
		}, "run.submitted"); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert submitted event", err)
		}
		return tx.UpsertRunContext(model.RunContext{
			RunID: run.RunID, Route: in.Route, PageTitle: in.PageTitle,
			ElementHint: in.ElementHint, Note: in.Note, Metadata: in.Metadata,
		})
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// Allocate runs the Allocation Orchestrator for runID.
func (s *Service) Allocate(ctx context.Context, runID string) (allocation.Result, error) {
	return s.allocation.Allocate(ctx, runID)
}

// Transition moves runID between statuses via the Run State Machine.
func (s *Service) Transition(ctx context.Context, in runstate.TransitionInput) (model.Run, error) {
	return runstate.Transition(ctx, s.store, in)
}

// Retry clones a terminal run into a fresh queued run.
func (s *Service) Retry(ctx context.Context, runID string, createdBy string) (model.Run, error) {
	return runstate.Retry(ctx, s.store, runID, createdBy)
}

// Cancel transitions runID to canceled.
func (s *Service) Cancel(ctx context.Context, runID, reason string) (model.Run, error) {
	return runstate.Cancel(ctx, s.store, runID, reason)
}

// Expire manually transitions runID to expired, for an operator reclaiming
// a run stuck waiting on a resource rather than the automatic path
// ReapExpiredLeases drives off a lease timeout.
func (s *Service) Expire(ctx context.Context, runID, reason string) (model.Run, error) {
	return runstate.Transition(ctx, s.store, runstate.TransitionInput{
		RunID: runID, ToStatus: model.RunStatusExpired,
		Payload: map[string]any{"reason": reason}, EventType: "expired_manual",
	})
}

// Resume clones an expired run into a fresh queued run, the same mechanism
// Retry uses for failed/canceled runs, but restricted to the expired status
// so a caller can't use "resume" to sidestep a genuine failure or a
// deliberate cancel.
func (s *Service) Resume(ctx context.Context, runID, createdBy string) (model.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status != model.RunStatusExpired {
		return model.Run{}, apierr.Newf(apierr.KindConflict, "run %s is not expired (status=%s)", runID, run.Status)
	}
	return runstate.Retry(ctx, s.store, runID, createdBy)
}

// RecordApproval stores a reviewer decision and, on approval, transitions
// the run to approved; on rejection, transitions it to failed with
// POLICY_REJECTED.
func (s *Service) RecordApproval(ctx context.Context, runID, reviewerID string, decision model.ApprovalDecision, reason string) (model.Run, error) {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertApproval(model.Approval{RunID: runID, ReviewerID: reviewerID, Decision: decision, Reason: reason})
		return err
	})
	if err != nil {
		return model.Run{}, apierr.Wrap(apierr.KindInternal, "insert approval", err)
	}
	if decision == model.ApprovalDecisionRejected {
		code := model.FailurePolicyRejected
		return runstate.Transition(ctx, s.store, runstate.TransitionInput{
			RunID: runID, ToStatus: model.RunStatusFailed, FailureReasonCode: &code,
			Payload: map[string]any{"reason": reason}, EventType: "approval_rejected",
		})
	}
	return runstate.Transition(ctx, s.store, runstate.TransitionInput{
		RunID: runID, ToStatus: model.RunStatusApproved, EventType: "approved",
	})
}

// FinalizeMerge runs the Merge/Deploy Gate for runID.
func (s *Service) FinalizeMerge(ctx context.Context, runID string) (model.Run, error) {
	return s.mergegate.Finalize(ctx, runID)
}

// ReapExpiredLeases scans every slot for an expired lease and transitions
// the owning run to expired, recording reason=PREVIEW_EXPIRED in the event
// payload. A run whose status does not allow that transition (for example
// one already terminal) gets a slot_expiry_transition_skipped event instead.
func (s *Service) ReapExpiredLeases(ctx context.Context) (int, error) {
	return s.leases.ReapExpired(ctx, func(ctx context.Context, runID string) error {
		_, err := runstate.Transition(ctx, s.store, runstate.TransitionInput{
			RunID: runID, ToStatus: model.RunStatusExpired, EventType: "lease_expired",
			Payload: map[string]any{"reason": string(model.FailurePreviewExpired)},
		})
		if e, ok := apierr.As(err); ok && e.Kind == apierr.KindConflict {
			reason := err.Error()
			return s.store.WithTx(ctx, func(tx *store.Tx) error {
				_, werr := tx.InsertRunEvent(model.RunEvent{
					RunID: runID, EventType: "slot_expiry_transition_skipped",
					Payload: map[string]any{"reason": reason},
				}, "slot.expiry_transition_skipped")
				return werr
			})
		}
		return err
	})
}

// DrainEvents publishes any pending outbox rows, a no-op if no publisher
// was configured.
func (s *Service) DrainEvents(ctx context.Context) (int, error) {
	if s.bus == nil {
		return 0, nil
	}
	return s.bus.DrainOnce(ctx)
}

// Config returns the configuration Service was built with, so the server
// and CLI layers can read ports, timeouts, and auth settings without a
// second config load.
func (s *Service) Config() config.Config { return s.cfg }

// GetRun fetches a single run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var run model.Run
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		run, err = tx.GetRun(runID)
		if err == store.ErrNotFound {
			return apierr.Newf(apierr.KindNotFound, "run %s not found", runID)
		}
		return err
	})
	return run, err
}

// ListRunsInput is the Control API's run-listing contract.
type ListRunsInput struct {
	Status model.RunStatus
	Route  string
	Limit  int
	Offset int
}

// ListRuns returns runs matching the given filters, newest first.
func (s *Service) ListRuns(ctx context.Context, in ListRunsInput) ([]model.Run, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	var runs []model.Run
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		runs, err = tx.ListRuns(in.Status, in.Route, limit, in.Offset)
		return err
	})
	return runs, err
}

// ListEvents returns the event log for a run, oldest first.
func (s *Service) ListEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	var events []model.RunEvent
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		events, err = tx.ListRunEvents(runID)
		return err
	})
	return events, err
}

// ListEventsSince returns every event with id > sinceID across all runs,
// for the Control API's live event stream fanout pump.
func (s *Service) ListEventsSince(ctx context.Context, sinceID int64, limit int) ([]model.RunEvent, error) {
	var events []model.RunEvent
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		events, err = tx.ListRunEventsSince(sinceID, limit)
		return err
	})
	return events, err
}

// ListChecks returns the validation checks recorded for a run.
func (s *Service) ListChecks(ctx context.Context, runID string) ([]model.ValidationCheck, error) {
	var checks []model.ValidationCheck
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		checks, err = tx.ListValidationChecks(runID)
		return err
	})
	return checks, err
}

// ListApprovals returns the approval decisions recorded for a run.
func (s *Service) ListApprovals(ctx context.Context, runID string) ([]model.Approval, error) {
	var approvals []model.Approval
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		approvals, err = tx.ListApprovals(runID)
		return err
	})
	return approvals, err
}

// ListArtifacts returns the artifacts attached to a run.
func (s *Service) ListArtifacts(ctx context.Context, runID string) ([]model.RunArtifact, error) {
	var artifacts []model.RunArtifact
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		artifacts, err = tx.ListRunArtifacts(runID)
		return err
	})
	return artifacts, err
}

// ListSlots returns every configured slot's current lease state.
func (s *Service) ListSlots(ctx context.Context) ([]model.SlotLease, error) {
	var leases []model.SlotLease
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		leases, err = tx.ListSlotLeases()
		return err
	})
	return leases, err
}

// ListWorktrees returns every configured slot's current worktree binding.
func (s *Service) ListWorktrees(ctx context.Context) ([]model.SlotWorktreeBinding, error) {
	var bindings []model.SlotWorktreeBinding
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		bindings, err = tx.ListSlotBindings()
		return err
	})
	return bindings, err
}

// AcquireSlot leases a free slot for runID directly, bypassing the
// Allocation Orchestrator's worktree/DB-reset steps, for callers that
// manage those steps themselves.
func (s *Service) AcquireSlot(ctx context.Context, runID string) (leases.AcquireResult, error) {
	return s.leases.Acquire(ctx, runID)
}

// HeartbeatSlot extends slotID's lease on behalf of runID.
func (s *Service) HeartbeatSlot(ctx context.Context, slotID, runID string) error {
	return s.leases.Heartbeat(ctx, slotID, runID)
}

// ReleaseSlot releases slotID's lease on behalf of runID.
func (s *Service) ReleaseSlot(ctx context.Context, slotID, runID string) error {
	return s.leases.Release(ctx, slotID, runID)
}

// ReapExpiredSlots is an alias kept for the Control API's
// /api/slots/reap-expired route; it delegates to ReapExpiredLeases.
func (s *Service) ReapExpiredSlots(ctx context.Context) (int, error) {
	return s.ReapExpiredLeases(ctx)
}

// AssignWorktree creates or reuses the branch/worktree binding for slotID
// and runID.
func (s *Service) AssignWorktree(ctx context.Context, runID, slotID string) (model.SlotWorktreeBinding, error) {
	return s.worktrees.Assign(ctx, runID, slotID)
}

// CleanupWorktree removes slotID's worktree and releases its binding.
func (s *Service) CleanupWorktree(ctx context.Context, slotID, runID string) error {
	return s.worktrees.Cleanup(ctx, slotID, runID)
}

// ListReleases returns the most recent releases, newest first.
func (s *Service) ListReleases(ctx context.Context, limit int) ([]model.Release, error) {
	if limit <= 0 {
		limit = 50
	}
	var releases []model.Release
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		releases, err = tx.ListReleases(limit)
		return err
	})
	return releases, err
}

// GetRelease fetches a single release by id.
func (s *Service) GetRelease(ctx context.Context, releaseID string) (model.Release, error) {
	var release model.Release
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		release, err = tx.GetRelease(releaseID)
		if err == store.ErrNotFound {
			return apierr.Newf(apierr.KindNotFound, "release %s not found", releaseID)
		}
		return err
	})
	return release, err
}
