// Package serviceapi is the boundary between transport (the Control API's
// HTTP handlers, the CLI) and the control plane's actual logic in
// internal/service. Core lets both a same-process call (LocalCore) and an
// HTTP round trip to a remote instance (RemoteCore) satisfy the same
// interface.
package serviceapi

import (
	"context"

	"metawsm/internal/allocation"
	"metawsm/internal/leases"
	"metawsm/internal/model"
	"metawsm/internal/runstate"
	"metawsm/internal/service"
)

// Core is every operation the transport layer can invoke against the
// control plane, whether it lives in this process or across the network.
type Core interface {
	SubmitRun(ctx context.Context, in service.SubmitRunInput) (model.Run, error)
	GetRun(ctx context.Context, runID string) (model.Run, error)
	ListRuns(ctx context.Context, in service.ListRunsInput) ([]model.Run, error)
	Transition(ctx context.Context, in runstate.TransitionInput) (model.Run, error)
	Cancel(ctx context.Context, runID, reason string) (model.Run, error)
	Retry(ctx context.Context, runID, createdBy string) (model.Run, error)
	Expire(ctx context.Context, runID, reason string) (model.Run, error)
	Resume(ctx context.Context, runID, createdBy string) (model.Run, error)
	Allocate(ctx context.Context, runID string) (allocation.Result, error)
	FinalizeMerge(ctx context.Context, runID string) (model.Run, error)

	ListEvents(ctx context.Context, runID string) ([]model.RunEvent, error)
	ListEventsSince(ctx context.Context, sinceID int64, limit int) ([]model.RunEvent, error)
	ListChecks(ctx context.Context, runID string) ([]model.ValidationCheck, error)
	ListApprovals(ctx context.Context, runID string) ([]model.Approval, error)
	RecordApproval(ctx context.Context, runID, reviewerID string, decision model.ApprovalDecision, reason string) (model.Run, error)
	ListArtifacts(ctx context.Context, runID string) ([]model.RunArtifact, error)

	ListSlots(ctx context.Context) ([]model.SlotLease, error)
	AcquireSlot(ctx context.Context, runID string) (leases.AcquireResult, error)
	HeartbeatSlot(ctx context.Context, slotID, runID string) error
	ReleaseSlot(ctx context.Context, slotID, runID string) error
	ReapExpiredSlots(ctx context.Context) (int, error)

	ListWorktrees(ctx context.Context) ([]model.SlotWorktreeBinding, error)
	AssignWorktree(ctx context.Context, runID, slotID string) (model.SlotWorktreeBinding, error)
	CleanupWorktree(ctx context.Context, slotID, runID string) error

	ListReleases(ctx context.Context, limit int) ([]model.Release, error)
	GetRelease(ctx context.Context, releaseID string) (model.Release, error)
}

// LocalCore wraps a *service.Service already composed in this process.
type LocalCore struct {
	svc *service.Service
}

var _ Core = (*LocalCore)(nil)

// NewLocalCore wraps an already-constructed Service.
func NewLocalCore(svc *service.Service) *LocalCore {
	return &LocalCore{svc: svc}
}

func (l *LocalCore) SubmitRun(ctx context.Context, in service.SubmitRunInput) (model.Run, error) {
	return l.svc.SubmitRun(ctx, in)
}

func (l *LocalCore) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return l.svc.GetRun(ctx, runID)
}

func (l *LocalCore) ListRuns(ctx context.Context, in service.ListRunsInput) ([]model.Run, error) {
	return l.svc.ListRuns(ctx, in)
}

func (l *LocalCore) Transition(ctx context.Context, in runstate.TransitionInput) (model.Run, error) {
	return l.svc.Transition(ctx, in)
}

func (l *LocalCore) Cancel(ctx context.Context, runID, reason string) (model.Run, error) {
	return l.svc.Cancel(ctx, runID, reason)
}

func (l *LocalCore) Retry(ctx context.Context, runID, createdBy string) (model.Run, error) {
	return l.svc.Retry(ctx, runID, createdBy)
}

func (l *LocalCore) Expire(ctx context.Context, runID, reason string) (model.Run, error) {
	return l.svc.Expire(ctx, runID, reason)
}

func (l *LocalCore) Resume(ctx context.Context, runID, createdBy string) (model.Run, error) {
	return l.svc.Resume(ctx, runID, createdBy)
}

func (l *LocalCore) Allocate(ctx context.Context, runID string) (allocation.Result, error) {
	return l.svc.Allocate(ctx, runID)
}

func (l *LocalCore) FinalizeMerge(ctx context.Context, runID string) (model.Run, error) {
	return l.svc.FinalizeMerge(ctx, runID)
}

func (l *LocalCore) ListEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	return l.svc.ListEvents(ctx, runID)
}

func (l *LocalCore) ListEventsSince(ctx context.Context, sinceID int64, limit int) ([]model.RunEvent, error) {
	return l.svc.ListEventsSince(ctx, sinceID, limit)
}

func (l *LocalCore) ListChecks(ctx context.Context, runID string) ([]model.ValidationCheck, error) {
	return l.svc.ListChecks(ctx, runID)
}

func (l *LocalCore) ListApprovals(ctx context.Context, runID string) ([]model.Approval, error) {
	return l.svc.ListApprovals(ctx, runID)
}

func (l *LocalCore) RecordApproval(ctx context.Context, runID, reviewerID string, decision model.ApprovalDecision, reason string) (model.Run, error) {
	return l.svc.RecordApproval(ctx, runID, reviewerID, decision, reason)
}

func (l *LocalCore) ListArtifacts(ctx context.Context, runID string) ([]model.RunArtifact, error) {
	return l.svc.ListArtifacts(ctx, runID)
}

func (l *LocalCore) ListSlots(ctx context.Context) ([]model.SlotLease, error) {
	return l.svc.ListSlots(ctx)
}

func (l *LocalCore) AcquireSlot(ctx context.Context, runID string) (leases.AcquireResult, error) {
	return l.svc.AcquireSlot(ctx, runID)
}

func (l *LocalCore) HeartbeatSlot(ctx context.Context, slotID, runID string) error {
	return l.svc.HeartbeatSlot(ctx, slotID, runID)
}

func (l *LocalCore) ReleaseSlot(ctx context.Context, slotID, runID string) error {
	return l.svc.ReleaseSlot(ctx, slotID, runID)
}

func (l *LocalCore) ReapExpiredSlots(ctx context.Context) (int, error) {
	return l.svc.ReapExpiredSlots(ctx)
}

func (l *LocalCore) ListWorktrees(ctx context.Context) ([]model.SlotWorktreeBinding, error) {
	return l.svc.ListWorktrees(ctx)
}

func (l *LocalCore) AssignWorktree(ctx context.Context, runID, slotID string) (model.SlotWorktreeBinding, error) {
	return l.svc.AssignWorktree(ctx, runID, slotID)
}

func (l *LocalCore) CleanupWorktree(ctx context.Context, slotID, runID string) error {
	return l.svc.CleanupWorktree(ctx, slotID, runID)
}

func (l *LocalCore) ListReleases(ctx context.Context, limit int) ([]model.Release, error) {
	return l.svc.ListReleases(ctx, limit)
}

func (l *LocalCore) GetRelease(ctx context.Context, releaseID string) (model.Release, error) {
	return l.svc.GetRelease(ctx, releaseID)
}
