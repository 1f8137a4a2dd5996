package runstate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"metawsm/internal/apierr"
	"metawsm/internal/model"
	"metawsm/internal/store"
)

// TransitionInput carries everything a caller may supply when requesting a
// transition. FailureReasonCode is required iff ToStatus is
// RunStatusFailed; it is rejected for any other target.
type TransitionInput struct {
	RunID             string
	ToStatus          model.RunStatus
	FailureReasonCode *model.FailureReasonCode
	Payload           map[string]any
	EventType         string
}

// Transition is the sole entry point for moving a run between statuses. It
// loads the run, checks the transition table, enforces failure-reason
// discipline, writes the new status, and appends the RunEvent — all inside
// one store transaction (see store.WithTx) so a concurrent transition
// attempt on the same run serializes behind it rather than racing.
func Transition(ctx context.Context, s *store.Store, in TransitionInput) (model.Run, error) {
	var updated model.Run
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetRun(in.RunID)
		if err != nil {
			if err == store.ErrNotFound {
				return apierr.Newf(apierr.KindNotFound, "run %s not found", in.RunID)
			}
			return apierr.Wrap(apierr.KindInternal, "load run", err)
		}
		if run.Status.Terminal() {
			return apierr.Newf(apierr.KindConflict, "run %s is in terminal status %s", in.RunID, run.Status)
		}
		if !CanTransition(run.Status, in.ToStatus) {
			return apierr.Newf(apierr.KindConflict, "cannot transition run %s from %s to %s (allowed: %v)",
				in.RunID, run.Status, in.ToStatus, AllowedTargets(run.Status)).
				WithDetail(map[string]any{"from": string(run.Status), "to": string(in.ToStatus)})
		}
		if in.ToStatus == model.RunStatusFailed {
			if in.FailureReasonCode == nil || !in.FailureReasonCode.Valid() {
				return apierr.New(apierr.KindValidation, "failure_reason_code is required and must be valid when transitioning to failed")
			}
		} else if in.FailureReasonCode != nil {
			return apierr.Newf(apierr.KindValidation, "failure_reason_code must not be set when transitioning to %s", in.ToStatus)
		}

		from := run.Status
		if err := tx.UpdateRunStatus(in.RunID, in.ToStatus); err != nil {
			return apierr.Wrap(apierr.KindInternal, "update run status", err)
		}
		run.Status = in.ToStatus

		payload := in.Payload
		if in.ToStatus == model.RunStatusFailed {
			if payload == nil {
				payload = map[string]any{}
			}
			payload["failure_reason_code"] = string(*in.FailureReasonCode)
		}
		eventType := in.EventType
		if eventType == "" {
			eventType = "status_changed"
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:      in.RunID,
			EventType:  eventType,
			StatusFrom: string(from),
			StatusTo:   string(in.ToStatus),
			Payload:    payload,
		}, "run."+eventType); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert run event", err)
		}
		updated = run
		return nil
	})
	if err != nil {
		return model.Run{}, err
	}
	return updated, nil
}

// Retry creates a fresh run in RunStatusQueued carrying forward the title,
// prompt, and route of a terminal run, linked via ParentRunID. The original
// run is left untouched: retry is additive, not a mutation of history.
func Retry(ctx context.Context, s *store.Store, runID, createdBy string) (model.Run, error) {
	var created model.Run
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		original, err := tx.GetRun(runID)
		if err != nil {
			if err == store.ErrNotFound {
				return apierr.Newf(apierr.KindNotFound, "run %s not found", runID)
			}
			return apierr.Wrap(apierr.KindInternal, "load run", err)
		}
		if !original.Status.Terminal() {
			return apierr.Newf(apierr.KindConflict, "run %s is not in a terminal status (currently %s)", runID, original.Status)
		}
		created = model.Run{
			RunID:       uuid.NewString(),
			Title:       original.Title,
			Prompt:      original.Prompt,
			Status:      model.RunStatusQueued,
			Route:       original.Route,
			ParentRunID: original.RunID,
			CreatedBy:   createdBy,
		}
		if err := tx.InsertRun(created); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert retried run", err)
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     created.RunID,
			EventType: "retried_from",
			StatusTo:  string(model.RunStatusQueued),
			Payload:   map[string]any{"parent_run_id": original.RunID},
		}, "run.retried_from"); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert retry event", err)
		}
		return nil
	})
	if err != nil {
		return model.Run{}, err
	}
	return created, nil
}

// Cancel transitions a non-terminal run to RunStatusCanceled. It does not
// itself release any held slot lease or worktree binding — the caller
// (typically the allocation orchestrator) is responsible for cleanup after
// the transition succeeds, so that a lease is never released while its run
// still appears active to a concurrent reader.
func Cancel(ctx context.Context, s *store.Store, runID, reason string) (model.Run, error) {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	run, err := Transition(ctx, s, TransitionInput{
		RunID:     runID,
		ToStatus:  model.RunStatusCanceled,
		Payload:   payload,
		EventType: "canceled",
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return run, nil
}
