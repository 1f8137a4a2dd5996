package runstate

import (
	"context"
	"path/filepath"
	"testing"

	"metawsm/internal/apierr"
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

func seedRun(t *testing.T, s *store.Store, run model.Run) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertRun(run)
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestTransitionAdvancesAllowedEdge(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusQueued})

	run, err := Transition(context.Background(), s, TransitionInput{RunID: "run-1", ToStatus: model.RunStatusPlanning})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if run.Status != model.RunStatusPlanning {
		t.Fatalf("expected planning, got %s", run.Status)
	}
}

func TestTransitionRejectsDisallowedEdge(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusQueued})

	_, err := Transition(context.Background(), s, TransitionInput{RunID: "run-1", ToStatus: model.RunStatusMerged})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestTransitionRejectsTerminalRun(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusMerged})

	_, err := Transition(context.Background(), s, TransitionInput{RunID: "run-1", ToStatus: model.RunStatusFailed, FailureReasonCode: ptr(model.FailureUnknownError)})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindConflict {
		t.Fatalf("expected conflict error for terminal run, got %v", err)
	}
}

func TestTransitionToFailedRequiresReasonCode(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusQueued})

	_, err := Transition(context.Background(), s, TransitionInput{RunID: "run-1", ToStatus: model.RunStatusFailed})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTransitionToNonFailedRejectsReasonCode(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusQueued})

	_, err := Transition(context.Background(), s, TransitionInput{RunID: "run-1", ToStatus: model.RunStatusPlanning, FailureReasonCode: ptr(model.FailureUnknownError)})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRetryRequiresTerminalSource(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusEditing})

	_, err := Retry(context.Background(), s, "run-1", "operator-1")
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestRetryClonesTerminalRun(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "fix header", Prompt: "fix it", Status: model.RunStatusFailed, Route: "/home"})

	created, err := Retry(context.Background(), s, "run-1", "operator-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if created.RunID == "run-1" {
		t.Fatalf("expected a new run id")
	}
	if created.ParentRunID != "run-1" {
		t.Fatalf("expected parent run id run-1, got %s", created.ParentRunID)
	}
	if created.Status != model.RunStatusQueued {
		t.Fatalf("expected queued, got %s", created.Status)
	}
	if created.Title != "fix header" || created.Prompt != "fix it" {
		t.Fatalf("expected title/prompt copied, got %+v", created)
	}
}

func TestCancelTransitionsToCanceled(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusEditing})

	run, err := Cancel(context.Background(), s, "run-1", "operator changed their mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if run.Status != model.RunStatusCanceled {
		t.Fatalf("expected canceled, got %s", run.Status)
	}
}

func ptr(c model.FailureReasonCode) *model.FailureReasonCode { return &c }
