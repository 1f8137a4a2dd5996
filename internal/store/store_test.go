package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"metawsm/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "controlplane.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := model.Run{RunID: "run-1", Title: "fix header", Prompt: "fix the header spacing", Status: model.RunStatusQueued, Route: "/home"}
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertRun(run)
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}

	var got model.Run
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		got, err = tx.GetRun("run-1")
		return err
	})
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Title != run.Title || got.Status != model.RunStatusQueued {
		t.Fatalf("unexpected run after round trip: %+v", got)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateRunStatus("run-1", model.RunStatusPlanning)
	})
	if err != nil {
		t.Fatalf("update run status: %v", err)
	}
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		got, err = tx.GetRun("run-1")
		return err
	})
	if err != nil {
		t.Fatalf("get run after update: %v", err)
	}
	if got.Status != model.RunStatusPlanning {
		t.Fatalf("expected planning, got %s", got.Status)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.GetRun("does-not-exist")
		return err
	})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertRunEventWritesOutboxRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertRun(model.Run{RunID: "run-2", Title: "t", Prompt: "p", Status: model.RunStatusQueued}); err != nil {
			return err
		}
		_, err := tx.InsertRunEvent(model.RunEvent{RunID: "run-2", EventType: "status_changed", StatusFrom: "queued", StatusTo: "planning"}, "run.status_changed")
		return err
	})
	if err != nil {
		t.Fatalf("insert run event: %v", err)
	}

	var rows []OutboxRow
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		rows, err = tx.PendingOutboxEvents(10)
		return err
	})
	if err != nil {
		t.Fatalf("list pending outbox: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 pending outbox row, got %d", len(rows))
	}
	if rows[0].Topic != "run.status_changed" {
		t.Fatalf("expected topic run.status_changed, got %s", rows[0].Topic)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkOutboxPublished([]int64{rows[0].ID})
	})
	if err != nil {
		t.Fatalf("mark outbox published: %v", err)
	}
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		rows, err = tx.PendingOutboxEvents(10)
		return err
	})
	if err != nil {
		t.Fatalf("list pending outbox after publish: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected 0 pending outbox rows after publish, got %d", len(rows))
	}
}

func TestAcquireSlotLeaseConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.EnsureSlots([]string{"preview-1"}); err != nil {
			return err
		}
		return tx.AcquireSlotLease("preview-1", "run-a", now.Add(time.Hour), now)
	})
	if err != nil {
		t.Fatalf("acquire slot lease: %v", err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.AcquireSlotLease("preview-1", "run-b", now.Add(time.Hour), now)
	})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReleaseSlotLeaseClearsState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.EnsureSlots([]string{"preview-1"}); err != nil {
			return err
		}
		if err := tx.AcquireSlotLease("preview-1", "run-a", now.Add(time.Hour), now); err != nil {
			return err
		}
		return tx.ReleaseSlotLease("preview-1", "run-a")
	})
	if err != nil {
		t.Fatalf("acquire then release slot lease: %v", err)
	}

	var lease model.SlotLease
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		lease, err = tx.GetSlotLease("preview-1")
		return err
	})
	if err != nil {
		t.Fatalf("get slot lease: %v", err)
	}
	if lease.LeaseState != model.LeaseStateReleased {
		t.Fatalf("expected released, got %s", lease.LeaseState)
	}
	if lease.RunID != "" {
		t.Fatalf("expected empty run id after release, got %q", lease.RunID)
	}
}

func TestUpsertReleaseConflictUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertRelease(model.Release{ReleaseID: "abc123", CommitSHA: "abc123", Status: model.ReleaseStatusDeployed}); err != nil {
			return err
		}
		return tx.UpsertRelease(model.Release{ReleaseID: "abc123", CommitSHA: "abc123", Status: model.ReleaseStatusReplaced})
	})
	if err != nil {
		t.Fatalf("upsert release twice: %v", err)
	}

	var rel model.Release
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		rel, err = tx.GetRelease("abc123")
		return err
	})
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	if rel.Status != model.ReleaseStatusReplaced {
		t.Fatalf("expected replaced, got %s", rel.Status)
	}
}
