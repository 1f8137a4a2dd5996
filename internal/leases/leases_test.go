package leases

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func seedRun(t *testing.T, s *store.Store, runID string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertRun(model.Run{RunID: runID, Title: "t", Prompt: "p", Status: model.RunStatusEditing})
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestAcquireFirstFit(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	mgr := New(s, []string{"preview-1", "preview-2"}, time.Hour)
	if err := mgr.EnsureSlots(context.Background()); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}

	result, err := mgr.Acquire(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !result.Acquired || result.SlotID != "preview-1" {
		t.Fatalf("expected first slot acquired, got %+v", result)
	}
}

func TestAcquireIsIdempotentForSameRun(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	mgr := New(s, []string{"preview-1"}, time.Hour)
	if err := mgr.EnsureSlots(context.Background()); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}

	first, err := mgr.Acquire(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := mgr.Acquire(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !second.Idempotent || second.SlotID != first.SlotID {
		t.Fatalf("expected idempotent reacquire of same slot, got %+v", second)
	}
}

func TestAcquireReportsWaitingWhenSaturated(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	seedRun(t, s, "run-2")
	mgr := New(s, []string{"preview-1"}, time.Hour)
	if err := mgr.EnsureSlots(context.Background()); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}

	if _, err := mgr.Acquire(context.Background(), "run-1"); err != nil {
		t.Fatalf("acquire run-1: %v", err)
	}
	result, err := mgr.Acquire(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("acquire run-2: %v", err)
	}
	if result.Acquired {
		t.Fatalf("expected run-2 to wait, got %+v", result)
	}
	if len(result.OccupiedSlots) != 1 || result.OccupiedSlots[0] != "preview-1" {
		t.Fatalf("expected occupied slots [preview-1], got %v", result.OccupiedSlots)
	}
}

func TestHeartbeatRejectsWrongOwner(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	mgr := New(s, []string{"preview-1"}, time.Hour)
	if err := mgr.EnsureSlots(context.Background()); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}
	if _, err := mgr.Acquire(context.Background(), "run-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := mgr.Heartbeat(context.Background(), "preview-1", "run-2")
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindLeaseMismatch {
		t.Fatalf("expected lease mismatch error, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	mgr := New(s, []string{"preview-1"}, time.Hour)
	if err := mgr.EnsureSlots(context.Background()); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}
	if _, err := mgr.Acquire(context.Background(), "run-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := mgr.Release(context.Background(), "preview-1", "run-1"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := mgr.Release(context.Background(), "preview-1", "run-1"); err != nil {
		t.Fatalf("second release should be idempotent: %v", err)
	}
}

func TestReapExpiredTransitionsRunToExpired(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1")
	mgr := New(s, []string{"preview-1"}, time.Hour)
	if err := mgr.EnsureSlots(context.Background()); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.AcquireSlotLease("preview-1", "run-1", past, past.Add(-time.Hour))
	})
	if err != nil {
		t.Fatalf("seed expired lease: %v", err)
	}

	var transitioned []string
	reaped, err := mgr.ReapExpired(context.Background(), func(ctx context.Context, runID string) error {
		transitioned = append(transitioned, runID)
		return nil
	})
	if err != nil {
		t.Fatalf("reap expired: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped lease, got %d", reaped)
	}
	if len(transitioned) != 1 || transitioned[0] != "run-1" {
		t.Fatalf("expected run-1 to be transitioned, got %v", transitioned)
	}
}
