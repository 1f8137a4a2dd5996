package eventbus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"metawsm/internal/model"
	"metawsm/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "controlplane.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDrainOncePublishesPendingEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertRun(model.Run{RunID: "run-1", Title: "t", Prompt: "p", Status: model.RunStatusQueued}); err != nil {
			return err
		}
		_, err := tx.InsertRunEvent(model.RunEvent{
			RunID:      "run-1",
			EventType:  "status_changed",
			StatusFrom: "queued",
			StatusTo:   "planning",
		}, "run.status_changed")
		return err
	})
	if err != nil {
		t.Fatalf("seed run + event: %v", err)
	}

	publisher := NewFakePublisher()
	rt := NewRuntime(s, publisher, 10)

	published, err := rt.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain once: %v", err)
	}
	if published != 1 {
		t.Fatalf("expected 1 published event, got %d", published)
	}
	if publisher.Count("run.status_changed") != 1 {
		t.Fatalf("expected 1 message on run.status_changed, got %d", publisher.Count("run.status_changed"))
	}

	published, err = rt.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("second drain once: %v", err)
	}
	if published != 0 {
		t.Fatalf("expected second drain to find nothing pending, got %d", published)
	}
}

func TestRunStopsCleanly(t *testing.T) {
	s := openTestStore(t)
	publisher := NewFakePublisher()
	rt := NewRuntime(s, publisher, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rt.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	rt.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

// TestNewRedisPublisherDrainsAgainstRealProtocol runs the outbox drain
// against a miniredis server speaking the real Redis protocol, so
// NewRedisPublisher's watermill wiring is exercised end to end rather than
// only through the in-memory fake.
func TestNewRedisPublisherDrainsAgainstRealProtocol(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	s := openTestStore(t)
	ctx := context.Background()

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertRun(model.Run{RunID: "run-2", Title: "t", Prompt: "p", Status: model.RunStatusQueued}); err != nil {
			return err
		}
		_, err := tx.InsertRunEvent(model.RunEvent{
			RunID:      "run-2",
			EventType:  "status_changed",
			StatusFrom: "queued",
			StatusTo:   "planning",
		}, "run.status_changed")
		return err
	})
	if err != nil {
		t.Fatalf("seed run + event: %v", err)
	}

	publisher, err := NewRedisPublisher(mr.Addr())
	if err != nil {
		t.Fatalf("new redis publisher: %v", err)
	}
	defer publisher.Close()

	rt := NewRuntime(s, publisher, 10)
	published, err := rt.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain once: %v", err)
	}
	if published != 1 {
		t.Fatalf("expected 1 published event, got %d", published)
	}
}
