package serviceapi

import (
	"context"
	"path/filepath"
	"testing"

	"metawsm/internal/capability"
	"metawsm/internal/config"
	"metawsm/internal/model"
	"metawsm/internal/service"
	"metawsm/internal/store"
)

func newTestLocalCore(t *testing.T) *LocalCore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "controlplane.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.Default()
	cfg.Slots.IDs = []string{"preview-1"}
	drivers := service.Drivers{
		Git: capability.NewFakeGitDriver(), DBReset: capability.NewFakeDBResetDriver(),
		Deploy: &capability.FakeDeployDriver{}, Health: &capability.FakeHealthProbe{},
	}
	svc, err := service.New(s, cfg, drivers, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return NewLocalCore(svc)
}

func TestLocalCoreSubmitAndGetRun(t *testing.T) {
	core := newTestLocalCore(t)
	ctx := context.Background()

	created, err := core.SubmitRun(ctx, service.SubmitRunInput{Title: "t", Prompt: "p", Route: "/home"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}

	fetched, err := core.GetRun(ctx, created.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched.RunID != created.RunID || fetched.Status != model.RunStatusQueued {
		t.Fatalf("unexpected fetched run: %+v", fetched)
	}

	listed, err := core.ListRuns(ctx, service.ListRunsInput{Route: "/home"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 1 || listed[0].RunID != created.RunID {
		t.Fatalf("expected one matching run, got %+v", listed)
	}
}

func TestLocalCoreListSlotsStartsEmpty(t *testing.T) {
	core := newTestLocalCore(t)
	slots, err := core.ListSlots(context.Background())
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	if len(slots) != 1 || slots[0].LeaseState != model.LeaseStateReleased {
		t.Fatalf("expected one released slot, got %+v", slots)
	}
}

func TestLocalCoreAllocateSucceeds(t *testing.T) {
	core := newTestLocalCore(t)
	created, err := core.SubmitRun(context.Background(), service.SubmitRunInput{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	result, err := core.Allocate(context.Background(), created.RunID)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if result.SlotID != "preview-1" {
		t.Fatalf("expected preview-1, got %+v", result)
	}
}
