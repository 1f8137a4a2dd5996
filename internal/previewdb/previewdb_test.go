package previewdb

import (
	"context"
	"path/filepath"
	"testing"

	"metawsm/internal/apierr"
	"metawsm/internal/capability"
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

func TestResetAndSeedAppliesSeedStrategy(t *testing.T) {
	s := openTestStore(t)
	driver := capability.NewFakeDBResetDriver()
	coord := New(s, driver, "app_preview_{n}", "/seeds/seed_{version}.sql", "/snapshots/snapshot_{version}.sql")

	result, err := coord.ResetAndSeed(context.Background(), ResetInput{
		RunID: "run-1", SlotID: "preview-1", Strategy: model.ResetStrategySeed, SeedVersion: "v1",
	})
	if err != nil {
		t.Fatalf("reset and seed: %v", err)
	}
	if result.ResetStatus != model.ResetStatusApplied {
		t.Fatalf("expected applied, got %s", result.ResetStatus)
	}
	if result.DBName != "app_preview_1" {
		t.Fatalf("expected db name app_preview_1, got %s", result.DBName)
	}
	if len(driver.Dropped) != 1 || driver.Dropped[0] != "app_preview_1" {
		t.Fatalf("expected schema dropped on app_preview_1, got %v", driver.Dropped)
	}
	if len(driver.Applied) != 1 || driver.Applied[0] != "app_preview_1:/seeds/seed_v1.sql" {
		t.Fatalf("expected seed file applied, got %v", driver.Applied)
	}
}

func TestResetAndSeedDryRunSkipsDriver(t *testing.T) {
	s := openTestStore(t)
	driver := capability.NewFakeDBResetDriver()
	coord := New(s, driver, "app_preview_{n}", "/seeds/seed_{version}.sql", "/snapshots/snapshot_{version}.sql")

	result, err := coord.ResetAndSeed(context.Background(), ResetInput{
		RunID: "run-1", SlotID: "preview-2", Strategy: model.ResetStrategySeed, SeedVersion: "v1", DryRun: true,
	})
	if err != nil {
		t.Fatalf("dry run reset: %v", err)
	}
	if result.ResetStatus != model.ResetStatusDryRun {
		t.Fatalf("expected dry_run, got %s", result.ResetStatus)
	}
	if len(driver.Dropped) != 0 || len(driver.Applied) != 0 {
		t.Fatalf("expected no driver calls on dry run, got dropped=%v applied=%v", driver.Dropped, driver.Applied)
	}
}

func TestResetAndSeedRejectsMalformedSlotID(t *testing.T) {
	s := openTestStore(t)
	driver := capability.NewFakeDBResetDriver()
	coord := New(s, driver, "app_preview_{n}", "/seeds/seed_{version}.sql", "/snapshots/snapshot_{version}.sql")

	result, err := coord.ResetAndSeed(context.Background(), ResetInput{
		RunID: "run-1", SlotID: "not-a-slot", Strategy: model.ResetStrategySeed, SeedVersion: "v1",
	})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindUnsafeDatabaseTarget {
		t.Fatalf("expected unsafe database target error, got %v", err)
	}
	if result.ResetStatus != model.ResetStatusRejected {
		t.Fatalf("expected rejected status recorded, got %s", result.ResetStatus)
	}
	if len(driver.Dropped) != 0 {
		t.Fatalf("expected driver never called for unsafe target, got %v", driver.Dropped)
	}
}

func TestResetAndSeedRejectsMissingSeedVersion(t *testing.T) {
	s := openTestStore(t)
	driver := capability.NewFakeDBResetDriver()
	coord := New(s, driver, "app_preview_{n}", "/seeds/seed_{version}.sql", "/snapshots/snapshot_{version}.sql")

	_, err := coord.ResetAndSeed(context.Background(), ResetInput{
		RunID: "run-1", SlotID: "preview-1", Strategy: model.ResetStrategySeed,
	})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResetAndSeedRecordsFailureOnDriverError(t *testing.T) {
	s := openTestStore(t)
	driver := capability.NewFakeDBResetDriver()
	driver.DropErr = context.DeadlineExceeded
	coord := New(s, driver, "app_preview_{n}", "/seeds/seed_{version}.sql", "/snapshots/snapshot_{version}.sql")

	result, err := coord.ResetAndSeed(context.Background(), ResetInput{
		RunID: "run-1", SlotID: "preview-1", Strategy: model.ResetStrategySeed, SeedVersion: "v1",
	})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindDriverFailed {
		t.Fatalf("expected driver failed error, got %v", err)
	}
	if result.ResetStatus != model.ResetStatusFailed {
		t.Fatalf("expected failed status recorded, got %s", result.ResetStatus)
	}
}
