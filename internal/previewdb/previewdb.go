// Package previewdb is the Preview DB Reset/Seed Coordinator: it puts a
// slot's dedicated preview database into a deterministic state before each
// new run and records a provenance row for every attempt.
package previewdb

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"metawsm/internal/apierr"
	"metawsm/internal/capability"
	"metawsm/internal/model"
	"metawsm/internal/store"
)

var slotNumberPattern = regexp.MustCompile(`^preview-([0-9]+)$`)

// Coordinator resets and seeds preview databases, enforcing the hard
// slot→DB safety invariant before any driver call is made.
type Coordinator struct {
	store            *store.Store
	driver           capability.DBResetDriver
	dbNameTemplate   string // e.g. "app_preview_{n}"
	seedFileTemplate string // e.g. "/seeds/seed_{version}.sql"
	snapshotTemplate string // e.g. "/snapshots/snapshot_{version}.sql"
	resolveSeedFile  func(version string) string
	resolveSnapshot  func(version string) string
}

// New builds a Coordinator. dbNameTemplate must contain "{n}"; it is
// rendered against the numeric suffix of the slot id, never against
// caller-supplied input, so a misconfigured template is the only way this
// invariant can be violated.
func New(s *store.Store, driver capability.DBResetDriver, dbNameTemplate, seedFileTemplate, snapshotTemplate string) *Coordinator {
	return &Coordinator{
		store:            s,
		driver:           driver,
		dbNameTemplate:   dbNameTemplate,
		seedFileTemplate: seedFileTemplate,
		snapshotTemplate: snapshotTemplate,
		resolveSeedFile: func(version string) string {
			return strings.ReplaceAll(seedFileTemplate, "{version}", version)
		},
		resolveSnapshot: func(version string) string {
			return strings.ReplaceAll(snapshotTemplate, "{version}", version)
		},
	}
}

// ResetInput is the reset_and_seed operation contract.
type ResetInput struct {
	RunID           string
	SlotID          string
	Strategy        model.ResetStrategy
	SeedVersion     string
	SnapshotVersion string
	DryRun          bool
}

// resolveDBName implements the hard slot→DB mapping. It returns an error
// (never a forbidden name) if slotID is not of the form preview-<n> or the
// rendered name does not match the expected app_preview_<n> shape.
func (c *Coordinator) resolveDBName(slotID string) (string, error) {
	m := slotNumberPattern.FindStringSubmatch(slotID)
	if m == nil {
		return "", fmt.Errorf("slot id %q is not of the form preview-<n>", slotID)
	}
	n := m[1]
	dbName := strings.ReplaceAll(c.dbNameTemplate, "{n}", n)
	expected := "app_preview_" + n
	if dbName != expected {
		return "", fmt.Errorf("configured preview_db_name_template resolves %q to %q, expected %q", slotID, dbName, expected)
	}
	return dbName, nil
}

// ResetAndSeed brings slotID's preview database to a deterministic state
// and records a provenance row for the attempt. Step failures never abort
// early without persisting a row: every outcome — rejected, applied,
// failed, dry_run — is recorded exactly once.
func (c *Coordinator) ResetAndSeed(ctx context.Context, in ResetInput) (model.PreviewDbReset, error) {
	dbName, resolveErr := c.resolveDBName(in.SlotID)
	if resolveErr != nil {
		rejected, err := c.recordRejected(ctx, in, resolveErr)
		if err != nil {
			return model.PreviewDbReset{}, err
		}
		return rejected, apierr.Wrap(apierr.KindUnsafeDatabaseTarget, "unsafe preview database target", resolveErr).
			WithDetail(map[string]any{"slot_id": in.SlotID})
	}

	switch in.Strategy {
	case model.ResetStrategySeed:
		if in.SeedVersion == "" {
			rejected, err := c.recordRejected(ctx, in, fmt.Errorf("seed_version is required for strategy=seed"))
			if err != nil {
				return model.PreviewDbReset{}, err
			}
			return rejected, apierr.New(apierr.KindValidation, "seed_version is required for strategy=seed")
		}
	case model.ResetStrategySnapshot:
		if in.SnapshotVersion == "" {
			rejected, err := c.recordRejected(ctx, in, fmt.Errorf("snapshot_version is required for strategy=snapshot"))
			if err != nil {
				return model.PreviewDbReset{}, err
			}
			return rejected, apierr.New(apierr.KindValidation, "snapshot_version is required for strategy=snapshot")
		}
	default:
		rejected, err := c.recordRejected(ctx, in, fmt.Errorf("unknown strategy %q", in.Strategy))
		if err != nil {
			return model.PreviewDbReset{}, err
		}
		return rejected, apierr.Newf(apierr.KindValidation, "unknown reset strategy %q", in.Strategy)
	}

	var resetID int64
	var resetRow model.PreviewDbReset
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		resetRow = model.PreviewDbReset{
			RunID: in.RunID, SlotID: in.SlotID, DBName: dbName, Strategy: in.Strategy,
			SeedVersion: in.SeedVersion, SnapshotVersion: in.SnapshotVersion,
			ResetStatus: model.ResetStatusRunning,
		}
		id, err := tx.InsertPreviewDbReset(resetRow)
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert preview db reset", err)
		}
		resetID = id
		return nil
	})
	if err != nil {
		return model.PreviewDbReset{}, err
	}

	if in.DryRun {
		return c.finalize(ctx, resetID, resetRow, model.ResetStatusDryRun, map[string]any{"validated": true, "db_name": dbName}, nil)
	}

	details := map[string]any{"db_name": dbName}
	var seedOrSnapshotFile string
	if in.Strategy == model.ResetStrategySeed {
		seedOrSnapshotFile = c.resolveSeedFile(in.SeedVersion)
	} else {
		seedOrSnapshotFile = c.resolveSnapshot(in.SnapshotVersion)
	}
	details["file"] = seedOrSnapshotFile

	if err := c.driver.DropAndRecreateSchema(ctx, dbName); err != nil {
		details["drop_recreate_error"] = err.Error()
		return c.finalize(ctx, resetID, resetRow, model.ResetStatusFailed, details,
			apierr.Wrap(apierr.KindDriverFailed, "drop and recreate preview schema", err))
	}
	details["drop_recreate"] = "ok"

	if err := c.driver.ApplySQL(ctx, dbName, seedOrSnapshotFile); err != nil {
		details["apply_error"] = err.Error()
		return c.finalize(ctx, resetID, resetRow, model.ResetStatusFailed, details,
			apierr.Wrap(apierr.KindDriverFailed, "apply preview seed/snapshot", err))
	}
	details["apply"] = "ok"

	return c.finalize(ctx, resetID, resetRow, model.ResetStatusApplied, details, nil)
}

func (c *Coordinator) finalize(ctx context.Context, resetID int64, row model.PreviewDbReset, status model.ResetStatus, details map[string]any, finalErr error) (model.PreviewDbReset, error) {
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.FinalizePreviewDbReset(resetID, status, details); err != nil {
			return apierr.Wrap(apierr.KindInternal, "finalize preview db reset", err)
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     row.RunID,
			EventType: "preview_db_reset_" + string(status),
			Payload:   map[string]any{"slot_id": row.SlotID, "db_name": row.DBName},
		}, "previewdb."+string(status)); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert preview db reset event", err)
		}
		return nil
	})
	row.ID = resetID
	row.ResetStatus = status
	row.Details = details
	if err != nil {
		return model.PreviewDbReset{}, err
	}
	return row, finalErr
}

func (c *Coordinator) recordRejected(ctx context.Context, in ResetInput, cause error) (model.PreviewDbReset, error) {
	var resetID int64
	row := model.PreviewDbReset{
		RunID: in.RunID, SlotID: in.SlotID, DBName: "", Strategy: in.Strategy,
		SeedVersion: in.SeedVersion, SnapshotVersion: in.SnapshotVersion,
		ResetStatus: model.ResetStatusRunning,
	}
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		id, err := tx.InsertPreviewDbReset(row)
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert rejected preview db reset", err)
		}
		resetID = id
		return nil
	})
	if err != nil {
		return model.PreviewDbReset{}, err
	}
	return c.finalize(ctx, resetID, row, model.ResetStatusRejected, map[string]any{"reason": cause.Error()}, nil)
}
