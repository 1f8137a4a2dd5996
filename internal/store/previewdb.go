package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"metawsm/internal/model"
)

// InsertPreviewDbReset records the start of a reset attempt, returning its
// row id so the caller can finalize it once the reset completes.
func (tx *Tx) InsertPreviewDbReset(r model.PreviewDbReset) (int64, error) {
	detailsJSON, err := json.Marshal(r.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal preview db reset details: %w", err)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = tx.now()
	}
	res, err := tx.tx.Exec(`
INSERT INTO preview_db_resets (run_id, slot_id, db_name, strategy, seed_version, snapshot_version, reset_status, details_json, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		r.RunID, r.SlotID, r.DBName, string(r.Strategy), r.SeedVersion, r.SnapshotVersion, string(r.ResetStatus), string(detailsJSON), timeString(r.StartedAt))
	if err != nil {
		return 0, fmt.Errorf("insert preview db reset: %w", err)
	}
	return res.LastInsertId()
}

// FinalizePreviewDbReset records the terminal status of a reset attempt.
func (tx *Tx) FinalizePreviewDbReset(id int64, status model.ResetStatus, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal preview db reset details: %w", err)
	}
	_, err = tx.tx.Exec(`UPDATE preview_db_resets SET reset_status = ?, details_json = ?, ended_at = ? WHERE id = ?`,
		string(status), string(detailsJSON), timeString(tx.now()), id)
	if err != nil {
		return fmt.Errorf("finalize preview db reset: %w", err)
	}
	return nil
}

// ListPreviewDbResets returns every reset attempt for a run, oldest first.
func (tx *Tx) ListPreviewDbResets(runID string) ([]model.PreviewDbReset, error) {
	rows, err := tx.tx.Query(`
SELECT id, run_id, slot_id, db_name, strategy, seed_version, snapshot_version, reset_status, details_json, started_at, ended_at
FROM preview_db_resets WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list preview db resets: %w", err)
	}
	defer rows.Close()
	var out []model.PreviewDbReset
	for rows.Next() {
		var r model.PreviewDbReset
		var strategy, status, detailsJSON, startedAt, endedAt string
		if err := rows.Scan(&r.ID, &r.RunID, &r.SlotID, &r.DBName, &strategy, &r.SeedVersion, &r.SnapshotVersion, &status, &detailsJSON, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan preview db reset: %w", err)
		}
		r.Strategy = model.ResetStrategy(strategy)
		r.ResetStatus = model.ResetStatus(status)
		if detailsJSON != "" {
			if err := json.Unmarshal([]byte(detailsJSON), &r.Details); err != nil {
				return nil, fmt.Errorf("unmarshal preview db reset details: %w", err)
			}
		}
		if t := timePtrOrNil(startedAt); t != nil {
			r.StartedAt = *t
		}
		r.EndedAt = timePtrOrNil(endedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestPreviewDbReset returns the most recent reset attempt for a slot,
// used by the allocation orchestrator to decide whether a reset is already
// in flight.
func (tx *Tx) LatestPreviewDbReset(slotID string) (model.PreviewDbReset, error) {
	row := tx.tx.QueryRow(`
SELECT id, run_id, slot_id, db_name, strategy, seed_version, snapshot_version, reset_status, details_json, started_at, ended_at
FROM preview_db_resets WHERE slot_id = ? ORDER BY id DESC LIMIT 1`, slotID)
	var r model.PreviewDbReset
	var strategy, status, detailsJSON, startedAt, endedAt string
	err := row.Scan(&r.ID, &r.RunID, &r.SlotID, &r.DBName, &strategy, &r.SeedVersion, &r.SnapshotVersion, &status, &detailsJSON, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PreviewDbReset{}, ErrNotFound
	}
	if err != nil {
		return model.PreviewDbReset{}, fmt.Errorf("scan latest preview db reset: %w", err)
	}
	r.Strategy = model.ResetStrategy(strategy)
	r.ResetStatus = model.ResetStatus(status)
	if detailsJSON != "" {
		if err := json.Unmarshal([]byte(detailsJSON), &r.Details); err != nil {
			return model.PreviewDbReset{}, fmt.Errorf("unmarshal preview db reset details: %w", err)
		}
	}
	if t := timePtrOrNil(startedAt); t != nil {
		r.StartedAt = *t
	}
	r.EndedAt = timePtrOrNil(endedAt)
	return r, nil
}
