package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"metawsm/internal/model"
)

// ErrNotFound is returned by lookups that find no matching row. Domain
// packages translate it into an apierr.KindNotFound at their boundary.
var ErrNotFound = errors.New("store: not found")

// InsertRun creates a new run row in the given status. Callers are expected
// to have already validated the initial status.
func (tx *Tx) InsertRun(r model.Run) error {
	now := tx.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := tx.tx.Exec(`
INSERT INTO runs (run_id, title, prompt, status, route, slot_id, branch_name, worktree_path, commit_sha, parent_run_id, created_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Title, r.Prompt, string(r.Status), r.Route, r.SlotID, r.BranchName, r.WorktreePath, r.CommitSHA, r.ParentRunID, r.CreatedBy,
		timeString(r.CreatedAt), timeString(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id within the transaction, giving the caller a
// consistent read alongside whatever write follows in the same tx.
func (tx *Tx) GetRun(runID string) (model.Run, error) {
	row := tx.tx.QueryRow(`
SELECT run_id, title, prompt, status, route, slot_id, branch_name, worktree_path, commit_sha, parent_run_id, created_by, created_at, updated_at
FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (model.Run, error) {
	var r model.Run
	var status, createdAt, updatedAt string
	err := row.Scan(&r.RunID, &r.Title, &r.Prompt, &status, &r.Route, &r.SlotID, &r.BranchName, &r.WorktreePath, &r.CommitSHA, &r.ParentRunID, &r.CreatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = model.RunStatus(status)
	if t := timePtrOrNil(createdAt); t != nil {
		r.CreatedAt = *t
	}
	if t := timePtrOrNil(updatedAt); t != nil {
		r.UpdatedAt = *t
	}
	return r, nil
}

// UpdateRunStatus writes a new status (and optionally slot/branch/worktree/
// commit fields, left untouched when empty) for a run, bumping updated_at.
func (tx *Tx) UpdateRunStatus(runID string, status model.RunStatus) error {
	res, err := tx.tx.Exec(`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		string(status), timeString(tx.now()), runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunAllocation records the slot/branch/worktree assignment made for a
// run by the allocation orchestrator.
func (tx *Tx) UpdateRunAllocation(runID, slotID, branchName, worktreePath string) error {
	res, err := tx.tx.Exec(`UPDATE runs SET slot_id = ?, branch_name = ?, worktree_path = ?, updated_at = ? WHERE run_id = ?`,
		slotID, branchName, worktreePath, timeString(tx.now()), runID)
	if err != nil {
		return fmt.Errorf("update run allocation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunCommitSHA records the commit a run's worktree currently sits at,
// used by the merge gate's re-check step.
func (tx *Tx) UpdateRunCommitSHA(runID, commitSHA string) error {
	res, err := tx.tx.Exec(`UPDATE runs SET commit_sha = ?, updated_at = ? WHERE run_id = ?`,
		commitSHA, timeString(tx.now()), runID)
	if err != nil {
		return fmt.Errorf("update run commit sha: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns runs optionally filtered by status and/or route, newest
// first, paginated by limit/offset.
func (tx *Tx) ListRuns(status model.RunStatus, route string, limit, offset int) ([]model.Run, error) {
	query := `SELECT run_id, title, prompt, status, route, slot_id, branch_name, worktree_path, commit_sha, parent_run_id, created_by, created_at, updated_at FROM runs WHERE 1 = 1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if route != "" {
		query += ` AND route = ?`
		args = append(args, route)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []model.Run
	for rows.Next() {
		var r model.Run
		var s, createdAt, updatedAt string
		if err := rows.Scan(&r.RunID, &r.Title, &r.Prompt, &s, &r.Route, &r.SlotID, &r.BranchName, &r.WorktreePath, &r.CommitSHA, &r.ParentRunID, &r.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.Status = model.RunStatus(s)
		if t := timePtrOrNil(createdAt); t != nil {
			r.CreatedAt = *t
		}
		if t := timePtrOrNil(updatedAt); t != nil {
			r.UpdatedAt = *t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRunContext writes the free-form context attached to a run.
func (tx *Tx) UpsertRunContext(c model.RunContext) error {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run context metadata: %w", err)
	}
	_, err = tx.tx.Exec(`
INSERT INTO run_contexts (run_id, route, page_title, element_hint, note, metadata_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET route = excluded.route, page_title = excluded.page_title, element_hint = excluded.element_hint, note = excluded.note, metadata_json = excluded.metadata_json`,
		c.RunID, c.Route, c.PageTitle, c.ElementHint, c.Note, string(metaJSON))
	if err != nil {
		return fmt.Errorf("upsert run context: %w", err)
	}
	return nil
}

// GetRunContext fetches the context row for a run, if any.
func (tx *Tx) GetRunContext(runID string) (model.RunContext, error) {
	row := tx.tx.QueryRow(`SELECT run_id, route, page_title, element_hint, note, metadata_json FROM run_contexts WHERE run_id = ?`, runID)
	var c model.RunContext
	var metaJSON string
	err := row.Scan(&c.RunID, &c.Route, &c.PageTitle, &c.ElementHint, &c.Note, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunContext{}, ErrNotFound
	}
	if err != nil {
		return model.RunContext{}, fmt.Errorf("scan run context: %w", err)
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
			return model.RunContext{}, fmt.Errorf("unmarshal run context metadata: %w", err)
		}
	}
	return c, nil
}
