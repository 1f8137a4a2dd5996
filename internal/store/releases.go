package store

import (
	"database/sql"
	"errors"
	"fmt"

	"metawsm/internal/model"
)

// InsertApproval appends a reviewer decision for a run.
func (tx *Tx) InsertApproval(a model.Approval) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = tx.now()
	}
	var code string
	if a.FailureReasonCode != nil {
		code = string(*a.FailureReasonCode)
	}
	res, err := tx.tx.Exec(`
INSERT INTO approvals (run_id, reviewer_id, decision, reason, failure_reason_code, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, a.ReviewerID, string(a.Decision), a.Reason, code, timeString(a.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert approval: %w", err)
	}
	return res.LastInsertId()
}

// ListApprovals returns every approval decision recorded for a run.
func (tx *Tx) ListApprovals(runID string) ([]model.Approval, error) {
	rows, err := tx.tx.Query(`SELECT id, run_id, reviewer_id, decision, reason, failure_reason_code, created_at FROM approvals WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []model.Approval
	for rows.Next() {
		var a model.Approval
		var decision, code, createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.ReviewerID, &decision, &a.Reason, &code, &createdAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Decision = model.ApprovalDecision(decision)
		if code != "" {
			c := model.FailureReasonCode(code)
			a.FailureReasonCode = &c
		}
		if t := timePtrOrNil(createdAt); t != nil {
			a.CreatedAt = *t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertRelease writes (or updates) the release row for a commit SHA.
func (tx *Tx) UpsertRelease(r model.Release) error {
	now := tx.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := tx.tx.Exec(`
INSERT INTO releases (release_id, commit_sha, status, migration_marker, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(release_id) DO UPDATE SET status = excluded.status, migration_marker = excluded.migration_marker, updated_at = excluded.updated_at`,
		r.ReleaseID, r.CommitSHA, string(r.Status), r.MigrationMarker, timeString(r.CreatedAt), timeString(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert release: %w", err)
	}
	return nil
}

// CurrentRelease returns the most recently updated release whose status is
// "deployed", the release the deploy driver considers live.
func (tx *Tx) CurrentRelease() (model.Release, error) {
	row := tx.tx.QueryRow(`SELECT release_id, commit_sha, status, migration_marker, created_at, updated_at FROM releases WHERE status = 'deployed' ORDER BY updated_at DESC LIMIT 1`)
	return scanRelease(row)
}

// GetRelease fetches a release by id.
func (tx *Tx) GetRelease(releaseID string) (model.Release, error) {
	row := tx.tx.QueryRow(`SELECT release_id, commit_sha, status, migration_marker, created_at, updated_at FROM releases WHERE release_id = ?`, releaseID)
	return scanRelease(row)
}

func scanRelease(row *sql.Row) (model.Release, error) {
	var r model.Release
	var status, createdAt, updatedAt string
	err := row.Scan(&r.ReleaseID, &r.CommitSHA, &status, &r.MigrationMarker, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Release{}, ErrNotFound
	}
	if err != nil {
		return model.Release{}, fmt.Errorf("scan release: %w", err)
	}
	r.Status = model.ReleaseStatus(status)
	if t := timePtrOrNil(createdAt); t != nil {
		r.CreatedAt = *t
	}
	if t := timePtrOrNil(updatedAt); t != nil {
		r.UpdatedAt = *t
	}
	return r, nil
}

// ListReleases returns every release, newest first.
func (tx *Tx) ListReleases(limit int) ([]model.Release, error) {
	rows, err := tx.tx.Query(`SELECT release_id, commit_sha, status, migration_marker, created_at, updated_at FROM releases ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()
	var out []model.Release
	for rows.Next() {
		var r model.Release
		var status, createdAt, updatedAt string
		if err := rows.Scan(&r.ReleaseID, &r.CommitSHA, &status, &r.MigrationMarker, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan release row: %w", err)
		}
		r.Status = model.ReleaseStatus(status)
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
