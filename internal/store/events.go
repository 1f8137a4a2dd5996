package store

import (
	"encoding/json"
	"fmt"

	"metawsm/internal/model"
)

// InsertRunEvent appends an event row and, in the same transaction, an
// event_publish_outbox row so the eventbus mirror can fan the event out
// without ever being in a position to block or fail the write that matters.
func (tx *Tx) InsertRunEvent(e model.RunEvent, outboxTopic string) (model.RunEvent, error) {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("marshal run event payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.now()
	}
	res, err := tx.tx.Exec(`
INSERT INTO run_events (run_id, event_type, status_from, status_to, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.EventType, e.StatusFrom, e.StatusTo, string(payloadJSON), timeString(e.CreatedAt))
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("insert run event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("run event last insert id: %w", err)
	}
	e.ID = id
	if outboxTopic != "" {
		if _, err := tx.tx.Exec(`
INSERT INTO event_publish_outbox (run_event_id, topic, payload_json, status, created_at)
VALUES (?, ?, ?, 'pending', ?)`, id, outboxTopic, string(payloadJSON), timeString(e.CreatedAt)); err != nil {
			return model.RunEvent{}, fmt.Errorf("insert event outbox row: %w", err)
		}
	}
	return e, nil
}

// ListRunEvents returns the events for a run ordered by (created_at, id),
// the only ordering guarantee callers can rely on.
func (tx *Tx) ListRunEvents(runID string) ([]model.RunEvent, error) {
	rows, err := tx.tx.Query(`
SELECT id, run_id, event_type, status_from, status_to, payload_json, created_at
FROM run_events WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()
	var out []model.RunEvent
	for rows.Next() {
		var e model.RunEvent
		var from, to, payloadJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &from, &to, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.StatusFrom = from
		e.StatusTo = to
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal run event payload: %w", err)
			}
		}
		if t := timePtrOrNil(createdAt); t != nil {
			e.CreatedAt = *t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRunEventsSince returns every event with id > sinceID, across all
// runs, oldest first, for the live event stream's in-process fanout pump to
// discover newly-appended rows without re-scanning a single run's history.
func (tx *Tx) ListRunEventsSince(sinceID int64, limit int) ([]model.RunEvent, error) {
	rows, err := tx.tx.Query(`
SELECT id, run_id, event_type, status_from, status_to, payload_json, created_at
FROM run_events WHERE id > ? ORDER BY id ASC LIMIT ?`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events since %d: %w", sinceID, err)
	}
	defer rows.Close()
	var out []model.RunEvent
	for rows.Next() {
		var e model.RunEvent
		var from, to, payloadJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &from, &to, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.StatusFrom = from
		e.StatusTo = to
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal run event payload: %w", err)
			}
		}
		if t := timePtrOrNil(createdAt); t != nil {
			e.CreatedAt = *t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingOutboxEvents fetches up to limit pending publish rows, oldest
// first, for the eventbus package to drain.
func (tx *Tx) PendingOutboxEvents(limit int) ([]OutboxRow, error) {
	rows, err := tx.tx.Query(`SELECT id, run_event_id, topic, payload_json, created_at FROM event_publish_outbox WHERE status = 'pending' ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox events: %w", err)
	}
	defer rows.Close()
	var out []OutboxRow
	for rows.Next() {
		var o OutboxRow
		if err := rows.Scan(&o.ID, &o.RunEventID, &o.Topic, &o.PayloadJSON, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOutboxPublished flips a batch of outbox rows to published.
func (tx *Tx) MarkOutboxPublished(ids []int64) error {
	for _, id := range ids {
		if _, err := tx.tx.Exec(`UPDATE event_publish_outbox SET status = 'published' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark outbox published: %w", err)
		}
	}
	return nil
}

// OutboxRow is the raw shape of a pending event_publish_outbox record.
type OutboxRow struct {
	ID          int64
	RunEventID  int64
	Topic       string
	PayloadJSON string
	CreatedAt   string
}

// InsertValidationCheck appends (or updates, keyed by id) a validation check
// result for a run.
func (tx *Tx) InsertValidationCheck(c model.ValidationCheck) (int64, error) {
	res, err := tx.tx.Exec(`
INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
VALUES (?, ?, ?, ?, ?, ?)`,
		c.RunID, c.CheckName, c.Status, timeStringPtr(c.StartedAt), timeStringPtr(c.EndedAt), c.ArtifactURI)
	if err != nil {
		return 0, fmt.Errorf("insert validation check: %w", err)
	}
	return res.LastInsertId()
}

// UpdateValidationCheckStatus finalizes a previously inserted check.
func (tx *Tx) UpdateValidationCheckStatus(id int64, status, artifactURI string) error {
	_, err := tx.tx.Exec(`UPDATE validation_checks SET status = ?, ended_at = ?, artifact_uri = ? WHERE id = ?`,
		status, timeString(tx.now()), artifactURI, id)
	if err != nil {
		return fmt.Errorf("update validation check: %w", err)
	}
	return nil
}

// ListValidationChecks returns every check recorded for a run.
func (tx *Tx) ListValidationChecks(runID string) ([]model.ValidationCheck, error) {
	rows, err := tx.tx.Query(`SELECT id, run_id, check_name, status, started_at, ended_at, artifact_uri FROM validation_checks WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list validation checks: %w", err)
	}
	defer rows.Close()
	var out []model.ValidationCheck
	for rows.Next() {
		var c model.ValidationCheck
		var started, ended string
		if err := rows.Scan(&c.ID, &c.RunID, &c.CheckName, &c.Status, &started, &ended, &c.ArtifactURI); err != nil {
			return nil, fmt.Errorf("scan validation check: %w", err)
		}
		c.StartedAt = timePtrOrNil(started)
		c.EndedAt = timePtrOrNil(ended)
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertRunArtifact appends an artifact pointer for a run.
func (tx *Tx) InsertRunArtifact(a model.RunArtifact) (int64, error) {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal run artifact payload: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = tx.now()
	}
	res, err := tx.tx.Exec(`
INSERT INTO run_artifacts (run_id, artifact_type, uri, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)`, a.RunID, a.ArtifactType, a.URI, string(payloadJSON), timeString(a.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert run artifact: %w", err)
	}
	return res.LastInsertId()
}

// ListRunArtifacts returns every artifact recorded for a run.
func (tx *Tx) ListRunArtifacts(runID string) ([]model.RunArtifact, error) {
	rows, err := tx.tx.Query(`SELECT id, run_id, artifact_type, uri, payload_json, created_at FROM run_artifacts WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run artifacts: %w", err)
	}
	defer rows.Close()
	var out []model.RunArtifact
	for rows.Next() {
		var a model.RunArtifact
		var payloadJSON, createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.URI, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run artifact: %w", err)
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &a.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal run artifact payload: %w", err)
			}
		}
		if t := timePtrOrNil(createdAt); t != nil {
			a.CreatedAt = *t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertAuditLog appends an audit trail entry. Audit entries are never
// updated or deleted.
func (tx *Tx) InsertAuditLog(a model.AuditLog) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = tx.now()
	}
	_, err := tx.tx.Exec(`
INSERT INTO audit_log (actor, action, payload_hash, timestamp, trace_id, run_id, slot_id, commit_sha)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Actor, a.Action, a.PayloadHash, timeString(a.Timestamp), a.TraceID, a.RunID, a.SlotID, a.CommitSHA)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries for a run, oldest first.
func (tx *Tx) ListAuditLog(runID string) ([]model.AuditLog, error) {
	rows, err := tx.tx.Query(`SELECT id, actor, action, payload_hash, timestamp, trace_id, run_id, slot_id, commit_sha FROM audit_log WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()
	var out []model.AuditLog
	for rows.Next() {
		var a model.AuditLog
		var ts string
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.PayloadHash, &ts, &a.TraceID, &a.RunID, &a.SlotID, &a.CommitSHA); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if t := timePtrOrNil(ts); t != nil {
			a.Timestamp = *t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
