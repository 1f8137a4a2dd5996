package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"metawsm/internal/model"
)

// GetSlotLease fetches the lease row for a slot, or ErrNotFound if the slot
// id is unknown to the table (it is seeded once at startup, see
// EnsureSlots).
func (tx *Tx) GetSlotLease(slotID string) (model.SlotLease, error) {
	row := tx.tx.QueryRow(`SELECT slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at FROM slot_leases WHERE slot_id = ?`, slotID)
	var l model.SlotLease
	var state, leasedAt, expiresAt, heartbeatAt string
	err := row.Scan(&l.SlotID, &l.RunID, &state, &leasedAt, &expiresAt, &heartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SlotLease{}, ErrNotFound
	}
	if err != nil {
		return model.SlotLease{}, fmt.Errorf("scan slot lease: %w", err)
	}
	l.LeaseState = model.LeaseState(state)
	l.LeasedAt = timePtrOrNil(leasedAt)
	l.ExpiresAt = timePtrOrNil(expiresAt)
	l.HeartbeatAt = timePtrOrNil(heartbeatAt)
	return l, nil
}

// ListSlotLeases returns every slot's lease row, ordered by slot id, for the
// allocation orchestrator's free-slot scan and for status reporting.
func (tx *Tx) ListSlotLeases() ([]model.SlotLease, error) {
	rows, err := tx.tx.Query(`SELECT slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at FROM slot_leases ORDER BY slot_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list slot leases: %w", err)
	}
	defer rows.Close()
	var out []model.SlotLease
	for rows.Next() {
		var l model.SlotLease
		var state, leasedAt, expiresAt, heartbeatAt string
		if err := rows.Scan(&l.SlotID, &l.RunID, &state, &leasedAt, &expiresAt, &heartbeatAt); err != nil {
			return nil, fmt.Errorf("scan slot lease row: %w", err)
		}
		l.LeaseState = model.LeaseState(state)
		l.LeasedAt = timePtrOrNil(leasedAt)
		l.ExpiresAt = timePtrOrNil(expiresAt)
		l.HeartbeatAt = timePtrOrNil(heartbeatAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// EnsureSlots seeds the fixed slot set (a no-op for slots that already have
// a row), called once at startup with the configured slot ids.
func (tx *Tx) EnsureSlots(slotIDs []string) error {
	for _, id := range slotIDs {
		_, err := tx.tx.Exec(`
INSERT INTO slot_leases (slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at)
VALUES (?, '', 'released', '', '', '')
ON CONFLICT(slot_id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("ensure slot lease %s: %w", id, err)
		}
		_, err = tx.tx.Exec(`
INSERT INTO slot_worktree_bindings (slot_id, run_id, branch_name, worktree_path, binding_state, last_action, assigned_at, released_at)
VALUES (?, '', '', '', 'released', 'cleaned_up', '', '')
ON CONFLICT(slot_id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("ensure slot binding %s: %w", id, err)
		}
	}
	return nil
}

// AcquireSlotLease flips a released/expired slot to leased for runID. It
// returns ErrConflict if the slot is currently leased by a different run.
func (tx *Tx) AcquireSlotLease(slotID, runID string, expiresAt, leasedAt time.Time) error {
	current, err := tx.GetSlotLease(slotID)
	if err != nil {
		return err
	}
	if current.LeaseState == model.LeaseStateLeased && current.RunID != runID {
		return ErrConflict
	}
	_, err = tx.tx.Exec(`
UPDATE slot_leases SET run_id = ?, lease_state = 'leased', leased_at = ?, expires_at = ?, heartbeat_at = ? WHERE slot_id = ?`,
		runID, timeString(leasedAt), timeString(expiresAt), timeString(leasedAt), slotID)
	if err != nil {
		return fmt.Errorf("acquire slot lease: %w", err)
	}
	return nil
}

// HeartbeatSlotLease extends a held lease's expiry and bumps heartbeat_at.
// Returns ErrConflict if the slot isn't currently leased to runID.
func (tx *Tx) HeartbeatSlotLease(slotID, runID string, newExpiresAt, heartbeatAt time.Time) error {
	current, err := tx.GetSlotLease(slotID)
	if err != nil {
		return err
	}
	if current.LeaseState != model.LeaseStateLeased || current.RunID != runID {
		return ErrConflict
	}
	_, err = tx.tx.Exec(`UPDATE slot_leases SET expires_at = ?, heartbeat_at = ? WHERE slot_id = ?`,
		timeString(newExpiresAt), timeString(heartbeatAt), slotID)
	if err != nil {
		return fmt.Errorf("heartbeat slot lease: %w", err)
	}
	return nil
}

// ReleaseSlotLease marks a slot released. If runID is non-empty the release
// is only applied when the slot is currently held by that run.
func (tx *Tx) ReleaseSlotLease(slotID, runID string) error {
	if runID != "" {
		current, err := tx.GetSlotLease(slotID)
		if err != nil {
			return err
		}
		if current.RunID != runID {
			return ErrConflict
		}
	}
	_, err := tx.tx.Exec(`UPDATE slot_leases SET run_id = '', lease_state = 'released', heartbeat_at = '' WHERE slot_id = ?`, slotID)
	if err != nil {
		return fmt.Errorf("release slot lease: %w", err)
	}
	return nil
}

// ExpireSlotLease marks a slot's lease expired without touching run_id, so
// the reaper and later callers can still see which run it used to belong
// to for audit purposes, until the next acquire overwrites it.
func (tx *Tx) ExpireSlotLease(slotID string) error {
	_, err := tx.tx.Exec(`UPDATE slot_leases SET lease_state = 'expired' WHERE slot_id = ?`, slotID)
	if err != nil {
		return fmt.Errorf("expire slot lease: %w", err)
	}
	return nil
}

// GetSlotBinding fetches the worktree binding row for a slot.
func (tx *Tx) GetSlotBinding(slotID string) (model.SlotWorktreeBinding, error) {
	row := tx.tx.QueryRow(`SELECT slot_id, run_id, branch_name, worktree_path, binding_state, last_action, assigned_at, released_at FROM slot_worktree_bindings WHERE slot_id = ?`, slotID)
	var b model.SlotWorktreeBinding
	var state, action, assignedAt, releasedAt string
	err := row.Scan(&b.SlotID, &b.RunID, &b.BranchName, &b.WorktreePath, &state, &action, &assignedAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SlotWorktreeBinding{}, ErrNotFound
	}
	if err != nil {
		return model.SlotWorktreeBinding{}, fmt.Errorf("scan slot binding: %w", err)
	}
	b.BindingState = model.BindingState(state)
	b.LastAction = model.BindingAction(action)
	b.AssignedAt = timePtrOrNil(assignedAt)
	b.ReleasedAt = timePtrOrNil(releasedAt)
	return b, nil
}

// ListSlotBindings returns every slot's worktree binding row, ordered by
// slot id, for the worktree listing route.
func (tx *Tx) ListSlotBindings() ([]model.SlotWorktreeBinding, error) {
	rows, err := tx.tx.Query(`SELECT slot_id, run_id, branch_name, worktree_path, binding_state, last_action, assigned_at, released_at FROM slot_worktree_bindings ORDER BY slot_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list slot bindings: %w", err)
	}
	defer rows.Close()
	var out []model.SlotWorktreeBinding
	for rows.Next() {
		var b model.SlotWorktreeBinding
		var state, action, assignedAt, releasedAt string
		if err := rows.Scan(&b.SlotID, &b.RunID, &b.BranchName, &b.WorktreePath, &state, &action, &assignedAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan slot binding row: %w", err)
		}
		b.BindingState = model.BindingState(state)
		b.LastAction = model.BindingAction(action)
		b.AssignedAt = timePtrOrNil(assignedAt)
		b.ReleasedAt = timePtrOrNil(releasedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertSlotBinding writes the current branch/worktree binding state for a
// slot.
func (tx *Tx) UpsertSlotBinding(b model.SlotWorktreeBinding) error {
	_, err := tx.tx.Exec(`
INSERT INTO slot_worktree_bindings (slot_id, run_id, branch_name, worktree_path, binding_state, last_action, assigned_at, released_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slot_id) DO UPDATE SET run_id = excluded.run_id, branch_name = excluded.branch_name, worktree_path = excluded.worktree_path,
	binding_state = excluded.binding_state, last_action = excluded.last_action, assigned_at = excluded.assigned_at, released_at = excluded.released_at`,
		b.SlotID, b.RunID, b.BranchName, b.WorktreePath, string(b.BindingState), string(b.LastAction), timeStringPtr(b.AssignedAt), timeStringPtr(b.ReleasedAt))
	if err != nil {
		return fmt.Errorf("upsert slot binding: %w", err)
	}
	return nil
}

// ErrConflict signals that a slot/run precondition (lease ownership) was
// not met. Domain packages translate it into
// apierr.KindConflict or apierr.KindLeaseMismatch depending on context.
var ErrConflict = fmt.Errorf("store: conflict")
