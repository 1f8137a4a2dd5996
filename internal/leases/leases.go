// Package leases is the Slot Lease Manager: it mediates exclusive use of
// the fixed, configured preview slot set. Every operation runs inside one
// store transaction (see store.WithTx); the store runs its transactions
// one at a time, which is what gives concurrent acquire calls the "at most
// one winner" guarantee over the slot set.
package leases

import (
	"context"
	"fmt"
	"time"

	"metawsm/internal/apierr"
	"metawsm/internal/model"
	"metawsm/internal/store"
)

// Manager owns the configured slot set and its TTL policy.
type Manager struct {
	store   *store.Store
	slotIDs []string
	ttl     time.Duration
	now     func() time.Time
}

// New builds a Manager over the given store, slot ids (in acquire-scan
// order), and lease TTL.
func New(s *store.Store, slotIDs []string, ttl time.Duration) *Manager {
	return &Manager{store: s, slotIDs: append([]string(nil), slotIDs...), ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSlots seeds the slot_leases/slot_worktree_bindings rows for every
// configured slot id. Safe to call on every startup.
func (m *Manager) EnsureSlots(ctx context.Context) error {
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.EnsureSlots(m.slotIDs)
	})
}

// AcquireResult is the outcome of an acquire attempt.
type AcquireResult struct {
	Acquired      bool
	SlotID        string
	Idempotent    bool
	OccupiedSlots []string
}

// Acquire reserves one free slot for runID, or reports that the run already
// holds one (idempotent), or that the pool is saturated.
func (m *Manager) Acquire(ctx context.Context, runID string) (AcquireResult, error) {
	var result AcquireResult
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		leases, err := tx.ListSlotLeases()
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, "list slot leases", err)
		}
		now := m.now()
		byID := make(map[string]model.SlotLease, len(leases))
		for _, l := range leases {
			byID[l.SlotID] = l
		}

		for _, l := range leases {
			if l.LeaseState == model.LeaseStateLeased && l.RunID == runID && l.ExpiresAt != nil && l.ExpiresAt.After(now) {
				if _, err := tx.InsertRunEvent(model.RunEvent{
					RunID:     runID,
					EventType: "slot_acquire_idempotent",
					Payload:   map[string]any{"slot_id": l.SlotID},
				}, "slot.acquire_idempotent"); err != nil {
					return apierr.Wrap(apierr.KindInternal, "insert slot_acquire_idempotent event", err)
				}
				result = AcquireResult{Acquired: true, SlotID: l.SlotID, Idempotent: true}
				return nil
			}
		}

		occupied := []string{}
		for _, slotID := range m.slotIDs {
			l, ok := byID[slotID]
			free := !ok || l.LeaseState != model.LeaseStateLeased || (l.ExpiresAt != nil && !l.ExpiresAt.After(now))
			if !free {
				occupied = append(occupied, slotID)
				continue
			}
			leasedAt := now
			expiresAt := now.Add(m.ttl)
			if err := tx.AcquireSlotLease(slotID, runID, expiresAt, leasedAt); err != nil {
				if err == store.ErrConflict {
					occupied = append(occupied, slotID)
					continue
				}
				return apierr.Wrap(apierr.KindInternal, "acquire slot lease", err)
			}
			if err := tx.UpdateRunAllocation(runID, slotID, "", ""); err != nil {
				return apierr.Wrap(apierr.KindInternal, "set run slot id", err)
			}
			if _, err := tx.InsertRunEvent(model.RunEvent{
				RunID:     runID,
				EventType: "slot_acquired",
				Payload:   map[string]any{"slot_id": slotID},
			}, "slot.acquired"); err != nil {
				return apierr.Wrap(apierr.KindInternal, "insert slot_acquired event", err)
			}
			result = AcquireResult{Acquired: true, SlotID: slotID}
			return nil
		}

		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     runID,
			EventType: "slot_waiting",
			Payload: map[string]any{
				"reason":          string(model.FailureWaitingForSlot),
				"occupied_slots":  occupied,
				"queue_behavior":  "retry_on_acquire",
			},
		}, "slot.waiting"); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert slot_waiting event", err)
		}
		result = AcquireResult{Acquired: false, OccupiedSlots: occupied}
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}
	return result, nil
}

// Heartbeat extends a held lease's expiry. Returns apierr.KindLeaseMismatch
// if slotID is not currently leased to runID or has already expired.
func (m *Manager) Heartbeat(ctx context.Context, slotID, runID string) error {
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetSlotLease(slotID)
		if err != nil {
			if err == store.ErrNotFound {
				return apierr.Newf(apierr.KindNotFound, "slot %s not found", slotID)
			}
			return apierr.Wrap(apierr.KindInternal, "load slot lease", err)
		}
		now := m.now()
		expired := current.ExpiresAt != nil && !current.ExpiresAt.After(now)
		if current.LeaseState != model.LeaseStateLeased || current.RunID != runID || expired {
			if _, err := tx.InsertRunEvent(model.RunEvent{
				RunID:     runID,
				EventType: "slot_heartbeat_rejected",
				Payload:   map[string]any{"slot_id": slotID},
			}, "slot.heartbeat_rejected"); err != nil {
				return apierr.Wrap(apierr.KindInternal, "insert slot_heartbeat_rejected event", err)
			}
			return apierr.Newf(apierr.KindLeaseMismatch, "slot %s is not leased to run %s", slotID, runID)
		}
		newExpiresAt := now.Add(m.ttl)
		if err := tx.HeartbeatSlotLease(slotID, runID, newExpiresAt, now); err != nil {
			return apierr.Wrap(apierr.KindInternal, "heartbeat slot lease", err)
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     runID,
			EventType: "slot_heartbeat",
			Payload:   map[string]any{"slot_id": slotID, "expires_at": newExpiresAt},
		}, "slot.heartbeat"); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert slot_heartbeat event", err)
		}
		return nil
	})
}

// Release marks a slot released. If runID is non-empty, the release is
// only applied when the slot is currently held by that run; a mismatch
// yields apierr.KindLeaseMismatch. Releasing an already-released slot
// succeeds idempotently.
func (m *Manager) Release(ctx context.Context, slotID, runID string) error {
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetSlotLease(slotID)
		if err != nil {
			if err == store.ErrNotFound {
				return apierr.Newf(apierr.KindNotFound, "slot %s not found", slotID)
			}
			return apierr.Wrap(apierr.KindInternal, "load slot lease", err)
		}
		if current.LeaseState != model.LeaseStateLeased {
			return nil // idempotent
		}
		if err := tx.ReleaseSlotLease(slotID, runID); err != nil {
			if err == store.ErrConflict {
				return apierr.Newf(apierr.KindLeaseMismatch, "slot %s is not leased to run %s", slotID, runID)
			}
			return apierr.Wrap(apierr.KindInternal, "release slot lease", err)
		}
		releasedRun := current.RunID
		if releasedRun != "" {
			if err := tx.UpdateRunAllocation(releasedRun, "", "", ""); err != nil && err != store.ErrNotFound {
				return apierr.Wrap(apierr.KindInternal, "clear run slot id", err)
			}
		}
		if _, err := tx.InsertRunEvent(model.RunEvent{
			RunID:     releasedRun,
			EventType: "slot_released",
			Payload:   map[string]any{"slot_id": slotID},
		}, "slot.released"); err != nil {
			return apierr.Wrap(apierr.KindInternal, "insert slot_released event", err)
		}
		return nil
	})
}

// ReapExpired scans every configured slot for a leased-but-past-expiry
// lease, expires it, clears the run's slot assignment, and — per the
// resolved Open Question #1 — requests an `expired` transition (never
// `failed`) for the reaped run if it is still in a non-terminal status.
// Returns the number of slots reaped.
func (m *Manager) ReapExpired(ctx context.Context, transition func(ctx context.Context, runID string) error) (int, error) {
	var expiredRunIDs []string
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		leases, err := tx.ListSlotLeases()
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, "list slot leases", err)
		}
		now := m.now()
		for _, l := range leases {
			if l.LeaseState != model.LeaseStateLeased || l.ExpiresAt == nil || l.ExpiresAt.After(now) {
				continue
			}
			runID := l.RunID
			if err := tx.ExpireSlotLease(l.SlotID); err != nil {
				return apierr.Wrap(apierr.KindInternal, "expire slot lease", err)
			}
			if runID != "" {
				if err := tx.UpdateRunAllocation(runID, "", "", ""); err != nil && err != store.ErrNotFound {
					return apierr.Wrap(apierr.KindInternal, "clear expired run slot id", err)
				}
			}
			if _, err := tx.InsertRunEvent(model.RunEvent{
				RunID:     runID,
				EventType: "slot_expired",
				Payload:   map[string]any{"slot_id": l.SlotID},
			}, "slot.expired"); err != nil {
				return apierr.Wrap(apierr.KindInternal, "insert slot_expired event", err)
			}
			if runID != "" {
				expiredRunIDs = append(expiredRunIDs, runID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, runID := range expiredRunIDs {
		if transition == nil {
			continue
		}
		if err := transition(ctx, runID); err != nil {
			return len(expiredRunIDs), fmt.Errorf("transition reaped run %s to expired: %w", runID, err)
		}
	}
	return len(expiredRunIDs), nil
}

// Slots returns the configured slot ids in scan order.
func (m *Manager) Slots() []string { return append([]string(nil), m.slotIDs...) }
