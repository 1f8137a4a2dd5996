// Package runstate is the sole authority over Run.Status. Every other
// component requests a transition through this package rather than writing
// status directly, following a hsm-style transition-table pattern scoped to
// the run lifecycle this system actually has.
package runstate

import (
	"sort"

	"metawsm/internal/model"
)

var runTransitions = map[model.RunStatus]map[model.RunStatus]bool{
	model.RunStatusQueued: {
		model.RunStatusPlanning: true,
		model.RunStatusCanceled: true,
		model.RunStatusFailed:   true,
		model.RunStatusExpired:  true,
	},
	model.RunStatusPlanning: {
		model.RunStatusEditing:  true,
		model.RunStatusCanceled: true,
		model.RunStatusFailed:   true,
		model.RunStatusExpired:  true,
	},
	model.RunStatusEditing: {
		model.RunStatusTesting:  true,
		model.RunStatusCanceled: true,
		model.RunStatusFailed:   true,
		model.RunStatusExpired:  true,
	},
	model.RunStatusTesting: {
		model.RunStatusPreviewReady: true,
		model.RunStatusFailed:       true,
		model.RunStatusCanceled:     true,
		model.RunStatusExpired:      true,
	},
	model.RunStatusPreviewReady: {
		model.RunStatusNeedsApproval: true,
		model.RunStatusCanceled:      true,
		model.RunStatusFailed:        true,
		model.RunStatusExpired:       true,
	},
	model.RunStatusNeedsApproval: {
		model.RunStatusApproved: true,
		model.RunStatusFailed:   true,
		model.RunStatusCanceled: true,
		model.RunStatusExpired:  true,
	},
	model.RunStatusApproved: {
		model.RunStatusMerging:  true,
		model.RunStatusFailed:   true,
		model.RunStatusCanceled: true,
		model.RunStatusExpired:  true,
	},
	model.RunStatusMerging: {
		model.RunStatusDeploying: true,
		model.RunStatusFailed:    true,
		model.RunStatusCanceled:  true,
	},
	model.RunStatusDeploying: {
		model.RunStatusMerged:   true,
		model.RunStatusFailed:   true,
		model.RunStatusCanceled: true,
	},
	model.RunStatusMerged:   {},
	model.RunStatusFailed:   {},
	model.RunStatusCanceled: {},
	model.RunStatusExpired:  {},
}

// CanTransition reports whether the (from, to) pair is one of the allowed
// edges in the run lifecycle table. It does not check failure-reason
// discipline; Transition applies the full rule set.
func CanTransition(from, to model.RunStatus) bool {
	edges, ok := runTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AllowedTargets returns the set of statuses reachable from from, sorted
// for stable error messages.
func AllowedTargets(from model.RunStatus) []model.RunStatus {
	edges := runTransitions[from]
	out := make([]model.RunStatus, 0, len(edges))
	for to, ok := range edges {
		if ok {
			out = append(out, to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
