package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"metawsm/internal/allocation"
	"metawsm/internal/apierr"
	"metawsm/internal/leases"
	"metawsm/internal/model"
	"metawsm/internal/runstate"
	"metawsm/internal/service"
)

// RemoteCore talks to another instance's Control API over HTTP, satisfying
// the same Core interface LocalCore does, so the CLI and any in-process
// caller can address either a local or a remote control plane identically.
type RemoteCore struct {
	baseURL string
	client  *http.Client
	token   string
}

var _ Core = (*RemoteCore)(nil)

// NewRemoteCore builds a RemoteCore against baseURL. token is sent as a
// bearer credential on every request when non-empty, for instances with
// auth.required=true.
func NewRemoteCore(baseURL string, timeout time.Duration, token string) *RemoteCore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{baseURL: baseURL, client: &http.Client{Timeout: timeout}, token: token}
}

func (r *RemoteCore) SubmitRun(ctx context.Context, in service.SubmitRunInput) (model.Run, error) {
	payload := map[string]any{
		"title": in.Title, "prompt": in.Prompt, "route": in.Route,
		"page_title": in.PageTitle, "element_hint": in.ElementHint, "note": in.Note,
		"metadata": in.Metadata, "created_by": in.CreatedBy,
	}
	var run model.Run
	err := r.doJSON(ctx, http.MethodPost, "/api/runs", nil, payload, &run)
	return run, err
}

func (r *RemoteCore) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var run model.Run
	err := r.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, nil, &run)
	return run, err
}

func (r *RemoteCore) ListRuns(ctx context.Context, in service.ListRunsInput) ([]model.Run, error) {
	query := map[string]string{}
	if in.Status != "" {
		query["status"] = string(in.Status)
	}
	if in.Route != "" {
		query["route"] = in.Route
	}
	if in.Limit > 0 {
		query["limit"] = strconv.Itoa(in.Limit)
	}
	if in.Offset > 0 {
		query["offset"] = strconv.Itoa(in.Offset)
	}
	var response struct {
		Runs []model.Run `json:"runs"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/runs", query, nil, &response)
	return response.Runs, err
}

func (r *RemoteCore) Transition(ctx context.Context, in runstate.TransitionInput) (model.Run, error) {
	payload := map[string]any{
		"to_status": string(in.ToStatus), "failure_reason_code": in.FailureReasonCode, "payload": in.Payload,
	}
	var run model.Run
	path := "/api/runs/" + url.PathEscape(in.RunID) + "/transition"
	err := r.doJSON(ctx, http.MethodPost, path, nil, payload, &run)
	return run, err
}

func (r *RemoteCore) Cancel(ctx context.Context, runID, reason string) (model.Run, error) {
	var run model.Run
	path := "/api/runs/" + url.PathEscape(runID) + "/cancel"
	err := r.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"reason": reason}, &run)
	return run, err
}

func (r *RemoteCore) Retry(ctx context.Context, runID, createdBy string) (model.Run, error) {
	var run model.Run
	path := "/api/runs/" + url.PathEscape(runID) + "/retry"
	err := r.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"created_by": createdBy}, &run)
	return run, err
}

func (r *RemoteCore) Expire(ctx context.Context, runID, reason string) (model.Run, error) {
	var run model.Run
	path := "/api/runs/" + url.PathEscape(runID) + "/expire"
	err := r.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"reason": reason}, &run)
	return run, err
}

func (r *RemoteCore) Resume(ctx context.Context, runID, createdBy string) (model.Run, error) {
	var run model.Run
	path := "/api/runs/" + url.PathEscape(runID) + "/resume"
	err := r.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"created_by": createdBy}, &run)
	return run, err
}

// Allocate has no dedicated route in the external interface (the worker
// drives the slot/worktree/preview-db primitives directly), so a remote
// caller composes those three calls itself; Allocate is only meaningful
// against a LocalCore.
func (r *RemoteCore) Allocate(_ context.Context, _ string) (allocation.Result, error) {
	return allocation.Result{}, fmt.Errorf("remote core does not support allocate; call acquire/assign/reset_and_seed directly")
}

// FinalizeMerge has no route either: the merge/deploy gate runs as soon as
// a run reaches approved, driven by the instance that owns the run rather
// than requested over HTTP.
func (r *RemoteCore) FinalizeMerge(_ context.Context, _ string) (model.Run, error) {
	return model.Run{}, fmt.Errorf("remote core does not support finalize_merge; it runs automatically once a run is approved")
}

func (r *RemoteCore) ListEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	var response struct {
		Events []model.RunEvent `json:"events"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/events", nil, nil, &response)
	return response.Events, err
}

// ListEventsSince has no route; it only drives the local Control API's own
// in-process event broker, never a remote caller's concern.
func (r *RemoteCore) ListEventsSince(_ context.Context, _ int64, _ int) ([]model.RunEvent, error) {
	return nil, fmt.Errorf("remote core does not support list_events_since; it is a local event-broker pump detail")
}

func (r *RemoteCore) ListChecks(ctx context.Context, runID string) ([]model.ValidationCheck, error) {
	var response struct {
		Checks []model.ValidationCheck `json:"checks"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/checks", nil, nil, &response)
	return response.Checks, err
}

func (r *RemoteCore) ListApprovals(ctx context.Context, runID string) ([]model.Approval, error) {
	var response struct {
		Approvals []model.Approval `json:"approvals"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/approvals", nil, nil, &response)
	return response.Approvals, err
}

func (r *RemoteCore) RecordApproval(ctx context.Context, runID, reviewerID string, decision model.ApprovalDecision, reason string) (model.Run, error) {
	payload := map[string]any{"reviewer_id": reviewerID, "reason": reason}
	path := "/api/runs/" + url.PathEscape(runID) + "/approve"
	if decision == model.ApprovalDecisionRejected {
		path = "/api/runs/" + url.PathEscape(runID) + "/reject"
	}
	var run model.Run
	err := r.doJSON(ctx, http.MethodPost, path, nil, payload, &run)
	return run, err
}

func (r *RemoteCore) ListArtifacts(ctx context.Context, runID string) ([]model.RunArtifact, error) {
	var response struct {
		Artifacts []model.RunArtifact `json:"artifacts"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/artifacts", nil, nil, &response)
	return response.Artifacts, err
}

func (r *RemoteCore) ListSlots(ctx context.Context) ([]model.SlotLease, error) {
	var response struct {
		Slots []model.SlotLease `json:"slots"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/slots", nil, nil, &response)
	return response.Slots, err
}

func (r *RemoteCore) AcquireSlot(ctx context.Context, runID string) (leases.AcquireResult, error) {
	var result leases.AcquireResult
	err := r.doJSON(ctx, http.MethodPost, "/api/slots/acquire", nil, map[string]any{"run_id": runID}, &result)
	return result, err
}

func (r *RemoteCore) HeartbeatSlot(ctx context.Context, slotID, runID string) error {
	path := "/api/slots/" + url.PathEscape(slotID) + "/heartbeat"
	return r.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"run_id": runID}, nil)
}

func (r *RemoteCore) ReleaseSlot(ctx context.Context, slotID, runID string) error {
	path := "/api/slots/" + url.PathEscape(slotID) + "/release"
	return r.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"run_id": runID}, nil)
}

func (r *RemoteCore) ReapExpiredSlots(ctx context.Context) (int, error) {
	var response struct {
		Reaped int `json:"reaped"`
	}
	err := r.doJSON(ctx, http.MethodPost, "/api/slots/reap-expired", nil, nil, &response)
	return response.Reaped, err
}

func (r *RemoteCore) ListWorktrees(ctx context.Context) ([]model.SlotWorktreeBinding, error) {
	var response struct {
		Worktrees []model.SlotWorktreeBinding `json:"worktrees"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/worktrees", nil, nil, &response)
	return response.Worktrees, err
}

func (r *RemoteCore) AssignWorktree(ctx context.Context, runID, slotID string) (model.SlotWorktreeBinding, error) {
	var binding model.SlotWorktreeBinding
	payload := map[string]any{"run_id": runID, "slot_id": slotID}
	err := r.doJSON(ctx, http.MethodPost, "/api/worktrees/assign", nil, payload, &binding)
	return binding, err
}

func (r *RemoteCore) CleanupWorktree(ctx context.Context, slotID, runID string) error {
	path := "/api/worktrees/" + url.PathEscape(slotID) + "/cleanup"
	return r.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"run_id": runID}, nil)
}

func (r *RemoteCore) ListReleases(ctx context.Context, limit int) ([]model.Release, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var response struct {
		Releases []model.Release `json:"releases"`
	}
	err := r.doJSON(ctx, http.MethodGet, "/api/releases", query, nil, &response)
	return response.Releases, err
}

func (r *RemoteCore) GetRelease(ctx context.Context, releaseID string) (model.Release, error) {
	var release model.Release
	err := r.doJSON(ctx, http.MethodGet, "/api/releases/"+url.PathEscape(releaseID), nil, nil, &release)
	return release, err
}

func (r *RemoteCore) doJSON(ctx context.Context, method, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(r.baseURL + path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for k, v := range query {
			values.Set(k, v)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decodeRemoteError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeRemoteError turns a non-2xx HTTP response back into an
// *apierr.Error, matching whatever Kind the Control API's handler
// originally translated the failure from, so a remote caller can switch on
// Kind exactly like a local one.
func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Error.Kind != "" {
		return &apierr.Error{Kind: apierr.Kind(wrapper.Error.Kind), Message: wrapper.Error.Message}
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
