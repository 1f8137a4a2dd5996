// Package server is the control plane's Control API: a chi router carrying
// huma-registered typed operations for every run/slot/worktree/release
// route, plus the ambient health/contract/watch endpoints a deployed
// instance needs. Grounded on the huma+chi registration pattern in
// anasdox-workline's internal/server/server.go, the only pack repo whose
// whole purpose is a documented HTTP control surface.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"metawsm/internal/apierr"
	"metawsm/internal/auth"
	"metawsm/internal/leases"
	"metawsm/internal/model"
	"metawsm/internal/runstate"
	"metawsm/internal/service"
	"metawsm/internal/serviceapi"
)

// apiErrorBody is the error envelope the whole Control API returns, and the
// same shape serviceapi.RemoteCore's decodeRemoteError expects back.
type apiErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(kind apierr.Kind, message string) *apiError {
	return &apiError{status: apierr.HTTPStatus(kind), Body: apiErrorBody{Kind: string(kind), Message: message}}
}

// handleError translates any error returned by internal/service, by way of
// internal/serviceapi.Core, into the Control API's error envelope. Every
// service-layer failure that matters is already an *apierr.Error; anything
// else (a driver panic recovered upstream, a context cancellation) falls
// back to kind "internal".
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind := apierr.KindOf(err)
	return newAPIError(kind, err.Error())
}

// Config configures the Control API handler.
type Config struct {
	Core            serviceapi.Core
	Broker          *RunEventBroker
	BasePath        string
	Auth            auth.Config
	TraceHeaderName string
}

// New returns an http.Handler exposing the full Control API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	traceHeader := cfg.TraceHeaderName
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}

	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(kindForStatus(status), msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(kindForStatus(status), msg)
	}

	router := chi.NewRouter()
	router.Use(traceMiddleware(traceHeader))
	router.Use(auth.Middleware(cfg.Auth))

	hcfg := huma.DefaultConfig("Control Plane API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi.json"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Core)
	registerRunSubresources(group, cfg.Core)
	registerSlots(group, cfg.Core)
	registerWorktrees(group, cfg.Core)
	registerReleases(group, cfg.Core)
	registerContracts(router, api, basePath)
	if cfg.Broker != nil {
		router.Get(path.Join(basePath, "runs", "{id}", "watch"), watchHandler(cfg.Core, cfg.Broker))
	}

	return router, nil
}

type traceIDKey struct{}

// traceMiddleware propagates the correlation header the event/audit log
// keys its rows on (trace_id): it reads headerName off an
// inbound request, generating one when absent, attaches it to the request
// context for handlers to thread into RunEvent/AuditLog payloads, and
// echoes it back on the response.
func traceMiddleware(headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := strings.TrimSpace(r.Header.Get(headerName))
			if traceID == "" {
				traceID = uuid.NewString()
			}
			w.Header().Set(headerName, traceID)
			ctx := context.WithValue(r.Context(), traceIDKey{}, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TraceIDFromContext returns the trace id traceMiddleware attached to ctx,
// or "" if none is present.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

func kindForStatus(status int) apierr.Kind {
	switch status {
	case http.StatusNotFound:
		return apierr.KindNotFound
	case http.StatusConflict:
		return apierr.KindConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apierr.KindValidation
	case http.StatusGatewayTimeout:
		return apierr.KindTimeout
	case http.StatusBadGateway:
		return apierr.KindDriverFailed
	default:
		return apierr.KindInternal
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(_ context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRuns(api huma.API, core serviceapi.Core) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Submit a new run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Title       string         `json:"title"`
			Prompt      string         `json:"prompt"`
			Route       string         `json:"route,omitempty"`
			PageTitle   string         `json:"page_title,omitempty"`
			ElementHint string         `json:"element_hint,omitempty"`
			Note        string         `json:"note,omitempty"`
			Metadata    map[string]any `json:"metadata,omitempty"`
			CreatedBy   string         `json:"created_by,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body model.Run `json:"body"`
	}, error) {
		if p, ok := auth.FromContext(ctx); ok && input.Body.CreatedBy == "" {
			input.Body.CreatedBy = p.ActorID
		}
		run, err := core.SubmitRun(ctx, service.SubmitRunInput{
			Title: input.Body.Title, Prompt: input.Body.Prompt, Route: input.Body.Route,
			PageTitle: input.Body.PageTitle, ElementHint: input.Body.ElementHint, Note: input.Body.Note,
			Metadata: input.Body.Metadata, CreatedBy: input.Body.CreatedBy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Route  string `query:"route"`
		Limit  int    `query:"limit" default:"50"`
		Offset int    `query:"offset"`
	}) (*struct {
		Body struct {
			Runs []model.Run `json:"runs"`
		} `json:"body"`
	}, error) {
		runs, err := core.ListRuns(ctx, service.ListRunsInput{
			Status: model.RunStatus(input.Status), Route: input.Route, Limit: input.Limit, Offset: input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Runs []model.Run `json:"runs"`
			} `json:"body"`
		}{}
		out.Body.Runs = runs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body model.Run `json:"body"`
	}, error) {
		run, err := core.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/transition",
		Summary:     "Force a run's status machine transition",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			ToStatus          string  `json:"to_status"`
			FailureReasonCode *string `json:"failure_reason_code,omitempty"`
			Payload           map[string]any `json:"payload,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body model.Run `json:"body"`
	}, error) {
		var code *model.FailureReasonCode
		if input.Body.FailureReasonCode != nil {
			c := model.FailureReasonCode(*input.Body.FailureReasonCode)
			code = &c
		}
		run, err := core.Transition(ctx, runstate.TransitionInput{
			RunID: input.ID, ToStatus: model.RunStatus(input.Body.ToStatus),
			FailureReasonCode: code, Payload: input.Body.Payload, EventType: "transition_requested",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Run `json:"body"`
		}{Body: run}, nil
	})

	registerRunAction(api, core, "cancel-run", "/runs/{id}/cancel", func(ctx context.Context, core serviceapi.Core, id, reason string) (model.Run, error) {
		return core.Cancel(ctx, id, reason)
	})
	registerRunActionCreatedBy(api, core, "retry-run", "/runs/{id}/retry", func(ctx context.Context, core serviceapi.Core, id, createdBy string) (model.Run, error) {
		return core.Retry(ctx, id, createdBy)
	})
	registerRunAction(api, core, "expire-run", "/runs/{id}/expire", func(ctx context.Context, core serviceapi.Core, id, reason string) (model.Run, error) {
		return core.Expire(ctx, id, reason)
	})
	registerRunActionCreatedBy(api, core, "resume-run", "/runs/{id}/resume", func(ctx context.Context, core serviceapi.Core, id, createdBy string) (model.Run, error) {
		return core.Resume(ctx, id, createdBy)
	})
}

// registerRunAction registers a POST /runs/{id}/<verb> operation whose body
// carries a single free-text reason field, covering cancel and expire.
func registerRunAction(api huma.API, core serviceapi.Core, operationID, opPath string, call func(context.Context, serviceapi.Core, string, string) (model.Run, error)) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        opPath,
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body model.Run `json:"body"`
	}, error) {
		run, err := call(ctx, core, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Run `json:"body"`
		}{Body: run}, nil
	})
}

// registerRunActionCreatedBy is the same shape as registerRunAction but for
// operations (retry, resume) whose body names the actor recreating the run
// instead of a reason.
func registerRunActionCreatedBy(api huma.API, core serviceapi.Core, operationID, opPath string, call func(context.Context, serviceapi.Core, string, string) (model.Run, error)) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        opPath,
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			CreatedBy string `json:"created_by,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body model.Run `json:"body"`
	}, error) {
		createdBy := input.Body.CreatedBy
		if createdBy == "" {
			if p, ok := auth.FromContext(ctx); ok {
				createdBy = p.ActorID
			}
		}
		run, err := call(ctx, core, input.ID, createdBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerRunSubresources(api huma.API, core serviceapi.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/events",
		Summary:     "List a run's event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Events []model.RunEvent `json:"events"`
		} `json:"body"`
	}, error) {
		events, err := core.ListEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []model.RunEvent `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Events = events
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-checks",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/checks",
		Summary:     "List a run's validation checks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Checks []model.ValidationCheck `json:"checks"`
		} `json:"body"`
	}, error) {
		checks, err := core.ListChecks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Checks []model.ValidationCheck `json:"checks"`
			} `json:"body"`
		}{}
		out.Body.Checks = checks
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-approvals",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/approvals",
		Summary:     "List a run's approval decisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Approvals []model.Approval `json:"approvals"`
		} `json:"body"`
	}, error) {
		approvals, err := core.ListApprovals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Approvals []model.Approval `json:"approvals"`
			} `json:"body"`
		}{}
		out.Body.Approvals = approvals
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-artifacts",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/artifacts",
		Summary:     "List a run's artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Artifacts []model.RunArtifact `json:"artifacts"`
		} `json:"body"`
	}, error) {
		artifacts, err := core.ListArtifacts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Artifacts []model.RunArtifact `json:"artifacts"`
			} `json:"body"`
		}{}
		out.Body.Artifacts = artifacts
		return out, nil
	})

	registerApprovalDecision(api, core, "approve-run", "/runs/{id}/approve", model.ApprovalDecisionApproved)
	registerApprovalDecision(api, core, "reject-run", "/runs/{id}/reject", model.ApprovalDecisionRejected)
}

func registerApprovalDecision(api huma.API, core serviceapi.Core, operationID, path string, decision model.ApprovalDecision) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        path,
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			ReviewerID string `json:"reviewer_id,omitempty"`
			Reason     string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body model.Run `json:"body"`
	}, error) {
		reviewerID := input.Body.ReviewerID
		if reviewerID == "" {
			if p, ok := auth.FromContext(ctx); ok {
				reviewerID = p.ActorID
			}
		}
		run, err := core.RecordApproval(ctx, input.ID, reviewerID, decision, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerSlots(api huma.API, core serviceapi.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "list-slots",
		Method:      http.MethodGet,
		Path:        "/slots",
		Summary:     "List every configured slot's lease state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Slots []model.SlotLease `json:"slots"`
		} `json:"body"`
	}, error) {
		slots, err := core.ListSlots(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Slots []model.SlotLease `json:"slots"`
			} `json:"body"`
		}{}
		out.Body.Slots = slots
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acquire-slot",
		Method:      http.MethodPost,
		Path:        "/slots/acquire",
		Summary:     "Acquire a free slot for a run",
		Errors:      []int{http.StatusConflict, http.StatusAccepted},
	}, func(ctx context.Context, input *struct {
		Body struct {
			RunID string `json:"run_id"`
		} `json:"body"`
	}) (*struct {
		Body leases.AcquireResult `json:"body"`
	}, error) {
		result, err := core.AcquireSlot(ctx, input.Body.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body leases.AcquireResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-slot",
		Method:      http.MethodPost,
		Path:        "/slots/{slot_id}/heartbeat",
		Summary:     "Extend a slot's lease",
		DefaultStatus: http.StatusNoContent,
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SlotID string `path:"slot_id"`
		Body   struct {
			RunID string `json:"run_id"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := core.HeartbeatSlot(ctx, input.SlotID, input.Body.RunID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-slot",
		Method:      http.MethodPost,
		Path:        "/slots/{slot_id}/release",
		Summary:     "Release a slot's lease",
		DefaultStatus: http.StatusNoContent,
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SlotID string `path:"slot_id"`
		Body   struct {
			RunID string `json:"run_id"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := core.ReleaseSlot(ctx, input.SlotID, input.Body.RunID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reap-expired-slots",
		Method:      http.MethodPost,
		Path:        "/slots/reap-expired",
		Summary:     "Reclaim every slot whose lease has expired",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Reaped int `json:"reaped"`
		} `json:"body"`
	}, error) {
		reaped, err := core.ReapExpiredSlots(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Reaped int `json:"reaped"`
			} `json:"body"`
		}{}
		out.Body.Reaped = reaped
		return out, nil
	})
}

func registerWorktrees(api huma.API, core serviceapi.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "list-worktrees",
		Method:      http.MethodGet,
		Path:        "/worktrees",
		Summary:     "List every slot's worktree binding",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Worktrees []model.SlotWorktreeBinding `json:"worktrees"`
		} `json:"body"`
	}, error) {
		bindings, err := core.ListWorktrees(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Worktrees []model.SlotWorktreeBinding `json:"worktrees"`
			} `json:"body"`
		}{}
		out.Body.Worktrees = bindings
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-worktree",
		Method:      http.MethodPost,
		Path:        "/worktrees/assign",
		Summary:     "Assign or reuse a slot's branch/worktree binding",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			RunID  string `json:"run_id"`
			SlotID string `json:"slot_id"`
		} `json:"body"`
	}) (*struct {
		Body model.SlotWorktreeBinding `json:"body"`
	}, error) {
		binding, err := core.AssignWorktree(ctx, input.Body.RunID, input.Body.SlotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.SlotWorktreeBinding `json:"body"`
		}{Body: binding}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-worktree",
		Method:      http.MethodPost,
		Path:        "/worktrees/{slot_id}/cleanup",
		Summary:     "Remove a slot's worktree and release its binding",
		DefaultStatus: http.StatusNoContent,
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SlotID string `path:"slot_id"`
		Body   struct {
			RunID string `json:"run_id"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := core.CleanupWorktree(ctx, input.SlotID, input.Body.RunID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReleases(api huma.API, core serviceapi.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "list-releases",
		Method:      http.MethodGet,
		Path:        "/releases",
		Summary:     "List the most recent releases",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Releases []model.Release `json:"releases"`
		} `json:"body"`
	}, error) {
		releases, err := core.ListReleases(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Releases []model.Release `json:"releases"`
			} `json:"body"`
		}{}
		out.Body.Releases = releases
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-release",
		Method:      http.MethodGet,
		Path:        "/releases/{id}",
		Summary:     "Get a single release",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body model.Release `json:"body"`
	}, error) {
		release, err := core.GetRelease(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Release `json:"body"`
		}{Body: release}, nil
	})
}

// registerContracts serves GET /api/runs/contract and GET /api/slots/contract,
// each the huma-generated OpenAPI document filtered to just that route
// group's paths: the Control API's machine-readable contract per resource.
func registerContracts(r chi.Router, api huma.API, basePath string) {
	r.Get(path.Join(basePath, "runs", "contract"), func(w http.ResponseWriter, _ *http.Request) {
		writeScopedOpenAPI(w, api, basePath, "/runs")
	})
	r.Get(path.Join(basePath, "slots", "contract"), func(w http.ResponseWriter, _ *http.Request) {
		writeScopedOpenAPI(w, api, basePath, "/slots")
	})
}

func writeScopedOpenAPI(w http.ResponseWriter, api huma.API, basePath, groupPrefix string) {
	full := api.OpenAPI()
	scoped := *full
	scoped.Paths = map[string]*huma.PathItem{}
	prefix := path.Join(basePath, groupPrefix)
	for route, item := range full.Paths {
		if strings.HasPrefix(route, prefix) {
			scoped.Paths[route] = item
		}
	}
	body, err := json.Marshal(scoped)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
