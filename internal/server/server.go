package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vintner/internal/app"
	"vintner/internal/engine"
	"vintner/internal/lock"
	"vintner/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"target_busy"`
	Message string         `json:"message" example:"target field-7 already has an activity in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"target_id\":\"field-7\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers bundles what the operations need.
type handlers struct {
	rt     *app.Runtime
	logger *slog.Logger
}

// New returns an HTTP handler exposing the scheduler API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Runtime.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema validation failures are client errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Vintner Scheduler API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := &handlers{rt: cfg.Runtime, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerStatus(group)
	a.registerActivities(group)
	a.registerTicks(group)
	a.registerTargets(group)
	a.registerWorkers(group)
	a.registerEstimates(group)
	a.registerEvents(group)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var busy *engine.TargetBusyError
	if errors.As(err, &busy) {
		return newAPIError(http.StatusConflict, "target_busy", err.Error(), map[string]any{"target_id": busy.TargetID, "holder_id": busy.HolderID})
	}
	switch {
	case errors.Is(err, engine.ErrActivityNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidAmount):
		return newAPIError(http.StatusBadRequest, "invalid_amount", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidDensity):
		return newAPIError(http.StatusBadRequest, "invalid_density", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownCategory):
		return newAPIError(http.StatusBadRequest, "unknown_category", err.Error(), nil)
	case errors.Is(err, engine.ErrParamsMismatch):
		return newAPIError(http.StatusBadRequest, "params_mismatch", err.Error(), nil)
	case errors.Is(err, engine.ErrShutdown):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// persist saves the scheduler after a mutation. Failures are logged; the
// in-memory state stays authoritative for this process.
func (a *handlers) persist(ctx context.Context) {
	if err := a.rt.Persist(ctx); err != nil {
		a.logger.Error("persist scheduler snapshot", "error", err)
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vintner API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (a *handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Scheduler status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		e := a.rt.Engine
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Week:          e.Week(),
			Activities:    len(e.ListActivities()),
			Claims:        e.Locks().Len(),
			Workers:       len(a.rt.Roster.List()),
			DroppedEvents: a.rt.Bus.Dropped(),
		}}, nil
	})
}

type activityPath struct {
	ActivityID string `path:"activity_id"`
}

func (a *handlers) registerActivities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/activities",
		Summary:       "Create activity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		req, err := input.Body.createRequest()
		if err != nil {
			return nil, handleError(err)
		}
		act, err := a.rt.Engine.CreateActivity(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		a.persist(ctx)
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(act)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List live activities",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		State    string `query:"state" enum:"pending,in_progress,complete"`
	}) (*struct {
		Body struct {
			Items []ActivityResponse `json:"items"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Items []ActivityResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []ActivityResponse{}
		for _, act := range a.rt.Engine.ListActivities() {
			if input.Category != "" && string(act.Category) != input.Category {
				continue
			}
			if input.State != "" && string(act.State) != input.State {
				continue
			}
			out.Body.Items = append(out.Body.Items, activityResponse(act))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}",
		Summary:     "Get activity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *activityPath) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		act, ok := a.rt.Engine.GetActivity(input.ActivityID)
		if !ok {
			return nil, handleError(fmt.Errorf("%w: %s", engine.ErrActivityNotFound, input.ActivityID))
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(act)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-activity",
		Method:      http.MethodDelete,
		Path:        "/activities/{activity_id}",
		Summary:     "Remove activity and free its target",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *activityPath) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		act, err := a.rt.Engine.RemoveActivity(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(err)
		}
		a.persist(ctx)
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(act)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-workers",
		Method:      http.MethodPut,
		Path:        "/activities/{activity_id}/workers",
		Summary:     "Replace assigned workers",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ActivityID string               `path:"activity_id"`
		Body       AssignWorkersRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		res, err := a.rt.Engine.AssignWorkers(ctx, input.ActivityID, input.Body.WorkerIDs)
		if err != nil {
			return nil, handleError(err)
		}
		a.persist(ctx)
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}/estimate",
		Summary:     "Display-only estimate of weeks remaining",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *activityPath) (*struct {
		Body engine.Estimate `json:"body"`
	}, error) {
		est, err := a.rt.Engine.Estimate(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Estimate `json:"body"`
		}{Body: est}, nil
	})
}

func (a *handlers) registerTicks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/ticks",
		Summary:     "Advance the scheduler by one or more weeks",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *TickRequest `json:"body" required:"false"`
	}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		weeks := 1
		if input.Body != nil && input.Body.Weeks > 0 {
			weeks = input.Body.Weeks
		}
		res := TickResponse{Reports: []engine.TickReport{}}
		for i := 0; i < weeks; i++ {
			report, err := a.rt.Engine.Tick(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			res.Reports = append(res.Reports, report)
			res.Week = report.Week
		}
		a.persist(ctx)
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: res}, nil
	})
}

func (a *handlers) registerTargets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/targets",
		Summary:     "List claimed targets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TargetsResponse `json:"body"`
	}, error) {
		claims := a.rt.Engine.Locks().Claims()
		if claims == nil {
			claims = []lock.Claim{}
		}
		return &struct {
			Body TargetsResponse `json:"body"`
		}{Body: TargetsResponse{Items: claims}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-target",
		Method:      http.MethodGet,
		Path:        "/targets/{target_id}",
		Summary:     "Target status",
	}, func(ctx context.Context, input *struct {
		TargetID string `path:"target_id"`
	}) (*struct {
		Body TargetResponse `json:"body"`
	}, error) {
		holder, busy := a.rt.Engine.Locks().Holder(input.TargetID)
		return &struct {
			Body TargetResponse `json:"body"`
		}{Body: TargetResponse{TargetID: input.TargetID, Busy: busy, ActivityID: holder}}, nil
	})
}

func (a *handlers) registerWorkers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []WorkerResponse `json:"items"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Items []WorkerResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []WorkerResponse{}
		for _, w := range a.rt.Roster.List() {
			out.Body.Items = append(out.Body.Items, workerResponse(w))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Create worker with a generated id",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body WorkerRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		w, err := input.Body.worker(uuid.NewString())
		if err != nil {
			return nil, handleError(err)
		}
		saved, err := a.rt.PutWorker(ctx, w)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-worker",
		Method:      http.MethodPut,
		Path:        "/workers/{worker_id}",
		Summary:     "Create or replace worker",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkerID string        `path:"worker_id"`
		Body     WorkerRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		w, err := input.Body.worker(input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		saved, err := a.rt.PutWorker(ctx, w)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-worker",
		Method:        http.MethodDelete,
		Path:          "/workers/{worker_id}",
		Summary:       "Delete worker",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
	}) (*struct{}, error) {
		if err := a.rt.RemoveWorker(ctx, input.WorkerID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (a *handlers) registerEstimates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "quote-activity",
		Method:      http.MethodPost,
		Path:        "/estimates",
		Summary:     "Size a prospective activity without creating it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateActivityRequest `json:"body"`
	}) (*struct {
		Body engine.Quote `json:"body"`
	}, error) {
		req, err := input.Body.createRequest()
		if err != nil {
			return nil, handleError(err)
		}
		q, err := a.rt.Engine.Quote(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Quote `json:"body"`
		}{Body: q}, nil
	})
}

func (a *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"activity,scheduler"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.rt.Repo.LatestEvents(ctx, repo.EventFilter{
			Limit:      limit + 1,
			BeforeID:   cursorID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
