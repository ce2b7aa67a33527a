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

	"handoff/internal/agent"
	"handoff/internal/claim"
	"handoff/internal/drafts"
	"handoff/internal/guard"
	"handoff/internal/heartbeat"
	"handoff/internal/logging"
	"handoff/internal/repo"
)

// Config for the HTTP API handler. Executor is the template each
// authenticated request derives its own executor from.
type Config struct {
	Executor  *agent.Executor
	Claims    claim.Registry
	Heartbeat *heartbeat.Registry
	Repo      repo.Repo
	BasePath  string
	Auth      AuthConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"draft is not pending approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"draft_id\":\"DRAFT-1\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the approval API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Executor == nil {
		return nil, errors.New("server: executor is required")
	}
	if cfg.Heartbeat == nil {
		return nil, errors.New("server: heartbeat registry is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Handoff API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &service{cfg: cfg, log: logging.OrDiscard(cfg.Logger)}
	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, s)
	registerTasks(group, s)
	registerDrafts(group, s)
	registerEvents(group, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type service struct {
	cfg Config
	log *slog.Logger
}

// executorFor derives an executor acting as the authenticated principal,
// guarded by the principal's role rather than the server's own.
func (s *service) executorFor(ctx context.Context) (*agent.Executor, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return nil, authErr
	}
	g, err := guard.New(principal.Role, guard.WithLogger(s.log))
	if err != nil {
		return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	}
	ex := *s.cfg.Executor
	ex.Name = principal.ActorID
	ex.Guard = g
	ex.Drafts = ex.Drafts.WithGuard(g)
	return &ex, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var pe *guard.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": pe.Role, "operation": pe.Operation})
	}
	if errors.Is(err, drafts.ErrNotFound) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, drafts.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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
    <title>Handoff API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;. The token's role claim decides what you may do.
    </p>
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

func registerAgents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Agent liveness from heartbeats",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listAgents `json:"body"`
	}, error) {
		summary, err := s.cfg.Heartbeat.Summary()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listAgents `json:"body"`
		}{Body: listAgents{Items: agentResponses(summary)}}, nil
	})
}

func registerTasks(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-available-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/available",
		Summary:     "List unclaimed task refs",
	}, func(ctx context.Context, input *struct {
		Domain string `query:"domain"`
	}) (*struct {
		Body listTasks `json:"body"`
	}, error) {
		refs, err := s.cfg.Claims.ListAvailable(input.Domain)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listTasks `json:"body"`
		}{Body: listTasks{Items: nonNilSlice(refs)}}, nil
	})
}

func registerDrafts(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts/pending",
		Summary:     "List drafts awaiting approval",
	}, func(ctx context.Context, input *struct {
		Domain string `query:"domain"`
	}) (*struct {
		Body listDrafts `json:"body"`
	}, error) {
		items, err := s.cfg.Executor.Drafts.ListPending(ctx, input.Domain)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listDrafts `json:"body"`
		}{Body: listDrafts{Items: mapDrafts(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}",
		Summary:     "Get a draft wherever it lives",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := s.cfg.Executor.Drafts.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft-audit",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}/audit",
		Summary:     "Get a draft's audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body listAudit `json:"body"`
	}, error) {
		// Get rather than AuditTrail: an unknown id is a 404 here, not an empty trail.
		d, err := s.cfg.Executor.Drafts.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listAudit `json:"body"`
		}{Body: listAudit{Items: auditResponse(d.AuditTrail)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/approve",
		Summary:     "Approve a pending draft and execute it",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApproveDraftResponse `json:"body"`
	}, error) {
		ex, err := s.executorFor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := ex.Approve(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := ex.Drafts.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s.log.Info("draft approved over http", "draft_id", input.ID, "actor", ex.Name, "status", rec.Status)
		return &struct {
			Body ApproveDraftResponse `json:"body"`
		}{Body: ApproveDraftResponse{Draft: draftResponse(d), Execution: executionResponse(rec)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/reject",
		Summary:     "Reject a pending draft",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RejectDraftRequest
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		ex, err := s.executorFor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := ex.Reject(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		s.log.Info("draft rejected over http", "draft_id", input.ID, "actor", ex.Name)
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})
}

func registerEvents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,draft,sync,agent"`
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
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		filter := repo.EventFilter{Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID}
		items, err := s.cfg.Repo.LatestEvents(ctx, limit+1, cursorID, filter)
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
