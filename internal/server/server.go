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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"

	"proofreel/internal/engine"
	"proofreel/internal/feed"
	"proofreel/internal/logging"
	"proofreel/internal/media"
	"proofreel/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Media    *media.LocalHost
	Uploads  *media.Orchestrator
	Playback media.Resolver
	Feed     *feed.Feed
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state_transition"`
	Message string         `json:"message" example:"cannot escalate work item from active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"active\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the proofreel API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
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
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("proofreel API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handler{cfg: cfg, engine: cfg.Engine, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, h)
	registerWorkItems(group, h)
	registerDeliveries(group, h)
	registerReview(group, h)
	registerMedia(group, router, basePath, h)
	registerFeed(group, router, basePath, h)
	registerAPIKeys(group, h)
	registerOpenAPI(router, api, basePath)

	// Review URLs handed to clients point at the portal path.
	router.Get("/review/{token}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, path.Join(basePath, "review", chi.URLParam(r, "token")), http.StatusFound)
	})

	var out http.Handler = router
	if origins := cfg.Engine.Config; origins != nil && len(origins.Server.AllowedOrigins) > 0 {
		out = handlers.CORS(
			handlers.AllowedOrigins(origins.Server.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Api-Key", "Last-Event-ID"}),
		)(out)
	}
	out = handlers.RecoveryHandler(
		handlers.RecoveryLogger(logging.StdLogger(logger, slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)(out)
	return out, nil
}

type handler struct {
	cfg    Config
	engine engine.Engine
	logger *slog.Logger
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			logging.WithContext(ctx, logger).Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_state_transition", err.Error(), map[string]any{
			"work_item_id": te.WorkItemID, "from": te.From, "action": te.Action,
		})
	}
	var ue *media.UploadError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadGateway, "upload_failed", err.Error(), map[string]any{
			"session_id": ue.SessionID, "offset": ue.Offset, "resumable": ue.Resumable,
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrInvalidStateTransition):
		return newAPIError(http.StatusConflict, "invalid_state_transition", msg, nil)
	case errors.Is(err, engine.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, engine.ErrLinkExpired):
		return newAPIError(http.StatusGone, "link_expired", msg, nil)
	case errors.Is(err, engine.ErrLinkInactive):
		return newAPIError(http.StatusGone, "link_inactive", msg, nil)
	case errors.Is(err, engine.ErrLinkNotFound):
		return newAPIError(http.StatusNotFound, "link_not_found", msg, nil)
	case errors.Is(err, engine.ErrDuplicateFeedback):
		return newAPIError(http.StatusConflict, "duplicate_feedback", msg, nil)
	case errors.Is(err, media.ErrUploadFailed):
		return newAPIError(http.StatusBadGateway, "upload_failed", msg, nil)
	case errors.Is(err, media.ErrAssetNotReady):
		return newAPIError(http.StatusConflict, "asset_not_ready", msg, nil)
	case errors.Is(err, media.ErrAssetNotFound):
		return newAPIError(http.StatusNotFound, "asset_not_found", msg, nil)
	case errors.Is(err, media.ErrSessionNotFound):
		return newAPIError(http.StatusNotFound, "upload_not_found", msg, nil)
	case errors.Is(err, media.ErrOffsetMismatch):
		return newAPIError(http.StatusConflict, "offset_mismatch", msg, nil)
	case errors.Is(err, media.ErrIncomplete):
		return newAPIError(http.StatusConflict, "upload_incomplete", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

// authorize checks perm for the caller and returns its actor id.
func (h *handler) authorize(ctx context.Context, perm string) (string, error) {
	p, err := requirePermission(ctx, h.engine.Config, perm)
	if err != nil {
		return "", err
	}
	return p.ActorID, nil
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if isPublic(basePath, route) {
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
    <title>proofreel API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerMe(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		perms := append([]string{}, p.Permissions...)
		if h.engine.Config != nil {
			for perm := range h.engine.Config.RolePermissions(p.Roles) {
				perms = append(perms, perm)
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(perms),
			Source:      p.Source,
		}}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func parseOptionalDuration(field, raw string) (time.Duration, huma.StatusError) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", field+" must be a positive duration", map[string]any{field: raw})
	}
	return d, nil
}
