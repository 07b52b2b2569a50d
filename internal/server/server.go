package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gatehw/internal/coord"
	"gatehw/internal/domain"
	"gatehw/internal/engine"
	"gatehw/internal/migrate"
	"gatehw/internal/operation"
	"gatehw/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"busy"`
	Message string         `json:"message" example:"relay_controller is busy with operation 7f0c"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"role\":\"relay_controller\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gatehw API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 validation_error
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	hcfg := huma.DefaultConfig("gatehw API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerHardware(group, cfg.Engine)
	registerAccess(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), details)
	}
	var be *coord.BusyError
	if errors.As(err, &be) {
		return newAPIError(http.StatusConflict, "busy", err.Error(), map[string]any{
			"role":         string(be.Role),
			"operation_id": be.Holder,
		})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, operation.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, operation.ErrFinished) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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

// registerOpenAPI serves the document built on first request. Every route is
// registered before the router is returned, so one build is final.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once    sync.Once
		spec    []byte
		specErr error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, specErr = json.Marshal(oas)
		})
		if specErr != nil {
			http.Error(w, specErr.Error(), http.StatusInternalServerError)
			return
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"error": {
									Type: "object",
									Properties: map[string]*huma.Schema{
										"code":    {Type: "string"},
										"message": {Type: "string"},
										"details": {Type: "object"},
									},
									Required: []string{"code", "message"},
								},
							},
							Required: []string{"error"},
						},
					},
				},
			}
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
    <title>gatehw API Docs</title>
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

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		current, err := migrate.Current(ctx, e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		latest, err := migrate.Latest()
		if err != nil {
			return nil, handleError(err)
		}
		status := "ok"
		if current < latest {
			status = "degraded"
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:         status,
			SchemaVersion:  current,
			LiveOperations: len(e.Registry.Live()),
			Simulated:      e.Simulate,
		}}, nil
	})
}

func registerOperations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Start an operation",
		Description:   "Returns as soon as the operation is accepted. Poll its status for progress.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body StartOperationRequest `json:"body"`
	}) (*struct {
		Body StartOperationResponse `json:"body"`
	}, error) {
		// The operation outlives the request.
		id, err := e.StartOperation(context.WithoutCancel(ctx), input.Body.Kind, input.Body.Role, input.Body.Params)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartOperationResponse `json:"body"`
		}{Body: StartOperationResponse{Accepted: true, OperationID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations held in memory",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Operation `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Operation `json:"body"`
		}{Body: e.ListOperations()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "operation-history",
		Method:      http.MethodGet,
		Path:        "/operations/history",
		Summary:     "List archived operation runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OperationID string `query:"operation_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.OperationRun `json:"body"`
	}, error) {
		runs, err := e.OperationHistory(ctx, input.OperationID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.OperationRun{}
		}
		return &struct {
			Body []domain.OperationRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Get operation status",
		Description: "details holds the lines after the first `since`; detail_count is the total.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Since int    `query:"since" minimum:"0"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		op, err := e.GetOperationStatus(input.ID, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/stop",
		Summary:     "Request a cooperative stop",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StopOperationResponse `json:"body"`
	}, error) {
		live, err := e.StopOperation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StopOperationResponse `json:"body"`
		}{Body: StopOperationResponse{OperationID: input.ID, Stopped: live}}, nil
	})
}

func registerHardware(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "detect-hardware",
		Method:      http.MethodGet,
		Path:        "/hardware/detect",
		Summary:     "List attached USB, serial and HID devices",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Inventory `json:"body"`
	}, error) {
		inv, err := e.DetectHardware()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Inventory `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/hardware/assignments",
		Summary:     "List device assignments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		list, err := e.GetDeviceAssignments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-assignments",
		Method:      http.MethodPut,
		Path:        "/hardware/assignments",
		Summary:     "Save device assignments",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SaveAssignmentsRequest `json:"body"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		list, err := e.SaveDeviceAssignments(ctx, input.Body.Assignments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-assignment",
		Method:        http.MethodDelete,
		Path:          "/hardware/assignments/{role}",
		Summary:       "Remove a device assignment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Role domain.Role `path:"role" enum:"card_reader,relay_controller"`
	}) (*struct{}, error) {
		if err := e.DeleteDeviceAssignment(ctx, input.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-connection",
		Method:      http.MethodPost,
		Path:        "/hardware/assignments/{role}/test",
		Summary:     "Test the device connection for a role",
		Description: "Runs a connection_test operation and waits for its outcome.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		Role domain.Role            `path:"role" enum:"card_reader,relay_controller"`
		Body *TestConnectionRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.ConnectionResult `json:"body"`
	}, error) {
		devicePath := ""
		if input.Body != nil {
			devicePath = input.Body.Path
		}
		res, err := e.TestDeviceConnection(ctx, input.Role, devicePath)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConnectionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAccess(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-access-events",
		Method:      http.MethodGet,
		Path:        "/access/events",
		Summary:     "List access decisions, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.AccessEvent `json:"body"`
	}, error) {
		list, err := e.AccessLog(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AccessEvent `json:"body"`
		}{Body: list}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation_error", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.EventsBefore(ctx, limit+1, cursorID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
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
