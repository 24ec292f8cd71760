package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"raidline/internal/controller"
	"raidline/internal/domain"
	"raidline/internal/flow"
	"raidline/internal/gate"
	"raidline/internal/ports"
	"raidline/internal/prompt"
	"raidline/internal/repo"
)

// Raids is the raid coordination surface served over HTTP.
type Raids interface {
	CreateRaid(ctx context.Context, owner domain.Participant, attrs controller.CreateAttrs) (domain.RaidSummary, error)
	JoinRaid(ctx context.Context, p domain.Participant, ref controller.RaidRef) (domain.RaidSummary, error)
	LeaveRaid(ctx context.Context, p domain.Participant, ref controller.RaidRef) (domain.RaidSummary, error)
	RemoveRaid(ctx context.Context, owner domain.Participant, req controller.RemoveRequest) (domain.RaidSummary, error)
	ListRaids(community string) []domain.RaidSummary
	Get(raidID string) (domain.RaidSummary, bool)
	HandleSignal(ctx context.Context, sig ports.Signal) error
}

// Questions hands open questions to their addressees and takes their answers.
type Questions interface {
	Pending(participantID string) []prompt.Pending
	Answer(id, participantID string, reply gate.Reply) error
}

// EventLog reads the audit log.
type EventLog interface {
	EventsAfter(ctx context.Context, cursor int64, f repo.EventFilters) ([]domain.Event, error)
}

// Config for the HTTP API handler.
type Config struct {
	Raids     Raids
	Questions Questions
	Identity  ports.Identity
	Events    EventLog
	BasePath  string
	Auth      AuthConfig
	Logger    zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"raid-full"`
	Message string         `json:"message" example:"The raid at Tower is full."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"op\":\"join\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the raidline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Raids == nil || cfg.Questions == nil || cfg.Identity == nil {
		return nil, errors.New("server: raids, questions and identity are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are reported as bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	logger := cfg.Logger.With().Str("component", "server").Logger()
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Raidline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRaids(group, cfg.Raids)
	registerMembership(group, cfg.Raids)
	registerSignals(group, cfg.Raids)
	registerQuestions(group, cfg.Questions)
	registerParticipants(group, cfg.Identity)
	if cfg.Events != nil {
		registerEvents(group, cfg.Events)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			evt := logger.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).Msg("request")
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
	var rej *gate.Rejection
	if errors.As(err, &rej) {
		msg := rej.Message
		if msg == "" {
			msg = rej.Error()
		}
		return newAPIError(rejectionStatus(rej.Reason), string(rej.Reason), msg, map[string]any{"op": string(rej.Op)})
	}
	var pe *flow.PersistenceError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusServiceUnavailable, "persistence_failed", "raid state could not be saved", map[string]any{"op": pe.Op})
	}
	switch {
	case errors.Is(err, controller.ErrUnknownRaid), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ports.ErrUnknownParticipant):
		return newAPIError(http.StatusNotFound, "unknown_participant", err.Error(), nil)
	case errors.Is(err, ports.ErrNicknameTaken):
		return newAPIError(http.StatusConflict, "nickname_taken", err.Error(), nil)
	case errors.Is(err, prompt.ErrUnknownQuestion):
		return newAPIError(http.StatusNotFound, "unknown_question", err.Error(), nil)
	case errors.Is(err, prompt.ErrNotAddressee):
		return newAPIError(http.StatusForbidden, "not_addressee", err.Error(), nil)
	case errors.Is(err, prompt.ErrInvalidAnswer):
		return newAPIError(http.StatusBadRequest, "invalid_answer", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func rejectionStatus(reason gate.Reason) int {
	switch reason {
	case gate.ReasonNotFound:
		return http.StatusNotFound
	case gate.ReasonFull, gate.ReasonDuplicateRaid, gate.ReasonSameDeadline, gate.ReasonAlreadyMember:
		return http.StatusConflict
	case gate.ReasonDeclined, gate.ReasonTimedOut, gate.ReasonNotOpen, gate.ReasonNotMember:
		return http.StatusUnprocessableEntity
	case gate.ReasonNotRegistered:
		return http.StatusForbidden
	}
	return http.StatusBadRequest
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
		for _, op := range pathOperations(item) {
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

func pathOperations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
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
	oas.Components.SecuritySchemes["signalSecret"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: SignalSecretHeader,
	}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	healthPath := path.Join("/", basePath, "health")
	signalsPath := path.Join("/", basePath, "signals")
	for route, item := range oas.Paths {
		for _, op := range pathOperations(item) {
			switch route {
			case healthPath:
				op.Security = []map[string][]string{}
			case signalsPath:
				op.Security = []map[string][]string{{"signalSecret": {}}}
			default:
				op.Security = bearer
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
    <title>Raidline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Signals use the %s header.
    </p>
  </body>
</html>`, specURL, SignalSecretHeader)
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

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseTimeParam(name, v string) (time.Time, huma.StatusError) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid %s: expected RFC3339", name), map[string]any{name: v})
	}
	return ts, nil
}
