package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/db"
	"github.com/morezero/action-bridge/pkg/dispatcher"
	"github.com/morezero/action-bridge/pkg/registry"
)

const httpLogPrefix = "server:http"

// Error codes used only by the HTTP front end.
const (
	codeBodyTooLarge = "BODY_TOO_LARGE"
	codeInternal     = "INTERNAL"
)

// serviceDirectory is the read side of the registry the front end needs.
type serviceDirectory interface {
	Lookup(name string) (registry.ServiceDescriptor, bool)
	List() []registry.ServiceDescriptor
	Len() int
}

// invoker runs calls against the bus.
type invoker interface {
	InvokeRef(ctx context.Context, ref, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Pending() int
}

// callLister reads the call journal.
type callLister interface {
	ListRecentCalls(ctx context.Context, params db.ListCallsParams) ([]db.CallEntry, error)
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// pinger checks a backing store.
type pinger interface {
	Ping(ctx context.Context) error
}

// HandlerParams holds the collaborators of the HTTP front end. Calls, DB and
// Metrics are optional; their endpoints are not mounted when nil.
type HandlerParams struct {
	Services           serviceDirectory
	Invoker            invoker
	Calls              callLister
	DB                 pinger
	Metrics            *metrics.InmemSink
	Ready              func() bool
	RequestTimeout     time.Duration
	MaxRequestTimeout  time.Duration
	MaxBodyBytes       int64
	HealthCheckTimeout time.Duration
}

type frontEnd struct {
	HandlerParams
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error dispatcher.ErrorDetail `json:"error"`
}

// HealthOutput is the body of GET /health.
type HealthOutput struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Services  int          `json:"services"`
	Pending   int          `json:"pending"`
	Checks    HealthChecks `json:"checks"`
}

// HealthChecks reports individual dependencies. Database is omitted when the
// call journal is disabled.
type HealthChecks struct {
	Subscribed bool  `json:"subscribed"`
	Database   *bool `json:"database,omitempty"`
}

// NewHandler builds the HTTP front end.
func NewHandler(params HandlerParams) http.Handler {
	if params.Ready == nil {
		params.Ready = func() bool { return true }
	}
	f := &frontEnd{HandlerParams: params}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", f.handleHome())
	mux.HandleFunc("GET /services", f.handleListServices)
	mux.HandleFunc("GET /services/{name}", f.handleGetService)
	mux.HandleFunc("GET /services/{name}/openapi.json", f.handleOpenAPI)
	mux.HandleFunc("GET /services/{name}/docs", f.handleDocs())
	mux.HandleFunc("POST /service/{ref}/{action}", f.handleInvoke)
	mux.HandleFunc("GET /health", f.handleHealth)
	mux.HandleFunc("GET /ready", f.handleReady)
	if params.Metrics != nil {
		mux.HandleFunc("GET /metrics", f.handleMetrics)
	}
	if params.Calls != nil {
		mux.HandleFunc("GET /calls", f.handleListCalls)
	}
	return mux
}

func (f *frontEnd) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": f.Services.List(),
	})
}

func (f *frontEnd) handleGetService(w http.ResponseWriter, r *http.Request) {
	desc, ok := f.Services.Lookup(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: dispatcher.ErrorDetail{
			Code:    dispatcher.CodeUnknownService,
			Message: fmt.Sprintf("service %q is not registered", r.PathValue("name")),
		}})
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleInvoke performs one call. The response body is the worker's reply
// payload as-is.
func (f *frontEnd) handleInvoke(w http.ResponseWriter, r *http.Request) {
	timeout, err := f.requestTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, &dispatcher.DispatchError{Code: dispatcher.CodeInvalidArgument, Message: err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, f.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: dispatcher.ErrorDetail{
				Code:    codeBodyTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}})
			return
		}
		writeError(w, &dispatcher.DispatchError{Code: dispatcher.CodeInvalidPayload, Message: "failed to read request body", Err: err})
		return
	}

	var payload json.RawMessage
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		payload = trimmed
	}

	reply, err := f.Invoker.InvokeRef(r.Context(), r.PathValue("ref"), r.PathValue("action"), payload, timeout)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - %s %s failed: %v", httpLogPrefix, r.PathValue("ref"), r.PathValue("action"), err))
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(commsutil.RawOrNull(reply))
}

// requestTimeout reads ?timeout=. It takes a Go duration ("5s") or whole
// milliseconds ("5000"). Values above the configured maximum are clamped.
func (f *frontEnd) requestTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return f.RequestTimeout, nil
	}
	var d time.Duration
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else {
		d, err = time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q", raw)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", raw)
	}
	if f.MaxRequestTimeout > 0 && d > f.MaxRequestTimeout {
		d = f.MaxRequestTimeout
	}
	return d, nil
}

func (f *frontEnd) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, f.health(r.Context()))
}

func (f *frontEnd) health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  f.Services.Len(),
		Pending:   f.Invoker.Pending(),
		Checks:    HealthChecks{Subscribed: f.Ready()},
	}
	if f.DB != nil {
		ctx, cancel := context.WithTimeout(ctx, f.HealthCheckTimeout)
		defer cancel()
		ok := f.DB.Ping(ctx) == nil
		h.Checks.Database = &ok
		if !ok {
			h.Status = "unhealthy"
		}
	}
	if !h.Checks.Subscribed {
		h.Status = "unhealthy"
	}
	return h
}

func writeHealth(w http.ResponseWriter, h *HealthOutput) {
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (f *frontEnd) handleReady(w http.ResponseWriter, r *http.Request) {
	if !f.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (f *frontEnd) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := f.Metrics.DisplayMetrics(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: dispatcher.ErrorDetail{Code: codeInternal, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (f *frontEnd) handleListCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := db.ListCallsParams{Service: q.Get("service"), Outcome: q.Get("outcome")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, &dispatcher.DispatchError{Code: dispatcher.CodeInvalidArgument, Message: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		params.Limit = limit
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.HealthCheckTimeout)
	defer cancel()
	calls, err := f.Calls.ListRecentCalls(ctx, params)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - list calls: %v", httpLogPrefix, err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: dispatcher.ErrorDetail{Code: codeInternal, Message: "failed to read call journal"}})
		return
	}
	if calls == nil {
		calls = []db.CallEntry{}
	}
	totals, err := f.Calls.CountByOutcome(ctx)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - count calls: %v", httpLogPrefix, err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: dispatcher.ErrorDetail{Code: codeInternal, Message: "failed to read call journal"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"calls": calls, "totals": totals})
}

// statusFor maps a dispatch error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case dispatcher.CodeUnknownService:
		return http.StatusNotFound
	case dispatcher.CodeUnsupportedAction, dispatcher.CodeInvalidPayload, dispatcher.CodeInvalidArgument:
		return http.StatusBadRequest
	case dispatcher.CodeVersionMismatch:
		return http.StatusConflict
	case dispatcher.CodeTimeout:
		return http.StatusGatewayTimeout
	case dispatcher.CodeTransportError, dispatcher.CodeCancelled:
		return http.StatusServiceUnavailable
	case dispatcher.CodeRemoteError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var derr *dispatcher.DispatchError
	if !errors.As(err, &derr) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: dispatcher.ErrorDetail{Code: codeInternal, Message: err.Error()}})
		return
	}
	writeJSON(w, statusFor(derr.Code), errorResponse{Error: derr.Detail()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", httpLogPrefix, err))
	}
}

// homePageTemplate lists the registered services.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Action Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Action Bridge</h1>
  <p class="meta">Services announced on the bus and the actions they accept.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Registered services: <span class="stat">{{.Health.Services}}</span></p>
    <p>Calls in flight: <span class="stat">{{.Health.Pending}}</span></p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Services</h2>
    {{if not .Services}}
    <p>No services registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Service</th><th>Version</th><th>Actions</th><th>Source</th><th>Registered</th></tr>
      </thead>
      <tbody>
        {{range .Services}}
        <tr>
          <td><a href="/services/{{.Name}}/docs">{{.Name}}</a></td>
          <td>{{.Version}}</td>
          <td>{{range .ActionNames}}{{.}} {{end}}</td>
          <td>{{.Source}}</td>
          <td>{{.RegisteredAt.Format "2006-01-02 15:04:05"}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type homeData struct {
	Health   *HealthOutput
	Services []registry.ServiceDescriptor
}

func (f *frontEnd) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		data := homeData{Health: f.health(r.Context()), Services: f.Services.List()}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// openAPI3 types for describing a service's actions.
type openAPI3Spec struct {
	OpenAPI string                      `json:"openapi"`
	Info    openAPI3Info                `json:"info"`
	Paths   map[string]openAPI3PathItem `json:"paths"`
}

type openAPI3Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type openAPI3PathItem struct {
	Post *openAPI3Operation `json:"post,omitempty"`
}

type openAPI3Operation struct {
	Summary     string                      `json:"summary"`
	OperationID string                      `json:"operationId"`
	RequestBody *openAPI3RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]openAPI3Response `json:"responses"`
}

type openAPI3RequestBody struct {
	Content map[string]openAPI3MediaType `json:"content"`
}

type openAPI3Response struct {
	Description string                       `json:"description"`
	Content     map[string]openAPI3MediaType `json:"content,omitempty"`
}

type openAPI3MediaType struct {
	Schema map[string]interface{} `json:"schema,omitempty"`
}

var errorSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"error": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"code":      map[string]interface{}{"type": "string"},
				"message":   map[string]interface{}{"type": "string"},
				"retryable": map[string]interface{}{"type": "boolean"},
			},
		},
	},
}

// buildOpenAPISpec describes one POST path per action of d.
func buildOpenAPISpec(d registry.ServiceDescriptor) *openAPI3Spec {
	errContent := map[string]openAPI3MediaType{"application/json": {Schema: errorSchema}}
	paths := make(map[string]openAPI3PathItem, len(d.Capabilities))
	for _, name := range d.ActionNames() {
		c := d.Capabilities[name]
		input := map[string]interface{}{}
		if len(c.Required) > 0 {
			input = map[string]interface{}{"type": "object", "required": c.Required}
		}
		paths["/service/"+d.Name+"/"+name] = openAPI3PathItem{
			Post: &openAPI3Operation{
				Summary:     name,
				OperationID: name,
				RequestBody: &openAPI3RequestBody{
					Content: map[string]openAPI3MediaType{"application/json": {Schema: input}},
				},
				Responses: map[string]openAPI3Response{
					"200": {Description: "Reply payload from the worker", Content: map[string]openAPI3MediaType{"application/json": {Schema: map[string]interface{}{}}}},
					"400": {Description: "Rejected before publish", Content: errContent},
					"502": {Description: "Worker reported an error", Content: errContent},
					"504": {Description: "No reply within the timeout", Content: errContent},
				},
			},
		}
	}
	version := d.Version
	if version == "" {
		version = "0.0.0"
	}
	return &openAPI3Spec{
		OpenAPI: "3.0.0",
		Info: openAPI3Info{
			Title:       d.Name,
			Description: "Service " + d.Name,
			Version:     version,
		},
		Paths: paths,
	}
}

func (f *frontEnd) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	desc, ok := f.Services.Lookup(r.PathValue("name"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, buildOpenAPISpec(desc))
}

// swaggerUIPage embeds Swagger UI from a CDN and loads a service's OpenAPI document.
const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>API – {{.Name}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: "{{.SpecURL}}",
        dom_id: "#swagger-ui",
        presets: [
          SwaggerUIBundle.presets.apis,
          SwaggerUIBundle.SwaggerUIStandalonePreset
        ]
      });
    };
  </script>
</body>
</html>
`

func (f *frontEnd) handleDocs() http.HandlerFunc {
	tmpl := template.Must(template.New("swagger").Parse(swaggerUIPage))
	return func(w http.ResponseWriter, r *http.Request) {
		desc, ok := f.Services.Lookup(r.PathValue("name"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		specURL := scheme + "://" + r.Host + "/services/" + url.PathEscape(desc.Name) + "/openapi.json"
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, map[string]string{"Name": desc.Name, "SpecURL": specURL}); err != nil {
			slog.Error(fmt.Sprintf("%s - docs template execute: %v", httpLogPrefix, err))
		}
	}
}
