package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/morezero/action-bridge/internal/config"
	"github.com/morezero/action-bridge/pkg/correlation"
	"github.com/morezero/action-bridge/pkg/db"
	"github.com/morezero/action-bridge/pkg/dispatcher"
	"github.com/morezero/action-bridge/pkg/registry"
	"github.com/morezero/action-bridge/pkg/router"
	"github.com/morezero/action-bridge/pkg/transport"
	"github.com/morezero/action-bridge/pkg/transport/memory"
)

const serverTestPrefix = "server:server_test"

// stack is a bridge over an in-process bus with a scripted worker.
type stack struct {
	bus    *memory.Bus
	reg    *registry.Registry
	disp   *dispatcher.Dispatcher
	router *router.Router
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st := &stack{bus: memory.New(), reg: registry.NewRegistry(registry.NewRegistryParams{})}
	table := correlation.NewTable()
	st.disp = dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Registry:  st.reg,
		Table:     table,
		Publisher: st.bus,
	})
	st.router = router.NewRouter(router.NewRouterParams{Registry: st.reg, Table: table})
	if err := st.bus.Subscribe(context.Background(), st.router.Deliver); err != nil {
		t.Fatalf("%s - subscribe: %v", serverTestPrefix, err)
	}
	t.Cleanup(st.router.Close)
	return st
}

// worker answers every request with reply(request). A nil reply means silence.
func (st *stack) worker(reply func(req dispatcher.RequestEnvelope) *dispatcher.ReplyEnvelope) {
	st.bus.OnPublish(func(d transport.Delivery) {
		if !strings.HasPrefix(d.Topic, "outbound/") {
			return
		}
		var req dispatcher.RequestEnvelope
		if err := json.Unmarshal(d.Payload, &req); err != nil {
			return
		}
		rep := reply(req)
		if rep == nil {
			return
		}
		data, _ := json.Marshal(rep)
		go st.bus.Inject("inbound/"+req.Service+"/"+req.Action, data)
	})
}

func (st *stack) handler(mutate func(p *HandlerParams)) http.Handler {
	p := HandlerParams{
		Services:           st.reg,
		Invoker:            st.disp,
		RequestTimeout:     2 * time.Second,
		MaxRequestTimeout:  5 * time.Second,
		MaxBodyBytes:       16384,
		HealthCheckTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&p)
	}
	return NewHandler(p)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dispatcher.ErrorDetail {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s - error body is not JSON: %v (%s)", serverTestPrefix, err, rec.Body.String())
	}
	return body.Error
}

func echoWorker(req dispatcher.RequestEnvelope) *dispatcher.ReplyEnvelope {
	return &dispatcher.ReplyEnvelope{ID: req.ID, Payload: req.Payload}
}

func TestInvoke_Success(t *testing.T) {
	st := newStack(t)
	st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
	st.worker(echoWorker)

	rec := do(t, st.handler(nil), http.MethodPost, "/service/svc1/act1", `{"a":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200 (%s)", serverTestPrefix, rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"a":1}` {
		t.Errorf("%s - body = %s, want {\"a\":1}", serverTestPrefix, got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s - Content-Type = %q", serverTestPrefix, ct)
	}
}

func TestInvoke_EmptyBodyIsNull(t *testing.T) {
	st := newStack(t)
	st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "ping"))
	var got json.RawMessage
	st.worker(func(req dispatcher.RequestEnvelope) *dispatcher.ReplyEnvelope {
		got = req.Payload
		return &dispatcher.ReplyEnvelope{ID: req.ID, Payload: json.RawMessage(`"pong"`)}
	})

	rec := do(t, st.handler(nil), http.MethodPost, "/service/svc1/ping", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200 (%s)", serverTestPrefix, rec.Code, rec.Body.String())
	}
	if string(got) != "null" {
		t.Errorf("%s - published payload = %s, want null", serverTestPrefix, got)
	}
}

func TestInvoke_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(st *stack)
		target     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown service",
			target:     "/service/ghost/act1",
			wantStatus: http.StatusNotFound,
			wantCode:   dispatcher.CodeUnknownService,
		},
		{
			name: "unsupported action",
			setup: func(st *stack) {
				st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
			},
			target:     "/service/svc1/act2",
			wantStatus: http.StatusBadRequest,
			wantCode:   dispatcher.CodeUnsupportedAction,
		},
		{
			name: "invalid payload",
			setup: func(st *stack) {
				st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
			},
			target:     "/service/svc1/act1",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantCode:   dispatcher.CodeInvalidPayload,
		},
		{
			name: "version mismatch",
			setup: func(st *stack) {
				d := registry.NewDescriptor("svc1", "act1")
				d.Version = "1.4.0"
				st.reg.Register(context.Background(), d)
			},
			target:     "/service/svc1@%5E2/act1",
			wantStatus: http.StatusConflict,
			wantCode:   dispatcher.CodeVersionMismatch,
		},
		{
			name: "bad timeout",
			setup: func(st *stack) {
				st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
			},
			target:     "/service/svc1/act1?timeout=soon",
			wantStatus: http.StatusBadRequest,
			wantCode:   dispatcher.CodeInvalidArgument,
		},
		{
			name: "timeout",
			setup: func(st *stack) {
				st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
				st.worker(func(dispatcher.RequestEnvelope) *dispatcher.ReplyEnvelope { return nil })
			},
			target:     "/service/svc1/act1?timeout=20ms",
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   dispatcher.CodeTimeout,
		},
		{
			name: "remote error",
			setup: func(st *stack) {
				st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
				st.worker(func(req dispatcher.RequestEnvelope) *dispatcher.ReplyEnvelope {
					return &dispatcher.ReplyEnvelope{ID: req.ID, Error: "disk full"}
				})
			},
			target:     "/service/svc1/act1",
			wantStatus: http.StatusBadGateway,
			wantCode:   dispatcher.CodeRemoteError,
		},
		{
			name: "transport error",
			setup: func(st *stack) {
				st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
				st.bus.FailPublishes(errors.New("broker down"))
			},
			target:     "/service/svc1/act1",
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   dispatcher.CodeTransportError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStack(t)
			if tt.setup != nil {
				tt.setup(st)
			}
			rec := do(t, st.handler(nil), http.MethodPost, tt.target, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("%s - status = %d, want %d (%s)", serverTestPrefix, rec.Code, tt.wantStatus, rec.Body.String())
			}
			if detail := decodeError(t, rec); detail.Code != tt.wantCode {
				t.Errorf("%s - code = %q, want %q", serverTestPrefix, detail.Code, tt.wantCode)
			}
		})
	}
}

func TestInvoke_BodyTooLarge(t *testing.T) {
	st := newStack(t)
	st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
	h := st.handler(func(p *HandlerParams) { p.MaxBodyBytes = 8 })

	rec := do(t, h, http.MethodPost, "/service/svc1/act1", `{"field":"way too long"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("%s - status = %d, want 413", serverTestPrefix, rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != codeBodyTooLarge {
		t.Errorf("%s - code = %q, want %q", serverTestPrefix, detail.Code, codeBodyTooLarge)
	}
	if n := len(st.bus.Published()); n != 0 {
		t.Errorf("%s - expected nothing published, got %d", serverTestPrefix, n)
	}
}

func TestRequestTimeout(t *testing.T) {
	f := &frontEnd{HandlerParams: HandlerParams{RequestTimeout: time.Minute, MaxRequestTimeout: 5 * time.Minute}}

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: time.Minute},
		{raw: "5s", want: 5 * time.Second},
		{raw: "1500", want: 1500 * time.Millisecond},
		{raw: "1h", want: 5 * time.Minute},
		{raw: "0", wantErr: true},
		{raw: "-1s", wantErr: true},
		{raw: "later", wantErr: true},
	}
	for _, tt := range tests {
		got, err := f.requestTimeout(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s - requestTimeout(%q) expected error", serverTestPrefix, tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s - requestTimeout(%q) unexpected error: %v", serverTestPrefix, tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s - requestTimeout(%q) = %v, want %v", serverTestPrefix, tt.raw, got, tt.want)
		}
	}
}

func TestListAndGetServices(t *testing.T) {
	st := newStack(t)
	st.reg.Register(context.Background(), registry.NewDescriptor("svc2", "b"))
	st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "a", "c"))
	h := st.handler(nil)

	rec := do(t, h, http.MethodGet, "/services", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - list status = %d", serverTestPrefix, rec.Code)
	}
	var list struct {
		Services []registry.ServiceDescriptor `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("%s - list decode: %v", serverTestPrefix, err)
	}
	if len(list.Services) != 2 || list.Services[0].Name != "svc1" || list.Services[1].Name != "svc2" {
		t.Errorf("%s - list = %+v, want svc1, svc2", serverTestPrefix, list.Services)
	}

	rec = do(t, h, http.MethodGet, "/services/svc1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - get status = %d", serverTestPrefix, rec.Code)
	}
	var desc registry.ServiceDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("%s - get decode: %v", serverTestPrefix, err)
	}
	if !desc.Caters("a") || !desc.Caters("c") || desc.Caters("b") {
		t.Errorf("%s - descriptor capabilities = %v", serverTestPrefix, desc.ActionNames())
	}

	rec = do(t, h, http.MethodGet, "/services/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("%s - unknown service status = %d, want 404", serverTestPrefix, rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != dispatcher.CodeUnknownService {
		t.Errorf("%s - code = %q, want %q", serverTestPrefix, detail.Code, dispatcher.CodeUnknownService)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		db         pinger
		wantStatus int
		wantHealth string
	}{
		{name: "ready without journal", ready: true, wantStatus: http.StatusOK, wantHealth: "healthy"},
		{name: "ready with database", ready: true, db: fakePinger{}, wantStatus: http.StatusOK, wantHealth: "healthy"},
		{name: "database down", ready: true, db: fakePinger{err: errors.New("refused")}, wantStatus: http.StatusServiceUnavailable, wantHealth: "unhealthy"},
		{name: "not subscribed", ready: false, wantStatus: http.StatusServiceUnavailable, wantHealth: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStack(t)
			st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "a"))
			h := st.handler(func(p *HandlerParams) {
				p.DB = tt.db
				p.Ready = func() bool { return tt.ready }
			})
			rec := do(t, h, http.MethodGet, "/health", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("%s - status = %d, want %d", serverTestPrefix, rec.Code, tt.wantStatus)
			}
			var out HealthOutput
			if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
				t.Fatalf("%s - decode: %v", serverTestPrefix, err)
			}
			if out.Status != tt.wantHealth {
				t.Errorf("%s - status = %q, want %q", serverTestPrefix, out.Status, tt.wantHealth)
			}
			if out.Services != 1 {
				t.Errorf("%s - services = %d, want 1", serverTestPrefix, out.Services)
			}
			if (tt.db == nil) != (out.Checks.Database == nil) {
				t.Errorf("%s - database check presence mismatch: %v", serverTestPrefix, out.Checks.Database)
			}
		})
	}
}

func TestReady(t *testing.T) {
	st := newStack(t)
	ready := false
	h := st.handler(func(p *HandlerParams) { p.Ready = func() bool { return ready } })

	if rec := do(t, h, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - status before ready = %d, want 503", serverTestPrefix, rec.Code)
	}
	ready = true
	if rec := do(t, h, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("%s - status when ready = %d, want 200", serverTestPrefix, rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	st := newStack(t)
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	sink.IncrCounter([]string{"bridge", "test"}, 1)

	if rec := do(t, st.handler(nil), http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("%s - /metrics without sink = %d, want 404", serverTestPrefix, rec.Code)
	}

	rec := do(t, st.handler(func(p *HandlerParams) { p.Metrics = sink }), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bridge.test") {
		t.Errorf("%s - metrics body missing counter: %s", serverTestPrefix, rec.Body.String())
	}
}

type fakeCalls struct {
	got   db.ListCallsParams
	calls []db.CallEntry
	err   error
}

func (f *fakeCalls) ListRecentCalls(_ context.Context, params db.ListCallsParams) ([]db.CallEntry, error) {
	f.got = params
	return f.calls, f.err
}

func (f *fakeCalls) CountByOutcome(context.Context) (map[string]int64, error) {
	return map[string]int64{dispatcher.OutcomeResolved: int64(len(f.calls))}, f.err
}

func TestListCalls(t *testing.T) {
	st := newStack(t)

	if rec := do(t, st.handler(nil), http.MethodGet, "/calls", ""); rec.Code != http.StatusNotFound {
		t.Errorf("%s - /calls without journal = %d, want 404", serverTestPrefix, rec.Code)
	}

	calls := &fakeCalls{calls: []db.CallEntry{{ID: "c1", Service: "svc1", Action: "a", Outcome: dispatcher.OutcomeResolved}}}
	h := st.handler(func(p *HandlerParams) { p.Calls = calls })

	rec := do(t, h, http.MethodGet, "/calls?service=svc1&outcome=resolved&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	want := db.ListCallsParams{Service: "svc1", Outcome: "resolved", Limit: 5}
	if calls.got != want {
		t.Errorf("%s - params = %+v, want %+v", serverTestPrefix, calls.got, want)
	}
	if !strings.Contains(rec.Body.String(), `"id":"c1"`) {
		t.Errorf("%s - body missing call: %s", serverTestPrefix, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"totals":{"resolved":1}`) {
		t.Errorf("%s - body missing totals: %s", serverTestPrefix, rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/calls?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("%s - bad limit status = %d, want 400", serverTestPrefix, rec.Code)
	}

	calls.err = errors.New("db gone")
	if rec := do(t, h, http.MethodGet, "/calls", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("%s - journal error status = %d, want 500", serverTestPrefix, rec.Code)
	}
}

func TestHomePage(t *testing.T) {
	st := newStack(t)
	d := registry.NewDescriptor("svc1", "act1")
	d.Version = "1.0.0"
	st.reg.Register(context.Background(), d)

	rec := do(t, st.handler(nil), http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Action Bridge", "svc1", "act1", "1.0.0", "/services/svc1/docs"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - home page missing %q", serverTestPrefix, want)
		}
	}

	if rec := do(t, st.handler(nil), http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("%s - unknown path status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestBuildOpenAPISpec(t *testing.T) {
	d := registry.NewDescriptor("svc1", "ingest", "ping")
	d.Version = "2.1.0"
	d.Capabilities["ingest"] = registry.Capability{Name: "ingest", Required: []string{"url"}}

	spec := buildOpenAPISpec(d)
	if spec.OpenAPI != "3.0.0" {
		t.Errorf("%s - OpenAPI = %q, want 3.0.0", serverTestPrefix, spec.OpenAPI)
	}
	if spec.Info.Title != "svc1" || spec.Info.Version != "2.1.0" {
		t.Errorf("%s - Info = %+v", serverTestPrefix, spec.Info)
	}
	if len(spec.Paths) != 2 {
		t.Fatalf("%s - expected 2 paths, got %d", serverTestPrefix, len(spec.Paths))
	}
	ingest, ok := spec.Paths["/service/svc1/ingest"]
	if !ok || ingest.Post == nil {
		t.Fatalf("%s - expected POST /service/svc1/ingest", serverTestPrefix)
	}
	schema := ingest.Post.RequestBody.Content["application/json"].Schema
	if req, _ := schema["required"].([]string); len(req) != 1 || req[0] != "url" {
		t.Errorf("%s - ingest schema = %v, want required [url]", serverTestPrefix, schema)
	}
	ping := spec.Paths["/service/svc1/ping"]
	if len(ping.Post.RequestBody.Content["application/json"].Schema) != 0 {
		t.Errorf("%s - ping schema should accept anything", serverTestPrefix)
	}
	if _, ok := ping.Post.Responses["504"]; !ok {
		t.Errorf("%s - expected a 504 response", serverTestPrefix)
	}
}

func TestBuildOpenAPISpec_NoVersion(t *testing.T) {
	spec := buildOpenAPISpec(registry.NewDescriptor("svc1"))
	if spec.Info.Version != "0.0.0" {
		t.Errorf("%s - Info.Version = %q, want 0.0.0", serverTestPrefix, spec.Info.Version)
	}
	if len(spec.Paths) != 0 {
		t.Errorf("%s - expected no paths, got %d", serverTestPrefix, len(spec.Paths))
	}
}

func TestOpenAPIAndDocsEndpoints(t *testing.T) {
	st := newStack(t)
	st.reg.Register(context.Background(), registry.NewDescriptor("svc1", "act1"))
	h := st.handler(nil)

	rec := do(t, h, http.MethodGet, "/services/svc1/openapi.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - openapi status = %d", serverTestPrefix, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/service/svc1/act1") {
		t.Errorf("%s - openapi body missing path: %s", serverTestPrefix, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/services/svc1/docs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - docs status = %d", serverTestPrefix, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/services/svc1/openapi.json") {
		t.Errorf("%s - docs page missing spec URL", serverTestPrefix)
	}

	if rec := do(t, h, http.MethodGet, "/services/ghost/openapi.json", ""); rec.Code != http.StatusNotFound {
		t.Errorf("%s - unknown service openapi = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Transport:          config.TransportNATS,
		COMMSName:          "action-bridge-test",
		RequestTimeout:     2 * time.Second,
		MaxRequestTimeout:  5 * time.Second,
		HTTPAddr:           "127.0.0.1:0",
		MaxBodyBytes:       16384,
		HealthCheckTimeout: time.Second,
		MetricsInterval:    time.Second,
	}
}

func TestNew_WiresTransportAndBootstrap(t *testing.T) {
	t.Setenv("BRIDGE_BOOTSTRAP_FILE", "")
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	data := `{"name":"test","version":"1.0.0","services":[{"service":"seeded","capabilities":["ping"]}]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("%s - write bootstrap: %v", serverTestPrefix, err)
	}

	cfg := testConfig(t)
	cfg.BootstrapFile = path
	bus := memory.New()
	s, err := New(context.Background(), NewServerParams{Config: cfg, Transport: bus})
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	desc, ok := s.Registry().Lookup("seeded")
	if !ok || !desc.Caters("ping") {
		t.Fatalf("%s - bootstrap service not registered: %+v", serverTestPrefix, desc)
	}
	if desc.Source != "bootstrap" {
		t.Errorf("%s - Source = %q, want bootstrap", serverTestPrefix, desc.Source)
	}
	if n := len(bus.PublishedTo("bridge/events/seeded")); n != 1 {
		t.Errorf("%s - expected 1 change event for seeded, got %d", serverTestPrefix, n)
	}

	// An announcement arriving on the bus reaches the registry.
	bus.Inject("announce", []byte(`{"service":"svc1","capabilities":["act1"]}`))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Registry().Lookup("svc1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s - announcement not applied", serverTestPrefix)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_InvalidBootstrapFails(t *testing.T) {
	t.Setenv("BRIDGE_BOOTSTRAP_FILE", "")
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	if err := os.WriteFile(path, []byte(`{"services":[{"service":"bad name!","capabilities":["a"]}]}`), 0o644); err != nil {
		t.Fatalf("%s - write bootstrap: %v", serverTestPrefix, err)
	}

	cfg := testConfig(t)
	cfg.BootstrapFile = path
	bus := memory.New()
	if _, err := New(context.Background(), NewServerParams{Config: cfg, Transport: bus}); err == nil {
		t.Fatalf("%s - expected error for invalid bootstrap service", serverTestPrefix)
	}
	if err := bus.Publish(context.Background(), "x", nil); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("%s - transport should be closed after failed New, publish err = %v", serverTestPrefix, err)
	}
}

func TestServer_StartServesAndShutsDown(t *testing.T) {
	t.Setenv("BRIDGE_BOOTSTRAP_FILE", "")
	t.Chdir(t.TempDir())

	bus := memory.New()
	s, err := New(context.Background(), NewServerParams{Config: testConfig(t), Transport: bus})
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("%s - Start: %v", serverTestPrefix, err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/ready")
	if err != nil {
		t.Fatalf("%s - GET /ready: %v", serverTestPrefix, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("%s - /ready = %d, want 200", serverTestPrefix, resp.StatusCode)
	}

	resp, err = http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("%s - GET /metrics: %v", serverTestPrefix, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("%s - /metrics = %d, want 200", serverTestPrefix, resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("%s - Shutdown: %v", serverTestPrefix, err)
	}
	if _, err := http.Get("http://" + s.Addr() + "/ready"); err == nil {
		t.Errorf("%s - expected HTTP server to be stopped", serverTestPrefix)
	}
}

func TestOpenTransport_UnknownName(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport = "carrier-pigeon"
	if _, err := openTransport(cfg); err == nil {
		t.Errorf("%s - expected error for unknown transport", serverTestPrefix)
	}
}
