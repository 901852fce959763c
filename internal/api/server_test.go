package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	// The pure-Go driver keeps tests cgo-free.
	_ "modernc.org/sqlite"

	"github.com/groundloop/patchbay/internal/audit"
	"github.com/groundloop/patchbay/internal/catalog"
	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/metrics"
	"github.com/groundloop/patchbay/internal/policy"
	"github.com/groundloop/patchbay/internal/registry"
	"github.com/groundloop/patchbay/internal/router"
	"github.com/groundloop/patchbay/internal/session"
	"github.com/groundloop/patchbay/internal/supervisor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInvoker scripts router behavior and records the last call.
type fakeInvoker struct {
	mu          sync.Mutex
	result      *router.Result
	err         error
	lastCaller  string
	lastName    string
	lastArgs    map[string]any
	lastTimeout time.Duration
	listEntries []catalog.Entry
	listCaller  string
	stats       router.Stats
}

func (f *fakeInvoker) Invoke(ctx context.Context, caller, capability string, args map[string]any, timeout time.Duration) (*router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCaller = caller
	f.lastName = capability
	f.lastArgs = args
	f.lastTimeout = timeout
	return f.result, f.err
}

func (f *fakeInvoker) List(caller string, fl catalog.Filter) []catalog.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCaller = caller
	return f.listEntries
}

func (f *fakeInvoker) GetStats() router.Stats {
	return f.stats
}

type fakeClients struct {
	snaps []registry.Snapshot
}

func (f *fakeClients) List() []registry.Snapshot { return f.snaps }

// fakeCatalog filters its entries by client and kind like the real
// index does.
type fakeCatalog struct {
	entries []catalog.Entry
}

func (f *fakeCatalog) List(fl catalog.Filter) []catalog.Entry {
	out := make([]catalog.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		if fl.Client != "" && e.Client != fl.Client {
			continue
		}
		if fl.Kind != "" && e.Capability.Kind != fl.Kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

func entry(name, client, kind string) catalog.Entry {
	return catalog.Entry{
		Name:       name,
		RawName:    name,
		Client:     client,
		Capability: session.Capability{Name: name, Kind: kind},
	}
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *Server) {
	t.Helper()
	if cfg.Router == nil {
		cfg.Router = &fakeInvoker{}
	}
	if cfg.Clients == nil {
		cfg.Clients = &fakeClients{}
	}
	if cfg.Index == nil {
		cfg.Index = &fakeCatalog{}
	}
	s := NewServer(cfg, discardLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, s
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// errorEnvelope matches the error response shape.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func TestHealthAndVersion(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	var health map[string]string
	if code := getJSON(t, ts.URL+"/health", &health); code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", code)
	}
	if health["status"] != "healthy" {
		t.Errorf("health status = %q, want healthy", health["status"])
	}

	var version map[string]string
	if code := getJSON(t, ts.URL+"/v1/version", &version); code != http.StatusOK {
		t.Errorf("GET /v1/version = %d, want 200", code)
	}
	if _, ok := version["version"]; !ok {
		t.Errorf("version response missing version key: %v", version)
	}
}

func TestStatusReportsClients(t *testing.T) {
	clients := &fakeClients{snaps: []registry.Snapshot{
		{Name: "github", State: registry.StateReady, Transport: "stdio"},
		{Name: "notes", State: registry.StateDegraded, StateReason: "transport fault", Transport: "http"},
	}}
	index := &fakeCatalog{entries: []catalog.Entry{
		entry("create_issue", "github", session.KindTool),
		entry("list_repos", "github", session.KindTool),
		entry("search_notes", "notes", session.KindTool),
	}}
	ts, _ := newTestServer(t, Config{Clients: clients, Index: index})

	var got statusResponse
	if code := getJSON(t, ts.URL+"/v1/status", &got); code != http.StatusOK {
		t.Fatalf("GET /v1/status = %d, want 200", code)
	}

	if got.Status != "degraded" {
		t.Errorf("overall status = %q, want degraded", got.Status)
	}
	if len(got.Clients) != 2 {
		t.Fatalf("clients = %d, want 2", len(got.Clients))
	}
	if got.Clients[0].Name != "github" || got.Clients[0].Capabilities != 2 {
		t.Errorf("github status = %+v, want 2 capabilities", got.Clients[0])
	}
	if got.Clients[1].State != "degraded" || got.Clients[1].Reason != "transport fault" {
		t.Errorf("notes status = %+v, want degraded with reason", got.Clients[1])
	}
	if got.Capabilities != 3 {
		t.Errorf("total capabilities = %d, want 3", got.Capabilities)
	}
}

func TestCapabilitiesOperatorView(t *testing.T) {
	index := &fakeCatalog{entries: []catalog.Entry{
		entry("create_issue", "github", session.KindTool),
		entry("daily_summary", "notes", session.KindPrompt),
	}}
	ts, _ := newTestServer(t, Config{Index: index})

	var got struct {
		Capabilities []capabilityView `json:"capabilities"`
		Count        int              `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/v1/capabilities", &got); code != http.StatusOK {
		t.Fatalf("GET /v1/capabilities = %d, want 200", code)
	}
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}

	// Kind filter narrows the listing.
	if code := getJSON(t, ts.URL+"/v1/capabilities?kind=prompt", &got); code != http.StatusOK {
		t.Fatalf("filtered GET = %d, want 200", code)
	}
	if got.Count != 1 || got.Capabilities[0].Name != "daily_summary" {
		t.Errorf("kind filter returned %+v, want only daily_summary", got.Capabilities)
	}
}

func TestCapabilitiesCallerViewUsesPolicy(t *testing.T) {
	inv := &fakeInvoker{listEntries: []catalog.Entry{
		entry("create_issue", "github", session.KindTool),
	}}
	index := &fakeCatalog{entries: []catalog.Entry{
		entry("create_issue", "github", session.KindTool),
		entry("delete_repo", "github", session.KindTool),
	}}
	ts, _ := newTestServer(t, Config{Router: inv, Index: index})

	var got struct {
		Count int `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/v1/capabilities?caller=assistant", &got); code != http.StatusOK {
		t.Fatalf("GET = %d, want 200", code)
	}
	if got.Count != 1 {
		t.Errorf("caller view count = %d, want 1 (policy filtered)", got.Count)
	}
	if inv.listCaller != "assistant" {
		t.Errorf("router saw caller %q, want assistant", inv.listCaller)
	}
}

func TestInvokeSuccess(t *testing.T) {
	inv := &fakeInvoker{result: &router.Result{
		Capability: "create_issue",
		Client:     "github",
		Kind:       session.KindTool,
		Text:       "issue #42 created",
		DurationMs: 12,
	}}
	ts, _ := newTestServer(t, Config{Router: inv})

	var got router.Result
	code := postJSON(t, ts.URL+"/v1/invoke", invokeRequest{
		Caller:     "assistant",
		Capability: "create_issue",
		Args:       map[string]any{"title": "bug"},
		TimeoutMs:  2500,
	}, &got)

	if code != http.StatusOK {
		t.Fatalf("POST /v1/invoke = %d, want 200", code)
	}
	if got.Text != "issue #42 created" {
		t.Errorf("result text = %q", got.Text)
	}
	if inv.lastCaller != "assistant" || inv.lastName != "create_issue" {
		t.Errorf("router saw caller=%q capability=%q", inv.lastCaller, inv.lastName)
	}
	if inv.lastTimeout != 2500*time.Millisecond {
		t.Errorf("timeout = %v, want 2.5s", inv.lastTimeout)
	}
	if inv.lastArgs["title"] != "bug" {
		t.Errorf("args = %v, want title=bug", inv.lastArgs)
	}
}

func TestInvokeValidation(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	var env errorEnvelope
	if code := postJSON(t, ts.URL+"/v1/invoke", map[string]string{"capability": "x"}, &env); code != http.StatusBadRequest {
		t.Errorf("missing caller = %d, want 400", code)
	}
	if env.Error.Type != "invalid_request" {
		t.Errorf("error type = %q, want invalid_request", env.Error.Type)
	}

	if code := postJSON(t, ts.URL+"/v1/invoke", map[string]string{"caller": "a"}, &env); code != http.StatusBadRequest {
		t.Errorf("missing capability = %d, want 400", code)
	}
}

func TestInvokeErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "denied",
			err:        &policy.AccessDeniedError{Caller: "a", Capability: "b", Reason: "not allowed"},
			wantStatus: http.StatusForbidden,
			wantType:   "access_denied",
		},
		{
			name:       "unknown capability",
			err:        &catalog.NotFoundError{Capability: "nope"},
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name:       "client closed",
			err:        &registry.ClientUnavailableError{Client: "github", State: registry.StateClosed, Reason: "gone"},
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "client_unavailable",
		},
		{
			name:       "timeout",
			err:        &session.TimeoutError{Client: "github", Method: "tools/call", Timeout: time.Second},
			wantStatus: http.StatusGatewayTimeout,
			wantType:   "timeout_error",
		},
		{
			name:       "transport fault",
			err:        &session.TransportError{Client: "github", Op: "tools/call", Err: io.EOF},
			wantStatus: http.StatusBadGateway,
			wantType:   "transport_error",
		},
		{
			name:       "server rejected call",
			err:        &session.RPCError{Code: -32602, Message: "invalid params"},
			wantStatus: http.StatusBadGateway,
			wantType:   "rpc_error",
		},
		{
			name:       "unclassified",
			err:        errors.New("spontaneous failure"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{err: tt.err}
			ts, _ := newTestServer(t, Config{Router: inv})

			var env errorEnvelope
			code := postJSON(t, ts.URL+"/v1/invoke", invokeRequest{Caller: "a", Capability: "b"}, &env)

			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if env.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", env.Error.Type, tt.wantType)
			}
			if env.Error.Message == "" {
				t.Error("error message should not be empty")
			}
		})
	}
}

func TestReloadReturnsDiff(t *testing.T) {
	reload := func(ctx context.Context) (*supervisor.ReloadResult, error) {
		return &supervisor.ReloadResult{
			Added:   []string{"delta"},
			Removed: []string{"gamma"},
		}, nil
	}
	ts, _ := newTestServer(t, Config{Reload: reload})

	var got struct {
		Added   []string `json:"added"`
		Removed []string `json:"removed"`
		Error   string   `json:"error"`
	}
	if code := postJSON(t, ts.URL+"/v1/reload", nil, &got); code != http.StatusOK {
		t.Fatalf("POST /v1/reload = %d, want 200", code)
	}
	if len(got.Added) != 1 || got.Added[0] != "delta" {
		t.Errorf("added = %v, want [delta]", got.Added)
	}
	if got.Error != "" {
		t.Errorf("error = %q, want empty", got.Error)
	}
}

func TestReloadPartialFailure(t *testing.T) {
	reload := func(ctx context.Context) (*supervisor.ReloadResult, error) {
		return &supervisor.ReloadResult{Added: []string{"delta"}}, errors.New("connect delta: refused")
	}
	ts, _ := newTestServer(t, Config{Reload: reload})

	var got struct {
		Added []string `json:"added"`
		Error string   `json:"error"`
	}
	if code := postJSON(t, ts.URL+"/v1/reload", nil, &got); code != http.StatusOK {
		t.Fatalf("POST /v1/reload = %d, want 200 with embedded error", code)
	}
	if !strings.Contains(got.Error, "refused") {
		t.Errorf("error = %q, want connect failure", got.Error)
	}
}

func TestReloadNotWired(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	var env errorEnvelope
	if code := postJSON(t, ts.URL+"/v1/reload", nil, &env); code != http.StatusNotImplemented {
		t.Errorf("POST /v1/reload = %d, want 501", code)
	}
}

func newTestAuditStore(t *testing.T) *audit.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Each pooled connection would get its own in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := audit.NewStore(db, discardLogger())
	if err != nil {
		t.Fatalf("audit.NewStore: %v", err)
	}
	return store
}

func TestAuditQuery(t *testing.T) {
	store := newTestAuditStore(t)
	if _, err := store.Append(audit.Record{Source: "router", Kind: "invoke_done", Caller: "assistant"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(audit.Record{Source: "catalog", Kind: "capability_collision"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	ts, _ := newTestServer(t, Config{Audit: store})

	var got struct {
		Records []audit.Record `json:"records"`
		Count   int            `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/v1/audit", &got); code != http.StatusOK {
		t.Fatalf("GET /v1/audit = %d, want 200", code)
	}
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}

	if code := getJSON(t, ts.URL+"/v1/audit?caller=assistant", &got); code != http.StatusOK {
		t.Fatalf("filtered GET = %d, want 200", code)
	}
	if got.Count != 1 || got.Records[0].Kind != "invoke_done" {
		t.Errorf("caller filter returned %+v, want one invoke_done", got.Records)
	}

	// A bad limit is rejected, and a missing store 404s.
	if code := getJSON(t, ts.URL+"/v1/audit?limit=many", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}

	bare, _ := newTestServer(t, Config{})
	if code := getJSON(t, bare.URL+"/v1/audit", nil); code != http.StatusNotFound {
		t.Errorf("audit without store = %d, want 404", code)
	}
}

func TestEventsWebSocketStream(t *testing.T) {
	bus := events.New()
	ts, _ := newTestServer(t, Config{Bus: bus})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{
		Source: events.SourceRouter,
		Kind:   events.KindInvokeDone,
		Data:   map[string]any{"capability": "create_issue"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindInvokeDone {
		t.Errorf("event kind = %q, want %q", ev.Kind, events.KindInvokeDone)
	}
	if ev.Data["capability"] != "create_issue" {
		t.Errorf("event data = %v", ev.Data)
	}
}

func TestEventsWithoutBus(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	if code := getJSON(t, ts.URL+"/v1/events", nil); code != http.StatusNotFound {
		t.Errorf("GET /v1/events without bus = %d, want 404", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	set := metrics.New()
	set.RecordInvocation(session.KindTool, "ok", 5*time.Millisecond)
	ts, _ := newTestServer(t, Config{Metrics: set})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "patchbay_invocations_total") {
		t.Error("metrics output missing patchbay_invocations_total")
	}

	// Without a metrics set the endpoint 404s.
	bare, _ := newTestServer(t, Config{})
	if code := getJSON(t, bare.URL+"/metrics", nil); code != http.StatusNotFound {
		t.Errorf("GET /metrics without set = %d, want 404", code)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{"not_found", http.StatusNotFound},
		{"access_denied", http.StatusForbidden},
		{"client_unavailable", http.StatusServiceUnavailable},
		{"timeout_error", http.StatusGatewayTimeout},
		{"transport_error", http.StatusBadGateway},
		{"connect_error", http.StatusBadGateway},
		{"rpc_error", http.StatusBadGateway},
		{"error", http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForKind(tt.kind); got != tt.want {
			t.Errorf("statusForKind(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
