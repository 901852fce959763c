package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/groundloop/patchbay/internal/config"
	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/session"
	"github.com/groundloop/patchbay/internal/vault"
)

// fakeTransport scripts JSON-RPC responses by method name.
type fakeTransport struct {
	mu       sync.Mutex
	results  map[string]json.RawMessage
	rpcErrs  map[string]*session.RPCError
	faults   map[string]error
	blocking map[string]bool
	sent     []string
	closed   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results:  make(map[string]json.RawMessage),
		rpcErrs:  make(map[string]*session.RPCError),
		faults:   make(map[string]error),
		blocking: make(map[string]bool),
	}
}

func (f *fakeTransport) Send(ctx context.Context, req *session.Request) (*session.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req.Method)
	blocking := f.blocking[req.Method]
	fault := f.faults[req.Method]
	rpcErr := f.rpcErrs[req.Method]
	result, scripted := f.results[req.Method]
	f.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fault != nil {
		return nil, fault
	}
	resp := &session.Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp, nil
	}
	if !scripted {
		result = json.RawMessage(`{}`)
	}
	resp.Result = result
	return resp, nil
}

func (f *fakeTransport) Notify(ctx context.Context, notif *session.Notification) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) setResult(method string, result any) {
	data, _ := json.Marshal(result)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = data
}

func (f *fakeTransport) setFault(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, method)
	} else {
		f.faults[method] = err
	}
}

func (f *fakeTransport) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// initResult builds an initialize response advertising the given
// capability categories.
func initResult(categories ...string) map[string]any {
	caps := map[string]any{}
	for _, c := range categories {
		caps[c] = map[string]any{}
	}
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    caps,
		"serverInfo":      map[string]any{"name": "fake-server", "version": "1.2.3"},
	}
}

// newTestRegistry wires a registry whose transport construction always
// hands out ft, with a handshake already scripted.
func newTestRegistry(ft *fakeTransport, bus *events.Bus) *Registry {
	r := New(nil, bus, nil)
	r.newTransport = func(cfg config.ServerConfig, logger *slog.Logger) (session.Transport, error) {
		return ft, nil
	}
	return r
}

func register(t *testing.T, r *Registry, name string) ClientKey {
	t.Helper()
	key, err := r.Register(context.Background(), config.ServerConfig{Name: name, Transport: config.TransportStdio, Command: "true"})
	if err != nil {
		t.Fatalf("Register(%q) failed: %v", name, err)
	}
	return key
}

// drainKinds collects the kinds of all events currently buffered on ch.
func drainKinds(ch <-chan events.Event) []string {
	var kinds []string
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			return kinds
		}
	}
}

func TestRegistry_Register(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools", "prompts"))
	r := newTestRegistry(ft, bus)

	key := register(t, r, "notes")
	if key.Name() != "notes" || key.Generation() == 0 {
		t.Fatalf("unexpected key %v", key)
	}

	snap, ok := r.Get(key)
	if !ok {
		t.Fatal("Get returned no snapshot for a fresh key")
	}
	if snap.State != StateReady {
		t.Fatalf("state = %v, want ready", snap.State)
	}
	if snap.ServerName != "fake-server" || snap.ServerVersion != "1.2.3" {
		t.Errorf("server identity = %q/%q", snap.ServerName, snap.ServerVersion)
	}
	if len(snap.Categories) != 2 {
		t.Errorf("categories = %v, want tools and prompts", snap.Categories)
	}

	kinds := drainKinds(ch)
	want := []string{events.KindClientConnecting, events.KindClientReady}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}

	// Snapshots are copies: mutating one must not leak back.
	snap.Categories[0] = "mutated"
	again, _ := r.Get(key)
	if again.Categories[0] == "mutated" {
		t.Error("snapshot mutation leaked into the registry")
	}
}

func TestRegistry_RegisterHandshakeFailure(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	ft := newFakeTransport()
	ft.setFault("initialize", errors.New("pipe broke"))
	r := newTestRegistry(ft, bus)

	key, err := r.Register(context.Background(), config.ServerConfig{Name: "broken", Transport: config.TransportStdio, Command: "true"})
	if err == nil {
		t.Fatal("Register succeeded despite handshake failure")
	}
	var connErr *session.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %T %v, want *session.ConnectError", err, err)
	}
	if key.IsZero() {
		t.Fatal("failed registration must still return an addressable key")
	}

	snap, ok := r.Get(key)
	if !ok {
		t.Fatal("failed client should remain registered and inspectable")
	}
	if snap.State != StateClosed {
		t.Fatalf("state = %v, want closed", snap.State)
	}
	if snap.StateReason == "" || !strings.Contains(snap.StateReason, "pipe broke") {
		t.Errorf("reason = %q, want handshake failure detail", snap.StateReason)
	}

	kinds := drainKinds(ch)
	if len(kinds) != 2 || kinds[1] != events.KindClientClosed {
		t.Errorf("event kinds = %v, want connecting then closed", kinds)
	}
}

func TestRegistry_RegisterDuplicateName(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	r := newTestRegistry(ft, nil)

	register(t, r, "notes")
	key, err := r.Register(context.Background(), config.ServerConfig{Name: "notes", Transport: config.TransportStdio, Command: "true"})
	if err == nil {
		t.Fatal("duplicate registration succeeded")
	}
	if !key.IsZero() {
		t.Errorf("duplicate registration returned key %v, want zero", key)
	}
}

func TestRegistry_DeregisterIdempotent(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	r := newTestRegistry(ft, nil)

	key := register(t, r, "notes")
	r.Deregister(key)

	if _, ok := r.GetByName("notes"); ok {
		t.Fatal("client still resolvable after deregistration")
	}
	if ft.closeCount() == 0 {
		t.Error("deregistration did not close the session")
	}

	// Again with the same key: a no-op, not a panic or double close.
	closes := ft.closeCount()
	r.Deregister(key)
	if ft.closeCount() != closes {
		t.Error("second deregistration closed the session again")
	}
}

func TestRegistry_StaleKeyIsNoOp(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	r := newTestRegistry(ft, nil)

	oldKey := register(t, r, "notes")
	r.Deregister(oldKey)
	newKey := register(t, r, "notes")
	if newKey.Generation() <= oldKey.Generation() {
		t.Fatalf("generations must increase: old %d, new %d", oldKey.Generation(), newKey.Generation())
	}

	// The stale key must not touch the replacement client.
	r.Deregister(oldKey)
	snap, ok := r.GetByName("notes")
	if !ok || snap.State != StateReady {
		t.Fatalf("replacement client gone or not ready after stale deregister: %+v", snap)
	}

	_, _, err := r.Call(context.Background(), oldKey, "ping", nil, time.Second)
	var unavail *ClientUnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("stale-key call error = %T %v, want *ClientUnavailableError", err, err)
	}
}

func TestRegistry_CallOnClosedClient(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	r := newTestRegistry(ft, nil)

	key := register(t, r, "notes")
	r.MarkClosed(key, "health budget exhausted")

	before := len(ft.sentMethods())
	_, state, err := r.CallTool(context.Background(), key, "search", nil, time.Second)
	var unavail *ClientUnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("error = %T %v, want *ClientUnavailableError", err, err)
	}
	if unavail.State != StateClosed || unavail.Reason != "health budget exhausted" {
		t.Errorf("unavailable error = %+v, want closed state with stored reason", unavail)
	}
	if unavail.Kind() != "client_unavailable" {
		t.Errorf("Kind() = %q", unavail.Kind())
	}
	if state != StateClosed {
		t.Errorf("observed state = %v, want closed", state)
	}
	if after := len(ft.sentMethods()); after != before {
		t.Errorf("closed client saw network traffic: %d calls before, %d after", before, after)
	}

	// The record survives for inspection.
	snap, ok := r.Get(key)
	if !ok || snap.StateReason != "health budget exhausted" {
		t.Errorf("closed record lost: ok=%v snap=%+v", ok, snap)
	}
}

func TestRegistry_TransportFaultDegrades(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	r := newTestRegistry(ft, bus)
	key := register(t, r, "notes")
	drainKinds(ch)

	ft.setFault("tools/call", errors.New("connection reset"))
	_, observed, err := r.CallTool(context.Background(), key, "search", nil, time.Second)
	var transportErr *session.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %T %v, want *session.TransportError", err, err)
	}
	if observed != StateReady {
		t.Errorf("state observed at dispatch = %v, want ready (fault happened after)", observed)
	}

	snap, _ := r.Get(key)
	if snap.State != StateDegraded {
		t.Fatalf("state after transport fault = %v, want degraded", snap.State)
	}

	// Degraded clients still serve calls, flagged by the observed state.
	_, observed, err = r.CallTool(context.Background(), key, "search", nil, time.Second)
	if err == nil {
		t.Fatal("second faulting call unexpectedly succeeded")
	}
	if observed != StateDegraded {
		t.Errorf("second call observed %v, want degraded", observed)
	}

	// Two faults, one transition.
	var degradedEvents int
	for _, k := range drainKinds(ch) {
		if k == events.KindClientDegraded {
			degradedEvents++
		}
	}
	if degradedEvents != 1 {
		t.Errorf("client_degraded published %d times, want 1", degradedEvents)
	}
}

func TestRegistry_TimeoutDoesNotDegrade(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	ft.blocking["tools/call"] = true
	r := newTestRegistry(ft, nil)
	key := register(t, r, "slow")

	_, _, err := r.CallTool(context.Background(), key, "search", nil, 20*time.Millisecond)
	var timeoutErr *session.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %T %v, want *session.TimeoutError", err, err)
	}

	snap, _ := r.Get(key)
	if snap.State != StateReady {
		t.Errorf("state after timeout = %v, want ready (timeouts are not faults)", snap.State)
	}
}

func TestRegistry_ServerErrorDoesNotDegrade(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	ft.rpcErrs["tools/call"] = &session.RPCError{Code: session.CodeInvalidParams, Message: "bad arguments"}
	r := newTestRegistry(ft, nil)
	key := register(t, r, "notes")

	_, _, err := r.CallTool(context.Background(), key, "search", nil, time.Second)
	var rpcErr *session.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %T %v, want *session.RPCError", err, err)
	}

	snap, _ := r.Get(key)
	if snap.State != StateReady {
		t.Errorf("state after server-reported error = %v, want ready", snap.State)
	}
}

func TestRegistry_ProbeLifecycle(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	r := newTestRegistry(ft, bus)
	key := register(t, r, "notes")
	drainKinds(ch)

	ft.setFault("ping", errors.New("connection reset"))
	failures, err := r.Probe(context.Background(), key)
	if err == nil || failures != 1 {
		t.Fatalf("first failed probe: failures=%d err=%v, want 1 and an error", failures, err)
	}
	if snap, _ := r.Get(key); snap.State != StateDegraded {
		t.Fatalf("state after failed probe = %v, want degraded", snap.State)
	}

	failures, err = r.Probe(context.Background(), key)
	if err == nil || failures != 2 {
		t.Fatalf("second failed probe: failures=%d err=%v, want 2 and an error", failures, err)
	}

	ft.setFault("ping", nil)
	failures, err = r.Probe(context.Background(), key)
	if err != nil || failures != 0 {
		t.Fatalf("recovered probe: failures=%d err=%v, want 0 and nil", failures, err)
	}
	snap, _ := r.Get(key)
	if snap.State != StateReady {
		t.Fatalf("state after recovery = %v, want ready", snap.State)
	}
	if snap.ProbeFailures != 0 {
		t.Errorf("failure count after recovery = %d, want 0", snap.ProbeFailures)
	}

	kinds := drainKinds(ch)
	var sawFailed, sawRecovered, sawOK bool
	for _, k := range kinds {
		switch k {
		case events.KindProbeFailed:
			sawFailed = true
		case events.KindClientReady:
			sawRecovered = true
		case events.KindProbeOK:
			sawOK = true
		}
	}
	if !sawFailed || !sawRecovered || !sawOK {
		t.Errorf("event kinds = %v, want probe_failed, client_ready, and probe_ok", kinds)
	}
}

func TestRegistry_CapabilitiesFiltered(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools", "prompts"))
	ft.setResult("tools/list", map[string]any{
		"tools": []map[string]any{
			{"name": "search_web", "description": "web search"},
			{"name": "search_files", "description": "file search"},
			{"name": "db_admin", "description": "dangerous"},
			{"name": "fetch", "description": "fetch a url"},
		},
	})
	r := New(nil, nil, nil)
	r.newTransport = func(cfg config.ServerConfig, logger *slog.Logger) (session.Transport, error) {
		return ft, nil
	}

	key, err := r.Register(context.Background(), config.ServerConfig{
		Name:       "notes",
		Transport:  config.TransportStdio,
		Command:    "true",
		Categories: []string{"tools"},
		Include:    []string{"search_*", "fetch"},
		Exclude:    []string{"*_files"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	caps, err := r.Capabilities(context.Background(), key)
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	got := make([]string, 0, len(caps))
	for _, c := range caps {
		got = append(got, c.Name)
	}
	if len(got) != 2 || got[0] != "search_web" || got[1] != "fetch" {
		t.Errorf("filtered capabilities = %v, want [search_web fetch]", got)
	}

	// The prompts category was advertised but not configured, so the
	// prompts listing must never go over the wire.
	for _, m := range ft.sentMethods() {
		if m == "prompts/list" {
			t.Error("prompts/list was sent despite the tools-only category restriction")
		}
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	ft := newFakeTransport()
	ft.setResult("initialize", initResult("tools"))
	r := newTestRegistry(ft, nil)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		register(t, r, name)
	}
	snaps := r.List()
	if len(snaps) != 3 {
		t.Fatalf("List returned %d clients, want 3", len(snaps))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if snaps[i].Name != want {
			t.Errorf("List[%d] = %q, want %q", i, snaps[i].Name, want)
		}
	}
}

// fakeResolver is a credential source for tests.
type fakeResolver struct {
	secrets map[string]string
}

func (f *fakeResolver) Resolve(ref string) (*vault.Secret, error) {
	v, ok := f.secrets[ref]
	if !ok {
		return nil, &vault.CredentialNotFoundError{Ref: ref}
	}
	return vault.NewSecret([]byte(v)), nil
}

func TestRegistry_MissingCredentialClosesClient(t *testing.T) {
	r := New(&fakeResolver{}, nil, nil)

	key, err := r.Register(context.Background(), config.ServerConfig{
		Name:       "svc",
		Transport:  config.TransportHTTP,
		URL:        "https://svc.internal/rpc",
		Credential: config.CredentialConfig{Ref: "svc/token"},
	})
	var notFound *vault.CredentialNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %T %v, want *vault.CredentialNotFoundError", err, err)
	}
	if notFound.Ref != "svc/token" {
		t.Errorf("Ref = %q, want svc/token", notFound.Ref)
	}
	snap, ok := r.Get(key)
	if !ok || snap.State != StateClosed {
		t.Errorf("client after credential failure: ok=%v state=%v, want closed record", ok, snap.State)
	}
}

func TestRegistry_CredentialWithoutVault(t *testing.T) {
	r := New(nil, nil, nil)

	_, err := r.Register(context.Background(), config.ServerConfig{
		Name:       "svc",
		Transport:  config.TransportHTTP,
		URL:        "https://svc.internal/rpc",
		Credential: config.CredentialConfig{Ref: "svc/token"},
	})
	if err == nil || !strings.Contains(err.Error(), "no vault is open") {
		t.Fatalf("error = %v, want vault-not-open failure", err)
	}
}

func TestBuildTransport_ResolvesCredential(t *testing.T) {
	resolver := &fakeResolver{secrets: map[string]string{"svc/token": "hunter2"}}
	r := New(resolver, nil, nil)

	for _, transport := range []string{config.TransportHTTP, config.TransportWebSocket} {
		cfg := config.ServerConfig{
			Name:       "svc",
			Transport:  transport,
			URL:        "https://svc.internal/rpc",
			Credential: config.CredentialConfig{Ref: "svc/token"},
		}
		tr, err := r.buildTransport(cfg, slog.Default())
		if err != nil {
			t.Fatalf("buildTransport(%s) failed: %v", transport, err)
		}
		if tr == nil {
			t.Fatalf("buildTransport(%s) returned nil transport", transport)
		}
	}
}

func TestBuildTransport_UnsupportedTransport(t *testing.T) {
	r := New(nil, nil, nil)
	_, err := r.buildTransport(config.ServerConfig{Name: "svc", Transport: "carrier-pigeon"}, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "unsupported transport") {
		t.Fatalf("error = %v, want unsupported transport", err)
	}
}

func TestCredentialHeaders(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.ServerConfig
		secret string
		want   map[string]string
	}{
		{
			name:   "authorization becomes bearer",
			cfg:    config.ServerConfig{Credential: config.CredentialConfig{Ref: "x"}},
			secret: "hunter2",
			want:   map[string]string{"Authorization": "Bearer hunter2"},
		},
		{
			name:   "custom header carries raw value",
			cfg:    config.ServerConfig{Credential: config.CredentialConfig{Ref: "x", Header: "X-Api-Key"}},
			secret: "hunter2",
			want:   map[string]string{"X-Api-Key": "hunter2"},
		},
		{
			name: "merges with configured headers",
			cfg: config.ServerConfig{
				Headers:    map[string]string{"X-Trace": "on"},
				Credential: config.CredentialConfig{Ref: "x"},
			},
			secret: "hunter2",
			want:   map[string]string{"X-Trace": "on", "Authorization": "Bearer hunter2"},
		},
		{
			name:   "no secret leaves headers alone",
			cfg:    config.ServerConfig{Headers: map[string]string{"X-Trace": "on"}},
			secret: "",
			want:   map[string]string{"X-Trace": "on"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := credentialHeaders(tt.cfg, tt.secret)
			if len(got) != len(tt.want) {
				t.Fatalf("headers = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("header %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateReady, "ready"},
		{StateDegraded, "degraded"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestClientKey_String(t *testing.T) {
	key := ClientKey{name: "notes", gen: 7}
	if got, want := key.String(), "notes#7"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if fmt.Sprint(ClientKey{}) != "#0" {
		t.Errorf("zero key String() = %q", fmt.Sprint(ClientKey{}))
	}
	if !(ClientKey{}).IsZero() {
		t.Error("zero key IsZero() = false")
	}
}
