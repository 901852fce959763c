package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a test double for the Transport interface.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	faults    map[string]error     // method -> transport-level failure
	blocking  map[string]bool      // method -> park until ctx is done
	sent      []Request            // captured requests
	notifs    []Notification       // captured notifications
	closed    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]*Response),
		faults:    make(map[string]error),
		blocking:  make(map[string]bool),
	}
}

func (f *fakeTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	f.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (f *fakeTransport) addError(method string, code int, msg string) {
	f.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (f *fakeTransport) addFault(method string, err error) {
	f.faults[method] = err
}

func (f *fakeTransport) addBlocking(method string) {
	f.blocking[method] = true
}

func (f *fakeTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, *req)
	blocking := f.blocking[req.Method]
	fault := f.faults[req.Method]
	resp, ok := f.responses[req.Method]
	f.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fault != nil {
		return nil, fault
	}
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	// Copy response and set matching ID.
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (f *fakeTransport) Notify(_ context.Context, notif *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, *notif)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func initResponse(categories ...string) initializeResult {
	var caps serverCapabilities
	for _, c := range categories {
		switch c {
		case CategoryTools:
			caps.Tools = &struct{}{}
		case CategoryPrompts:
			caps.Prompts = &struct{}{}
		case CategoryResources:
			caps.Resources = &struct{}{}
		}
	}
	return initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
		Capabilities:    caps,
	}
}

func TestSession_Open(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("initialize", initResponse(CategoryTools, CategoryResources))

	sess := New("test", ft, nil)
	adv, err := sess.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if adv.ServerName != "test-server" {
		t.Errorf("ServerName = %q, want %q", adv.ServerName, "test-server")
	}
	if adv.ServerVersion != "1.0.0" {
		t.Errorf("ServerVersion = %q, want %q", adv.ServerVersion, "1.0.0")
	}
	if !adv.Supports(CategoryTools) || !adv.Supports(CategoryResources) {
		t.Errorf("Categories = %v, want tools and resources", adv.Categories)
	}
	if adv.Supports(CategoryPrompts) {
		t.Errorf("Categories = %v, prompts should not be advertised", adv.Categories)
	}

	// Verify the initialize request was sent.
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(ft.sent))
	}
	if ft.sent[0].Method != "initialize" {
		t.Errorf("method = %q, want %q", ft.sent[0].Method, "initialize")
	}

	// Verify the initialized notification completed the handshake.
	if len(ft.notifs) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(ft.notifs))
	}
	if ft.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notification method = %q, want %q", ft.notifs[0].Method, "notifications/initialized")
	}
}

func TestSession_Open_Failure(t *testing.T) {
	ft := newFakeTransport()
	ft.addFault("initialize", errors.New("pipe broke"))

	sess := New("test", ft, nil)
	_, err := sess.Open(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %T, want *ConnectError", err)
	}
	if connErr.Client != "test" {
		t.Errorf("Client = %q, want %q", connErr.Client, "test")
	}
	if sess.Advertisement() != nil {
		t.Error("Advertisement should be nil after failed handshake")
	}
}

func TestSession_Call_MonotonicIDs(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("ping", map[string]any{})

	sess := New("test", ft, nil)
	for range 5 {
		if err := sess.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}

	if len(ft.sent) != 5 {
		t.Fatalf("sent %d requests, want 5", len(ft.sent))
	}
	for i, req := range ft.sent {
		if want := int64(i + 1); req.ID != want {
			t.Errorf("request %d ID = %d, want %d", i, req.ID, want)
		}
	}
}

func TestSession_Call_Timeout(t *testing.T) {
	ft := newFakeTransport()
	ft.addBlocking("tools/call")

	sess := New("slowpoke", ft, nil)
	start := time.Now()
	_, err := sess.Call(context.Background(), "tools/call", nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("call took %v, timeout did not fire", elapsed)
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %T (%v), want *TimeoutError", err, err)
	}
	if timeoutErr.Client != "slowpoke" {
		t.Errorf("Client = %q, want %q", timeoutErr.Client, "slowpoke")
	}
	if timeoutErr.Method != "tools/call" {
		t.Errorf("Method = %q, want %q", timeoutErr.Method, "tools/call")
	}
}

func TestSession_Call_TransportFault(t *testing.T) {
	ft := newFakeTransport()
	ft.addFault("tools/list", errors.New("connection reset"))

	sess := New("test", ft, nil)
	_, err := sess.Call(context.Background(), "tools/list", nil, 0)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %T (%v), want *TransportError", err, err)
	}
	if transportErr.Op != "tools/list" {
		t.Errorf("Op = %q, want %q", transportErr.Op, "tools/list")
	}
}

func TestSession_Call_RPCErrorPassthrough(t *testing.T) {
	ft := newFakeTransport()
	ft.addError("prompts/get", CodeMethodNotFound, "Method not found")

	sess := New("test", ft, nil)
	_, err := sess.Call(context.Background(), "prompts/get", nil, 0)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	// A server-reported error is not a transport fault.
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %T (%v), want *RPCError", err, err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("Code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		t.Error("RPC error must not be wrapped as a transport fault")
	}
}

func TestSession_Call_ContextCanceled(t *testing.T) {
	ft := newFakeTransport()
	ft.addBlocking("tools/call")

	ctx, cancel := context.WithCancel(context.Background())
	sess := New("test", ft, nil)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Call(ctx, "tools/call", nil, 0)
		done <- err
	}()
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestSession_ListCapabilities(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("initialize", initResponse(CategoryTools, CategoryPrompts, CategoryResources))
	ft.addResponse("tools/list", toolsListResult{
		Tools: []toolDefinition{
			{Name: "search", Description: "Search the index"},
			{Name: "fetch", Description: "Fetch a document"},
		},
	})
	ft.addResponse("prompts/list", promptsListResult{
		Prompts: []promptDefinition{
			{Name: "summarize", Description: "Summarize text"},
		},
	})
	ft.addResponse("resources/list", resourcesListResult{
		Resources: []resourceDefinition{
			{URI: "file:///readme", Name: "readme", Description: "Project readme"},
			{URI: "file:///anon"},
		},
	})

	sess := New("test", ft, nil)
	if _, err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	caps, err := sess.ListCapabilities(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListCapabilities: %v", err)
	}

	if len(caps) != 5 {
		t.Fatalf("got %d capabilities, want 5", len(caps))
	}
	byKind := map[string]int{}
	for _, c := range caps {
		byKind[c.Kind]++
	}
	if byKind[KindTool] != 2 || byKind[KindPrompt] != 1 || byKind[KindResource] != 2 {
		t.Errorf("kind counts = %v, want 2 tools, 1 prompt, 2 resources", byKind)
	}

	// A resource without a name falls back to its URI.
	var anon *Capability
	for i := range caps {
		if caps[i].URI == "file:///anon" {
			anon = &caps[i]
		}
	}
	if anon == nil {
		t.Fatal("anonymous resource missing from listing")
	}
	if anon.Name != "file:///anon" {
		t.Errorf("anonymous resource Name = %q, want its URI", anon.Name)
	}
}

func TestSession_ListCapabilities_FiltersCategories(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("initialize", initResponse(CategoryTools))
	ft.addResponse("tools/list", toolsListResult{
		Tools: []toolDefinition{{Name: "search"}},
	})

	sess := New("test", ft, nil)
	if _, err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Asking for prompts from a tools-only server yields nothing and
	// sends no prompts/list request.
	caps, err := sess.ListCapabilities(context.Background(), []string{CategoryPrompts})
	if err != nil {
		t.Fatalf("ListCapabilities: %v", err)
	}
	if len(caps) != 0 {
		t.Fatalf("got %d capabilities, want 0", len(caps))
	}
	for _, req := range ft.sent {
		if req.Method == "prompts/list" {
			t.Error("prompts/list was sent to a server that never advertised prompts")
		}
	}
}

func TestSession_ListCapabilities_NotOpen(t *testing.T) {
	ft := newFakeTransport()
	sess := New("test", ft, nil)
	if _, err := sess.ListCapabilities(context.Background(), nil); err == nil {
		t.Fatal("expected error before handshake, got nil")
	}
}

func TestSession_CallTool_TextResult(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "3 results found"},
		},
	})

	sess := New("test", ft, nil)
	result, err := sess.CallTool(context.Background(), "search", map[string]any{
		"query": "host runtime",
	}, 0)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	if result.Text != "3 results found" {
		t.Errorf("Text = %q, want %q", result.Text, "3 results found")
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
}

func TestSession_CallTool_ErrorResult(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "index unavailable"},
		},
		IsError: true,
	})

	sess := New("test", ft, nil)
	result, err := sess.CallTool(context.Background(), "search", nil, 0)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	// Tool-level failure is data, not a session fault.
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
	if result.Text != "index unavailable" {
		t.Errorf("Text = %q, want %q", result.Text, "index unavailable")
	}
}

func TestSession_CallTool_MixedContent(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "line 1"},
			{Type: "image"},
			{Type: "text", Text: "line 2"},
		},
	})

	sess := New("test", ft, nil)
	result, err := sess.CallTool(context.Background(), "render", nil, 0)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	want := "line 1\n[image]\nline 2"
	if result.Text != want {
		t.Errorf("Text = %q, want %q", result.Text, want)
	}
}

func TestSession_ReadResource(t *testing.T) {
	ft := newFakeTransport()
	ft.addResponse("resources/read", map[string]any{
		"contents": []map[string]any{
			{"uri": "file:///readme", "text": "hello"},
		},
	})

	sess := New("test", ft, nil)
	raw, err := sess.ReadResource(context.Background(), "file:///readme", 0)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty result payload")
	}

	last := ft.sent[len(ft.sent)-1]
	params, ok := last.Params.(map[string]any)
	if !ok {
		t.Fatalf("params type = %T, want map", last.Params)
	}
	if params["uri"] != "file:///readme" {
		t.Errorf("uri param = %v, want file:///readme", params["uri"])
	}
}

func TestSession_Close_Idempotent(t *testing.T) {
	ft := newFakeTransport()
	sess := New("test", ft, nil)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ft.closed != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closed)
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name:   "multiple text blocks",
			blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
			want:   "a\nb",
		},
		{
			name:   "image placeholder",
			blocks: []ContentBlock{{Type: "image"}},
			want:   "[image]",
		},
		{
			name:   "unknown type",
			blocks: []ContentBlock{{Type: "audio"}},
			want:   "[audio]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractText(tt.blocks)
			if got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
