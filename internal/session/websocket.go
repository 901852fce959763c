package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket transport that communicates with a
// remote capability server over a persistent socket.
type WSConfig struct {
	// Name is the server name, used in log output.
	Name string

	// URL is the server endpoint (ws://, wss://; http schemes are
	// rewritten).
	URL string

	// Headers are sent with the dial request. Credentials are
	// delivered this way (e.g., Authorization).
	Headers map[string]string

	// Insecure skips TLS certificate verification. Only for local
	// development servers with self-signed certificates.
	Insecure bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with a capability server over a WebSocket.
// JSON-RPC messages travel as text frames; a read pump matches
// responses to in-flight requests by ID, so concurrent calls on one
// socket resolve in completion order.
//
// Like the stdio transport, a broken socket stays broken until the
// transport is closed; recovery decisions belong to the health
// watcher.
type WSTransport struct {
	name     string
	urlStr   string
	headers  map[string]string
	insecure bool
	logger   *slog.Logger

	mu      sync.Mutex // guards dial/close state
	writeMu sync.Mutex // serializes frame writes
	conn    *websocket.Conn
	dialed  bool
	pending *pendingCalls
}

// NewWSTransport creates a WebSocket transport for the given config.
// The socket is not dialed until the first Send or Notify call.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		name:     cfg.Name,
		urlStr:   cfg.URL,
		headers:  cfg.Headers,
		insecure: cfg.Insecure,
		logger:   logger.With("server", cfg.Name),
		pending:  newPendingCalls(),
	}
}

// dial establishes the socket if it has not been dialed yet. Caller
// must hold t.mu.
func (t *WSTransport) dial(ctx context.Context) error {
	if t.dialed {
		if err := t.pending.err(); err != nil {
			return err
		}
		return nil
	}

	u, err := url.Parse(t.urlStr)
	if err != nil {
		return fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	t.logger.Info("dialing capability server websocket", "url", u.String())

	// Larger buffers for big capability listings and tool payloads.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024, // 1MB
		WriteBufferSize: 64 * 1024,   // 64KB
	}
	if t.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(10 << 20) // 10 MiB max message size

	t.conn = conn
	t.dialed = true

	go t.readPump(conn)

	t.logger.Info("capability server websocket connected")
	return nil
}

// readPump reads frames and dispatches responses to their waiting
// callers. Runs until the socket breaks, then fails every in-flight
// call.
func (t *WSTransport) readPump(conn *websocket.Conn) {
	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("websocket closed normally")
				t.pending.fail(errTransportClosed)
				return
			}
			t.logger.Debug("websocket read failed", "error", err)
			t.pending.fail(fmt.Errorf("websocket read: %w", err))
			return
		}

		if !t.pending.deliver(&resp) {
			// A server-initiated notification, or a response whose
			// caller already gave up. Either way it is settled here.
			t.logger.Log(context.Background(), levelTrace,
				"dropping unmatched message", "id", resp.ID)
		}
	}
}

// Send delivers a JSON-RPC request and waits for the read pump to hand
// back the matching response.
func (t *WSTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	err := t.dial(ctx)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	defer t.pending.drop(req.ID)

	if err := t.writeMessage(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		// The pump settles the late response when it arrives.
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, t.pending.err()
		}
		return resp, nil
	}
}

// Notify sends a JSON-RPC notification. No response is expected.
func (t *WSTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	err := t.dial(ctx)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if err := t.pending.err(); err != nil {
		return err
	}

	return t.writeMessage(notif)
}

// writeMessage writes v as a single text frame. Writes are serialized
// because gorilla connections allow only one concurrent writer.
func (t *WSTransport) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.conn == nil {
		return errTransportClosed
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.pending.fail(fmt.Errorf("websocket write: %w", err))
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close shuts the socket down. Idempotent.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending.fail(errTransportClosed)

	if t.conn == nil {
		return nil
	}

	// Best-effort close frame; the server may already be gone.
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	err := t.conn.Close()
	t.conn = nil
	return err
}
