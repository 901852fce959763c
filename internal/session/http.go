package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/groundloop/patchbay/internal/httpkit"
)

// sessionHeader carries the server-assigned session token. The server
// mints one on the first response; every later request echoes it back
// so load-balanced deployments route to the same backend.
const sessionHeader = "Mcp-Session"

// maxResponseBytes caps how much of a response body Send will read.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTP transport that communicates with a
// remote capability server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// Name is the server name, used in log output.
	Name string

	// URL is the server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request.
	// Credentials are delivered this way (e.g., Authorization).
	Headers map[string]string

	// Insecure skips TLS certificate verification. Only for local
	// development servers with self-signed certificates.
	Insecure bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with a capability server over streamable
// HTTP. Each JSON-RPC request is sent as an HTTP POST; the response
// comes back in the response body, correlated by construction but
// still verified against the request ID.
type HTTPTransport struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// No client-level timeout: each call carries its own deadline
	// through the request context.
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(0),
		httpkit.WithLogger(logger),
	}
	if cfg.Insecure {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &HTTPTransport{
		name:       cfg.Name,
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger.With("server", cfg.Name),
	}
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := t.post(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 1<<20))
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "http frame received", "payload", string(respBody))

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response ID %d does not match request ID %d", resp.ID, req.ID)
	}
	return &resp, nil
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	payload, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpResp, err := t.post(ctx, payload)
	if err != nil {
		return fmt.Errorf("HTTP notification to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Notifications may be acknowledged with 202 instead of 200.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned %d for notification: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 1<<20))
	}
	return nil
}

// post executes one JSON POST against the server endpoint: configured
// headers and the session affinity token go on, a refreshed token from
// the response comes off. The caller owns the response body.
func (t *HTTPTransport) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if sid := t.session(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	t.logger.Log(ctx, levelTrace, "http frame sent", "payload", string(payload))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.setSession(sid)
	}
	return resp, nil
}

func (t *HTTPTransport) session() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) setSession(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// Close is a no-op for HTTP transports. The underlying HTTP client
// manages its own connection pool via httpkit.
func (t *HTTPTransport) Close() error {
	return nil
}
