// Package session implements the transport layer between the host and
// one capability server: JSON-RPC framing, the initialize handshake,
// request correlation, and the taxonomy of connection-level errors.
// Higher layers never see raw transport failures — every error leaving
// this package is a ConnectError, TimeoutError, TransportError, or a
// server-reported RPCError.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/groundloop/patchbay/internal/buildinfo"
)

// protocolVersion is the protocol version advertised during initialization.
const protocolVersion = "2024-11-05"

// Capability kinds.
const (
	KindTool     = "tool"
	KindPrompt   = "prompt"
	KindResource = "resource"
)

// Capability categories as servers advertise them during the
// handshake.
const (
	CategoryTools     = "tools"
	CategoryPrompts   = "prompts"
	CategoryResources = "resources"
)

// Capability is one tool, prompt, or resource advertised by a server.
type Capability struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// URI is set for resources; it is what resources/read expects.
	URI string `json:"uri,omitempty"`
}

// Advertisement is what a server declares about itself during the
// handshake.
type Advertisement struct {
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	// Categories lists the capability categories the server supports
	// (tools, prompts, resources).
	Categories []string
}

// Supports reports whether the server advertised the given category.
func (a *Advertisement) Supports(category string) bool {
	for _, c := range a.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// ToolResult is the normalized outcome of a tools/call round trip.
type ToolResult struct {
	// Text is the joined text content; non-text blocks appear as
	// inline markers.
	Text string
	// IsError is true when the server executed the tool and reported a
	// domain failure. The session itself is healthy.
	IsError bool
	// Raw is the unparsed result payload for callers that need more
	// than text.
	Raw json.RawMessage
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Wire payloads.
type toolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type promptDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Arguments   json.RawMessage `json:"arguments"`
}

type resourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MIMEType    string `json:"mimeType"`
}

type toolsListResult struct {
	Tools []toolDefinition `json:"tools"`
}

type promptsListResult struct {
	Prompts []promptDefinition `json:"prompts"`
}

type resourcesListResult struct {
	Resources []resourceDefinition `json:"resources"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Session is one correlated connection to one capability server. It
// owns the request ID counter; the transport owns delivery. A Session
// is safe for concurrent use once Open has returned.
type Session struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64
	closed    atomic.Bool

	mu  sync.RWMutex
	adv *Advertisement
}

// New creates a session for the given server. The transport determines
// how messages are delivered (stdio, http, or websocket).
func New(name string, transport Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		name:      name,
		transport: transport,
		logger:    logger.With("server", name),
	}
}

// Name returns the server name this session is connected to.
func (s *Session) Name() string {
	return s.name
}

// Open performs the protocol handshake: an initialize request followed
// by the initialized notification. It returns the server's
// advertisement, or a ConnectError wrapping whatever went wrong.
func (s *Session) Open(ctx context.Context) (*Advertisement, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "patchbay",
			"version": buildinfo.Version,
		},
	}

	raw, err := s.Call(ctx, "initialize", params, 0)
	if err != nil {
		return nil, &ConnectError{Client: s.name, Err: err}
	}

	result, err := decodeResult[initializeResult](raw, "initialize")
	if err != nil {
		return nil, &ConnectError{Client: s.name, Err: err}
	}

	adv := &Advertisement{
		ServerName:      result.ServerInfo.Name,
		ServerVersion:   result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}
	if result.Capabilities.Tools != nil {
		adv.Categories = append(adv.Categories, CategoryTools)
	}
	if result.Capabilities.Prompts != nil {
		adv.Categories = append(adv.Categories, CategoryPrompts)
	}
	if result.Capabilities.Resources != nil {
		adv.Categories = append(adv.Categories, CategoryResources)
	}

	s.mu.Lock()
	s.adv = adv
	s.mu.Unlock()

	s.logger.Info("capability server initialized",
		"server_name", adv.ServerName,
		"server_version", adv.ServerVersion,
		"protocol_version", adv.ProtocolVersion,
		"categories", adv.Categories,
	)

	// Send the initialized notification to complete the handshake.
	if err := s.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return nil, &ConnectError{Client: s.name, Err: fmt.Errorf("send initialized notification: %w", err)}
	}

	return adv, nil
}

// Advertisement returns what the server declared at handshake time,
// or nil before Open succeeds.
func (s *Session) Advertisement() *Advertisement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adv
}

// Call performs one correlated round trip. A positive timeout bounds
// the call; zero means the caller's ctx rules. Errors are mapped into
// the session taxonomy: deadline hits become TimeoutError, channel
// faults become TransportError, and a server-reported error comes back
// as the *RPCError itself (the round trip succeeded, the method did
// not).
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := s.nextID.Add(1)
	resp, err := s.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &TimeoutError{Client: s.name, Method: method, Timeout: timeout}
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, &TransportError{Client: s.name, Op: method, Err: err}
		}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp.Result, nil
}

// Ping checks whether the server is responsive. Used by the health
// watcher.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, "ping", nil, 0)
	return err
}

// ListCapabilities pulls the server's capability listings for the
// given categories (all advertised categories when empty) and
// normalizes them into a single slice. Categories the server never
// advertised are skipped silently.
func (s *Session) ListCapabilities(ctx context.Context, categories []string) ([]Capability, error) {
	adv := s.Advertisement()
	if adv == nil {
		return nil, &TransportError{Client: s.name, Op: "list", Err: errors.New("session not open")}
	}
	if len(categories) == 0 {
		categories = adv.Categories
	}

	var caps []Capability
	for _, cat := range categories {
		if !adv.Supports(cat) {
			continue
		}
		switch cat {
		case CategoryTools:
			raw, err := s.Call(ctx, "tools/list", nil, 0)
			if err != nil {
				return nil, fmt.Errorf("tools/list: %w", err)
			}
			result, err := decodeResult[toolsListResult](raw, "tools/list")
			if err != nil {
				return nil, err
			}
			for _, t := range result.Tools {
				caps = append(caps, Capability{
					Name:        t.Name,
					Kind:        KindTool,
					Description: t.Description,
					InputSchema: t.InputSchema,
				})
			}
		case CategoryPrompts:
			raw, err := s.Call(ctx, "prompts/list", nil, 0)
			if err != nil {
				return nil, fmt.Errorf("prompts/list: %w", err)
			}
			result, err := decodeResult[promptsListResult](raw, "prompts/list")
			if err != nil {
				return nil, err
			}
			for _, p := range result.Prompts {
				caps = append(caps, Capability{
					Name:        p.Name,
					Kind:        KindPrompt,
					Description: p.Description,
					InputSchema: p.Arguments,
				})
			}
		case CategoryResources:
			raw, err := s.Call(ctx, "resources/list", nil, 0)
			if err != nil {
				return nil, fmt.Errorf("resources/list: %w", err)
			}
			result, err := decodeResult[resourcesListResult](raw, "resources/list")
			if err != nil {
				return nil, err
			}
			for _, r := range result.Resources {
				name := r.Name
				if name == "" {
					name = r.URI
				}
				caps = append(caps, Capability{
					Name:        name,
					Kind:        KindResource,
					Description: r.Description,
					URI:         r.URI,
				})
			}
		}
	}

	s.logger.Debug("capability listing pulled", "count", len(caps))
	return caps, nil
}

// CallTool invokes a tool by name with the given arguments. A
// server-side tool failure (isError) comes back as a ToolResult with
// IsError set, not a Go error — the session did its job.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := s.Call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}

	result, err := decodeResult[callToolResult](raw, "tools/call")
	if err != nil {
		return nil, &TransportError{Client: s.name, Op: "tools/call", Err: err}
	}

	return &ToolResult{
		Text:    extractText(result.Content),
		IsError: result.IsError,
		Raw:     raw,
	}, nil
}

// GetPrompt fetches a prompt by name with the given arguments,
// returning the raw result payload.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	return s.Call(ctx, "prompts/get", params, timeout)
}

// ReadResource reads a resource by URI, returning the raw result
// payload.
func (s *Session) ReadResource(ctx context.Context, uri string, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]any{
		"uri": uri,
	}
	return s.Call(ctx, "resources/read", params, timeout)
}

// Close shuts down the session and its transport. Idempotent: only the
// first call reaches the transport.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("closing session")
	return s.transport.Close()
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
