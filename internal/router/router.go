// Package router is the host's invocation entry point. Every external
// call lands here: the published capability name is resolved through
// the index, the caller is authorized against policy, and the call is
// dispatched through the registry to the owning client. Results and
// errors come back in one normalized shape regardless of transport.
// Authorization happens on every invocation; a prior allow is never
// cached across calls.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/groundloop/patchbay/internal/catalog"
	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/metrics"
	"github.com/groundloop/patchbay/internal/policy"
	"github.com/groundloop/patchbay/internal/registry"
	"github.com/groundloop/patchbay/internal/session"
)

// Index resolves published capability names. The catalog implements it.
type Index interface {
	Resolve(name string) (catalog.Entry, error)
	ListFor(caller string, f catalog.Filter, authz catalog.Authorizer) []catalog.Entry
}

// Backend dispatches mediated calls on registered clients. The
// registry implements it; each method reports the client state it
// observed so degraded service can be flagged.
type Backend interface {
	CallTool(ctx context.Context, key registry.ClientKey, name string, args map[string]any, timeout time.Duration) (*session.ToolResult, registry.State, error)
	GetPrompt(ctx context.Context, key registry.ClientKey, name string, args map[string]any, timeout time.Duration) (json.RawMessage, registry.State, error)
	ReadResource(ctx context.Context, key registry.ClientKey, uri string, timeout time.Duration) (json.RawMessage, registry.State, error)
}

// Result is the normalized outcome of one invocation.
type Result struct {
	// Capability is the published name that was invoked.
	Capability string `json:"capability"`
	// Client is the owning client's configured name.
	Client string `json:"client"`
	// Kind is the capability kind (tool, prompt, resource).
	Kind string `json:"kind"`
	// BestEffort is true when the owning client was Degraded at
	// dispatch: the call went through, but the client's health is in
	// question.
	BestEffort bool `json:"best_effort,omitempty"`
	// IsError is true when a tool executed and reported a domain
	// failure. The invocation itself succeeded.
	IsError bool `json:"is_error,omitempty"`
	// Text is the joined text content for tool results.
	Text string `json:"text,omitempty"`
	// Raw is the unparsed result payload.
	Raw json.RawMessage `json:"raw,omitempty"`
	// DurationMs is the end-to-end invocation time.
	DurationMs int64 `json:"duration_ms"`
}

// Stats tracks invocation statistics.
type Stats struct {
	TotalInvocations int64            `json:"total_invocations"`
	Outcomes         map[string]int64 `json:"outcomes"`
	ByCapability     map[string]int64 `json:"by_capability"`
	ByCaller         map[string]int64 `json:"by_caller"`
}

// Config holds router configuration.
type Config struct {
	Index      Index
	Backend    Backend
	Authorizer catalog.Authorizer
	// Bus receives invoke_start/invoke_done/access_denied events. May
	// be nil.
	Bus *events.Bus
	// Metrics records invocation outcomes and latency. May be nil.
	Metrics *metrics.Set
	// DefaultTimeout bounds invocations whose caller supplied none
	// (default 30s).
	DefaultTimeout time.Duration
	// MaxTimeout caps caller-supplied timeouts (default 5m).
	MaxTimeout time.Duration
}

// Router dispatches invocations to capability servers.
type Router struct {
	logger  *slog.Logger
	config  Config
	index   Index
	backend Backend
	authz   catalog.Authorizer

	mu    sync.Mutex
	stats Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = 5 * time.Minute
	}
	return &Router{
		logger:  logger.With("component", "router"),
		config:  config,
		index:   config.Index,
		backend: config.Backend,
		authz:   config.Authorizer,
		stats: Stats{
			Outcomes:     make(map[string]int64),
			ByCapability: make(map[string]int64),
			ByCaller:     make(map[string]int64),
		},
	}
}

// Invoke resolves, authorizes, and dispatches one capability call.
// timeout bounds the round trip; zero selects the default. The
// returned error is always from the host taxonomy: NotFoundError,
// AccessDeniedError, ClientUnavailableError, TimeoutError,
// TransportError, or the server's own RPCError.
func (r *Router) Invoke(ctx context.Context, caller, capability string, args map[string]any, timeout time.Duration) (*Result, error) {
	switch {
	case timeout <= 0:
		timeout = r.config.DefaultTimeout
	case timeout > r.config.MaxTimeout:
		timeout = r.config.MaxTimeout
	}
	start := time.Now()

	entry, err := r.index.Resolve(capability)
	if err != nil {
		r.finish(caller, capability, "", "unknown", start, err)
		return nil, err
	}
	kind := entry.Capability.Kind

	if dec := r.authz.Authorize(caller, capability); !dec.Allowed {
		denied := &policy.AccessDeniedError{Caller: caller, Capability: capability, Reason: dec.Reason}
		r.publish(events.KindAccessDenied, map[string]any{
			"caller":     caller,
			"capability": capability,
			"client":     entry.Client,
			"reason":     dec.Reason,
		})
		r.finish(caller, capability, entry.Client, kind, start, denied)
		return nil, denied
	}

	r.publish(events.KindInvokeStart, map[string]any{
		"caller":     caller,
		"capability": capability,
		"client":     entry.Client,
	})

	var (
		raw      json.RawMessage
		text     string
		isError  bool
		observed registry.State
	)
	switch kind {
	case session.KindTool:
		var tr *session.ToolResult
		tr, observed, err = r.backend.CallTool(ctx, entry.Key, entry.RawName, args, timeout)
		if tr != nil {
			text, isError, raw = tr.Text, tr.IsError, tr.Raw
		}
	case session.KindPrompt:
		raw, observed, err = r.backend.GetPrompt(ctx, entry.Key, entry.RawName, args, timeout)
	case session.KindResource:
		uri := entry.Capability.URI
		if uri == "" {
			uri = entry.RawName
		}
		raw, observed, err = r.backend.ReadResource(ctx, entry.Key, uri, timeout)
	default:
		err = fmt.Errorf("capability %q has unsupported kind %q", capability, kind)
	}

	if err != nil {
		r.finish(caller, capability, entry.Client, kind, start, err)
		return nil, err
	}

	elapsed := time.Since(start)
	result := &Result{
		Capability: capability,
		Client:     entry.Client,
		Kind:       kind,
		BestEffort: observed == registry.StateDegraded,
		IsError:    isError,
		Text:       text,
		Raw:        raw,
		DurationMs: elapsed.Milliseconds(),
	}

	r.publish(events.KindInvokeDone, map[string]any{
		"caller":      caller,
		"capability":  capability,
		"client":      entry.Client,
		"ok":          true,
		"best_effort": result.BestEffort,
		"duration_ms": elapsed.Milliseconds(),
	})
	r.config.Metrics.RecordInvocation(kind, "ok", elapsed)
	r.record(caller, capability, "ok")

	r.logger.Debug("invocation complete",
		"caller", caller,
		"capability", capability,
		"client", entry.Client,
		"best_effort", result.BestEffort,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// List returns the capabilities visible to caller after policy
// filtering, narrowed by f.
func (r *Router) List(caller string, f catalog.Filter) []catalog.Entry {
	return r.index.ListFor(caller, f, r.authz)
}

// GetStats returns a copy of the invocation statistics.
func (r *Router) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{
		TotalInvocations: r.stats.TotalInvocations,
		Outcomes:         make(map[string]int64, len(r.stats.Outcomes)),
		ByCapability:     make(map[string]int64, len(r.stats.ByCapability)),
		ByCaller:         make(map[string]int64, len(r.stats.ByCaller)),
	}
	for k, v := range r.stats.Outcomes {
		out.Outcomes[k] = v
	}
	for k, v := range r.stats.ByCapability {
		out.ByCapability[k] = v
	}
	for k, v := range r.stats.ByCaller {
		out.ByCaller[k] = v
	}
	return out
}

// finish settles a failed invocation: event, metrics, stats, log.
func (r *Router) finish(caller, capability, client, kind string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := ErrorKind(err)

	r.publish(events.KindInvokeDone, map[string]any{
		"caller":      caller,
		"capability":  capability,
		"client":      client,
		"ok":          false,
		"duration_ms": elapsed.Milliseconds(),
		"error_kind":  outcome,
	})
	r.config.Metrics.RecordInvocation(kind, outcome, elapsed)
	r.record(caller, capability, outcome)

	r.logger.Warn("invocation failed",
		"caller", caller,
		"capability", capability,
		"outcome", outcome,
		"error", err,
	)
}

// record updates the in-memory statistics.
func (r *Router) record(caller, capability, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalInvocations++
	r.stats.Outcomes[outcome]++
	r.stats.ByCapability[capability]++
	r.stats.ByCaller[caller]++
}

func (r *Router) publish(kind string, data map[string]any) {
	r.config.Bus.Publish(events.Event{
		Source: events.SourceRouter,
		Kind:   kind,
		Data:   data,
	})
}

// ErrorKind labels an error with its taxonomy kind. Errors outside
// the taxonomy report as "error".
func ErrorKind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "error"
}
