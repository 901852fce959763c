// Package registry owns every connected capability server. It is the
// only place a live session handle exists; other components address
// clients through opaque keys and go through the registry's mediated
// operations, so state checks and per-client locking happen in exactly
// one place. Membership changes take a registry-level lock; state
// reads and transitions take only that client's lock.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/groundloop/patchbay/internal/config"
	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/session"
	"github.com/groundloop/patchbay/internal/vault"
)

// State is a client's position in its lifecycle.
type State int

const (
	// StateConnecting means the handshake has not completed yet.
	StateConnecting State = iota
	// StateReady means the client serves calls normally.
	StateReady
	// StateDegraded means the client serves calls best-effort after a
	// transport fault; a successful probe promotes it back.
	StateDegraded
	// StateClosed is terminal: the session is gone and only the record
	// remains, with the reason it closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientKey addresses one incarnation of a client. Keys from an
// earlier incarnation of the same name stop resolving once the client
// is replaced, which is what makes deregistration idempotent.
type ClientKey struct {
	name string
	gen  uint64
}

// Name returns the configured client name.
func (k ClientKey) Name() string { return k.name }

// Generation returns the registration generation. Generations are
// assigned from a single counter, so they also give registration
// order.
func (k ClientKey) Generation() uint64 { return k.gen }

// IsZero reports whether the key is the zero value.
func (k ClientKey) IsZero() bool { return k == ClientKey{} }

func (k ClientKey) String() string { return fmt.Sprintf("%s#%d", k.name, k.gen) }

// Snapshot is a read-only copy of a client's record. Mutating it
// changes nothing.
type Snapshot struct {
	Key           ClientKey
	Name          string
	Transport     string
	State         State
	StateReason   string
	ServerName    string
	ServerVersion string
	Protocol      string
	Categories    []string
	RegisteredAt  time.Time
	LastActivity  time.Time
	ProbeFailures int
}

// entry is one registered client. The embedded mutex guards everything
// below it; key and cfg are immutable after Register.
type entry struct {
	key ClientKey
	cfg config.ServerConfig

	mu           sync.Mutex
	sess         *session.Session
	state        State
	reason       string
	adv          *session.Advertisement
	registeredAt time.Time
	lastActivity time.Time
	failures     int
}

// Registry tracks capability server clients by name, one live
// incarnation per name.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus
	creds  vault.Resolver

	nextGen atomic.Uint64

	// newTransport is injectable for testing; defaults to buildTransport.
	newTransport func(cfg config.ServerConfig, logger *slog.Logger) (session.Transport, error)

	mu      sync.RWMutex
	clients map[string]*entry
}

// New creates an empty registry. creds may be nil when no server
// needs credentials; bus may be nil to disable event publication.
func New(creds vault.Resolver, bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:  logger.With("component", "registry"),
		bus:     bus,
		creds:   creds,
		clients: make(map[string]*entry),
	}
	r.newTransport = r.buildTransport
	return r
}

// Register connects the configured server: transport construction,
// handshake, state bookkeeping. The client is visible in Connecting
// state while the handshake runs. On failure the record is kept in
// Closed state with the failure as its reason, and the error is
// returned alongside the key so the record stays addressable.
func (r *Registry) Register(ctx context.Context, cfg config.ServerConfig) (ClientKey, error) {
	key := ClientKey{name: cfg.Name, gen: r.nextGen.Add(1)}
	logger := r.logger.With("client", cfg.Name, "generation", key.gen)

	e := &entry{
		key:          key,
		cfg:          cfg,
		state:        StateConnecting,
		registeredAt: time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.clients[cfg.Name]; exists {
		r.mu.Unlock()
		return ClientKey{}, fmt.Errorf("client %q is already registered", cfg.Name)
	}
	r.clients[cfg.Name] = e
	r.mu.Unlock()

	r.publish(events.KindClientConnecting, map[string]any{"client": cfg.Name})
	logger.Info("registering client", "transport", cfg.Transport)

	transport, err := r.newTransport(cfg, logger)
	if err != nil {
		r.fail(e, err)
		return key, err
	}

	sess := session.New(cfg.Name, transport, logger)
	e.mu.Lock()
	e.sess = sess
	e.mu.Unlock()

	adv, err := sess.Open(ctx)
	if err != nil {
		r.fail(e, err)
		return key, err
	}

	e.mu.Lock()
	e.state = StateReady
	e.adv = adv
	e.lastActivity = time.Now()
	e.mu.Unlock()

	logger.Info("client ready",
		"server_name", adv.ServerName,
		"server_version", adv.ServerVersion,
		"categories", adv.Categories,
	)
	r.publish(events.KindClientReady, map[string]any{
		"client":     cfg.Name,
		"generation": key.gen,
		"categories": adv.Categories,
	})
	return key, nil
}

// fail parks a client in Closed with the failure as its reason.
func (r *Registry) fail(e *entry, cause error) {
	e.mu.Lock()
	e.state = StateClosed
	e.reason = cause.Error()
	sess := e.sess
	e.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	r.logger.Warn("client registration failed", "client", e.key.name, "error", cause)
	r.publish(events.KindClientClosed, map[string]any{"client": e.key.name, "reason": cause.Error()})
}

// Deregister removes the client identified by key and closes its
// session. Idempotent: an unknown name, or a stale key from an earlier
// incarnation, is a no-op.
func (r *Registry) Deregister(key ClientKey) {
	r.mu.Lock()
	e, ok := r.clients[key.name]
	if !ok || e.key != key {
		r.mu.Unlock()
		return
	}
	delete(r.clients, key.name)
	r.mu.Unlock()

	e.mu.Lock()
	wasClosed := e.state == StateClosed
	e.state = StateClosed
	if e.reason == "" {
		e.reason = "deregistered"
	}
	sess := e.sess
	e.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if !wasClosed {
		r.publish(events.KindClientClosed, map[string]any{"client": key.name, "reason": "deregistered"})
	}
	r.logger.Info("client deregistered", "client", key.name, "generation", key.gen)
}

// Get returns a snapshot of the client addressed by key.
func (r *Registry) Get(key ClientKey) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.clients[key.name]
	r.mu.RUnlock()
	if !ok || e.key != key {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// GetByName returns a snapshot of the live incarnation of name.
func (r *Registry) GetByName(name string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every registered client, sorted by name.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.clients))
	for _, e := range r.clients {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call dispatches one raw method on a client's session. The state
// observed at dispatch is returned so callers can flag best-effort
// service on degraded clients. Closed, connecting, or missing clients
// return *ClientUnavailableError without any network activity. A
// transport fault from the call demotes the client to Degraded.
func (r *Registry) Call(ctx context.Context, key ClientKey, method string, params any, timeout time.Duration) (json.RawMessage, State, error) {
	e, sess, observed, err := r.dispatch(key)
	if err != nil {
		return nil, observed, err
	}
	result, err := sess.Call(ctx, method, params, timeout)
	r.afterCall(e, err)
	return result, observed, err
}

// CallTool invokes a tool through the client's session. See Call for
// state semantics.
func (r *Registry) CallTool(ctx context.Context, key ClientKey, name string, args map[string]any, timeout time.Duration) (*session.ToolResult, State, error) {
	e, sess, observed, err := r.dispatch(key)
	if err != nil {
		return nil, observed, err
	}
	result, err := sess.CallTool(ctx, name, args, timeout)
	r.afterCall(e, err)
	return result, observed, err
}

// GetPrompt fetches a prompt through the client's session. See Call
// for state semantics.
func (r *Registry) GetPrompt(ctx context.Context, key ClientKey, name string, args map[string]any, timeout time.Duration) (json.RawMessage, State, error) {
	e, sess, observed, err := r.dispatch(key)
	if err != nil {
		return nil, observed, err
	}
	result, err := sess.GetPrompt(ctx, name, args, timeout)
	r.afterCall(e, err)
	return result, observed, err
}

// ReadResource reads a resource through the client's session. See
// Call for state semantics.
func (r *Registry) ReadResource(ctx context.Context, key ClientKey, uri string, timeout time.Duration) (json.RawMessage, State, error) {
	e, sess, observed, err := r.dispatch(key)
	if err != nil {
		return nil, observed, err
	}
	result, err := sess.ReadResource(ctx, uri, timeout)
	r.afterCall(e, err)
	return result, observed, err
}

// Capabilities pulls the client's capability listing, restricted to
// the configured categories and filtered by the server's include and
// exclude patterns.
func (r *Registry) Capabilities(ctx context.Context, key ClientKey) ([]session.Capability, error) {
	e, sess, _, err := r.dispatch(key)
	if err != nil {
		return nil, err
	}
	caps, err := sess.ListCapabilities(ctx, e.cfg.Categories)
	r.afterCall(e, err)
	if err != nil {
		return nil, err
	}
	return filterCapabilities(caps, e.cfg.Include, e.cfg.Exclude), nil
}

// Probe pings the client and applies the outcome: success clears the
// failure count and promotes a degraded client back to Ready; any
// failure increments the count and demotes a ready client. Returns
// the consecutive failure count after this probe so the health
// watcher can apply its budget.
func (r *Registry) Probe(ctx context.Context, key ClientKey) (int, error) {
	e, sess, _, err := r.dispatch(key)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := sess.Ping(ctx); err != nil {
		e.mu.Lock()
		e.failures++
		failures := e.failures
		e.mu.Unlock()

		r.markDegraded(e, fmt.Sprintf("probe failed: %v", err))
		r.publish(events.KindProbeFailed, map[string]any{
			"client":      key.name,
			"consecutive": failures,
			"error":       err.Error(),
		})
		return failures, err
	}

	e.mu.Lock()
	e.failures = 0
	e.lastActivity = time.Now()
	promoted := e.state == StateDegraded
	if promoted {
		e.state = StateReady
		e.reason = ""
	}
	e.mu.Unlock()

	if promoted {
		r.logger.Info("client recovered", "client", key.name)
		r.publish(events.KindClientReady, map[string]any{
			"client":     key.name,
			"generation": key.gen,
		})
	}
	r.publish(events.KindProbeOK, map[string]any{
		"client":      key.name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return 0, nil
}

// MarkClosed parks the client in its terminal state and closes the
// session. The record stays registered and inspectable. Idempotent.
func (r *Registry) MarkClosed(key ClientKey, reason string) {
	e, err := r.lookup(key)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosed
	e.reason = reason
	sess := e.sess
	e.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	r.logger.Warn("client closed", "client", key.name, "reason", reason)
	r.publish(events.KindClientClosed, map[string]any{"client": key.name, "reason": reason})
}

// lookup resolves key to its entry, treating stale keys as missing.
func (r *Registry) lookup(key ClientKey) (*entry, error) {
	r.mu.RLock()
	e, ok := r.clients[key.name]
	r.mu.RUnlock()
	if !ok || e.key != key {
		return nil, &ClientUnavailableError{Client: key.name, State: StateClosed, Reason: "not registered"}
	}
	return e, nil
}

// dispatch resolves key to an entry whose session may be used right
// now. Anything but Ready or Degraded is unavailable.
func (r *Registry) dispatch(key ClientKey) (*entry, *session.Session, State, error) {
	e, err := r.lookup(key)
	if err != nil {
		return nil, nil, StateClosed, err
	}

	e.mu.Lock()
	observed, reason, sess := e.state, e.reason, e.sess
	e.mu.Unlock()

	switch observed {
	case StateReady, StateDegraded:
		return e, sess, observed, nil
	case StateConnecting:
		return nil, nil, observed, &ClientUnavailableError{Client: key.name, State: observed, Reason: "handshake in progress"}
	default:
		return nil, nil, observed, &ClientUnavailableError{Client: key.name, State: observed, Reason: reason}
	}
}

// afterCall applies a call outcome: transport faults degrade the
// client, success refreshes activity. Timeouts and server-reported
// errors change nothing.
func (r *Registry) afterCall(e *entry, err error) {
	if err == nil {
		e.mu.Lock()
		e.lastActivity = time.Now()
		e.mu.Unlock()
		return
	}
	var transportErr *session.TransportError
	if errors.As(err, &transportErr) {
		r.markDegraded(e, transportErr.Error())
	}
}

// markDegraded demotes a Ready client to Degraded. No-op otherwise, so
// repeated faults publish one transition.
func (r *Registry) markDegraded(e *entry, cause string) {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return
	}
	e.state = StateDegraded
	e.reason = cause
	e.mu.Unlock()

	r.logger.Warn("client degraded", "client", e.key.name, "reason", cause)
	r.publish(events.KindClientDegraded, map[string]any{"client": e.key.name, "reason": cause})
}

func (r *Registry) publish(kind string, data map[string]any) {
	r.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   kind,
		Data:   data,
	})
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Key:           e.key,
		Name:          e.key.name,
		Transport:     e.cfg.Transport,
		State:         e.state,
		StateReason:   e.reason,
		RegisteredAt:  e.registeredAt,
		LastActivity:  e.lastActivity,
		ProbeFailures: e.failures,
	}
	if e.adv != nil {
		s.ServerName = e.adv.ServerName
		s.ServerVersion = e.adv.ServerVersion
		s.Protocol = e.adv.ProtocolVersion
		s.Categories = append([]string(nil), e.adv.Categories...)
	}
	return s
}

// filterCapabilities applies include patterns (empty list admits all)
// and then exclude patterns to raw capability names.
func filterCapabilities(caps []session.Capability, include, exclude []string) []session.Capability {
	if len(include) == 0 && len(exclude) == 0 {
		return caps
	}
	out := make([]session.Capability, 0, len(caps))
	for _, c := range caps {
		if len(include) > 0 && !matchAny(include, c.Name) {
			continue
		}
		if matchAny(exclude, c.Name) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}
