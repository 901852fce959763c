// Package supervisor owns client lifecycle: parallel connect at
// startup, graceful teardown at shutdown, and selective
// re-registration when the configuration changes. It is the only
// component that decides WHICH clients exist; the registry owns what
// happens to a client once it is registered.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/groundloop/patchbay/internal/catalog"
	"github.com/groundloop/patchbay/internal/config"
	"github.com/groundloop/patchbay/internal/connwatch"
	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/registry"
)

// Backend is the slice of the registry the supervisor drives.
type Backend interface {
	Register(ctx context.Context, cfg config.ServerConfig) (registry.ClientKey, error)
	Deregister(key registry.ClientKey)
	Get(key registry.ClientKey) (registry.Snapshot, bool)
	List() []registry.Snapshot
	Probe(ctx context.Context, key registry.ClientKey) (int, error)
	MarkClosed(key registry.ClientKey, reason string)
}

// Index is the slice of the capability catalog the supervisor keeps in
// step with client membership.
type Index interface {
	Rebuild(ctx context.Context, key registry.ClientKey) error
	Remove(key registry.ClientKey)
}

// Config carries the supervisor's collaborators and tuning.
type Config struct {
	Backend Backend
	Index   Index

	// Watch manages per-client health watchers. Optional; without it
	// no background probing happens.
	Watch *connwatch.Manager

	// Bus receives reload events. Optional.
	Bus *events.Bus

	Supervisor config.SupervisorConfig
	Health     config.HealthConfig
}

// ReloadResult is the membership diff applied by Reload.
type ReloadResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
	// Retried lists clients whose config was unchanged but whose
	// previous incarnation had closed, reconnected as a side effect of
	// the reload.
	Retried []string `json:"retried,omitempty"`
}

type runningClient struct {
	key registry.ClientKey
	cfg config.ServerConfig
}

// Supervisor brings clients up, keeps watchers on them, and tears them
// down.
type Supervisor struct {
	logger *slog.Logger
	config Config

	// watchBackoff overrides the watcher schedule; tests shorten it.
	// Zero means derive it from the health config.
	watchBackoff connwatch.BackoffConfig

	mu      sync.Mutex
	baseCtx context.Context
	running map[string]runningClient
}

// New creates a supervisor. Panics if Backend or Index is nil.
func New(logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.Backend == nil {
		panic("supervisor: Config.Backend must not be nil")
	}
	if cfg.Index == nil {
		panic("supervisor: Config.Index must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:  logger.With("component", "supervisor"),
		config:  cfg,
		baseCtx: context.Background(),
		running: make(map[string]runningClient),
	}
}

// StartAll registers every configured server with bounded parallelism
// and returns once each has reached Ready or Closed. Individual
// failures are joined, not fatal: whatever connected stays up. The
// context also scopes the health watchers started for ready clients,
// so pass the process context, not a request-scoped one.
func (s *Supervisor) StartAll(ctx context.Context, servers []config.ServerConfig) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	start := time.Now()
	sem := make(chan struct{}, s.config.Supervisor.Parallelism())
	errs := make([]error, len(servers))
	var wg sync.WaitGroup

	for i, sc := range servers {
		wg.Add(1)
		go func(idx int, sc config.ServerConfig) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[idx] = fmt.Errorf("connect %s: %w", sc.Name, ctx.Err())
				return
			}

			errs[idx] = s.startOne(ctx, sc)
		}(i, sc)
	}
	wg.Wait()

	err := errors.Join(errs...)
	ready := 0
	for _, snap := range s.config.Backend.List() {
		if snap.State == registry.StateReady {
			ready++
		}
	}
	s.logger.Info("startup complete",
		"configured", len(servers),
		"ready", ready,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return err
}

// startOne registers a single server, indexes its capabilities, and
// starts its health watcher. The handshake gets its own timeout so one
// hanging server cannot hold a connect slot forever.
func (s *Supervisor) startOne(ctx context.Context, sc config.ServerConfig) error {
	cctx, cancel := context.WithTimeout(ctx, s.config.Supervisor.ConnectTimeout())
	defer cancel()

	key, err := s.config.Backend.Register(cctx, sc)
	if !key.IsZero() {
		s.mu.Lock()
		s.running[sc.Name] = runningClient{key: key, cfg: sc}
		s.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", sc.Name, err)
	}

	if err := s.config.Index.Rebuild(cctx, key); err != nil {
		// The client stays registered; the watcher's next recovery
		// rebuilds the index.
		s.watchClient(key)
		return fmt.Errorf("discover %s: %w", sc.Name, err)
	}

	s.watchClient(key)
	return nil
}

// watchClient starts the background health watcher for a registered
// client. Probes run through the registry so lifecycle transitions
// happen there; when the failure budget is spent the client is closed
// and drops out of the index.
func (s *Supervisor) watchClient(key registry.ClientKey) {
	if s.config.Watch == nil {
		return
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	health := s.config.Health
	backoff := s.watchBackoff
	if backoff == (connwatch.BackoffConfig{}) {
		backoff = connwatch.BackoffConfig{
			PollInterval: health.PollInterval(),
			ProbeTimeout: health.ProbeTimeout(),
		}
	}
	s.config.Watch.Watch(ctx, connwatch.WatcherConfig{
		Name: key.Name(),
		Probe: func(ctx context.Context) error {
			_, err := s.config.Backend.Probe(ctx, key)
			return err
		},
		Backoff:     backoff,
		MaxFailures: health.FailureBudget(),
		OnReady: func() {
			// Capability lists may have drifted while the client was
			// dark.
			rctx, cancel := context.WithTimeout(ctx, s.config.Supervisor.ConnectTimeout())
			defer cancel()
			if err := s.config.Index.Rebuild(rctx, key); err != nil {
				s.logger.Warn("index rebuild after recovery failed",
					"client", key.Name(),
					"error", err,
				)
			}
		},
		OnExhausted: func(err error) {
			s.config.Backend.MarkClosed(key, fmt.Sprintf("probe budget exhausted: %v", err))
			s.config.Index.Remove(key)
		},
		Logger: s.logger,
	})
}

// StopAll tears every client down. Watchers stop first so probes do
// not race the teardown, then sessions close concurrently under the
// shutdown grace; closes still pending when it expires are abandoned
// to the exiting process. Close failures are logged by the registry,
// never propagated.
func (s *Supervisor) StopAll() {
	if s.config.Watch != nil {
		s.config.Watch.Stop()
	}

	s.mu.Lock()
	clients := make(map[string]registry.ClientKey, len(s.running))
	for name, rc := range s.running {
		clients[name] = rc.key
	}
	s.running = make(map[string]runningClient)
	s.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	done := make(chan string, len(clients))
	for name, key := range clients {
		go func(name string, key registry.ClientKey) {
			s.config.Backend.Deregister(key)
			done <- name
		}(name, key)
	}

	grace := s.config.Supervisor.ShutdownGrace()
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for remaining := len(clients); remaining > 0; {
		select {
		case <-done:
			remaining--
		case <-timer.C:
			s.logger.Warn("shutdown grace expired, abandoning slow closes",
				"grace", grace.String(),
				"remaining", remaining,
			)
			return
		}
	}
	s.logger.Info("all clients stopped", "count", len(clients))
}

// Reload diffs the revised server list against the running set by
// name. Removed servers are deregistered, changed ones are replaced,
// new ones are registered, and closed clients with unchanged config
// get a reconnect attempt. The index follows synchronously. Connect
// failures are joined into the returned error; the diff is returned
// either way.
func (s *Supervisor) Reload(ctx context.Context, servers []config.ServerConfig) (*ReloadResult, error) {
	desired := make(map[string]config.ServerConfig, len(servers))
	for _, sc := range servers {
		desired[sc.Name] = sc
	}

	s.mu.Lock()
	current := make(map[string]runningClient, len(s.running))
	for name, rc := range s.running {
		current[name] = rc
	}
	s.mu.Unlock()

	res := &ReloadResult{}
	var errs []error

	for name, rc := range current {
		sc, keep := desired[name]
		switch {
		case !keep:
			s.dropClient(name, rc.key)
			res.Removed = append(res.Removed, name)

		case !reflect.DeepEqual(rc.cfg, sc):
			s.dropClient(name, rc.key)
			if err := s.startOne(ctx, sc); err != nil {
				errs = append(errs, err)
			}
			res.Changed = append(res.Changed, name)

		default:
			snap, ok := s.config.Backend.Get(rc.key)
			if !ok || snap.State != registry.StateClosed {
				continue
			}
			s.dropClient(name, rc.key)
			if err := s.startOne(ctx, sc); err != nil {
				errs = append(errs, err)
			}
			res.Retried = append(res.Retried, name)
		}
	}

	// Iterate the slice, not the map, so registration order follows
	// the config file.
	for _, sc := range servers {
		if _, ok := current[sc.Name]; ok {
			continue
		}
		if err := s.startOne(ctx, sc); err != nil {
			errs = append(errs, err)
		}
		res.Added = append(res.Added, sc.Name)
	}

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Changed)
	sort.Strings(res.Retried)

	s.logger.Info("reload applied",
		"added", len(res.Added),
		"removed", len(res.Removed),
		"changed", len(res.Changed),
		"retried", len(res.Retried),
	)
	s.config.Bus.Publish(events.Event{
		Source: events.SourceSupervisor,
		Kind:   events.KindReload,
		Data: map[string]any{
			"added":   len(res.Added),
			"removed": len(res.Removed),
			"changed": len(res.Changed),
			"retried": len(res.Retried),
		},
	})

	return res, errors.Join(errs...)
}

// dropClient removes one client from the watcher, the index, the
// registry, and the running set, in that order.
func (s *Supervisor) dropClient(name string, key registry.ClientKey) {
	if s.config.Watch != nil {
		s.config.Watch.Remove(name)
	}
	s.config.Index.Remove(key)
	s.config.Backend.Deregister(key)

	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// Running returns the names of clients the supervisor currently
// manages, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile-time wiring checks.
var (
	_ Backend = (*registry.Registry)(nil)
	_ Index   = (*catalog.Catalog)(nil)
)
