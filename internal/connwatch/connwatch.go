// Package connwatch provides client-level health monitoring with
// exponential backoff for the capability servers the host fronts.
//
// This is distinct from the per-call timeouts in the session layer,
// which bound a single RPC. connwatch handles multi-second to
// multi-minute outages: server restarts, network partitions, and
// processes that wedge without ever closing their pipes.
//
// A Watcher starts in a connect window where probes are spaced by
// exponential backoff (2s, 4s, 8s, ... capped at 60s). Once the client
// has been seen healthy, or the window's retry allowance runs out, it
// settles into steady polling at PollInterval. Readiness edges fire
// the OnReady/OnDown callbacks; an optional consecutive-failure budget
// retires the watcher for good via OnExhausted. The host uses the
// budget to close clients that stay dark too long.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a client's transport is reachable. Return
// nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe scheduling. Manager.Watch fills zero
// or negative fields from DefaultBackoffConfig, so the zero value is
// a valid "all defaults" config.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed probe.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the wait after each failed connect-window probe.
	Multiplier float64

	// MaxRetries bounds the connect window: after this many probes the
	// watcher moves to steady polling whether or not the client ever
	// answered.
	MaxRetries int

	// PollInterval spaces probes once the connect window is over.
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard schedule: connect-window
// probes at 2s, 4s, 8s, ... capped at 60s for up to 10 attempts, then
// steady 60-second polling. Each probe gets 10 seconds.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// normalized returns a copy with zero or negative fields replaced by
// the DefaultBackoffConfig values.
func (c BackoffConfig) normalized() BackoffConfig {
	d := DefaultBackoffConfig()
	return BackoffConfig{
		InitialDelay: orDefault(c.InitialDelay, d.InitialDelay),
		MaxDelay:     orDefault(c.MaxDelay, d.MaxDelay),
		Multiplier:   orDefault(c.Multiplier, d.Multiplier),
		MaxRetries:   orDefault(c.MaxRetries, d.MaxRetries),
		PollInterval: orDefault(c.PollInterval, d.PollInterval),
		ProbeTimeout: orDefault(c.ProbeTimeout, d.ProbeTimeout),
	}
}

func orDefault[T int | float64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// WatcherConfig configures a single client watcher.
type WatcherConfig struct {
	// Name identifies the watched client in logs and status output
	// (e.g., "github").
	Name string

	// Probe checks client health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls probe scheduling. Zero fields get defaults.
	Backoff BackoffConfig

	// MaxFailures is the consecutive probe-failure budget. When the
	// count reaches it, OnExhausted fires once and the watcher exits.
	// Zero means probe forever. Successful probes reset the count.
	MaxFailures int

	// OnReady fires when the client goes from unreachable to reachable.
	// Runs in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown fires when the client goes from reachable to unreachable.
	// Runs in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// OnExhausted fires once when the failure budget is spent, with
	// the final probe error. Runs synchronously; the watcher exits
	// right after it returns. Optional.
	OnExhausted func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ClientStatus is the health status of a watched client, suitable for
// JSON serialization in status endpoints.
type ClientStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single client's health.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	failures  int
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched client is currently reachable.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ClientStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ClientStatus{
		Name:      w.config.Name,
		Ready:     w.ready,
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits (context cancelled,
// Stop called, or failure budget spent).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the watcher goroutine. A single loop covers both the connect
// window and steady polling; only the wait between probes differs.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	everReady := false

	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		up, down, failures := w.observe(err)

		switch {
		case up && !everReady:
			everReady = true
			logger.Info("client reachable",
				"client", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case up:
			logger.Info("client recovered",
				"client", w.config.Name,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case down:
			logger.Info("client became unreachable",
				"client", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case err != nil:
			logger.Debug("probe failed",
				"client", w.config.Name,
				"attempt", attempt,
				"error", err,
			)
		}

		if err != nil && w.budgetSpent(failures, err) {
			return
		}

		// Back off between connect-window probes, poll steadily after.
		wait := cfg.PollInterval
		if !everReady && attempt < cfg.MaxRetries {
			wait = delay
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		} else if !everReady && attempt == cfg.MaxRetries {
			logger.Info("connect window exhausted, falling back to polling",
				"client", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// observe folds one probe outcome into the watcher state and reports
// which readiness edge, if any, it crossed.
func (w *Watcher) observe(err error) (up, down bool, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return !was && err == nil, was && err != nil, w.failures
}

// budgetSpent checks the consecutive-failure budget. When spent it
// fires OnExhausted and reports true; the caller must exit the loop.
func (w *Watcher) budgetSpent(failures int, err error) bool {
	if w.config.MaxFailures <= 0 || failures < w.config.MaxFailures {
		return false
	}
	w.config.Logger.Warn("probe failure budget exhausted, giving up",
		"client", w.config.Name,
		"failures", failures,
		"error", err,
	)
	if w.config.OnExhausted != nil {
		w.config.OnExhausted(err)
	}
	return true
}

// probe runs one health check under the per-probe timeout. Watchers
// are only built by Manager.Watch, which guarantees the timeout is
// positive.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// Manager coordinates the watchers for all registered clients.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a new client watcher. The watcher runs in
// a background goroutine until ctx is cancelled, Stop is called, or the
// failure budget is spent. Watching a name that is already watched
// stops and replaces the previous watcher.
//
// Panics if Name is empty or Probe is nil. Zero-value BackoffConfig
// fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.normalized()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	return w
}

// Remove stops the named watcher and forgets it. No-op for unknown names.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	w, ok := m.watchers[name]
	if ok {
		delete(m.watchers, name)
	}
	m.mu.Unlock()

	if ok {
		w.Stop()
	}
}

// Status returns the health status of all watched clients.
func (m *Manager) Status() map[string]ClientStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ClientStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers in parallel and waits for their
// goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range watchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()
}
