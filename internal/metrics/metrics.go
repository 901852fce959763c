// Package metrics exposes Prometheus instrumentation for the host.
// A Set carries its own registry so tests never collide on the global
// default registry and the /metrics endpoint serves exactly what the
// host registered. All record methods are nil-safe: a nil *Set is a
// disabled metrics layer, so callers do not need guard checks.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groundloop/patchbay/internal/buildinfo"
	"github.com/groundloop/patchbay/internal/events"
)

// Set holds every instrument the host records into.
type Set struct {
	registry *prometheus.Registry

	invocations   *prometheus.CounterVec
	invokeSeconds *prometheus.HistogramVec
	denials       prometheus.Counter
	collisions    prometheus.Counter
	promotions    prometheus.Counter
	probeFailures prometheus.Counter
	reloads       prometheus.Counter
}

// New creates a Set with a fresh registry and all instruments
// registered.
func New() *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		registry: reg,
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchbay_invocations_total",
			Help: "Capability invocations by outcome.",
		}, []string{"outcome"}),
		invokeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchbay_invocation_duration_seconds",
			Help:    "Invocation latency from dispatch to result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		denials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_access_denials_total",
			Help: "Invocations refused by caller policy.",
		}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_capability_collisions_total",
			Help: "Capability name collisions detected by the index.",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_capability_promotions_total",
			Help: "Suffixed capabilities promoted to a bare name.",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_probe_failures_total",
			Help: "Failed client health probes.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_config_reloads_total",
			Help: "Configuration reloads applied.",
		}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "patchbay_build_info",
		Help: "Build metadata, always 1.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(buildinfo.Version, buildinfo.GitCommit).Set(1)

	reg.MustRegister(
		s.invocations,
		s.invokeSeconds,
		s.denials,
		s.collisions,
		s.promotions,
		s.probeFailures,
		s.reloads,
		buildInfo,
	)
	return s
}

// Handler returns the scrape endpoint for this Set's registry.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordInvocation observes one finished invocation. kind is the
// capability kind (tool, prompt, resource) and outcome names the
// result class (ok, denied, not_found, client_unavailable,
// timeout_error, transport_error, rpc_error).
func (s *Set) RecordInvocation(kind, outcome string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.invocations.WithLabelValues(outcome).Inc()
	s.invokeSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveClients registers a gauge that reports registered clients by
// lifecycle state, sampled at scrape time.
func (s *Set) ObserveClients(fn func() map[string]int) {
	if s == nil || fn == nil {
		return
	}
	s.registry.MustRegister(&clientStateCollector{
		desc: prometheus.NewDesc(
			"patchbay_clients",
			"Registered clients by lifecycle state.",
			[]string{"state"}, nil,
		),
		fn: fn,
	})
}

// ObserveCapabilities registers a gauge that reports the published
// capability count, sampled at scrape time.
func (s *Set) ObserveCapabilities(fn func() int) {
	if s == nil || fn == nil {
		return
	}
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "patchbay_capabilities",
		Help: "Capabilities currently published in the index.",
	}, func() float64 { return float64(fn()) }))
}

// Pump counts operational events from the bus until ctx is cancelled
// or the subscription is closed. Invocation metrics are recorded
// directly by the router (which holds the timings); the pump covers
// the counters that originate elsewhere.
func (s *Set) Pump(ctx context.Context, bus *events.Bus) {
	if s == nil || bus == nil {
		return
	}
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.count(ev)
		}
	}
}

func (s *Set) count(ev events.Event) {
	switch ev.Kind {
	case events.KindAccessDenied:
		s.denials.Inc()
	case events.KindCollision:
		s.collisions.Inc()
	case events.KindPromotion:
		s.promotions.Inc()
	case events.KindProbeFailed:
		s.probeFailures.Inc()
	case events.KindReload:
		s.reloads.Inc()
	}
}

// clientStateCollector emits one patchbay_clients sample per state,
// computed from the callback at scrape time.
type clientStateCollector struct {
	desc *prometheus.Desc
	fn   func() map[string]int
}

func (c *clientStateCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *clientStateCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
