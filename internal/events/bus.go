// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (registry, catalog, router,
// supervisor, health watcher) to subscribers (audit pump, metrics pump,
// MQTT publisher, WebSocket stream). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks. Publishing never blocks, which keeps the in-memory hot paths
// (index lookups, policy checks) free of I/O.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRegistry identifies events from the client registry.
	SourceRegistry = "registry"
	// SourceCatalog identifies events from the capability index.
	SourceCatalog = "catalog"
	// SourceRouter identifies events from the router/dispatcher.
	SourceRouter = "router"
	// SourceSupervisor identifies events from the lifecycle supervisor.
	SourceSupervisor = "supervisor"
	// SourceHealth identifies events from the connection health watcher.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindClientConnecting signals a client registration has begun.
	// Data: client.
	KindClientConnecting = "client_connecting"
	// KindClientReady signals a client completed its handshake.
	// Data: client, generation, categories.
	KindClientReady = "client_ready"
	// KindClientDegraded signals a client entered best-effort service.
	// Data: client, reason.
	KindClientDegraded = "client_degraded"
	// KindClientClosed signals a client reached its terminal state.
	// Data: client, reason.
	KindClientClosed = "client_closed"

	// KindProbeOK signals a successful health probe.
	// Data: client, duration_ms.
	KindProbeOK = "probe_ok"
	// KindProbeFailed signals a failed health probe.
	// Data: client, consecutive, error.
	KindProbeFailed = "probe_failed"

	// KindCollision signals two clients advertise the same capability
	// name. Data: capability, holder, suffixed.
	KindCollision = "capability_collision"
	// KindPromotion signals a suffixed capability took over the bare
	// name after the previous holder departed.
	// Data: capability, client.
	KindPromotion = "capability_promotion"

	// KindInvokeStart signals the router accepted an invocation.
	// Data: caller, capability, client.
	KindInvokeStart = "invoke_start"
	// KindInvokeDone signals an invocation finished.
	// Data: caller, capability, client, ok, best_effort, duration_ms,
	// error_kind.
	KindInvokeDone = "invoke_done"

	// KindAccessDenied signals a policy rejection.
	// Data: caller, capability, reason.
	KindAccessDenied = "access_denied"

	// KindReload signals a configuration reload completed.
	// Data: added, removed, changed.
	KindReload = "reload"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a subscriber that falls behind misses events
// rather than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{}
}

// Publish broadcasts e to every subscriber without blocking: when a
// subscriber's buffer is full the event is dropped for that subscriber
// only. Events with a zero Timestamp are stamped with the current
// time, so publishers may leave the field unset. Safe to call on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- e:
		default:
		}
	}
}

// Subscribe registers a consumer and returns its receive channel.
// bufSize sets how many events may queue before the consumer starts
// missing them; size it for the consumer's drain rate (the audit and
// metrics pumps use 256, the MQTT publisher 64). The caller must
// eventually call Unsubscribe to release the subscription.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already-removed channels are a no-op, so cleanup paths may call
// it unconditionally.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		// A channel compares equal to its own receive-only view, so the
		// caller's handle identifies the subscription directly.
		if sub == ch {
			last := len(b.subs) - 1
			b.subs[i] = b.subs[last]
			b.subs[last] = nil
			b.subs = b.subs[:last]
			close(sub)
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
