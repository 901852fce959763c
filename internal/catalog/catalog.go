// Package catalog maintains the unified capability index: every tool,
// prompt, and resource advertised by every connected client, published
// under globally unique names. Name collisions across clients are
// disambiguated deterministically, never dropped: the oldest
// registration holds the bare name and every later claimant is
// published as name@client, so callers can address either. All index
// operations are in-memory; the network fetch behind a rebuild happens
// before the index lock is taken.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/policy"
	"github.com/groundloop/patchbay/internal/registry"
	"github.com/groundloop/patchbay/internal/session"
)

// NotFoundError is returned when no published capability carries the
// requested name.
type NotFoundError struct {
	Capability string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %q not found", e.Capability)
}

// Kind identifies this error class in structured output.
func (e *NotFoundError) Kind() string { return "not_found" }

// Source supplies a client's current capability listing. The registry
// implements it.
type Source interface {
	Capabilities(ctx context.Context, key registry.ClientKey) ([]session.Capability, error)
}

// Authorizer decides capability access for a caller. The policy
// engine implements it; the catalog itself holds no policy knowledge.
type Authorizer interface {
	Authorize(caller, capability string) policy.Decision
}

// Entry is one published capability. Entries are value copies;
// mutating one changes nothing in the index.
type Entry struct {
	// Name is the published name callers use. It differs from RawName
	// only when the raw name collided with an older registration.
	Name string
	// RawName is the name the server advertised.
	RawName string
	// Client is the owning client's configured name.
	Client string
	// Key addresses the owning client in the registry.
	Key registry.ClientKey
	// Capability is the advertised descriptor.
	Capability session.Capability
}

// Filter narrows List and ListFor results. Zero value matches
// everything.
type Filter struct {
	// Kind restricts to one capability kind (tool, prompt, resource).
	Kind string
	// Client restricts to capabilities owned by one client.
	Client string
}

func (f Filter) matches(e Entry) bool {
	if f.Kind != "" && e.Capability.Kind != f.Kind {
		return false
	}
	if f.Client != "" && e.Client != f.Client {
		return false
	}
	return true
}

// indexChange is a collision or promotion detected during a
// recompute, published to the event bus once the lock is released.
type indexChange struct {
	kind string
	data map[string]any
}

// Catalog is the capability index.
type Catalog struct {
	logger *slog.Logger
	bus    *events.Bus
	source Source

	mu      sync.RWMutex
	clients map[registry.ClientKey][]session.Capability
	index   map[string]Entry
}

// New creates an empty catalog over the given capability source. bus
// may be nil to disable event publication.
func New(source Source, bus *events.Bus, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger:  logger.With("component", "catalog"),
		bus:     bus,
		source:  source,
		clients: make(map[registry.ClientKey][]session.Capability),
		index:   make(map[string]Entry),
	}
}

// Rebuild re-pulls one client's capability listing and atomically
// replaces that client's entries. Readers never observe a partial
// set: the swap happens under one lock acquisition. On fetch failure
// the index is left untouched.
func (c *Catalog) Rebuild(ctx context.Context, key registry.ClientKey) error {
	caps, err := c.source.Capabilities(ctx, key)
	if err != nil {
		return err
	}

	kept := make([]session.Capability, 0, len(caps))
	for _, capability := range caps {
		if capability.Name == "" || strings.Contains(capability.Name, "@") {
			c.logger.Warn("dropping capability with unusable name",
				"client", key.Name(), "capability", capability.Name)
			continue
		}
		kept = append(kept, capability)
	}

	c.mu.Lock()
	c.clients[key] = kept
	changes := c.recompute()
	c.mu.Unlock()

	c.logger.Info("rebuilt capability index",
		"client", key.Name(), "capabilities", len(kept))
	c.publishChanges(changes)
	return nil
}

// Remove drops every entry owned by key. Callers pair it with
// registry removal so the index never points at a dead client.
// Idempotent.
func (c *Catalog) Remove(key registry.ClientKey) {
	c.mu.Lock()
	if _, ok := c.clients[key]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.clients, key)
	changes := c.recompute()
	c.mu.Unlock()

	c.logger.Info("removed client from capability index", "client", key.Name())
	c.publishChanges(changes)
}

// Resolve returns the entry published under name.
func (c *Catalog) Resolve(name string) (Entry, error) {
	c.mu.RLock()
	e, ok := c.index[name]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, &NotFoundError{Capability: name}
	}
	return e, nil
}

// List enumerates published entries matching the filter, sorted by
// published name.
func (c *Catalog) List(f Filter) []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.index))
	for _, e := range c.index {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListFor enumerates the subset of List visible to caller under the
// given policy.
func (c *Catalog) ListFor(caller string, f Filter, authz Authorizer) []Entry {
	all := c.List(f)
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if authz.Authorize(caller, e.Name).Allowed {
			out = append(out, e)
		}
	}
	return out
}

// Size returns the number of published entries.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// recompute rebuilds the published index from the per-client sets.
// Callers hold the write lock. For each raw name the claimants are
// ordered by registration generation: the oldest holds the bare name,
// later ones publish as raw@client. The returned changes describe new
// collisions and bare-name promotions for the audit trail.
func (c *Catalog) recompute() []indexChange {
	type claimant struct {
		key        registry.ClientKey
		capability session.Capability
	}
	byRaw := make(map[string][]claimant)
	total := 0
	for key, caps := range c.clients {
		total += len(caps)
		for _, capability := range caps {
			byRaw[capability.Name] = append(byRaw[capability.Name], claimant{key, capability})
		}
	}

	next := make(map[string]Entry, total)
	for raw, claimants := range byRaw {
		sort.Slice(claimants, func(i, j int) bool {
			return claimants[i].key.Generation() < claimants[j].key.Generation()
		})
		for i, cl := range claimants {
			published := raw
			if i > 0 {
				published = raw + "@" + cl.key.Name()
			}
			next[published] = Entry{
				Name:       published,
				RawName:    raw,
				Client:     cl.key.Name(),
				Key:        cl.key,
				Capability: cl.capability,
			}
		}
	}

	var changes []indexChange
	for name, e := range next {
		if name != e.RawName {
			// A suffixed name that did not exist before is a fresh
			// collision.
			if _, existed := c.index[name]; !existed {
				changes = append(changes, indexChange{kind: events.KindCollision, data: map[string]any{
					"capability": e.RawName,
					"holder":     next[e.RawName].Client,
					"suffixed":   name,
				}})
			}
			continue
		}
		// A bare name owned by a different client than before means
		// the previous holder departed and this one was promoted.
		if old, existed := c.index[name]; existed && old.Key != e.Key {
			changes = append(changes, indexChange{kind: events.KindPromotion, data: map[string]any{
				"capability": name,
				"client":     e.Client,
			}})
		}
	}
	c.index = next
	return changes
}

func (c *Catalog) publishChanges(changes []indexChange) {
	for _, ch := range changes {
		switch ch.kind {
		case events.KindCollision:
			c.logger.Warn("capability name collision",
				"capability", ch.data["capability"],
				"holder", ch.data["holder"],
				"suffixed", ch.data["suffixed"])
		case events.KindPromotion:
			c.logger.Info("capability promoted to bare name",
				"capability", ch.data["capability"],
				"client", ch.data["client"])
		}
		c.bus.Publish(events.Event{
			Source: events.SourceCatalog,
			Kind:   ch.kind,
			Data:   ch.data,
		})
	}
}
