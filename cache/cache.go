// Package cache keeps the retained BuonaCaccia events and persists them between runs.
package cache

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/storage"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store is the set persistence the cache writes through.
type Store interface {
	LoadSet(ctx context.Context, name string) (notifier.StringSet, error)
	SaveSet(ctx context.Context, name string, set notifier.StringSet) error
}

// Cache holds retained events keyed by identity.
// Readers get copies; writers build a new map, persist it, then swap it in.
type Cache struct {
	store   Store
	logger  *slog.Logger
	events  map[string]*notifier.Event
	mu      sync.RWMutex // guards events
	writeMu sync.Mutex   // serializes writers
}

// New creates an empty cache backed by store.
func New(store Store, logger *slog.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger,
		events: make(map[string]*notifier.Event),
	}
}

// Load replaces the in-memory contents with the persisted records.
// A storage failure leaves the cache empty; undecodable records are dropped.
func (c *Cache) Load(ctx context.Context) int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := make(map[string]*notifier.Event)
	records, err := c.store.LoadSet(ctx, storage.SetCachedEvents)
	if err != nil {
		c.logger.Warn("Failed to load event cache, starting empty", "error", err)
	}

	dropped := 0
	for record := range records {
		e, err := Decode(record)
		if err != nil {
			dropped++
			continue
		}
		next[notifier.KeyOf(e)] = e
	}
	if dropped > 0 {
		c.logger.Warn("Dropped undecodable cache records", "count", dropped)
	}

	c.publish(next)
	c.logger.Info("Event cache loaded", "events", len(next))
	return len(next)
}

// Upsert merges events into the cache. Retained events are inserted or replaced by key;
// events that are no longer retained are removed. A persistence failure leaves the cache unchanged.
func (c *Cache) Upsert(ctx context.Context, events []*notifier.Event, today time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := c.current()
	for _, e := range events {
		if e == nil || !e.Valid() {
			continue
		}
		key := notifier.KeyOf(e)
		if e.Retained(today) {
			next[key] = e.Clone()
		} else {
			delete(next, key)
		}
	}

	if err := c.persist(ctx, next); err != nil {
		return err
	}
	c.publish(next)
	return nil
}

// PurgeClosed removes events whose registration closed or which ended before today.
// It returns the removed keys in lexical order.
func (c *Cache) PurgeClosed(ctx context.Context, today time.Time) ([]string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := c.current()
	var removed []string
	for key, e := range next {
		if !e.Retained(today) {
			delete(next, key)
			removed = append(removed, key)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Strings(removed)

	if err := c.persist(ctx, next); err != nil {
		return nil, err
	}
	c.publish(next)
	return removed, nil
}

// Snapshot returns copies of the active events, ordered by start date then key.
// Events without a start date sort last.
func (c *Cache) Snapshot(today time.Time) []*notifier.Event {
	c.mu.RLock()
	out := make([]*notifier.Event, 0, len(c.events))
	for _, e := range c.events {
		if e.Active(today) {
			out = append(out, e.Clone())
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.StartDate.Equal(b.StartDate) {
			if a.StartDate.IsZero() || b.StartDate.IsZero() {
				return b.StartDate.IsZero()
			}
			return a.StartDate.Before(b.StartDate)
		}
		return notifier.KeyOf(a) < notifier.KeyOf(b)
	})
	return out
}

// Lookup returns a copy of the event stored under key.
func (c *Cache) Lookup(key string) (*notifier.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Len returns the number of cached events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// UpcomingOpenings returns active events whose registration opens today or later,
// soonest first. A limit <= 0 returns all of them.
func (c *Cache) UpcomingOpenings(today time.Time, limit int) []*notifier.Event {
	var out []*notifier.Event
	for _, e := range c.Snapshot(today) {
		if !e.RegistrationOpen.IsZero() && !e.RegistrationOpen.Before(today) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RegistrationOpen.Before(out[j].RegistrationOpen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *Cache) current() map[string]*notifier.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	next := make(map[string]*notifier.Event, len(c.events))
	for k, v := range c.events {
		next[k] = v
	}
	return next
}

func (c *Cache) publish(next map[string]*notifier.Event) {
	c.mu.Lock()
	c.events = next
	c.mu.Unlock()
}

func (c *Cache) persist(ctx context.Context, events map[string]*notifier.Event) error {
	records := make(notifier.StringSet, len(events))
	for _, e := range events {
		records.Add(Encode(e))
	}
	if err := c.store.SaveSet(ctx, storage.SetCachedEvents, records); err != nil {
		return fmt.Errorf("persist event cache: %w", err)
	}
	return nil
}
