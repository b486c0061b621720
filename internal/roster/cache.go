package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Source loads the roster of a course from persistent storage.
type Source interface {
	LoadRoster(ctx context.Context, courseID string) (*Snapshot, error)
}

type cacheEntry struct {
	snap     *Snapshot
	loadedAt time.Time
}

// Cache keeps one snapshot per course for a TTL. When a refresh fails and an older
// snapshot exists, the old one is served and the error is only logged.
type Cache struct {
	src Source
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(src Source, ttl time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		src:     src,
		ttl:     ttl,
		log:     log.With("component", "roster"),
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// SetClock replaces the time source, for tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

func (c *Cache) Get(ctx context.Context, courseID string, forceRefresh bool) (*Snapshot, error) {
	c.mu.Lock()
	entry, ok := c.entries[courseID]
	c.mu.Unlock()

	if ok && !forceRefresh && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.snap, nil
	}

	snap, err := c.src.LoadRoster(ctx, courseID)
	if err != nil {
		if ok {
			c.log.Warn("roster refresh failed, serving cached copy", "course", courseID, "age", c.now().Sub(entry.loadedAt), "err", err)
			return entry.snap, nil
		}
		return nil, fmt.Errorf("load roster for course %s: %w", courseID, err)
	}
	if snap == nil {
		snap = NewSnapshot(courseID, nil)
	}

	c.mu.Lock()
	c.entries[courseID] = cacheEntry{snap: snap, loadedAt: c.now()}
	c.mu.Unlock()
	c.log.Debug("roster loaded", "course", courseID, "students", snap.Len())
	return snap, nil
}

// Invalidate drops the cached roster of a course, or of every course when courseID is empty.
func (c *Cache) Invalidate(courseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if courseID == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	delete(c.entries, courseID)
}
