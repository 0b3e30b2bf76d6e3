// Package stats caches 7-day email statistics snapshots with a 24-hour
// freshness window.
//
// Callers display whatever the cache holds immediately, then fetch fresh
// data in the background when the snapshot is stale; Save notifies
// subscribers so active views re-render without polling.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/routedeck/routedeck/internal/notify"
	"github.com/routedeck/routedeck/internal/types"
)

// Cache is a single-envelope statistics cache on disk.
type Cache struct {
	path     string
	notifier *notify.Notifier
	now      func() time.Time
}

// New returns a Cache persisting to the given path.
func New(path string) *Cache {
	return &Cache{
		path:     path,
		notifier: &notify.Notifier{},
		now:      time.Now,
	}
}

// Notifier returns the cache-updated notification stream.
func (c *Cache) Notifier() *notify.Notifier {
	return c.notifier
}

// Load returns the cached snapshot, or nil if never populated. Staleness is
// the caller's check via CachedStatistics.IsStale.
func (c *Cache) Load() (*types.CachedStatistics, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read statistics cache: %w", err)
	}
	var cached types.CachedStatistics
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("parse statistics cache: %w", err)
	}
	return &cached, nil
}

// Stale reports whether the cache is absent or older than the TTL.
func (c *Cache) Stale() bool {
	cached, err := c.Load()
	if err != nil || cached == nil {
		return true
	}
	return cached.IsStale(c.now())
}

// Save overwrites the snapshot wholesale, stamps the save time, and
// notifies subscribers.
func (c *Cache) Save(statistics []types.EmailStatistic) error {
	cached := types.CachedStatistics{
		Statistics: statistics,
		SavedAt:    c.now(),
	}
	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), "."+filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return err
	}
	committed = true
	c.notifier.Notify()
	return nil
}
