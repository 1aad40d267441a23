// Package chain connects this monitor to upstream monitor instances and
// suppresses forwarding loops across the resulting mesh. Each configured
// chain maintains two TCP connections (update stream, RIB stream) that
// deliver length-prefixed XML records; the owner cache decides, per
// originating monitor, which chain's copies are forwarded downstream.
package chain

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultExpirationInterval is how often the cache sweeps for
	// stale entries.
	DefaultExpirationInterval = 1200 * time.Second

	// DefaultEntryLifetime is how long an idle ownership entry lasts
	// before it is cleared.
	DefaultEntryLifetime = 7200 * time.Second
)

// ownerEntry records which chain owns the records of one monitor-id.
// The mutable fields are guarded per entry; membership in the cache is
// guarded by the cache-wide lock.
type ownerEntry struct {
	mu      sync.Mutex
	owner   int
	seq     uint32
	touched time.Time
}

// OwnerCache implements the loop suppressor: the first chain that
// delivers a record for a monitor-id becomes its owner, and copies of
// that monitor's records arriving on other chains are dropped until the
// entry expires.
type OwnerCache struct {
	mu      sync.Mutex
	entries map[string]*ownerEntry

	lifetime time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewOwnerCache creates a cache with the given entry lifetime and sweep
// interval; zero values select the defaults.
func NewOwnerCache(lifetime, interval time.Duration, logger *slog.Logger) *OwnerCache {
	if lifetime <= 0 {
		lifetime = DefaultEntryLifetime
	}
	if interval <= 0 {
		interval = DefaultExpirationInterval
	}
	return &OwnerCache{
		entries:  make(map[string]*ownerEntry),
		lifetime: lifetime,
		interval: interval,
		logger:   logger.With(slog.String("component", "chain-cache")),
	}
}

// Decide reports whether a record for monitorID arriving on chainID
// should be forwarded. Forwarded records refresh the entry's sequence
// and timestamp.
func (c *OwnerCache) Decide(monitorID string, chainID int, seq uint32) bool {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[monitorID]
	if !ok {
		c.entries[monitorID] = &ownerEntry{owner: chainID, seq: seq, touched: now}
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner != chainID {
		return false
	}
	e.seq = seq
	e.touched = now
	return true
}

// Len returns the number of live ownership entries.
func (c *OwnerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expire removes entries idle longer than the lifetime and returns the
// count removed.
func (c *OwnerCache) expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		e.mu.Lock()
		stale := now.Sub(e.touched) > c.lifetime
		e.mu.Unlock()
		if stale {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps the cache on the expiration interval until ctx is done.
func (c *OwnerCache) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if n := c.expire(now); n > 0 {
				c.logger.Info("expired ownership entries", slog.Int("count", n))
			}
		}
	}
}
