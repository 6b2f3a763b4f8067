// ============================================================================
// Idempotency Cache
// ============================================================================
//
// Package: internal/idempotency
// File: cache.go
// Purpose: Deduplicates retried submissions within a time window.
//
// A caller-supplied key maps to the run ID returned for the first
// submission. Reservation is a single locked check-and-insert, closing
// the gap between lookup and create for all but truly simultaneous
// identical requests (an accepted narrow race; the per-tenant gate in
// the run store still prevents duplicate active runs).
//
// Expiry is lazy: entries past the TTL are removed on the next lookup
// of the same key. No background sweep.
//
// ============================================================================

package idempotency

import (
	"sync"
	"time"

	"github.com/novalto/dpo-orchestrator/pkg/types"
)

type entry struct {
	runID     types.RunID
	reserved  bool
	createdAt time.Time
}

// Cache maps idempotency keys to previously returned run IDs.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*entry
}

// NewCache creates a cache whose entries expire ttl after creation.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// GetOrReserve returns the run ID recorded for key if present and
// unexpired (existing=true). Otherwise it atomically reserves the key
// and returns existing=false; the caller must follow up with Record on
// successful admission or Release on failure.
//
// A reservation whose Record never arrived is treated as absent, so a
// crashed admission cannot wedge the key.
func (c *Cache) GetOrReserve(key string, now time.Time) (types.RunID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if now.Sub(e.createdAt) < c.ttl && !e.reserved {
			return e.runID, true
		}
		delete(c.entries, key)
	}

	c.entries[key] = &entry{reserved: true, createdAt: now}
	return "", false
}

// Record binds key to runID after a successful admission.
func (c *Cache) Record(key string, runID types.RunID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.reserved {
		e.runID = runID
		e.reserved = false
	}
}

// Release frees a reservation whose admission failed, so the caller's
// retry is not answered with a stale reservation.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.reserved {
		delete(c.entries, key)
	}
}

// Len reports the number of live entries. Used by tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
