// ============================================================================
// Rate Limiter
// ============================================================================
//
// Package: internal/ratelimit
// File: ratelimit.go
// Purpose: Per-caller sliding-window request-rate ceiling.
//
// Each caller gets a slice of request timestamps. On every check the
// slice is pruned to the window before counting, so expiry is lazy and
// there is no background sweep. The per-tenant concurrency gate is not
// here: it lives in the run store, which re-validates the invariant
// atomically at admission.
//
// ============================================================================

package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/novalto/dpo-orchestrator/pkg/types"
)

// Limiter enforces a sliding window of at most max requests per
// window, keyed by caller ID.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	callers map[string][]time.Time
}

// NewLimiter creates a limiter allowing max requests per window for
// each caller. A max of zero disables the limiter.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		callers: make(map[string][]time.Time),
	}
}

// Allow records a request for callerID at now if it is under the
// limit, or returns ErrRateLimited without recording it.
func (l *Limiter) Allow(callerID string, now time.Time) error {
	if l.max <= 0 {
		return nil
	}

	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := prune(l.callers[callerID], cutoff)
	if len(history) >= l.max {
		l.callers[callerID] = history
		return fmt.Errorf("%w: maximum %d requests per %s", types.ErrRateLimited, l.max, l.window)
	}

	l.callers[callerID] = append(history, now)
	return nil
}

// prune drops timestamps at or before cutoff. The input is ordered, so
// a single scan from the front suffices.
func prune(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}
