// ============================================================================
// Run Store - Run Lifecycle State Machine
// ============================================================================
//
// Package: internal/runstore
// File: store.go
// Purpose: Authoritative in-memory record of every submitted run.
//
// Design:
//   1. runs map - unified run storage, the single source of truth
//   2. active index - tenant key -> run ID for fast concurrency checks
//   3. both guarded by one RWMutex so every operation is linearizable
//
// Run state machine:
//   queued (initial)
//      |-> running  -> completed | failed | cancelled
//      |-> failed     (dispatch failure)
//      |-> cancelled  (cancelled while pending)
//
// All mutations go through Create (atomic tenant check + insert) or
// Transition (compare-and-swap on status). Timestamps, metrics,
// artifacts, and failure reasons are only ever set by the transition
// that owns them, so a lost race shows up as ErrInvalidTransition
// instead of a corrupted record.
//
// The store holds runs for the lifetime of the process; Sweep applies
// the configured retention policy to terminal runs only.
//
// ============================================================================

package runstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novalto/dpo-orchestrator/pkg/types"
)

// Store is the in-memory run table.
type Store struct {
	mu     sync.RWMutex
	runs   map[types.RunID]*types.Run
	active map[string]types.RunID // tenant key -> queued/running run
}

// Stats is a point-in-time status breakdown for health reporting.
type Stats struct {
	Total     int `json:"total_runs"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// NewStore creates an empty run store.
func NewStore() *Store {
	return &Store{
		runs:   make(map[types.RunID]*types.Run),
		active: make(map[string]types.RunID),
	}
}

// Create atomically checks the per-tenant concurrency invariant and
// inserts a new queued run.
//
// Returns ErrConcurrentJob if the tenant already has a queued or
// running run. The check and the insert happen under one lock, closing
// the race between the orchestrator's advisory pre-check and
// admission.
func (s *Store) Create(tenantKey, ownerID string, spec types.JobSpec) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.active[tenantKey]; ok {
		return nil, fmt.Errorf("%w: run %s is active for kb_id %s", types.ErrConcurrentJob, existing, tenantKey)
	}

	run := &types.Run{
		RunID:       types.RunID(uuid.NewString()),
		TenantKey:   tenantKey,
		OwnerID:     ownerID,
		ExpName:     spec.ExpName,
		BaseModel:   spec.BaseModel,
		Algo:        spec.Algo,
		Status:      types.StatusQueued,
		SubmittedAt: time.Now(),
		Progress:    types.Progress{CurrentPhase: string(types.StatusQueued)},
	}

	s.runs[run.RunID] = run
	s.active[tenantKey] = run.RunID

	out := *run
	return &out, nil
}

// Get returns a copy of the run, or ErrNotFound.
func (s *Store) Get(runID types.RunID) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, runID)
	}

	out := *run
	return &out, nil
}

// TransitionOption attaches fields to a transition.
type TransitionOption func(*types.Run)

// WithMetrics attaches final metrics. Only meaningful on the
// transition to completed.
func WithMetrics(m map[string]float64) TransitionOption {
	return func(r *types.Run) { r.Metrics = m }
}

// WithArtifacts attaches artifact references on completion.
func WithArtifacts(a types.Artifacts) TransitionOption {
	return func(r *types.Run) { r.Artifacts = a }
}

// WithFailureReason attaches the failure reason on the transition to
// failed.
func WithFailureReason(reason string) TransitionOption {
	return func(r *types.Run) { r.FailureReason = reason }
}

// Transition performs a compare-and-swap status update.
//
// The update is applied only if the run's current status equals
// expect; otherwise ErrInvalidTransition is returned and the run is
// untouched. This is what protects completions racing cancellations:
// whichever transition lands first wins, the loser observes the error
// and discards its result.
//
// Side effects applied under the same lock:
//   - queued -> running sets StartedAt
//   - any -> terminal sets FinishedAt and clears the tenant index
func (s *Store) Transition(runID types.RunID, expect, next types.RunStatus, opts ...TransitionOption) error {
	if !validTransition(expect, next) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, expect, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, runID)
	}
	if run.Status != expect {
		return fmt.Errorf("%w: run %s is %s, expected %s", types.ErrInvalidTransition, runID, run.Status, expect)
	}

	now := time.Now()
	run.Status = next
	run.Progress.CurrentPhase = string(next)

	if next == types.StatusRunning {
		run.StartedAt = &now
	}
	if next.Terminal() {
		run.FinishedAt = &now
		if s.active[run.TenantKey] == runID {
			delete(s.active, run.TenantKey)
		}
	}

	for _, opt := range opts {
		opt(run)
	}

	return nil
}

// validTransition encodes the state machine edges.
func validTransition(from, to types.RunStatus) bool {
	switch from {
	case types.StatusQueued:
		return to == types.StatusRunning || to == types.StatusFailed || to == types.StatusCancelled
	case types.StatusRunning:
		return to == types.StatusCompleted || to == types.StatusFailed || to == types.StatusCancelled
	}
	return false
}

// UpdateProgress records trainer-reported progress. Progress on a run
// that is no longer running is dropped silently — a late report after
// cancellation is expected, not an error.
func (s *Store) UpdateProgress(runID types.RunID, p types.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status != types.StatusRunning {
		return
	}

	phase := run.Progress.CurrentPhase
	run.Progress = p
	if p.CurrentPhase == "" {
		run.Progress.CurrentPhase = phase
	}
}

// ActiveForTenant returns the tenant's queued or running run, if any.
// Advisory: admission re-checks under Create's lock.
func (s *Store) ActiveForTenant(tenantKey string) (types.RunID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[tenantKey]
	return id, ok
}

// Stats returns per-status counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.runs)}
	for _, run := range s.runs {
		switch run.Status {
		case types.StatusQueued:
			stats.Queued++
		case types.StatusRunning:
			stats.Running++
		case types.StatusCompleted:
			stats.Completed++
		case types.StatusFailed:
			stats.Failed++
		case types.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// ListForOwner returns up to limit runs owned by ownerID, newest
// first. An empty ownerID matches every run.
func (s *Store) ListForOwner(ownerID string, limit int) []*types.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*types.Run
	for _, run := range s.runs {
		if ownerID == "" || run.OwnerID == ownerID {
			out := *run
			runs = append(runs, &out)
		}
	}

	// Insertion sort by submission time, newest first; owner run
	// counts are small.
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].SubmittedAt.After(runs[j-1].SubmittedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

// Sweep removes terminal runs older than maxAge and returns how many
// were evicted. Active runs are never evicted.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, run := range s.runs {
		if run.Status.Terminal() && run.SubmittedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}
