// ============================================================================
// Orchestrator - Admission and Lifecycle Facade
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Single entry point tying admission policy to execution.
//
// The HTTP layer authenticates callers and binds payloads; everything
// after that goes through here:
//   1. rate limiting per caller
//   2. idempotency key resolution
//   3. per-tenant concurrency enforcement (via the store)
//   4. run creation and hand-off to the worker pool
//   5. reads, cancellation, health, and retention sweeping
//
// ============================================================================

package orchestrator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/novalto/dpo-orchestrator/internal/config"
	"github.com/novalto/dpo-orchestrator/internal/idempotency"
	"github.com/novalto/dpo-orchestrator/internal/metrics"
	"github.com/novalto/dpo-orchestrator/internal/ratelimit"
	"github.com/novalto/dpo-orchestrator/internal/runstore"
	"github.com/novalto/dpo-orchestrator/internal/worker"
	"github.com/novalto/dpo-orchestrator/pkg/types"
)

// Version is stamped at build time via -ldflags.
var Version = "1.4.0"

const (
	defaultBaseModel = "zephyr"
	defaultAlgo      = "dpo"
)

// TriggerRequest is the decoded fine-tune trigger payload. The HTTP
// layer binds and validates field shapes; Submit validates the
// cross-field rules.
type TriggerRequest struct {
	TenantKey      string            `json:"kb_id" validate:"required,min=1"`
	ExpName        string            `json:"exp_name"`
	BaseModel      string            `json:"base_model"`
	Algo           string            `json:"algo"`
	Dataset        []types.DPORecord `json:"train_dataset" validate:"omitempty,min=1,dive"`
	DatasetURL     string            `json:"dataset_url" validate:"omitempty,url"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Runs          runstore.Stats `json:"runs"`
	QueueDepth    int            `json:"queue_depth"`
	ActiveSlots   int            `json:"active_slots"`
	Workers       int            `json:"workers"`
}

// Orchestrator wires admission policy to the run store and worker
// pool. All methods are safe for concurrent use.
type Orchestrator struct {
	cfg       config.Config
	store     *runstore.Store
	pool      *worker.Pool
	limiter   *ratelimit.Limiter
	idem      *idempotency.Cache
	collector *metrics.Collector
	logger    *logrus.Entry

	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New assembles an orchestrator from its components.
func New(cfg config.Config, store *runstore.Store, pool *worker.Pool, limiter *ratelimit.Limiter, idem *idempotency.Cache, collector *metrics.Collector, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		limiter:   limiter,
		idem:      idem,
		collector: collector,
		logger:    logger.WithField("component", "orchestrator"),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool and the background janitor.
func (o *Orchestrator) Start() {
	o.pool.Start()
	o.wg.Add(1)
	go o.janitorLoop()
	o.logger.Info("Orchestrator started")
}

// Stop shuts down the janitor and drains the worker pool.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		o.wg.Wait()
		o.pool.Stop()
		o.logger.Info("Orchestrator stopped")
	})
}

// Submit admits a fine-tune trigger and hands it to the worker pool.
//
// The returned run is either newly created (status queued) or, when
// the idempotency key matches an earlier admission still inside the
// TTL, the run created by that earlier request.
func (o *Orchestrator) Submit(claims types.Claims, req TriggerRequest) (*types.Run, error) {
	if err := o.limiter.Allow(claims.UID, time.Now()); err != nil {
		o.collector.RecordRateLimited()
		return nil, err
	}

	if len(req.Dataset) == 0 && req.DatasetURL == "" {
		return nil, fmt.Errorf("%w: either train_dataset or dataset_url is required", types.ErrValidation)
	}
	if len(req.Dataset) > 0 && req.DatasetURL != "" {
		return nil, fmt.Errorf("%w: train_dataset and dataset_url are mutually exclusive", types.ErrValidation)
	}
	if req.DatasetURL != "" && !strings.HasPrefix(req.DatasetURL, "http://") && !strings.HasPrefix(req.DatasetURL, "https://") {
		return nil, fmt.Errorf("%w: dataset_url must use http or https", types.ErrValidation)
	}
	if req.BaseModel == "" {
		req.BaseModel = defaultBaseModel
	}
	if req.Algo == "" {
		req.Algo = defaultAlgo
	}

	// Idempotency resolution comes before any concurrency check: a
	// gateway retry while the original run is still active must replay
	// the original run_id, never trip the one-run-per-tenant rule.
	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = req.TenantKey + ":" + req.IdempotencyKey
		if runID, existing := o.idem.GetOrReserve(idemKey, time.Now()); existing {
			run, err := o.store.Get(runID)
			if err != nil {
				// Run evicted by retention while the key was live.
				o.idem.Release(idemKey)
				return nil, err
			}
			o.logger.WithFields(logrus.Fields{"run_id": run.RunID, "idempotency_key": req.IdempotencyKey}).Info("Replaying idempotent submission")
			return run, nil
		}
	}

	// Advisory pre-check for a fast rejection. Create re-checks under
	// its own lock.
	if existing, ok := o.store.ActiveForTenant(req.TenantKey); ok {
		if idemKey != "" {
			o.idem.Release(idemKey)
		}
		return nil, fmt.Errorf("%w: run %s is active for kb_id %s", types.ErrConcurrentJob, existing, req.TenantKey)
	}

	run, err := o.store.Create(req.TenantKey, claims.UID, types.JobSpec{
		TenantKey: req.TenantKey,
		BaseModel: req.BaseModel,
		Algo:      req.Algo,
		ExpName:   req.ExpName,
	})
	if err != nil {
		if idemKey != "" {
			o.idem.Release(idemKey)
		}
		return nil, err
	}

	if idemKey != "" {
		o.idem.Record(idemKey, run.RunID)
	}

	spec := types.JobSpec{
		RunID:         run.RunID,
		TenantKey:     req.TenantKey,
		BaseModel:     req.BaseModel,
		Algo:          req.Algo,
		ExpName:       req.ExpName,
		DatasetInline: req.Dataset,
		DatasetURL:    req.DatasetURL,
	}
	if err := o.pool.Submit(spec); err != nil {
		// Shutdown race: mark the run failed so it never sits queued
		// forever.
		_ = o.store.Transition(run.RunID, types.StatusQueued, types.StatusFailed,
			runstore.WithFailureReason("service shutting down"))
		if idemKey != "" {
			o.idem.Release(idemKey)
		}
		return nil, err
	}

	o.collector.RecordAdmitted()
	o.logger.WithFields(logrus.Fields{
		"run_id":     run.RunID,
		"kb_id":      req.TenantKey,
		"base_model": req.BaseModel,
		"algo":       req.Algo,
		"uid":        claims.UID,
	}).Info("Run admitted")
	return run, nil
}

// Get returns the run if the caller may see it.
func (o *Orchestrator) Get(claims types.Claims, runID types.RunID) (*types.Run, error) {
	run, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if !claims.CanAccess(run) {
		return nil, types.ErrForbidden
	}
	return run, nil
}

// Cancel requests cancellation of a run. Cancelling a run that is
// already terminal is a no-op and returns its current state, so the
// operation is idempotent.
func (o *Orchestrator) Cancel(claims types.Claims, runID types.RunID) (*types.Run, error) {
	run, err := o.Get(claims, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	// Fast path: still queued. A worker that dequeues it later sees
	// the cancelled state and skips it.
	if err := o.store.Transition(runID, types.StatusQueued, types.StatusCancelled); err == nil {
		o.collector.RecordCancelled()
		o.logger.WithField("run_id", runID).Info("Cancelled queued run")
		return o.store.Get(runID)
	}

	// Running: cancel the execution context, then race the worker for
	// the terminal transition. Losing the race means the run finished
	// first, which is fine.
	o.pool.Abort(runID)
	if err := o.store.Transition(runID, types.StatusRunning, types.StatusCancelled); err == nil {
		o.collector.RecordCancelled()
		o.logger.WithField("run_id", runID).Info("Cancelled running run")
	}

	return o.store.Get(runID)
}

// ListForOwner returns the caller's recent runs, newest first. Admins
// see all runs.
func (o *Orchestrator) ListForOwner(claims types.Claims, limit int) []*types.Run {
	owner := claims.UID
	if claims.Admin {
		owner = ""
	}
	return o.store.ListForOwner(owner, limit)
}

// Health reports service liveness and run statistics.
func (o *Orchestrator) Health() HealthStatus {
	return HealthStatus{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: time.Since(o.startedAt).Seconds(),
		Runs:          o.store.Stats(),
		QueueDepth:    o.pool.QueueDepth(),
		ActiveSlots:   o.pool.ActiveCount(),
		Workers:       o.cfg.Limits.MaxConcurrentJobs,
	}
}

// janitorLoop periodically applies the retention policy and refreshes
// the queue gauges.
func (o *Orchestrator) janitorLoop() {
	defer o.wg.Done()

	interval := o.cfg.Retention.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			evicted := o.store.Sweep(time.Now(), o.cfg.Retention.MaxAge)
			if evicted > 0 {
				o.logger.WithField("evicted", evicted).Info("Retention sweep evicted terminal runs")
			}
			stats := o.store.Stats()
			o.collector.UpdateQueueStats(stats.Queued, stats.Running)
		}
	}
}
