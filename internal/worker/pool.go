// ============================================================================
// Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: pool.go
// Purpose: Bounded concurrent execution of training runs.
//
// Core responsibilities:
// 1. Accept admitted job specs into a bounded pending queue
// 2. Execute at most N runs concurrently against the trainer
// 3. Drive run state exclusively through store transitions so
//    completion and cancellation never race
// 4. Support best-effort abort of an executing run via its context
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/novalto/dpo-orchestrator/internal/metrics"
	"github.com/novalto/dpo-orchestrator/internal/runstore"
	"github.com/novalto/dpo-orchestrator/pkg/types"
)

// ErrPoolStopped is returned by Submit after Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool executes admitted runs with bounded concurrency. Pending runs
// wait in a buffered channel; queue order is FIFO per the admission
// order. All state changes go through the store's compare-and-swap
// transitions, so a run cancelled while queued is simply skipped when
// a worker picks it up.
type Pool struct {
	store     *runstore.Store
	trainer   Trainer
	collector *metrics.Collector
	logger    *logrus.Entry

	workers    int
	jobTimeout time.Duration

	jobCh  chan types.JobSpec
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancels map[types.RunID]context.CancelFunc
	started bool
	stopped bool
}

// New creates a pool with the given concurrency and pending-queue
// capacity. The pool does not execute anything until Start is called.
func New(store *runstore.Store, trainer Trainer, collector *metrics.Collector, logger *logrus.Logger, workers, queueSize int, jobTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		store:      store,
		trainer:    trainer,
		collector:  collector,
		logger:     logger.WithField("component", "worker_pool"),
		workers:    workers,
		jobTimeout: jobTimeout,
		jobCh:      make(chan types.JobSpec, queueSize),
		stopCh:     make(chan struct{}),
		cancels:    make(map[types.RunID]context.CancelFunc),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.logger.WithField("workers", p.workers).Info("Worker pool started")
}

// Submit enqueues an admitted run for execution. It blocks if the
// pending queue is full, so admission throughput is bounded by
// execution throughput rather than dropping runs.
func (p *Pool) Submit(spec types.JobSpec) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.mu.Unlock()

	select {
	case p.jobCh <- spec:
		return nil
	case <-p.stopCh:
		return ErrPoolStopped
	}
}

// Abort cancels the execution context of a running slot, if the run
// currently occupies one. Returns true when an executing slot was
// signalled; false means the run was not executing (queued, finished,
// or unknown) and needs no slot-level action.
func (p *Pool) Abort(runID types.RunID) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[runID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// QueueDepth reports the number of runs waiting for a worker slot.
func (p *Pool) QueueDepth() int {
	return len(p.jobCh)
}

// ActiveCount reports the number of runs currently executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Stop shuts the pool down: no new submissions are accepted,
// executing runs are cancelled, and Stop returns once every worker
// has exited. Runs still waiting in the queue stay queued; process
// restart policy decides what happens to them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// ============================================================================
// Worker Loop
// ============================================================================

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker_id", id)

	for {
		select {
		case <-p.stopCh:
			return
		case spec := <-p.jobCh:
			p.execute(log, spec)
		}
	}
}

func (p *Pool) execute(log *logrus.Entry, spec types.JobSpec) {
	err := p.store.Transition(spec.RunID, types.StatusQueued, types.StatusRunning)
	if err != nil {
		// Cancelled (or otherwise moved) while waiting in the queue.
		log.WithFields(logrus.Fields{"run_id": spec.RunID, "error": err}).Debug("Skipping run no longer queued")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	p.mu.Lock()
	p.cancels[spec.RunID] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.cancels, spec.RunID)
		p.mu.Unlock()
		cancel()
	}()

	log.WithFields(logrus.Fields{
		"run_id":     spec.RunID,
		"base_model": spec.BaseModel,
		"algo":       spec.Algo,
	}).Info("Run started")

	start := time.Now()
	result, err := p.trainer.Train(ctx, spec, func(pr types.Progress) {
		p.store.UpdateProgress(spec.RunID, pr)
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		terr := p.store.Transition(spec.RunID, types.StatusRunning, types.StatusCompleted,
			runstore.WithMetrics(result.Metrics), runstore.WithArtifacts(result.Artifacts))
		if terr != nil {
			// Cancelled while finishing; the result is discarded.
			log.WithField("run_id", spec.RunID).Debug("Discarding result for run no longer running")
			return
		}
		p.collector.RecordCompleted(elapsed.Seconds())
		log.WithFields(logrus.Fields{"run_id": spec.RunID, "duration": elapsed}).Info("Run completed")

	case errors.Is(err, context.DeadlineExceeded):
		reason := fmt.Sprintf("training timed out after %s", p.jobTimeout)
		if terr := p.store.Transition(spec.RunID, types.StatusRunning, types.StatusFailed,
			runstore.WithFailureReason(reason)); terr == nil {
			p.collector.RecordFailed(elapsed.Seconds())
			log.WithFields(logrus.Fields{"run_id": spec.RunID, "timeout": p.jobTimeout}).Warn("Run timed out")
		}

	case errors.Is(err, context.Canceled):
		// The canceller usually performs the store transition itself;
		// this covers trainers that return before the cancel path does.
		if terr := p.store.Transition(spec.RunID, types.StatusRunning, types.StatusCancelled); terr == nil {
			log.WithField("run_id", spec.RunID).Info("Run cancelled during execution")
		}

	default:
		if terr := p.store.Transition(spec.RunID, types.StatusRunning, types.StatusFailed,
			runstore.WithFailureReason(err.Error())); terr == nil {
			p.collector.RecordFailed(elapsed.Seconds())
			log.WithFields(logrus.Fields{"run_id": spec.RunID, "error": err}).Error("Run failed")
		}
	}
}
