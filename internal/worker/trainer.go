// ============================================================================
// Trainer Interface
// ============================================================================
//
// Package: internal/worker
// File: trainer.go
// Purpose: Abstraction over the external training capability.
//
// The orchestration layer treats training as an opaque, slow,
// failure-prone black box: given a resolved job spec it eventually
// produces metrics and artifact references, or an error. The trainer
// must observe context cancellation for best-effort aborts; if it
// cannot, the worker slot discards its eventual result.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/novalto/dpo-orchestrator/pkg/types"
)

// ProgressFunc receives best-effort progress reports from an
// executing trainer.
type ProgressFunc func(types.Progress)

// TrainResult is the outcome of a successful training execution.
type TrainResult struct {
	Metrics   map[string]float64
	Artifacts types.Artifacts
}

// Trainer executes a training run from a resolved job spec.
type Trainer interface {
	// Train runs to completion or until ctx is done. Implementations
	// may call report at any cadence; reports after ctx cancellation
	// are dropped by the store.
	Train(ctx context.Context, spec types.JobSpec, report ProgressFunc) (TrainResult, error)
}

// SimulatedTrainer is a stand-in training capability for local runs
// and tests: it sleeps in steps, reports progress, and fails a
// configurable fraction of executions.
type SimulatedTrainer struct {
	StepDelay   time.Duration // delay per simulated step
	Steps       int           // number of simulated steps
	FailureRate float64       // 0.0 .. 1.0
}

// Train implements Trainer.
func (s *SimulatedTrainer) Train(ctx context.Context, spec types.JobSpec, report ProgressFunc) (TrainResult, error) {
	steps := s.Steps
	if steps <= 0 {
		steps = 10
	}

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return TrainResult{}, ctx.Err()
		case <-time.After(s.StepDelay):
		}

		if report != nil {
			report(types.Progress{
				CurrentStep:        i,
				TotalSteps:         steps,
				CurrentEpoch:       1,
				TotalEpochs:        1,
				ProgressPercentage: float64(i) / float64(steps) * 100,
				CurrentPhase:       "training",
			})
		}
	}

	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		return TrainResult{}, errors.New("simulated training failure")
	}

	return TrainResult{
		Metrics: map[string]float64{"loss": 0.1, "accuracy": 0.9},
		Artifacts: types.Artifacts{
			CheckpointURL: "file:///artifacts/" + string(spec.RunID) + "/checkpoint",
			LogsURL:       "file:///artifacts/" + string(spec.RunID) + "/train.log",
		},
	}, nil
}
