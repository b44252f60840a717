package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitrack/orbitrack/internal/track"
)

// Solver is the per-object computation consumed by the executor. The SGP4
// implementation lives in internal/solver; tests substitute their own.
type Solver interface {
	Solve(set track.ElementSet, at time.Time) (track.PositionSample, error)
	Predict(set track.ElementSet, at time.Time, horizon, interval time.Duration) ([]track.TrajectoryPoint, error)
}

// Failure records one object that produced no result this cycle.
type Failure struct {
	ObjectID int64
	Err      error
}

// Executor fans per-object solver calls out over a bounded worker pool. One
// object's failure never delays or cancels another object's computation.
type Executor struct {
	solver   Solver
	workers  int
	horizon  time.Duration
	interval time.Duration
	log      zerolog.Logger
}

// NewExecutor creates an executor. The pool size is independent of the
// candidate count; size it to available compute.
func NewExecutor(solver Solver, workers int, horizon, interval time.Duration, log zerolog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{solver: solver, workers: workers, horizon: horizon, interval: interval, log: log}
}

type outcome struct {
	result  *track.ObjectPosition
	failure *Failure
}

// Run computes a current position and future trajectory for every candidate
// at the given reference time. It returns the successful results and the
// per-object failures; every candidate lands in exactly one of the two, so
// len(results) + len(failures) == len(candidates) always holds. Result order
// is unspecified; stable ordering is the snapshot builder's job.
func (e *Executor) Run(ctx context.Context, at time.Time, candidates []track.Candidate) ([]track.ObjectPosition, []Failure) {
	if len(candidates) == 0 {
		return nil, nil
	}

	workers := e.workers
	if workers > len(candidates) {
		workers = len(candidates)
	}

	jobs := make(chan track.Candidate)
	outcomes := make(chan outcome, len(candidates))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				outcomes <- e.compute(ctx, at, c)
			}
		}()
	}

	for _, c := range candidates {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	var (
		results  []track.ObjectPosition
		failures []Failure
	)
	for o := range outcomes {
		if o.result != nil {
			results = append(results, *o.result)
		} else {
			failures = append(failures, *o.failure)
		}
	}
	return results, failures
}

// compute runs solve + predict for one object, mapping any error (including
// cancellation) to a Failure so the fan-in arithmetic stays exact.
func (e *Executor) compute(ctx context.Context, at time.Time, c track.Candidate) outcome {
	if err := ctx.Err(); err != nil {
		return outcome{failure: &Failure{ObjectID: c.Object.ID, Err: err}}
	}

	current, err := e.solver.Solve(c.Elements, at)
	if err != nil {
		return outcome{failure: &Failure{ObjectID: c.Object.ID, Err: err}}
	}

	trajectory, err := e.solver.Predict(c.Elements, at, e.horizon, e.interval)
	if err != nil {
		return outcome{failure: &Failure{ObjectID: c.Object.ID, Err: err}}
	}

	return outcome{result: &track.ObjectPosition{
		Object:     c.Object,
		Current:    current,
		Trajectory: trajectory,
	}}
}
