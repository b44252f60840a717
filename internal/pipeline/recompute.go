package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitrack/orbitrack/internal/snapshot"
)

// Recomputer is the read API's degraded path: when the cache is empty it
// computes a snapshot on demand against the same executor contract the loop
// uses, bounded by the caller's context. The result is served, not written
// back to the cache; publishing stays cycle-owned.
type Recomputer struct {
	source ElementSource
	exec   *Executor
	log    zerolog.Logger
	now    func() time.Time
}

// NewRecomputer wires the degraded-path computation.
func NewRecomputer(source ElementSource, exec *Executor, log zerolog.Logger) *Recomputer {
	return &Recomputer{source: source, exec: exec, log: log, now: time.Now}
}

// Recompute runs one single-shot computation and returns the encoded
// snapshot with a fresh generatedAt. Any store failure, cancellation or
// timeout surfaces as an error for the caller to map to an unavailable
// response.
func (r *Recomputer) Recompute(ctx context.Context) ([]byte, error) {
	candidates, err := r.source.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("degraded recompute: %w", err)
	}

	generatedAt := r.now().UTC()
	results, failures := r.exec.Run(ctx, generatedAt, candidates)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("degraded recompute: %w", err)
	}

	r.log.Info().
		Int("candidates", len(candidates)).
		Int("succeeded", len(results)).
		Int("failed", len(failures)).
		Msg("degraded recompute served")

	return snapshot.Encode(snapshot.Build(generatedAt, results))
}
