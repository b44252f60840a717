package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitrack/orbitrack/internal/telemetry"
	"github.com/orbitrack/orbitrack/internal/track"
)

// ElementSource yields the cycle's candidates: every tracked object paired
// with its latest element set.
type ElementSource interface {
	Latest(ctx context.Context) ([]track.Candidate, error)
}

// GeoWriter persists current points into the spatial index.
type GeoWriter interface {
	UpsertBatch(ctx context.Context, results []track.ObjectPosition) error
}

// SnapshotSink publishes one cycle's consolidated snapshot and returns the
// published bytes.
type SnapshotSink interface {
	Publish(ctx context.Context, generatedAt time.Time, results []track.ObjectPosition) ([]byte, error)
}

// Loop drives the pipeline: one cycle per period, forever, cycles never
// overlapping. Fixed-rate scheduling: a cycle that overruns the period is
// followed immediately by the next one, never by a concurrent one.
type Loop struct {
	source  ElementSource
	exec    *Executor
	geo     GeoWriter
	sink    SnapshotSink
	period  time.Duration
	metrics *telemetry.Metrics
	log     zerolog.Logger

	// notify receives each successfully published payload (the live
	// stream hub hangs off this). Optional.
	notify func(data []byte)

	now func() time.Time
}

// NewLoop wires the scheduling loop. All collaborators are constructed once
// at startup and reused across cycles.
func NewLoop(source ElementSource, exec *Executor, geo GeoWriter, sink SnapshotSink,
	period time.Duration, metrics *telemetry.Metrics, log zerolog.Logger) *Loop {
	return &Loop{
		source:  source,
		exec:    exec,
		geo:     geo,
		sink:    sink,
		period:  period,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// OnPublish registers a hook invoked with the payload bytes of every
// successful publish. Must be called before Run.
func (l *Loop) OnPublish(fn func(data []byte)) { l.notify = fn }

// Run executes cycles until the context is cancelled. An in-flight cycle
// either completes normally or stops before publishing; the previous
// snapshot stays the last visible state either way.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info().Dur("period", l.period).Msg("scheduling loop started")

	for {
		start := l.now()
		l.RunCycle(ctx)
		if err := ctx.Err(); err != nil {
			l.log.Info().Msg("scheduling loop stopped")
			return err
		}

		elapsed := l.now().Sub(start)
		if elapsed >= l.period {
			l.log.Warn().
				Dur("elapsed", elapsed).
				Dur("period", l.period).
				Msg("cycle overran period, starting next immediately")
			l.metrics.CycleOverruns.Inc()
			continue
		}

		select {
		case <-ctx.Done():
			l.log.Info().Msg("scheduling loop stopped")
			return ctx.Err()
		case <-time.After(l.period - elapsed):
		}
	}
}

// RunCycle performs one full pass: element retrieval, parallel solve,
// spatial sync, snapshot publish. Per-object failures are contained here;
// only a store-connectivity failure aborts the pass, leaving the cache
// untouched.
func (l *Loop) RunCycle(ctx context.Context) {
	start := l.now()

	candidates, err := l.source.Latest(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("cycle aborted: element store query failed")
		l.metrics.CyclesTotal.WithLabelValues("aborted").Inc()
		return
	}

	generatedAt := start.UTC()
	results, failures := l.exec.Run(ctx, generatedAt, candidates)
	for _, f := range failures {
		l.log.Warn().Int64("object_id", f.ObjectID).Err(f.Err).Msg("object dropped from cycle")
	}

	// Shutdown mid-fan-out: do not write a partial snapshot.
	if ctx.Err() != nil {
		l.log.Info().Msg("cycle cancelled before publish")
		return
	}

	if err := l.geo.UpsertBatch(ctx, results); err != nil {
		// Spatial staleness is recoverable; the snapshot still goes out.
		l.log.Warn().Err(err).Msg("spatial sync failed, publishing snapshot anyway")
		l.metrics.GeoSyncErrors.Inc()
	}

	data, err := l.sink.Publish(ctx, generatedAt, results)
	publishOK := err == nil
	if err != nil {
		l.log.Error().Err(err).Msg("snapshot publish failed, previous snapshot remains until TTL")
		l.metrics.PublishErrors.Inc()
	} else if l.notify != nil {
		l.notify(data)
	}

	duration := l.now().Sub(start)
	l.metrics.ObserveCycle(duration, len(results), len(failures), publishOK)
	l.log.Info().
		Int("candidates", len(candidates)).
		Int("succeeded", len(results)).
		Int("failed", len(failures)).
		Dur("duration", duration).
		Msg("cycle complete")
}
