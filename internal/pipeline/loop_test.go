package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitrack/orbitrack/internal/snapshot"
	"github.com/orbitrack/orbitrack/internal/telemetry"
	"github.com/orbitrack/orbitrack/internal/track"
)

type stubSource struct {
	mu         sync.Mutex
	candidates []track.Candidate
	err        error
	calls      int
}

func (s *stubSource) Latest(ctx context.Context) ([]track.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.candidates, s.err
}

type stubGeo struct {
	mu      sync.Mutex
	batches [][]track.ObjectPosition
	err     error
}

func (g *stubGeo) UpsertBatch(ctx context.Context, results []track.ObjectPosition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = append(g.batches, results)
	return g.err
}

type stubSink struct {
	mu       sync.Mutex
	payloads []snapshot.Payload
	err      error
}

func (s *stubSink) Publish(ctx context.Context, generatedAt time.Time, results []track.ObjectPosition) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	payload := snapshot.Build(generatedAt, results)
	s.payloads = append(s.payloads, payload)
	return snapshot.Encode(payload)
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func newTestLoop(source ElementSource, geo GeoWriter, sink SnapshotSink, period time.Duration) *Loop {
	exec := NewExecutor(&stubSolver{fail: map[int64]bool{2: true}}, 2, time.Minute, time.Second, zerolog.Nop())
	return NewLoop(source, exec, geo, sink, period, telemetry.New(), zerolog.Nop())
}

func TestCyclePublishesOnlySuccesses(t *testing.T) {
	source := &stubSource{candidates: candidates(3)}
	geo := &stubGeo{}
	sink := &stubSink{}
	loop := newTestLoop(source, geo, sink, time.Minute)

	loop.RunCycle(context.Background())

	require.Len(t, sink.payloads, 1)
	payload := sink.payloads[0]
	require.Len(t, payload.Objects, 2, "failed object must be absent, not stale")
	assert.Equal(t, int64(1), payload.Objects[0].ID)
	assert.Equal(t, int64(3), payload.Objects[1].ID)

	require.Len(t, geo.batches, 1)
	assert.Len(t, geo.batches[0], 2)
}

func TestStoreFailureAbortsCycle(t *testing.T) {
	source := &stubSource{err: errors.New("connection refused")}
	geo := &stubGeo{}
	sink := &stubSink{}
	loop := newTestLoop(source, geo, sink, time.Minute)

	loop.RunCycle(context.Background())

	assert.Empty(t, sink.payloads, "cache must be untouched when the store is unavailable")
	assert.Empty(t, geo.batches, "no partial candidate list may be processed")
}

func TestGeoSyncFailureDoesNotBlockPublish(t *testing.T) {
	source := &stubSource{candidates: candidates(1)}
	geo := &stubGeo{err: errors.New("spatial index down")}
	sink := &stubSink{}
	loop := newTestLoop(source, geo, sink, time.Minute)

	loop.RunCycle(context.Background())

	require.Len(t, sink.payloads, 1, "snapshot must publish despite spatial sync failure")
}

func TestPublishFailureIsContained(t *testing.T) {
	source := &stubSource{candidates: candidates(1)}
	sink := &stubSink{err: errors.New("cache write failed")}
	loop := newTestLoop(source, &stubGeo{}, sink, time.Minute)

	// Must not panic or retry; next cycle proceeds normally.
	loop.RunCycle(context.Background())
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	loop.RunCycle(context.Background())

	assert.Equal(t, 1, sink.count())
}

func TestCancelledCycleDoesNotPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &stubSource{candidates: candidates(2)}
	sink := &stubSink{}
	loop := newTestLoop(source, &stubGeo{}, sink, time.Minute)

	loop.RunCycle(ctx)

	assert.Empty(t, sink.payloads, "a cancelled cycle must leave the previous snapshot visible")
}

func TestRunSchedulesRepeatedCycles(t *testing.T) {
	source := &stubSource{candidates: candidates(1)}
	sink := &stubSink{}
	loop := newTestLoop(source, &stubGeo{}, sink, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := loop.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// ~5 periods elapsed; at least 2 full cycles must have run, serially.
	assert.GreaterOrEqual(t, sink.count(), 2)
}

func TestRunStoreFailureRetriesNextPeriod(t *testing.T) {
	source := &stubSource{err: errors.New("down")}
	sink := &stubSink{}
	loop := newTestLoop(source, &stubGeo{}, sink, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2, "loop must keep retrying on the schedule after an aborted cycle")
	assert.Empty(t, sink.payloads)
}

func TestOverrunningCycleStartsNextImmediately(t *testing.T) {
	source := &stubSource{candidates: candidates(1)}
	sink := &stubSink{}
	metrics := telemetry.New()
	slow := &stubSolver{delay: 25 * time.Millisecond}
	exec := NewExecutor(slow, 1, time.Minute, time.Second, zerolog.Nop())
	loop := NewLoop(source, exec, &stubGeo{}, sink, 5*time.Millisecond, metrics, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	// Every 25ms cycle overruns the 5ms period, so cycles run back to
	// back with no post-cycle wait.
	assert.GreaterOrEqual(t, sink.count(), 2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.CycleOverruns), 2.0)
	assert.Equal(t, int64(1), slow.maxInFlight.Load(), "overrunning cycles must never run concurrently")
}

func TestOnPublishHookReceivesPayload(t *testing.T) {
	source := &stubSource{candidates: candidates(1)}
	sink := &stubSink{}
	loop := newTestLoop(source, &stubGeo{}, sink, time.Minute)

	var got []byte
	loop.OnPublish(func(data []byte) { got = data })
	loop.RunCycle(context.Background())

	require.NotNil(t, got)
	payload, err := snapshot.Decode(got)
	require.NoError(t, err)
	assert.Len(t, payload.Objects, 1)
}

func TestRecomputeProducesFreshSnapshot(t *testing.T) {
	source := &stubSource{candidates: candidates(3)}
	exec := NewExecutor(&stubSolver{fail: map[int64]bool{2: true}}, 2, time.Minute, time.Second, zerolog.Nop())
	rec := NewRecomputer(source, exec, zerolog.Nop())

	before := time.Now().UTC()
	data, err := rec.Recompute(context.Background())
	require.NoError(t, err)

	payload, err := snapshot.Decode(data)
	require.NoError(t, err)
	assert.Len(t, payload.Objects, 2)
	assert.False(t, payload.GeneratedAt.Before(before.Truncate(time.Second)), "generatedAt must be fresh")
}

func TestRecomputeSurfacesStoreFailure(t *testing.T) {
	source := &stubSource{err: errors.New("down")}
	exec := NewExecutor(&stubSolver{}, 2, time.Minute, time.Second, zerolog.Nop())
	rec := NewRecomputer(source, exec, zerolog.Nop())

	_, err := rec.Recompute(context.Background())
	require.Error(t, err)
}
