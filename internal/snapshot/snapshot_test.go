package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitrack/orbitrack/internal/cache"
	"github.com/orbitrack/orbitrack/internal/track"
)

func result(id int64, name string) track.ObjectPosition {
	return track.ObjectPosition{
		Object: track.TrackedObject{ID: id, CatalogID: int(25000 + id), Name: name},
		Current: track.PositionSample{
			At:    time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			Lat:   10.5,
			Lon:   -42.25,
			AltKm: 421.7,
			ECI:   track.Vector3{X: 1000, Y: -2000, Z: 6500},
		},
		Trajectory: []track.TrajectoryPoint{
			{At: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), Lat: 10.5, Lon: -42.25, AltKm: 421.7},
			{At: time.Date(2026, 8, 30, 12, 0, 30, 0, time.UTC), Lat: 11.9, Lon: -40.81, AltKm: 421.9},
		},
	}
}

func TestBuildSortsAndConverts(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	p := Build(at, []track.ObjectPosition{result(9, "B"), result(3, "A")})

	require.Len(t, p.Objects, 2)
	assert.Equal(t, int64(3), p.Objects[0].ID)
	assert.Equal(t, int64(9), p.Objects[1].ID)
	assert.Equal(t, at, p.GeneratedAt)
	assert.Equal(t, [3]float64{1000, -2000, 6500}, p.Objects[0].ECI)
	assert.Len(t, p.Objects[0].Trajectory, 2)
}

func TestWireFormat(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	data, err := Encode(Build(at, []track.ObjectPosition{result(3, "ISS (ZARYA)")}))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "2026-08-30T12:00:00Z", raw["generatedAt"])
	objs := raw["objects"].([]any)
	require.Len(t, objs, 1)
	obj := objs[0].(map[string]any)
	for _, key := range []string{"id", "catalogId", "name", "lat", "lon", "altKm", "eci", "trajectory"} {
		assert.Contains(t, obj, key)
	}
	assert.Len(t, obj["eci"].([]any), 3)
	point := obj["trajectory"].([]any)[0].(map[string]any)
	for _, key := range []string{"t", "lat", "lon", "altKm"} {
		assert.Contains(t, point, key)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	c := cache.NewMemory()
	pub := NewPublisher(c, "positions:latest", time.Minute, zerolog.Nop())
	ctx := context.Background()

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	_, err := pub.Publish(ctx, at, []track.ObjectPosition{result(1, "ISS")})
	require.NoError(t, err)

	data, ok := pub.Fetch(ctx)
	require.True(t, ok)
	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, at, p.GeneratedAt)
	require.Len(t, p.Objects, 1)
	assert.Equal(t, "ISS", p.Objects[0].Name)
}

func TestPublishReplacesWholePayload(t *testing.T) {
	c := cache.NewMemory()
	pub := NewPublisher(c, "positions:latest", time.Minute, zerolog.Nop())
	ctx := context.Background()

	first := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	_, err := pub.Publish(ctx, first, []track.ObjectPosition{result(1, "A"), result(2, "B")})
	require.NoError(t, err)

	// Object 1 fails the next cycle: it must be absent, not carried over.
	second := first.Add(time.Minute)
	_, err = pub.Publish(ctx, second, []track.ObjectPosition{result(2, "B")})
	require.NoError(t, err)

	data, ok := pub.Fetch(ctx)
	require.True(t, ok)
	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, second, p.GeneratedAt)
	require.Len(t, p.Objects, 1)
	assert.Equal(t, int64(2), p.Objects[0].ID)
}

func TestSnapshotExpiresAfterTTL(t *testing.T) {
	c := cache.NewMemory()
	pub := NewPublisher(c, "positions:latest", 20*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	_, err := pub.Publish(ctx, time.Now(), []track.ObjectPosition{result(1, "A")})
	require.NoError(t, err)
	_, ok := pub.Fetch(ctx)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = pub.Fetch(ctx)
	assert.False(t, ok, "expired snapshot must read as a miss")
}

func TestBuildEmptyCycle(t *testing.T) {
	p := Build(time.Now(), nil)
	assert.NotNil(t, p.Objects)
	assert.Empty(t, p.Objects)

	data, err := Encode(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"objects":[]`)
}
