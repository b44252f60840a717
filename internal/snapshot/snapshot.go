package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/orbitrack/orbitrack/internal/track"
)

// Payload is the cache wire format. GeneratedAt rides along so clients can
// judge staleness themselves.
type Payload struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Objects     []Object  `json:"objects"`
}

// Object is one tracked object's current position and predicted trajectory.
type Object struct {
	ID         int64      `json:"id"`
	CatalogID  int        `json:"catalogId"`
	Name       string     `json:"name"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	AltKm      float64    `json:"altKm"`
	ECI        [3]float64 `json:"eci"`
	Trajectory []Point    `json:"trajectory"`
}

// Point is one trajectory sample. Points are chronological.
type Point struct {
	T     time.Time `json:"t"`
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	AltKm float64   `json:"altKm"`
}

// Build assembles one cycle's successful results into a snapshot. Only
// results computed this cycle go in; an object that failed is absent rather
// than carried over stale. Objects are sorted by id for stable output (the
// executor itself guarantees no ordering).
func Build(generatedAt time.Time, results []track.ObjectPosition) Payload {
	objects := make([]Object, 0, len(results))
	for _, r := range results {
		trajectory := make([]Point, 0, len(r.Trajectory))
		for _, p := range r.Trajectory {
			trajectory = append(trajectory, Point{T: p.At, Lat: p.Lat, Lon: p.Lon, AltKm: p.AltKm})
		}
		objects = append(objects, Object{
			ID:         r.Object.ID,
			CatalogID:  r.Object.CatalogID,
			Name:       r.Object.Name,
			Lat:        r.Current.Lat,
			Lon:        r.Current.Lon,
			AltKm:      r.Current.AltKm,
			ECI:        [3]float64{r.Current.ECI.X, r.Current.ECI.Y, r.Current.ECI.Z},
			Trajectory: trajectory,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return Payload{GeneratedAt: generatedAt.UTC(), Objects: objects}
}

// Encode marshals the payload for the cache.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a cached payload.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return p, nil
}
