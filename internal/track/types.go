package track

import "time"

// TrackedObject is the stable identity of one orbiting object. Objects are
// created by the ingestion side; the pipeline only reads them.
type TrackedObject struct {
	ID        int64
	CatalogID int
	Name      string
}

// ElementSet is one orbital element set (a TLE pair) for an object at a
// reference epoch. Element sets are immutable once written; the pipeline
// always works with the latest epoch per object.
type ElementSet struct {
	ObjectID int64
	Epoch    time.Time
	Line1    string
	Line2    string
}

// Candidate pairs an object with its latest element set for one cycle.
type Candidate struct {
	Object   TrackedObject
	Elements ElementSet
}

// Vector3 is a position in the Earth-centered inertial frame, in kilometers.
type Vector3 struct {
	X float64
	Y float64
	Z float64
}

// PositionSample is the solver output for one object at one instant.
type PositionSample struct {
	At    time.Time
	Lat   float64
	Lon   float64
	AltKm float64
	ECI   Vector3
}

// TrajectoryPoint is one predicted geodetic subpoint along a future arc.
type TrajectoryPoint struct {
	At    time.Time
	Lat   float64
	Lon   float64
	AltKm float64
}

// ObjectPosition is the full per-object result of one cycle: current position
// plus the predicted trajectory. Results are never carried over between
// cycles.
type ObjectPosition struct {
	Object     TrackedObject
	Current    PositionSample
	Trajectory []TrajectoryPoint
}

// Snapshot is the single published result of one full cycle. Exactly one
// logical snapshot is current at a time; each publish replaces the whole
// payload.
type Snapshot struct {
	GeneratedAt time.Time
	Objects     []ObjectPosition
}
