package solver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/orbitrack/orbitrack/internal/track"
)

// SGP4 library choice: github.com/joshuaferrara/go-satellite. Pure Go, no
// CGO, explicit ECI output plus geodetic conversion helpers.
//
// The library calls log.Fatal on malformed TLE input, so element lines are
// validated here before they ever reach the parser. Propagation failures do
// not surface as errors from Propagate either; they are detected by checking
// the output for NaN/Inf and implausible magnitudes.

// ErrorKind classifies per-object solver failures.
type ErrorKind string

const (
	// KindParse means the element set could not be parsed as a TLE.
	KindParse ErrorKind = "parse"
	// KindDivergence means propagation produced a non-physical result.
	KindDivergence ErrorKind = "divergence"
)

// Error is a solver failure scoped to a single object. It never aborts a
// cycle; the executor records it and moves on.
type Error struct {
	ObjectID int64
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("solver %s for object %d: %v", e.Kind, e.ObjectID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Position magnitudes outside this band (km from geocenter) are treated as
// divergence. Lower bound is just below LEO, upper bound is beyond GEO
// graveyard orbits.
const (
	minPositionKm = 6200.0
	maxPositionKm = 50000.0
)

// Solver computes instantaneous positions and bounded future trajectories
// from orbital element sets. It holds no mutable state and is safe for
// concurrent use from the executor's workers.
type Solver struct{}

// New returns a ready Solver.
func New() *Solver { return &Solver{} }

// Solve computes the object's position at the given reference time.
// Identical (elements, at) inputs always yield identical output: the
// computation depends only on the passed time, truncated to whole UTC
// seconds, never on the wall clock.
func (s *Solver) Solve(set track.ElementSet, at time.Time) (track.PositionSample, error) {
	sat, err := parse(set)
	if err != nil {
		return track.PositionSample{}, err
	}
	return propagate(sat, set.ObjectID, at)
}

// Predict computes the object's geodetic subpoint over the future arc
// [at, at+horizon] at the given interval. Points are chronological, starting
// at the reference time itself, so consumers may binary-search by time.
func (s *Solver) Predict(set track.ElementSet, at time.Time, horizon, interval time.Duration) ([]track.TrajectoryPoint, error) {
	if interval <= 0 {
		return nil, &Error{ObjectID: set.ObjectID, Kind: KindDivergence, Err: fmt.Errorf("non-positive sample interval %v", interval)}
	}
	sat, err := parse(set)
	if err != nil {
		return nil, err
	}

	n := int(horizon/interval) + 1
	points := make([]track.TrajectoryPoint, 0, n)
	for i := 0; i < n; i++ {
		t := at.Add(time.Duration(i) * interval)
		sample, err := propagate(sat, set.ObjectID, t)
		if err != nil {
			return nil, err
		}
		points = append(points, track.TrajectoryPoint{
			At:    sample.At,
			Lat:   sample.Lat,
			Lon:   sample.Lon,
			AltKm: sample.AltKm,
		})
	}
	return points, nil
}

// parse validates the element lines and initializes the SGP4 model.
func parse(set track.ElementSet) (satellite.Satellite, error) {
	line1 := strings.TrimRight(set.Line1, "\r\n")
	line2 := strings.TrimRight(set.Line2, "\r\n")
	if err := validateLines(line1, line2); err != nil {
		return satellite.Satellite{}, &Error{ObjectID: set.ObjectID, Kind: KindParse, Err: err}
	}
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return satellite.Satellite{}, &Error{
			ObjectID: set.ObjectID,
			Kind:     KindParse,
			Err:      fmt.Errorf("sgp4 init failed: code=%d %s", sat.Error, sat.ErrorStr),
		}
	}
	return sat, nil
}

// propagate runs SGP4 for one instant and converts ECI to a geodetic
// subpoint.
func propagate(sat satellite.Satellite, objectID int64, at time.Time) (track.PositionSample, error) {
	at = at.UTC().Truncate(time.Second)
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	pos, _ := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	if err := checkFinite(pos); err != nil {
		return track.PositionSample{}, &Error{ObjectID: objectID, Kind: KindDivergence, Err: err}
	}

	gmst := satellite.GSTimeFromDate(year, int(month), day, hour, min, sec)
	altKm, _, llRad := satellite.ECIToLLA(pos, gmst)
	llDeg := satellite.LatLongDeg(llRad)

	return track.PositionSample{
		At:    at,
		Lat:   llDeg.Latitude,
		Lon:   llDeg.Longitude,
		AltKm: altKm,
		ECI:   track.Vector3{X: pos.X, Y: pos.Y, Z: pos.Z},
	}, nil
}

// checkFinite rejects NaN/Inf output and implausible orbital radii.
func checkFinite(pos satellite.Vector3) error {
	for _, v := range []float64{pos.X, pos.Y, pos.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("propagation produced NaN/Inf position")
		}
	}
	mag := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z)
	if mag < minPositionKm || mag > maxPositionKm {
		return fmt.Errorf("implausible position magnitude %.1f km", mag)
	}
	return nil
}

// validateLines performs format checks on TLE lines before handing them to
// go-satellite, which kills the process on parse errors. Every numeric
// column the library reads is reconstructed exactly as the library
// assembles it and parsed here first, so garbage in any field comes back
// as an error instead of a process exit.
func validateLines(line1, line2 string) error {
	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' {
		return fmt.Errorf("line1 must start with '1', got %q", line1[0])
	}
	if line2[0] != '2' {
		return fmt.Errorf("line2 must start with '2', got %q", line2[0])
	}

	fields := []struct {
		name    string
		value   string
		integer bool
	}{
		{"catalog number", strings.TrimSpace(line1[2:7]), true},
		{"epoch year", line1[18:20], true},
		{"epoch day", line1[20:32], false},
		{"mean motion derivative", trimField(line1[33:43]), false},
		{"mean motion second derivative", trimField(line1[44:45] + "." + line1[45:50] + "e" + line1[50:52]), false},
		{"drag term", trimField(line1[53:54] + "." + line1[54:59] + "e" + line1[59:61]), false},
		{"inclination", trimField(line2[8:16]), false},
		{"right ascension", trimField(line2[17:25]), false},
		{"eccentricity", "." + line2[26:33], false},
		{"argument of perigee", trimField(line2[34:42]), false},
		{"mean anomaly", trimField(line2[43:51]), false},
		{"mean motion", trimField(line2[52:63]), false},
	}
	for _, f := range fields {
		if f.integer {
			if _, err := strconv.ParseInt(f.value, 10, 64); err != nil {
				return fmt.Errorf("%s field %q is not numeric", f.name, f.value)
			}
			continue
		}
		if _, err := strconv.ParseFloat(f.value, 64); err != nil {
			return fmt.Errorf("%s field %q is not numeric", f.name, f.value)
		}
	}
	return nil
}

// trimField strips the leading pad spaces the same way the parser does.
func trimField(s string) string {
	return strings.Replace(s, " ", "", 2)
}
