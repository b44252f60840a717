package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/orbitrack/orbitrack/internal/track"
)

// GeoSync upserts each object's current point into the persistent spatial
// index. The cache-serving path is decoupled from it on purpose: a failed
// batch is logged and the cycle still publishes its snapshot.
type GeoSync struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewGeoSync creates the spatial sync writer. A circuit breaker keeps a
// down spatial index from adding a full batch timeout to every cycle.
func NewGeoSync(db *sqlx.DB, timeout time.Duration) *GeoSync {
	settings := gobreaker.Settings{
		Name:    "geosync",
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("spatial sync breaker state change")
		},
	}
	return &GeoSync{db: db, timeout: timeout, breaker: gobreaker.NewCircuitBreaker(settings)}
}

const upsertPointStmt = `
	UPDATE satellites
	SET geopoint = ST_SetSRID(ST_MakePoint($1, $2), 4326)
	WHERE id = $3`

// UpsertBatch writes the current point of every successful result in one
// transaction. Records are updated in place and never deleted here.
func (g *GeoSync) UpsertBatch(ctx context.Context, results []track.ObjectPosition) error {
	if len(results) == 0 {
		return nil
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.upsert(ctx, results)
	})
	if err != nil {
		return fmt.Errorf("spatial sync failed for %d objects: %w", len(results), err)
	}
	return nil
}

func (g *GeoSync) upsert(ctx context.Context, results []track.ObjectPosition) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertPointStmt)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, r.Current.Lon, r.Current.Lat, r.Object.ID); err != nil {
			return fmt.Errorf("failed to upsert point for object %d: %w", r.Object.ID, err)
		}
	}

	return tx.Commit()
}
