package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/orbitrack/orbitrack/internal/config"
	"github.com/orbitrack/orbitrack/internal/track"
)

// ErrUnavailable marks a store-connectivity failure. The loop aborts the
// whole cycle on it: no partial candidate list is ever processed.
var ErrUnavailable = errors.New("element store unavailable")

// Open connects to the PostGIS database with the configured pool limits,
// retrying the initial ping with exponential backoff so the worker survives
// a database that comes up slightly later than the process.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
		defer cancel()
		return db.PingContext(ctx)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.RetryNotify(ping, policy, func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("database ping failed")
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// ElementStore reads tracked objects and their orbital element sets.
type ElementStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewElementStore creates a read-only element repository.
func NewElementStore(db *sqlx.DB, timeout time.Duration) *ElementStore {
	return &ElementStore{db: db, timeout: timeout}
}

// One row per object, newest epoch wins. Objects with no element set drop
// out of the join and are silently excluded from the cycle.
const latestElementsQuery = `
	SELECT s.id, s.name, s.norad_cat_id, t.line1, t.line2, t.epoch
	FROM satellites s
	JOIN (
		SELECT satellite_id, line1, line2, epoch,
		       ROW_NUMBER() OVER (PARTITION BY satellite_id ORDER BY epoch DESC) AS rn
		FROM tles
	) t ON s.id = t.satellite_id
	WHERE t.rn = 1`

// Latest returns every object paired with its latest element set.
func (s *ElementStore) Latest(ctx context.Context) ([]track.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, latestElementsQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var candidates []track.Candidate
	for rows.Next() {
		var (
			c     track.Candidate
			epoch time.Time
		)
		if err := rows.Scan(&c.Object.ID, &c.Object.Name, &c.Object.CatalogID,
			&c.Elements.Line1, &c.Elements.Line2, &epoch); err != nil {
			return nil, fmt.Errorf("%w: failed to scan element row: %v", ErrUnavailable, err)
		}
		c.Elements.ObjectID = c.Object.ID
		c.Elements.Epoch = epoch
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return candidates, nil
}
