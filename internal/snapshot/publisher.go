package snapshot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitrack/orbitrack/internal/cache"
	"github.com/orbitrack/orbitrack/internal/track"
)

// Publisher writes consolidated snapshots to the cache under one well-known
// key. Each write atomically replaces the whole payload, so readers never
// observe a partial snapshot.
type Publisher struct {
	cache cache.Cache
	key   string
	ttl   time.Duration
	log   zerolog.Logger
}

// NewPublisher creates a publisher. ttl should be the cycle period plus a
// missed-cycle grace margin: if the loop stalls, the stale payload ages out
// instead of being served as fresh forever.
func NewPublisher(c cache.Cache, key string, ttl time.Duration, log zerolog.Logger) *Publisher {
	return &Publisher{cache: c, key: key, ttl: ttl, log: log}
}

// Publish encodes and stores one cycle's snapshot, returning the published
// bytes. On failure the previous cached value is left untouched and keeps
// progressing toward expiry; there is no mid-cycle retry.
func (p *Publisher) Publish(ctx context.Context, generatedAt time.Time, results []track.ObjectPosition) ([]byte, error) {
	payload := Build(generatedAt, results)
	data, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(ctx, p.key, data, p.ttl); err != nil {
		return nil, err
	}
	p.log.Debug().
		Str("key", p.key).
		Int("objects", len(payload.Objects)).
		Dur("ttl", p.ttl).
		Msg("snapshot published")
	return data, nil
}

// Fetch returns the raw cached snapshot bytes, if present and unexpired. The
// read API serves these verbatim.
func (p *Publisher) Fetch(ctx context.Context) ([]byte, bool) {
	return p.cache.Get(ctx, p.key)
}

// Ping reports whether the cache backend is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.cache.Ping(ctx)
}
