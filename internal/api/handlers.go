package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/orbitrack/orbitrack/internal/snapshot"
)

// recomputeLimiter throttles the degraded path so a cache outage cannot
// turn every read into a full propagation pass against the store.
type recomputeLimiter interface {
	Allow() bool
}

func newRecomputeLimiter(every time.Duration) recomputeLimiter {
	if every <= 0 {
		every = time.Second
	}
	// Small burst for concurrent readers that miss together right after
	// an outage.
	return rate.NewLimiter(rate.Every(every), 2)
}

// handlePositions serves the latest snapshot. Cached bytes are returned
// verbatim; on a miss it falls back to a bounded synchronous recompute and
// reports unavailable only when both paths fail.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if data, ok := s.snapshots.Fetch(r.Context()); ok {
		s.metrics.CacheHits.Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Snapshot-Source", "cache")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}
	s.metrics.CacheMisses.Inc()

	if !s.limiter.Allow() {
		s.metrics.Recomputes.WithLabelValues("throttled").Inc()
		s.writeUnavailable(w, "snapshot cache empty, recompute throttled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RecomputeTimeout)
	defer cancel()

	data, err := s.recompute.Recompute(ctx)
	if err != nil {
		s.metrics.Recomputes.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("degraded recompute failed")
		s.writeUnavailable(w, "position data temporarily unavailable")
		return
	}
	s.metrics.Recomputes.WithLabelValues("ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Snapshot-Source", "recompute")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// healthResponse is the /health body.
type healthResponse struct {
	Status         string  `json:"status"`
	CacheReachable bool    `json:"cacheReachable"`
	SnapshotAge    float64 `json:"snapshotAgeSeconds"`
	GeneratedAt    string  `json:"generatedAt,omitempty"`
	StreamPeers    int     `json:"streamPeers"`
	Timestamp      string  `json:"timestamp"`
}

// handleHealth reports cache reachability and the age of the published
// snapshot. "degraded" rather than "ok" when the cache is down or holds no
// snapshot; the endpoint itself still answers 200 so probes can read the
// body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		StreamPeers: s.hub.Peers(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		SnapshotAge: -1,
	}

	if err := s.snapshots.Ping(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("health: cache unreachable")
		resp.Status = "degraded"
	} else {
		resp.CacheReachable = true
	}

	if data, ok := s.snapshots.Fetch(r.Context()); ok {
		if payload, err := snapshot.Decode(data); err == nil {
			resp.GeneratedAt = payload.GeneratedAt.Format(time.RFC3339)
			resp.SnapshotAge = time.Since(payload.GeneratedAt).Seconds()
		}
	} else {
		resp.Status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{
		"status": "not_found",
		"path":   r.URL.Path,
	})
}

func (s *Server) writeUnavailable(w http.ResponseWriter, reason string) {
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "unavailable",
		"reason": reason,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}
