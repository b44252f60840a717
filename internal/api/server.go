package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/orbitrack/orbitrack/internal/telemetry"
)

// SnapshotReader serves the last published snapshot, if any, and reports
// whether the backing cache is reachable.
type SnapshotReader interface {
	Fetch(ctx context.Context) ([]byte, bool)
	Ping(ctx context.Context) error
}

// Recomputer produces a fresh snapshot when the cache has nothing to serve.
type Recomputer interface {
	Recompute(ctx context.Context) ([]byte, error)
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	RequestTimeout   time.Duration
	RecomputeTimeout time.Duration
	RecomputeEvery   time.Duration
}

// DefaultServerConfig returns the listener defaults. The write timeout must
// stay above the recompute timeout or degraded responses get cut off.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             "127.0.0.1:8080",
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     15 * time.Second,
		IdleTimeout:      60 * time.Second,
		RequestTimeout:   15 * time.Second,
		RecomputeTimeout: 10 * time.Second,
		RecomputeEvery:   time.Second,
	}
}

// Server is the read-only HTTP surface: cached positions, a live stream,
// health and metrics. It never writes to the cache or the store.
type Server struct {
	router    *mux.Router
	server    *http.Server
	snapshots SnapshotReader
	recompute Recomputer
	limiter   recomputeLimiter
	hub       *Hub
	metrics   *telemetry.Metrics
	config    ServerConfig
	log       zerolog.Logger
}

// NewServer wires routes and middleware. The hub is started by Run.
func NewServer(cfg ServerConfig, snapshots SnapshotReader, recompute Recomputer,
	metrics *telemetry.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		snapshots: snapshots,
		recompute: recompute,
		limiter:   newRecomputeLimiter(cfg.RecomputeEvery),
		hub:       NewHub(metrics, log),
		metrics:   metrics,
		config:    cfg,
		log:       log,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/positions/stream", s.handleStream).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Broadcast hands a published snapshot to the stream hub.
func (s *Server) Broadcast(data []byte) { s.hub.Broadcast(data) }

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.config.Addr).Msg("http server listening")
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades outlive any request deadline.
		if strings.HasSuffix(r.URL.Path, "/stream") {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures the status code for request logging. Hijack and
// Flush pass through so websocket upgrades and streaming still work behind
// the middleware.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
