package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/orbitrack/orbitrack/internal/api"
	"github.com/orbitrack/orbitrack/internal/cache"
	"github.com/orbitrack/orbitrack/internal/config"
	"github.com/orbitrack/orbitrack/internal/pipeline"
	"github.com/orbitrack/orbitrack/internal/snapshot"
	"github.com/orbitrack/orbitrack/internal/solver"
	"github.com/orbitrack/orbitrack/internal/store"
	"github.com/orbitrack/orbitrack/internal/telemetry"
)

// runApp wires the application from config and runs the selected surfaces
// until a termination signal arrives.
func runApp(configPath string, withWorker, withAPI bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open element store: %w", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer redisClient.Close()

	metrics := telemetry.New()
	elements := store.NewElementStore(db, cfg.Database.QueryTimeout)
	geo := store.NewGeoSync(db, cfg.Database.QueryTimeout)
	snapshots := snapshot.NewPublisher(
		cache.NewRedis(redisClient, cfg.Redis.OpTimeout),
		cfg.Pipeline.SnapshotKey,
		cfg.SnapshotTTL(),
		log.Logger,
	)

	exec := pipeline.NewExecutor(solver.New(), cfg.Pipeline.Workers,
		cfg.Pipeline.Horizon, cfg.Pipeline.Interval, log.Logger)
	loop := pipeline.NewLoop(elements, exec, geo, snapshots,
		cfg.Pipeline.Period, metrics, log.Logger)

	var server *api.Server
	if withAPI {
		recomputer := pipeline.NewRecomputer(elements, exec, log.Logger)
		server = api.NewServer(api.ServerConfig{
			Addr:             cfg.HTTP.Addr,
			ReadTimeout:      cfg.HTTP.ReadTimeout,
			WriteTimeout:     cfg.HTTP.WriteTimeout,
			IdleTimeout:      cfg.HTTP.IdleTimeout,
			RequestTimeout:   cfg.HTTP.WriteTimeout,
			RecomputeTimeout: cfg.HTTP.RecomputeTimeout,
			RecomputeEvery:   cfg.HTTP.RecomputeEvery,
		}, snapshots, recomputer, metrics, log.Logger)
		loop.OnPublish(server.Broadcast)
	}

	log.Info().
		Str("version", version).
		Bool("worker", withWorker).
		Bool("api", withAPI).
		Msg("orbitrack starting")

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	if withWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("pipeline loop: %w", err)
			}
		}()
	}
	if withAPI {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		stop()
	}
	wg.Wait()

	log.Info().Msg("orbitrack stopped")
	return runErr
}
