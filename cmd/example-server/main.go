package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manenim/tokenbucket/internal/config"
	"github.com/manenim/tokenbucket/pkg/limiter"
	"github.com/manenim/tokenbucket/pkg/stats"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := initStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	defer backend.close()

	var (
		recorder limiter.MetricsRecorder
		counters countersFunc
	)
	if cfg.Stats.Enabled && backend.client != nil {
		rr := stats.NewRedisRecorder(backend.client, stats.WithPrefix(cfg.Stats.Prefix), stats.WithLogger(logger))
		recorder, counters = rr, rr.Counters

		// Runs before backend.close so the final flush still has a client.
		flushCtx, stopFlush := context.WithCancel(ctx)
		flushed := make(chan struct{})
		go func() {
			defer close(flushed)
			rr.Run(flushCtx, cfg.Stats.FlushInterval)
		}()
		defer func() {
			stopFlush()
			<-flushed
		}()
	} else {
		mr := stats.NewMemoryRecorder()
		recorder = mr
		counters = func(context.Context) (map[string]float64, error) { return mr.Counters(), nil }
	}

	opts := []limiter.Option{
		limiter.WithFailurePolicy(cfg.Rate.FailurePolicy),
		limiter.WithMaxRetries(cfg.Rate.MaxRetries),
		limiter.WithRecorder(recorder),
		limiter.WithLogger(logger),
	}
	if cfg.Rate.TTL != config.DefaultTTL {
		opts = append(opts, limiter.WithTTL(cfg.Rate.TTL))
	}

	reg, costs, err := buildRegistry(backend.store, cfg, opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: newRouter(app{
			registry:  reg,
			costs:     costs,
			keyHeader: cfg.Rate.KeyHeader,
			trustXFF:  cfg.Rate.TrustXFF,
			counters:  counters,
			logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server listening",
		"addr", srv.Addr,
		"storage", cfg.Storage.Type,
		"bucket", cfg.Rate.Bucket.String(),
		"failure_policy", cfg.Rate.FailurePolicy.String(),
		"limiters", reg.Names(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

type storageBackend struct {
	store limiter.Storage
	// client is the first Redis client, reused for stats. Nil for memory.
	client redis.UniversalClient
	close  func()
}

func initStorage(ctx context.Context, cfg config.StorageConfig) (storageBackend, error) {
	switch cfg.Type {
	case "memory":
		store := limiter.NewMemoryStorage(limiter.WithMaxEntries(cfg.MaxEntries))
		store.StartJanitor(ctx, time.Minute)
		return storageBackend{store: store, close: func() {}}, nil

	case "redis":
		var clients []*redis.Client
		closeAll := func() {
			for _, c := range clients {
				if err := c.Close(); err != nil {
					slog.Warn("failed to close redis client", "err", err)
				}
			}
		}

		nodes := make(map[string]limiter.Storage, len(cfg.Redis.Addrs))
		for _, addr := range cfg.Redis.Addrs {
			client := redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			clients = append(clients, client)

			store, err := limiter.NewRedisStorage(client,
				limiter.WithPrefix(cfg.Redis.Prefix),
				limiter.WithTimeout(cfg.Redis.Timeout),
			)
			if err != nil {
				closeAll()
				return storageBackend{}, fmt.Errorf("redis %s: %w", addr, err)
			}
			nodes[addr] = store
		}

		if len(nodes) == 1 {
			return storageBackend{store: nodes[cfg.Redis.Addrs[0]], client: clients[0], close: closeAll}, nil
		}

		sharded, err := limiter.NewShardedStorage(nodes)
		if err != nil {
			closeAll()
			return storageBackend{}, err
		}
		return storageBackend{store: sharded, client: clients[0], close: closeAll}, nil

	default:
		return storageBackend{}, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// buildRegistry registers the default limiter under "default" plus every
// LIMITERS entry, and returns the per-request cost of each.
func buildRegistry(store limiter.Storage, cfg config.Config, opts []limiter.Option) (*limiter.Registry, map[string]float64, error) {
	reg := limiter.NewRegistry()
	costs := map[string]float64{defaultLimiter: 1}

	l, err := limiter.New(store, cfg.Rate.Bucket, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("default limiter: %w", err)
	}
	if err := reg.Register(defaultLimiter, l); err != nil {
		return nil, nil, err
	}

	for _, named := range cfg.Limiters {
		l, err := limiter.New(store, named.Bucket, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("limiter %s: %w", named.Name, err)
		}
		if err := reg.Register(named.Name, l); err != nil {
			return nil, nil, err
		}
		costs[named.Name] = named.Cost
	}
	return reg, costs, nil
}
