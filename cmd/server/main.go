package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blueprintkit/backend/internal/config"
	"github.com/blueprintkit/backend/internal/guard"
	"github.com/blueprintkit/backend/internal/obs"
	"github.com/blueprintkit/backend/internal/password"
	"github.com/blueprintkit/backend/internal/ratelimit"
	"github.com/blueprintkit/backend/internal/revocation"
	"github.com/blueprintkit/backend/internal/server"
	"github.com/blueprintkit/backend/internal/sessions"
	"github.com/blueprintkit/backend/internal/storage/memory"
	"github.com/blueprintkit/backend/internal/storage/postgres"
	"github.com/blueprintkit/backend/internal/token"
	"github.com/blueprintkit/backend/internal/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	migrate := flag.Bool("migrate", true, "apply pending database migrations at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := obs.NewLogger(obs.LogConfig{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: "backend",
		Env:     cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	revoked := revocation.NewStore(rdb, cfg.Redis.Prefix)
	if err := revoked.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	var users user.Store
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if *migrate {
			if err := postgres.Migrate(pool, cfg.DB.MigrationsDir); err != nil {
				return err
			}
		}
		users = postgres.NewUsers(pool)
	} else {
		log.Warn("db.dsn not set, using in-memory user store; all accounts are lost on restart")
		users = memory.NewUsers()
	}

	codec, err := token.NewCodec(token.Config{
		Secret: []byte(cfg.Auth.Secret),
		Issuer: cfg.Auth.Issuer,
	})
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	hasher, err := password.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}

	mgr, err := sessions.NewManager(codec, revoked, users, hasher, sessions.Config{
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	var counters ratelimit.CounterStore
	switch cfg.RateLimit.Storage {
	case "memory":
		log.Warn("rate limiter using in-memory counters; budgets are per-process, not shared")
		counters = ratelimit.NewMemoryStore(nil)
	default:
		counters = ratelimit.NewRedisStore(rdb)
	}
	limiter, err := ratelimit.New(counters, ratelimit.Config{
		Enabled:  cfg.RateLimit.Enabled,
		Default:  cfg.RateLimit.Default,
		PerRoute: cfg.RateLimit.PerRoute,
	})
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	srv := server.New(cfg, log, metrics, mgr, guard.New(mgr), limiter, users, registry)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
