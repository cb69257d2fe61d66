package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/econsim/day-engine/internal/api"
	"github.com/econsim/day-engine/internal/config"
	"github.com/econsim/day-engine/internal/day"
	"github.com/econsim/day-engine/internal/events"
	"github.com/econsim/day-engine/internal/lock"
	"github.com/econsim/day-engine/internal/metrics"
	"github.com/econsim/day-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg, os.Args[2:]); err != nil {
			slog.Error("migrate failed", "err", err)
			os.Exit(1)
		}
		return
	}

	// --- Initialize store ---
	var st store.Store
	var locker lock.Locker
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
		}

		pool, err := store.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache and share the settlement lock
		// across replicas if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			locker = lock.NewRedisLocker(rdb, cfg.LockExpiry)
			slog.Info("Redis cache and settlement lock enabled")
		}

		st = store.NewBreakerStore(st, store.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.BreakerFailures),
		})
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	// --- Events ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	publishers := events.Multi{wsHub}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATSPrefix))
		slog.Info("publishing events to NATS", "prefix", cfg.NATSPrefix)
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Day controller ---
	ctrl := day.NewController(st, locker, publishers, day.Options{
		Timeout:     cfg.SettlementTimeout,
		Retries:     cfg.CommitRetries,
		RetryBase:   cfg.CommitRetryBase,
		Concurrency: cfg.CommitConcurrency,
	})
	if status, err := ctrl.Status(context.Background()); err != nil {
		slog.Warn("could not read market status", "err", err)
	} else {
		slog.Info("market loaded", "day", status.Day)
	}

	svc := api.NewService(ctrl, wsHub)

	// --- HTTP router ---
	// Requests may run as long as a settlement.
	requestTimeout := cfg.SettlementTimeout + 5*time.Second

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for the classroom frontend.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"day-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("day-engine listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down day-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	wsHub.Close()
	fmt.Println("day-engine stopped")
}

// runMigrate handles `server migrate up|down [n]|status`.
func runMigrate(cfg config.ServerConfig, args []string) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: server migrate up|down [n]|status")
	}

	switch args[0] {
	case "up":
		return store.MigrateUp(cfg.DatabaseURL)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid steps %q: %w", args[1], err)
			}
			steps = n
		}
		return store.MigrateDown(cfg.DatabaseURL, steps)
	case "status":
		version, dirty, err := store.MigrationStatus(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		slog.Info("migration status", "version", version, "dirty", dirty)
		return nil
	}
	return fmt.Errorf("unknown migrate command %q", args[0])
}
