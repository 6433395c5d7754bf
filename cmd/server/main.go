package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/updown-engine/internal/api"
	"github.com/atmx/updown-engine/internal/config"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/journal"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/limits"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/order"
	"github.com/atmx/updown-engine/internal/payout"
	"github.com/atmx/updown-engine/internal/scheduler"
	"github.com/atmx/updown-engine/internal/session"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/withdrawal"
)

func main() {
	configPath := flag.String("config", "updown.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Postgres.URL != "" {
		pool, err := store.NewPool(ctx, store.PoolConfig{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Postgres.RunMigrations {
			if err := store.RunMigrations(ctx, pool); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb = redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Session lifecycle and settlement ---
	machine, err := session.NewMachine(st, cfg.Session.Width.Duration, session.RandomSource{}, logger)
	if err != nil {
		slog.Error("invalid session width", "err", err)
		os.Exit(1)
	}
	calc, err := payout.NewCalculator(cfg.Settlement.PayoutRatio)
	if err != nil {
		slog.Error("invalid payout ratio", "err", err)
		os.Exit(1)
	}
	coord := settlement.New(st, machine, calc, settlement.Config{
		AutoOpen:    cfg.Session.AutoOpen,
		Concurrency: cfg.Settlement.Concurrency,
	}, logger)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(ctx)

	// With Redis the hub follows the shared bus so clients on every
	// instance see sessions settled by any instance.
	var bus *events.RedisBus
	if rdb != nil {
		bus = events.NewRedisBus(rdb, cfg.Redis.Channel, logger)
		coord.AddNotifier(bus)
		feed, err := bus.Subscribe(ctx)
		if err != nil {
			slog.Error("event bus subscribe failed", "err", err)
			os.Exit(1)
		}
		go wsHub.Relay(feed)
		slog.Info("settlement events published to Redis", "channel", cfg.Redis.Channel)
	} else {
		coord.AddNotifier(wsHub)
	}

	// --- Settlement journals ---
	var wal *journal.WALJournal
	if cfg.Journal.WAL.Enabled {
		wal, err = journal.NewWALJournal(cfg.Journal.WAL.Dir, cfg.Journal.WAL.SyncWrite)
		if err != nil {
			slog.Error("settlement WAL init failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { wal.Close() })
		coord.AddJournal(wal)
		slog.Info("settlement WAL enabled", "dir", cfg.Journal.WAL.Dir, "index", wal.CurrentIndex())
	}
	if s3c := cfg.Journal.S3; s3c.Enabled {
		archive, err := journal.NewS3Journal(ctx, journal.S3Config{
			Endpoint:       s3c.Endpoint,
			Region:         s3c.Region,
			Bucket:         s3c.Bucket,
			Prefix:         s3c.Prefix,
			AccessKey:      s3c.AccessKey,
			SecretKey:      s3c.SecretKey,
			UseSSL:         s3c.UseSSL,
			ForcePathStyle: s3c.ForcePathStyle,
		})
		if err != nil {
			slog.Error("settlement archive init failed", "err", err)
			os.Exit(1)
		}
		coord.AddJournal(archive)
		slog.Info("settlement archive enabled", "bucket", s3c.Bucket)
	}

	// --- Services ---
	limiter := limits.NewStakeLimiter(cfg.Limits.MinStake, cfg.Limits.MaxStake, cfg.Limits.MaxPerSession)
	deps := api.Deps{
		Store:       st,
		Machine:     machine,
		Coordinator: coord,
		Orders:      order.NewService(st, machine, limiter, logger),
		Withdrawals: withdrawal.NewProcessor(st, logger),
		Ledger:      ledger.New(st, cfg.Settlement.BalanceCASAttempts, logger),
		Logger:      logger,
	}
	// A nil pointer stored in an interface is not nil; assign only when set.
	if bus != nil {
		deps.Events = bus
	}
	if wal != nil {
		deps.Settlements = wal
	}
	svc := api.NewService(deps)

	// --- Scheduler ---
	var sched *scheduler.Scheduler
	if cfg.Settlement.SchedulerEnabled {
		sched = scheduler.New(coord, scheduler.Config{
			Interval: cfg.Settlement.Interval.Duration,
			Timeout:  cfg.Settlement.Timeout.Duration,
		}, logger)
		if err := sched.Start(); err != nil {
			slog.Error("scheduler start failed", "err", err)
			os.Exit(1)
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		fmt.Fprintf(w, `{"status":"ok","service":"updown-engine","ws_clients":%d}`, wsHub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route sits outside the timeout middleware.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("updown-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down updown-engine...")
	if sched != nil {
		sched.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("updown-engine stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
