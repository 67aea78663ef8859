package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vitalsmarket/exchange/internal/command"
	"github.com/vitalsmarket/exchange/internal/config"
	"github.com/vitalsmarket/exchange/internal/exchange"
	"github.com/vitalsmarket/exchange/internal/ingest"
	"github.com/vitalsmarket/exchange/internal/metrics"
	"github.com/vitalsmarket/exchange/internal/order"
	"github.com/vitalsmarket/exchange/internal/quota"
	"github.com/vitalsmarket/exchange/internal/scheduler"
	"github.com/vitalsmarket/exchange/internal/settlement"
	"github.com/vitalsmarket/exchange/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration rejected", "err", err)
		os.Exit(1)
	}
	// Validated by Load.
	symbols, _ := cfg.Registry()
	bucketer, _ := cfg.Bucketer()
	window, _ := cfg.Window()
	policy, _ := quota.PolicyByName(cfg.ExposurePolicy)
	loc := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := exchange.NewWSHub()
	go wsHub.Run()
	defer wsHub.Close()

	// --- Services ---
	prices := ingest.NewService(st, bucketer, symbols)
	engine := settlement.NewEngine(st, cfg.SettleChunkSize, wsHub)
	orders := order.NewService(st, order.Config{
		Symbols:     symbols,
		Bucketer:    bucketer,
		Window:      window,
		Limiter:     quota.NewLimiter(cfg.MaxExposure),
		Policy:      policy,
		MaxQuantity: cfg.MaxOrderQuantity,
	})
	dispatcher := command.NewDispatcher(command.Config{
		Orders:          orders,
		Prices:          prices,
		Portfolios:      st,
		Symbols:         symbols,
		Location:        loc,
		LeaderboardSize: cfg.LeaderboardSize,
		PriceHistory:    cfg.PriceHistory,
		BucketWidth:     bucketer.Width(),
	})
	svc := exchange.NewService(st, exchange.Config{
		Commands:        dispatcher,
		Prices:          prices,
		Settlement:      engine,
		Symbols:         symbols,
		AdminSecret:     cfg.AdminSecret,
		Location:        loc,
		LeaderboardSize: cfg.LeaderboardSize,
		PriceHistory:    cfg.PriceHistory,
		Hub:             wsHub,
	})
	if cfg.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set, admin routes will reject every request")
	}

	// --- Scheduled settlement ---
	if cfg.SettleScheduled() {
		runner := scheduler.New(ctx)
		if _, err := runner.Add(cfg.SettleSchedule, scheduler.SettleAll(engine, symbols.All())); err != nil {
			slog.Error("invalid SETTLE_SCHEDULE", "spec", cfg.SettleSchedule, "err", err)
			os.Exit(1)
		}
		runner.Start()
		defer runner.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+exchange.AdminSecretHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"vitals-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ingestion and settlement events.
		r.Get("/ws", wsHub.HandleWS)

		// Chat command boundary.
		r.Post("/commands", svc.HandleCommand)

		// Read-only queries.
		r.Get("/symbols/{symbol}/prices", svc.GetPrices)
		r.Get("/symbols/{symbol}/leaderboard", svc.GetLeaderboard)
		r.Get("/symbols/{symbol}/portfolios/{userID}", svc.GetPortfolio)

		// Admin: price upload and manual settlement.
		r.Route("/admin", func(r chi.Router) {
			r.Use(svc.RequireAdmin)
			r.Post("/prices", svc.IngestPrices)
			r.Post("/settle", svc.Settle)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange listening",
			"port", cfg.Port,
			"symbols", symbols.All(),
			"bucket", bucketer.Width().String(),
			"window", window.OffHoursDescription(time.Now()),
			"exposure_policy", cfg.ExposurePolicy,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down exchange...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange stopped")
}
