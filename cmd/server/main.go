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

	"github.com/papersim/brokerage/internal/api"
	"github.com/papersim/brokerage/internal/config"
	"github.com/papersim/brokerage/internal/feed"
	"github.com/papersim/brokerage/internal/ledger"
	"github.com/papersim/brokerage/internal/match"
	"github.com/papersim/brokerage/internal/metrics"
	"github.com/papersim/brokerage/internal/model"
	"github.com/papersim/brokerage/internal/notify"
	"github.com/papersim/brokerage/internal/settle"
	"github.com/papersim/brokerage/internal/store"
	"github.com/papersim/brokerage/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub + notifications ---
	hub := notify.NewHub()
	go hub.Run()
	notifier := notify.Multi{notify.LogNotifier{}, hub}

	// --- Domain services ---
	fees := model.FeeSchedule{Rate: cfg.CommissionRate, Minimum: cfg.CommissionMin}
	ledgerSvc := ledger.NewService(st, fees, notifier, cfg.InitialCash)
	engine := match.NewEngine(st, fees, notifier, cfg.SettlementLagDays)
	scheduler := settle.NewScheduler(st, notifier)
	expirer := sweep.NewExpirer(st, notifier)

	// Orders left open across a restart expire immediately.
	if err := expirer.CatchUpOnStartup(ctx); err != nil {
		slog.Error("startup expiration sweep failed", "err", err)
	}

	// --- Market data feed ---
	if rdb != nil {
		tickFeed := feed.NewRedisFeed(rdb, cfg.TickChannel)
		go runFeed(ctx, tickFeed, engine)
	} else {
		slog.Info("no tick feed configured, ticks accepted via POST /api/v1/ticks only")
	}

	// --- Daily jobs: settlement release and order expiration at the day boundary ---
	go runDailyJobs(ctx, scheduler, expirer)

	// --- HTTP router ---
	srv := api.NewServer(ledgerSvc, engine, st)

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
		w.Write([]byte(`{"status":"ok","service":"brokerage-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for fill and settlement events.
		r.Get("/ws", hub.HandleWS)
		srv.Routes(r)
	})

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("brokerage-engine listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	slog.Info("shutting down brokerage-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("brokerage-engine stopped")
}

// runFeed pumps ticks from the feed into the matching engine, resubscribing
// with backoff when the source drops.
func runFeed(ctx context.Context, f feed.Feed, engine *match.Engine) {
	for {
		ticks, err := f.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("tick feed subscribe failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		slog.Info("tick feed connected")
		for tick := range ticks {
			engine.OnPriceTick(ctx, tick)
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("tick feed disconnected, resubscribing")
	}
}

// runDailyJobs fires the settlement release and the order expiration sweep
// just after each UTC midnight. Trading days are UTC days throughout:
// settlement dates and order timestamps are stamped as UTC midnights, so
// the job boundary must be the same instant regardless of host zone.
func runDailyJobs(ctx context.Context, scheduler *settle.Scheduler, expirer *sweep.Expirer) {
	for {
		now := time.Now().UTC()
		next := nextUTCMidnight(now)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		today := next // the day boundary just crossed
		if err := scheduler.RunDailySettlement(ctx, today); err != nil {
			slog.Error("daily settlement run failed", "err", err)
		}
		if err := expirer.ExpireStaleOrders(ctx, today); err != nil {
			slog.Error("daily expiration sweep failed", "err", err)
		}
	}
}

func nextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
