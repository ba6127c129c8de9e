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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mqk/execution-engine/internal/broker"
	"github.com/mqk/execution-engine/internal/config"
	"github.com/mqk/execution-engine/internal/dispatch"
	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/integrity"
	"github.com/mqk/execution-engine/internal/metrics"
	"github.com/mqk/execution-engine/internal/portfolio"
	"github.com/mqk/execution-engine/internal/reconcile"
	"github.com/mqk/execution-engine/internal/risk"
	"github.com/mqk/execution-engine/internal/store"
	"github.com/mqk/execution-engine/internal/trade"
)

// brokerClient is what the server needs from a broker adapter.
type brokerClient interface {
	execution.BrokerAdapter
	execution.OrderLookup
	trade.OpenOrderLister
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if cfg.RunIDDefault {
		slog.Warn("RUN_ID not set, generated one; in-doubt orders of earlier runs will not be recovered", "run_id", cfg.RunID)
	}

	ctx, stop := context.WithCancel(context.Background())
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
			slog.Info("Redis cache enabled")
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

	// --- Broker ---
	var brk brokerClient
	switch cfg.Broker {
	case config.BrokerAlpaca:
		brk = broker.NewAlpacaBroker(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, cfg.AlpacaBaseURL)
		slog.Info("using Alpaca broker", "base_url", cfg.AlpacaBaseURL)
	default:
		brk = broker.NewPaperBroker()
		slog.Warn("using paper broker")
	}

	// --- Gates ---
	persisted, err := st.LoadArmState(ctx)
	if err != nil {
		slog.Error("load arm state failed", "err", err)
		os.Exit(1)
	}
	arm := integrity.NewController(persisted)
	slog.Info("boot arm state", "armed", arm.IsArmed(), "reason", arm.State().Reason)

	guard := reconcile.NewFreshnessGuard(cfg.ReconcileFresh, nil)
	limiter := risk.NewLimiter(cfg.MaxGrossMicros, cfg.MaxPerSymbolMicros)
	gw := execution.NewGateway(brk, arm, limiter, guard)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	svc := trade.NewService(trade.Options{
		RunID:   cfg.RunID,
		Store:   st,
		Ledger:  portfolio.NewLedger(cfg.InitialCashMicros),
		Arm:     arm,
		Guard:   guard,
		Limiter: limiter,
		Gateway: gw,
		Lister:  brk,
		Hub:     wsHub,
	})
	if err := svc.Restore(ctx); err != nil {
		slog.Error("restore failed", "err", err)
		os.Exit(1)
	}

	// --- Startup reconcile and recovery ---
	if drifts, err := svc.Reconcile(ctx); err != nil {
		slog.Error("startup reconcile failed", "err", err)
	} else if len(drifts) > 0 {
		slog.Warn("startup reconcile found drift", "drifts", len(drifts))
	}

	recoverer := dispatch.NewRecoverer(st, gw, brk, svc)
	rep, err := recoverer.RecoverRun(ctx, cfg.RunID)
	if err != nil {
		slog.Error("startup recovery failed", "err", err)
		os.Exit(1)
	}
	slog.Info("startup recovery complete",
		"inspected", rep.Inspected,
		"acked", rep.Acked,
		"resubmitted", rep.Resubmitted,
		"deferred", rep.Deferred,
	)

	// --- Background loops ---
	dispatcher := dispatch.NewDispatcher(st, gw, svc, cfg.DispatcherID, cfg.DispatchBatch)
	go dispatcher.Run(ctx, cfg.DispatchInterval)
	go recoverer.RunSweeper(ctx, cfg.SweepInterval, cfg.ClaimTTL)
	go runReconcile(ctx, svc, cfg.ReconcileInterval)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"execution-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("execution-engine listening", "port", cfg.Port, "run_id", cfg.RunID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down execution-engine...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("execution-engine stopped")
}

// runReconcile keeps the reconcile gate fresh until ctx is cancelled.
func runReconcile(ctx context.Context, svc *trade.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Reconcile(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reconcile failed", "err", err)
			}
		}
	}
}
