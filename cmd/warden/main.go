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
	chimw "github.com/go-chi/chi/v5/middleware"

	whttp "github.com/wardenhq/warden/internal/adapter/http"
	"github.com/wardenhq/warden/internal/adapter/litellm"
	"github.com/wardenhq/warden/internal/adapter/mcptools"
	"github.com/wardenhq/warden/internal/adapter/memjobs"
	wnats "github.com/wardenhq/warden/internal/adapter/nats"
	wotel "github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/adapter/postgres"
	"github.com/wardenhq/warden/internal/adapter/ristretto"
	"github.com/wardenhq/warden/internal/adapter/ws"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/port/jobs"
	"github.com/wardenhq/warden/internal/port/tool"
	"github.com/wardenhq/warden/internal/resilience"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		slog.String("port", cfg.Server.Port),
		slog.String("env", cfg.Env),
		slog.String("model", cfg.Model.Default))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	otelShutdown, err := wotel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(sctx)
	}()
	metrics, err := wotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	store := postgres.NewStore(pool)

	var substrate jobs.Substrate
	nq, err := wnats.Connect(ctx, cfg.NATS, log)
	if err != nil {
		if cfg.Env == "production" {
			return fmt.Errorf("nats: %w", err)
		}
		log.Warn("nats unavailable, using in-process job substrate", slog.Any("error", err))
		substrate = memjobs.New(log)
	} else {
		defer func() { _ = nq.Close() }()
		go nq.StartPromoter(ctx)
		substrate = nq
	}

	cacheCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheCache.Close()

	// --- Model client ---
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	modelClient := litellm.NewClient(cfg.Model)
	modelClient.SetBreaker(breaker)

	// --- Broadcast ---
	hub := ws.NewHub(log)

	// --- Engine ---
	sched := engine.NewScheduler(cfg.Checkin, store, substrate, log)
	arch := engine.NewArchiver(cfg.Session, cfg.Model.Default, store, modelClient, log)
	policy := engine.NewRetryPolicy(cfg.Retry)

	registry := tool.NewRegistry()
	if err := registry.Register(mcptools.SendMessage{}); err != nil {
		return fmt.Errorf("register send_message: %w", err)
	}
	if err := registry.Register(mcptools.ScheduleFollowUp{Store: store, Sched: sched}); err != nil {
		return fmt.Errorf("register schedule_follow_up: %w", err)
	}
	if err := registry.Register(mcptools.SetCheckInSchedule{Store: store, Sched: sched}); err != nil {
		return fmt.Errorf("register set_check_in_schedule: %w", err)
	}
	for _, serverCfg := range cfg.MCP.Servers {
		src, err := mcptools.Connect(ctx, serverCfg, log)
		if err != nil {
			log.Error("mcp server skipped", slog.String("server", serverCfg.Name), slog.Any("error", err))
			continue
		}
		defer func() { _ = src.Close() }()
		for _, t := range src.Tools() {
			if err := registry.Register(t); err != nil {
				log.Warn("mcp tool skipped", slog.String("tool", t.Name()), slog.Any("error", err))
			}
		}
	}

	loop := engine.NewLoop(cfg.Loop, store, modelClient, registry, hub, log)
	loop.SetMetrics(metrics)
	dispatcher := engine.NewDispatcher(cfg.Model.Default, store, substrate, loop, policy, sched, arch, hub, log)
	dispatcher.SetMetrics(metrics)
	sweep := engine.NewSweep(cfg.Sweep, cfg.Env, store, substrate, arch, hub, log)
	sweep.SetMetrics(metrics)

	// Reconcile locks orphaned by a previous crash before accepting work.
	if err := sweep.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	unsubscribe, err := substrate.Subscribe(ctx, dispatcher.Handle)
	if err != nil {
		return fmt.Errorf("subscribe dispatcher: %w", err)
	}
	defer unsubscribe()

	go sweep.Start(ctx)

	// --- HTTP ---
	handlers := &whttp.Handlers{
		Store:    store,
		Jobs:     substrate,
		Breaker:  breaker,
		WS:       hub,
		Cache:    cacheCache,
		CacheTTL: cfg.Cache.TTL,
	}

	r := chi.NewRouter()
	r.Use(whttp.CORS(cfg.Server.CORSOrigin))
	r.Use(whttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(wotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/health", handlers.Health)
	r.Get("/ws", hub.HandleWS)
	whttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
