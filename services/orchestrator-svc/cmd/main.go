package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/eventbus"
	"github.com/inventiv/fleet/internal/health"
	"github.com/inventiv/fleet/internal/httpmw"
	"github.com/inventiv/fleet/internal/operatorauth"
	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/internal/provider/genericcloud"
	"github.com/inventiv/fleet/internal/provider/mockprovider"
	"github.com/inventiv/fleet/internal/provisioning"
	"github.com/inventiv/fleet/internal/reconcile"
	"github.com/inventiv/fleet/internal/statemachine"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/internal/terminator"
	"github.com/inventiv/fleet/migrations"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/audit"
	"github.com/inventiv/fleet/pkg/cache"
	"github.com/inventiv/fleet/pkg/config"
	"github.com/inventiv/fleet/pkg/database"
	"github.com/inventiv/fleet/pkg/logger"
	"github.com/inventiv/fleet/pkg/metrics"
	"github.com/inventiv/fleet/pkg/ratelimit"
	"github.com/inventiv/fleet/pkg/telemetry"
	"github.com/inventiv/fleet/services/orchestrator-svc/internal/heartbeat"
)

// shutdownGrace is the fixed grace window every goroutine gets to wind
// down after ctx is cancelled (§5's cancellation contract) before the
// process exits regardless.
const shutdownGrace = 20 * time.Second

func main() {
	cfg, err := config.LoadWithServiceDefaults("orchestrator-svc", 8080)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.App.Name,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Warn("failed to init telemetry", "error", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Warn("failed to shutdown telemetry", "error", err)
				}
			}()
		}
	}

	metrics.InitMetrics(cfg.Metrics.Namespace, cfg.App.Name)
	metrics.Get().SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(ctx, db.Pool(), &cfg.Database, migrations.FS, migrations.Dir); err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled && cfg.Audit.Backend == "postgres" {
		auditLogger = audit.NewPostgresLogger(db, &audit.PostgresLoggerConfig{
			BufferSize: cfg.Audit.BufferSize, BatchSize: 100, FlushPeriod: cfg.Audit.FlushPeriod,
		})
	} else if auditLogger, err = audit.New(audit.DefaultConfig()); err != nil {
		logger.Fatal("failed to init audit logger", "error", err)
	}
	audit.SetGlobal(auditLogger)
	defer auditLogger.Close()

	repo := store.NewRepository(db)
	resolver := catalog.NewResolver(db)
	machine := statemachine.New(db, repo)

	providers := buildProviders(cfg.Providers)
	resolveProvider := func(code string) (provider.Adapter, bool) {
		a, ok := providers[code]
		return a, ok
	}

	c, err := cache.New(cache.FromConfig(&cfg.Cache))
	if err != nil {
		logger.Fatal("failed to init cache", "error", err)
	}
	defer c.Close()

	provisionBus, terminateBus, err := buildBuses(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to init event bus", "error", err)
	}
	defer provisionBus.Close()
	defer terminateBus.Close()

	provWorker, err := provisioning.New(repo, resolver, machine, provisionBus, resolveProvider, cfg.Provisioning)
	if err != nil {
		logger.Fatal("failed to init provisioning worker", "error", err)
	}
	prober, err := health.New(repo, resolver, machine, resolveProvider, c, cfg.Health, cfg.Provisioning, logger.WithComponent("health_prober"))
	if err != nil {
		logger.Fatal("failed to init health prober", "error", err)
	}
	termWorker := terminator.New(repo, resolver, machine, terminateBus, resolveProvider, cfg.Terminator)
	recon := reconcile.New(repo, resolver, machine, resolveProvider, cfg.Reconcile, logger.WithComponent("reconcile"))

	verifier := operatorauth.New(cfg.Provisioning.WorkerAuthToken)
	hb := heartbeat.New(repo)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(ratelimitConfig(cfg.RateLimit))
		if err != nil {
			logger.Fatal("failed to init rate limiter", "error", err)
		}
		defer limiter.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/instances/{id}/heartbeat", httpmw.Chain(
		httpmw.Recovery(),
		httpmw.RateLimit(limiter, heartbeatRateLimitKey),
		httpmw.Tracing("heartbeat"),
		httpmw.Metrics("heartbeat"),
		httpmw.Logging(),
		verifier.Middleware(),
	)(hb))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return provWorker.Run(gctx) })
	g.Go(func() error { return prober.Run(gctx) })
	g.Go(func() error { return termWorker.Run(gctx) })
	g.Go(func() error { return recon.Run(gctx) })
	g.Go(func() error {
		logger.Info("orchestrator http server starting", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("orchestrator-svc started",
		"environment", cfg.App.Environment,
		"default_provider", cfg.Providers.DefaultProvider,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator-svc exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator-svc stopped")
}

func ratelimitConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	return &ratelimit.Config{
		Requests:        cfg.Requests,
		Window:          cfg.Window,
		Strategy:        cfg.Strategy,
		Backend:         cfg.Backend,
		BurstSize:       cfg.BurstSize,
		CleanupInterval: cfg.CleanupInterval,
		RedisAddr:       cfg.RedisAddr,
	}
}

// heartbeatRateLimitKey buckets by the reporting instance's path id, since
// heartbeats have no sticky-session header; a missing id falls back to the
// caller's address.
func heartbeatRateLimitKey(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	return r.RemoteAddr
}

func buildProviders(cfg config.ProvidersConfig) map[string]provider.Adapter {
	out := make(map[string]provider.Adapter)
	generic := genericcloud.New(cfg.Generic)
	out[generic.Code()] = generic
	mock := mockprovider.New(cfg.Mock, cfg.Mock.ProjectName+"_default")
	out[mock.Code()] = mock
	return out
}

// buildBuses constructs a distinct RedisStreamsBus per worker so the
// Provisioning Worker and the Terminator Worker each run as their own
// Redis Streams consumer group against the same orchestrator_events
// stream (§6.1): every command is delivered to both groups, and each
// worker discards the command types it does not own.
func buildBuses(ctx context.Context, cfg *config.Config) (eventbus.Bus, eventbus.Bus, error) {
	if cfg.EventBus.Backend != "redis" {
		bus := eventbus.NewMemoryBus()
		return bus, bus, nil
	}

	provisionCfg := cfg.EventBus
	provisionCfg.ConsumerGroup = cfg.EventBus.ConsumerGroup + "-provisioning"
	provisionBus, err := eventbus.NewRedisStreamsBus(ctx, cfg.Cache, provisionCfg, logger.WithComponent("eventbus_provisioning"))
	if err != nil {
		return nil, nil, apperror.Wrap(err, apperror.CodeInternal, apperror.KindDatabase, "init provisioning event bus")
	}

	terminateCfg := cfg.EventBus
	terminateCfg.ConsumerGroup = cfg.EventBus.ConsumerGroup + "-terminator"
	terminateBus, err := eventbus.NewRedisStreamsBus(ctx, cfg.Cache, terminateCfg, logger.WithComponent("eventbus_terminator"))
	if err != nil {
		return nil, nil, apperror.Wrap(err, apperror.CodeInternal, apperror.KindDatabase, "init terminator event bus")
	}

	return provisionBus, terminateBus, nil
}

