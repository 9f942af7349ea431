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

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/httpmw"
	"github.com/inventiv/fleet/internal/proxy"
	"github.com/inventiv/fleet/internal/routing"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/config"
	"github.com/inventiv/fleet/pkg/database"
	"github.com/inventiv/fleet/pkg/logger"
	"github.com/inventiv/fleet/pkg/metrics"
	"github.com/inventiv/fleet/pkg/ratelimit"
	"github.com/inventiv/fleet/pkg/telemetry"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.LoadWithServiceDefaults("proxy-svc", 8081)
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

	repo := store.NewRepository(db)
	resolver := catalog.NewResolver(db)
	idx := routing.New(repo, resolver, cfg.Routing)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(ratelimitConfig(cfg.RateLimit))
		if err != nil {
			logger.Fatal("failed to init rate limiter", "error", err)
		}
		defer limiter.Close()
	}

	p := proxy.New(idx, cfg.Proxy, cfg.Provisioning.EnginePort)

	mux := http.NewServeMux()
	mux.Handle("/v1/", httpmw.Chain(
		httpmw.Recovery(),
		httpmw.Logging(),
		httpmw.Metrics("inference_proxy"),
		httpmw.Tracing("inference_proxy"),
		httpmw.RateLimit(limiter, stickyRateLimitKey(cfg.Proxy.StickyHeaderName)),
	)(p))
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

	done := make(chan error, 1)
	go func() {
		logger.Info("proxy http server starting", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- err
			return
		}
		done <- nil
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy http server shutdown error", "error", err)
	}
	if err := <-done; err != nil {
		logger.Error("proxy-svc exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("proxy-svc stopped")
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

func stickyRateLimitKey(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if header != "" {
			if v := r.Header.Get(header); v != "" {
				return v
			}
		}
		return r.RemoteAddr
	}
}
