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

	"qms/token-service/internal/cache/rediscache"
	"qms/token-service/internal/config"
	"qms/token-service/internal/httpapi"
	"qms/token-service/internal/metrics"
	"qms/token-service/internal/queue"
	"qms/token-service/internal/registry"
	"qms/token-service/internal/store"
	"qms/token-service/internal/store/memory"
	"qms/token-service/internal/store/postgres"
	"qms/token-service/internal/sweeper"
	"qms/token-service/internal/telemetry"
	"qms/token-service/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "token-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, prefixFile string
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load environment variables from this file (default: .env when present)")
	flagSet.StringVar(&prefixFile, "config", "", "YAML file with token number prefixes (overrides PREFIX_CONFIG)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if prefixFile != "" {
		cfg.PrefixConfig = prefixFile
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	prefixes, err := config.LoadPrefixes(cfg.PrefixConfig)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tokenStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	estimatorOpts := queue.EstimatorOptions{
		Window:                cfg.ServiceTimeWindow,
		DefaultServiceMinutes: cfg.DefaultServiceMinutes,
		CacheTTL:              cfg.StatusCacheTTL,
		Logger:                logger,
		Metrics:               m,
	}
	handlerOpts := httpapi.Options{
		ListDefaultLimit:       cfg.ListDefaultLimit,
		CallNextLimitPerMinute: cfg.CallNextLimitPerMinute,
		RateLimiter: httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute:    cfg.RateLimitPerMinute,
			IPBurst:        cfg.RateLimitBurst,
			StaffPerMinute: cfg.StaffRateLimitPerMinute,
			StaffBurst:     cfg.StaffRateLimitBurst,
		}),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         logger,
		Metrics:        m,
	}
	if cfg.RedisAddr != "" {
		cache := rediscache.New(cfg.RedisAddr)
		defer cache.Close()
		if err := cache.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, status cache may miss", "addr", cfg.RedisAddr, "error", err)
		}
		limiter := rediscache.NewRateLimiter(cfg.RedisAddr)
		defer limiter.Close()
		estimatorOpts.Cache = cache
		handlerOpts.CallLimiter = limiter
	}

	estimator := queue.NewEstimator(tokenStore, estimatorOpts)
	coordinator := queue.NewCoordinator(tokenStore, estimator, queue.Options{
		MaxAttempts:     cfg.TransitionMaxAttempts,
		StaleAfter:      cfg.StaleAfter,
		ExpireBatchSize: cfg.ExpireBatchSize,
		Location:        cfg.Location,
		Logger:          logger,
		Metrics:         m,
	})
	bridge := registry.NewBridge(tokenStore, registry.Options{
		Prefixes:    prefixes,
		Invalidator: estimator,
		Location:    cfg.Location,
		Logger:      logger,
		Metrics:     m,
	})

	sweep, err := sweeper.New(coordinator, sweeper.Options{
		Schedule: cfg.ExpireSchedule,
		Location: cfg.Location,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	sweep.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sweep.Stop(stopCtx)
	}()

	handler := httpapi.NewHandler(tokenStore, coordinator, bridge, estimator, handlerOpts)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("token-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.TokenStore, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DB_DSN not set, using in-memory token store; tokens are lost on restart")
		return memory.New(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return postgres.NewStore(pool, postgres.Options{AllocateMaxAttempts: cfg.AllocateMaxAttempts}), pool.Close, nil
}
