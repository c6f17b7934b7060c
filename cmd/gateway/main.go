package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/promptcraft/chat-gateway/internal/auth"
	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/gateway"
	"github.com/promptcraft/chat-gateway/internal/health"
	"github.com/promptcraft/chat-gateway/internal/policy"
	"github.com/promptcraft/chat-gateway/internal/proxy"
	"github.com/promptcraft/chat-gateway/internal/ratelimit"
	"github.com/promptcraft/chat-gateway/internal/redact"
	"github.com/promptcraft/chat-gateway/internal/router"
	"github.com/promptcraft/chat-gateway/internal/telemetry"
	"github.com/promptcraft/chat-gateway/internal/usage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
)

var version = "dev"

func main() {
	boot, err := config.LoadBootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}
	configDir := flag.String("config", boot.ConfigDir, "path to configuration directory")
	flag.Parse()

	// Bootstrap logger until the configured one is known.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger = telemetry.NewLogger(os.Stdout, cfg.Telemetry)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	var dbPool *pgxpool.Pool
	if cfg.Database.Enabled {
		dbPool, err = pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Warn("database not reachable (api key auth and usage records will fail)", "error", err)
		} else {
			logger.Info("database connected")
		}
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable (shared rate limits and key cache degraded)", "error", err)
		} else {
			logger.Info("redis connected")
		}
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	healthTracker := router.NewHealthTracker(
		cfg.Routing.CircuitBreaker.FailureThreshold,
		cfg.Routing.CircuitBreaker.RecoveryProbeInterval,
	)
	healthTracker.OnStateChange(func(provider string, state router.CircuitState) {
		metrics.SetCircuitState(provider, int(state))
	})

	// Build provider registry
	registry, err := router.BuildFromConfig(loader.Providers(), loader.Models())
	if err != nil {
		logger.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}
	routes := router.NewActive(registry)
	loader.OnReload(func() {
		next, err := router.BuildFromConfig(loader.Providers(), loader.Models())
		if err != nil {
			logger.Error("provider registry reload failed, keeping previous", "error", err)
			return
		}
		routes.Store(next)
		logger.Info("provider registry reloaded", "providers", next.Names())
	})

	// Authentication
	authn := &auth.Dispatcher{}
	if cfg.Auth.JWT.Enabled {
		verifier, err := auth.NewJWTVerifier(cfg.Auth.JWT, cfg.Auth.DefaultTier)
		if err != nil {
			logger.Error("invalid jwt configuration", "error", err)
			os.Exit(1)
		}
		authn.JWT = verifier
	}
	if cfg.Auth.APIKeys.Enabled {
		if dbPool == nil {
			logger.Error("api key auth requires database.enabled")
			os.Exit(1)
		}
		authn.APIKeys = auth.NewAPIKeyAuthenticator(
			auth.NewCachedKeyStore(dbPool, rdb, cfg.Auth.APIKeys.CacheTTL),
			cfg.Auth.DefaultTier,
		)
	}

	// Rate limiting
	// A nil *redis.Client must not reach New as a non-nil interface.
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.New(cfg.RateLimit, rdb)
	} else {
		limiter = ratelimit.New(cfg.RateLimit, nil)
	}

	// Policy
	evaluator := policy.NewEvaluator(func() config.PolicyConfig { return loader.Config().Policy })
	if evaluator.Enabled() {
		if err := evaluator.Load(); err != nil {
			logger.Error("failed to load policies", "error", err)
			os.Exit(1)
		}
	}

	redactor := redact.New(loader.Providers().Secrets()...)
	opts := []proxy.Option{
		proxy.WithPolicy(evaluator),
		proxy.WithMetrics(metrics),
		proxy.WithRedactor(redactor),
	}
	var recorder *usage.PGRecorder
	if cfg.Usage.Enabled && dbPool != nil {
		recorder = usage.NewPGRecorder(dbPool, cfg.Usage.WriteTimeout)
		opts = append(opts, proxy.WithUsage(recorder))
	}
	svc := proxy.NewService(routes, healthTracker, limiter, proxy.SettingsFromConfig(cfg.Routing), opts...)
	loader.OnReload(func() {
		redactor.SetLiterals(loader.Providers().Secrets()...)
		svc.SetSettings(proxy.SettingsFromConfig(loader.Config().Routing))
	})

	handler := gateway.NewHandler(svc, routes, healthTracker, loader.Config, version)
	httpHandler := gateway.NewRouter(handler, gateway.RouterOptions{
		Authn:       authn,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		MetricsPath: cfg.Telemetry.MetricsPath,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpHandler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: streams set per-write deadlines.
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	// gRPC health
	var grpcServer *grpc.Server
	if cfg.GRPC.Enabled {
		reporter := health.NewReporter(healthTracker, func() []string { return routes.Registry().Names() })
		grpcServer = grpc.NewServer()
		reporter.Register(grpcServer)
		go reporter.Run(ctx, cfg.Routing.HealthSyncInterval)

		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.GRPC.Port))
		if err != nil {
			logger.Error("failed to listen for grpc", "error", err)
			os.Exit(1)
		}
		go func() {
			logger.Info("grpc health starting", "addr", lis.Addr().String())
			errCh <- grpcServer.Serve(lis)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if recorder != nil {
		recorder.Wait()
	}
	logger.Info("gateway stopped")
}
