package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"fraud_engine/internal/api"
	"fraud_engine/internal/auth"
	"fraud_engine/internal/config"
	"fraud_engine/internal/processor"
	"fraud_engine/internal/repository"
	"fraud_engine/internal/repository/memory"
	"fraud_engine/internal/repository/postgres"
	"fraud_engine/internal/repository/redis"
	"fraud_engine/internal/repository/sqlite"
	"fraud_engine/internal/repository/wal"
	"fraud_engine/internal/ruleset"
	"fraud_engine/internal/service"
	"fraud_engine/pkg/crypto"
	"fraud_engine/pkg/metrics"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

const (
	appName = "fraud_engine"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("Starting application",
		slog.String("name", appName),
		slog.String("rulesets_dir", cfg.Rulesets.Dir),
		slog.String("outbox_driver", cfg.Outbox.Driver),
		slog.String("velocity_driver", cfg.Velocity.Driver),
		slog.String("auth_mode", cfg.Auth.Mode))

	metricsCollector := metrics.NewMetricsCollector(logger)

	velocityStore, velocityCloser := setupVelocityStore(cfg.Velocity, logger)
	evaluator, err := processor.NewRuleEvaluator(velocityStore, logger)
	if err != nil {
		logger.Error("Failed to create rule evaluator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rulesetService, registry := setupRulesets(cfg.Rulesets, evaluator, metricsCollector, logger)
	engine := processor.NewDecisionEngine(registry, evaluator, metricsCollector, logger)

	outboxStore, err := setupOutboxStore(cfg.Outbox)
	if err != nil {
		logger.Error("Failed to open outbox store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	var signer *crypto.Signer
	if cfg.Outbox.SigningKey != "" {
		signer = crypto.NewSigner(cfg.Outbox.SigningKey, logger)
	}
	outbox := service.NewOutboxDispatcher(outboxStore, signer, metricsCollector, service.OutboxConfig{
		QueueSize:    cfg.Outbox.QueueSize,
		PollInterval: cfg.Outbox.PollInterval,
	}, logger)

	gateway, err := setupGateway(cfg.Auth, logger)
	if err != nil {
		logger.Error("Failed to configure auth gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}

	shedder := api.NewLoadShedder(cfg.LoadShedding.Enabled, cfg.LoadShedding.MaxConcurrent, outbox, metricsCollector, logger)
	apiHandler := api.NewAPIHandler(engine, rulesetService, outbox, shedder, logger).
		WithRequestTimeout(cfg.Server.RequestTimeout)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = metricsCollector.StartMetricsServer(cfg.Server.MetricsAddr)
	}
	rulesetService.Start()
	httpServer := startHTTPServer(cfg.Server, apiHandler, gateway, logger)

	waitForShutdown(logger, cfg.Server.ShutdownTimeout, httpServer, metricsServer, metricsCollector, rulesetService, outbox, outboxStore, velocityCloser)
	logger.Info("Application shutdown complete")
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

// setupVelocityStore prefers Redis and falls back to process-local counters
// when it cannot be reached.
func setupVelocityStore(cfg config.VelocityConfig, logger *slog.Logger) (repository.VelocityStore, io.Closer) {
	if cfg.Driver != config.VelocityRedis {
		return newMemoryVelocityStore(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := redis.Open(ctx, redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Warn("Redis unavailable, falling back to in-memory velocity counters",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()))
		return newMemoryVelocityStore(cfg)
	}
	return store, store
}

func newMemoryVelocityStore(cfg config.VelocityConfig) (repository.VelocityStore, io.Closer) {
	store := memory.NewVelocityStore()
	store.StartPurging(cfg.PurgeInterval)
	return store, store
}

func setupRulesets(
	cfg config.RulesetsConfig,
	evaluator *processor.RuleEvaluator,
	metricsCollector *metrics.MetricsCollector,
	logger *slog.Logger,
) (*service.RulesetService, *memory.RulesetRegistry) {
	loader, err := ruleset.NewLoader(evaluator)
	if err != nil {
		logger.Error("Failed to create ruleset loader", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := memory.NewRulesetRegistry()
	store := ruleset.NewDirectoryStore(cfg.Dir, loader, logger)
	svc := service.NewRulesetService(store, registry, metricsCollector, cfg.RefreshInterval, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	loaded, err := svc.LoadLatest(ctx)
	if err != nil {
		// Startup continues: unresolvable rulesets fail open.
		logger.Error("Some rulesets failed to load", slog.String("error", err.Error()))
	}
	logger.Info("Rulesets loaded",
		slog.Int("loaded", loaded),
		slog.Int("registered", registry.Size()))

	return svc, registry
}

func setupOutboxStore(cfg config.OutboxConfig) (repository.OutboxStore, error) {
	switch cfg.Driver {
	case config.OutboxMemory:
		return memory.NewOutboxStore(), nil
	case config.OutboxSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return sqlite.NewOutboxStore(cfg.SQLitePath)
	case config.OutboxWAL:
		return wal.NewOutboxStore(cfg.WALDir)
	case config.OutboxPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.OutboxNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown outbox driver %q", cfg.Driver)
	}
}

func setupGateway(cfg config.AuthConfig, logger *slog.Logger) (*auth.Gateway, error) {
	var authorizer *auth.Authorizer
	if cfg.Mode == string(auth.ModeJWT) && cfg.CasbinModel != "" {
		a, err := auth.NewAuthorizer(cfg.CasbinModel, cfg.CasbinPolicy)
		if err != nil {
			return nil, err
		}
		authorizer = a
	}

	return auth.NewGateway(auth.GatewayConfig{
		Mode:        auth.Mode(cfg.Mode),
		Secret:      cfg.Secret,
		Issuer:      cfg.Issuer,
		Audience:    cfg.Audience,
		PublicPaths: []string{"/", "/v1/evaluate/health"},
	}, authorizer, logger)
}

func startHTTPServer(cfg config.ServerConfig, apiHandler *api.APIHandler, gateway *auth.Gateway, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	apiHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.LoggingMiddleware(logger, gateway.Middleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(
	logger *slog.Logger,
	timeout time.Duration,
	httpServer *http.Server,
	metricsServer *http.Server,
	metricsCollector *metrics.MetricsCollector,
	rulesetService *service.RulesetService,
	outbox *service.OutboxDispatcher,
	outboxStore repository.OutboxStore,
	velocityCloser io.Closer,
) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	if err := rulesetService.Shutdown(ctx); err != nil {
		logger.Error("Ruleset refresh shutdown failed", slog.String("error", err.Error()))
	}

	if err := outbox.Shutdown(ctx); err != nil {
		logger.Error("Outbox shutdown failed", slog.String("error", err.Error()))
	}
	if outboxStore != nil {
		if err := outboxStore.Close(); err != nil {
			logger.Error("Outbox store close failed", slog.String("error", err.Error()))
		}
	}

	if velocityCloser != nil {
		if err := velocityCloser.Close(); err != nil {
			logger.Error("Velocity store close failed", slog.String("error", err.Error()))
		}
	}

	if err := metricsCollector.Shutdown(ctx, metricsServer); err != nil {
		logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
	}
}
