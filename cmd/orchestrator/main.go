package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/voyagehq/llm-orchestrator/internal/analytics"
	"github.com/voyagehq/llm-orchestrator/internal/api"
	"github.com/voyagehq/llm-orchestrator/internal/auth"
	"github.com/voyagehq/llm-orchestrator/internal/budget"
	"github.com/voyagehq/llm-orchestrator/internal/cache"
	"github.com/voyagehq/llm-orchestrator/internal/circuitbreaker"
	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/cost"
	"github.com/voyagehq/llm-orchestrator/internal/crypto"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/gateway"
	"github.com/voyagehq/llm-orchestrator/internal/httputil"
	"github.com/voyagehq/llm-orchestrator/internal/notifications"
	"github.com/voyagehq/llm-orchestrator/internal/provider"
	"github.com/voyagehq/llm-orchestrator/internal/provider/anthropic"
	"github.com/voyagehq/llm-orchestrator/internal/provider/bedrock"
	"github.com/voyagehq/llm-orchestrator/internal/provider/cohere"
	"github.com/voyagehq/llm-orchestrator/internal/provider/gemini"
	"github.com/voyagehq/llm-orchestrator/internal/provider/openai"
	"github.com/voyagehq/llm-orchestrator/internal/ratelimit"
	"github.com/voyagehq/llm-orchestrator/internal/routing"
	"github.com/voyagehq/llm-orchestrator/internal/secrets"
	"github.com/voyagehq/llm-orchestrator/internal/telemetry"
	"github.com/voyagehq/llm-orchestrator/internal/tenant"
	"github.com/voyagehq/llm-orchestrator/internal/usagelog"
)

func main() {
	runtime, err := config.LoadRuntime()
	if err != nil {
		slog.Error("failed to load runtime config", "error", err)
		os.Exit(1)
	}

	setupLogger(runtime.LogLevel)

	slog.Info("starting llm-orchestrator", "addr", runtime.Addr, "config_file", runtime.ConfigFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "llm-orchestrator", runtime.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	cfgManager := config.NewManager(runtime.ConfigFile)
	cfg, err := cfgManager.Load(true)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "version", cfg.Version, "models", len(cfg.Models.Definitions))

	var db *sql.DB
	if runtime.DatabaseURL != "" {
		db, err = sql.Open("postgres", runtime.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			slog.Error("database unreachable", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to postgres")
	}

	perf, _ := cfgManager.Performance()

	// Cache
	var backend cache.Backend
	if runtime.RedisURL != "" {
		backend, err = cache.NewRedisBackend(runtime.RedisURL)
		if err != nil {
			slog.Warn("redis cache unavailable, using in-memory", "error", err)
			backend = cache.NewInMemoryBackend()
		} else {
			slog.Info("using redis cache")
		}
	} else {
		backend = cache.NewInMemoryBackend()
		slog.Info("using in-memory cache")
	}
	cacheManager := cache.NewManager(backend,
		time.Duration(perf.CacheTTLSeconds)*time.Second,
		perf.CacheMaxEntryBytes,
	)

	// Rate limiting
	var limiter ratelimit.Limiter
	if runtime.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(runtime.RedisURL)
		if err != nil {
			slog.Warn("redis rate limiter unavailable, using in-memory", "error", err)
			limiter = ratelimit.NewInMemoryLimiter()
		} else {
			limiter = redisLimiter
			slog.Info("using redis rate limiter")
		}
	} else {
		limiter = ratelimit.NewInMemoryLimiter()
	}

	// Tenants
	var tenantRepo tenant.Repository
	if db != nil {
		tenantRepo = tenant.NewPostgresRepository(db)
	} else {
		tenantRepo = tenant.NewInMemoryRepository()
		slog.Info("using in-memory tenant repository")
	}

	// Secrets
	var encryptor *crypto.Encryptor
	if runtime.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(runtime.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
	}
	var secretStore secrets.SecretStore
	if cfg.KeyVault.Enabled {
		region := cfg.KeyVault.Region
		if region == "" {
			region = runtime.AWSRegion
		}
		secretStore, err = secrets.NewAWSSecretsManager(ctx, region, encryptor)
		if err != nil {
			slog.Error("failed to initialize secrets manager", "error", err)
			os.Exit(1)
		}
		slog.Info("using AWS Secrets Manager key vault", "region", region)
	} else {
		secretStore = secrets.NewEnvSecretStore()
	}

	// Providers
	registry, breakerConfigs, err := buildProviders(ctx, cfg, runtime, secretStore)
	if err != nil {
		slog.Error("failed to configure providers", "error", err)
		os.Exit(1)
	}
	if len(registry.Providers()) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	breakers := circuitbreaker.NewManager(breakerConfigs)

	// Budget
	var budgetStore budget.Store
	if db != nil {
		budgetStore = budget.NewPostgresStore(db)
	} else {
		budgetStore = budget.NewInMemoryStore()
		slog.Warn("using in-memory budget ledger, spend resets on restart")
	}
	var notifier notifications.Notifier
	if runtime.SNSTopicArn != "" && runtime.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, runtime.AWSRegion, runtime.SNSTopicArn)
		if err != nil {
			slog.Warn("SNS notifier unavailable, budget alerts will be log-only", "error", err)
			notifier = nil
		}
	}
	var dedup budget.AlertDeduplicator
	if runtime.RedisURL != "" {
		redisDedup, err := budget.NewRedisDeduplicator(runtime.RedisURL, 24*time.Hour)
		if err != nil {
			slog.Warn("redis alert deduplicator unavailable, using in-memory", "error", err)
			dedup = budget.NewInMemoryDeduplicator()
		} else {
			dedup = redisDedup
		}
	} else {
		dedup = budget.NewInMemoryDeduplicator()
	}
	budgetManager := budget.NewManager(budgetStore, cfgManager, notifier, dedup)

	// Routing
	loadTracker := routing.NewLoadTracker()
	router := routing.NewEngine(cfgManager, breakers, loadTracker)

	// Usage log
	usageSink, err := buildUsageSink(ctx, runtime, db)
	if err != nil {
		slog.Error("failed to configure usage log sink", "error", err)
		os.Exit(1)
	}
	usageLogger := usagelog.NewLogger(usageSink,
		perf.UsageLogBatchSize,
		time.Duration(perf.UsageLogFlushSeconds)*time.Second,
	)

	// Analytics
	retention := time.Duration(perf.AnalyticsRetentionHour) * time.Hour
	collector := analytics.NewCollector(retention, 0)

	gw := gateway.New(gateway.Deps{
		Config:    cfgManager,
		Tenants:   tenantRepo,
		Estimator: cost.NewEstimator(cfgManager),
		Cache:     cacheManager,
		Breakers:  breakers,
		Budget:    budgetManager,
		Router:    router,
		Load:      loadTracker,
		Limiter:   limiter,
		Registry:  registry,
		UsageLog:  usageLogger,
		Analytics: collector,
	})

	handler := api.NewHandler(gw, breakers, cacheManager, budgetManager, collector, tenantRepo, cfgManager)
	adminAuth := auth.NewAdminAuth(runtime.AdminAuthHash, runtime.AdminAuth)

	srv := &http.Server{
		Addr:         runtime.Addr,
		Handler:      handler.Routes(adminAuth),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", runtime.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, runtime.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, runtime.DrainTimeout)
	defer drainCancel()
	if err := gw.Shutdown(drainCtx); err != nil {
		slog.Error("gateway shutdown errors", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			slog.Warn("database close failed", "error", err)
		}
	}

	slog.Info("stopped")
}

// buildProviders resolves credentials and constructs one adapter plus one
// breaker config per configured provider. Providers with unresolvable
// credentials are skipped with a warning rather than failing startup.
func buildProviders(ctx context.Context, cfg *config.Config, runtime *config.Runtime, store secrets.SecretStore) (*provider.Registry, map[domain.Provider]circuitbreaker.Config, error) {
	registry := provider.NewRegistry()
	breakerConfigs := make(map[domain.Provider]circuitbreaker.Config)
	client := httputil.DefaultClient()

	for name, pc := range cfg.Providers {
		p, ok := domain.ParseProvider(name)
		if !ok {
			slog.Warn("skipping unknown provider in config", "provider", name)
			continue
		}

		apiKey := pc.APIKey
		if apiKey == "" && pc.SecretName != "" {
			secretName := cfg.KeyVault.Prefix + pc.SecretName
			resolved, err := store.GetSecret(ctx, secretName)
			if err != nil {
				slog.Warn("skipping provider, credential unavailable", "provider", name, "secret", secretName, "error", err)
				continue
			}
			apiKey = resolved
		}

		switch p {
		case domain.ProviderOpenAI:
			registry.Register(openai.New(apiKey, pc.BaseURL, client))
		case domain.ProviderAnthropic:
			registry.Register(anthropic.New(apiKey, pc.BaseURL, client))
		case domain.ProviderGemini:
			registry.Register(gemini.New(apiKey, pc.BaseURL, client))
		case domain.ProviderCohere:
			registry.Register(cohere.New(apiKey, pc.BaseURL, client))
		case domain.ProviderBedrock:
			adapter, err := bedrock.New(ctx, runtime.AWSRegion)
			if err != nil {
				slog.Warn("skipping bedrock provider", "error", err)
				continue
			}
			registry.Register(adapter)
		}

		breakerConfigs[p] = circuitbreaker.Config{
			FailureThreshold: pc.FailureThreshold,
			SuccessThreshold: pc.SuccessThreshold,
			RecoveryTimeout:  pc.RecoveryTimeout(),
		}
		slog.Info("registered provider", "provider", name)
	}

	return registry, breakerConfigs, nil
}

// buildUsageSink combines the configured sinks: Postgres when a database is
// present, a JSONL file when a path is set, SQS export when a queue is set.
func buildUsageSink(ctx context.Context, runtime *config.Runtime, db *sql.DB) (usagelog.Sink, error) {
	var sinks []usagelog.Sink

	if db != nil {
		sinks = append(sinks, usagelog.NewPostgresSink(db))
	}
	if runtime.UsageLogFile != "" {
		fileSink, err := usagelog.NewFileSink(runtime.UsageLogFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if runtime.SQSUsageQueue != "" && runtime.AWSRegion != "" {
		sqsSink, err := usagelog.NewSQSSink(ctx, runtime.AWSRegion, runtime.SQSUsageQueue)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sqsSink)
	}

	switch len(sinks) {
	case 0:
		slog.Warn("no usage log sink configured, writing to usage_log.jsonl")
		return usagelog.NewFileSink("usage_log.jsonl")
	case 1:
		return sinks[0], nil
	default:
		return usagelog.NewMultiSink(sinks...), nil
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
