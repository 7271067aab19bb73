package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/config"
	"github.com/langdb/aigateway/internal/events"
	"github.com/langdb/aigateway/internal/handlers"
	"github.com/langdb/aigateway/internal/logger"
	"github.com/langdb/aigateway/internal/pricing"
	"github.com/langdb/aigateway/internal/router"
	"github.com/langdb/aigateway/internal/services/counter"
	"github.com/langdb/aigateway/internal/services/guards"
	"github.com/langdb/aigateway/internal/services/limits"
	"github.com/langdb/aigateway/internal/services/providers"
	"github.com/langdb/aigateway/internal/services/routing"
	"github.com/langdb/aigateway/internal/services/tracing"
	"github.com/langdb/aigateway/internal/services/usage"
)

func newServeCommand() *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(interactive)
		},
	}
	cmd.Flags().BoolVar(&interactive, "interactive", false, "open a chat prompt against the running gateway")
	return cmd
}

func runServe(interactive bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	catalog, err := pricing.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load models catalog: %v\n", err)
		os.Exit(exitCatalog)
	}
	log.Info("Loaded models catalog", zap.Int("models", len(catalog.Models())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newCounterStore(ctx, cfg, log)
	bus := events.NewBus(events.DefaultCapacity, log)
	defer bus.Close()

	registry := providers.NewRegistry(credentialsFromConfig(cfg.Providers))
	limiter := limits.NewChecker(store, cfg.CostControl, log)
	orchestrator := routing.NewRouter(catalog, registry, limiter, nil, bus, log)

	if len(cfg.Guards) > 0 {
		moderation := guards.NewOpenAIModerationClient(moderationKey(cfg), "")
		engine, err := guards.NewEngine(cfg.Guards, orchestrator.Judge(), moderation, log)
		if err != nil {
			return fmt.Errorf("failed to build guard engine: %w", err)
		}
		orchestrator.SetGuardEngine(engine)
		log.Info("Guards enabled", zap.Int("count", len(cfg.Guards)))
	}

	aggregator := usage.NewAggregator(bus, catalog, store, log)
	go aggregator.Run(ctx)

	var writer tracing.Writer = tracing.NoopWriter{}
	if cfg.ClickHouse.Enabled() {
		writer = tracing.NewClickHouseWriter(cfg.ClickHouse)
		log.Info("ClickHouse trace sink enabled")
	}
	buffer := tracing.NewBuffer(writer, log)
	go buffer.Run(ctx)

	otlpServer := tracing.NewServer(buffer, log)
	go func() {
		if err := otlpServer.Serve(cfg.Tracing.Addr()); err != nil {
			log.Error("OTLP server failed", zap.Error(err))
		}
	}()

	provider, err := newTracerProvider(ctx, cfg)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	} else {
		otel.SetTracerProvider(provider)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	handler := handlers.New(orchestrator, log)
	srv := &http.Server{
		Addr:        cfg.Rest.Addr(),
		Handler:     router.New(cfg, log, handler, store),
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE streams stay open as long as the
		// provider produces chunks.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("Gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	if interactive {
		go runInteractive(ctx, orchestrator, catalog)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Rest.GracefulShutdown)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	otlpServer.Stop()
	cancel()
	buffer.FlushAll(context.Background())

	log.Info("Shutdown complete")
	return nil
}

// newCounterStore prefers Redis and falls back to the in-memory store
// when Redis is absent or unreachable.
func newCounterStore(ctx context.Context, cfg *config.Config, log *zap.Logger) counter.Store {
	if cfg.Redis.URL == "" {
		log.Info("No Redis configured, using in-memory counters")
		return counter.NewMemoryStore()
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Warn("Invalid Redis URL, using in-memory counters", zap.Error(err))
		return counter.NewMemoryStore()
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis unreachable, using in-memory counters", zap.Error(err))
		return counter.NewMemoryStore()
	}

	log.Info("Using Redis counters")
	return counter.NewRedisStore(client, log)
}

func newTracerProvider(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Tracing.Addr()),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSpanProcessor(tracing.BaggageSpanProcessor{}),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "aigateway"),
		)),
	), nil
}

func credentialsFromConfig(configs map[string]config.ProviderConfig) providers.Credentials {
	creds := make(providers.Credentials, len(configs))
	for name, pc := range configs {
		creds[name] = providers.Config{
			APIKey:          pc.APIKey,
			BaseURL:         pc.BaseURL,
			OrgID:           pc.OrgID,
			Region:          pc.Region,
			AccessKeyID:     pc.AccessKeyID,
			SecretAccessKey: pc.SecretAccessKey,
			SessionToken:    pc.SessionToken,
			AssumeRoleARN:   pc.AssumeRoleARN,
		}
	}
	return creds
}

// moderationKey picks the partner guard credential, falling back to the
// OpenAI key.
func moderationKey(cfg *config.Config) string {
	if partner, ok := cfg.Providers["partner"]; ok && partner.APIKey != "" {
		return partner.APIKey
	}
	return cfg.Providers["openai"].APIKey
}
