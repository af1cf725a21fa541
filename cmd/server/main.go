// Package main provides the entry point for the LabelForge server.
// LabelForge ingests SIEM alerts, classifies them and tracks model quality
// against analyst verdicts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/api/gateway"
	"github.com/lvonguyen/labelforge/internal/classify"
	"github.com/lvonguyen/labelforge/internal/config"
	"github.com/lvonguyen/labelforge/internal/enrichment"
	"github.com/lvonguyen/labelforge/internal/evaluation"
	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/ingestion"
	"github.com/lvonguyen/labelforge/internal/mitre"
	"github.com/lvonguyen/labelforge/internal/notify"
	"github.com/lvonguyen/labelforge/internal/observability"
	"github.com/lvonguyen/labelforge/internal/siem"
	"github.com/lvonguyen/labelforge/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("LabelForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "labelforge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	missingConfig := errors.Is(err, fs.ErrNotExist)
	if missingConfig {
		cfg = config.DefaultConfig()
	} else if err != nil {
		return err
	}

	tel, err := observability.New(cfg.Observability(Version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting LabelForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
	)
	if missingConfig {
		logger.Warn("Config file not found, using defaults", zap.String("path", configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	var (
		redisClient *redis.Client
		eventStore  store.Store
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(cfg.Redis.ClientOptions())
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		eventStore = store.NewRedisStore(redisClient, cfg.Redis.KeyPrefix, logger)
		logger.Info("Using Redis event store", zap.String("addr", cfg.Redis.Addr))
	} else {
		eventStore = store.NewMemoryStore()
		logger.Info("Using in-memory event store")
	}

	// Outcome publishing
	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// Classification
	catalogue := mitre.Default()
	var settings classify.SettingsSource = classify.StaticSource(cfg.Classification.Settings())
	if redisClient != nil && cfg.Classification.SettingsKey != "" {
		settings = store.NewRedisSettingsSource(redisClient, cfg.Classification.SettingsKey, cfg.Classification.Settings())
	}
	orch := classify.NewOrchestrator(classify.Options{
		Settings:  settings,
		Catalogue: catalogue,
		Logger:    logger.Named("classify"),
		Metrics:   metrics,
		Publisher: publisher,
		CacheTTL:  cfg.Classification.CacheTTL,
		CacheSize: cfg.Classification.CacheSize,
	})
	status := orch.Reload(ctx)
	logger.Info("Classifier loaded",
		zap.String("provider", status.Provider),
		zap.Bool("fallback", status.Fallback),
	)

	engine := evaluation.NewEngine(eventStore, orch, evaluation.Options{
		PageSize: cfg.Evaluation.PageSize,
		Logger:   logger.Named("evaluation"),
		Metrics:  metrics,
	})

	// SIEM connectors are built once so their token caches persist.
	pool := siem.NewPool(cfg.SIEM.Workers, cfg.SIEM.QueueSize)
	defer pool.Close()

	connectors := make(map[event.Source]siem.Connector)
	for _, name := range cfg.EnabledVendors() {
		v, _ := cfg.SIEM.Vendor(name)
		c, err := siem.NewConnector(name, v.APIURL, v.APIKey(), v.ConnectorOptions(logger.Named("siem"), metrics))
		if err != nil {
			return err
		}
		connectors[c.Vendor()] = c
		logger.Info("SIEM connector enabled", zap.String("vendor", name), zap.String("url", v.APIURL))
	}

	srv := &server{
		store:      eventStore,
		orch:       orch,
		engine:     engine,
		ingester:   siem.NewIngester(pool, eventStore, logger.Named("siem"), metrics),
		connectors: connectors,
		fetch: siem.FetchParams{
			Limit:     cfg.SIEM.Limit,
			TimeRange: cfg.SIEM.TimeRange,
		},
		catalogue: catalogue,
		logger:    logger,
		timeout:   cfg.Server.WriteTimeout,
	}
	if metrics != nil {
		srv.metrics = tel.MetricsHandler()
	}

	// HEC-compatible endpoints (for Splunk integration)
	if cfg.HEC.Receiver.Enabled {
		normalizer, ok := connectors[event.SourceSplunk].(ingestion.Normalizer)
		if !ok {
			normalizer = siem.NewSplunkConnector(cfg.SIEM.Splunk.APIURL, "", cfg.SIEM.Splunk.ConnectorOptions(logger, metrics))
		}
		handler := ingestion.StoreHandler(normalizer, eventStore, logger.Named("hec"), metrics)
		srv.hec = ingestion.NewHECReceiver(cfg.HEC.Receiver.ReceiverConfig, handler)
		logger.Info("HEC receiver enabled", zap.String("token_env", cfg.HEC.Receiver.TokenEnv))
	}

	providers, err := cfg.Enrichment.Providers()
	if err != nil {
		return fmt.Errorf("threat intel: %w", err)
	}
	if len(providers) > 0 {
		srv.intel = enrichment.NewEnricher(providers, enrichment.Options{
			CacheTTL:  cfg.Enrichment.CacheTTL,
			CacheSize: cfg.Enrichment.CacheSize,
			Logger:    logger.Named("enrichment"),
			Metrics:   metrics,
		})
		logger.Info("Threat intel enrichment enabled", zap.Strings("providers", srv.intel.Providers()))
	}

	if cfg.RateLimit.Enabled {
		srv.limiter = gateway.NewRateLimiter(redisClient, cfg.RateLimit.RateLimitConfig, logger.Named("ratelimit"))
		logger.Info("API rate limiting enabled")
	}

	if cfg.Evaluation.Interval > 0 {
		go evaluatePeriodically(ctx, engine, cfg.Evaluation.Interval, logger)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		logger.Error("Server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
	return nil
}

// newPublisher combines the enabled outcome sinks.
func newPublisher(cfg *config.Config, logger *zap.Logger) (notify.Publisher, error) {
	var publishers notify.Multi
	if cfg.NATS.Enabled {
		p, err := notify.NewNATSPublisher(cfg.NATS.NATSConfig, logger.Named("notify"))
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, p)
		logger.Info("Publishing outcomes to NATS", zap.String("url", cfg.NATS.URL))
	}
	if cfg.HEC.Sender.Enabled {
		s, err := ingestion.NewHECSender(cfg.HEC.Sender.SenderConfig, logger.Named("hec"))
		if err != nil {
			publishers.Close()
			return nil, err
		}
		publishers = append(publishers, s)
		logger.Info("Forwarding labels to Splunk HEC", zap.String("url", cfg.HEC.Sender.HECURL))
	}

	switch len(publishers) {
	case 0:
		return notify.Nop{}, nil
	case 1:
		return publishers[0], nil
	default:
		return publishers, nil
	}
}

// evaluatePeriodically recomputes model metrics over all verified events.
func evaluatePeriodically(ctx context.Context, engine *evaluation.Engine, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := engine.Evaluate(ctx, evaluation.Window{})
			switch {
			case errors.Is(err, evaluation.ErrNoVerifiedEvents), errors.Is(err, evaluation.ErrNoComparableEvents):
				logger.Debug("Skipping scheduled evaluation", zap.Error(err))
			case err != nil:
				logger.Warn("Scheduled evaluation failed", zap.Error(err))
			default:
				logger.Info("Model metrics updated",
					zap.Float64("f1", rec.F1Score),
					zap.Int("events", rec.EventsEvaluated),
				)
			}
		}
	}
}
