package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/superpaes/exercise-gateway/internal/config"
	"github.com/superpaes/exercise-gateway/internal/gateway"
	"github.com/superpaes/exercise-gateway/internal/gateway/rediscache"
	"github.com/superpaes/exercise-gateway/internal/generator"
	"github.com/superpaes/exercise-gateway/internal/health"
	"github.com/superpaes/exercise-gateway/internal/httpserver"
	"github.com/superpaes/exercise-gateway/internal/ledger"
	"github.com/superpaes/exercise-gateway/internal/ledger/async"
	"github.com/superpaes/exercise-gateway/internal/ledger/memory"
	"github.com/superpaes/exercise-gateway/internal/ledger/postgres"
	"github.com/superpaes/exercise-gateway/internal/ledger/sqlite"
	"github.com/superpaes/exercise-gateway/internal/logging"
	"github.com/superpaes/exercise-gateway/internal/metrics"
	"github.com/superpaes/exercise-gateway/internal/observability"
	"github.com/superpaes/exercise-gateway/internal/ratelimit"
	"github.com/superpaes/exercise-gateway/internal/upstream"
	"github.com/superpaes/exercise-gateway/internal/upstream/openrouter"
	"github.com/superpaes/exercise-gateway/internal/upstream/rpc"
	"github.com/superpaes/exercise-gateway/internal/version"
)

const tracerName = "github.com/superpaes/exercise-gateway"

// app owns every long-lived component of the daemon.
type app struct {
	handler http.Handler
	gateway *gateway.Gateway
	ledger  *ledger.Ledger
	metrics *metrics.Collector
	closers []func() error
	logger  *logrus.Entry
}

// newApp wires the components described by cfg. On error everything opened
// so far is closed.
func newApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{metrics: metrics.NewCollector(), logger: logging.Component(logger, "exercised")}
	if err := a.wire(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"upstream_mode":  cfg.UpstreamMode,
		"ledger_backend": cfg.LedgerBackend,
		"ledger_async":   cfg.LedgerAsync,
		"redis":          cfg.RedisAddr != "",
		"tracing":        cfg.TracingEnabled,
	}).Info("components ready")
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	tracing, err := observability.Setup(ctx, observability.Config{
		Enabled:     cfg.TracingEnabled,
		Environment: cfg.Environment,
		Version:     version.Info(),
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: cfg.TracingSampleRatio,
		Logger:      logging.Component(logger, "tracing"),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return tracing.Shutdown(context.Background()) })

	store, pinger, err := openLedgerStore(cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)

	a.ledger, err = ledger.New(ledger.Config{
		Store:   store,
		Logger:  logging.Component(logger, "ledger"),
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	if cfg.LimitsFile != "" {
		limits, err := ledger.LoadLimitsFile(cfg.LimitsFile)
		if err != nil {
			return err
		}
		if err := a.ledger.ImportLimits(ctx, limits); err != nil {
			return err
		}
	}

	var recorder ledger.Recorder = a.ledger
	if cfg.LedgerAsync {
		queued := async.New(a.ledger, async.Config{
			BatchSize:     cfg.LedgerBatchSize,
			FlushInterval: cfg.LedgerFlushInterval,
			Workers:       cfg.LedgerWorkers,
			Logger:        logging.Component(logger, "ledger.async"),
		})
		a.closers = append(a.closers, queued.Close)
		recorder = queued
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	var rdb goredis.UniversalClient
	var shared gateway.SharedCache
	if cfg.RedisAddr != "" {
		client, err := rediscache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		rdb = client
		shared = rediscache.New(client, "")
		a.closers = append(a.closers, client.Close)
	}

	a.gateway, err = gateway.New(gateway.Config{
		Transport:         transport,
		CacheTTL:          cfg.CacheTTL,
		CacheCapacity:     cfg.CacheCapacity,
		HealthInterval:    cfg.HealthInterval,
		GenerationTimeout: cfg.GenerationTimeout,
		HealthTimeout:     cfg.HealthTimeout,
		Shared:            shared,
		Logger:            logging.Component(logger, "gateway"),
		Metrics:           a.metrics,
		Tracer:            tracing.Tracer(tracerName + "/gateway"),
	})
	if err != nil {
		return err
	}

	gen, err := generator.New(generator.Config{
		Gateway:          a.gateway,
		Ledger:           recorder,
		Model:            cfg.Model,
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		QualityThreshold: cfg.QualityThreshold,
		MaxAttempts:      cfg.MaxAttempts,
		Deadline:         cfg.GenerationDeadline,
		Logger:           logging.Component(logger, "generator"),
		Metrics:          a.metrics,
		Tracer:           tracing.Tracer(tracerName + "/generator"),
	})
	if err != nil {
		return err
	}

	var limitStore ratelimit.Store
	if rdb != nil {
		limitStore = ratelimit.NewRedisStore(rdb, "")
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Store:             limitStore,
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Logger:            logging.Component(logger, "ratelimit"),
	})
	a.closers = append(a.closers, limiter.Close)

	checker := health.New(health.Config{
		LedgerDB: pinger,
		Upstream: a.gateway,
		Redis:    rdb,
	})

	srv, err := httpserver.New(httpserver.Config{
		Generator: gen,
		Gateway:   a.gateway,
		Ledger:    a.ledger,
		Health:    checker,
		Metrics:   a.metrics,
		RateLimit: ratelimit.NewMiddleware(limiter, cfg.RateLimitEnabled, logging.Component(logger, "ratelimit"), a.metrics),
		Logger:    logging.Component(logger, "httpserver"),
	})
	if err != nil {
		return err
	}
	a.handler = srv.Router()
	return nil
}

// openLedgerStore returns the store and, for SQL backends, its pinger.
func openLedgerStore(cfg config.Config) (ledger.Store, health.Pinger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		return memory.New(), nil, nil
	case config.LedgerPostgres:
		store, err := postgres.New(cfg.LedgerDSN, postgres.PoolConfig{MaxOpen: 10, MaxIdle: 5})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return store, store, nil
	case config.LedgerSQLite:
		store, err := sqlite.New(cfg.LedgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func newTransport(cfg config.Config, logger *logrus.Logger) (upstream.Transport, error) {
	switch strings.ToLower(cfg.UpstreamMode) {
	case config.UpstreamOpenRouter:
		return openrouter.New(openrouter.Config{
			APIKey:         cfg.UpstreamAPIKey,
			BaseURL:        cfg.OpenRouterBaseURL,
			DefaultModel:   cfg.Model,
			FallbackModels: cfg.FallbackModels,
			Logger:         logging.Component(logger, "openrouter"),
		})
	case config.UpstreamRPC:
		return rpc.New(rpc.Config{
			URL:    cfg.UpstreamURL,
			APIKey: cfg.UpstreamAPIKey,
		})
	default:
		return nil, errors.New("unknown upstream mode " + cfg.UpstreamMode)
	}
}

// Close releases components in reverse registration order, so the queued
// ledger drains before the store closes and tracing goes last. Failures are
// logged.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
