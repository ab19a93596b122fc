package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/synocast/internal/cache"
	"github.com/kjstillabower/synocast/internal/circuitbreaker"
	"github.com/kjstillabower/synocast/internal/client"
	"github.com/kjstillabower/synocast/internal/config"
	httphandler "github.com/kjstillabower/synocast/internal/http"
	"github.com/kjstillabower/synocast/internal/lifecycle"
	"github.com/kjstillabower/synocast/internal/observability"
	"github.com/kjstillabower/synocast/internal/service"
	"github.com/kjstillabower/synocast/internal/traffic"
)

const drainCheckInterval = 50 * time.Millisecond

// cacheBackend is the selected store plus its optional health check and closer.
type cacheBackend struct {
	store cache.Cache
	ping  func(ctx context.Context) error
	close func() error
}

// openCache builds the backend named by cfg.CacheBackend.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cacheBackend, error) {
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns,
			cache.WithStaleRetention(cfg.StaleTTL))
		if err != nil {
			return cacheBackend{}, fmt.Errorf("memcached cache: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return cacheBackend{
			store: mc,
			ping:  func(context.Context) error { return mc.Ping() },
			close: mc.Close,
		}, nil
	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return cacheBackend{}, fmt.Errorf("sqlite cache dir: %w", err)
			}
		}
		sc, err := cache.NewSQLiteCache(ctx, cfg.SQLitePath)
		if err != nil {
			return cacheBackend{}, err
		}
		logger.Info("cache backend: sqlite", zap.String("path", cfg.SQLitePath))
		return cacheBackend{
			store: sc,
			ping:  func(context.Context) error { return sc.Ping() },
			close: sc.Close,
		}, nil
	default:
		mem := cache.NewInMemoryCache(cache.WithMaxEntries(cfg.CacheMaxEntries))
		observability.RegisterCacheEntriesGauge(mem.Len)
		logger.Info("cache backend: in_memory", zap.Int("max_entries", cfg.CacheMaxEntries))
		return cacheBackend{store: mem}, nil
	}
}

func newBreaker(cfg *config.Config, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	const component = "openweather"
	observability.CircuitBreakerState.WithLabelValues(component).Set(0)
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        component,
		IsFailure:        client.IsBreakerFailure,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		client.WithOneCallURL(cfg.OneCallURL),
		client.WithRetry(cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		client.WithCircuitBreaker(newBreaker(cfg, logger)),
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	geocoder := client.NewNominatimGeocoder(cfg.GeocodeURL, cfg.GeocodeUserAgent, cfg.GeocodeLimit, cfg.WeatherAPITimeout, cfg.GeocodeMemoTTL)

	backend, err := openCache(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	weatherService := service.NewWeatherService(weatherClient, backend.store, service.Options{
		TTL:                   cfg.CacheTTL,
		ExtendedTTL:           cfg.ExtendedCacheTTL,
		AstronomyTTL:          cfg.AstronomyCacheTTL,
		StaleTTL:              cfg.StaleTTL,
		KeyPrecision:          service.Precision(cfg.CacheKeyPrecision),
		AstronomyKeyPrecision: service.Precision(cfg.AstronomyKeyPrecision),
		CoalesceEnabled:       cfg.CoalescingEnabled,
		CoalesceTimeout:       cfg.CoalesceTimeout,
	})

	tracker := traffic.NewTracker(time.Now)
	observability.RegisterRateLimitGauges(tracker, cfg.HealthWindow)
	life := &lifecycle.State{}

	handler := httphandler.NewHandler(weatherService, geocoder, weatherClient, httphandler.HealthConfig{
		Thresholds: traffic.Thresholds{
			Window:              cfg.HealthWindow,
			OverloadedRequests:  cfg.OverloadRequests,
			DegradedErrorRate:   float64(cfg.DegradedErrorPct) / 100,
			DegradedMinRequests: cfg.DegradedMinRequests,
		},
		APIKeyCheckInterval: 5 * time.Minute,
		CachePing:           backend.ping,
	}, tracker, life, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Tracker:        tracker,
		Lifecycle:      life,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.WarmLocations) > 0 && cfg.WarmInterval > 0 {
		warmer := cache.NewWarmer(weatherService, cache.DefaultWarmConcurrency, logger)
		go func() {
			if err := warmer.Run(ctx, cfg.WarmLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("cache_backend", cfg.CacheBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	life.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("waiting for in-flight requests", zap.Int64("count", life.InFlight()))
	if err := life.WaitIdle(shutdownCtx, drainCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", life.InFlight()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if backend.close != nil {
		if err := backend.close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
