package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/synocast/internal/astronomy"
	"github.com/kjstillabower/synocast/internal/cache"
	"github.com/kjstillabower/synocast/internal/client"
	"github.com/kjstillabower/synocast/internal/forecast"
	"github.com/kjstillabower/synocast/internal/models"
	"github.com/kjstillabower/synocast/internal/observability"
)

// ErrFetchFailed wraps every upstream or parse failure surfaced by the service.
// The underlying client or parser error remains reachable through errors.Is.
var ErrFetchFailed = errors.New("fetch failed")

// Cache features. The bundle has no feature prefix.
const (
	FeatureWeather   = "weather"
	FeatureForecast  = "forecast"
	FeatureExtended  = "extended"
	FeatureAstronomy = "astronomy"
)

// Options configures a WeatherService. Zero TTLs fall back to 10m (bundle and
// forecast), 30m (extended) and 6h (astronomy). StaleTTL 0 disables stale serving.
type Options struct {
	TTL                   time.Duration
	ExtendedTTL           time.Duration
	AstronomyTTL          time.Duration
	StaleTTL              time.Duration
	// KeyPrecision is the decimals coordinates are rounded to in cache keys.
	// Nil keeps full precision; zero rounds to whole degrees.
	KeyPrecision *int
	// AstronomyKeyPrecision applies to the astronomy feature. Nil means one decimal.
	AstronomyKeyPrecision *int
	CoalesceEnabled       bool
	CoalesceTimeout       time.Duration
	Now                   func() time.Time
}

// Precision returns a pointer for the Options precision fields.
func Precision(n int) *int { return &n }

// WeatherService orchestrates data retrieval using the cache-aside pattern
// with upstream fallback and stale serving.
type WeatherService struct {
	client          client.WeatherClient
	cache           cache.Cache
	opts            Options
	keyPrecision    int
	astroPrecision  int
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil when disabled
}

// NewWeatherService creates a WeatherService over the given client and cache.
func NewWeatherService(c client.WeatherClient, store cache.Cache, opts Options) *WeatherService {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.ExtendedTTL <= 0 {
		opts.ExtendedTTL = 30 * time.Minute
	}
	if opts.AstronomyTTL <= 0 {
		opts.AstronomyTTL = 6 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var coalescer *requestCoalescer
	if opts.CoalesceEnabled && opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	keyPrecision, astroPrecision := cache.FullPrecision, 1
	if opts.KeyPrecision != nil {
		keyPrecision = *opts.KeyPrecision
	}
	if opts.AstronomyKeyPrecision != nil {
		astroPrecision = *opts.AstronomyKeyPrecision
	}
	return &WeatherService{
		client:          c,
		cache:           store,
		opts:            opts,
		keyPrecision:    keyPrecision,
		astroPrecision:  astroPrecision,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

func (s *WeatherService) bundleKey(lat, lon float64) string {
	return cache.Key{Lat: lat, Lon: lon, Precision: s.keyPrecision}.String()
}

// GetWeather returns the current/forecast/pollution bundle for the coordinates.
func (s *WeatherService) GetWeather(ctx context.Context, lat, lon float64) (models.WeatherBundle, error) {
	observability.WeatherQueriesTotal.WithLabelValues(FeatureWeather).Inc()
	bundle, stale, err := cacheAside(ctx, s, FeatureWeather, s.bundleKey(lat, lon), s.opts.TTL,
		func(ctx context.Context) (models.WeatherBundle, error) { return s.fetchBundle(ctx, lat, lon) })
	if err != nil {
		return models.WeatherBundle{}, err
	}
	bundle.Stale = stale
	return bundle, nil
}

// fetchBundle fans out the three upstream calls. Current and forecast failures fail
// the whole bundle; an air-pollution failure leaves Pollution null.
func (s *WeatherService) fetchBundle(ctx context.Context, lat, lon float64) (models.WeatherBundle, error) {
	var current, fc, pollution []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = s.client.Current(gctx, lat, lon)
		return err
	})
	g.Go(func() error {
		var err error
		fc, err = s.client.Forecast(gctx, lat, lon)
		return err
	})
	g.Go(func() error {
		var err error
		pollution, err = s.client.AirPollution(gctx, lat, lon)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("air pollution unavailable",
				zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Error(err))
			pollution = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.WeatherBundle{}, err
	}
	if _, err := forecast.ParseForecast(fc); err != nil {
		return models.WeatherBundle{}, err
	}

	b := models.WeatherBundle{Current: current, Forecast: fc, Pollution: json.RawMessage("null")}
	if pollution != nil {
		b.Pollution = pollution
	}
	return b, nil
}

// Analytics returns chart series for the five-day forecast. It reuses the forecast
// inside a fresh cached bundle when one exists. Forecasts are validated before they
// are cached, so a malformed upstream payload never replaces a good entry.
func (s *WeatherService) Analytics(ctx context.Context, lat, lon float64) (models.ChartSeries, error) {
	observability.WeatherQueriesTotal.WithLabelValues("analytics").Inc()
	logger := observability.LoggerFromContext(ctx)

	if payload, ok, err := s.cache.Get(ctx, s.bundleKey(lat, lon)); err == nil && ok {
		var b models.WeatherBundle
		if json.Unmarshal(payload, &b) == nil && len(b.Forecast) > 0 {
			if fc, err := forecast.ParseForecast(b.Forecast); err == nil {
				logger.Debug("analytics reusing cached bundle", zap.Float64("lat", lat), zap.Float64("lon", lon))
				return forecast.ChartSeries(forecast.Aggregate(fc.Samples, fc.TimezoneOffset)), nil
			}
		}
	}

	key := cache.Key{Lat: lat, Lon: lon, Feature: FeatureForecast, Precision: s.keyPrecision}.String()
	raw, stale, err := cacheAside(ctx, s, FeatureForecast, key, s.opts.TTL,
		func(ctx context.Context) (json.RawMessage, error) {
			raw, err := s.client.Forecast(ctx, lat, lon)
			if err != nil {
				return nil, err
			}
			if _, err := forecast.ParseForecast(raw); err != nil {
				return nil, err
			}
			return raw, nil
		})
	if err != nil {
		return models.ChartSeries{}, err
	}

	fc, err := forecast.ParseForecast(raw)
	if err != nil {
		return models.ChartSeries{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	series := forecast.ChartSeries(forecast.Aggregate(fc.Samples, fc.TimezoneOffset))
	series.Stale = stale
	return series, nil
}

// Extended returns daily summaries with per-day astronomy when One Call is available.
func (s *WeatherService) Extended(ctx context.Context, lat, lon float64) (models.ExtendedForecast, error) {
	observability.WeatherQueriesTotal.WithLabelValues(FeatureExtended).Inc()
	key := cache.Key{Lat: lat, Lon: lon, Feature: FeatureExtended, Precision: s.keyPrecision}.String()
	ext, stale, err := cacheAside(ctx, s, FeatureExtended, key, s.opts.ExtendedTTL,
		func(ctx context.Context) (models.ExtendedForecast, error) { return s.fetchExtended(ctx, lat, lon) })
	if err != nil {
		return models.ExtendedForecast{}, err
	}
	ext.Stale = stale
	return ext, nil
}

func (s *WeatherService) fetchExtended(ctx context.Context, lat, lon float64) (models.ExtendedForecast, error) {
	logger := observability.LoggerFromContext(ctx)

	var fcRaw, oneCallRaw []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fcRaw, err = s.client.Forecast(gctx, lat, lon)
		return err
	})
	g.Go(func() error {
		var err error
		if oneCallRaw, err = s.client.OneCall(gctx, lat, lon); err != nil {
			logger.Warn("one call unavailable, omitting astronomy", zap.Error(err))
			oneCallRaw = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.ExtendedForecast{}, err
	}

	fc, err := forecast.ParseForecast(fcRaw)
	if err != nil {
		return models.ExtendedForecast{}, err
	}
	ext := models.ExtendedForecast{
		TimezoneOffset: fc.TimezoneOffset,
		Daily:          forecast.Aggregate(fc.Samples, fc.TimezoneOffset),
	}

	if oneCallRaw == nil {
		return ext, nil
	}
	days, offset, err := astronomy.ParseDaily(oneCallRaw)
	if err != nil {
		logger.Warn("one call payload unusable, omitting astronomy", zap.Error(err))
		return ext, nil
	}
	byDate := make(map[string]*models.AstronomyInfo, len(days))
	for _, d := range days {
		if info, ok := astronomy.Format(d, offset); ok {
			byDate[info.Date] = info
		}
	}
	for i := range ext.Daily {
		ext.Daily[i].Astronomy = byDate[ext.Daily[i].Date]
	}
	return ext, nil
}

// Astronomy returns per-day sun and moon data. Its cache key uses the coarser
// astronomy precision so nearby locations share an entry.
func (s *WeatherService) Astronomy(ctx context.Context, lat, lon float64) (models.AstronomyReport, error) {
	observability.WeatherQueriesTotal.WithLabelValues(FeatureAstronomy).Inc()
	key := cache.Key{Lat: lat, Lon: lon, Feature: FeatureAstronomy, Precision: s.astroPrecision}.String()
	report, stale, err := cacheAside(ctx, s, FeatureAstronomy, key, s.opts.AstronomyTTL,
		func(ctx context.Context) (models.AstronomyReport, error) {
			raw, err := s.client.OneCall(ctx, lat, lon)
			if err != nil {
				return models.AstronomyReport{}, err
			}
			days, offset, err := astronomy.ParseDaily(raw)
			if err != nil {
				return models.AstronomyReport{}, err
			}
			return models.AstronomyReport{TimezoneOffset: offset, Days: astronomy.Report(days, offset)}, nil
		})
	if err != nil {
		return models.AstronomyReport{}, err
	}
	report.Stale = stale
	return report, nil
}

// cacheAside serves key from cache when fresh, otherwise fetches and stores the
// result. When the fetch fails and a stale entry is still within StaleTTL it is
// returned with stale=true. Undecodable cached payloads are treated as misses.
func cacheAside[T any](ctx context.Context, s *WeatherService, feature, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	logger := observability.LoggerFromContext(ctx).With(zap.String("feature", feature), zap.String("key", key))

	getStart := time.Now()
	payload, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.Error(err))
	case ok:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		var v T
		if err := json.Unmarshal(payload, &v); err == nil {
			observability.CacheHitsTotal.WithLabelValues(feature).Inc()
			logger.Debug("cache hit")
			return v, false, nil
		}
		logger.Warn("cached payload undecodable, refetching")
	default:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "miss").Observe(getDuration)
	}
	observability.CacheMissesTotal.WithLabelValues(feature).Inc()

	concurrent, resolved := s.stampedeTracker.begin(key)
	defer resolved()
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(feature).Inc()
	}
	logger.Debug("cache miss, fetching upstream", zap.Int("concurrent_misses", concurrent))

	var v T
	var fetchErr error
	if s.coalescer != nil {
		start := time.Now()
		res, shared, err := s.coalescer.Do(ctx, key, func(ctx context.Context) (any, error) { return fetch(ctx) })
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(feature).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(start).Seconds())
		}
		fetchErr = err
		if err == nil {
			v = res.(T)
		}
	} else {
		v, fetchErr = fetch(ctx)
	}

	if fetchErr != nil {
		if stale, ok := serveStale[T](ctx, s, feature, key, logger); ok {
			return stale, true, nil
		}
		return zero, false, fmt.Errorf("%w: %s: %w", ErrFetchFailed, feature, fetchErr)
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return zero, false, fmt.Errorf("encode %s for cache: %w", feature, err)
	}
	setStart := time.Now()
	if err := s.cache.Set(ctx, key, encoded, ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.Error(err))
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	return v, false, nil
}

func serveStale[T any](ctx context.Context, s *WeatherService, feature, key string, logger *zap.Logger) (T, bool) {
	var v T
	if s.opts.StaleTTL <= 0 {
		return v, false
	}
	entry, ok, err := s.cache.GetStale(ctx, key, s.opts.StaleTTL)
	if err != nil || !ok {
		return v, false
	}
	if err := json.Unmarshal(entry.Payload, &v); err != nil {
		return v, false
	}
	age := entry.Age(s.opts.Now())
	observability.StaleCacheServesTotal.WithLabelValues(feature).Inc()
	observability.StaleCacheAgeSeconds.Observe(age.Seconds())
	logger.Info("serving stale cache", zap.Duration("age", age))
	return v, true
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "connection"
	}
	return "unknown"
}
