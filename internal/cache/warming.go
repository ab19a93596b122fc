package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/synocast/internal/models"
	"github.com/kjstillabower/synocast/internal/observability"
)

// DefaultWarmConcurrency bounds in-flight prefetches when no limit is given.
const DefaultWarmConcurrency = 4

// Prefetcher fills the cache for a location as a side effect of fetching it.
// The service layer satisfies it, which keeps this package free of that import.
type Prefetcher interface {
	GetWeather(ctx context.Context, lat, lon float64) (models.WeatherBundle, error)
}

// WarmReport summarises one warming pass.
type WarmReport struct {
	Requested int
	Warmed    int
	Failed    int
	Elapsed   time.Duration
}

// Warmer keeps the bundles of a fixed location list hot.
type Warmer struct {
	prefetch Prefetcher
	limit    int
	logger   *zap.Logger
	now      func() time.Time
}

// NewWarmer returns a Warmer running at most limit prefetches at once.
// A limit below one uses DefaultWarmConcurrency.
func NewWarmer(prefetch Prefetcher, limit int, logger *zap.Logger) *Warmer {
	if limit < 1 {
		limit = DefaultWarmConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{prefetch: prefetch, limit: limit, logger: logger, now: time.Now}
}

// Warm prefetches every distinct location once. Duplicate coordinates are
// fetched a single time. The returned error joins each location's failure.
func (w *Warmer) Warm(ctx context.Context, locations []models.Coordinates) (WarmReport, error) {
	started := w.now()
	targets := distinctLocations(locations)
	report := WarmReport{Requested: len(targets)}
	observability.CacheWarmingTotal.Inc()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(w.limit)
	for _, loc := range targets {
		loc := loc
		g.Go(func() error {
			_, err := w.prefetch.GetWeather(ctx, loc.Lat, loc.Lon)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("warm %g,%g: %w", loc.Lat, loc.Lon, err))
				return nil
			}
			report.Warmed++
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = w.now().Sub(started)
	observability.CacheWarmingDurationSeconds.Observe(report.Elapsed.Seconds())
	w.logger.Info("cache warmed",
		zap.Int("requested", report.Requested),
		zap.Int("warmed", report.Warmed),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return report, errors.Join(errs...)
	}
	return report, nil
}

// Run warms immediately, then again on every tick of interval until ctx ends.
// Failed passes are logged and do not stop the loop.
func (w *Warmer) Run(ctx context.Context, locations []models.Coordinates, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("warm interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Warm(ctx, locations); err != nil {
			w.logger.Warn("cache warming pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func distinctLocations(locations []models.Coordinates) []models.Coordinates {
	seen := make(map[models.Coordinates]struct{}, len(locations))
	out := make([]models.Coordinates, 0, len(locations))
	for _, loc := range locations {
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	return out
}
