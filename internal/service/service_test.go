package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/synocast/internal/cache"
	"github.com/kjstillabower/synocast/internal/client"
	"github.com/kjstillabower/synocast/internal/forecast"
	"github.com/kjstillabower/synocast/internal/observability"
)

const (
	forecastFixture = `{"list":[
		{"dt":1705309200,"main":{"temp_min":10,"temp_max":15},"pop":0.2},
		{"dt":1705341600,"main":{"temp_min":8,"temp_max":18},"pop":0.6,"rain":{"3h":1.5}}
	],"city":{"timezone":18000}}`
	oneCallFixture = `{"timezone_offset":18000,"daily":[
		{"dt":1705302000,"sunrise":1705287600,"sunset":1705323600,"moonrise":1705296000,"moon_phase":0.5}
	]}`
	currentFixture   = `{"main":{"temp":12.5}}`
	pollutionFixture = `{"list":[{"main":{"aqi":2}}]}`
)

type mockWeatherClient struct {
	mu           sync.Mutex
	calls        map[string]int
	currentErr   error
	forecastErr  error
	pollutionErr error
	oneCallErr   error
	forecastBody string
	delay        time.Duration
}

func newMockClient() *mockWeatherClient {
	return &mockWeatherClient{calls: make(map[string]int), forecastBody: forecastFixture}
}

func (m *mockWeatherClient) record(endpoint string) {
	m.mu.Lock()
	m.calls[endpoint]++
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
}

func (m *mockWeatherClient) count(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[endpoint]
}

func (m *mockWeatherClient) Current(ctx context.Context, lat, lon float64) ([]byte, error) {
	m.record(client.EndpointCurrent)
	return []byte(currentFixture), m.currentErr
}

func (m *mockWeatherClient) Forecast(ctx context.Context, lat, lon float64) ([]byte, error) {
	m.record(client.EndpointForecast)
	return []byte(m.forecastBody), m.forecastErr
}

func (m *mockWeatherClient) AirPollution(ctx context.Context, lat, lon float64) ([]byte, error) {
	m.record(client.EndpointAirPollution)
	return []byte(pollutionFixture), m.pollutionErr
}

func (m *mockWeatherClient) OneCall(ctx context.Context, lat, lon float64) ([]byte, error) {
	m.record(client.EndpointOneCall)
	return []byte(oneCallFixture), m.oneCallErr
}

func (m *mockWeatherClient) ValidateAPIKey(ctx context.Context) error { return nil }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingCache errors on every operation.
type failingCache struct{}

var errCacheDown = errors.New("cache down")

func (failingCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errCacheDown }
func (failingCache) GetStale(context.Context, string, time.Duration) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errCacheDown
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error { return errCacheDown }

func newTestService(t *testing.T, opts Options) (*WeatherService, *mockWeatherClient, *cache.InMemoryCache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
	store := cache.NewInMemoryCache(cache.WithClock(clk.Now))
	mc := newMockClient()
	opts.Now = clk.Now
	return NewWeatherService(mc, store, opts), mc, store, clk
}

// TestGetWeather_CacheAside verifies that the first call fetches all three
// endpoints and the second call within the TTL is served from cache.
func TestGetWeather_CacheAside(t *testing.T) {
	svc, mc, store, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	ctx := context.Background()

	b, err := svc.GetWeather(ctx, 24.86, 67.01)
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if string(b.Current) != currentFixture || string(b.Pollution) != pollutionFixture {
		t.Errorf("bundle = %s / %s", b.Current, b.Pollution)
	}
	if b.Stale {
		t.Error("fresh bundle marked stale")
	}
	if _, ok, _ := store.Get(ctx, "24.86,67.01"); !ok {
		t.Error("bundle not cached under \"24.86,67.01\"")
	}

	if _, err := svc.GetWeather(ctx, 24.86, 67.01); err != nil {
		t.Fatalf("second GetWeather() error = %v", err)
	}
	for _, ep := range []string{client.EndpointCurrent, client.EndpointForecast, client.EndpointAirPollution} {
		if got := mc.count(ep); got != 1 {
			t.Errorf("%s calls = %d, want 1", ep, got)
		}
	}
}

// TestGetWeather_ExpiryRefetches verifies that an entry at exactly the TTL is a miss.
func TestGetWeather_ExpiryRefetches(t *testing.T) {
	svc, mc, _, clk := newTestService(t, Options{TTL: 10 * time.Minute, KeyPrecision: Precision(cache.FullPrecision)})
	ctx := context.Background()

	_, _ = svc.GetWeather(ctx, 1, 2)
	clk.Advance(10 * time.Minute)
	_, _ = svc.GetWeather(ctx, 1, 2)
	if got := mc.count(client.EndpointCurrent); got != 2 {
		t.Errorf("current calls = %d, want 2", got)
	}
}

// TestGetWeather_PollutionNonCritical verifies that an air-pollution failure
// yields pollution null without failing the bundle.
func TestGetWeather_PollutionNonCritical(t *testing.T) {
	svc, mc, _, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	mc.pollutionErr = client.ErrUpstreamFailure

	b, err := svc.GetWeather(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if string(b.Pollution) != "null" {
		t.Errorf("Pollution = %s, want null", b.Pollution)
	}
	out, _ := json.Marshal(b)
	if !json.Valid(out) {
		t.Errorf("bundle does not marshal to valid JSON: %s", out)
	}
}

// TestGetWeather_CriticalFailure verifies that a forecast failure fails the cycle
// with ErrFetchFailed wrapping the client error and caches nothing.
func TestGetWeather_CriticalFailure(t *testing.T) {
	svc, mc, store, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	mc.forecastErr = client.ErrInvalidAPIKey

	_, err := svc.GetWeather(context.Background(), 1, 2)
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, client.ErrInvalidAPIKey) {
		t.Fatalf("GetWeather() error = %v, want ErrFetchFailed wrapping ErrInvalidAPIKey", err)
	}
	if store.Len() != 0 {
		t.Errorf("cache entries = %d, want 0 after failed cycle", store.Len())
	}
}

// TestGetWeather_ServesStale verifies stale fallback within StaleTTL and the
// error once the entry is older than TTL + StaleTTL.
func TestGetWeather_ServesStale(t *testing.T) {
	svc, mc, _, clk := newTestService(t, Options{TTL: 10 * time.Minute, StaleTTL: time.Hour, KeyPrecision: Precision(cache.FullPrecision)})
	core, logs := observer.New(zap.InfoLevel)
	ctx := observability.ContextWithLogger(context.Background(), zap.New(core))

	if _, err := svc.GetWeather(ctx, 1, 2); err != nil {
		t.Fatalf("priming GetWeather() error = %v", err)
	}
	mc.currentErr = client.ErrUpstreamFailure

	clk.Advance(30 * time.Minute)
	b, err := svc.GetWeather(ctx, 1, 2)
	if err != nil {
		t.Fatalf("GetWeather() with stale entry error = %v", err)
	}
	if !b.Stale {
		t.Error("Stale = false, want true")
	}
	if logs.FilterMessage("serving stale cache").Len() != 1 {
		t.Errorf("expected one 'serving stale cache' log, got %d", logs.FilterMessage("serving stale cache").Len())
	}

	clk.Advance(time.Hour)
	if _, err := svc.GetWeather(ctx, 1, 2); !errors.Is(err, ErrFetchFailed) {
		t.Errorf("GetWeather() past stale window error = %v, want ErrFetchFailed", err)
	}
}

// TestGetWeather_StaleDisabled verifies that StaleTTL 0 never serves expired data.
func TestGetWeather_StaleDisabled(t *testing.T) {
	svc, mc, _, clk := newTestService(t, Options{TTL: time.Minute, KeyPrecision: Precision(cache.FullPrecision)})
	_, _ = svc.GetWeather(context.Background(), 1, 2)
	mc.currentErr = client.ErrUpstreamFailure
	clk.Advance(2 * time.Minute)
	if _, err := svc.GetWeather(context.Background(), 1, 2); err == nil {
		t.Error("GetWeather() error = nil, want failure with stale serving disabled")
	}
}

// TestGetWeather_CacheErrorsDegradeToUpstream verifies that a broken cache
// still serves upstream data and logs the set failure at warn.
func TestGetWeather_CacheErrorsDegradeToUpstream(t *testing.T) {
	mc := newMockClient()
	svc := NewWeatherService(mc, failingCache{}, Options{})
	core, logs := observer.New(zap.WarnLevel)
	ctx := observability.ContextWithLogger(context.Background(), zap.New(core))

	if _, err := svc.GetWeather(ctx, 1, 2); err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if logs.FilterMessage("cache set failed").Len() != 1 {
		t.Error("expected 'cache set failed' warning")
	}
}

// TestGetWeather_CorruptCacheEntry verifies that an undecodable cached payload is refetched.
func TestGetWeather_CorruptCacheEntry(t *testing.T) {
	svc, mc, store, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	_ = store.Set(context.Background(), "1,2", []byte(`"not a bundle"`), time.Hour)

	if _, err := svc.GetWeather(context.Background(), 1, 2); err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if mc.count(client.EndpointCurrent) != 1 {
		t.Error("corrupt entry was served instead of refetched")
	}
}

// TestAnalytics_ReusesBundle verifies that analytics reads the forecast from
// a cached bundle without another forecast call.
func TestAnalytics_ReusesBundle(t *testing.T) {
	svc, mc, _, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	ctx := context.Background()
	_, _ = svc.GetWeather(ctx, 1, 2)

	series, err := svc.Analytics(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if mc.count(client.EndpointForecast) != 1 {
		t.Errorf("forecast calls = %d, want 1", mc.count(client.EndpointForecast))
	}
	if len(series.Dates) != 1 || series.Dates[0] != "Mon 15" {
		t.Fatalf("Dates = %v, want [Mon 15]", series.Dates)
	}
	if series.MinTemps[0] != 8 || series.MaxTemps[0] != 18 || series.PrecipProbs[0] != 60 || series.RainTotals[0] != 1.5 {
		t.Errorf("series = %+v", series)
	}
}

// TestAnalytics_FetchesForecast verifies the forecast-feature cache path when no bundle exists.
func TestAnalytics_FetchesForecast(t *testing.T) {
	svc, mc, store, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	ctx := context.Background()

	if _, err := svc.Analytics(ctx, 1, 2); err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if _, err := svc.Analytics(ctx, 1, 2); err != nil {
		t.Fatalf("second Analytics() error = %v", err)
	}
	if mc.count(client.EndpointForecast) != 1 {
		t.Errorf("forecast calls = %d, want 1", mc.count(client.EndpointForecast))
	}
	if mc.count(client.EndpointCurrent) != 0 {
		t.Error("analytics fetched current weather")
	}
	if _, ok, _ := store.Get(ctx, "forecast_1,2"); !ok {
		t.Error("forecast not cached under forecast_1,2")
	}
}

const malformedForecast = `{"list":[{"dt":1}],"city":{"timezone":0}}`

// TestAnalytics_MalformedForecastNotCached verifies that a payload failing validation
// is not stored, so the next call refetches once upstream recovers.
func TestAnalytics_MalformedForecastNotCached(t *testing.T) {
	svc, mc, store, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	ctx := context.Background()
	mc.forecastBody = malformedForecast

	if _, err := svc.Analytics(ctx, 1, 2); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("Analytics() error = %v, want ErrFetchFailed", err)
	}
	if _, ok, _ := store.Get(ctx, "forecast_1,2"); ok {
		t.Fatal("malformed forecast was cached")
	}

	mc.forecastBody = forecastFixture
	series, err := svc.Analytics(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Analytics() after upstream recovered error = %v", err)
	}
	if len(series.Dates) != 1 {
		t.Errorf("Dates = %v, want one day", series.Dates)
	}
	if got := mc.count(client.EndpointForecast); got != 2 {
		t.Errorf("forecast calls = %d, want 2", got)
	}
}

// TestAnalytics_MalformedForecastServesStale verifies that a malformed refresh keeps
// the expired good entry and serves it as stale.
func TestAnalytics_MalformedForecastServesStale(t *testing.T) {
	svc, mc, store, clk := newTestService(t, Options{TTL: 10 * time.Minute, StaleTTL: time.Hour, KeyPrecision: Precision(cache.FullPrecision)})
	ctx := context.Background()

	if _, err := svc.Analytics(ctx, 1, 2); err != nil {
		t.Fatalf("priming Analytics() error = %v", err)
	}
	clk.Advance(15 * time.Minute)
	mc.forecastBody = malformedForecast

	series, err := svc.Analytics(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Analytics() error = %v, want stale series", err)
	}
	if !series.Stale {
		t.Error("Stale = false, want true")
	}
	if series.MaxTemps[0] != 18 {
		t.Errorf("MaxTemps = %v, want the previously cached values", series.MaxTemps)
	}
	entry, ok, _ := store.GetStale(ctx, "forecast_1,2", time.Hour)
	if !ok || string(entry.Payload) == malformedForecast {
		t.Error("good entry was overwritten by the malformed payload")
	}
}

// TestGetWeather_MalformedForecastFailsBundle verifies that the bundle is rejected,
// and not cached, when its forecast does not validate.
func TestGetWeather_MalformedForecastFailsBundle(t *testing.T) {
	svc, mc, store, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	mc.forecastBody = malformedForecast

	_, err := svc.GetWeather(context.Background(), 1, 2)
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, forecast.ErrMalformedPayload) {
		t.Fatalf("GetWeather() error = %v, want ErrFetchFailed wrapping ErrMalformedPayload", err)
	}
	if store.Len() != 0 {
		t.Errorf("cache entries = %d, want 0", store.Len())
	}
}

// TestOptions_DefaultKeyPrecision verifies that unset precisions keep full
// coordinates for the bundle and one decimal for astronomy.
func TestOptions_DefaultKeyPrecision(t *testing.T) {
	svc, _, store, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.GetWeather(ctx, 51.5074, -0.1278); err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, "51.5074,-0.1278"); !ok {
		t.Error("bundle not cached under full-precision key 51.5074,-0.1278")
	}
	if _, err := svc.Astronomy(ctx, 51.5074, -0.1278); err != nil {
		t.Fatalf("Astronomy() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, "astronomy_51.5,-0.1"); !ok {
		t.Error("astronomy not cached under astronomy_51.5,-0.1")
	}
}

// TestExtended_WithAstronomy verifies daily summaries carry astronomy for matching dates.
func TestExtended_WithAstronomy(t *testing.T) {
	svc, _, _, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})

	ext, err := svc.Extended(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Extended() error = %v", err)
	}
	if ext.TimezoneOffset != 18000 || len(ext.Daily) != 1 {
		t.Fatalf("ext = %+v", ext)
	}
	day := ext.Daily[0]
	if day.Date != "2024-01-15" || day.MinTemp != 8 || day.MaxTemp != 18 || day.PrecipProbabilityPct != 60 {
		t.Errorf("day = %+v", day)
	}
	if day.Astronomy == nil {
		t.Fatal("Astronomy = nil, want block for 2024-01-15")
	}
	if day.Astronomy.Sunrise != "08:00" || day.Astronomy.Sunset != "18:00" || day.Astronomy.Moonset != "N/A" {
		t.Errorf("astronomy = %+v", day.Astronomy)
	}
	if day.Astronomy.MoonPhase.Name != "Full Moon" {
		t.Errorf("MoonPhase = %+v, want Full Moon", day.Astronomy.MoonPhase)
	}
}

// TestExtended_OneCallFailureOmitsAstronomy verifies that One Call failure is non-fatal.
func TestExtended_OneCallFailureOmitsAstronomy(t *testing.T) {
	svc, mc, _, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision)})
	mc.oneCallErr = client.ErrUpstreamFailure

	ext, err := svc.Extended(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Extended() error = %v", err)
	}
	if len(ext.Daily) != 1 || ext.Daily[0].Astronomy != nil {
		t.Errorf("Daily = %+v, want summaries without astronomy", ext.Daily)
	}
}

// TestAstronomy_CoarseKey verifies that nearby coordinates share one astronomy entry.
func TestAstronomy_CoarseKey(t *testing.T) {
	svc, mc, store, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision), AstronomyKeyPrecision: Precision(1)})
	ctx := context.Background()

	report, err := svc.Astronomy(ctx, 24.8607, 67.0011)
	if err != nil {
		t.Fatalf("Astronomy() error = %v", err)
	}
	if len(report.Days) != 1 || report.Days[0].GoldenHours.Morning.Start != "08:00" {
		t.Fatalf("report = %+v", report)
	}
	if _, err := svc.Astronomy(ctx, 24.8712, 67.0398); err != nil {
		t.Fatalf("second Astronomy() error = %v", err)
	}
	if got := mc.count(client.EndpointOneCall); got != 1 {
		t.Errorf("onecall calls = %d, want 1 (shared coarse key)", got)
	}
	if _, ok, _ := store.Get(ctx, "astronomy_24.9,67.0"); !ok {
		t.Error("astronomy not cached under astronomy_24.9,67.0")
	}
}

// TestGetWeather_Coalescing verifies that concurrent misses share one upstream fetch
// when coalescing is enabled.
func TestGetWeather_Coalescing(t *testing.T) {
	svc, mc, _, _ := newTestService(t, Options{KeyPrecision: Precision(cache.FullPrecision), CoalesceEnabled: true, CoalesceTimeout: 5 * time.Second})
	mc.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.GetWeather(context.Background(), 1, 2)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if got := mc.count(client.EndpointCurrent); got != 1 {
		t.Errorf("current calls = %d, want 1", got)
	}
}

func TestCategorizeCacheError(t *testing.T) {
	if got := categorizeCacheError(context.DeadlineExceeded); got != "timeout" {
		t.Errorf("categorizeCacheError(deadline) = %q, want timeout", got)
	}
	if got := categorizeCacheError(errCacheDown); got != "unknown" {
		t.Errorf("categorizeCacheError(other) = %q, want unknown", got)
	}
}
