package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/synocast/internal/circuitbreaker"
	"github.com/kjstillabower/synocast/internal/observability"
)

// WeatherClient fetches raw OpenWeatherMap documents by coordinates.
// Bodies are returned unparsed so they can be cached and passed through verbatim.
type WeatherClient interface {
	Current(ctx context.Context, lat, lon float64) ([]byte, error)
	Forecast(ctx context.Context, lat, lon float64) ([]byte, error)
	AirPollution(ctx context.Context, lat, lon float64) ([]byte, error)
	OneCall(ctx context.Context, lat, lon float64) ([]byte, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

// Endpoint names double as metric labels.
const (
	EndpointCurrent      = "weather"
	EndpointForecast     = "forecast"
	EndpointAirPollution = "air_pollution"
	EndpointOneCall      = "onecall"
	EndpointGeocode      = "geocode"
)

// DefaultOneCallURL is the One Call 3.0 endpoint; it lives outside the 2.5 base path.
const DefaultOneCallURL = "https://api.openweathermap.org/data/3.0/onecall"

// Option customises an OpenWeatherClient.
type Option func(*OpenWeatherClient)

// WithRetry sets the attempt count and exponential backoff bounds.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *OpenWeatherClient) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithOneCallURL overrides the One Call endpoint.
func WithOneCallURL(u string) Option {
	return func(c *OpenWeatherClient) { c.oneCallURL = u }
}

// WithCircuitBreaker routes every upstream attempt through cb.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *OpenWeatherClient) { c.breaker = cb }
}

type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	oneCallURL     string
	timeout        time.Duration
	client         *http.Client
	breaker        *circuitbreaker.CircuitBreaker
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

// NewOpenWeatherClient builds a client for the 2.5 API rooted at baseURL
// (e.g. https://api.openweathermap.org/data/2.5).
func NewOpenWeatherClient(apiKey, baseURL string, timeout time.Duration, opts ...Option) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	c := &OpenWeatherClient{
		apiKey:         apiKey,
		baseURL:        baseURL,
		oneCallURL:     DefaultOneCallURL,
		timeout:        timeout,
		client:         &http.Client{Timeout: timeout},
		retryAttempts:  3,
		retryBaseDelay: 100 * time.Millisecond,
		retryMaxDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *OpenWeatherClient) Current(ctx context.Context, lat, lon float64) ([]byte, error) {
	return c.fetch(ctx, EndpointCurrent, c.baseURL+"/weather", coordParams(lat, lon, true))
}

func (c *OpenWeatherClient) Forecast(ctx context.Context, lat, lon float64) ([]byte, error) {
	return c.fetch(ctx, EndpointForecast, c.baseURL+"/forecast", coordParams(lat, lon, true))
}

// AirPollution has no units parameter upstream.
func (c *OpenWeatherClient) AirPollution(ctx context.Context, lat, lon float64) ([]byte, error) {
	return c.fetch(ctx, EndpointAirPollution, c.baseURL+"/air_pollution", coordParams(lat, lon, false))
}

// OneCall requests only the daily block, which carries sun and moon times.
func (c *OpenWeatherClient) OneCall(ctx context.Context, lat, lon float64) ([]byte, error) {
	params := coordParams(lat, lon, true)
	params.Set("exclude", "current,minutely,hourly,alerts")
	return c.fetch(ctx, EndpointOneCall, c.oneCallURL, params)
}

func coordParams(lat, lon float64, metric bool) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	if metric {
		params.Set("units", "metric")
	}
	return params
}

func (c *OpenWeatherClient) fetch(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(endpoint).Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		body, err := c.attempt(ctx, endpoint, rawURL, params)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !isRetryable(ctx, err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%s: exhausted retries: %w", endpoint, lastErr)
}

func (c *OpenWeatherClient) attempt(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, rawURL, params)
	}
	var body []byte
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.callAPI(ctx, endpoint, rawURL, params)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "breaker_open").Inc()
		return nil, fmt.Errorf("%s: %w: %w", endpoint, ErrUpstreamFailure, err)
	}
	return body, err
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, rawURL, params)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response body: %w", endpoint, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", ErrUpstreamFailure, endpoint)
	}
	return body, nil
}

func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsBreakerFailure reports whether err reflects upstream health. Caller mistakes
// (bad key, unknown location) and cancellations do not trip the breaker.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrLocationNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, rawURL string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return ErrLocationNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}

// ValidateAPIKey issues a single current-weather call for London without retries.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, c.baseURL+"/weather", coordParams(51.5074, -0.1278, true))
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
