package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/synocast/internal/client"
	"github.com/kjstillabower/synocast/internal/lifecycle"
	"github.com/kjstillabower/synocast/internal/models"
	"github.com/kjstillabower/synocast/internal/observability"
	"github.com/kjstillabower/synocast/internal/traffic"
	"github.com/kjstillabower/synocast/internal/validation"
)

// WeatherProvider is the service surface the handlers depend on.
type WeatherProvider interface {
	GetWeather(ctx context.Context, lat, lon float64) (models.WeatherBundle, error)
	Analytics(ctx context.Context, lat, lon float64) (models.ChartSeries, error)
	Extended(ctx context.Context, lat, lon float64) (models.ExtendedForecast, error)
	Astronomy(ctx context.Context, lat, lon float64) (models.AstronomyReport, error)
}

// APIKeyValidator checks upstream credentials for /health.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// HealthConfig holds the thresholds and checks used by /health.
type HealthConfig struct {
	Thresholds traffic.Thresholds
	// APIKeyCheckInterval caches the API key verdict between checks. Zero checks on every call.
	APIKeyCheckInterval time.Duration
	// CachePing, when set, reports cache backend reachability.
	CachePing func(ctx context.Context) error
	Version   string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather   WeatherProvider
	geocoder  client.Geocoder
	validator APIKeyValidator
	health    HealthConfig
	tracker   *traffic.Tracker
	life      *lifecycle.State
	logger    *zap.Logger
	now       func() time.Time

	healthMu         sync.Mutex
	healthStatusPrev string
	keyCheckedAt     time.Time
	keyErr           error
}

// NewHandler returns a new Handler. tracker and life must be non-nil.
func NewHandler(
	weather WeatherProvider,
	geocoder client.Geocoder,
	validator APIKeyValidator,
	health HealthConfig,
	tracker *traffic.Tracker,
	life *lifecycle.State,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		weather:   weather,
		geocoder:  geocoder,
		validator: validator,
		health:    health,
		tracker:   tracker,
		life:      life,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *Handler) coordinates(w http.ResponseWriter, r *http.Request) (models.Coordinates, bool) {
	q := r.URL.Query()
	c, err := validation.ParseCoordinates(q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
		return models.Coordinates{}, false
	}
	return c, true
}

// GetWeather handles GET /weather?lat=&lon=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	bundle, err := h.weather.GetWeather(r.Context(), c.Lat, c.Lon)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	doc, err := json.Marshal(bundle)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ENCODING_FAILED", "unable to encode response")
		return
	}
	writeRawJSON(w, r, http.StatusOK, doc)
}

// GetAnalytics handles GET /weather/analytics?lat=&lon=.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	series, err := h.weather.Analytics(r.Context(), c.Lat, c.Lon)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeResponse(w, r, http.StatusOK, series)
}

// GetExtended handles GET /weather/extended?lat=&lon=.
func (h *Handler) GetExtended(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	ext, err := h.weather.Extended(r.Context(), c.Lat, c.Lon)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeResponse(w, r, http.StatusOK, ext)
}

// GetAstronomy handles GET /weather/astronomy?lat=&lon=.
func (h *Handler) GetAstronomy(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	report, err := h.weather.Astronomy(r.Context(), c.Lat, c.Lon)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeResponse(w, r, http.StatusOK, report)
}

type geocodeResponse struct {
	Query   string               `json:"query"`
	Results []models.GeoLocation `json:"results"`
}

// GetGeocode handles GET /geocode?q=.
func (h *Handler) GetGeocode(w http.ResponseWriter, r *http.Request) {
	q, err := validation.ValidateQuery(r.URL.Query().Get("q"), 2, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	observability.WeatherQueriesTotal.WithLabelValues("geocode").Inc()
	results, err := h.geocoder.Search(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.tracker.RecordSuccess()
	writeResponse(w, r, http.StatusOK, geocodeResponse{Query: q, Results: results})
}

// writeServiceError maps service and client errors to HTTP responses.
// Only upstream-side failures count toward the degraded error rate.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())
	category := client.CategorizeError(err)

	switch {
	case errors.Is(err, client.ErrLocationNotFound):
		h.tracker.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "No data for the requested location")
		return
	case errors.Is(err, client.ErrEmptyQuery):
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	h.tracker.RecordError()
	logger.Debug("upstream error", zap.Error(err), zap.String("category", string(category)))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "Upstream did not respond in time")
	case errors.Is(err, client.ErrRateLimited):
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMITED", "Upstream rate limit reached")
	case errors.Is(err, client.ErrInvalidAPIKey):
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_AUTH", "Upstream rejected the API key")
	default:
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthMu.Lock()
	prev := h.healthStatusPrev
	h.healthStatusPrev = result.status
	h.healthMu.Unlock()
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}

	checks := map[string]string{"weatherApi": "healthy"}
	if result.reason == "api_key_invalid" || result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.health.CachePing != nil {
		if err := h.health.CachePing(r.Context()); err != nil {
			checks["cache"] = "unhealthy"
		} else {
			checks["cache"] = "healthy"
		}
	}
	version := h.health.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, result.statusCode, map[string]any{
		"status":    result.status,
		"service":   "synocast",
		"version":   version,
		"checks":    checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > API key invalid > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if h.life.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if err := h.apiKeyStatus(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
	}
	if h.tracker.Overloaded(h.health.Thresholds) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if h.tracker.Degraded(h.health.Thresholds) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// apiKeyStatus returns the cached validation verdict, refreshing it once the interval passes.
// Only ErrInvalidAPIKey counts; a transient validation failure does not mark the key bad.
func (h *Handler) apiKeyStatus(ctx context.Context) error {
	if h.validator == nil {
		return nil
	}
	h.healthMu.Lock()
	if !h.keyCheckedAt.IsZero() && h.now().Sub(h.keyCheckedAt) < h.health.APIKeyCheckInterval {
		err := h.keyErr
		h.healthMu.Unlock()
		return err
	}
	h.healthMu.Unlock()

	err := h.validator.ValidateAPIKey(ctx)
	if !errors.Is(err, client.ErrInvalidAPIKey) {
		err = nil
	}

	h.healthMu.Lock()
	h.keyCheckedAt = h.now()
	h.keyErr = err
	h.healthMu.Unlock()
	return err
}
