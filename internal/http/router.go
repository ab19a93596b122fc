package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/synocast/internal/lifecycle"
	"github.com/kjstillabower/synocast/internal/observability"
	"github.com/kjstillabower/synocast/internal/traffic"
)

// RouterConfig carries the cross-cutting settings applied by NewRouter.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *rate.Limiter    // nil disables rate limiting
	Tracker        *traffic.Tracker // nil skips denial tracking
	Lifecycle      *lifecycle.State // nil skips in-flight tracking
	Logger         *zap.Logger      // nil logs nothing
}

// NewRouter wires every route. Data endpoints sit behind the rate limiter and
// request timeout; /health and /metrics do not.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware(cfg.Lifecycle))

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	data := r.NewRoute().Subrouter()
	data.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	if cfg.RequestTimeout > 0 {
		data.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	data.HandleFunc("/weather", h.GetWeather).Methods(http.MethodGet)
	data.HandleFunc("/weather/analytics", h.GetAnalytics).Methods(http.MethodGet)
	data.HandleFunc("/weather/extended", h.GetExtended).Methods(http.MethodGet)
	data.HandleFunc("/weather/astronomy", h.GetAstronomy).Methods(http.MethodGet)
	data.HandleFunc("/geocode", h.GetGeocode).Methods(http.MethodGet)
	return r
}
