package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kjstillabower/synocast/internal/models"
	"github.com/kjstillabower/synocast/internal/observability"
)

// ErrEmptyQuery is returned for blank search strings.
var ErrEmptyQuery = errors.New("empty geocode query")

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org/search"
	// Nominatim's usage policy rejects requests without an identifying agent.
	DefaultUserAgent = "SynoCast/1.0"
)

// Geocoder resolves free-text place names to coordinates.
type Geocoder interface {
	Search(ctx context.Context, query string) ([]models.GeoLocation, error)
}

// NominatimGeocoder queries OpenStreetMap Nominatim and memoises results in-process.
type NominatimGeocoder struct {
	searchURL string
	userAgent string
	limit     int
	client    *http.Client
	memo      *gocache.Cache
}

// NewNominatimGeocoder returns a geocoder; results are kept for memoTTL.
func NewNominatimGeocoder(searchURL, userAgent string, limit int, timeout, memoTTL time.Duration) *NominatimGeocoder {
	if searchURL == "" {
		searchURL = DefaultNominatimURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if limit <= 0 {
		limit = 5
	}
	return &NominatimGeocoder{
		searchURL: searchURL,
		userAgent: userAgent,
		limit:     limit,
		client:    &http.Client{Timeout: timeout},
		memo:      gocache.New(memoTTL, memoTTL*2),
	}
}

type nominatimPlace struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

// Search returns up to limit matches. An unknown place yields ErrLocationNotFound.
func (g *NominatimGeocoder) Search(ctx context.Context, query string) ([]models.GeoLocation, error) {
	norm := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if norm == "" {
		return nil, ErrEmptyQuery
	}
	if cached, ok := g.memo.Get(norm); ok {
		observability.CacheHitsTotal.WithLabelValues("geocode").Inc()
		return cached.([]models.GeoLocation), nil
	}
	observability.CacheMissesTotal.WithLabelValues("geocode").Inc()

	locs, err := g.fetch(ctx, norm)
	if err != nil {
		return nil, err
	}
	g.memo.SetDefault(norm, locs)
	return locs, nil
}

func (g *NominatimGeocoder) fetch(ctx context.Context, query string) ([]models.GeoLocation, error) {
	start := time.Now()
	u, err := url.Parse(g.searchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid geocoder URL: %w", err)
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(g.limit))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(EndpointGeocode, "error").Inc()
		return nil, fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(EndpointGeocode, status).Inc()
	observability.UpstreamDuration.WithLabelValues(EndpointGeocode, status).Observe(time.Since(start).Seconds())
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("geocode: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode: %w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("geocode: %w: decode: %v", ErrUpstreamFailure, err)
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("geocode %q: %w", query, ErrLocationNotFound)
	}

	locs := make([]models.GeoLocation, 0, len(places))
	for _, p := range places {
		lat, errLat := strconv.ParseFloat(p.Lat, 64)
		lon, errLon := strconv.ParseFloat(p.Lon, 64)
		if errLat != nil || errLon != nil {
			continue
		}
		locs = append(locs, models.GeoLocation{Name: p.DisplayName, Lat: lat, Lon: lon})
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("geocode %q: %w", query, ErrLocationNotFound)
	}
	return locs, nil
}
