package models

import "encoding/json"

// ForecastSample is one 3-hour data point from the upstream forecast list.
type ForecastSample struct {
	Timestamp                int64   `json:"dt"`
	TempMin                  float64 `json:"temp_min"`
	TempMax                  float64 `json:"temp_max"`
	PrecipitationProbability float64 `json:"pop"`
	RainVolumeMM             float64 `json:"rain_3h"`
}

// DailySummary folds every sample whose local date matches Date.
type DailySummary struct {
	Date                 string         `json:"date"`
	MinTemp              float64        `json:"min_temp"`
	MaxTemp              float64        `json:"max_temp"`
	PrecipProbabilityPct int            `json:"precip_probability_pct"`
	RainTotalMM          float64        `json:"rain_total_mm"`
	Astronomy            *AstronomyInfo `json:"astronomy,omitempty"`
}

// ChartSeries is the column-oriented shape the forecast charts consume.
type ChartSeries struct {
	Dates       []string  `json:"dates"`
	MinTemps    []float64 `json:"min_temps"`
	MaxTemps    []float64 `json:"max_temps"`
	PrecipProbs []int     `json:"precip_probs"`
	RainTotals  []float64 `json:"rain_totals"`
	Stale       bool      `json:"stale,omitempty"`
}

// AstronomyDay carries the raw epoch fields of one One Call daily entry.
// Zero means the upstream omitted the field. MoonPhase is nil when absent.
type AstronomyDay struct {
	Timestamp int64    `json:"dt"`
	Sunrise   int64    `json:"sunrise"`
	Sunset    int64    `json:"sunset"`
	Moonrise  int64    `json:"moonrise"`
	Moonset   int64    `json:"moonset"`
	MoonPhase *float64 `json:"moon_phase"`
}

// MoonPhase is the named classification of a lunar-cycle fraction.
type MoonPhase struct {
	Name            string `json:"name"`
	Emoji           string `json:"emoji"`
	IlluminationPct int    `json:"illumination_pct"`
}

// Window is a local-time interval with epoch bounds.
type Window struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	StartTS int64  `json:"start_ts"`
	EndTS   int64  `json:"end_ts"`
}

// GoldenHours holds the morning and evening golden-hour windows.
type GoldenHours struct {
	Morning Window `json:"morning"`
	Evening Window `json:"evening"`
}

// AstronomyInfo is the derived per-day astronomy block.
type AstronomyInfo struct {
	Date        string      `json:"date"`
	Sunrise     string      `json:"sunrise"`
	Sunset      string      `json:"sunset"`
	Moonrise    string      `json:"moonrise"`
	Moonset     string      `json:"moonset"`
	SunriseTS   int64       `json:"sunrise_ts"`
	SunsetTS    int64       `json:"sunset_ts"`
	MoonPhase   MoonPhase   `json:"moon_phase"`
	GoldenHours GoldenHours `json:"golden_hours"`
}

// WeatherBundle is the composite payload served by /weather. Upstream documents are
// passed through untouched; Pollution is null when the air-pollution call failed.
type WeatherBundle struct {
	Current   json.RawMessage `json:"current"`
	Forecast  json.RawMessage `json:"forecast"`
	Pollution json.RawMessage `json:"pollution"`
	Stale     bool            `json:"stale,omitempty"` // Indicates data served from stale cache
}

// ExtendedForecast is the payload served by /weather/extended.
type ExtendedForecast struct {
	TimezoneOffset int            `json:"timezone_offset"`
	Daily          []DailySummary `json:"daily"`
	Stale          bool           `json:"stale,omitempty"`
}

// AstronomyReport is the payload served by /weather/astronomy.
type AstronomyReport struct {
	TimezoneOffset int             `json:"timezone_offset"`
	Days           []AstronomyInfo `json:"days"`
	Stale          bool            `json:"stale,omitempty"`
}

// GeoLocation is one geocoding result.
type GeoLocation struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
