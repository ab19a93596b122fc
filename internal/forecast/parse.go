package forecast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kjstillabower/synocast/internal/models"
)

// ErrMalformedPayload is returned when the upstream forecast document lacks a required field.
var ErrMalformedPayload = errors.New("malformed forecast payload")

// Forecast is a parsed upstream forecast: the 3-hour samples and the fixed UTC offset
// (seconds) reported for the queried city.
type Forecast struct {
	Samples        []models.ForecastSample
	TimezoneOffset int
}

type forecastResponse struct {
	List []forecastItem `json:"list"`
	City *struct {
		Timezone *int `json:"timezone"`
	} `json:"city"`
}

type forecastItem struct {
	Dt   *int64 `json:"dt"`
	Main *struct {
		TempMin *float64 `json:"temp_min"`
		TempMax *float64 `json:"temp_max"`
	} `json:"main"`
	Pop  *float64 `json:"pop"`
	Rain *struct {
		ThreeHour *float64 `json:"3h"`
	} `json:"rain"`
}

// ParseForecast decodes an OpenWeatherMap 5 day / 3 hour forecast document.
// dt, main.temp_min, main.temp_max and city.timezone are required; pop and rain.3h
// default to zero when absent.
func ParseForecast(raw []byte) (Forecast, error) {
	var resp forecastResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Forecast{}, fmt.Errorf("%w: parse: %v", ErrMalformedPayload, err)
	}
	if resp.List == nil {
		return Forecast{}, fmt.Errorf("%w: missing list", ErrMalformedPayload)
	}
	if resp.City == nil || resp.City.Timezone == nil {
		return Forecast{}, fmt.Errorf("%w: missing city.timezone", ErrMalformedPayload)
	}

	samples := make([]models.ForecastSample, 0, len(resp.List))
	for i, item := range resp.List {
		if item.Dt == nil {
			return Forecast{}, fmt.Errorf("%w: list[%d] missing dt", ErrMalformedPayload, i)
		}
		if item.Main == nil || item.Main.TempMin == nil || item.Main.TempMax == nil {
			return Forecast{}, fmt.Errorf("%w: list[%d] missing main.temp_min/temp_max", ErrMalformedPayload, i)
		}
		s := models.ForecastSample{
			Timestamp: *item.Dt,
			TempMin:   *item.Main.TempMin,
			TempMax:   *item.Main.TempMax,
		}
		if item.Pop != nil {
			s.PrecipitationProbability = *item.Pop
		}
		if item.Rain != nil && item.Rain.ThreeHour != nil {
			s.RainVolumeMM = *item.Rain.ThreeHour
		}
		samples = append(samples, s)
	}

	return Forecast{Samples: samples, TimezoneOffset: *resp.City.Timezone}, nil
}
