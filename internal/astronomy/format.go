package astronomy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/synocast/internal/models"
)

// ErrMalformedPayload is returned when a One Call document cannot be used.
var ErrMalformedPayload = errors.New("malformed one call payload")

// notAvailable stands in for moonrise/moonset on days the moon does not rise or set.
const notAvailable = "N/A"

type oneCallResponse struct {
	TimezoneOffset *int                  `json:"timezone_offset"`
	Daily          []models.AstronomyDay `json:"daily"`
}

// ParseDaily decodes the daily block and timezone_offset of a One Call document.
func ParseDaily(raw []byte) ([]models.AstronomyDay, int, error) {
	var resp oneCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, fmt.Errorf("%w: parse: %v", ErrMalformedPayload, err)
	}
	if resp.TimezoneOffset == nil {
		return nil, 0, fmt.Errorf("%w: missing timezone_offset", ErrMalformedPayload)
	}
	if resp.Daily == nil {
		return nil, 0, fmt.Errorf("%w: missing daily", ErrMalformedPayload)
	}
	return resp.Daily, *resp.TimezoneOffset, nil
}

// Format derives the astronomy block for one day. It returns false, and no block, when
// sunrise or sunset is absent; some upstream tiers omit them.
// A missing moon_phase is estimated from the day's timestamp.
func Format(day models.AstronomyDay, offsetSeconds int) (*models.AstronomyInfo, bool) {
	if day.Sunrise == 0 || day.Sunset == 0 {
		return nil, false
	}

	ref := day.Timestamp
	if ref == 0 {
		ref = day.Sunrise
	}
	var phase float64
	if day.MoonPhase != nil {
		phase = *day.MoonPhase
	} else {
		phase = PhaseFraction(time.Unix(ref, 0))
	}

	return &models.AstronomyInfo{
		Date:        time.Unix(ref+int64(offsetSeconds), 0).UTC().Format("2006-01-02"),
		Sunrise:     localClock(day.Sunrise, offsetSeconds),
		Sunset:      localClock(day.Sunset, offsetSeconds),
		Moonrise:    optionalClock(day.Moonrise, offsetSeconds),
		Moonset:     optionalClock(day.Moonset, offsetSeconds),
		SunriseTS:   day.Sunrise,
		SunsetTS:    day.Sunset,
		MoonPhase:   ClassifyMoonPhase(phase),
		GoldenHours: GoldenHours(day.Sunrise, day.Sunset, offsetSeconds),
	}, true
}

func optionalClock(ts int64, offsetSeconds int) string {
	if ts == 0 {
		return notAvailable
	}
	return localClock(ts, offsetSeconds)
}

// Report formats every day that carries sunrise and sunset, preserving order.
func Report(days []models.AstronomyDay, offsetSeconds int) []models.AstronomyInfo {
	out := make([]models.AstronomyInfo, 0, len(days))
	for _, d := range days {
		if info, ok := Format(d, offsetSeconds); ok {
			out = append(out, *info)
		}
	}
	return out
}
