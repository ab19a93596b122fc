// Package astronomy derives sunrise, sunset, moon phase and golden-hour data from the
// epoch fields of upstream daily forecasts.
package astronomy

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/julian"

	"github.com/kjstillabower/synocast/internal/models"
)

// SynodicMonth is the mean length of the lunar cycle in days.
const SynodicMonth = 29.530588853

// referenceNewMoonJD is the new moon of 2000-01-06 18:14 UTC.
const referenceNewMoonJD = 2451550.259722

// Phase names.
const (
	NewMoon        = "New Moon"
	WaxingCrescent = "Waxing Crescent"
	FirstQuarter   = "First Quarter"
	WaxingGibbous  = "Waxing Gibbous"
	FullMoon       = "Full Moon"
	WaningGibbous  = "Waning Gibbous"
	LastQuarter    = "Last Quarter"
	WaningCrescent = "Waning Crescent"
)

// ClassifyMoonPhase maps a lunar-cycle fraction in [0,1] to one of eight named phases.
// 0 and 1 are both new moon; 0.25, 0.5 and 0.75 are matched exactly. Values outside
// [0,1] are clamped, NaN is treated as 0.
//
// The four principal phases carry their canonical illumination (0, 50, 100, 50).
// Between them illumination is phase*100 while waxing and (1-phase)*100 while waning.
func ClassifyMoonPhase(phase float64) models.MoonPhase {
	switch {
	case math.IsNaN(phase) || phase < 0:
		phase = 0
	case phase > 1:
		phase = 1
	}

	switch {
	case phase == 0 || phase == 1:
		return models.MoonPhase{Name: NewMoon, Emoji: "🌑", IlluminationPct: 0}
	case phase < 0.25:
		return models.MoonPhase{Name: WaxingCrescent, Emoji: "🌒", IlluminationPct: illumination(phase)}
	case phase == 0.25:
		return models.MoonPhase{Name: FirstQuarter, Emoji: "🌓", IlluminationPct: 50}
	case phase < 0.5:
		return models.MoonPhase{Name: WaxingGibbous, Emoji: "🌔", IlluminationPct: illumination(phase)}
	case phase == 0.5:
		return models.MoonPhase{Name: FullMoon, Emoji: "🌕", IlluminationPct: 100}
	case phase < 0.75:
		return models.MoonPhase{Name: WaningGibbous, Emoji: "🌖", IlluminationPct: illumination(phase)}
	case phase == 0.75:
		return models.MoonPhase{Name: LastQuarter, Emoji: "🌗", IlluminationPct: 50}
	default:
		return models.MoonPhase{Name: WaningCrescent, Emoji: "🌘", IlluminationPct: illumination(phase)}
	}
}

func illumination(phase float64) int {
	if phase <= 0.5 {
		return int(math.Round(phase * 100))
	}
	return int(math.Round((1 - phase) * 100))
}

// PhaseFraction estimates the lunar-cycle fraction at t from the mean synodic month,
// counted from a reference new moon. Result is in [0,1).
func PhaseFraction(t time.Time) float64 {
	days := julian.TimeToJD(t.UTC()) - referenceNewMoonJD
	f := math.Mod(days/SynodicMonth, 1)
	if f < 0 {
		f++
	}
	return f
}
