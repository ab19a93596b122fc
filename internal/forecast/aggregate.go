// Package forecast folds upstream 3-hour forecast samples into per-day summaries.
package forecast

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/kjstillabower/synocast/internal/models"
)

const dateLayout = "2006-01-02"

type dayGroup struct {
	mins  []float64
	maxs  []float64
	pops  []float64
	rains []float64
}

// LocalDate returns the civil date (YYYY-MM-DD) of ts shifted by a fixed UTC offset in seconds.
func LocalDate(ts int64, offsetSeconds int) string {
	return time.Unix(ts+int64(offsetSeconds), 0).UTC().Format(dateLayout)
}

// Aggregate groups samples by local date and returns one summary per day, ordered by date.
// min/max come from the per-sample temp_min/temp_max, precipitation probability is the
// day's maximum as a percentage, and rain is summed. Aggregate has no side effects.
func Aggregate(samples []models.ForecastSample, offsetSeconds int) []models.DailySummary {
	groups := make(map[string]*dayGroup)
	for _, s := range samples {
		date := LocalDate(s.Timestamp, offsetSeconds)
		g, ok := groups[date]
		if !ok {
			g = &dayGroup{}
			groups[date] = g
		}
		g.mins = append(g.mins, s.TempMin)
		g.maxs = append(g.maxs, s.TempMax)
		g.pops = append(g.pops, s.PrecipitationProbability)
		g.rains = append(g.rains, s.RainVolumeMM)
	}

	dates := make([]string, 0, len(groups))
	for d := range groups {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := make([]models.DailySummary, 0, len(dates))
	for _, d := range dates {
		g := groups[d]
		out = append(out, models.DailySummary{
			Date:                 d,
			MinTemp:              floats.Min(g.mins),
			MaxTemp:              floats.Max(g.maxs),
			PrecipProbabilityPct: probabilityPct(floats.Max(g.pops)),
			RainTotalMM:          floats.Sum(g.rains),
		})
	}
	return out
}

// probabilityPct converts a [0,1] probability to a whole percentage clamped to [0,100].
func probabilityPct(p float64) int {
	pct := int(math.Round(p * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ChartSeries reshapes daily summaries into parallel columns for chart rendering.
// Dates are shown as "Mon 02"; temperatures and rain are rounded to one decimal.
func ChartSeries(days []models.DailySummary) models.ChartSeries {
	cs := models.ChartSeries{
		Dates:       make([]string, 0, len(days)),
		MinTemps:    make([]float64, 0, len(days)),
		MaxTemps:    make([]float64, 0, len(days)),
		PrecipProbs: make([]int, 0, len(days)),
		RainTotals:  make([]float64, 0, len(days)),
	}
	for _, d := range days {
		label := d.Date
		if t, err := time.Parse(dateLayout, d.Date); err == nil {
			label = t.Format("Mon 02")
		}
		cs.Dates = append(cs.Dates, label)
		cs.MinTemps = append(cs.MinTemps, round1(d.MinTemp))
		cs.MaxTemps = append(cs.MaxTemps, round1(d.MaxTemp))
		cs.PrecipProbs = append(cs.PrecipProbs, d.PrecipProbabilityPct)
		cs.RainTotals = append(cs.RainTotals, round1(d.RainTotalMM))
	}
	return cs
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
