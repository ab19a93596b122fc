package astronomy

import (
	"time"

	"github.com/kjstillabower/synocast/internal/models"
)

// goldenHourLength is a fixed heuristic, not a solar-elevation calculation.
const goldenHourLength = time.Hour

// localClock formats ts as HH:MM in the fixed offset zone.
func localClock(ts int64, offsetSeconds int) string {
	return time.Unix(ts+int64(offsetSeconds), 0).UTC().Format("15:04")
}

// GoldenHours returns the hour after sunrise and the hour before sunset.
// Epoch bounds are absolute; the HH:MM strings are local to offsetSeconds.
func GoldenHours(sunriseTS, sunsetTS int64, offsetSeconds int) models.GoldenHours {
	length := int64(goldenHourLength / time.Second)
	morningEnd := sunriseTS + length
	eveningStart := sunsetTS - length
	return models.GoldenHours{
		Morning: models.Window{
			Start:   localClock(sunriseTS, offsetSeconds),
			End:     localClock(morningEnd, offsetSeconds),
			StartTS: sunriseTS,
			EndTS:   morningEnd,
		},
		Evening: models.Window{
			Start:   localClock(eveningStart, offsetSeconds),
			End:     localClock(sunsetTS, offsetSeconds),
			StartTS: eveningStart,
			EndTS:   sunsetTS,
		},
	}
}
