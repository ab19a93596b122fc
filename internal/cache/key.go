package cache

import (
	"math"
	"strconv"
)

// FullPrecision keeps coordinates at their shortest exact decimal form.
const FullPrecision = -1

// Key identifies a cached payload by location and feature.
// Precision is the number of decimals coordinates are rounded to; coarser keys let
// nearby locations share an entry. Use FullPrecision to disable rounding.
type Key struct {
	Lat       float64
	Lon       float64
	Feature   string
	Precision int
}

// String renders "lat,lon" or "feature_lat,lon". Equal keys always render identically.
func (k Key) String() string {
	coords := formatCoord(k.Lat, k.Precision) + "," + formatCoord(k.Lon, k.Precision)
	if k.Feature == "" {
		return coords
	}
	return k.Feature + "_" + coords
}

func formatCoord(v float64, precision int) string {
	if precision < 0 {
		if v == 0 {
			v = 0
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	scale := math.Pow(10, float64(precision))
	r := math.Round(v*scale) / scale
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', precision, 64)
}
