package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/kjstillabower/synocast/internal/models"
)

var (
	// ErrCoordinatesMissing is returned when lat or lon is absent.
	ErrCoordinatesMissing = errors.New("lat and lon are required")
	// ErrCoordinatesInvalid is returned for unparseable or non-finite values.
	ErrCoordinatesInvalid = errors.New("coordinates must be decimal numbers")
	// ErrCoordinatesOutOfRange is returned when lat is outside [-90,90] or lon outside [-180,180].
	ErrCoordinatesOutOfRange = errors.New("coordinates out of range")

	ErrQueryEmpty        = errors.New("query is required")
	ErrQueryTooShort     = errors.New("query too short")
	ErrQueryTooLong      = errors.New("query too long")
	ErrQueryInvalidChars = errors.New("query contains invalid characters")
)

// ParseCoordinates parses the lat/lon query values into validated coordinates.
func ParseCoordinates(latStr, lonStr string) (models.Coordinates, error) {
	latStr, lonStr = strings.TrimSpace(latStr), strings.TrimSpace(lonStr)
	if latStr == "" || lonStr == "" {
		return models.Coordinates{}, ErrCoordinatesMissing
	}
	lat, err := parseFinite(latStr)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("lat %q: %w", latStr, err)
	}
	lon, err := parseFinite(lonStr)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("lon %q: %w", lonStr, err)
	}
	c := models.Coordinates{Lat: lat, Lon: lon}
	if err := ValidateCoordinates(c); err != nil {
		return models.Coordinates{}, err
	}
	return c, nil
}

// ParseCoordinatePair parses a "lat,lon" string as used by warm locations.
func ParseCoordinatePair(s string) (models.Coordinates, error) {
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return models.Coordinates{}, fmt.Errorf("%q: %w", s, ErrCoordinatesMissing)
	}
	return ParseCoordinates(lat, lon)
}

// ValidateCoordinates enforces the WGS84 ranges.
func ValidateCoordinates(c models.Coordinates) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: lat=%g lon=%g", ErrCoordinatesOutOfRange, c.Lat, c.Lon)
	}
	return nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrCoordinatesInvalid
	}
	return v, nil
}

// ValidateQuery trims a geocoding query, enforces length bounds (minLen, maxLen in runes),
// and restricts it to letters (Unicode), digits, space, comma, period, apostrophe and hyphen.
func ValidateQuery(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrQueryEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrQueryTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrQueryTooLong
	}
	for _, c := range r {
		if !isAllowedQueryRune(c) {
			return "", ErrQueryInvalidChars
		}
	}
	return s, nil
}

func isAllowedQueryRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
