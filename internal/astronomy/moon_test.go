package astronomy

import (
	"math"
	"testing"
	"time"
)

// TestClassifyMoonPhase_Boundaries verifies the exact-match phases and the open ranges
// between them, including both ends of the cycle.
func TestClassifyMoonPhase_Boundaries(t *testing.T) {
	tests := []struct {
		phase    float64
		wantName string
		wantPct  int
	}{
		{0, NewMoon, 0},
		{0.1, WaxingCrescent, 10},
		{0.2499, WaxingCrescent, 25},
		{0.25, FirstQuarter, 50},
		{0.3, WaxingGibbous, 30},
		{0.4999, WaxingGibbous, 50},
		{0.5, FullMoon, 100},
		{0.6, WaningGibbous, 40},
		{0.75, LastQuarter, 50},
		{0.8, WaningCrescent, 20},
		{0.999, WaningCrescent, 0},
		{1, NewMoon, 0},
	}
	for _, tt := range tests {
		got := ClassifyMoonPhase(tt.phase)
		if got.Name != tt.wantName {
			t.Errorf("ClassifyMoonPhase(%v).Name = %q, want %q", tt.phase, got.Name, tt.wantName)
		}
		if got.IlluminationPct != tt.wantPct {
			t.Errorf("ClassifyMoonPhase(%v).IlluminationPct = %d, want %d", tt.phase, got.IlluminationPct, tt.wantPct)
		}
		if got.Emoji == "" {
			t.Errorf("ClassifyMoonPhase(%v).Emoji is empty", tt.phase)
		}
	}
}

// TestClassifyMoonPhase_Total verifies every phase in [0,1] maps to exactly one known name
// and illumination stays within [0,100].
func TestClassifyMoonPhase_Total(t *testing.T) {
	known := map[string]bool{
		NewMoon: true, WaxingCrescent: true, FirstQuarter: true, WaxingGibbous: true,
		FullMoon: true, WaningGibbous: true, LastQuarter: true, WaningCrescent: true,
	}
	for i := 0; i <= 1000; i++ {
		p := float64(i) / 1000
		got := ClassifyMoonPhase(p)
		if !known[got.Name] {
			t.Fatalf("ClassifyMoonPhase(%v) = %q, not a known phase", p, got.Name)
		}
		if got.IlluminationPct < 0 || got.IlluminationPct > 100 {
			t.Fatalf("ClassifyMoonPhase(%v).IlluminationPct = %d out of range", p, got.IlluminationPct)
		}
	}
}

func TestClassifyMoonPhase_OutOfRange(t *testing.T) {
	if got := ClassifyMoonPhase(-0.3); got.Name != NewMoon {
		t.Errorf("ClassifyMoonPhase(-0.3) = %q, want %q", got.Name, NewMoon)
	}
	if got := ClassifyMoonPhase(1.7); got.Name != NewMoon {
		t.Errorf("ClassifyMoonPhase(1.7) = %q, want %q", got.Name, NewMoon)
	}
	if got := ClassifyMoonPhase(math.NaN()); got.Name != NewMoon {
		t.Errorf("ClassifyMoonPhase(NaN) = %q, want %q", got.Name, NewMoon)
	}
}

func TestPhaseFraction(t *testing.T) {
	ref := time.Date(2000, 1, 6, 18, 14, 0, 0, time.UTC)
	f := PhaseFraction(ref)
	if d := math.Min(f, 1-f); d > 0.01 {
		t.Errorf("PhaseFraction(reference new moon) = %v, want ~0", f)
	}

	half := ref.Add(time.Duration(SynodicMonth / 2 * 24 * float64(time.Hour)))
	if f := PhaseFraction(half); math.Abs(f-0.5) > 0.01 {
		t.Errorf("PhaseFraction(half cycle) = %v, want ~0.5", f)
	}

	// Full moon of 2024-01-25 17:54 UTC; the mean cycle drifts by under a day.
	full := time.Date(2024, 1, 25, 17, 54, 0, 0, time.UTC)
	if f := PhaseFraction(full); math.Abs(f-0.5) > 0.04 {
		t.Errorf("PhaseFraction(2024-01-25) = %v, want ~0.5", f)
	}

	before := time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC)
	if f := PhaseFraction(before); f < 0 || f >= 1 {
		t.Errorf("PhaseFraction(1990) = %v, want within [0,1)", f)
	}
}
