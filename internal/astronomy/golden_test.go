package astronomy

import "testing"

// TestGoldenHours verifies one-hour windows anchored on sunrise and sunset, with
// local clock strings shifted by the offset.
func TestGoldenHours(t *testing.T) {
	sunrise := int64(1705287600) // 2024-01-15 03:00 UTC
	sunset := int64(1705323600)  // 2024-01-15 13:00 UTC

	got := GoldenHours(sunrise, sunset, 5*3600)

	if got.Morning.StartTS != sunrise {
		t.Errorf("Morning.StartTS = %d, want sunrise %d", got.Morning.StartTS, sunrise)
	}
	if got.Evening.EndTS != sunset {
		t.Errorf("Evening.EndTS = %d, want sunset %d", got.Evening.EndTS, sunset)
	}
	if d := got.Morning.EndTS - got.Morning.StartTS; d != 3600 {
		t.Errorf("morning window = %ds, want 3600", d)
	}
	if d := got.Evening.EndTS - got.Evening.StartTS; d != 3600 {
		t.Errorf("evening window = %ds, want 3600", d)
	}
	if got.Morning.Start != "08:00" || got.Morning.End != "09:00" {
		t.Errorf("Morning = %s-%s, want 08:00-09:00", got.Morning.Start, got.Morning.End)
	}
	if got.Evening.Start != "17:00" || got.Evening.End != "18:00" {
		t.Errorf("Evening = %s-%s, want 17:00-18:00", got.Evening.Start, got.Evening.End)
	}
}

func TestGoldenHours_WrapsMidnight(t *testing.T) {
	sunrise := int64(1705354200) // 2024-01-15 21:30 UTC
	got := GoldenHours(sunrise, sunrise+10*3600, 2*3600)
	if got.Morning.Start != "23:30" || got.Morning.End != "00:30" {
		t.Errorf("Morning = %s-%s, want 23:30-00:30", got.Morning.Start, got.Morning.End)
	}
}
