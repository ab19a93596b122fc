package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/synocast/internal/models"
)

type stubPrefetcher struct {
	mu       sync.Mutex
	calls    []models.Coordinates
	failures map[models.Coordinates]error

	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
}

func (p *stubPrefetcher) GetWeather(ctx context.Context, lat, lon float64) (models.WeatherBundle, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if p.hold > 0 {
		time.Sleep(p.hold)
	}

	loc := models.Coordinates{Lat: lat, Lon: lon}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, loc)
	return models.WeatherBundle{}, p.failures[loc]
}

func (p *stubPrefetcher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestWarmer_Warm(t *testing.T) {
	karachi := models.Coordinates{Lat: 24.86, Lon: 67.01}
	seattle := models.Coordinates{Lat: 47.6, Lon: -122.3}
	tests := []struct {
		name       string
		locations  []models.Coordinates
		failures   map[models.Coordinates]error
		wantCalls  int
		wantReport WarmReport
		wantErr    string
	}{
		{
			name:       "nil list",
			wantReport: WarmReport{},
		},
		{
			name:       "all succeed",
			locations:  []models.Coordinates{karachi, seattle},
			wantCalls:  2,
			wantReport: WarmReport{Requested: 2, Warmed: 2},
		},
		{
			name:       "duplicates fetched once",
			locations:  []models.Coordinates{karachi, karachi, seattle, karachi},
			wantCalls:  2,
			wantReport: WarmReport{Requested: 2, Warmed: 2},
		},
		{
			name:       "one failure",
			locations:  []models.Coordinates{karachi, {Lat: 1.5, Lon: 2.5}},
			failures:   map[models.Coordinates]error{{Lat: 1.5, Lon: 2.5}: errors.New("api down")},
			wantCalls:  2,
			wantReport: WarmReport{Requested: 2, Warmed: 1, Failed: 1},
			wantErr:    "warm 1.5,2.5: api down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubPrefetcher{failures: tt.failures}
			w := NewWarmer(p, 0, nil)

			report, err := w.Warm(context.Background(), tt.locations)
			if tt.wantErr == "" && err != nil {
				t.Fatalf("Warm() error = %v, want nil", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("Warm() error = %v, want containing %q", err, tt.wantErr)
			}
			if got := p.callCount(); got != tt.wantCalls {
				t.Errorf("prefetch calls = %d, want %d", got, tt.wantCalls)
			}
			report.Elapsed = 0
			if report != tt.wantReport {
				t.Errorf("report = %+v, want %+v", report, tt.wantReport)
			}
		})
	}
}

func TestWarmer_Warm_JoinsEveryFailure(t *testing.T) {
	errA, errB := errors.New("a down"), errors.New("b down")
	p := &stubPrefetcher{failures: map[models.Coordinates]error{
		{Lat: 1, Lon: 1}: errA,
		{Lat: 2, Lon: 2}: errB,
	}}

	_, err := NewWarmer(p, 2, nil).Warm(context.Background(), []models.Coordinates{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Warm() error = %v, want both causes", err)
	}
}

func TestWarmer_Warm_BoundsConcurrency(t *testing.T) {
	p := &stubPrefetcher{hold: 20 * time.Millisecond}
	locations := make([]models.Coordinates, 10)
	for i := range locations {
		locations[i] = models.Coordinates{Lat: float64(i), Lon: float64(i)}
	}

	if _, err := NewWarmer(p, 3, nil).Warm(context.Background(), locations); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if got := p.callCount(); got != 10 {
		t.Errorf("prefetch calls = %d, want 10", got)
	}
	if peak := p.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestWarmer_Run_StopsOnCancel(t *testing.T) {
	p := &stubPrefetcher{}
	w := NewWarmer(p, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, []models.Coordinates{{Lat: 0, Lon: 0}}, time.Hour)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for p.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := p.callCount(); got != 1 {
		t.Errorf("prefetch calls = %d, want 1 (initial pass only)", got)
	}
}

func TestWarmer_Run_RejectsNonPositiveInterval(t *testing.T) {
	if err := NewWarmer(&stubPrefetcher{}, 1, nil).Run(context.Background(), nil, 0); err == nil {
		t.Fatal("Run() error = nil, want error for zero interval")
	}
}
