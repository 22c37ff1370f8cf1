package contextmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/citytailor/internal/types"
)

type fixedWeather struct {
	mu   sync.Mutex
	w    Weather
	err  error
	seen []types.Season
}

func (f *fixedWeather) Current(ctx context.Context, season types.Season) (Weather, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, season)
	return f.w, f.err
}

func at(hour int, month time.Month, day int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, month, day, hour, 30, 0, 0, time.UTC)
	}
}

func TestTimeOfDayForHour(t *testing.T) {
	tests := []struct {
		hour int
		want types.TimeOfDay
	}{
		{0, types.Night},
		{4, types.Night},
		{5, types.Night},
		{6, types.Morning},
		{11, types.Morning},
		{12, types.Afternoon},
		{14, types.Afternoon},
		{16, types.Afternoon},
		{17, types.Evening},
		{20, types.Evening},
		{21, types.Night},
		{23, types.Night},
	}
	for _, tt := range tests {
		if got := TimeOfDayForHour(tt.hour); got != tt.want {
			t.Errorf("hour %d: got %s, want %s", tt.hour, got, tt.want)
		}
	}
}

func TestSeasonForMonth(t *testing.T) {
	tests := map[time.Month]types.Season{
		time.January:   types.Winter,
		time.February:  types.Winter,
		time.March:     types.Spring,
		time.May:       types.Spring,
		time.June:      types.Summer,
		time.August:    types.Summer,
		time.September: types.Autumn,
		time.November:  types.Autumn,
		time.December:  types.Winter,
	}
	for m, want := range tests {
		if got := SeasonForMonth(m); got != want {
			t.Errorf("%s: got %s, want %s", m, got, want)
		}
	}
}

func TestMonitor_SnapshotFromClock(t *testing.T) {
	// Saturday 2026-07-18 14:30 UTC
	m := New(context.Background(), &fixedWeather{w: Weather{"sunny", 28}}, NewStaticDevice(390, 844, "4g"),
		Config{Now: at(14, time.July, 18), Location: time.UTC})

	s := m.Snapshot()
	if s.TimeOfDay != types.Afternoon {
		t.Errorf("TimeOfDay: got %s, want afternoon", s.TimeOfDay)
	}
	if s.Hour != 14 {
		t.Errorf("Hour: got %d, want 14", s.Hour)
	}
	if s.Season != types.Summer {
		t.Errorf("Season: got %s, want summer", s.Season)
	}
	if s.DayOfWeek != "Saturday" || !s.IsWeekend {
		t.Errorf("day: got %s weekend=%v", s.DayOfWeek, s.IsWeekend)
	}
	if !s.IsMobile || s.Screen.Width != 390 || s.ConnectionClass != "4g" {
		t.Errorf("device fields: %+v", s)
	}
	if s.Weather != "sunny" || s.Temperature != 28 {
		t.Errorf("weather fields: %s %d", s.Weather, s.Temperature)
	}
}

func TestMonitor_NightAtHour23(t *testing.T) {
	m := New(context.Background(), nil, nil, Config{Now: at(23, time.January, 14), Location: time.UTC})

	if got := m.Snapshot().TimeOfDay; got != types.Night {
		t.Errorf("got %s, want night", got)
	}
}

func TestMonitor_SnapshotsAreIndependentValues(t *testing.T) {
	clock := at(9, time.April, 1)
	m := New(context.Background(), nil, nil, Config{Now: func() time.Time { return clock() }, Location: time.UTC})

	before := m.Snapshot()
	clock = at(22, time.April, 1)
	m.RefreshTime()

	if before.TimeOfDay != types.Morning {
		t.Errorf("earlier copy mutated: %s", before.TimeOfDay)
	}
	if m.Snapshot().TimeOfDay != types.Night {
		t.Errorf("refresh not published: %s", m.Snapshot().TimeOfDay)
	}
}

func TestMonitor_WeatherErrorKeepsStaleValues(t *testing.T) {
	w := &fixedWeather{w: Weather{"rainy", 12}}
	m := New(context.Background(), w, nil, Config{Now: at(10, time.October, 5), Location: time.UTC})

	w.mu.Lock()
	w.err = errors.New("provider down")
	w.mu.Unlock()

	if err := m.RefreshWeather(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}
	if s := m.Snapshot(); s.Weather != "rainy" || s.Temperature != 12 {
		t.Errorf("stale weather lost: %s %d", s.Weather, s.Temperature)
	}
}

func TestMonitor_WeatherUsesCurrentSeason(t *testing.T) {
	w := &fixedWeather{w: Weather{"snowy", -2}}
	New(context.Background(), w, nil, Config{Now: at(10, time.December, 5), Location: time.UTC})

	if len(w.seen) != 1 || w.seen[0] != types.Winter {
		t.Errorf("weather source saw seasons %v, want [winter]", w.seen)
	}
}

func TestMonitor_RunRefreshesAndStops(t *testing.T) {
	var mu sync.Mutex
	hour := 8
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return time.Date(2026, 5, 5, hour, 0, 0, 0, time.UTC)
	}
	m := New(context.Background(), nil, nil, Config{
		TimeRefreshInterval:    10 * time.Millisecond,
		WeatherRefreshInterval: time.Hour,
		Now:                    now,
		Location:               time.UTC,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	mu.Lock()
	hour = 19
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	if got := m.Snapshot().TimeOfDay; got != types.Evening {
		t.Errorf("Run did not refresh time: got %s", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("monitor did not stop within 1 second")
	}
}

func TestSimulatedWeather_DeterministicWithSeed(t *testing.T) {
	a := NewSimulatedWeather(42)
	b := NewSimulatedWeather(42)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		wa, _ := a.Current(ctx, types.Summer)
		wb, _ := b.Current(ctx, types.Summer)
		if wa != wb {
			t.Fatalf("draw %d differs: %+v vs %+v", i, wa, wb)
		}
		if wa.Temperature < 20 || wa.Temperature > 35 {
			t.Errorf("summer temperature out of range: %d", wa.Temperature)
		}
	}
}
