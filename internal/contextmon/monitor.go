// Package contextmon maintains the current situational context snapshot that is
// attached to every learning event and used when scoring recommendations.
package contextmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/citytailor/internal/types"
)

// Config controls refresh cadence and the clock.
type Config struct {
	TimeRefreshInterval    time.Duration
	WeatherRefreshInterval time.Duration
	SourceTimeout          time.Duration    // bound on a single weather/device lookup
	Now                    func() time.Time // defaults to time.Now
	Location               *time.Location   // defaults to time.Local
}

// Monitor publishes immutable context snapshots. Readers load the current snapshot
// lock-free; refreshes build a new snapshot and swap it in atomically.
type Monitor struct {
	current atomic.Pointer[types.ContextSnapshot]
	mu      sync.Mutex // serializes refreshes
	weather WeatherSource
	device  DeviceSource
	cfg     Config
}

// New creates a Monitor and performs an initial refresh of every field.
func New(ctx context.Context, weather WeatherSource, device DeviceSource, cfg Config) *Monitor {
	if cfg.TimeRefreshInterval <= 0 {
		cfg.TimeRefreshInterval = time.Minute
	}
	if cfg.WeatherRefreshInterval <= 0 {
		cfg.WeatherRefreshInterval = 30 * time.Minute
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if weather == nil {
		weather = NewSimulatedWeather(0)
	}
	if device == nil {
		device = StaticDevice{ConnectionClass: "unknown"}
	}

	m := &Monitor{weather: weather, device: device, cfg: cfg}
	m.current.Store(&types.ContextSnapshot{})

	m.RefreshTime()
	if err := m.RefreshDevice(ctx); err != nil {
		slog.Warn("initial device refresh failed", "component", "contextmon", "error", err)
	}
	if err := m.RefreshWeather(ctx); err != nil {
		slog.Warn("initial weather refresh failed", "component", "contextmon", "error", err)
	}
	return m
}

// Snapshot returns the latest snapshot by value.
func (m *Monitor) Snapshot() types.ContextSnapshot {
	return *m.current.Load()
}

// update applies fn to a copy of the current snapshot and publishes the result.
func (m *Monitor) update(fn func(s *types.ContextSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.current.Load()
	fn(&next)
	m.current.Store(&next)
}

// RefreshTime recomputes the time-derived fields from the clock.
func (m *Monitor) RefreshTime() {
	now := m.cfg.Now().In(m.cfg.Location)
	m.update(func(s *types.ContextSnapshot) {
		s.Hour = now.Hour()
		s.TimeOfDay = TimeOfDayForHour(now.Hour())
		s.DayOfWeek = now.Weekday().String()
		s.IsWeekend = IsWeekend(now.Weekday())
		s.Season = SeasonForMonth(now.Month())
		s.CapturedAt = now
	})
}

// RefreshDevice reloads device fields. On error the previous values are kept.
func (m *Monitor) RefreshDevice(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SourceTimeout)
	defer cancel()

	d, err := m.device.Current(ctx)
	if err != nil {
		return fmt.Errorf("device source: %w", err)
	}
	m.update(func(s *types.ContextSnapshot) {
		s.IsMobile = d.IsMobile
		s.Screen = d.Screen
		s.ConnectionClass = d.ConnectionClass
	})
	return nil
}

// RefreshWeather reloads weather for the current season. On error the previous
// values are kept.
func (m *Monitor) RefreshWeather(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SourceTimeout)
	defer cancel()

	w, err := m.weather.Current(ctx, m.Snapshot().Season)
	if err != nil {
		return fmt.Errorf("weather source: %w", err)
	}
	m.update(func(s *types.ContextSnapshot) {
		s.Weather = w.Condition
		s.Temperature = w.Temperature
	})
	return nil
}

// Run refreshes time/device on one interval and weather on another. Blocks until
// ctx is cancelled; a refresh in progress finishes before Run returns.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("context monitor started",
		"component", "worker",
		"worker", "context-monitor",
		"time_interval", m.cfg.TimeRefreshInterval.String(),
		"weather_interval", m.cfg.WeatherRefreshInterval.String(),
	)

	timeTicker := time.NewTicker(m.cfg.TimeRefreshInterval)
	defer timeTicker.Stop()
	weatherTicker := time.NewTicker(m.cfg.WeatherRefreshInterval)
	defer weatherTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("context monitor stopped",
				"component", "worker",
				"worker", "context-monitor",
				"reason", "context_cancelled",
			)
			return
		case <-timeTicker.C:
			m.RefreshTime()
			if err := m.RefreshDevice(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("device refresh failed", "component", "contextmon", "error", err)
			}
		case <-weatherTicker.C:
			if err := m.RefreshWeather(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("weather refresh failed", "component", "contextmon", "error", err)
			}
		}
	}
}
