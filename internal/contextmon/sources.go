package contextmon

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hyperengineering/citytailor/internal/types"
)

// Weather is one reading from a WeatherSource.
type Weather struct {
	Condition   string
	Temperature int // degrees Celsius
}

// WeatherSource supplies current weather. Production deployments plug in a real
// provider; SimulatedWeather is the default.
type WeatherSource interface {
	Current(ctx context.Context, season types.Season) (Weather, error)
}

// Device describes the client environment.
type Device struct {
	IsMobile        bool
	Screen          types.ScreenSize
	ConnectionClass string
}

// DeviceSource supplies the device class for the snapshot.
type DeviceSource interface {
	Current(ctx context.Context) (Device, error)
}

// StaticDevice always reports the same device.
type StaticDevice Device

func (d StaticDevice) Current(ctx context.Context) (Device, error) {
	return Device(d), nil
}

// MobileBreakpoint is the viewport width below which a device counts as mobile.
const MobileBreakpoint = 768

// NewStaticDevice builds a StaticDevice from a screen size, deriving IsMobile.
func NewStaticDevice(width, height int, connection string) StaticDevice {
	return StaticDevice{
		IsMobile:        width > 0 && width < MobileBreakpoint,
		Screen:          types.ScreenSize{Width: width, Height: height},
		ConnectionClass: connection,
	}
}

var seasonalWeather = map[types.Season]struct {
	conditions []string
	minTemp    int
	maxTemp    int
}{
	types.Spring: {[]string{"sunny", "cloudy", "rainy"}, 8, 20},
	types.Summer: {[]string{"sunny", "sunny", "cloudy", "stormy"}, 20, 35},
	types.Autumn: {[]string{"cloudy", "rainy", "windy", "sunny"}, 5, 18},
	types.Winter: {[]string{"cloudy", "snowy", "rainy", "sunny"}, -5, 8},
}

// SimulatedWeather draws season-plausible weather from a seeded generator.
type SimulatedWeather struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedWeather creates a simulator. A zero seed uses the current time.
func NewSimulatedWeather(seed uint64) *SimulatedWeather {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &SimulatedWeather{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (w *SimulatedWeather) Current(ctx context.Context, season types.Season) (Weather, error) {
	profile, ok := seasonalWeather[season]
	if !ok {
		profile = seasonalWeather[types.Spring]
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return Weather{
		Condition:   profile.conditions[w.rng.IntN(len(profile.conditions))],
		Temperature: profile.minTemp + w.rng.IntN(profile.maxTemp-profile.minTemp+1),
	}, nil
}
