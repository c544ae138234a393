// Package board provides the host-side vehicle environment: sensor
// readings, vehicle status, network state and the status indicator.
//
// Readings are synthesized from the board clock so the system behaves
// deterministically without real hardware attached. Swapping in real
// drivers only changes this package.
package board

import (
	"math"
	"sync"
	"time"

	"github.com/vk/modhost/internal/flow"
)

// Board simulates the vehicle peripherals.
type Board struct {
	now   func() time.Time
	start time.Time

	mu        sync.Mutex
	button    bool
	speed     int
	connected bool
	signal    flow.Signal
}

// Option mutates a Board during construction.
type Option func(*Board)

// WithClock overrides the board clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// New creates a Board. The vehicle starts moving, online and with the
// button released.
func New(opts ...Option) *Board {
	b := &Board{now: time.Now, speed: 65, connected: true}
	for _, opt := range opts {
		opt(b)
	}
	b.start = b.now()
	return b
}

// Millis returns milliseconds since the board came up.
func (b *Board) Millis() uint64 {
	return uint64(b.now().Sub(b.start) / time.Millisecond)
}

// Micros returns microseconds since the board came up.
func (b *Board) Micros() uint64 {
	return uint64(b.now().Sub(b.start) / time.Microsecond)
}

// ReadDistance returns the forward distance sensor reading in
// centimeters. The synthesized value oscillates between 40 and 60.
func (b *Board) ReadDistance() float64 {
	t := b.now().Sub(b.start).Seconds()
	return 50 + 10*math.Sin(t/5)
}

// ReadTemperature returns the ambient temperature in celsius, oscillating
// between 20 and 30.
func (b *Board) ReadTemperature() float64 {
	t := b.now().Sub(b.start).Seconds()
	return 25 + 5*math.Cos(t/8)
}

// PressButton simulates the operator holding the service button, which
// also brings the vehicle to a stop.
func (b *Board) PressButton(pressed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.button = pressed
	if pressed {
		b.speed = 0
	} else {
		b.speed = 65
	}
}

// ButtonPressed reports whether the service button is held.
func (b *Board) ButtonPressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.button
}

// VehicleIdle reports whether the vehicle is stationary. Holding the
// service button idles the vehicle.
func (b *Board) VehicleIdle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed == 0
}

// VehicleSpeed returns the current speed in km/h.
func (b *Board) VehicleSpeed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed
}

// IgnitionOn reports ignition state. The simulated vehicle never powers
// down while the host runs.
func (b *Board) IgnitionOn() bool {
	return true
}

// SetConnected flips the simulated network link.
func (b *Board) SetConnected(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = up
}

// NetworkConnected reports whether the network link is up.
func (b *Board) NetworkConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetSignal asserts the status indicator.
func (b *Board) SetSignal(s flow.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signal = s
}

// Signal returns the currently asserted indicator signal.
func (b *Board) Signal() flow.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signal
}

// IndicatorOn reports whether the indicator LED is lit at this instant,
// applying each signal's blink cadence.
func (b *Board) IndicatorOn() bool {
	b.mu.Lock()
	sig := b.signal
	b.mu.Unlock()

	ms := int64(b.now().Sub(b.start) / time.Millisecond)
	switch sig {
	case flow.SignalUpdatePending:
		return ms%1000 < 500
	case flow.SignalDownloading:
		return ms%250 < 125
	case flow.SignalSuccess:
		return true
	case flow.SignalFailure:
		return ms%100 < 50
	default:
		return false
	}
}
