package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vk/modhost/internal/flow"
)

// fakeClock starts at a fixed instant and advances only when told.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBoard_Clocks(t *testing.T) {
	clk := newFakeClock()
	b := New(WithClock(clk.Now))

	assert.Equal(t, uint64(0), b.Millis())

	clk.advance(1500 * time.Millisecond)
	assert.Equal(t, uint64(1500), b.Millis())
	assert.Equal(t, uint64(1_500_000), b.Micros())
}

func TestBoard_SensorsStayInRange(t *testing.T) {
	clk := newFakeClock()
	b := New(WithClock(clk.Now))

	for i := 0; i < 100; i++ {
		clk.advance(time.Second)
		d := b.ReadDistance()
		assert.GreaterOrEqual(t, d, 40.0)
		assert.LessOrEqual(t, d, 60.0)

		temp := b.ReadTemperature()
		assert.GreaterOrEqual(t, temp, 20.0)
		assert.LessOrEqual(t, temp, 30.0)
	}
}

func TestBoard_ButtonIdlesVehicle(t *testing.T) {
	b := New()

	assert.False(t, b.ButtonPressed())
	assert.False(t, b.VehicleIdle())
	assert.Equal(t, 65, b.VehicleSpeed())

	b.PressButton(true)
	assert.True(t, b.ButtonPressed())
	assert.True(t, b.VehicleIdle())
	assert.Zero(t, b.VehicleSpeed())

	b.PressButton(false)
	assert.False(t, b.VehicleIdle())
}

func TestBoard_Network(t *testing.T) {
	b := New()
	assert.True(t, b.NetworkConnected())

	b.SetConnected(false)
	assert.False(t, b.NetworkConnected())
}

func TestBoard_IndicatorCadence(t *testing.T) {
	clk := newFakeClock()
	b := New(WithClock(clk.Now))

	assert.False(t, b.IndicatorOn())

	b.SetSignal(flow.SignalSuccess)
	assert.True(t, b.IndicatorOn())

	// The pending signal blinks at a 1s period with a 50% duty cycle.
	b.SetSignal(flow.SignalUpdatePending)
	assert.True(t, b.IndicatorOn())
	clk.advance(600 * time.Millisecond)
	assert.False(t, b.IndicatorOn())
	clk.advance(400 * time.Millisecond)
	assert.True(t, b.IndicatorOn())

	b.SetSignal(flow.SignalNone)
	assert.False(t, b.IndicatorOn())
}
