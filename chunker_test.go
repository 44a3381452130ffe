package fraisewire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdaptiveChunkerNoAdjustmentBeforeWindowFull(t *testing.T) {
	c := newAdaptiveChunker(256, 16, 1024, nil)
	for i := 0; i < adjustmentWindow-1; i++ {
		_, changed := c.Observe(95, 100)
		require.False(t, changed, "expected no adjustment before the window fills (observation %d)", i)
	}
}

func TestAdaptiveChunkerIncreasesOnLowOccupancy(t *testing.T) {
	c := newAdaptiveChunker(256, 16, 1024, nil)

	var last int
	var changed bool
	for i := 0; i < adjustmentWindow; i++ {
		last, changed = c.Observe(5, 100) // 5% occupancy, well under the 20% floor
	}
	require.True(t, changed, "expected an increase once the window fills at low occupancy")
	require.Equal(t, 384, last) // ceil(256*1.5)
}

func TestAdaptiveChunkerDecreasesOnHighOccupancy(t *testing.T) {
	c := newAdaptiveChunker(256, 16, 1024, nil)

	var last int
	var changed bool
	for i := 0; i < adjustmentWindow; i++ {
		last, changed = c.Observe(95, 100)
	}
	require.True(t, changed, "expected a decrease once the window fills at high occupancy")
	require.Equal(t, 170, last) // floor(256/1.5)
}

func TestAdaptiveChunkerNeverExceedsMaxSize(t *testing.T) {
	c := newAdaptiveChunker(1000, 16, 1024, nil)
	clock := &fakeClock{t: time.Now()}
	c.now = clock.Now

	for round := 0; round < 5; round++ {
		for i := 0; i < adjustmentWindow; i++ {
			c.Observe(1, 100)
		}
		clock.advance(2 * time.Second)
	}
	require.LessOrEqual(t, c.CurrentSize(), 1024)
}

func TestAdaptiveChunkerNeverGoesBelowMinSize(t *testing.T) {
	c := newAdaptiveChunker(20, 16, 1024, nil)
	clock := &fakeClock{t: time.Now()}
	c.now = clock.Now

	for round := 0; round < 5; round++ {
		for i := 0; i < adjustmentWindow; i++ {
			c.Observe(99, 100)
		}
		clock.advance(2 * time.Second)
	}
	require.GreaterOrEqual(t, c.CurrentSize(), 16)
}

func TestAdaptiveChunkerRespectsMinAdjustmentInterval(t *testing.T) {
	c := newAdaptiveChunker(256, 16, 1024, nil)
	clock := &fakeClock{t: time.Now()}
	c.now = clock.Now

	for i := 0; i < adjustmentWindow; i++ {
		c.Observe(95, 100)
	}

	// Without advancing the clock, a second full window should not adjust
	// again even though occupancy is still outside the hysteresis band.
	var changed bool
	for i := 0; i < adjustmentWindow; i++ {
		_, changed = c.Observe(95, 100)
	}
	require.False(t, changed, "expected no second adjustment within min_adjustment_interval")
}

func TestAdaptiveChunkerAdjustsAgainAfterInterval(t *testing.T) {
	c := newAdaptiveChunker(256, 16, 1024, nil)
	clock := &fakeClock{t: time.Now()}
	c.now = clock.Now

	for i := 0; i < adjustmentWindow; i++ {
		c.Observe(95, 100)
	}
	clock.advance(2 * time.Second)

	var changed bool
	for i := 0; i < adjustmentWindow; i++ {
		_, changed = c.Observe(95, 100)
	}
	require.True(t, changed, "expected a second adjustment once min_adjustment_interval has elapsed")
}

func TestAdaptiveChunkerMidBandNoChange(t *testing.T) {
	c := newAdaptiveChunker(256, 16, 1024, nil)
	for i := 0; i < adjustmentWindow; i++ {
		_, changed := c.Observe(50, 100)
		require.False(t, changed, "expected no adjustment at 50%% occupancy (within the 20-80 band)")
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) Now() time.Time          { return c.t }
