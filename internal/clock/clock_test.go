package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iggydv12/coopsync/internal/clock"
)

func TestAdvanceCarriesRemainder(t *testing.T) {
	c := clock.New(16)
	assert.Equal(t, uint64(0), c.Advance(10))
	assert.Equal(t, uint64(1), c.Advance(10)) // 20 -> one tick, 4 left
	assert.Equal(t, uint64(2), c.Advance(28)) // 32 -> two ticks
	assert.Equal(t, uint64(3), c.Tick())
}

func TestAdvanceIgnoresNonPositive(t *testing.T) {
	c := clock.New(16)
	assert.Equal(t, uint64(0), c.Advance(-5))
	assert.Equal(t, uint64(0), c.Advance(0))
	assert.Equal(t, uint64(0), c.Tick())
}

func TestDefaultStep(t *testing.T) {
	c := clock.New(0)
	assert.Equal(t, clock.DefaultStepMs, c.StepMs())
	c.SetStepMs(-1)
	assert.Equal(t, clock.DefaultStepMs, c.StepMs())
	c.SetStepMs(20)
	assert.Equal(t, 20.0, c.StepMs())
}

func TestAlphaClamped(t *testing.T) {
	c := clock.New(10)
	c.Advance(5)
	assert.InDelta(t, 0.5, c.Alpha(0), 1e-9)
	assert.InDelta(t, 1.0, c.Alpha(100), 1e-9)
	assert.InDelta(t, 0.0, c.Alpha(-100), 1e-9)
}

func TestSyncDropsPartialStep(t *testing.T) {
	c := clock.New(16)
	c.Advance(10)
	c.Sync(40)
	assert.Equal(t, uint64(40), c.Tick())
	assert.Equal(t, uint64(0), c.Advance(10))
	assert.Equal(t, uint64(1), c.Advance(6))
	assert.Equal(t, uint64(41), c.Tick())
}
