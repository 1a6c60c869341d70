// Package clock provides the fixed-step simulation clock shared by every peer.
package clock

import (
	"math"
	"sync"
	"sync/atomic"
)

// DefaultStepMs is the default duration of one simulation tick.
const DefaultStepMs = 32.0

// Clock advances a monotonic tick counter from variable frame deltas.
// The tick index doubles as the deterministic noise seed for physics.
type Clock struct {
	mu     sync.Mutex
	accum  float64
	stepMs float64
	tick   atomic.Uint64
}

// New creates a Clock with the given step. Non-positive steps fall back to DefaultStepMs.
func New(stepMs float64) *Clock {
	if stepMs <= 0 {
		stepMs = DefaultStepMs
	}
	return &Clock{stepMs: stepMs}
}

// Advance accumulates dtMs and returns how many whole ticks elapsed.
func (c *Clock) Advance(dtMs float64) uint64 {
	if dtMs <= 0 || math.IsNaN(dtMs) {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accum += dtMs
	var n uint64
	for c.accum >= c.stepMs {
		c.accum -= c.stepMs
		n++
	}
	if n > 0 {
		c.tick.Add(n)
	}
	return n
}

// Tick returns the current tick index.
func (c *Clock) Tick() uint64 {
	return c.tick.Load()
}

// Sync jumps to tick and discards any partial step, aligning a joining peer with the host.
func (c *Clock) Sync(tick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accum = 0
	c.tick.Store(tick)
}

// StepMs returns the tick duration.
func (c *Clock) StepMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepMs
}

// SetStepMs changes the tick duration; non-positive values are ignored.
func (c *Clock) SetStepMs(ms float64) {
	if ms <= 0 {
		return
	}
	c.mu.Lock()
	c.stepMs = ms
	c.mu.Unlock()
}

// Alpha returns the interpolation factor within the current tick, clamped to [0,1].
func (c *Clock) Alpha(nowMs float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.accum + nowMs
	if total < 0 {
		total = 0
	}
	if total > c.stepMs {
		total = c.stepMs
	}
	return total / c.stepMs
}
