package physics_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/coopsync/internal/physics"
)

func TestServerAndClientAgree(t *testing.T) {
	start := physics.TransformSnap{Vel: physics.Vec3{X: 10}, Rot: physics.Identity}

	server := start
	client := start
	physics.ServerSimulate(&server, 16, 0)
	physics.ClientPredict(&client, 16, 0)

	assert.Equal(t, server, client)
	assert.InDelta(t, 0.16, server.Pos.X, 1e-12)
	assert.InDelta(t, 9.8, server.Vel.X, 1e-2)
}

func TestDeterminismOverManyTicks(t *testing.T) {
	a := physics.TransformSnap{Pos: physics.Vec3{X: 1, Y: 2}, Vel: physics.Vec3{X: 3, Y: -4}}
	b := a
	for tick := uint64(100); tick < 1100; tick++ {
		physics.ServerSimulate(&a, physics.VehicleStepMs, tick)
		physics.ClientPredict(&b, physics.VehicleStepMs, tick)
	}
	assert.Equal(t, a, b)
}

func TestJitterDependsOnTickOnly(t *testing.T) {
	assert.Equal(t, physics.Jitter(17), physics.Jitter(17))
	assert.NotEqual(t, physics.Jitter(17), physics.Jitter(18))
}

func TestFacesVelocity(t *testing.T) {
	s := physics.TransformSnap{Vel: physics.Vec3{Y: 5}, Rot: physics.Identity}
	physics.Step(&s, 16, 0)
	yaw := 2 * math.Atan2(s.Rot.Z, s.Rot.W)
	assert.InDelta(t, math.Atan2(s.Vel.Y, s.Vel.X), yaw, 1e-9)
}

func TestSlowBodyKeepsRotation(t *testing.T) {
	rot := physics.YawQuat(1.0)
	s := physics.TransformSnap{Rot: rot}
	physics.Step(&s, 16, 0)
	// jitter alone stays below the facing threshold
	assert.Equal(t, rot, s.Rot)
}

func TestStepVehicleBudget(t *testing.T) {
	cases := []struct {
		accum, dt float64
		steps     int
		remainder float64
	}{
		{0, 10, 0, 10},
		{10, 10, 1, 4},
		{0, 48, 3, 0},
		{8, 40, 3, 0},
		{15, 0.5, 0, 15.5},
	}
	for _, c := range cases {
		snap := physics.TransformSnap{Vel: physics.Vec3{X: 1}}
		accum := c.accum
		n := physics.StepVehicle(&snap, &accum, c.dt, 0, true)
		assert.Equal(t, c.steps, n)
		assert.InDelta(t, c.remainder, accum, 1e-9)
	}
}

func TestFrameRateIndependence(t *testing.T) {
	// 30 fps server vs 144 fps-ish client over the same wall time.
	server := physics.Body{Snap: physics.TransformSnap{Vel: physics.Vec3{X: 20, Y: 5}}}
	client := server

	for i := 0; i < 30; i++ {
		server.Advance(32, true)
	}
	for i := 0; i < 120; i++ {
		client.Advance(8, false)
	}
	require.Equal(t, server.Tick, client.Tick)
	assert.Equal(t, server.Snap, client.Snap)
}
