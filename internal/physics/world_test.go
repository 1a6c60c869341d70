package physics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/coopsync/internal/physics"
)

func TestWorldSpawnAdvanceRemove(t *testing.T) {
	w := physics.NewWorld(true)
	w.Spawn(2, physics.TransformSnap{Vel: physics.Vec3{X: 1}}, 0)
	w.Spawn(1, physics.TransformSnap{}, 0)

	w.Advance(33)

	snaps := w.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, uint32(1), snaps[0].ID)
	assert.Equal(t, uint32(2), snaps[1].ID)
	assert.Equal(t, uint64(2), snaps[1].Tick)
	assert.InDelta(t, 1.0, snaps[1].AccumMs, 1e-9)
	assert.Greater(t, snaps[1].Snap.Pos.X, 0.0)

	assert.True(t, w.Remove(1))
	assert.False(t, w.Remove(1))
	assert.Equal(t, 1, w.Len())
}

func TestReconcileMatchesHost(t *testing.T) {
	start := physics.TransformSnap{Vel: physics.Vec3{X: 12, Y: 3}}

	host := physics.NewWorld(true)
	client := physics.NewWorld(false)
	host.Spawn(7, start, 0)
	client.Spawn(7, start, 0)

	// host snapshot at tick 5
	for i := 0; i < 5; i++ {
		host.Advance(physics.VehicleStepMs)
	}
	snap, ok := host.Get(7)
	require.True(t, ok)
	require.Equal(t, uint64(5), snap.Tick)

	// client runs ahead to tick 9 with a wrong local velocity
	client.Reconcile(7, physics.TransformSnap{Vel: physics.Vec3{X: -4}}, 0)
	for i := 0; i < 9; i++ {
		client.Advance(physics.VehicleStepMs)
	}

	correction := client.Reconcile(7, snap.Snap, snap.Tick)
	assert.Greater(t, correction, 0.0)

	for i := 0; i < 4; i++ {
		host.Advance(physics.VehicleStepMs)
	}
	want, _ := host.Get(7)
	got, _ := client.Get(7)
	assert.Equal(t, want.Tick, got.Tick)
	assert.Equal(t, want.Snap, got.Snap)
}

func TestReconcileAheadAndUnknown(t *testing.T) {
	w := physics.NewWorld(false)
	snap := physics.TransformSnap{Pos: physics.Vec3{X: 5}}

	assert.Zero(t, w.Reconcile(3, snap, 40))
	b, ok := w.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(40), b.Tick)

	correction := w.Reconcile(3, physics.TransformSnap{Pos: physics.Vec3{X: 8}}, 50)
	assert.InDelta(t, 3.0, correction, 1e-12)
	b, _ = w.Get(3)
	assert.Equal(t, uint64(50), b.Tick)
}
