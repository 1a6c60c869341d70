package physics

import "math"

const (
	// VehicleStepMs is the fixed vehicle integration step (60 Hz).
	VehicleStepMs = 16.0
	// Damping is the per-step friction factor applied to velocity.
	Damping = 0.98

	jitterAmplitude = 0.001
	jitterFrequency = 0.05
	faceEpsilon     = 1e-4
)

// Jitter returns the deterministic velocity perturbation for a tick. It depends on
// the tick index alone so every peer reproduces it without sending randomness.
func Jitter(tick uint64) Vec3 {
	phase := float64(tick) * jitterFrequency
	return Vec3{
		X: jitterAmplitude * math.Sin(phase),
		Y: jitterAmplitude * math.Cos(phase),
	}
}

// Step advances snap by one fixed step. Both roles call this and only this.
func Step(snap *TransformSnap, stepMs float64, tick uint64) {
	dt := stepMs / 1000.0
	snap.Pos = snap.Pos.Add(snap.Vel.Scale(dt))
	snap.Vel = snap.Vel.Scale(Damping).Add(Jitter(tick))

	speed2 := snap.Vel.X*snap.Vel.X + snap.Vel.Y*snap.Vel.Y
	if speed2 > faceEpsilon {
		snap.Rot = YawQuat(math.Atan2(snap.Vel.Y, snap.Vel.X))
	}
}

// ServerSimulate is the authoritative integration call site.
func ServerSimulate(snap *TransformSnap, stepMs float64, tick uint64) {
	Step(snap, stepMs, tick)
}

// ClientPredict is the speculative integration call site.
func ClientPredict(snap *TransformSnap, stepMs float64, tick uint64) {
	Step(snap, stepMs, tick)
}

// StepVehicle decouples a variable frame delta from the fixed step. It adds dtMs to
// *accumMs, runs one fixed step per whole VehicleStepMs (step i is seeded with tick+i),
// leaves the remainder in *accumMs and returns the number of steps taken.
func StepVehicle(snap *TransformSnap, accumMs *float64, dtMs float64, tick uint64, authoritative bool) int {
	*accumMs += dtMs
	n := 0
	for *accumMs >= VehicleStepMs {
		t := tick + uint64(n)
		if authoritative {
			ServerSimulate(snap, VehicleStepMs, t)
		} else {
			ClientPredict(snap, VehicleStepMs, t)
		}
		*accumMs -= VehicleStepMs
		n++
	}
	return n
}
