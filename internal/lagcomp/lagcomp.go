// Package lagcomp rewinds replicated positions by a peer's round-trip time so the host
// can judge hits against what the shooter actually saw.
package lagcomp

import "github.com/iggydv12/coopsync/internal/physics"

// Rewind returns pos moved back along vel by rttMs milliseconds.
func Rewind(pos, vel physics.Vec3, rttMs float64) physics.Vec3 {
	return pos.Sub(vel.Scale(rttMs / 1000.0))
}

// WithinReach reports whether claimed lies within tolerance of the rewound position.
func WithinReach(pos, vel physics.Vec3, rttMs float64, claimed physics.Vec3, tolerance float64) bool {
	if tolerance < 0 {
		return false
	}
	return Rewind(pos, vel, rttMs).Distance(claimed) <= tolerance
}
