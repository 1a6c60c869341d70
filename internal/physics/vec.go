// Package physics implements the deterministic fixed-step integrator shared by the
// authoritative host and predicting clients.
package physics

import "math"

// Vec3 is a 3D vector.
type Vec3 struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	Z float64 `msgpack:"z" json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(f float64) Vec3 { return Vec3{v.X * f, v.Y * f, v.Z * f} }
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Length() float64 { return math.Sqrt(v.Dot(v)) }
func (v Vec3) Distance(o Vec3) float64 { return v.Sub(o).Length() }

// Quat is a rotation quaternion.
type Quat struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	Z float64 `msgpack:"z" json:"z"`
	W float64 `msgpack:"w" json:"w"`
}

// Identity is the no-rotation quaternion.
var Identity = Quat{W: 1}

// YawQuat returns the rotation about Z by yaw radians.
func YawQuat(yaw float64) Quat {
	return Quat{Z: math.Sin(yaw * 0.5), W: math.Cos(yaw * 0.5)}
}

// TransformSnap is the replicated physical state of one entity.
type TransformSnap struct {
	Pos Vec3 `msgpack:"pos" json:"pos"`
	Vel Vec3 `msgpack:"vel" json:"vel"`
	Rot Quat `msgpack:"rot" json:"rot"`
}
