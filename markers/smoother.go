package markers

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// SmoothPoses reduces a marker's pose window (oldest-first, length >= 1) to a
// single pose.
//
// Position is the uniform arithmetic mean of the window. Orientation is a
// cascaded pairwise blend: starting from the oldest quaternion, each later
// sample is folded in at the halfway point of the shortest great-circle arc,
// and the result is renormalized. This is an order-dependent approximation of
// an average, deliberately biased toward recent samples; downstream consumers
// rely on its lag characteristics, so it must not be replaced with a true
// rotation mean.
func SmoothPoses(window []spatialmath.Pose) spatialmath.Pose {
	if len(window) == 0 {
		return nil
	}
	if len(window) == 1 {
		return window[0]
	}

	mean := r3.Vector{}
	for _, pose := range window {
		mean = mean.Add(pose.Point())
	}
	mean = mean.Mul(1 / float64(len(window)))

	running := window[0].Orientation().Quaternion()
	for _, pose := range window[1:] {
		running = halfwayBlend(running, pose.Orientation().Quaternion())
	}
	orientation := spatialmath.Quaternion(normalizeQuat(running))

	return spatialmath.NewPose(mean, &orientation)
}

// halfwayBlend returns the spherical interpolation of a and b at t=0.5 along
// the shortest arc, flipping sign when the dot product is negative so the
// blend never takes the long way around.
func halfwayBlend(a, b quat.Number) quat.Number {
	qa := mgl64.Quat{W: a.Real, V: mgl64.Vec3{a.Imag, a.Jmag, a.Kmag}}
	qb := mgl64.Quat{W: b.Real, V: mgl64.Vec3{b.Imag, b.Jmag, b.Kmag}}
	if qa.Dot(qb) < 0 {
		qb = qb.Scale(-1)
	}
	blended := mgl64.QuatSlerp(qa, qb, 0.5)
	return quat.Number{Real: blended.W, Imag: blended.X(), Jmag: blended.Y(), Kmag: blended.Z()}
}
