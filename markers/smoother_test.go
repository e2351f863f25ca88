package markers

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func rotationAbout(axis r3.Vector, degrees float64) *spatialmath.Quaternion {
	half := degrees * math.Pi / 360.0
	sin := math.Sin(half)
	return &spatialmath.Quaternion{
		Real: math.Cos(half),
		Imag: axis.X * sin,
		Jmag: axis.Y * sin,
		Kmag: axis.Z * sin,
	}
}

func quatNorm(q quat.Number) float64 {
	return math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// absolute dot product, 1 when two unit quaternions represent the same rotation
func quatAgreement(a, b quat.Number) float64 {
	return math.Abs(a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag)
}

func TestSmoothWindowOfOne(t *testing.T) {
	pose := spatialmath.NewPose(
		r3.Vector{X: 0.3, Y: -0.1, Z: 1.2},
		rotationAbout(r3.Vector{X: 1}, 33),
	)
	got := SmoothPoses([]spatialmath.Pose{pose})
	test.That(t, got, test.ShouldEqual, pose)
}

func TestSmoothPositionMeanIsOrderIndependent(t *testing.T) {
	poses := []spatialmath.Pose{
		spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, rotationAbout(r3.Vector{X: 1}, 10)),
		spatialmath.NewPose(r3.Vector{X: -4, Y: 0.5, Z: 9}, rotationAbout(r3.Vector{Y: 1}, 20)),
		spatialmath.NewPose(r3.Vector{X: 7, Y: -2, Z: 0}, rotationAbout(r3.Vector{Z: 1}, 30)),
	}
	permuted := []spatialmath.Pose{poses[2], poses[0], poses[1]}

	p1 := SmoothPoses(poses).Point()
	p2 := SmoothPoses(permuted).Point()
	test.That(t, p1.X, test.ShouldAlmostEqual, p2.X, 1e-12)
	test.That(t, p1.Y, test.ShouldAlmostEqual, p2.Y, 1e-12)
	test.That(t, p1.Z, test.ShouldAlmostEqual, p2.Z, 1e-12)

	test.That(t, p1.X, test.ShouldAlmostEqual, 4.0/3.0, 1e-12)
	test.That(t, p1.Y, test.ShouldAlmostEqual, 0.5/3.0, 1e-12)
	test.That(t, p1.Z, test.ShouldAlmostEqual, 4.0, 1e-12)
}

func TestSmoothOrientationBlendIsOrderDependent(t *testing.T) {
	origin := r3.Vector{}
	window := []spatialmath.Pose{
		spatialmath.NewPose(origin, rotationAbout(r3.Vector{X: 1}, 90)),
		spatialmath.NewPose(origin, rotationAbout(r3.Vector{Y: 1}, 90)),
		spatialmath.NewPose(origin, rotationAbout(r3.Vector{Z: 1}, 90)),
	}
	reversed := []spatialmath.Pose{window[2], window[1], window[0]}

	forward := SmoothPoses(window).Orientation().Quaternion()
	backward := SmoothPoses(reversed).Orientation().Quaternion()

	// distinct non-commuting rotations must not blend to the same result
	test.That(t, quatAgreement(forward, backward), test.ShouldBeLessThan, 1-1e-4)
}

func TestSmoothResultIsUnitNorm(t *testing.T) {
	origin := r3.Vector{}
	windows := [][]spatialmath.Pose{
		{
			spatialmath.NewPose(origin, rotationAbout(r3.Vector{X: 1}, 170)),
			spatialmath.NewPose(origin, rotationAbout(r3.Vector{X: 1}, -170)),
		},
		{
			spatialmath.NewPose(origin, rotationAbout(r3.Vector{X: 1}, 45)),
			spatialmath.NewPose(origin, rotationAbout(r3.Vector{Y: 1}, 120)),
			spatialmath.NewPose(origin, rotationAbout(r3.Vector{Z: 1}, 10)),
			spatialmath.NewPose(origin, rotationAbout(r3.Vector{X: 1, Y: 1}.Normalize(), 77)),
		},
	}
	for _, window := range windows {
		got := SmoothPoses(window).Orientation().Quaternion()
		test.That(t, quatNorm(got), test.ShouldAlmostEqual, 1.0, 1e-9)
	}
}

func TestSmoothIdenticalPosesIsIdentity(t *testing.T) {
	pose := spatialmath.NewPose(
		r3.Vector{X: 0.25, Y: 0.5, Z: 2},
		rotationAbout(r3.Vector{Y: 1}, 60),
	)
	got := SmoothPoses([]spatialmath.Pose{pose, pose})

	test.That(t, got.Point().X, test.ShouldAlmostEqual, pose.Point().X, 1e-12)
	test.That(t, got.Point().Y, test.ShouldAlmostEqual, pose.Point().Y, 1e-12)
	test.That(t, got.Point().Z, test.ShouldAlmostEqual, pose.Point().Z, 1e-12)
	agreement := quatAgreement(got.Orientation().Quaternion(), pose.Orientation().Quaternion())
	test.That(t, agreement, test.ShouldAlmostEqual, 1.0, 1e-12)
}

func TestHalfwayBlendShortestPath(t *testing.T) {
	a := rotationAbout(r3.Vector{X: 1}, 10)
	b := rotationAbout(r3.Vector{X: 1}, 30)
	// same rotation as b but on the opposite quaternion sheet
	bFlipped := &spatialmath.Quaternion{Real: -b.Real, Imag: -b.Imag, Jmag: -b.Jmag, Kmag: -b.Kmag}

	want := halfwayBlend(quat.Number(*a), quat.Number(*b))
	got := halfwayBlend(quat.Number(*a), quat.Number(*bFlipped))
	test.That(t, quatAgreement(want, got), test.ShouldAlmostEqual, 1.0, 1e-9)

	// halfway between 10 and 30 degrees about X is 20 degrees
	expected := rotationAbout(r3.Vector{X: 1}, 20)
	test.That(t, quatAgreement(want, quat.Number(*expected)), test.ShouldAlmostEqual, 1.0, 1e-9)
}
