package markers

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     600,
		Fy:     600,
		Ppx:    320,
		Ppy:    240,
	}
}

// projectCorners renders the marker's corners into pixel space for a marker
// rotated by q and translated by t in the camera frame.
func projectCorners(sizeMeters float64, q quat.Number, t r3.Vector, calib CameraCalibration) []r2.Point {
	corners := make([]r2.Point, 0, 4)
	for _, p := range markerObjectPoints(sizeMeters) {
		cam := rotateVector(q, p).Add(t)
		x := cam.X / cam.Z
		y := cam.Y / cam.Z
		if calib.Distortion != nil {
			x, y = calib.Distortion.Transform(x, y)
		}
		corners = append(corners, r2.Point{
			X: x*calib.Intrinsics.Fx + calib.Intrinsics.Ppx,
			Y: y*calib.Intrinsics.Fy + calib.Intrinsics.Ppy,
		})
	}
	return corners
}

func TestSolvePoseKnownDepth(t *testing.T) {
	calib := CameraCalibration{Intrinsics: testIntrinsics()}
	identity := quat.Number{Real: 1}
	want := r3.Vector{Z: 0.5}

	corners := projectCorners(0.1, identity, want, calib)
	pose, err := SolvePose(corners, 0.1, calib)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pose.Point().X, test.ShouldAlmostEqual, 0, 1e-3)
	test.That(t, pose.Point().Y, test.ShouldAlmostEqual, 0, 1e-3)
	test.That(t, pose.Point().Z, test.ShouldAlmostEqual, 0.5, 1e-3)

	q := pose.Orientation().Quaternion()
	test.That(t, quatAgreement(q, identity), test.ShouldAlmostEqual, 1.0, 1e-4)
}

func TestSolvePoseOffAxisTranslation(t *testing.T) {
	calib := CameraCalibration{Intrinsics: testIntrinsics()}
	identity := quat.Number{Real: 1}
	want := r3.Vector{X: 0.12, Y: -0.04, Z: 0.8}

	corners := projectCorners(0.0625, identity, want, calib)
	pose, err := SolvePose(corners, 0.0625, calib)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pose.Point().X, test.ShouldAlmostEqual, want.X, 1e-3)
	test.That(t, pose.Point().Y, test.ShouldAlmostEqual, want.Y, 1e-3)
	test.That(t, pose.Point().Z, test.ShouldAlmostEqual, want.Z, 1e-3)
}

func TestSolvePoseRecoversRotation(t *testing.T) {
	calib := CameraCalibration{Intrinsics: testIntrinsics()}
	rot := quat.Number(*rotationAbout(r3.Vector{Z: 1}, 30))
	trans := r3.Vector{X: 0.05, Z: 0.6}

	corners := projectCorners(0.1, rot, trans, calib)
	pose, err := SolvePose(corners, 0.1, calib)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pose.Point().Z, test.ShouldAlmostEqual, trans.Z, 1e-3)
	got := pose.Orientation().Quaternion()
	test.That(t, quatAgreement(got, rot), test.ShouldAlmostEqual, 1.0, 1e-4)
}

func TestSolvePoseWithDistortion(t *testing.T) {
	distortion, err := transform.NewBrownConrady([]float64{0.1, -0.02})
	test.That(t, err, test.ShouldBeNil)
	calib := CameraCalibration{Intrinsics: testIntrinsics(), Distortion: distortion}
	identity := quat.Number{Real: 1}
	want := r3.Vector{X: 0.03, Y: 0.02, Z: 0.7}

	corners := projectCorners(0.1, identity, want, calib)
	pose, err := SolvePose(corners, 0.1, calib)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pose.Point().X, test.ShouldAlmostEqual, want.X, 1e-3)
	test.That(t, pose.Point().Y, test.ShouldAlmostEqual, want.Y, 1e-3)
	test.That(t, pose.Point().Z, test.ShouldAlmostEqual, want.Z, 1e-3)
}

func TestSolvePoseWithoutCalibration(t *testing.T) {
	corners := []r2.Point{{X: 100, Y: 100}, {X: 200, Y: 100}, {X: 200, Y: 200}, {X: 100, Y: 200}}
	_, err := SolvePose(corners, 0.1, CameraCalibration{})
	test.That(t, errors.Is(err, ErrCalibrationUnavailable), test.ShouldBeTrue)
}

func TestSolvePoseMalformedCorners(t *testing.T) {
	calib := CameraCalibration{Intrinsics: testIntrinsics()}
	corners := []r2.Point{{X: 100, Y: 100}, {X: 200, Y: 100}, {X: 200, Y: 200}}
	_, err := SolvePose(corners, 0.1, calib)
	test.That(t, errors.Is(err, ErrMalformedDetection), test.ShouldBeTrue)
}

func TestSolvePoseDegenerateCorners(t *testing.T) {
	calib := CameraCalibration{Intrinsics: testIntrinsics()}
	// collinear corners cannot pin down a homography
	corners := []r2.Point{{X: 100, Y: 100}, {X: 150, Y: 100}, {X: 200, Y: 100}, {X: 250, Y: 100}}
	_, err := SolvePose(corners, 0.1, calib)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrPoseSolveFailed), test.ShouldBeTrue)

	// diagonal line, not just horizontal
	diagonal := []r2.Point{{X: 100, Y: 100}, {X: 150, Y: 150}, {X: 200, Y: 200}, {X: 250, Y: 250}}
	_, err = SolvePose(diagonal, 0.1, calib)
	test.That(t, errors.Is(err, ErrPoseSolveFailed), test.ShouldBeTrue)
}

func TestUndistortPointRoundTrip(t *testing.T) {
	distortion, err := transform.NewBrownConrady([]float64{0.15, -0.03, 0, 0.001, 0.002})
	test.That(t, err, test.ShouldBeNil)

	for _, undistorted := range []r2.Point{{X: 0.1, Y: -0.2}, {X: -0.3, Y: 0.05}, {X: 0, Y: 0}} {
		dx, dy := distortion.Transform(undistorted.X, undistorted.Y)
		got := undistortPoint(r2.Point{X: dx, Y: dy}, distortion)
		test.That(t, got.X, test.ShouldAlmostEqual, undistorted.X, 1e-8)
		test.That(t, got.Y, test.ShouldAlmostEqual, undistorted.Y, 1e-8)
	}
}
