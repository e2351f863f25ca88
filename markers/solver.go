package markers

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrPoseSolveFailed is returned when a marker's pose cannot be
	// recovered from its corners.
	ErrPoseSolveFailed = errors.New("marker pose could not be solved")
	// ErrMalformedDetection is returned for a detection whose corner count
	// is not exactly 4.
	ErrMalformedDetection = errors.New("marker detection must have exactly 4 corners")
)

// behindCameraPenalty is added to residuals for object points that project
// behind the image plane during refinement, steering the optimizer back to
// positive-depth solutions.
const behindCameraPenalty = 1000.0

// residual threshold (normalized image coordinates) above which a solution is
// rejected as non-converged.
const maxMeanResidual = 0.05

// degenerateSingularValueRatio is the rank-deficiency cutoff for the DLT
// system. Collinear corners leave more than one near-null direction, which
// shows up as a vanishing smallest singular value.
const degenerateSingularValueRatio = 1e-9

// markerObjectPoints returns the marker corners in the marker's own frame: a
// square centered at the origin in the Z=0 plane. The order must match the
// detector's image-space corner order exactly; a winding mismatch produces a
// wrong pose, not an error.
func markerObjectPoints(sizeMeters float64) []r3.Vector {
	h := sizeMeters / 2
	return []r3.Vector{
		{X: -h, Y: h, Z: 0},
		{X: h, Y: h, Z: 0},
		{X: h, Y: -h, Z: 0},
		{X: -h, Y: -h, Z: 0},
	}
}

// SolvePose recovers the marker's rigid transform in the camera frame from
// its four image corners, the known physical marker size, and the camera
// calibration. Position is in meters; orientation is a unit quaternion.
//
// The solver computes a planar-homography seed and refines it by minimizing
// reprojection error. It returns the refinement's single solution: no
// multi-hypothesis handling for near-degenerate configurations.
func SolvePose(corners []r2.Point, markerSizeMeters float64, calib CameraCalibration) (spatialmath.Pose, error) {
	if err := calib.CheckValid(); err != nil {
		return nil, err
	}
	if len(corners) != 4 {
		return nil, errors.Wrapf(ErrMalformedDetection, "got %d corners", len(corners))
	}

	objectPoints := markerObjectPoints(markerSizeMeters)
	imagePoints := make([]r2.Point, len(corners))
	for i, c := range corners {
		imagePoints[i] = undistortPoint(normalizePoint(c, calib.Intrinsics), calib.Distortion)
	}

	seedRot, seedTrans, err := homographyPoseSeed(objectPoints, imagePoints)
	if err != nil {
		return nil, err
	}
	rot, trans := refinePose(seedRot, seedTrans, objectPoints, imagePoints)

	rf := &reprojectionResiduals{ObjectPoints: objectPoints, ImagePoints: imagePoints}
	residual := math.Sqrt(rf.Func(poseParams(rot, trans)) / float64(2*len(objectPoints)))
	if math.IsNaN(residual) || residual > maxMeanResidual {
		return nil, errors.Wrapf(ErrPoseSolveFailed, "residual %.4f", residual)
	}

	orientation := spatialmath.Quaternion(normalizeQuat(rot))
	return spatialmath.NewPose(trans, &orientation), nil
}

// normalizePoint converts a pixel coordinate to normalized image coordinates
// using the pinhole intrinsics.
func normalizePoint(pt r2.Point, intrinsics *transform.PinholeCameraIntrinsics) r2.Point {
	return r2.Point{
		X: (pt.X - intrinsics.Ppx) / intrinsics.Fx,
		Y: (pt.Y - intrinsics.Ppy) / intrinsics.Fy,
	}
}

// undistortPoint inverts the forward distortion model by fixed-point
// iteration, mapping a distorted normalized point to its undistorted
// location. A nil distorter is an ideal lens.
func undistortPoint(pt r2.Point, distortion transform.Distorter) r2.Point {
	if distortion == nil {
		return pt
	}
	const maxIterations = 20
	const tolerance = 1e-12

	xu, yu := pt.X, pt.Y
	for i := 0; i < maxIterations; i++ {
		xd, yd := distortion.Transform(xu, yu)
		nextX := pt.X - (xd - xu)
		nextY := pt.Y - (yd - yu)
		if math.Abs(nextX-xu) < tolerance && math.Abs(nextY-yu) < tolerance {
			xu, yu = nextX, nextY
			break
		}
		xu, yu = nextX, nextY
	}
	return r2.Point{X: xu, Y: yu}
}

// homographyPoseSeed estimates an initial rotation and translation from the
// planar homography between the marker-plane points and the undistorted
// normalized image points, via a direct linear transform.
func homographyPoseSeed(objectPoints []r3.Vector, imagePoints []r2.Point) (quat.Number, r3.Vector, error) {
	n := len(objectPoints)
	m := mat.NewDense(2*n, 9, nil)
	for i := range objectPoints {
		ox, oy := objectPoints[i].X, objectPoints[i].Y
		ix, iy := imagePoints[i].X, imagePoints[i].Y
		m.SetRow(2*i, []float64{-ox, -oy, -1, 0, 0, 0, ix * ox, ix * oy, ix})
		m.SetRow(2*i+1, []float64{0, 0, 0, -ox, -oy, -1, iy * ox, iy * oy, iy})
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return quat.Number{}, r3.Vector{}, errors.Wrap(ErrPoseSolveFailed, "homography SVD failed")
	}
	vals := svd.Values(nil)
	if vals[0] <= 0 || vals[len(vals)-1] < degenerateSingularValueRatio*vals[0] {
		return quat.Number{}, r3.Vector{}, errors.Wrap(ErrPoseSolveFailed, "degenerate corner configuration")
	}
	v := &mat.Dense{}
	svd.VTo(v)

	// homography is the right singular vector of the smallest singular value
	h := make([]float64, 9)
	for i := range h {
		h[i] = v.At(i, 8)
	}

	col1 := r3.Vector{X: h[0], Y: h[3], Z: h[6]}
	col2 := r3.Vector{X: h[1], Y: h[4], Z: h[7]}
	col3 := r3.Vector{X: h[2], Y: h[5], Z: h[8]}

	norm1, norm2 := col1.Norm(), col2.Norm()
	if norm1 < 1e-12 || norm2 < 1e-12 {
		return quat.Number{}, r3.Vector{}, errors.Wrap(ErrPoseSolveFailed, "degenerate homography")
	}
	scale := 2 / (norm1 + norm2)
	// marker must lie in front of the camera
	if col3.Z*scale < 0 {
		scale = -scale
	}

	r1 := col1.Mul(scale)
	r2col := col2.Mul(scale)
	r3col := r1.Cross(r2col)
	trans := col3.Mul(scale)

	rot, err := orthonormalRotation(r1, r2col, r3col)
	if err != nil {
		return quat.Number{}, r3.Vector{}, err
	}
	return rot, trans, nil
}

// orthonormalRotation projects the three approximate rotation columns onto
// the closest proper rotation matrix (SVD polar projection) and returns it as
// a quaternion.
func orthonormalRotation(c1, c2, c3 r3.Vector) (quat.Number, error) {
	approx := mat.NewDense(3, 3, []float64{
		c1.X, c2.X, c3.X,
		c1.Y, c2.Y, c3.Y,
		c1.Z, c2.Z, c3.Z,
	})
	var svd mat.SVD
	if ok := svd.Factorize(approx, mat.SVDFull); !ok {
		return quat.Number{}, errors.Wrap(ErrPoseSolveFailed, "rotation SVD failed")
	}
	u, v := &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)

	rotation := mat.NewDense(3, 3, nil)
	rotation.Mul(u, v.T())
	if mat.Det(rotation) < 0 {
		// flip the least-significant direction to stay in SO(3)
		flipped := mat.NewDense(3, 3, nil)
		flipped.CloneFrom(u)
		for i := 0; i < 3; i++ {
			flipped.Set(i, 2, -flipped.At(i, 2))
		}
		rotation.Mul(flipped, v.T())
	}

	rm, err := spatialmath.NewRotationMatrix(rotation.RawMatrix().Data)
	if err != nil {
		return quat.Number{}, errors.Wrap(ErrPoseSolveFailed, err.Error())
	}
	return rm.Quaternion(), nil
}

// reprojectionResiduals computes reprojection errors in normalized image
// coordinates for a candidate pose.
type reprojectionResiduals struct {
	ObjectPoints []r3.Vector
	ImagePoints  []r2.Point
}

func (rf *reprojectionResiduals) Func(params []float64) float64 {
	residuals := rf.Residuals(params)
	sum := 0.0
	for _, res := range residuals {
		sum += res * res
	}
	return sum
}

func (rf *reprojectionResiduals) Residuals(params []float64) []float64 {
	// params: [qw, qx, qy, qz, tx, ty, tz]
	q := normalizeQuat(quat.Number{Real: params[0], Imag: params[1], Jmag: params[2], Kmag: params[3]})
	trans := r3.Vector{X: params[4], Y: params[5], Z: params[6]}

	residuals := make([]float64, 0, 2*len(rf.ObjectPoints))
	for i, p := range rf.ObjectPoints {
		camPoint := rotateVector(q, p).Add(trans)
		if camPoint.Z <= 1e-9 {
			residuals = append(residuals, behindCameraPenalty, behindCameraPenalty)
			continue
		}
		residuals = append(residuals,
			camPoint.X/camPoint.Z-rf.ImagePoints[i].X,
			camPoint.Y/camPoint.Z-rf.ImagePoints[i].Y)
	}
	return residuals
}

// refinePose polishes the homography seed by minimizing reprojection error
// with Nelder-Mead. On optimizer failure the seed is returned unchanged.
func refinePose(seedRot quat.Number, seedTrans r3.Vector, objectPoints []r3.Vector, imagePoints []r2.Point) (quat.Number, r3.Vector) {
	rf := &reprojectionResiduals{ObjectPoints: objectPoints, ImagePoints: imagePoints}

	x0 := poseParams(seedRot, seedTrans)
	problem := optimize.Problem{
		Func: rf.Func,
	}
	settings := &optimize.Settings{
		FuncEvaluations: 10000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-14,
			Iterations: 100,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil || result == nil || result.F > rf.Func(x0) {
		return seedRot, seedTrans
	}
	q := normalizeQuat(quat.Number{Real: result.X[0], Imag: result.X[1], Jmag: result.X[2], Kmag: result.X[3]})
	return q, r3.Vector{X: result.X[4], Y: result.X[5], Z: result.X[6]}
}

func poseParams(q quat.Number, t r3.Vector) []float64 {
	return []float64{q.Real, q.Imag, q.Jmag, q.Kmag, t.X, t.Y, t.Z}
}

// rotateVector applies the rotation q to v (q v q*).
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

func normalizeQuat(q quat.Number) quat.Number {
	norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if norm == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}
