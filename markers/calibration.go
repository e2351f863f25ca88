package markers

import (
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
)

// ErrCalibrationUnavailable is returned when a pose is requested before any
// camera calibration has been received.
var ErrCalibrationUnavailable = errors.New("camera calibration has not been received")

// CameraCalibration holds the camera intrinsics and lens distortion model
// needed to solve marker poses. Distortion may be nil for an ideal lens.
type CameraCalibration struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	Distortion transform.Distorter
}

// CheckValid verifies the calibration carries usable intrinsics.
func (c CameraCalibration) CheckValid() error {
	if c.Intrinsics == nil {
		return errors.Wrap(ErrCalibrationUnavailable, "no intrinsics")
	}
	if c.Intrinsics.Fx <= 0 || c.Intrinsics.Fy <= 0 {
		return errors.Wrapf(ErrCalibrationUnavailable,
			"invalid focal lengths fx=%v fy=%v", c.Intrinsics.Fx, c.Intrinsics.Fy)
	}
	return nil
}

// NewCameraCalibration builds a calibration from the wire shape used by
// calibration updates: a row-major 3x3 intrinsic matrix and a list of
// Brown-Conrady distortion coefficients (may be empty).
func NewCameraCalibration(intrinsicMatrix, distortionCoefficients []float64) (CameraCalibration, error) {
	if len(intrinsicMatrix) != 9 {
		return CameraCalibration{}, errors.Errorf(
			"intrinsic matrix must have 9 elements, got %d", len(intrinsicMatrix))
	}
	intrinsics := &transform.PinholeCameraIntrinsics{
		Fx:  intrinsicMatrix[0],
		Fy:  intrinsicMatrix[4],
		Ppx: intrinsicMatrix[2],
		Ppy: intrinsicMatrix[5],
	}
	var distortion transform.Distorter
	if len(distortionCoefficients) > 0 {
		var err error
		distortion, err = transform.NewBrownConrady(distortionCoefficients)
		if err != nil {
			return CameraCalibration{}, errors.Wrap(err, "bad distortion coefficients")
		}
	}
	calib := CameraCalibration{Intrinsics: intrinsics, Distortion: distortion}
	if err := calib.CheckValid(); err != nil {
		return CameraCalibration{}, err
	}
	return calib, nil
}

// NewCameraCalibrationFromFile reads pinhole intrinsics from an rdk-style
// JSON file. No distortion model is attached.
func NewCameraCalibrationFromFile(path string) (CameraCalibration, error) {
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(path)
	if err != nil {
		return CameraCalibration{}, err
	}
	calib := CameraCalibration{Intrinsics: intrinsics}
	if err := calib.CheckValid(); err != nil {
		return CameraCalibration{}, err
	}
	return calib, nil
}

type calibrationState int

const (
	awaitingCalibration calibrationState = iota
	calibrationReady
)

// CalibrationStore captures the first calibration it is offered and ignores
// every later update; the camera is assumed static for the process lifetime.
// Safe for use when calibration and frames arrive on different goroutines.
type CalibrationStore struct {
	mu    sync.Mutex
	state calibrationState
	calib CameraCalibration
}

// NewCalibrationStore returns a store in the awaiting-calibration state.
func NewCalibrationStore() *CalibrationStore {
	return &CalibrationStore{}
}

// Set applies the given calibration if none has been captured yet. It reports
// whether the calibration was accepted; once ready, later updates are ignored.
func (s *CalibrationStore) Set(calib CameraCalibration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == calibrationReady {
		return false
	}
	s.calib = calib
	s.state = calibrationReady
	return true
}

// Get returns the captured calibration and whether one has been captured.
func (s *CalibrationStore) Get() (CameraCalibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calib, s.state == calibrationReady
}

// Ready reports whether a calibration has been captured.
func (s *CalibrationStore) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == calibrationReady
}
