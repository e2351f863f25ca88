package markers

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

// DefaultMarkerSizeMeters is the physical marker side length assumed when no
// size is configured.
const DefaultMarkerSizeMeters = 0.0625

// DefaultWindowSize is the per-marker smoothing window length assumed when no
// window is configured.
const DefaultWindowSize = 2

// Detection is one marker found in a frame: its dictionary id and the four
// image-space corner pixels in the detector's winding order.
type Detection struct {
	ID      int
	Corners []r2.Point
}

// FrameDetections is the per-frame input to the pipeline.
type FrameDetections struct {
	FrameID   string
	Timestamp time.Time
	Markers   []Detection
}

// SmoothedMarkerPose is one smoothed output pose.
type SmoothedMarkerPose struct {
	ID   int
	Pose spatialmath.Pose
}

// SmoothedFrame is the pipeline's output batch for one frame. Frames are
// independent; no state is carried in the batch itself.
type SmoothedFrame struct {
	FrameID   string
	Timestamp time.Time
	Poses     []SmoothedMarkerPose
}

// Detector finds fiducial markers in an image. The detection algorithm is an
// external collaborator; implementations must return corners in a consistent
// winding order matching the marker's physical geometry.
type Detector interface {
	DetectMarkers(ctx context.Context, img image.Image) ([]Detection, error)
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// MarkerSizeMeters is the physical side length of the markers.
	MarkerSizeMeters float64
	// WindowSize is the per-marker smoothing window length.
	WindowSize int
	// AllowedIDs, when non-empty, restricts emission to these marker ids.
	// Filtered-out markers are still tracked internally.
	AllowedIDs []int
}

func (c *PipelineConfig) validate() error {
	if c.MarkerSizeMeters == 0 {
		c.MarkerSizeMeters = DefaultMarkerSizeMeters
	}
	if c.MarkerSizeMeters <= 0 {
		return errors.Errorf("marker size must be positive, got %v", c.MarkerSizeMeters)
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowSize < 1 {
		return errors.Errorf("window size must be at least 1, got %d", c.WindowSize)
	}
	return nil
}

// Pipeline turns per-frame marker detections into smoothed poses. It owns the
// calibration store and all pose history; frame processing is synchronous and
// single-threaded. Calibration delivery and allow-list updates may arrive on
// other goroutines and are locked accordingly.
type Pipeline struct {
	logger     logging.Logger
	markerSize float64
	calib      *CalibrationStore
	history    *History

	mu      sync.Mutex
	allowed map[int]struct{}
}

// NewPipeline validates the configuration and returns a pipeline awaiting
// calibration. A bad configuration is fatal, not recoverable.
func NewPipeline(cfg PipelineConfig, logger logging.Logger) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		logger:     logger,
		markerSize: cfg.MarkerSizeMeters,
		calib:      NewCalibrationStore(),
		history:    NewHistory(cfg.WindowSize),
	}
	p.SetAllowedIDs(cfg.AllowedIDs)
	return p, nil
}

// SetAllowedIDs replaces the emission allow-list; an empty list means emit
// every marker. History is untouched, so previously filtered markers keep
// their accumulated windows.
func (p *Pipeline) SetAllowedIDs(ids []int) {
	var allowed map[int]struct{}
	if len(ids) > 0 {
		allowed = make(map[int]struct{}, len(ids))
		for _, id := range ids {
			allowed[id] = struct{}{}
		}
	}
	p.mu.Lock()
	p.allowed = allowed
	p.mu.Unlock()
}

func (p *Pipeline) emissionAllowed(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allowed == nil {
		return true
	}
	_, ok := p.allowed[id]
	return ok
}

// SetCalibration offers a calibration to the pipeline. Only the first one is
// captured; it reports whether the calibration was accepted.
func (p *Pipeline) SetCalibration(calib CameraCalibration) bool {
	accepted := p.calib.Set(calib)
	if accepted {
		p.logger.Infof("camera calibration captured: fx=%.2f fy=%.2f ppx=%.2f ppy=%.2f",
			calib.Intrinsics.Fx, calib.Intrinsics.Fy, calib.Intrinsics.Ppx, calib.Intrinsics.Ppy)
	} else {
		p.logger.Debug("ignoring calibration update: already calibrated")
	}
	return accepted
}

// Ready reports whether the pipeline has received calibration.
func (p *Pipeline) Ready() bool {
	return p.calib.Ready()
}

// TrackedIDs returns the ids of all markers tracked so far, including ids
// filtered out of emission.
func (p *Pipeline) TrackedIDs() []int {
	return p.history.TrackedIDs()
}

// ProcessFrame solves, records, and smooths a pose for every detected marker
// and returns the frame's output batch. Frames arriving before calibration
// are dropped with an empty batch. A marker whose pose cannot be solved is
// skipped; the rest of the frame proceeds. Markers absent from the frame are
// never emitted, regardless of history.
func (p *Pipeline) ProcessFrame(frame FrameDetections) SmoothedFrame {
	out := SmoothedFrame{FrameID: frame.FrameID, Timestamp: frame.Timestamp}

	calib, ok := p.calib.Get()
	if !ok {
		p.logger.Warn("no camera calibration has been received, dropping frame")
		return out
	}

	for _, detection := range frame.Markers {
		pose, err := SolvePose(detection.Corners, p.markerSize, calib)
		if err != nil {
			p.logger.Debugf("skipping marker %d: %v", detection.ID, err)
			continue
		}
		p.history.Push(detection.ID, pose)
		smoothed := SmoothPoses(p.history.Snapshot(detection.ID))

		if !p.emissionAllowed(detection.ID) {
			continue
		}
		out.Poses = append(out.Poses, SmoothedMarkerPose{ID: detection.ID, Pose: smoothed})
	}
	return out
}
