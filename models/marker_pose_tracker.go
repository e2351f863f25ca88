package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alonborn/ros2-aruco/markers"
	"github.com/alonborn/ros2-aruco/utils"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/posetracker"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	rdk_utils "go.viam.com/utils"
)

var (
	MarkerPoseTracker = resource.NewModel("alonborn", "ros2-aruco", "marker-pose-tracker")
)

func init() {
	resource.RegisterComponent(posetracker.API, MarkerPoseTracker,
		resource.Registration[posetracker.PoseTracker, *MarkerPoseTrackerConfig]{
			Constructor: newMarkerPoseTracker,
		},
	)
}

type MarkerPoseTrackerConfig struct {
	CameraName       string  `json:"camera_name"`
	DetectorName     string  `json:"detector_name"`
	MarkerSizeM      float64 `json:"marker_size_m"`
	WindowSize       int     `json:"window_size"`
	AllowedMarkerIDs []int   `json:"allowed_marker_ids,omitempty"`
	UpdateRateHz     float64 `json:"update_rate_hz"`
	CameraFrame      string  `json:"camera_frame"`
	DictionaryID     string  `json:"marker_dictionary_id"`
	IntrinsicsFile   string  `json:"intrinsics_file,omitempty"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "components.0".
func (cfg *MarkerPoseTrackerConfig) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.DetectorName == "" {
		return nil, nil, errors.New("detector_name is required")
	}
	if cfg.MarkerSizeM < 0 {
		return nil, nil, errors.New("marker_size_m must be greater than 0")
	}
	if cfg.WindowSize < 0 {
		return nil, nil, errors.New("window_size must be greater than 0")
	}
	if cfg.UpdateRateHz == 0 {
		cfg.UpdateRateHz = 10.0
	}
	if cfg.UpdateRateHz < 0 {
		return nil, nil, errors.New("update_rate_hz must be greater than 0")
	}
	if cfg.CameraFrame == "" {
		cfg.CameraFrame = cfg.CameraName
	}
	if cfg.DictionaryID == "" {
		cfg.DictionaryID = "DICT_5X5_250"
	}
	return []string{cfg.CameraName, cfg.DetectorName}, nil, nil
}

type markerPoseTracker struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *MarkerPoseTrackerConfig

	cam      camera.Camera
	detector markers.Detector
	pipeline *markers.Pipeline

	cameraFrame string

	// Latest output, replaced whole each frame
	mu     sync.Mutex
	latest markers.SmoothedFrame

	worker *rdk_utils.StoppableWorkers
}

func newMarkerPoseTracker(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (posetracker.PoseTracker, error) {
	conf, err := resource.NativeConfig[*MarkerPoseTrackerConfig](rawConf)
	if err != nil {
		return nil, err
	}

	return NewMarkerPoseTracker(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewMarkerPoseTracker(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *MarkerPoseTrackerConfig, logger logging.Logger) (posetracker.PoseTracker, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating marker pose tracker with the following config:\n%s", configJSON)

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera resource: %w", err)
	}

	detectorName := resource.NewName(generic.API, conf.DetectorName)
	detectorResource, err := deps.GetResource(detectorName)
	if err != nil {
		return nil, fmt.Errorf("failed to get detector resource: %w", err)
	}

	pipeline, err := markers.NewPipeline(markers.PipelineConfig{
		MarkerSizeMeters: conf.MarkerSizeM,
		WindowSize:       conf.WindowSize,
		AllowedIDs:       conf.AllowedMarkerIDs,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &markerPoseTracker{
		name:        name,
		logger:      logger,
		cfg:         conf,
		cam:         cam,
		detector:    NewDoCommandDetector(detectorResource, conf.DictionaryID, logger),
		pipeline:    pipeline,
		cameraFrame: conf.CameraFrame,
		worker:      rdk_utils.NewBackgroundStoppableWorkers(),
	}

	if conf.IntrinsicsFile != "" {
		calib, err := markers.NewCameraCalibrationFromFile(conf.IntrinsicsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load intrinsics from %s: %w", conf.IntrinsicsFile, err)
		}
		s.pipeline.SetCalibration(calib)
	}

	s.worker.Add(s.captureLoop)

	return s, nil
}

func (s *markerPoseTracker) Name() resource.Name {
	return s.name
}

// Close implements resource.Resource.
func (s *markerPoseTracker) Close(ctx context.Context) error {
	s.worker.Stop()
	return nil
}

func (s *markerPoseTracker) captureLoop(ctx context.Context) {
	s.logger.Info("Starting marker capture loop")
	var updateInterval time.Duration = time.Duration(1.0 / s.cfg.UpdateRateHz * float64(time.Second))
	s.logger.Infof("Update interval: %v", updateInterval)
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.pipeline.Ready() {
				s.captureCalibration(ctx)
			}
			err := s.processOneFrame(ctx)
			if err != nil {
				s.logger.Errorf("Failed to process frame: %v", err)
			}
		}
	}
}

// captureCalibration asks the camera for its intrinsics. The pipeline keeps
// only the first calibration it sees, so this runs until one lands.
func (s *markerPoseTracker) captureCalibration(ctx context.Context) {
	props, err := s.cam.Properties(ctx)
	if err != nil {
		s.logger.Debugf("camera properties not available yet: %v", err)
		return
	}
	if props.IntrinsicParams == nil {
		s.logger.Debug("camera reports no intrinsics, waiting")
		return
	}
	calib := markers.CameraCalibration{
		Intrinsics: props.IntrinsicParams,
		Distortion: props.DistortionParams,
	}
	if err := calib.CheckValid(); err != nil {
		s.logger.Warnf("camera reported unusable intrinsics: %v", err)
		return
	}
	s.pipeline.SetCalibration(calib)
}

func (s *markerPoseTracker) processOneFrame(ctx context.Context) error {
	imgs, meta, err := s.cam.Images(ctx, []string{"color"}, nil)
	if err != nil {
		return fmt.Errorf("failed to get image from camera: %w", err)
	}
	if len(imgs) == 0 {
		return errors.New("no images returned from camera")
	}
	img, err := imgs[0].Image(ctx)
	if err != nil {
		return err
	}

	detections, err := s.detector.DetectMarkers(ctx, img)
	if err != nil {
		return fmt.Errorf("marker detection failed: %w", err)
	}

	timestamp := meta.CapturedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	frame := s.pipeline.ProcessFrame(markers.FrameDetections{
		FrameID:   s.cameraFrame,
		Timestamp: timestamp,
		Markers:   detections,
	})

	s.mu.Lock()
	s.latest = frame
	s.mu.Unlock()

	if len(frame.Poses) > 0 {
		s.logger.Debugf("Frame at %v: %d smoothed marker poses", frame.Timestamp, len(frame.Poses))
	}
	return nil
}

func bodyName(id int) string {
	return fmt.Sprintf("marker_%d", id)
}

func (s *markerPoseTracker) Poses(ctx context.Context, bodyNames []string, extra map[string]interface{}) (referenceframe.FrameSystemPoses, error) {
	s.mu.Lock()
	frame := s.latest
	s.mu.Unlock()

	var wanted map[string]struct{}
	if len(bodyNames) > 0 {
		wanted = make(map[string]struct{}, len(bodyNames))
		for _, name := range bodyNames {
			wanted[name] = struct{}{}
		}
	}

	poses := referenceframe.FrameSystemPoses{}
	for _, marker := range frame.Poses {
		name := bodyName(marker.ID)
		if wanted != nil {
			if _, ok := wanted[name]; !ok {
				continue
			}
		}
		poses[name] = referenceframe.NewPoseInFrame(frame.FrameID, marker.Pose)
	}
	return poses, nil
}

func (s *markerPoseTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "latest-frame":
		s.mu.Lock()
		frame := s.latest
		s.mu.Unlock()

		poses := map[string]interface{}{}
		for _, marker := range frame.Poses {
			poses[bodyName(marker.ID)] = utils.PoseToMap(marker.Pose)
		}
		return map[string]interface{}{
			"frame_id":  frame.FrameID,
			"timestamp": frame.Timestamp.Format(time.RFC3339Nano),
			"poses":     poses,
		}, nil

	case "tracked-ids":
		ids := s.pipeline.TrackedIDs()
		out := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			out = append(out, float64(id))
		}
		return map[string]interface{}{
			"tracked_ids": out,
		}, nil

	case "calibration-ready":
		return map[string]interface{}{
			"ready": s.pipeline.Ready(),
		}, nil

	case "set-allowed-ids":
		idsRaw, ok := cmd["allowed_marker_ids"]
		if !ok {
			return nil, fmt.Errorf("allowed_marker_ids field is required")
		}
		ids, err := utils.IntSlice(idsRaw)
		if err != nil {
			return nil, fmt.Errorf("bad allowed_marker_ids: %w", err)
		}
		s.pipeline.SetAllowedIDs(ids)
		return map[string]interface{}{
			"status": "success",
		}, nil

	case "set-calibration":
		if fileRaw, ok := cmd["intrinsics_file"]; ok {
			path, err := utils.StringValue(fileRaw)
			if err != nil {
				return nil, fmt.Errorf("bad intrinsics_file: %w", err)
			}
			calib, err := markers.NewCameraCalibrationFromFile(path)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"accepted": s.pipeline.SetCalibration(calib),
			}, nil
		}
		matrixRaw, ok := cmd["intrinsic_matrix"]
		if !ok {
			return nil, fmt.Errorf("intrinsic_matrix field is required")
		}
		matrix, err := utils.FloatSlice(matrixRaw)
		if err != nil {
			return nil, fmt.Errorf("bad intrinsic_matrix: %w", err)
		}
		var coefficients []float64
		if coefficientsRaw, ok := cmd["distortion_coefficients"]; ok {
			coefficients, err = utils.FloatSlice(coefficientsRaw)
			if err != nil {
				return nil, fmt.Errorf("bad distortion_coefficients: %w", err)
			}
		}
		calib, err := markers.NewCameraCalibration(matrix, coefficients)
		if err != nil {
			return nil, err
		}
		accepted := s.pipeline.SetCalibration(calib)
		return map[string]interface{}{
			"accepted": accepted,
		}, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}
