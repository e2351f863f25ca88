package arucotracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alonborn/ros2-aruco/markers"
	"github.com/alonborn/ros2-aruco/models"
	"github.com/alonborn/ros2-aruco/utils"
	"github.com/erh/vmodutils"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/robot"
	genericservice "go.viam.com/rdk/services/generic"
)

var (
	MarkerPublisher = resource.NewModel("alonborn", "ros2-aruco", "marker-publisher")
)

func init() {
	resource.RegisterService(genericservice.API, MarkerPublisher,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newMarkerPublisher,
		},
	)
}

type Config struct {
	CameraName       string  `json:"camera_name"`
	DetectorName     string  `json:"detector_name"`
	MarkerSizeM      float64 `json:"marker_size_m"`
	WindowSize       int     `json:"window_size"`
	AllowedMarkerIDs []int   `json:"allowed_marker_ids,omitempty"`
	UpdateRateHz     float64 `json:"update_rate_hz"`
	CameraFrame      string  `json:"camera_frame"`
	DictionaryID     string  `json:"marker_dictionary_id"`
	EnableOnStart    bool    `json:"enable_on_start"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "components.0".
func (cfg *Config) Validate(path string) ([]string, []string, error) {
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
	return nil, nil, nil
}

// markerPublisher watches a camera on a remote machine and republishes
// smoothed marker poses over DoCommand. It is the service-side counterpart of
// the marker-pose-tracker component, for setups where the camera and detector
// live on another machine.
type markerPublisher struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config

	cancelCtx  context.Context
	cancelFunc func()

	robotClient robot.Robot
	pipeline    *markers.Pipeline
	cameraFrame string

	mu     sync.Mutex
	latest markers.SmoothedFrame
}

func newMarkerPublisher(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewMarkerPublisher(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewMarkerPublisher(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	robotClient, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		cancelFunc()
		return nil, fmt.Errorf("failed to connect to robot: %w", err)
	}

	pipeline, err := markers.NewPipeline(markers.PipelineConfig{
		MarkerSizeMeters: conf.MarkerSizeM,
		WindowSize:       conf.WindowSize,
		AllowedIDs:       conf.AllowedMarkerIDs,
	}, logger)
	if err != nil {
		cancelFunc()
		return nil, err
	}

	s := &markerPublisher{
		name:        name,
		logger:      logger,
		cfg:         conf,
		cancelCtx:   cancelCtx,
		cancelFunc:  cancelFunc,
		robotClient: robotClient,
		pipeline:    pipeline,
		cameraFrame: conf.CameraFrame,
	}

	if conf.EnableOnStart {
		go s.publishLoop(s.cancelCtx)
		s.logger.Info("Marker publisher started")
	}

	return s, nil
}

func (s *markerPublisher) Name() resource.Name {
	return s.name
}

func (s *markerPublisher) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "latest-frame":
		s.mu.Lock()
		frame := s.latest
		s.mu.Unlock()

		poses := map[string]interface{}{}
		for _, marker := range frame.Poses {
			poses[fmt.Sprintf("marker_%d", marker.ID)] = utils.PoseToMap(marker.Pose)
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

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

func (s *markerPublisher) Close(context.Context) error {
	s.cancelFunc()
	return nil
}

func (t *markerPublisher) publishLoop(ctx context.Context) {
	t.logger.Info("Starting marker publish loop")
	t.logger.Infof("Update rate: %f Hz", t.cfg.UpdateRateHz)
	var updateInterval time.Duration = time.Duration(1.0 / t.cfg.UpdateRateHz * float64(time.Second))
	t.logger.Infof("Update interval: %v", updateInterval)
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	cam, err := camera.FromRobot(t.robotClient, t.cfg.CameraName)
	if err != nil {
		t.logger.Errorf("Failed to get camera %s: %v", t.cfg.CameraName, err)
		return
	}
	detectorName := resource.NewName(generic.API, t.cfg.DetectorName)
	detectorResource, err := t.robotClient.ResourceByName(detectorName)
	if err != nil {
		t.logger.Errorf("Failed to get detector %s: %v", t.cfg.DetectorName, err)
		return
	}
	detector := models.NewDoCommandDetector(detectorResource, t.cfg.DictionaryID, t.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.pipeline.Ready() {
				props, err := cam.Properties(ctx)
				if err != nil || props.IntrinsicParams == nil {
					t.logger.Debug("camera intrinsics not available yet")
					continue
				}
				calib := markers.CameraCalibration{
					Intrinsics: props.IntrinsicParams,
					Distortion: props.DistortionParams,
				}
				if err := calib.CheckValid(); err != nil {
					t.logger.Warnf("camera reported unusable intrinsics: %v", err)
					continue
				}
				t.pipeline.SetCalibration(calib)
			}

			err := t.publishOneFrame(ctx, cam, detector)
			if err != nil {
				t.logger.Errorf("Failed to publish frame: %v", err)
			}
		}
	}
}

func (t *markerPublisher) publishOneFrame(ctx context.Context, cam camera.Camera, detector markers.Detector) error {
	imgs, meta, err := cam.Images(ctx, []string{"color"}, nil)
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

	detections, err := detector.DetectMarkers(ctx, img)
	if err != nil {
		return fmt.Errorf("marker detection failed: %w", err)
	}

	timestamp := meta.CapturedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	frame := t.pipeline.ProcessFrame(markers.FrameDetections{
		FrameID:   t.cameraFrame,
		Timestamp: timestamp,
		Markers:   detections,
	})

	t.mu.Lock()
	t.latest = frame
	t.mu.Unlock()

	t.logger.Debugf("Published %d marker poses", len(frame.Poses))
	return nil
}
