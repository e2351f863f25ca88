package models

import (
	"context"
	"errors"
	"image"

	"github.com/alonborn/ros2-aruco/markers"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
)

var (
	RectifyCamera = resource.NewModel("alonborn", "ros2-aruco", "rectify-camera")
)

func init() {
	resource.RegisterComponent(camera.API, RectifyCamera,
		resource.Registration[camera.Camera, *RectifyCameraConfig]{
			Constructor: newRectifyCamera,
		},
	)
}

type RectifyCameraConfig struct {
	CameraName     string `json:"camera_name"`
	IntrinsicsFile string `json:"intrinsics_file,omitempty"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "components.0".
func (cfg *RectifyCameraConfig) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	return []string{cfg.CameraName}, nil, nil
}

// rectifyCamera wraps another camera and undistorts its frames using the
// source camera's own calibration. The calibration is captured once, the first
// time the source reports usable intrinsics.
type rectifyCamera struct {
	name          resource.Name
	logger        logging.Logger
	cfg           *RectifyCameraConfig
	cancelCtx     context.Context
	cancelFunc    func()
	underlyingCam camera.Camera
	calib         *markers.CalibrationStore
}

func newRectifyCamera(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	conf, err := resource.NativeConfig[*RectifyCameraConfig](rawConf)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &rectifyCamera{
		name:          rawConf.ResourceName(),
		logger:        logger,
		cfg:           conf,
		cancelCtx:     cancelCtx,
		cancelFunc:    cancelFunc,
		underlyingCam: cam,
		calib:         markers.NewCalibrationStore(),
	}

	if conf.IntrinsicsFile != "" {
		calib, err := markers.NewCameraCalibrationFromFile(conf.IntrinsicsFile)
		if err != nil {
			cancelFunc()
			return nil, err
		}
		s.calib.Set(calib)
	}

	return s, nil
}

func (s *rectifyCamera) Reconfigure(ctx context.Context, deps resource.Dependencies, rawConf resource.Config) error {
	conf, err := resource.NativeConfig[*RectifyCameraConfig](rawConf)
	if err != nil {
		return err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return err
	}

	s.cfg = conf
	s.underlyingCam = cam
	return nil
}

func (s *rectifyCamera) Name() resource.Name {
	return s.name
}

func (s *rectifyCamera) Close(context.Context) error {
	s.cancelFunc()
	return nil
}

func (s *rectifyCamera) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

// cameraModel returns the captured calibration as a pinhole model, pulling it
// from the source camera on first use.
func (s *rectifyCamera) cameraModel(ctx context.Context) (transform.PinholeCameraModel, error) {
	calib, ok := s.calib.Get()
	if !ok {
		props, err := s.underlyingCam.Properties(ctx)
		if err != nil {
			return transform.PinholeCameraModel{}, err
		}
		candidate := markers.CameraCalibration{
			Intrinsics: props.IntrinsicParams,
			Distortion: props.DistortionParams,
		}
		if err := candidate.CheckValid(); err != nil {
			return transform.PinholeCameraModel{}, err
		}
		s.calib.Set(candidate)
		calib, _ = s.calib.Get()
	}
	return transform.PinholeCameraModel{
		PinholeCameraIntrinsics: calib.Intrinsics,
		Distortion:              calib.Distortion,
	}, nil
}

// rectify undistorts a single frame. Frames pass through untouched when the
// calibration has no distortion model.
func (s *rectifyCamera) rectify(ctx context.Context, img image.Image) (image.Image, error) {
	model, err := s.cameraModel(ctx)
	if err != nil {
		return nil, err
	}
	if model.Distortion == nil {
		return img, nil
	}
	undistorted, err := model.UndistortImage(rimage.ConvertImage(img))
	if err != nil {
		return nil, err
	}
	return undistorted, nil
}

func (s *rectifyCamera) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (s *rectifyCamera) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	return nil, camera.ImageMetadata{}, errors.New("use Images")
}

func (s *rectifyCamera) Images(ctx context.Context, mimeTypes []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	imgs, meta, err := s.underlyingCam.Images(ctx, mimeTypes, extra)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}

	resultImgs := make([]camera.NamedImage, len(imgs))
	for i, namedImg := range imgs {
		img, err := namedImg.Image(ctx)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}

		rectified, err := s.rectify(ctx, img)
		if err != nil {
			s.logger.Debugf("passing frame through unrectified: %v", err)
			rectified = img
		}

		resultImg, err := camera.NamedImageFromImage(rectified, namedImg.SourceName, namedImg.MimeType(), data.Annotations{})
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		resultImgs[i] = resultImg
	}

	return resultImgs, meta, nil
}

func (s *rectifyCamera) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	return nil, errors.New("next point cloud not implemented")
}

// Properties reports the source camera's intrinsics with the distortion
// stripped, since the output frames are already rectified.
func (s *rectifyCamera) Properties(ctx context.Context) (camera.Properties, error) {
	props, err := s.underlyingCam.Properties(ctx)
	if err != nil {
		return camera.Properties{}, err
	}
	props.DistortionParams = nil
	return props, nil
}
