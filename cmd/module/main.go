package main

import (
	arucotracker "github.com/alonborn/ros2-aruco"
	"github.com/alonborn/ros2-aruco/models"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/posetracker"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: posetracker.API, Model: models.MarkerPoseTracker},
		resource.APIModel{API: camera.API, Model: models.RectifyCamera},
		resource.APIModel{API: generic.API, Model: arucotracker.MarkerPublisher},
	)
}
