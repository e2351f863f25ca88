package main

import (
	"context"

	arucotracker "github.com/alonborn/ros2-aruco"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	ctx := context.Background()
	logger := logging.NewLogger("cli")

	deps := resource.Dependencies{}
	// can load these from a remote machine if you need

	cfg := arucotracker.Config{
		CameraName:       "camera",
		DetectorName:     "aruco-detector",
		MarkerSizeM:      0.0625,
		WindowSize:       2,
		AllowedMarkerIDs: []int{1},
		UpdateRateHz:     10.0,
		CameraFrame:      "camera",
		DictionaryID:     "DICT_5X5_250",
		EnableOnStart:    true,
	}

	thing, err := arucotracker.NewMarkerPublisher(ctx, deps, genericservice.Named("foo"), &cfg, logger)
	if err != nil {
		return err
	}
	defer thing.Close(ctx)

	return nil
}
