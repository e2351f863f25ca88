package models

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/alonborn/ros2-aruco/markers"
	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// doCommandDetector adapts a generic resource speaking a DoCommand protocol
// into a markers.Detector. The remote side takes a base64 PNG and returns the
// markers it found with their corner pixels.
type doCommandDetector struct {
	resource   resource.Resource
	dictionary string
	logger     logging.Logger
}

func NewDoCommandDetector(res resource.Resource, dictionary string, logger logging.Logger) markers.Detector {
	return &doCommandDetector{
		resource:   res,
		dictionary: dictionary,
		logger:     logger,
	}
}

func (d *doCommandDetector) DetectMarkers(ctx context.Context, img image.Image) ([]markers.Detection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	response, err := d.resource.DoCommand(ctx, map[string]interface{}{
		"command":    "detect-markers",
		"image":      base64.StdEncoding.EncodeToString(buf.Bytes()),
		"dictionary": d.dictionary,
	})
	if err != nil {
		d.logger.Errorf("Detector DoCommand failed: %v", err)
		return nil, err
	}

	return parseDetections(response)
}

func parseDetections(response map[string]interface{}) ([]markers.Detection, error) {
	markersRaw, ok := response["markers"]
	if !ok {
		return nil, fmt.Errorf("detector response missing markers field")
	}
	markersArray, ok := markersRaw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("detector markers field is not an array")
	}

	detections := make([]markers.Detection, 0, len(markersArray))
	for i, markerRaw := range markersArray {
		markerMap, ok := markerRaw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("marker %d is not a map", i)
		}

		idRaw, ok := markerMap["id"].(float64)
		if !ok {
			return nil, fmt.Errorf("marker %d id is not a number", i)
		}

		cornersRaw, ok := markerMap["corners"]
		if !ok {
			return nil, fmt.Errorf("marker %d missing corners", i)
		}
		cornersArray, ok := cornersRaw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("marker %d corners is not an array", i)
		}

		corners := make([]r2.Point, 0, len(cornersArray))
		for j, cornerRaw := range cornersArray {
			cornerArray, ok := cornerRaw.([]interface{})
			if !ok || len(cornerArray) != 2 {
				return nil, fmt.Errorf("marker %d corner %d is not an [x, y] pair", i, j)
			}
			x, ok := cornerArray[0].(float64)
			if !ok {
				return nil, fmt.Errorf("marker %d corner %d x is not a number", i, j)
			}
			y, ok := cornerArray[1].(float64)
			if !ok {
				return nil, fmt.Errorf("marker %d corner %d y is not a number", i, j)
			}
			corners = append(corners, r2.Point{X: x, Y: y})
		}

		detections = append(detections, markers.Detection{
			ID:      int(idRaw),
			Corners: corners,
		})
	}
	return detections, nil
}
