package utils

import (
	"go.viam.com/rdk/spatialmath"
)

// Helper to convert spatialmath.Pose to a user-friendly map
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	if pose == nil {
		return nil
	}
	pos := pose.Point()
	ori := pose.Orientation().Quaternion()
	return map[string]interface{}{
		"translation": map[string]float64{
			"x": pos.X,
			"y": pos.Y,
			"z": pos.Z,
		},
		"orientation": map[string]float64{
			"x": ori.Imag,
			"y": ori.Jmag,
			"z": ori.Kmag,
			"w": ori.Real,
		},
	}
}
