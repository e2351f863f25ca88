package utils

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

func TestFloatSliceFromInterfaces(t *testing.T) {
	got, err := FloatSlice([]interface{}{1.0, 2.5, 3.0})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1.0, 2.5, 3.0}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestFloatSliceRejectsNonNumbers(t *testing.T) {
	if _, err := FloatSlice([]interface{}{1.0, "two"}); err == nil {
		t.Error("expected an error for a string element")
	}
	if _, err := FloatSlice("not a list"); err == nil {
		t.Error("expected an error for a non-list value")
	}
}

func TestIntSlice(t *testing.T) {
	got, err := IntSlice([]interface{}{1.0, 7.0})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 7 {
		t.Fatalf("got %v", got)
	}
	if _, err := IntSlice([]interface{}{1.5}); err == nil {
		t.Error("expected an error for a fractional value")
	}
}

func TestPoseToMap(t *testing.T) {
	pose := spatialmath.NewPose(
		r3.Vector{X: 1, Y: 2, Z: 3},
		&spatialmath.OrientationVectorDegrees{OZ: 1},
	)
	m := PoseToMap(pose)
	translation := m["translation"].(map[string]float64)
	if translation["x"] != 1 || translation["y"] != 2 || translation["z"] != 3 {
		t.Errorf("bad translation: %v", translation)
	}
	orientation := m["orientation"].(map[string]float64)
	if orientation["w"] == 0 && orientation["x"] == 0 && orientation["y"] == 0 && orientation["z"] == 0 {
		t.Errorf("bad orientation: %v", orientation)
	}
	if PoseToMap(nil) != nil {
		t.Error("nil pose should map to nil")
	}
}
