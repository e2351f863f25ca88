package utils

import (
	"github.com/pkg/errors"
)

// FloatSlice extracts a []float64 from a DoCommand value, which arrives
// either as []float64 or as []interface{} of json numbers.
func FloatSlice(value interface{}) ([]float64, error) {
	switch v := value.(type) {
	case []float64:
		return v, nil
	case []interface{}:
		out := make([]float64, 0, len(v))
		for i, elem := range v {
			f, ok := elem.(float64)
			if !ok {
				return nil, errors.Errorf("element %d is %T, expected a number", i, elem)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, errors.Errorf("expected a list of numbers, got %T", value)
	}
}

// IntSlice extracts a []int from a DoCommand value; json numbers come
// through as float64 and must be whole.
func IntSlice(value interface{}) ([]int, error) {
	floats, err := FloatSlice(value)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(floats))
	for i, f := range floats {
		n := int(f)
		if float64(n) != f {
			return nil, errors.Errorf("element %d (%v) is not an integer", i, f)
		}
		out = append(out, n)
	}
	return out, nil
}

// StringValue extracts a string from a DoCommand value.
func StringValue(value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", errors.Errorf("expected a string, got %T", value)
	}
	return s, nil
}
