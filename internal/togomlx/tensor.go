// Package togomlx contains conversion utilities from plain Go values (as decoded from YAML or JSON)
// to GoMLX shapes and tensors, and back.
package togomlx

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DType converts a dtype name ("float32", "f64", "int64", ...) to a GoMLX dtype.
// An empty name defaults to Float32.
func DType(name string) (dtypes.DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "float32", "f32", "float":
		return dtypes.Float32, nil
	case "float64", "f64", "double":
		return dtypes.Float64, nil
	case "int32", "i32":
		return dtypes.Int32, nil
	case "int64", "i64":
		return dtypes.Int64, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown data type %q", name)
	}
}

// Shape converts a dtype name and dimensions to a GoMLX shapes.Shape (it includes the dtype).
func Shape(dtypeName string, dims []int) (shape shapes.Shape, err error) {
	shape.DType, err = DType(dtypeName)
	if err != nil {
		return
	}
	for axis, dim := range dims {
		if dim <= 0 {
			err = errors.Errorf("invalid dimension %d for axis %d in %v", dim, axis, dims)
			return
		}
	}
	shape.Dimensions = append([]int(nil), dims...)
	return
}

// Nested flattens a nested list of numbers (e.g. [][]any decoded from YAML) into its values and dimensions.
// A single number is a scalar. All sub-lists of the same level must have the same length.
func Nested(value any) (values []float64, dims []int, err error) {
	dims, err = nestedDims(value)
	if err != nil {
		return
	}
	err = appendNested(value, &values)
	return
}

func nestedDims(value any) ([]int, error) {
	list, ok := value.([]any)
	if !ok {
		if _, err := toFloat64(value); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if len(list) == 0 {
		return nil, errors.New("empty lists are not supported")
	}
	inner, err := nestedDims(list[0])
	if err != nil {
		return nil, err
	}
	for ii, e := range list[1:] {
		other, err := nestedDims(e)
		if err != nil {
			return nil, err
		}
		if !slices.Equal(other, inner) {
			return nil, errors.Errorf("ragged nested list: element #%d has dimensions %v, expected %v", ii+1, other, inner)
		}
	}
	return append([]int{len(list)}, inner...), nil
}

func appendNested(value any, values *[]float64) error {
	if list, ok := value.([]any); ok {
		for _, e := range list {
			if err := appendNested(e, values); err != nil {
				return err
			}
		}
		return nil
	}
	v, err := toFloat64(value)
	if err != nil {
		return err
	}
	*values = append(*values, v)
	return nil
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	}
	return 0, errors.Errorf("expected a number, got %#v", value)
}

// Tensor creates a tensor with the given shape, converting values to its dtype.
//
// If values has a single element, it is broadcast to the whole shape.
func Tensor(shape shapes.Shape, values []float64) (*tensors.Tensor, error) {
	if len(values) != shape.Size() && len(values) != 1 {
		return nil, errors.Errorf("shape %s has size %d, but %d values were given", shape, shape.Size(), len(values))
	}
	t := tensors.FromShape(shape)
	switch shape.DType {
	case dtypes.Float32:
		fillTensor[float32](t, values)
	case dtypes.Float64:
		fillTensor[float64](t, values)
	case dtypes.Int32:
		fillTensor[int32](t, values)
	case dtypes.Int64:
		fillTensor[int64](t, values)
	default:
		return nil, errors.Errorf("unsupported dtype %s", shape.DType)
	}
	return t, nil
}

// fillTensor implements the generic conversion of values to the tensor data.
func fillTensor[T interface {
	float32 | float64 | int32 | int64
}](t *tensors.Tensor, values []float64) {
	tensors.MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			if len(values) == 1 {
				flat[ii] = T(values[0])
			} else {
				flat[ii] = T(values[ii])
			}
		}
	})
}

// Float64s returns the values of a tensor converted to float64, in row-major order.
func Float64s(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float32:
		return copyFlat[float32](t), nil
	case dtypes.Float64:
		return copyFlat[float64](t), nil
	case dtypes.Int32:
		return copyFlat[int32](t), nil
	case dtypes.Int64:
		return copyFlat[int64](t), nil
	}
	return nil, errors.Errorf("unsupported dtype %s", t.DType())
}

func copyFlat[T interface {
	float32 | float64 | int32 | int64
}](t *tensors.Tensor) []float64 {
	var values []float64
	tensors.ConstFlatData(t, func(flat []T) {
		values = make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v)
		}
	})
	return values
}
