package relprop

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TotalRelevance returns the sum of all elements of a float32 or float64 relevance tensor.
func TotalRelevance(t *tensors.Tensor) (float64, error) {
	var total float64
	switch t.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData[float32](t, func(flat []float32) {
			for _, v := range flat {
				total += float64(v)
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData[float64](t, func(flat []float64) {
			for _, v := range flat {
				total += v
			}
		})
	default:
		return 0, errors.Errorf("relevance total requires a float32 or float64 tensor, got %s", t.DType())
	}
	return total, nil
}

// Total returns the relevance summed over all leaves.
func (r *Result) Total() (float64, error) {
	var total float64
	for _, id := range r.Leaves() {
		leafTotal, err := TotalRelevance(r.Relevance[id])
		if err != nil {
			return 0, errors.WithMessagef(err, "leaf %q", r.graph.Tensors[id].Name)
		}
		total += leafTotal
	}
	return total, nil
}

// Conserved reports whether two relevance totals agree within the relative tolerance,
// measured at float32 precision (the dtype relevance is usually computed in).
func Conserved(want, got float64, tolerance float32) bool {
	a, b := float32(want), float32(got)
	scale := math32.Max(1, math32.Max(math32.Abs(a), math32.Abs(b)))
	return math32.Abs(a-b) <= tolerance*scale
}
