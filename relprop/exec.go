package relprop

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// execute builds and runs a one-off GoMLX computation: graphFn receives one parameter node per
// given argument, in order.
//
// Panics thrown while building the graph (exceptions, or *ShapeMismatchError) are returned as errors.
func execute(backend Backend, graphFn func(params []*Node) []*Node, args ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if len(args) == 0 {
		return nil, errors.New("execute() requires at least one argument")
	}
	exec, err := graph.NewExec(backend, graphFn)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create executor")
	}
	anyArgs := sliceMap(args, func(t *tensors.Tensor) any { return t })
	err = exceptions.TryCatch[error](func() { outputs = exec.MustExec(anyArgs...) })
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// sumTensors returns the elementwise sum of the given tensors, which must share the same shape.
// A single tensor is returned as is.
func sumTensors(backend Backend, values []*tensors.Tensor) (*tensors.Tensor, error) {
	switch len(values) {
	case 0:
		return nil, errors.New("sumTensors() requires at least one tensor")
	case 1:
		return values[0], nil
	}
	outputs, err := execute(backend, func(params []*Node) []*Node {
		return []*Node{sumAll(params)}
	}, values...)
	if err != nil {
		return nil, errors.WithMessage(err, "while summing relevance contributions")
	}
	return outputs[0], nil
}
