package relprop

import (
	"context"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Example is one independent propagation: a traced graph and the relevance seed of its output.
type Example struct {
	Graph *Graph
	Seed  *tensors.Tensor
}

// BatchResult is the outcome of propagating one Example: exactly one of Result or Err is set.
type BatchResult struct {
	Result *Result
	Err    error
}

// PropagateBatch propagates each example independently, running up to parallelism of them concurrently
// (parallelism <= 0 means no limit).
//
// The results are returned in the order of the examples. The failure of one example is stored in its
// BatchResult and doesn't affect the others. If ctx is cancelled, pending examples fail with its error.
func (e *Engine) PropagateBatch(ctx context.Context, examples []Example, parallelism int) []BatchResult {
	results := make([]BatchResult, len(examples))
	var eg errgroup.Group
	if parallelism > 0 {
		eg.SetLimit(parallelism)
	}
	for ii, example := range examples {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[ii].Err = errors.Wrapf(err, "example #%d not started", ii)
				return nil
			}
			if example.Graph == nil {
				results[ii].Err = errors.Errorf("example #%d has no graph", ii)
				return nil
			}
			result, err := e.Propagate(ctx, example.Seed, example.Graph)
			if err != nil {
				klog.V(1).Infof("relprop: example #%d failed: %v", ii, err)
				results[ii].Err = errors.WithMessagef(err, "example #%d", ii)
				return nil
			}
			results[ii].Result = result
			return nil
		})
	}
	_ = eg.Wait() // Errors are kept per example.
	return results
}
