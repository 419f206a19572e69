package relprop

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// This file implements the small tensor algebra used by the relevance rules.

// SafeDivide divides numerator by denominator elementwise. Where the denominator is exactly zero,
// the quotient is zero instead of an Inf or NaN.
//
// Relevance reaching a zero valued activation is therefore dropped, not blown up.
func SafeDivide(numerator, denominator *Node) *Node {
	quotient, _ := SafeDivideCount(numerator, denominator)
	return quotient
}

// SafeDivideCount is like SafeDivide, but also returns an Int64 scalar with the number of divisions by zero
// that were suppressed.
func SafeDivideCount(numerator, denominator *Node) (quotient, zeroCount *Node) {
	operands := implicitBroadcast([]*Node{numerator, denominator})
	numerator, denominator = operands[0], operands[1]
	isZero := graph.Equal(denominator, graph.ZerosLike(denominator))

	// Replace zeros by ones before dividing, so no Inf/NaN is ever created (they would leak
	// through gradients otherwise).
	safeDenominator := graph.Where(isZero, graph.OnesLike(denominator), denominator)
	quotient = graph.Where(isZero, graph.ZerosLike(numerator), graph.Div(numerator, safeDenominator))
	zeroCount = graph.ReduceAllSum(graph.ConvertDType(isZero, dtypes.Int64))
	return
}

// clampPositive returns max(x, 0).
func clampPositive(x *Node) *Node {
	return graph.Max(x, graph.ZerosLike(x))
}

// clampNegative returns min(x, 0).
func clampNegative(x *Node) *Node {
	return graph.Min(x, graph.ZerosLike(x))
}

// single unwraps a one-element sequence of nodes. It panics with a ShapeMismatchError for any other length.
//
// Rules always work with sequences ([]*Node), so they don't depend on the arity of the operator; single
// is used where a rule only makes sense for exactly one value.
func single(node *GraphNode, values []*Node, what string) *Node {
	if len(values) != 1 {
		shapeMismatchf(node, "expected exactly one %s, got %d", what, len(values))
	}
	return values[0]
}

// implicitBroadcast broadcasts operands following numpy/torch rules: operands are expanded to the
// largest rank by prepending axes of dimension 1, and axes of dimension 1 are broadcast to the
// largest dimension.
//
// Scalars are left untouched, GoMLX broadcasts them.
func implicitBroadcast(operands []*Node) []*Node {
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	operands = sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return graph.ExpandLeftToRank(n, maxRank)
	})
	maxDims := make([]int, maxRank)
	for axis := range maxRank {
		for _, n := range operands {
			if !n.IsScalar() {
				maxDims[axis] = max(maxDims[axis], n.Shape().Dim(axis))
			}
		}
	}
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || slices.Equal(n.Shape().Dimensions, maxDims) {
			return n
		}
		return graph.BroadcastToDims(n, maxDims...)
	})
}

// sumAll adds all the given nodes, which must have the same shape. It returns nil for an empty list.
func sumAll(values []*Node) *Node {
	var total *Node
	for _, v := range values {
		if total == nil {
			total = v
		} else {
			total = graph.Add(total, v)
		}
	}
	return total
}
