package relprop

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/graph"
)

// This file holds the relevance rule of each operator.

// DefaultRules returns a new map with the default rule of every operator that has one.
// OpDiv, OpMatMul and OpTanh have none.
func DefaultRules() map[OpType]Rule {
	return map[OpType]Rule{
		OpReLU:      GenericRule{},
		OpGELU:      GenericRule{},
		OpAdd:       AddRule{},
		OpSub:       AddRule{NegateSecond: true},
		OpMul:       MulRule{},
		OpFloorDiv:  MulRule{},
		OpFlatten:   ReshapeRule{},
		OpReshape:   ReshapeRule{},
		OpConcat:    ConcatRule{},
		OpRepeat:    SimpleRule{},
		OpExpand:    SimpleRule{},
		OpGetItem:   GetItemRule{},
		OpUnsqueeze: UnsqueezeRule{},
		OpPermute:   PermuteRule{},
		OpGetAttr:   GenericRule{},
	}
}

// AddSplitPolicy defines how AddRule combines the relevance of the positive and negative passes.
type AddSplitPolicy int

const (
	// SplitUnnormalized sums the positive and negative passes as they are: each pass that has a
	// non-zero reconstruction redistributes the full incoming relevance. It conserves relevance
	// when all operands share the same sign at each position.
	SplitUnnormalized AddSplitPolicy = iota

	// SplitRenormalized weights the incoming relevance of each pass by its share of the total
	// clamped magnitude, |pos| / (|pos| + |neg|), so relevance is conserved for any sign combination.
	SplitRenormalized
)

// String implements fmt.Stringer.
func (p AddSplitPolicy) String() string {
	switch p {
	case SplitUnnormalized:
		return "unnormalized"
	case SplitRenormalized:
		return "renormalized"
	default:
		return "invalid"
	}
}

// AddRule splits the operands of an addition into their positive and negative parts, and
// redistributes relevance separately against the positive and the negative reconstructions, summing
// both results. This avoids cancellation between operands of opposite signs.
//
// With NegateSecond it handles subtraction, as the addition of the negated second operand.
// Nodes with fewer than two tensor operands (e.g. x + 1) pass relevance through unchanged.
type AddRule struct {
	SimpleRule
	NegateSecond bool
	Policy       AddSplitPolicy
}

// Relprop implements Rule.
func (r AddRule) Relprop(call *Call) []*Node {
	rel := call.Rel1()
	if len(call.Inputs) < 2 {
		return call.passThrough(0, rel)
	}
	inputs := slices.Clone(call.Inputs)
	if r.NegateSecond {
		inputs[1] = graph.Neg(inputs[1])
	}
	add := binaryForward(call.Node, graph.Add)

	posInputs := sliceMap(inputs, clampPositive)
	negInputs := sliceMap(inputs, clampNegative)
	posOutput := add(posInputs)
	negOutput := add(negInputs)

	posRel, negRel := rel, rel
	if r.Policy == SplitRenormalized {
		total := graph.Sub(posOutput, negOutput) // |pos| + |neg|
		posRel = graph.Mul(rel, call.SafeDivide(posOutput, total))
		negRel = graph.Mul(rel, call.SafeDivide(graph.Neg(negOutput), total))
	}
	posRels := r.Backward(call, posRel, posInputs, posOutput, add)
	negRels := r.Backward(call, negRel, negInputs, negOutput, add)
	rels := make([]*Node, len(inputs))
	for ii := range rels {
		rels[ii] = graph.Add(posRels[ii], negRels[ii])
	}
	return rels
}

// MulRule handles multiplication and floor division: with fewer than two tensor operands
// (e.g. x * 2) relevance passes through unchanged, otherwise the SimpleRule redistribution is
// applied over the tensor operands only.
type MulRule struct {
	SimpleRule
}

// Relprop implements Rule.
func (r MulRule) Relprop(call *Call) []*Node {
	rel := call.Rel1()
	if len(call.Inputs) < 2 {
		return call.passThrough(0, rel)
	}
	return r.Backward(call, rel, call.Inputs, call.Output1(), call.Forward)
}

// ReshapeRule handles reshape and flatten: relevance is reshaped back to the input shape.
type ReshapeRule struct {
	GenericRule
}

// Relprop implements Rule.
func (ReshapeRule) Relprop(call *Call) []*Node {
	rel := call.Rel1()
	input := single(call.Node, call.Inputs, "input")
	if rel.Shape().Size() != input.Shape().Size() {
		shapeMismatchf(call.Node, "relevance shaped %s can't be reshaped to input shape %s", rel.Shape(), input.Shape())
	}
	return []*Node{graph.Reshape(rel, input.Shape().Dimensions...)}
}

// ConcatRule redistributes relevance of a concatenation proportionally to each segment's contribution
// to the joined output.
type ConcatRule struct {
	SimpleRule
}

// Relprop implements Rule.
func (r ConcatRule) Relprop(call *Call) []*Node {
	rel := call.Rel1()
	output := call.Output1()
	axis := call.Node.adjustAxis(call.Node.intArgOr(1, "dim", 0), output.Rank())
	joined := 0
	for _, input := range call.Inputs {
		if input.Rank() != output.Rank() {
			shapeMismatchf(call.Node, "segment shaped %s doesn't match output shaped %s", input.Shape(), output.Shape())
		}
		for ii, dim := range input.Shape().Dimensions {
			if ii != axis && dim != output.Shape().Dim(ii) {
				shapeMismatchf(call.Node, "segment shaped %s doesn't match output shaped %s outside axis %d",
					input.Shape(), output.Shape(), axis)
			}
		}
		joined += input.Shape().Dim(axis)
	}
	if joined != output.Shape().Dim(axis) {
		shapeMismatchf(call.Node, "segments add up to %d on axis %d, but output shaped %s", joined, axis, output.Shape())
	}
	return r.Backward(call, rel, call.Inputs, output, call.Forward)
}

// GetItemRule scatters relevance back into the indexed positions of the input: the result is zero
// everywhere else. If the indexed value is a tuple, the relevance is passed unchanged to the selected
// element.
type GetItemRule struct {
	SimpleRule
}

// Relprop implements Rule.
func (GetItemRule) Relprop(call *Call) []*Node {
	rel := call.Rel1()
	node := call.Node
	if len(node.Inputs) == 0 {
		shapeMismatchf(node, "get-item without inputs")
	}
	if !node.Inputs[0].IsTensor() {
		return call.passThrough(tupleIndex(node, len(call.Inputs)), rel)
	}
	input := call.Inputs[0]
	return []*Node{scatterIndexed(node, rel, input.Shape().Dimensions)}
}

// UnsqueezeRule squeezes relevance on the axis inserted by the unsqueeze.
type UnsqueezeRule struct {
	GenericRule
}

// Relprop implements Rule.
func (UnsqueezeRule) Relprop(call *Call) []*Node {
	rel := call.Rel1()
	input := single(call.Node, call.Inputs, "input")
	axis := unsqueezeAxis(call.Node, rel.Rank())
	if rel.Shape().Dim(axis) != 1 {
		shapeMismatchf(call.Node, "relevance shaped %s has dimension %d on unsqueezed axis %d",
			rel.Shape(), rel.Shape().Dim(axis), axis)
	}
	squeezed := graph.Squeeze(rel, axis)
	if !slices.Equal(squeezed.Shape().Dimensions, input.Shape().Dimensions) {
		shapeMismatchf(call.Node, "squeezed relevance shaped %s, but input shaped %s", squeezed.Shape(), input.Shape())
	}
	return []*Node{squeezed}
}

// PermuteRule applies the inverse permutation to relevance, returning each axis to its position before
// the permute.
type PermuteRule struct {
	SimpleRule
}

// Relprop implements Rule.
func (PermuteRule) Relprop(call *Call) []*Node {
	rel := call.Rel1()
	input := single(call.Node, call.Inputs, "input")
	perm := permuteAxes(call.Node, rel.Rank())
	restored := graph.TransposeAllDims(rel, inversePermutation(perm)...)
	if !slices.Equal(restored.Shape().Dimensions, input.Shape().Dimensions) {
		shapeMismatchf(call.Node, "relevance shaped %s permuted back by %v gives %s, but input shaped %s",
			rel.Shape(), perm, restored.Shape(), input.Shape())
	}
	return []*Node{restored}
}
