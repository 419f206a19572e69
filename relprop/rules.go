package relprop

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Rule redistributes the relevance of a node's outputs to its tensor inputs.
//
// Relprop builds GoMLX ops: it receives the relevance, inputs and outputs of the node as nodes of the
// graph being built (see Call), and returns one relevance node per tensor input (Call.Inputs order).
// A nil entry means the input receives no relevance from this node.
//
// As with other GoMLX graph building functions, errors are thrown as panics: use shapeMismatchf
// (or panic with a *ShapeMismatchError) for arguments inconsistent with the recorded shapes.
// The Engine converts them to errors.
//
// Rules are stateless and may be shared by concurrent propagations.
type Rule interface {
	Relprop(call *Call) []*Node
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc func(call *Call) []*Node

// Relprop implements Rule.
func (fn RuleFunc) Relprop(call *Call) []*Node { return fn(call) }

// Differentiator computes vector-Jacobian products: for the function forward evaluated at inputs,
// it returns for each input the gradient of sum(forward(inputs) * seed).
//
// It is the autodiff capability the gradient based rules rely on. AutoDiff, the default, uses GoMLX
// reverse mode autodiff.
type Differentiator interface {
	VJP(forward ForwardFn, inputs []*Node, seed *Node) []*Node
}

// AutoDiff implements Differentiator with graph.Gradient.
type AutoDiff struct{}

// VJP implements Differentiator.
func (AutoDiff) VJP(forward ForwardFn, inputs []*Node, seed *Node) []*Node {
	output := forward(inputs)
	seed = graph.StopGradient(seed)
	if !output.Shape().Equal(seed.Shape()) {
		seed = graph.BroadcastToDims(seed, output.Shape().Dimensions...)
	}
	loss := graph.ReduceAllSum(graph.Mul(output, seed))
	return graph.Gradient(loss, inputs...)
}

// Call is what a Rule gets to redistribute the relevance of one node.
//
// All nodes belong to the GoMLX graph being built for this node's propagation step.
type Call struct {
	// Node is the traced node being processed.
	Node *GraphNode

	// Rel holds the incoming relevance, one per node output, shaped like the output.
	Rel []*Node

	// Inputs holds the values of the tensor inputs (GraphNode.TensorInputs order).
	Inputs []*Node

	// Outputs holds the values of the node outputs, as recorded when tracing.
	Outputs []*Node

	// Forward recomputes the node output from (possibly modified) tensor inputs.
	Forward ForwardFn

	// Diff is the autodiff capability used by the gradient based rules.
	Diff Differentiator

	zeroCounts []*Node
}

// SafeDivide is like the package SafeDivide, but the number of suppressed divisions by zero is
// accounted for the node, and reported as a NumericalInstabilityWarning.
func (c *Call) SafeDivide(numerator, denominator *Node) *Node {
	quotient, count := SafeDivideCount(numerator, denominator)
	c.zeroCounts = append(c.zeroCounts, count)
	return quotient
}

// Rel1 returns the relevance of a single-output node.
func (c *Call) Rel1() *Node { return single(c.Node, c.Rel, "node output relevance") }

// Output1 returns the output of a single-output node.
func (c *Call) Output1() *Node { return single(c.Node, c.Outputs, "node output") }

// passThrough returns rel for the tensor input at position pos, and nil for all others.
func (c *Call) passThrough(pos int, rel *Node) []*Node {
	rels := make([]*Node, len(c.Inputs))
	if pos >= 0 && pos < len(rels) {
		rels[pos] = rel
	}
	return rels
}

// gradientWeighted implements the redistribution shared by GenericRule and SimpleRule:
//
//	Sp = SafeDivide(rel, output)
//	Cp = VJP(forward, inputs, Sp)
//	rel_i = inputs_i * Cp_i
func (c *Call) gradientWeighted(rel *Node, inputs []*Node, output *Node, forward ForwardFn) []*Node {
	sp := c.SafeDivide(rel, output)
	cp := c.Diff.VJP(forward, inputs, sp)
	rels := make([]*Node, len(inputs))
	for ii, input := range inputs {
		rels[ii] = graph.Mul(input, cp[ii])
	}
	return rels
}

// GenericRule lets autodiff redistribute relevance: each input receives its value times the gradient
// of the output weighted by relevance/output.
//
// It is the default for activations (ReLU, GELU) and identity-like accesses.
type GenericRule struct{}

// Relprop implements Rule.
func (GenericRule) Relprop(call *Call) []*Node {
	return call.gradientWeighted(call.Rel1(), call.Inputs, call.Output1(), call.Forward)
}

// SimpleRule redistributes relevance proportionally to each input's contribution to the output.
// Custom rules embed it and call Backward with reconstructed inputs (e.g. clamped to one sign).
type SimpleRule struct{}

// Backward scales rel by each input's contribution to output, where output = forward(inputs).
func (SimpleRule) Backward(call *Call, rel *Node, inputs []*Node, output *Node, forward ForwardFn) []*Node {
	return call.gradientWeighted(rel, inputs, output, forward)
}

// Relprop implements Rule.
func (r SimpleRule) Relprop(call *Call) []*Node {
	return r.Backward(call, call.Rel1(), call.Inputs, call.Output1(), call.Forward)
}
