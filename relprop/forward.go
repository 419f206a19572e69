package relprop

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file implements the forward computation of each operator as GoMLX ops.
//
// The forward is used twice: by Graph.Apply, to trace a node (computing its output), and by the
// gradient based rules, which differentiate it with respect to the node inputs.

// ForwardFn computes the output of a node from its tensor inputs (GraphNode.TensorInputs order).
// Literal inputs and call arguments are bound in the function.
type ForwardFn func(inputs []*Node) *Node

// forwardFor returns the forward function of node. It panics (exceptions) if the operator is unknown.
func forwardFor(node *GraphNode) ForwardFn {
	switch node.Op {
	case OpReLU:
		return func(inputs []*Node) *Node { return clampPositive(single(node, inputs, "input")) }
	case OpGELU:
		return func(inputs []*Node) *Node { return gelu(node, single(node, inputs, "input")) }
	case OpTanh:
		return func(inputs []*Node) *Node { return graph.Tanh(single(node, inputs, "input")) }

	case OpAdd:
		return binaryForward(node, graph.Add)
	case OpSub:
		return binaryForward(node, graph.Sub)
	case OpMul:
		return binaryForward(node, graph.Mul)
	case OpDiv:
		return binaryForward(node, graph.Div)
	case OpFloorDiv:
		// Floor has no useful gradient: the result is treated as a constant when differentiating.
		return binaryForward(node, func(lhs, rhs *Node) *Node {
			return graph.StopGradient(graph.Floor(graph.Div(lhs, rhs)))
		})
	case OpMatMul:
		return func(inputs []*Node) *Node {
			operands := node.operands(inputs)
			if len(operands) != 2 {
				exceptions.Panicf("%s: matmul requires 2 operands, got %d", node, len(operands))
			}
			return graph.MatMul(operands[0], operands[1])
		}

	case OpFlatten:
		return func(inputs []*Node) *Node { return flattenForward(node, single(node, inputs, "input")) }
	case OpReshape:
		return func(inputs []*Node) *Node { return reshapeForward(node, single(node, inputs, "input")) }
	case OpConcat:
		return func(inputs []*Node) *Node {
			axis := node.adjustAxis(node.intArgOr(1, "dim", 0), inputs[0].Rank())
			return graph.Concatenate(inputs, axis)
		}
	case OpRepeat:
		return func(inputs []*Node) *Node { return repeatForward(node, single(node, inputs, "input")) }
	case OpExpand:
		return func(inputs []*Node) *Node { return expandForward(node, single(node, inputs, "input")) }
	case OpGetItem:
		return func(inputs []*Node) *Node { return getItemForward(node, inputs) }
	case OpUnsqueeze:
		return func(inputs []*Node) *Node {
			operand := single(node, inputs, "input")
			return graph.ExpandAxes(operand, unsqueezeAxis(node, operand.Rank()+1))
		}
	case OpPermute:
		return func(inputs []*Node) *Node {
			operand := single(node, inputs, "input")
			return graph.TransposeAllDims(operand, permuteAxes(node, operand.Rank())...)
		}
	case OpGetAttr:
		return func(inputs []*Node) *Node { return getAttrForward(node, single(node, inputs, "input")) }
	}
	exceptions.Panicf("%s: operator has no forward implementation", node)
	return nil
}

// operands rebuilds the full operand list of an arithmetic node, converting literal inputs to
// scalars of the dtype of the first tensor input.
func (n *GraphNode) operands(inputs []*Node) []*Node {
	if len(inputs) == 0 {
		exceptions.Panicf("%s: requires at least one tensor input", n)
	}
	g := inputs[0].Graph()
	dtype := inputs[0].DType()
	operands := make([]*Node, 0, len(n.Inputs))
	next := 0
	for _, v := range n.Inputs {
		switch v.Kind {
		case ValueTensor:
			operands = append(operands, inputs[next])
			next++
		case ValueLiteral:
			x, ok := toFloat(v.Literal)
			if !ok {
				exceptions.Panicf("%s: non-numeric literal operand %#v", n, v.Literal)
			}
			operands = append(operands, graph.Scalar(g, dtype, x))
		default:
			exceptions.Panicf("%s: tuple operands are not supported for arithmetic operators", n)
		}
	}
	return operands
}

// binaryForward returns the forward of a binary arithmetic node with broadcasting.
func binaryForward(node *GraphNode, fn func(lhs, rhs *Node) *Node) ForwardFn {
	return func(inputs []*Node) *Node {
		operands := node.operands(inputs)
		if len(operands) != 2 {
			exceptions.Panicf("%s: binary operator requires 2 operands, got %d", node, len(operands))
		}
		operands = implicitBroadcast(operands)
		return fn(operands[0], operands[1])
	}
}

// gelu implements the exact GELU, or the tanh approximation if kwarg approximate="tanh".
func gelu(node *GraphNode, x *Node) *Node {
	if v, found := node.kwarg("approximate"); found && v.Literal == "tanh" {
		// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
		cube := graph.Mul(x, graph.Mul(x, x))
		inner := graph.MulScalar(graph.Add(x, graph.MulScalar(cube, 0.044715)), math.Sqrt(2/math.Pi))
		return graph.Mul(graph.MulScalar(x, 0.5), graph.OnePlus(graph.Tanh(inner)))
	}
	// 0.5 * x * (1 + erf(x / sqrt(2)))
	return graph.Mul(graph.MulScalar(x, 0.5), graph.OnePlus(graph.Erf(graph.MulScalar(x, 1/math.Sqrt2))))
}

// flattenDims returns the dimensions after torch.flatten(x, start_dim, end_dim).
func flattenDims(node *GraphNode, dims []int) []int {
	if len(dims) == 0 {
		return []int{1}
	}
	start := node.adjustAxis(node.intArgOr(1, "start_dim", 0), len(dims))
	end := node.adjustAxis(node.intArgOr(2, "end_dim", -1), len(dims))
	if start > end {
		shapeMismatchf(node, "flatten start_dim=%d comes after end_dim=%d", start, end)
	}
	newDims := make([]int, 0, len(dims)-(end-start))
	newDims = append(newDims, dims[:start]...)
	merged := 1
	for _, dim := range dims[start : end+1] {
		merged *= dim
	}
	newDims = append(newDims, merged)
	newDims = append(newDims, dims[end+1:]...)
	return newDims
}

func flattenForward(node *GraphNode, operand *Node) *Node {
	return graph.Reshape(operand, flattenDims(node, operand.Shape().Dimensions)...)
}

// reshapeDims resolves the target dimensions of a reshape (at most one -1) for an operand of the given size.
func reshapeDims(node *GraphNode, target []int, size int) []int {
	dims := make([]int, len(target))
	copy(dims, target)
	inferred := -1
	known := 1
	for axis, dim := range dims {
		switch {
		case dim == -1 && inferred == -1:
			inferred = axis
		case dim <= 0:
			shapeMismatchf(node, "invalid reshape target %v", target)
		default:
			known *= dim
		}
	}
	if inferred >= 0 {
		if known == 0 || size%known != 0 {
			shapeMismatchf(node, "cannot reshape %d elements to %v", size, target)
		}
		dims[inferred] = size / known
		known *= dims[inferred]
	}
	if known != size {
		shapeMismatchf(node, "cannot reshape %d elements to %v", size, target)
	}
	return dims
}

func reshapeForward(node *GraphNode, operand *Node) *Node {
	target := node.intsArg(1, "shape")
	return graph.Reshape(operand, reshapeDims(node, target, operand.Shape().Size())...)
}

// repeatForward implements torch.Tensor.repeat: copies of the operand are concatenated repeats[i] times
// along axis i. Extra leading repeats add new axes.
func repeatForward(node *GraphNode, operand *Node) *Node {
	repeats := node.intsArg(1, "repeats")
	if len(repeats) < operand.Rank() {
		shapeMismatchf(node, "repeat(%v) requires at least one repeat per axis of operand shaped %s", repeats, operand.Shape())
	}
	for _, r := range repeats {
		if r < 1 {
			shapeMismatchf(node, "repeat(%v) must have repeats >= 1", repeats)
		}
	}
	if len(repeats) > operand.Rank() {
		operand = graph.ExpandLeftToRank(operand, len(repeats))
	}
	for axis, r := range repeats {
		if r == 1 {
			continue
		}
		copies := make([]*Node, r)
		for ii := range copies {
			copies[ii] = operand
		}
		operand = graph.Concatenate(copies, axis)
	}
	return operand
}

// expandForward implements torch.Tensor.expand: axes of dimension 1 are broadcast to the given sizes,
// -1 keeps the original dimension, and new leading axes can be added.
func expandForward(node *GraphNode, operand *Node) *Node {
	sizes := node.intsArg(1, "size")
	if len(sizes) < operand.Rank() {
		shapeMismatchf(node, "expand(%v) has fewer sizes than operand axes (shape %s)", sizes, operand.Shape())
	}
	if len(sizes) > operand.Rank() {
		operand = graph.ExpandLeftToRank(operand, len(sizes))
	}
	dims := make([]int, len(sizes))
	for axis, size := range sizes {
		dim := operand.Shape().Dim(axis)
		switch {
		case size == -1 || size == dim:
			dims[axis] = dim
		case dim == 1 && size > 0:
			dims[axis] = size
		default:
			shapeMismatchf(node, "cannot expand axis %d of dimension %d to %d", axis, dim, size)
		}
	}
	return graph.BroadcastToDims(operand, dims...)
}

// getItemIndex returns the IndexSpec of a get-item node, given as Args[1] or kwarg "index".
func getItemIndex(node *GraphNode) IndexSpec {
	v, found := node.kwarg("index")
	if !found {
		if len(node.Args) < 2 {
			shapeMismatchf(node, "get-item requires an index argument")
		}
		v = node.Args[1]
	}
	if v.Kind != ValueLiteral {
		shapeMismatchf(node, "tensor indices are not supported")
	}
	spec, err := indexFromLiteral(v.Literal)
	if err != nil {
		shapeMismatchf(node, "%v", err)
	}
	return spec
}

// tupleIndex returns the position selected in a tuple by a get-item node.
func tupleIndex(node *GraphNode, tupleLen int) int {
	spec := getItemIndex(node)
	if len(spec) != 1 || spec[0].Kind != IndexAt {
		shapeMismatchf(node, "tuples can only be indexed with a single integer, got %s", spec)
	}
	pos := spec[0].At
	if pos < 0 {
		pos += tupleLen
	}
	if pos < 0 || pos >= tupleLen {
		shapeMismatchf(node, "index %d out of range for tuple of %d elements", spec[0].At, tupleLen)
	}
	return pos
}

func getItemForward(node *GraphNode, inputs []*Node) *Node {
	if len(node.Inputs) == 0 {
		shapeMismatchf(node, "get-item without inputs")
	}
	if !node.Inputs[0].IsTensor() {
		return inputs[tupleIndex(node, len(inputs))]
	}
	operand := inputs[0]
	axes, outDims, err := getItemIndex(node).resolve(operand.Shape().Dimensions)
	if err != nil {
		shapeMismatchf(node, "%v", err)
	}
	specs := make([]graph.SliceAxisSpec, len(axes))
	for axis, s := range axes {
		specs[axis] = graph.AxisRange(s.start, s.start+(s.count-1)*s.step+1).Stride(s.step)
	}
	return graph.Reshape(graph.Slice(operand, specs...), outDims...)
}

// scatterIndexed is the inverse of the get-item forward: it places rel (shaped like the indexed result)
// into a zero tensor with the operand dimensions.
func scatterIndexed(node *GraphNode, rel *Node, operandDims []int) *Node {
	axes, outDims, err := getItemIndex(node).resolve(operandDims)
	if err != nil {
		shapeMismatchf(node, "%v", err)
	}
	if rel.Shape().Size() != tensorsSize(outDims) || rel.Rank() != len(outDims) {
		shapeMismatchf(node, "relevance shaped %s doesn't match the indexed dimensions %v", rel.Shape(), outDims)
	}
	keptDims := sliceMap(axes, func(s axisSlice) int { return s.count })
	rel = graph.Reshape(rel, keptDims...)
	for axis, s := range axes {
		last := s.start + (s.count-1)*s.step
		rel = zeroFillAxis(rel, axis, s.start, operandDims[axis]-last-1, s.step-1)
	}
	return rel
}

// zeroFillAxis inserts zeros along axis of x: low before the first element, high after the last one
// and interior between consecutive elements.
//
// It only uses concatenation, reshape and slicing, which every backend supports.
func zeroFillAxis(x *Node, axis, low, high, interior int) *Node {
	zeros := func(operand *Node, axis, dim int) *Node {
		dims := slices.Clone(operand.Shape().Dimensions)
		dims[axis] = dim
		return graph.Zeros(operand.Graph(), shapes.Make(operand.DType(), dims...))
	}
	count := x.Shape().Dim(axis)
	if interior > 0 && count > 1 {
		// Each element followed by interior zeros, then the trailing zeros are sliced off.
		spread := graph.InsertAxes(x, axis+1)
		spread = graph.Concatenate([]*Node{spread, zeros(spread, axis+1, interior)}, axis+1)
		dims := slices.Clone(x.Shape().Dimensions)
		dims[axis] = count * (interior + 1)
		spread = graph.Reshape(spread, dims...)
		specs := make([]graph.SliceAxisSpec, spread.Rank())
		for ii := range specs {
			specs[ii] = graph.AxisRange()
		}
		specs[axis] = graph.AxisRange(0, (count-1)*(interior+1)+1)
		x = graph.Slice(spread, specs...)
	}
	parts := make([]*Node, 0, 3)
	if low > 0 {
		parts = append(parts, zeros(x, axis, low))
	}
	parts = append(parts, x)
	if high > 0 {
		parts = append(parts, zeros(x, axis, high))
	}
	if len(parts) == 1 {
		return x
	}
	return graph.Concatenate(parts, axis)
}

// tensorsSize returns the number of elements of a shape with the given dimensions.
func tensorsSize(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// unsqueezeAxis returns the axis inserted by an unsqueeze node, adjusted to the output rank.
func unsqueezeAxis(node *GraphNode, outputRank int) int {
	var axis int
	if v, found := node.kwarg("dim"); found {
		var ok bool
		if axis, ok = toInt(v.Literal); !ok {
			shapeMismatchf(node, "unsqueeze dim must be an integer, got %#v", v.Literal)
		}
	} else {
		params := node.positionalArgs()
		if len(params) != 1 {
			shapeMismatchf(node, "unsqueeze requires exactly one dim argument, got %d", len(params))
		}
		var ok bool
		if axis, ok = toInt(params[0].Literal); !ok || params[0].Kind != ValueLiteral {
			shapeMismatchf(node, "unsqueeze dim must be an integer, got %#v", params[0].Literal)
		}
	}
	return node.adjustAxis(axis, outputRank)
}

// permuteAxes returns the permutation of a permute node, from kwarg "dims", a list in Args[1] or the
// trailing ints in Args[1:]. It panics with a ShapeMismatchError if it is not a permutation of rank axes.
func permuteAxes(node *GraphNode, rank int) []int {
	dims := node.intsArg(1, "dims")
	if len(dims) != rank {
		shapeMismatchf(node, "permutation %v has %d axes, but operand has rank %d", dims, len(dims), rank)
	}
	perm := make([]int, rank)
	seen := make([]bool, rank)
	for ii, axis := range dims {
		axis = node.adjustAxis(axis, rank)
		if seen[axis] {
			shapeMismatchf(node, "%v is not a permutation: axis %d repeated", dims, axis)
		}
		seen[axis] = true
		perm[ii] = axis
	}
	return perm
}

// inversePermutation returns inv such that inv[perm[i]] = i.
func inversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for ii, axis := range perm {
		inv[axis] = ii
	}
	return inv
}

func getAttrForward(node *GraphNode, operand *Node) *Node {
	attr := node.stringArgOr(1, "name", "data")
	switch attr {
	case "data", "":
		return operand
	case "T":
		perm := make([]int, operand.Rank())
		for axis := range perm {
			perm[axis] = operand.Rank() - axis - 1
		}
		return graph.TransposeAllDims(operand, perm...)
	case "mT":
		if operand.Rank() < 2 {
			shapeMismatchf(node, "attribute mT requires rank >= 2, operand shaped %s", operand.Shape())
		}
		perm := make([]int, operand.Rank())
		for axis := range perm {
			perm[axis] = axis
		}
		perm[len(perm)-1], perm[len(perm)-2] = perm[len(perm)-2], perm[len(perm)-1]
		return graph.TransposeAllDims(operand, perm...)
	}
	exceptions.Panicf("%s: unsupported tensor attribute %q", node, attr)
	return nil
}

// Apply executes the forward of node over its tensor inputs, appends it to the graph and returns the id
// of its output tensor. node.Outputs is ignored.
//
// This is how a graph is traced: see package trace for a typed API.
func (g *Graph) Apply(backend Backend, node GraphNode) (TensorID, error) {
	if !node.Op.IsValid() {
		return NoTensor, errors.Errorf("node %q: invalid operator %d", node.Name, node.Op)
	}
	inputIDs := node.TensorInputs()
	if len(inputIDs) == 0 {
		return NoTensor, errors.Errorf("node %q (%s) has no tensor inputs", node.Name, node.Op)
	}
	args := make([]*tensors.Tensor, len(inputIDs))
	for ii, id := range inputIDs {
		if id < 0 || int(id) >= len(g.Tensors) {
			return NoTensor, errors.Errorf("node %q refers to unknown tensor %d", node.Name, id)
		}
		args[ii] = g.Tensors[id].Value
	}
	outputs, err := execute(backend, func(params []*Node) []*Node {
		output := forwardFor(&node)(params)
		if slices.Contains(params, output) {
			// Forwards like getattr("data") return their input: the traced value must still be a new tensor.
			output = graph.Identity(output)
		}
		return []*Node{output}
	}, args...)
	if err != nil {
		return NoTensor, errors.WithMessagef(err, "while tracing node %q (%s)", node.Name, node.Op)
	}
	return g.AddNode(node, outputs[0])[0], nil
}
