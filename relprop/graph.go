package relprop

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// TensorID addresses a tensor in the Graph arena.
type TensorID int

// NoTensor is the TensorID used when a value is not a tensor.
const NoTensor TensorID = -1

// ValueKind is the tag of a Value.
type ValueKind int

const (
	ValueLiteral ValueKind = iota
	ValueTensor
	ValueTuple
)

// Value is either a tensor handle, a tuple of tensor handles or a literal argument
// (int, []int, float64, string, IndexSpec, ...).
type Value struct {
	Kind    ValueKind
	Tensor  TensorID
	Tuple   []TensorID
	Literal any
}

// TensorValue returns a Value referring to the tensor id.
func TensorValue(id TensorID) Value {
	return Value{Kind: ValueTensor, Tensor: id}
}

// TupleValue returns a Value referring to a sequence of tensors.
func TupleValue(ids ...TensorID) Value {
	return Value{Kind: ValueTuple, Tensor: NoTensor, Tuple: ids}
}

// Literal returns a Value holding a non-tensor argument.
func Literal(v any) Value {
	return Value{Kind: ValueLiteral, Tensor: NoTensor, Literal: v}
}

// IsTensor returns whether v is a single tensor handle.
func (v Value) IsTensor() bool { return v.Kind == ValueTensor }

// TensorIDs returns the tensors referred by v, in order: one for a tensor, all elements of a tuple
// and none for a literal.
func (v Value) TensorIDs() []TensorID {
	switch v.Kind {
	case ValueTensor:
		return []TensorID{v.Tensor}
	case ValueTuple:
		return v.Tuple
	default:
		return nil
	}
}

// GraphNode is one traced operation.
//
// Inputs are the data operands of the operator (tensors or literals, in call order).
// Args and Kwargs are the exact call arguments used to invoke the operator, where Args[0]
// is usually the operand itself: rules use them to reconstruct shape parameters such as a
// permutation or an index.
type GraphNode struct {
	Name    string
	Op      OpType
	Inputs  []Value
	Outputs []TensorID
	Args    []Value
	Kwargs  map[string]Value
}

// TensorInputs returns the tensor inputs of the node, flattening tuples. Rules return one relevance
// per entry of this list.
func (n *GraphNode) TensorInputs() []TensorID {
	var ids []TensorID
	for _, v := range n.Inputs {
		ids = append(ids, v.TensorIDs()...)
	}
	return ids
}

// TensorInfo is one entry of the Graph tensor arena.
type TensorInfo struct {
	Name  string
	Value *tensors.Tensor

	// Producer is the index of the node that outputs this tensor, or -1 for leaf inputs.
	Producer int
}

// Graph is an arena of traced nodes and the tensors they consume and produce.
//
// Tensors and nodes are addressed by their index. Only forward edges are stored (node inputs);
// consumer lists and the traversal order are derived when needed.
type Graph struct {
	Tensors []TensorInfo
	Nodes   []GraphNode

	// Output is the designated output tensor, the one seeded with relevance.
	Output TensorID
}

// NewGraph returns an empty graph with no output set.
func NewGraph() *Graph {
	return &Graph{Output: NoTensor}
}

// AddLeaf adds a leaf input tensor and returns its id.
func (g *Graph) AddLeaf(name string, value *tensors.Tensor) TensorID {
	g.Tensors = append(g.Tensors, TensorInfo{Name: name, Value: value, Producer: -1})
	return TensorID(len(g.Tensors) - 1)
}

// AddNode appends node to the graph, registering one output tensor per given value.
// node.Outputs is overwritten with the new ids, which are also returned.
//
// Output tensors are named after the node: the node name for single outputs, and "name#i" otherwise.
func (g *Graph) AddNode(node GraphNode, outputs ...*tensors.Tensor) []TensorID {
	nodeIdx := len(g.Nodes)
	ids := make([]TensorID, len(outputs))
	for ii, value := range outputs {
		name := node.Name
		if len(outputs) > 1 {
			name = outputName(node.Name, ii)
		}
		g.Tensors = append(g.Tensors, TensorInfo{Name: name, Value: value, Producer: nodeIdx})
		ids[ii] = TensorID(len(g.Tensors) - 1)
	}
	node.Outputs = ids
	g.Nodes = append(g.Nodes, node)
	return ids
}

// SetOutput designates the tensor to be seeded with relevance.
func (g *Graph) SetOutput(id TensorID) {
	g.Output = id
}

// Tensor returns the value of the tensor with the given id.
func (g *Graph) Tensor(id TensorID) *tensors.Tensor {
	return g.Tensors[id].Value
}

// Shape returns the shape of the tensor with the given id.
func (g *Graph) Shape(id TensorID) shapes.Shape {
	return g.Tensors[id].Value.Shape()
}

// Leaves returns the ids of all leaf inputs, in creation order.
func (g *Graph) Leaves() []TensorID {
	var leaves []TensorID
	for ii, info := range g.Tensors {
		if info.Producer < 0 {
			leaves = append(leaves, TensorID(ii))
		}
	}
	return leaves
}

// LookupTensor returns the id of the first tensor with the given name.
func (g *Graph) LookupTensor(name string) (TensorID, bool) {
	for ii, info := range g.Tensors {
		if info.Name == name {
			return TensorID(ii), true
		}
	}
	return NoTensor, false
}

// Validate checks that the graph is fully resolved: every referenced tensor exists and has a value,
// every tensor has at most one producer, the output is set and the graph is acyclic.
func (g *Graph) Validate() error {
	if g.Output < 0 || int(g.Output) >= len(g.Tensors) {
		return errors.Errorf("graph output %d not set or out of range (%d tensors)", g.Output, len(g.Tensors))
	}
	for ii, info := range g.Tensors {
		if info.Value == nil {
			return errors.Errorf("tensor #%d (%q) has no value", ii, info.Name)
		}
		if info.Producer >= len(g.Nodes) {
			return errors.Errorf("tensor #%d (%q) refers to unknown producer node %d", ii, info.Name, info.Producer)
		}
	}
	for nodeIdx := range g.Nodes {
		node := &g.Nodes[nodeIdx]
		if !node.Op.IsValid() {
			return errors.Errorf("node %q has invalid operator %d", node.Name, node.Op)
		}
		for _, id := range node.TensorInputs() {
			if id < 0 || int(id) >= len(g.Tensors) {
				return errors.Errorf("node %q refers to unknown input tensor %d", node.Name, id)
			}
		}
		for _, id := range node.Outputs {
			if id < 0 || int(id) >= len(g.Tensors) {
				return errors.Errorf("node %q refers to unknown output tensor %d", node.Name, id)
			}
			if g.Tensors[id].Producer != nodeIdx {
				return errors.Errorf("tensor #%d (%q) is an output of node %q but is recorded as produced by node %d",
					id, g.Tensors[id].Name, node.Name, g.Tensors[id].Producer)
			}
		}
	}
	_, err := g.sortedNodes()
	return err
}

// consumers returns for each tensor the indices of the nodes that take it as input.
func (g *Graph) consumers() [][]int {
	deps := make([][]int, len(g.Tensors))
	for nodeIdx := range g.Nodes {
		seen := sets.Make[TensorID]()
		for _, id := range g.Nodes[nodeIdx].TensorInputs() {
			if seen.Has(id) {
				continue
			}
			seen.Insert(id)
			deps[id] = append(deps[id], nodeIdx)
		}
	}
	return deps
}

// sortedNodes returns the node indices in topological order: a node comes after the
// producers of all its inputs.
//
// It fails if the graph has a cycle.
func (g *Graph) sortedNodes() ([]int, error) {
	consumers := g.consumers()

	// Number of input tensors still waiting on a producer, per node.
	pending := make([]int, len(g.Nodes))
	for nodeIdx := range g.Nodes {
		seen := sets.Make[TensorID]()
		for _, id := range g.Nodes[nodeIdx].TensorInputs() {
			if seen.Has(id) {
				continue
			}
			seen.Insert(id)
			if g.Tensors[id].Producer >= 0 {
				pending[nodeIdx]++
			}
		}
	}

	sorted := make([]int, 0, len(g.Nodes))
	var ready []int
	for nodeIdx, count := range pending {
		if count == 0 {
			ready = append(ready, nodeIdx)
		}
	}
	for len(ready) > 0 {
		nodeIdx := ready[0]
		ready = ready[1:]
		sorted = append(sorted, nodeIdx)
		for _, output := range g.Nodes[nodeIdx].Outputs {
			for _, dep := range consumers[output] {
				pending[dep]--
				if pending[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}
	if len(sorted) != len(g.Nodes) {
		var stuck []string
		for nodeIdx, count := range pending {
			if count > 0 {
				stuck = append(stuck, g.Nodes[nodeIdx].Name)
			}
		}
		slices.Sort(stuck)
		return nil, errors.Errorf("sorting graph failed: %d nodes out of %d are part of a cycle or depend on one: %q",
			len(g.Nodes)-len(sorted), len(g.Nodes), stuck)
	}
	return sorted, nil
}
