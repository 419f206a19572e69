// Package trace records relprop graphs with a typed API, executing each operation eagerly with GoMLX.
//
// Example:
//
//	tr := trace.New(backend)
//	a := tr.Input("a", []float32{1, 2})
//	b := tr.Input("b", []float32{3, 4})
//	g, err := tr.Finish(tr.Add(a, b))
//
// Errors are sticky: after the first failure all operations return relprop.NoTensor, and the error is
// returned by Finish (or Err).
package trace

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/relprop/relprop"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tracer records operations into a relprop.Graph.
type Tracer struct {
	backend relprop.Backend
	graph   *relprop.Graph
	err     error

	// nextName, if set, is used for the next recorded node.
	nextName string
	opCounts map[relprop.OpType]int
}

// New returns a Tracer that executes the operations on the given backend.
func New(backend relprop.Backend) *Tracer {
	return &Tracer{
		backend:  backend,
		graph:    relprop.NewGraph(),
		opCounts: make(map[relprop.OpType]int),
	}
}

// Err returns the first error that happened while tracing, if any.
func (t *Tracer) Err() error { return t.err }

// Graph returns the graph recorded so far.
func (t *Tracer) Graph() *relprop.Graph { return t.graph }

// Value returns the traced value of the tensor.
func (t *Tracer) Value(id relprop.TensorID) *tensors.Tensor {
	if t.err != nil || id < 0 || int(id) >= len(t.graph.Tensors) {
		return nil
	}
	return t.graph.Tensor(id)
}

// Named sets the name of the next recorded node (and its output tensor).
// By default nodes are named after their operator and a counter ("add", "add_1", ...).
func (t *Tracer) Named(name string) *Tracer {
	t.nextName = name
	return t
}

// Finish sets the graph output and returns the recorded graph, or the first tracing error.
func (t *Tracer) Finish(output relprop.TensorID) (*relprop.Graph, error) {
	if t.err != nil {
		return nil, t.err
	}
	t.graph.SetOutput(output)
	if err := t.graph.Validate(); err != nil {
		return nil, err
	}
	return t.graph, nil
}

// Input adds a leaf tensor. value can be a *tensors.Tensor, or any Go value accepted by
// tensors.FromAnyValue (a scalar or a multi-dimensional slice).
func (t *Tracer) Input(name string, value any) relprop.TensorID {
	if t.err != nil {
		return relprop.NoTensor
	}
	tensor, ok := value.(*tensors.Tensor)
	if !ok {
		var err error
		tensor, err = toTensor(value)
		if err != nil {
			t.err = errors.WithMessagef(err, "input %q", name)
			return relprop.NoTensor
		}
	}
	if _, found := t.graph.LookupTensor(name); found {
		t.err = errors.Errorf("input %q defined more than once", name)
		return relprop.NoTensor
	}
	return t.graph.AddLeaf(name, tensor)
}

func toTensor(value any) (tensor *tensors.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("can't convert %T to tensor: %v", value, r)
		}
	}()
	return tensors.FromAnyValue(value), nil
}

// operand converts an argument to a node Value: a relprop.TensorID refers to a traced tensor, anything
// else is a literal.
func operand(x any) relprop.Value {
	if id, ok := x.(relprop.TensorID); ok {
		return relprop.TensorValue(id)
	}
	return relprop.Literal(x)
}

// record applies a node: inputs are the node data operands and args the call arguments.
func (t *Tracer) record(op relprop.OpType, inputs []relprop.Value, args []relprop.Value, kwargs map[string]relprop.Value) relprop.TensorID {
	if t.err != nil {
		return relprop.NoTensor
	}
	name := t.nextName
	t.nextName = ""
	if name == "" {
		name = op.String()
		if count := t.opCounts[op]; count > 0 {
			name = fmt.Sprintf("%s_%d", name, count)
		}
		t.opCounts[op]++
	}
	node := relprop.GraphNode{Name: name, Op: op, Inputs: inputs, Args: args, Kwargs: kwargs}
	id, err := t.graph.Apply(t.backend, node)
	if err != nil {
		t.err = err
		return relprop.NoTensor
	}
	klog.V(3).Infof("trace: %s -> %s", name, t.graph.Shape(id))
	return id
}

// unary records an operation with a single tensor operand and extra positional arguments.
func (t *Tracer) unary(op relprop.OpType, x relprop.TensorID, params ...any) relprop.TensorID {
	args := []relprop.Value{relprop.TensorValue(x)}
	for _, p := range params {
		args = append(args, relprop.Literal(p))
	}
	return t.record(op, []relprop.Value{relprop.TensorValue(x)}, args, nil)
}

// binary records an arithmetic operation: each operand is a relprop.TensorID or a numeric literal.
func (t *Tracer) binary(op relprop.OpType, a, b any) relprop.TensorID {
	operands := []relprop.Value{operand(a), operand(b)}
	return t.record(op, operands, operands, nil)
}

// Add records a + b, with broadcasting. Either operand may be a number.
func (t *Tracer) Add(a, b any) relprop.TensorID { return t.binary(relprop.OpAdd, a, b) }

// Sub records a - b.
func (t *Tracer) Sub(a, b any) relprop.TensorID { return t.binary(relprop.OpSub, a, b) }

// Mul records a * b.
func (t *Tracer) Mul(a, b any) relprop.TensorID { return t.binary(relprop.OpMul, a, b) }

// Div records a / b. It has no default relevance rule.
func (t *Tracer) Div(a, b any) relprop.TensorID { return t.binary(relprop.OpDiv, a, b) }

// FloorDiv records floor(a / b).
func (t *Tracer) FloorDiv(a, b any) relprop.TensorID { return t.binary(relprop.OpFloorDiv, a, b) }

// MatMul records the matrix multiplication of a and b. It has no default relevance rule.
func (t *Tracer) MatMul(a, b relprop.TensorID) relprop.TensorID { return t.binary(relprop.OpMatMul, a, b) }

// ReLU records max(x, 0).
func (t *Tracer) ReLU(x relprop.TensorID) relprop.TensorID { return t.unary(relprop.OpReLU, x) }

// GELU records the exact GELU of x.
func (t *Tracer) GELU(x relprop.TensorID) relprop.TensorID { return t.unary(relprop.OpGELU, x) }

// GELUTanh records the tanh approximation of GELU.
func (t *Tracer) GELUTanh(x relprop.TensorID) relprop.TensorID {
	return t.record(relprop.OpGELU, []relprop.Value{relprop.TensorValue(x)},
		[]relprop.Value{relprop.TensorValue(x)},
		map[string]relprop.Value{"approximate": relprop.Literal("tanh")})
}

// Tanh records tanh(x). It has no default relevance rule.
func (t *Tracer) Tanh(x relprop.TensorID) relprop.TensorID { return t.unary(relprop.OpTanh, x) }

// Flatten merges the axes from startDim to endDim (inclusive, negative values count from the end).
func (t *Tracer) Flatten(x relprop.TensorID, startDim, endDim int) relprop.TensorID {
	return t.unary(relprop.OpFlatten, x, startDim, endDim)
}

// Reshape records x reshaped to dims, where one dimension may be -1.
func (t *Tracer) Reshape(x relprop.TensorID, dims ...int) relprop.TensorID {
	return t.unary(relprop.OpReshape, x, dims)
}

// Cat records the concatenation of xs along axis.
func (t *Tracer) Cat(axis int, xs ...relprop.TensorID) relprop.TensorID {
	seq := relprop.TupleValue(xs...)
	return t.record(relprop.OpConcat, []relprop.Value{seq}, []relprop.Value{seq, relprop.Literal(axis)}, nil)
}

// Repeat tiles x repeats[i] times along each axis i.
func (t *Tracer) Repeat(x relprop.TensorID, repeats ...int) relprop.TensorID {
	return t.unary(relprop.OpRepeat, x, repeats)
}

// Expand broadcasts the axes of dimension 1 of x to sizes (-1 keeps the dimension).
func (t *Tracer) Expand(x relprop.TensorID, sizes ...int) relprop.TensorID {
	return t.unary(relprop.OpExpand, x, sizes)
}

// Index records x[index], with index in Python syntax, e.g. "0, 1:3, ::2" or "..., -1".
func (t *Tracer) Index(x relprop.TensorID, index string) relprop.TensorID {
	if t.err != nil {
		return relprop.NoTensor
	}
	spec, err := relprop.ParseIndex(index)
	if err != nil {
		t.err = err
		return relprop.NoTensor
	}
	return t.unary(relprop.OpGetItem, x, spec)
}

// Item records the selection of element pos of a tuple of tensors.
func (t *Tracer) Item(tuple []relprop.TensorID, pos int) relprop.TensorID {
	seq := relprop.TupleValue(tuple...)
	return t.record(relprop.OpGetItem, []relprop.Value{seq}, []relprop.Value{seq, relprop.Literal(pos)}, nil)
}

// Unsqueeze inserts an axis of dimension 1 at dim.
func (t *Tracer) Unsqueeze(x relprop.TensorID, dim int) relprop.TensorID {
	return t.unary(relprop.OpUnsqueeze, x, dim)
}

// Permute records x with its axes permuted.
func (t *Tracer) Permute(x relprop.TensorID, dims ...int) relprop.TensorID {
	return t.unary(relprop.OpPermute, x, dims)
}

// Attr records the access to a tensor attribute: "data", "T" or "mT".
func (t *Tracer) Attr(x relprop.TensorID, name string) relprop.TensorID {
	return t.unary(relprop.OpGetAttr, x, name)
}
