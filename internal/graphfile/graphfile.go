// Package graphfile reads graph descriptions in YAML, and traces them into a relprop.Graph.
//
// Example:
//
//	inputs:
//	  - {name: a, shape: [2], values: [1, 2]}
//	  - {name: b, shape: [2], values: [3, 4]}
//	nodes:
//	  - {name: c, op: add, inputs: [a, b]}
//	  - {name: d, op: reshape, inputs: [c], params: [[1, 2]]}
//	output: d
//	seed: [[2, 3]]
//
// Node inputs are tensor names, numbers (literal operands) or lists of tensor names (tuples, e.g. the
// tensors to concatenate). The call arguments of the node are its inputs followed by params, and
// kwargs are literal keyword arguments.
//
// The seed relevance is either given explicitly (seed), built from a target class of the output's last
// axis (target), or, if neither is given, the output value itself.
package graphfile

import (
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/relprop/internal/togomlx"
	"github.com/gomlx/relprop/relprop"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// File is a decoded graph description.
type File struct {
	Inputs []Input `yaml:"inputs"`
	Nodes  []Node  `yaml:"nodes"`
	Output string  `yaml:"output"`

	// Seed is a nested list of numbers shaped as the output.
	Seed any `yaml:"seed,omitempty"`

	// Target is the class (last axis position of the output) to explain.
	Target *int `yaml:"target,omitempty"`
}

// Input is a leaf tensor.
type Input struct {
	Name  string `yaml:"name"`
	DType string `yaml:"dtype,omitempty"`

	// Shape is optional if Values is a nested list. A single value is broadcast to the shape.
	Shape  []int `yaml:"shape,omitempty"`
	Values any   `yaml:"values"`
}

// Node is one operation.
type Node struct {
	Name   string         `yaml:"name"`
	Op     string         `yaml:"op"`
	Inputs []any          `yaml:"inputs"`
	Params []any          `yaml:"params,omitempty"`
	Kwargs map[string]any `yaml:"kwargs,omitempty"`
}

// Parse decodes a YAML graph description.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph description")
	}
	if len(f.Inputs) == 0 {
		return nil, errors.New("graph description has no inputs")
	}
	if f.Output == "" {
		return nil, errors.New("graph description has no output")
	}
	if f.Seed != nil && f.Target != nil {
		return nil, errors.New("graph description can't have both seed and target")
	}
	return &f, nil
}

// ReadFile reads and decodes a YAML graph description.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph description from %q", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	return f, nil
}

// Build traces the described graph on backend, and returns it along with the seed relevance of its output.
func (f *File) Build(backend relprop.Backend) (g *relprop.Graph, seed *tensors.Tensor, err error) {
	g = relprop.NewGraph()
	for _, input := range f.Inputs {
		var value *tensors.Tensor
		value, err = input.tensor()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "input %q", input.Name)
		}
		if _, found := g.LookupTensor(input.Name); found {
			return nil, nil, errors.Errorf("input %q defined more than once", input.Name)
		}
		g.AddLeaf(input.Name, value)
	}
	for _, node := range f.Nodes {
		if err = f.apply(backend, g, node); err != nil {
			return nil, nil, err
		}
	}

	output, found := g.LookupTensor(f.Output)
	if !found {
		return nil, nil, errors.Errorf("output %q is not a tensor of the graph", f.Output)
	}
	g.SetOutput(output)
	if err = g.Validate(); err != nil {
		return nil, nil, err
	}
	seed, err = f.seed(backend, g.Tensor(output))
	if err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("graphfile: built graph with %d inputs and %d nodes, output %q %s",
		len(f.Inputs), len(f.Nodes), f.Output, g.Shape(output))
	return g, seed, nil
}

func (input Input) tensor() (*tensors.Tensor, error) {
	values, dims, err := togomlx.Nested(input.Values)
	if err != nil {
		return nil, err
	}
	if input.Shape != nil || len(values) == 1 {
		dims = input.Shape
	}
	shape, err := togomlx.Shape(input.DType, dims)
	if err != nil {
		return nil, err
	}
	return togomlx.Tensor(shape, values)
}

func (f *File) apply(backend relprop.Backend, g *relprop.Graph, spec Node) error {
	op, err := relprop.ParseOpType(spec.Op)
	if err != nil {
		return errors.WithMessagef(err, "node %q", spec.Name)
	}
	if spec.Name == "" {
		return errors.Errorf("node with operator %q has no name", spec.Op)
	}
	node := relprop.GraphNode{Name: spec.Name, Op: op}
	for ii, ref := range spec.Inputs {
		value, err := resolveInput(g, ref)
		if err != nil {
			return errors.WithMessagef(err, "node %q input #%d", spec.Name, ii)
		}
		node.Inputs = append(node.Inputs, value)
	}
	node.Args = append(node.Args, node.Inputs...)
	for _, param := range spec.Params {
		node.Args = append(node.Args, relprop.Literal(param))
	}
	if len(spec.Kwargs) > 0 {
		node.Kwargs = make(map[string]relprop.Value, len(spec.Kwargs))
		for key, v := range spec.Kwargs {
			node.Kwargs[key] = relprop.Literal(v)
		}
	}
	if _, found := g.LookupTensor(spec.Name); found {
		return errors.Errorf("node %q: name already used", spec.Name)
	}
	_, err = g.Apply(backend, node)
	return err
}

// resolveInput converts a node input reference: a tensor name, a list of tensor names (tuple) or a number.
func resolveInput(g *relprop.Graph, ref any) (relprop.Value, error) {
	switch v := ref.(type) {
	case string:
		id, found := g.LookupTensor(v)
		if !found {
			return relprop.Value{}, errors.Errorf("unknown tensor %q", v)
		}
		return relprop.TensorValue(id), nil
	case []any:
		ids := make([]relprop.TensorID, len(v))
		for ii, e := range v {
			name, ok := e.(string)
			if !ok {
				return relprop.Value{}, errors.Errorf("tuple elements must be tensor names, got %#v", e)
			}
			id, found := g.LookupTensor(name)
			if !found {
				return relprop.Value{}, errors.Errorf("unknown tensor %q", name)
			}
			ids[ii] = id
		}
		return relprop.TupleValue(ids...), nil
	case int, float64:
		return relprop.Literal(v), nil
	}
	return relprop.Value{}, errors.Errorf("invalid input reference %#v", ref)
}

func (f *File) seed(backend relprop.Backend, output *tensors.Tensor) (*tensors.Tensor, error) {
	switch {
	case f.Target != nil:
		return relprop.SeedFromTarget(backend, output, *f.Target)
	case f.Seed != nil:
		values, dims, err := togomlx.Nested(f.Seed)
		if err != nil {
			return nil, errors.WithMessage(err, "seed")
		}
		shape := output.Shape()
		if len(values) != 1 && !slices.Equal(dims, shape.Dimensions) {
			return nil, errors.Errorf("seed with dimensions %v doesn't match output shaped %s", dims, shape)
		}
		seed, err := togomlx.Tensor(shape, values)
		if err != nil {
			return nil, errors.WithMessage(err, "seed")
		}
		return seed, nil
	default:
		return output, nil
	}
}
