package relprop

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine propagates relevance backwards through traced graphs.
//
// It holds the rule registry and the configuration: create it with New and configure it with the
// With* methods before use. Once configured, an Engine can be used by concurrent propagations.
type Engine struct {
	backend Backend
	rules   map[OpType]Rule

	// fallback is used for operators without a registered rule, if not nil.
	fallback Rule

	diff          Differentiator
	onInstability func(NumericalInstabilityWarning)

	traceConservation bool
}

// New returns an Engine that executes the rules on the given backend, with the DefaultRules.
func New(backend Backend) *Engine {
	return &Engine{
		backend: backend,
		rules:   DefaultRules(),
		diff:    AutoDiff{},
	}
}

// Backend used to execute the rules.
func (e *Engine) Backend() Backend { return e.backend }

// WithRule registers the rule for the operator, replacing the previous one. A nil rule removes
// the registration. It returns the Engine itself, so configuration calls can be chained.
func (e *Engine) WithRule(op OpType, rule Rule) *Engine {
	if rule == nil {
		delete(e.rules, op)
	} else {
		e.rules[op] = rule
	}
	return e
}

// WithFallback sets the rule used for operators with no registered rule. By default there is none,
// and Propagate fails with UnsupportedOperatorError.
func (e *Engine) WithFallback(rule Rule) *Engine {
	e.fallback = rule
	return e
}

// WithDifferentiator replaces the autodiff capability used by the gradient based rules. The default is AutoDiff.
func (e *Engine) WithDifferentiator(diff Differentiator) *Engine {
	e.diff = diff
	return e
}

// WithAddSplitPolicy sets the policy of the AddRule currently registered for addition and subtraction.
// The default is SplitUnnormalized.
//
// Rules registered afterwards with WithRule are used as given.
func (e *Engine) WithAddSplitPolicy(policy AddSplitPolicy) *Engine {
	for _, op := range []OpType{OpAdd, OpSub} {
		if addRule, ok := e.rules[op].(AddRule); ok {
			addRule.Policy = policy
			e.rules[op] = addRule
		}
	}
	return e
}

// WithInstabilityHandler sets a function called with every NumericalInstabilityWarning, as they happen.
// It may be called concurrently by PropagateBatch.
func (e *Engine) WithInstabilityHandler(handler func(NumericalInstabilityWarning)) *Engine {
	e.onInstability = handler
	return e
}

// WithConservationTrace enables recording the total relevance entering and leaving each node
// (Result.Conservation), also logged with klog.V(2).
func (e *Engine) WithConservationTrace() *Engine {
	e.traceConservation = true
	return e
}

// Rule returns the rule that will be used for the operator: the registered one or the fallback.
func (e *Engine) Rule(op OpType) (Rule, bool) {
	if rule, found := e.rules[op]; found {
		return rule, true
	}
	return e.fallback, e.fallback != nil
}

// ConservationRecord is the total relevance that entered and left one node.
type ConservationRecord struct {
	Node    string
	Op      OpType
	In, Out float64
}

// Result of a propagation.
type Result struct {
	// Relevance holds one relevance tensor per leaf input of the graph, shaped like the leaf.
	Relevance map[TensorID]*tensors.Tensor

	// Warnings lists the nodes where divisions by zero were suppressed.
	Warnings []NumericalInstabilityWarning

	// Conservation is only filled if the Engine was configured WithConservationTrace, in processing order.
	Conservation []ConservationRecord

	graph *Graph
}

// ByName returns the relevance keyed by the leaf tensor names.
func (r *Result) ByName() map[string]*tensors.Tensor {
	byName := make(map[string]*tensors.Tensor, len(r.Relevance))
	for id, rel := range r.Relevance {
		byName[r.graph.Tensors[id].Name] = rel
	}
	return byName
}

// Leaves returns the leaf ids of the result, sorted.
func (r *Result) Leaves() []TensorID {
	ids := make([]TensorID, 0, len(r.Relevance))
	for id := range r.Relevance {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Propagate redistributes seed, the relevance of the graph output, back to every leaf input of g.
//
// Nodes are processed in reverse topological order, so a node runs only after all its consumers.
// The relevance a tensor receives from several consumers is summed. Nodes whose outputs received no
// relevance are skipped, and leaves never reached get a zero relevance.
//
// Errors are returned for invalid graphs, seeds not shaped as the output (*ShapeMismatchError),
// operators without a rule (*UnsupportedOperatorError) and rules inconsistent with the recorded shapes
// (*ShapeMismatchError). A cancelled ctx aborts the traversal between nodes, and no partial result is returned.
func (e *Engine) Propagate(ctx context.Context, seed *tensors.Tensor, g *Graph) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid graph")
	}
	order, err := g.sortedNodes()
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return nil, errors.New("seed relevance is nil")
	}
	outputShape := g.Shape(g.Output)
	if !seed.Shape().Equal(outputShape) {
		return nil, &ShapeMismatchError{
			Node: g.Tensors[g.Output].Name,
			Msg:  fmt.Sprintf("seed relevance shaped %s, but graph output shaped %s", seed.Shape(), outputShape),
		}
	}
	start := time.Now()
	klog.V(1).Infof("relprop: propagating relevance over %d nodes, %d tensors, output %q %s",
		len(g.Nodes), len(g.Tensors), g.Tensors[g.Output].Name, outputShape)

	result := &Result{graph: g}
	contributions := make(map[TensorID][]*tensors.Tensor)
	contributions[g.Output] = []*tensors.Tensor{seed}
	for ii := len(order) - 1; ii >= 0; ii-- {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "relevance propagation interrupted")
		}
		node := &g.Nodes[order[ii]]
		reached := slices.ContainsFunc(node.Outputs, func(id TensorID) bool { return len(contributions[id]) > 0 })
		if !reached {
			klog.V(2).Infof("relprop: skipping %s, no relevance reached its outputs", node)
			continue
		}
		rule, found := e.Rule(node.Op)
		if !found {
			return nil, &UnsupportedOperatorError{Node: node.Name, Op: node.Op}
		}
		step, err := e.relprop(rule, node, g, contributions)
		if err != nil {
			return nil, errors.WithMessagef(err, "while propagating relevance through %s", node)
		}
		for jj, id := range node.TensorInputs() {
			if step.inputs[jj] != nil {
				contributions[id] = append(contributions[id], step.inputs[jj])
			}
		}
		for _, id := range node.Outputs {
			delete(contributions, id)
		}
		if step.zeroCount > 0 {
			e.warn(result, NumericalInstabilityWarning{Node: node.Name, Op: node.Op, Count: step.zeroCount})
		}
		if e.traceConservation {
			record := ConservationRecord{Node: node.Name, Op: node.Op, In: step.totalIn, Out: step.totalOut}
			klog.V(2).Infof("relprop: %s relevance in=%g out=%g", node, record.In, record.Out)
			result.Conservation = append(result.Conservation, record)
		}
	}

	result.Relevance = make(map[TensorID]*tensors.Tensor)
	for _, id := range g.Leaves() {
		values := contributions[id]
		if len(values) == 0 {
			result.Relevance[id] = tensors.FromShape(g.Shape(id))
			continue
		}
		total, err := sumTensors(e.backend, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "leaf %q", g.Tensors[id].Name)
		}
		result.Relevance[id] = total
	}
	klog.V(1).Infof("relprop: relevance propagated to %d leaves in %s (%d warnings)",
		len(result.Relevance), time.Since(start), len(result.Warnings))
	return result, nil
}

func (e *Engine) warn(result *Result, warning NumericalInstabilityWarning) {
	klog.Warningf("relprop: numerical instability: %s", warning)
	result.Warnings = append(result.Warnings, warning)
	if e.onInstability != nil {
		e.onInstability(warning)
	}
}

// relpropStep holds the outcome of running a rule for one node.
type relpropStep struct {
	// inputs relevance, one per tensor input, nil if the rule returned none.
	inputs []*tensors.Tensor

	zeroCount         int64
	totalIn, totalOut float64
}

// relprop runs the rule of one node in a GoMLX computation.
//
// The computation takes as parameters: the relevance contributions of each output, the tensor inputs
// and the outputs. It returns the relevance of each input the rule attributed some, the number of
// suppressed divisions by zero and optionally the relevance totals.
func (e *Engine) relprop(rule Rule, node *GraphNode, g *Graph, contributions map[TensorID][]*tensors.Tensor) (*relpropStep, error) {
	inputIDs := node.TensorInputs()
	numContribs := make([]int, len(node.Outputs))
	var args []*tensors.Tensor
	for ii, id := range node.Outputs {
		numContribs[ii] = len(contributions[id])
		args = append(args, contributions[id]...)
	}
	for _, id := range inputIDs {
		args = append(args, g.Tensor(id))
	}
	for _, id := range node.Outputs {
		args = append(args, g.Tensor(id))
	}

	// Which inputs got a relevance, set while building the computation.
	attributed := make([]bool, len(inputIDs))
	outputs, err := execute(e.backend, func(params []*Node) []*Node {
		next := 0
		take := func(n int) []*Node {
			taken := params[next : next+n]
			next += n
			return taken
		}
		contribs := make([][]*Node, len(node.Outputs))
		for ii := range node.Outputs {
			contribs[ii] = take(numContribs[ii])
		}
		inputs := take(len(inputIDs))
		nodeOutputs := take(len(node.Outputs))
		rel := make([]*Node, len(node.Outputs))
		for ii := range rel {
			if numContribs[ii] == 0 {
				rel[ii] = graph.ZerosLike(nodeOutputs[ii])
			} else {
				rel[ii] = sumAll(contribs[ii])
			}
		}

		call := &Call{
			Node:    node,
			Rel:     rel,
			Inputs:  inputs,
			Outputs: nodeOutputs,
			Forward: forwardFor(node),
			Diff:    e.diff,
		}
		inputRels := rule.Relprop(call)
		if len(inputRels) != len(inputs) {
			shapeMismatchf(node, "rule returned %d relevance values for %d tensor inputs", len(inputRels), len(inputs))
		}
		var results []*Node
		for ii, r := range inputRels {
			if r == nil {
				continue
			}
			if !slices.Equal(r.Shape().Dimensions, inputs[ii].Shape().Dimensions) {
				shapeMismatchf(node, "relevance of input #%d shaped %s, but input shaped %s", ii, r.Shape(), inputs[ii].Shape())
			}
			if r.DType() != inputs[ii].DType() {
				r = graph.ConvertDType(r, inputs[ii].DType())
			}
			attributed[ii] = true
			results = append(results, r)
		}

		builder := params[0].Graph()
		zeroCount := graph.Scalar(builder, dtypes.Int64, 0)
		if len(call.zeroCounts) > 0 {
			zeroCount = sumAll(call.zeroCounts)
		}
		results = append(results, zeroCount)
		if e.traceConservation {
			total := func(values []*Node) *Node {
				sum := graph.Scalar(builder, dtypes.Float64, 0)
				for _, v := range values {
					if v != nil {
						sum = graph.Add(sum, graph.ReduceAllSum(graph.ConvertDType(v, dtypes.Float64)))
					}
				}
				return sum
			}
			results = append(results, total(rel), total(inputRels))
		}
		return results
	}, args...)
	if err != nil {
		return nil, err
	}

	step := &relpropStep{inputs: make([]*tensors.Tensor, len(inputIDs))}
	next := 0
	for ii, ok := range attributed {
		if ok {
			step.inputs[ii] = outputs[next]
			next++
		}
	}
	step.zeroCount = tensors.ToScalar[int64](outputs[next])
	next++
	if e.traceConservation {
		step.totalIn = tensors.ToScalar[float64](outputs[next])
		step.totalOut = tensors.ToScalar[float64](outputs[next+1])
	}
	return step, nil
}

// SeedFromTarget returns a seed relevance for the graph output: zero everywhere, except at the
// class target of the last axis, where it holds the output value (e.g. the logit of the explained class).
//
// It is the usual way to explain one prediction.
func SeedFromTarget(backend Backend, output *tensors.Tensor, target int) (*tensors.Tensor, error) {
	shape := output.Shape()
	if shape.Rank() == 0 {
		return nil, errors.Errorf("SeedFromTarget requires an output with at least one axis, got %s", shape)
	}
	numClasses := shape.Dimensions[shape.Rank()-1]
	if target < 0 || target >= numClasses {
		return nil, errors.Errorf("target class %d out of range for output shaped %s", target, shape)
	}
	outputs, err := execute(backend, func(params []*Node) []*Node {
		logits := params[0]
		classes := graph.Iota(logits.Graph(), shapes.Make(dtypes.Int64, shape.Dimensions...), shape.Rank()-1)
		isTarget := graph.Equal(classes, graph.Scalar(logits.Graph(), dtypes.Int64, target))
		return []*Node{graph.Where(isTarget, logits, graph.ZerosLike(logits))}
	}, output)
	if err != nil {
		return nil, errors.WithMessage(err, "while building seed relevance")
	}
	return outputs[0], nil
}
