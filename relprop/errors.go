package relprop

import (
	"fmt"
)

// UnsupportedOperatorError is returned when a node's operator has no registered rule
// and the Engine has no fallback rule configured.
type UnsupportedOperatorError struct {
	Node string
	Op   OpType
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("no relevance rule registered for operator %q (node %q) and no fallback configured", e.Op, e.Node)
}

// ShapeMismatchError is returned when a rule's inverse shape computation (permutation, reshape target,
// scatter index, ...) does not agree with the shapes recorded for the node.
//
// It usually means the graph was traced with arguments the rule doesn't understand, and it is
// never coerced away.
type ShapeMismatchError struct {
	Node string
	Msg  string
}

func (e *ShapeMismatchError) Error() string {
	if e.Node == "" {
		return "shape mismatch: " + e.Msg
	}
	return fmt.Sprintf("shape mismatch in node %q: %s", e.Node, e.Msg)
}

// shapeMismatchf panics with a *ShapeMismatchError. It is used while building the GoMLX graph of a
// rule, where errors are thrown as exceptions and caught by the Engine.
func shapeMismatchf(node *GraphNode, format string, args ...any) {
	var name string
	if node != nil {
		name = node.Name
	}
	panic(&ShapeMismatchError{Node: name, Msg: fmt.Sprintf(format, args...)})
}

// NumericalInstabilityWarning reports that SafeDivide suppressed Count divisions by zero while
// propagating relevance through Node.
//
// It is not an error: zero denominators are expected at dead activations, and the suppressed
// quotients are set to zero.
type NumericalInstabilityWarning struct {
	Node  string
	Op    OpType
	Count int64
}

func (w NumericalInstabilityWarning) String() string {
	return fmt.Sprintf("node %q (%s): %d division(s) by zero suppressed", w.Node, w.Op, w.Count)
}
