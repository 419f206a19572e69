package relprop

import (
	"math"

	"github.com/gomlx/exceptions"
)

// This file holds helpers to read the call arguments (GraphNode.Args and GraphNode.Kwargs)
// recorded by the tracer.
//
// They follow the torch calling conventions: parameters may be given as keyword arguments,
// as a single positional list, or as trailing positional ints.

// kwarg returns the keyword argument with the given name.
func (n *GraphNode) kwarg(name string) (Value, bool) {
	if n.Kwargs == nil {
		return Value{}, false
	}
	v, found := n.Kwargs[name]
	return v, found
}

// positionalArgs returns the positional arguments after the operand, with the convention used by
// Unsqueeze's relevance rule: if the operand was given as kwarg "input", Args holds only parameters,
// otherwise Args[0] is the operand and it is dropped.
func (n *GraphNode) positionalArgs() []Value {
	if _, found := n.kwarg("input"); found {
		return n.Args
	}
	if len(n.Args) == 0 {
		return nil
	}
	return n.Args[1:]
}

// toInt converts a literal to int, if it holds an integer number.
func toInt(literal any) (int, bool) {
	switch v := literal.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case float32:
		if float64(v) == math.Trunc(float64(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// toInts converts a literal list (or single int) to []int.
func toInts(literal any) ([]int, bool) {
	switch v := literal.(type) {
	case []int:
		return v, true
	case []int64:
		return sliceMap(v, func(x int64) int { return int(x) }), true
	case []any:
		ints := make([]int, len(v))
		for ii, e := range v {
			var ok bool
			ints[ii], ok = toInt(e)
			if !ok {
				return nil, false
			}
		}
		return ints, true
	}
	if x, ok := toInt(literal); ok {
		return []int{x}, true
	}
	return nil, false
}

// toFloat converts a numeric literal to float64.
func toFloat(literal any) (float64, bool) {
	switch v := literal.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	if x, ok := toInt(literal); ok {
		return float64(x), true
	}
	return 0, false
}

// intArgOr returns the integer parameter given as kwarg kw, or at Args[pos], or defaultValue if neither
// is present. It panics if the argument is present but not an integer.
func (n *GraphNode) intArgOr(pos int, kw string, defaultValue int) int {
	v, found := n.kwarg(kw)
	if !found {
		if pos >= len(n.Args) {
			return defaultValue
		}
		v = n.Args[pos]
	}
	if v.Kind != ValueLiteral {
		exceptions.Panicf("%s: argument %q must be an integer literal, got a tensor", n, kw)
	}
	x, ok := toInt(v.Literal)
	if !ok {
		exceptions.Panicf("%s: argument %q must be an integer, got %#v", n, kw, v.Literal)
	}
	return x
}

// intsArg returns a list of integers given as kwarg kw, or as a single list at Args[start], or as the
// trailing ints Args[start:]. It returns nil if none is given.
func (n *GraphNode) intsArg(start int, kw string) []int {
	if v, found := n.kwarg(kw); found {
		ints, ok := toInts(v.Literal)
		if v.Kind != ValueLiteral || !ok {
			exceptions.Panicf("%s: argument %q must be a list of integers, got %#v", n, kw, v.Literal)
		}
		return ints
	}
	if start >= len(n.Args) {
		return nil
	}
	if len(n.Args) == start+1 {
		if v := n.Args[start]; v.Kind == ValueLiteral {
			if ints, ok := toInts(v.Literal); ok {
				return ints
			}
		}
	}
	ints := make([]int, 0, len(n.Args)-start)
	for _, v := range n.Args[start:] {
		x, ok := toInt(v.Literal)
		if v.Kind != ValueLiteral || !ok {
			exceptions.Panicf("%s: argument %q must be given as integers, got %#v", n, kw, v.Literal)
		}
		ints = append(ints, x)
	}
	return ints
}

// stringArgOr returns the string parameter given as kwarg kw or at Args[pos], or defaultValue.
func (n *GraphNode) stringArgOr(pos int, kw string, defaultValue string) string {
	v, found := n.kwarg(kw)
	if !found {
		if pos >= len(n.Args) {
			return defaultValue
		}
		v = n.Args[pos]
	}
	s, ok := v.Literal.(string)
	if v.Kind != ValueLiteral || !ok {
		exceptions.Panicf("%s: argument %q must be a string, got %#v", n, kw, v.Literal)
	}
	return s
}

// adjustAxis converts a negative axis to its positive equivalent for the given rank, and panics with a
// ShapeMismatchError if it is out of range.
func (n *GraphNode) adjustAxis(axis, rank int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		shapeMismatchf(n, "axis %d out of range for rank %d", axis, rank)
	}
	return adjusted
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
