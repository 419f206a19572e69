package relprop

import (
	"strings"

	"github.com/pkg/errors"
)

// OpType enumerates the operator kinds a GraphNode can hold.
//
// The set is closed: the tracer only records these kinds, and the Engine dispatches
// relevance rules on them.
type OpType int

const (
	// OpUnknown is the zero value, never a valid node operator.
	OpUnknown OpType = iota

	OpReLU
	OpGELU
	OpAdd
	OpSub
	OpMul
	OpFloorDiv
	OpFlatten
	OpReshape
	OpConcat
	OpRepeat
	OpExpand
	OpGetItem
	OpUnsqueeze
	OpPermute
	OpGetAttr

	// Ops below have a forward implementation but no default relevance rule.
	// Propagating through them requires Engine.WithRule or Engine.WithFallback.

	OpDiv
	OpMatMul
	OpTanh

	numOpTypes
)

var opTypeNames = [numOpTypes]string{
	OpUnknown:   "unknown",
	OpReLU:      "relu",
	OpGELU:      "gelu",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpFloorDiv:  "floordiv",
	OpFlatten:   "flatten",
	OpReshape:   "reshape",
	OpConcat:    "cat",
	OpRepeat:    "repeat",
	OpExpand:    "expand",
	OpGetItem:   "getitem",
	OpUnsqueeze: "unsqueeze",
	OpPermute:   "permute",
	OpGetAttr:   "getattr",
	OpDiv:       "div",
	OpMatMul:    "matmul",
	OpTanh:      "tanh",
}

// opTypeAliases holds alternative spellings accepted by ParseOpType.
var opTypeAliases = map[string]OpType{
	"subtract":     OpSub,
	"multiply":     OpMul,
	"floor_divide": OpFloorDiv,
	"concat":       OpConcat,
	"concatenate":  OpConcat,
	"view":         OpReshape,
	"transpose":    OpPermute,
	"getattribute": OpGetAttr,
	"truediv":      OpDiv,
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op >= numOpTypes {
		return "invalid"
	}
	return opTypeNames[op]
}

// IsValid returns whether op is one of the enumerated operators (OpUnknown excluded).
func (op OpType) IsValid() bool {
	return op > OpUnknown && op < numOpTypes
}

// OpTypes returns all valid operator kinds.
func OpTypes() []OpType {
	ops := make([]OpType, 0, numOpTypes-1)
	for op := OpUnknown + 1; op < numOpTypes; op++ {
		ops = append(ops, op)
	}
	return ops
}

// ParseOpType converts an operator name (case-insensitive, e.g. "add", "Reshape", "cat") to its OpType.
func ParseOpType(name string) (OpType, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for op := OpUnknown + 1; op < numOpTypes; op++ {
		if opTypeNames[op] == key {
			return op, nil
		}
	}
	if op, found := opTypeAliases[key]; found {
		return op, nil
	}
	return OpUnknown, errors.Errorf("unknown operator %q", name)
}
