package relprop

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// outputName is the name of the output #ii of a multi-output node.
func outputName(nodeName string, ii int) string {
	return fmt.Sprintf("%s#%d", nodeName, ii)
}

// String implements fmt.Stringer, with the node name and operator.
func (n *GraphNode) String() string {
	if n == nil {
		return "<nil node>"
	}
	return fmt.Sprintf("node %q (%s)", n.Name, n.Op)
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.Kind {
	case ValueTensor:
		return fmt.Sprintf("%%%d", v.Tensor)
	case ValueTuple:
		parts := sliceMap(v.Tuple, func(id TensorID) string { return fmt.Sprintf("%%%d", id) })
		return "(" + strings.Join(parts, ", ") + ")"
	default:
		return fmt.Sprintf("%v", v.Literal)
	}
}

// String implements fmt.Stringer, and pretty prints the graph: its tensors and nodes.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Relevance Graph:\n")
	w("\t# tensors:\t%d\n", len(g.Tensors))
	w("\t# nodes:\t%d\n", len(g.Nodes))
	opsSet := sets.Make[string]()
	for _, node := range g.Nodes {
		opsSet.Insert(node.Op.String())
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opsSet)))

	w("\tLeaves:\n")
	for _, id := range g.Leaves() {
		w("\t\t%%%d %q: %s\n", id, g.Tensors[id].Name, g.tensorShape(id))
	}
	w("\tNodes:\n")
	for _, node := range g.Nodes {
		inputs := sliceMap(node.Inputs, Value.String)
		outputs := sliceMap(node.Outputs, func(id TensorID) string {
			return fmt.Sprintf("%%%d %s", id, g.tensorShape(id))
		})
		w("\t\t%s = %s(%s)\t# %q\n", strings.Join(outputs, ", "), node.Op, strings.Join(inputs, ", "), node.Name)
	}
	if g.Output >= 0 && int(g.Output) < len(g.Tensors) {
		w("\tOutput:\t%%%d %q\n", g.Output, g.Tensors[g.Output].Name)
	} else {
		w("\tOutput:\tnot set\n")
	}
	return buf.String()
}

func (g *Graph) tensorShape(id TensorID) string {
	if id < 0 || int(id) >= len(g.Tensors) || g.Tensors[id].Value == nil {
		return "?"
	}
	return g.Tensors[id].Value.Shape().String()
}
