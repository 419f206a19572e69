package trace

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/relprop/relprop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tr := New(backend)
	x := tr.Input("x", [][]float32{{1, -2, 3}, {-4, 5, -6}})
	h := tr.ReLU(x)
	h = tr.Named("scaled").Mul(h, 2)
	flat := tr.Flatten(h, 0, -1)
	first := tr.Index(flat, "1:5:2")
	out := tr.Cat(0, first, tr.Reshape(tr.Permute(tr.Unsqueeze(first, 0), 1, 0), 2))
	g, err := tr.Finish(out)
	require.NoError(t, err)

	assert.Equal(t, [][]float32{{2, 0, 6}, {0, 10, 0}}, tr.Value(h).Value())
	assert.Equal(t, []float32{0, 0}, tr.Value(first).Value())
	assert.Equal(t, []int{4}, g.Shape(out).Dimensions)

	// Node names default to the operator name, with a counter.
	names := make([]string, len(g.Nodes))
	for ii, node := range g.Nodes {
		names[ii] = node.Name
	}
	assert.Equal(t, []string{"relu", "scaled", "flatten", "getitem", "unsqueeze", "permute", "reshape", "cat"}, names)
	assert.Equal(t, out, g.Output)
	id, found := g.LookupTensor("scaled")
	require.True(t, found)
	assert.Equal(t, h, id)
	assert.Contains(t, g.String(), `"scaled"`)
}

func TestTracerOperators(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tr := New(backend)
	a := tr.Input("a", [][]float32{{1, 2}, {3, 4}})
	b := tr.Input("b", tensors.FromValue([]float32{10, 20}))

	tests := []struct {
		name string
		id   relprop.TensorID
		want any
	}{
		{"add broadcast", tr.Add(a, b), [][]float32{{11, 22}, {13, 24}}},
		{"sub literal", tr.Sub(a, 1), [][]float32{{0, 1}, {2, 3}}},
		{"div", tr.Div(b, a), [][]float32{{10, 10}, {10.0 / 3.0, 5}}},
		{"floordiv", tr.FloorDiv(b, 3), []float32{3, 6}},
		{"matmul", tr.MatMul(a, a), [][]float32{{7, 10}, {15, 22}}},
		{"repeat", tr.Repeat(b, 2, 2), [][]float32{{10, 20, 10, 20}, {10, 20, 10, 20}}},
		{"expand", tr.Expand(b, 2, -1), [][]float32{{10, 20}, {10, 20}}},
		{"transpose", tr.Attr(a, "T"), [][]float32{{1, 3}, {2, 4}}},
		{"tuple item", tr.Item([]relprop.TensorID{a, b}, 1), []float32{10, 20}},
	}
	require.NoError(t, tr.Err())
	for _, tt := range tests {
		assert.InDeltaSlicef(t, flatten(t, tt.want), tensors.MustCopyFlatData[float32](tr.Value(tt.id)), 1e-5, "%s", tt.name)
	}

	gelu := tensors.MustCopyFlatData[float32](tr.Value(tr.GELU(a)))
	assert.InDelta(t, 0.841345, gelu[0], 1e-4)
	tanh := tensors.MustCopyFlatData[float32](tr.Value(tr.Tanh(b)))
	assert.InDelta(t, 1.0, tanh[0], 1e-4)
}

func flatten(t *testing.T, value any) []float32 {
	return tensors.MustCopyFlatData[float32](tensors.FromAnyValue(value))
}

func TestTracerErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	tr := New(backend)
	x := tr.Input("x", []float32{1, 2, 3})
	y := tr.Permute(x, 1, 0)
	assert.Equal(t, relprop.NoTensor, y)
	require.Error(t, tr.Err())
	// Sticky: later operations are no-ops.
	assert.Equal(t, relprop.NoTensor, tr.ReLU(x))
	_, err := tr.Finish(x)
	require.Error(t, err)

	tr = New(backend)
	tr.Input("x", []float32{1})
	tr.Input("x", []float32{2})
	require.ErrorContains(t, tr.Err(), "more than once")

	tr = New(backend)
	tr.Input("x", struct{}{})
	require.Error(t, tr.Err())

	tr = New(backend)
	x = tr.Input("x", []float32{1, 2})
	tr.Index(x, "::-1")
	require.Error(t, tr.Err())
}
