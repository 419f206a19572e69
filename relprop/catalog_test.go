package relprop_test

import (
	"context"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/relprop/relprop"
	"github.com/gomlx/relprop/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// explain finishes the traced graph at output, propagates seed (a *tensors.Tensor or any Go value
// accepted by tensors.FromAnyValue) and returns the flat relevance of each leaf, by name.
func explain(t *testing.T, engine *relprop.Engine, tr *trace.Tracer, output relprop.TensorID, seed any) (map[string][]float32, *relprop.Result) {
	t.Helper()
	g, err := tr.Finish(output)
	require.NoError(t, err)
	seedTensor, ok := seed.(*tensors.Tensor)
	if !ok {
		seedTensor = tensors.FromAnyValue(seed)
	}
	result, err := engine.Propagate(context.Background(), seedTensor, g)
	require.NoError(t, err)
	require.Len(t, result.Relevance, len(g.Leaves()))
	flat := make(map[string][]float32)
	for _, id := range g.Leaves() {
		rel := result.Relevance[id]
		require.NotNil(t, rel)
		require.Truef(t, rel.Shape().Equal(g.Shape(id)), "leaf %q shaped %s got relevance shaped %s",
			g.Tensors[id].Name, g.Shape(id), rel.Shape())
		flat[g.Tensors[id].Name] = tensors.MustCopyFlatData[float32](rel)
	}
	return flat, result
}

// iota returns a tensor with values start, start+1, ... with the given dimensions.
func iota(start float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = start + float32(ii)
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// permutations returns all the permutations of the axes 0..n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var perms [][]int
	for _, perm := range permutations(n - 1) {
		for pos := 0; pos <= len(perm); pos++ {
			p := make([]int, 0, n)
			p = append(p, perm[:pos]...)
			p = append(p, n-1)
			p = append(p, perm[pos:]...)
			perms = append(perms, p)
		}
	}
	return perms
}

func sum(values []float32) (total float32) {
	for _, v := range values {
		total += v
	}
	return
}

func TestEndToEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tr := trace.New(backend)
	a := tr.Input("a", []float32{1, 2})
	b := tr.Input("b", []float32{3, 4})
	c := tr.Named("c").Add(a, b)
	d := tr.Named("d").Reshape(c, 1, 2)
	require.Equal(t, []float32{4, 6}, tensors.MustCopyFlatData[float32](tr.Value(c)))

	engine := relprop.New(backend).WithConservationTrace()
	rel, result := explain(t, engine, tr, d, [][]float32{{2, 3}})
	assert.InDeltaSlice(t, []float32{0.5, 1}, rel["a"], 1e-6)
	assert.InDeltaSlice(t, []float32{1.5, 2}, rel["b"], 1e-6)
	for ii := range 2 {
		assert.InDelta(t, []float32{2, 3}[ii], rel["a"][ii]+rel["b"][ii], 1e-6)
		assert.Greater(t, rel["b"][ii], rel["a"][ii])
	}
	// The negative pass of the Add divides by zero on both positions.
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, relprop.NumericalInstabilityWarning{Node: "c", Op: relprop.OpAdd, Count: 2}, result.Warnings[0])

	// Reshape is processed first, and conserves the seed total exactly.
	require.Len(t, result.Conservation, 2)
	assert.Equal(t, "d", result.Conservation[0].Node)
	assert.InDelta(t, 5.0, result.Conservation[0].In, 1e-6)
	assert.InDelta(t, 5.0, result.Conservation[0].Out, 1e-6)
	assert.Equal(t, "c", result.Conservation[1].Node)
	assert.InDelta(t, 5.0, result.Conservation[1].Out, 1e-6)

	total, err := result.Total()
	require.NoError(t, err)
	assert.True(t, relprop.Conserved(5, total, 1e-6))
}

func TestShapeRules(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	engine := relprop.New(backend)

	t.Run("Reshape", func(t *testing.T) {
		tr := trace.New(backend)
		x := tr.Input("x", iota(1, 2, 3))
		out := tr.Reshape(x, 3, -1)
		seed := iota(-2, 3, 2)
		rel, _ := explain(t, engine, tr, out, seed)
		assert.Equal(t, tensors.MustCopyFlatData[float32](seed), rel["x"])
	})

	t.Run("Flatten", func(t *testing.T) {
		tr := trace.New(backend)
		x := tr.Input("x", iota(1, 2, 2, 2))
		out := tr.Flatten(x, 1, -1)
		seed := iota(10, 2, 4)
		rel, _ := explain(t, engine, tr, out, seed)
		assert.Equal(t, tensors.MustCopyFlatData[float32](seed), rel["x"])
	})

	t.Run("Permute", func(t *testing.T) {
		tr := trace.New(backend)
		xValue := iota(1, 2, 3, 4)
		x := tr.Input("x", xValue)
		out := tr.Permute(x, 2, 0, 1)
		require.Equal(t, []int{4, 2, 3}, tr.Value(out).Shape().Dimensions)

		// The permuted values returned to their original positions.
		rel, _ := explain(t, engine, tr, out, tr.Value(out))
		assert.Equal(t, tensors.MustCopyFlatData[float32](xValue), rel["x"])
	})

	t.Run("Permute round trip", func(t *testing.T) {
		allDims := []int{2, 3, 4, 5}
		for rank := 1; rank <= len(allDims); rank++ {
			dims := allDims[:rank]
			for _, perm := range permutations(rank) {
				inverse := make([]int, rank)
				for ii, axis := range perm {
					inverse[axis] = ii
				}
				tr := trace.New(backend)
				x := tr.Input("x", iota(1, dims...))
				y := tr.Permute(tr.Permute(x, perm...), inverse...)
				require.Equal(t, dims, tr.Value(y).Shape().Dimensions)
				seed := iota(-5, dims...)
				rel, _ := explain(t, engine, tr, y, seed)
				assert.Equalf(t, tensors.MustCopyFlatData[float32](seed), rel["x"], "permutation %v", perm)
			}
		}
	})

	t.Run("Unsqueeze", func(t *testing.T) {
		for _, dim := range []int{0, 1, -1} {
			tr := trace.New(backend)
			x := tr.Input("x", []float32{1, 2, 3})
			out := tr.Unsqueeze(x, dim)
			seed := []float32{4, -5, 6}
			var seedTensor *tensors.Tensor
			if dim == 0 {
				seedTensor = tensors.FromFlatDataAndDimensions(seed, 1, 3)
			} else {
				seedTensor = tensors.FromFlatDataAndDimensions(seed, 3, 1)
			}
			rel, _ := explain(t, engine, tr, out, seedTensor)
			assert.Equal(t, seed, rel["x"], "unsqueeze(dim=%d)", dim)
		}
	})

	t.Run("GetAttr", func(t *testing.T) {
		tr := trace.New(backend)
		x0 := tr.Input("x", []float32{1, 2, 3})
		out0 := tr.Attr(x0, "data")
		rel0, _ := explain(t, engine, tr, out0, []float32{1, -2, 3})
		assert.Equal(t, []float32{1, -2, 3}, rel0["x"])

		tr = trace.New(backend)
		x := tr.Input("x", [][]float32{{1, -2}, {3, 4}})
		out := tr.Attr(x, "T")
		rel, _ := explain(t, engine, tr, out, [][]float32{{1, 2}, {3, 4}})
		assert.InDeltaSlice(t, []float32{1, 3, 2, 4}, rel["x"], 1e-5)
		assert.InDelta(t, 10, sum(rel["x"]), 1e-5)

		tr = trace.New(backend)
		x = tr.Input("x", iota(1, 2, 2, 3))
		out = tr.Attr(tr.Attr(x, "data"), "mT")
		require.Equal(t, []int{2, 3, 2}, tr.Value(out).Shape().Dimensions)
		rel, _ = explain(t, engine, tr, out, tr.Value(out))
		assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](iota(1, 2, 2, 3)), rel["x"], 1e-4)
	})
}

func TestGetItemRule(t *testing.T) {
	goBackend, err := simplego.New("")
	require.NoError(t, err)
	testBackends := []struct {
		name    string
		backend relprop.Backend
	}{
		{"test backend", graphtest.BuildTestBackend()},
		{"simplego", goBackend},
	}
	for _, b := range testBackends {
		t.Run(b.name, func(t *testing.T) { testGetItemRule(t, b.backend) })
	}
}

func testGetItemRule(t *testing.T, backend relprop.Backend) {
	engine := relprop.New(backend)
	tests := []struct {
		name  string
		index string
		seed  any
		want  map[int]float32 // Non-zero flat positions.
	}{
		{"row and range", "1, 1:3", []float32{5, 7}, map[int]float32{5: 5, 6: 7}},
		{"stepped rows, last column", "::2, -1", []float32{1, 2}, map[int]float32{3: 1, 11: 2}},
		{"ellipsis", "..., 1:4:2", [][]float32{{1, 2}, {3, 4}, {5, 6}},
			map[int]float32{1: 1, 3: 2, 5: 3, 7: 4, 9: 5, 11: 6}},
		{"single element", "2, 0", float32(9), map[int]float32{8: 9}},
		{"stepped range", "1, 0:4:3", []float32{2, 3}, map[int]float32{4: 2, 7: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := trace.New(backend)
			x := tr.Input("x", iota(1, 3, 4))
			out := tr.Index(x, tt.index)
			rel, _ := explain(t, engine, tr, out, tt.seed)
			want := make([]float32, 12)
			for pos, v := range tt.want {
				want[pos] = v
			}
			assert.Equal(t, want, rel["x"])
		})
	}

	t.Run("tuple", func(t *testing.T) {
		tr := trace.New(backend)
		a := tr.Input("a", []float32{1, 2})
		b := tr.Input("b", []float32{3, 4, 5})
		out := tr.Item([]relprop.TensorID{a, b}, -1)
		rel, _ := explain(t, engine, tr, out, []float32{1, 2, 3})
		assert.Equal(t, []float32{0, 0}, rel["a"])
		assert.Equal(t, []float32{1, 2, 3}, rel["b"])
	})
}

func TestArithmeticRules(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	engine := relprop.New(backend)

	t.Run("single tensor operand passes through", func(t *testing.T) {
		seed := []float32{0.5, -1, 2}
		for name, apply := range map[string]func(tr *trace.Tracer, x relprop.TensorID) relprop.TensorID{
			"x*2":  func(tr *trace.Tracer, x relprop.TensorID) relprop.TensorID { return tr.Mul(x, 2.0) },
			"3*x":  func(tr *trace.Tracer, x relprop.TensorID) relprop.TensorID { return tr.Mul(3, x) },
			"x//2": func(tr *trace.Tracer, x relprop.TensorID) relprop.TensorID { return tr.FloorDiv(x, 2) },
			"x+1":  func(tr *trace.Tracer, x relprop.TensorID) relprop.TensorID { return tr.Add(x, 1) },
			"x-1":  func(tr *trace.Tracer, x relprop.TensorID) relprop.TensorID { return tr.Sub(x, 1.5) },
		} {
			tr := trace.New(backend)
			x := tr.Input("x", []float32{1, -2, 3})
			rel, _ := explain(t, engine, tr, apply(tr, x), seed)
			assert.Equal(t, seed, rel["x"], name)
		}
	})

	t.Run("Mul", func(t *testing.T) {
		tr := trace.New(backend)
		x := tr.Input("x", []float32{1, 2})
		y := tr.Input("y", []float32{3, 4})
		out := tr.Mul(x, y)
		rel, _ := explain(t, engine, tr, out, []float32{3, 8})
		assert.InDeltaSlice(t, []float32{3, 8}, rel["x"], 1e-5)
		assert.InDeltaSlice(t, []float32{3, 8}, rel["y"], 1e-5)
	})

	t.Run("FloorDiv of two tensors", func(t *testing.T) {
		tr := trace.New(backend)
		x := tr.Input("x", []float32{7, 9})
		y := tr.Input("y", []float32{2, 4})
		out := tr.FloorDiv(x, y)
		require.Equal(t, []float32{3, 2}, tensors.MustCopyFlatData[float32](tr.Value(out)))
		rel, _ := explain(t, engine, tr, out, []float32{1, 1})
		assert.Equal(t, []float32{0, 0}, rel["x"])
		assert.Equal(t, []float32{0, 0}, rel["y"])
	})

	t.Run("Add all positive equals SimpleRule", func(t *testing.T) {
		build := func() (*trace.Tracer, relprop.TensorID) {
			tr := trace.New(backend)
			a := tr.Input("a", [][]float32{{1, 2}, {0.5, 3}})
			b := tr.Input("b", []float32{3, 4}) // Broadcast over rows.
			return tr, tr.Add(a, b)
		}
		seed := [][]float32{{1, -2}, {0.5, 4}}
		tr, out := build()
		split, _ := explain(t, engine, tr, out, seed)
		tr, out = build()
		simple, _ := explain(t, relprop.New(backend).WithRule(relprop.OpAdd, relprop.SimpleRule{}), tr, out, seed)
		assert.InDeltaSlice(t, simple["a"], split["a"], 1e-6)
		assert.InDeltaSlice(t, simple["b"], split["b"], 1e-6)
		assert.InDelta(t, 3.5, sum(split["a"])+sum(split["b"]), 1e-5)
	})

	t.Run("Add mixed signs", func(t *testing.T) {
		build := func() (*trace.Tracer, relprop.TensorID) {
			tr := trace.New(backend)
			a := tr.Input("a", []float32{1, -2})
			b := tr.Input("b", []float32{3, 1})
			return tr, tr.Add(a, b)
		}
		// Unnormalized: both sign passes get the whole relevance at position 1.
		tr, out := build()
		rel, result := explain(t, engine, tr, out, []float32{1, 1})
		assert.InDeltaSlice(t, []float32{0.25, 1}, rel["a"], 1e-6)
		assert.InDeltaSlice(t, []float32{0.75, 1}, rel["b"], 1e-6)
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, int64(1), result.Warnings[0].Count)

		// Renormalized: each pass weighted by its share, and relevance is conserved.
		tr, out = build()
		renorm := relprop.New(backend).WithAddSplitPolicy(relprop.SplitRenormalized)
		rel, _ = explain(t, renorm, tr, out, []float32{1, 1})
		assert.InDeltaSlice(t, []float32{0.25, 2.0 / 3.0}, rel["a"], 1e-6)
		assert.InDeltaSlice(t, []float32{0.75, 1.0 / 3.0}, rel["b"], 1e-6)

		// An explicitly registered AddRule keeps its own policy.
		tr, out = build()
		explicit := relprop.New(backend).WithRule(relprop.OpAdd, relprop.AddRule{Policy: relprop.SplitRenormalized})
		rule, found := explicit.Rule(relprop.OpAdd)
		require.True(t, found)
		assert.Equal(t, relprop.SplitRenormalized, rule.(relprop.AddRule).Policy)
		rel, _ = explain(t, explicit, tr, out, []float32{1, 1})
		assert.InDeltaSlice(t, []float32{0.25, 2.0 / 3.0}, rel["a"], 1e-6)
		assert.InDeltaSlice(t, []float32{0.75, 1.0 / 3.0}, rel["b"], 1e-6)

		// Registered after the policy is set, a default AddRule stays unnormalized.
		tr, out = build()
		reset := relprop.New(backend).WithAddSplitPolicy(relprop.SplitRenormalized).WithRule(relprop.OpAdd, relprop.AddRule{})
		rel, _ = explain(t, reset, tr, out, []float32{1, 1})
		assert.InDeltaSlice(t, []float32{0.25, 1}, rel["a"], 1e-6)
	})

	t.Run("Sub", func(t *testing.T) {
		build := func() (*trace.Tracer, relprop.TensorID) {
			tr := trace.New(backend)
			a := tr.Input("a", []float32{5, 2})
			b := tr.Input("b", []float32{1, 3})
			return tr, tr.Sub(a, b)
		}
		tr, out := build()
		require.Equal(t, []float32{4, -1}, tensors.MustCopyFlatData[float32](tr.Value(out)))
		rel, _ := explain(t, engine, tr, out, []float32{1, 1})
		assert.InDeltaSlice(t, []float32{1, 1}, rel["a"], 1e-6)
		assert.InDeltaSlice(t, []float32{1, 1}, rel["b"], 1e-6)

		tr, out = build()
		renorm := relprop.New(backend).WithAddSplitPolicy(relprop.SplitRenormalized)
		rel, _ = explain(t, renorm, tr, out, []float32{1, 1})
		assert.InDeltaSlice(t, []float32{5.0 / 6.0, 2.0 / 5.0}, rel["a"], 1e-6)
		assert.InDeltaSlice(t, []float32{1.0 / 6.0, 3.0 / 5.0}, rel["b"], 1e-6)
	})
}

func TestStructuralRules(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	engine := relprop.New(backend)

	t.Run("Concat", func(t *testing.T) {
		tr := trace.New(backend)
		a := tr.Input("a", []float32{1, 2})
		b := tr.Input("b", []float32{3})
		out := tr.Cat(0, a, b)
		rel, _ := explain(t, engine, tr, out, []float32{1, 2, 3})
		assert.InDeltaSlice(t, []float32{1, 2}, rel["a"], 1e-6)
		assert.InDeltaSlice(t, []float32{3}, rel["b"], 1e-6)
	})

	t.Run("Concat last axis", func(t *testing.T) {
		tr := trace.New(backend)
		a := tr.Input("a", [][]float32{{1}, {2}})
		b := tr.Input("b", [][]float32{{3, 4}, {5, 6}})
		out := tr.Cat(-1, a, b)
		rel, _ := explain(t, engine, tr, out, [][]float32{{2, 2, 2}, {1, 1, 1}})
		assert.InDeltaSlice(t, []float32{2, 1}, rel["a"], 1e-6)
		assert.InDeltaSlice(t, []float32{2, 2, 1, 1}, rel["b"], 1e-6)
	})

	t.Run("Repeat", func(t *testing.T) {
		tr := trace.New(backend)
		x := tr.Input("x", []float32{1, 2})
		out := tr.Repeat(x, 2)
		require.Equal(t, []float32{1, 2, 1, 2}, tensors.MustCopyFlatData[float32](tr.Value(out)))
		rel, _ := explain(t, engine, tr, out, []float32{1, 1, 1, 1})
		assert.InDeltaSlice(t, []float32{2, 2}, rel["x"], 1e-6)
	})

	t.Run("Expand", func(t *testing.T) {
		tr := trace.New(backend)
		x := tr.Input("x", [][]float32{{1}, {2}})
		out := tr.Expand(x, -1, 3)
		require.Equal(t, []int{2, 3}, tr.Value(out).Shape().Dimensions)
		rel, _ := explain(t, engine, tr, out, [][]float32{{1, 1, 1}, {1, 1, 1}})
		assert.InDeltaSlice(t, []float32{3, 3}, rel["x"], 1e-6)
	})
}

func TestActivationRules(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("ReLU", func(t *testing.T) {
		var warnings []relprop.NumericalInstabilityWarning
		engine := relprop.New(backend).WithInstabilityHandler(func(w relprop.NumericalInstabilityWarning) {
			warnings = append(warnings, w)
		})
		tr := trace.New(backend)
		x := tr.Input("x", []float32{-1, 2, 3})
		out := tr.Named("act").ReLU(x)
		rel, result := explain(t, engine, tr, out, []float32{1, 1, 1})
		assert.InDeltaSlice(t, []float32{0, 1, 1}, rel["x"], 1e-6)
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, relprop.NumericalInstabilityWarning{Node: "act", Op: relprop.OpReLU, Count: 1}, result.Warnings[0])
		assert.Equal(t, result.Warnings, warnings)
	})

	t.Run("GELU", func(t *testing.T) {
		tr := trace.New(backend)
		x := tr.Input("x", []float32{1, 2})
		out := tr.GELU(x)
		rel, _ := explain(t, relprop.New(backend), tr, out, []float32{1, 1})
		// x * gelu'(x) / gelu(x)
		assert.InDeltaSlice(t, []float32{1.28760, 1.11049}, rel["x"], 1e-3)

		tr = trace.New(backend)
		x = tr.Input("x", []float32{1, 2})
		out = tr.GELUTanh(x)
		rel, _ = explain(t, relprop.New(backend), tr, out, []float32{1, 1})
		assert.InDeltaSlice(t, []float32{1.28760, 1.11049}, rel["x"], 1e-2)
	})
}
