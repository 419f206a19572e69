package relprop

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndex(t *testing.T) {
	tests := []struct {
		expr string
		want IndexSpec
	}{
		{"0", IndexSpec{At(0)}},
		{"[-1]", IndexSpec{At(-1)}},
		{"0, 1:3, ::2, ...", IndexSpec{At(0), Range(1, 3), Full().WithStep(2), Ellipsis()}},
		{":", IndexSpec{Full()}},
		{"..., 2:", IndexSpec{Ellipsis(), {Kind: IndexRange, Start: 2, HasStart: true, Step: 1}}},
		{":-1", IndexSpec{{Kind: IndexRange, Stop: -1, HasStop: true, Step: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseIndex(tt.expr)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseIndex(%q) mismatch (-want +got):\n%s", tt.expr, diff)
			}
		})
	}

	for _, expr := range []string{"", "a", "1:2:3:4", "::0", "::-1", "..., ...", "1:x"} {
		_, err := ParseIndex(expr)
		assert.Errorf(t, err, "ParseIndex(%q) should fail", expr)
	}
}

func TestIndexString(t *testing.T) {
	spec, err := ParseIndex("0, 1:3, ::2, ..., -2:")
	require.NoError(t, err)
	assert.Equal(t, "[0, 1:3, ::2, ..., -2:]", spec.String())
}

func TestIndexResolve(t *testing.T) {
	tests := []struct {
		name       string
		spec       IndexSpec
		dims       []int
		wantSlices []axisSlice
		wantDims   []int
	}{
		{
			name:       "at and implicit trailing",
			spec:       IndexSpec{At(1)},
			dims:       []int{3, 4},
			wantSlices: []axisSlice{{start: 1, count: 1, step: 1, drop: true}, {start: 0, count: 4, step: 1}},
			wantDims:   []int{4},
		},
		{
			name:       "ellipsis and negative",
			spec:       IndexSpec{Ellipsis(), At(-1)},
			dims:       []int{2, 3, 5},
			wantSlices: []axisSlice{{start: 0, count: 2, step: 1}, {start: 0, count: 3, step: 1}, {start: 4, count: 1, step: 1, drop: true}},
			wantDims:   []int{2, 3},
		},
		{
			name:       "stepped range clamped",
			spec:       IndexSpec{{Kind: IndexRange, Start: 1, HasStart: true, Stop: 100, HasStop: true, Step: 2}},
			dims:       []int{6},
			wantSlices: []axisSlice{{start: 1, count: 3, step: 2}},
			wantDims:   []int{3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSlices, gotDims, err := tt.spec.resolve(tt.dims)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.wantSlices, gotSlices, cmp.AllowUnexported(axisSlice{})); diff != "" {
				t.Errorf("resolve() slices mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.wantDims, gotDims)
		})
	}

	_, _, err := IndexSpec{At(3)}.resolve([]int{3})
	assert.Error(t, err, "out of range")
	_, _, err = IndexSpec{Range(2, 2)}.resolve([]int{3})
	assert.Error(t, err, "empty range")
	_, _, err = IndexSpec{At(0), At(0)}.resolve([]int{3})
	assert.Error(t, err, "too many items")
}

func TestParseOpType(t *testing.T) {
	for _, op := range OpTypes() {
		got, err := ParseOpType(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}
	_, err := ParseOpType("conv2d")
	assert.Error(t, err)
}
