package relprop

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// IndexKind is the kind of one IndexItem.
type IndexKind int

const (
	// IndexAt selects a single position and removes the axis.
	IndexAt IndexKind = iota

	// IndexRange selects start:stop:step, keeping the axis.
	IndexRange

	// IndexEllipsis stands for as many full ranges as needed to cover the operand rank.
	IndexEllipsis
)

// IndexItem is one comma separated element of an IndexSpec.
type IndexItem struct {
	Kind IndexKind

	// At is the position for IndexAt. It can be negative.
	At int

	// Start, Stop and Step define an IndexRange. Start and Stop are only used if HasStart/HasStop are set,
	// and can be negative. Step must be >= 1 (0 is read as 1).
	Start, Stop       int
	HasStart, HasStop bool
	Step              int
}

// IndexSpec is the indexing argument of a get-item node, e.g. x[0, 1:3, ::2, ...].
type IndexSpec []IndexItem

// At returns an IndexItem selecting position pos.
func At(pos int) IndexItem { return IndexItem{Kind: IndexAt, At: pos} }

// Range returns an IndexItem selecting [start, stop) with step 1.
func Range(start, stop int) IndexItem {
	return IndexItem{Kind: IndexRange, Start: start, Stop: stop, HasStart: true, HasStop: true, Step: 1}
}

// Full returns an IndexItem selecting a whole axis.
func Full() IndexItem { return IndexItem{Kind: IndexRange, Step: 1} }

// Ellipsis returns the "..." IndexItem.
func Ellipsis() IndexItem { return IndexItem{Kind: IndexEllipsis} }

// WithStep returns a copy of the range item with the given step.
func (item IndexItem) WithStep(step int) IndexItem {
	item.Step = step
	return item
}

// String implements fmt.Stringer, using the Python slicing syntax.
func (item IndexItem) String() string {
	switch item.Kind {
	case IndexAt:
		return strconv.Itoa(item.At)
	case IndexEllipsis:
		return "..."
	}
	var sb strings.Builder
	if item.HasStart {
		sb.WriteString(strconv.Itoa(item.Start))
	}
	sb.WriteByte(':')
	if item.HasStop {
		sb.WriteString(strconv.Itoa(item.Stop))
	}
	if item.Step > 1 {
		fmt.Fprintf(&sb, ":%d", item.Step)
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (spec IndexSpec) String() string {
	return "[" + strings.Join(sliceMap(spec, IndexItem.String), ", ") + "]"
}

// ParseIndex parses a Python-like index expression, e.g. "0, 1:3, ::2, ...".
// Enclosing brackets are optional. Negative steps are not supported.
//
// Unlike Python, an index that selects an empty range on some axis (e.g. "2:2") is an error when
// applied to a tensor: indexed results always have at least one element.
func ParseIndex(expr string) (IndexSpec, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "[")
	expr = strings.TrimSuffix(expr, "]")
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("empty index expression")
	}
	parts := strings.Split(expr, ",")
	spec := make(IndexSpec, 0, len(parts))
	numEllipsis := 0
	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch {
		case part == "...":
			numEllipsis++
			spec = append(spec, Ellipsis())
		case !strings.Contains(part, ":"):
			pos, err := strconv.Atoi(part)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid index %q in %q", part, expr)
			}
			spec = append(spec, At(pos))
		default:
			item, err := parseRange(part)
			if err != nil {
				return nil, errors.WithMessagef(err, "in index %q", expr)
			}
			spec = append(spec, item)
		}
	}
	if numEllipsis > 1 {
		return nil, errors.Errorf("index %q has more than one ellipsis", expr)
	}
	return spec, nil
}

func parseRange(part string) (IndexItem, error) {
	fields := strings.Split(part, ":")
	if len(fields) > 3 {
		return IndexItem{}, errors.Errorf("invalid range %q", part)
	}
	item := IndexItem{Kind: IndexRange, Step: 1}
	var err error
	if f := strings.TrimSpace(fields[0]); f != "" {
		item.HasStart = true
		if item.Start, err = strconv.Atoi(f); err != nil {
			return item, errors.Wrapf(err, "invalid range start in %q", part)
		}
	}
	if f := strings.TrimSpace(fields[1]); f != "" {
		item.HasStop = true
		if item.Stop, err = strconv.Atoi(f); err != nil {
			return item, errors.Wrapf(err, "invalid range stop in %q", part)
		}
	}
	if len(fields) == 3 {
		if f := strings.TrimSpace(fields[2]); f != "" {
			if item.Step, err = strconv.Atoi(f); err != nil {
				return item, errors.Wrapf(err, "invalid range step in %q", part)
			}
			if item.Step < 1 {
				return item, errors.Errorf("range %q: only positive steps are supported", part)
			}
		}
	}
	return item, nil
}

// indexFromLiteral converts the literal index argument of a get-item node: an IndexSpec, an IndexItem,
// an int or a string expression.
func indexFromLiteral(literal any) (IndexSpec, error) {
	switch v := literal.(type) {
	case IndexSpec:
		return v, nil
	case IndexItem:
		return IndexSpec{v}, nil
	case string:
		return ParseIndex(v)
	}
	if pos, ok := toInt(literal); ok {
		return IndexSpec{At(pos)}, nil
	}
	return nil, errors.Errorf("unsupported index argument %#v", literal)
}

// axisSlice is an IndexSpec resolved against one operand axis.
type axisSlice struct {
	start, count, step int

	// drop is set for axes selected with IndexAt, which are removed from the result.
	drop bool
}

// resolve resolves the index against the operand dimensions. It returns one axisSlice per operand axis
// and the dimensions of the indexed result.
func (spec IndexSpec) resolve(dims []int) (slices []axisSlice, outDims []int, err error) {
	numAxesItems := 0
	hasEllipsis := false
	for _, item := range spec {
		if item.Kind == IndexEllipsis {
			if hasEllipsis {
				return nil, nil, errors.Errorf("index %s has more than one ellipsis", spec)
			}
			hasEllipsis = true
			continue
		}
		numAxesItems++
	}
	if numAxesItems > len(dims) {
		return nil, nil, errors.Errorf("index %s has too many items for operand of rank %d", spec, len(dims))
	}

	// Expand the ellipsis and implicit trailing axes into full ranges.
	expanded := make([]IndexItem, 0, len(dims))
	for _, item := range spec {
		if item.Kind == IndexEllipsis {
			for range len(dims) - numAxesItems {
				expanded = append(expanded, Full())
			}
			continue
		}
		expanded = append(expanded, item)
	}
	for len(expanded) < len(dims) {
		expanded = append(expanded, Full())
	}

	slices = make([]axisSlice, len(dims))
	for axis, item := range expanded {
		dim := dims[axis]
		if item.Kind == IndexAt {
			pos := item.At
			if pos < 0 {
				pos += dim
			}
			if pos < 0 || pos >= dim {
				return nil, nil, errors.Errorf("index %d out of range for axis %d with dimension %d", item.At, axis, dim)
			}
			slices[axis] = axisSlice{start: pos, count: 1, step: 1, drop: true}
			continue
		}
		step := max(item.Step, 1)
		start, stop := 0, dim
		if item.HasStart {
			start = clampIndex(item.Start, dim)
		}
		if item.HasStop {
			stop = clampIndex(item.Stop, dim)
		}
		count := 0
		if stop > start {
			count = (stop - start + step - 1) / step
		}
		if count == 0 {
			return nil, nil, errors.Errorf("index %s selects an empty range on axis %d (dimension %d)", spec, axis, dim)
		}
		slices[axis] = axisSlice{start: start, count: count, step: step}
		outDims = append(outDims, count)
	}
	return slices, outDims, nil
}

// clampIndex converts a possibly negative slice bound to [0, dim], following Python semantics.
func clampIndex(pos, dim int) int {
	if pos < 0 {
		pos += dim
	}
	return min(max(pos, 0), dim)
}
