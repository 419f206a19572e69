package relprop

// Aliases to GoMLX basic types.
//
// The GoMLX graph package is not dot-imported here because it has symbols that conflict
// with this package (Graph, Exec).

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Backend is an alias to backends.Backend.
type Backend = backends.Backend

// Node is an alias to graph.Node.
type Node = graph.Node
