// Package graph defines the executor contract against the Cypher backend.
// The mutation engine renders statements; this package runs them and maps
// driver rows into a backend-neutral RowSet.
package graph

import "context"

// Statement is a rendered query plus its parameter map.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Row is one result row of a record query. Node columns are always present;
// relationship columns are zero-valued when the row matched no edge.
type Row struct {
	NodeProps  map[string]any
	NodeLabels []string

	RelType     string
	RelOutgoing bool
	RelProps    map[string]any

	RelatedCode   string
	RelatedLabels []string
	RelatedProps  map[string]any
}

// RowSet is the materialized result of one statement execution.
type RowSet struct {
	Rows []Row
}

// HasRecords reports whether the statement matched anything.
func (rs *RowSet) HasRecords() bool {
	return rs != nil && len(rs.Rows) > 0
}

// Executor runs a single statement against the graph backend.
// Implementations must not retry; error handling is the caller's concern.
type Executor interface {
	Execute(ctx context.Context, st *Statement) (*RowSet, error)
}
