package records

import (
	"fmt"
	"strings"

	"github.com/lattice-hq/lattice/internal/graph"
)

// The statement builder assembles mutations as an ordered list of typed
// fragments rendered into Cypher at the end. Keeping fragments as data makes
// plans inspectable in tests without a live backend.

type fragment interface {
	render(w *strings.Builder)
}

// cypherBuilder accumulates fragments and allocates parameter names.
type cypherBuilder struct {
	fragments []fragment
	params    map[string]any
	seq       int
}

func newCypherBuilder() *cypherBuilder {
	return &cypherBuilder{params: map[string]any{}}
}

func (b *cypherBuilder) param(v any) string {
	name := fmt.Sprintf("p%d", b.seq)
	b.seq++
	b.params[name] = v
	return name
}

// alias allocates a unique node or edge alias with the given prefix.
func (b *cypherBuilder) alias(prefix string) string {
	name := fmt.Sprintf("%s%d", prefix, b.seq)
	b.seq++
	return name
}

func (b *cypherBuilder) add(f fragment) {
	b.fragments = append(b.fragments, f)
}

func (b *cypherBuilder) build() *graph.Statement {
	var w strings.Builder
	for i, f := range b.fragments {
		if i > 0 {
			w.WriteByte('\n')
		}
		f.render(&w)
	}
	return &graph.Statement{Cypher: w.String(), Params: b.params}
}

// edgePattern renders -[alias:LABEL]-> or <-[alias:LABEL]- depending on the
// direction of the relationship from the left node.
func edgePattern(alias, label string, outgoing bool) string {
	if outgoing {
		return fmt.Sprintf("-[%s:%s]->", alias, label)
	}
	return fmt.Sprintf("<-[%s:%s]-", alias, label)
}

type matchNode struct {
	alias, label, codeParam string
}

func (f matchNode) render(w *strings.Builder) {
	fmt.Fprintf(w, "MATCH (%s:%s {code: $%s})", f.alias, f.label, f.codeParam)
}

type createNode struct {
	alias, label, propsParam string
}

func (f createNode) render(w *strings.Builder) {
	fmt.Fprintf(w, "CREATE (%s:%s $%s)", f.alias, f.label, f.propsParam)
}

// mergeNode upserts a node by code, stamping create provenance only when the
// merge actually created it.
type mergeNode struct {
	alias, label, codeParam string
	onCreateParam           string
}

func (f mergeNode) render(w *strings.Builder) {
	fmt.Fprintf(w, "MERGE (%s:%s {code: $%s})", f.alias, f.label, f.codeParam)
	if f.onCreateParam != "" {
		fmt.Fprintf(w, "\nON CREATE SET %s += $%s", f.alias, f.onCreateParam)
	}
}

type setProperties struct {
	alias, param string
}

func (f setProperties) render(w *strings.Builder) {
	fmt.Fprintf(w, "SET %s += $%s", f.alias, f.param)
}

type withClause struct {
	aliases []string
}

func (f withClause) render(w *strings.Builder) {
	fmt.Fprintf(w, "WITH %s", strings.Join(f.aliases, ", "))
}

type mergeEdge struct {
	fromAlias, toAlias string
	edgeAlias, label   string
	outgoing           bool
	onCreateParam      string
	propsParam         string
}

func (f mergeEdge) render(w *strings.Builder) {
	fmt.Fprintf(w, "MERGE (%s)%s(%s)", f.fromAlias, edgePattern(f.edgeAlias, f.label, f.outgoing), f.toAlias)
	if f.onCreateParam != "" {
		fmt.Fprintf(w, "\nON CREATE SET %s += $%s", f.edgeAlias, f.onCreateParam)
	}
	if f.propsParam != "" {
		fmt.Fprintf(w, "\nSET %s += $%s", f.edgeAlias, f.propsParam)
	}
}

// deleteEdge unlinks one target; a missing edge matches nothing and the
// delete is a no-op.
type deleteEdge struct {
	nodeAlias, edgeAlias, label string
	outgoing                    bool
	targetLabel, codeParam      string
}

func (f deleteEdge) render(w *strings.Builder) {
	fmt.Fprintf(w, "OPTIONAL MATCH (%s)%s(:%s {code: $%s})",
		f.nodeAlias, edgePattern(f.edgeAlias, f.label, f.outgoing), f.targetLabel, f.codeParam)
	fmt.Fprintf(w, "\nDELETE %s", f.edgeAlias)
}

// stealEdge removes a competing cardinality-one edge held by any other node
// pointing at the same target.
type stealEdge struct {
	targetAlias, edgeAlias, label string
	incomingToTarget              bool
	otherAlias, otherLabel        string
	selfCodeParam                 string
}

func (f stealEdge) render(w *strings.Builder) {
	fmt.Fprintf(w, "OPTIONAL MATCH (%s:%s)%s(%s) WHERE %s.code <> $%s",
		f.otherAlias, f.otherLabel,
		edgePattern(f.edgeAlias, f.label, f.incomingToTarget),
		f.targetAlias, f.otherAlias, f.selfCodeParam)
	fmt.Fprintf(w, "\nDELETE %s", f.edgeAlias)
}

type detachDeleteNode struct {
	alias string
}

func (f detachDeleteNode) render(w *strings.Builder) {
	fmt.Fprintf(w, "DETACH DELETE %s", f.alias)
}

type returnClause struct {
	exprs []string
}

func (f returnClause) render(w *strings.Builder) {
	fmt.Fprintf(w, "RETURN %s", strings.Join(f.exprs, ", "))
}

// optionalExpand pulls every edge and related node alongside the record.
type optionalExpand struct {
	nodeAlias string
}

func (f optionalExpand) render(w *strings.Builder) {
	fmt.Fprintf(w, "OPTIONAL MATCH (%s)-[rel]-(related)", f.nodeAlias)
}

// matchCodesIn matches all nodes of a label whose code is in a list, used by
// strict related-node preflights.
type matchCodesIn struct {
	alias, label, codesParam string
}

func (f matchCodesIn) render(w *strings.Builder) {
	fmt.Fprintf(w, "MATCH (%s:%s) WHERE %s.code IN $%s", f.alias, f.label, f.alias, f.codesParam)
}
