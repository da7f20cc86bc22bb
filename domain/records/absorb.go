package records

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-hq/lattice/domain/docstore"
	"github.com/lattice-hq/lattice/domain/events"
	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/internal/graph"
	"github.com/lattice-hq/lattice/pkg/apperror"
	"github.com/lattice-hq/lattice/pkg/logger"
	"github.com/lattice-hq/lattice/pkg/tracing"
)

// absorbDiff is what the absorbed record contributes to the main one.
type absorbDiff struct {
	// properties to copy onto main: set on absorbed, empty on main,
	// still defined in the schema
	properties map[string]any
	// edges to recreate on main, keyed by relationship name
	edges map[string][]RelationshipEdge
}

// Absorb merges the absorbed record into the main one and deletes it.
// Runs as FETCH, COMPUTE_DIFF, WRITE_BLOB, WRITE_GRAPH; a graph failure
// after the blob merge triggers the blob undo.
func (s *Service) Absorb(ctx context.Context, wctx WriteContext, typeName, mainCode, absorbedCode string, includeRich bool) (*RecordView, error) {
	ctx, span := tracing.Start(ctx, "records.absorb",
		attribute.String("lattice.record.type", typeName),
		attribute.String("lattice.record.code", mainCode),
		attribute.String("lattice.record.absorbed", absorbedCode),
	)
	defer span.End()

	def, err := s.lookup.GetType(typeName)
	if err != nil {
		return nil, err
	}
	if mainCode == absorbedCode {
		return nil, apperror.ErrInvalidRequest.WithMessage("a record cannot absorb itself")
	}

	var main, absorbed *RecordState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		main, err = s.fetch(gctx, def, mainCode)
		return err
	})
	g.Go(func() error {
		var err error
		absorbed, err = s.fetch(gctx, def, absorbedCode)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if main == nil {
		return nil, apperror.ErrNotFound.WithMessagef("main %s '%s' not found", def.Name, mainCode)
	}
	if absorbed == nil {
		return nil, apperror.ErrNotFound.WithMessagef("absorbed %s '%s' not found", def.Name, absorbedCode)
	}

	diff := computeAbsorbDiff(def, main, absorbed)

	var undo docstore.Undo
	if hasDocumentProps(def) {
		res, err := s.docs.Merge(ctx, def.Name, absorbedCode, mainCode)
		if err != nil {
			return nil, err
		}
		undo = res.Undo
	}

	st := buildAbsorb(def, mainCode, absorbedCode, wctx, diff)
	rs, err := s.executor.Execute(ctx, st)
	if err == nil && !rs.HasRecords() {
		err = apperror.ErrGraphBackend.WithMessage("absorb statement matched no records")
	}
	if err != nil {
		s.log.Error("absorb graph write failed",
			slog.String("type", def.Name),
			slog.String("main", mainCode),
			slog.String("absorbed", absorbedCode),
			logger.Error(err),
		)
		s.compensate(ctx, undo)
		return nil, err
	}

	post, err := s.fetch(ctx, def, mainCode)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, apperror.NewNotFound(def.Name, mainCode)
	}

	s.publishAbsorbEvents(wctx, def, mainCode, absorbedCode, diff, absorbed)

	return s.view(ctx, def, post, includeRich)
}

// computeAbsorbDiff decides what survives the merge. Properties already set
// on main win. Edges that would become reflexive are discarded, as are
// absorbed edges competing with a cardinality-one link main already holds.
// Properties no longer in the schema are dropped silently.
func computeAbsorbDiff(def *schema.RecordType, main, absorbed *RecordState) absorbDiff {
	diff := absorbDiff{
		properties: map[string]any{},
		edges:      map[string][]RelationshipEdge{},
	}

	for k, v := range absorbed.Properties {
		if !def.HasProperty(k) || isEmptyValue(v) {
			continue
		}
		if have, ok := main.Properties[k]; ok && !isEmptyValue(have) {
			continue
		}
		diff.properties[k] = v
	}

	for name, edges := range absorbed.Relationships {
		rel, ok := def.Relationship(name)
		if !ok || rel.IsDerived() {
			continue
		}
		if rel.Cardinality == schema.CardinalityOne && len(main.Relationships[name]) > 0 {
			continue
		}
		for _, e := range edges {
			if e.TargetCode == main.Code {
				continue
			}
			if _, dup := findEdge(main.Relationships[name], e.TargetCode); dup {
				continue
			}
			diff.edges[name] = append(diff.edges[name], e)
		}
	}

	return diff
}

// buildAbsorb renders the node merge as one statement: copy properties,
// recreate the absorbed record's surviving edges on main, then delete the
// absorbed node with everything still attached to it.
func buildAbsorb(def *schema.RecordType, mainCode, absorbedCode string, wctx WriteContext, diff absorbDiff) *graph.Statement {
	b := newCypherBuilder()
	b.add(matchNode{alias: "node", label: def.Name, codeParam: b.param(mainCode)})
	b.add(matchNode{alias: "old", label: def.Name, codeParam: b.param(absorbedCode)})

	props := map[string]any{}
	for k, v := range diff.properties {
		props[k] = v
	}
	for k, v := range updateStamps(wctx) {
		props[k] = v
	}
	b.add(setProperties{alias: "node", param: b.param(props)})

	for _, name := range sortedKeys(diff.edges) {
		rel, _ := def.Relationship(name)
		for _, e := range diff.edges[name] {
			target := b.alias("t")
			b.add(withClause{aliases: []string{"node", "old"}})
			b.add(matchNode{alias: target, label: rel.RelatedType, codeParam: b.param(e.TargetCode)})

			edgeProps := map[string]any{}
			for k, v := range e.RichProps {
				edgeProps[k] = v
			}
			for k, v := range updateStamps(wctx) {
				edgeProps[k] = v
			}
			b.add(mergeEdge{
				fromAlias:     "node",
				toAlias:       target,
				edgeAlias:     b.alias("e"),
				label:         rel.EdgeLabel,
				outgoing:      rel.Direction == schema.DirectionOutgoing,
				onCreateParam: b.param(createStamps(wctx)),
				propsParam:    b.param(edgeProps),
			})
		}
	}

	b.add(withClause{aliases: []string{"node", "old"}})
	b.add(detachDeleteNode{alias: "old"})
	b.add(withClause{aliases: []string{"node"}})
	b.add(returnClause{exprs: []string{"node"}})
	return b.build()
}

// publishAbsorbEvents emits an update for the surviving record and a delete
// for the absorbed one. The delete carries every edge the absorbed record
// held so that peers whose links were discarded still hear about it.
func (s *Service) publishAbsorbEvents(wctx WriteContext, def *schema.RecordType, mainCode, absorbedCode string, diff absorbDiff, absorbed *RecordState) {
	names := map[string]bool{}
	for k := range diff.properties {
		names[k] = true
	}
	for k := range diff.edges {
		names[k] = true
	}

	var changes []events.EdgeChange
	for _, name := range sortedKeys(diff.edges) {
		rel, _ := def.Relationship(name)
		for _, e := range diff.edges[name] {
			changes = append(changes, events.EdgeChange{
				RelationshipName: name,
				TargetType:       rel.RelatedType,
				TargetCode:       e.TargetCode,
			})
		}
	}

	s.publish(wctx, events.DeriveInput{
		Action:            events.ActionUpdate,
		Type:              def.Name,
		Code:              mainCode,
		UpdatedProperties: sortedKeys(names),
		Edges:             changes,
		RequestID:         wctx.RequestID,
		Timestamp:         wctx.Timestamp,
	})
	s.publish(wctx, events.DeriveInput{
		Action:    events.ActionDelete,
		Type:      def.Name,
		Code:      absorbedCode,
		Edges:     removedEdgeChanges(def, absorbed),
		RequestID: wctx.RequestID,
		Timestamp: wctx.Timestamp,
	})
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}
