package records

import (
	"sort"
	"time"

	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/internal/graph"
	"github.com/lattice-hq/lattice/pkg/apperror"
)

// BuildInput is everything the statement builder needs for one mutation.
type BuildInput struct {
	Def  *schema.RecordType
	Code string
	Ctx  WriteContext

	PropDiff map[string]any
	RelDiff  *DiffResult

	// Touched lists every field name the request wrote, whether or not the
	// value differs from current state. Lock checks key on touch, not change.
	Touched []string

	Existing *RecordState

	Create bool
	Upsert bool

	LockFields   []string
	UnlockFields []string
}

// PreflightCheck verifies that a strict write's relationship targets exist
// before any mutation runs.
type PreflightCheck struct {
	Relationship string
	Codes        []string
	Statement    *graph.Statement
}

// Plan is an ordered, executable mutation: optional strict preflights, then
// one or more statements forming a single logical write.
type Plan struct {
	Preflights []PreflightCheck
	Statements []*graph.Statement

	// NoOp marks a plan for a write that changes nothing. No statements
	// are produced and no provenance is stamped.
	NoOp bool

	// LockedFields is the lock map the plan writes.
	LockedFields map[string]string
}

// buildMutation turns diffs into a statement plan. Pure, no I/O: the lookup
// is only consulted for inverse cardinality on added edges.
func buildMutation(lookup schema.Lookup, batchSize int, in BuildInput) (*Plan, error) {
	if in.RelDiff == nil {
		in.RelDiff = &DiffResult{}
	}

	var existingLocks map[string]string
	if in.Existing != nil {
		existingLocks = in.Existing.LockedFields
	}

	if err := checkLockedWrites(existingLocks, in.Ctx.ClientID, in.Touched, in.PropDiff, in.RelDiff); err != nil {
		return nil, err
	}

	newLocks, locksChanged, err := mergeLocks(existingLocks, in.LockFields, in.UnlockFields, in.Ctx.ClientID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{LockedFields: newLocks}

	if !in.Create && len(in.PropDiff) == 0 && in.RelDiff.IsEmpty() && !locksChanged {
		plan.NoOp = true
		return plan, nil
	}

	if !in.Upsert {
		plan.Preflights = buildPreflights(in.Def, in.RelDiff)
	}

	main := newCypherBuilder()

	nodeProps := map[string]any{}
	for k, v := range in.PropDiff {
		nodeProps[k] = v
	}

	if in.Create {
		nodeProps[schema.IdentityField] = in.Code
		for k, v := range createStamps(in.Ctx) {
			nodeProps[k] = v
		}
		nodeProps[propLockedFields] = encodeLockedFields(newLocks)
		main.add(createNode{alias: "node", label: in.Def.Name, propsParam: main.param(nodeProps)})
	} else {
		for k, v := range updateStamps(in.Ctx) {
			nodeProps[k] = v
		}
		if locksChanged {
			nodeProps[propLockedFields] = encodeLockedFields(newLocks)
		}
		main.add(matchNode{alias: "node", label: in.Def.Name, codeParam: main.param(in.Code)})
		main.add(setProperties{alias: "node", param: main.param(nodeProps)})
	}

	// removals ride on the main statement
	for _, name := range sortedKeys(in.RelDiff.Removed) {
		rel, _ := in.Def.Relationship(name)
		for _, code := range in.RelDiff.Removed[name] {
			main.add(withClause{aliases: []string{"node"}})
			main.add(deleteEdge{
				nodeAlias:   "node",
				edgeAlias:   main.alias("d"),
				label:       rel.EdgeLabel,
				outgoing:    rel.Direction == schema.DirectionOutgoing,
				targetLabel: rel.RelatedType,
				codeParam:   main.param(code),
			})
		}
	}
	main.add(withClause{aliases: []string{"node"}})
	main.add(returnClause{exprs: []string{"node"}})
	plan.Statements = append(plan.Statements, main.build())

	// added edges are chunked into batch statements
	edges, err := flattenAdded(lookup, in.Def, in.RelDiff)
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(edges); start += batchSize {
		end := start + batchSize
		if end > len(edges) {
			end = len(edges)
		}
		plan.Statements = append(plan.Statements, buildEdgeBatch(in, edges[start:end]))
	}

	return plan, nil
}

// plannedEdge is one edge write with its resolved steal requirement.
type plannedEdge struct {
	name  string
	rel   schema.RelationshipDef
	edge  RelationshipEdge
	steal bool
}

// flattenAdded orders added edges deterministically and marks those whose
// inverse is cardinality one, where the target's competing edge from another
// record must be removed in the same batch.
func flattenAdded(lookup schema.Lookup, def *schema.RecordType, diff *DiffResult) ([]plannedEdge, error) {
	var out []plannedEdge
	for _, name := range sortedKeys(diff.Added) {
		rel, ok := def.Relationship(name)
		if !ok {
			return nil, apperror.ErrInvalidRequest.WithMessagef("unknown relationship '%s'", name)
		}

		inverseName, err := schema.ResolveInverse(lookup, def.Name, rel)
		if err != nil {
			return nil, err
		}
		related, err := lookup.GetType(rel.RelatedType)
		if err != nil {
			return nil, err
		}
		inverse, _ := related.Relationship(inverseName)

		for _, e := range diff.Added[name] {
			out = append(out, plannedEdge{
				name:  name,
				rel:   rel,
				edge:  e,
				steal: inverse.Cardinality == schema.CardinalityOne,
			})
		}
	}
	return out, nil
}

func buildEdgeBatch(in BuildInput, edges []plannedEdge) *graph.Statement {
	b := newCypherBuilder()
	b.add(matchNode{alias: "node", label: in.Def.Name, codeParam: b.param(in.Code)})

	for _, pe := range edges {
		target := b.alias("t")
		b.add(withClause{aliases: []string{"node"}})

		if in.Upsert {
			b.add(mergeNode{
				alias:         target,
				label:         pe.rel.RelatedType,
				codeParam:     b.param(pe.edge.TargetCode),
				onCreateParam: b.param(createStamps(in.Ctx)),
			})
		} else {
			b.add(matchNode{alias: target, label: pe.rel.RelatedType, codeParam: b.param(pe.edge.TargetCode)})
		}

		if pe.steal {
			b.add(withClause{aliases: []string{"node", target}})
			b.add(stealEdge{
				targetAlias:      target,
				edgeAlias:        b.alias("s"),
				label:            pe.rel.EdgeLabel,
				incomingToTarget: pe.rel.Direction == schema.DirectionOutgoing,
				otherAlias:       b.alias("o"),
				otherLabel:       in.Def.Name,
				selfCodeParam:    b.param(in.Code),
			})
			b.add(withClause{aliases: []string{"node", target}})
		}

		edgeProps := map[string]any{}
		for k, v := range pe.edge.RichProps {
			edgeProps[k] = v
		}
		for k, v := range updateStamps(in.Ctx) {
			edgeProps[k] = v
		}

		b.add(mergeEdge{
			fromAlias:     "node",
			toAlias:       target,
			edgeAlias:     b.alias("e"),
			label:         pe.rel.EdgeLabel,
			outgoing:      pe.rel.Direction == schema.DirectionOutgoing,
			onCreateParam: b.param(createStamps(in.Ctx)),
			propsParam:    b.param(edgeProps),
		})
	}

	b.add(withClause{aliases: []string{"node"}})
	b.add(returnClause{exprs: []string{"node"}})
	return b.build()
}

// buildPreflights produces one existence check per relationship with added
// edges. The executor returns the matching targets; missing codes fail the
// write before it starts.
func buildPreflights(def *schema.RecordType, diff *DiffResult) []PreflightCheck {
	var checks []PreflightCheck
	for _, name := range sortedKeys(diff.Added) {
		rel, _ := def.Relationship(name)
		codes := make([]string, 0, len(diff.Added[name]))
		for _, e := range diff.Added[name] {
			codes = append(codes, e.TargetCode)
		}

		b := newCypherBuilder()
		b.add(matchCodesIn{alias: "related", label: rel.RelatedType, codesParam: b.param(codes)})
		b.add(returnClause{exprs: []string{"related"}})

		checks = append(checks, PreflightCheck{
			Relationship: name,
			Codes:        codes,
			Statement:    b.build(),
		})
	}
	return checks
}

// buildFetch reads a record with all its edges in one statement.
func buildFetch(def *schema.RecordType, code string) *graph.Statement {
	b := newCypherBuilder()
	b.add(matchNode{alias: "node", label: def.Name, codeParam: b.param(code)})
	b.add(optionalExpand{nodeAlias: "node"})
	b.add(returnClause{exprs: []string{"node", "rel", "related"}})
	return b.build()
}

// buildDelete removes a record and all its edges.
func buildDelete(def *schema.RecordType, code string) *graph.Statement {
	b := newCypherBuilder()
	b.add(matchNode{alias: "node", label: def.Name, codeParam: b.param(code)})
	b.add(detachDeleteNode{alias: "node"})
	return b.build()
}

func checkLockedWrites(locks map[string]string, clientID string, written []string, propDiff map[string]any, relDiff *DiffResult) error {
	touched := map[string]bool{}
	for _, k := range written {
		touched[k] = true
	}
	for k := range propDiff {
		touched[k] = true
	}
	for k := range relDiff.Added {
		touched[k] = true
	}
	for k := range relDiff.Removed {
		touched[k] = true
	}

	for _, field := range sortedKeys(touched) {
		if owner, ok := locks[field]; ok && owner != clientID {
			return apperror.NewFieldLocked(field, owner)
		}
	}
	return nil
}

// mergeLocks unions existing locks with the request's lock list and drops
// its unlock list. Locks held by another client cannot be taken or released.
func mergeLocks(existing map[string]string, lock, unlock []string, clientID string) (map[string]string, bool, error) {
	merged := map[string]string{}
	for k, v := range existing {
		merged[k] = v
	}

	changed := false
	for _, field := range lock {
		if owner, ok := merged[field]; ok {
			if owner != clientID {
				return nil, false, apperror.NewFieldLocked(field, owner)
			}
			continue
		}
		merged[field] = clientID
		changed = true
	}
	for _, field := range unlock {
		owner, ok := merged[field]
		if !ok {
			continue
		}
		if owner != clientID {
			return nil, false, apperror.NewFieldLocked(field, owner)
		}
		delete(merged, field)
		changed = true
	}

	return merged, changed, nil
}

func createStamps(ctx WriteContext) map[string]any {
	ts := ctx.Timestamp.UTC().Format(time.RFC3339)
	return map[string]any{
		propCreatedByRequest: ctx.RequestID,
		propCreatedByClient:  ctx.ClientID,
		propCreatedByUser:    ctx.ClientUserID,
		propCreatedAt:        ts,
		propUpdatedByRequest: ctx.RequestID,
		propUpdatedByClient:  ctx.ClientID,
		propUpdatedByUser:    ctx.ClientUserID,
		propUpdatedAt:        ts,
	}
}

func updateStamps(ctx WriteContext) map[string]any {
	return map[string]any{
		propUpdatedByRequest: ctx.RequestID,
		propUpdatedByClient:  ctx.ClientID,
		propUpdatedByUser:    ctx.ClientUserID,
		propUpdatedAt:        ctx.Timestamp.UTC().Format(time.RFC3339),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
