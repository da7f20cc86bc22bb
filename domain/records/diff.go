package records

import (
	"reflect"

	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/pkg/apperror"
)

// diffRelationships compares the payload's desired relationship state with
// the record's current edges and produces the add and remove sets. existing
// may be nil for a record being created.
//
// The diff is field-level for rich properties: an edge whose only change is
// a rich property counts as added so it gets re-merged with fresh
// provenance. Under replace, and always for cardinality-one relationships,
// existing edges missing from the write intent are removed. Explicit
// deletions only ever remove edges that exist; unlinking an absent target is
// a silent no-op.
func diffRelationships(def *schema.RecordType, existing *RecordState, payload *mutationPayload, action Action) (*DiffResult, error) {
	result := &DiffResult{
		Added:   map[string][]RelationshipEdge{},
		Removed: map[string][]string{},
	}

	current := map[string][]RelationshipEdge{}
	if existing != nil {
		current = existing.Relationships
	}

	for name, desired := range payload.Writes {
		rel, ok := def.Relationship(name)
		if !ok {
			return nil, apperror.ErrInvalidRequest.WithMessagef("unknown relationship '%s'", name)
		}

		if rel.Cardinality == schema.CardinalityOne && len(desired) > 1 {
			return nil, apperror.ErrInvalidRequest.WithMessagef("Can only have one %s", name)
		}

		var added []RelationshipEdge
		desiredCodes := map[string]bool{}
		for _, want := range desired {
			desiredCodes[want.TargetCode] = true
			have, exists := findEdge(current[name], want.TargetCode)
			if !exists || richPropsChanged(want.RichProps, have.RichProps) {
				added = append(added, want)
			}
		}
		if len(added) > 0 {
			result.Added[name] = added
		}

		if action == ActionReplace || rel.Cardinality == schema.CardinalityOne {
			for _, have := range current[name] {
				if !desiredCodes[have.TargetCode] {
					result.Removed[name] = append(result.Removed[name], have.TargetCode)
				}
			}
		}
	}

	for name := range payload.DeleteAll {
		for _, have := range current[name] {
			result.Removed[name] = append(result.Removed[name], have.TargetCode)
		}
	}

	for name, codes := range payload.Deletes {
		for _, code := range codes {
			if _, exists := findEdge(current[name], code); exists {
				result.Removed[name] = append(result.Removed[name], code)
			}
		}
	}

	return result, nil
}

// richPropsChanged reports whether any desired rich property differs from
// the edge's current value. Properties absent from the desired set are left
// alone and do not count as changes.
func richPropsChanged(desired, current map[string]any) bool {
	for k, v := range desired {
		if existing, ok := current[k]; !ok || !reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

// diffProperties returns the scalar properties whose values differ from the
// record's current state. A nil value clears the property.
func diffProperties(existing *RecordState, incoming map[string]any) map[string]any {
	diff := map[string]any{}
	var current map[string]any
	if existing != nil {
		current = existing.Properties
	}
	for k, v := range incoming {
		have, ok := current[k]
		if v == nil {
			if ok {
				diff[k] = nil
			}
			continue
		}
		if !ok || !reflect.DeepEqual(have, v) {
			diff[k] = v
		}
	}
	return diff
}
