package records

import (
	"strings"

	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/pkg/apperror"
)

// mutationPayload is a request body resolved against the schema: scalar
// properties, document properties routed to the blob store, and normalized
// relationship intents. Open maps stop at this boundary.
type mutationPayload struct {
	Properties map[string]any
	Documents  map[string]any

	// Writes holds desired edges per relationship name.
	Writes map[string][]RelationshipEdge
	// Deletes holds explicit target codes to unlink per relationship name.
	Deletes map[string][]string
	// DeleteAll marks relationships whose payload value was null.
	DeleteAll map[string]bool
}

// normalizePayload validates a raw body against the type definition and
// splits it into typed intents. It fails on unknown keys, writes to derived
// relationships, malformed edge values, and add/remove conflicts. The
// conflict check runs here, before any diffing.
func normalizePayload(def *schema.RecordType, body map[string]any) (*mutationPayload, error) {
	p := &mutationPayload{
		Properties: map[string]any{},
		Documents:  map[string]any{},
		Writes:     map[string][]RelationshipEdge{},
		Deletes:    map[string][]string{},
		DeleteAll:  map[string]bool{},
	}

	for key, value := range body {
		name, negated := strings.CutPrefix(key, "!")

		if name == schema.IdentityField {
			return nil, apperror.ErrInvalidRequest.WithMessagef("property '%s' cannot be written", schema.IdentityField)
		}

		if prop, ok := def.Properties[name]; ok {
			if negated {
				return nil, apperror.ErrInvalidRequest.WithMessagef("'!' prefix is only valid on relationships, not property '%s'", name)
			}
			if prop.IsDocument() {
				p.Documents[name] = value
			} else {
				p.Properties[name] = value
			}
			continue
		}

		rel, ok := def.Relationship(name)
		if !ok {
			return nil, apperror.ErrInvalidRequest.WithMessagef("unknown property '%s' on type %s", name, def.Name)
		}
		if rel.IsDerived() {
			return nil, apperror.ErrInvalidRequest.WithMessagef("relationship '%s' is read-only", name)
		}

		if negated {
			codes, err := normalizeCodes(name, value)
			if err != nil {
				return nil, err
			}
			p.Deletes[name] = append(p.Deletes[name], codes...)
			continue
		}

		if value == nil {
			p.DeleteAll[name] = true
			continue
		}

		edges, err := normalizeEdges(name, value)
		if err != nil {
			return nil, err
		}
		p.Writes[name] = append(p.Writes[name], edges...)
	}

	for name, edges := range p.Writes {
		if p.DeleteAll[name] {
			return nil, addRemoveConflict(name)
		}
		deleted := map[string]bool{}
		for _, code := range p.Deletes[name] {
			deleted[code] = true
		}
		for _, e := range edges {
			if deleted[e.TargetCode] {
				return nil, addRemoveConflict(name)
			}
		}
	}

	return p, nil
}

func addRemoveConflict(name string) error {
	return apperror.ErrInvalidRequest.WithMessagef(
		"relationship '%s' is both written and deleted in the same request", name)
}

// normalizeEdges accepts a scalar code, an edge object, or a list of either.
// A scalar string is shorthand for {code: value}.
func normalizeEdges(name string, value any) ([]RelationshipEdge, error) {
	switch v := value.(type) {
	case string:
		return []RelationshipEdge{{TargetCode: v}}, nil
	case map[string]any:
		edge, err := edgeFromMap(name, v)
		if err != nil {
			return nil, err
		}
		return []RelationshipEdge{edge}, nil
	case []any:
		edges := make([]RelationshipEdge, 0, len(v))
		for _, item := range v {
			sub, err := normalizeEdges(name, item)
			if err != nil {
				return nil, err
			}
			edges = append(edges, sub...)
		}
		return edges, nil
	default:
		return nil, apperror.ErrInvalidRequest.WithMessagef(
			"relationship '%s' value must be a code, an object, or a list (got %T)", name, value)
	}
}

func edgeFromMap(name string, m map[string]any) (RelationshipEdge, error) {
	code, ok := m[schema.IdentityField].(string)
	if !ok || code == "" {
		return RelationshipEdge{}, apperror.ErrInvalidRequest.WithMessagef(
			"relationship '%s' object is missing '%s'", name, schema.IdentityField)
	}

	edge := RelationshipEdge{TargetCode: code}
	for k, v := range m {
		if k == schema.IdentityField {
			continue
		}
		if edge.RichProps == nil {
			edge.RichProps = map[string]any{}
		}
		edge.RichProps[k] = v
	}
	return edge, nil
}

// normalizeCodes accepts a scalar code or a list of codes for a delete intent.
func normalizeCodes(name string, value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []any:
		codes := make([]string, 0, len(v))
		for _, item := range v {
			code, ok := item.(string)
			if !ok {
				return nil, apperror.ErrInvalidRequest.WithMessagef(
					"'!%s' entries must be codes (got %T)", name, item)
			}
			codes = append(codes, code)
		}
		return codes, nil
	default:
		return nil, apperror.ErrInvalidRequest.WithMessagef(
			"'!%s' value must be a code or a list of codes (got %T)", name, value)
	}
}
