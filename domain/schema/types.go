// Package schema holds the record type definitions the mutation engine is
// driven by. Types are supplied externally (YAML file, registry service) and
// are immutable for the duration of a request.
package schema

import (
	"github.com/lattice-hq/lattice/pkg/apperror"
)

// Direction of a relationship as seen from the declaring type.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	if d == DirectionOutgoing {
		return DirectionIncoming
	}
	return DirectionOutgoing
}

// Cardinality of a relationship from the declaring side.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// PropertyDef describes a scalar property.
type PropertyDef struct {
	// Type is the scalar type name (string, int, float, boolean).
	// The special type "document" marks a large payload held in the blob
	// store rather than on the graph node.
	Type string `yaml:"type"`

	Description string `yaml:"description,omitempty"`
}

// IsDocument reports whether the property body lives in the blob store.
func (p PropertyDef) IsDocument() bool {
	return p.Type == "document"
}

// RelationshipDef describes one named relationship of a record type.
type RelationshipDef struct {
	RelatedType string      `yaml:"relatedType"`
	EdgeLabel   string      `yaml:"edgeLabel"`
	Direction   Direction   `yaml:"direction"`
	Cardinality Cardinality `yaml:"cardinality"`

	// RichProperties are scalar sub-properties carried on the edge itself.
	RichProperties map[string]PropertyDef `yaml:"richProperties,omitempty"`

	// Cypher marks a read-only derived relationship. Derived relationships
	// have no inverse and are excluded from diffing.
	Cypher string `yaml:"cypher,omitempty"`
}

// IsDerived reports whether the relationship is read-only (cypher-derived).
func (r RelationshipDef) IsDerived() bool {
	return r.Cypher != ""
}

// RecordType is the full definition of one record type.
type RecordType struct {
	Name          string                     `yaml:"name"`
	Description   string                     `yaml:"description,omitempty"`
	Properties    map[string]PropertyDef     `yaml:"properties,omitempty"`
	Relationships map[string]RelationshipDef `yaml:"relationships,omitempty"`
}

// IdentityField is the stable unique identifier property of every record.
const IdentityField = "code"

// Relationship returns the named relationship definition.
func (t *RecordType) Relationship(name string) (RelationshipDef, bool) {
	def, ok := t.Relationships[name]
	return def, ok
}

// HasProperty reports whether name is a schema-defined scalar property.
func (t *RecordType) HasProperty(name string) bool {
	_, ok := t.Properties[name]
	return ok
}

// Lookup resolves record types by name. GetType must be cheap; it is called
// several times per request.
type Lookup interface {
	GetType(name string) (*RecordType, error)
}

// ResolveInverse finds, on the related type, the property name of the
// relationship that mirrors def: same edge label, opposite direction, and
// related type pointing back at fromType. A missing inverse is a schema
// inconsistency and is reported as such, never silently ignored.
func ResolveInverse(lookup Lookup, fromType string, def RelationshipDef) (string, error) {
	related, err := lookup.GetType(def.RelatedType)
	if err != nil {
		return "", err
	}

	for name, candidate := range related.Relationships {
		if candidate.IsDerived() {
			continue
		}
		if candidate.EdgeLabel == def.EdgeLabel &&
			candidate.Direction == def.Direction.Opposite() &&
			candidate.RelatedType == fromType {
			return name, nil
		}
	}

	return "", apperror.ErrSchema.WithMessagef(
		"no inverse for relationship %s (%s) on type %s",
		def.EdgeLabel, def.Direction, def.RelatedType,
	)
}
