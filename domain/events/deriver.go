package events

import (
	"log/slog"
	"sort"
	"time"

	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/pkg/logger"
)

// Deriver turns one completed mutation into the set of change events it
// implies. Besides the primary record's event, every related record whose
// edge set changed gets a peer event naming the inverse relationship that
// changed from its point of view.
type Deriver struct {
	schema schema.Lookup
	log    *slog.Logger
}

// NewDeriver creates a deriver over the given schema.
func NewDeriver(lookup schema.Lookup, log *slog.Logger) *Deriver {
	return &Deriver{
		schema: lookup,
		log:    log.With(logger.Scope("events.deriver")),
	}
}

type eventKey struct {
	action Action
	typ    string
	code   string
}

// Derive builds the deduplicated event set for a mutation. Events with the
// same action, type and code collapse into one with the union of their
// updated properties. An unresolvable inverse means the schema is
// inconsistent and derivation fails rather than emitting a partial set.
func (d *Deriver) Derive(in DeriveInput) ([]ChangeEvent, error) {
	primaryType, err := d.schema.GetType(in.Type)
	if err != nil {
		return nil, err
	}

	ts := in.Timestamp.UTC().Format(time.RFC3339)

	order := []eventKey{}
	merged := map[eventKey]map[string]struct{}{}

	add := func(key eventKey, props []string) {
		set, ok := merged[key]
		if !ok {
			set = map[string]struct{}{}
			merged[key] = set
			order = append(order, key)
		}
		for _, p := range props {
			set[p] = struct{}{}
		}
	}

	add(eventKey{in.Action, in.Type, in.Code}, in.UpdatedProperties)

	for _, edge := range in.Edges {
		def, ok := primaryType.Relationship(edge.RelationshipName)
		if !ok || def.IsDerived() {
			continue
		}

		inverse, err := schema.ResolveInverse(d.schema, in.Type, def)
		if err != nil {
			d.log.Error("inverse resolution failed",
				slog.String("type", in.Type),
				slog.String("relationship", edge.RelationshipName),
				logger.Error(err),
			)
			return nil, err
		}

		peerKey := eventKey{ActionUpdate, edge.TargetType, edge.TargetCode}
		peerProps := []string{inverse}
		if edge.TargetCreatedByRequest {
			peerKey.action = ActionCreate
			peerProps = append(peerProps, schema.IdentityField)
		}
		add(peerKey, peerProps)
	}

	out := make([]ChangeEvent, 0, len(order))
	for _, key := range order {
		props := make([]string, 0, len(merged[key]))
		for p := range merged[key] {
			props = append(props, p)
		}
		sort.Strings(props)

		out = append(out, ChangeEvent{
			Action:            key.action,
			Type:              key.typ,
			Code:              key.code,
			UpdatedProperties: props,
			RequestID:         in.RequestID,
			Timestamp:         ts,
		})
	}

	return out, nil
}
