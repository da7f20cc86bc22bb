package records

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/internal/graph"
)

// Action selects how a write treats relationships it does not mention.
type Action string

const (
	// ActionMerge adds to existing many-cardinality relationship sets.
	ActionMerge Action = "merge"
	// ActionReplace makes each written relationship set exactly the payload.
	ActionReplace Action = "replace"
)

// WriteContext carries the per-request identity stamped onto every mutation.
// It is passed explicitly; nothing in the engine reads ambient state.
type WriteContext struct {
	RequestID    string
	ClientID     string
	ClientUserID string
	Timestamp    time.Time
}

// Provenance property names on nodes and edges. The underscore prefix keeps
// them out of the schema-defined property namespace.
const (
	propCreatedByRequest = "_createdByRequest"
	propCreatedByClient  = "_createdByClient"
	propCreatedByUser    = "_createdByUser"
	propCreatedAt        = "_createdAt"
	propUpdatedByRequest = "_updatedByRequest"
	propUpdatedByClient  = "_updatedByClient"
	propUpdatedByUser    = "_updatedByUser"
	propUpdatedAt        = "_updatedAt"
	propLockedFields     = "_lockedFields"
)

// RelationshipEdge is one edge of a named relationship as seen from the
// record holding it.
type RelationshipEdge struct {
	TargetCode string         `json:"code"`
	RichProps  map[string]any `json:"richProps,omitempty"`

	// TargetCreatedByRequest is the request id that created the target
	// node, used to tell upserted placeholders from pre-existing records.
	TargetCreatedByRequest string `json:"-"`
}

// RecordState is a record's full current state as read from the graph.
// It lives for one request only.
type RecordState struct {
	Type          string
	Code          string
	Properties    map[string]any
	Relationships map[string][]RelationshipEdge
	LockedFields  map[string]string

	CreatedByRequest string
}

// Edge returns the edge of the named relationship pointing at code.
func (s *RecordState) Edge(name, code string) (RelationshipEdge, bool) {
	for _, e := range s.Relationships[name] {
		if e.TargetCode == code {
			return e, true
		}
	}
	return RelationshipEdge{}, false
}

// DiffResult is the outcome of diffing a desired relationship payload
// against current state.
type DiffResult struct {
	Added   map[string][]RelationshipEdge
	Removed map[string][]string
}

// IsEmpty reports whether the diff changes nothing.
func (d *DiffResult) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// RecordView is the response shape for read and write operations.
type RecordView struct {
	Type          string            `json:"type"`
	Code          string            `json:"code"`
	Properties    map[string]any    `json:"properties"`
	Relationships map[string]any    `json:"relationships,omitempty"`
	LockedFields  map[string]string `json:"lockedFields,omitempty"`
}

// stateFromRows builds a RecordState from the rows of a fetch statement.
// Relationship names are recovered from the edge label and direction via the
// type definition; edges with no schema match are dropped.
func stateFromRows(def *schema.RecordType, rs *graph.RowSet) *RecordState {
	if !rs.HasRecords() {
		return nil
	}

	first := rs.Rows[0]
	state := &RecordState{
		Type:          def.Name,
		Properties:    map[string]any{},
		Relationships: map[string][]RelationshipEdge{},
		LockedFields:  map[string]string{},
	}

	for k, v := range first.NodeProps {
		if k == schema.IdentityField {
			if code, ok := v.(string); ok {
				state.Code = code
			}
			continue
		}
		if strings.HasPrefix(k, "_") {
			continue
		}
		state.Properties[k] = v
	}
	if v, ok := first.NodeProps[propCreatedByRequest].(string); ok {
		state.CreatedByRequest = v
	}
	state.LockedFields = decodeLockedFields(first.NodeProps[propLockedFields])

	for _, row := range rs.Rows {
		if row.RelType == "" || row.RelatedCode == "" {
			continue
		}
		name, ok := relationshipName(def, row)
		if !ok {
			continue
		}

		edge := RelationshipEdge{
			TargetCode: row.RelatedCode,
			RichProps:  richProps(row.RelProps),
		}
		if v, ok := row.RelatedProps[propCreatedByRequest].(string); ok {
			edge.TargetCreatedByRequest = v
		}

		if _, dup := findEdge(state.Relationships[name], edge.TargetCode); !dup {
			state.Relationships[name] = append(state.Relationships[name], edge)
		}
	}

	return state
}

// decodeLockedFields parses the locked-field map stored as a JSON string
// property. Malformed values read as no locks.
func decodeLockedFields(v any) map[string]string {
	out := map[string]string{}
	raw, ok := v.(string)
	if !ok || raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func encodeLockedFields(locks map[string]string) string {
	if len(locks) == 0 {
		return ""
	}
	raw, _ := json.Marshal(locks)
	return string(raw)
}

func relationshipName(def *schema.RecordType, row graph.Row) (string, bool) {
	dir := schema.DirectionIncoming
	if row.RelOutgoing {
		dir = schema.DirectionOutgoing
	}
	for name, rel := range def.Relationships {
		if rel.EdgeLabel == row.RelType && rel.Direction == dir && hasLabel(row.RelatedLabels, rel.RelatedType) {
			return name, true
		}
	}
	return "", false
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}

func findEdge(edges []RelationshipEdge, code string) (RelationshipEdge, bool) {
	for _, e := range edges {
		if e.TargetCode == code {
			return e, true
		}
	}
	return RelationshipEdge{}, false
}

func richProps(props map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range props {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
