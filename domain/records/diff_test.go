package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/domain/schema"
)

const testSchema = `
types:
  Person:
    properties:
      name:
        type: string
      age:
        type: int
      bio:
        type: document
    relationships:
      owns:
        relatedType: Doc
        edgeLabel: OWNS
        direction: outgoing
        cardinality: many
      knows:
        relatedType: Person
        edgeLabel: KNOWS
        direction: outgoing
        cardinality: many
      knownBy:
        relatedType: Person
        edgeLabel: KNOWS
        direction: incoming
        cardinality: many
  Doc:
    properties:
      title:
        type: string
      notes:
        type: document
    relationships:
      owner:
        relatedType: Person
        edgeLabel: OWNS
        direction: incoming
        cardinality: one
        richProperties:
          since:
            type: string
      recentEditors:
        relatedType: Person
        edgeLabel: EDITED
        direction: incoming
        cardinality: many
        cypher: "MATCH (n)<-[:EDITED]-(p) RETURN p"
`

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.ParseRegistry([]byte(testSchema))
	require.NoError(t, err)
	return reg
}

func testType(t *testing.T, name string) *schema.RecordType {
	t.Helper()
	def, err := testRegistry(t).GetType(name)
	require.NoError(t, err)
	return def
}

func mustNormalize(t *testing.T, def *schema.RecordType, body map[string]any) *mutationPayload {
	t.Helper()
	p, err := normalizePayload(def, body)
	require.NoError(t, err)
	return p
}

func personWith(edges map[string][]RelationshipEdge) *RecordState {
	return &RecordState{
		Type:          "Person",
		Code:          "p1",
		Properties:    map[string]any{},
		Relationships: edges,
	}
}

func TestDiffAddsNewEdges(t *testing.T) {
	def := testType(t, "Person")
	existing := personWith(map[string][]RelationshipEdge{
		"owns": {{TargetCode: "d1"}},
	})
	payload := mustNormalize(t, def, map[string]any{"owns": []any{"d1", "d2"}})

	diff, err := diffRelationships(def, existing, payload, ActionMerge)
	require.NoError(t, err)

	require.Len(t, diff.Added["owns"], 1)
	assert.Equal(t, "d2", diff.Added["owns"][0].TargetCode)
	assert.Empty(t, diff.Removed)
}

func TestDiffMergeNeverRemoves(t *testing.T) {
	def := testType(t, "Person")
	existing := personWith(map[string][]RelationshipEdge{
		"owns": {{TargetCode: "d1"}, {TargetCode: "d2"}},
	})
	payload := mustNormalize(t, def, map[string]any{"owns": "d3"})

	diff, err := diffRelationships(def, existing, payload, ActionMerge)
	require.NoError(t, err)

	assert.Empty(t, diff.Removed)
	require.Len(t, diff.Added["owns"], 1)
}

func TestDiffReplaceIsFullReplacement(t *testing.T) {
	def := testType(t, "Person")
	existing := personWith(map[string][]RelationshipEdge{
		"owns": {{TargetCode: "d1"}, {TargetCode: "d2"}},
	})
	payload := mustNormalize(t, def, map[string]any{"owns": []any{"d2", "d3"}})

	diff, err := diffRelationships(def, existing, payload, ActionReplace)
	require.NoError(t, err)

	require.Len(t, diff.Added["owns"], 1)
	assert.Equal(t, "d3", diff.Added["owns"][0].TargetCode)
	assert.Equal(t, []string{"d1"}, diff.Removed["owns"])
}

func TestDiffCardinalityOneReplacesOwner(t *testing.T) {
	def := testType(t, "Doc")
	existing := &RecordState{
		Type: "Doc",
		Code: "d1",
		Relationships: map[string][]RelationshipEdge{
			"owner": {{TargetCode: "p1"}},
		},
	}
	payload := mustNormalize(t, def, map[string]any{"owner": "p2"})

	diff, err := diffRelationships(def, existing, payload, ActionReplace)
	require.NoError(t, err)

	require.Len(t, diff.Added["owner"], 1)
	assert.Equal(t, "p2", diff.Added["owner"][0].TargetCode)
	assert.Equal(t, []string{"p1"}, diff.Removed["owner"])
}

func TestDiffCardinalityOneRejectsMultiple(t *testing.T) {
	def := testType(t, "Doc")
	payload := mustNormalize(t, def, map[string]any{"owner": []any{"p1", "p2"}})

	_, err := diffRelationships(def, nil, payload, ActionMerge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Can only have one owner")
}

func TestDiffIdempotent(t *testing.T) {
	def := testType(t, "Person")
	body := map[string]any{"owns": []any{"d1", "d2"}}
	payload := mustNormalize(t, def, body)

	first, err := diffRelationships(def, personWith(nil), payload, ActionReplace)
	require.NoError(t, err)
	require.NotEmpty(t, first.Added)

	// state after applying the first diff
	applied := personWith(map[string][]RelationshipEdge{
		"owns": first.Added["owns"],
	})

	second, err := diffRelationships(def, applied, payload, ActionReplace)
	require.NoError(t, err)
	assert.True(t, second.IsEmpty())
}

func TestDiffRichPropChangeCountsAsAdded(t *testing.T) {
	def := testType(t, "Doc")
	existing := &RecordState{
		Type: "Doc",
		Code: "d1",
		Relationships: map[string][]RelationshipEdge{
			"owner": {{TargetCode: "p1", RichProps: map[string]any{"since": "2020"}}},
		},
	}
	payload := mustNormalize(t, def, map[string]any{
		"owner": map[string]any{"code": "p1", "since": "2024"},
	})

	diff, err := diffRelationships(def, existing, payload, ActionMerge)
	require.NoError(t, err)

	require.Len(t, diff.Added["owner"], 1)
	assert.Equal(t, "2024", diff.Added["owner"][0].RichProps["since"])
	assert.Empty(t, diff.Removed)
}

func TestDiffUnchangedRichPropIsNoop(t *testing.T) {
	def := testType(t, "Doc")
	existing := &RecordState{
		Type: "Doc",
		Code: "d1",
		Relationships: map[string][]RelationshipEdge{
			"owner": {{TargetCode: "p1", RichProps: map[string]any{"since": "2020"}}},
		},
	}
	payload := mustNormalize(t, def, map[string]any{
		"owner": map[string]any{"code": "p1", "since": "2020"},
	})

	diff, err := diffRelationships(def, existing, payload, ActionMerge)
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())
}

func TestDiffNullDeletesAllEdges(t *testing.T) {
	def := testType(t, "Person")
	existing := personWith(map[string][]RelationshipEdge{
		"owns": {{TargetCode: "d1"}, {TargetCode: "d2"}},
	})
	payload := mustNormalize(t, def, map[string]any{"owns": nil})

	diff, err := diffRelationships(def, existing, payload, ActionMerge)
	require.NoError(t, err)

	assert.Empty(t, diff.Added)
	assert.ElementsMatch(t, []string{"d1", "d2"}, diff.Removed["owns"])
}

func TestDiffNegatedKeyDeletesListedEdges(t *testing.T) {
	def := testType(t, "Person")
	existing := personWith(map[string][]RelationshipEdge{
		"owns": {{TargetCode: "d1"}, {TargetCode: "d2"}},
	})
	payload := mustNormalize(t, def, map[string]any{"!owns": []any{"d1", "d9"}})

	diff, err := diffRelationships(def, existing, payload, ActionMerge)
	require.NoError(t, err)

	// d9 does not exist; removing it is silently skipped
	assert.Equal(t, []string{"d1"}, diff.Removed["owns"])
}

func TestNormalizeRejectsAddRemoveConflict(t *testing.T) {
	def := testType(t, "Person")

	_, err := normalizePayload(def, map[string]any{
		"owns":  []any{"d1"},
		"!owns": []any{"d1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both written and deleted")
}

func TestNormalizeRejectsWriteWithNullTogether(t *testing.T) {
	def := testType(t, "Person")

	_, err := normalizePayload(def, map[string]any{
		"owns": nil,
	})
	require.NoError(t, err)

	// a null value and a write for the same name cannot coexist because the
	// key appears once in JSON; the negated form triggers the conflict
	_, err = normalizePayload(def, map[string]any{
		"owns":  "d1",
		"!owns": "d1",
	})
	require.Error(t, err)
}

func TestNormalizeRejectsUnknownProperty(t *testing.T) {
	def := testType(t, "Person")

	_, err := normalizePayload(def, map[string]any{"favoriteColor": "blue"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown property")
}

func TestNormalizeRejectsDerivedRelationshipWrite(t *testing.T) {
	def := testType(t, "Doc")

	_, err := normalizePayload(def, map[string]any{"recentEditors": "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestNormalizeRoutesDocumentProperties(t *testing.T) {
	def := testType(t, "Person")

	p := mustNormalize(t, def, map[string]any{
		"name": "Ada",
		"bio":  "a long text",
		"owns": "d1",
	})

	assert.Equal(t, "Ada", p.Properties["name"])
	assert.Equal(t, "a long text", p.Documents["bio"])
	assert.NotContains(t, p.Properties, "bio")
	require.Len(t, p.Writes["owns"], 1)
}

func TestNormalizeScalarShorthand(t *testing.T) {
	def := testType(t, "Doc")

	p := mustNormalize(t, def, map[string]any{"owner": "p1"})
	require.Len(t, p.Writes["owner"], 1)
	assert.Equal(t, "p1", p.Writes["owner"][0].TargetCode)
	assert.Nil(t, p.Writes["owner"][0].RichProps)
}

func TestDiffPropertiesDetectsChanges(t *testing.T) {
	existing := &RecordState{Properties: map[string]any{"name": "Ada", "age": 36}}

	diff := diffProperties(existing, map[string]any{
		"name": "Ada",
		"age":  37,
	})

	assert.NotContains(t, diff, "name")
	assert.Equal(t, 37, diff["age"])
}

func TestDiffPropertiesNilClears(t *testing.T) {
	existing := &RecordState{Properties: map[string]any{"name": "Ada"}}

	diff := diffProperties(existing, map[string]any{"name": nil})
	require.Contains(t, diff, "name")
	assert.Nil(t, diff["name"])

	// clearing an absent property is a no-op
	diff = diffProperties(existing, map[string]any{"age": nil})
	assert.Empty(t, diff)
}
