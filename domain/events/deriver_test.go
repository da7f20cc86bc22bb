package events

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/domain/schema"
)

const deriverSchema = `
types:
  Person:
    properties:
      name:
        type: string
    relationships:
      owns:
        relatedType: Doc
        edgeLabel: OWNS
        direction: outgoing
        cardinality: many
  Doc:
    properties:
      title:
        type: string
    relationships:
      owner:
        relatedType: Person
        edgeLabel: OWNS
        direction: incoming
        cardinality: one
`

func newTestDeriver(t *testing.T) *Deriver {
	t.Helper()
	reg, err := schema.ParseRegistry([]byte(deriverSchema))
	require.NoError(t, err)
	return NewDeriver(reg, slog.Default())
}

func TestDerivePrimaryOnly(t *testing.T) {
	d := newTestDeriver(t)

	events, err := d.Derive(DeriveInput{
		Action:            ActionUpdate,
		Type:              "Person",
		Code:              "p1",
		UpdatedProperties: []string{"name"},
		RequestID:         "req-1",
		Timestamp:         time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, ActionUpdate, events[0].Action)
	assert.Equal(t, "Person", events[0].Type)
	assert.Equal(t, "p1", events[0].Code)
	assert.Equal(t, []string{"name"}, events[0].UpdatedProperties)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, "2026-05-01T12:00:00Z", events[0].Timestamp)
}

func TestDerivePeerEvents(t *testing.T) {
	d := newTestDeriver(t)

	events, err := d.Derive(DeriveInput{
		Action:            ActionUpdate,
		Type:              "Person",
		Code:              "p1",
		UpdatedProperties: []string{"owns"},
		Edges: []EdgeChange{
			{RelationshipName: "owns", TargetType: "Doc", TargetCode: "d1"},
			{RelationshipName: "owns", TargetType: "Doc", TargetCode: "d2", TargetCreatedByRequest: true},
		},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, events, 3)

	// existing peer gets an update naming the inverse relationship
	assert.Equal(t, ActionUpdate, events[1].Action)
	assert.Equal(t, "Doc", events[1].Type)
	assert.Equal(t, "d1", events[1].Code)
	assert.Equal(t, []string{"owner"}, events[1].UpdatedProperties)

	// upserted peer is reported as created, including its identity field
	assert.Equal(t, ActionCreate, events[2].Action)
	assert.Equal(t, "d2", events[2].Code)
	assert.Equal(t, []string{"code", "owner"}, events[2].UpdatedProperties)
}

func TestDeriveDeduplicates(t *testing.T) {
	d := newTestDeriver(t)

	events, err := d.Derive(DeriveInput{
		Action:            ActionUpdate,
		Type:              "Person",
		Code:              "p1",
		UpdatedProperties: []string{"owns"},
		Edges: []EdgeChange{
			{RelationshipName: "owns", TargetType: "Doc", TargetCode: "d1"},
			{RelationshipName: "owns", TargetType: "Doc", TargetCode: "d1"},
		},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "d1", events[1].Code)
	assert.Equal(t, []string{"owner"}, events[1].UpdatedProperties)
}

func TestDerivePrimaryAndPeerCollapse(t *testing.T) {
	d := newTestDeriver(t)

	// a self-referential shape where the peer event targets the primary
	events, err := d.Derive(DeriveInput{
		Action:            ActionUpdate,
		Type:              "Person",
		Code:              "p1",
		UpdatedProperties: []string{"name"},
		Edges:             nil,
		Timestamp:         time.Now(),
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDeriveMissingInverseFails(t *testing.T) {
	// a lookup whose Doc side lost the inverse definition
	reg, err := schema.ParseRegistry([]byte(deriverSchema))
	require.NoError(t, err)

	doc, err := reg.GetType("Doc")
	require.NoError(t, err)
	delete(doc.Relationships, "owner")

	d := NewDeriver(reg, slog.Default())
	_, err = d.Derive(DeriveInput{
		Action: ActionUpdate,
		Type:   "Person",
		Code:   "p1",
		Edges: []EdgeChange{
			{RelationshipName: "owns", TargetType: "Doc", TargetCode: "d1"},
		},
		Timestamp: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inverse")
}

func TestDeriveUnknownRelationshipSkipped(t *testing.T) {
	d := newTestDeriver(t)

	events, err := d.Derive(DeriveInput{
		Action: ActionUpdate,
		Type:   "Person",
		Code:   "p1",
		Edges: []EdgeChange{
			{RelationshipName: "nonexistent", TargetType: "Doc", TargetCode: "d1"},
		},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
