package records

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/domain/events"
	"github.com/lattice-hq/lattice/internal/graph"
	"github.com/lattice-hq/lattice/pkg/apperror"
)

func TestComputeAbsorbDiffCopiesMissingProperties(t *testing.T) {
	def := testType(t, "Doc")

	main := &RecordState{
		Type:       "Doc",
		Code:       "d1",
		Properties: map[string]any{"title": "kept"},
	}
	absorbed := &RecordState{
		Type: "Doc",
		Code: "d2",
		Properties: map[string]any{
			"title":    "discarded",
			"legacyId": "x-123",
		},
	}

	diff := computeAbsorbDiff(def, main, absorbed)

	// main's value wins, unknown properties are dropped
	assert.NotContains(t, diff.properties, "title")
	assert.NotContains(t, diff.properties, "legacyId")
}

func TestComputeAbsorbDiffFillsEmptyMainProperty(t *testing.T) {
	def := testType(t, "Doc")

	main := &RecordState{Type: "Doc", Code: "d1", Properties: map[string]any{"title": ""}}
	absorbed := &RecordState{Type: "Doc", Code: "d2", Properties: map[string]any{"title": "from absorbed"}}

	diff := computeAbsorbDiff(def, main, absorbed)
	assert.Equal(t, "from absorbed", diff.properties["title"])
}

func TestComputeAbsorbDiffDiscardsReflexiveEdges(t *testing.T) {
	def := testType(t, "Person")

	// p1 and p2 know each other; absorbing p2 into p1 must not create a
	// self edge
	main := &RecordState{
		Type: "Person", Code: "p1",
		Properties: map[string]any{},
		Relationships: map[string][]RelationshipEdge{
			"knows": {{TargetCode: "p2"}},
		},
	}
	absorbed := &RecordState{
		Type: "Person", Code: "p2",
		Properties: map[string]any{},
		Relationships: map[string][]RelationshipEdge{
			"knows":   {{TargetCode: "p1"}},
			"knownBy": {{TargetCode: "p1"}},
		},
	}

	diff := computeAbsorbDiff(def, main, absorbed)
	assert.Empty(t, diff.edges["knows"])
	assert.Empty(t, diff.edges["knownBy"])
}

func TestComputeAbsorbDiffKeepsMainCardinalityOneLink(t *testing.T) {
	def := testType(t, "Doc")

	main := &RecordState{
		Type: "Doc", Code: "d1",
		Properties: map[string]any{},
		Relationships: map[string][]RelationshipEdge{
			"owner": {{TargetCode: "p1"}},
		},
	}
	absorbed := &RecordState{
		Type: "Doc", Code: "d2",
		Properties: map[string]any{},
		Relationships: map[string][]RelationshipEdge{
			"owner": {{TargetCode: "p2"}},
		},
	}

	diff := computeAbsorbDiff(def, main, absorbed)
	assert.Empty(t, diff.edges["owner"])
}

func TestComputeAbsorbDiffMergesUniqueEdges(t *testing.T) {
	def := testType(t, "Person")

	main := &RecordState{
		Type: "Person", Code: "p1",
		Properties: map[string]any{},
		Relationships: map[string][]RelationshipEdge{
			"owns": {{TargetCode: "d1"}},
		},
	}
	absorbed := &RecordState{
		Type: "Person", Code: "p2",
		Properties: map[string]any{},
		Relationships: map[string][]RelationshipEdge{
			"owns": {{TargetCode: "d1"}, {TargetCode: "d2", RichProps: map[string]any{"note": "x"}}},
		},
	}

	diff := computeAbsorbDiff(def, main, absorbed)
	require.Len(t, diff.edges["owns"], 1)
	assert.Equal(t, "d2", diff.edges["owns"][0].TargetCode)
}

func TestAbsorbMergesAndDeletes(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	_, err := fx.blobs.PutObject(ctx, "doc/d2.json", []byte(`{"notes":"y"}`))
	require.NoError(t, err)

	absorbed := true
	fx.executor.exec = func(st *graph.Statement) (*graph.RowSet, error) {
		if isFetch(st) {
			code := st.Params["p0"].(string)
			if code == "d2" && !absorbed {
				return &graph.RowSet{}, nil
			}
			if code == "d2" {
				return &graph.RowSet{Rows: []graph.Row{nodeRow("d2", map[string]any{"title": "second"})}}, nil
			}
			return &graph.RowSet{Rows: []graph.Row{nodeRow("d1", nil)}}, nil
		}
		require.Contains(t, st.Cypher, "DETACH DELETE old")
		absorbed = false
		return &graph.RowSet{Rows: []graph.Row{nodeRow("d1", nil)}}, nil
	}

	view, err := fx.svc.Absorb(ctx, testCtx, "Doc", "d1", "d2", false)
	require.NoError(t, err)
	assert.Equal(t, "d1", view.Code)

	// d2's document body merged into d1's
	body, _, err := fx.blobs.GetObject(ctx, "doc/d1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"notes":"y"}`, string(body))

	// d2's document is gone
	_, _, err = fx.blobs.GetObject(ctx, "doc/d2.json")
	require.Error(t, err)

	// update for the survivor, delete for the absorbed record
	require.Len(t, fx.publisher.events, 2)
	assert.Equal(t, events.ActionUpdate, fx.publisher.events[0].Action)
	assert.Equal(t, "d1", fx.publisher.events[0].Code)
	assert.Equal(t, events.ActionDelete, fx.publisher.events[1].Action)
	assert.Equal(t, "d2", fx.publisher.events[1].Code)
}

func TestAbsorbNotifiesPeersOfDiscardedEdges(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	// d1 keeps its owner; d2's competing owner edge to p2 is discarded
	fx.executor.exec = func(st *graph.Statement) (*graph.RowSet, error) {
		if isFetch(st) {
			code := st.Params["p0"].(string)
			if code == "d2" {
				return &graph.RowSet{Rows: []graph.Row{
					edgeRow(nodeRow("d2", nil), "OWNS", false, "p2", "Person", nil),
				}}, nil
			}
			return &graph.RowSet{Rows: []graph.Row{
				edgeRow(nodeRow("d1", nil), "OWNS", false, "p1", "Person", nil),
			}}, nil
		}
		require.Contains(t, st.Cypher, "DETACH DELETE old")
		return &graph.RowSet{Rows: []graph.Row{nodeRow("d1", nil)}}, nil
	}

	_, err := fx.svc.Absorb(ctx, testCtx, "Doc", "d1", "d2", false)
	require.NoError(t, err)

	// the delete fans out to p2, whose owns link went away with d2
	var peer *events.ChangeEvent
	for i := range fx.publisher.events {
		ev := fx.publisher.events[i]
		if ev.Type == "Person" && ev.Code == "p2" {
			peer = &fx.publisher.events[i]
		}
	}
	require.NotNil(t, peer)
	assert.Equal(t, events.ActionUpdate, peer.Action)
	assert.Equal(t, []string{"owns"}, peer.UpdatedProperties)
}

func TestAbsorbRollsBackBlobOnGraphFailure(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	_, err := fx.blobs.PutObject(ctx, "doc/d1.json", []byte(`{"notes":"main"}`))
	require.NoError(t, err)
	_, err = fx.blobs.PutObject(ctx, "doc/d2.json", []byte(`{"summary":"side"}`))
	require.NoError(t, err)

	fx.executor.exec = func(st *graph.Statement) (*graph.RowSet, error) {
		if isFetch(st) {
			code := st.Params["p0"].(string)
			return &graph.RowSet{Rows: []graph.Row{nodeRow(code, nil)}}, nil
		}
		return nil, apperror.ErrGraphBackend.WithMessage("boom")
	}

	_, err = fx.svc.Absorb(ctx, testCtx, "Doc", "d1", "d2", false)
	require.Error(t, err)

	// both sides restored to their pre-merge bodies
	body, _, err := fx.blobs.GetObject(ctx, "doc/d1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"notes":"main"}`, string(body))

	body, _, err = fx.blobs.GetObject(ctx, "doc/d2.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"side"}`, string(body))
}

func TestAbsorbMissingSides(t *testing.T) {
	fx := newServiceFixture(t)
	fx.executor.exec = func(st *graph.Statement) (*graph.RowSet, error) {
		code := st.Params["p0"].(string)
		if code == "d1" {
			return &graph.RowSet{Rows: []graph.Row{nodeRow("d1", nil)}}, nil
		}
		return &graph.RowSet{}, nil
	}

	_, err := fx.svc.Absorb(context.Background(), testCtx, "Doc", "d1", "ghost", false)
	require.Error(t, err)
	assert.True(t, apperror.ErrNotFound.Is(err))
	assert.True(t, strings.Contains(err.Error(), "absorbed"))

	_, err = fx.svc.Absorb(context.Background(), testCtx, "Doc", "ghost", "d1", false)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "main"))
}

func TestAbsorbSelfRejected(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.svc.Absorb(context.Background(), testCtx, "Doc", "d1", "d1", false)
	require.Error(t, err)
	assert.True(t, apperror.ErrInvalidRequest.Is(err))
}
