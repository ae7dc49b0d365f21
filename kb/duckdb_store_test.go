package kb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuckDBVectorStore(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	defer h.Cleanup()
	s := h.Vectors()

	t.Run("lifecycle", func(t *testing.T) {
		require.ErrorIs(t, s.DropCollection(ctx, "frags"), ErrCollectionNotFound)
		require.ErrorIs(t, s.CreateCollection(ctx, "frags", 0), ErrInvalidEmbeddingDimension)
		require.NoError(t, s.CreateCollection(ctx, "frags", 3))
		require.Error(t, s.CreateCollection(ctx, "frags", 3))

		err := s.Insert(ctx, "frags", []Fragment{{OriginID: 1, Text: "x", Embedding: []float32{1, 2}}})
		require.ErrorIs(t, err, ErrInvalidEmbeddingDimension)

		require.NoError(t, s.Insert(ctx, "frags", []Fragment{
			{OriginID: 1, Seq: 1, Text: "CD", TablePath: "A->B", Embedding: []float32{0, 1, 0}},
			{OriginID: 1, Seq: 0, Text: "AB", TablePath: "A->B", Embedding: []float32{1, 0, 0}},
			{OriginID: 2, Seq: 0, Text: "far", TablePath: "C", Embedding: []float32{9, 9, 9}},
		}))

		_, err = s.Search(ctx, "frags", []float32{1, 0, 0}, 2)
		require.ErrorIs(t, err, ErrCollectionNotLoaded)

		require.NoError(t, s.BuildIndex(ctx, "frags", DefaultIndexParams()))
		require.NoError(t, s.Load(ctx, "frags"))

		hits, err := s.Search(ctx, "frags", []float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "AB", hits[0].Text)
		assert.InDelta(t, 0, hits[0].Distance, 1e-6)
		assert.Equal(t, "A->B", hits[0].TablePath)
		assert.InDelta(t, 1.41421356, hits[1].Distance, 1e-5)

		frags, err := s.FragmentsByOrigin(ctx, "frags", 1)
		require.NoError(t, err)
		require.Len(t, frags, 2)
		assert.Equal(t, 0, frags[0].Seq)
		assert.Equal(t, "AB", frags[0].Text)

		_, err = s.Search(ctx, "frags", []float32{1, 0}, 2)
		require.ErrorIs(t, err, ErrInvalidEmbeddingDimension)

		require.NoError(t, s.DropCollection(ctx, "frags"))
		_, err = s.Search(ctx, "frags", []float32{1, 0, 0}, 2)
		require.ErrorIs(t, err, ErrCollectionNotFound)
	})

	t.Run("rejects unsafe collection names", func(t *testing.T) {
		require.Error(t, s.CreateCollection(ctx, `paths"; DROP TABLE kb_collections; --`, 3))
	})
}

func TestDuckDBGraphStore(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	defer h.Cleanup()
	g := h.Graph()

	nodes := []SchemaNode{
		{Name: "USERS", Comment: "users", Meta: "USERS[users](ID:bigint:)"},
		{Name: "ORDERS", Comment: "orders", Meta: "ORDERS[orders](USER_ID:bigint:)"},
		{Name: "ITEMS", Comment: "", Meta: "ITEMS(ORDER_ID:bigint:)"},
	}
	edges := []SchemaEdge{
		{From: "ORDERS", To: "USERS", Type: EdgeReferences, FromColumn: "USER_ID", ToColumn: "ID"},
		{From: "USERS", To: "ORDERS", Type: EdgeReferencedBy, FromColumn: "ID", ToColumn: "USER_ID"},
		{From: "ITEMS", To: "ORDERS", Type: EdgeReferences, FromColumn: "ORDER_ID", ToColumn: "ID"},
		{From: "ORDERS", To: "ITEMS", Type: EdgeReferencedBy, FromColumn: "ID", ToColumn: "ORDER_ID"},
	}
	require.NoError(t, g.ReplaceSchema(ctx, nodes, edges))

	listed, err := g.ListNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodes, listed)

	paths, err := g.ShortestPaths(ctx, PathQuery{Anchor: "USERS", MaxHops: 5})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "ITEMS", paths[0].Target().Name)
	assert.Equal(t, 2, paths[0].Hops())
	assert.Equal(t, "ORDERS", paths[1].Target().Name)

	paged, err := g.ShortestPaths(ctx, PathQuery{Anchor: "USERS", MaxHops: 5, Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "ORDERS", paged[0].Target().Name)

	short, err := g.ShortestPaths(ctx, PathQuery{Anchor: "USERS", MaxHops: 1})
	require.NoError(t, err)
	require.Len(t, short, 1)

	none, err := g.ShortestPaths(ctx, PathQuery{Anchor: "MISSING"})
	require.NoError(t, err)
	assert.Empty(t, none)

	// memory and duckdb graphs agree
	mem := newFixtureGraph(t, nodes, edges)
	want, err := (&PathExtractor{Graph: mem}).ExtractAll(ctx)
	require.NoError(t, err)
	got, err := (&PathExtractor{Graph: g}).ExtractAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, g.ReplaceSchema(ctx, nodes[:1], nil))
	listed, err = g.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestDuckDBPipeline(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	defer h.Cleanup()
	p := h.Pipeline()

	_, err := p.Import(ctx, shopCatalog())
	require.NoError(t, err)

	report, err := p.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Paths)

	got, err := p.Search(ctx, "orders buyer", RetrieveOptions{TopK: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}

	second, err := p.Rebuild(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, report.BuildID, second.BuildID)

	doc, err := p.LatestBuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.BuildID, doc.Manifest.BuildID)
}
