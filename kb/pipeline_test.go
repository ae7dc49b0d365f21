package kb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticCatalog feeds fixed rows into the builder.
type staticCatalog struct {
	columns []ColumnRow
	fks     []ForeignKey
	err     error
}

func (c staticCatalog) LoadCatalog(_ context.Context, b *SchemaBuilder) error {
	if c.err != nil {
		return c.err
	}
	for _, row := range c.columns {
		b.AddColumn(row)
	}
	for _, fk := range c.fks {
		b.AddForeignKey(fk)
	}
	return nil
}

func shopCatalog() staticCatalog {
	return staticCatalog{
		columns: []ColumnRow{
			{Table: "USERS", TableComment: "users", Column: "ID", ColumnType: "bigint"},
			{Table: "ORDERS", TableComment: "orders", Column: "ID", ColumnType: "bigint"},
			{Table: "ORDERS", Column: "USER_ID", ColumnType: "bigint", ColumnComment: "buyer"},
			{Table: "ORDERS_BAK", Column: "ID", ColumnType: "bigint"},
		},
		fks: []ForeignKey{
			{FromTable: "ORDERS", FromColumn: "USER_ID", ToTable: "USERS", ToColumn: "ID"},
		},
	}
}

type recordingCloser struct {
	name  string
	order *[]string
	err   error
}

func (c recordingCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func newShopPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	emb, err := NewLocalEmbedder(64)
	require.NoError(t, err)

	base := []Option{
		WithGraphStore(NewMemoryGraphStore()),
		WithVectorStore(NewMemoryVectorStore()),
		WithEmbedder(emb),
	}
	p := NewPipeline(append(base, opts...)...)
	_, err = p.Import(context.Background(), shopCatalog())
	require.NoError(t, err)
	return p
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("import then rebuild then search", func(t *testing.T) {
		p := newShopPipeline(t, WithRelevanceScorer(PairwiseRelevanceScorer{Pair: LexicalPairScorer{}}))

		report, err := p.Rebuild(ctx)
		require.NoError(t, err)
		assert.Equal(t, DefaultCollection, report.Collection)
		assert.Equal(t, 2, report.Anchors)
		assert.Equal(t, 4, report.Paths)

		got, err := p.Search(ctx, "orders buyer", RetrieveOptions{TopK: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.GreaterOrEqual(t, got[0].Relevance, got[1].Relevance)
		assert.Contains(t, got[0].TablePath, "ORDERS")

		filtered, err := p.Search(ctx, "orders", RetrieveOptions{TableFilter: "users[users]->"})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, "USERS[users]->ORDERS[orders]", filtered[0].TablePath)
	})

	t.Run("search before rebuild", func(t *testing.T) {
		p := newShopPipeline(t)
		_, err := p.Search(ctx, "orders", RetrieveOptions{})
		require.ErrorIs(t, err, ErrCollectionNotFound)
	})

	t.Run("paths for one table", func(t *testing.T) {
		p := newShopPipeline(t)

		paths, err := p.Paths(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, paths, 2)
		assert.Equal(t, int64(1), paths[0].OriginID)
		assert.Equal(t, "ORDERS", paths[0].Target)
		assert.Equal(t, "USERS", paths[1].Target)
		assert.Equal(t, 1, paths[1].Hops)

		_, err = p.Paths(ctx, "PAYMENTS")
		require.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("joined path outranks unrelated table", func(t *testing.T) {
		catalog := staticCatalog{
			columns: []ColumnRow{
				{Table: "USERS", Column: "ID", ColumnType: "bigint"},
				{Table: "ORDERS", Column: "ID", ColumnType: "bigint"},
				{Table: "ORDERS", Column: "USER_ID", ColumnType: "bigint"},
				{Table: "PRODUCTS", Column: "ID", ColumnType: "bigint"},
				{Table: "PRODUCTS", Column: "SKU", ColumnType: "varchar"},
			},
			fks: []ForeignKey{
				{FromTable: "ORDERS", FromColumn: "USER_ID", ToTable: "USERS", ToColumn: "ID"},
			},
		}
		emb, err := NewLocalEmbedder(64)
		require.NoError(t, err)
		p := NewPipeline(
			WithGraphStore(NewMemoryGraphStore()),
			WithVectorStore(NewMemoryVectorStore()),
			WithEmbedder(emb),
			WithRelevanceScorer(PairwiseRelevanceScorer{Pair: LexicalPairScorer{}}),
		)
		_, err = p.Import(ctx, catalog)
		require.NoError(t, err)
		report, err := p.Rebuild(ctx)
		require.NoError(t, err)
		require.Equal(t, 5, report.Paths)

		got, err := p.Search(ctx, "which table stores order user references", RetrieveOptions{TopK: 5})
		require.NoError(t, err)
		require.Len(t, got, 5)

		joined, products := -1, -1
		for i, c := range got {
			if strings.Contains(c.Text, "(USER_ID) REFERENCES(ID)") {
				joined = i
			}
			if c.TablePath == "PRODUCTS" {
				products = i
			}
		}
		require.NotEqual(t, -1, joined)
		require.NotEqual(t, -1, products)
		assert.Less(t, joined, products)
		assert.Contains(t, got[joined].TablePath, "ORDERS")
		assert.Contains(t, got[joined].TablePath, "USERS")
		assert.Greater(t, got[joined].Relevance, got[products].Relevance)
	})

	t.Run("list paths pages every anchor", func(t *testing.T) {
		p := newShopPipeline(t)

		first, err := p.ListPaths(ctx, "", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Page)
		assert.Equal(t, DefaultPathPageSize, first.PageSize)
		assert.Equal(t, 4, first.Total)
		require.Len(t, first.Data, 4)
		assert.Equal(t, int64(4), first.Data[3].OriginID)

		second, err := p.ListPaths(ctx, "", 2, 3)
		require.NoError(t, err)
		assert.Equal(t, 4, second.Total)
		require.Len(t, second.Data, 1)
		assert.Equal(t, first.Data[3], second.Data[0])

		past, err := p.ListPaths(ctx, "", 5, 3)
		require.NoError(t, err)
		assert.Equal(t, 4, past.Total)
		assert.Empty(t, past.Data)

		capped, err := p.ListPaths(ctx, "", 1, 1000)
		require.NoError(t, err)
		assert.Equal(t, MaxPathPageSize, capped.PageSize)

		one, err := p.ListPaths(ctx, "users", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, one.Total)
		require.Len(t, one.Data, 1)
		assert.Equal(t, "USERS", one.Data[0].Anchor)

		_, err = p.ListPaths(ctx, "PAYMENTS", 1, 10)
		require.ErrorIs(t, err, ErrNodeNotFound)
		_, err = NewPipeline().ListPaths(ctx, "", 1, 10)
		require.ErrorIs(t, err, ErrPipelineUninitialized)
	})

	t.Run("tables mode indexes one description per table", func(t *testing.T) {
		p := newShopPipeline(t,
			WithConfig(Config{Mode: ModeTables}),
			WithRelevanceScorer(PairwiseRelevanceScorer{Pair: LexicalPairScorer{}}),
		)

		report, err := p.Rebuild(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Anchors)
		assert.Equal(t, 2, report.Paths)

		got, err := p.Search(ctx, "orders buyer", RetrieveOptions{TopK: 5})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ORDERS", got[0].TablePath)
		assert.Equal(t, "USERS", got[1].TablePath)
		for _, c := range got {
			assert.NotContains(t, c.Text, EdgeReferences)
		}

		paths, err := p.Paths(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, "ORDERS", paths[0].TablePath)
	})

	t.Run("import needs a writable graph", func(t *testing.T) {
		p := NewPipeline(WithGraphStore(&countingGraph{GraphStore: NewMemoryGraphStore()}))
		_, err := p.Import(ctx, shopCatalog())
		require.Error(t, err)

		p = NewPipeline(WithGraphStore(NewMemoryGraphStore()))
		_, err = p.Import(ctx, staticCatalog{err: errors.New("access denied")})
		require.ErrorContains(t, err, "access denied")
	})

	t.Run("latest build without a manifest store", func(t *testing.T) {
		p := newShopPipeline(t)
		_, err := p.LatestBuild(ctx)
		require.ErrorIs(t, err, ErrManifestNotFound)
	})

	t.Run("latest build after rebuild", func(t *testing.T) {
		blobs := &LocalBlobStore{Root: t.TempDir()}
		p := newShopPipeline(t, WithManifestStore(&BlobManifestStore{Store: blobs}), WithArtifactStore(blobs))

		report, err := p.Rebuild(ctx)
		require.NoError(t, err)
		doc, err := p.LatestBuild(ctx)
		require.NoError(t, err)
		assert.Equal(t, report.BuildID, doc.Manifest.BuildID)
		assert.Equal(t, report.ArtifactKeys, doc.Manifest.ArtifactKeys)
	})

	t.Run("builds lists every rebuild", func(t *testing.T) {
		blobs := &LocalBlobStore{Root: t.TempDir()}
		p := newShopPipeline(t, WithManifestStore(&BlobManifestStore{Store: blobs}), WithArtifactStore(blobs))

		first, err := p.Rebuild(ctx)
		require.NoError(t, err)
		second, err := p.Rebuild(ctx)
		require.NoError(t, err)

		builds, err := p.Builds(ctx, 0)
		require.NoError(t, err)
		require.Len(t, builds, 2)
		ids := []string{builds[0].BuildID, builds[1].BuildID}
		assert.ElementsMatch(t, []string{first.BuildID, second.BuildID}, ids)
		assert.False(t, builds[0].CompletedAt.Before(builds[1].CompletedAt))

		none, err := newShopPipeline(t).Builds(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("rebuild without a graph", func(t *testing.T) {
		_, err := NewPipeline().Rebuild(ctx)
		require.ErrorIs(t, err, ErrPipelineUninitialized)
	})

	t.Run("close releases in reverse order once", func(t *testing.T) {
		var order []string
		boom := errors.New("boom")
		p := NewPipeline(
			WithCloser(recordingCloser{name: "graph", order: &order}),
			WithCloser(recordingCloser{name: "vectors", order: &order, err: boom}),
		)

		require.ErrorIs(t, p.Close(), boom)
		require.NoError(t, p.Close())
		assert.Equal(t, []string{"vectors", "graph"}, order)
	})
}

func TestNewPipelineDefaults(t *testing.T) {
	p := NewPipeline(WithConfig(Config{TopK: 3}))
	assert.Equal(t, 3, p.Config.TopK)
	assert.Equal(t, DefaultCollection, p.Config.Collection)
	assert.Equal(t, DefaultOverFetch, p.Config.OverFetch)
	assert.NotNil(t, p.Lease)
	assert.NotNil(t, p.Metrics)
	assert.NotNil(t, p.Logger)
}
