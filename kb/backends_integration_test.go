package kb

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

func uniqueCollection(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// runVectorStoreContract checks the lifecycle every VectorStore backend
// shares: create, insert, load gate, nearest-first search, fragment lookup.
func runVectorStoreContract(t *testing.T, s VectorStore, name string) {
	t.Helper()
	ctx := context.Background()

	require.ErrorIs(t, s.DropCollection(ctx, name), ErrCollectionNotFound)
	require.NoError(t, s.CreateCollection(ctx, name, 3))
	t.Cleanup(func() { _ = s.DropCollection(context.Background(), name) })

	require.NoError(t, s.Insert(ctx, name, []Fragment{
		{OriginID: 1, Seq: 1, Text: "CD", TablePath: "A->B", Embedding: []float32{0, 1, 0}},
		{OriginID: 1, Seq: 0, Text: "AB", TablePath: "A->B", Embedding: []float32{1, 0, 0}},
		{OriginID: 2, Seq: 0, Text: "far", TablePath: "C", Embedding: []float32{9, 9, 9}},
	}))

	_, err := s.Search(ctx, name, []float32{1, 0, 0}, 2)
	require.ErrorIs(t, err, ErrCollectionNotLoaded)

	require.NoError(t, s.BuildIndex(ctx, name, IndexParams{Metric: "L2", Lists: 1, M: 16, EfConstruction: 64}))
	require.NoError(t, s.Load(ctx, name))

	hits, err := s.Search(ctx, name, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "AB", hits[0].Text)
	assert.InDelta(t, 0, hits[0].Distance, 1e-5)
	assert.InDelta(t, math.Sqrt2, hits[1].Distance, 1e-4)

	frags, err := s.FragmentsByOrigin(ctx, name, 1)
	require.NoError(t, err)
	require.Len(t, frags, 2)
	texts := map[int]string{}
	for _, f := range frags {
		texts[f.Seq] = f.Text
	}
	assert.Equal(t, map[int]string{0: "AB", 1: "CD"}, texts)
}

func TestQdrantVectorStore(t *testing.T) {
	addr := requireEnv(t, "SCHEMARAG_TEST_QDRANT_ADDR")
	s, err := DialQdrant(addr)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))

	runVectorStoreContract(t, s, uniqueCollection("qdrant_paths"))
}

func TestPgVectorStore(t *testing.T) {
	dsn := requireEnv(t, "SCHEMARAG_TEST_PG_DSN")
	s, err := OpenPgVector(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()

	runVectorStoreContract(t, s, uniqueCollection("pg_paths"))
}

func TestNeo4jGraphStore(t *testing.T) {
	uri := requireEnv(t, "SCHEMARAG_TEST_NEO4J_URI")
	ctx := context.Background()
	g, err := OpenNeo4j(ctx, uri, os.Getenv("SCHEMARAG_TEST_NEO4J_USER"), os.Getenv("SCHEMARAG_TEST_NEO4J_PASSWORD"), "")
	require.NoError(t, err)
	defer g.Close()

	nodes := []SchemaNode{
		{Name: "USERS", Comment: "users", Meta: "USERS[users](ID:bigint:)"},
		{Name: "ORDERS", Comment: "orders", Meta: "ORDERS[orders](USER_ID:bigint:)"},
		{Name: "ORDERS_BAK", Meta: "ORDERS_BAK(USER_ID:bigint:)"},
	}
	edges := []SchemaEdge{
		{From: "ORDERS", To: "USERS", Type: EdgeReferences, FromColumn: "USER_ID", ToColumn: "ID"},
		{From: "USERS", To: "ORDERS", Type: EdgeReferencedBy, FromColumn: "ID", ToColumn: "USER_ID"},
		{From: "ORDERS_BAK", To: "USERS", Type: EdgeReferences, FromColumn: "USER_ID", ToColumn: "ID"},
		{From: "USERS", To: "ORDERS_BAK", Type: EdgeReferencedBy, FromColumn: "ID", ToColumn: "USER_ID"},
	}
	require.NoError(t, g.ReplaceSchema(ctx, nodes, edges))

	listed, err := g.ListNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodes, listed)

	paths, err := g.ShortestPaths(ctx, PathQuery{Anchor: "USERS", MaxHops: 5, Filter: DefaultNameFilter()})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "ORDERS", paths[0].Target().Name)
	assert.Equal(t, EdgeReferencedBy, paths[0].Edges[0].Type)
	assert.Equal(t, "ID", paths[0].Edges[0].FromColumn)

	paged, err := g.ShortestPaths(ctx, PathQuery{Anchor: "USERS", MaxHops: 5, Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "ORDERS_BAK", paged[0].Target().Name)

	descs, err := (&PathExtractor{Graph: g, Filter: DefaultNameFilter()}).ExtractAll(ctx)
	require.NoError(t, err)
	assert.Len(t, descs, 4)
}

func TestMySQLCatalog(t *testing.T) {
	dsn := requireEnv(t, "SCHEMARAG_TEST_MYSQL_DSN")
	schemaName := requireEnv(t, "SCHEMARAG_TEST_MYSQL_SCHEMA")
	ctx := context.Background()

	catalog, err := OpenMySQLCatalog(ctx, dsn, schemaName)
	require.NoError(t, err)
	defer catalog.Close()

	stmts := []string{
		"DROP TABLE IF EXISTS SR_ORDERS",
		"DROP TABLE IF EXISTS SR_USERS",
		"CREATE TABLE SR_USERS (ID BIGINT PRIMARY KEY, STATUS ENUM('A','D') COMMENT 'status') COMMENT='users'",
		"CREATE TABLE SR_ORDERS (ID BIGINT PRIMARY KEY, USER_ID BIGINT COMMENT 'buyer', " +
			"FOREIGN KEY (USER_ID) REFERENCES SR_USERS(ID)) COMMENT='orders'",
	}
	for _, stmt := range stmts {
		_, err := catalog.DB.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	t.Cleanup(func() {
		_, _ = catalog.DB.ExecContext(context.Background(), "DROP TABLE IF EXISTS SR_ORDERS")
		_, _ = catalog.DB.ExecContext(context.Background(), "DROP TABLE IF EXISTS SR_USERS")
	})

	graph := NewMemoryGraphStore()
	schema, err := ImportSchema(ctx, catalog, graph)
	require.NoError(t, err)

	metas := map[string]string{}
	for _, n := range schema.Nodes() {
		metas[n.Name] = n.Meta
	}
	require.Contains(t, metas, "SR_USERS")
	require.Contains(t, metas, "SR_ORDERS")
	assert.Contains(t, metas["SR_USERS"], "SR_USERS[users]")
	assert.Contains(t, metas["SR_USERS"], "STATUS:")

	var found bool
	for _, e := range schema.Edges() {
		if e.From == "SR_ORDERS" && e.To == "SR_USERS" && e.Type == EdgeReferences {
			found = true
			assert.Equal(t, "USER_ID", e.FromColumn)
			assert.Equal(t, "ID", e.ToColumn)
		}
	}
	assert.True(t, found, "foreign key imported as a REFERENCES edge")
}
