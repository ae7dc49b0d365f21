package kb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixtureGraph(t *testing.T, nodes []SchemaNode, edges []SchemaEdge) *MemoryGraphStore {
	t.Helper()
	g := NewMemoryGraphStore()
	require.NoError(t, g.ReplaceSchema(context.Background(), nodes, edges))
	return g
}

func chainGraph(t *testing.T, names ...string) *MemoryGraphStore {
	t.Helper()
	nodes := make([]SchemaNode, 0, len(names))
	edges := make([]SchemaEdge, 0, len(names))
	for i, name := range names {
		nodes = append(nodes, SchemaNode{Name: name, Meta: "META_" + name})
		if i > 0 {
			edges = append(edges, SchemaEdge{From: names[i-1], To: name, Type: EdgeReferences, FromColumn: "fk", ToColumn: "id"})
		}
	}
	return newFixtureGraph(t, nodes, edges)
}

// countingGraph records every page request.
type countingGraph struct {
	GraphStore
	pages []PathQuery
}

func (c *countingGraph) ShortestPaths(ctx context.Context, q PathQuery) ([]GraphPath, error) {
	c.pages = append(c.pages, q)
	return c.GraphStore.ShortestPaths(ctx, q)
}

func TestPathExtractor(t *testing.T) {
	ctx := context.Background()

	t.Run("self path first and text format", func(t *testing.T) {
		g := newFixtureGraph(t,
			[]SchemaNode{
				{Name: "USERS", Comment: "users", Meta: "USERS[users](id:bigint:)"},
				{Name: "ORDERS", Comment: "orders", Meta: "ORDERS[orders](user_id:bigint:)"},
			},
			[]SchemaEdge{
				{From: "USERS", To: "ORDERS", Type: EdgeReferencedBy, FromColumn: "id", ToColumn: "user_id"},
				{From: "ORDERS", To: "USERS", Type: EdgeReferences, FromColumn: "user_id", ToColumn: "id"},
			},
		)
		e := &PathExtractor{Graph: g}

		paths, err := e.ExtractAnchor(ctx, SchemaNode{Name: "USERS", Comment: "users", Meta: "USERS[users](id:bigint:)"})
		require.NoError(t, err)
		require.Len(t, paths, 2)

		assert.Equal(t, 0, paths[0].Hops)
		assert.Equal(t, "USERS", paths[0].Target)
		assert.Equal(t, "USERS[users](id:bigint:)", paths[0].Text)
		assert.Equal(t, "USERS[users]", paths[0].TablePath)

		assert.Equal(t, 1, paths[1].Hops)
		assert.Equal(t, "USERS[users](id:bigint:) (id) REFERENCED BY(user_id) ORDERS[orders](user_id:bigint:)", paths[1].Text)
		assert.Equal(t, "USERS[users]->ORDERS[orders]", paths[1].TablePath)
	})

	t.Run("self path precedes multi hop paths for every anchor", func(t *testing.T) {
		g := chainGraph(t, "A", "B", "C", "D")
		paths, err := (&PathExtractor{Graph: g}).ExtractAll(ctx)
		require.NoError(t, err)

		seen := map[string]bool{}
		for _, p := range paths {
			if !seen[p.Anchor] {
				assert.Equal(t, 0, p.Hops, "first path of %s", p.Anchor)
				seen[p.Anchor] = true
			}
		}
		assert.Len(t, seen, 4)
		// A reaches B, C, D; B reaches C, D; C reaches D; D only itself
		assert.Len(t, paths, 4+3+2+1)
	})

	t.Run("multi hop text interleaves metadata and edge labels", func(t *testing.T) {
		g := chainGraph(t, "A", "B", "C")
		paths, err := (&PathExtractor{Graph: g}).ExtractAnchor(ctx, SchemaNode{Name: "A", Meta: "META_A"})
		require.NoError(t, err)
		require.Len(t, paths, 3)
		assert.Equal(t, "META_A (fk) REFERENCES(id) META_B (fk) REFERENCES(id) META_C", paths[2].Text)
		assert.Equal(t, "A->B->C", paths[2].TablePath)
		assert.Equal(t, 2, paths[2].Hops)
	})

	t.Run("hop limit skips distant nodes", func(t *testing.T) {
		g := chainGraph(t, "N0", "N1", "N2", "N3", "N4", "N5", "N6", "N7")
		paths, err := (&PathExtractor{Graph: g}).ExtractAnchor(ctx, SchemaNode{Name: "N0"})
		require.NoError(t, err)
		require.Len(t, paths, 1+DefaultMaxHops)
		assert.Equal(t, "N5", paths[len(paths)-1].Target)

		paths, err = (&PathExtractor{Graph: g, MaxHops: 2}).ExtractAnchor(ctx, SchemaNode{Name: "N0"})
		require.NoError(t, err)
		assert.Len(t, paths, 3)
	})

	t.Run("excluded names are neither anchors nor endpoints", func(t *testing.T) {
		g := chainGraph(t, "USERS", "TEST_STAGE", "ORDERS", "ORDERS_BAK")
		e := &PathExtractor{Graph: g, Filter: DefaultNameFilter()}

		paths, err := e.ExtractAll(ctx)
		require.NoError(t, err)
		for _, p := range paths {
			assert.NotEqual(t, "TEST_STAGE", p.Anchor)
			assert.NotEqual(t, "ORDERS_BAK", p.Anchor)
			assert.NotEqual(t, "TEST_STAGE", p.Target)
			assert.NotEqual(t, "ORDERS_BAK", p.Target)
		}

		// the excluded table still carries the route as an inner hop
		var found bool
		for _, p := range paths {
			if p.Anchor == "USERS" && p.Target == "ORDERS" {
				found = true
				assert.Equal(t, "USERS->TEST_STAGE->ORDERS", p.TablePath)
			}
		}
		assert.True(t, found)
	})

	t.Run("intermediate exclusion blocks routes through excluded tables", func(t *testing.T) {
		g := chainGraph(t, "USERS", "TEST_STAGE", "ORDERS")
		filter := DefaultNameFilter()
		filter.ExcludeIntermediate = true
		paths, err := (&PathExtractor{Graph: g, Filter: filter}).ExtractAnchor(ctx, SchemaNode{Name: "USERS"})
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, 0, paths[0].Hops)
	})

	t.Run("pagination is exhaustive", func(t *testing.T) {
		tests := []struct {
			name      string
			leaves    int
			pageSize  int
			wantPages int
		}{
			{name: "partial_last_page", leaves: 250, pageSize: 100, wantPages: 3},
			{name: "exact_multiple", leaves: 200, pageSize: 100, wantPages: 3},
			{name: "single_page", leaves: 5, pageSize: 100, wantPages: 1},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				nodes := []SchemaNode{{Name: "HUB"}}
				var edges []SchemaEdge
				for i := 0; i < tc.leaves; i++ {
					name := fmt.Sprintf("LEAF_%03d", i)
					nodes = append(nodes, SchemaNode{Name: name})
					edges = append(edges, SchemaEdge{From: "HUB", To: name, Type: EdgeReferencedBy, FromColumn: "id", ToColumn: "hub_id"})
				}
				g := &countingGraph{GraphStore: newFixtureGraph(t, nodes, edges)}

				paths, err := (&PathExtractor{Graph: g, PageSize: tc.pageSize}).ExtractAnchor(ctx, SchemaNode{Name: "HUB"})
				require.NoError(t, err)
				assert.Len(t, paths, tc.leaves+1)
				assert.Len(t, g.pages, tc.wantPages)
				for i, q := range g.pages {
					assert.Equal(t, i*tc.pageSize, q.Skip)
					assert.Equal(t, tc.pageSize, q.Limit)
				}
			})
		}
	})

	t.Run("empty graph yields no paths", func(t *testing.T) {
		paths, err := (&PathExtractor{Graph: NewMemoryGraphStore()}).ExtractAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})
}

func TestMemoryGraphStoreShortestPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers fewer hops over earlier edges", func(t *testing.T) {
		g := newFixtureGraph(t,
			[]SchemaNode{{Name: "A"}, {Name: "B"}, {Name: "C"}},
			[]SchemaEdge{
				{From: "A", To: "B", Type: EdgeReferences},
				{From: "B", To: "C", Type: EdgeReferences},
				{From: "A", To: "C", Type: EdgeReferences},
			},
		)
		paths, err := g.ShortestPaths(ctx, PathQuery{Anchor: "A", MaxHops: 5})
		require.NoError(t, err)
		require.Len(t, paths, 2)
		assert.Equal(t, "C", paths[1].Target().Name)
		assert.Equal(t, 1, paths[1].Hops())
	})

	t.Run("edges are directed", func(t *testing.T) {
		g := chainGraph(t, "A", "B")
		paths, err := g.ShortestPaths(ctx, PathQuery{Anchor: "B", MaxHops: 5})
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("unknown anchor yields nothing", func(t *testing.T) {
		g := chainGraph(t, "A", "B")
		paths, err := g.ShortestPaths(ctx, PathQuery{Anchor: "Z", MaxHops: 5})
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("skip beyond the end is empty", func(t *testing.T) {
		g := chainGraph(t, "A", "B", "C")
		paths, err := g.ShortestPaths(ctx, PathQuery{Anchor: "A", MaxHops: 5, Skip: 10, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, paths)
	})
}

func TestNameFilter(t *testing.T) {
	f := DefaultNameFilter()
	tests := []struct {
		name     string
		excluded bool
	}{
		{"DM_TYPE_DEFINITION", true},
		{"TEST_ORDERS", true},
		{"ORDERS_TEST", true},
		{"ORDERS_BAK", true},
		{"AUDIT_LOG", true},
		{"ORDERS", false},
		{"LOGIN_HISTORY", false},
		{"dm_lowercase", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.excluded, f.Excluded(tc.name))
		})
	}
	assert.False(t, NameFilter{}.Excluded("TEST_ANYTHING"))
}
