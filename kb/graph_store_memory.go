package kb

import (
	"context"
	"sync"
)

// MemoryGraphStore keeps the schema graph in process. It backs tests and the
// `paths` command when no graph database is configured.
type MemoryGraphStore struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]SchemaNode
	out   map[string][]SchemaEdge
}

func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		nodes: make(map[string]SchemaNode),
		out:   make(map[string][]SchemaEdge),
	}
}

var (
	_ GraphStore   = (*MemoryGraphStore)(nil)
	_ SchemaWriter = (*MemoryGraphStore)(nil)
)

func (s *MemoryGraphStore) ReplaceSchema(ctx context.Context, nodes []SchemaNode, edges []SchemaEdge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	s.nodes = make(map[string]SchemaNode, len(nodes))
	s.out = make(map[string][]SchemaEdge)
	for _, n := range nodes {
		if _, exists := s.nodes[n.Name]; !exists {
			s.order = append(s.order, n.Name)
		}
		s.nodes[n.Name] = n
	}
	for _, e := range edges {
		s.out[e.From] = append(s.out[e.From], e)
	}
	return nil
}

func (s *MemoryGraphStore) ListNodes(ctx context.Context) ([]SchemaNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SchemaNode, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.nodes[name])
	}
	return out, nil
}

func (s *MemoryGraphStore) ShortestPaths(ctx context.Context, q PathQuery) ([]GraphPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[q.Anchor]; !ok {
		return []GraphPath{}, nil
	}
	parents, err := shortestPathTree(ctx, q, func(_ context.Context, sources []string) ([]SchemaEdge, error) {
		var edges []SchemaEdge
		for _, src := range sources {
			edges = append(edges, s.out[src]...)
		}
		return edges, nil
	})
	if err != nil {
		return nil, err
	}
	return pagePaths(q, parents, s.nodes), nil
}
