package kb

import (
	"context"
	"sort"
)

// edgeExpander returns the outgoing edges of every source node.
type edgeExpander func(ctx context.Context, sources []string) ([]SchemaEdge, error)

// shortestPathTree runs a level-synchronous BFS from q.Anchor over directed
// edges and returns, for every node reached within q.MaxHops, the edge it was
// first reached by. Ties within a level resolve by edge order (From, To, Type,
// FromColumn), so the tree is stable for a fixed graph.
func shortestPathTree(ctx context.Context, q PathQuery, expand edgeExpander) (map[string]SchemaEdge, error) {
	maxHops := q.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	parents := make(map[string]SchemaEdge)
	visited := map[string]struct{}{q.Anchor: {}}
	frontier := []string{q.Anchor}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		edges, err := expand(ctx, frontier)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(edges, func(i, j int) bool {
			a, b := edges[i], edges[j]
			if a.From != b.From {
				return a.From < b.From
			}
			if a.To != b.To {
				return a.To < b.To
			}
			if a.Type != b.Type {
				return a.Type < b.Type
			}
			return a.FromColumn < b.FromColumn
		})

		next := make([]string, 0)
		for _, edge := range edges {
			if _, seen := visited[edge.To]; seen {
				continue
			}
			visited[edge.To] = struct{}{}
			parents[edge.To] = edge
			if q.Filter.ExcludeIntermediate && q.Filter.Excluded(edge.To) {
				continue
			}
			next = append(next, edge.To)
		}
		sort.Strings(next)
		frontier = next
	}
	return parents, nil
}

// pagePaths turns a shortest-path tree into GraphPaths for every eligible
// target, ordered by target name, and applies q.Skip/q.Limit.
func pagePaths(q PathQuery, parents map[string]SchemaEdge, nodes map[string]SchemaNode) []GraphPath {
	targets := make([]string, 0, len(parents))
	for name := range parents {
		if name == q.Anchor || q.Filter.Excluded(name) {
			continue
		}
		targets = append(targets, name)
	}
	sort.Strings(targets)

	if q.Skip > 0 {
		if q.Skip >= len(targets) {
			return []GraphPath{}
		}
		targets = targets[q.Skip:]
	}
	if q.Limit > 0 && len(targets) > q.Limit {
		targets = targets[:q.Limit]
	}

	out := make([]GraphPath, 0, len(targets))
	for _, target := range targets {
		out = append(out, walkBack(q.Anchor, target, parents, nodes))
	}
	return out
}

func walkBack(anchor, target string, parents map[string]SchemaEdge, nodes map[string]SchemaNode) GraphPath {
	var edges []SchemaEdge
	for cur := target; cur != anchor; {
		edge, ok := parents[cur]
		if !ok {
			break
		}
		edges = append(edges, edge)
		cur = edge.From
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}

	path := GraphPath{Nodes: make([]SchemaNode, 0, len(edges)+1), Edges: edges}
	path.Nodes = append(path.Nodes, lookupNode(anchor, nodes))
	for _, edge := range edges {
		path.Nodes = append(path.Nodes, lookupNode(edge.To, nodes))
	}
	return path
}

func lookupNode(name string, nodes map[string]SchemaNode) SchemaNode {
	if n, ok := nodes[name]; ok {
		return n
	}
	return SchemaNode{Name: name}
}
