package kb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	DefaultMaxHops  = 5
	DefaultPageSize = 100
)

// PathExtractor walks the schema graph and produces the path descriptions
// that get indexed.
type PathExtractor struct {
	Graph    GraphStore
	Filter   NameFilter
	MaxHops  int
	PageSize int
	// SelfOnly stops after each anchor's self path.
	SelfOnly bool
	Logger   *slog.Logger

	// StorePolicy bounds each graph store call.
	StorePolicy CallPolicy
}

// ExtractAll returns the path descriptions of every eligible anchor. Origin
// ids are left zero; the indexer assigns them.
func (e *PathExtractor) ExtractAll(ctx context.Context) ([]PathDescription, error) {
	if e.Graph == nil {
		return nil, fmt.Errorf("extract paths: %w", ErrPipelineUninitialized)
	}
	nodes, err := e.listNodes(ctx)
	if err != nil {
		return nil, err
	}

	var out []PathDescription
	anchors := 0
	for _, node := range nodes {
		if e.Filter.Excluded(node.Name) {
			continue
		}
		paths, err := e.ExtractAnchor(ctx, node)
		if err != nil {
			return nil, err
		}
		anchors++
		out = append(out, paths...)
	}

	e.logger().InfoContext(ctx, "path extraction completed",
		"nodes", len(nodes),
		"anchors", anchors,
		"paths", len(out),
	)
	return out, nil
}

// ExtractAnchor returns the self path of anchor followed by the shortest
// directed path to every other eligible node within MaxHops.
func (e *PathExtractor) ExtractAnchor(ctx context.Context, anchor SchemaNode) ([]PathDescription, error) {
	self := GraphPath{Nodes: []SchemaNode{anchor}}
	out := []PathDescription{describe(anchor.Name, self)}
	if e.SelfOnly {
		out[0].TablePath = anchor.Name
		return out, nil
	}

	pageSize := e.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxHops := e.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	for skip := 0; ; skip += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page []GraphPath
		op := fmt.Sprintf("shortest paths from %s (skip %d)", anchor.Name, skip)
		err := e.StorePolicy.Do(ctx, op, func(ctx context.Context) error {
			var err error
			page, err = e.Graph.ShortestPaths(ctx, PathQuery{
				Anchor:  anchor.Name,
				MaxHops: maxHops,
				Filter:  e.Filter,
				Skip:    skip,
				Limit:   pageSize,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			if p.Hops() == 0 || p.Target().Name == anchor.Name || !e.Filter.Allows(p) {
				continue
			}
			out = append(out, describe(anchor.Name, p))
		}
		if len(page) < pageSize {
			break
		}
	}
	return out, nil
}

func (e *PathExtractor) listNodes(ctx context.Context) ([]SchemaNode, error) {
	var nodes []SchemaNode
	err := e.StorePolicy.Do(ctx, "list schema nodes", func(ctx context.Context) error {
		var err error
		nodes, err = e.Graph.ListNodes(ctx)
		return err
	})
	return nodes, err
}

func (e *PathExtractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func describe(anchor string, p GraphPath) PathDescription {
	return PathDescription{
		Anchor:    anchor,
		Target:    p.Target().Name,
		Hops:      p.Hops(),
		Text:      PathText(p),
		TablePath: TablePath(p.Nodes),
	}
}

// PathText interleaves node metadata with edge labels:
//
//	META(A) (from) REFERENCES(to) META(B)
func PathText(p GraphPath) string {
	var b strings.Builder
	for i, n := range p.Nodes {
		b.WriteString(nodeMeta(n))
		if i < len(p.Edges) {
			edge := p.Edges[i]
			b.WriteString(" (")
			b.WriteString(edge.FromColumn)
			b.WriteString(") ")
			b.WriteString(edge.Type)
			b.WriteString("(")
			b.WriteString(edge.ToColumn)
			b.WriteString(") ")
		}
	}
	return b.String()
}

// TablePath renders the route as NAME[comment]->NAME[comment].
func TablePath(nodes []SchemaNode) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Comment == "" {
			parts = append(parts, n.Name)
			continue
		}
		parts = append(parts, n.Name+"["+n.Comment+"]")
	}
	return strings.Join(parts, "->")
}

func nodeMeta(n SchemaNode) string {
	if n.Meta != "" {
		return n.Meta
	}
	return n.Name
}
