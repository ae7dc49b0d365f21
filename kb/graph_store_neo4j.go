package kb

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const neo4jEdgeBatchSize = 500

// Neo4jGraphStore reads and writes the schema graph as (:Table) nodes joined
// by REFERENCES and `REFERENCED BY` relationships carrying from/to column
// properties. Shortest paths, ordering and paging run in Cypher.
type Neo4jGraphStore struct {
	Driver   neo4j.DriverWithContext
	Database string
}

var (
	_ GraphStore   = (*Neo4jGraphStore)(nil)
	_ SchemaWriter = (*Neo4jGraphStore)(nil)
)

// OpenNeo4j creates a driver and verifies connectivity. An empty user selects
// no authentication.
func OpenNeo4j(ctx context.Context, uri, user, password, database string) (*Neo4jGraphStore, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity %s: %w", uri, err)
	}
	return &Neo4jGraphStore{Driver: driver, Database: database}, nil
}

func (s *Neo4jGraphStore) Close() error {
	return s.Driver.Close(context.Background())
}

func (s *Neo4jGraphStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.Driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.Database})
}

// ReplaceSchema deletes every Table node and writes the new graph in one
// write transaction.
func (s *Neo4jGraphStore) ReplaceSchema(ctx context.Context, nodes []SchemaNode, edges []SchemaEdge) error {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = sess.Close(ctx) }()

	rows := make([]map[string]any, 0, len(nodes))
	for i, n := range nodes {
		rows = append(rows, map[string]any{"name": n.Name, "comment": n.Comment, "meta": n.Meta, "ord": int64(i)})
	}
	byType := map[string][]map[string]any{}
	for _, e := range edges {
		byType[e.Type] = append(byType[e.Type], map[string]any{
			"from_table": e.From, "to_table": e.To, "from": e.FromColumn, "to": e.ToColumn,
		})
	}

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MATCH (t:Table) DETACH DELETE t`, nil); err != nil {
			return nil, fmt.Errorf("clear tables: %w", err)
		}
		if _, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (t:Table {name: row.name})
			SET t.comment = row.comment, t.meta = row.meta, t.ord = row.ord
		`, map[string]any{"rows": rows}); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
		for relType, rels := range byType {
			stmt, err := createRelationshipsCypher(relType)
			if err != nil {
				return nil, err
			}
			for lo := 0; lo < len(rels); lo += neo4jEdgeBatchSize {
				batch := rels[lo:min(lo+neo4jEdgeBatchSize, len(rels))]
				if _, err := tx.Run(ctx, stmt, map[string]any{"rels": batch}); err != nil {
					return nil, fmt.Errorf("create %s relationships: %w", relType, err)
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}

func createRelationshipsCypher(relType string) (string, error) {
	if relType != EdgeReferences && relType != EdgeReferencedBy {
		return "", fmt.Errorf("unsupported relationship type %q", relType)
	}
	return fmt.Sprintf(`
		UNWIND $rels AS rel
		MATCH (a:Table {name: rel.from_table}), (b:Table {name: rel.to_table})
		CREATE (a)-[:%s {from: rel.from, to: rel.to}]->(b)
	`, "`"+relType+"`"), nil
}

func (s *Neo4jGraphStore) ListNodes(ctx context.Context) ([]SchemaNode, error) {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer func() { _ = sess.Close(ctx) }()

	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (t:Table)
			RETURN t.name AS name, coalesce(t.comment, '') AS comment, coalesce(t.meta, t.name) AS meta
			ORDER BY coalesce(t.ord, 0), t.name
		`, nil)
		if err != nil {
			return nil, err
		}
		nodes := make([]SchemaNode, 0)
		for res.Next(ctx) {
			rec := res.Record()
			nodes = append(nodes, SchemaNode{
				Name:    recordString(rec, "name"),
				Comment: recordString(rec, "comment"),
				Meta:    recordString(rec, "meta"),
			})
		}
		return nodes, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return out.([]SchemaNode), nil
}

// ShortestPaths returns one shortest directed path per eligible target,
// ordered by target name, with q.Skip and q.Limit applied by the server.
func (s *Neo4jGraphStore) ShortestPaths(ctx context.Context, q PathQuery) ([]GraphPath, error) {
	maxHops := q.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	cypher := shortestPathsCypher(maxHops, q.Filter.ExcludeIntermediate, q.Limit > 0)
	params := map[string]any{
		"anchor":   q.Anchor,
		"prefixes": nonNil(q.Filter.Prefixes),
		"suffixes": nonNil(q.Filter.Suffixes),
		"skip":     int64(max(q.Skip, 0)),
		"limit":    int64(q.Limit),
	}

	sess := s.session(ctx, neo4j.AccessModeRead)
	defer func() { _ = sess.Close(ctx) }()

	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		paths := make([]GraphPath, 0)
		for res.Next(ctx) {
			path, err := graphPathFromRecord(res.Record())
			if err != nil {
				return nil, err
			}
			paths = append(paths, path)
		}
		return paths, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("shortest paths from %s: %w", q.Anchor, err)
	}
	return out.([]GraphPath), nil
}

func shortestPathsCypher(maxHops int, excludeIntermediate, limited bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
		MATCH (a:Table {name: $anchor}), (b:Table)
		WHERE a <> b
		  AND NOT any(p IN $prefixes WHERE b.name STARTS WITH p)
		  AND NOT any(s IN $suffixes WHERE b.name ENDS WITH s)
		MATCH path = shortestPath((a)-[*..%d]->(b))
	`, maxHops)
	if excludeIntermediate {
		b.WriteString(`
		WHERE all(n IN nodes(path)[1..-1] WHERE
		  NOT any(p IN $prefixes WHERE n.name STARTS WITH p)
		  AND NOT any(s IN $suffixes WHERE n.name ENDS WITH s))
		`)
	}
	b.WriteString(`
		RETURN b.name AS target,
		       [n IN nodes(path) | {name: n.name, comment: coalesce(n.comment, ''), meta: coalesce(n.meta, n.name)}] AS nodes,
		       [r IN relationships(path) | {from_table: startNode(r).name, to_table: endNode(r).name, type: type(r),
		                                    from: coalesce(r.from, ''), to: coalesce(r.to, '')}] AS rels
		ORDER BY target
		SKIP $skip
	`)
	if limited {
		b.WriteString(`LIMIT $limit`)
	}
	return b.String()
}

func graphPathFromRecord(rec *neo4j.Record) (GraphPath, error) {
	rawNodes, ok := rec.Get("nodes")
	if !ok {
		return GraphPath{}, fmt.Errorf("record has no nodes")
	}
	rawRels, ok := rec.Get("rels")
	if !ok {
		return GraphPath{}, fmt.Errorf("record has no rels")
	}
	nodeList, _ := rawNodes.([]any)
	relList, _ := rawRels.([]any)

	path := GraphPath{
		Nodes: make([]SchemaNode, 0, len(nodeList)),
		Edges: make([]SchemaEdge, 0, len(relList)),
	}
	for _, raw := range nodeList {
		m, _ := raw.(map[string]any)
		path.Nodes = append(path.Nodes, SchemaNode{
			Name:    anyString(m["name"]),
			Comment: anyString(m["comment"]),
			Meta:    anyString(m["meta"]),
		})
	}
	for _, raw := range relList {
		m, _ := raw.(map[string]any)
		path.Edges = append(path.Edges, SchemaEdge{
			From:       anyString(m["from_table"]),
			To:         anyString(m["to_table"]),
			Type:       anyString(m["type"]),
			FromColumn: anyString(m["from"]),
			ToColumn:   anyString(m["to"]),
		})
	}
	if len(path.Edges) != len(path.Nodes)-1 {
		return GraphPath{}, fmt.Errorf("malformed path: %d nodes, %d edges", len(path.Nodes), len(path.Edges))
	}
	return path, nil
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	return anyString(v)
}

func anyString(v any) string {
	s, _ := v.(string)
	return s
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
