// graph_store_duckdb.go keeps the schema graph in two DuckDB tables next to
// the vector collections:
//
//   - schema_tables: one row per table with its serialized meta. ord preserves
//     catalog order for ListNodes.
//   - schema_edges: one row per directed edge. Every foreign key is stored
//     twice (REFERENCES and REFERENCED BY).
//
// Shortest paths are computed by a breadth-first search that loads one
// frontier level per query. Frontiers of frontierChunkSize or more names are
// split across several IN (...) queries to keep the parameter count bounded.

package kb

import (
	"context"
	"database/sql"
	"fmt"
)

const frontierChunkSize = 200

type DuckDBGraphStore struct {
	DB *sql.DB
}

var (
	_ GraphStore   = (*DuckDBGraphStore)(nil)
	_ SchemaWriter = (*DuckDBGraphStore)(nil)
)

func NewDuckDBGraphStore(ctx context.Context, db *sql.DB) (*DuckDBGraphStore, error) {
	if db == nil {
		return nil, fmt.Errorf("duckdb handle is required")
	}
	if err := ensureSchemaGraphTables(ctx, db); err != nil {
		return nil, err
	}
	return &DuckDBGraphStore{DB: db}, nil
}

func ensureSchemaGraphTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_tables (
			name TEXT PRIMARY KEY,
			comment TEXT NOT NULL,
			meta TEXT NOT NULL,
			ord INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_tables table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_edges (
			from_table TEXT NOT NULL,
			to_table TEXT NOT NULL,
			rel_type TEXT NOT NULL,
			from_column TEXT NOT NULL,
			to_column TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_edges table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_schema_edges_from ON schema_edges(from_table)`); err != nil {
		return fmt.Errorf("create index idx_schema_edges_from: %w", err)
	}
	return nil
}

// ReplaceSchema clears both tables and writes nodes and edges in a single
// transaction. Duplicate node names keep the last definition.
func (s *DuckDBGraphStore) ReplaceSchema(ctx context.Context, nodes []SchemaNode, edges []SchemaEdge) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema replace tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_edges`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear schema_edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_tables`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear schema_tables: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO schema_tables (name, comment, meta, ord) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET comment = excluded.comment, meta = excluded.meta
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare node insert: %w", err)
	}
	for i, n := range nodes {
		if _, err := nodeStmt.ExecContext(ctx, n.Name, n.Comment, n.Meta, i); err != nil {
			nodeStmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert node %s: %w", n.Name, err)
		}
	}
	if err := nodeStmt.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("close node stmt: %w", err)
	}

	edgeStmt, err := tx.PrepareContext(ctx, `INSERT INTO schema_edges (from_table, to_table, rel_type, from_column, to_column) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	for _, e := range edges {
		if _, err := edgeStmt.ExecContext(ctx, e.From, e.To, e.Type, e.FromColumn, e.ToColumn); err != nil {
			edgeStmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert edge %s->%s: %w", e.From, e.To, err)
		}
	}
	if err := edgeStmt.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("close edge stmt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema replace tx: %w", err)
	}
	return nil
}

func (s *DuckDBGraphStore) ListNodes(ctx context.Context) ([]SchemaNode, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name, comment, meta FROM schema_tables ORDER BY ord`)
	if err != nil {
		return nil, fmt.Errorf("list schema_tables: %w", err)
	}
	defer rows.Close()

	out := make([]SchemaNode, 0)
	for rows.Next() {
		var n SchemaNode
		if err := rows.Scan(&n.Name, &n.Comment, &n.Meta); err != nil {
			return nil, fmt.Errorf("scan schema node: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema nodes: %w", err)
	}
	return out, nil
}

func (s *DuckDBGraphStore) ShortestPaths(ctx context.Context, q PathQuery) ([]GraphPath, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]SchemaNode, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}
	if _, ok := byName[q.Anchor]; !ok {
		return []GraphPath{}, nil
	}

	parents, err := shortestPathTree(ctx, q, s.outgoingEdges)
	if err != nil {
		return nil, err
	}
	return pagePaths(q, parents, byName), nil
}

func (s *DuckDBGraphStore) outgoingEdges(ctx context.Context, sources []string) ([]SchemaEdge, error) {
	var out []SchemaEdge
	for lo := 0; lo < len(sources); lo += frontierChunkSize {
		chunk := sources[lo:min(lo+frontierChunkSize, len(sources))]
		args := make([]any, len(chunk))
		for i, name := range chunk {
			args[i] = name
		}
		rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
			SELECT from_table, to_table, rel_type, from_column, to_column
			FROM schema_edges
			WHERE from_table IN (%s)
		`, buildInClausePlaceholders(len(chunk))), args...)
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		for rows.Next() {
			var e SchemaEdge
			if err := rows.Scan(&e.From, &e.To, &e.Type, &e.FromColumn, &e.ToColumn); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan edge: %w", err)
			}
			out = append(out, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate edges: %w", err)
		}
	}
	return out, nil
}
