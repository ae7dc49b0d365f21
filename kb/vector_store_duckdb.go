package kb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DuckDBVectorStore keeps each collection in its own table with a
// fixed-size FLOAT[dim] embedding column and an HNSW index from the vss
// extension. The kb_collections registry records dimension and load state.
type DuckDBVectorStore struct {
	DB *sql.DB
}

var _ VectorStore = (*DuckDBVectorStore)(nil)

func NewDuckDBVectorStore(ctx context.Context, db *sql.DB) (*DuckDBVectorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("duckdb handle is required")
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kb_collections (
			name TEXT PRIMARY KEY,
			dim INTEGER NOT NULL,
			loaded BOOLEAN NOT NULL DEFAULT false
		)
	`); err != nil {
		return nil, fmt.Errorf("create kb_collections table: %w", err)
	}
	return &DuckDBVectorStore{DB: db}, nil
}

type duckdbCollection struct {
	table  string
	dim    int
	loaded bool
}

func (s *DuckDBVectorStore) lookup(ctx context.Context, name string) (duckdbCollection, error) {
	table, err := quoteIdentifier(name)
	if err != nil {
		return duckdbCollection{}, err
	}
	c := duckdbCollection{table: table}
	err = s.DB.QueryRowContext(ctx, `SELECT dim, loaded FROM kb_collections WHERE name = ?`, name).Scan(&c.dim, &c.loaded)
	if errors.Is(err, sql.ErrNoRows) {
		return duckdbCollection{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return duckdbCollection{}, fmt.Errorf("read collection %s: %w", name, err)
	}
	return c, nil
}

func (s *DuckDBVectorStore) DropCollection(ctx context.Context, name string) error {
	c, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+c.table); err != nil {
		tx.Rollback()
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_collections WHERE name = ?`, name); err != nil {
		tx.Rollback()
		return fmt.Errorf("unregister collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drop tx: %w", err)
	}
	return nil
}

func (s *DuckDBVectorStore) CreateCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidEmbeddingDimension, dim)
	}
	table, err := quoteIdentifier(name)
	if err != nil {
		return err
	}
	if _, err := s.lookup(ctx, name); err == nil {
		return fmt.Errorf("collection %s already exists", name)
	} else if !errors.Is(err, ErrCollectionNotFound) {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			origin_id BIGINT NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			table_path TEXT NOT NULL,
			embedding FLOAT[%d] NOT NULL
		)
	`, table, dim)); err != nil {
		tx.Rollback()
		return fmt.Errorf("create table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kb_collections (name, dim, loaded) VALUES (?, ?, false)`, name, dim); err != nil {
		tx.Rollback()
		return fmt.Errorf("register collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

func (s *DuckDBVectorStore) Insert(ctx context.Context, name string, fragments []Fragment) error {
	c, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	if len(fragments) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	for _, f := range fragments {
		if len(f.Embedding) != c.dim {
			tx.Rollback()
			return fmt.Errorf("%w: origin %d seq %d has %d, collection has %d", ErrInvalidEmbeddingDimension, f.OriginID, f.Seq, len(f.Embedding), c.dim)
		}
		insertSQL := fmt.Sprintf(`INSERT INTO %s (origin_id, seq, text, table_path, embedding) VALUES (?, ?, ?, ?, %s::FLOAT[%d])`,
			c.table, formatVectorForSQL(f.Embedding), c.dim)
		if _, err := tx.ExecContext(ctx, insertSQL, f.OriginID, f.Seq, f.Text, f.TablePath); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert origin %d seq %d: %w", f.OriginID, f.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}
	return nil
}

// BuildIndex creates an l2sq HNSW index. DuckDB's vss only implements HNSW,
// so params.Lists and params.Probes are ignored.
func (s *DuckDBVectorStore) BuildIndex(ctx context.Context, name string, params IndexParams) error {
	c, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	m := params.M
	if m <= 0 {
		m = DefaultIndexParams().M
	}
	ef := params.EfConstruction
	if ef <= 0 {
		ef = DefaultIndexParams().EfConstruction
	}
	indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_vec_idx" ON %s USING HNSW (embedding) WITH (metric = 'l2sq', M = %d, ef_construction = %d, ef_search = %d)`,
		name, c.table, m, ef, params.efSearch(0))
	if _, err := s.DB.ExecContext(ctx, indexSQL); err != nil {
		return fmt.Errorf("create hnsw index on %s: %w", name, err)
	}
	return nil
}

func (s *DuckDBVectorStore) Load(ctx context.Context, name string) error {
	if _, err := s.lookup(ctx, name); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE kb_collections SET loaded = true WHERE name = ?`, name); err != nil {
		return fmt.Errorf("mark collection %s loaded: %w", name, err)
	}
	return nil
}

func (s *DuckDBVectorStore) loaded(ctx context.Context, name string) (duckdbCollection, error) {
	c, err := s.lookup(ctx, name)
	if err != nil {
		return duckdbCollection{}, err
	}
	if !c.loaded {
		return duckdbCollection{}, fmt.Errorf("%w: %s", ErrCollectionNotLoaded, name)
	}
	return c, nil
}

// Search returns the limit nearest fragments by Euclidean distance.
func (s *DuckDBVectorStore) Search(ctx context.Context, name string, vec []float32, limit int) ([]SearchHit, error) {
	c, err := s.loaded(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []SearchHit{}, nil
	}
	if len(vec) != c.dim {
		return nil, fmt.Errorf("%w: query has %d, collection has %d", ErrInvalidEmbeddingDimension, len(vec), c.dim)
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT origin_id, seq, text, table_path, array_distance(embedding, %s::FLOAT[%d]) AS distance
		FROM %s
		ORDER BY distance
		LIMIT %d
	`, formatVectorForSQL(vec), c.dim, c.table, limit))
	if err != nil {
		return nil, fmt.Errorf("vector query on %s: %w", name, err)
	}
	defer rows.Close()

	hits := make([]SearchHit, 0, limit)
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.OriginID, &h.Seq, &h.Text, &h.TablePath, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hits: %w", err)
	}
	return hits, nil
}

func (s *DuckDBVectorStore) FragmentsByOrigin(ctx context.Context, name string, originID int64) ([]Fragment, error) {
	c, err := s.loaded(ctx, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT origin_id, seq, text, table_path FROM %s WHERE origin_id = ? ORDER BY seq`, c.table), originID)
	if err != nil {
		return nil, fmt.Errorf("fragments of origin %d: %w", originID, err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		if err := rows.Scan(&f.OriginID, &f.Seq, &f.Text, &f.TablePath); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	return out, nil
}
