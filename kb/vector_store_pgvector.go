package kb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PgVectorStore keeps collections as Postgres tables with a vector(dim)
// column from the pgvector extension. Distances use the <-> (L2) operator.
// Index.Probes sets ivfflat.probes for every search.
type PgVectorStore struct {
	DB    *sql.DB
	Index IndexParams
}

var _ VectorStore = (*PgVectorStore)(nil)

// OpenPgVector connects with lib/pq and prepares the extension and the
// collection registry.
func OpenPgVector(ctx context.Context, dsn string) (*PgVectorStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := NewPgVectorStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewPgVectorStore(ctx context.Context, db *sql.DB) (*PgVectorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres handle is required")
	}
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
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
	return &PgVectorStore{DB: db, Index: DefaultIndexParams()}, nil
}

func (s *PgVectorStore) Close() error {
	return s.DB.Close()
}

type pgCollection struct {
	table  string
	dim    int
	loaded bool
}

func (s *PgVectorStore) lookup(ctx context.Context, name string) (pgCollection, error) {
	table, err := quoteIdentifier(name)
	if err != nil {
		return pgCollection{}, err
	}
	c := pgCollection{table: table}
	err = s.DB.QueryRowContext(ctx, `SELECT dim, loaded FROM kb_collections WHERE name = $1`, name).Scan(&c.dim, &c.loaded)
	if errors.Is(err, sql.ErrNoRows) {
		return pgCollection{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return pgCollection{}, fmt.Errorf("read collection %s: %w", name, err)
	}
	return c, nil
}

func (s *PgVectorStore) DropCollection(ctx context.Context, name string) error {
	c, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+c.table); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_collections WHERE name = $1`, name); err != nil {
		return fmt.Errorf("unregister collection %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *PgVectorStore) CreateCollection(ctx context.Context, name string, dim int) error {
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
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			origin_id BIGINT NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			table_path TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)
	`, table, dim)); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX ON %s (origin_id)`, table)); err != nil {
		return fmt.Errorf("index origin_id of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kb_collections (name, dim, loaded) VALUES ($1, $2, false)`, name, dim); err != nil {
		return fmt.Errorf("register collection %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *PgVectorStore) Insert(ctx context.Context, name string, fragments []Fragment) error {
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
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (origin_id, seq, text, table_path, embedding) VALUES ($1, $2, $3, $4, $5::vector)`, c.table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, f := range fragments {
		if len(f.Embedding) != c.dim {
			return fmt.Errorf("%w: origin %d seq %d has %d, collection has %d", ErrInvalidEmbeddingDimension, f.OriginID, f.Seq, len(f.Embedding), c.dim)
		}
		if _, err := stmt.ExecContext(ctx, f.OriginID, f.Seq, f.Text, f.TablePath, formatVectorForSQL(f.Embedding)); err != nil {
			return fmt.Errorf("insert origin %d seq %d: %w", f.OriginID, f.Seq, err)
		}
	}
	return tx.Commit()
}

// BuildIndex creates an L2 ivfflat index with params.Lists lists. M and
// EfConstruction only apply to HNSW and are ignored here.
func (s *PgVectorStore) BuildIndex(ctx context.Context, name string, params IndexParams) error {
	c, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	lists := params.Lists
	if lists <= 0 {
		lists = DefaultIndexParams().Lists
	}
	indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_vec_idx" ON %s USING ivfflat (embedding vector_l2_ops) WITH (lists = %d)`,
		name, c.table, lists)
	if _, err := s.DB.ExecContext(ctx, indexSQL); err != nil {
		return fmt.Errorf("create ivfflat index on %s: %w", name, err)
	}
	return nil
}

func (s *PgVectorStore) Load(ctx context.Context, name string) error {
	if _, err := s.lookup(ctx, name); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE kb_collections SET loaded = true WHERE name = $1`, name); err != nil {
		return fmt.Errorf("mark collection %s loaded: %w", name, err)
	}
	return nil
}

func (s *PgVectorStore) loaded(ctx context.Context, name string) (pgCollection, error) {
	c, err := s.lookup(ctx, name)
	if err != nil {
		return pgCollection{}, err
	}
	if !c.loaded {
		return pgCollection{}, fmt.Errorf("%w: %s", ErrCollectionNotLoaded, name)
	}
	return c, nil
}

func (s *PgVectorStore) Search(ctx context.Context, name string, vec []float32, limit int) ([]SearchHit, error) {
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

	// SET LOCAL scopes the probe count to this transaction's connection.
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin search on %s: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL ivfflat.probes = %d`, s.Index.probes())); err != nil {
		return nil, fmt.Errorf("set ivfflat.probes: %w", err)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT origin_id, seq, text, table_path, embedding <-> $1::vector AS distance
		FROM %s
		ORDER BY distance
		LIMIT $2
	`, c.table), formatVectorForSQL(vec), limit)
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

func (s *PgVectorStore) FragmentsByOrigin(ctx context.Context, name string, originID int64) ([]Fragment, error) {
	c, err := s.loaded(ctx, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT origin_id, seq, text, table_path FROM %s WHERE origin_id = $1 ORDER BY seq`, c.table), originID)
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
