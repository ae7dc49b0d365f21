package kb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBOptions configures an embedded DuckDB database shared by the graph
// and vector stores.
type DuckDBOptions struct {
	// Path is the database file; "" opens an in-memory database.
	Path         string
	ExtensionDir string
	// OfflineExt forbids downloading the vss extension.
	OfflineExt  bool
	MemoryLimit string
	Threads     int
}

// OpenDuckDB opens the database, loads the vss extension and enables HNSW
// persistence.
func OpenDuckDB(ctx context.Context, opts DuckDBOptions) (*sql.DB, error) {
	db, err := sql.Open("duckdb", opts.Path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps temp tables and SET statements session-wide
	db.SetMaxOpenConns(1)

	if opts.ExtensionDir != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`SET extension_directory = '%s'`, strings.ReplaceAll(opts.ExtensionDir, "'", "''"))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set extension_directory: %w", err)
		}
	}

	if opts.OfflineExt {
		if _, err := db.ExecContext(ctx, `SET autoinstall_known_extensions = false`); err != nil {
			db.Close()
			return nil, fmt.Errorf("disable autoinstall: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `LOAD vss`); err != nil {
		if opts.OfflineExt {
			db.Close()
			return nil, fmt.Errorf("failed to load vss extension in offline mode (check extension_directory %q): %w", opts.ExtensionDir, err)
		}
		if _, installErr := db.ExecContext(ctx, `INSTALL vss`); installErr != nil {
			db.Close()
			return nil, fmt.Errorf("failed to install vss: %w", installErr)
		}
		if _, loadErr := db.ExecContext(ctx, `LOAD vss`); loadErr != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load vss after install: %w", loadErr)
		}
	}

	if _, err := db.ExecContext(ctx, `SET hnsw_enable_experimental_persistence = true`); err != nil {
		db.Close()
		return nil, err
	}

	memLimit := opts.MemoryLimit
	if memLimit == "" {
		memLimit = "512MB"
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = 2
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
		SET memory_limit = '%s';
		PRAGMA threads = %d;
	`, memLimit, threads)); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

var sqlIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// quoteIdentifier validates name as a plain SQL identifier and quotes it.
func quoteIdentifier(name string) (string, error) {
	if !sqlIdentifierPattern.MatchString(name) {
		return "", fmt.Errorf("invalid collection name %q", name)
	}
	return `"` + name + `"`, nil
}
