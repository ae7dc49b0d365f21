package kb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLCatalog reads tables, columns, enum definitions and foreign keys from
// information_schema.
type MySQLCatalog struct {
	DB     *sql.DB
	Schema string
}

// OpenMySQLCatalog connects to dsn and verifies the connection.
func OpenMySQLCatalog(ctx context.Context, dsn, schema string) (*MySQLCatalog, error) {
	if strings.TrimSpace(schema) == "" {
		return nil, fmt.Errorf("mysql catalog schema is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return &MySQLCatalog{DB: db, Schema: schema}, nil
}

func (c *MySQLCatalog) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

var _ CatalogSource = (*MySQLCatalog)(nil)

func (c *MySQLCatalog) LoadCatalog(ctx context.Context, b *SchemaBuilder) error {
	if err := c.loadColumns(ctx, b); err != nil {
		return err
	}
	return c.loadForeignKeys(ctx, b)
}

func (c *MySQLCatalog) loadColumns(ctx context.Context, b *SchemaBuilder) error {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT c.TABLE_NAME,
		       COALESCE(t.TABLE_COMMENT, ''),
		       c.COLUMN_NAME,
		       c.DATA_TYPE,
		       c.COLUMN_TYPE,
		       COALESCE(c.COLUMN_COMMENT, '')
		FROM INFORMATION_SCHEMA.COLUMNS c
		JOIN INFORMATION_SCHEMA.TABLES t
		  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
		WHERE c.TABLE_SCHEMA = ? AND t.TABLE_TYPE = 'BASE TABLE'
		ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION
	`, c.Schema)
	if err != nil {
		return fmt.Errorf("query columns of %s: %w", c.Schema, err)
	}
	defer rows.Close()

	for rows.Next() {
		var row ColumnRow
		var columnType string
		if err := rows.Scan(&row.Table, &row.TableComment, &row.Column, &row.ColumnType, &columnType, &row.ColumnComment); err != nil {
			return fmt.Errorf("scan column row: %w", err)
		}
		b.AddColumn(row)
		if values := parseMySQLEnumType(columnType); len(values) > 0 {
			b.AddEnumValues(row.Table, row.Column, values...)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("column rows iteration error: %w", err)
	}
	return nil
}

func (c *MySQLCatalog) loadForeignKeys(ctx context.Context, b *SchemaBuilder) error {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, COALESCE(REFERENCED_COLUMN_NAME, '')
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY TABLE_NAME, ORDINAL_POSITION
	`, c.Schema)
	if err != nil {
		return fmt.Errorf("query foreign keys of %s: %w", c.Schema, err)
	}
	defer rows.Close()

	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.FromTable, &fk.FromColumn, &fk.ToTable, &fk.ToColumn); err != nil {
			return fmt.Errorf("scan foreign key row: %w", err)
		}
		b.AddForeignKey(fk)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("foreign key rows iteration error: %w", err)
	}
	return nil
}

// parseMySQLEnumType extracts the members of a column type such as
// enum('new','paid'). Each member is both value and name; doubled quotes
// inside a member are unescaped.
func parseMySQLEnumType(columnType string) []EnumValue {
	lower := strings.ToLower(strings.TrimSpace(columnType))
	if !strings.HasPrefix(lower, "enum(") || !strings.HasSuffix(lower, ")") {
		return nil
	}
	body := strings.TrimSpace(columnType)[len("enum(") : len(strings.TrimSpace(columnType))-1]

	var out []EnumValue
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '\'' && inQuote && i+1 < len(body) && body[i+1] == '\'':
			cur.WriteByte('\'')
			i++
		case ch == '\'':
			if inQuote {
				v := cur.String()
				out = append(out, EnumValue{Value: v, Name: v})
				cur.Reset()
			}
			inQuote = !inQuote
		case inQuote:
			cur.WriteByte(ch)
		}
	}
	return out
}
