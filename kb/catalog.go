package kb

import (
	"context"
	"fmt"
	"log/slog"
)

// CatalogSource feeds a source database's catalog into a SchemaBuilder.
type CatalogSource interface {
	LoadCatalog(ctx context.Context, b *SchemaBuilder) error
}

// ImportSchema reads src, builds the schema and replaces the graph held by dst.
func ImportSchema(ctx context.Context, src CatalogSource, dst SchemaWriter) (Schema, error) {
	b := NewSchemaBuilder()
	if err := src.LoadCatalog(ctx, b); err != nil {
		return Schema{}, fmt.Errorf("load catalog: %w", err)
	}
	schema := b.Build()

	nodes := schema.Nodes()
	edges := schema.Edges()
	if err := dst.ReplaceSchema(ctx, nodes, edges); err != nil {
		return Schema{}, fmt.Errorf("write schema graph: %w", err)
	}

	slog.Default().InfoContext(ctx, "schema import completed",
		"tables", len(nodes),
		"foreign_keys", len(schema.ForeignKeys),
		"edges", len(edges),
	)
	return schema, nil
}
