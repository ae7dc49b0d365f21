package kb

import (
	"strings"
)

// DefaultReferencedColumn is assumed when a foreign key does not name the
// referenced column.
const DefaultReferencedColumn = "CCODE"

// EnumValue maps a stored code to its display name.
type EnumValue struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Comment string      `json:"comment,omitempty"`
	Enums   []EnumValue `json:"enums,omitempty"`
}

// TableSchema describes one table.
type TableSchema struct {
	Name    string         `json:"name"`
	Comment string         `json:"comment,omitempty"`
	Columns []ColumnSchema `json:"columns"`
}

// Meta serializes the table for the graph store:
//
//	NAME[comment](col:type:comment:[v:n,v:n],col:type:comment)
func (t TableSchema) Meta() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteString("[")
	b.WriteString(t.Comment)
	b.WriteString("](")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(c.Name)
		b.WriteString(":")
		b.WriteString(c.Type)
		b.WriteString(":")
		b.WriteString(c.Comment)
		if len(c.Enums) > 0 {
			b.WriteString(":[")
			for j, e := range c.Enums {
				if j > 0 {
					b.WriteString(",")
				}
				b.WriteString(e.Value)
				b.WriteString(":")
				b.WriteString(e.Name)
			}
			b.WriteString("]")
		}
	}
	b.WriteString(")")
	return b.String()
}

// Node converts the table to its graph representation.
func (t TableSchema) Node() SchemaNode {
	return SchemaNode{Name: t.Name, Comment: t.Comment, Meta: t.Meta()}
}

// ForeignKey is a column-level reference between two tables.
type ForeignKey struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
}

// ColumnRow is one catalog row as read from the source database.
type ColumnRow struct {
	Table         string
	TableComment  string
	Column        string
	ColumnType    string
	ColumnComment string
}

// Schema is the immutable result of a SchemaBuilder.
type Schema struct {
	Tables      []TableSchema
	ForeignKeys []ForeignKey
}

// Nodes returns one graph node per table.
func (s Schema) Nodes() []SchemaNode {
	out := make([]SchemaNode, 0, len(s.Tables))
	for _, t := range s.Tables {
		out = append(out, t.Node())
	}
	return out
}

// Edges returns a forward REFERENCES edge and an inverse REFERENCED BY edge
// for every foreign key whose endpoints are both known tables.
func (s Schema) Edges() []SchemaEdge {
	known := make(map[string]struct{}, len(s.Tables))
	for _, t := range s.Tables {
		known[t.Name] = struct{}{}
	}
	out := make([]SchemaEdge, 0, 2*len(s.ForeignKeys))
	for _, fk := range s.ForeignKeys {
		if _, ok := known[fk.FromTable]; !ok {
			continue
		}
		if _, ok := known[fk.ToTable]; !ok {
			continue
		}
		toColumn := fk.ToColumn
		if toColumn == "" {
			toColumn = DefaultReferencedColumn
		}
		out = append(out,
			SchemaEdge{From: fk.FromTable, To: fk.ToTable, Type: EdgeReferences, FromColumn: fk.FromColumn, ToColumn: toColumn},
			SchemaEdge{From: fk.ToTable, To: fk.FromTable, Type: EdgeReferencedBy, FromColumn: toColumn, ToColumn: fk.FromColumn},
		)
	}
	return out
}

type tableAccum struct {
	comment string
	columns []ColumnSchema
	index   map[string]int
}

// SchemaBuilder accumulates catalog rows keyed by table and column. The first
// non-empty comment seen for a table or column wins; later ones are ignored.
// It is not safe for concurrent use.
type SchemaBuilder struct {
	order  []string
	tables map[string]*tableAccum
	enums  map[string][]EnumValue
	fks    []ForeignKey
	fkSeen map[ForeignKey]struct{}
}

func NewSchemaBuilder() *SchemaBuilder {
	return &SchemaBuilder{
		tables: make(map[string]*tableAccum),
		enums:  make(map[string][]EnumValue),
		fkSeen: make(map[ForeignKey]struct{}),
	}
}

// AddColumn merges one catalog row.
func (b *SchemaBuilder) AddColumn(row ColumnRow) {
	table := strings.TrimSpace(row.Table)
	if table == "" {
		return
	}
	acc, ok := b.tables[table]
	if !ok {
		acc = &tableAccum{index: make(map[string]int)}
		b.tables[table] = acc
		b.order = append(b.order, table)
	}
	if acc.comment == "" {
		acc.comment = strings.TrimSpace(row.TableComment)
	}

	column := strings.TrimSpace(row.Column)
	if column == "" {
		return
	}
	idx, ok := acc.index[column]
	if !ok {
		acc.index[column] = len(acc.columns)
		acc.columns = append(acc.columns, ColumnSchema{
			Name:    column,
			Type:    strings.TrimSpace(row.ColumnType),
			Comment: strings.TrimSpace(row.ColumnComment),
		})
		return
	}
	existing := &acc.columns[idx]
	if existing.Comment == "" {
		existing.Comment = strings.TrimSpace(row.ColumnComment)
	}
	if existing.Type == "" {
		existing.Type = strings.TrimSpace(row.ColumnType)
	}
}

// AddEnumValues attaches enum values to table.column, skipping duplicates.
func (b *SchemaBuilder) AddEnumValues(table, column string, values ...EnumValue) {
	key := enumKey(table, column)
	seen := make(map[string]struct{}, len(b.enums[key]))
	for _, v := range b.enums[key] {
		seen[v.Value] = struct{}{}
	}
	for _, v := range values {
		if _, dup := seen[v.Value]; dup {
			continue
		}
		seen[v.Value] = struct{}{}
		b.enums[key] = append(b.enums[key], v)
	}
}

// AddForeignKey records a reference; duplicates are ignored.
func (b *SchemaBuilder) AddForeignKey(fk ForeignKey) {
	fk.FromTable = strings.TrimSpace(fk.FromTable)
	fk.ToTable = strings.TrimSpace(fk.ToTable)
	if fk.FromTable == "" || fk.ToTable == "" {
		return
	}
	if _, dup := b.fkSeen[fk]; dup {
		return
	}
	b.fkSeen[fk] = struct{}{}
	b.fks = append(b.fks, fk)
}

// Build returns a snapshot of the accumulated schema. Tables keep the order
// they were first seen in.
func (b *SchemaBuilder) Build() Schema {
	tables := make([]TableSchema, 0, len(b.order))
	for _, name := range b.order {
		acc := b.tables[name]
		columns := make([]ColumnSchema, len(acc.columns))
		for i, c := range acc.columns {
			if enums := b.enums[enumKey(name, c.Name)]; len(enums) > 0 {
				c.Enums = append([]EnumValue(nil), enums...)
			}
			columns[i] = c
		}
		tables = append(tables, TableSchema{Name: name, Comment: acc.comment, Columns: columns})
	}
	return Schema{
		Tables:      tables,
		ForeignKeys: append([]ForeignKey(nil), b.fks...),
	}
}

func enumKey(table, column string) string {
	return strings.TrimSpace(table) + "." + strings.TrimSpace(column)
}
