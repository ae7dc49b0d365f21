package kb

import (
	"context"
	"strings"
)

// SchemaNode is one table of the schema graph.
type SchemaNode struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
	Meta    string `json:"meta"`
}

// Edge types written by the importer. Each foreign key is stored twice so that
// both directions are independently traversable.
const (
	EdgeReferences   = "REFERENCES"
	EdgeReferencedBy = "REFERENCED BY"
)

// SchemaEdge is a directed reference between two tables.
type SchemaEdge struct {
	From       string `json:"from_table"`
	To         string `json:"to_table"`
	Type       string `json:"type"`
	FromColumn string `json:"from"`
	ToColumn   string `json:"to"`
}

// GraphPath is a traversal result: len(Edges) == len(Nodes)-1.
type GraphPath struct {
	Nodes []SchemaNode
	Edges []SchemaEdge
}

// Hops returns the number of traversed edges.
func (p GraphPath) Hops() int {
	return len(p.Edges)
}

// Target returns the last node of the path.
func (p GraphPath) Target() SchemaNode {
	if len(p.Nodes) == 0 {
		return SchemaNode{}
	}
	return p.Nodes[len(p.Nodes)-1]
}

// PathDescription is the searchable text for one (anchor, target) route.
type PathDescription struct {
	OriginID  int64  `json:"origin_id"`
	Anchor    string `json:"anchor"`
	Target    string `json:"target"`
	Hops      int    `json:"hops"`
	Text      string `json:"text"`
	TablePath string `json:"table_path"`
}

// Fragment is a byte-bounded slice of a PathDescription, stored with its
// embedding. Seq is the fragment's position within its origin.
type Fragment struct {
	OriginID  int64
	Seq       int
	Text      string
	TablePath string
	Embedding []float32
}

// SearchHit is one raw nearest-neighbor row.
type SearchHit struct {
	OriginID  int64
	Seq       int
	Text      string
	TablePath string
	Distance  float64
}

// Candidate is a reconstructed path returned by a query.
type Candidate struct {
	OriginID  int64   `json:"origin_id"`
	Text      string  `json:"text"`
	TablePath string  `json:"table_path"`
	Distance  float64 `json:"distance"`
	Relevance float64 `json:"relevance"`
	Fragments int     `json:"fragments"`
}

// RerankDocument is the text a relevance model scores for this candidate.
func (c Candidate) RerankDocument() string {
	if c.TablePath == "" {
		return c.Text
	}
	return c.TablePath + " " + c.Text
}

// PathQuery asks a GraphStore for shortest directed paths starting at Anchor.
// Results exclude the zero-hop self path and are ordered by target name.
type PathQuery struct {
	Anchor  string
	MaxHops int
	Filter  NameFilter
	Skip    int
	Limit   int
}

// GraphStore is the read side of the schema graph.
type GraphStore interface {
	ListNodes(ctx context.Context) ([]SchemaNode, error)
	ShortestPaths(ctx context.Context, q PathQuery) ([]GraphPath, error)
}

// SchemaWriter replaces the stored schema graph wholesale.
type SchemaWriter interface {
	ReplaceSchema(ctx context.Context, nodes []SchemaNode, edges []SchemaEdge) error
}

// IndexParams configures the approximate nearest-neighbor index. Lists and
// Probes apply to ivfflat; M, EfConstruction and EfSearch to HNSW.
type IndexParams struct {
	Metric         string `yaml:"metric" json:"metric"`
	Lists          int    `yaml:"lists" json:"lists"`
	Probes         int    `yaml:"probes" json:"probes"`
	M              int    `yaml:"m" json:"m"`
	EfConstruction int    `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int    `yaml:"ef_search" json:"ef_search"`
}

// probes returns the ivfflat lists scanned per query, never more than Lists.
func (p IndexParams) probes() int {
	n := p.Probes
	if n <= 0 {
		n = DefaultIndexParams().Probes
	}
	if p.Lists > 0 && n > p.Lists {
		n = p.Lists
	}
	return n
}

// efSearch returns the HNSW candidate list size for a query of limit results.
// It never drops below limit, or the index could return fewer hits.
func (p IndexParams) efSearch(limit int) int {
	ef := p.EfSearch
	if ef <= 0 {
		ef = DefaultIndexParams().EfSearch
	}
	return max(ef, limit)
}

// VectorStore holds fragments and their embeddings. A collection becomes
// searchable only after Load; Search before that returns ErrCollectionNotLoaded.
type VectorStore interface {
	DropCollection(ctx context.Context, name string) error
	CreateCollection(ctx context.Context, name string, dim int) error
	Insert(ctx context.Context, name string, fragments []Fragment) error
	BuildIndex(ctx context.Context, name string, params IndexParams) error
	Load(ctx context.Context, name string) error
	Search(ctx context.Context, name string, vec []float32, limit int) ([]SearchHit, error)
	FragmentsByOrigin(ctx context.Context, name string, originID int64) ([]Fragment, error)
}

// Embedder turns texts into vectors. EmbedBatch returns one vector per input
// in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error)
	Dimension(ctx context.Context) (int, error)
}

// RelevanceScorer scores documents against a query. The result is aligned
// with documents.
type RelevanceScorer interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
