package kb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Pipeline wires the graph, vector store and model providers together. Build
// it once per process with NewPipeline and release it with Close.
type Pipeline struct {
	Graph     GraphStore
	Vectors   VectorStore
	Embedder  Embedder
	Scorer    RelevanceScorer
	Lease     RebuildLeaseManager
	Manifests ManifestStore
	Artifacts BlobStore
	Metrics   AppMetrics
	Config    Config
	Logger    *slog.Logger

	closeOnce sync.Once
	closers   []io.Closer
}

type Option func(*Pipeline)

func WithGraphStore(g GraphStore) Option {
	return func(p *Pipeline) { p.Graph = g }
}

func WithVectorStore(v VectorStore) Option {
	return func(p *Pipeline) { p.Vectors = v }
}

func WithEmbedder(e Embedder) Option {
	return func(p *Pipeline) { p.Embedder = e }
}

// WithRelevanceScorer enables reranking. Without it every candidate gets
// relevance 0 and keeps its retrieval order.
func WithRelevanceScorer(s RelevanceScorer) Option {
	return func(p *Pipeline) { p.Scorer = s }
}

func WithRebuildLeaseManager(m RebuildLeaseManager) Option {
	return func(p *Pipeline) { p.Lease = m }
}

func WithManifestStore(m ManifestStore) Option {
	return func(p *Pipeline) { p.Manifests = m }
}

func WithArtifactStore(b BlobStore) Option {
	return func(p *Pipeline) { p.Artifacts = b }
}

func WithAppMetrics(m AppMetrics) Option {
	return func(p *Pipeline) { p.Metrics = m }
}

func WithConfig(c Config) Option {
	return func(p *Pipeline) { p.Config = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.Logger = l }
}

// WithCloser registers a resource released by Close, in reverse order of
// registration.
func WithCloser(c io.Closer) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.closers = append(p.closers, c)
		}
	}
}

func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(p)
	}
	p.Config = p.Config.withDefaults()
	if p.Lease == nil {
		p.Lease = NewInMemoryRebuildLeaseManager()
	}
	if p.Metrics == nil {
		p.Metrics = NoopAppMetrics{}
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

func (p *Pipeline) storePolicy() CallPolicy {
	return CallPolicy{Timeout: p.Config.StoreTimeout}
}

func (p *Pipeline) Extractor() *PathExtractor {
	return &PathExtractor{
		Graph:       p.Graph,
		Filter:      p.Config.Exclusion,
		MaxHops:     p.Config.MaxHops,
		PageSize:    p.Config.PageSize,
		SelfOnly:    p.Config.Mode == ModeTables,
		Logger:      p.Logger,
		StorePolicy: p.storePolicy(),
	}
}

func (p *Pipeline) Indexer() *Indexer {
	return &Indexer{
		Extractor:        p.Extractor(),
		Chunker:          ByteChunker{MaxBytes: p.Config.ChunkMaxBytes},
		Embedder:         p.Embedder,
		Vectors:          p.Vectors,
		Collection:       p.Config.Collection,
		EmbedBatchSize:   p.Config.EmbedBatchSize,
		EmbedParallelism: p.Config.EmbedParallelism,
		InsertBatchSize:  p.Config.InsertBatchSize,
		Index:            p.Config.Index,
		Lease:            p.Lease,
		LeaseTTL:         p.Config.RebuildLeaseTTL,
		Artifacts:        p.Artifacts,
		Manifests:        p.Manifests,
		Metrics:          p.Metrics,
		Logger:           p.Logger,
		StorePolicy:      p.storePolicy(),
		Mode:             p.Config.Mode,
	}
}

func (p *Pipeline) Retriever() *Retriever {
	return &Retriever{
		Embedder:    p.Embedder,
		Vectors:     p.Vectors,
		Collection:  p.Config.Collection,
		OverFetch:   p.Config.OverFetch,
		Metrics:     p.Metrics,
		StorePolicy: p.storePolicy(),
	}
}

func (p *Pipeline) Reranker() *Reranker {
	return &Reranker{Scorer: p.Scorer, Logger: p.Logger, Metrics: p.Metrics}
}

// Rebuild re-extracts every path and replaces the collection.
func (p *Pipeline) Rebuild(ctx context.Context) (*BuildReport, error) {
	if p.Graph == nil {
		return nil, fmt.Errorf("rebuild: %w", ErrPipelineUninitialized)
	}
	return p.Indexer().Rebuild(ctx)
}

// Search retrieves candidates for query and returns the TopK most relevant.
func (p *Pipeline) Search(ctx context.Context, query string, opts RetrieveOptions) ([]Candidate, error) {
	if opts.TopK <= 0 {
		opts.TopK = p.Config.TopK
	}
	candidates, err := p.Retriever().Retrieve(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return p.Reranker().Rerank(ctx, query, candidates, opts.TopK), nil
}

// Paths returns every path description of one anchor table.
func (p *Pipeline) Paths(ctx context.Context, table string) ([]PathDescription, error) {
	if p.Graph == nil {
		return nil, fmt.Errorf("paths: %w", ErrPipelineUninitialized)
	}
	extractor := p.Extractor()
	nodes, err := extractor.listNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if strings.EqualFold(n.Name, table) {
			paths, err := extractor.ExtractAnchor(ctx, n)
			if err != nil {
				return nil, err
			}
			for i := range paths {
				paths[i].OriginID = int64(i + 1)
			}
			return paths, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, table)
}

const (
	DefaultPathPageSize = 10
	MaxPathPageSize     = 100
)

// PathPage is one page of extracted path descriptions.
type PathPage struct {
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
	Data     []PathDescription `json:"data"`
}

// ListPaths extracts the paths of every anchor, or of table when set, and
// returns the 1-based page. Origin ids number the full listing, so they are
// stable across pages. Page and pageSize are clamped to valid values.
func (p *Pipeline) ListPaths(ctx context.Context, table string, page, pageSize int) (*PathPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPathPageSize
	}
	pageSize = min(pageSize, MaxPathPageSize)

	var all []PathDescription
	var err error
	if strings.TrimSpace(table) != "" {
		all, err = p.Paths(ctx, table)
	} else if p.Graph == nil {
		err = fmt.Errorf("paths: %w", ErrPipelineUninitialized)
	} else {
		all, err = p.Extractor().ExtractAll(ctx)
		for i := range all {
			all[i].OriginID = int64(i + 1)
		}
	}
	if err != nil {
		return nil, err
	}

	lo := min((page-1)*pageSize, len(all))
	hi := min(lo+pageSize, len(all))
	return &PathPage{
		Page:     page,
		PageSize: pageSize,
		Total:    len(all),
		Data:     append([]PathDescription{}, all[lo:hi]...),
	}, nil
}

// Import loads a catalog into the graph store. The graph store must accept
// schema writes.
func (p *Pipeline) Import(ctx context.Context, src CatalogSource) (Schema, error) {
	writer, ok := p.Graph.(SchemaWriter)
	if !ok {
		return Schema{}, fmt.Errorf("import schema: graph store %T is read-only", p.Graph)
	}
	return ImportSchema(ctx, src, writer)
}

// LatestBuild returns the manifest of the last successful rebuild.
func (p *Pipeline) LatestBuild(ctx context.Context) (*ManifestDocument, error) {
	if p.Manifests == nil {
		return nil, ErrManifestNotFound
	}
	return p.Manifests.Get(ctx, p.Config.Collection)
}

// Builds lists the manifests of past rebuilds, newest first.
func (p *Pipeline) Builds(ctx context.Context, limit int) ([]BuildManifest, error) {
	if p.Manifests == nil {
		return []BuildManifest{}, nil
	}
	return p.Manifests.History(ctx, p.Config.Collection, limit)
}

// Close releases registered resources. It is safe to call more than once.
func (p *Pipeline) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		for i := len(p.closers) - 1; i >= 0; i-- {
			if err := p.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
