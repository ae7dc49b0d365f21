package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/david-kiko/data/kb"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// wiring tracks the resources opened while building a pipeline so a failed
// build can release them.
type wiring struct {
	closers []io.Closer
	duck    *sql.DB
}

func (w *wiring) own(c io.Closer) {
	w.closers = append(w.closers, c)
}

func (w *wiring) closeAll() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		_ = w.closers[i].Close()
	}
}

func (w *wiring) duckDB(ctx context.Context, s settings) (*sql.DB, error) {
	if w.duck != nil {
		return w.duck, nil
	}
	if dir := filepath.Dir(s.DuckDBPath); s.DuckDBPath != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create duckdb directory: %w", err)
		}
	}
	db, err := kb.OpenDuckDB(ctx, kb.DuckDBOptions{
		Path:         s.DuckDBPath,
		ExtensionDir: s.DuckDBExtDir,
		OfflineExt:   s.DuckDBExtOffline,
		MemoryLimit:  s.DuckDBMemLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", s.DuckDBPath, err)
	}
	w.duck = db
	w.own(db)
	return db, nil
}

// buildPipeline connects every configured backend and returns a pipeline that
// owns them. Close the pipeline to release connections.
func buildPipeline(ctx context.Context, s settings, logger *slog.Logger) (*kb.Pipeline, error) {
	w := &wiring{}
	p, err := w.build(ctx, s, logger)
	if err != nil {
		w.closeAll()
		return nil, err
	}
	return p, nil
}

func (w *wiring) build(ctx context.Context, s settings, logger *slog.Logger) (*kb.Pipeline, error) {
	graph, err := w.graphStore(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	vectors, err := w.vectorStore(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(s, logger)
	if err != nil {
		return nil, err
	}
	artifacts, err := newArtifactStore(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	manifests, err := w.manifestStore(ctx, s, artifacts, logger)
	if err != nil {
		return nil, err
	}
	leases, err := w.leaseManager(ctx, s, logger)
	if err != nil {
		return nil, err
	}

	opts := []kb.Option{
		kb.WithConfig(s.Pipeline),
		kb.WithLogger(logger),
		kb.WithAppMetrics(kb.NewInMemAppMetrics()),
		kb.WithGraphStore(graph),
		kb.WithVectorStore(vectors),
		kb.WithEmbedder(embedder),
		kb.WithArtifactStore(artifacts),
		kb.WithManifestStore(manifests),
		kb.WithRebuildLeaseManager(leases),
	}
	if scorer := newScorer(s, logger); scorer != nil {
		opts = append(opts, kb.WithRelevanceScorer(scorer))
	}
	for _, c := range w.closers {
		opts = append(opts, kb.WithCloser(c))
	}
	return kb.NewPipeline(opts...), nil
}

func (w *wiring) graphStore(ctx context.Context, s settings, logger *slog.Logger) (kb.GraphStore, error) {
	switch s.GraphBackend {
	case "neo4j":
		g, err := kb.OpenNeo4j(ctx, s.Neo4jURI, s.Neo4jUser, s.Neo4jPassword, s.Neo4jDatabase)
		if err != nil {
			return nil, err
		}
		w.own(g)
		logger.Info("configured neo4j graph store", "uri", s.Neo4jURI, "database", s.Neo4jDatabase)
		return g, nil
	default:
		db, err := w.duckDB(ctx, s)
		if err != nil {
			return nil, err
		}
		logger.Info("configured duckdb graph store", "path", s.DuckDBPath)
		return kb.NewDuckDBGraphStore(ctx, db)
	}
}

func (w *wiring) vectorStore(ctx context.Context, s settings, logger *slog.Logger) (kb.VectorStore, error) {
	switch s.VectorBackend {
	case "qdrant":
		v, err := kb.DialQdrant(s.QdrantAddr)
		if err != nil {
			return nil, err
		}
		w.own(v)
		v.Index = s.Pipeline.Index
		if err := v.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping qdrant %s: %w", s.QdrantAddr, err)
		}
		logger.Info("configured qdrant vector store", "addr", s.QdrantAddr, "ef_search", s.Pipeline.Index.EfSearch)
		return v, nil
	case "pgvector":
		v, err := kb.OpenPgVector(ctx, s.PgDSN)
		if err != nil {
			return nil, err
		}
		w.own(v)
		v.Index = s.Pipeline.Index
		logger.Info("configured pgvector store", "probes", s.Pipeline.Index.Probes)
		return v, nil
	default:
		db, err := w.duckDB(ctx, s)
		if err != nil {
			return nil, err
		}
		logger.Info("configured duckdb vector store", "path", s.DuckDBPath)
		return kb.NewDuckDBVectorStore(ctx, db)
	}
}

func newEmbedder(s settings, logger *slog.Logger) (kb.Embedder, error) {
	policy := kb.CallPolicy{Timeout: s.Pipeline.EmbedTimeout}
	switch s.EmbedderProvider {
	case "openai":
		e := kb.NewOpenAIEmbedder(s.EmbeddingURL, s.EmbeddingModel, s.EmbeddingAPIKey)
		e.Policy = policy
		logger.Info("configured openai-compatible embedder", "url", e.URL, "model", e.Model)
		return e, nil
	case "ollama":
		e := kb.NewOllamaEmbedder(s.OllamaURL, s.OllamaModel)
		e.Policy = policy
		logger.Info("configured ollama embedder", "url", e.BaseURL, "model", e.Model)
		return e, nil
	default:
		e, err := kb.NewLocalEmbedder(s.LocalEmbedDim)
		if err != nil {
			return nil, fmt.Errorf("create local embedder: %w", err)
		}
		logger.Info("configured local embedder", "dim", s.LocalEmbedDim)
		return e, nil
	}
}

func newScorer(s settings, logger *slog.Logger) kb.RelevanceScorer {
	switch s.RerankProvider {
	case "http":
		scorer := kb.NewHTTPRelevanceScorer(s.RerankURL, s.RerankModel, s.RerankAPIKey)
		scorer.Policy = kb.CallPolicy{Timeout: s.Pipeline.RerankTimeout}
		logger.Info("configured http reranker", "url", scorer.URL, "model", scorer.Model)
		return scorer
	case "lexical":
		logger.Info("configured lexical reranker")
		return kb.PairwiseRelevanceScorer{Pair: kb.LexicalPairScorer{}}
	default:
		logger.Info("reranking disabled")
		return nil
	}
}

func newArtifactStore(ctx context.Context, s settings, logger *slog.Logger) (kb.BlobStore, error) {
	if s.ArtifactBucket == "" {
		logger.Info("configured local artifact store", "root", s.ArtifactRoot)
		return &kb.LocalBlobStore{Root: s.ArtifactRoot}, nil
	}
	client, err := kb.NewS3Client(ctx, s.ArtifactRegion, s.ArtifactEndpoint)
	if err != nil {
		return nil, err
	}
	logger.Info("configured s3 artifact store", "bucket", s.ArtifactBucket, "prefix", s.ArtifactPrefix)
	return kb.NewS3BlobStore(client, s.ArtifactBucket, s.ArtifactPrefix), nil
}

func (w *wiring) manifestStore(ctx context.Context, s settings, artifacts kb.BlobStore, logger *slog.Logger) (kb.ManifestStore, error) {
	if s.ManifestMongoURI == "" {
		return &kb.BlobManifestStore{Store: artifacts}, nil
	}
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(s.ManifestMongoURI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	w.own(closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	}))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	logger.Info("configured mongo manifest store",
		"db", s.ManifestMongoDB,
		"collection", s.ManifestMongoCollection,
	)
	store := kb.NewMongoManifestStore(client.Database(s.ManifestMongoDB).Collection(s.ManifestMongoCollection))
	if err := store.EnsureIndexes(pingCtx); err != nil {
		return nil, err
	}
	return store, nil
}

func (w *wiring) leaseManager(ctx context.Context, s settings, logger *slog.Logger) (kb.RebuildLeaseManager, error) {
	if s.RedisAddr == "" {
		return kb.NewInMemoryRebuildLeaseManager(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	w.own(client)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", s.RedisAddr, err)
	}
	logger.Info("configured redis rebuild lease", "addr", s.RedisAddr)
	return kb.NewRedisRebuildLeaseManager(client, "")
}

// openCatalog connects to the MySQL catalog named by the settings.
func openCatalog(ctx context.Context, s settings) (*kb.MySQLCatalog, error) {
	if s.MySQLDSN == "" {
		return nil, fmt.Errorf("%sMYSQL_DSN is required for import", envPrefix)
	}
	return kb.OpenMySQLCatalog(ctx, s.MySQLDSN, s.MySQLSchema)
}
