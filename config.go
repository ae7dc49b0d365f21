package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/david-kiko/data/kb"
)

const envPrefix = "SCHEMARAG_"

// settings is everything the binary reads from the environment. Pipeline
// tunables come from the optional YAML file and are then overridden here.
type settings struct {
	Pipeline kb.Config

	LogFormat       string
	HTTPAddr        string
	HTTPBodyLimit   string
	RebuildInterval time.Duration
	RebuildOnStart  bool

	GraphBackend  string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	DuckDBPath       string
	DuckDBExtDir     string
	DuckDBExtOffline bool
	DuckDBMemLimit   string

	VectorBackend string
	QdrantAddr    string
	PgDSN         string

	EmbedderProvider string
	EmbeddingURL     string
	EmbeddingModel   string
	EmbeddingAPIKey  string
	OllamaURL        string
	OllamaModel      string
	LocalEmbedDim    int

	RerankProvider string
	RerankURL      string
	RerankModel    string
	RerankAPIKey   string

	RedisAddr string

	ManifestMongoURI        string
	ManifestMongoDB         string
	ManifestMongoCollection string

	ArtifactRoot     string
	ArtifactBucket   string
	ArtifactPrefix   string
	ArtifactRegion   string
	ArtifactEndpoint string

	MySQLDSN    string
	MySQLSchema string
}

// envReader collects the first parse error so loadSettings can report it
// once instead of checking every key.
type envReader struct {
	getenv func(string) string
	err    error
}

func (r *envReader) str(key, fallback string) string {
	v := strings.TrimSpace(r.getenv(envPrefix + key))
	if v == "" {
		return fallback
	}
	return v
}

func (r *envReader) oneOf(key, fallback string, allowed ...string) string {
	v := strings.ToLower(r.str(key, fallback))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.fail(fmt.Errorf("%s%s must be one of %s, got %q", envPrefix, key, strings.Join(allowed, "|"), v))
	return fallback
}

func (r *envReader) positiveInt(key string, fallback int) int {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.fail(fmt.Errorf("%s%s must be a positive integer", envPrefix, key))
		return fallback
	}
	return n
}

func (r *envReader) boolean(key string, fallback bool) bool {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Errorf("%s%s must be a boolean", envPrefix, key))
		return fallback
	}
	return b
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.fail(fmt.Errorf("%s%s must be a non-negative duration", envPrefix, key))
		return fallback
	}
	return d
}

func (r *envReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func loadSettings(getenv func(string) string) (settings, error) {
	r := &envReader{getenv: getenv}

	pipeline := kb.DefaultConfig()
	if path := r.str("CONFIG", ""); path != "" {
		cfg, err := kb.LoadConfigFile(path)
		if err != nil {
			return settings{}, err
		}
		pipeline = cfg
	}
	pipeline.Collection = r.str("COLLECTION", pipeline.Collection)
	pipeline.TopK = r.positiveInt("TOP_K", pipeline.TopK)
	pipeline.ChunkMaxBytes = r.positiveInt("CHUNK_MAX_BYTES", pipeline.ChunkMaxBytes)
	pipeline.EmbedTimeout = r.duration("EMBED_TIMEOUT", pipeline.EmbedTimeout)
	pipeline.RerankTimeout = r.duration("RERANK_TIMEOUT", pipeline.RerankTimeout)
	pipeline.RebuildLeaseTTL = r.duration("REBUILD_LEASE_TTL", pipeline.RebuildLeaseTTL)
	pipeline.StoreTimeout = r.duration("STORE_TIMEOUT", pipeline.StoreTimeout)
	pipeline.Mode = r.oneOf("INDEX_MODE", pipeline.Mode, kb.ModePaths, kb.ModeTables)
	pipeline.Index.Probes = r.positiveInt("INDEX_PROBES", pipeline.Index.Probes)
	pipeline.Index.EfSearch = r.positiveInt("INDEX_EF_SEARCH", pipeline.Index.EfSearch)

	s := settings{
		Pipeline:        pipeline,
		LogFormat:       r.oneOf("LOG_FORMAT", "text", "text", "json"),
		HTTPAddr:        r.str("HTTP_ADDR", "127.0.0.1:8080"),
		HTTPBodyLimit:   r.str("HTTP_BODY_LIMIT", "1M"),
		RebuildInterval: r.duration("REBUILD_INTERVAL", 0),
		RebuildOnStart:  r.boolean("REBUILD_ON_START", false),

		GraphBackend:  r.oneOf("GRAPH_BACKEND", "duckdb", "duckdb", "neo4j"),
		Neo4jURI:      r.str("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:     r.str("NEO4J_USER", "neo4j"),
		Neo4jPassword: r.str("NEO4J_PASSWORD", ""),
		Neo4jDatabase: r.str("NEO4J_DATABASE", ""),

		DuckDBPath:       r.str("DUCKDB_PATH", "./.temp/schemarag.duckdb"),
		DuckDBExtDir:     r.str("DUCKDB_EXTENSION_DIR", ""),
		DuckDBExtOffline: r.boolean("DUCKDB_EXTENSION_OFFLINE", false),
		DuckDBMemLimit:   r.str("DUCKDB_MEMORY_LIMIT", "512MB"),

		VectorBackend: r.oneOf("VECTOR_BACKEND", "duckdb", "duckdb", "qdrant", "pgvector"),
		QdrantAddr:    r.str("QDRANT_ADDR", "localhost:6334"),
		PgDSN:         r.str("PG_DSN", ""),

		EmbedderProvider: r.oneOf("EMBEDDER_PROVIDER", "local", "local", "openai", "ollama"),
		EmbeddingURL:     r.str("EMBEDDING_API_URL", "http://localhost:8000"),
		EmbeddingModel:   r.str("EMBEDDING_MODEL", ""),
		EmbeddingAPIKey:  r.str("EMBEDDING_API_KEY", ""),
		OllamaURL:        r.str("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:      r.str("OLLAMA_MODEL", "all-minilm"),
		LocalEmbedDim:    r.positiveInt("LOCAL_EMBED_DIM", 384),

		RerankProvider: r.oneOf("RERANK_PROVIDER", "lexical", "http", "lexical", "none"),
		RerankURL:      r.str("RERANK_API_URL", "http://localhost:8001"),
		RerankModel:    r.str("RERANK_MODEL", ""),
		RerankAPIKey:   r.str("RERANK_API_KEY", ""),

		RedisAddr: r.str("REDIS_ADDR", ""),

		ManifestMongoURI:        r.str("MANIFEST_MONGO_URI", ""),
		ManifestMongoDB:         r.str("MANIFEST_MONGO_DB", "schemarag"),
		ManifestMongoCollection: r.str("MANIFEST_MONGO_COLLECTION", "manifests"),

		ArtifactRoot:     r.str("ARTIFACT_ROOT", "./.temp/artifacts"),
		ArtifactBucket:   r.str("ARTIFACT_S3_BUCKET", ""),
		ArtifactPrefix:   r.str("ARTIFACT_S3_PREFIX", ""),
		ArtifactRegion:   r.str("ARTIFACT_S3_REGION", ""),
		ArtifactEndpoint: r.str("ARTIFACT_S3_ENDPOINT", ""),

		MySQLDSN:    r.str("MYSQL_DSN", ""),
		MySQLSchema: r.str("MYSQL_SCHEMA", ""),
	}
	if r.err != nil {
		return settings{}, r.err
	}
	if s.VectorBackend == "pgvector" && s.PgDSN == "" {
		return settings{}, fmt.Errorf("%sPG_DSN is required for the pgvector backend", envPrefix)
	}
	return s, nil
}

func loadSettingsFromEnv() (settings, error) {
	return loadSettings(os.Getenv)
}
