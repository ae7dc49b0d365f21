package kb

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCollection       = "schema_paths"
	DefaultEmbedBatchSize   = 32
	DefaultEmbedParallelism = 2
	DefaultInsertBatchSize  = 256

	// ModePaths indexes every join path; ModeTables indexes one self
	// description per table.
	ModePaths  = "paths"
	ModeTables = "tables"

	// MetricL2 is the only distance every backend searches with.
	MetricL2 = "L2"
)

// Config holds the tunables of extraction, indexing and retrieval. It is
// loaded from YAML and then overridden from the environment by the binary.
type Config struct {
	Collection string `yaml:"collection"`
	Mode       string `yaml:"mode"`

	Exclusion     NameFilter `yaml:"exclusion"`
	MaxHops       int        `yaml:"max_hops"`
	PageSize      int        `yaml:"page_size"`
	ChunkMaxBytes int        `yaml:"chunk_max_bytes"`

	EmbedBatchSize   int `yaml:"embed_batch_size"`
	EmbedParallelism int `yaml:"embed_parallelism"`
	InsertBatchSize  int `yaml:"insert_batch_size"`

	Index IndexParams `yaml:"index"`

	TopK      int `yaml:"top_k"`
	OverFetch int `yaml:"over_fetch"`

	EmbedTimeout    time.Duration `yaml:"embed_timeout"`
	RerankTimeout   time.Duration `yaml:"rerank_timeout"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	RebuildLeaseTTL time.Duration `yaml:"rebuild_lease_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Collection:       DefaultCollection,
		Mode:             ModePaths,
		Exclusion:        DefaultNameFilter(),
		MaxHops:          DefaultMaxHops,
		PageSize:         DefaultPageSize,
		ChunkMaxBytes:    DefaultChunkMaxBytes,
		EmbedBatchSize:   DefaultEmbedBatchSize,
		EmbedParallelism: DefaultEmbedParallelism,
		InsertBatchSize:  DefaultInsertBatchSize,
		Index:            DefaultIndexParams(),
		TopK:             DefaultTopK,
		OverFetch:        DefaultOverFetch,
		EmbedTimeout:     defaultCallTimeout,
		RerankTimeout:    defaultCallTimeout,
		StoreTimeout:     defaultCallTimeout,
		RebuildLeaseTTL:  defaultRebuildLeaseTTL,
	}
}

// DefaultIndexParams selects an L2 index sized for schema graphs of a few
// thousand paths. Probes and EfSearch trade query latency for recall.
func DefaultIndexParams() IndexParams {
	return IndexParams{Metric: MetricL2, Lists: 128, Probes: 32, M: 16, EfConstruction: 128, EfSearch: 128}
}

// LoadConfigFile overlays the YAML file at path onto DefaultConfig. Fields
// missing from the file keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no backend can honour. Searches order by L2
// distance, so an index built for another metric would never be used.
func (c Config) Validate() error {
	if !strings.EqualFold(c.Index.Metric, MetricL2) {
		return fmt.Errorf("index metric %q is not supported, only %s", c.Index.Metric, MetricL2)
	}
	switch c.Mode {
	case ModePaths, ModeTables:
	default:
		return fmt.Errorf("mode %q must be %q or %q", c.Mode, ModePaths, ModeTables)
	}
	return nil
}

// withDefaults replaces non-positive numeric fields with their defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.Mode = strings.ToLower(strings.TrimSpace(c.Mode)); c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.MaxHops <= 0 {
		c.MaxHops = d.MaxHops
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.ChunkMaxBytes <= 0 {
		c.ChunkMaxBytes = d.ChunkMaxBytes
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.EmbedParallelism <= 0 {
		c.EmbedParallelism = d.EmbedParallelism
	}
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = d.InsertBatchSize
	}
	if c.Index.Metric == "" {
		c.Index.Metric = d.Index.Metric
	}
	if c.Index.Lists <= 0 {
		c.Index.Lists = d.Index.Lists
	}
	if c.Index.Probes <= 0 {
		c.Index.Probes = d.Index.Probes
	}
	if c.Index.EfSearch <= 0 {
		c.Index.EfSearch = d.Index.EfSearch
	}
	if c.Index.M <= 0 {
		c.Index.M = d.Index.M
	}
	if c.Index.EfConstruction <= 0 {
		c.Index.EfConstruction = d.Index.EfConstruction
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.OverFetch <= 0 {
		c.OverFetch = d.OverFetch
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = d.EmbedTimeout
	}
	if c.RerankTimeout <= 0 {
		c.RerankTimeout = d.RerankTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.RebuildLeaseTTL <= 0 {
		c.RebuildLeaseTTL = d.RebuildLeaseTTL
	}
	return c
}
