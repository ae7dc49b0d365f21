package kb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

// TestHarness wires a Pipeline over a temporary DuckDB database and a local
// blob root for tests. Use it to avoid repeating store setup.
//
// Example:
//
//	h := NewTestHarness(t).Setup()
//	defer h.Cleanup()
//
//	_, err := h.Pipeline().Import(ctx, catalog)
type TestHarness struct {
	t *testing.T

	tempDir      string
	blobRoot     string
	memLimit     string
	embedder     Embedder
	extraOptions []Option

	db       *sql.DB
	graph    *DuckDBGraphStore
	vectors  *DuckDBVectorStore
	pipeline *Pipeline

	initialized bool
	cleanedUp   bool
}

func NewTestHarness(t *testing.T) *TestHarness {
	return &TestHarness{t: t, memLimit: "128MB"}
}

// WithEmbedder replaces the default 64-dimension LocalEmbedder.
func (h *TestHarness) WithEmbedder(embedder Embedder) *TestHarness {
	h.embedder = embedder
	return h
}

// WithMemLimit sets the memory limit for DuckDB (e.g., "128MB", "1GB").
func (h *TestHarness) WithMemLimit(limit string) *TestHarness {
	h.memLimit = limit
	return h
}

// WithOptions adds Pipeline options applied after the harness defaults.
func (h *TestHarness) WithOptions(opts ...Option) *TestHarness {
	h.extraOptions = append(h.extraOptions, opts...)
	return h
}

// WithBlobRoot shares an artifact root between harnesses.
func (h *TestHarness) WithBlobRoot(dir string) *TestHarness {
	h.blobRoot = dir
	return h
}

// Setup opens the database and builds the pipeline. The test is skipped when
// the vss extension cannot be loaded; set SCHEMARAG_DUCKDB_EXTENSION_DIR to
// run offline.
func (h *TestHarness) Setup() *TestHarness {
	h.t.Helper()
	if h.initialized {
		h.t.Fatal("Harness already initialized")
	}

	h.tempDir = h.t.TempDir()
	if h.blobRoot == "" {
		h.blobRoot = filepath.Join(h.tempDir, "blobs")
	}
	if err := os.MkdirAll(h.blobRoot, 0o755); err != nil {
		h.t.Fatalf("Failed to create blob root: %v", err)
	}

	ctx := context.Background()
	extDir := os.Getenv("SCHEMARAG_DUCKDB_EXTENSION_DIR")
	db, err := OpenDuckDB(ctx, DuckDBOptions{
		Path:         filepath.Join(h.tempDir, "schemarag.duckdb"),
		ExtensionDir: extDir,
		OfflineExt:   extDir != "",
		MemoryLimit:  h.memLimit,
	})
	if err != nil {
		h.t.Skipf("duckdb vss extension unavailable: %v", err)
	}
	h.db = db

	if h.graph, err = NewDuckDBGraphStore(ctx, db); err != nil {
		h.t.Fatalf("Failed to create graph store: %v", err)
	}
	if h.vectors, err = NewDuckDBVectorStore(ctx, db); err != nil {
		h.t.Fatalf("Failed to create vector store: %v", err)
	}

	if h.embedder == nil {
		local, err := NewLocalEmbedder(64)
		if err != nil {
			h.t.Fatalf("Failed to create embedder: %v", err)
		}
		h.embedder = local
	}

	blobs := &LocalBlobStore{Root: h.blobRoot}
	opts := []Option{
		WithGraphStore(h.graph),
		WithVectorStore(h.vectors),
		WithEmbedder(h.embedder),
		WithArtifactStore(blobs),
		WithManifestStore(&BlobManifestStore{Store: blobs}),
		WithCloser(db),
	}
	h.pipeline = NewPipeline(append(opts, h.extraOptions...)...)

	h.initialized = true
	return h
}

// Cleanup closes the pipeline. Temp directories are removed by t.TempDir.
func (h *TestHarness) Cleanup() {
	if h.cleanedUp || !h.initialized {
		return
	}
	if err := h.pipeline.Close(); err != nil {
		h.t.Errorf("close pipeline: %v", err)
	}
	h.cleanedUp = true
}

func (h *TestHarness) mustBeInitialized() {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
}

func (h *TestHarness) DB() *sql.DB {
	h.mustBeInitialized()
	return h.db
}

func (h *TestHarness) Pipeline() *Pipeline {
	h.mustBeInitialized()
	return h.pipeline
}

func (h *TestHarness) Graph() *DuckDBGraphStore {
	h.mustBeInitialized()
	return h.graph
}

func (h *TestHarness) Vectors() *DuckDBVectorStore {
	h.mustBeInitialized()
	return h.vectors
}

// BlobRoot returns the artifact root directory.
func (h *TestHarness) BlobRoot() string {
	return h.blobRoot
}

// TempDir returns a scratch directory owned by the harness.
func (h *TestHarness) TempDir() string {
	h.mustBeInitialized()
	return h.tempDir
}

// SharedBlobRoot returns a temporary artifact root for harnesses that must
// see each other's builds.
func SharedBlobRoot(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "shared-blobs")
}
