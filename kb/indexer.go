package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	allPathsArtifact   = "all_paths.txt"
	splitPathsArtifact = "split_paths.txt"
)

// BuildReport summarises one completed rebuild.
type BuildReport struct {
	Collection      string        `json:"collection"`
	BuildID         string        `json:"build_id"`
	Dimension       int           `json:"dimension"`
	Anchors         int           `json:"anchors"`
	Paths           int           `json:"paths"`
	Fragments       int           `json:"fragments"`
	SplitOrigins    int           `json:"split_origins"`
	ArtifactKeys    []string      `json:"artifact_keys,omitempty"`
	ManifestVersion string        `json:"manifest_version,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Indexer rebuilds a vector collection from the schema graph. A rebuild
// holds the collection's rebuild lease from extraction to load. All
// embeddings are computed before the old collection is dropped, so a provider
// failure leaves the previous build queryable.
type Indexer struct {
	Extractor *PathExtractor
	Chunker   ByteChunker
	Embedder  Embedder
	Vectors   VectorStore

	Collection       string
	EmbedBatchSize   int
	EmbedParallelism int
	InsertBatchSize  int
	Index            IndexParams

	Lease    RebuildLeaseManager
	LeaseTTL time.Duration

	// Artifacts and Manifests are optional.
	Artifacts BlobStore
	Manifests ManifestStore

	Metrics AppMetrics
	Logger  *slog.Logger

	// StorePolicy bounds each vector store call.
	StorePolicy CallPolicy
	// Mode is ModePaths or ModeTables; it only changes the split log.
	Mode string
}

// Rebuild extracts every path from the graph and indexes it.
func (ix *Indexer) Rebuild(ctx context.Context) (*BuildReport, error) {
	if ix == nil || ix.Extractor == nil {
		return nil, fmt.Errorf("rebuild: %w", ErrPipelineUninitialized)
	}
	return ix.withLease(ctx, func(ctx context.Context) ([]PathDescription, error) {
		return ix.Extractor.ExtractAll(ctx)
	})
}

// IndexPaths indexes an already extracted set of paths. Origin ids are
// reassigned in input order; the caller's slice is not modified.
func (ix *Indexer) IndexPaths(ctx context.Context, paths []PathDescription) (*BuildReport, error) {
	return ix.withLease(ctx, func(context.Context) ([]PathDescription, error) {
		return append([]PathDescription(nil), paths...), nil
	})
}

func (ix *Indexer) withLease(ctx context.Context, source func(context.Context) ([]PathDescription, error)) (*BuildReport, error) {
	if ix == nil || ix.Embedder == nil || ix.Vectors == nil {
		return nil, fmt.Errorf("rebuild: %w", ErrPipelineUninitialized)
	}
	start := time.Now()
	collection := ix.collection()

	var report *BuildReport
	err := func() error {
		buildCtx, held, err := holdRebuildLease(ctx, ix.Lease, collection, ix.LeaseTTL, ix.logger())
		if err != nil {
			return err
		}
		defer held.release()

		paths, err := source(buildCtx)
		if err != nil {
			return err
		}
		report, err = ix.index(buildCtx, paths, start)
		if err != nil && context.Cause(buildCtx) != nil && ctx.Err() == nil {
			// the lease was lost mid-build
			return fmt.Errorf("%w: %w", context.Cause(buildCtx), err)
		}
		return err
	}()

	if ix.Metrics != nil {
		var paths, fragments int
		if report != nil {
			paths, fragments = report.Paths, report.Fragments
		}
		ix.Metrics.RecordRebuild(collection, time.Since(start).Milliseconds(), paths, fragments, err)
	}
	if err != nil {
		ix.logger().ErrorContext(ctx, "rebuild failed", "collection", collection, "error", err)
		return nil, err
	}
	return report, nil
}

func (ix *Indexer) index(ctx context.Context, paths []PathDescription, start time.Time) (*BuildReport, error) {
	collection := ix.collection()
	buildID := uuid.NewString()
	logger := ix.logger().With("collection", collection, "build_id", buildID)

	anchors := make(map[string]struct{})
	var fragments []Fragment
	var splitLines []string
	for i := range paths {
		paths[i].OriginID = int64(i + 1)
		anchors[paths[i].Anchor] = struct{}{}
		parts := ix.Chunker.Chunk(paths[i])
		if len(parts) > 1 {
			splitLines = append(splitLines, ix.splitLine(paths[i], len(parts)))
		}
		fragments = append(fragments, parts...)
	}
	logger.InfoContext(ctx, "paths chunked",
		"paths", len(paths),
		"fragments", len(fragments),
		"split_origins", len(splitLines),
	)

	artifactKeys, err := ix.writeArtifacts(ctx, buildID, paths, splitLines)
	if err != nil {
		return nil, err
	}

	dim, err := ix.Embedder.Dimension(ctx)
	if err != nil {
		return nil, fmt.Errorf("query embedding dimension: %w", err)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: provider reported %d", ErrInvalidEmbeddingDimension, dim)
	}

	if err := ix.embedAll(ctx, fragments, dim); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := ix.replaceCollection(ctx, collection, dim, fragments); err != nil {
		return nil, err
	}

	report := &BuildReport{
		Collection:   collection,
		BuildID:      buildID,
		Dimension:    dim,
		Anchors:      len(anchors),
		Paths:        len(paths),
		Fragments:    len(fragments),
		SplitOrigins: len(splitLines),
		ArtifactKeys: artifactKeys,
	}
	report.Duration = time.Since(start)

	version, err := ix.publishManifest(ctx, report, start)
	if err != nil {
		return nil, err
	}
	report.ManifestVersion = version

	logger.InfoContext(ctx, "rebuild completed",
		"dimension", dim,
		"anchors", report.Anchors,
		"paths", report.Paths,
		"fragments", report.Fragments,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (ix *Indexer) splitLine(p PathDescription, parts int) string {
	if ix.Mode == ModeTables {
		return fmt.Sprintf("table %s has %d fragments", p.Anchor, parts)
	}
	return fmt.Sprintf("origin %d (%s -> %s) has %d fragments", p.OriginID, p.Anchor, p.Target, parts)
}

// embedAll fills fragment embeddings batch by batch. Batches run concurrently
// and each writes only its own index range.
func (ix *Indexer) embedAll(ctx context.Context, fragments []Fragment, dim int) error {
	batchSize := ix.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}
	parallelism := ix.EmbedParallelism
	if parallelism <= 0 {
		parallelism = DefaultEmbedParallelism
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for lo := 0; lo < len(fragments); lo += batchSize {
		hi := min(lo+batchSize, len(fragments))
		batch := lo / batchSize
		g.Go(func() error {
			inputs := make([]string, hi-lo)
			for i := range inputs {
				inputs[i] = fragments[lo+i].Text
			}

			started := time.Now()
			vecs, err := ix.Embedder.EmbedBatch(gctx, inputs)
			if err == nil && len(vecs) != len(inputs) {
				err = fmt.Errorf("%w: sent %d inputs, got %d vectors", ErrEmbeddingMismatch, len(inputs), len(vecs))
			}
			if err == nil {
				for i, v := range vecs {
					if len(v) != dim {
						err = fmt.Errorf("%w: fragment %d has %d, want %d", ErrInvalidEmbeddingDimension, lo+i, len(v), dim)
						break
					}
				}
			}
			if ix.Metrics != nil {
				ix.Metrics.RecordEmbed(ix.collection(), time.Since(started).Milliseconds(), len(inputs), err)
			}
			if err != nil {
				return fmt.Errorf("embed batch %d (fragments %d-%d): %w", batch, lo, hi-1, err)
			}

			for i, v := range vecs {
				fragments[lo+i].Embedding = v
			}
			return nil
		})
	}
	return g.Wait()
}

// replaceCollection drops and recreates the collection, inserts every
// fragment, then builds the index and loads it. The index is never built
// before the last insert.
func (ix *Indexer) replaceCollection(ctx context.Context, collection string, dim int, fragments []Fragment) error {
	params := ix.Index
	if params.Metric == "" {
		params = DefaultIndexParams()
	}
	if !strings.EqualFold(params.Metric, MetricL2) {
		return fmt.Errorf("build index on %s: metric %q is not supported", collection, params.Metric)
	}

	store := func(op string, fn func(ctx context.Context) error) error {
		return ix.StorePolicy.Do(ctx, op, fn)
	}
	err := store("drop collection "+collection, func(ctx context.Context) error {
		return ix.Vectors.DropCollection(ctx, collection)
	})
	if err != nil && !errors.Is(err, ErrCollectionNotFound) {
		return err
	}
	err = store("create collection "+collection, func(ctx context.Context) error {
		return ix.Vectors.CreateCollection(ctx, collection, dim)
	})
	if err != nil {
		return err
	}

	batchSize := ix.InsertBatchSize
	if batchSize <= 0 {
		batchSize = DefaultInsertBatchSize
	}
	for lo := 0; lo < len(fragments); lo += batchSize {
		hi := min(lo+batchSize, len(fragments))
		op := fmt.Sprintf("insert fragments %d-%d into %s", lo, hi-1, collection)
		if err := store(op, func(ctx context.Context) error {
			return ix.Vectors.Insert(ctx, collection, fragments[lo:hi])
		}); err != nil {
			return err
		}
	}

	if err := store("build index on "+collection, func(ctx context.Context) error {
		return ix.Vectors.BuildIndex(ctx, collection, params)
	}); err != nil {
		return err
	}
	return store("load collection "+collection, func(ctx context.Context) error {
		return ix.Vectors.Load(ctx, collection)
	})
}

func (ix *Indexer) writeArtifacts(ctx context.Context, buildID string, paths []PathDescription, splitLines []string) ([]string, error) {
	if ix.Artifacts == nil {
		return nil, nil
	}
	all := make([]string, len(paths))
	for i, p := range paths {
		all[i] = p.Text
	}

	collection := ix.collection()
	keys := []string{
		buildArtifactKey(collection, buildID, allPathsArtifact),
		buildArtifactKey(collection, buildID, splitPathsArtifact),
	}
	if err := uploadLines(ctx, ix.Artifacts, keys[0], all); err != nil {
		return nil, err
	}
	if err := uploadLines(ctx, ix.Artifacts, keys[1], splitLines); err != nil {
		return nil, err
	}
	return keys, nil
}

func (ix *Indexer) publishManifest(ctx context.Context, report *BuildReport, start time.Time) (string, error) {
	if ix.Manifests == nil {
		return "", nil
	}
	current, err := ix.Manifests.HeadVersion(ctx, report.Collection)
	if err != nil {
		return "", fmt.Errorf("read manifest version for %s: %w", report.Collection, err)
	}
	manifest := BuildManifest{
		SchemaVersion:  buildManifestSchemaVersion,
		Collection:     report.Collection,
		BuildID:        report.BuildID,
		Dimension:      report.Dimension,
		Anchors:        report.Anchors,
		Paths:          report.Paths,
		Fragments:      report.Fragments,
		SplitOrigins:   report.SplitOrigins,
		ArtifactKeys:   report.ArtifactKeys,
		StartedAt:      start.UTC(),
		CompletedAt:    time.Now().UTC(),
		DurationMillis: report.Duration.Milliseconds(),
	}
	version, err := ix.Manifests.UpsertIfMatch(ctx, report.Collection, manifest, current)
	if err != nil {
		return "", fmt.Errorf("publish build manifest for %s: %w", report.Collection, err)
	}
	return version, nil
}

func (ix *Indexer) collection() string {
	if strings.TrimSpace(ix.Collection) == "" {
		return DefaultCollection
	}
	return ix.Collection
}

func (ix *Indexer) logger() *slog.Logger {
	if ix.Logger != nil {
		return ix.Logger
	}
	return slog.Default()
}

// uploadLines writes one line per element to key. Embedded newlines are
// flattened so every element stays on one line.
func uploadLines(ctx context.Context, store BlobStore, key string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(strings.ReplaceAll(line, "\n", " "))
		b.WriteByte('\n')
	}
	if _, err := putBlob(ctx, store, key, []byte(b.String()), ""); err != nil {
		return fmt.Errorf("upload artifact %s: %w", key, err)
	}
	return nil
}
