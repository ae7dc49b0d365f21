package kb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultTopK      = 10
	DefaultOverFetch = 10

	defaultFetchParallelism = 8
)

// RetrieveOptions narrows one query. Filters are case-insensitive substring
// matches; empty filters match everything.
type RetrieveOptions struct {
	TopK        int    `json:"top_k"`
	TableFilter string `json:"table_filter,omitempty"`
	PathFilter  string `json:"path_filter,omitempty"`
}

// Retriever turns a question into reconstructed path candidates. Candidates
// come back by ascending distance, one per origin, untruncated; the Reranker
// applies the final order and TopK.
type Retriever struct {
	Embedder   Embedder
	Vectors    VectorStore
	Collection string
	OverFetch  int
	Metrics    AppMetrics

	// StorePolicy bounds each vector store call.
	StorePolicy CallPolicy
}

// Retrieve embeds query, over-fetches TopK*OverFetch nearest fragments, keeps
// the closest hit per origin, and reassembles each origin's full text from all
// of its fragments in Seq order. No hits is an empty result.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Candidate, error) {
	start := time.Now()
	out, err := r.retrieve(ctx, query, opts)
	if r.Metrics != nil {
		var top float64
		if len(out) > 0 {
			top = out[0].Distance
		}
		r.Metrics.RecordQuery(r.Collection, time.Since(start).Milliseconds(), len(out), top, err)
	}
	return out, err
}

func (r *Retriever) retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Candidate, error) {
	if r == nil || r.Embedder == nil || r.Vectors == nil {
		return nil, ErrPipelineUninitialized
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrQueryEmbedding)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	overFetch := r.OverFetch
	if overFetch <= 0 {
		overFetch = DefaultOverFetch
	}

	embedStart := time.Now()
	vecs, err := r.Embedder.EmbedBatch(ctx, []string{query})
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("%w: got %d vectors for one query", ErrEmbeddingMismatch, len(vecs))
	}
	if r.Metrics != nil {
		r.Metrics.RecordEmbed(r.Collection, time.Since(embedStart).Milliseconds(), 1, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryEmbedding, err)
	}

	var hits []SearchHit
	err = r.StorePolicy.Do(ctx, "search collection "+r.Collection, func(ctx context.Context) error {
		var err error
		hits, err = r.Vectors.Search(ctx, r.Collection, vecs[0], topK*overFetch)
		return err
	})
	if err != nil {
		return nil, err
	}

	best := dedupHits(hits, opts)
	if len(best) == 0 {
		return []Candidate{}, nil
	}

	out := make([]Candidate, len(best))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFetchParallelism)
	for i, hit := range best {
		g.Go(func() error {
			var fragments []Fragment
			err := r.StorePolicy.Do(gctx, fmt.Sprintf("fetch fragments of origin %d", hit.OriginID), func(ctx context.Context) error {
				var err error
				fragments, err = r.Vectors.FragmentsByOrigin(ctx, r.Collection, hit.OriginID)
				return err
			})
			if err != nil {
				return err
			}
			out[i] = assembleCandidate(hit, fragments)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// dedupHits keeps the lowest-distance hit per origin that passes the filters
// and returns them by ascending distance.
func dedupHits(hits []SearchHit, opts RetrieveOptions) []SearchHit {
	byOrigin := make(map[int64]int)
	var best []SearchHit
	for _, h := range hits {
		if opts.TableFilter != "" && !containsFold(h.TablePath, opts.TableFilter) {
			continue
		}
		if opts.PathFilter != "" && !containsFold(h.Text, opts.PathFilter) {
			continue
		}
		if idx, ok := byOrigin[h.OriginID]; ok {
			if h.Distance < best[idx].Distance {
				best[idx] = h
			}
			continue
		}
		byOrigin[h.OriginID] = len(best)
		best = append(best, h)
	}
	sort.SliceStable(best, func(i, j int) bool { return best[i].Distance < best[j].Distance })
	return best
}

func assembleCandidate(hit SearchHit, fragments []Fragment) Candidate {
	c := Candidate{
		OriginID:  hit.OriginID,
		TablePath: hit.TablePath,
		Distance:  hit.Distance,
	}
	if len(fragments) == 0 {
		c.Text = hit.Text
		c.Fragments = 1
		return c
	}
	sorted := append([]Fragment(nil), fragments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var b strings.Builder
	for _, f := range sorted {
		b.WriteString(f.Text)
	}
	c.Text = b.String()
	c.Fragments = len(sorted)
	if c.TablePath == "" {
		c.TablePath = sorted[0].TablePath
	}
	return c
}
