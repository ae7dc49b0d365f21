package kb

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Reranker orders candidates by a relevance model. Scorer failures never fail
// the query: every candidate falls back to relevance 0 and keeps its
// retrieval order.
type Reranker struct {
	Scorer  RelevanceScorer
	Logger  *slog.Logger
	Metrics AppMetrics
}

// Rerank scores candidates against query, sorts by relevance descending with
// ties broken by ascending distance, and truncates to topK (topK <= 0 keeps all).
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) []Candidate {
	out := append([]Candidate(nil), candidates...)
	if len(out) == 0 {
		return out
	}

	scores := r.score(ctx, query, out)
	for i := range out {
		out[i].Relevance = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Distance < out[j].Distance
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func (r *Reranker) score(ctx context.Context, query string, candidates []Candidate) []float64 {
	neutral := make([]float64, len(candidates))
	if r == nil || r.Scorer == nil {
		return neutral
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.RerankDocument()
	}
	start := time.Now()
	scores, err := r.Scorer.Score(ctx, query, docs)
	if err == nil && len(scores) != len(docs) {
		err = fmt.Errorf("%w: %d scores for %d documents", ErrMalformedRerankResponse, len(scores), len(docs))
	}
	if r.Metrics != nil {
		r.Metrics.RecordRerank(time.Since(start).Milliseconds(), err != nil)
	}
	if err != nil {
		r.logger().WarnContext(ctx, "rerank failed, using neutral relevance",
			"candidates", len(candidates),
			"error", err,
		)
		return neutral
	}
	return scores
}

func (r *Reranker) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// HTTPRelevanceScorer calls a /v1/rerank endpoint that answers
// {"results":[{"index":i,"relevance_score":s}]}.
type HTTPRelevanceScorer struct {
	URL    string
	Model  string
	APIKey string
	Client *http.Client
	Policy CallPolicy
}

// NewHTTPRelevanceScorer accepts either a base URL or the full rerank URL.
func NewHTTPRelevanceScorer(url, model, apiKey string) *HTTPRelevanceScorer {
	u := strings.TrimRight(strings.TrimSpace(url), "/")
	if !strings.HasSuffix(u, "/rerank") {
		u += "/v1/rerank"
	}
	return &HTTPRelevanceScorer{URL: u, Model: strings.TrimSpace(model), APIKey: apiKey}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          *int     `json:"index"`
		RelevanceScore *float64 `json:"relevance_score"`
	} `json:"results"`
}

var _ RelevanceScorer = (*HTTPRelevanceScorer)(nil)

func (s *HTTPRelevanceScorer) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	var parsed rerankResponse
	err := s.Policy.Do(ctx, "rerank", func(ctx context.Context) error {
		return postJSON(ctx, s.Client, s.URL, bearerHeaders(s.APIKey), rerankRequest{Model: s.Model, Query: query, Documents: documents}, &parsed)
	})
	if err != nil {
		return nil, err
	}

	if len(parsed.Results) != len(documents) {
		return nil, fmt.Errorf("%w: %d results for %d documents", ErrMalformedRerankResponse, len(parsed.Results), len(documents))
	}
	scores := make([]float64, len(documents))
	seen := make([]bool, len(documents))
	for _, item := range parsed.Results {
		if item.Index == nil || item.RelevanceScore == nil {
			return nil, fmt.Errorf("%w: result without index or relevance_score", ErrMalformedRerankResponse)
		}
		idx := *item.Index
		if idx < 0 || idx >= len(documents) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrMalformedRerankResponse, idx)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: index %d repeated", ErrMalformedRerankResponse, idx)
		}
		seen[idx] = true
		scores[idx] = *item.RelevanceScore
	}
	return scores, nil
}

// PairScorer scores a single (query, document) pair.
type PairScorer interface {
	ScorePair(ctx context.Context, query, document string) (float64, error)
}

// PairwiseRelevanceScorer adapts a PairScorer to RelevanceScorer.
type PairwiseRelevanceScorer struct {
	Pair PairScorer
}

func (p PairwiseRelevanceScorer) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	out := make([]float64, len(documents))
	for i, doc := range documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := p.Pair.ScorePair(ctx, query, doc)
		if err != nil {
			return nil, fmt.Errorf("score document %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// LexicalPairScorer is a model-free scorer: the fraction of query tokens
// that occur in the document, compared case-insensitively after identifier
// splitting. Stopwords are not counted.
type LexicalPairScorer struct{}

func (LexicalPairScorer) ScorePair(_ context.Context, query, document string) (float64, error) {
	qTokens := splitSchemaTokens(query)
	if len(qTokens) == 0 {
		return 0, nil
	}
	docTokens := make(map[string]struct{})
	for _, tok := range splitSchemaTokens(document) {
		docTokens[tok.text] = struct{}{}
	}

	seen := make(map[string]struct{}, len(qTokens))
	var hit, total int
	for _, qt := range qTokens {
		tok := qt.text
		if _, dup := seen[tok]; dup {
			continue
		}
		if _, stop := localEmbedStopwords[tok]; stop {
			continue
		}
		seen[tok] = struct{}{}
		total++
		if _, ok := docTokens[tok]; ok {
			hit++
			continue
		}
		for dt := range docTokens {
			if strings.Contains(dt, tok) {
				hit++
				break
			}
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(hit) / float64(total), nil
}
