package kb

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

const defaultOpenAIEmbedPath = "/v1/embeddings"

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	URL    string
	Model  string
	APIKey string
	Client *http.Client
	Policy CallPolicy

	mu  sync.Mutex
	dim int
}

// NewOpenAIEmbedder accepts either a base URL or the full embeddings URL.
func NewOpenAIEmbedder(url, model, apiKey string) *OpenAIEmbedder {
	u := strings.TrimRight(strings.TrimSpace(url), "/")
	if !strings.HasSuffix(u, "/embeddings") {
		u += defaultOpenAIEmbedPath
	}
	return &OpenAIEmbedder{URL: u, Model: strings.TrimSpace(model), APIKey: apiKey}
}

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// EmbedBatch returns one vector per input. Response items are placed by their
// index field, so servers may answer out of order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	var parsed openAIEmbedResponse
	err := e.Policy.Do(ctx, "openai embed", func(ctx context.Context) error {
		return postJSON(ctx, e.Client, e.URL, bearerHeaders(e.APIKey), openAIEmbedRequest{Input: inputs, Model: e.Model}, &parsed)
	})
	if err != nil {
		return nil, err
	}

	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: sent %d inputs, got %d embeddings", ErrEmbeddingMismatch, len(inputs), len(parsed.Data))
	}
	out := make([][]float32, len(inputs))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(inputs) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrEmbeddingMismatch, item.Index)
		}
		if out[item.Index] != nil {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrEmbeddingMismatch, item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrEmbeddingMismatch, item.Index)
		}
		out[item.Index] = float64sTo32(item.Embedding)
	}
	return out, nil
}

// Dimension probes the model once and caches the result.
func (e *OpenAIEmbedder) Dimension(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim > 0 {
		return e.dim, nil
	}
	vecs, err := e.EmbedBatch(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	e.dim = len(vecs[0])
	return e.dim, nil
}
