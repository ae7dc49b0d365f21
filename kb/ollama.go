package kb

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "all-minilm"
)

// OllamaEmbedder implements Embedder using Ollama /api/embed.
type OllamaEmbedder struct {
	BaseURL string
	Model   string
	Client  *http.Client
	Policy  CallPolicy

	mu  sync.Mutex
	dim int
}

// NewOllamaEmbedder creates an Ollama embedder with optional overrides.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	trimmedBaseURL := strings.TrimSpace(baseURL)
	if trimmedBaseURL == "" {
		trimmedBaseURL = defaultOllamaBaseURL
	}

	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		trimmedModel = defaultOllamaModel
	}

	return &OllamaEmbedder{
		BaseURL: trimmedBaseURL,
		Model:   trimmedModel,
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

var _ Embedder = (*OllamaEmbedder)(nil)

// EmbedBatch requests embeddings for all inputs in one call. Ollama answers in
// input order.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	var parsed struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	endpoint := strings.TrimRight(o.BaseURL, "/") + "/api/embed"
	err := o.Policy.Do(ctx, "ollama embed", func(ctx context.Context) error {
		return postJSON(ctx, o.Client, endpoint, nil, ollamaEmbedRequest{Model: o.Model, Input: inputs}, &parsed)
	})
	if err != nil {
		return nil, err
	}

	if len(parsed.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%w: sent %d inputs, got %d embeddings", ErrEmbeddingMismatch, len(inputs), len(parsed.Embeddings))
	}
	out := make([][]float32, len(parsed.Embeddings))
	for i, emb := range parsed.Embeddings {
		if len(emb) == 0 {
			return nil, fmt.Errorf("ollama embed response contained empty embedding at %d", i)
		}
		out[i] = float64sTo32(emb)
	}
	return out, nil
}

// Dimension probes the model once and caches the result.
func (o *OllamaEmbedder) Dimension(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dim > 0 {
		return o.dim, nil
	}
	vecs, err := o.EmbedBatch(ctx, []string{"ping"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	o.dim = len(vecs[0])
	return o.dim, nil
}

// Ping validates Ollama connectivity by requesting a short embedding.
func (o *OllamaEmbedder) Ping(ctx context.Context) error {
	_, err := o.EmbedBatch(ctx, []string{"ping"})
	return err
}
