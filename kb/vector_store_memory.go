package kb

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

type memoryCollection struct {
	dim       int
	loaded    bool
	fragments []Fragment
}

// MemoryVectorStore is an exact-search VectorStore kept in process memory.
type MemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{collections: make(map[string]*memoryCollection)}
}

var _ VectorStore = (*MemoryVectorStore)(nil)

func (s *MemoryVectorStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *MemoryVectorStore) CreateCollection(_ context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidEmbeddingDimension, dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return fmt.Errorf("collection %q already exists", name)
	}
	s.collections[name] = &memoryCollection{dim: dim}
	return nil
}

func (s *MemoryVectorStore) Insert(_ context.Context, name string, fragments []Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	for _, f := range fragments {
		if len(f.Embedding) != c.dim {
			return fmt.Errorf("%w: origin %d seq %d has %d, want %d", ErrInvalidEmbeddingDimension, f.OriginID, f.Seq, len(f.Embedding), c.dim)
		}
		f.Embedding = append([]float32(nil), f.Embedding...)
		c.fragments = append(c.fragments, f)
	}
	return nil
}

// BuildIndex is a no-op; search is always exact.
func (s *MemoryVectorStore) BuildIndex(_ context.Context, name string, _ IndexParams) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.collections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return nil
}

func (s *MemoryVectorStore) Load(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	c.loaded = true
	return nil
}

func (s *MemoryVectorStore) loadedCollection(name string) (*memoryCollection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if !c.loaded {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotLoaded, name)
	}
	return c, nil
}

func (s *MemoryVectorStore) Search(_ context.Context, name string, vec []float32, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.loadedCollection(name)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.dim {
		return nil, fmt.Errorf("%w: query has %d, want %d", ErrInvalidEmbeddingDimension, len(vec), c.dim)
	}

	hits := make([]SearchHit, 0, len(c.fragments))
	for _, f := range c.fragments {
		hits = append(hits, SearchHit{
			OriginID:  f.OriginID,
			Seq:       f.Seq,
			Text:      f.Text,
			TablePath: f.TablePath,
			Distance:  euclidean(vec, f.Embedding),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// FragmentsByOrigin returns fragments in insertion order; callers sort by Seq.
func (s *MemoryVectorStore) FragmentsByOrigin(_ context.Context, name string, originID int64) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.loadedCollection(name)
	if err != nil {
		return nil, err
	}
	var out []Fragment
	for _, f := range c.fragments {
		if f.OriginID == originID {
			f.Embedding = nil
			out = append(out, f)
		}
	}
	return out, nil
}

func euclidean(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
