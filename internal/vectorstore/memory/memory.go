package memory

import (
	"context"

	"policyqa/internal/domain"
	"policyqa/internal/embedding"
	"policyqa/internal/vectorstore"
)

// Builder builds exact brute-force cosine indexes.
type Builder struct{}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Name() string { return "memory" }

// Build copies and unit-normalizes every vector so scores are cosine
// similarities even when the embedder does not normalize.
func (b *Builder) Build(ctx context.Context, entries []vectorstore.Entry) (vectorstore.Index, error) {
	dim, err := vectorstore.Validate(entries)
	if err != nil {
		return nil, err
	}
	idx := &Index{
		dimension: dim,
		ids:       make([]string, len(entries)),
		vectors:   make([][]float64, len(entries)),
	}
	for i, e := range entries {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		idx.ids[i] = e.ClauseID
		idx.vectors[i] = embedding.Normalize(e.Vector)
	}
	return idx, nil
}

// Index is an immutable flat index using exact cosine similarity.
type Index struct {
	dimension int
	ids       []string
	vectors   [][]float64
}

func (s *Index) Dimension() int { return s.dimension }

func (s *Index) Len() int { return len(s.ids) }

// Query scores every vector against the query and returns the ranked top k.
func (s *Index) Query(ctx context.Context, vector []float64, topK int, threshold *float64) ([]domain.Hit, error) {
	if err := vectorstore.CheckQuery(vector, s.dimension); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := embedding.Normalize(vector)
	hits := make([]domain.Hit, len(s.vectors))
	for i := range s.vectors {
		hits[i] = domain.Hit{ClauseID: s.ids[i], Score: vectorstore.Similarity(s.vectors[i], q)}
	}
	return vectorstore.Rank(hits, topK, threshold), nil
}

// Close is a no-op; the index holds no external resources.
func (s *Index) Close() error { return nil }
