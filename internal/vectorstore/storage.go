// Package vectorstore defines the similarity index contract shared by the
// exact in-memory index and the approximate Qdrant-backed index.
//
// Scores are cosine similarities. Results are ordered by descending score;
// equal scores are ordered by ascending clause id.
package vectorstore

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"policyqa/internal/domain"
)

// DefaultTopK is used when a query asks for zero or fewer results.
const DefaultTopK = 5

// Entry is one clause vector to index.
type Entry struct {
	ClauseID string
	Vector   []float64
}

// Index is a built, read-only similarity index. Queries may run concurrently.
type Index interface {
	Dimension() int
	Len() int
	Query(ctx context.Context, vector []float64, topK int, threshold *float64) ([]domain.Hit, error)
	Close() error
}

// Builder constructs a new Index from scratch. A failed build leaves no
// trace and never touches indexes built earlier.
type Builder interface {
	Name() string
	Build(ctx context.Context, entries []Entry) (Index, error)
}

// Entries pairs clauses with their vectors.
func Entries(clauses []domain.Clause) []Entry {
	out := make([]Entry, len(clauses))
	for i, c := range clauses {
		out[i] = Entry{ClauseID: c.ID, Vector: c.Vector}
	}
	return out
}

// Validate checks that entries are non-empty, uniquely identified and of a
// single dimensionality, which it returns.
func Validate(entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("build index: no entries: %w", domain.ErrInvalidInput)
	}
	dim := len(entries[0].Vector)
	if dim == 0 {
		return 0, &domain.DimensionMismatchError{ClauseID: entries[0].ClauseID, Want: 1, Got: 0}
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if len(e.Vector) != dim {
			return 0, &domain.DimensionMismatchError{ClauseID: e.ClauseID, Want: dim, Got: len(e.Vector)}
		}
		if _, dup := seen[e.ClauseID]; dup {
			return 0, fmt.Errorf("build index: duplicate clause id %q: %w", e.ClauseID, domain.ErrInvalidInput)
		}
		seen[e.ClauseID] = struct{}{}
	}
	return dim, nil
}

// CheckQuery validates a query vector against the index dimension.
func CheckQuery(vector []float64, dim int) error {
	if len(vector) != dim {
		return fmt.Errorf("query vector has %d dims, index has %d: %w", len(vector), dim, domain.ErrDimensionMismatch)
	}
	return nil
}

// Rank orders hits by descending score then ascending clause id, drops hits
// below threshold and keeps at most topK. hits is sorted in place.
func Rank(hits []domain.Hit, topK int, threshold *float64) []domain.Hit {
	if topK <= 0 {
		topK = DefaultTopK
	}
	slices.SortFunc(hits, func(a, b domain.Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ClauseID, b.ClauseID)
	})
	out := make([]domain.Hit, 0, min(topK, len(hits)))
	for _, h := range hits {
		if len(out) == topK {
			break
		}
		if threshold != nil && h.Score < *threshold {
			break
		}
		out = append(out, h)
	}
	return out
}

// Similarity is the dot product of two unit vectors, clamped to [-1, 1] so
// rounding noise cannot push a score out of range.
func Similarity(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return math.Max(-1, math.Min(1, sum))
}

// Threshold is a helper for building optional thresholds.
func Threshold(v float64) *float64 { return &v }
