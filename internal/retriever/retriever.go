// Package retriever turns a free-text question into ranked clause hits.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"policyqa/internal/domain"
	"policyqa/internal/metrics"
	"policyqa/internal/vectorstore"
)

// Embedder is the part of the embedding adapter the retriever needs.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float64, error)
}

// Options bound a single retrieval.
type Options struct {
	TopK      int
	Threshold *float64
}

type Retriever struct {
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(m *metrics.Metrics, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{metrics: m, log: logger.With("component", "retriever")}
}

// Retrieve embeds query and searches idx. An empty result is not an error;
// it means nothing scored at or above the threshold. The index is only read.
func (r *Retriever) Retrieve(ctx context.Context, query string, emb Embedder, idx vectorstore.Index, opts Options) (domain.RetrievalResult, error) {
	start := time.Now()
	res, err := r.retrieve(ctx, query, emb, idx, opts)
	outcome := metrics.OutcomeAnswered
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case res.Empty():
		outcome = metrics.OutcomeNoAnswer
	}
	r.metrics.ObserveQuery(outcome, time.Since(start))
	if err != nil {
		r.log.Warn("retrieve failed", "error", err)
		return domain.RetrievalResult{}, err
	}
	r.log.Debug("retrieved", "hits", len(res.Hits), "took", time.Since(start))
	return res, nil
}

func (r *Retriever) retrieve(ctx context.Context, query string, emb Embedder, idx vectorstore.Index, opts Options) (domain.RetrievalResult, error) {
	if idx == nil || emb == nil {
		return domain.RetrievalResult{}, domain.ErrIndexNotReady
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return domain.RetrievalResult{}, fmt.Errorf("retrieve: blank query: %w", domain.ErrInvalidInput)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}

	vec, err := emb.EmbedOne(ctx, q)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("retrieve: embed query: %w", err)
	}
	res := domain.RetrievalResult{Query: q, Hits: []domain.Hit{}}
	// A zero vector shares no direction with any clause.
	if isZero(vec) {
		return res, nil
	}

	hits, err := idx.Query(ctx, vec, topK, opts.Threshold)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("retrieve: query index: %w", err)
	}
	res.Hits = filter(hits, topK, opts.Threshold)
	return res, nil
}

// filter re-applies the cutoffs so every index backend honours them.
func filter(hits []domain.Hit, topK int, threshold *float64) []domain.Hit {
	out := make([]domain.Hit, 0, min(len(hits), topK))
	for _, h := range hits {
		if len(out) == topK {
			break
		}
		if threshold != nil && h.Score < *threshold {
			continue
		}
		out = append(out, h)
	}
	return out
}

func isZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
