package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyqa/internal/domain"
	"policyqa/internal/embedding"
	"policyqa/internal/embedding/tfidf"
	"policyqa/internal/metrics"
	"policyqa/internal/vectorstore"
	"policyqa/internal/vectorstore/memory"
)

var policy = []string{
	"Deductible is $500 for dental.",
	"Coverage starts after 30 days.",
}

func setup(t *testing.T) (*embedding.Adapter, vectorstore.Index) {
	t.Helper()
	model, err := tfidf.NewEmbedder().Fit(policy)
	require.NoError(t, err)
	ad := embedding.NewAdapter(model, embedding.Options{Normalize: true}, nil)
	vecs, err := ad.Embed(context.Background(), policy)
	require.NoError(t, err)
	entries := make([]vectorstore.Entry, len(policy))
	for i, v := range vecs {
		entries[i] = vectorstore.Entry{ClauseID: domain.ClauseID("doc", i), Vector: v}
	}
	idx, err := memory.NewBuilder().Build(context.Background(), entries)
	require.NoError(t, err)
	return ad, idx
}

func TestRetrieve_DentalDeductible(t *testing.T) {
	ad, idx := setup(t)
	res, err := New(nil, nil).Retrieve(context.Background(), "What is the dental deductible?", ad, idx, Options{TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "doc:00000", res.Hits[0].ClauseID)
	if len(res.Hits) > 1 {
		assert.Greater(t, res.Hits[0].Score, res.Hits[1].Score)
	}
	assert.Equal(t, "What is the dental deductible?", res.Query)
}

func TestRetrieve_ThresholdAboveAllScores(t *testing.T) {
	ad, idx := setup(t)
	res, err := New(nil, nil).Retrieve(context.Background(), "dental deductible", ad, idx,
		Options{TopK: 5, Threshold: vectorstore.Threshold(1.5)})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestRetrieve_Idempotent(t *testing.T) {
	ad, idx := setup(t)
	r := New(nil, nil)
	a, err := r.Retrieve(context.Background(), "when does coverage start", ad, idx, Options{})
	require.NoError(t, err)
	b, err := r.Retrieve(context.Background(), "when does coverage start", ad, idx, Options{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRetrieve_UnknownTermsGiveEmptyResult(t *testing.T) {
	ad, idx := setup(t)
	res, err := New(nil, nil).Retrieve(context.Background(), "quantum chromodynamics", ad, idx, Options{})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestRetrieve_Errors(t *testing.T) {
	ad, idx := setup(t)
	r := New(nil, nil)

	_, err := r.Retrieve(context.Background(), "dental", nil, nil, Options{})
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)

	_, err = r.Retrieve(context.Background(), "   ", ad, idx, Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	down := embedderFunc(func(context.Context, string) ([]float64, error) {
		return nil, &domain.EmbeddingError{Attempts: 3, Err: errors.New("503")}
	})
	_, err = r.Retrieve(context.Background(), "dental", down, idx, Options{})
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)

	wrongDim := embedderFunc(func(context.Context, string) ([]float64, error) {
		v := make([]float64, idx.Dimension()+1)
		v[0] = 1
		return v, nil
	})
	_, err = r.Retrieve(context.Background(), "dental", wrongDim, idx, Options{})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestRetrieve_FiltersLooseBackends(t *testing.T) {
	loose := &looseIndex{hits: []domain.Hit{{ClauseID: "a", Score: 0.9}, {ClauseID: "b", Score: 0.2}, {ClauseID: "c", Score: 0.8}}}
	one := embedderFunc(func(context.Context, string) ([]float64, error) { return []float64{1}, nil })
	res, err := New(nil, nil).Retrieve(context.Background(), "q", one, loose, Options{TopK: 5, Threshold: vectorstore.Threshold(0.5)})
	require.NoError(t, err)
	assert.Equal(t, []domain.Hit{{ClauseID: "a", Score: 0.9}, {ClauseID: "c", Score: 0.8}}, res.Hits)
}

func TestRetrieve_RecordsOutcomes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ad, idx := setup(t)
	r := New(m, nil)

	_, _ = r.Retrieve(context.Background(), "dental", ad, idx, Options{})
	_, _ = r.Retrieve(context.Background(), "dental", ad, idx, Options{Threshold: vectorstore.Threshold(2)})
	_, _ = r.Retrieve(context.Background(), "", ad, idx, Options{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues(metrics.OutcomeAnswered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues(metrics.OutcomeNoAnswer)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues(metrics.OutcomeError)))
}

type embedderFunc func(context.Context, string) ([]float64, error)

func (f embedderFunc) EmbedOne(ctx context.Context, text string) ([]float64, error) { return f(ctx, text) }

// looseIndex ignores the threshold, like an approximate backend might.
type looseIndex struct {
	vectorstore.Index
	hits []domain.Hit
}

func (l *looseIndex) Query(context.Context, []float64, int, *float64) ([]domain.Hit, error) {
	return l.hits, nil
}
