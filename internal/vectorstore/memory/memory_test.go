package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyqa/internal/domain"
	"policyqa/internal/vectorstore"
)

func randomEntries(t *testing.T, n, dim int, seed int64) []vectorstore.Entry {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	out := make([]vectorstore.Entry, n)
	for i := range out {
		v := make([]float64, dim)
		for j := range v {
			v[j] = r.NormFloat64()
		}
		out[i] = vectorstore.Entry{ClauseID: fmt.Sprintf("doc:%05d", i), Vector: v}
	}
	return out
}

func TestBuild_RejectsMismatchedDimensions(t *testing.T) {
	_, err := NewBuilder().Build(context.Background(), []vectorstore.Entry{
		{ClauseID: "a", Vector: []float64{1, 0}},
		{ClauseID: "b", Vector: []float64{1}},
	})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestBuild_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBuilder().Build(ctx, randomEntries(t, 10, 4, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQuery_SelfIsTopHit(t *testing.T) {
	entries := randomEntries(t, 300, 16, 42)
	idx, err := NewBuilder().Build(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, 300, idx.Len())
	assert.Equal(t, 16, idx.Dimension())

	for _, i := range []int{0, 7, 150, 299} {
		hits, err := idx.Query(context.Background(), entries[i].Vector, 5, nil)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, entries[i].ClauseID, hits[0].ClauseID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	}
}

func TestQuery_OrderingAndBounds(t *testing.T) {
	idx, err := NewBuilder().Build(context.Background(), randomEntries(t, 100, 8, 7))
	require.NoError(t, err)
	q := randomEntries(t, 1, 8, 99)[0].Vector

	for _, k := range []int{1, 3, 10, 500} {
		hits, err := idx.Query(context.Background(), q, k, nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(hits), k)
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
	}
}

func TestQuery_TiesBrokenByClauseID(t *testing.T) {
	idx, err := NewBuilder().Build(context.Background(), []vectorstore.Entry{
		{ClauseID: "d:00002", Vector: []float64{1, 0}},
		{ClauseID: "d:00000", Vector: []float64{2, 0}},
		{ClauseID: "d:00001", Vector: []float64{0, 1}},
	})
	require.NoError(t, err)

	hits, err := idx.Query(context.Background(), []float64{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "d:00000", hits[0].ClauseID)
	assert.Equal(t, "d:00002", hits[1].ClauseID)
	assert.Equal(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "d:00001", hits[2].ClauseID)
}

func TestQuery_Threshold(t *testing.T) {
	idx, err := NewBuilder().Build(context.Background(), []vectorstore.Entry{
		{ClauseID: "a", Vector: []float64{1, 0}},
		{ClauseID: "b", Vector: []float64{1, 1}},
	})
	require.NoError(t, err)

	hits, err := idx.Query(context.Background(), []float64{1, 0}, 5, vectorstore.Threshold(0.9))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ClauseID)

	hits, err = idx.Query(context.Background(), []float64{1, 0}, 5, vectorstore.Threshold(1.01))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQuery_DimensionMismatch(t *testing.T) {
	idx, err := NewBuilder().Build(context.Background(), randomEntries(t, 3, 4, 1))
	require.NoError(t, err)
	_, err = idx.Query(context.Background(), []float64{1, 2}, 1, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestQuery_DoesNotAliasInput(t *testing.T) {
	v := []float64{3, 4}
	idx, err := NewBuilder().Build(context.Background(), []vectorstore.Entry{{ClauseID: "a", Vector: v}})
	require.NoError(t, err)
	v[0] = -3

	hits, err := idx.Query(context.Background(), []float64{3, 4}, 1, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-12)
}

func TestQuery_ConcurrentReaders(t *testing.T) {
	entries := randomEntries(t, 200, 8, 3)
	idx, err := NewBuilder().Build(context.Background(), entries)
	require.NoError(t, err)
	want, err := idx.Query(context.Background(), entries[5].Vector, 10, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := idx.Query(context.Background(), entries[5].Vector, 10, nil)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}
