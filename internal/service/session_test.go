package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyqa/internal/chunker"
	"policyqa/internal/domain"
	"policyqa/internal/embedding"
	"policyqa/internal/embedding/tfidf"
	"policyqa/internal/loader"
	"policyqa/internal/metrics"
	"policyqa/internal/retriever"
	"policyqa/internal/summarizer"
	"policyqa/internal/vectorstore"
	"policyqa/internal/vectorstore/memory"
)

const dentalPolicy = "Deductible is $500 for dental.\n\nCoverage starts after 30 days."

type trackingBuilder struct {
	inner vectorstore.Builder

	mu     sync.Mutex
	fail   error
	builds int
	closed int
}

func (b *trackingBuilder) Name() string { return "tracking" }

func (b *trackingBuilder) Build(ctx context.Context, entries []vectorstore.Entry) (vectorstore.Index, error) {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	idx, err := b.inner.Build(ctx, entries)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.builds++
	b.mu.Unlock()
	return &trackedIndex{Index: idx, b: b}, nil
}

func (b *trackingBuilder) setFail(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

func (b *trackingBuilder) closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type trackedIndex struct {
	vectorstore.Index
	b *trackingBuilder
}

func (t *trackedIndex) Close() error {
	t.b.mu.Lock()
	t.b.closed++
	t.b.mu.Unlock()
	return t.Index.Close()
}

// letterModel embeds text as letter counts, plus a constant so no vector is
// zero. Texts containing "slow" block until the context ends.
type letterModel struct {
	started chan struct{}
	once    sync.Once
	fail    error
	// hide makes a blocked call fail with a transport error instead of
	// the context's own error.
	hide bool
}

func (m *letterModel) Name() string { return "letters" }

func (m *letterModel) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "slow") {
			m.once.Do(func() { close(m.started) })
			<-ctx.Done()
			if m.hide {
				return nil, embedding.Transient(errors.New("stream closed"), 0)
			}
			return nil, ctx.Err()
		}
		v := make([]float64, 27)
		v[26] = 1
		for _, r := range strings.ToLower(t) {
			if r >= 'a' && r <= 'z' {
				v[r-'a']++
			}
		}
		out[i] = v
	}
	return out, nil
}

func newTFIDFSession(t *testing.T, b vectorstore.Builder) *Session {
	t.Helper()
	s, err := NewSession(Options{
		Segmenter:        chunker.NewSentenceChunker(40, 0),
		Fitter:           tfidf.NewEmbedder(),
		Embedding:        embedding.Options{Normalize: true},
		Index:            b,
		Summarizer:       summarizer.NewFrequencySummarizer(),
		SummarySentences: 1,
		Retrieval:        retriever.Options{TopK: 3},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLetterSession(t *testing.T, m *letterModel, b vectorstore.Builder) *Session {
	t.Helper()
	s, err := NewSession(Options{
		Segmenter: chunker.NewSentenceChunker(40, 0),
		Model:     m,
		Embedding: embedding.Options{Normalize: true, Backoff: func(int) time.Duration { return 0 }},
		Index:     b,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSession_RequiresParts(t *testing.T) {
	_, err := NewSession(Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = NewSession(Options{Segmenter: chunker.NewSentenceChunker(0, 0)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = NewSession(Options{Segmenter: chunker.NewSentenceChunker(0, 0), Fitter: tfidf.NewEmbedder()})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAsk_BeforeIngestIsNotReady(t *testing.T) {
	s := newTFIDFSession(t, memory.NewBuilder())
	assert.Equal(t, StateEmpty, s.State())
	assert.False(t, s.Ready())

	_, err := s.Ask(context.Background(), "What is the dental deductible?", retriever.Options{})
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)

	_, err = s.Published()
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)
}

func TestIngestAndAsk_DentalDeductible(t *testing.T) {
	s := newTFIDFSession(t, memory.NewBuilder())
	report, err := s.Ingest(context.Background(), loader.FromText("doc", "policy.txt", dentalPolicy))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Clauses)
	assert.Equal(t, "tfidf", report.Model)
	assert.Equal(t, "memory", report.Index)
	assert.NotEmpty(t, report.Summary)
	assert.Equal(t, StateQueryable, s.State())

	res, err := s.Ask(context.Background(), "What is the dental deductible?", retriever.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Retrieval.Hits)
	assert.Equal(t, "doc:00000", res.Retrieval.Hits[0].ClauseID)
	assert.False(t, res.Answer.NoAnswer)
	assert.Equal(t, "Deductible is $500 for dental.", res.Answer.Text)
	assert.Equal(t, "doc", res.DocumentID)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, "Deductible is $500 for dental.", res.Matches[0].Text)
	assert.Equal(t, 0, res.Matches[0].Span.Start)
}

func TestAsk_ThresholdAboveAllScoresIsNoAnswer(t *testing.T) {
	s := newTFIDFSession(t, memory.NewBuilder())
	_, err := s.Ingest(context.Background(), loader.FromText("doc", "", dentalPolicy))
	require.NoError(t, err)

	res, err := s.Ask(context.Background(), "dental deductible", retriever.Options{Threshold: vectorstore.Threshold(1.5)})
	require.NoError(t, err)
	assert.True(t, res.Retrieval.Empty())
	assert.True(t, res.Answer.NoAnswer)
	assert.Equal(t, domain.ConfidenceNone, res.Answer.Confidence)
	assert.Empty(t, res.Matches)
}

func TestAsk_Decision(t *testing.T) {
	s := newTFIDFSession(t, memory.NewBuilder())
	text := "Knee surgery is covered after two years.\n\nCosmetic surgery is excluded."
	_, err := s.Ingest(context.Background(), loader.FromText("doc", "", text))
	require.NoError(t, err)

	res, err := s.Ask(context.Background(), "46-year-old male, knee surgery in Pune, 3-month-old policy", retriever.Options{})
	require.NoError(t, err)
	assert.Equal(t, "knee surgery", res.Query.Procedure)
	assert.Equal(t, "Approved", string(res.Decision.Verdict))
}

func TestRebuildFailureKeepsPreviousIndex(t *testing.T) {
	b := &trackingBuilder{inner: memory.NewBuilder()}
	s := newTFIDFSession(t, b)
	_, err := s.Ingest(context.Background(), loader.FromText("doc", "", dentalPolicy))
	require.NoError(t, err)
	before, err := s.Ask(context.Background(), "What is the dental deductible?", retriever.Options{})
	require.NoError(t, err)

	t.Run("index stage", func(t *testing.T) {
		b.setFail(errors.New("disk full"))
		defer b.setFail(nil)
		_, err := s.Ingest(context.Background(), loader.FromText("other", "", "Maternity is covered after nine months."))
		var serr *domain.StageError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, domain.StageIndex, serr.Stage)
	})

	t.Run("segment stage", func(t *testing.T) {
		_, err := s.Ingest(context.Background(), loader.FromText("empty", "", "  \n\n "))
		assert.ErrorIs(t, err, domain.ErrEmptyInput)
		var serr *domain.StageError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, domain.StageSegment, serr.Stage)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		b.setFail(&domain.DimensionMismatchError{ClauseID: "x", Want: 2, Got: 3})
		defer b.setFail(nil)
		_, err := s.Ingest(context.Background(), loader.FromText("other", "", "Maternity is covered."))
		assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	})

	assert.Equal(t, StateQueryable, s.State())
	after, err := s.Ask(context.Background(), "What is the dental deductible?", retriever.Options{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 0, b.closes())
}

func TestEmbeddingFailure(t *testing.T) {
	m := &letterModel{fail: errors.New("bad request")}
	s := newLetterSession(t, m, memory.NewBuilder())
	_, err := s.Ingest(context.Background(), loader.FromText("doc", "", dentalPolicy))
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	var serr *domain.StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, domain.StageEmbed, serr.Stage)
	assert.Equal(t, StateEmpty, s.State())
}

func TestCancelledBuildKeepsPreviousIndex(t *testing.T) {
	m := &letterModel{started: make(chan struct{})}
	s := newLetterSession(t, m, memory.NewBuilder())
	_, err := s.Ingest(context.Background(), loader.FromText("first", "", dentalPolicy))
	require.NoError(t, err)

	build := s.IngestAsync(context.Background(), loader.FromText("second", "", "This one is slow to embed."))
	<-m.started
	assert.Equal(t, StateSegmented, s.State())
	res, err := s.Ask(context.Background(), "dental", retriever.Options{})
	require.NoError(t, err)
	assert.Equal(t, "first", res.DocumentID)

	build.Cancel()
	_, err = build.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateQueryable, s.State())

	res, err = s.Ask(context.Background(), "dental", retriever.Options{})
	require.NoError(t, err)
	assert.Equal(t, "first", res.DocumentID)
}

func TestCancelledBuildIsCountedAsCancelled(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := &letterModel{started: make(chan struct{}), hide: true}
	s, err := NewSession(Options{
		Segmenter: chunker.NewSentenceChunker(40, 0),
		Model:     m,
		Embedding: embedding.Options{Backoff: func(int) time.Duration { return 0 }},
		Index:     memory.NewBuilder(),
		Metrics:   mt,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	build := s.IngestAsync(context.Background(), loader.FromText("doc", "", "This one is slow to embed."))
	<-m.started
	build.Cancel()
	_, err = build.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Builds.WithLabelValues(metrics.BuildCancelled)))
	assert.Equal(t, 0.0, testutil.ToFloat64(mt.Builds.WithLabelValues(metrics.BuildFailed)))
	assert.Equal(t, StateEmpty, s.State())
}

func TestNewIngestSupersedesRunningBuild(t *testing.T) {
	m := &letterModel{started: make(chan struct{})}
	s := newLetterSession(t, m, memory.NewBuilder())

	slow := s.IngestAsync(context.Background(), loader.FromText("slow", "", "This one is slow to embed."))
	<-m.started
	_, err := s.Ingest(context.Background(), loader.FromText("fast", "", dentalPolicy))
	require.NoError(t, err)

	_, err = slow.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	res, err := s.Ask(context.Background(), "dental", retriever.Options{})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.DocumentID)
	assert.Equal(t, StateQueryable, s.State())
}

func TestReplaceRetiresOldIndex(t *testing.T) {
	b := &trackingBuilder{inner: memory.NewBuilder()}
	s := newTFIDFSession(t, b)

	_, err := s.Ingest(context.Background(), loader.FromText("a", "", dentalPolicy))
	require.NoError(t, err)
	_, err = s.Ingest(context.Background(), loader.FromText("b", "", "Maternity is covered after nine months."))
	require.NoError(t, err)

	res, err := s.Ask(context.Background(), "maternity", retriever.Options{})
	require.NoError(t, err)
	assert.Equal(t, "b", res.DocumentID)

	require.NoError(t, s.Close())
	assert.Equal(t, 2, b.closes())
}

func TestConcurrentAsksDuringRebuild(t *testing.T) {
	s := newTFIDFSession(t, memory.NewBuilder())
	_, err := s.Ingest(context.Background(), loader.FromText("a", "", dentalPolicy))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				res, err := s.Ask(context.Background(), "coverage starts", retriever.Options{})
				if err != nil {
					errs <- err
					return
				}
				if res.DocumentID != "a" && res.DocumentID != "b" {
					errs <- errors.New("unexpected document " + res.DocumentID)
					return
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		id := "a"
		if i%2 == 0 {
			id = "b"
		}
		_, err := s.Ingest(context.Background(), loader.FromText(id, "", dentalPolicy))
		require.NoError(t, err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestReset(t *testing.T) {
	b := &trackingBuilder{inner: memory.NewBuilder()}
	s := newTFIDFSession(t, b)
	_, err := s.Ingest(context.Background(), loader.FromText("a", "", dentalPolicy))
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	assert.Equal(t, StateEmpty, s.State())
	assert.Equal(t, 1, b.closes())
	_, err = s.Ask(context.Background(), "dental", retriever.Options{})
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)
}

func TestRestoreFromPublished(t *testing.T) {
	src := newTFIDFSession(t, memory.NewBuilder())
	_, err := src.Ingest(context.Background(), loader.FromText("doc", "", dentalPolicy))
	require.NoError(t, err)
	want, err := src.Ask(context.Background(), "What is the dental deductible?", retriever.Options{})
	require.NoError(t, err)

	pub, err := src.Published()
	require.NoError(t, err)
	dst := newTFIDFSession(t, memory.NewBuilder())
	report, err := dst.Restore(context.Background(), pub.DocumentID, pub.Clauses, pub.Model)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Clauses)

	got, err := dst.Ask(context.Background(), "What is the dental deductible?", retriever.Options{})
	require.NoError(t, err)
	assert.Equal(t, want.Retrieval, got.Retrieval)
	assert.Equal(t, want.Answer, got.Answer)

	_, err = dst.Restore(context.Background(), "x", nil, pub.Model)
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
	assert.Equal(t, StateQueryable, dst.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "queryable", StateQueryable.String())
	assert.Equal(t, "unknown", State(42).String())
}
