package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyqa/internal/domain"
)

var clauses = []domain.Clause{
	{ID: "doc:00000", Text: "Deductible is $500 for dental. Vision has no deductible.", Span: domain.SourceSpan{Page: 1, Start: 0, End: 57}},
	{ID: "doc:00001", Text: "Coverage starts after 30 days.", Span: domain.SourceSpan{Page: 1, Start: 58, End: 88}},
	{ID: "doc:00002", Text: "Claims must be filed within 90 days.", Span: domain.SourceSpan{Page: 2, Start: 89, End: 125}},
}

func TestResolve_EmptyIsNoAnswer(t *testing.T) {
	a, err := New(Options{}).Resolve(domain.RetrievalResult{Query: "anything", Hits: []domain.Hit{}}, clauses)
	require.NoError(t, err)
	assert.True(t, a.NoAnswer)
	assert.Equal(t, domain.ConfidenceNone, a.Confidence)
	assert.Equal(t, domain.NoAnswer(), a)
}

func TestResolve_BestClause(t *testing.T) {
	res := domain.RetrievalResult{
		Query: "What is the dental deductible?",
		Hits:  []domain.Hit{{ClauseID: "doc:00000", Score: 0.82}, {ClauseID: "doc:00001", Score: 0.1}},
	}
	a, err := New(Options{}).Resolve(res, clauses)
	require.NoError(t, err)
	assert.False(t, a.NoAnswer)
	assert.Equal(t, clauses[0].Text, a.Text)
	assert.Equal(t, 0.82, a.Score)
	assert.Equal(t, domain.ConfidenceHigh, a.Confidence)
	assert.Equal(t, []string{"doc:00000"}, a.ClauseIDs)
	assert.Equal(t, "Deductible is $500 for dental.", a.Highlight)
	assert.Equal(t, clauses[0].Span, a.Span)
}

func TestResolve_MergeTopInRankOrder(t *testing.T) {
	res := domain.RetrievalResult{
		Query: "days",
		Hits: []domain.Hit{
			{ClauseID: "doc:00002", Score: 0.5},
			{ClauseID: "doc:00001", Score: 0.4},
			{ClauseID: "doc:00000", Score: 0.1},
		},
	}
	a, err := New(Options{MergeTop: 2}).Resolve(res, clauses)
	require.NoError(t, err)
	assert.Equal(t, "Claims must be filed within 90 days.\n\nCoverage starts after 30 days.", a.Text)
	assert.Equal(t, []string{"doc:00002", "doc:00001"}, a.ClauseIDs)
	assert.Equal(t, 0.5, a.Score)
	assert.Equal(t, domain.ConfidenceMedium, a.Confidence)
	assert.Equal(t, clauses[2].Span, a.Span)

	a, err = New(Options{MergeTop: 10}).Resolve(res, clauses)
	require.NoError(t, err)
	assert.Len(t, a.ClauseIDs, 3)
}

func TestResolve_UnknownClause(t *testing.T) {
	res := domain.RetrievalResult{Hits: []domain.Hit{{ClauseID: "other:00000", Score: 1}}}
	_, err := New(Options{}).Resolve(res, clauses)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.Confidence
	}{
		{1, domain.ConfidenceHigh},
		{0.75, domain.ConfidenceHigh},
		{0.7499, domain.ConfidenceMedium},
		{0.45, domain.ConfidenceMedium},
		{0.2, domain.ConfidenceLow},
		{-0.3, domain.ConfidenceLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Confidence(tt.score), "score %v", tt.score)
	}
}

func TestBestSentence(t *testing.T) {
	text := "Room rent is capped. Knee surgery is covered after two years. Dental is excluded."
	assert.Equal(t, "Knee surgery is covered after two years.", BestSentence(text, "is knee surgery covered?"))
	assert.Equal(t, "Room rent is capped.", BestSentence(text, "nothing matches"))
	assert.Equal(t, "no punctuation here", BestSentence("no punctuation here", "here"))
	assert.Equal(t, "", BestSentence("   ", "q"))
}
