// Package resolver turns ranked hits into the answer shown to the user.
package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"policyqa/internal/domain"
)

const (
	HighConfidence   = 0.75
	MediumConfidence = 0.45
)

var (
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]*["')\]]*`)
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// Options control how hits are merged.
type Options struct {
	// MergeTop is how many leading hits form the answer text. Values below
	// one mean one.
	MergeTop int
}

type Resolver struct {
	opts Options
}

func New(opts Options) *Resolver {
	if opts.MergeTop < 1 {
		opts.MergeTop = 1
	}
	return &Resolver{opts: opts}
}

// Resolve builds the answer for result. An empty result yields the
// no-answer sentinel. Every hit must name one of clauses.
func (r *Resolver) Resolve(result domain.RetrievalResult, clauses []domain.Clause) (domain.Answer, error) {
	if result.Empty() {
		return domain.NoAnswer(), nil
	}
	byID := make(map[string]*domain.Clause, len(clauses))
	for i := range clauses {
		byID[clauses[i].ID] = &clauses[i]
	}

	n := min(r.opts.MergeTop, len(result.Hits))
	texts := make([]string, 0, n)
	ids := make([]string, 0, n)
	for _, h := range result.Hits[:n] {
		c, ok := byID[h.ClauseID]
		if !ok {
			return domain.Answer{}, fmt.Errorf("resolve: unknown clause %q: %w", h.ClauseID, domain.ErrInvalidInput)
		}
		texts = append(texts, c.Text)
		ids = append(ids, c.ID)
	}

	best := byID[result.Hits[0].ClauseID]
	score := result.Hits[0].Score
	return domain.Answer{
		Text:       strings.Join(texts, "\n\n"),
		Score:      score,
		Confidence: Confidence(score),
		ClauseIDs:  ids,
		Highlight:  BestSentence(best.Text, result.Query),
		Span:       best.Span,
	}, nil
}

// Confidence buckets a cosine score.
func Confidence(score float64) domain.Confidence {
	switch {
	case score >= HighConfidence:
		return domain.ConfidenceHigh
	case score >= MediumConfidence:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// BestSentence returns the sentence of text sharing the most distinct words
// with query. Ties go to the earliest sentence.
func BestSentence(text, query string) string {
	sentences := Sentences(text)
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}
	q := tokenSet(query)
	best, bestScore := 0, -1
	for i, s := range sentences {
		if score := overlap(q, s); score > bestScore {
			best, bestScore = i, score
		}
	}
	return sentences[best]
}

// Sentences splits text into trimmed, non-empty sentences.
func Sentences(text string) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	tokens := wordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func overlap(query map[string]struct{}, sentence string) int {
	score := 0
	for t := range tokenSet(sentence) {
		if _, ok := query[t]; ok {
			score++
		}
	}
	return score
}
