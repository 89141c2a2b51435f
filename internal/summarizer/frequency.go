// Package summarizer produces a short extractive overview of a document.
package summarizer

import (
	"cmp"
	"math"
	"regexp"
	"slices"
	"strings"
)

// DefaultMaxSentences is used when the caller asks for zero or fewer.
const DefaultMaxSentences = 3

var (
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+`)
	tokenRe    = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
)

// FrequencySummarizer picks the sentences whose words are most frequent in
// the whole text. Output keeps document order.
type FrequencySummarizer struct {
	stopwords map[string]struct{}
}

func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{stopwords: defaultStopwords()}
}

type sentence struct {
	pos    int
	text   string
	tokens []string
	score  float64
}

// Summarize returns up to maxSentences sentences joined by spaces. Equal
// scores prefer the earlier sentence.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) (string, error) {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}
	var sents []sentence
	for i, raw := range sentenceRe.FindAllString(text, -1) {
		t := strings.Join(strings.Fields(raw), " ")
		if t == "" {
			continue
		}
		sents = append(sents, sentence{pos: i, text: t, tokens: tokenRe.FindAllString(strings.ToLower(t), -1)})
	}
	if len(sents) == 0 {
		return strings.Join(strings.Fields(text), " "), nil
	}

	freq := map[string]float64{}
	top := 0.0
	for _, st := range sents {
		for _, tok := range st.tokens {
			if _, stop := s.stopwords[tok]; stop {
				continue
			}
			freq[tok]++
			top = math.Max(top, freq[tok])
		}
	}
	for i := range sents {
		sum := 0.0
		for _, tok := range sents[i].tokens {
			sum += freq[tok] / math.Max(top, 1)
		}
		if n := len(sents[i].tokens); n > 0 {
			// sqrt keeps long sentences from always winning
			sum /= math.Sqrt(float64(n))
		}
		sents[i].score = sum
	}

	ranked := slices.Clone(sents)
	slices.SortStableFunc(ranked, func(a, b sentence) int { return cmp.Compare(b.score, a.score) })
	ranked = ranked[:min(maxSentences, len(ranked))]
	slices.SortFunc(ranked, func(a, b sentence) int { return cmp.Compare(a.pos, b.pos) })

	out := make([]string, len(ranked))
	for i, st := range ranked {
		out[i] = st.text
	}
	return strings.Join(out, " "), nil
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those",
		"from", "up", "down", "over", "under", "than", "so", "such", "into", "about", "between", "through",
		"during", "before", "after", "above", "below", "out", "off", "same", "too", "very", "can", "will",
		"shall", "may", "must", "any", "all", "not", "no", "per", "which", "who",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
