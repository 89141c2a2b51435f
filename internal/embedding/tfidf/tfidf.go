package tfidf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"policyqa/internal/embedding"
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)

// Embedder is an unfitted TF-IDF vectorizer. Fit builds a vocabulary and
// IDF table from the corpus and returns a ready Model.
type Embedder struct {
	stopwords map[string]struct{}
}

// NewEmbedder creates a vectorizer with the default English stopwords.
func NewEmbedder() *Embedder {
	return &Embedder{stopwords: defaultStopwords()}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "tfidf" }

// Fit builds the vocabulary and IDF values from the provided corpus.
func (e *Embedder) Fit(corpus []string) (embedding.Model, error) {
	if len(corpus) == 0 {
		return nil, errors.New("empty corpus for TF-IDF fit")
	}
	// Build vocabulary and document frequencies
	df := make(map[string]int)
	for _, text := range corpus {
		seen := make(map[string]struct{})
		for _, tok := range tokenize(text, e.stopwords) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}
	// Create stable ordering for vocabulary
	terms := make([]string, 0, len(df))
	for term := range df {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	if len(terms) == 0 {
		return nil, errors.New("no tokens found in corpus; ensure tokenizer supports your language")
	}
	idf := make([]float64, len(terms))
	n := float64(len(corpus))
	for i, term := range terms {
		// Smoothed IDF
		idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1.0
	}
	return newModel(terms, idf, e.stopwords), nil
}

// Model is a fitted, read-only TF-IDF model.
type Model struct {
	terms      []string
	vocabulary map[string]int
	idf        []float64
	stopwords  map[string]struct{}
}

// FromVocabulary restores a model from previously exported terms and IDF values.
func FromVocabulary(terms []string, idf []float64) (*Model, error) {
	if len(terms) == 0 || len(terms) != len(idf) {
		return nil, fmt.Errorf("tfidf: %d terms for %d idf values", len(terms), len(idf))
	}
	return newModel(terms, idf, defaultStopwords()), nil
}

func newModel(terms []string, idf []float64, stopwords map[string]struct{}) *Model {
	vocab := make(map[string]int, len(terms))
	for i, t := range terms {
		vocab[t] = i
	}
	return &Model{terms: terms, vocabulary: vocab, idf: idf, stopwords: stopwords}
}

// Name returns the identifier of this embedder implementation.
func (m *Model) Name() string { return "tfidf" }

// Dimension returns the dimensionality of the produced embedding vectors.
func (m *Model) Dimension() int { return len(m.terms) }

// Terms returns the sorted vocabulary.
func (m *Model) Terms() []string { return m.terms }

// IDF returns the IDF weight of each vocabulary term.
func (m *Model) IDF() []float64 { return m.idf }

// Embed computes L2-normalized TF-IDF vectors. Text without any known term
// maps to the zero vector.
func (m *Model) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = m.embed(text)
	}
	return out, nil
}

func (m *Model) embed(text string) []float64 {
	vec := make([]float64, len(m.terms))
	tf := make(map[int]int)
	total := 0
	for _, tok := range tokenize(text, m.stopwords) {
		if idx, ok := m.vocabulary[tok]; ok {
			tf[idx]++
			total++
		}
	}
	if total == 0 {
		return vec
	}
	for idx, count := range tf {
		tfv := float64(count) / float64(total)
		vec[idx] = tfv * m.idf[idx]
	}
	return embedding.Normalize(vec)
}

func tokenize(text string, stopwords map[string]struct{}) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "who", "when", "where", "how", "does", "do", "my", "i",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
