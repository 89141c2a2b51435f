package domain

// Segmenter splits a document into ordered clauses without vectors.
type Segmenter interface {
	Segment(document Document) ([]Clause, error)
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}
