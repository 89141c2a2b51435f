package domain

import "fmt"

// TextBlock is one unit of extracted text with its position in the source file.
type TextBlock struct {
	Text  string
	Page  int
	Start int // byte offset of Text within the document's raw text
	End   int
}

// Document is a single uploaded file, immutable once ingested.
type Document struct {
	ID     string
	Path   string
	Blocks []TextBlock
}

// Content returns the concatenated raw text of all blocks.
func (d Document) Content() string {
	n := 0
	for _, b := range d.Blocks {
		n += len(b.Text)
	}
	buf := make([]byte, 0, n)
	for _, b := range d.Blocks {
		buf = append(buf, b.Text...)
	}
	return string(buf)
}

// SourceSpan points back into the document a clause was cut from.
type SourceSpan struct {
	Page  int `json:"page"`
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s SourceSpan) String() string {
	return fmt.Sprintf("p%d[%d:%d]", s.Page, s.Start, s.End)
}

// Clause is the atomic retrievable unit of a document.
type Clause struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Span       SourceSpan
	// OverlapPrefix is the number of runes at the start of Text that
	// repeat the tail of the previous clause.
	OverlapPrefix int
	Vector        []float64
}

// ClauseID formats the identifier of the n-th clause of a document.
// Zero padding keeps lexical order equal to document order.
func ClauseID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s:%05d", documentID, ordinal)
}

// Hit is a single ranked index match.
type Hit struct {
	ClauseID string  `json:"clause_id"`
	Score    float64 `json:"score"`
}

// RetrievalResult is the ordered output of a query, best first.
type RetrievalResult struct {
	Query string `json:"query"`
	Hits  []Hit  `json:"hits"`
}

// Empty reports whether no clause passed ranking and filtering.
func (r RetrievalResult) Empty() bool { return len(r.Hits) == 0 }

// Confidence buckets an answer score.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Answer is what the front-end shows for a question.
type Answer struct {
	Text       string     `json:"text"`
	Score      float64    `json:"score"`
	Confidence Confidence `json:"confidence"`
	NoAnswer   bool       `json:"no_answer"`
	ClauseIDs  []string   `json:"clause_ids,omitempty"`
	Highlight  string     `json:"highlight,omitempty"`
	Span       SourceSpan `json:"span"`
}

// NoAnswer is the sentinel returned when nothing relevant was found.
func NoAnswer() Answer {
	return Answer{NoAnswer: true, Confidence: ConfidenceNone}
}
