package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retrieval pipeline, matched with errors.Is.
var (
	// ErrEmptyInput indicates the document has no text to segment.
	ErrEmptyInput = errors.New("empty input")

	// ErrEmbeddingUnavailable indicates the embedding backend failed after retries.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrDimensionMismatch indicates vectors of different lengths in one index.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrIndexNotReady indicates a query arrived before any index was published.
	ErrIndexNotReady = errors.New("index not ready")

	// ErrInvalidInput indicates malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// DimensionMismatchError names the first clause whose vector has the wrong length.
type DimensionMismatchError struct {
	ClauseID string
	Want     int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: clause %s has %d dims, want %d", e.ClauseID, e.Got, e.Want)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// EmbeddingError wraps the last backend failure after the retry budget ran out.
type EmbeddingError struct {
	Attempts int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *EmbeddingError) Unwrap() []error { return []error{ErrEmbeddingUnavailable, e.Err} }

// Stage names an ingestion step.
type Stage string

const (
	StageSegment Stage = "segment"
	StageEmbed   Stage = "embed"
	StageIndex   Stage = "index"
)

// StageError reports which ingestion stage failed and why.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
