// Package snapshot saves a published document to a SQLite file and loads it
// back, so questions can be answered without re-embedding the clauses.
package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"policyqa/internal/domain"
)

//go:embed schema.sql
var schema string

// Vocabulary is the fitted state of a local model, stored so query vectors
// land in the same space after a reload.
type Vocabulary struct {
	Terms []string
	IDF   []float64
}

// Data is the content of one snapshot file.
type Data struct {
	DocumentID string
	Model      string
	Dimension  int
	CreatedAt  time.Time
	Clauses    []domain.Clause
	Vocabulary *Vocabulary
}

// Save writes data to path, replacing any existing file.
func Save(ctx context.Context, path string, data Data) error {
	if len(data.Clauses) == 0 {
		return fmt.Errorf("snapshot: no clauses: %w", domain.ErrEmptyInput)
	}
	if data.Dimension == 0 {
		data.Dimension = len(data.Clauses[0].Vector)
	}
	for _, c := range data.Clauses {
		if len(c.Vector) != data.Dimension {
			return &domain.DimensionMismatchError{ClauseID: c.ID, Want: data.Dimension, Got: len(c.Vector)}
		}
	}
	if v := data.Vocabulary; v != nil && len(v.Terms) != len(v.IDF) {
		return fmt.Errorf("snapshot: %d terms but %d idf weights: %w", len(v.Terms), len(v.IDF), domain.ErrInvalidInput)
	}
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: replace %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("snapshot: create schema: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (document_id, model, dimension, created_at) VALUES (?, ?, ?, ?)`,
		data.DocumentID, data.Model, data.Dimension, data.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("snapshot: write meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO clauses (clause_id, ordinal, text, page, start, "end", overlap, vector) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare clauses: %w", err)
	}
	defer stmt.Close()
	for _, c := range data.Clauses {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Ordinal, c.Text, c.Span.Page, c.Span.Start, c.Span.End,
			c.OverlapPrefix, encodeVector(c.Vector)); err != nil {
			return fmt.Errorf("snapshot: write clause %s: %w", c.ID, err)
		}
	}

	if v := data.Vocabulary; v != nil {
		for i, term := range v.Terms {
			if _, err := tx.ExecContext(ctx, `INSERT INTO vocab (position, term, idf) VALUES (?, ?, ?)`, i, term, v.IDF[i]); err != nil {
				return fmt.Errorf("snapshot: write vocab: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: commit: %w", err)
	}
	return nil
}

// Load reads a snapshot. Every vector must match the recorded dimension.
func Load(ctx context.Context, path string) (Data, error) {
	if _, err := os.Stat(path); err != nil {
		return Data{}, fmt.Errorf("snapshot: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return Data{}, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer db.Close()

	var (
		data    Data
		created int64
	)
	err = db.QueryRowContext(ctx, `SELECT document_id, model, dimension, created_at FROM meta LIMIT 1`).
		Scan(&data.DocumentID, &data.Model, &data.Dimension, &created)
	if err != nil {
		return Data{}, fmt.Errorf("snapshot: read meta: %w", err)
	}
	data.CreatedAt = time.Unix(created, 0)

	rows, err := db.QueryContext(ctx,
		`SELECT clause_id, ordinal, text, page, start, "end", overlap, vector FROM clauses ORDER BY ordinal`)
	if err != nil {
		return Data{}, fmt.Errorf("snapshot: read clauses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c    domain.Clause
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.Ordinal, &c.Text, &c.Span.Page, &c.Span.Start, &c.Span.End, &c.OverlapPrefix, &blob); err != nil {
			return Data{}, fmt.Errorf("snapshot: scan clause: %w", err)
		}
		c.DocumentID = data.DocumentID
		c.Vector = decodeVector(blob)
		if len(blob)%8 != 0 || len(c.Vector) != data.Dimension {
			return Data{}, &domain.DimensionMismatchError{ClauseID: c.ID, Want: data.Dimension, Got: len(c.Vector)}
		}
		data.Clauses = append(data.Clauses, c)
	}
	if err := rows.Err(); err != nil {
		return Data{}, fmt.Errorf("snapshot: read clauses: %w", err)
	}
	if len(data.Clauses) == 0 {
		return Data{}, fmt.Errorf("snapshot: %s has no clauses: %w", path, domain.ErrEmptyInput)
	}

	vocab, err := loadVocabulary(ctx, db)
	if err != nil {
		return Data{}, err
	}
	data.Vocabulary = vocab
	return data, nil
}

func loadVocabulary(ctx context.Context, db *sql.DB) (*Vocabulary, error) {
	rows, err := db.QueryContext(ctx, `SELECT term, idf FROM vocab ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read vocab: %w", err)
	}
	defer rows.Close()
	var v Vocabulary
	for rows.Next() {
		var (
			term string
			idf  float64
		)
		if err := rows.Scan(&term, &idf); err != nil {
			return nil, fmt.Errorf("snapshot: scan vocab: %w", err)
		}
		v.Terms = append(v.Terms, term)
		v.IDF = append(v.IDF, idf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: read vocab: %w", err)
	}
	if len(v.Terms) == 0 {
		return nil, nil
	}
	return &v, nil
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}
