// Package loader reads plain-text policy files into documents. It stands in
// for a real extraction step: a form feed starts a new page.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"policyqa/internal/domain"
)

const pageBreak = '\f'

var documentSpace = uuid.MustParse("a3d2e1f0-5b4c-4d6e-8f70-91a2b3c4d5e6")

var extensions = map[string]bool{".txt": true, ".text": true, ".md": true}

// Load reads path into a Document.
func Load(path string) (domain.Document, error) {
	if !extensions[strings.ToLower(filepath.Ext(path))] {
		return domain.Document{}, fmt.Errorf("load %s: unsupported file type: %w", path, domain.ErrInvalidInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return domain.Document{}, fmt.Errorf("load %s: not utf-8 text: %w", path, domain.ErrInvalidInput)
	}
	return FromText(DocumentID(data), path, string(data)), nil
}

// DocumentID derives a short stable id from the file content, so the same
// text always yields the same clause ids.
func DocumentID(content []byte) string {
	return uuid.NewSHA1(documentSpace, content).String()[:8]
}

// FromText splits text into one block per page. Blocks keep every byte,
// including the form feeds, so offsets address text directly.
func FromText(id, path, text string) domain.Document {
	doc := domain.Document{ID: id, Path: path}
	page, start := 1, 0
	for i, r := range text {
		if r != pageBreak {
			continue
		}
		end := i + 1
		doc.Blocks = append(doc.Blocks, domain.TextBlock{Text: text[start:end], Page: page, Start: start, End: end})
		page++
		start = end
	}
	if start < len(text) || len(doc.Blocks) == 0 {
		doc.Blocks = append(doc.Blocks, domain.TextBlock{Text: text[start:], Page: page, Start: start, End: len(text)})
	}
	return doc
}
