package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"policyqa/internal/domain"
)

const (
	DefaultMaxClauseChars = 800
	DefaultOverlapChars   = 160
)

var (
	sentenceEndRe = regexp.MustCompile(`[.!?]+["')\]]*\s+`)
	paragraphRe   = regexp.MustCompile(`\n[ \t\r]*\n\s*`)
)

// SentenceChunker packs sentences into clauses of bounded length with an
// optional sentence-aligned overlap between neighbours.
type SentenceChunker struct {
	maxChars     int
	overlapChars int
}

// NewSentenceChunker builds a segmenter. Non-positive maxChars falls back to
// the default; an overlap that would not leave room for progress is reduced.
func NewSentenceChunker(maxChars, overlapChars int) *SentenceChunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxClauseChars
	}
	if overlapChars < 0 {
		overlapChars = 0
	}
	if overlapChars >= maxChars {
		overlapChars = maxChars / 4
	}
	return &SentenceChunker{maxChars: maxChars, overlapChars: overlapChars}
}

// Segment is a convenience wrapper around NewSentenceChunker(...).Segment.
func Segment(document domain.Document, maxChars, overlapChars int) ([]domain.Clause, error) {
	return NewSentenceChunker(maxChars, overlapChars).Segment(document)
}

// unit is a sentence, or a piece of one, addressed by byte offsets into a block.
type unit struct {
	start, end int
	text       string // whitespace-collapsed
	runes      int
	paraStart  bool
}

// Segment splits every block of the document into clauses. Block and
// paragraph boundaries are never crossed.
func (c *SentenceChunker) Segment(document domain.Document) ([]domain.Clause, error) {
	var clauses []domain.Clause
	for _, block := range document.Blocks {
		units := c.units(block.Text)
		for _, cl := range c.pack(block, units) {
			cl.DocumentID = document.ID
			cl.Ordinal = len(clauses)
			cl.ID = domain.ClauseID(document.ID, cl.Ordinal)
			clauses = append(clauses, cl)
		}
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("segment document %q: %w", document.ID, domain.ErrEmptyInput)
	}
	return clauses, nil
}

func (c *SentenceChunker) units(text string) []unit {
	var out []unit
	for _, para := range spans(text, paragraphRe) {
		first := true
		for _, sent := range spans(text[para[0]:para[1]], sentenceEndRe) {
			s, e := para[0]+sent[0], para[0]+sent[1]
			for _, piece := range c.hardSplit(text, s, e) {
				norm := normalize(text[piece[0]:piece[1]])
				if norm == "" {
					continue
				}
				out = append(out, unit{
					start:     piece[0],
					end:       piece[1],
					text:      norm,
					runes:     utf8.RuneCountInString(norm),
					paraStart: first,
				})
				first = false
			}
		}
	}
	return out
}

// spans cuts text after every separator match and returns the trimmed,
// non-empty pieces as [start, end) byte offsets.
func spans(text string, sep *regexp.Regexp) [][2]int {
	var out [][2]int
	pos := 0
	add := func(s, e int) {
		for s < e {
			r, size := utf8.DecodeRuneInString(text[s:])
			if !unicode.IsSpace(r) {
				break
			}
			s += size
		}
		for e > s {
			r, size := utf8.DecodeLastRuneInString(text[:e])
			if !unicode.IsSpace(r) {
				break
			}
			e -= size
		}
		if s < e {
			out = append(out, [2]int{s, e})
		}
	}
	for _, loc := range sep.FindAllStringIndex(text, -1) {
		add(pos, loc[1])
		pos = loc[1]
	}
	add(pos, len(text))
	return out
}

// hardSplit breaks a sentence longer than maxChars at the last whitespace
// inside the bound, or mid-word when there is none.
func (c *SentenceChunker) hardSplit(text string, start, end int) [][2]int {
	var out [][2]int
	for start < end {
		if utf8.RuneCountInString(normalize(text[start:end])) <= c.maxChars {
			out = append(out, [2]int{start, end})
			break
		}
		cut, lastSpace, n := start, -1, 0
		for i, r := range text[start:end] {
			if n == c.maxChars {
				break
			}
			if unicode.IsSpace(r) && i > 0 {
				lastSpace = start + i
			}
			cut = start + i + utf8.RuneLen(r)
			n++
		}
		if lastSpace > start {
			cut = lastSpace
		}
		out = append(out, [2]int{start, cut})
		start = cut
		for start < end {
			r, size := utf8.DecodeRuneInString(text[start:])
			if !unicode.IsSpace(r) {
				break
			}
			start += size
		}
	}
	return out
}

func (c *SentenceChunker) pack(block domain.TextBlock, units []unit) []domain.Clause {
	var clauses []domain.Clause
	i := 0
	carried := 0 // units at the head of the current clause repeated from the previous one
	for i < len(units) {
		j := i
		length := units[i].runes
		for j+1 < len(units) {
			next := units[j+1]
			add := next.runes + len(sep(units[j], next))
			if length+add > c.maxChars {
				break
			}
			if next.paraStart {
				break
			}
			length += add
			j++
		}
		clauses = append(clauses, c.clause(block, units, i, j, carried))
		if j == len(units)-1 {
			break
		}
		// No overlap is carried into a new paragraph.
		k := j + 1
		if !units[k].paraStart {
			k = c.overlapStart(units, i, j)
		}
		carried = j + 1 - k
		i = k
	}
	return clauses
}

// overlapStart returns the first unit of the next clause: the earliest unit
// after i such that units k..j fit in the overlap window, or j+1. The window
// shrinks so that the repeated units plus unit j+1 still fit in one clause.
func (c *SentenceChunker) overlapStart(units []unit, i, j int) int {
	budget := c.overlapChars
	if room := c.maxChars - units[j+1].runes - 1; room < budget {
		budget = room
	}
	k := j + 1
	length := 0
	for m := j; m > i; m-- {
		add := units[m].runes
		if m < j {
			add += len(sep(units[m], units[m+1]))
		}
		if length+add > budget {
			break
		}
		length += add
		k = m
	}
	return k
}

func (c *SentenceChunker) clause(block domain.TextBlock, units []unit, i, j, carried int) domain.Clause {
	var b strings.Builder
	prefix := 0
	for m := i; m <= j; m++ {
		if m > i {
			b.WriteString(sep(units[m-1], units[m]))
		}
		if m == i+carried {
			prefix = utf8.RuneCountInString(b.String())
		}
		b.WriteString(units[m].text)
	}
	return domain.Clause{
		Text: b.String(),
		Span: domain.SourceSpan{
			Page:  block.Page,
			Start: block.Start + units[i].start,
			End:   block.Start + units[j].end,
		},
		OverlapPrefix: prefix,
	}
}

// sep is the separator between two consecutive units in clause text.
func sep(a, b unit) string {
	if b.start > a.end {
		return " "
	}
	return ""
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
