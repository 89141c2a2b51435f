// Package decision extracts claim details from a question and makes a
// rule-based coverage call from the retrieved clauses.
package decision

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"policyqa/internal/domain"
)

// Verdict is the outcome of a coverage check.
type Verdict string

const (
	Approved     Verdict = "Approved"
	Rejected     Verdict = "Rejected"
	Undetermined Verdict = "Undetermined"
)

const (
	quoteChars = 100
	// noAmount fills Decision.Amount; payable amounts are not computed.
	noAmount   = "N/A"
)

var (
	ageRe       = regexp.MustCompile(`(\d{1,3})[- ]?years?[- ]?old`)
	// A bare letter only counts right after an age, as in "46m" or "32 f".
	femaleRe    = regexp.MustCompile(`\b(female|woman)\b|\d\s*f\b`)
	maleRe      = regexp.MustCompile(`\b(male|man)\b|\d\s*m\b`)
	locationRe  = regexp.MustCompile(`\bin ([a-zA-Z][a-zA-Z\s]*)`)
	procedureRe = regexp.MustCompile(`, (.+?) in\b`)
	durationRe  = regexp.MustCompile(`(\d+)[- ]?(month|year)s?`)
)

// Query holds what could be read out of a free-text claim question.
type Query struct {
	Age            int    `json:"age,omitempty"`
	Gender         string `json:"gender,omitempty"`
	Procedure      string `json:"procedure,omitempty"`
	Location       string `json:"location,omitempty"`
	PolicyDuration string `json:"policy_duration,omitempty"`
	Original       string `json:"original_query"`
}

// ParseQuery pulls age, gender, procedure, location and policy age from q,
// e.g. "46-year-old male, knee surgery in Pune, 3-month-old policy".
func ParseQuery(q string) Query {
	lower := strings.ToLower(q)
	out := Query{Original: q}

	if m := ageRe.FindStringSubmatch(lower); m != nil {
		out.Age, _ = strconv.Atoi(m[1])
	}
	switch {
	case femaleRe.MatchString(lower):
		out.Gender = "female"
	case maleRe.MatchString(lower):
		out.Gender = "male"
	}
	if m := locationRe.FindStringSubmatch(q); m != nil {
		out.Location = strings.TrimSpace(m[1])
	}
	if m := procedureRe.FindStringSubmatch(q); m != nil {
		out.Procedure = strings.TrimSpace(m[1])
	}
	// The age also looks like a duration, so drop it first.
	if m := durationRe.FindStringSubmatch(ageRe.ReplaceAllString(lower, "")); m != nil {
		out.PolicyDuration = m[1] + " " + m[2]
		if m[1] != "1" {
			out.PolicyDuration += "s"
		}
	}
	return out
}

// Decision is the structured coverage answer.
type Decision struct {
	Verdict           Verdict  `json:"decision"`
	Amount            string   `json:"amount"`
	Justification     string   `json:"justification"`
	ApplicableClauses []string `json:"applicable_clauses"`
}

// Decide walks clauses in rank order. The first clause mentioning the
// procedure that says it is excluded or covered settles the verdict.
func Decide(q Query, clauses []domain.Clause) Decision {
	d := Decision{
		Verdict:           Undetermined,
		Amount:            noAmount,
		Justification:     "Insufficient context to confidently determine eligibility.",
		ApplicableClauses: []string{},
	}
	if q.Procedure == "" {
		return d
	}
	proc := strings.ToLower(q.Procedure)
	for _, c := range clauses {
		text := strings.ToLower(c.Text)
		if !strings.Contains(text, proc) {
			continue
		}
		d.ApplicableClauses = append(d.ApplicableClauses, c.ID)
		switch {
		case strings.Contains(text, "not covered") || strings.Contains(text, "excluded"):
			d.Verdict = Rejected
			d.Justification = fmt.Sprintf("Procedure appears to be excluded based on clause %s: %q", c.ID, quote(c.Text))
			return d
		case strings.Contains(text, "covered") || strings.Contains(text, "eligible"):
			d.Verdict = Approved
			d.Justification = fmt.Sprintf("Procedure seems eligible under clause %s: %q", c.ID, quote(c.Text))
			return d
		}
	}
	return d
}

func quote(s string) string {
	r := []rune(s)
	if len(r) <= quoteChars {
		return s
	}
	return string(r[:quoteChars]) + "..."
}
