package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"policyqa/internal/decision"
	"policyqa/internal/resolver"
	"policyqa/internal/retriever"
	"policyqa/internal/service"
)

const askTimeout = 30 * time.Second

// Port is the TUI-facing subset of the session.
type Port interface {
	Ask(ctx context.Context, question string, opts retriever.Options) (service.Result, error)
}

type answerMsg struct {
	question string
	result   service.Result
	err      error
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	port     Port
	input    textinput.Model
	viewport viewport.Model
	title    string
	summary  string
	status   string
	result   *service.Result
	cursor   int // 0 is the answer, 1..n are the ranked matches
	busy     bool
	ready    bool
}

// New creates a new TUI model instance.
func New(port Port, title, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about the policy and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	return Model{
		port:     port,
		input:    ti,
		viewport: viewport.New(0, 0),
		title:    title,
		summary:  summary,
		status:   "Loaded. Ask a question.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header and summary, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.viewport.SetContent(m.render())
		return m, nil
	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.result = nil
		} else {
			m.result = &msg.result
			m.cursor = 0
			m.status = fmt.Sprintf("%d match(es) for %q", len(msg.result.Matches), msg.question)
		}
		m.viewport.SetContent(m.render())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Searching..."
			return m, m.ask(q)
		case "down", "up":
			if m.result == nil {
				break
			}
			n := len(m.result.Matches) + 1
			if msg.String() == "down" {
				m.cursor = (m.cursor + 1) % n
			} else {
				m.cursor = (m.cursor - 1 + n) % n
			}
			m.viewport.SetContent(m.render())
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(q string) tea.Cmd {
	port := m.port
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
		defer cancel()
		res, err := port.Ask(ctx, q, retriever.Options{})
		return answerMsg{question: q, result: res, err: err}
	}
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render(m.title)
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) render() string {
	if m.result == nil {
		return "No answer yet."
	}
	if m.cursor == 0 {
		return renderAnswer(*m.result)
	}
	match := m.result.Matches[m.cursor-1]
	title := fmt.Sprintf("Match %d/%d  %s  score=%.3f  %s",
		m.cursor, len(m.result.Matches), match.ClauseID, match.Score, match.Span)
	return title + "\n\n" + highlight(match.Text, m.result.Retrieval.Query)
}

func renderAnswer(r service.Result) string {
	a := r.Answer
	if a.NoAnswer {
		return mutedStyle.Render("No relevant clause found.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Answer  score=%.3f  confidence=%s  %s\n\n", a.Score, a.Confidence, a.Span)
	b.WriteString(highlight(a.Text, r.Retrieval.Query))
	if r.Query.Procedure != "" {
		fmt.Fprintf(&b, "\n\n%s %s\n%s", labelStyle.Render("Decision:"), verdictStyle(r.Decision.Verdict), r.Decision.Justification)
	}
	if len(r.Matches) > 1 {
		b.WriteString("\n\n" + mutedStyle.Render("up/down to browse alternatives"))
	}
	return b.String()
}

// highlight marks the sentence of text closest to the query.
func highlight(text, query string) string {
	best := resolver.BestSentence(text, query)
	if best == "" {
		return text
	}
	i := strings.Index(text, best)
	if i < 0 {
		return text
	}
	return text[:i] + highlightStyle.Render(best) + text[i+len(best):]
}

func verdictStyle(v decision.Verdict) string {
	color := lipgloss.Color("11")
	switch v {
	case decision.Approved:
		color = lipgloss.Color("10")
	case decision.Rejected:
		color = lipgloss.Color("9")
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true).Render(string(v))
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	labelStyle     = lipgloss.NewStyle().Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)
