package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"localrag/internal/domain"
	"localrag/internal/pipeline"
)

// Assistant is the TUI-facing subset of the wired application.
type Assistant interface {
	Answer(ctx context.Context, question string) (string, error)
	Ingest(ctx context.Context, paths []string) (*pipeline.IngestReport, error)
}

type answerMsg struct {
	answer string
	err    error
}

type ingestMsg struct {
	report *pipeline.IngestReport
	err    error
}

// Model is the Bubble Tea model for the chat application.
type Model struct {
	ctx        context.Context
	assistant  Assistant
	input      textinput.Model
	viewport   viewport.Model
	transcript []domain.ConversationTurn
	summary    string
	status     string
	busy       bool
	ready      bool
}

// New creates a chat model. summary is shown under the header until the next
// ingest replaces it.
func New(ctx context.Context, assistant Assistant, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question, /ingest <paths>, or exit"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:       ctx,
		assistant: assistant,
		input:     ti,
		viewport:  vp,
		summary:   summary,
		status:    "Ready. Type a question.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

// Transcript returns the conversation so far.
func (m Model) Transcript() []domain.ConversationTurn { return m.transcript }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, ch := chatBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header + summary, status, spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-ch)
		m.refresh()
		return m, nil
	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.transcript = append(m.transcript, domain.ConversationTurn{Role: domain.RoleAssistant, Content: msg.answer})
			m.status = "Ready."
		}
		m.refresh()
		return m, nil
	case ingestMsg:
		m.busy = false
		switch {
		case msg.err != nil:
			m.status = "Ingest failed: " + msg.err.Error()
		default:
			m.summary = msg.report.Summary
			m.status = fmt.Sprintf("Indexed %d chunks from %d documents", msg.report.Chunks, msg.report.Documents)
			if n := len(msg.report.Failures); n > 0 {
				m.status += fmt.Sprintf(" (%d files failed)", n)
			}
		}
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		if msg.Type == tea.KeyEnter {
			return m.submit()
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input.Value())
	if line == "" || m.busy {
		return m, nil
	}
	m.input.Reset()

	fields := strings.Fields(line)
	switch lower := strings.ToLower(line); {
	case lower == "exit" || lower == "quit":
		return m, tea.Quit
	case fields[0] == "/ingest":
		paths := fields[1:]
		if len(paths) == 0 {
			m.status = "Usage: /ingest <file|dir|glob> ..."
			return m, nil
		}
		m.busy = true
		m.status = "Processing documents..."
		return m, m.ingest(paths)
	}

	m.transcript = append(m.transcript, domain.ConversationTurn{Role: domain.RoleUser, Content: line})
	m.busy = true
	m.status = "Thinking..."
	m.refresh()
	return m, m.answer(line)
}

func (m Model) answer(q string) tea.Cmd {
	ctx, a := m.ctx, m.assistant
	return func() tea.Msg {
		out, err := a.Answer(ctx, q)
		return answerMsg{answer: out, err: err}
	}
}

func (m Model) ingest(paths []string) tea.Cmd {
	ctx, a := m.ctx, m.assistant
	return func() tea.Msg {
		report, err := a.Ingest(ctx, paths)
		return ingestMsg{report: report, err: err}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Local RAG Assistant")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	chat := chatBoxStyle.Render(m.viewport.View())
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	return header + "\n" + summary + "\n" + chat + "\n" + input + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(renderTranscript(m.transcript))
	m.viewport.GotoBottom()
}

var (
	chatBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

func renderTranscript(turns []domain.ConversationTurn) string {
	if len(turns) == 0 {
		return "No messages yet."
	}
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if t.Role == domain.RoleUser {
			sb.WriteString(userStyle.Render("You"))
		} else {
			sb.WriteString(assistantStyle.Render("Assistant"))
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(t.Content))
	}
	return sb.String()
}
