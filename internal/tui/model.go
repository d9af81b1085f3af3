package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const requestTimeout = 10 * time.Second

// API is the subset of the agentroom API the model drives.
type API interface {
	CreateSession(ctx context.Context, meetingID string) (*SessionView, error)
	GetSession(ctx context.Context, id string) (*SessionView, error)
	Command(ctx context.Context, id, command string) (*SessionView, error)
}

// relayLinker is implemented by APIs that can hand a session to the browser
// relay page.
type relayLinker interface {
	RelayLink(sessionID string) string
}

// Messages
type sessionMsg struct {
	op      string
	session *SessionView
	err     error
}

type tickMsg time.Time

// Model is the root Bubble Tea model.
type Model struct {
	api          API
	meetingID    string
	sessionID    string
	pollInterval time.Duration

	session *SessionView
	err     error
	hint    string

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	width   int
}

// NewModel creates the model. With an empty sessionID the first connect
// creates a session for meetingID, or for a new room when meetingID is empty.
func NewModel(api API, meetingID, sessionID string, pollInterval time.Duration) Model {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorYellow)

	return Model{
		api:          api,
		meetingID:    meetingID,
		sessionID:    sessionID,
		pollInterval: pollInterval,
		keys:         DefaultKeyMap(),
		help:         help.New(),
		spinner:      sp,
	}
}

// Init starts polling and loads an existing session.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.tickCmd()}
	if m.sessionID != "" {
		cmds = append(cmds, m.fetchCmd())
	}
	return tea.Batch(cmds...)
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	api, id := m.api, m.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s, err := api.GetSession(ctx, id)
		return sessionMsg{op: "refresh", session: s, err: err}
	}
}

func (m Model) createCmd() tea.Cmd {
	api, meetingID := m.api, m.meetingID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s, err := api.CreateSession(ctx, meetingID)
		return sessionMsg{op: "create", session: s, err: err}
	}
}

func (m Model) commandCmd(command string) tea.Cmd {
	api, id := m.api, m.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s, err := api.Command(ctx, id, command)
		return sessionMsg{op: command, session: s, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case sessionMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %w", msg.op, msg.err)
			return m, nil
		}
		m.err = nil
		m.session = msg.session
		if msg.session != nil {
			m.sessionID = msg.session.ID
			m.meetingID = msg.session.MeetingID
		}
		return m, nil

	case tickMsg:
		if m.sessionID == "" {
			return m, m.tickCmd()
		}
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.hint = ""
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Connect):
		if m.sessionID == "" {
			return m, m.createCmd()
		}
		return m, m.commandCmd(CommandConnect)
	}

	if m.sessionID == "" {
		m.hint = "Press c to connect first"
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Disconnect):
		return m, m.commandCmd(CommandDisconnect)
	case key.Matches(msg, m.keys.Retry):
		if m.session == nil || !m.session.CanRetry {
			m.hint = "Nothing to retry"
			return m, nil
		}
		return m, m.commandCmd(CommandRetry)
	case key.Matches(msg, m.keys.Mic):
		return m, m.commandCmd(CommandMic)
	case key.Matches(msg, m.keys.Invite):
		return m, m.commandCmd(CommandInvite)
	}
	return m, nil
}

// View renders the session panel.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("agentroom"))
	b.WriteString("\n\n")

	if m.session == nil {
		b.WriteString(PanelStyle.Render(ValueStyle.Render("No session. Press c to connect.")))
	} else {
		b.WriteString(PanelStyle.Render(m.renderSession(m.session)))
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(ErrorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.hint != "" {
		b.WriteString(HintStyle.Render(m.hint))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderSession(s *SessionView) string {
	status := statusStyle(s.Status).Render(string(s.Status))
	if s.Status == domain.StatusConnecting && !s.Phase.Terminal() {
		status = m.spinner.View() + status
	}

	rows := []string{
		row("Meeting", s.MeetingID),
		row("Session", s.ID),
		row("Phase", string(s.Phase)),
		LabelStyle.Render("Status") + status,
		row("Retries", fmt.Sprintf("%d", s.RetryCount)),
		row("Mic", onOff(s.MicEnabled)),
		row("Agent", agentLabel(s.Session)),
	}
	if s.LastError != nil {
		rows = append(rows, LabelStyle.Render("Error")+ErrorStyle.Render(fmt.Sprintf("%s (%s)", s.LastError.Message, s.LastError.Kind)))
	}
	if s.AgentError != nil {
		rows = append(rows, LabelStyle.Render("Agent error")+ErrorStyle.Render(s.AgentError.Message))
	}
	if linker, ok := m.api.(relayLinker); ok && s.RelayURL != "" {
		rows = append(rows, row("Relay", linker.RelayLink(s.ID)))
	}
	if s.CanRetry {
		rows = append(rows, HintStyle.Render("Press r to retry"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func row(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func agentLabel(s domain.Session) string {
	switch {
	case s.AgentSpeaking:
		return "speaking"
	case s.Invitation.Joined:
		return "in meeting"
	case s.Invitation.Invited:
		return "invited"
	default:
		return "not invited"
	}
}
