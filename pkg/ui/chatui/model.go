package chatui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/embedchat/pkg/connection"
	"github.com/go-go-golems/embedchat/pkg/session"
	"github.com/go-go-golems/embedchat/pkg/transport"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	statusStyles = map[connection.Status]lipgloss.Style{
		connection.StatusConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		connection.StatusConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		connection.StatusDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
)

type submitResultMsg struct{ err error }

type newChatResultMsg struct{ err error }

// Model is the bubbletea chat view: a scrolling transcript above a single
// input line.
type Model struct {
	ctrl   Controller
	bridge *Bridge

	snap   session.Snapshot
	input  textinput.Model
	view   viewport.Model
	notice string
	err    error

	width  int
	height int
}

func NewModel(ctrl Controller, bridge *Bridge) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message, Enter to send, Ctrl+N for a new chat"
	ti.Prompt = "> "
	ti.Focus()

	m := Model{
		ctrl:   ctrl,
		bridge: bridge,
		input:  ti,
		view:   viewport.New(80, 20),
		width:  80,
		height: 24,
	}
	if snap, ok := bridge.Latest(); ok {
		m.snap = snap
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.bridge.Wait())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()

	case SnapshotMsg:
		m.snap = session.Snapshot(msg)
		cmds = append(cmds, m.bridge.Wait())

	case submitResultMsg:
		m.err = nil
		m.notice = ""
		switch {
		case errors.Is(msg.err, transport.ErrNotConnected):
			m.notice = "not connected: message kept locally, send it again once connected"
		case msg.err != nil:
			m.err = msg.err
		}

	case newChatResultMsg:
		m.err = msg.err
		m.notice = "started a new chat"

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlN:
			cmds = append(cmds, m.newChat())
		case tea.KeyEnter:
			text := m.input.Value()
			if strings.TrimSpace(text) != "" {
				m.input.SetValue("")
				cmds = append(cmds, m.submit(text))
			}
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd, m.notifyInput(m.input.Value()))
		}

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.view.SetContent(m.renderTranscript())
	m.view.GotoBottom()
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.view.View(),
		m.renderFooter(),
		m.input.View(),
	)
}

func (m *Model) resize() {
	m.view.Width = m.width
	// header, footer and input take one line each
	m.view.Height = max(m.height-3, 1)
	m.input.Width = max(m.width-3, 1)
}

func (m Model) submit(text string) tea.Cmd {
	return func() tea.Msg { return submitResultMsg{err: m.ctrl.Submit(text)} }
}

func (m Model) newChat() tea.Cmd {
	return func() tea.Msg { return newChatResultMsg{err: m.ctrl.NewChat()} }
}

func (m Model) notifyInput(text string) tea.Cmd {
	if strings.TrimSpace(text) == "" || m.snap.Status != connection.StatusDisconnected {
		return nil
	}
	return func() tea.Msg {
		m.ctrl.NotifyInput(text)
		return nil
	}
}

func (m Model) renderHeader() string {
	name := m.snap.Agent.DisplayName()
	status := m.snap.Status
	if status == "" {
		status = connection.StatusDisconnected
	}
	return headerStyle.Render(name) + " " + statusStyles[status].Render(string(status))
}

func (m Model) renderFooter() string {
	switch {
	case m.err != nil:
		return errorStyle.Render("error: " + m.err.Error())
	case m.notice != "":
		return noticeStyle.Render(m.notice)
	case m.snap.Streaming:
		return noticeStyle.Render("assistant is typing…")
	case m.snap.Hydrating:
		return noticeStyle.Render("loading conversation…")
	case m.snap.ConversationID != "":
		return noticeStyle.Render("conversation " + m.snap.ConversationID)
	default:
		return ""
	}
}

func (m Model) renderTranscript() string {
	if len(m.snap.Messages) == 0 {
		return noticeStyle.Render("No messages yet.")
	}
	var sb strings.Builder
	for i, msg := range m.snap.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		label := userStyle.Render("You")
		if msg.Role == session.RoleAssistant {
			label = assistantStyle.Render("Assistant")
		}
		content := msg.Content
		if msg.ID == m.snap.OpenID {
			content += "▍"
		}
		fmt.Fprintf(&sb, "%s\n%s", label, lipgloss.NewStyle().Width(max(m.width, 20)).Render(content))
	}
	return sb.String()
}
