// Package tui is the terminal front end of a chat session.
package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	chatModel "github.com/zhouzirui/streamchat/backend/internal/model/chat"
	"github.com/zhouzirui/streamchat/backend/internal/service/chat"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	panelStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

const (
	welcomeTitle = "Welcome to AI Chat!"
	welcomeHint  = "Enter your OpenAI API key in settings (ctrl+s) and start chatting."
)

// chrome is the number of rows around the viewport: title, status, input and help.
const chrome = 5

type sessionEventMsg struct{ event chat.Event }

type observerClosedMsg struct{}

// Options tunes the terminal model.
type Options struct {
	// MarkdownStyle is a glamour standard style name. Empty selects the style from the terminal background.
	MarkdownStyle string
}

// Model renders one session: transcript, streaming reply, input and the settings panel.
type Model struct {
	session *chat.Session
	events  <-chan chat.Event
	unsub   func()
	opts    Options

	viewport   viewport.Model
	input      textinput.Model
	credential textinput.Model
	spinner    spinner.Model
	renderer   *glamour.TermRenderer
	rendered   map[string]string

	snapshot chatModel.Snapshot
	width    int
	status   string
}

// New subscribes to session and builds the model.
func New(session *chat.Session, opts Options) *Model {
	input := textinput.New()
	input.Placeholder = "Type your message..."
	input.Prompt = "> "
	input.Focus()

	credential := textinput.New()
	credential.Placeholder = "sk-..."
	credential.Prompt = "API Key: "
	credential.EchoMode = textinput.EchoPassword
	credential.EchoCharacter = '•'

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle

	snapshot, events, unsub := session.SubscribeWithSnapshot()
	m := &Model{
		session:    session,
		events:     events,
		unsub:      unsub,
		opts:       opts,
		viewport:   viewport.New(80, 20),
		input:      input,
		credential: credential,
		spinner:    sp,
		rendered:   make(map[string]string),
		snapshot:   snapshot,
		width:      80,
	}
	m.renderer = m.newRenderer(80)
	m.refresh(true)
	return m
}

func waitForEvent(ch <-chan chat.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return observerClosedMsg{}
		}
		return sessionEventMsg{event: ev}
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForEvent(m.events))
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case sessionEventMsg:
		m.snapshot = m.session.Snapshot()
		scroll := msg.event.Type == chat.EventTurn || msg.event.Type == chat.EventFragment
		m.refresh(scroll)
		return m, waitForEvent(m.events)

	case observerClosedMsg:
		select {
		case <-m.session.Done():
			return m, tea.Quit
		default:
		}
		// 落后太多被断开，重新订阅并以快照补齐
		m.snapshot, m.events, m.unsub = m.session.SubscribeWithSnapshot()
		m.refresh(true)
		return m, waitForEvent(m.events)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		model, cmd := m.handleKey(msg)
		m.snapshot = m.session.Snapshot()
		m.refresh(false)
		return model, cmd
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.unsub()
		return m, tea.Quit

	case tea.KeyCtrlS:
		m.session.ToggleSettings()
		return m, m.syncFocus(!m.snapshot.SettingsVisible)

	case tea.KeyEsc:
		if m.credential.Focused() {
			m.session.SetSettingsVisible(false)
			return m, m.syncFocus(false)
		}
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyEnter:
		if m.credential.Focused() {
			m.session.SetCredential(m.credential.Value())
			m.session.SetSettingsVisible(false)
			m.status = "API key saved"
			return m, m.syncFocus(false)
		}
		return m, m.submit()
	}

	var cmd tea.Cmd
	if m.credential.Focused() {
		m.credential, cmd = m.credential.Update(msg)
		return m, cmd
	}
	m.input, cmd = m.input.Update(msg)
	m.session.SetInput(m.input.Value())
	return m, cmd
}

func (m *Model) submit() tea.Cmd {
	err := m.session.Submit(m.input.Value())
	switch {
	case err == nil:
		m.input.SetValue("")
		m.status = ""
		return m.spinner.Tick
	case errors.Is(err, chat.ErrCredentialMissing):
		m.status = "Set your API key first"
		m.session.SetSettingsVisible(true)
		return m.syncFocus(true)
	case errors.Is(err, chat.ErrEmptyMessage):
		return nil
	default:
		m.status = err.Error()
		return nil
	}
}

// syncFocus moves focus between the message and credential inputs.
func (m *Model) syncFocus(settings bool) tea.Cmd {
	if settings {
		m.input.Blur()
		return m.credential.Focus()
	}
	m.credential.Blur()
	m.credential.SetValue("")
	return m.input.Focus()
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.viewport.Width = width
	m.viewport.Height = max(height-chrome, 3)
	m.input.Width = max(width-4, 10)
	m.credential.Width = max(width-16, 10)

	m.renderer = m.newRenderer(width)
	m.rendered = make(map[string]string)
	m.refresh(true)
}

func (m *Model) newRenderer(width int) *glamour.TermRenderer {
	styleOpt := glamour.WithAutoStyle()
	if m.opts.MarkdownStyle != "" {
		styleOpt = glamour.WithStandardStyle(m.opts.MarkdownStyle)
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(max(width-2, 20)))
	if err != nil {
		log.Warn().Err(err).Msg("[tui] markdown renderer unavailable")
		return nil
	}
	return r
}

func (m *Model) markdown(turn chatModel.Turn) string {
	if out, ok := m.rendered[turn.ID]; ok {
		return out
	}
	out := turn.Content
	if m.renderer != nil {
		if r, err := m.renderer.Render(turn.Content); err == nil {
			out = strings.TrimRight(r, "\n")
		}
	}
	m.rendered[turn.ID] = out
	return out
}

// refresh rebuilds the transcript; scroll jumps to the latest content.
func (m *Model) refresh(scroll bool) {
	var b strings.Builder
	if len(m.snapshot.Turns) == 0 && m.snapshot.Streaming == "" {
		b.WriteString(titleStyle.Render(welcomeTitle))
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(welcomeHint))
	}
	for _, turn := range m.snapshot.Turns {
		if turn.Role == chatModel.RoleUser {
			b.WriteString(userStyle.Render("You"))
			b.WriteString(statusStyle.Render(" " + formatTime(turn.Timestamp)))
			b.WriteString("\n")
			b.WriteString(turn.Content)
		} else {
			b.WriteString(assistantStyle.Render("AI"))
			b.WriteString(statusStyle.Render(" " + formatTime(turn.Timestamp)))
			b.WriteString("\n")
			b.WriteString(m.markdown(turn))
		}
		b.WriteString("\n\n")
	}
	if m.snapshot.Streaming != "" {
		b.WriteString(assistantStyle.Render("AI"))
		b.WriteString("\n")
		b.WriteString(m.snapshot.Streaming)
	}

	m.viewport.SetContent(b.String())
	if scroll {
		m.viewport.GotoBottom()
	}
}

// formatTime renders a turn time as local HH:MM.
func formatTime(t time.Time) string {
	return t.Local().Format("15:04")
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Chat · " + m.snapshot.Model))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case m.snapshot.Loading:
		b.WriteString(m.spinner.View() + statusStyle.Render(" AI is typing..."))
	case m.status != "":
		b.WriteString(errorStyle.Render(m.status))
	}
	b.WriteString("\n")

	if m.snapshot.SettingsVisible {
		b.WriteString(panelStyle.Render(m.credential.View()))
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")

	key := "not set"
	if m.snapshot.CredentialSet {
		key = "set"
	}
	b.WriteString(statusStyle.Render("enter send · ctrl+s settings (API key " + key + ") · pgup/pgdn scroll · ctrl+c quit"))
	return b.String()
}
