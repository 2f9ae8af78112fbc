// Package ui is the terminal chat front end: a scrollable transcript of the
// session above a text area, with each submitted message sent as one turn.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/servitor/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Turner runs one chat turn on a session; *chat.Client implements it.
type Turner interface {
	Turn(ctx context.Context, session *conversation.Session, userText string) (string, error)
}

type State string

const (
	StateUserInput    State = "user_input"
	StateMovingAround State = "moving_around"
	StateWaiting      State = "waiting"
	StateError        State = "error"
)

type errMsg error

type turnDoneMsg struct {
	reply string
	err   error
}

type refreshMessageMsg struct {
	GoToBottom bool
}

type model struct {
	ctx     context.Context
	turner  Turner
	session *conversation.Session

	historyFile string
	title       string

	viewport viewport.Model
	textArea textarea.Model
	help     help.Model
	markdown *markdownRenderer

	// currently selected message, -1 when the session is empty
	selectedIdx int
	err         error
	keyMap      KeyMap

	style  *Style
	width  int
	height int

	pending    string
	cancelTurn context.CancelFunc

	state State
}

type Option func(*model)

// WithHistoryFile saves the session to path after every turn.
func WithHistoryFile(path string) Option {
	return func(m *model) {
		m.historyFile = path
	}
}

func WithTitle(title string) Option {
	return func(m *model) {
		m.title = title
	}
}

func InitialModel(ctx context.Context, turner Turner, session *conversation.Session, options ...Option) model {
	ret := model{
		ctx:      ctx,
		turner:   turner,
		session:  session,
		title:    "SERVITOR AT YOUR SERVICE:",
		style:    DefaultStyles(),
		keyMap:   DefaultKeyMap,
		viewport: viewport.New(0, 0),
		help:     help.New(),
		markdown: newMarkdownRenderer(0),
	}
	for _, o := range options {
		o(&ret)
	}

	ret.textArea = textarea.New()
	ret.textArea.Placeholder = "Ask something..."
	ret.textArea.ShowLineNumbers = false
	ret.textArea.Focus()
	ret.state = StateUserInput

	ret.selectedIdx = session.Len() - 1

	ret.viewport.SetContent(ret.messageView())
	ret.viewport.GotoBottom()

	ret.updateKeyBindings()

	return ret
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.Quit):
			if m.cancelTurn != nil {
				m.cancelTurn()
			}
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.CancelTurn):
			if m.cancelTurn != nil {
				m.cancelTurn()
			}
			return m, nil

		case key.Matches(msg, m.keyMap.DismissError):
			m.err = nil
			m.state = StateUserInput
			cmds = append(cmds, m.textArea.Focus())
			m.updateKeyBindings()
			m.recomputeSize()
			return m, tea.Batch(cmds...)

		case key.Matches(msg, m.keyMap.UnfocusMessage):
			m.textArea.Blur()
			m.state = StateMovingAround
			m.updateKeyBindings()
			m.refresh(false)
			return m, nil

		case key.Matches(msg, m.keyMap.FocusMessage):
			cmds = append(cmds, m.textArea.Focus())
			m.state = StateUserInput
			m.updateKeyBindings()
			m.refresh(true)
			return m, tea.Batch(cmds...)

		case key.Matches(msg, m.keyMap.SelectNextMessage):
			if m.selectedIdx < m.session.Len()-1 {
				m.selectedIdx++
			}
			m.refresh(false)
			return m, nil

		case key.Matches(msg, m.keyMap.SelectPrevMessage):
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
			m.refresh(false)
			return m, nil

		case key.Matches(msg, m.keyMap.SubmitMessage):
			return m, m.submit()

		case key.Matches(msg, m.keyMap.SaveToFile):
			if err := m.session.SaveToFile(m.historyFile); err != nil {
				return m, func() tea.Msg {
					return errMsg(err)
				}
			}
			return m, nil

		case key.Matches(msg, m.keyMap.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.recomputeSize()
			return m, nil

		default:
			switch m.state {
			case StateUserInput:
				m.textArea, cmd = m.textArea.Update(msg)
				cmds = append(cmds, cmd)
			case StateMovingAround, StateWaiting, StateError:
				m.viewport, cmd = m.viewport.Update(msg)
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h, _ := m.style.UnselectedMessage.GetFrameSize()
		m.markdown = newMarkdownRenderer(m.width - h)
		m.recomputeSize()

	case errMsg:
		m.setError(msg)
		return m, nil

	case turnDoneMsg:
		cmds = append(cmds, m.finishTurn(msg))

	case refreshMessageMsg:
		m.refresh(msg.GoToBottom)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *model) updateKeyBindings() {
	m.keyMap.SaveToFile.SetEnabled(m.historyFile != "")

	m.keyMap.SelectNextMessage.SetEnabled(m.state == StateMovingAround)
	m.keyMap.SelectPrevMessage.SetEnabled(m.state == StateMovingAround)
	m.keyMap.FocusMessage.SetEnabled(m.state == StateMovingAround)
	m.keyMap.UnfocusMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.SubmitMessage.SetEnabled(m.state == StateUserInput)

	m.keyMap.DismissError.SetEnabled(m.state == StateError)
	m.keyMap.CancelTurn.SetEnabled(m.state == StateWaiting)
}

// submit sends the text area content as a turn. The returned command blocks
// on the model and reports back with a turnDoneMsg.
func (m *model) submit() tea.Cmd {
	if m.state != StateUserInput {
		return nil
	}
	text := m.textArea.Value()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelTurn = cancel
	m.pending = text
	m.textArea.Reset()
	m.textArea.Blur()
	m.state = StateWaiting
	m.updateKeyBindings()
	m.recomputeSize()

	turner, session := m.turner, m.session
	return func() tea.Msg {
		reply, err := turner.Turn(ctx, session, text)
		return turnDoneMsg{reply: reply, err: err}
	}
}

func (m *model) finishTurn(msg turnDoneMsg) tea.Cmd {
	if m.cancelTurn != nil {
		m.cancelTurn()
		m.cancelTurn = nil
	}
	m.pending = ""
	m.selectedIdx = m.session.Len() - 1

	if m.historyFile != "" {
		if err := m.session.SaveToFile(m.historyFile); err != nil {
			log.Warn().Err(err).Str("file", m.historyFile).Msg("Could not save conversation")
		}
	}

	if msg.err != nil {
		if errors.Is(msg.err, context.Canceled) {
			msg.err = errors.New("request cancelled")
		}
		m.setError(msg.err)
		return nil
	}

	m.state = StateUserInput
	m.updateKeyBindings()
	m.recomputeSize()
	return m.textArea.Focus()
}

func (m *model) setError(err error) {
	m.err = err
	m.state = StateError
	m.textArea.Blur()
	m.updateKeyBindings()
	m.recomputeSize()
}

func (m *model) refresh(goToBottom bool) {
	m.viewport.SetContent(m.messageView())
	if goToBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) recomputeSize() {
	headerHeight := lipgloss.Height(m.headerView())
	textAreaHeight := lipgloss.Height(m.textAreaView())
	helpViewHeight := lipgloss.Height(m.help.View(m.keyMap))

	newHeight := m.height - textAreaHeight - headerHeight - helpViewHeight
	if newHeight < 0 {
		newHeight = 0
	}
	m.viewport.Width = m.width
	m.viewport.Height = newHeight
	m.viewport.YPosition = headerHeight + 1

	h, _ := m.style.FocusedMessage.GetFrameSize()
	m.textArea.SetWidth(m.width - h)

	m.refresh(true)
}

func (m model) headerView() string {
	return m.style.Header.Render(m.title)
}

func (m model) messageView() string {
	var sb strings.Builder
	h, _ := m.style.SelectedMessage.GetFrameSize()
	width := m.width - h

	for idx, turn := range m.session.Turns() {
		text := conversation.StripMarkers(turn.Text)
		if turn.Role == conversation.RoleAssistant {
			text = m.markdown.Render(text)
		} else {
			text = wrapWords(text, width)
		}
		v := m.style.Role.Render(fmt.Sprintf("[%s]", turn.Role)) + "\n" + text

		style := m.style.UnselectedMessage
		if idx == m.selectedIdx && m.state == StateMovingAround {
			style = m.style.SelectedMessage
		}
		if width > 0 {
			style = style.Width(width)
		}
		sb.WriteString(style.Render(v))
		sb.WriteString("\n")
	}

	return sb.String()
}

func (m model) textAreaView() string {
	h, _ := m.style.SelectedMessage.GetFrameSize()

	switch m.state {
	case StateError:
		msg := "error"
		if m.err != nil {
			msg = m.err.Error()
		}
		return m.style.ErrorMessage.Render(wrapWords(msg, m.width-h))
	case StateWaiting:
		return m.style.UnselectedMessage.Render(wrapWords(m.pending+"\n\nwaiting for the model...", m.width-h))
	case StateMovingAround:
		return m.style.UnselectedMessage.Render(m.textArea.View())
	case StateUserInput:
	}
	return m.style.FocusedMessage.Render(m.textArea.View())
}

func (m model) View() string {
	return m.headerView() + "\n" + m.viewport.View() + "\n" + m.textAreaView() + "\n" + m.help.View(m.keyMap)
}
