package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/store"
)

type focusArea int

const (
	focusInput focusArea = iota
	focusSessions
)

// Deps are the wired stores the chat surface renders and drives.
type Deps struct {
	Composed  *store.Composed
	Dirs      *store.DirectoryStore
	Msgs      *store.MessageStore
	Files     *store.FileStore
	Ctxs      *store.ContextStore
	Perms     *store.PermissionStore
	Bus       *store.Bus
	Directory string
}

type noticeMsg store.Notice

type sessionsLoadedMsg struct{ err error }

type sendDoneMsg struct{ err error }

type messagesLoadedMsg struct {
	sessionID string
	err       error
}

type revertDoneMsg struct{ err error }

const abortPromptWindow = 3 * time.Second

type MainModel struct {
	deps  Deps
	theme Theme

	width  int
	height int
	ready  bool

	focus  focusArea
	cursor int

	input   textarea.Model
	chatVP  viewport.Model
	spin    spinner.Model
	notices <-chan store.Notice

	statusErr string
}

func NewMainModel(deps Deps) *MainModel {
	ta := textarea.New()
	ta.Placeholder = "Message the agent. Enter sends, Alt+Enter queues."
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Prompt = "▍ "
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &MainModel{
		deps:    deps,
		theme:   DefaultTheme(),
		input:   ta,
		spin:    sp,
		notices: deps.Bus.Subscribe(),
	}
}

func (m *MainModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spin.Tick,
		m.waitNotice(),
		m.loadSessionsCmd(),
	)
}

func (m *MainModel) waitNotice() tea.Cmd {
	return func() tea.Msg {
		n, ok := <-m.notices
		if !ok {
			return nil
		}
		return noticeMsg(n)
	}
}

func (m *MainModel) loadSessionsCmd() tea.Cmd {
	deps := m.deps
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = deps.Composed.LoadAgents(ctx)
		_ = deps.Composed.LoadModels(ctx)
		if err := deps.Dirs.LoadSessions(ctx, deps.Directory); err != nil {
			return sessionsLoadedMsg{err: err}
		}
		return sessionsLoadedMsg{}
	}
}

func (m *MainModel) loadMessagesCmd(sessionID string) tea.Cmd {
	deps := m.deps
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := deps.Msgs.LoadMessages(ctx, deps.Dirs.DirectoryFor(sessionID), sessionID)
		return messagesLoadedMsg{sessionID: sessionID, err: err}
	}
}

func (m *MainModel) sendCmd(text string) tea.Cmd {
	deps := m.deps
	sessionID := deps.Composed.CurrentSessionID()
	return func() tea.Msg {
		parts, attachments, mention := deps.Composed.ComposeOutgoing(sessionID, text)
		err := deps.Composed.SendMessage(context.Background(), store.SendOptions{
			SessionID:   sessionID,
			Agent:       mention,
			Parts:       parts,
			Attachments: attachments,
		})
		return sendDoneMsg{err: err}
	}
}

func (m *MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(m.chatWidth() - 4)
		if !m.ready {
			m.chatVP = viewport.New(m.chatWidth(), m.chatHeight())
			m.ready = true
		} else {
			m.chatVP.Width = m.chatWidth()
			m.chatVP.Height = m.chatHeight()
		}
		m.refreshChat()
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case noticeMsg:
		m.applyNotice(store.Notice(msg))
		cmds = append(cmds, m.waitNotice())

	case sessionsLoadedMsg:
		if msg.err != nil {
			m.statusErr = msg.err.Error()
		} else {
			m.statusErr = ""
			if sid := m.deps.Composed.CurrentSessionID(); sid != "" {
				cmds = append(cmds, m.loadMessagesCmd(sid))
			}
		}
		m.refreshChat()

	case messagesLoadedMsg:
		if msg.err != nil {
			m.statusErr = msg.err.Error()
		}
		m.refreshChat()
		m.chatVP.GotoBottom()

	case sendDoneMsg:
		if msg.err != nil {
			m.statusErr = msg.err.Error()
		} else {
			m.statusErr = ""
		}

	case revertDoneMsg:
		if msg.err != nil {
			m.statusErr = msg.err.Error()
		} else {
			m.statusErr = ""
			if text, ok := m.deps.Composed.TakePendingInput(); ok {
				m.input.SetValue(text)
			}
			m.refreshChat()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.focus == focusInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	} else {
		var cmd tea.Cmd
		m.chatVP, cmd = m.chatVP.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *MainModel) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	current := m.deps.Composed.CurrentSessionID()

	// A pending permission takes over the keymap until answered.
	if perms := m.deps.Perms.Pending(current); len(perms) > 0 {
		switch msg.String() {
		case "1", "2", "3":
			reply := api.PermissionOnce
			if msg.String() == "2" {
				reply = api.PermissionAlways
			} else if msg.String() == "3" {
				reply = api.PermissionReject
			}
			perm := perms[0]
			deps := m.deps
			return func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := deps.Perms.Respond(ctx, perm.SessionID, perm.ID, reply); err != nil {
					return sendDoneMsg{err: err}
				}
				return sendDoneMsg{}
			}, true
		case "ctrl+c":
			return tea.Quit, true
		}
		return nil, true
	}

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true

	case "tab":
		if m.focus == focusInput {
			m.focus = focusSessions
			m.input.Blur()
		} else {
			m.focus = focusInput
			m.input.Focus()
		}
		return nil, true

	case "ctrl+n":
		m.deps.Composed.OpenDraft("", "")
		m.refreshChat()
		return nil, true

	case "esc":
		if m.deps.Composed.AbortPromptArmed() {
			m.deps.Composed.ClearAbortPrompt()
			return func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return sendDoneMsg{err: m.deps.Composed.AbortCurrentOperation(ctx)}
			}, true
		}
		if m.deps.Composed.Phase(current) == store.ActivityBusy {
			m.deps.Composed.ArmAbortPrompt(abortPromptWindow)
		}
		return nil, true

	case "enter":
		if m.focus == focusSessions {
			return m.selectCursorSession(), true
		}
		text := m.input.Value()
		if cmd, handled := m.slashCommand(text); handled {
			m.input.Reset()
			return cmd, true
		}
		if strings.TrimSpace(text) == "" && len(m.deps.Files.Files()) == 0 && len(m.deps.Composed.QueuedMessages(current)) == 0 {
			return nil, true
		}
		if current != "" && m.deps.Composed.Phase(current) == store.ActivityBusy {
			m.deps.Composed.QueueMessage(current, text, m.deps.Files.Take())
			m.input.Reset()
			return nil, true
		}
		m.input.Reset()
		return m.sendCmd(text), true

	case "alt+enter":
		if m.focus != focusInput {
			return nil, true
		}
		if current == "" {
			return nil, true
		}
		m.deps.Composed.QueueMessage(current, m.input.Value(), m.deps.Files.Take())
		m.input.Reset()
		return nil, true

	case "up", "k":
		if m.focus == focusSessions {
			if m.cursor > 0 {
				m.cursor--
			}
			return nil, true
		}

	case "down", "j":
		if m.focus == focusSessions {
			if m.cursor < len(m.deps.Dirs.Sessions())-1 {
				m.cursor++
			}
			return nil, true
		}

	case "pgup":
		if m.chatVP.AtTop() && current != "" && m.deps.Msgs.Memory(current).HasMoreAbove {
			deps := m.deps
			return func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				err := deps.Msgs.LoadMoreMessages(ctx, deps.Dirs.DirectoryFor(current), current, store.LoadUp, 0)
				return messagesLoadedMsg{sessionID: current, err: err}
			}, true
		}
	}
	return nil, false
}

// parseSlashCommand splits a composer line of the form "/name arg...".
func parseSlashCommand(text string) (name, arg string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
		return "", "", false
	}
	name, arg, _ = strings.Cut(strings.TrimPrefix(trimmed, "/"), " ")
	return name, strings.TrimSpace(arg), true
}

func (m *MainModel) slashCommand(text string) (tea.Cmd, bool) {
	name, arg, ok := parseSlashCommand(text)
	if !ok {
		return nil, false
	}
	deps := m.deps
	current := deps.Composed.CurrentSessionID()

	switch name {
	case "attach":
		if arg == "" {
			m.statusErr = "usage: /attach <path>"
			return nil, true
		}
		return func() tea.Msg {
			_, err := deps.Files.AttachLocal(arg)
			return sendDoneMsg{err: err}
		}, true

	case "revert":
		if current == "" {
			m.statusErr = "no session selected"
			return nil, true
		}
		return func() tea.Msg {
			var target string
			msgs := deps.Msgs.Messages(current)
			for i := len(msgs) - 1; i >= 0; i-- {
				if msgs[i].Info.Role == api.RoleUser {
					target = msgs[i].Info.ID
					break
				}
			}
			if target == "" {
				return revertDoneMsg{err: errors.New("no user message to revert to")}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return revertDoneMsg{err: deps.Composed.RevertToMessage(ctx, current, target)}
		}, true

	case "title":
		if current == "" || arg == "" {
			m.statusErr = "usage: /title <new title>"
			return nil, true
		}
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return sendDoneMsg{err: deps.Dirs.UpdateSessionTitle(ctx, current, arg)}
		}, true

	case "share", "unshare":
		if current == "" {
			m.statusErr = "no session selected"
			return nil, true
		}
		unshare := name == "unshare"
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			var err error
			if unshare {
				_, err = deps.Dirs.UnshareSession(ctx, current)
			} else {
				_, err = deps.Dirs.ShareSession(ctx, current)
			}
			return sendDoneMsg{err: err}
		}, true
	}

	m.statusErr = "unknown command: /" + name
	return nil, true
}

func (m *MainModel) selectCursorSession() tea.Cmd {
	sessions := m.deps.Dirs.Sessions()
	if m.cursor < 0 || m.cursor >= len(sessions) {
		return nil
	}
	sid := sessions[m.cursor].ID
	m.deps.Composed.SetCurrentSession(sid)
	m.focus = focusInput
	m.input.Focus()
	if text, ok := m.deps.Composed.TakePendingInput(); ok {
		m.input.SetValue(text)
	}
	m.refreshChat()
	if m.deps.Msgs.Memory(sid).IsZombie || len(m.deps.Msgs.Messages(sid)) == 0 {
		return m.loadMessagesCmd(sid)
	}
	return nil
}

func (m *MainModel) applyNotice(n store.Notice) {
	switch n.Topic {
	case store.TopicMessages, store.TopicSessions, store.TopicDraft, store.TopicActivity, store.TopicPermissions:
		m.refreshChat()
	}
}

func (m *MainModel) refreshChat() {
	if !m.ready {
		return
	}
	current := m.deps.Composed.CurrentSessionID()
	atBottom := m.chatVP.AtBottom()
	m.chatVP.SetContent(renderMessages(m.deps.Msgs.Messages(current), m.chatWidth(), m.theme))
	if atBottom {
		m.chatVP.GotoBottom()
	}
}

func (m *MainModel) sessionPaneWidth() int {
	w := m.width / 4
	if w < 20 {
		w = 20
	}
	if w > 40 {
		w = 40
	}
	return w
}

func (m *MainModel) chatWidth() int {
	w := m.width - m.sessionPaneWidth() - 2
	if w < 20 {
		w = 20
	}
	return w
}

func (m *MainModel) chatHeight() int {
	h := m.height - 7
	if h < 5 {
		h = 5
	}
	return h
}

func (m *MainModel) View() string {
	if !m.ready {
		return "loading…"
	}
	left := m.renderSessionPane()
	right := lipgloss.JoinVertical(lipgloss.Left,
		m.chatVP.View(),
		m.renderComposer(),
		m.renderStatus(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func (m *MainModel) renderSessionPane() string {
	width := m.sessionPaneWidth()
	sessions := m.deps.Dirs.Sessions()
	current := m.deps.Composed.CurrentSessionID()

	var lines []string
	if m.deps.Composed.DraftOpen() {
		lines = append(lines, m.theme.SessionActive.Width(width).Render("✎ new session"))
	}
	for i, sess := range sessions {
		marker := "  "
		if m.focus == focusSessions && i == m.cursor {
			marker = "▸ "
		}
		line := sessionLine(sess, sess.ID == current, m.deps.Msgs.Memory(sess.ID), m.deps.Composed.Phase(sess.ID), width-2, m.theme)
		lines = append(lines, marker+line)
	}
	if len(lines) == 0 {
		lines = append(lines, m.theme.SessionIdle.Render("no sessions"))
	}
	body := strings.Join(lines, "\n")
	return m.theme.PaneBorder.Height(m.chatHeight() + 5).Width(width).Render(body)
}

func (m *MainModel) renderComposer() string {
	current := m.deps.Composed.CurrentSessionID()
	if perms := m.deps.Perms.Pending(current); len(perms) > 0 {
		p := perms[0]
		return m.theme.PromptBar.Width(m.chatWidth()).Render(
			fmt.Sprintf(" %s — [1] allow once  [2] always  [3] reject", p.Title))
	}
	var extras []string
	if queued := m.deps.Composed.QueuedMessages(current); len(queued) > 0 {
		extras = append(extras, m.theme.QueueNotice.Render(fmt.Sprintf("%d queued", len(queued))))
	}
	if files := m.deps.Files.Files(); len(files) > 0 {
		extras = append(extras, m.theme.QueueNotice.Render(fmt.Sprintf("%d attachment(s)", len(files))))
	}
	box := m.theme.InputBorder.Width(m.chatWidth() - 2).Render(m.input.View())
	if len(extras) == 0 {
		return box
	}
	return lipgloss.JoinVertical(lipgloss.Left, strings.Join(extras, "  "), box)
}

func (m *MainModel) renderStatus() string {
	current := m.deps.Composed.CurrentSessionID()
	var parts []string

	if m.deps.Composed.AbortPromptArmed() {
		parts = append(parts, m.theme.PromptBar.Render(" esc again to abort "))
	}
	switch m.deps.Composed.Phase(current) {
	case store.ActivityBusy:
		parts = append(parts, m.theme.StatusBusy.Render(m.spin.View()+"working"))
	case store.ActivityCooldown:
		parts = append(parts, m.theme.StatusBar.Render("finishing…"))
	}
	if agent := m.deps.Ctxs.Agent(current); agent != "" {
		parts = append(parts, m.theme.StatusBar.Render("@"+agent))
	}
	if usage := formatUsage(m.deps.Ctxs.ComputeUsage(current, m.deps.Ctxs.Agent(current), m.deps.Msgs.Messages(current))); usage != "" {
		parts = append(parts, m.theme.StatusBar.Render(usage))
	}
	if m.statusErr != "" {
		parts = append(parts, m.theme.StatusErr.Render(truncate(m.statusErr, m.chatWidth()/2)))
	}
	if len(parts) == 0 {
		parts = append(parts, m.theme.StatusBar.Render("tab: sessions · ctrl+n: new · /attach /revert /title /share · esc: abort · ctrl+c: quit"))
	}
	return strings.Join(parts, "  ")
}
