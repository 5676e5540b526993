// Package tui is an interactive terminal client for one harness thread.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/holon-run/harness/pkg/protocol"
	"github.com/holon-run/harness/pkg/timeline"
)

// Caller issues requests to a harness.
type Caller interface {
	Call(ctx context.Context, method string, params, result interface{}) error
}

// App is the TUI application state
type App struct {
	caller Caller
	title  string
	notes  chan protocol.Payload
	stop   chan struct{}
	once   sync.Once

	view     *timeline.State
	threadID string
	turnID   string
	err      error
	quitting bool
	// answered holds approvals replied to whose item has not completed yet.
	answered map[string]bool

	input    textinput.Model
	viewport viewport.Model
	ready    bool
}

// NewApp creates a new TUI application. Feed notifications from the
// harness to Notify.
func NewApp(caller Caller, title string) *App {
	input := textinput.New()
	input.Placeholder = "Ask the agent..."
	input.Prompt = "> "
	input.CharLimit = 4096
	input.Focus()

	return &App{
		caller:   caller,
		title:    title,
		notes:    make(chan protocol.Payload, 256),
		stop:     make(chan struct{}),
		view:     timeline.New(),
		answered: make(map[string]bool),
		input:    input,
		viewport: viewport.New(80, 20),
	}
}

// Notify hands a wire notification to the program. It is safe to call
// from the client's reader goroutine.
func (a *App) Notify(method string, params json.RawMessage) {
	p, err := protocol.DecodePayload(method, params)
	if err != nil {
		return
	}
	select {
	case a.notes <- p:
	case <-a.stop:
	}
}

// Close makes further Notify calls return without delivering.
func (a *App) Close() {
	a.once.Do(func() { close(a.stop) })
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("cyan")).
			Bold(true).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Padding(0, 1)

	approvalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("magenta")).
			Bold(true).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)

	userMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("blue"))

	reasoningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Italic(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow"))
)

// Messages
type threadCreatedMsg struct {
	thread protocol.Thread
	err    error
}

type turnStartedMsg struct {
	turnID string
	err    error
}

type notificationMsg struct {
	payload protocol.Payload
}

// requestDoneMsg reports the outcome of a request whose result is carried
// by notifications.
type requestDoneMsg struct {
	method string
	err    error
}

// Init initializes the application
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.createThreadCmd(),
		a.waitForNotification(),
	)
}

// Update handles messages and updates state
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.viewport.Width = msg.Width
		a.viewport.Height = msg.Height - 5
		if a.viewport.Height < 0 {
			a.viewport.Height = 0
		}
		a.input.Width = msg.Width - 4
		a.ready = true
		a.refresh()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case threadCreatedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.threadID = msg.thread.ThreadID
		a.view.ApplyPayload(&protocol.ThreadCreated{
			Header:   protocol.Header{Notification: protocol.NotificationThreadCreated, Timestamp: msg.thread.Time.Created},
			ThreadID: msg.thread.ThreadID,
			Title:    msg.thread.Title,
		})
		return a, nil

	case turnStartedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.err = nil
		// The turn may have ended before turn.start answered.
		if _, done := a.view.Turns[msg.turnID]; !done {
			a.turnID = msg.turnID
		}
		return a, nil

	case notificationMsg:
		a.view.ApplyPayload(msg.payload)
		if a.turnID != "" {
			if _, done := a.view.Turns[a.turnID]; done {
				a.turnID = ""
			}
		}
		a.refresh()
		return a, a.waitForNotification()

	case requestDoneMsg:
		if msg.err != nil {
			a.err = fmt.Errorf("%s: %w", msg.method, msg.err)
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		a.quitting = true
		return a, tea.Quit

	case tea.KeyEsc:
		if a.turnID != "" {
			return a, a.cancelTurnCmd()
		}
		return a, nil

	case tea.KeyEnter:
		text := strings.TrimSpace(a.input.Value())
		if text == "" || a.threadID == "" || a.turnID != "" {
			return a, nil
		}
		a.input.Reset()
		return a, a.startTurnCmd(text)

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	// A pending approval takes single-key answers instead of text.
	if req, ok := a.nextApproval(); ok && msg.Type == tea.KeyRunes && len(msg.Runes) == 1 {
		var decision protocol.Decision
		switch msg.Runes[0] {
		case 'o', 'y':
			decision = protocol.DecisionOnce
		case 'a':
			decision = protocol.DecisionAlways
		case 'r', 'n':
			decision = protocol.DecisionReject
		default:
			return a, nil
		}
		a.answered[req.RequestID] = true
		return a, a.respondCmd(req.RequestID, decision)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// nextApproval returns the oldest unanswered approval of the thread.
func (a *App) nextApproval() (timeline.PendingApproval, bool) {
	var pending []timeline.PendingApproval
	for _, p := range a.view.PendingApprovals {
		if p.ThreadID == a.threadID && !a.answered[p.RequestID] {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return timeline.PendingApproval{}, false
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ItemID < pending[j].ItemID })
	return pending[0], true
}

func (a *App) refresh() {
	a.viewport.SetContent(a.renderTimeline())
	a.viewport.GotoBottom()
}

// View renders the UI
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}
	if !a.ready {
		return "Starting harness...\n"
	}

	var b strings.Builder
	b.WriteString(a.renderHeader())
	b.WriteString("\n")
	b.WriteString(a.viewport.View())
	b.WriteString("\n")
	if req, ok := a.nextApproval(); ok {
		b.WriteString(approvalStyle.Render(fmt.Sprintf("allow %s %s? [o]nce [a]lways [r]eject", req.Permission, strings.Join(req.Patterns, " "))))
	} else {
		b.WriteString(a.input.View())
	}
	b.WriteString("\n")
	b.WriteString(a.renderHelp())
	return b.String()
}

func (a *App) renderHeader() string {
	header := titleStyle.Render("harness")
	switch {
	case a.view.Status == timeline.StatusError:
		return header + errorStyle.Render(a.view.Banner)
	case a.err != nil:
		return header + errorStyle.Render(a.err.Error())
	case a.threadID == "":
		return header + statusStyle.Render("creating thread...")
	case a.turnID != "":
		return header + statusStyle.Render(fmt.Sprintf("%s | turn %s running", a.threadID, a.turnID))
	default:
		return header + statusStyle.Render(a.threadID)
	}
}

func (a *App) renderTimeline() string {
	items := a.view.Timelines[a.threadID]
	if len(items) == 0 {
		return helpStyle.Render("No messages yet")
	}
	var b strings.Builder
	for _, it := range items {
		if line := renderItem(it); line != "" {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderItem(it *timeline.Item) string {
	switch data := it.Data.(type) {
	case protocol.UserMessageData:
		var parts []string
		for _, p := range data.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return userMsgStyle.Render("you: " + strings.Join(parts, " "))
	case protocol.AssistantMessageData:
		if data.Reasoning {
			return reasoningStyle.Render(it.Content)
		}
		return it.Content
	case protocol.ToolExecData:
		mark := "▸"
		switch {
		case data.Status == protocol.ToolCompleted:
			mark = "✓"
		case data.Status == protocol.ToolError:
			return errorStyle.Render("✗ " + data.Tool + " " + data.Error)
		}
		return toolStyle.Render(mark + " " + data.Tool)
	case protocol.ApprovalData:
		if data.Reply == "" {
			return approvalStyle.Render("? " + data.Permission)
		}
		return approvalStyle.Render(fmt.Sprintf("%s %s", data.Permission, data.Reply))
	}
	return ""
}

func (a *App) renderHelp() string {
	help := "[Enter] Send | [Esc] Cancel turn | [PgUp/PgDn] Scroll | [Ctrl+C] Quit"
	return helpStyle.Render(help)
}

// Commands
func (a *App) waitForNotification() tea.Cmd {
	return func() tea.Msg {
		select {
		case p := <-a.notes:
			return notificationMsg{payload: p}
		case <-a.stop:
			return nil
		}
	}
}

func (a *App) createThreadCmd() tea.Cmd {
	title := a.title
	return func() tea.Msg {
		var res protocol.ThreadCreateResult
		err := a.caller.Call(context.Background(), protocol.MethodThreadCreate, protocol.ThreadCreateParams{Title: title}, &res)
		return threadCreatedMsg{thread: res.Thread, err: err}
	}
}

func (a *App) startTurnCmd(text string) tea.Cmd {
	threadID := a.threadID
	return func() tea.Msg {
		var res protocol.TurnStartResult
		err := a.caller.Call(context.Background(), protocol.MethodTurnStart, protocol.TurnStartParams{
			ThreadID: threadID,
			Input:    []protocol.InputPart{{Type: protocol.InputText, Text: text}},
		}, &res)
		return turnStartedMsg{turnID: res.TurnID, err: err}
	}
}

func (a *App) cancelTurnCmd() tea.Cmd {
	threadID := a.threadID
	return func() tea.Msg {
		err := a.caller.Call(context.Background(), protocol.MethodTurnCancel, protocol.TurnCancelParams{ThreadID: threadID}, nil)
		return requestDoneMsg{method: protocol.MethodTurnCancel, err: err}
	}
}

func (a *App) respondCmd(requestID string, decision protocol.Decision) tea.Cmd {
	return func() tea.Msg {
		err := a.caller.Call(context.Background(), protocol.MethodApprovalRespond, protocol.ApprovalRespondParams{
			RequestID: requestID,
			Decision:  decision,
		}, nil)
		return requestDoneMsg{method: protocol.MethodApprovalRespond, err: err}
	}
}
