// Package tui is a terminal front end that drives a single agent run.
//
// Commands:
//
//	<goal>    - Start a run with the selected model
//	<message> - While a run is active, steer it at the next turn
//	Esc       - Cancel the active run or quit
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/evo/pkg/agent"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	functionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

// Starter creates a run for a goal using the named model. The returned
// release func, if any, is called once the run is done.
type Starter func(ctx context.Context, goal, modelName string) (run *agent.Run, release func(), err error)

// Options configures the terminal UI.
type Options struct {
	Models []string
	Start  Starter
	Logger *slog.Logger
}

type state int

const (
	stateSelectingModel state = iota
	stateGoal
	stateRunning
	stateConfirmExit
)

type errMsg struct{ err error }
type stepMsg struct{ step agent.Step }
type resultMsg struct{ result agent.Result }

// activeRun is the run currently being driven by a background goroutine.
type activeRun struct {
	events  chan tea.Msg
	steer   chan string
	cancel  context.CancelFunc
	release func()
}

// Model is the bubbletea model.
type Model struct {
	ctx   context.Context
	opts  Options
	log   *slog.Logger
	state state

	modelName  string
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer

	run   *activeRun
	lines []string
}

// New returns the initial UI model. With a single model the selection
// screen is skipped.
func New(ctx context.Context, opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Describe a goal..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Enter a goal to start.")

	// "light" avoids terminal queries that leak into the input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := Model{
		ctx:      ctx,
		opts:     opts,
		log:      log,
		state:    stateSelectingModel,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
	if len(opts.Models) == 1 {
		m.modelName = opts.Models[0]
		m.state = stateGoal
	}
	return m
}

// Run starts the program and blocks until the user quits.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(New(ctx, opts), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while it is in use.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateGoal || m.state == stateRunning {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(msg.Height-m.textarea.Height()-2, 0)
		m.viewport.YPosition = 2
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		if m.cursor >= m.listOffset+m.maxViewable() {
			m.listOffset = m.cursor - m.maxViewable() + 1
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			switch {
			case m.state == stateConfirmExit:
				m.state = stateRunning
				return m, nil
			case m.run != nil:
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateSelectingModel:
				if len(m.opts.Models) > 0 {
					m.modelName = m.opts.Models[m.cursor]
					m.state = stateGoal
				}
			case stateGoal:
				m.err = nil
				return m.startRun()
			case stateRunning:
				m.err = nil
				return m.steer()
			}
		case tea.KeyUp:
			if m.state == stateSelectingModel && m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			if m.state == stateSelectingModel && m.cursor < len(m.opts.Models)-1 {
				m.cursor++
				if m.cursor >= m.listOffset+m.maxViewable() {
					m.listOffset = m.cursor - m.maxViewable() + 1
				}
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					m.run.cancel()
					return m, tea.Quit
				case "n", "N":
					m.state = stateRunning
				}
			}
		}

	case stepMsg:
		m.appendLine(m.renderStep(msg.step))
		if m.run != nil {
			cmds = append(cmds, waitForEvent(m.run.events))
		}

	case resultMsg:
		m.appendLine(renderResult(msg.result))
		if m.run != nil {
			m.run.cancel()
			m.run = nil
		}
		m.state = stateGoal
		m.textarea.Placeholder = "Describe another goal..."

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m Model) maxViewable() int {
	return max(m.height-7, 1)
}

func (m Model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateSelectingModel:
		header := titleStyle.Render("Select Model")
		end := min(m.listOffset+m.maxViewable(), len(m.opts.Models))
		var optionsView []string
		for i := m.listOffset; i < end; i++ {
			choice := m.opts.Models[i]
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}
		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateConfirmExit:
		return lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Confirm Exit"),
			"",
			"Cancel the active run and quit? (y/n)",
			errorView,
		)
	}

	title := "evo · " + m.modelName
	if m.state == stateRunning {
		title += " · running"
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(title),
		"",
		m.viewport.View(),
		"",
		errorView,
		m.textarea.View(),
	)
}

func (m Model) startRun() (Model, tea.Cmd) {
	goal := strings.TrimSpace(m.textarea.Value())
	if goal == "" {
		return m, nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	run, release, err := m.opts.Start(ctx, goal, m.modelName)
	if err != nil {
		cancel()
		return m, func() tea.Msg { return errMsg{err} }
	}
	m.run = &activeRun{
		events:  make(chan tea.Msg, 16),
		steer:   make(chan string, 16),
		cancel:  cancel,
		release: release,
	}
	go drive(ctx, run, m.run, m.log)

	m.textarea.Reset()
	m.textarea.Placeholder = "Steer the run..."
	m.state = stateRunning
	m.lines = nil
	m.appendLine(userStyle.Render("Goal: ") + goal)
	return m, waitForEvent(m.run.events)
}

func (m Model) steer() (Model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" || m.run == nil {
		return m, nil
	}
	select {
	case m.run.steer <- v:
	default:
		return m, func() tea.Msg { return errMsg{fmt.Errorf("too many pending steering messages")} }
	}
	m.textarea.Reset()
	m.appendLine(userStyle.Render("User: ") + v)
	return m, nil
}

func (m *Model) appendLine(s string) {
	m.lines = append(m.lines, s)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) renderStep(step agent.Step) string {
	switch step.Kind {
	case agent.StepMessage:
		content := step.Text
		if m.renderer != nil {
			if rendered, err := m.renderer.Render(step.Text); err == nil {
				content = rendered
			}
		}
		return senderStyle.Render("AI:") + "\n" + content
	case agent.StepFunction:
		var sb strings.Builder
		if step.Call != nil {
			args, _ := json.Marshal(step.Call.Arguments)
			sb.WriteString(functionStyle.Render(fmt.Sprintf("[%s %s]", step.Call.Name, args)))
		}
		if step.Outcome != nil {
			status := okStyle.Render("ok")
			if !step.Outcome.OK {
				status = failStyle.Render("failed")
			}
			sb.WriteString("\n" + status + " " + step.Outcome.Text())
		}
		return sb.String()
	}
	return ""
}

func renderResult(res agent.Result) string {
	if res.OK {
		return okStyle.Bold(true).Render("Done: ") + res.Message
	}
	return failStyle.Bold(true).Render("Stopped: ") + res.Message
}

// drive advances run until it is done, forwarding steps and the result.
// Steering messages are consumed only between turns.
func drive(ctx context.Context, run *agent.Run, ar *activeRun, log *slog.Logger) {
	defer close(ar.events)
	for {
		var steer string
		select {
		case steer = <-ar.steer:
		default:
		}
		step, ok := run.Next(ctx, steer)
		if !ok {
			break
		}
		select {
		case ar.events <- stepMsg{step}:
		case <-ctx.Done():
		}
	}
	res, _ := run.Result()
	log.Info("Run finished", "ok", res.OK, "state", run.State())
	if ar.release != nil {
		ar.release()
	}
	select {
	case ar.events <- resultMsg{res}:
	case <-ctx.Done():
	}
}

func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
