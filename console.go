package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ── Key Bindings ────────────────────────────────────────────────────────────

type keyMap struct {
	Quit key.Binding
	Test key.Binding
	BCC  key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Test: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "send test")),
		BCC:  key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "toggle bcc")),
	}
}

func (k keyMap) ShortHelp() []key.Binding  { return []key.Binding{k.Quit, k.Test, k.BCC} }
func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

// ── Model ───────────────────────────────────────────────────────────────────

type statusMsg Status

type tickMsg time.Time

type logLineMsg string

type consoleModel struct {
	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	status   Status
	now      time.Time
	commands chan<- Command
	cancel   context.CancelFunc
	quitting bool
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stateStyle  = lipgloss.NewStyle().Bold(true)
	waitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	countsStyle = lipgloss.NewStyle().Faint(true)
)

func newConsoleModel(commands chan<- Command, cancel context.CancelFunc) consoleModel {
	return consoleModel{
		keys:     defaultKeys(),
		help:     help.New(),
		spinner:  spinner.New(spinner.WithSpinner(spinner.MiniDot)),
		commands: commands,
		cancel:   cancel,
		now:      time.Now(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			m.cancel()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Test):
			m.queue(CmdSendTest)
		case key.Matches(msg, m.keys.BCC):
			m.queue(CmdToggleBCC)
		}
		return m, nil
	case statusMsg:
		m.status = Status(msg)
		return m, nil
	case logLineMsg:
		return m, tea.Println(string(msg))
	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// queue hands cmd to the runner without blocking the UI; a full queue drops
// the key press.
func (m consoleModel) queue(cmd Command) {
	select {
	case m.commands <- cmd:
	default:
	}
}

func (m consoleModel) View() string {
	if m.quitting {
		return ""
	}
	s := m.status
	var b strings.Builder
	b.WriteString(titleStyle.Render("pacemail"))
	b.WriteString("  ")

	switch s.State {
	case stateWaiting:
		left := s.Until.Sub(m.now).Round(time.Second)
		what := "next send"
		if s.Reason != ReasonNone {
			what = string(s.Reason)
		}
		b.WriteString(waitStyle.Render(fmt.Sprintf("%s waiting (%s) %s", m.spinner.View(), what, max(left, 0))))
	case stateSending:
		b.WriteString(stateStyle.Render(fmt.Sprintf("%s sending %s", m.spinner.View(), s.Recipient)))
	case stateOffline:
		b.WriteString(offStyle.Render(fmt.Sprintf("%s offline, retrying", m.spinner.View())))
	case stateDone:
		b.WriteString(stateStyle.Render("done"))
	default:
		b.WriteString(m.spinner.View() + " starting")
	}

	bcc := "off"
	if s.BCC {
		bcc = "on"
	}
	b.WriteString("\n")
	b.WriteString(countsStyle.Render(fmt.Sprintf(
		"[%d/%d] sent=%d failed=%d today=%d hour=%d bcc=%s",
		s.Index, s.Pending, s.Sent, s.Failed, s.Today, s.ThisHour, bcc,
	)))
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return b.String()
}

// ── Console ─────────────────────────────────────────────────────────────────

// Console runs the interactive view and turns key presses into commands.
// Quitting cancels the run context.
type Console struct {
	program  *tea.Program
	commands chan Command
	done     chan struct{}
	err      error
}

// NewConsole builds the console. cancel is called once, on quit.
func NewConsole(ctx context.Context, cancel context.CancelFunc, out io.Writer) *Console {
	commands := make(chan Command, 8)
	p := tea.NewProgram(
		newConsoleModel(commands, cancel),
		tea.WithContext(ctx),
		tea.WithOutput(out),
	)
	return &Console{program: p, commands: commands, done: make(chan struct{})}
}

// Start runs the program in the background.
func (c *Console) Start() {
	go func() {
		_, c.err = c.program.Run()
		close(c.done)
	}()
}

// Commands is the queue the runner drains.
func (c *Console) Commands() <-chan Command { return c.commands }

// Report implements Reporter.
func (c *Console) Report(s Status) { c.program.Send(statusMsg(s)) }

// LogWriter prints each write above the live view, or to fallback once the
// program has exited.
func (c *Console) LogWriter(fallback io.Writer) io.Writer {
	return lineWriter{print: func(args ...any) {
		select {
		case <-c.done:
			fmt.Fprintln(fallback, args...)
		default:
			c.program.Send(logLineMsg(fmt.Sprint(args...)))
		}
	}}
}

// Stop ends the program and waits for the terminal to be restored.
func (c *Console) Stop() error {
	c.program.Quit()
	<-c.done
	if errors.Is(c.err, tea.ErrProgramKilled) {
		return nil
	}
	return c.err
}
