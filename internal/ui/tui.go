// ABOUTME: Terminal status display for a running session or hub
// ABOUTME: Shows lifecycle state, stream parameters and live I/O stats
// Package ui renders the live status TUI. It is display-only: stats
// arrive from the session reporter, a quit keypress is surfaced on
// QuitChan for main to act on.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Status is one display update.
type Status struct {
	Mode        string // "client", "server", "hub"
	Peer        string
	State       string
	Stream      string // rendered stream parameters
	PacketsSent uint64
	PacketsRecv uint64
	SeqGaps     uint64
	Underruns   uint64
	Overflows   uint64
	Occupancy   float64
	Workers     string // hub only, e.g. "2/4"
}

// TUI owns the bubbletea program.
type TUI struct {
	program  *tea.Program
	updates  chan Status
	quitChan chan struct{}
}

type tuiModel struct {
	status    Status
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type statusMsg Status

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = Status(msg)
		return m, nil
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Stopping session...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	var b strings.Builder
	b.WriteString(titleStyle.Render("JamLink"))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(headerStyle.Render(label + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	row("Mode", m.status.Mode)
	if m.status.Peer != "" {
		row("Peer", m.status.Peer)
	}
	row("State", m.status.State)
	row("Stream", m.status.Stream)
	row("Uptime", time.Since(m.startTime).Round(time.Second).String())
	if m.status.Workers != "" {
		row("Workers", m.status.Workers)
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Last interval"))
	b.WriteString("\n")
	row("  Sent/Recv (total)", fmt.Sprintf("%d / %d", m.status.PacketsSent, m.status.PacketsRecv))
	row("  Gaps (total)", fmt.Sprintf("%d", m.status.SeqGaps))
	row("  Underruns/Overflows", fmt.Sprintf("%d / %d", m.status.Underruns, m.status.Overflows))
	row("  Buffer occupancy", fmt.Sprintf("%.2f", m.status.Occupancy))

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}

// New creates the TUI shell.
func New() *TUI {
	return &TUI{
		updates:  make(chan Status, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Start runs the program until quit. Blocks; run it on its own goroutine.
func (t *TUI) Start(initial Status) error {
	m := tuiModel{
		status:    initial,
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}
	t.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for status := range t.updates {
			if t.program != nil {
				t.program.Send(statusMsg(status))
			}
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update pushes a display refresh; never blocks.
func (t *TUI) Update(status Status) {
	select {
	case t.updates <- status:
	default:
	}
}

// Stop quits the program.
func (t *TUI) Stop() {
	if t.program != nil {
		t.program.Quit()
	}
}

// QuitChan signals a user-requested quit.
func (t *TUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
