// ABOUTME: Server TUI for displaying the connected client and playback stats
// ABOUTME: Real-time server status display using bubbletea
package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ServerTUI manages the server TUI
type ServerTUI struct {
	mu       sync.Mutex
	program  *tea.Program
	stopped  bool
	quitChan chan struct{} // Signal to stop the server
}

// ServerStatus holds server state for TUI
type ServerStatus struct {
	Name      string
	Transport string
	Addr      string
	Stats     Stats
}

// tuiModel is the bubbletea model for server TUI
type tuiModel struct {
	status    ServerStatus
	startTime time.Time
	quitting  bool
	quitChan  chan struct{} // Channel to signal server stop
}

type tickMsg time.Time
type statusMsg ServerStatus

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			// Signal the server to stop
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = ServerStatus(msg)
		return m, nil
	}

	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	clientHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("220"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))
)

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}

	var b strings.Builder
	st := m.status.Stats

	row := func(label, value string) {
		b.WriteString(headerStyle.Render(label + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render("loopstream server"))
	b.WriteString("\n\n")

	row("Server", m.status.Name)
	row("Listening", fmt.Sprintf("%s %s", m.status.Transport, m.status.Addr))
	row("Uptime", time.Since(m.startTime).Round(time.Second).String())
	b.WriteString("\n")

	b.WriteString(clientHeaderStyle.Render("Client"))
	b.WriteString("\n\n")

	if st.Peer == "" {
		b.WriteString(valueStyle.Render("  Waiting for a client"))
		b.WriteString("\n")
	} else {
		row("  Name", st.ClientName)
		row("  Address", st.Peer)
		row("  Format", st.Format.String())
		row("  Session", st.SessionID)
	}
	b.WriteString("\n")

	b.WriteString(clientHeaderStyle.Render("Playback"))
	b.WriteString("\n\n")
	row("  Buffered", fmt.Sprintf("%d ms (%d/%d samples)", st.Buffered.Milliseconds(), st.Ring.Buffered, st.Ring.Capacity))
	row("  Received", fmt.Sprintf("%d packets, %d samples", st.Packets, st.Samples))

	underruns := fmt.Sprintf("%d samples", st.Ring.Underruns)
	dropped := fmt.Sprintf("%d samples", st.Ring.Dropped)
	b.WriteString(headerStyle.Render("  Underruns: "))
	b.WriteString(warnIf(st.Ring.Underruns > 0, underruns))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("  Dropped: "))
	b.WriteString(warnIf(st.Ring.Dropped > 0, dropped))
	b.WriteString("\n")
	if st.DecodeErrors > 0 || st.Ignored > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %d decode errors, %d packets ignored", st.DecodeErrors, st.Ignored)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

func warnIf(cond bool, s string) string {
	if cond {
		return warnStyle.Render(s)
	}
	return valueStyle.Render(s)
}

// NewServerTUI creates a new server TUI
func NewServerTUI() *ServerTUI {
	return &ServerTUI{
		quitChan: make(chan struct{}, 1),
	}
}

// Start runs the TUI until the user quits or Stop is called
func (t *ServerTUI) Start(initial ServerStatus) error {
	m := tuiModel{
		status:    initial,
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.program = tea.NewProgram(m, tea.WithAltScreen())
	program := t.program
	t.mu.Unlock()

	_, err := program.Run()
	return err
}

// Update sends a status update to the TUI
func (t *ServerTUI) Update(status ServerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.program != nil && !t.stopped {
		// Send blocks until the program loop receives
		go t.program.Send(statusMsg(status))
	}
}

// Stop stops the TUI
func (t *ServerTUI) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.program != nil {
		t.program.Quit()
	}
}

// QuitChan returns the channel that signals when user wants to quit
func (t *ServerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
