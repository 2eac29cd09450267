// Package tui holds the terminal views of the taskbridge CLI: the live status
// dashboard, the setup wizard, the default list picker and the link renderer.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one poll of a running gateway.
type Snapshot struct {
	Reachable     bool
	DBOK          bool
	Authenticated bool
	Fingerprint   string
	Pages         int
	Clients       int
	LinkedThreads int
	AuditFailures int64
	Scans         int64
	Injections    int64
	Prunes        int64
	Patches       int64
	BusDropped    int64
	LastError     string
	Uptime        time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
	interval time.Duration
}

type tickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd(m.interval)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.snap = m.provider()
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd(m.interval)
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func yesNo(v bool) string {
	if v {
		return okStyle.Render("yes")
	}
	return badStyle.Render("no")
}

func (m model) View() string {
	return renderSnapshot(m.snap) + dimStyle.Render("\n[r] Refresh  [q] Quit") + "\n"
}

func renderSnapshot(s Snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("taskbridge status") + "\n\n")
	if !s.Reachable {
		b.WriteString(badStyle.Render("gateway unreachable") + "\n")
		if s.LastError != "" {
			b.WriteString(dimStyle.Render(s.LastError) + "\n")
		}
		return b.String()
	}
	fmt.Fprintf(&b, "Database:        %s\n", yesNo(s.DBOK))
	fmt.Fprintf(&b, "Signed in:       %s\n", yesNo(s.Authenticated))
	fmt.Fprintf(&b, "Config:          %s\n", s.Fingerprint)
	fmt.Fprintf(&b, "Mirrored pages:  %d\n", s.Pages)
	fmt.Fprintf(&b, "Clients:         %d\n", s.Clients)
	fmt.Fprintf(&b, "Linked threads:  %d\n", s.LinkedThreads)
	fmt.Fprintf(&b, "Scans:           %d (%d injections, %d prunes, %d patches)\n", s.Scans, s.Injections, s.Prunes, s.Patches)
	if s.AuditFailures > 0 {
		fmt.Fprintf(&b, "Audit failures:  %s\n", badStyle.Render(fmt.Sprint(s.AuditFailures)))
	}
	if s.BusDropped > 0 {
		fmt.Fprintf(&b, "Dropped events:  %d\n", s.BusDropped)
	}
	fmt.Fprintf(&b, "Watching for:    %s\n", s.Uptime.Truncate(time.Second))
	return b.String()
}

// RenderSnapshot renders a single poll for non-interactive output.
func RenderSnapshot(s Snapshot) string {
	return renderSnapshot(s)
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider StatusProvider, interval time.Duration) error {
	defer bestEffortResetTTY()
	if interval <= 0 {
		interval = time.Second
	}

	m := model{provider: provider, snap: provider(), interval: interval}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
