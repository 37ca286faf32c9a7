package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DefaultRefresh is how often the dashboard polls the daemon.
const DefaultRefresh = 2 * time.Second

// Source supplies dashboard data and environment actions.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Stop(ctx context.Context, project, env string) error
	Start(ctx context.Context, project, env string) error
}

type model struct {
	ctx     context.Context
	src     Source
	refresh time.Duration

	snap    Snapshot
	err     error
	notice  string
	cursor  int
	loading bool
}

type tickMsg time.Time

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type actionMsg struct {
	verb string
	row  Row
	err  error
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	selectStyle  = lipgloss.NewStyle().Reverse(true)
	statusStyles = map[string]lipgloss.Style{
		"running": lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"pending": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"stopped": lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
)

func newModel(ctx context.Context, src Source, refresh time.Duration) model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return model{ctx: ctx, src: src, refresh: refresh, loading: true}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) fetch() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.src.Snapshot(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m model) act(verb string, row Row) tea.Cmd {
	return func() tea.Msg {
		var err error
		switch verb {
		case "stop":
			err = m.src.Stop(m.ctx, row.Project, row.ID)
		case "start":
			err = m.src.Start(m.ctx, row.Project, row.ID)
		}
		return actionMsg{verb: verb, row: row, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.snap.Rows)-1 {
				m.cursor++
			}
		case "r":
			return m, m.fetch()
		case "s", "g":
			row, ok := m.selected()
			if !ok {
				return m, nil
			}
			verb, progress := "stop", "stopping"
			if msg.String() == "g" {
				verb, progress = "start", "starting"
			}
			m.notice = fmt.Sprintf("%s %s/%s...", progress, row.Project, row.ID)
			return m, m.act(verb, row)
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			if m.cursor >= len(m.snap.Rows) {
				m.cursor = max(0, len(m.snap.Rows)-1)
			}
		}
	case actionMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s %s/%s failed: %s", msg.verb, msg.row.Project, msg.row.ID, humanError(msg.err))
		} else {
			m.notice = fmt.Sprintf("%s %s/%s done", msg.verb, msg.row.Project, msg.row.ID)
		}
		return m, m.fetch()
	}
	return m, nil
}

func (m model) selected() (Row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Rows) {
		return Row{}, false
	}
	return m.snap.Rows[m.cursor], true
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("agentbox") + dimStyle.Render(fmt.Sprintf("  %d projects, %d environments, %d attached",
		len(m.snap.Projects), len(m.snap.Rows), m.snap.LiveBridges)) + "\n\n")

	switch {
	case m.loading:
		b.WriteString(dimStyle.Render("loading...") + "\n")
	case len(m.snap.Rows) == 0:
		b.WriteString(dimStyle.Render("no environments") + "\n")
	default:
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %-12s %-7s %-9s %-4s %-18s %s",
			"PROJECT", "ENV", "TOOL", "STATUS", "LIVE", "BRANCH", "DETACHED")) + "\n")
		now := m.snap.FetchedAt
		if now.IsZero() {
			now = time.Now()
		}
		for i, r := range m.snap.Rows {
			line := formatRow(r, now)
			if i == m.cursor {
				line = selectStyle.Render(line)
			}
			b.WriteString(line + "\n")
			if r.LastError != "" {
				b.WriteString(errStyle.Render("    "+r.LastError) + "\n")
			}
		}
	}

	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errStyle.Render("refresh failed: "+humanError(m.err)) + "\n")
	}
	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}
	rs := m.snap.Reaper
	reaperLine := fmt.Sprintf("reaper: %d sweeps, %d stopped, %d errors", rs.Sweeps, rs.Stopped, rs.Errors)
	if !rs.LastSweep.IsZero() {
		reaperLine += ", last " + rs.LastSweep.Local().Format("15:04:05")
	}
	b.WriteString(dimStyle.Render(reaperLine) + "\n")
	b.WriteString(dimStyle.Render("↑/↓ select  s stop  g start  r refresh  q quit") + "\n")
	return b.String()
}

func formatRow(r Row, now time.Time) string {
	live := "-"
	if r.Live {
		live = "yes"
	}
	detached := "-"
	if r.DisconnectedAt != nil {
		detached = now.Sub(*r.DisconnectedAt).Truncate(time.Second).String()
	}
	status := fmt.Sprintf("%-9s", r.Status)
	if st, ok := statusStyles[r.Status]; ok {
		status = st.Render(status)
	}
	return fmt.Sprintf("%-16s %-12s %-7s %s %-4s %-18s %s",
		clip(r.Project, 16), clip(r.ID, 12), r.AITool, status, live, clip(r.Branch, 18), detached)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, src Source, refresh time.Duration) error {
	p := tea.NewProgram(newModel(ctx, src, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
