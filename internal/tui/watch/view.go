package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/marcus/snapsync/internal/engine"
	"github.com/marcus/snapsync/internal/output"
)

func (m Model) renderView() string {
	if m.Width == 0 {
		return "Loading..."
	}
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}
	if m.ShowHelp {
		return m.renderHelp()
	}

	header := m.renderHeader()
	footer := m.renderFooter()
	avail := m.Height - lipgloss.Height(header) - lipgloss.Height(footer)
	snapHeight := avail / 2
	actHeight := avail - snapHeight

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.wrapPanel("Snapshot  "+output.FormatMeta(m.Meta), m.renderSnapshot(), snapHeight, PanelSnapshot),
		m.wrapPanel("Activity", m.renderActivity(), actHeight, PanelActivity),
		footer,
	)
}

func (m Model) renderCompact() string {
	return fmt.Sprintf("%s v%d", output.StatusBadge(m.Status.Status), m.Meta.Version)
}

func (m Model) renderHeader() string {
	mode := remoteStyle.Render("remote")
	if m.Source.LocalOnly() {
		mode = localOnlyStyle.Render("local only")
	}
	badge := output.StatusBadge(m.Status.Status)
	if m.Status.Status == engine.StatusSaving {
		badge = m.Spinner.View() + " " + badge
	}
	return fmt.Sprintf(" %s  client %s  doc %s  %s  %s",
		headerStyle.Render("snapsync watch"),
		output.ShortID(m.Source.ClientID()),
		m.DocumentID,
		mode,
		badge)
}

func (m Model) renderSnapshot() string {
	lines := strings.Split(output.FormatSnapshot(m.Snap), "\n")
	return strings.Join(scroll(lines, m.ScrollOffset[PanelSnapshot]), "\n")
}

func (m Model) renderActivity() string {
	if len(m.Events) == 0 {
		return helpStyle.Render("waiting for activity")
	}
	lines := make([]string, 0, len(m.Events))
	for _, ev := range m.Events {
		lines = append(lines, output.FormatStatusEvent(ev))
	}
	return strings.Join(scroll(lines, m.ScrollOffset[PanelActivity]), "\n")
}

func (m Model) renderFooter() string {
	keys := helpStyle.Render("q:quit  tab:switch  j/k:scroll  r:retry  ?:help")
	stats := helpStyle.Render(fmt.Sprintf("%d remote updates  %s", m.Remote, m.LastRefresh.Format("15:04:05")))
	padding := m.Width - lipgloss.Width(keys) - lipgloss.Width(stats) - 2
	if padding < 0 {
		padding = 0
	}
	return fmt.Sprintf(" %s%s%s", keys, strings.Repeat(" ", padding), stats)
}

func (m Model) renderHelp() string {
	help := `
WATCH - Key Bindings

  Tab          Switch panel
  j / k        Scroll active panel
  r            Retry the last failed write
  q / Ctrl+C   Quit

Press ? to close help
`
	return helpStyle.Render(help)
}

// wrapPanel wraps content in a panel with title and border
func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	contentWidth := m.Width - 4
	lines := strings.Split(content, "\n")
	contentHeight := height - 3
	if contentHeight < 1 {
		contentHeight = 1
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	if len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}
	for i, line := range lines {
		if lipgloss.Width(line) > contentWidth {
			lines[i] = truncateString(line, contentWidth)
		}
	}

	inner := lipgloss.JoinVertical(lipgloss.Left, panelTitleStyle.Render(title), strings.Join(lines, "\n"))
	return style.Width(m.Width - 2).Render(inner)
}

func scroll(lines []string, offset int) []string {
	if offset >= len(lines) {
		offset = len(lines) - 1
	}
	if offset < 0 {
		offset = 0
	}
	return lines[offset:]
}

// truncateString cuts s to maxLen display cells, adding "..." when cut.
// Styled lines keep their escape sequences.
func truncateString(s string, maxLen int) string {
	if ansi.StringWidth(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return strings.Repeat(".", maxLen)
	}
	return ansi.Truncate(s, maxLen, "...")
}
