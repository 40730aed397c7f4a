// Package output provides styled terminal output helpers (success, error,
// warning, sync status and document formatting) using lipgloss.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/snapsync/internal/engine"
	"github.com/marcus/snapsync/internal/snapshot"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[engine.Status]lipgloss.Style{
		engine.StatusIdle:   lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		engine.StatusSaving: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		engine.StatusSaved:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		engine.StatusSynced: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		engine.StatusError:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	statusSymbols = map[engine.Status]string{
		engine.StatusIdle:   "○",
		engine.StatusSaving: "▶",
		engine.StatusSaved:  "◎",
		engine.StatusSynced: "✓",
		engine.StatusError:  "✗",
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Title renders s in bold.
func Title(s string) string { return titleStyle.Render(s) }

// Subtle renders s dimmed.
func Subtle(s string) string { return subtleStyle.Render(s) }

// StatusBadge returns a status indicator with symbol, e.g. "✓ synced".
func StatusBadge(status engine.Status) string {
	symbol, ok := statusSymbols[status]
	if !ok {
		symbol = "?"
	}
	text := fmt.Sprintf("%s %s", symbol, status)
	if style, ok := statusStyles[status]; ok {
		return style.Render(text)
	}
	return text
}

// FormatStatusEvent formats a status event as one line.
func FormatStatusEvent(ev engine.StatusEvent) string {
	line := fmt.Sprintf("%s  %s  v%d", ev.At.Format("15:04:05"), StatusBadge(ev.Status), ev.Version)
	if ev.Err != nil {
		line += "  " + errorStyle.Render(ev.Err.Error())
	}
	return line
}

// ShortID shortens a client id to its first 8 characters.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatMeta formats a version clock, e.g. "v3 by 1b2c3d4e (2m ago)".
func FormatMeta(m snapshot.Meta) string {
	if m.ClientID == "" && m.UpdatedAt.IsZero() {
		return subtleStyle.Render("unversioned")
	}
	return fmt.Sprintf("v%d by %s %s", m.Version, ShortID(m.ClientID),
		subtleStyle.Render("("+FormatTimeAgo(m.UpdatedAt)+")"))
}

// FormatSnapshot renders a snapshot as indented JSON with sorted keys.
func FormatSnapshot(s snapshot.Snapshot) string {
	if len(s) == 0 {
		return "{}"
	}
	var sb strings.Builder
	sb.WriteString("{\n")
	keys := s.Keys()
	for i, k := range keys {
		var buf bytes.Buffer
		if err := json.Indent(&buf, s[k], "  ", "  "); err != nil {
			buf.Reset()
			buf.Write(s[k])
		}
		name, _ := json.Marshal(k)
		fmt.Fprintf(&sb, "  %s: %s", name, buf.String())
		if i < len(keys)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}")
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nSNAPSHOT:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// KeyValue renders an aligned "key: value" line.
func KeyValue(key string, width int, value string) string {
	return fmt.Sprintf("%-*s %s", width+1, key+":", value)
}
