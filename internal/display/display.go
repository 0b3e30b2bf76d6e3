// Package display provides terminal formatting for routedeck output.
package display

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
)

// EnabledDot returns a colored dot for an alias's enabled state.
func EnabledDot(enabled bool) string {
	if enabled {
		return Success.Render("●")
	}
	return Dim.Render("○")
}

// ActionLabel returns a styled, padded action type label.
func ActionLabel(action string) string {
	label := fmt.Sprintf("%-7s", strings.ToUpper(action))
	switch action {
	case "forward":
		return Success.Render(label)
	case "drop":
		return Warn.Render(label)
	case "reject":
		return ErrStyle.Render(label)
	default:
		return Dim.Render(label)
	}
}

// ZoneLabel returns a short label for a zone domain.
// Derives the label from the domain without TLD ("example.com" -> "example").
func ZoneLabel(domain string) string {
	if dotIdx := strings.Index(domain, "."); dotIdx > 0 {
		return domain[:dotIdx]
	}
	return domain
}

// TimeAgo formats an ISO date string as a relative time.
func TimeAgo(isoDate string) string {
	if isoDate == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, isoDate)
	if err != nil {
		return isoDate
	}
	return Since(time.Since(t))
}

// Since formats a duration as a compact relative time.
func Since(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// SuccessMsg prints a green success line.
func SuccessMsg(format string, args ...any) {
	fmt.Println(Success.Render("✓ " + fmt.Sprintf(format, args...)))
}

// ErrorMsg prints a red error line to stderr.
func ErrorMsg(format string, args ...any) {
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗ "+fmt.Sprintf(format, args...)))
}

// WarnMsg prints an amber warning line to stderr.
func WarnMsg(format string, args ...any) {
	fmt.Fprintln(os.Stderr, Warn.Render("! "+fmt.Sprintf(format, args...)))
}

// Truncate shortens a string to max runes with an ellipsis.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
