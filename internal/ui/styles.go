// Package ui holds the terminal styles shared by CLI commands.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/moodjar/emosync/internal/model"
)

var (
	// Colors
	Accent = lipgloss.Color("#7C3AED") // Purple
	Pass   = lipgloss.Color("#10B981") // Green
	Muted  = lipgloss.Color("#6B7280") // Gray
	Warn   = lipgloss.Color("#F59E0B") // Amber
	Fail   = lipgloss.Color("#EF4444") // Red

	accentStyle = lipgloss.NewStyle().Foreground(Accent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(Pass)
	warnStyle   = lipgloss.NewStyle().Foreground(Warn)
	failStyle   = lipgloss.NewStyle().Foreground(Fail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(Muted)
	headerStyle = lipgloss.NewStyle().Foreground(Accent).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// RenderAccent highlights headings and progress markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success output.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary details.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderStatus colors a sync status by severity.
func RenderStatus(s model.SyncStatus) string {
	switch s {
	case model.StatusSynced:
		return RenderPass(string(s))
	case model.StatusNotSynced:
		return RenderMuted(string(s))
	case model.StatusConflict:
		return RenderWarn(string(s))
	case model.StatusError:
		return RenderFail(string(s))
	default:
		return string(s)
	}
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// Truncate shortens s to n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
