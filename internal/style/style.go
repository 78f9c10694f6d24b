// Package style centralizes terminal styling for CLI output.
package style

import "github.com/charmbracelet/lipgloss"

var (
	colorSuccess = lipgloss.Color("76")  // green
	colorError   = lipgloss.Color("196") // bright red
	colorWarning = lipgloss.Color("214") // orange
	colorMuted   = lipgloss.Color("242") // gray
	colorAccent  = lipgloss.Color("39")  // blue
)

var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Foreground(colorMuted)
	Header  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	Success = lipgloss.NewStyle().Foreground(colorSuccess)
	Error   = lipgloss.NewStyle().Foreground(colorError)
	Warning = lipgloss.NewStyle().Foreground(colorWarning)
)

// Prefixes for status lines.
var (
	SuccessPrefix = Success.Render("✓")
	ErrorPrefix   = Error.Render("✗")
	WarningPrefix = Warning.Render("!")
)

// Severity returns the style for a diagnostic severity string.
func Severity(sev string) lipgloss.Style {
	switch sev {
	case "error":
		return Error
	case "warning":
		return Warning
	default:
		return Dim
	}
}
