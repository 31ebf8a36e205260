package cli

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent  = lipgloss.Color("#2D8CFF")
	colorSuccess = lipgloss.Color("#2FBF71")
	colorWarn    = lipgloss.Color("#FFB020")
	colorError   = lipgloss.Color("#E23D2D")
	colorMuted   = lipgloss.Color("#8B8F97")
)

var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	styleWarn = lipgloss.NewStyle().
			Foreground(colorWarn)

	styleError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorMuted)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// statusStyle colors a task status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return styleSuccess
	case "failed":
		return styleError
	default:
		return styleMuted
	}
}
