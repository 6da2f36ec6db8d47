// Package styles provides the terminal styling used by the reach CLI.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette.
var (
	ColorPrimary   = lipgloss.Color("#00ccff")
	ColorSuccess   = lipgloss.Color("#00ff88")
	ColorWarning   = lipgloss.Color("#fbbf24")
	ColorError     = lipgloss.Color("#ff4444")
	ColorText      = lipgloss.Color("#e5e5e5")
	ColorTextMuted = lipgloss.Color("#737373")
	ColorBorder    = lipgloss.Color("#404040")
)

// Status indicators, plain text so they render without a Nerd Font.
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "!"
	IconPending = "…"
	IconBullet  = "▸"
)

// Theme contains the composed styles.
var Theme = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title: lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary),

	Label: lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorText).
		Width(16),

	Body: lipgloss.NewStyle().
		Foreground(ColorText),

	Muted: lipgloss.NewStyle().
		Foreground(ColorTextMuted),

	Success: lipgloss.NewStyle().
		Foreground(ColorSuccess),

	Warning: lipgloss.NewStyle().
		Foreground(ColorWarning),

	Error: lipgloss.NewStyle().
		Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
}
