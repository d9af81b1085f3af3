package tui

import (
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

// One Dark palette.
var (
	ColorFgPrimary = lipgloss.Color("#ABB2BF")
	ColorFgMuted   = lipgloss.Color("#636B78")
	ColorRed       = lipgloss.Color("#E06C75")
	ColorGreen     = lipgloss.Color("#98C379")
	ColorYellow    = lipgloss.Color("#E5C07B")
	ColorBlue      = lipgloss.Color("#61AFEF")
	ColorMagenta   = lipgloss.Color("#C678DD")
	ColorBorder    = lipgloss.Color("#3F4451")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta).
			Bold(true).
			PaddingLeft(1)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			Width(14)

	ValueStyle = lipgloss.NewStyle().
			Foreground(ColorFgPrimary)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed)

	HintStyle = lipgloss.NewStyle().
			Foreground(ColorYellow)
)

// statusStyle colors a status badge.
func statusStyle(s domain.Status) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	switch s {
	case domain.StatusSpeaking:
		return base.Foreground(ColorMagenta)
	case domain.StatusListening:
		return base.Foreground(ColorGreen)
	case domain.StatusConnected:
		return base.Foreground(ColorBlue)
	default:
		return base.Foreground(ColorYellow)
	}
}
