package ui

import "github.com/charmbracelet/lipgloss"

// Adaptive palette for light and dark terminals. Light values are tuned
// for contrast on white backgrounds.
var (
	ColorText    = lipgloss.AdaptiveColor{Light: "#1A1A1A", Dark: "#F8F8F2"}
	ColorSubtext = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#BFBFBF"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#6272A4"}
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#6B47D9", Dark: "#BD93F9"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#006080", Dark: "#8BE9FD"}
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#007700", Dark: "#50FA7B"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#B06800", Dark: "#FFB86C"}
	ColorDanger  = lipgloss.AdaptiveColor{Light: "#CC0000", Dark: "#FF5555"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#44475A"}
)

// Theme bundles the pre-computed styles the dashboard renders with.
// Styles are created once at startup instead of per-frame.
type Theme struct {
	Renderer *lipgloss.Renderer

	Title     lipgloss.Style // product name in the header
	Label     lipgloss.Style // dimmed field labels
	Value     lipgloss.Style // field values
	Up        lipgloss.Style // running / ready state
	Busy      lipgloss.Style // starting, stopping, installing
	Down      lipgloss.Style // not running
	Failed    lipgloss.Style
	LogFrame  lipgloss.Style // border around the log viewport
	Hint      lipgloss.Style // key hints in the footer
	Status    lipgloss.Style // transient status line
	StatusErr lipgloss.Style
}

// DefaultTheme builds the theme against the default renderer.
func DefaultTheme() Theme {
	return NewTheme(lipgloss.DefaultRenderer())
}

// NewTheme builds a theme against the given renderer so tests can pin a
// color profile.
func NewTheme(r *lipgloss.Renderer) Theme {
	return Theme{
		Renderer:  r,
		Title:     r.NewStyle().Bold(true).Foreground(ColorPrimary),
		Label:     r.NewStyle().Foreground(ColorMuted),
		Value:     r.NewStyle().Foreground(ColorText),
		Up:        r.NewStyle().Bold(true).Foreground(ColorSuccess),
		Busy:      r.NewStyle().Foreground(ColorWarning),
		Down:      r.NewStyle().Foreground(ColorMuted),
		Failed:    r.NewStyle().Bold(true).Foreground(ColorDanger),
		LogFrame:  r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorBorder),
		Hint:      r.NewStyle().Foreground(ColorMuted),
		Status:    r.NewStyle().Foreground(ColorInfo),
		StatusErr: r.NewStyle().Foreground(ColorDanger),
	}
}
