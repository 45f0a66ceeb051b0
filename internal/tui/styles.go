package tui

import "github.com/charmbracelet/lipgloss"

// Theme centralizes the palette so every pane renders consistently.
type Theme struct {
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	ToolLine       lipgloss.Style
	Reasoning      lipgloss.Style
	Synthetic      lipgloss.Style

	SessionActive lipgloss.Style
	SessionIdle   lipgloss.Style
	SessionBadge  lipgloss.Style

	StatusBar   lipgloss.Style
	StatusBusy  lipgloss.Style
	StatusErr   lipgloss.Style
	PromptBar   lipgloss.Style
	QueueNotice lipgloss.Style

	InputBorder lipgloss.Style
	PaneBorder  lipgloss.Style
}

func DefaultTheme() Theme {
	return Theme{
		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7DD3FC")),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A7F3D0")),
		ToolLine:       lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		Reasoning:      lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#6B7280")),
		Synthetic:      lipgloss.NewStyle().Faint(true),

		SessionActive: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F9FAFB")).Background(lipgloss.Color("#1F2937")),
		SessionIdle:   lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		SessionBadge:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBF24")),

		StatusBar:   lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		StatusBusy:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBF24")),
		StatusErr:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")),
		PromptBar:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#111827")).Background(lipgloss.Color("#FBBF24")),
		QueueNotice: lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBF24")),

		InputBorder: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#374151")),
		PaneBorder:  lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, true, false, false).BorderForeground(lipgloss.Color("#374151")),
	}
}
