package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the chat surface and blocks until the user quits.
func Run(deps Deps) error {
	p := tea.NewProgram(NewMainModel(deps), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
