package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/store"
)

// renderMessages flattens a session buffer into viewport text. Pure so it can
// be tested without a terminal.
func renderMessages(msgs []api.Message, width int, theme Theme) string {
	if width <= 0 {
		width = 80
	}
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderMessage(msg, width, theme))
	}
	return b.String()
}

func renderMessage(msg api.Message, width int, theme Theme) string {
	var b strings.Builder

	label := theme.AssistantLabel.Render("assistant")
	if msg.Info.Role == api.RoleUser {
		label = theme.UserLabel.Render("you")
	}
	b.WriteString(label)
	if msg.Info.ModelID != "" {
		b.WriteString(theme.ToolLine.Render(" · " + msg.Info.ModelID))
	}
	b.WriteString("\n")

	wrap := lipgloss.NewStyle().Width(width)
	for _, part := range msg.Parts {
		switch part.Type {
		case api.PartText:
			if strings.TrimSpace(part.Text) == "" {
				continue
			}
			if part.Synthetic {
				b.WriteString(theme.Synthetic.Render(wrap.Render(part.Text)))
			} else {
				b.WriteString(wrap.Render(part.Text))
			}
			b.WriteString("\n")
		case api.PartReasoning:
			if strings.TrimSpace(part.Text) == "" {
				continue
			}
			b.WriteString(theme.Reasoning.Render(wrap.Render(part.Text)))
			b.WriteString("\n")
		case api.PartTool:
			b.WriteString(theme.ToolLine.Render(renderToolLine(part)))
			b.WriteString("\n")
		case api.PartFile:
			b.WriteString(theme.ToolLine.Render("⎘ " + part.Filename))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderToolLine(part api.Part) string {
	name := part.Tool
	if name == "" {
		name = "tool"
	}
	status := ""
	if part.State != nil {
		switch part.State.Status {
		case "running":
			status = "…"
		case "completed":
			status = "✓"
		case "error":
			status = "✗ " + part.State.Error
		default:
			status = part.State.Status
		}
		if part.State.Title != "" {
			name = name + ": " + part.State.Title
		}
	}
	return strings.TrimSpace("⚙ " + name + " " + status)
}

// sessionLine formats one entry of the session pane.
func sessionLine(sess api.Session, current bool, mem store.SessionMemory, phase store.ActivityPhase, width int, theme Theme) string {
	title := strings.TrimSpace(sess.Title)
	if title == "" {
		title = sess.ID
	}
	badge := ""
	switch {
	case phase == store.ActivityBusy:
		badge = " ●"
	case mem.BackgroundMessageCount > 0:
		badge = fmt.Sprintf(" +%d", mem.BackgroundMessageCount)
	}

	avail := width - lipgloss.Width(badge)
	if avail < 4 {
		avail = 4
	}
	title = truncate(title, avail)

	line := title + theme.SessionBadge.Render(badge)
	if current {
		return theme.SessionActive.Width(width).Render(line)
	}
	return theme.SessionIdle.Width(width).Render(line)
}

func truncate(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if width <= 1 {
		return string(runes[:1])
	}
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}

// formatUsage renders the context meter for the status bar.
func formatUsage(usage store.SessionContextUsage) string {
	if usage.ContextLimit == 0 {
		return ""
	}
	return fmt.Sprintf("%dk/%dk (%.0f%%)", usage.TotalTokens/1000, usage.ContextLimit/1000, usage.Percentage)
}
