package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7C3AED")).
			Padding(0, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#06B6D4"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Width(10)
)

// printBanner prints the startup banner. Only used when stdout is a terminal.
func printBanner(w io.Writer, cfg *config.Config, runID string) {
	line := func(label, value string) string {
		return labelStyle.Render(label) + " " + value
	}

	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("headless-launcher "+version),
		"",
		line("Display", fmt.Sprintf("%s (%dx%dx%d)", cfg.Display.Target, cfg.Display.Width, cfg.Display.Height, cfg.Display.Depth)),
		line("Service", cfg.ServiceAddr()),
		line("Readiness", cfg.Readiness.Mode),
		line("Run", runID),
	)

	fmt.Fprintln(w)
	fmt.Fprintln(w, bannerStyle.Render(body))
	fmt.Fprintln(w)
}
