// Package styles holds the terminal styles shared by the doit commands.
package styles

import (
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"
)

var (
	// Title heads the run summary.
	Title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(charmtone.Malibu.Hex()))
	// Label is the left column of the summary.
	Label = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(14)
	// Value is the right column of the summary.
	Value = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	// Warn marks policy violations.
	Warn = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Cheeky.Hex())).Bold(true)
	// OK marks a clean result.
	OK = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Guac.Hex()))
	// Menu is the key bar at the bottom of the trace viewer.
	Menu = lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1)
	// Spinner colours the loading indicator.
	Spinner = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	// ListTitle heads the violation list.
	ListTitle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).MarginLeft(2)
	// Address is used for instruction addresses in lists.
	Address = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	// Selected highlights the focused list row.
	Selected = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
)

// Row renders one label/value line of a summary.
func Row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, Label.Render(label), Value.Render(value))
}
