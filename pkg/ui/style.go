package ui

import "github.com/charmbracelet/lipgloss"

type Style struct {
	UnselectedMessage lipgloss.Style
	SelectedMessage   lipgloss.Style
	FocusedMessage    lipgloss.Style
	ErrorMessage      lipgloss.Style
	Role              lipgloss.Style
	Header            lipgloss.Style
}

type BorderColors struct {
	Unselected string
	Selected   string
	Focused    string
	Error      string
}

func DefaultStyles() *Style {
	lightModeColors := BorderColors{
		Unselected: "#CCCCCC",
		Selected:   "#FFB6C1", // Light pink
		Focused:    "#FFFF99", // Light yellow
		Error:      "#FF6666",
	}

	darkModeColors := BorderColors{
		Unselected: "#444444",
		Selected:   "#DD7090",
		Focused:    "#DDDD77",
		Error:      "#CC4444",
	}

	border := func(b lipgloss.Border, light, dark string) lipgloss.Style {
		return lipgloss.NewStyle().Border(b).
			Padding(0, 1).
			BorderForeground(lipgloss.AdaptiveColor{Light: light, Dark: dark})
	}

	return &Style{
		UnselectedMessage: border(lipgloss.NormalBorder(), lightModeColors.Unselected, darkModeColors.Unselected),
		SelectedMessage:   border(lipgloss.ThickBorder(), lightModeColors.Selected, darkModeColors.Selected),
		FocusedMessage:    border(lipgloss.NormalBorder(), lightModeColors.Focused, darkModeColors.Focused),
		ErrorMessage:      border(lipgloss.DoubleBorder(), lightModeColors.Error, darkModeColors.Error),
		Role:              lipgloss.NewStyle().Bold(true),
		Header:            lipgloss.NewStyle().Bold(true).Padding(0, 1),
	}
}
