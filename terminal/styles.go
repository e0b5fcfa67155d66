package terminal

import "github.com/charmbracelet/lipgloss"

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	agentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	riskStyles = map[string]lipgloss.Style{
		"safe":      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"moderate":  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"dangerous": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14"))
)

func riskLabel(risk string) string {
	st, ok := riskStyles[risk]
	if !ok {
		st = riskStyles["moderate"]
	}
	return st.Render("[" + risk + "]")
}
