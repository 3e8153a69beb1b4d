// Package styles holds the colors and lipgloss styles of the skyhook command.
package styles

import (
	"strings"

	"github.com/charmbracelet/lipgloss/v2"
)

// Palette, from the VS Code dark theme.
const (
	Foreground = "#D4D4D4"
	InlineCode = "#EACD53"
	Address    = "#858585"
	Function   = "#DCDCAA"
	Keyword    = "#569CD6"
	Number     = "#B5CEA8"
	Comment    = "#6A9955"
	Error      = "#F44747"
)

var (
	Header  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(Keyword))
	Addr    = lipgloss.NewStyle().Foreground(lipgloss.Color(Address))
	Action  = lipgloss.NewStyle().Foreground(lipgloss.Color(Function))
	Detail  = lipgloss.NewStyle().Foreground(lipgloss.Color(Number))
	Muted   = lipgloss.NewStyle().Foreground(lipgloss.Color(Comment))
	Failure = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(Error))
)

// Table renders rows under header as padded columns. Cells of the first row
// are styled with Header; every other cell with the style of its column,
// when one is given.
func Table(header []string, rows [][]string, cols ...lipgloss.Style) string {
	widths := make([]int, len(header))
	for _, r := range append([][]string{header}, rows...) {
		for i, c := range r {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(c))
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style func(int) lipgloss.Style) {
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			cell := style(i).Width(widths[i] + 2).Render(c)
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}
	line(header, func(int) lipgloss.Style { return Header })
	for _, r := range rows {
		line(r, func(i int) lipgloss.Style {
			if i < len(cols) {
				return cols[i]
			}
			return lipgloss.NewStyle()
		})
	}
	return b.String()
}
