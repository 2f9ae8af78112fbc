package ui

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/wordwrap"
	"github.com/rs/zerolog/log"
)

func wrapWords(text string, width int) string {
	if width <= 0 {
		return text
	}
	return wordwrap.String(text, width)
}

// markdownRenderer renders assistant replies. A nil renderer falls back to
// plain wrapped text.
type markdownRenderer struct {
	r     *glamour.TermRenderer
	width int
}

func newMarkdownRenderer(width int) *markdownRenderer {
	if width <= 0 {
		return &markdownRenderer{}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		log.Debug().Err(err).Msg("Could not create markdown renderer")
		return &markdownRenderer{width: width}
	}
	return &markdownRenderer{r: r, width: width}
}

func (m *markdownRenderer) Render(text string) string {
	if m == nil || m.r == nil {
		return wrapWords(text, m.widthOrZero())
	}
	out, err := m.r.Render(text)
	if err != nil {
		return wrapWords(text, m.width)
	}
	return strings.Trim(out, "\n")
}

func (m *markdownRenderer) widthOrZero() int {
	if m == nil {
		return 0
	}
	return m.width
}
