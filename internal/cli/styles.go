package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
)

// styles colour text output. The renderer inspects the writer, so output
// that is not a terminal (pipes, files, tests) stays plain.
type styles struct {
	header lipgloss.Style
	pass   lipgloss.Style
	fail   lipgloss.Style
	dim    lipgloss.Style
	kinds  map[store.Kind]lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	color := func(c string) lipgloss.Style {
		return r.NewStyle().Foreground(lipgloss.Color(c))
	}
	return styles{
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		pass:   color("#90EE90"),
		fail:   color("#FF6B6B"),
		dim:    color("#666666"),
		kinds: map[store.Kind]lipgloss.Style{
			store.KindSubmitted: color("#87CEEB"),
			store.KindParked:    color("#FFD580"),
			store.KindSuspended: color("#FFD580"),
			store.KindResumed:   color("#98FB98"),
			store.KindCompleted: color("#98FB98"),
			store.KindResponded: color("#90EE90"),
			store.KindState:     color("#C9A0FF"),
			store.KindAbandoned: color("#FF6B6B"),
		},
	}
}

// kind renders a journal kind padded to a fixed column.
func (s styles) kind(k store.Kind) string {
	padded := string(k)
	for len(padded) < kindWidth {
		padded += " "
	}
	if st, ok := s.kinds[k]; ok {
		return st.Render(padded)
	}
	return padded
}

// kindWidth is the longest journal kind.
const kindWidth = len(store.KindSubmitted)

func (s styles) mark(pass bool) string {
	if pass {
		return s.pass.Render("✓")
	}
	return s.fail.Render("✗")
}
