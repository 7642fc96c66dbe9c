// Package termemu renders raw pane byte streams into a normalized
// plain-text view suitable for stability hashing. It mirrors the
// reference implementation's pyte-backed renderer: a fixed-size screen
// grid fed a CRLF-normalized stream, then right-trimmed with trailing
// blank rows dropped so transient cursor motion never defeats stability
// detection. ANSI escape sequences are stripped before the grid sees the
// stream, not interpreted: only \r, \n and \b move the cursor.
package termemu

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Dimensions is the configured screen size for a TerminalEmulator.
type Dimensions struct {
	Width  int
	Height int
}

// DefaultDimensions matches the reference implementation's pyte screen.
var DefaultDimensions = Dimensions{Width: 200, Height: 4000}

// Emulator renders raw bytes through a fixed-size virtual screen.
type Emulator struct {
	dims Dimensions
}

func New(dims Dimensions) *Emulator {
	if dims.Width <= 0 {
		dims.Width = DefaultDimensions.Width
	}
	if dims.Height <= 0 {
		dims.Height = DefaultDimensions.Height
	}
	return &Emulator{dims: dims}
}

// Render feeds rawText through a fresh virtual screen and returns the
// rendered view: every row right-trimmed, trailing blank rows dropped.
// Calling Render twice with the same input is guaranteed to produce
// byte-identical output (the screen is reset each call).
func (e *Emulator) Render(rawText string) string {
	g := newGrid(e.dims.Width, e.dims.Height)
	g.feed(ansi.Strip(ensureCRLF(rawText)))
	rows := g.rows()

	for i := range rows {
		rows[i] = strings.TrimRight(rows[i], " \t")
	}
	end := len(rows)
	for end > 0 && rows[end-1] == "" {
		end--
	}
	return strings.Join(rows[:end], "\n")
}

// ensureCRLF inserts a preceding \r before every \n not already preceded
// by one, matching tmux's own capture semantics.
func ensureCRLF(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + len(raw)/16)
	prev := byte(0)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '\n' && prev != '\r' {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}

// grid is a minimal cursor-addressed screen buffer: carriage return moves
// the cursor back to column 0 (so a following write overwrites the line,
// e.g. spinner redraws), line feed advances a row, everything else is a
// plain character write that advances the column and wraps/scrolls as
// needed. ANSI sequences are stripped before reaching feed, so only the
// bare control characters \r/\n/\b and printable runes are ever seen here.
type grid struct {
	width, height int
	buf           [][]rune
	col, row      int
}

func newGrid(w, h int) *grid {
	buf := make([][]rune, h)
	for i := range buf {
		buf[i] = make([]rune, w)
		for j := range buf[i] {
			buf[i][j] = ' '
		}
	}
	return &grid{width: w, height: h, buf: buf}
}

func (g *grid) feed(s string) {
	for _, r := range s {
		switch r {
		case '\n':
			g.row++
			if g.row >= g.height {
				g.scroll()
				g.row = g.height - 1
			}
		case '\r':
			g.col = 0
		case '\b':
			if g.col > 0 {
				g.col--
			}
		default:
			if g.col >= g.width {
				g.col = 0
				g.row++
				if g.row >= g.height {
					g.scroll()
					g.row = g.height - 1
				}
			}
			g.buf[g.row][g.col] = r
			g.col++
		}
	}
}

func (g *grid) scroll() {
	copy(g.buf, g.buf[1:])
	last := make([]rune, g.width)
	for i := range last {
		last[i] = ' '
	}
	g.buf[g.height-1] = last
}

func (g *grid) rows() []string {
	limit := g.row + 1
	if limit > g.height {
		limit = g.height
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = string(g.buf[i])
	}
	return out
}
