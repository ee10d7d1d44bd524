package vga

import (
	"bufio"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// ansiColors maps text-mode colour indices to the ANSI palette. The two
// orderings differ: VGA puts blue at 1, ANSI puts red there.
var ansiColors = [16]ansi.BasicColor{
	Black:        ansi.Black,
	Blue:         ansi.Blue,
	Green:        ansi.Green,
	Cyan:         ansi.Cyan,
	Red:          ansi.Red,
	Magenta:      ansi.Magenta,
	Brown:        ansi.Yellow,
	LightGray:    ansi.White,
	DarkGray:     ansi.BrightBlack,
	LightBlue:    ansi.BrightBlue,
	LightGreen:   ansi.BrightGreen,
	LightCyan:    ansi.BrightCyan,
	LightRed:     ansi.BrightRed,
	LightMagenta: ansi.BrightMagenta,
	Yellow:       ansi.BrightYellow,
	White:        ansi.BrightWhite,
}

// ANSIColor returns the terminal colour used to display c.
func ANSIColor(c Color) ansi.BasicColor {
	return ansiColors[c&0x0F]
}

type RenderOptions struct {
	// Color emits SGR sequences for cell attributes.
	Color bool
	// Trim drops trailing blank cells and rows.
	Trim bool
}

// Render writes the snapshot as text, one line per row.
func (s *Snapshot) Render(w io.Writer, opts RenderOptions) error {
	bw := bufio.NewWriter(w)

	rows := Rows
	if opts.Trim {
		for rows > 0 && s.blankRow(rows-1) {
			rows--
		}
	}

	for y := 0; y < rows; y++ {
		line := s[y*Columns : (y+1)*Columns]
		if opts.Trim {
			for len(line) > 0 && blank(line[len(line)-1]) {
				line = line[:len(line)-1]
			}
		}
		if opts.Color {
			renderColor(bw, line)
		} else {
			for _, c := range line {
				bw.WriteByte(printable(c.Char))
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func renderColor(w *bufio.Writer, line []Cell) {
	var run strings.Builder
	for start := 0; start < len(line); {
		attr := line[start].Attr
		end := start
		run.Reset()
		for end < len(line) && line[end].Attr == attr {
			run.WriteByte(printable(line[end].Char))
			end++
		}
		style := ansi.Style{}.
			ForegroundColor(ANSIColor(attr.Foreground())).
			BackgroundColor(ANSIColor(attr.Background()))
		w.WriteString(style.Styled(run.String()))
		start = end
	}
}

func (s *Snapshot) blankRow(y int) bool {
	for _, c := range s[y*Columns : (y+1)*Columns] {
		if !blank(c) {
			return false
		}
	}
	return true
}

func blank(c Cell) bool {
	return c.Char == 0 || c.Char == ' '
}
