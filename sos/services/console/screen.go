package console

import (
	"image/color"
	"strings"
	"unicode/utf8"

	"mote/hal"

	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

var (
	Foreground = color.RGBA{R: 0xE0, G: 0xE0, B: 0xE0, A: 0xFF}
	Background = color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xFF}
)

// Screen draws text lines onto a framebuffer.
type Screen struct {
	fb   hal.Framebuffer
	font tinyfont.Fonter

	lineHeight int16
	baseline   int16
	charWidth  int16
}

var _ drivers.Displayer = (*Screen)(nil)

// NewScreen returns a Screen over fb using the built-in monospace font.
func NewScreen(fb hal.Framebuffer) *Screen {
	font := &proggy.TinySZ8pt7b
	s := &Screen{fb: fb, font: font}
	s.lineHeight = int16(font.GetYAdvance())
	if s.lineHeight <= 0 {
		s.lineHeight = 10
	}
	s.baseline = s.lineHeight - s.lineHeight/4
	_, w := tinyfont.LineWidth(font, "0")
	s.charWidth = int16(w)
	if s.charWidth <= 0 {
		s.charWidth = 6
	}
	return s
}

func (s *Screen) Size() (x, y int16) {
	if s.fb == nil {
		return 0, 0
	}
	return int16(s.fb.Width()), int16(s.fb.Height())
}

func (s *Screen) SetPixel(x, y int16, c color.RGBA) {
	if s.fb == nil || s.fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	hal.SetPixel565(s.fb, int(x), int(y), hal.RGB565(c.R, c.G, c.B))
}

func (s *Screen) Display() error {
	if s.fb == nil {
		return nil
	}
	return s.fb.Present()
}

// Columns returns how many characters fit on a line.
func (s *Screen) Columns() int {
	w, _ := s.Size()
	return int(w / s.charWidth)
}

// Rows returns how many lines fit on the screen.
func (s *Screen) Rows() int {
	_, h := s.Size()
	return int(h / s.lineHeight)
}

// Show clears the screen, draws lines top to bottom and presents the
// result. Long lines wrap; lines past the bottom edge are dropped.
func (s *Screen) Show(lines []string, fg, bg color.RGBA) error {
	if s.fb == nil {
		return nil
	}
	s.fb.ClearRGB(bg.R, bg.G, bg.B)

	cols := s.Columns()
	if cols <= 0 {
		cols = 1
	}
	_, maxH := s.Size()
	y := int16(0)
	for _, line := range lines {
		for {
			if y+s.lineHeight > maxH {
				return s.Display()
			}
			chunk, rest := takeRunes(line, cols)
			tinyfont.WriteLine(s, s.font, 0, y+s.baseline, chunk, fg)
			y += s.lineHeight
			line = strings.TrimLeft(rest, " ")
			if line == "" {
				break
			}
		}
	}
	return s.Display()
}

func takeRunes(s string, n int) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if len(s) <= n {
		return s, ""
	}
	var i, count int
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i], s[i:]
}
