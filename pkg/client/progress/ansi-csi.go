package progress

import "strconv"

// ANSI CSI sequences
// https://en.wikipedia.org/wiki/ANSI_escape_code#CSIsection
const ESC = 0x1b

var CSI = []byte{ESC, '['}

const (
	SGR_RESET    = 0
	SGR_BOLD     = 1
	SGR_FG_RED   = 31
	SGR_FG_GREEN = 32
	SGR_FG_CYAN  = 36
)

// Cursor Up
func CUU(n int) []byte { return csi(n, 'A') }

// Erase in Display, 0 clears from cursor to end of screen.
func ED(n int) []byte { return csi(n, 'J') }

// Select Graphic Rendition
func SGR(n int) []byte { return csi(n, 'm') }

// Colored wraps s in a color sequence and a reset.
func Colored(color int, s string) string {
	return string(SGR(color)) + s + string(SGR(SGR_RESET))
}

func csi(n int, i byte) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, CSI...)
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, i)
}
