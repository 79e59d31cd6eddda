// Package console provides the early boot console used as the kfmt output
// sink while the kernel sets up its memory subsystem.
package console

import "unsafe"

const (
	// tabWidth is the number of columns between tab stops.
	tabWidth = 8
)

// VgaText implements an EGA-compatible text console using VGA mode 0x3. It
// implements io.Writer so that it can be attached as the kfmt output sink.
//
// Each character in the console framebuffer is represented using two bytes,
// a byte for the character ASCII code and a byte that encodes the foreground
// and background colors (4 bits for each).
//
// VgaText values are meant to be package-level statics; the zero value is an
// inactive console that discards its output.
type VgaText struct {
	width  uint32
	height uint32

	fb []uint16

	// cursor position; both coordinates are 0-based
	curX, curY uint32

	attr      uint16
	clearChar uint16
}

// Init attaches the console to a columns x rows framebuffer at the virtual
// address fbAddr and clears it. Text is rendered as light gray (color 7) on
// black (color 0).
func (cons *VgaText) Init(columns, rows uint32, fbAddr uintptr) {
	cons.width, cons.height = columns, rows
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), columns*rows)
	cons.attr = uint16(0<<4|7) << 8
	cons.clearChar = cons.attr | uint16(' ')
	cons.curX, cons.curY = 0, 0
	cons.clearRows(0, rows)
}

// Dimensions returns the console width and height in characters.
func (cons *VgaText) Dimensions() (uint32, uint32) {
	return cons.width, cons.height
}

// Cursor returns the 0-based column and row where the next character will be
// written.
func (cons *VgaText) Cursor() (uint32, uint32) {
	return cons.curX, cons.curY
}

// Write renders p at the cursor position, wrapping long lines and scrolling
// the console contents up when the cursor moves past the last row. It
// handles newline, carriage return and tab characters. Write never fails.
func (cons *VgaText) Write(p []byte) (int, error) {
	if len(cons.fb) == 0 {
		return len(p), nil
	}

	for _, ch := range p {
		switch ch {
		case '\n':
			cons.newLine()
		case '\r':
			cons.curX = 0
		case '\t':
			for spaces := tabWidth - cons.curX%tabWidth; spaces > 0; spaces-- {
				cons.putChar(' ')
			}
		default:
			cons.putChar(ch)
		}
	}

	return len(p), nil
}

func (cons *VgaText) putChar(ch byte) {
	if cons.curX == cons.width {
		cons.newLine()
	}

	cons.fb[cons.curY*cons.width+cons.curX] = cons.attr | uint16(ch)
	cons.curX++
}

func (cons *VgaText) newLine() {
	cons.curX = 0
	if cons.curY+1 < cons.height {
		cons.curY++
		return
	}

	cons.scrollUp()
}

// scrollUp moves the console contents up by one row and clears the last row.
func (cons *VgaText) scrollUp() {
	copy(cons.fb, cons.fb[cons.width:])
	cons.clearRows(cons.height-1, 1)
}

func (cons *VgaText) clearRows(first, count uint32) {
	row := cons.fb[first*cons.width : (first+count)*cons.width]
	for i := range row {
		row[i] = cons.clearChar
	}
}
