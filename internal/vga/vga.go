// Package vga models the VGA text-mode frame buffer: an 80x25 grid of
// two-byte cells at physical address 0xB8000.
package vga

import "fmt"

const (
	// BaseAddress is the physical address of the text frame buffer.
	BaseAddress uint32 = 0xB8000

	Columns = 80
	Rows    = 25

	// Cells is the number of character cells physically present.
	Cells = Columns * Rows

	// CellSize is the number of bytes per cell: character then attribute.
	CellSize = 2

	// Size is the byte length of the frame buffer.
	Size = Cells * CellSize

	// Pitch is the byte length of one row.
	Pitch = Columns * CellSize
)

// Color is one of the 16 standard text-mode colours.
type Color uint8

const (
	Black Color = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGray
	DarkGray
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

var colorNames = [...]string{
	"black", "blue", "green", "cyan", "red", "magenta", "brown", "light-gray",
	"dark-gray", "light-blue", "light-green", "light-cyan", "light-red",
	"light-magenta", "yellow", "white",
}

func (c Color) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return fmt.Sprintf("color(%d)", uint8(c))
}

// ParseColor accepts a colour name as returned by Color.String.
func ParseColor(name string) (Color, error) {
	for i, n := range colorNames {
		if n == name {
			return Color(i), nil
		}
	}
	return 0, fmt.Errorf("vga: unknown color %q", name)
}

// Attribute is the high byte of a cell: foreground in the low nibble,
// background in the high nibble.
type Attribute uint8

// DefaultAttribute is light red on black.
const DefaultAttribute Attribute = Attribute(LightRed) | Attribute(Black)<<4

func NewAttribute(fg, bg Color) Attribute {
	return Attribute(fg&0x0F) | Attribute(bg&0x0F)<<4
}

func (a Attribute) Foreground() Color { return Color(a & 0x0F) }
func (a Attribute) Background() Color { return Color(a >> 4 & 0x0F) }

func (a Attribute) String() string {
	return fmt.Sprintf("%s on %s", a.Foreground(), a.Background())
}

// Cell is one character position.
type Cell struct {
	Char byte
	Attr Attribute
}

// Encode returns the cell as the 16-bit little-endian word stored in video
// memory.
func (c Cell) Encode() uint16 {
	return uint16(c.Attr)<<8 | uint16(c.Char)
}

func DecodeCell(v uint16) Cell {
	return Cell{Char: byte(v), Attr: Attribute(v >> 8)}
}

// CellAddress returns the physical address of cell index i.
func CellAddress(i int) uint32 {
	return BaseAddress + uint32(i*CellSize)
}

// Contains reports whether the physical range [addr, addr+size) lies inside
// the frame buffer.
func Contains(addr uint32, size int) bool {
	return addr >= BaseAddress && uint64(addr)+uint64(size) <= uint64(BaseAddress)+Size
}
