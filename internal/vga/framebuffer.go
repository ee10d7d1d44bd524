package vga

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrOverrun is returned for a write at or beyond the last cell.
var ErrOverrun = errors.New("vga: write beyond frame buffer")

// Memory is the byte storage behind a frame buffer. Offsets are relative to
// BaseAddress.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Buffer is host memory sized for one frame buffer.
type Buffer [Size]byte

func NewMemory() *Buffer { return new(Buffer) }

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= Size {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > Size {
		return 0, ErrOverrun
	}
	return copy(b[off:], p), nil
}

// FrameBuffer gives checked cell access to text-mode video memory.
type FrameBuffer struct {
	mem Memory
}

func NewFrameBuffer(mem Memory) *FrameBuffer {
	return &FrameBuffer{mem: mem}
}

// Put stores c at cell index i. Indices outside [0, Cells) are rejected
// without touching memory.
func (fb *FrameBuffer) Put(i int, c Cell) error {
	if i < 0 || i >= Cells {
		return fmt.Errorf("%w: cell %d of %d", ErrOverrun, i, Cells)
	}
	var word [CellSize]byte
	binary.LittleEndian.PutUint16(word[:], c.Encode())
	if _, err := fb.mem.WriteAt(word[:], int64(i*CellSize)); err != nil {
		return fmt.Errorf("vga: write cell %d: %w", i, err)
	}
	return nil
}

// Cell reads cell index i.
func (fb *FrameBuffer) Cell(i int) (Cell, error) {
	if i < 0 || i >= Cells {
		return Cell{}, fmt.Errorf("%w: cell %d of %d", ErrOverrun, i, Cells)
	}
	var word [CellSize]byte
	if _, err := fb.mem.ReadAt(word[:], int64(i*CellSize)); err != nil {
		return Cell{}, fmt.Errorf("vga: read cell %d: %w", i, err)
	}
	return DecodeCell(binary.LittleEndian.Uint16(word[:])), nil
}

// Bytes returns a copy of the whole frame buffer.
func (fb *FrameBuffer) Bytes() ([]byte, error) {
	out := make([]byte, Size)
	if _, err := fb.mem.ReadAt(out, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("vga: snapshot: %w", err)
	}
	return out, nil
}

// Snapshot returns every cell in row-major order.
func (fb *FrameBuffer) Snapshot() (Snapshot, error) {
	raw, err := fb.Bytes()
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	for i := range s {
		s[i] = DecodeCell(binary.LittleEndian.Uint16(raw[i*CellSize:]))
	}
	return s, nil
}

// Snapshot is a copy of the frame buffer contents.
type Snapshot [Cells]Cell

// Row returns the characters of row y. NUL cells read as spaces.
func (s *Snapshot) Row(y int) string {
	var b bytes.Buffer
	for x := 0; x < Columns; x++ {
		b.WriteByte(printable(s[y*Columns+x].Char))
	}
	return string(b.Bytes())
}

// Text returns the characters of the first n cells.
func (s *Snapshot) Text(n int) string {
	n = min(n, Cells)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = s[i].Char
	}
	return string(out)
}

// Digest is a SHA-256 of the encoded cells, used to compare boots.
func (s *Snapshot) Digest() [sha256.Size]byte {
	raw := make([]byte, Size)
	for i, c := range s {
		binary.LittleEndian.PutUint16(raw[i*CellSize:], c.Encode())
	}
	return sha256.Sum256(raw)
}

func printable(c byte) byte {
	switch {
	case c == 0:
		return ' '
	case c < 0x20 || c >= 0x7F:
		return '.'
	default:
		return c
	}
}

// Cursor writes cells in order starting at cell 0.
type Cursor struct {
	fb  *FrameBuffer
	pos int
}

func NewCursor(fb *FrameBuffer) *Cursor {
	return &Cursor{fb: fb}
}

// Write stores c at the cursor and advances it by one cell. At the end of
// the grid it returns ErrOverrun and the cursor stays put.
func (c *Cursor) Write(cell Cell) error {
	if err := c.fb.Put(c.pos, cell); err != nil {
		return err
	}
	c.pos++
	return nil
}

func (c *Cursor) Pos() int       { return c.pos }
func (c *Cursor) Remaining() int { return Cells - c.pos }
