package vga

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

func TestAttributePacking(t *testing.T) {
	if DefaultAttribute != 12 {
		t.Fatalf("DefaultAttribute=%d, want 12", DefaultAttribute)
	}
	attr := NewAttribute(Yellow, Blue)
	if got, want := uint8(attr), uint8(0x1E); got != want {
		t.Fatalf("attribute=%#x, want %#x", got, want)
	}
	if attr.Foreground() != Yellow || attr.Background() != Blue {
		t.Fatalf("decoded %v", attr)
	}

	c := Cell{Char: 'O', Attr: DefaultAttribute}
	if got, want := c.Encode(), uint16(0x0C4F); got != want {
		t.Fatalf("Encode=%#x, want %#x", got, want)
	}
	if DecodeCell(0x0C4F) != c {
		t.Fatalf("DecodeCell mismatch")
	}
}

func TestParseColor(t *testing.T) {
	for i := 0; i < 16; i++ {
		c := Color(i)
		got, err := ParseColor(c.String())
		if err != nil {
			t.Fatalf("ParseColor(%q): %v", c.String(), err)
		}
		if got != c {
			t.Fatalf("ParseColor(%q)=%v, want %v", c.String(), got, c)
		}
	}
	if _, err := ParseColor("octarine"); err == nil {
		t.Fatalf("ParseColor accepted unknown name")
	}
}

func TestCursorWritesBytes(t *testing.T) {
	mem := NewMemory()
	cur := NewCursor(NewFrameBuffer(mem))

	for _, ch := range []byte("OK") {
		if err := cur.Write(Cell{Char: ch, Attr: DefaultAttribute}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if got, want := mem[:4], []byte{0x4F, 0x0C, 0x4B, 0x0C}; !bytes.Equal(got, want) {
		t.Fatalf("frame buffer prefix=% x, want % x", got, want)
	}
	if !bytes.Equal(mem[4:], make([]byte, Size-4)) {
		t.Fatalf("bytes beyond the message were modified")
	}
	if cur.Pos() != 2 || cur.Remaining() != Cells-2 {
		t.Fatalf("cursor pos=%d remaining=%d", cur.Pos(), cur.Remaining())
	}
}

func TestCursorStopsAtCapacity(t *testing.T) {
	mem := NewMemory()
	cur := NewCursor(NewFrameBuffer(mem))

	for i := 0; i < Cells; i++ {
		if err := cur.Write(Cell{Char: 'x', Attr: 7}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if mem[Size-2] != 'x' || mem[Size-1] != 7 {
		t.Fatalf("last cell=% x, want 78 07", mem[Size-2:])
	}

	if err := cur.Write(Cell{Char: 'y'}); !errors.Is(err, ErrOverrun) {
		t.Fatalf("Write past capacity error=%v, want ErrOverrun", err)
	}
	if cur.Pos() != Cells {
		t.Fatalf("cursor moved past capacity: %d", cur.Pos())
	}
}

func TestPutRejectsOutOfRange(t *testing.T) {
	fb := NewFrameBuffer(NewMemory())
	for _, i := range []int{-1, Cells, Cells + 1} {
		if err := fb.Put(i, Cell{Char: 'z'}); !errors.Is(err, ErrOverrun) {
			t.Errorf("Put(%d) error=%v, want ErrOverrun", i, err)
		}
		if _, err := fb.Cell(i); !errors.Is(err, ErrOverrun) {
			t.Errorf("Cell(%d) error=%v, want ErrOverrun", i, err)
		}
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		addr uint32
		size int
		want bool
	}{
		{BaseAddress, 1, true},
		{BaseAddress - 1, 1, false},
		{BaseAddress + Size - 2, 2, true},
		{BaseAddress + Size - 1, 2, false},
		{BaseAddress + Size, 1, false},
	}
	for _, tt := range tests {
		if got := Contains(tt.addr, tt.size); got != tt.want {
			t.Errorf("Contains(%#x, %d)=%v, want %v", tt.addr, tt.size, got, tt.want)
		}
	}
}

func snapshotOf(t *testing.T, msg string, attr Attribute) Snapshot {
	t.Helper()
	fb := NewFrameBuffer(NewMemory())
	cur := NewCursor(fb)
	for i := 0; i < len(msg); i++ {
		if err := cur.Write(Cell{Char: msg[i], Attr: attr}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	s, err := fb.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

func TestRenderPlain(t *testing.T) {
	s := snapshotOf(t, "Hello world!", DefaultAttribute)

	var out bytes.Buffer
	if err := s.Render(&out, RenderOptions{Trim: true}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got, want := out.String(), "Hello world!\n"; got != want {
		t.Fatalf("Render=%q, want %q", got, want)
	}

	out.Reset()
	if err := s.Render(&out, RenderOptions{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != Rows {
		t.Fatalf("rendered %d rows, want %d", len(lines), Rows)
	}
	if len(lines[0]) != Columns {
		t.Fatalf("row width=%d, want %d", len(lines[0]), Columns)
	}
	if s.Row(0)[:12] != "Hello world!" {
		t.Fatalf("Row(0)=%q", s.Row(0))
	}
}

func TestRenderColorThroughTerminal(t *testing.T) {
	s := snapshotOf(t, "OK", DefaultAttribute)

	var out bytes.Buffer
	if err := s.Render(&out, RenderOptions{Color: true, Trim: true}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := ansi.Strip(out.String()); got != "OK\n" {
		t.Fatalf("stripped output=%q, want %q", got, "OK\n")
	}

	emu := vt.NewSafeEmulator(Columns, Rows)
	defer emu.Close()
	if _, err := emu.Write(bytes.ReplaceAll(out.Bytes(), []byte("\n"), []byte("\r\n"))); err != nil {
		t.Fatalf("emulator write: %v", err)
	}

	for x, want := range []string{"O", "K"} {
		cell := emu.CellAt(x, 0)
		if cell == nil {
			t.Fatalf("no cell at %d,0", x)
		}
		if cell.Content != want {
			t.Fatalf("cell %d content=%q, want %q", x, cell.Content, want)
		}
		if cell.Style.Fg == nil {
			t.Fatalf("cell %d has no foreground colour", x)
		}
	}
}

func TestDigestDeterministic(t *testing.T) {
	a := snapshotOf(t, "same", DefaultAttribute)
	b := snapshotOf(t, "same", DefaultAttribute)
	c := snapshotOf(t, "same", NewAttribute(Green, Black))

	if a.Digest() != b.Digest() {
		t.Fatalf("identical snapshots produced different digests")
	}
	if a.Digest() == c.Digest() {
		t.Fatalf("different attributes produced the same digest")
	}
}
