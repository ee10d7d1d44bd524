package kernel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/vgaboot/internal/asm"
	"github.com/tinyrange/vgaboot/internal/asm/testutil"
	hv "github.com/tinyrange/vgaboot/internal/hv/i386"
	"github.com/tinyrange/vgaboot/internal/trace"
	"github.com/tinyrange/vgaboot/internal/vga"
)

func TestConfigText(t *testing.T) {
	long := strings.Repeat("x", vga.Cells+7)

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr error
	}{
		{"default", DefaultConfig(), DefaultMessage, nil},
		{"empty", Config{}, "", nil},
		{"full", Config{Message: long[:vga.Cells]}, long[:vga.Cells], nil},
		{"reject", Config{Message: long}, "", ErrMessageTooLong},
		{"truncate", Config{Message: long, Overflow: OverflowTruncate}, long[:vga.Cells], nil},
		{"halt", Config{Message: long, Overflow: OverflowHalt}, long, nil},
		{"nul", Config{Message: "a\x00b"}, "", ErrEmbeddedNUL},
		{"non_ascii", Config{Message: "café"}, "", ErrNotASCII},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Text()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Text error=%v, want %v", err, tt.wantErr)
				}
				if _, err := Entry(tt.cfg); !errors.Is(err, tt.wantErr) {
					t.Fatalf("Entry error=%v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Text: %v", err)
			}
			if got != tt.want {
				i := 0
				for i < len(got) && i < len(tt.want) && got[i] == tt.want[i] {
					i++
				}
				t.Fatalf("Text differs at offset %d: got %d bytes %.16q, want %d bytes %.16q",
					i, len(got), got[i:], len(tt.want), tt.want[i:])
			}
		})
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	for _, p := range []OverflowPolicy{OverflowReject, OverflowTruncate, OverflowHalt} {
		got, err := ParseOverflowPolicy(strings.ToUpper(p.String()))
		if err != nil || got != p {
			t.Fatalf("ParseOverflowPolicy(%q)=%v,%v want %v", p.String(), got, err, p)
		}
	}
	if got, err := ParseOverflowPolicy(""); err != nil || got != OverflowReject {
		t.Fatalf("ParseOverflowPolicy(\"\")=%v,%v", got, err)
	}
	if _, err := ParseOverflowPolicy("wrap"); err == nil {
		t.Fatalf("ParseOverflowPolicy accepted an unknown name")
	}
}

func TestProgramLayout(t *testing.T) {
	cfg := Config{Message: "OK", Attribute: vga.DefaultAttribute}
	prog, err := Program(cfg)
	if err != nil {
		t.Fatalf("Program: %v", err)
	}

	code := prog.Bytes()
	if !bytes.HasSuffix(code, []byte("OK\x00")) {
		t.Fatalf("program does not end with the NUL-terminated message: % x", code[len(code)-4:])
	}
	if relocs := prog.Relocations(); len(relocs) != 1 {
		t.Fatalf("relocations=%v, want exactly the message pointer", relocs)
	}
	if code[0] != 0xFA {
		t.Fatalf("first instruction=%#x, want cli", code[0])
	}

	start, end, err := HaltLoop(prog)
	if err != nil {
		t.Fatalf("HaltLoop: %v", err)
	}
	// cli; hlt; jmp rel32 back to cli.
	want := []byte{0xFA, 0xF4, 0xE9, 0xF9, 0xFF, 0xFF, 0xFF}
	if got := code[start:end]; !bytes.Equal(got, want) {
		t.Fatalf("halt loop=% x, want % x", got, want)
	}
	// or eax, 0x0c00; mov [edi], ax
	cellStore := []byte{0x81, 0xC8, 0x00, 0x0C, 0x00, 0x00, 0x66, 0x89, 0x07}
	if !bytes.Contains(code[:start], cellStore) {
		t.Fatalf("cell store % x not found", cellStore)
	}
}

func TestAttributeIsEmbedded(t *testing.T) {
	attr := vga.NewAttribute(vga.White, vga.Blue)
	prog, err := Program(Config{Message: "x", Attribute: attr})
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	if !bytes.Contains(prog.Bytes(), []byte{0x81, 0xC8, 0x00, byte(attr), 0x00, 0x00}) {
		t.Fatalf("attribute %#x not stored by the routine", byte(attr))
	}
}

func TestRunWritesCells(t *testing.T) {
	mem := vga.NewMemory()
	n, err := Run(vga.NewFrameBuffer(mem), Config{Message: "OK", Attribute: vga.DefaultAttribute})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Fatalf("Run wrote %d cells, want 2", n)
	}
	if got, want := mem[:4], []byte{0x4F, 0x0C, 0x4B, 0x0C}; !bytes.Equal(got, want) {
		t.Fatalf("frame buffer=% x, want % x", got, want)
	}
	if !bytes.Equal(mem[4:], make([]byte, vga.Size-4)) {
		t.Fatalf("cells beyond the message were written")
	}
}

func TestRunEmptyMessage(t *testing.T) {
	mem := vga.NewMemory()
	n, err := Run(vga.NewFrameBuffer(mem), Config{Attribute: vga.DefaultAttribute})
	if err != nil || n != 0 {
		t.Fatalf("Run=%d,%v want 0,nil", n, err)
	}
	if !bytes.Equal(mem[:], make([]byte, vga.Size)) {
		t.Fatalf("empty message modified the frame buffer")
	}
}

func TestRunOverflowHaltStopsAtLastCell(t *testing.T) {
	mem := vga.NewMemory()
	cfg := Config{Message: strings.Repeat("ab", vga.Cells), Attribute: 7, Overflow: OverflowHalt}
	n, err := Run(vga.NewFrameBuffer(mem), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != vga.Cells {
		t.Fatalf("Run wrote %d cells, want %d", n, vga.Cells)
	}
	if got, err := cfg.Cells(); err != nil || got != vga.Cells {
		t.Fatalf("Cells=%d,%v want %d", got, err, vga.Cells)
	}
	if mem[vga.Size-2] != 'b' || mem[vga.Size-1] != 7 {
		t.Fatalf("last cell=% x", mem[vga.Size-2:])
	}
}

func TestEntryDisassembly(t *testing.T) {
	prog, err := Program(DefaultConfig())
	if err != nil {
		t.Fatalf("Program: %v", err)
	}

	offset := func(l asm.Label) *int {
		off, ok := prog.LabelOffset(l)
		if !ok {
			t.Fatalf("label %q not defined", l)
		}
		return testutil.Offset(off)
	}

	lines := testutil.DisassembleWithObjdump(t, prog.Bytes(), testutil.MachineI386, "-M", "att")
	testutil.VerifyExpectations(t, lines, []testutil.Expectation{
		{Name: "cli", Mnemonic: "cli"},
		{Name: "load_message", Mnemonic: "mov", Contains: []string{"%esi"}},
		{Name: "load_base", Mnemonic: "mov", Contains: []string{"$0xb8000,%edi"}},
		{Name: "load_limit", Mnemonic: "mov", Contains: []string{"$0xb8fa0,%ecx"}},
		{Name: "load_byte", Contains: []string{"movz", "(%esi),%eax"}, At: offset(LabelLoop)},
		{Name: "test_nul", Mnemonic: "test", Contains: []string{"%eax,%eax"}},
		{Name: "stop_on_nul", Mnemonic: "je", JumpsTo: offset(LabelHalt)},
		{Name: "bound", Mnemonic: "cmp", Contains: []string{"%ecx,%edi"}},
		{Name: "stop_on_bound", Mnemonic: "jae", JumpsTo: offset(LabelHalt)},
		{Name: "attach_attr", Mnemonic: "or", Contains: []string{"$0xc00,%eax"}},
		{Name: "store_cell", Mnemonic: "mov", Contains: []string{"%ax,(%edi)"}},
		{Name: "next_char", Mnemonic: "inc", Contains: []string{"%esi"}},
		{Name: "next_cell", Mnemonic: "add", Contains: []string{"$0x2,%edi"}},
		{Name: "loop", Mnemonic: "jmp", JumpsTo: offset(LabelLoop)},
		{Name: "halt_cli", Mnemonic: "cli", At: offset(LabelHalt)},
		{Name: "hlt", Mnemonic: "hlt"},
		{Name: "halt_loop", Mnemonic: "jmp", JumpsTo: offset(LabelHalt)},
	})
}

func TestEntryStoresOneWordPerCell(t *testing.T) {
	for _, msg := range []string{"OK", DefaultMessage} {
		prog, err := Program(Config{Message: msg, Attribute: vga.DefaultAttribute})
		if err != nil {
			t.Fatalf("Program: %v", err)
		}
		code, err := prog.RelocatedCopy(uint64(hv.HighMemoryBase))
		if err != nil {
			t.Fatalf("RelocatedCopy: %v", err)
		}

		mem := trace.NewMemory()
		m, err := hv.NewMachine(hv.Config{Trace: trace.New(mem)})
		if err != nil {
			t.Fatalf("NewMachine: %v", err)
		}
		defer m.Close()
		if err := m.LoadBytes(hv.HighMemoryBase, code); err != nil {
			t.Fatalf("LoadBytes: %v", err)
		}
		if err := m.Handoff(hv.HighMemoryBase, 0x36d76289, 0x10000); err != nil {
			t.Fatalf("Handoff: %v", err)
		}
		if err := m.Run(context.Background(), 100000); !errors.Is(err, hv.ErrHalted) {
			t.Fatalf("Run error=%v, want ErrHalted", err)
		}

		reader, err := mem.Reader()
		if err != nil {
			t.Fatalf("Reader: %v", err)
		}
		stores, err := reader.Records(trace.SearchOptions{Kinds: []trace.Kind{trace.KindStore}})
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		if len(stores) != len(msg) {
			t.Fatalf("%q: stores=%d, want %d", msg, len(stores), len(msg))
		}
		for i, r := range stores {
			want := vga.Cell{Char: msg[i], Attr: vga.DefaultAttribute}.Encode()
			if r.Size != vga.CellSize || r.Addr != vga.CellAddress(i) || r.Value != uint32(want) {
				t.Fatalf("%q: store %d=%v, want %#04x at %#x", msg, i, r, want, vga.CellAddress(i))
			}
		}
	}
}
