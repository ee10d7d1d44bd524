package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vgaboot/internal/asm"
	"github.com/tinyrange/vgaboot/internal/kernel"
	"github.com/tinyrange/vgaboot/internal/multiboot2"
)

func entryProgram(t *testing.T) asm.Program {
	t.Helper()
	prog, err := kernel.Program(kernel.DefaultConfig())
	if err != nil {
		t.Fatalf("kernel.Program: %v", err)
	}
	return prog
}

func TestBuildELF(t *testing.T) {
	prog := entryProgram(t)
	data, err := Build(Config{}, multiboot2.New(), prog)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 || f.Type != elf.ET_EXEC {
		t.Fatalf("ELF identity class=%v machine=%v type=%v", f.Class, f.Machine, f.Type)
	}
	if len(f.Progs) != 1 {
		t.Fatalf("program headers=%d, want 1", len(f.Progs))
	}
	p := f.Progs[0]
	if p.Type != elf.PT_LOAD || p.Off != segmentOffset || p.Paddr != uint64(DefaultLoadAddress) || p.Vaddr != p.Paddr {
		t.Fatalf("segment=%+v", p.ProgHeader)
	}
	if want := uint64(multiboot2.MinLength + prog.Len()); p.Filesz != want || p.Memsz != want {
		t.Fatalf("segment size file=%#x mem=%#x, want %#x", p.Filesz, p.Memsz, want)
	}
	if want := uint64(DefaultLoadAddress) + multiboot2.MinLength; f.Entry != want {
		t.Fatalf("entry=%#x, want %#x (first byte after the header)", f.Entry, want)
	}

	// The header is the first thing in the segment.
	off, hdr, err := multiboot2.Find(data)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if off != segmentOffset || len(hdr.Tags) != 0 {
		t.Fatalf("header at %#x with %d tags", off, len(hdr.Tags))
	}

	// mov esi, imm32 follows cli and points at the message in the segment.
	code := data[segmentOffset+multiboot2.MinLength:]
	ptr := binary.LittleEndian.Uint32(code[2:])
	msgOff := int(ptr - uint32(f.Entry))
	if got := string(code[msgOff : msgOff+len(kernel.DefaultMessage)+1]); got != kernel.DefaultMessage+"\x00" {
		t.Fatalf("message pointer %#x leads to %q", ptr, got)
	}
}

func TestBuildFlat(t *testing.T) {
	prog := entryProgram(t)
	const load = 0x200000
	data, err := Build(Config{Format: FormatFlat, LoadAddress: load}, multiboot2.New(), prog)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if binary.LittleEndian.Uint32(data) != multiboot2.Magic {
		t.Fatalf("flat image does not start with the header")
	}

	hdr, err := multiboot2.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tag, ok := hdr.Tag(multiboot2.TagAddress)
	if !ok {
		t.Fatalf("no address tag")
	}
	addr := tag.(*multiboot2.AddressTag)
	if addr.LoadAddr != load || addr.HeaderAddr != load || addr.LoadEndAddr != load+uint32(len(data)) {
		t.Fatalf("address tag=%+v, image %d bytes", addr, len(data))
	}
	tag, ok = hdr.Tag(multiboot2.TagEntryAddress)
	if !ok {
		t.Fatalf("no entry address tag")
	}
	if got, want := tag.(*multiboot2.EntryAddressTag).EntryAddr, load+hdr.Length(); got != want {
		t.Fatalf("entry=%#x, want %#x", got, want)
	}
}

func TestInspect(t *testing.T) {
	prog := entryProgram(t)
	for _, format := range []Format{FormatELF, FormatFlat} {
		t.Run(format.String(), func(t *testing.T) {
			data, err := Build(Config{Format: format}, multiboot2.New(), prog)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			info, err := Inspect(data)
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if info.Format != format {
				t.Fatalf("format=%v, want %v", info.Format, format)
			}
			if len(info.Segments) != 1 {
				t.Fatalf("segments=%d, want 1", len(info.Segments))
			}
			seg := info.Segments[0]
			if seg.Addr != DefaultLoadAddress {
				t.Fatalf("segment address=%#x", seg.Addr)
			}
			if seg.Offset != info.HeaderOffset {
				t.Fatalf("segment offset %#x, header at %#x", seg.Offset, info.HeaderOffset)
			}
			if want := DefaultLoadAddress + info.Header.Length(); info.Entry != want {
				t.Fatalf("entry=%#x, want %#x", info.Entry, want)
			}
			if !bytes.Equal(seg.Data[info.Header.Length():], mustRelocate(t, prog, info.Entry)) {
				t.Fatalf("segment does not carry the relocated routine")
			}
		})
	}
}

func mustRelocate(t *testing.T, prog asm.Program, base uint32) []byte {
	t.Helper()
	code, err := prog.RelocatedCopy(uint64(base))
	if err != nil {
		t.Fatalf("RelocatedCopy: %v", err)
	}
	return code
}

func TestCheckPlacement(t *testing.T) {
	tests := []struct {
		offset, length int
		ok             bool
	}{
		{0, multiboot2.MinLength, true},
		{segmentOffset, multiboot2.MinLength, true},
		{4, multiboot2.MinLength, false},
		{multiboot2.SearchWindow - multiboot2.MinLength, multiboot2.MinLength, true},
		{multiboot2.SearchWindow - 16, multiboot2.MinLength, false},
		{multiboot2.SearchWindow, multiboot2.MinLength, false},
	}
	for _, tt := range tests {
		err := CheckPlacement(tt.offset, tt.length)
		if tt.ok && err != nil {
			t.Errorf("CheckPlacement(%#x, %d): %v", tt.offset, tt.length, err)
		}
		if !tt.ok && !errors.Is(err, ErrOutsideSearchWindow) {
			t.Errorf("CheckPlacement(%#x, %d) error=%v, want ErrOutsideSearchWindow", tt.offset, tt.length, err)
		}
	}
}

func TestBuildRejectsHeaderPastWindow(t *testing.T) {
	big := &multiboot2.RawTag{TagType: 0x7FF0, Flags: multiboot2.FlagOptional, Payload: make([]byte, multiboot2.SearchWindow-segmentOffset)}
	if _, err := Build(Config{}, multiboot2.New(big), entryProgram(t)); !errors.Is(err, ErrOutsideSearchWindow) {
		t.Fatalf("Build error=%v, want ErrOutsideSearchWindow", err)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	prog := entryProgram(t)
	if _, err := Build(Config{LoadAddress: 0x100800}, multiboot2.New(), prog); err == nil {
		t.Fatalf("Build accepted an unaligned ELF load address")
	}
	if _, err := Build(Config{Format: Format(9)}, multiboot2.New(), prog); err == nil {
		t.Fatalf("Build accepted an unknown format")
	}
	if _, err := Build(Config{}, nil, prog); err == nil {
		t.Fatalf("Build accepted a nil header")
	}
}

func TestInspectRejects(t *testing.T) {
	if _, err := Inspect(make([]byte, 4096)); !errors.Is(err, multiboot2.ErrNotFound) {
		t.Fatalf("Inspect of zeros error=%v, want ErrNotFound", err)
	}

	// A bare header is neither ELF nor placeable.
	raw, err := multiboot2.New().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if _, err := Inspect(raw); err == nil {
		t.Fatalf("Inspect accepted a flat image without an address tag")
	}
}

func TestParseFormat(t *testing.T) {
	for _, f := range []Format{FormatELF, FormatFlat} {
		got, err := ParseFormat(f.String())
		if err != nil || got != f {
			t.Fatalf("ParseFormat(%q)=%v,%v", f.String(), got, err)
		}
	}
	if _, err := ParseFormat("pe"); err == nil {
		t.Fatalf("ParseFormat accepted pe")
	}
}
