package image

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/tinyrange/vgaboot/internal/multiboot2"
)

// Segment is one region a loader copies into memory.
type Segment struct {
	Offset  int
	Addr    uint32
	MemSize uint32
	Flags   elf.ProgFlag
	// Data holds the file-backed bytes; the rest up to MemSize is zero.
	Data []byte
}

func (s Segment) End() uint64 {
	return uint64(s.Addr) + uint64(s.MemSize)
}

// Info describes an image as a loader sees it.
type Info struct {
	Format       Format
	Size         int
	HeaderOffset int
	Header       *multiboot2.Header
	Entry        uint32
	Segments     []Segment
}

// Contains reports whether addr lies inside a loaded segment.
func (info *Info) Contains(addr uint32) bool {
	for _, s := range info.Segments {
		if addr >= s.Addr && uint64(addr) < s.End() {
			return true
		}
	}
	return false
}

// Inspect locates the header and the loadable segments of data. An entry
// address tag overrides the ELF entry point.
func Inspect(data []byte) (*Info, error) {
	off, hdr, err := multiboot2.Find(data)
	if err != nil {
		return nil, err
	}
	info := &Info{Size: len(data), HeaderOffset: off, Header: hdr}

	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		info.Format = FormatELF
		err = inspectELF(info, data)
	} else {
		info.Format = FormatFlat
		err = inspectFlat(info, data)
	}
	if err != nil {
		return nil, err
	}

	if tag, ok := hdr.Tag(multiboot2.TagEntryAddress); ok {
		info.Entry = tag.(*multiboot2.EntryAddressTag).EntryAddr
	}
	if !info.Contains(info.Entry) {
		return nil, fmt.Errorf("image: entry %#x outside the loaded segments", info.Entry)
	}
	return info, nil
}

func inspectELF(info *Info, data []byte) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open elf image: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("image: unsupported ELF class %v (want ELFCLASS32)", f.Class)
	}
	if f.Machine != elf.EM_386 {
		return fmt.Errorf("image: unsupported ELF machine %v (want EM_386)", f.Machine)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return fmt.Errorf("image: ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Off+prog.Filesz > uint64(len(data)) {
			return fmt.Errorf("image: ELF segment @%#x runs past the end of the file", prog.Off)
		}
		if prog.Paddr+prog.Memsz > 1<<32 {
			return fmt.Errorf("image: ELF segment at %#x exceeds the 32-bit address space", prog.Paddr)
		}
		info.Segments = append(info.Segments, Segment{
			Offset:  int(prog.Off),
			Addr:    uint32(prog.Paddr),
			MemSize: uint32(prog.Memsz),
			Flags:   prog.Flags,
			Data:    data[prog.Off : prog.Off+prog.Filesz],
		})
	}
	if len(info.Segments) == 0 {
		return errors.New("image: ELF image has no loadable segments")
	}
	info.Entry = uint32(f.Entry)
	return nil
}

func inspectFlat(info *Info, data []byte) error {
	tag, ok := info.Header.Tag(multiboot2.TagAddress)
	if !ok {
		return errors.New("image: not an ELF file and the header has no address tag")
	}
	addr := tag.(*multiboot2.AddressTag)
	if _, ok := info.Header.Tag(multiboot2.TagEntryAddress); !ok {
		return errors.New("image: flat image without an entry address tag")
	}
	if addr.HeaderAddr < addr.LoadAddr {
		return fmt.Errorf("image: header address %#x below load address %#x", addr.HeaderAddr, addr.LoadAddr)
	}

	// The file is loaded from the byte that ends up at LoadAddr.
	start := info.HeaderOffset - int(addr.HeaderAddr-addr.LoadAddr)
	if start < 0 {
		return fmt.Errorf("image: load address %#x lies before the start of the file", addr.LoadAddr)
	}
	end := len(data)
	if addr.LoadEndAddr != 0 {
		if addr.LoadEndAddr < addr.LoadAddr || start+int(addr.LoadEndAddr-addr.LoadAddr) > len(data) {
			return fmt.Errorf("image: load end address %#x outside the file", addr.LoadEndAddr)
		}
		end = start + int(addr.LoadEndAddr-addr.LoadAddr)
	}

	memSize := uint32(end - start)
	if addr.BSSEndAddr != 0 {
		if uint64(addr.BSSEndAddr) < uint64(addr.LoadAddr)+uint64(memSize) {
			return fmt.Errorf("image: bss end address %#x before load end", addr.BSSEndAddr)
		}
		memSize = addr.BSSEndAddr - addr.LoadAddr
	}

	info.Segments = []Segment{{
		Offset:  start,
		Addr:    addr.LoadAddr,
		MemSize: memSize,
		Flags:   elf.PF_R | elf.PF_W | elf.PF_X,
		Data:    data[start:end],
	}}
	return nil
}
