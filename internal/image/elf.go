package image

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vgaboot/internal/asm"
	"github.com/tinyrange/vgaboot/internal/multiboot2"
)

const (
	elfHeaderSize        = 52
	elfProgramHeaderSize = 32

	// segmentOffset is the file offset of the loadable segment. The header is
	// its first byte.
	segmentOffset    = 0x1000
	segmentAlignment = 0x1000
	segmentFlags     = elf.PF_R | elf.PF_X
)

func buildELF(cfg Config, hdr *multiboot2.Header, prog asm.Program) ([]byte, int, error) {
	if cfg.LoadAddress%segmentAlignment != 0 {
		return nil, 0, fmt.Errorf("image: load address %#x is not aligned to %#x", cfg.LoadAddress, segmentAlignment)
	}
	if err := CheckPlacement(segmentOffset, int(hdr.Length())); err != nil {
		return nil, 0, err
	}

	seg, entry, err := segment(hdr, prog, cfg.LoadAddress)
	if err != nil {
		return nil, 0, err
	}

	prefix := make([]byte, segmentOffset)
	fillELFHeader(prefix[:elfHeaderSize], entry)
	fillProgramHeader(prefix[elfHeaderSize:elfHeaderSize+elfProgramHeaderSize], cfg.LoadAddress, uint32(len(seg)))

	return append(prefix, seg...), segmentOffset, nil
}

func fillELFHeader(buf []byte, entry uint32) {
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = byte(elf.ELFCLASS32)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_386))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint32(buf[24:], entry)
	binary.LittleEndian.PutUint32(buf[28:], elfHeaderSize) // program header offset
	binary.LittleEndian.PutUint32(buf[32:], 0)             // no section headers
	binary.LittleEndian.PutUint16(buf[40:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[42:], elfProgramHeaderSize)
	binary.LittleEndian.PutUint16(buf[44:], 1)
}

func fillProgramHeader(buf []byte, addr, size uint32) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], segmentOffset)
	binary.LittleEndian.PutUint32(buf[8:], addr)  // vaddr
	binary.LittleEndian.PutUint32(buf[12:], addr) // paddr
	binary.LittleEndian.PutUint32(buf[16:], size) // filesz
	binary.LittleEndian.PutUint32(buf[20:], size) // memsz
	binary.LittleEndian.PutUint32(buf[24:], uint32(segmentFlags))
	binary.LittleEndian.PutUint32(buf[28:], segmentAlignment)
}
