package image

import (
	"fmt"

	"github.com/tinyrange/vgaboot/internal/asm"
	"github.com/tinyrange/vgaboot/internal/multiboot2"
)

// buildFlat emits header and code with nothing in front. The header gains
// address and entry address tags, replacing any the caller supplied, since a
// loader has no other way to place a raw image.
func buildFlat(cfg Config, hdr *multiboot2.Header, prog asm.Program) ([]byte, int, error) {
	addr := &multiboot2.AddressTag{}
	entry := &multiboot2.EntryAddressTag{}

	placed := &multiboot2.Header{Architecture: hdr.Architecture}
	for _, tag := range hdr.Tags {
		switch tag.Type() {
		case multiboot2.TagAddress, multiboot2.TagEntryAddress:
			continue
		}
		placed.Tags = append(placed.Tags, tag)
	}
	placed.Tags = append(placed.Tags, addr, entry)

	length := placed.Length()
	if err := CheckPlacement(0, int(length)); err != nil {
		return nil, 0, err
	}

	end := uint64(cfg.LoadAddress) + uint64(length) + uint64(prog.Len())
	if end > 1<<32 {
		return nil, 0, fmt.Errorf("image: flat image at %#x exceeds the 32-bit address space", cfg.LoadAddress)
	}
	// Tag sizes are fixed, so filling them in keeps the length.
	addr.HeaderAddr = cfg.LoadAddress
	addr.LoadAddr = cfg.LoadAddress
	addr.LoadEndAddr = uint32(end)
	addr.BSSEndAddr = uint32(end)
	entry.EntryAddr = cfg.LoadAddress + length

	data, _, err := segment(placed, prog, cfg.LoadAddress)
	if err != nil {
		return nil, 0, err
	}
	return data, 0, nil
}
