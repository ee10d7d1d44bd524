// Package image links a Multiboot2 header and an assembled entry routine
// into a bootable file and reads such files back.
package image

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/vgaboot/internal/asm"
	"github.com/tinyrange/vgaboot/internal/multiboot2"
)

// DefaultLoadAddress is the physical address the image is linked at (1 MiB).
const DefaultLoadAddress uint32 = 0x100000

var ErrOutsideSearchWindow = errors.New("image: header outside the loader search window")

type Format int

const (
	// FormatELF is an ELF32 executable with one loadable segment.
	FormatELF Format = iota
	// FormatFlat is a raw image placed by the header's address tag.
	FormatFlat
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatFlat:
		return "flat"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "elf":
		return FormatELF, nil
	case "flat", "bin":
		return FormatFlat, nil
	default:
		return 0, fmt.Errorf("image: unknown format %q", s)
	}
}

type Config struct {
	Format      Format
	LoadAddress uint32
}

func (cfg Config) withDefaults() Config {
	if cfg.LoadAddress == 0 {
		cfg.LoadAddress = DefaultLoadAddress
	}
	return cfg
}

// CheckPlacement reports whether a header of length bytes at file offset
// can be found by a loader.
func CheckPlacement(offset, length int) error {
	if offset < 0 || offset%multiboot2.HeaderAlign != 0 {
		return fmt.Errorf("%w: offset %#x is not %d-byte aligned", ErrOutsideSearchWindow, offset, multiboot2.HeaderAlign)
	}
	if end := offset + length; end > multiboot2.SearchWindow {
		return fmt.Errorf("%w: header ends at %#x, window is %#x bytes", ErrOutsideSearchWindow, end, multiboot2.SearchWindow)
	}
	return nil
}

// Build links hdr followed by prog. The entry point is the first byte of
// prog, which sits directly after the header.
func Build(cfg Config, hdr *multiboot2.Header, prog asm.Program) ([]byte, error) {
	cfg = cfg.withDefaults()
	if hdr == nil {
		return nil, errors.New("image: nil header")
	}
	if prog.PointerSize() != 4 {
		return nil, fmt.Errorf("image: program has %d-byte pointers, want 4", prog.PointerSize())
	}

	var (
		data      []byte
		headerOff int
		err       error
	)
	switch cfg.Format {
	case FormatELF:
		data, headerOff, err = buildELF(cfg, hdr, prog)
	case FormatFlat:
		data, headerOff, err = buildFlat(cfg, hdr, prog)
	default:
		err = fmt.Errorf("image: unsupported format %v", cfg.Format)
	}
	if err != nil {
		return nil, err
	}

	// The loader must find exactly the header that was linked.
	found, _, err := multiboot2.Find(data)
	if err != nil {
		return nil, fmt.Errorf("image: linked header not found: %w", err)
	}
	if found != headerOff {
		return nil, fmt.Errorf("image: loader would use header at %#x, linked at %#x", found, headerOff)
	}
	return data, nil
}

// segment lays out header then code and relocates code to follow the header
// at base.
func segment(hdr *multiboot2.Header, prog asm.Program, base uint32) ([]byte, uint32, error) {
	head, err := hdr.MarshalBinary()
	if err != nil {
		return nil, 0, err
	}
	entry := uint64(base) + uint64(len(head))
	if entry+uint64(prog.Len()) > 1<<32 {
		return nil, 0, fmt.Errorf("image: %d bytes at %#x exceed the 32-bit address space", len(head)+prog.Len(), base)
	}
	code, err := prog.RelocatedCopy(entry)
	if err != nil {
		return nil, 0, fmt.Errorf("image: relocate entry routine: %w", err)
	}
	return append(head, code...), uint32(entry), nil
}
