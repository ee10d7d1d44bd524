// Package loader plays the part of a Multiboot2 boot loader: it finds and
// checks the header, copies the image into guest memory, writes the boot
// information structure and establishes the i386 handoff state.
package loader

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vgaboot/internal/image"
	"github.com/tinyrange/vgaboot/internal/multiboot2"
	"github.com/tinyrange/vgaboot/internal/vga"
)

const (
	// DefaultInfoAddress is where the boot information structure is placed,
	// in conventional memory below the VGA hole.
	DefaultInfoAddress uint32 = 0x10000

	DefaultBootLoaderName = "vgaboot"
)

var (
	ErrUnsupportedArchitecture = errors.New("loader: unsupported header architecture")
	ErrUnsupportedTag          = errors.New("loader: header requires an unsupported feature")
)

// Target is the machine an image is loaded into.
type Target interface {
	// LoadBytes copies data to guest physical memory.
	LoadBytes(addr uint32, data []byte) error
	// MemoryLayout reports conventional and extended memory in KiB.
	MemoryLayout() (lowerKiB, upperKiB uint32)
	// Handoff enters 32-bit protected mode with interrupts disabled and
	// starts executing at eip with the given EAX and EBX.
	Handoff(eip, eax, ebx uint32) error
}

type Options struct {
	CommandLine    string
	BootLoaderName string
	InfoAddress    uint32
}

func (o Options) withDefaults() Options {
	if o.BootLoaderName == "" {
		o.BootLoaderName = DefaultBootLoaderName
	}
	if o.InfoAddress == 0 {
		o.InfoAddress = DefaultInfoAddress
	}
	return o
}

// Handoff records what Load did.
type Handoff struct {
	Image       *image.Info
	Entry       uint32
	EAX         uint32
	EBX         uint32
	InfoAddress uint32
	Info        []byte
}

// Load loads data into t and prepares t to run it.
func Load(t Target, data []byte, opts Options) (*Handoff, error) {
	opts = opts.withDefaults()
	if opts.InfoAddress%multiboot2.TagAlign != 0 {
		return nil, fmt.Errorf("loader: boot information address %#x is not 8-byte aligned", opts.InfoAddress)
	}

	img, err := image.Inspect(data)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	hdr := img.Header
	if hdr.Architecture != multiboot2.ArchI386 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArchitecture, hdr.Architecture)
	}

	lower, upper := t.MemoryLayout()
	info := &multiboot2.InfoBuilder{}
	info.CommandLine(opts.CommandLine).
		BootLoaderName(opts.BootLoaderName).
		BasicMemory(lower, upper).
		Framebuffer(multiboot2.FramebufferInfo{
			Addr:   uint64(vga.BaseAddress),
			Pitch:  vga.Pitch,
			Width:  vga.Columns,
			Height: vga.Rows,
			BPP:    16,
			Type:   multiboot2.FramebufferEGAText,
		}).
		LoadBaseAddr(img.Segments[0].Addr)

	if err := checkTags(hdr, info); err != nil {
		return nil, err
	}

	infoBytes := info.Bytes()
	infoEnd := uint64(opts.InfoAddress) + uint64(len(infoBytes))
	for _, seg := range img.Segments {
		if uint64(seg.Addr) < infoEnd && uint64(opts.InfoAddress) < seg.End() {
			return nil, fmt.Errorf("loader: segment [%#x, %#x) overlaps boot information at %#x", seg.Addr, seg.End(), opts.InfoAddress)
		}
		if err := t.LoadBytes(seg.Addr, seg.Data); err != nil {
			return nil, fmt.Errorf("loader: load segment at %#x: %w", seg.Addr, err)
		}
		if bss := int(seg.MemSize) - len(seg.Data); bss > 0 {
			if err := t.LoadBytes(seg.Addr+uint32(len(seg.Data)), make([]byte, bss)); err != nil {
				return nil, fmt.Errorf("loader: clear bss at %#x: %w", seg.Addr+uint32(len(seg.Data)), err)
			}
		}
		slog.Debug("loaded segment", "addr", fmt.Sprintf("%#x", seg.Addr), "file", len(seg.Data), "mem", seg.MemSize)
	}

	if err := t.LoadBytes(opts.InfoAddress, infoBytes); err != nil {
		return nil, fmt.Errorf("loader: write boot information: %w", err)
	}

	h := &Handoff{
		Image:       img,
		Entry:       img.Entry,
		EAX:         multiboot2.BootloaderMagic,
		EBX:         opts.InfoAddress,
		InfoAddress: opts.InfoAddress,
		Info:        infoBytes,
	}
	if err := t.Handoff(h.Entry, h.EAX, h.EBX); err != nil {
		return nil, fmt.Errorf("loader: handoff to %#x: %w", h.Entry, err)
	}
	slog.Debug("multiboot2 handoff", "entry", fmt.Sprintf("%#x", h.Entry), "format", img.Format, "header", img.HeaderOffset)
	return h, nil
}

// checkTags refuses headers whose non-optional requests this loader cannot
// honour. Optional tags it does not understand are ignored.
func checkTags(hdr *multiboot2.Header, info *multiboot2.InfoBuilder) error {
	for _, tag := range hdr.Tags {
		unsupported := ""
		switch t := tag.(type) {
		case *multiboot2.InformationRequestTag:
			for _, req := range t.Requests {
				if !info.Provides(req) && req != multiboot2.InfoEnd {
					unsupported = fmt.Sprintf("boot information type %d", req)
					break
				}
			}
		case *multiboot2.AddressTag, *multiboot2.EntryAddressTag, *multiboot2.ModuleAlignTag, *multiboot2.RelocatableTag:
			// Placement is handled by image.Inspect; there are no modules;
			// relocatable images are loaded at their link address.
		case *multiboot2.ConsoleFlagsTag:
			if t.Flags&multiboot2.ConsoleRequired != 0 && t.Flags&multiboot2.ConsoleEGASupported == 0 {
				unsupported = "a console other than EGA text"
			}
		case *multiboot2.FramebufferTag:
			if t.Depth != 0 {
				unsupported = fmt.Sprintf("a %dx%dx%d graphics framebuffer", t.Width, t.Height, t.Depth)
			}
		case *multiboot2.EFIBootServicesTag:
			unsupported = "EFI boot services"
		default:
			unsupported = fmt.Sprintf("tag %v", tag.Type())
		}

		if unsupported == "" {
			continue
		}
		if tag.Optional() {
			slog.Debug("ignoring optional header tag", "tag", tag.Type(), "needs", unsupported)
			continue
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedTag, unsupported)
	}
	return nil
}
