package multiboot2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// BootloaderMagic is the value a Multiboot2 loader leaves in EAX at handoff.
const BootloaderMagic uint32 = 0x36d76289

// InfoType identifies a boot information tag.
type InfoType uint32

const (
	InfoEnd            InfoType = 0
	InfoCommandLine    InfoType = 1
	InfoBootLoaderName InfoType = 2
	InfoModule         InfoType = 3
	InfoBasicMemory    InfoType = 4
	InfoBootDevice     InfoType = 5
	InfoMemoryMap      InfoType = 6
	InfoVBE            InfoType = 7
	InfoFramebuffer    InfoType = 8
	InfoELFSections    InfoType = 9
	InfoAPM            InfoType = 10
	InfoEFI32          InfoType = 11
	InfoEFI64          InfoType = 12
	InfoSMBIOS         InfoType = 13
	InfoACPIOld        InfoType = 14
	InfoACPINew        InfoType = 15
	InfoNetwork        InfoType = 16
	InfoEFIMemoryMap   InfoType = 17
	InfoEFIBootSvc     InfoType = 18
	InfoEFI32Image     InfoType = 19
	InfoEFI64Image     InfoType = 20
	InfoLoadBaseAddr   InfoType = 21
)

// FramebufferType is the kind of display described by InfoFramebuffer.
type FramebufferType uint8

const (
	FramebufferIndexed FramebufferType = 0
	FramebufferRGB     FramebufferType = 1
	FramebufferEGAText FramebufferType = 2
)

var ErrBadInfo = errors.New("multiboot2: malformed boot information")

// FramebufferInfo describes the display the loader set up. For EGA text the
// width and height are in characters and the pitch is bytes per row.
type FramebufferInfo struct {
	Addr   uint64
	Pitch  uint32
	Width  uint32
	Height uint32
	BPP    uint8
	Type   FramebufferType
}

// Info is the decoded boot information structure.
type Info struct {
	TotalSize      uint32
	CommandLine    string
	BootLoaderName string
	MemLower       uint32
	MemUpper       uint32
	HasMemory      bool
	Framebuffer    *FramebufferInfo
	LoadBase       uint32
	HasLoadBase    bool
	Types          []InfoType
}

// InfoBuilder assembles the boot information structure the loader places in
// guest memory. Tags are emitted in the order they are added.
type InfoBuilder struct {
	tags  bytes.Buffer
	types []InfoType
}

func (b *InfoBuilder) begin(typ InfoType, size int) {
	binary.Write(&b.tags, binary.LittleEndian, uint32(typ))
	binary.Write(&b.tags, binary.LittleEndian, uint32(size))
	b.types = append(b.types, typ)
}

func (b *InfoBuilder) pad() {
	for b.tags.Len()%TagAlign != 0 {
		b.tags.WriteByte(0)
	}
}

func (b *InfoBuilder) str(typ InfoType, s string) *InfoBuilder {
	b.begin(typ, 8+len(s)+1)
	b.tags.WriteString(s)
	b.tags.WriteByte(0)
	b.pad()
	return b
}

func (b *InfoBuilder) CommandLine(s string) *InfoBuilder {
	return b.str(InfoCommandLine, s)
}

func (b *InfoBuilder) BootLoaderName(s string) *InfoBuilder {
	return b.str(InfoBootLoaderName, s)
}

// BasicMemory records lower and upper memory in KiB.
func (b *InfoBuilder) BasicMemory(lowerKiB, upperKiB uint32) *InfoBuilder {
	b.begin(InfoBasicMemory, 16)
	binary.Write(&b.tags, binary.LittleEndian, lowerKiB)
	binary.Write(&b.tags, binary.LittleEndian, upperKiB)
	return b
}

func (b *InfoBuilder) Framebuffer(fb FramebufferInfo) *InfoBuilder {
	b.begin(InfoFramebuffer, 32)
	binary.Write(&b.tags, binary.LittleEndian, fb.Addr)
	binary.Write(&b.tags, binary.LittleEndian, fb.Pitch)
	binary.Write(&b.tags, binary.LittleEndian, fb.Width)
	binary.Write(&b.tags, binary.LittleEndian, fb.Height)
	b.tags.WriteByte(fb.BPP)
	b.tags.WriteByte(byte(fb.Type))
	binary.Write(&b.tags, binary.LittleEndian, uint16(0))
	return b
}

func (b *InfoBuilder) LoadBaseAddr(addr uint32) *InfoBuilder {
	b.begin(InfoLoadBaseAddr, 12)
	binary.Write(&b.tags, binary.LittleEndian, addr)
	b.pad()
	return b
}

// Provides reports whether a tag of the given type has been added.
func (b *InfoBuilder) Provides(typ InfoType) bool {
	for _, t := range b.types {
		if t == typ {
			return true
		}
	}
	return false
}

// Bytes returns the complete structure including the size prefix and the end
// tag.
func (b *InfoBuilder) Bytes() []byte {
	total := 8 + b.tags.Len() + 8
	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = append(out, b.tags.Bytes()...)
	out = binary.LittleEndian.AppendUint32(out, uint32(InfoEnd))
	out = binary.LittleEndian.AppendUint32(out, 8)
	return out
}

// ParseInfo decodes a boot information structure.
func ParseInfo(data []byte) (*Info, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadInfo, len(data))
	}
	total := binary.LittleEndian.Uint32(data)
	if total < 16 || uint64(total) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: total size %d", ErrBadInfo, total)
	}

	info := &Info{TotalSize: total}
	data = data[:total]
	off := 8
	for off+8 <= len(data) {
		typ := InfoType(binary.LittleEndian.Uint32(data[off:]))
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		if size < 8 || off+size > len(data) {
			return nil, fmt.Errorf("%w: tag %d at %#x has size %d", ErrBadInfo, typ, off, size)
		}
		body := data[off+8 : off+size]

		switch typ {
		case InfoEnd:
			return info, nil
		case InfoCommandLine:
			info.CommandLine = cString(body)
		case InfoBootLoaderName:
			info.BootLoaderName = cString(body)
		case InfoBasicMemory:
			if len(body) < 8 {
				return nil, fmt.Errorf("%w: basic memory tag too short", ErrBadInfo)
			}
			info.MemLower = binary.LittleEndian.Uint32(body)
			info.MemUpper = binary.LittleEndian.Uint32(body[4:])
			info.HasMemory = true
		case InfoFramebuffer:
			if len(body) < 22 {
				return nil, fmt.Errorf("%w: framebuffer tag too short", ErrBadInfo)
			}
			info.Framebuffer = &FramebufferInfo{
				Addr:   binary.LittleEndian.Uint64(body),
				Pitch:  binary.LittleEndian.Uint32(body[8:]),
				Width:  binary.LittleEndian.Uint32(body[12:]),
				Height: binary.LittleEndian.Uint32(body[16:]),
				BPP:    body[20],
				Type:   FramebufferType(body[21]),
			}
		case InfoLoadBaseAddr:
			if len(body) < 4 {
				return nil, fmt.Errorf("%w: load base tag too short", ErrBadInfo)
			}
			info.LoadBase = binary.LittleEndian.Uint32(body)
			info.HasLoadBase = true
		}
		info.Types = append(info.Types, typ)
		off += alignTo(size, TagAlign)
	}
	return nil, fmt.Errorf("%w: missing end tag", ErrBadInfo)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
