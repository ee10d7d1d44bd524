package multiboot2

import (
	"encoding/binary"
	"fmt"
)

// TagType identifies a header request tag.
type TagType uint16

const (
	TagEnd                TagType = 0
	TagInformationRequest TagType = 1
	TagAddress            TagType = 2
	TagEntryAddress       TagType = 3
	TagConsoleFlags       TagType = 4
	TagFramebuffer        TagType = 5
	TagModuleAlign        TagType = 6
	TagEFIBootServices    TagType = 7
	TagEntryAddressEFI32  TagType = 8
	TagEntryAddressEFI64  TagType = 9
	TagRelocatable        TagType = 10
)

var tagNames = map[TagType]string{
	TagEnd:                "end",
	TagInformationRequest: "information-request",
	TagAddress:            "address",
	TagEntryAddress:       "entry-address",
	TagConsoleFlags:       "console-flags",
	TagFramebuffer:        "framebuffer",
	TagModuleAlign:        "module-align",
	TagEFIBootServices:    "efi-boot-services",
	TagEntryAddressEFI32:  "entry-address-efi32",
	TagEntryAddressEFI64:  "entry-address-efi64",
	TagRelocatable:        "relocatable",
}

func (t TagType) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}

// FlagOptional marks a request the loader may ignore.
const FlagOptional uint16 = 1

// Tag is a header request tag.
type Tag interface {
	Type() TagType
	Optional() bool

	payloadSize() int
	appendPayload(dst []byte) []byte
}

// InformationRequestTag asks the loader to provide the listed boot
// information tags.
type InformationRequestTag struct {
	IsOptional bool
	Requests   []InfoType
}

func (t *InformationRequestTag) Type() TagType    { return TagInformationRequest }
func (t *InformationRequestTag) Optional() bool   { return t.IsOptional }
func (t *InformationRequestTag) payloadSize() int { return 4 * len(t.Requests) }
func (t *InformationRequestTag) appendPayload(dst []byte) []byte {
	for _, req := range t.Requests {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(req))
	}
	return dst
}

// AddressTag describes where a non-ELF image is loaded. All addresses are
// physical.
type AddressTag struct {
	HeaderAddr  uint32
	LoadAddr    uint32
	LoadEndAddr uint32
	BSSEndAddr  uint32
}

func (t *AddressTag) Type() TagType    { return TagAddress }
func (t *AddressTag) Optional() bool   { return false }
func (t *AddressTag) payloadSize() int { return 16 }
func (t *AddressTag) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, t.HeaderAddr)
	dst = binary.LittleEndian.AppendUint32(dst, t.LoadAddr)
	dst = binary.LittleEndian.AppendUint32(dst, t.LoadEndAddr)
	return binary.LittleEndian.AppendUint32(dst, t.BSSEndAddr)
}

// EntryAddressTag overrides the entry point of the image.
type EntryAddressTag struct {
	IsOptional bool
	EntryAddr  uint32
}

func (t *EntryAddressTag) Type() TagType    { return TagEntryAddress }
func (t *EntryAddressTag) Optional() bool   { return t.IsOptional }
func (t *EntryAddressTag) payloadSize() int { return 4 }
func (t *EntryAddressTag) appendPayload(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, t.EntryAddr)
}

// ConsoleFlags are the bits of a ConsoleFlagsTag.
type ConsoleFlags uint32

const (
	ConsoleRequired     ConsoleFlags = 1 << 0
	ConsoleEGASupported ConsoleFlags = 1 << 1
)

type ConsoleFlagsTag struct {
	IsOptional bool
	Flags      ConsoleFlags
}

func (t *ConsoleFlagsTag) Type() TagType    { return TagConsoleFlags }
func (t *ConsoleFlagsTag) Optional() bool   { return t.IsOptional }
func (t *ConsoleFlagsTag) payloadSize() int { return 4 }
func (t *ConsoleFlagsTag) appendPayload(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(t.Flags))
}

// FramebufferTag states the preferred graphics mode. Zero fields mean no
// preference; Depth zero asks for a text mode.
type FramebufferTag struct {
	IsOptional bool
	Width      uint32
	Height     uint32
	Depth      uint32
}

func (t *FramebufferTag) Type() TagType    { return TagFramebuffer }
func (t *FramebufferTag) Optional() bool   { return t.IsOptional }
func (t *FramebufferTag) payloadSize() int { return 12 }
func (t *FramebufferTag) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, t.Width)
	dst = binary.LittleEndian.AppendUint32(dst, t.Height)
	return binary.LittleEndian.AppendUint32(dst, t.Depth)
}

// ModuleAlignTag asks for page-aligned boot modules.
type ModuleAlignTag struct{}

func (t *ModuleAlignTag) Type() TagType                   { return TagModuleAlign }
func (t *ModuleAlignTag) Optional() bool                  { return false }
func (t *ModuleAlignTag) payloadSize() int                { return 0 }
func (t *ModuleAlignTag) appendPayload(dst []byte) []byte { return dst }

// EFIBootServicesTag asks the loader not to terminate EFI boot services.
type EFIBootServicesTag struct {
	IsOptional bool
}

func (t *EFIBootServicesTag) Type() TagType                   { return TagEFIBootServices }
func (t *EFIBootServicesTag) Optional() bool                  { return t.IsOptional }
func (t *EFIBootServicesTag) payloadSize() int                { return 0 }
func (t *EFIBootServicesTag) appendPayload(dst []byte) []byte { return dst }

// RelocPreference is the placement hint of a RelocatableTag.
type RelocPreference uint32

const (
	RelocNone RelocPreference = iota
	RelocLowest
	RelocHighest
)

type RelocatableTag struct {
	IsOptional bool
	MinAddr    uint32
	MaxAddr    uint32
	Align      uint32
	Preference RelocPreference
}

func (t *RelocatableTag) Type() TagType    { return TagRelocatable }
func (t *RelocatableTag) Optional() bool   { return t.IsOptional }
func (t *RelocatableTag) payloadSize() int { return 16 }
func (t *RelocatableTag) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, t.MinAddr)
	dst = binary.LittleEndian.AppendUint32(dst, t.MaxAddr)
	dst = binary.LittleEndian.AppendUint32(dst, t.Align)
	return binary.LittleEndian.AppendUint32(dst, uint32(t.Preference))
}

// RawTag carries a tag this package does not interpret.
type RawTag struct {
	TagType TagType
	Flags   uint16
	Payload []byte
}

func (t *RawTag) Type() TagType    { return t.TagType }
func (t *RawTag) Optional() bool   { return t.Flags&FlagOptional != 0 }
func (t *RawTag) payloadSize() int { return len(t.Payload) }
func (t *RawTag) appendPayload(dst []byte) []byte {
	return append(dst, t.Payload...)
}

func appendTagHead(dst []byte, typ TagType, flags uint16, size int) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(typ))
	dst = binary.LittleEndian.AppendUint16(dst, flags)
	return binary.LittleEndian.AppendUint32(dst, uint32(size))
}

func appendTag(dst []byte, tag Tag) ([]byte, error) {
	var flags uint16
	if tag.Optional() {
		flags |= FlagOptional
	}
	if raw, ok := tag.(*RawTag); ok {
		flags = raw.Flags
	}

	size := tagHeadSize + tag.payloadSize()
	start := len(dst)
	dst = appendTagHead(dst, tag.Type(), flags, size)
	dst = tag.appendPayload(dst)
	if len(dst)-start != size {
		return nil, fmt.Errorf("%w: %s encoded %d bytes, want %d", ErrBadTag, tag.Type(), len(dst)-start, size)
	}
	for len(dst)%TagAlign != 0 {
		dst = append(dst, 0)
	}
	return dst, nil
}

func decodeTag(typ TagType, flags uint16, payload []byte) (Tag, error) {
	optional := flags&FlagOptional != 0
	u32 := func(i int) uint32 { return binary.LittleEndian.Uint32(payload[i*4:]) }
	need := func(n int) error {
		if len(payload) != n {
			return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrBadTag, typ, len(payload), n)
		}
		return nil
	}

	switch typ {
	case TagInformationRequest:
		if len(payload)%4 != 0 {
			return nil, fmt.Errorf("%w: %s payload is %d bytes", ErrBadTag, typ, len(payload))
		}
		tag := &InformationRequestTag{IsOptional: optional}
		for i := 0; i < len(payload)/4; i++ {
			tag.Requests = append(tag.Requests, InfoType(u32(i)))
		}
		return tag, nil
	case TagAddress:
		if err := need(16); err != nil {
			return nil, err
		}
		return &AddressTag{HeaderAddr: u32(0), LoadAddr: u32(1), LoadEndAddr: u32(2), BSSEndAddr: u32(3)}, nil
	case TagEntryAddress:
		if err := need(4); err != nil {
			return nil, err
		}
		return &EntryAddressTag{IsOptional: optional, EntryAddr: u32(0)}, nil
	case TagConsoleFlags:
		if err := need(4); err != nil {
			return nil, err
		}
		return &ConsoleFlagsTag{IsOptional: optional, Flags: ConsoleFlags(u32(0))}, nil
	case TagFramebuffer:
		if err := need(12); err != nil {
			return nil, err
		}
		return &FramebufferTag{IsOptional: optional, Width: u32(0), Height: u32(1), Depth: u32(2)}, nil
	case TagModuleAlign:
		return &ModuleAlignTag{}, nil
	case TagEFIBootServices:
		return &EFIBootServicesTag{IsOptional: optional}, nil
	case TagRelocatable:
		if err := need(16); err != nil {
			return nil, err
		}
		return &RelocatableTag{
			IsOptional: optional,
			MinAddr:    u32(0),
			MaxAddr:    u32(1),
			Align:      u32(2),
			Preference: RelocPreference(u32(3)),
		}, nil
	default:
		return &RawTag{TagType: typ, Flags: flags, Payload: append([]byte(nil), payload...)}, nil
	}
}
