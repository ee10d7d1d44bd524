// Package multiboot2 encodes and decodes the Multiboot2 header that makes an
// image bootable, and the boot information structure a loader hands to the
// kernel.
package multiboot2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies a Multiboot2 header.
	Magic uint32 = 0xE85250D6

	// HeaderAlign is the alignment the header must have inside the image.
	HeaderAlign = 8

	// SearchWindow is the number of leading image bytes a loader scans. The
	// header must be contained in it completely.
	SearchWindow = 32768

	// TagAlign is the alignment of every tag inside the header.
	TagAlign = 8

	fixedSize   = 16
	tagHeadSize = 8
	endTagSize  = 8

	// MinLength is the length of a header with an empty tag list.
	MinLength = fixedSize + endTagSize
)

// Architecture selects the processor mode the loader establishes.
type Architecture uint32

const (
	// ArchI386 requests 32-bit protected mode. Loaders use it for 64-bit
	// kernels too; the kernel switches to long mode itself.
	ArchI386 Architecture = 0
	ArchMIPS Architecture = 4
)

func (a Architecture) String() string {
	switch a {
	case ArchI386:
		return "i386"
	case ArchMIPS:
		return "mips32"
	default:
		return fmt.Sprintf("arch(%d)", uint32(a))
	}
}

var (
	ErrBadMagic      = errors.New("multiboot2: bad header magic")
	ErrChecksum      = errors.New("multiboot2: header checksum mismatch")
	ErrLength        = errors.New("multiboot2: bad header length")
	ErrMissingEndTag = errors.New("multiboot2: tag list not terminated")
	ErrNotFound      = errors.New("multiboot2: no header in search window")
	ErrBadTag        = errors.New("multiboot2: malformed tag")
)

// Checksum returns the value that makes magic, architecture, length and
// checksum sum to zero modulo 2^32.
func Checksum(arch Architecture, length uint32) uint32 {
	return -(Magic + uint32(arch) + length)
}

// Sum adds the four fixed fields. A valid header sums to zero.
func Sum(magic uint32, arch Architecture, length, checksum uint32) uint32 {
	return magic + uint32(arch) + length + checksum
}

// Header is the Boot Contract Descriptor: the fixed fields followed by the
// request tags. The end tag is implicit and always emitted last.
type Header struct {
	Architecture Architecture
	Tags         []Tag
}

// New returns an i386 header carrying the given request tags.
func New(tags ...Tag) *Header {
	return &Header{Architecture: ArchI386, Tags: tags}
}

// Length returns the encoded length including the end tag.
func (h *Header) Length() uint32 {
	n := fixedSize
	for _, tag := range h.Tags {
		n += alignTo(tagHeadSize+tag.payloadSize(), TagAlign)
	}
	return uint32(n + endTagSize)
}

// Fields returns the four fixed fields as they appear in the encoding.
func (h *Header) Fields() (magic uint32, arch Architecture, length, checksum uint32) {
	length = h.Length()
	return Magic, h.Architecture, length, Checksum(h.Architecture, length)
}

// MarshalBinary encodes the header. Length and checksum are computed here so
// a marshalled header always satisfies the checksum invariant.
func (h *Header) MarshalBinary() ([]byte, error) {
	magic, arch, length, checksum := h.Fields()

	out := make([]byte, fixedSize, length)
	binary.LittleEndian.PutUint32(out[0:], magic)
	binary.LittleEndian.PutUint32(out[4:], uint32(arch))
	binary.LittleEndian.PutUint32(out[8:], length)
	binary.LittleEndian.PutUint32(out[12:], checksum)

	for _, tag := range h.Tags {
		if tag.Type() == TagEnd {
			return nil, fmt.Errorf("%w: end tag is implicit", ErrBadTag)
		}
		var err error
		out, err = appendTag(out, tag)
		if err != nil {
			return nil, err
		}
	}
	out = appendTagHead(out, TagEnd, 0, endTagSize)

	if uint32(len(out)) != length {
		return nil, fmt.Errorf("%w: encoded %d bytes, declared %d", ErrLength, len(out), length)
	}
	return out, nil
}

// Find scans image the way a loader does: at every 8-byte boundary inside
// the search window. It returns the offset and the decoded header of the
// first valid candidate.
func Find(image []byte) (int, *Header, error) {
	limit := min(len(image), SearchWindow)

	var lastErr error
	for off := 0; off+fixedSize <= limit; off += HeaderAlign {
		if binary.LittleEndian.Uint32(image[off:]) != Magic {
			continue
		}
		hdr, err := Parse(image[off:limit])
		if err != nil {
			lastErr = fmt.Errorf("candidate at %#x: %w", off, err)
			continue
		}
		return off, hdr, nil
	}
	if lastErr != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrNotFound, lastErr)
	}
	return 0, nil, ErrNotFound
}

// Parse decodes a header from the start of data. The checksum is verified
// before anything else, so corrupting any fixed field reports ErrChecksum.
func Parse(data []byte) (*Header, error) {
	if len(data) < fixedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrLength, len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:])
	arch := Architecture(binary.LittleEndian.Uint32(data[4:]))
	length := binary.LittleEndian.Uint32(data[8:])
	checksum := binary.LittleEndian.Uint32(data[12:])

	if Sum(magic, arch, length, checksum) != 0 {
		return nil, ErrChecksum
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	if length < MinLength || uint64(length) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d (have %d bytes)", ErrLength, length, len(data))
	}

	hdr := &Header{Architecture: arch}
	body := data[:length]
	off := fixedSize
	for {
		if off+tagHeadSize > len(body) {
			return nil, ErrMissingEndTag
		}
		typ := TagType(binary.LittleEndian.Uint16(body[off:]))
		flags := binary.LittleEndian.Uint16(body[off+2:])
		size := int(binary.LittleEndian.Uint32(body[off+4:]))
		if size < tagHeadSize || off+size > len(body) {
			return nil, fmt.Errorf("%w: tag %d at %#x has size %d", ErrBadTag, typ, off, size)
		}

		if typ == TagEnd {
			if size != endTagSize {
				return nil, fmt.Errorf("%w: end tag size %d", ErrBadTag, size)
			}
			if off+size != len(body) {
				return nil, fmt.Errorf("%w: end tag at %#x, header length %d", ErrLength, off, length)
			}
			return hdr, nil
		}

		tag, err := decodeTag(typ, flags, body[off+tagHeadSize:off+size])
		if err != nil {
			return nil, err
		}
		hdr.Tags = append(hdr.Tags, tag)
		off += alignTo(size, TagAlign)
	}
}

// Tag returns the first tag of the given type.
func (h *Header) Tag(typ TagType) (Tag, bool) {
	for _, tag := range h.Tags {
		if tag.Type() == typ {
			return tag, true
		}
	}
	return nil, false
}

func alignTo(value, boundary int) int {
	mask := boundary - 1
	return (value + mask) &^ mask
}
